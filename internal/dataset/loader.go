package dataset

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Source is what the loader reads from. *Dataset implements it.
type Source interface {
	Len() int
	Get(i int) (*Sample, error)
}

// LoaderConfig contains configuration for Loader.
type LoaderConfig struct {
	// Source supplies samples by index
	Source Source
	// Workers decode samples concurrently; defaults to 2
	Workers int
	// Prefetch bounds the number of decoded samples waiting to be consumed;
	// defaults to 4
	Prefetch int
	// Shuffle draws a fresh permutation each epoch
	Shuffle bool
	// Repeat restarts from the first epoch when the source is exhausted
	Repeat bool
	// Seed for the shuffle order
	Seed uint64
	// Logger is optional; if nil, uses log.Default()
	Logger *log.Logger
}

// Loader prefetches samples on background workers into a bounded channel.
// Next is the only place the training loop waits on data.
type Loader struct {
	cfg    LoaderConfig
	logger *log.Logger
	out    chan *Sample
	cancel context.CancelFunc
	err    error
	once   sync.Once
}

// NewLoader creates a Loader. Call Start before Next.
func NewLoader(cfg LoaderConfig) *Loader {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Loader{cfg: cfg, logger: logger, out: make(chan *Sample, cfg.Prefetch)}
}

// Start launches the producer and decode workers. They stop when ctx is
// cancelled, Close is called, a sample fails to load, or (without Repeat)
// after one epoch.
func (l *Loader) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	indices := make(chan int)

	g.Go(func() error {
		defer close(indices)
		rng := rand.New(rand.NewPCG(l.cfg.Seed, 0x5eed))
		for epoch := 0; ; epoch++ {
			order := make([]int, l.cfg.Source.Len())
			for i := range order {
				order[i] = i
			}
			if l.cfg.Shuffle {
				rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
			}
			for _, i := range order {
				select {
				case indices <- i:
				case <-gctx.Done():
					return nil
				}
			}
			if !l.cfg.Repeat || len(order) == 0 {
				return nil
			}
		}
	})

	for w := 0; w < l.cfg.Workers; w++ {
		g.Go(func() error {
			for i := range indices {
				s, err := l.cfg.Source.Get(i)
				if err != nil {
					return fmt.Errorf("failed to load sample %d: %w", i, err)
				}
				select {
				case l.out <- s:
				case <-gctx.Done():
					return nil
				}
			}
			return nil
		})
	}

	go func() {
		l.err = g.Wait()
		if l.err != nil {
			l.logger.Printf("[Loader] stopped: %v", l.err)
		}
		close(l.out)
	}()
}

// Next returns the next prefetched sample. It returns io.EOF once a
// non-repeating loader has delivered every sample, and the first load error
// if a worker failed.
func (l *Loader) Next(ctx context.Context) (*Sample, error) {
	select {
	case s, ok := <-l.out:
		if !ok {
			if l.err != nil {
				return nil, l.err
			}
			return nil, io.EOF
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the workers and drains the channel. It is safe to call more
// than once.
func (l *Loader) Close() {
	l.once.Do(func() {
		if l.cancel == nil {
			return
		}
		l.cancel()
		for range l.out {
		}
	})
}
