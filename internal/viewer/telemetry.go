package viewer

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/timesplat/internal/trainer"
)

// TelemetryServiceName is the fully qualified gRPC service name.
const TelemetryServiceName = "timesplat.viewer.Telemetry"

const (
	snapshotMethod = "/" + TelemetryServiceName + "/Snapshot"
	watchMethod    = "/" + TelemetryServiceName + "/Watch"
)

// TelemetryService is implemented by *Telemetry.
type TelemetryService interface {
	Snapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Watch(*emptypb.Empty, grpc.ServerStream) error
}

var telemetryServiceDesc = grpc.ServiceDesc{
	ServiceName: TelemetryServiceName,
	HandlerType: (*TelemetryService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Snapshot", Handler: snapshotHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "timesplat/viewer/telemetry",
}

func snapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TelemetryService).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: snapshotMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TelemetryService).Snapshot(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TelemetryService).Watch(in, stream)
}

// RegisterTelemetry registers t on a gRPC server.
func RegisterTelemetry(grpcServer *grpc.Server, t *Telemetry) {
	grpcServer.RegisterService(&telemetryServiceDesc, t)
}

// Telemetry fans training step statistics out to gRPC watchers.
type Telemetry struct {
	addr     string
	server   *grpc.Server
	listener net.Listener
	logger   *log.Logger

	mu      sync.Mutex
	last    *structpb.Struct
	clients map[int]chan *structpb.Struct
	nextID  int

	dropped atomic.Uint64
	running atomic.Bool
	wg      sync.WaitGroup
}

// NewTelemetry creates a telemetry hub listening on addr once started.
// logger is optional; if nil, uses log.Default().
func NewTelemetry(addr string, logger *log.Logger) *Telemetry {
	if logger == nil {
		logger = log.Default()
	}
	return &Telemetry{addr: addr, logger: logger, clients: make(map[int]chan *structpb.Struct)}
}

// Start binds the listener and serves the telemetry service.
func (t *Telemetry) Start() error {
	if t.running.Load() {
		return fmt.Errorf("telemetry already running")
	}
	lis, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	t.listener = lis
	t.server = grpc.NewServer()
	RegisterTelemetry(t.server, t)
	t.running.Store(true)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.logger.Printf("[gRPC] telemetry serving on %s", lis.Addr())
		if err := t.server.Serve(lis); err != nil {
			t.logger.Printf("[gRPC] telemetry server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the server down and waits for it to exit.
func (t *Telemetry) Stop() {
	if !t.running.Load() {
		return
	}
	t.running.Store(false)
	if t.server != nil {
		t.server.Stop()
	}
	t.wg.Wait()
	t.logger.Printf("[gRPC] telemetry stopped (%d samples dropped)", t.dropped.Load())
}

// Publish records a step and sends it to every watcher. Slow watchers lose
// samples rather than block the training loop.
func (t *Telemetry) Publish(info trainer.StepInfo) {
	msg, err := stepStruct(info)
	if err != nil {
		t.logger.Printf("[gRPC] failed to encode step %d: %v", info.Step, err)
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = msg
	for _, ch := range t.clients {
		select {
		case ch <- msg:
		default:
			t.dropped.Add(1)
		}
	}
}

// Snapshot returns the most recently published step.
func (t *Telemetry) Snapshot(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return nil, status.Error(codes.Unavailable, "no training steps recorded yet")
	}
	return t.last, nil
}

// Watch streams every published step, starting with the latest one.
func (t *Telemetry) Watch(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ch := make(chan *structpb.Struct, 16)
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.clients[id] = ch
	last := t.last
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.clients, id)
		t.mu.Unlock()
	}()

	if last != nil {
		if err := stream.SendMsg(last); err != nil {
			return err
		}
	}
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// Watchers returns the number of connected watch streams.
func (t *Telemetry) Watchers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}

func stepStruct(info trainer.StepInfo) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"step":         info.Step,
		"loss":         info.Loss,
		"l1":           info.L1,
		"ssim":         info.SSIM,
		"tv":           info.TV,
		"num_splats":   info.NumSplats,
		"num_shading":  info.NumShading,
		"rays":         info.Rays,
		"rays_per_sec": RaysPerSec(info),
		"elapsed_sec":  info.Elapsed,
	})
}

// TelemetryClient calls the telemetry service.
type TelemetryClient struct {
	cc grpc.ClientConnInterface
}

// NewTelemetryClient wraps a client connection.
func NewTelemetryClient(cc grpc.ClientConnInterface) *TelemetryClient {
	return &TelemetryClient{cc: cc}
}

// Snapshot fetches the latest step.
func (c *TelemetryClient) Snapshot(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, snapshotMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchStream receives published steps.
type WatchStream struct {
	grpc.ClientStream
}

// Recv blocks for the next step.
func (s *WatchStream) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Watch opens a step stream.
func (c *TelemetryClient) Watch(ctx context.Context, opts ...grpc.CallOption) (*WatchStream, error) {
	stream, err := c.cc.NewStream(ctx, &telemetryServiceDesc.Streams[0], watchMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &WatchStream{stream}, nil
}
