// Package timeutil abstracts wall time for the training loop so step
// timings, elapsed-time stats and pause polling can be driven by tests.
package timeutil

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source the trainer and evaluation harness read.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration
	// After delivers the time once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// MockClock only moves when Set or Advance is called.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewMockClock returns a clock stopped at t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mocked time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since returns the mocked time elapsed since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// After returns a channel that fires once the clock has been advanced by
// at least d. A non-positive d fires immediately.
func (c *MockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, waiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

// Set moves the clock to t, firing any waiters whose deadline has passed.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	due := c.expire()
	c.mu.Unlock()
	for _, w := range due {
		w.ch <- t
	}
}

// Advance moves the clock forward by d.
func (c *MockClock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

// Pending returns the number of After channels that have not fired.
func (c *MockClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// expire removes and returns the due waiters in deadline order. Callers
// hold mu.
func (c *MockClock) expire() []waiter {
	var due, keep []waiter
	for _, w := range c.waiters {
		if !w.deadline.After(c.now) {
			due = append(due, w)
		} else {
			keep = append(keep, w)
		}
	}
	c.waiters = keep
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	return due
}
