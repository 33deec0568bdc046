// Package supervisor runs named background goroutines under a shared
// context with panic recovery and a bounded graceful stop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Supervisor manages goroutines tied to a shared context.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started atomic.Uint64
	active  atomic.Int64
	panics  atomic.Uint64
}

// Counters is a best-effort view of the supervisor's goroutines.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
	Panics  uint64 `json:"panics"`
}

// New creates a supervisor whose context derives from parent.
func New(parent context.Context) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{ctx: ctx, cancel: cancel}
}

// Context returns the supervisor context. It is cancelled by Stop.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Counters returns the goroutine counters.
func (s *Supervisor) Counters() Counters {
	return Counters{
		Active:  s.active.Load(),
		Started: s.started.Load(),
		Panics:  s.panics.Load(),
	}
}

// Go runs fn in a goroutine. A panic is recovered, logged with its stack
// and turned into an error passed to the optional onPanic callback.
func (s *Supervisor) Go(name string, fn func(ctx context.Context), onPanic ...func(error)) {
	if fn == nil {
		return
	}
	s.GoCtx(s.ctx, name, fn, onPanic...)
}

// GoCtx is Go with a caller-supplied context, which should derive from
// Context so that Stop reaches it.
func (s *Supervisor) GoCtx(ctx context.Context, name string, fn func(ctx context.Context), onPanic ...func(error)) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				s.panics.Add(1)
				err := fmt.Errorf("panic in %s: %v", name, r)
				slog.Error("Goroutine panicked", "name", name, "panic", r, "stack", string(debug.Stack()))
				for _, cb := range onPanic {
					if cb != nil {
						cb(err)
					}
				}
			}
		}()

		slog.Debug("Goroutine started", "name", name)
		fn(ctx)
		slog.Debug("Goroutine stopped", "name", name)
	}()
}

// Stop cancels the supervisor context and waits for goroutines to exit or for
// ctx to expire, whichever comes first.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		active := s.active.Load()
		slog.Warn("Supervisor stop timed out", "active", active)
		return errors.Join(ctx.Err(), fmt.Errorf("%d goroutines still running", active))
	}
}
