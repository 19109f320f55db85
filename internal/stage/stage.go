// Package stage implements the long-running worker contract of spec.md §4.4:
// a unique name, a main_thread body run on its own goroutine, and
// start/stop/join lifecycle operations. Stages communicate exclusively
// through ring buffers; the runtime guarantees nothing else about them.
//
// Grounded on the teacher's internal/disruptor.EventProcessor
// Start/Shutdown pair (one goroutine, a shutdown channel, a done channel to
// join on), generalized from the one fixed processor the teacher has to N
// independently named stages.
package stage

import (
	"context"
	"sync/atomic"
)

// MainThread is the user-supplied worker body. It must return (not block
// forever) once ctx is cancelled; per spec.md §5, frames already in flight
// are allowed to complete before it returns.
type MainThread func(ctx context.Context)

// Stage is one named worker thread.
type Stage struct {
	name       string
	mainThread MainThread

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	done    chan struct{}
}

// New constructs a stage. It does not start the worker goroutine; call
// Start for that.
func New(name string, mainThread MainThread) *Stage {
	ctx, cancel := context.WithCancel(context.Background())
	return &Stage{
		name:       name,
		mainThread: mainThread,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Name returns the stage's unique configured name.
func (s *Stage) Name() string { return s.name }

// Context returns the stage's cancellation context, for MainThread
// implementations that need to pass it down into blocking ring-buffer
// calls (WaitForEmpty, GetFullFromList).
func (s *Stage) Context() context.Context { return s.ctx }

// Start spawns the worker goroutine. Calling Start twice panics.
func (s *Stage) Start() {
	if !s.started.CompareAndSwap(false, true) {
		panic("stage: Start called twice on " + s.name)
	}
	go func() {
		defer close(s.done)
		s.mainThread(s.ctx)
	}()
}

// Stop requests cooperative shutdown; it does not block.
func (s *Stage) Stop() {
	s.cancel()
}

// Join blocks until the worker goroutine has returned.
func (s *Stage) Join() {
	<-s.done
}
