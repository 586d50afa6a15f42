// Package worker provides the serial execution context that runs every device
// callback and every state machine call of a capture session.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/cjeanneret/bracketcam/internal/debug"
)

var (
	ErrNotStarted = errors.New("worker: not started")
	ErrStopped    = errors.New("worker: stopped")
)

// Serial runs posted tasks one at a time, in posting order, on a single
// goroutine. The queue is unbounded so device callbacks never block.
type Serial struct {
	name string

	mu       sync.Mutex
	queue    []func()
	started  bool
	stopping bool
	wake     chan struct{}
	done     chan struct{}
}

// NewSerial creates a stopped worker. name is only used in logs.
func NewSerial(name string) *Serial {
	return &Serial{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Start launches the worker goroutine. A worker can be started once.
func (s *Serial) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return ErrStopped
	}
	if s.started {
		return nil
	}
	s.started = true
	debug.Trace("worker %s: started", s.name)
	go s.loop()
	return nil
}

// Post queues task. It fails once StopAndJoin has been called.
func (s *Serial) Post(task func()) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if s.stopping {
		s.mu.Unlock()
		return ErrStopped
	}
	s.queue = append(s.queue, task)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Do posts fn and waits for it to run, returning its error. It must not be
// called from the worker goroutine itself.
func (s *Serial) Do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if err := s.Post(func() { result <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAndJoin refuses further posts, lets already queued tasks drain and
// waits for the worker goroutine to exit. Calling it again is a no-op; calling
// it on a worker that was never started returns immediately.
func (s *Serial) StopAndJoin() {
	s.mu.Lock()
	started := s.started
	s.stopping = true
	s.mu.Unlock()
	if !started {
		return
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.done
	debug.Trace("worker %s: joined", s.name)
}

func (s *Serial) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			stopping := s.stopping
			s.mu.Unlock()
			if stopping {
				return
			}
			<-s.wake
			continue
		}
		task := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		task()
	}
}
