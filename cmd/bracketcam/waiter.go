package main

import (
	"context"

	"github.com/cjeanneret/bracketcam/internal/hw/device"
	"github.com/cjeanneret/bracketcam/internal/logic/capture"
)

// waiter turns listener notifications into channels the one-shot capture
// blocks on. Sends never block the orchestrator's worker.
type waiter struct {
	ready  chan struct{}
	locks  chan float64
	frames chan device.Frame
	errs   chan error
}

func newWaiter() *waiter {
	return &waiter{
		ready:  make(chan struct{}, 1),
		locks:  make(chan float64, 1),
		frames: make(chan device.Frame, 64),
		errs:   make(chan error, 1),
	}
}

func (w *waiter) listener() capture.Listener {
	return capture.ListenerFuncs{
		Ready: func() {
			select {
			case w.ready <- struct{}{}:
			default:
			}
		},
		ExposureLock: func(ev float64) {
			select {
			case w.locks <- ev:
			default:
			}
		},
		ImageAvailable: func(f device.Frame) {
			select {
			case w.frames <- f:
			default:
			}
		},
		Error: func(err error) {
			select {
			case w.errs <- err:
			default:
			}
		},
	}
}

func (w *waiter) waitReady(ctx context.Context) error {
	select {
	case <-w.ready:
		return nil
	case err := <-w.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *waiter) waitLock(ctx context.Context) (float64, error) {
	select {
	case ev := <-w.locks:
		return ev, nil
	case err := <-w.errs:
		return 0, err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// waitBurst waits for the return to READY and for n frames. Frames may
// arrive after the last completion.
func (w *waiter) waitBurst(ctx context.Context, n int) error {
	ready, frames := false, 0
	for !ready || frames < n {
		select {
		case <-w.ready:
			ready = true
		case <-w.frames:
			frames++
		case err := <-w.errs:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
