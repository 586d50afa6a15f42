// Package shutter fires a camera through the 3-pin remote connector
// (GND, FOCUS, SHUTTER). Both signal lines are active LOW.
//
// Trigger sequence:
//  1. FOCUS to LOW (half-press, autofocus)
//  2. wait for autofocus
//  3. SHUTTER to LOW (full press)
//  4. hold for the exposure (bulb) or a short tap
//  5. SHUTTER then FOCUS back to HIGH
package shutter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/bracketcam/internal/debug"
	"github.com/cjeanneret/bracketcam/internal/hw/gpio"
)

// Config holds the wiring and timing of the remote release.
type Config struct {
	FocusPin   int
	ShutterPin int
	FocusDelay time.Duration // wait after FOCUS goes LOW
	MinHold    time.Duration // shortest SHUTTER press
}

// RemoteRelease drives the FOCUS and SHUTTER lines. It is not safe for
// concurrent use; one exposure runs at a time.
type RemoteRelease struct {
	gpio gpio.Driver
	cfg  Config

	// sleep waits d or until ctx ends; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRemoteRelease configures both pins as outputs and parks them HIGH.
func NewRemoteRelease(g gpio.Driver, cfg Config) (*RemoteRelease, error) {
	if cfg.FocusPin == cfg.ShutterPin {
		return nil, fmt.Errorf("shutter: focus and shutter share pin %d", cfg.FocusPin)
	}
	for _, pin := range []int{cfg.FocusPin, cfg.ShutterPin} {
		if err := g.SetupPin(pin, gpio.Output); err != nil {
			return nil, fmt.Errorf("shutter: setup pin %d: %w", pin, err)
		}
		if err := g.WritePin(pin, gpio.High); err != nil {
			return nil, fmt.Errorf("shutter: park pin %d: %w", pin, err)
		}
	}
	return &RemoteRelease{gpio: g, cfg: cfg, sleep: sleepCtx}, nil
}

// Focus half-presses the release for FocusDelay and lets go.
func (r *RemoteRelease) Focus(ctx context.Context) error {
	debug.Verbose("Shutter: focus (pin %d -> LOW)", r.cfg.FocusPin)
	if err := r.gpio.WritePin(r.cfg.FocusPin, gpio.Low); err != nil {
		return fmt.Errorf("shutter: press focus: %w", err)
	}
	waitErr := r.sleep(ctx, r.cfg.FocusDelay)
	if err := r.gpio.WritePin(r.cfg.FocusPin, gpio.High); err != nil {
		return errors.Join(waitErr, fmt.Errorf("shutter: release focus: %w", err))
	}
	return waitErr
}

// Expose takes one shot. A positive exposure holds SHUTTER that long, which
// sets the exposure time when the camera is in bulb mode; otherwise the
// shutter is tapped for MinHold and the camera times the exposure itself.
// Canceling ctx ends the exposure early; both lines are released either way.
func (r *RemoteRelease) Expose(ctx context.Context, exposure time.Duration) error {
	hold := max(exposure, r.cfg.MinHold)
	debug.Printf("Shutter: exposing %v (focus=%d, shutter=%d)", hold, r.cfg.FocusPin, r.cfg.ShutterPin)

	if err := r.gpio.WritePin(r.cfg.FocusPin, gpio.Low); err != nil {
		return fmt.Errorf("shutter: press focus: %w", err)
	}
	if err := r.sleep(ctx, r.cfg.FocusDelay); err != nil {
		return errors.Join(err, r.Release())
	}

	debug.Verbose("Shutter: SHUTTER (pin %d -> LOW) for %v", r.cfg.ShutterPin, hold)
	if err := r.gpio.WritePin(r.cfg.ShutterPin, gpio.Low); err != nil {
		return errors.Join(fmt.Errorf("shutter: press shutter: %w", err), r.Release())
	}
	waitErr := r.sleep(ctx, hold)
	if err := r.Release(); err != nil {
		return errors.Join(waitErr, err)
	}
	if waitErr != nil {
		return fmt.Errorf("shutter: exposure cut short: %w", waitErr)
	}
	debug.Verbose("Shutter: shot done")
	return nil
}

// Release drives SHUTTER then FOCUS back HIGH.
func (r *RemoteRelease) Release() error {
	var errs []error
	if err := r.gpio.WritePin(r.cfg.ShutterPin, gpio.High); err != nil {
		errs = append(errs, fmt.Errorf("shutter: release shutter: %w", err))
	}
	if err := r.gpio.WritePin(r.cfg.FocusPin, gpio.High); err != nil {
		errs = append(errs, fmt.Errorf("shutter: release focus: %w", err))
	}
	return errors.Join(errs...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
