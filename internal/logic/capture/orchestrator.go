// Package capture drives the bracketed still-capture protocol on top of the
// fsm engine. Every state hook, device callback and listener notification
// runs on one serial Executor; the public methods hand their work to it and
// wait for the outcome.
package capture

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/bracketcam/internal/debug"
	"github.com/cjeanneret/bracketcam/internal/fsm"
	"github.com/cjeanneret/bracketcam/internal/hw/device"
)

const (
	DefaultOpenTimeout      = 2500 * time.Millisecond
	DefaultTeardownTimeout  = 5 * time.Second
	DefaultMaxMeteringPolls = 30
)

// Options tunes an Orchestrator. Zero values select the defaults.
type Options struct {
	MaxBrackets     int
	OpenTimeout     time.Duration // open/close lock wait
	TeardownTimeout time.Duration // bound on Shutdown
	DisplayRotation int           // 0, 90, 180 or 270
	Format          device.Format

	// MaxMeteringPolls bounds the follow-up requests a waiting state issues
	// when a request completes before AE or AF settled.
	MaxMeteringPolls int
}

func (o Options) withDefaults() Options {
	if o.MaxBrackets <= 0 {
		o.MaxBrackets = DefaultMaxBrackets
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = DefaultOpenTimeout
	}
	if o.TeardownTimeout <= 0 {
		o.TeardownTimeout = DefaultTeardownTimeout
	}
	if o.Format == "" {
		o.Format = device.FormatJPEG
	}
	if o.MaxMeteringPolls <= 0 {
		o.MaxMeteringPolls = DefaultMaxMeteringPolls
	}
	return o
}

type machine = fsm.Machine[State, Event]

// session is the capture session context. Only the worker touches it.
type session struct {
	desc        device.Descriptor
	stillSize   device.Size
	orientation int

	dev     device.Device
	sess    device.Session
	opening  bool          // Open issued, callback not yet delivered
	openDone chan struct{} // closed once the pending Open is answered

	seq      uint64     // last sequence id handed out
	pending  device.Tag // request the current state waits on
	inFlight bool       // pending has not completed yet
	polls    int

	burst      []device.Request
	done       []bool
	completed  int
	burstStart time.Time
}

// Orchestrator owns one capture session from device selection to teardown.
// It is not restartable: build a new one after Shutdown or a device failure.
type Orchestrator struct {
	camera device.Camera
	exec   device.Executor
	opts   Options
	m      *machine

	// lock guards device open/close; a buffered channel so acquisition can
	// time out.
	lock chan struct{}

	mu           sync.Mutex
	started      bool
	closed       bool
	shutdownOnce sync.Once
	shutdownErr  error

	// Worker-only fields.
	listener Listener
	s        session
	failure  error
	teardown []error
}

// New builds an orchestrator over camera. exec runs every state hook and
// device callback; it is started by Start and joined by Shutdown.
func New(camera device.Camera, exec device.Executor, opts Options) *Orchestrator {
	o := &Orchestrator{
		camera:   camera,
		exec:     exec,
		opts:     opts.withDefaults(),
		m:        fsm.New[State, Event](NumStates),
		lock:     make(chan struct{}, 1),
		listener: ListenerFuncs{},
	}
	o.mustRegister(StateSelectDevice, &selectDevice{o: o})
	o.mustRegister(StateStartup, &startup{o: o})
	o.mustRegister(StateReady, &ready{o: o})
	o.mustRegister(StateFindAELock, &findAELock{o: o})
	o.mustRegister(StateTakingPicture, &takingPicture{o: o})
	o.mustRegister(StateWaitingLock, &waitingLock{o: o})
	o.mustRegister(StateWaitingPrecapture, &waitingPrecapture{o: o})
	o.mustRegister(StateWaitingNonPrecapture, &waitingNonPrecapture{o: o})
	o.mustRegister(StateTakingStill, &takingStill{o: o})
	o.mustRegister(StateShutdown, &shutdown{o: o})
	return o
}

func (o *Orchestrator) mustRegister(id State, h fsm.Handler[State, Event]) {
	if err := o.m.Register(id, h); err != nil {
		panic(fmt.Sprintf("capture: register %s: %v", id, err))
	}
}

// Options returns the effective options, defaults applied.
func (o *Orchestrator) Options() Options {
	return o.opts
}

// Start starts the Executor and runs device selection. Errors raised while
// selecting or opening synchronously are returned; later device failures
// reach l.OnError. l may be nil.
func (o *Orchestrator) Start(ctx context.Context, l Listener) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrShutdown
	}
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	if err := o.exec.Start(); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("capture: start worker: %w", err)
	}
	o.started = true
	if l != nil {
		o.listener = l
	}
	o.mu.Unlock()

	debug.Verbose("capture: starting, max %d brackets", o.opts.MaxBrackets)
	return o.post(ctx, func() error {
		if err := o.m.Transition(StateSelectDevice); err != nil {
			return err
		}
		return o.failure
	})
}

// PerformBracketedCapture issues one manual still per bracket. It returns
// once the burst has been handed to the device; completion is signalled by
// the next OnReady.
func (o *Orchestrator) PerformBracketedCapture(ctx context.Context, brackets []Bracket) error {
	list := slices.Clone(brackets)
	return o.call(ctx, func() error {
		if err := o.requireReady(); err != nil {
			return err
		}
		if len(list) == 0 {
			return ErrNoBrackets
		}
		if len(list) > o.opts.MaxBrackets {
			return fmt.Errorf("%w: %d > %d", ErrTooManyBrackets, len(list), o.opts.MaxBrackets)
		}
		if err := ValidateBrackets(list, o.s.desc.Exposure, o.s.desc.Sensitivity); err != nil {
			return err
		}
		if err := o.m.Transition(StateTakingPicture); err != nil {
			return err
		}
		return o.m.Dispatch(BracketList{Brackets: list})
	})
}

// FindExposureLock runs the auto-exposure precapture sequence and reports
// the metered value through OnExposureLock.
func (o *Orchestrator) FindExposureLock(ctx context.Context) error {
	return o.fromReady(ctx, StateFindAELock)
}

// TakePicture locks focus, runs precapture metering if needed and takes one
// auto-exposed still.
func (o *Orchestrator) TakePicture(ctx context.Context) error {
	return o.fromReady(ctx, StateWaitingLock)
}

// State returns the current protocol state.
func (o *Orchestrator) State(ctx context.Context) (State, error) {
	var st State
	err := o.call(ctx, func() error {
		cur, err := o.m.Current()
		st = cur
		return err
	})
	return st, err
}

// Shutdown moves to SHUTDOWN from any state, closes the device, then stops
// and joins the Executor. It may be called any number of times, before or
// after Start. The error only reports teardown problems.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		started := o.started
		o.mu.Unlock()
		if !started {
			return
		}

		ctx, cancel := context.WithTimeout(ctx, o.opts.TeardownTimeout)
		defer cancel()

		joined := make(chan struct{})
		stop := func() {
			o.exec.StopAndJoin()
			close(joined)
		}

		var opening <-chan struct{}
		err := o.await(ctx, func() error {
			if o.m.IsNotIn(StateShutdown) {
				o.goTo(o.m, StateShutdown)
			}
			if o.s.opening {
				opening = o.s.openDone
			}
			return errors.Join(o.teardown...)
		})
		if ctx.Err() == nil && opening != nil {
			// The late open callback closes the device; it needs the worker.
			debug.Verbose("capture: waiting for the pending open before stopping the worker")
			select {
			case <-opening:
				err = o.await(ctx, func() error { return errors.Join(o.teardown...) })
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			go stop()
			o.shutdownErr = fmt.Errorf("%w: %v", ErrTeardownTimeout, ctx.Err())
			return
		}

		go stop()
		select {
		case <-joined:
		case <-ctx.Done():
			err = errors.Join(err, ErrTeardownTimeout)
		}
		o.shutdownErr = err
		debug.Verbose("capture: shut down")
	})
	return o.shutdownErr
}

func (o *Orchestrator) fromReady(ctx context.Context, next State) error {
	return o.call(ctx, func() error {
		if err := o.requireReady(); err != nil {
			return err
		}
		return o.m.Transition(next)
	})
}

func (o *Orchestrator) requireReady() error {
	cur, err := o.m.Current()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	if cur != StateReady {
		return fmt.Errorf("%w: in %s", ErrNotReady, cur)
	}
	return nil
}

// call runs fn on the worker once the orchestrator is started and not shut
// down.
func (o *Orchestrator) call(ctx context.Context, fn func() error) error {
	o.mu.Lock()
	started, closed := o.started, o.closed
	o.mu.Unlock()
	switch {
	case closed:
		return ErrShutdown
	case !started:
		return ErrNotStarted
	}
	return o.post(ctx, fn)
}

// post runs fn on the worker and waits for its result. A call that returns
// ctx's error did nothing: fn is skipped when ctx ends before the worker
// reaches it, and once fn has started the call waits for it to finish.
func (o *Orchestrator) post(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var claimed atomic.Bool
	result := make(chan error, 1)
	err := o.exec.Post(func() {
		if !claimed.CompareAndSwap(false, true) {
			return
		}
		if err := ctx.Err(); err != nil {
			result <- err
			return
		}
		result <- fn()
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrShutdown, err)
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		if claimed.CompareAndSwap(false, true) {
			return ctx.Err()
		}
		return <-result
	}
}

// await runs fn on the worker, returning early when ctx ends. fn still runs
// in that case; Shutdown relies on it to reach SHUTDOWN.
func (o *Orchestrator) await(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if err := o.exec.Post(func() { result <- fn() }); err != nil {
		return fmt.Errorf("%w: %v", ErrShutdown, err)
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// goTo requests a transition. Every state is registered in New, so a
// failure here is a bug worth logging loudly.
func (o *Orchestrator) goTo(m *machine, next State) {
	if err := m.Transition(next); err != nil {
		debug.Error(fmt.Errorf("capture: transition to %s: %w", next, err))
	}
}

// fail reports a device or environment failure and tears the session down.
// Only the first failure is forwarded to the listener.
func (o *Orchestrator) fail(err error) {
	debug.Error(err)
	if o.failure != nil {
		return
	}
	o.failure = err
	o.listener.OnError(err)
	if o.m.IsNotIn(StateShutdown) {
		o.goTo(o.m, StateShutdown)
	}
}

func (o *Orchestrator) acquire(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case o.lock <- struct{}{}:
		return true
	case <-t.C:
		return false
	}
}

func (o *Orchestrator) release() {
	select {
	case <-o.lock:
	default:
	}
}

func (o *Orchestrator) nextSeq() uint64 {
	o.s.seq++
	return o.s.seq
}

// single builds a one-request operation with a fresh sequence id.
func (o *Orchestrator) single(kind string, tmpl device.Template) device.Request {
	return device.Request{
		Template: tmpl,
		Tag:      device.Tag{Burst: o.nextSeq(), Count: 1, Kind: kind},
	}
}

// matches reports whether tag belongs to the request the current state
// waits on. Results of earlier requests are stale.
func (o *Orchestrator) matches(tag device.Tag) bool {
	return tag.Burst == o.s.pending.Burst && tag.Kind == o.s.pending.Kind
}

// issue sends req and makes it the pending request.
func (o *Orchestrator) issue(req device.Request) {
	if o.s.sess == nil {
		o.fail(fmt.Errorf("capture %s request: %w", req.Tag.Kind, device.ErrClosed))
		return
	}
	o.s.pending = req.Tag
	o.s.inFlight = true
	if err := o.s.sess.Capture(req, o.callbacks()); err != nil {
		o.fail(fmt.Errorf("capture %s request: %w", req.Tag.Kind, err))
	}
}

// meter issues a plain metering request after the pending one completed
// before AE or AF settled. It returns false once the poll budget is spent.
func (o *Orchestrator) meter() bool {
	if o.s.polls >= o.opts.MaxMeteringPolls {
		return false
	}
	o.s.polls++
	o.issue(o.single(kindMeter, device.TemplatePreview))
	return true
}

func (o *Orchestrator) callbacks() device.CaptureCallbacks {
	return device.CaptureCallbacks{
		OnProgressed: func(r device.Result) {
			o.dispatch(PartialResult{Result: r})
		},
		OnCompleted: func(r device.Result) {
			if o.matches(r.Request.Tag) {
				o.s.inFlight = false
			}
			o.dispatch(CompletedResult{Result: r})
		},
		OnFailed: func(req device.Request, err error) {
			if o.matches(req.Tag) {
				o.s.inFlight = false
			}
			o.dispatch(CaptureFailed{Request: req, Err: err})
		},
	}
}

func (o *Orchestrator) dispatch(e Event) {
	if err := o.m.Dispatch(e); err != nil {
		debug.Error(fmt.Errorf("capture: dispatch %T: %w", e, err))
	}
}

// captureFailed turns a failure of the pending request into a session
// failure. Failures of stale requests are only logged.
func (o *Orchestrator) captureFailed(f CaptureFailed) {
	if !o.matches(f.Request.Tag) {
		debug.Verbose("capture: ignoring failure of stale %s request %d: %v", f.Request.Tag.Kind, f.Request.Tag.Burst, f.Err)
		return
	}
	o.fail(fmt.Errorf("capture %s request %d/%d: %w", f.Request.Tag.Kind, f.Request.Tag.Index+1, f.Request.Tag.Count, f.Err))
}

func (o *Orchestrator) reportLock(r device.Result) {
	ev := EV100(o.s.desc.Aperture, r.ExposureTime, r.Sensitivity)
	debug.Live("exposure lock: EV100 %.2f (%s, ISO %d, AE %s)", ev, r.ExposureTime, r.Sensitivity, r.AEState)
	o.listener.OnExposureLock(ev)
}

// Device callbacks. The device delivers them through the Executor.

func (o *Orchestrator) onOpened(dev device.Device) {
	o.openSettled()
	if o.m.IsNotIn(StateStartup) {
		debug.Verbose("capture: device %s opened after leaving STARTUP, closing it", dev.ID())
		if err := dev.Close(); err != nil {
			err = fmt.Errorf("close late device: %w", err)
			o.teardown = append(o.teardown, err)
			debug.Error(err)
		}
		return
	}
	o.s.dev = dev
	outputs := []device.Output{{
		Format:  o.opts.Format,
		Size:    o.s.stillSize,
		OnFrame: o.onFrame,
	}}
	err := dev.CreateSession(outputs, device.SessionCallbacks{
		OnConfigured:      o.onConfigured,
		OnConfigureFailed: o.onConfigureFailed,
	})
	if err != nil {
		o.fail(fmt.Errorf("create session: %w", err))
	}
}

func (o *Orchestrator) onConfigured(s device.Session) {
	if o.m.IsNotIn(StateStartup) {
		if err := s.Close(); err != nil {
			debug.Error(fmt.Errorf("close late session: %w", err))
		}
		return
	}
	o.s.sess = s
	o.goTo(o.m, StateReady)
}

func (o *Orchestrator) onConfigureFailed(_ device.Session, err error) {
	o.fail(fmt.Errorf("configure session: %w", err))
}

func (o *Orchestrator) onDisconnected(dev device.Device) {
	o.openSettled()
	o.dropDevice(dev)
	o.fail(ErrDisconnected)
}

func (o *Orchestrator) onDeviceError(dev device.Device, err error) {
	o.openSettled()
	o.dropDevice(dev)
	o.fail(fmt.Errorf("device error: %w", err))
}

// openSettled ends the pending Open, if any: it frees the open/close lock
// and wakes a Shutdown waiting on the outcome.
func (o *Orchestrator) openSettled() {
	if !o.s.opening {
		return
	}
	o.s.opening = false
	o.release()
	if o.s.openDone != nil {
		close(o.s.openDone)
		o.s.openDone = nil
	}
}

// dropDevice closes a device that reported a failure and forgets the
// handles bound to it.
func (o *Orchestrator) dropDevice(dev device.Device) {
	if dev != nil {
		if err := dev.Close(); err != nil {
			debug.Error(fmt.Errorf("close failed device: %w", err))
		}
	}
	o.s.sess = nil
	o.s.dev = nil
}

func (o *Orchestrator) onFrame(f device.Frame) {
	if o.m.IsIn(StateShutdown) {
		debug.Verbose("capture: dropping frame %d/%d after shutdown", f.Tag.Burst, f.Tag.Index)
		return
	}
	o.listener.OnImageAvailable(f)
}

// closeDevice closes the session and the device under the open/close lock.
// Errors are collected for Shutdown and never stop the remaining steps.
func (o *Orchestrator) closeDevice() {
	if o.s.opening {
		// onOpened closes the device once it arrives.
		debug.Verbose("capture: device open still in flight at shutdown")
		return
	}
	if o.acquire(o.opts.OpenTimeout) {
		defer o.release()
	} else {
		o.teardown = append(o.teardown, ErrDeviceBusyTimeout)
		debug.Error(ErrDeviceBusyTimeout)
	}
	if o.s.sess != nil {
		if err := o.s.sess.Close(); err != nil {
			err = fmt.Errorf("close session: %w", err)
			o.teardown = append(o.teardown, err)
			debug.Error(err)
		}
		o.s.sess = nil
	}
	if o.s.dev != nil {
		if err := o.s.dev.Close(); err != nil {
			err = fmt.Errorf("close device: %w", err)
			o.teardown = append(o.teardown, err)
			debug.Error(err)
		}
		o.s.dev = nil
	}
}
