// Package sim is a simulated capture device. It follows the asynchronous
// device contract closely enough to drive the whole capture protocol on a
// development machine: metering converges over a few partial results, and
// every still produces a rendered test pattern whose brightness follows
// exposure x ISO.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/bracketcam/internal/debug"
	"github.com/cjeanneret/bracketcam/internal/hw/device"
)

const (
	DefaultMeteringSteps = 2

	// Auto-exposure settles on these when a request leaves exposure to AE.
	autoExposure    = 16 * time.Millisecond
	autoSensitivity = 400
)

// Options tunes the simulation.
type Options struct {
	Latency       time.Duration // delay before each callback
	MeteringSteps int           // partial results before AE/AF settle
	RenderSize    device.Size   // frame size override, zero renders at output size
	DenyOpen      bool          // Open fails with device.ErrPermissionDenied
}

// Camera enumerates a fixed list of simulated devices.
type Camera struct {
	descs []device.Descriptor
	opts  Options

	mu   sync.Mutex
	open map[string]*Device
}

var (
	_ device.Camera = (*Camera)(nil)
	_ device.Device = (*Device)(nil)
)

func New(descs []device.Descriptor, opts Options) *Camera {
	if opts.MeteringSteps <= 0 {
		opts.MeteringSteps = DefaultMeteringSteps
	}
	return &Camera{descs: descs, opts: opts, open: make(map[string]*Device)}
}

func (c *Camera) Enumerate() ([]device.Descriptor, error) {
	out := make([]device.Descriptor, len(c.descs))
	copy(out, c.descs)
	return out, nil
}

func (c *Camera) Open(id string, exec device.Executor, cb device.OpenCallbacks) error {
	if c.opts.DenyOpen {
		return device.ErrPermissionDenied
	}
	var desc *device.Descriptor
	for i := range c.descs {
		if c.descs[i].ID == id {
			desc = &c.descs[i]
			break
		}
	}
	if desc == nil {
		return fmt.Errorf("%w: %q", device.ErrUnknownDevice, id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.open[id]; busy {
		return fmt.Errorf("sim: %s: %w", id, device.ErrBusy)
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Device{
		cam:    c,
		desc:   *desc,
		exec:   exec,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	c.open[id] = d
	go d.run()

	debug.Verbose("sim: %s opened", id)
	d.later(func() {
		if cb.OnOpened != nil {
			cb.OnOpened(d)
		}
	})
	return nil
}

// Device is an opened simulated sensor. Requests run one at a time on its
// own goroutine.
type Device struct {
	cam    *Camera
	desc   device.Descriptor
	exec   device.Executor
	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	closed   bool
	outputs  []device.Output
	frame    int64
	afLocked bool
	queue    []step
}

// step runs on the device goroutine and returns the callback to post, or
// nil when there is nothing to deliver.
type step func() func()

func (d *Device) ID() string { return d.desc.ID }

func (d *Device) CreateSession(outputs []device.Output, cb device.SessionCallbacks) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return device.ErrClosed
	}
	d.outputs = outputs
	d.mu.Unlock()

	s := &session{dev: d}
	d.later(func() {
		if cb.OnConfigured != nil {
			cb.OnConfigured(s)
		}
	})
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	<-d.done
	d.cam.mu.Lock()
	delete(d.cam.open, d.desc.ID)
	d.cam.mu.Unlock()
	debug.Verbose("sim: %s closed", d.desc.ID)
	return nil
}

// later posts task to the Executor after the configured latency, in order.
func (d *Device) later(task func()) {
	d.enqueue(func() func() { return task })
}

func (d *Device) enqueue(st step) {
	d.mu.Lock()
	d.queue = append(d.queue, st)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Device) run() {
	defer close(d.done)
	for {
		st, ok := d.next()
		if !ok {
			select {
			case <-d.wake:
				continue
			case <-d.ctx.Done():
				return
			}
		}
		if !d.wait(d.cam.opts.Latency) {
			return
		}
		task := st()
		if task == nil {
			continue
		}
		if err := d.exec.Post(task); err != nil {
			debug.Verbose("sim: dropping callback: %v", err)
		}
	}
}

func (d *Device) next() (step, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil, false
	}
	task := d.queue[0]
	d.queue = d.queue[1:]
	return task, true
}

func (d *Device) wait(delay time.Duration) bool {
	if delay <= 0 {
		return d.ctx.Err() == nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-d.ctx.Done():
		return false
	}
}

func (d *Device) nextFrame() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frame++
	return d.frame
}

// simulate queues the partial results, the completion and, for stills,
// the frame of one request.
func (d *Device) simulate(req device.Request, cb device.CaptureCallbacks) {
	steps := d.cam.opts.MeteringSteps
	frame := d.nextFrame()
	base := device.Result{Request: req, FrameNumber: frame, AEState: device.AEStateConverged, AFState: device.AFStatePassiveFocused}

	d.mu.Lock()
	switch req.AFTrigger {
	case device.AFTriggerStart:
		d.afLocked = true
	case device.AFTriggerCancel:
		d.afLocked = false
	}
	if d.afLocked {
		base.AFState = device.AFStateFocusedLocked
	}
	d.mu.Unlock()

	switch {
	case req.AETrigger == device.AETriggerStart:
		for i := 0; i < steps; i++ {
			partial := base
			partial.AEState = device.AEStatePrecapture
			d.progress(cb, partial)
		}
	case req.AFTrigger == device.AFTriggerStart:
		for i := 0; i < steps; i++ {
			partial := base
			partial.AEState = device.AEStateSearching
			partial.AFState = device.AFStateActiveScan
			d.progress(cb, partial)
		}
	}

	final := base
	if req.Manual() {
		final.AEState = device.AEStateInactive
		final.ExposureTime, final.Sensitivity = req.ExposureTime, req.Sensitivity
	} else {
		final.ExposureTime, final.Sensitivity = autoExposure, autoSensitivity
	}
	if cb.OnCompleted != nil {
		d.later(func() { cb.OnCompleted(final) })
	}
	if req.Template == device.TemplateStill {
		d.produceFrame(req, final)
	}
}

func (d *Device) progress(cb device.CaptureCallbacks, r device.Result) {
	if cb.OnProgressed != nil {
		d.later(func() { cb.OnProgressed(r) })
	}
}

func (d *Device) produceFrame(req device.Request, r device.Result) {
	d.mu.Lock()
	outputs := d.outputs
	d.mu.Unlock()
	for _, out := range outputs {
		if out.OnFrame == nil {
			continue
		}
		size := out.Size
		if d.cam.opts.RenderSize.Width > 0 && d.cam.opts.RenderSize.Height > 0 {
			size = d.cam.opts.RenderSize
		}
		// Rendering runs on the device goroutine, off the Executor.
		d.enqueue(func() func() {
			data, err := render(size, out.Format, r.ExposureTime, r.Sensitivity)
			if err != nil {
				debug.Error(err)
				return nil
			}
			f := device.Frame{
				Data:      data,
				Format:    out.Format,
				Size:      size,
				Timestamp: time.Now(),
				Tag:       req.Tag,
				Exposure:  r.ExposureTime,
				ISO:       r.Sensitivity,
			}
			return func() { out.OnFrame(f) }
		})
	}
}

type session struct {
	dev *Device

	mu     sync.Mutex
	closed bool
}

func (s *session) Capture(req device.Request, cb device.CaptureCallbacks) error {
	return s.CaptureBurst([]device.Request{req}, cb)
}

func (s *session) CaptureBurst(reqs []device.Request, cb device.CaptureCallbacks) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return device.ErrClosed
	}
	s.dev.mu.Lock()
	devClosed := s.dev.closed
	s.dev.mu.Unlock()
	if devClosed {
		return device.ErrClosed
	}
	for _, req := range reqs {
		if err := s.validate(req); err != nil {
			return err
		}
	}
	for _, req := range reqs {
		s.dev.simulate(req, cb)
	}
	return nil
}

// validate rejects manual values the sensor could not honour.
func (s *session) validate(req device.Request) error {
	if !req.Manual() {
		return nil
	}
	desc := s.dev.desc
	if !desc.Exposure.Contains(int64(req.ExposureTime)) {
		return fmt.Errorf("sim: exposure %v outside %s", req.ExposureTime, desc.Exposure)
	}
	if !desc.Sensitivity.Contains(req.Sensitivity) {
		return fmt.Errorf("sim: ISO %d outside %s", req.Sensitivity, desc.Sensitivity)
	}
	return nil
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
