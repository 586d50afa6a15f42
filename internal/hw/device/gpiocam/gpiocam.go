// Package gpiocam exposes a DSLR fired through its remote connector as a
// device.Camera. Exposures run one after another on a goroutine owned by the
// opened device; every outcome is posted to the Executor. The camera writes
// images to its own card, so frames carry metadata only.
package gpiocam

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/bracketcam/internal/debug"
	"github.com/cjeanneret/bracketcam/internal/hw/device"
)

const queueSize = 16

// Releaser fires the camera. shutter.RemoteRelease implements it.
type Releaser interface {
	Focus(ctx context.Context) error
	Expose(ctx context.Context, exposure time.Duration) error
	Release() error
}

// Config describes the wired camera.
type Config struct {
	ID                string
	SensorOrientation int
	StillSize         device.Size
	Exposure          device.Range[int64]
	Sensitivity       device.Range[int32]
	Aperture          float64
}

// Camera is a single rear-facing device.
type Camera struct {
	release Releaser
	cfg     Config

	mu   sync.Mutex
	open *Device
}

var (
	_ device.Camera = (*Camera)(nil)
	_ device.Device = (*Device)(nil)
)

func New(r Releaser, cfg Config) *Camera {
	return &Camera{release: r, cfg: cfg}
}

func (c *Camera) Enumerate() ([]device.Descriptor, error) {
	return []device.Descriptor{{
		ID:                c.cfg.ID,
		Facing:            device.FacingBack,
		SensorOrientation: c.cfg.SensorOrientation,
		StillSizes:        []device.Size{c.cfg.StillSize},
		Exposure:          c.cfg.Exposure,
		Sensitivity:       c.cfg.Sensitivity,
		Aperture:          c.cfg.Aperture,
	}}, nil
}

// Open starts the exposure goroutine and reports the device as opened.
func (c *Camera) Open(id string, exec device.Executor, cb device.OpenCallbacks) error {
	if id != c.cfg.ID {
		return fmt.Errorf("%w: %q", device.ErrUnknownDevice, id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open != nil {
		return fmt.Errorf("gpiocam: %s: %w", id, device.ErrBusy)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Device{
		cam:    c,
		exec:   exec,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan job, queueSize),
		done:   make(chan struct{}),
	}
	c.open = d
	go d.run()

	debug.Verbose("gpiocam: %s opened", id)
	return exec.Post(func() {
		if cb.OnOpened != nil {
			cb.OnOpened(d)
		}
	})
}

type job struct {
	sess *session
	reqs []device.Request
	cb   device.CaptureCallbacks
}

// Device is an opened remote-release camera.
type Device struct {
	cam    *Camera
	exec   device.Executor
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	outputs []device.Output
	frame   int64
}

func (d *Device) ID() string { return d.cam.cfg.ID }

func (d *Device) CreateSession(outputs []device.Output, cb device.SessionCallbacks) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.ErrClosed
	}
	d.outputs = outputs
	s := &session{dev: d}
	return d.exec.Post(func() {
		if cb.OnConfigured != nil {
			cb.OnConfigured(s)
		}
	})
}

// Close aborts the running exposure, drops queued ones, releases both lines
// and frees the camera for another Open.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	close(d.jobs)
	<-d.done

	d.cam.mu.Lock()
	d.cam.open = nil
	d.cam.mu.Unlock()
	debug.Verbose("gpiocam: %s closed", d.ID())
	return d.cam.release.Release()
}

func (d *Device) enqueue(j job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.ErrClosed
	}
	select {
	case d.jobs <- j:
		return nil
	default:
		return fmt.Errorf("gpiocam: %d jobs queued: %w", queueSize, device.ErrBusy)
	}
}

func (d *Device) run() {
	defer close(d.done)
	for j := range d.jobs {
		for _, req := range j.reqs {
			if d.ctx.Err() != nil || j.sess.isClosed() {
				break
			}
			d.execute(j, req)
		}
	}
}

func (d *Device) execute(j job, req device.Request) {
	r := device.Result{Request: req, FrameNumber: d.nextFrame()}
	var err error
	switch {
	case req.Template == device.TemplateStill:
		if req.Sensitivity > 0 {
			debug.Trace("gpiocam: ISO %d recorded only, set it on the body", req.Sensitivity)
		}
		err = d.cam.release.Expose(d.ctx, req.ExposureTime)
		r.ExposureTime = req.ExposureTime
		r.Sensitivity = req.Sensitivity
	case req.AFTrigger == device.AFTriggerStart:
		err = d.cam.release.Focus(d.ctx)
		r.AFState = device.AFStateFocusedLocked
	}
	if errors.Is(err, context.Canceled) && d.ctx.Err() != nil {
		return
	}
	if err != nil {
		d.post(func() {
			if j.cb.OnFailed != nil {
				j.cb.OnFailed(req, err)
			}
		})
		return
	}
	d.post(func() {
		if j.cb.OnCompleted != nil {
			j.cb.OnCompleted(r)
		}
	})
	if req.Template == device.TemplateStill {
		d.emitFrame(req)
	}
}

// emitFrame reports a shot without image bytes; the camera keeps the file.
func (d *Device) emitFrame(req device.Request) {
	d.mu.Lock()
	outputs := d.outputs
	d.mu.Unlock()
	for _, out := range outputs {
		f := device.Frame{
			Format:    out.Format,
			Size:      out.Size,
			Timestamp: time.Now(),
			Tag:       req.Tag,
			Exposure:  req.ExposureTime,
			ISO:       req.Sensitivity,
		}
		onFrame := out.OnFrame
		if onFrame == nil {
			continue
		}
		d.post(func() { onFrame(f) })
	}
}

func (d *Device) nextFrame() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frame++
	return d.frame
}

func (d *Device) post(task func()) {
	if err := d.exec.Post(task); err != nil {
		debug.Verbose("gpiocam: dropping callback: %v", err)
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
	if s.isClosed() {
		return device.ErrClosed
	}
	return s.dev.enqueue(job{sess: s, reqs: reqs, cb: cb})
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
