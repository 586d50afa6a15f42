package capture

import (
	"fmt"
	"time"

	"github.com/cjeanneret/bracketcam/internal/debug"
	"github.com/cjeanneret/bracketcam/internal/fsm"
	"github.com/cjeanneret/bracketcam/internal/hw/device"
)

// SelectDevice returns the first device that is not front-facing and has at
// least one still output size.
func SelectDevice(descs []device.Descriptor) (device.Descriptor, bool) {
	for _, d := range descs {
		if d.Facing == device.FacingFront || len(d.StillSizes) == 0 {
			continue
		}
		return d, true
	}
	return device.Descriptor{}, false
}

type selectDevice struct {
	fsm.Base[State, Event]
	o *Orchestrator
}

func (h *selectDevice) OnEnter(m *machine) {
	o := h.o
	descs, err := o.camera.Enumerate()
	if err != nil {
		o.fail(fmt.Errorf("enumerate devices: %w", err))
		return
	}
	d, ok := SelectDevice(descs)
	if !ok {
		o.fail(fmt.Errorf("%w among %d device(s)", ErrNoSuitableDevice, len(descs)))
		return
	}
	size, _ := LargestSize(d.StillSizes)
	o.s.desc = d
	o.s.stillSize = size
	o.s.orientation = JPEGOrientation(o.opts.DisplayRotation, d.SensorOrientation)
	debug.Device(d.ID, d.SensorOrientation, d.Exposure.String(), d.Sensitivity.String())
	debug.Verbose("capture: still output %dx%d, jpeg orientation %d", size.Width, size.Height, o.s.orientation)

	o.listener.OnDeviceCharacteristics(d.Exposure, d.Sensitivity)
	o.goTo(m, StateStartup)
}

type startup struct {
	fsm.Base[State, Event]
	o *Orchestrator
}

func (h *startup) OnEnter(m *machine) {
	o := h.o
	if !o.acquire(o.opts.OpenTimeout) {
		o.fail(ErrDeviceBusyTimeout)
		return
	}
	o.s.opening = true
	o.s.openDone = make(chan struct{})
	err := o.camera.Open(o.s.desc.ID, o.exec, device.OpenCallbacks{
		OnOpened:       o.onOpened,
		OnDisconnected: o.onDisconnected,
		OnError:        o.onDeviceError,
	})
	if err != nil {
		o.openSettled()
		o.fail(fmt.Errorf("open device %s: %w", o.s.desc.ID, err))
	}
}

type ready struct {
	fsm.Base[State, Event]
	o *Orchestrator
}

func (h *ready) OnEnter(*machine) {
	debug.Live("ready")
	h.o.listener.OnReady()
}

func (h *ready) OnEvent(_ *machine, e Event) {
	debug.Trace("capture: READY ignoring %T", e)
}

type findAELock struct {
	fsm.Base[State, Event]
	o *Orchestrator
}

func (h *findAELock) OnEnter(*machine) {
	o := h.o
	o.s.polls = 0
	req := o.single(kindPrecapture, device.TemplatePreview)
	req.AETrigger = device.AETriggerStart
	o.issue(req)
}

func (h *findAELock) OnEvent(m *machine, e Event) {
	o := h.o
	if f, ok := e.(CaptureFailed); ok {
		o.captureFailed(f)
		return
	}
	r, ok, completed := result(e)
	if !ok || !o.matches(r.Request.Tag) {
		return
	}
	switch r.AEState {
	case device.AEStateUnknown, device.AEStateConverged, device.AEStateLocked:
		o.reportLock(r)
		o.goTo(m, StateReady)
	default:
		if completed && !o.meter() {
			debug.Info("exposure did not converge after %d polls, reporting last value", o.s.polls)
			o.reportLock(r)
			o.goTo(m, StateReady)
		}
	}
}

type takingPicture struct {
	fsm.Base[State, Event]
	o *Orchestrator
}

func (h *takingPicture) OnEnter(*machine) {
	h.o.s.burst = nil
	h.o.s.done = nil
	h.o.s.completed = 0
}

func (h *takingPicture) OnEvent(m *machine, e Event) {
	o := h.o
	switch ev := e.(type) {
	case BracketList:
		h.issueBurst(m, ev.Brackets)
	case CompletedResult:
		tag := ev.Request.Tag
		if tag.Kind != kindBracket || !o.matches(tag) {
			return
		}
		if tag.Index < 0 || tag.Index >= len(o.s.done) || o.s.done[tag.Index] {
			debug.Verbose("capture: ignoring duplicate completion %d of burst %d", tag.Index, tag.Burst)
			return
		}
		o.s.done[tag.Index] = true
		o.s.completed++
		debug.Frame(tag.Burst, o.s.completed, len(o.s.done))
		if o.s.completed == len(o.s.done) {
			debug.Live("burst %d complete in %s", tag.Burst, time.Since(o.s.burstStart).Round(time.Millisecond))
			o.goTo(m, StateReady)
		}
	case CaptureFailed:
		o.captureFailed(ev)
	}
}

func (h *takingPicture) OnLeave(*machine) {
	h.o.s.burst = nil
	h.o.s.done = nil
}

func (h *takingPicture) issueBurst(m *machine, brackets []Bracket) {
	o := h.o
	if o.s.burst != nil {
		debug.Verbose("capture: burst %d in flight, ignoring bracket list", o.s.pending.Burst)
		return
	}
	if err := ValidateBrackets(brackets, o.s.desc.Exposure, o.s.desc.Sensitivity); err != nil {
		o.listener.OnError(err)
		o.goTo(m, StateReady)
		return
	}
	if o.s.sess == nil {
		o.fail(fmt.Errorf("capture burst: %w", device.ErrClosed))
		return
	}
	seq := o.nextSeq()
	o.s.burst = BuildBurst(brackets, seq, o.s.orientation)
	o.s.done = make([]bool, len(o.s.burst))
	o.s.completed = 0
	o.s.pending = device.Tag{Burst: seq, Count: len(o.s.burst), Kind: kindBracket}
	o.s.inFlight = true
	o.s.burstStart = time.Now()
	debug.Burst(seq, len(o.s.burst))
	if err := o.s.sess.CaptureBurst(o.s.burst, o.callbacks()); err != nil {
		o.fail(fmt.Errorf("capture burst %d: %w", seq, err))
	}
}

type waitingLock struct {
	fsm.Base[State, Event]
	o *Orchestrator
}

func (h *waitingLock) OnEnter(*machine) {
	o := h.o
	o.s.polls = 0
	req := o.single(kindFocus, device.TemplatePreview)
	req.AFTrigger = device.AFTriggerStart
	o.issue(req)
}

func (h *waitingLock) OnEvent(m *machine, e Event) {
	o := h.o
	if f, ok := e.(CaptureFailed); ok {
		o.captureFailed(f)
		return
	}
	r, ok, completed := result(e)
	if !ok || !o.matches(r.Request.Tag) {
		return
	}
	switch r.AFState {
	case device.AFStateUnknown:
		o.goTo(m, StateTakingStill)
	case device.AFStateFocusedLocked, device.AFStateNotFocusedLocked:
		if r.AEState == device.AEStateUnknown || r.AEState == device.AEStateConverged {
			o.goTo(m, StateTakingStill)
		} else {
			o.goTo(m, StateWaitingPrecapture)
		}
	default:
		if completed && !o.meter() {
			debug.Info("focus did not lock after %d polls, capturing anyway", o.s.polls)
			o.goTo(m, StateTakingStill)
		}
	}
}

type waitingPrecapture struct {
	fsm.Base[State, Event]
	o *Orchestrator
}

func (h *waitingPrecapture) OnEnter(*machine) {
	o := h.o
	o.s.polls = 0
	req := o.single(kindPrecapture, device.TemplatePreview)
	req.AETrigger = device.AETriggerStart
	o.issue(req)
}

func (h *waitingPrecapture) OnEvent(m *machine, e Event) {
	o := h.o
	if f, ok := e.(CaptureFailed); ok {
		o.captureFailed(f)
		return
	}
	r, ok, completed := result(e)
	if !ok || !o.matches(r.Request.Tag) {
		return
	}
	switch r.AEState {
	case device.AEStateUnknown, device.AEStatePrecapture, device.AEStateFlashRequired:
		o.goTo(m, StateWaitingNonPrecapture)
	default:
		if completed && !o.meter() {
			o.goTo(m, StateWaitingNonPrecapture)
		}
	}
}

type waitingNonPrecapture struct {
	fsm.Base[State, Event]
	o *Orchestrator
}

func (h *waitingNonPrecapture) OnEnter(*machine) {
	o := h.o
	o.s.polls = 0
	if !o.s.inFlight {
		o.meter()
	}
}

func (h *waitingNonPrecapture) OnEvent(m *machine, e Event) {
	o := h.o
	if f, ok := e.(CaptureFailed); ok {
		o.captureFailed(f)
		return
	}
	r, ok, completed := result(e)
	if !ok || !o.matches(r.Request.Tag) {
		return
	}
	if r.AEState != device.AEStatePrecapture {
		o.goTo(m, StateTakingStill)
		return
	}
	if completed && !o.meter() {
		debug.Info("precapture did not finish after %d polls, capturing anyway", o.s.polls)
		o.goTo(m, StateTakingStill)
	}
}

type takingStill struct {
	fsm.Base[State, Event]
	o *Orchestrator
}

func (h *takingStill) OnEnter(*machine) {
	o := h.o
	req := o.single(kindStill, device.TemplateStill)
	req.JPEGOrientation = o.s.orientation
	o.issue(req)
}

func (h *takingStill) OnEvent(m *machine, e Event) {
	o := h.o
	switch ev := e.(type) {
	case CaptureFailed:
		o.captureFailed(ev)
	case CompletedResult:
		if !o.matches(ev.Request.Tag) {
			return
		}
		h.unlockFocus()
		o.goTo(m, StateReady)
	}
}

// unlockFocus cancels the AF trigger so the next picture scans again.
func (h *takingStill) unlockFocus() {
	o := h.o
	req := o.single(kindUnlock, device.TemplatePreview)
	req.AFTrigger = device.AFTriggerCancel
	if err := o.s.sess.Capture(req, device.CaptureCallbacks{}); err != nil {
		debug.Error(fmt.Errorf("unlock focus: %w", err))
	}
}

type shutdown struct {
	fsm.Base[State, Event]
	o *Orchestrator
}

func (h *shutdown) OnEnter(*machine) {
	debug.Live("shutting down")
	h.o.closeDevice()
}

func (h *shutdown) OnEvent(_ *machine, e Event) {
	debug.Trace("capture: SHUTDOWN ignoring %T", e)
}
