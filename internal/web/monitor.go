package web

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/bracketcam/internal/hw/device"
	"github.com/cjeanneret/bracketcam/internal/logic/capture"
)

// Characteristics is the last device capability report plus the last
// exposure lock value.
type Characteristics struct {
	Exposure    device.Range[int64] `json:"exposure_ns"`
	Sensitivity device.Range[int32] `json:"iso"`
	LastEV100   *float64            `json:"last_ev100,omitempty"`
}

// FrameEvent is the payload of a "frame" status event.
type FrameEvent struct {
	Burst    uint64 `json:"burst"`
	Index    int    `json:"index"`
	Count    int    `json:"count"`
	Exposure int64  `json:"exposure_ns"`
	ISO      int32  `json:"iso"`
	Bytes    int    `json:"bytes"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// Monitor is a capture.Listener that republishes orchestrator notifications
// on the status stream and remembers what the HTTP handlers report.
type Monitor struct {
	b *StatusBroadcaster

	mu     sync.RWMutex
	chars  *Characteristics
	lastEV *float64
	ready  bool
}

var _ capture.Listener = (*Monitor)(nil)

func NewMonitor(b *StatusBroadcaster) *Monitor {
	return &Monitor{b: b}
}

func (m *Monitor) OnReady() {
	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()
	m.b.Publish(StatusEvent{Level: "info", Kind: "ready", Msg: "camera ready"})
}

func (m *Monitor) OnExposureLock(ev float64) {
	m.mu.Lock()
	m.lastEV = &ev
	m.mu.Unlock()
	m.b.Publish(StatusEvent{
		Level: "info",
		Kind:  "exposure_lock",
		Msg:   fmt.Sprintf("exposure locked at EV100 %.2f", ev),
		Data:  map[string]float64{"ev100": ev},
	})
}

func (m *Monitor) OnImageAvailable(f device.Frame) {
	m.b.Publish(StatusEvent{
		Level: "info",
		Kind:  "frame",
		Msg:   fmt.Sprintf("frame %d/%d of burst %d", f.Tag.Index+1, f.Tag.Count, f.Tag.Burst),
		Data: FrameEvent{
			Burst:    f.Tag.Burst,
			Index:    f.Tag.Index,
			Count:    f.Tag.Count,
			Exposure: int64(f.Exposure),
			ISO:      f.ISO,
			Bytes:    len(f.Data),
			Width:    f.Size.Width,
			Height:   f.Size.Height,
		},
	})
}

func (m *Monitor) OnDeviceCharacteristics(exposure device.Range[int64], sensitivity device.Range[int32]) {
	m.mu.Lock()
	m.chars = &Characteristics{Exposure: exposure, Sensitivity: sensitivity}
	m.mu.Unlock()
	m.b.Publish(StatusEvent{
		Level: "info",
		Kind:  "characteristics",
		Msg:   fmt.Sprintf("exposure %s ns, iso %s", exposure, sensitivity),
		Data:  Characteristics{Exposure: exposure, Sensitivity: sensitivity},
	})
}

func (m *Monitor) OnError(err error) {
	m.mu.Lock()
	m.ready = false
	m.mu.Unlock()
	m.b.Publish(StatusEvent{Level: "error", Kind: "error", Msg: err.Error()})
}

// Characteristics returns a copy of the last report, or false if the device
// has not reported yet.
func (m *Monitor) Characteristics() (Characteristics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.chars == nil {
		return Characteristics{}, false
	}
	c := *m.chars
	if m.lastEV != nil {
		ev := *m.lastEV
		c.LastEV100 = &ev
	}
	return c, true
}

// Ready reports whether the orchestrator has signalled readiness and no
// error has been reported since.
func (m *Monitor) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}
