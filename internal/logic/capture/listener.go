package capture

import "github.com/cjeanneret/bracketcam/internal/hw/device"

// Listener receives orchestrator notifications. Every method runs on the
// orchestrator's worker; implementations must not call back into the
// Orchestrator synchronously.
type Listener interface {
	OnReady()
	OnExposureLock(ev float64)
	OnImageAvailable(frame device.Frame)
	OnDeviceCharacteristics(exposure device.Range[int64], sensitivity device.Range[int32])
	OnError(err error)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Ready                 func()
	ExposureLock          func(ev float64)
	ImageAvailable        func(frame device.Frame)
	DeviceCharacteristics func(exposure device.Range[int64], sensitivity device.Range[int32])
	Error                 func(err error)
}

func (f ListenerFuncs) OnReady() {
	if f.Ready != nil {
		f.Ready()
	}
}

func (f ListenerFuncs) OnExposureLock(ev float64) {
	if f.ExposureLock != nil {
		f.ExposureLock(ev)
	}
}

func (f ListenerFuncs) OnImageAvailable(frame device.Frame) {
	if f.ImageAvailable != nil {
		f.ImageAvailable(frame)
	}
}

func (f ListenerFuncs) OnDeviceCharacteristics(exposure device.Range[int64], sensitivity device.Range[int32]) {
	if f.DeviceCharacteristics != nil {
		f.DeviceCharacteristics(exposure, sensitivity)
	}
}

func (f ListenerFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// MultiListener fans every notification out to each listener in order.
type MultiListener []Listener

func (ml MultiListener) OnReady() {
	for _, l := range ml {
		l.OnReady()
	}
}

func (ml MultiListener) OnExposureLock(ev float64) {
	for _, l := range ml {
		l.OnExposureLock(ev)
	}
}

func (ml MultiListener) OnImageAvailable(frame device.Frame) {
	for _, l := range ml {
		l.OnImageAvailable(frame)
	}
}

func (ml MultiListener) OnDeviceCharacteristics(exposure device.Range[int64], sensitivity device.Range[int32]) {
	for _, l := range ml {
		l.OnDeviceCharacteristics(exposure, sensitivity)
	}
}

func (ml MultiListener) OnError(err error) {
	for _, l := range ml {
		l.OnError(err)
	}
}
