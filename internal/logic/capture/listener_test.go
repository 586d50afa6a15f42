package capture

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cjeanneret/bracketcam/internal/hw/device"
)

func TestListenerFuncsSkipsNil(t *testing.T) {
	var l Listener = ListenerFuncs{}
	assert.NotPanics(t, func() {
		l.OnReady()
		l.OnExposureLock(1)
		l.OnImageAvailable(device.Frame{})
		l.OnDeviceCharacteristics(device.Range[int64]{}, device.Range[int32]{})
		l.OnError(errors.New("x"))
	})
}

func TestMultiListenerFansOut(t *testing.T) {
	a, b := &recordingListener{}, &recordingListener{}
	var calls []string
	ml := MultiListener{a, b, ListenerFuncs{Ready: func() { calls = append(calls, "funcs") }}}

	ml.OnReady()
	ml.OnExposureLock(3.5)
	ml.OnError(errors.New("boom"))

	for _, l := range []*recordingListener{a, b} {
		assert.Equal(t, 1, l.readyCount())
		assert.Equal(t, []float64{3.5}, l.exposureLocks())
		assert.Len(t, l.errorList(), 1)
	}
	assert.Equal(t, []string{"funcs"}, calls)
}
