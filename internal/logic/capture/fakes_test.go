package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/bracketcam/internal/hw/device"
	"github.com/cjeanneret/bracketcam/internal/worker"
)

// fakeCamera records every call and delivers callbacks through the
// Executor it was opened with, like a real device.
type fakeCamera struct {
	mu       sync.Mutex
	descs    []device.Descriptor
	enumErr  error
	openErr  error
	holdOpen bool // leave OnOpened to deliverOpen

	opened []string
	exec   device.Executor
	openCB device.OpenCallbacks
	dev    *fakeDevice
}

func newFakeCamera(descs ...device.Descriptor) *fakeCamera {
	if len(descs) == 0 {
		descs = []device.Descriptor{testDescriptor()}
	}
	return &fakeCamera{descs: descs}
}

func (c *fakeCamera) Enumerate() ([]device.Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.descs, c.enumErr
}

func (c *fakeCamera) Open(id string, exec device.Executor, cb device.OpenCallbacks) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened = append(c.opened, id)
	if c.openErr != nil {
		return c.openErr
	}
	c.exec, c.openCB = exec, cb
	c.dev = &fakeDevice{id: id, exec: exec}
	if c.holdOpen {
		return nil
	}
	dev := c.dev
	return exec.Post(func() { cb.OnOpened(dev) })
}

func (c *fakeCamera) deliverOpen() error {
	c.mu.Lock()
	exec, cb, dev := c.exec, c.openCB, c.dev
	c.mu.Unlock()
	return exec.Post(func() { cb.OnOpened(dev) })
}

func (c *fakeCamera) disconnect() error {
	c.mu.Lock()
	exec, cb, dev := c.exec, c.openCB, c.dev
	c.mu.Unlock()
	return exec.Post(func() { cb.OnDisconnected(dev) })
}

func (c *fakeCamera) openedDevice() *fakeDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dev
}

func (c *fakeCamera) openedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.opened...)
}

type fakeDevice struct {
	mu      sync.Mutex
	id      string
	exec    device.Executor
	outputs []device.Output
	session *fakeSession
	closed  int
}

func (d *fakeDevice) ID() string { return d.id }

func (d *fakeDevice) CreateSession(outputs []device.Output, cb device.SessionCallbacks) error {
	d.mu.Lock()
	d.outputs = outputs
	s := &fakeSession{exec: d.exec}
	d.session = s
	d.mu.Unlock()
	return d.exec.Post(func() { cb.OnConfigured(s) })
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

func (d *fakeDevice) closeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *fakeDevice) sess() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

func (d *fakeDevice) output() device.Output {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outputs[0]
}

// captureCall is one Capture or CaptureBurst call.
type captureCall struct {
	reqs  []device.Request
	cb    device.CaptureCallbacks
	burst bool
}

type fakeSession struct {
	mu         sync.Mutex
	exec       device.Executor
	calls      []captureCall
	captureErr error
	closed     int
}

func (s *fakeSession) Capture(req device.Request, cb device.CaptureCallbacks) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, captureCall{reqs: []device.Request{req}, cb: cb})
	return s.captureErr
}

func (s *fakeSession) CaptureBurst(reqs []device.Request, cb device.CaptureCallbacks) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, captureCall{reqs: reqs, cb: cb, burst: true})
	return s.captureErr
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSession) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeSession) last() captureCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// progress posts a partial result for request i of call.
func (s *fakeSession) progress(call captureCall, i int, ae device.AEState, af device.AFState) error {
	r := device.Result{Request: call.reqs[i], AEState: ae, AFState: af}
	return s.exec.Post(func() { call.cb.OnProgressed(r) })
}

// complete posts the final result for request i of call.
func (s *fakeSession) complete(call captureCall, i int, mutate func(*device.Result)) error {
	r := device.Result{Request: call.reqs[i]}
	if mutate != nil {
		mutate(&r)
	}
	return s.exec.Post(func() { call.cb.OnCompleted(r) })
}

func (s *fakeSession) failRequest(call captureCall, i int, err error) error {
	req := call.reqs[i]
	return s.exec.Post(func() { call.cb.OnFailed(req, err) })
}

type recordingListener struct {
	mu          sync.Mutex
	ready       int
	locks       []float64
	frames      []device.Frame
	exposure    device.Range[int64]
	sensitivity device.Range[int32]
	errs        []error
}

func (l *recordingListener) OnReady() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ready++
}

func (l *recordingListener) OnExposureLock(ev float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locks = append(l.locks, ev)
}

func (l *recordingListener) OnImageAvailable(f device.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f)
}

func (l *recordingListener) OnDeviceCharacteristics(exposure device.Range[int64], sensitivity device.Range[int32]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exposure, l.sensitivity = exposure, sensitivity
}

func (l *recordingListener) OnError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *recordingListener) readyCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

func (l *recordingListener) errorList() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

func (l *recordingListener) exposureLocks() []float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]float64(nil), l.locks...)
}

func testDescriptor() device.Descriptor {
	return device.Descriptor{
		ID:                "rear",
		Facing:            device.FacingBack,
		SensorOrientation: 90,
		StillSizes:        []device.Size{{Width: 640, Height: 480}, {Width: 4032, Height: 3024}, {Width: 1920, Height: 1080}},
		Exposure:          device.Range[int64]{Lower: 100000000, Upper: 686000000},
		Sensitivity:       device.Range[int32]{Lower: 200, Upper: 1600},
		Aperture:          1.8,
	}
}

func newTestOrchestrator(t *testing.T, cam *fakeCamera, opts Options) (*Orchestrator, *recordingListener) {
	t.Helper()
	o := New(cam, worker.NewSerial("capture-test"), opts)
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	return o, &recordingListener{}
}

// startReady starts o and waits for the session to be configured.
func startReady(t *testing.T, o *Orchestrator, l *recordingListener) {
	t.Helper()
	require.NoError(t, o.Start(context.Background(), l))
	waitState(t, o, StateReady)
}

func waitState(t *testing.T, o *Orchestrator, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := o.State(context.Background())
		return err == nil && st == want
	}, 2*time.Second, time.Millisecond, "never reached %s", want)
}

// requireState asserts the state once every task queued so far has run.
func requireState(t *testing.T, o *Orchestrator, want State) {
	t.Helper()
	st, err := o.State(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, st)
}
