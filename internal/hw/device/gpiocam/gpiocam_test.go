package gpiocam

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/bracketcam/internal/hw/device"
	"github.com/cjeanneret/bracketcam/internal/worker"
)

type fakeRelease struct {
	mu        sync.Mutex
	exposures []time.Duration
	focuses   int
	releases  int
	err       error
	block     chan struct{}
}

func (f *fakeRelease) Focus(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focuses++
	return nil
}

func (f *fakeRelease) Expose(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.exposures = append(f.exposures, d)
	block, err := f.block, f.err
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeRelease) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return nil
}

func testConfig() Config {
	return Config{
		ID:          "d90",
		StillSize:   device.Size{Width: 4288, Height: 2848},
		Exposure:    device.Range[int64]{Lower: 100000000, Upper: 30000000000},
		Sensitivity: device.Range[int32]{Lower: 200, Upper: 3200},
		Aperture:    5.6,
	}
}

type harness struct {
	cam    *Camera
	rel    *fakeRelease
	dev    device.Device
	sess   device.Session
	frames chan device.Frame
}

func openSession(t *testing.T, rel *fakeRelease) *harness {
	t.Helper()
	exec := worker.NewSerial("gpiocam-test")
	require.NoError(t, exec.Start())
	t.Cleanup(exec.StopAndJoin)

	h := &harness{cam: New(rel, testConfig()), rel: rel, frames: make(chan device.Frame, 16)}
	opened := make(chan device.Device, 1)
	require.NoError(t, h.cam.Open("d90", exec, device.OpenCallbacks{OnOpened: func(d device.Device) { opened <- d }}))
	h.dev = <-opened
	t.Cleanup(func() { _ = h.dev.Close() })

	configured := make(chan device.Session, 1)
	out := device.Output{Format: device.FormatJPEG, Size: testConfig().StillSize, OnFrame: func(f device.Frame) { h.frames <- f }}
	require.NoError(t, h.dev.CreateSession([]device.Output{out}, device.SessionCallbacks{OnConfigured: func(s device.Session) { configured <- s }}))
	h.sess = <-configured
	return h
}

func collect(results chan device.Result, failures chan error) device.CaptureCallbacks {
	return device.CaptureCallbacks{
		OnCompleted: func(r device.Result) { results <- r },
		OnFailed:    func(_ device.Request, err error) { failures <- err },
	}
}

func TestEnumerate(t *testing.T) {
	descs, err := New(&fakeRelease{}, testConfig()).Enumerate()
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, device.FacingBack, descs[0].Facing)
	assert.Equal(t, []device.Size{{Width: 4288, Height: 2848}}, descs[0].StillSizes)
	assert.Equal(t, 5.6, descs[0].Aperture)
}

func TestOpenUnknownAndBusy(t *testing.T) {
	h := openSession(t, &fakeRelease{})
	exec := worker.NewSerial("other")

	assert.ErrorIs(t, h.cam.Open("nope", exec, device.OpenCallbacks{}), device.ErrUnknownDevice)
	assert.ErrorIs(t, h.cam.Open("d90", exec, device.OpenCallbacks{}), device.ErrBusy)
}

func TestBurstRunsSequentially(t *testing.T) {
	h := openSession(t, &fakeRelease{})
	results, failures := make(chan device.Result, 8), make(chan error, 8)

	reqs := []device.Request{
		{Template: device.TemplateStill, Tag: device.Tag{Burst: 1, Index: 0, Count: 3}, ExposureTime: 100 * time.Millisecond, Sensitivity: 200},
		{Template: device.TemplateStill, Tag: device.Tag{Burst: 1, Index: 1, Count: 3}, ExposureTime: 200 * time.Millisecond, Sensitivity: 400},
		{Template: device.TemplateStill, Tag: device.Tag{Burst: 1, Index: 2, Count: 3}, ExposureTime: 300 * time.Millisecond, Sensitivity: 700},
	}
	require.NoError(t, h.sess.CaptureBurst(reqs, collect(results, failures)))

	for i := range reqs {
		select {
		case r := <-results:
			assert.Equal(t, i, r.Request.Tag.Index)
			assert.Equal(t, reqs[i].ExposureTime, r.ExposureTime)
			assert.Equal(t, int64(i+1), r.FrameNumber)
		case err := <-failures:
			t.Fatalf("unexpected failure: %v", err)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for completion")
		}
		f := <-h.frames
		assert.Nil(t, f.Data)
		assert.Equal(t, reqs[i].Sensitivity, f.ISO)
	}

	h.rel.mu.Lock()
	defer h.rel.mu.Unlock()
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, h.rel.exposures)
}

func TestFocusRequestReportsLockedFocus(t *testing.T) {
	h := openSession(t, &fakeRelease{})
	results, failures := make(chan device.Result, 1), make(chan error, 1)

	require.NoError(t, h.sess.Capture(device.Request{Template: device.TemplatePreview, AFTrigger: device.AFTriggerStart}, collect(results, failures)))
	r := <-results
	assert.Equal(t, device.AFStateFocusedLocked, r.AFState)
	assert.Equal(t, device.AEStateUnknown, r.AEState)
	assert.Empty(t, h.frames)
}

func TestExposeFailure(t *testing.T) {
	boom := errors.New("line stuck")
	h := openSession(t, &fakeRelease{err: boom})
	results, failures := make(chan device.Result, 1), make(chan error, 1)

	require.NoError(t, h.sess.Capture(device.Request{Template: device.TemplateStill, ExposureTime: time.Millisecond}, collect(results, failures)))
	select {
	case err := <-failures:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("no failure reported")
	}
}

func TestCloseAbortsExposureAndFreesCamera(t *testing.T) {
	rel := &fakeRelease{block: make(chan struct{})}
	h := openSession(t, rel)
	results, failures := make(chan device.Result, 2), make(chan error, 2)
	require.NoError(t, h.sess.CaptureBurst([]device.Request{
		{Template: device.TemplateStill, ExposureTime: time.Hour},
		{Template: device.TemplateStill, ExposureTime: time.Hour},
	}, collect(results, failures)))

	require.Eventually(t, func() bool {
		rel.mu.Lock()
		defer rel.mu.Unlock()
		return len(rel.exposures) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, h.dev.Close())
	assert.Empty(t, results)
	assert.Empty(t, failures)
	assert.ErrorIs(t, h.sess.Capture(device.Request{}, device.CaptureCallbacks{}), device.ErrClosed)

	rel.mu.Lock()
	assert.Equal(t, 1, rel.releases)
	assert.Len(t, rel.exposures, 1)
	rel.mu.Unlock()

	exec := worker.NewSerial("reopen")
	require.NoError(t, exec.Start())
	defer exec.StopAndJoin()
	reopened := make(chan device.Device, 1)
	require.NoError(t, h.cam.Open("d90", exec, device.OpenCallbacks{OnOpened: func(d device.Device) { reopened <- d }}))
	require.NoError(t, (<-reopened).Close())
}

func TestClosedSessionRejectsCaptures(t *testing.T) {
	h := openSession(t, &fakeRelease{})
	require.NoError(t, h.sess.Close())
	assert.ErrorIs(t, h.sess.CaptureBurst(nil, device.CaptureCallbacks{}), device.ErrClosed)
}
