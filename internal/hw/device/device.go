// Package device defines the asynchronous capture device contract used by the
// capture orchestrator. Every operation returns immediately; outcomes arrive
// later through callbacks which implementations deliver on the Executor
// handed to Camera.Open.
package device

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPermissionDenied = errors.New("device: permission denied")
	ErrUnknownDevice    = errors.New("device: unknown device id")
	ErrClosed           = errors.New("device: closed")
	ErrBusy             = errors.New("device: another operation is in flight")
)

// Executor is the serial execution context callbacks are delivered on.
type Executor interface {
	Start() error
	Post(task func()) error
	StopAndJoin()
}

// Facing tells which way the lens points.
type Facing int

const (
	FacingBack Facing = iota
	FacingFront
	FacingExternal
)

func (f Facing) String() string {
	switch f {
	case FacingBack:
		return "back"
	case FacingFront:
		return "front"
	case FacingExternal:
		return "external"
	default:
		return fmt.Sprintf("facing(%d)", int(f))
	}
}

// Range is a closed interval [Lower, Upper].
type Range[T int32 | int64] struct {
	Lower T `json:"lower" yaml:"lower"`
	Upper T `json:"upper" yaml:"upper"`
}

// Contains reports whether v lies inside the interval, bounds included.
func (r Range[T]) Contains(v T) bool {
	return v >= r.Lower && v <= r.Upper
}

func (r Range[T]) String() string {
	return fmt.Sprintf("[%d, %d]", r.Lower, r.Upper)
}

// Size is an output resolution in pixels.
type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Area returns Width*Height without overflowing on 32-bit platforms.
func (s Size) Area() int64 {
	return int64(s.Width) * int64(s.Height)
}

// Descriptor describes one enumerated device.
type Descriptor struct {
	ID                string
	Facing            Facing
	SensorOrientation int          // degrees, 0/90/180/270
	StillSizes        []Size       // empty means no still-image output
	Exposure          Range[int64] // nanoseconds
	Sensitivity       Range[int32] // ISO
	Aperture          float64      // f-number, 0 if unknown
}

// Format is the encoding of frame bytes.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatTIFF Format = "tiff"
)

// Ext returns the file extension for the format, with the leading dot.
func (f Format) Ext() string {
	switch f {
	case FormatTIFF:
		return ".tif"
	default:
		return ".jpg"
	}
}

// Frame is an image produced by a still capture.
type Frame struct {
	Data      []byte
	Format    Format
	Size      Size
	Timestamp time.Time
	Tag       Tag
	Exposure  time.Duration
	ISO       int32
}

// Output is a still-image sink attached to a session.
type Output struct {
	Format  Format
	Size    Size
	OnFrame func(Frame)
}

// Template selects the base settings of a request.
type Template int

const (
	TemplateStill Template = iota
	TemplatePreview
)

// AETrigger controls the auto-exposure precapture metering sequence.
type AETrigger int

const (
	AETriggerIdle AETrigger = iota
	AETriggerStart
)

// AFTrigger controls the auto-focus scan.
type AFTrigger int

const (
	AFTriggerIdle AFTrigger = iota
	AFTriggerStart
	AFTriggerCancel
)

// Tag identifies a request inside the orchestrator; devices copy it into
// results and frames untouched.
type Tag struct {
	Burst uint64 // sequence id shared by the requests of one operation
	Index int
	Count int // requests in the burst, 1 for single captures
	Kind  string
}

// Request is one capture request. Zero ExposureTime/Sensitivity leave the
// values to auto-exposure.
type Request struct {
	Template        Template
	Tag             Tag
	ExposureTime    time.Duration
	Sensitivity     int32
	JPEGOrientation int
	AETrigger       AETrigger
	AFTrigger       AFTrigger
}

// Manual reports whether the request pins exposure and sensitivity.
func (r Request) Manual() bool {
	return r.ExposureTime > 0 && r.Sensitivity > 0
}

// AEState is the auto-exposure state reported in results. AEStateUnknown
// means the device did not report one.
type AEState int

const (
	AEStateUnknown AEState = iota
	AEStateInactive
	AEStateSearching
	AEStateConverged
	AEStateLocked
	AEStateFlashRequired
	AEStatePrecapture
)

var aeStateNames = [...]string{"unknown", "inactive", "searching", "converged", "locked", "flash_required", "precapture"}

func (s AEState) String() string {
	if s < 0 || int(s) >= len(aeStateNames) {
		return fmt.Sprintf("ae(%d)", int(s))
	}
	return aeStateNames[s]
}

// AFState is the auto-focus state reported in results. AFStateUnknown means
// the device did not report one.
type AFState int

const (
	AFStateUnknown AFState = iota
	AFStateInactive
	AFStatePassiveScan
	AFStatePassiveFocused
	AFStateActiveScan
	AFStateFocusedLocked
	AFStateNotFocusedLocked
)

var afStateNames = [...]string{"unknown", "inactive", "passive_scan", "passive_focused", "active_scan", "focused_locked", "not_focused_locked"}

func (s AFState) String() string {
	if s < 0 || int(s) >= len(afStateNames) {
		return fmt.Sprintf("af(%d)", int(s))
	}
	return afStateNames[s]
}

// Result is a partial or total capture result.
type Result struct {
	Request      Request
	FrameNumber  int64
	AEState      AEState
	AFState      AFState
	ExposureTime time.Duration // 0 if not reported
	Sensitivity  int32         // 0 if not reported
}

// OpenCallbacks receive the outcome of Camera.Open.
type OpenCallbacks struct {
	OnOpened       func(Device)
	OnDisconnected func(Device)
	OnError        func(Device, error)
}

// SessionCallbacks receive the outcome of Device.CreateSession.
type SessionCallbacks struct {
	OnConfigured      func(Session)
	OnConfigureFailed func(Session, error)
}

// CaptureCallbacks receive results of Session.Capture and CaptureBurst.
// For a burst, OnCompleted fires once per request. Nil fields are skipped.
type CaptureCallbacks struct {
	OnProgressed func(Result)
	OnCompleted  func(Result)
	OnFailed     func(Request, error)
}

// Camera enumerates and opens devices.
type Camera interface {
	Enumerate() ([]Descriptor, error)
	Open(id string, exec Executor, cb OpenCallbacks) error
}

// Device is an opened capture device.
type Device interface {
	ID() string
	CreateSession(outputs []Output, cb SessionCallbacks) error
	Close() error
}

// Session issues capture requests against the configured outputs.
type Session interface {
	Capture(req Request, cb CaptureCallbacks) error
	CaptureBurst(reqs []Request, cb CaptureCallbacks) error
	Close() error
}
