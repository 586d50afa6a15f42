package capture

import (
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/bracketcam/internal/hw/device"
)

// DefaultMaxBrackets bounds the size of one burst unless configured otherwise.
const DefaultMaxBrackets = 8

// Request kinds carried in device.Tag.Kind.
const (
	kindBracket    = "bracket"
	kindPrecapture = "precapture"
	kindFocus      = "focus"
	kindMeter      = "meter"
	kindStill      = "still"
	kindUnlock     = "unlock"
)

// Bracket is one manual exposure of a burst.
type Bracket struct {
	Exposure time.Duration `json:"exposure_ns" yaml:"exposure_ns"`
	ISO      int32         `json:"iso" yaml:"iso"`
}

func (b Bracket) String() string {
	return fmt.Sprintf("%s@ISO%d", b.Exposure, b.ISO)
}

// DefaultBrackets returns the stock six-step ladder.
func DefaultBrackets() []Bracket {
	return []Bracket{
		{Exposure: 100 * time.Millisecond, ISO: 200},
		{Exposure: 200 * time.Millisecond, ISO: 400},
		{Exposure: 300 * time.Millisecond, ISO: 700},
		{Exposure: 400 * time.Millisecond, ISO: 1000},
		{Exposure: 500 * time.Millisecond, ISO: 1200},
		{Exposure: 686 * time.Millisecond, ISO: 1600},
	}
}

// ValidateBrackets checks that every bracket lies inside the device ranges.
// The first offending bracket is reported as a *BracketError.
func ValidateBrackets(brackets []Bracket, exposure device.Range[int64], sensitivity device.Range[int32]) error {
	if len(brackets) == 0 {
		return ErrNoBrackets
	}
	for i, b := range brackets {
		if !exposure.Contains(int64(b.Exposure)) {
			return &BracketError{Index: i, Bracket: b, Field: "exposure", Range: exposure.String()}
		}
		if !sensitivity.Contains(b.ISO) {
			return &BracketError{Index: i, Bracket: b, Field: "iso", Range: sensitivity.String()}
		}
	}
	return nil
}

// BuildBurst turns a validated bracket list into one still request per
// bracket, all tagged with the burst sequence id.
func BuildBurst(brackets []Bracket, seq uint64, orientation int) []device.Request {
	reqs := make([]device.Request, len(brackets))
	for i, b := range brackets {
		reqs[i] = device.Request{
			Template:        device.TemplateStill,
			Tag:             device.Tag{Burst: seq, Index: i, Count: len(brackets), Kind: kindBracket},
			ExposureTime:    b.Exposure,
			Sensitivity:     b.ISO,
			JPEGOrientation: orientation,
		}
	}
	return reqs
}

var displayToJPEG = map[int]int{0: 90, 90: 0, 180: 270, 270: 180}

// JPEGOrientation returns the clockwise rotation written into still
// requests for a display rotation (0/90/180/270) and a sensor orientation.
// Unknown display rotations count as 0.
func JPEGOrientation(displayRotation, sensorOrientation int) int {
	base, ok := displayToJPEG[displayRotation]
	if !ok {
		base = displayToJPEG[0]
	}
	return ((base+sensorOrientation+270)%360 + 360) % 360
}

// LargestSize returns the size with the largest area. It returns false for
// an empty list.
func LargestSize(sizes []device.Size) (device.Size, bool) {
	if len(sizes) == 0 {
		return device.Size{}, false
	}
	best := sizes[0]
	for _, s := range sizes[1:] {
		if s.Area() > best.Area() {
			best = s
		}
	}
	return best, true
}

// EV100 computes the exposure value normalised to ISO 100 from a metered
// result. It returns 0 when any input is missing.
func EV100(aperture float64, exposure time.Duration, iso int32) float64 {
	if aperture <= 0 || exposure <= 0 || iso <= 0 {
		return 0
	}
	return math.Log2(aperture*aperture/exposure.Seconds()) - math.Log2(float64(iso)/100)
}
