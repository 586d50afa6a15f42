package capture

import "github.com/cjeanneret/bracketcam/internal/hw/device"

// Event is the payload delivered to the current state. The set of variants
// is closed: PartialResult, CompletedResult, BracketList and CaptureFailed.
type Event interface {
	isEvent()
}

// PartialResult carries an intermediate result of an in-flight request.
type PartialResult struct {
	device.Result
}

// CompletedResult carries the final result of one request.
type CompletedResult struct {
	device.Result
}

// BracketList asks the TAKING_PICTURE state to issue a burst.
type BracketList struct {
	Brackets []Bracket
}

// CaptureFailed reports that the device could not complete a request.
type CaptureFailed struct {
	Request device.Request
	Err     error
}

func (PartialResult) isEvent()   {}
func (CompletedResult) isEvent() {}
func (BracketList) isEvent()     {}
func (CaptureFailed) isEvent()   {}

// result returns the device result carried by e, if any.
func result(e Event) (device.Result, bool, bool) {
	switch ev := e.(type) {
	case PartialResult:
		return ev.Result, true, false
	case CompletedResult:
		return ev.Result, true, true
	default:
		return device.Result{}, false, false
	}
}
