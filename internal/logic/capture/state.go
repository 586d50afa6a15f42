package capture

import "fmt"

// State identifies a step of the capture protocol.
type State int

const (
	StateSelectDevice State = iota
	StateStartup
	StateReady
	StateFindAELock
	StateTakingPicture
	StateWaitingLock
	StateWaitingPrecapture
	StateWaitingNonPrecapture
	StateTakingStill
	StateShutdown

	// NumStates is the number of protocol states.
	NumStates int = iota
)

var stateNames = [...]string{
	StateSelectDevice:         "SELECT_DEVICE",
	StateStartup:              "STARTUP",
	StateReady:                "READY",
	StateFindAELock:           "FIND_AE_LOCK",
	StateTakingPicture:        "TAKING_PICTURE",
	StateWaitingLock:          "WAITING_LOCK",
	StateWaitingPrecapture:    "WAITING_PRECAPTURE",
	StateWaitingNonPrecapture: "WAITING_NON_PRECAPTURE",
	StateTakingStill:          "TAKING_STILL",
	StateShutdown:             "SHUTDOWN",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}
