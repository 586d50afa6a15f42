package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateStrings(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"ae_known", AEStatePrecapture.String(), "precapture"},
		{"ae_unknown", AEStateUnknown.String(), "unknown"},
		{"ae_out_of_range", AEState(42).String(), "ae(42)"},
		{"ae_negative", AEState(-1).String(), "ae(-1)"},
		{"af_known", AFStateFocusedLocked.String(), "focused_locked"},
		{"af_out_of_range", AFState(7).String(), "af(7)"},
		{"af_negative", AFState(-3).String(), "af(-3)"},
		{"facing_out_of_range", Facing(9).String(), "facing(9)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}
