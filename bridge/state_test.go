package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateString(t *testing.T) {
	states := map[State]string{
		StateHandshaking: "handshaking",
		StateLaunching:   "launching",
		StateActive:      "active",
		StateDraining:    "draining",
		StateClosed:      "closed",
		State(42):        "unknown",
	}
	for s, exp := range states {
		assert.Equal(t, exp, s.String())
	}
}
