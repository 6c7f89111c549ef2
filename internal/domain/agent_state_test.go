package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsAvailable_ExhaustiveOverKnownStates(t *testing.T) {
	want := map[AgentState]bool{
		AgentStateDisconnected: false,
		AgentStateConnecting:   false,
		AgentStateInitializing: false,
		AgentStateListening:    true,
		AgentStateThinking:     true,
		AgentStateSpeaking:     true,
	}
	assert.Len(t, AgentStates, len(want))
	for _, s := range AgentStates {
		assert.Equal(t, want[s], IsAvailable(s), "state %s", s)
		assert.Equal(t, want[s], s.IsAvailable(), "state %s", s)
		assert.True(t, s.Known())
	}
}

func TestIsAvailable_UnknownLabels(t *testing.T) {
	for _, s := range []AgentState{"", "pre-connect-buffering", "LISTENING", "idle"} {
		assert.False(t, IsAvailable(s), "state %q", s)
		assert.False(t, s.Known(), "state %q", s)
	}
}

func TestOriginRank_ChatBeforeTranscription(t *testing.T) {
	assert.Less(t, OriginChat.Rank(), OriginTranscription.Rank())
}

func TestSessionRecord_Durations(t *testing.T) {
	start := time.Unix(1000, 0)
	ready := start.Add(3 * time.Second)
	end := start.Add(90 * time.Second)

	r := SessionRecord{StartedAt: start}
	assert.False(t, r.Ended())
	assert.Equal(t, 10*time.Second, r.Duration(start.Add(10*time.Second)))
	assert.Zero(t, r.JoinLatency())

	r.AgentReadyAt = &ready
	r.EndedAt = &end
	assert.True(t, r.Ended())
	assert.Equal(t, 90*time.Second, r.Duration(start.Add(time.Hour)))
	assert.Equal(t, 3*time.Second, r.JoinLatency())
}
