package watchdog

import (
	"time"

	"github.com/ashureev/voice-console/internal/domain"
)

// Reason classifies a watchdog failure.
type Reason string

const (
	// ReasonAgentDidNotJoin means the agent never entered the room.
	ReasonAgentDidNotJoin Reason = "agent_did_not_join"
	// ReasonAgentNotInitialized means the agent joined but never became available.
	ReasonAgentNotInitialized Reason = "agent_not_initialized"
)

// Diagnostic text shown to the user when the watchdog fires.
const (
	MessageAgentDidNotJoin     = "Agent did not join the room."
	MessageAgentNotInitialized = "Agent connected but did not complete initializing."
	QuickstartURL              = "https://docs.livekit.io/agents/start/voice-ai/"
	FailureTitle               = "Session ended"
)

// Failure is the one-shot diagnostic emitted when the deadline elapses.
type Failure struct {
	Reason    Reason            `json:"reason"`
	State     domain.AgentState `json:"state"`
	Message   string            `json:"message"`
	StartedAt time.Time         `json:"started_at"`
	FiredAt   time.Time         `json:"fired_at"`
}

// NewFailure builds the failure for the last observed state.
// Only connecting is singled out; every other unavailable state gets the
// generic initialization message.
func NewFailure(state domain.AgentState, startedAt, firedAt time.Time) Failure {
	f := Failure{
		State:     state,
		StartedAt: startedAt,
		FiredAt:   firedAt,
	}
	if state == domain.AgentStateConnecting {
		f.Reason = ReasonAgentDidNotJoin
		f.Message = MessageAgentDidNotJoin
	} else {
		f.Reason = ReasonAgentNotInitialized
		f.Message = MessageAgentNotInitialized
	}
	return f
}

// Waited returns how long the session waited before giving up.
func (f Failure) Waited() time.Duration {
	return f.FiredAt.Sub(f.StartedAt)
}
