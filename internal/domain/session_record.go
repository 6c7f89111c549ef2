package domain

import (
	"time"
)

// Outcome classifies how a session window ended.
type Outcome string

const (
	// OutcomeActive marks a window that has not ended yet.
	OutcomeActive Outcome = "active"
	// OutcomeUserEnded indicates the user disconnected.
	OutcomeUserEnded Outcome = "user_ended"
	// OutcomeAgentTimeout indicates the watchdog gave up waiting for the agent.
	OutcomeAgentTimeout Outcome = "agent_timeout"
	// OutcomeTransportClosed indicates the room transport went away.
	OutcomeTransportClosed Outcome = "transport_closed"
)

// SessionRecord is the archived summary of one session window.
type SessionRecord struct {
	ID             string     `json:"id"`
	Room           string     `json:"room"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	AgentReadyAt   *time.Time `json:"agent_ready_at,omitempty"`
	Outcome        Outcome    `json:"outcome"`
	Reason         string     `json:"reason,omitempty"`
	LastAgentState AgentState `json:"last_agent_state"`
	EntryCount     int        `json:"entry_count"`
}

// Ended returns true once the window has closed.
func (r *SessionRecord) Ended() bool {
	return r.EndedAt != nil
}

// Duration returns how long the window was open, or has been open so far.
func (r *SessionRecord) Duration(now time.Time) time.Duration {
	end := now
	if r.EndedAt != nil {
		end = *r.EndedAt
	}
	if end.Before(r.StartedAt) {
		return 0
	}
	return end.Sub(r.StartedAt)
}

// JoinLatency returns how long the agent took to become available.
// Returns 0 if the agent never became available.
func (r *SessionRecord) JoinLatency() time.Duration {
	if r.AgentReadyAt == nil {
		return 0
	}
	return r.AgentReadyAt.Sub(r.StartedAt)
}
