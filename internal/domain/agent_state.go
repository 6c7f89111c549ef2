// Package domain contains core domain types for the voice console.
package domain

// AgentState is the remote agent's lifecycle state as reported by the room transport.
// Labels outside the known set are carried verbatim and treated as not available.
type AgentState string

const (
	AgentStateDisconnected AgentState = "disconnected"
	AgentStateConnecting   AgentState = "connecting"
	AgentStateInitializing AgentState = "initializing"
	AgentStateListening    AgentState = "listening"
	AgentStateThinking     AgentState = "thinking"
	AgentStateSpeaking     AgentState = "speaking"
)

// AgentStates lists every state label the transport is known to report.
var AgentStates = []AgentState{
	AgentStateDisconnected,
	AgentStateConnecting,
	AgentStateInitializing,
	AgentStateListening,
	AgentStateThinking,
	AgentStateSpeaking,
}

// IsAvailable reports whether the agent can receive and respond to input.
func IsAvailable(s AgentState) bool {
	switch s {
	case AgentStateListening, AgentStateThinking, AgentStateSpeaking:
		return true
	default:
		return false
	}
}

// IsAvailable is the method form of the package-level predicate.
func (s AgentState) IsAvailable() bool {
	return IsAvailable(s)
}

// Known returns true if the label is one of AgentStates.
func (s AgentState) Known() bool {
	for _, k := range AgentStates {
		if s == k {
			return true
		}
	}
	return false
}

func (s AgentState) String() string {
	if s == "" {
		return string(AgentStateDisconnected)
	}
	return string(s)
}
