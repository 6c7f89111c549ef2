package session

import "github.com/ashureev/voice-console/internal/domain"

// Indicator is one labelled status light shown while a session runs.
type Indicator struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Status is the presentational summary of a session derived from the
// session flag, the agent state and the timeline length.
type Status struct {
	Started    bool              `json:"started"`
	State      domain.AgentState `json:"state"`
	Available  bool              `json:"available"`
	Connecting bool              `json:"connecting"`
	InputReady bool              `json:"input_ready"`
	Hint       string            `json:"hint,omitempty"`
	Indicators []Indicator       `json:"indicators"`
}

// HintInputReady is shown once the agent is available and nothing has been said yet.
const HintInputReady = "Agent is listening, ask it a question"

const (
	labelOffline      = "Offline"
	valueNominal      = "NOMINAL"
	valueReady        = "READY"
	valueDisconnected = "DISCONNECTED"
)

// StatusOf derives the status view. It holds no state of its own.
func StatusOf(started bool, state domain.AgentState, entries int) Status {
	available := state.IsAvailable()
	st := Status{
		Started:    started,
		State:      state,
		Available:  available,
		Connecting: started && state == domain.AgentStateConnecting,
		InputReady: started && available && entries == 0,
	}
	if st.InputReady {
		st.Hint = HintInputReady
	}

	lights := []struct{ online, ok string }{
		{"System", valueNominal},
		{"Neural", valueNominal},
		{"Voice AI", valueReady},
	}
	st.Indicators = make([]Indicator, len(lights))
	for i, l := range lights {
		if available {
			st.Indicators[i] = Indicator{Label: l.online, Value: l.ok}
		} else {
			st.Indicators[i] = Indicator{Label: labelOffline, Value: valueDisconnected}
		}
	}
	return st
}
