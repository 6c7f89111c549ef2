package metrics

import (
	"github.com/ashureev/voice-console/internal/domain"
	"github.com/ashureev/voice-console/internal/session"
	"github.com/ashureev/voice-console/internal/timeline"
)

// sessionObserver feeds controller callbacks into Metrics.
type sessionObserver struct {
	session.NopObserver
	m *Metrics
}

// Observer returns a session.Observer that records into m.
func (m *Metrics) Observer() session.Observer {
	return sessionObserver{m: m}
}

func (o sessionObserver) SessionStarted(domain.SessionRecord) {
	o.m.RecordSessionStart()
}

func (o sessionObserver) AgentStateChanged(rec domain.SessionRecord, _ domain.AgentState) {
	o.m.RecordAgentState(rec.LastAgentState.String())
}

func (o sessionObserver) EntryChanged(_ string, entry domain.TimelineEntry, change timeline.Change) {
	o.m.RecordTimelineChange(string(entry.Origin), string(change))
}

func (o sessionObserver) ChatSent(_ string, err error) {
	o.m.RecordChatSend(err)
}

func (o sessionObserver) Notified(_ string, n session.Notification) {
	if n.Kind == session.NotificationFailure && n.Reason != "" {
		o.m.RecordWatchdogTimeout(n.Reason)
	}
}

func (o sessionObserver) SessionEnded(rec domain.SessionRecord, _ []domain.TimelineEntry) {
	o.m.RecordSessionEnd(string(rec.Outcome), rec.Duration(rec.StartedAt), rec.JoinLatency())
}
