package session

import (
	"github.com/ashureev/voice-console/internal/domain"
	"github.com/ashureev/voice-console/internal/timeline"
)

// NotificationKind classifies a user-facing notification.
type NotificationKind string

const (
	NotificationFailure NotificationKind = "failure"
	NotificationInfo    NotificationKind = "info"
)

// Notification is a user-facing message, e.g. the toast raised when the agent
// never becomes available.
type Notification struct {
	Kind    NotificationKind `json:"kind"`
	Title   string           `json:"title"`
	Message string           `json:"message"`
	Detail  string           `json:"detail,omitempty"`
	Reason  string           `json:"reason,omitempty"`
}

// Observer receives session lifecycle callbacks. All callbacks run on the
// controller's loop goroutine and must not block for long.
type Observer interface {
	SessionStarted(rec domain.SessionRecord)
	AgentStateChanged(rec domain.SessionRecord, prev domain.AgentState)
	EntryChanged(sessionID string, entry domain.TimelineEntry, change timeline.Change)
	ChatSent(sessionID string, err error)
	Notified(sessionID string, n Notification)
	SessionEnded(rec domain.SessionRecord, entries []domain.TimelineEntry)
}

// NopObserver implements Observer with no-ops; embed it to override a subset.
type NopObserver struct{}

func (NopObserver) SessionStarted(domain.SessionRecord) {}
func (NopObserver) AgentStateChanged(domain.SessionRecord, domain.AgentState) {}
func (NopObserver) EntryChanged(string, domain.TimelineEntry, timeline.Change) {}
func (NopObserver) ChatSent(string, error) {}
func (NopObserver) Notified(string, Notification) {}
func (NopObserver) SessionEnded(domain.SessionRecord, []domain.TimelineEntry) {}
