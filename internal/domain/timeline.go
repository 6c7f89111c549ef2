package domain

import "time"

// Origin identifies which stream produced a timeline entry.
type Origin string

const (
	OriginChat          Origin = "chat"
	OriginTranscription Origin = "transcription"
)

// Rank orders origins that share a timestamp: chat sorts before transcription.
func (o Origin) Rank() int {
	if o == OriginChat {
		return 0
	}
	return 1
}

// TimelineEntry is one displayable unit of the merged chat/transcription view.
type TimelineEntry struct {
	ID        string    `json:"id"`
	Origin    Origin    `json:"origin"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	UpdatedAt time.Time `json:"updated_at"`
	From      string    `json:"from,omitempty"`
	Text      string    `json:"text"`
	Final     bool      `json:"final"`
	Local     bool      `json:"local,omitempty"`
}

// Mutable reports whether the entry may still be revised in place.
func (e *TimelineEntry) Mutable() bool {
	return e.Origin == OriginTranscription && !e.Final
}

// ChatAck is the transport's acknowledgement that an outbound chat message
// was enqueued. It does not confirm delivery.
type ChatAck struct {
	ID        string    `json:"id"`
	From      string    `json:"from,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
