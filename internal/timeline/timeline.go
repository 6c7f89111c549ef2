// Package timeline merges live chat and speech-to-text transcription into a
// single ordered view and owns the outbound chat send.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/voice-console/internal/clock"
	"github.com/ashureev/voice-console/internal/domain"
)

var (
	// ErrEmptyMessage is returned by Send when the text is blank.
	ErrEmptyMessage = errors.New("message is required")
	// ErrDuplicateEntry is returned when a chat message reuses an existing id.
	ErrDuplicateEntry = errors.New("timeline entry already exists")
	// ErrOriginConflict is returned when a transcription revision targets a chat entry.
	ErrOriginConflict = errors.New("timeline entry belongs to another origin")
	// ErrEntryFinalized is returned when a finalized transcription is revised.
	ErrEntryFinalized = errors.New("transcription segment already finalized")
	// ErrMissingID is returned for events without an id.
	ErrMissingID = errors.New("timeline entry id is required")
	// ErrNoSender is returned by Send when no transport is attached.
	ErrNoSender = errors.New("no chat sender attached")
)

// Change describes what an applied event did to the timeline.
type Change string

const (
	ChangeInserted  Change = "inserted"
	ChangeUpdated   Change = "updated"
	ChangeUnchanged Change = "unchanged"
)

// ChatMessage is an inbound chat event.
type ChatMessage struct {
	ID        string
	From      string
	Text      string
	Timestamp time.Time
}

// TranscriptionSegment is an inbound speech-to-text event. Segments with the
// same ID revise one another until Final is set.
type TranscriptionSegment struct {
	ID        string
	From      string
	Text      string
	Final     bool
	Timestamp time.Time
}

// ChatSender enqueues an outbound chat message on the transport.
type ChatSender interface {
	SendChat(ctx context.Context, text string) (domain.ChatAck, error)
}

// Option configures a Merger.
type Option func(*Merger)

// WithClock sets the clock used to stamp events that arrive without a timestamp.
func WithClock(c clock.Clock) Option {
	return func(m *Merger) { m.clock = c }
}

// WithOnChange registers a hook called after every insert or update.
// The hook runs outside the merger's lock.
func WithOnChange(f func(entry domain.TimelineEntry, change Change)) Option {
	return func(m *Merger) { m.onChange = f }
}

// Merger is an append/update log of timeline entries indexed by id and kept
// sorted by (timestamp, origin rank, arrival sequence). Updates never move
// an entry, so previously shown entries keep their relative order.
type Merger struct {
	mu       sync.Mutex
	sender   ChatSender
	clock    clock.Clock
	onChange func(domain.TimelineEntry, Change)

	entries []*domain.TimelineEntry
	byID    map[string]*domain.TimelineEntry
	seq     uint64
}

// New creates an empty merger. sender may be nil for read-only use.
func New(sender ChatSender, opts ...Option) *Merger {
	m := &Merger{
		sender: sender,
		clock:  clock.Real(),
		byID:   make(map[string]*domain.TimelineEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ApplyChat appends a chat message. Chat entries are immutable.
func (m *Merger) ApplyChat(msg ChatMessage) (domain.TimelineEntry, error) {
	return m.appendChat(msg, false)
}

// ApplyTranscription inserts a new segment or revises an existing one in place.
func (m *Merger) ApplyTranscription(seg TranscriptionSegment) (domain.TimelineEntry, Change, error) {
	if seg.ID == "" {
		return domain.TimelineEntry{}, ChangeUnchanged, ErrMissingID
	}

	m.mu.Lock()
	existing, ok := m.byID[seg.ID]
	if !ok {
		entry := m.insertLocked(domain.TimelineEntry{
			ID:        seg.ID,
			Origin:    domain.OriginTranscription,
			From:      seg.From,
			Text:      seg.Text,
			Final:     seg.Final,
			Timestamp: seg.Timestamp,
		})
		m.mu.Unlock()
		m.notify(entry, ChangeInserted)
		return entry, ChangeInserted, nil
	}

	if existing.Origin != domain.OriginTranscription {
		m.mu.Unlock()
		return domain.TimelineEntry{}, ChangeUnchanged, fmt.Errorf("%w: %s", ErrOriginConflict, seg.ID)
	}
	if existing.Text == seg.Text && existing.Final == seg.Final {
		entry := *existing
		m.mu.Unlock()
		return entry, ChangeUnchanged, nil
	}
	if existing.Final {
		entry := *existing
		m.mu.Unlock()
		return entry, ChangeUnchanged, fmt.Errorf("%w: %s", ErrEntryFinalized, seg.ID)
	}

	existing.Text = seg.Text
	existing.Final = seg.Final
	existing.UpdatedAt = m.clock.Now()
	entry := *existing
	m.mu.Unlock()

	m.notify(entry, ChangeUpdated)
	return entry, ChangeUpdated, nil
}

// Send forwards text to the transport and, once the transport acknowledges
// enqueue, appends it as a local chat entry. Blank text is rejected before
// any transport call.
func (m *Merger) Send(ctx context.Context, text string) (domain.TimelineEntry, error) {
	if strings.TrimSpace(text) == "" {
		return domain.TimelineEntry{}, ErrEmptyMessage
	}
	if m.sender == nil {
		return domain.TimelineEntry{}, ErrNoSender
	}

	ack, err := m.sender.SendChat(ctx, text)
	if err != nil {
		return domain.TimelineEntry{}, fmt.Errorf("send chat: %w", err)
	}

	id := ack.ID
	if id == "" {
		id = "local-" + uuid.NewString()
	}
	return m.appendChat(ChatMessage{
		ID:        id,
		From:      ack.From,
		Text:      text,
		Timestamp: ack.Timestamp,
	}, true)
}

// Entries returns a copy of the merged sequence in display order.
func (m *Merger) Entries() []domain.TimelineEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.TimelineEntry, len(m.entries))
	for i, e := range m.entries {
		out[i] = *e
	}
	return out
}

// Get returns the entry with the given id.
func (m *Merger) Get(id string) (domain.TimelineEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return domain.TimelineEntry{}, false
	}
	return *e, true
}

// Position returns the display index of id, or -1.
func (m *Merger) Position(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// Len returns the number of entries.
func (m *Merger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Reset discards every entry.
func (m *Merger) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	m.byID = make(map[string]*domain.TimelineEntry)
	m.seq = 0
}

func (m *Merger) appendChat(msg ChatMessage, local bool) (domain.TimelineEntry, error) {
	if msg.ID == "" {
		return domain.TimelineEntry{}, ErrMissingID
	}

	m.mu.Lock()
	if existing, ok := m.byID[msg.ID]; ok {
		if !local {
			m.mu.Unlock()
			return domain.TimelineEntry{}, fmt.Errorf("%w: %s", ErrDuplicateEntry, msg.ID)
		}
		if existing.Origin != domain.OriginChat {
			m.mu.Unlock()
			return domain.TimelineEntry{}, fmt.Errorf("%w: %s", ErrOriginConflict, msg.ID)
		}
		// The room echoed the message before the transport acknowledged it.
		changed := !existing.Local
		existing.Local = true
		entry := *existing
		m.mu.Unlock()
		if changed {
			m.notify(entry, ChangeUpdated)
		}
		return entry, nil
	}
	entry := m.insertLocked(domain.TimelineEntry{
		ID:        msg.ID,
		Origin:    domain.OriginChat,
		From:      msg.From,
		Text:      msg.Text,
		Final:     true,
		Local:     local,
		Timestamp: msg.Timestamp,
	})
	m.mu.Unlock()

	m.notify(entry, ChangeInserted)
	return entry, nil
}

func (m *Merger) insertLocked(e domain.TimelineEntry) domain.TimelineEntry {
	now := m.clock.Now()
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.UpdatedAt = now
	m.seq++
	e.Seq = m.seq

	entry := &e
	idx := sort.Search(len(m.entries), func(i int) bool {
		return less(entry, m.entries[i])
	})
	m.entries = append(m.entries, nil)
	copy(m.entries[idx+1:], m.entries[idx:])
	m.entries[idx] = entry
	m.byID[e.ID] = entry
	return e
}

func (m *Merger) notify(entry domain.TimelineEntry, change Change) {
	if m.onChange != nil {
		m.onChange(entry, change)
	}
}

// less is the single ordering key of the merged sequence.
func less(a, b *domain.TimelineEntry) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.Origin.Rank() != b.Origin.Rank() {
		return a.Origin.Rank() < b.Origin.Rank()
	}
	return a.Seq < b.Seq
}
