package timeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/voice-console/internal/clock"
	"github.com/ashureev/voice-console/internal/domain"
	"github.com/ashureev/voice-console/internal/timeline"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	err   error
	clock clock.Clock
	n     int
}

func (f *fakeSender) SendChat(_ context.Context, text string) (domain.ChatAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	if f.err != nil {
		return domain.ChatAck{}, f.err
	}
	f.n++
	return domain.ChatAck{
		ID:        fmt.Sprintf("sent-%d", f.n),
		From:      "me",
		Timestamp: f.clock.Now(),
	}, nil
}

func (f *fakeSender) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func newMerger(t *testing.T) (*timeline.Merger, *fakeSender, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	sender := &fakeSender{clock: clk}
	return timeline.New(sender, timeline.WithClock(clk)), sender, clk
}

func ids(entries []domain.TimelineEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestApplyTranscription_RevisionUpdatesInPlace(t *testing.T) {
	m, _, clk := newMerger(t)

	_, change, err := m.ApplyTranscription(timeline.TranscriptionSegment{ID: "seg-1", From: "agent", Text: "Hel", Timestamp: t0})
	require.NoError(t, err)
	assert.Equal(t, timeline.ChangeInserted, change)

	_, err = m.ApplyChat(timeline.ChatMessage{ID: "chat-1", From: "user", Text: "hi", Timestamp: t0.Add(time.Second)})
	require.NoError(t, err)
	require.Equal(t, 2, m.Len())

	clk.Advance(2 * time.Second)
	entry, change, err := m.ApplyTranscription(timeline.TranscriptionSegment{ID: "seg-1", Text: "Hello there", Timestamp: t0.Add(2 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, timeline.ChangeUpdated, change)
	assert.Equal(t, "Hello there", entry.Text)
	assert.Equal(t, "agent", entry.From)
	assert.Equal(t, t0, entry.Timestamp, "first-seen timestamp is kept")
	assert.Equal(t, clk.Now(), entry.UpdatedAt)

	assert.Equal(t, 2, m.Len(), "length unchanged on revision")
	assert.Equal(t, 0, m.Position("seg-1"), "position unchanged on revision")
	assert.Equal(t, []string{"seg-1", "chat-1"}, ids(m.Entries()))
}

func TestApplyChat_AppendsOne(t *testing.T) {
	m, _, _ := newMerger(t)

	for i, id := range []string{"a", "b", "c"} {
		_, err := m.ApplyChat(timeline.ChatMessage{ID: id, Text: id, Timestamp: t0.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
		assert.Equal(t, i+1, m.Len())
	}

	entry, ok := m.Get("b")
	require.True(t, ok)
	assert.Equal(t, domain.OriginChat, entry.Origin)
	assert.True(t, entry.Final)
	assert.False(t, entry.Local)
}

func TestApplyChat_DuplicateIDRejected(t *testing.T) {
	m, _, _ := newMerger(t)

	_, err := m.ApplyChat(timeline.ChatMessage{ID: "a", Text: "first", Timestamp: t0})
	require.NoError(t, err)

	_, err = m.ApplyChat(timeline.ChatMessage{ID: "a", Text: "again", Timestamp: t0})
	require.ErrorIs(t, err, timeline.ErrDuplicateEntry)

	assert.Equal(t, 1, m.Len())
	entry, _ := m.Get("a")
	assert.Equal(t, "first", entry.Text)
}

func TestApplyTranscription_ChatIDConflict(t *testing.T) {
	m, _, _ := newMerger(t)

	_, err := m.ApplyChat(timeline.ChatMessage{ID: "x", Text: "chat", Timestamp: t0})
	require.NoError(t, err)

	_, _, err = m.ApplyTranscription(timeline.TranscriptionSegment{ID: "x", Text: "speech", Timestamp: t0})
	require.ErrorIs(t, err, timeline.ErrOriginConflict)

	entry, _ := m.Get("x")
	assert.Equal(t, "chat", entry.Text)
}

func TestApplyTranscription_FinalizedSegment(t *testing.T) {
	m, _, _ := newMerger(t)

	_, _, err := m.ApplyTranscription(timeline.TranscriptionSegment{ID: "s", Text: "done", Final: true, Timestamp: t0})
	require.NoError(t, err)

	// Redelivery of the same final segment is a no-op.
	_, change, err := m.ApplyTranscription(timeline.TranscriptionSegment{ID: "s", Text: "done", Final: true, Timestamp: t0})
	require.NoError(t, err)
	assert.Equal(t, timeline.ChangeUnchanged, change)

	_, _, err = m.ApplyTranscription(timeline.TranscriptionSegment{ID: "s", Text: "changed", Timestamp: t0})
	require.ErrorIs(t, err, timeline.ErrEntryFinalized)

	entry, _ := m.Get("s")
	assert.Equal(t, "done", entry.Text)
}

func TestApply_MissingID(t *testing.T) {
	m, _, _ := newMerger(t)

	_, err := m.ApplyChat(timeline.ChatMessage{Text: "x"})
	require.ErrorIs(t, err, timeline.ErrMissingID)

	_, _, err = m.ApplyTranscription(timeline.TranscriptionSegment{Text: "x"})
	require.ErrorIs(t, err, timeline.ErrMissingID)

	assert.Zero(t, m.Len())
}

func TestSend_RejectsBlankWithoutTransportCall(t *testing.T) {
	m, sender, _ := newMerger(t)

	for _, text := range []string{"", "   ", "\t\n"} {
		_, err := m.Send(context.Background(), text)
		require.ErrorIs(t, err, timeline.ErrEmptyMessage)
	}

	assert.Empty(t, sender.calls())
	assert.Zero(t, m.Len())
}

func TestSend_ForwardsVerbatimAndAppends(t *testing.T) {
	m, sender, _ := newMerger(t)

	entry, err := m.Send(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, []string{"hello"}, sender.calls())
	assert.Equal(t, "sent-1", entry.ID)
	assert.True(t, entry.Local)
	assert.Equal(t, "me", entry.From)
	assert.Equal(t, 1, m.Len())

	_, err = m.Send(context.Background(), "  padded  ")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "  padded  "}, sender.calls())
}

func TestSend_EchoOfLocalMessageIsDeduplicated(t *testing.T) {
	m, _, _ := newMerger(t)

	entry, err := m.Send(context.Background(), "hello")
	require.NoError(t, err)

	_, err = m.ApplyChat(timeline.ChatMessage{ID: entry.ID, Text: "hello", Timestamp: entry.Timestamp})
	require.ErrorIs(t, err, timeline.ErrDuplicateEntry)
	assert.Equal(t, 1, m.Len())
}

type senderFunc func(ctx context.Context, text string) (domain.ChatAck, error)

func (f senderFunc) SendChat(ctx context.Context, text string) (domain.ChatAck, error) {
	return f(ctx, text)
}

func TestSend_EchoBeforeAckIsSameMessage(t *testing.T) {
	clk := clock.NewFake(t0)
	var m *timeline.Merger
	var changes []timeline.Change
	m = timeline.New(senderFunc(func(_ context.Context, text string) (domain.ChatAck, error) {
		_, err := m.ApplyChat(timeline.ChatMessage{ID: "m1", From: "me", Text: text, Timestamp: t0})
		require.NoError(t, err)
		return domain.ChatAck{ID: "m1", From: "me", Timestamp: t0}, nil
	}), timeline.WithClock(clk), timeline.WithOnChange(func(_ domain.TimelineEntry, c timeline.Change) {
		changes = append(changes, c)
	}))

	entry, err := m.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "m1", entry.ID)
	assert.True(t, entry.Local)
	assert.Equal(t, 1, m.Len())

	got, ok := m.Get("m1")
	require.True(t, ok)
	assert.True(t, got.Local)
	assert.Equal(t, []timeline.Change{timeline.ChangeInserted, timeline.ChangeUpdated}, changes)
}

func TestSend_AckIDOwnedByTranscription(t *testing.T) {
	clk := clock.NewFake(t0)
	m := timeline.New(senderFunc(func(context.Context, string) (domain.ChatAck, error) {
		return domain.ChatAck{ID: "t1"}, nil
	}), timeline.WithClock(clk))
	_, _, err := m.ApplyTranscription(timeline.TranscriptionSegment{ID: "t1", Text: "spoken"})
	require.NoError(t, err)

	_, err = m.Send(context.Background(), "hello")
	require.ErrorIs(t, err, timeline.ErrOriginConflict)
	assert.Equal(t, 1, m.Len())
}

func TestSend_AckWithoutIDSameTick(t *testing.T) {
	clk := clock.NewFake(t0)
	m := timeline.New(senderFunc(func(context.Context, string) (domain.ChatAck, error) {
		return domain.ChatAck{}, nil
	}), timeline.WithClock(clk))

	first, err := m.Send(context.Background(), "one")
	require.NoError(t, err)
	second, err := m.Send(context.Background(), "two")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, []string{first.ID, second.ID}, ids(m.Entries()))
}

func TestSend_TransportError(t *testing.T) {
	m, sender, _ := newMerger(t)
	sender.err = errors.New("bridge down")

	_, err := m.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bridge down")
	assert.Zero(t, m.Len())
}

func TestSend_NoSender(t *testing.T) {
	m := timeline.New(nil)

	_, err := m.Send(context.Background(), "hello")
	require.ErrorIs(t, err, timeline.ErrNoSender)
}

func TestOrdering_TieBreaks(t *testing.T) {
	m, _, _ := newMerger(t)

	_, _, err := m.ApplyTranscription(timeline.TranscriptionSegment{ID: "t1", Text: "a", Timestamp: t0})
	require.NoError(t, err)
	_, err = m.ApplyChat(timeline.ChatMessage{ID: "c1", Text: "b", Timestamp: t0})
	require.NoError(t, err)
	_, _, err = m.ApplyTranscription(timeline.TranscriptionSegment{ID: "t2", Text: "c", Timestamp: t0})
	require.NoError(t, err)
	_, err = m.ApplyChat(timeline.ChatMessage{ID: "c0", Text: "d", Timestamp: t0.Add(-time.Second)})
	require.NoError(t, err)

	// Earlier timestamp first, then chat before transcription, then arrival.
	assert.Equal(t, []string{"c0", "c1", "t1", "t2"}, ids(m.Entries()))
}

func TestOrdering_StableAcrossRevisions(t *testing.T) {
	m, _, clk := newMerger(t)

	for i, id := range []string{"s1", "s2", "s3"} {
		_, _, err := m.ApplyTranscription(timeline.TranscriptionSegment{ID: id, Text: "x", Timestamp: t0.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}
	before := ids(m.Entries())

	clk.Advance(time.Minute)
	_, _, err := m.ApplyTranscription(timeline.TranscriptionSegment{ID: "s1", Text: "revised much later", Timestamp: clk.Now()})
	require.NoError(t, err)

	assert.Equal(t, before, ids(m.Entries()))
}

func TestApply_ZeroTimestampUsesClock(t *testing.T) {
	m, _, clk := newMerger(t)
	clk.Advance(5 * time.Second)

	entry, err := m.ApplyChat(timeline.ChatMessage{ID: "a", Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(5*time.Second), entry.Timestamp)
}

func TestOnChange(t *testing.T) {
	clk := clock.NewFake(t0)
	var got []timeline.Change
	m := timeline.New(nil, timeline.WithClock(clk), timeline.WithOnChange(func(_ domain.TimelineEntry, c timeline.Change) {
		got = append(got, c)
	}))

	_, _, _ = m.ApplyTranscription(timeline.TranscriptionSegment{ID: "s", Text: "a"})
	_, _, _ = m.ApplyTranscription(timeline.TranscriptionSegment{ID: "s", Text: "a"})
	_, _, _ = m.ApplyTranscription(timeline.TranscriptionSegment{ID: "s", Text: "ab"})
	_, _ = m.ApplyChat(timeline.ChatMessage{ID: "c", Text: "x"})

	assert.Equal(t, []timeline.Change{timeline.ChangeInserted, timeline.ChangeUpdated, timeline.ChangeInserted}, got)
}

func TestReset(t *testing.T) {
	m, _, _ := newMerger(t)
	_, _ = m.ApplyChat(timeline.ChatMessage{ID: "a", Text: "x"})

	m.Reset()
	assert.Zero(t, m.Len())
	_, ok := m.Get("a")
	assert.False(t, ok)

	_, err := m.ApplyChat(timeline.ChatMessage{ID: "a", Text: "x"})
	require.NoError(t, err)
}
