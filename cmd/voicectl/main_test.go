package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/voice-console/internal/domain"
	"github.com/ashureev/voice-console/internal/store"
	"github.com/ashureev/voice-console/internal/transport"
	"github.com/ashureev/voice-console/internal/watchdog"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) waitFor(t *testing.T, s string) {
	t.Helper()
	require.Eventually(t, func() bool { return strings.Contains(b.String(), s) }, 2*time.Second, time.Millisecond, "waiting for %q in:\n%s", s, b.String())
}

func TestRunCallConversation(t *testing.T) {
	tr := transport.NewMemory(nil, "user")
	in, stdin := io.Pipe()
	out := &syncBuffer{}

	result := make(chan error, 1)
	go func() {
		result <- runCall(context.Background(), "sess-1", tr, callOptions{room: "lobby", timeout: 5 * time.Second}, in, out)
	}()
	out.waitFor(t, "Joined room lobby")

	require.True(t, tr.Push(transport.AgentStateChanged(domain.AgentStateListening)))
	out.waitFor(t, "[agent listening]")

	require.True(t, tr.Push(transport.TranscriptionReceived(transport.Message{ID: "t1", From: "agent", Text: "Hi"})))
	require.True(t, tr.Push(transport.TranscriptionReceived(transport.Message{ID: "t1", From: "agent", Text: "Hi there", Final: true})))
	out.waitFor(t, "agent: Hi there")
	assert.NotContains(t, out.String(), "agent: Hi\n")

	_, err := io.WriteString(stdin, "hello\n")
	require.NoError(t, err)
	out.waitFor(t, "you: hello")
	assert.Equal(t, []string{"hello"}, tr.Sent())

	_, err = io.WriteString(stdin, "/end\n")
	require.NoError(t, err)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runCall did not return")
	}
	assert.Contains(t, out.String(), "[ended: user_ended")
	assert.Equal(t, 1, tr.Disconnects())
}

func TestRunCallAgentTimeout(t *testing.T) {
	tr := transport.NewMemory(nil, "user")
	in, stdin := io.Pipe()
	defer stdin.Close()
	out := &syncBuffer{}

	result := make(chan error, 1)
	go func() {
		result <- runCall(context.Background(), "sess-2", tr, callOptions{room: "lobby", timeout: 50 * time.Millisecond}, in, out)
	}()
	out.waitFor(t, "Joined room")
	require.True(t, tr.Push(transport.AgentStateChanged(domain.AgentStateConnecting)))

	var err error
	select {
	case err = <-result:
	case <-time.After(2 * time.Second):
		t.Fatal("runCall did not return")
	}

	var failure *SessionFailureError
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, watchdog.MessageAgentDidNotJoin, failure.Message)
	assert.Contains(t, out.String(), "!! "+watchdog.FailureTitle)
	assert.Contains(t, out.String(), watchdog.QuickstartURL)
	assert.Contains(t, out.String(), "[ended: agent_timeout")
}

func TestHistoryCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "archive.db")
	repo, err := store.NewSQLite(dbPath)
	require.NoError(t, err)

	start := time.Now().Add(-time.Minute)
	ready := start.Add(1500 * time.Millisecond)
	end := start.Add(30 * time.Second)
	rec := &domain.SessionRecord{
		ID:             "sess-archived",
		Room:           "lobby",
		StartedAt:      start,
		EndedAt:        &end,
		AgentReadyAt:   &ready,
		Outcome:        domain.OutcomeUserEnded,
		Reason:         "user disconnected",
		LastAgentState: domain.AgentStateListening,
		EntryCount:     1,
	}
	entries := []domain.TimelineEntry{{ID: "c1", Origin: domain.OriginChat, Text: "hello", Local: true, Final: true, Timestamp: start}}
	require.NoError(t, repo.FinishSession(context.Background(), rec, entries))
	require.NoError(t, repo.Close())

	run := func(args ...string) string {
		var buf bytes.Buffer
		cmd := newRootCommand()
		cmd.SetOut(&buf)
		cmd.SetErr(io.Discard)
		cmd.SetArgs(args)
		require.NoError(t, cmd.Execute())
		return buf.String()
	}

	list := run("history", "--db", dbPath)
	assert.Contains(t, list, "sess-archived")
	assert.Contains(t, list, "user_ended")

	none := run("history", "--db", dbPath, "--outcome", "agent_timeout")
	assert.Contains(t, none, "No sessions found.")

	detail := run("history", "--db", dbPath, "sess-archived")
	assert.Contains(t, detail, "Agent    ready after 1.5s")
	assert.Contains(t, detail, "[chat] you: hello")
}

func TestHealthRequiresAddress(t *testing.T) {
	t.Setenv("AGENT_HEALTH_ADDR", "")
	cmd := newRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"health"})
	require.Error(t, cmd.Execute())
}
