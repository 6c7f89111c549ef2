package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/voice-console/internal/agent"
	"github.com/ashureev/voice-console/internal/domain"
	"github.com/ashureev/voice-console/internal/session"
	"github.com/ashureev/voice-console/internal/timeline"
	"github.com/ashureev/voice-console/internal/transport"
	"github.com/ashureev/voice-console/internal/watchdog"
)

type socketClient struct {
	t    *testing.T
	ctx  context.Context
	conn *websocket.Conn
}

func dialSocket(t *testing.T, env *testEnv) *socketClient {
	t.Helper()
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/session"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return &socketClient{t: t, ctx: ctx, conn: conn}
}

func (s *socketClient) send(f clientFrame) {
	s.t.Helper()
	data, err := json.Marshal(f)
	require.NoError(s.t, err)
	require.NoError(s.t, s.conn.Write(s.ctx, websocket.MessageText, data))
}

func (s *socketClient) next() serverFrame {
	s.t.Helper()
	_, data, err := s.conn.Read(s.ctx)
	require.NoError(s.t, err)
	var f serverFrame
	require.NoError(s.t, json.Unmarshal(data, &f))
	return f
}

// until reads frames until one of type typ arrives, returning it and every
// frame seen before it.
func (s *socketClient) until(typ string) (serverFrame, []serverFrame) {
	s.t.Helper()
	var seen []serverFrame
	for {
		f := s.next()
		if f.Type == typ {
			return f, seen
		}
		seen = append(seen, f)
	}
}

func (s *socketClient) start(room string) serverFrame {
	s.t.Helper()
	s.send(clientFrame{Type: "start", Room: room})
	for {
		f, _ := s.until("snapshot")
		if f.SessionID != "" {
			return f
		}
	}
}

func TestSocketSessionFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	client := dialSocket(t, env)

	hello := client.next()
	require.Equal(t, "snapshot", hello.Type)
	require.NotNil(t, hello.Config)
	assert.Equal(t, "Kaira", hello.Config.CompanyName)

	client.send(clientFrame{Type: "ping"})
	pong, _ := client.until("pong")
	assert.Equal(t, "pong", pong.Type)

	snap := client.start("lobby")
	id := snap.SessionID
	require.NotNil(t, snap.Status)
	assert.True(t, snap.Status.Started)
	assert.False(t, snap.Status.Available)
	tr := env.dialer.conn(id)
	require.NotNil(t, tr)

	require.True(t, tr.Push(transport.AgentStateChanged(domain.AgentStateListening)))
	state, _ := client.until("state")
	require.NotNil(t, state.Status)
	assert.True(t, state.Status.Available)
	assert.True(t, state.Status.InputReady)
	assert.Equal(t, session.HintInputReady, state.Status.Hint)

	require.True(t, tr.Push(transport.TranscriptionReceived(transport.Message{ID: "t1", From: "agent", Text: "Hel", Timestamp: t0})))
	first, _ := client.until("entry")
	assert.Equal(t, timeline.ChangeInserted, first.Change)

	require.True(t, tr.Push(transport.TranscriptionReceived(transport.Message{ID: "t1", From: "agent", Text: "Hello", Final: true, Timestamp: t0})))
	revised, _ := client.until("entry")
	assert.Equal(t, timeline.ChangeUpdated, revised.Change)
	assert.Equal(t, "Hello", revised.Entry.Text)

	client.send(clientFrame{Type: "chat", Content: "   "})
	errFrame, _ := client.until("error")
	assert.Equal(t, timeline.ErrEmptyMessage.Error(), errFrame.Error)

	client.send(clientFrame{Type: "chat", Content: "what time is it"})
	local, _ := client.until("entry")
	require.NotNil(t, local.Entry)
	assert.True(t, local.Entry.Local)
	assert.Equal(t, "what time is it", local.Entry.Text)
	assert.Equal(t, []string{"what time is it"}, tr.Sent())

	client.send(clientFrame{Type: "end"})
	ended, _ := client.until("ended")
	require.NotNil(t, ended.Record)
	assert.Equal(t, domain.OutcomeUserEnded, ended.Record.Outcome)
	assert.Equal(t, 2, ended.Record.EntryCount)
	assert.False(t, ended.Status.Started)
}

func TestSocketAgentTimeout(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Health = fakeHealth{status: agent.HealthStatus{Address: "agent:50051", Status: "NOT_SERVING"}}
	})
	client := dialSocket(t, env)
	client.next()

	snap := client.start("")
	assert.True(t, strings.HasPrefix(snap.Record.Room, "voice-"))
	require.True(t, env.dialer.conn(snap.SessionID).Push(transport.AgentStateChanged(domain.AgentStateConnecting)))
	client.until("state")
	require.Equal(t, 1, env.clk.Pending())

	env.clk.Advance(watchdog.DefaultTimeout)

	want := map[string]bool{"notification": false, "ended": false, "agent_health": false}
	var notification, ended, health serverFrame
	for !(want["notification"] && want["ended"] && want["agent_health"]) {
		f := client.next()
		switch f.Type {
		case "notification":
			notification = f
		case "ended":
			ended = f
		case "agent_health":
			health = f
		default:
			continue
		}
		want[f.Type] = true
	}

	require.NotNil(t, notification.Notification)
	assert.Equal(t, session.NotificationFailure, notification.Notification.Kind)
	assert.Equal(t, watchdog.FailureTitle, notification.Notification.Title)
	assert.Equal(t, watchdog.MessageAgentDidNotJoin, notification.Notification.Message)
	assert.Equal(t, watchdog.QuickstartURL, notification.Notification.Detail)

	require.NotNil(t, ended.Record)
	assert.Equal(t, domain.OutcomeAgentTimeout, ended.Record.Outcome)

	require.NotNil(t, health.Health)
	assert.False(t, health.Health.Serving)
}

func TestSocketRejectsChatWithoutSession(t *testing.T) {
	env := newTestEnv(t, nil)
	client := dialSocket(t, env)
	client.next()

	client.send(clientFrame{Type: "chat", Content: "hi"})
	f, _ := client.until("error")
	assert.Equal(t, session.ErrNotActive.Error(), f.Error)

	client.send(clientFrame{Type: "dance"})
	f, _ = client.until("error")
	assert.Contains(t, f.Error, "unknown frame type")
}

func TestSocketCloseStopsSession(t *testing.T) {
	env := newTestEnv(t, nil)
	client := dialSocket(t, env)
	client.next()

	snap := client.start("lobby")
	require.Equal(t, 1, env.mgr.Len())

	require.NoError(t, client.conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return env.mgr.Len() == 0 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, env.dialer.conn(snap.SessionID).Disconnects())
}
