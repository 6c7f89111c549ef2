package agent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func startHealthServer(t *testing.T) (*health.Server, *bufconn.Listener) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return hs, lis
}

func newTestProber(t *testing.T, lis *bufconn.Listener, service string) *Prober {
	t.Helper()
	cfg := DefaultProberConfig("passthrough:///bufnet")
	cfg.Service = service
	cfg.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
	p, err := NewProber(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestProber_Serving(t *testing.T) {
	hs, lis := startHealthServer(t)
	hs.SetServingStatus("voice-agent", healthpb.HealthCheckResponse_SERVING)
	p := newTestProber(t, lis, "voice-agent")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.WaitReady(ctx))

	st := p.Check(ctx)
	assert.True(t, st.Serving)
	assert.Equal(t, "SERVING", st.Status)
	assert.Empty(t, st.Error)
	assert.Equal(t, "voice-agent", st.Service)
}

func TestProber_NotServing(t *testing.T) {
	hs, lis := startHealthServer(t)
	hs.SetServingStatus("voice-agent", healthpb.HealthCheckResponse_NOT_SERVING)
	p := newTestProber(t, lis, "voice-agent")

	st := p.Check(context.Background())
	assert.False(t, st.Serving)
	assert.Equal(t, "NOT_SERVING", st.Status)
}

func TestProber_UnknownService(t *testing.T) {
	_, lis := startHealthServer(t)
	p := newTestProber(t, lis, "missing")

	st := p.Check(context.Background())
	assert.False(t, st.Serving)
	assert.Equal(t, "UNREACHABLE", st.Status)
	assert.NotEmpty(t, st.Error)
}

func TestProber_WaitReadyTimeout(t *testing.T) {
	cfg := DefaultProberConfig("passthrough:///nowhere")
	cfg.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return nil, net.ErrClosed
		}),
	}
	p, err := NewProber(cfg, nil)
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.Error(t, p.WaitReady(ctx))
}

func TestNewProber_RequiresAddress(t *testing.T) {
	_, err := NewProber(ProberConfig{}, nil)
	require.Error(t, err)
}
