// Package agent probes the voice agent worker process over gRPC.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// ProberConfig holds configuration for the agent worker health client.
type ProberConfig struct {
	Address          string
	Service          string
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// DialOptions are appended after the defaults.
	DialOptions []grpc.DialOption
}

// DefaultProberConfig returns default configuration for addr.
func DefaultProberConfig(addr string) ProberConfig {
	return ProberConfig{
		Address:          addr,
		RequestTimeout:   3 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// HealthStatus is the result of one health probe.
type HealthStatus struct {
	Address   string        `json:"address"`
	Service   string        `json:"service,omitempty"`
	Status    string        `json:"status"`
	Serving   bool          `json:"serving"`
	Latency   time.Duration `json:"latency_ns"`
	CheckedAt time.Time     `json:"checked_at"`
	Error     string        `json:"error,omitempty"`
}

// Prober checks the agent worker's standard gRPC health service.
type Prober struct {
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
	addr    string
	service string
	timeout time.Duration
	logger  *slog.Logger
}

// NewProber builds a client connection to the worker. No network I/O happens
// until WaitReady or Check.
func NewProber(cfg ProberConfig, logger *slog.Logger) (*Prober, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, errors.New("agent health address is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if cfg.KeepaliveTime > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: false,
		}))
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("create agent health client for %s: %w", cfg.Address, err)
	}

	return &Prober{
		conn:    conn,
		client:  healthpb.NewHealthClient(conn),
		addr:    cfg.Address,
		service: cfg.Service,
		timeout: cfg.RequestTimeout,
		logger:  logger,
	}, nil
}

// WaitReady blocks until the connection is ready or ctx ends.
func (p *Prober) WaitReady(ctx context.Context) error {
	if err := waitForReady(ctx, p.conn); err != nil {
		return fmt.Errorf("agent worker at %s not ready: %w", p.addr, err)
	}
	p.logger.Info("Connected to agent worker", "address", p.addr)
	return nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Check runs one health probe. Failures are reported in the result, not as
// an error, so callers can forward them to the UI unchanged.
func (p *Prober) Check(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	st := HealthStatus{
		Address:   p.addr,
		Service:   p.service,
		Latency:   time.Since(start),
		CheckedAt: start,
	}
	if err != nil {
		st.Status = "UNREACHABLE"
		st.Error = err.Error()
		p.logger.Debug("Agent health check failed", "address", p.addr, "error", err)
		return st
	}
	st.Status = resp.GetStatus().String()
	st.Serving = resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	return st
}

// Close closes the gRPC connection.
func (p *Prober) Close() {
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}
