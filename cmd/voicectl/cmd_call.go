package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/voice-console/internal/archive"
	"github.com/ashureev/voice-console/internal/domain"
	"github.com/ashureev/voice-console/internal/session"
	"github.com/ashureev/voice-console/internal/store"
	"github.com/ashureev/voice-console/internal/timeline"
	"github.com/ashureev/voice-console/internal/transport"
	"github.com/ashureev/voice-console/internal/watchdog"
)

type callOptions struct {
	bridgeURL  string
	room       string
	timeout    time.Duration
	ackTimeout time.Duration
	dbPath     string
}

func newCallCommand() *cobra.Command {
	var opts callOptions

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Join a room and talk to the agent",
		Long: `Join a room through the room bridge and start a session.

Agent speech and chat are printed as they arrive. Each line typed on stdin is
sent as a chat message; "/end" or end of input hangs up. If the agent does not
become available within --timeout the session is aborted and voicectl exits 1.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			id := uuid.NewString()
			if opts.room == "" {
				opts.room = "voice-" + id[:8]
			}

			tr, err := transport.DialBridge(ctx, transport.BridgeConfig{
				URL:        opts.bridgeURL,
				AckTimeout: opts.ackTimeout,
				Logger:     slog.Default(),
			}, opts.room, id)
			if err != nil {
				return err
			}

			var observers []session.Observer
			if opts.dbPath != "" {
				repo, err := store.NewSQLite(opts.dbPath)
				if err != nil {
					return fmt.Errorf("open archive: %w", err)
				}
				defer func() {
					if closeErr := repo.Close(); closeErr != nil {
						slog.Warn("Failed to close archive", "error", closeErr)
					}
				}()
				rec := archive.NewRecorder(repo, slog.Default(), 0)
				defer rec.Close()
				observers = append(observers, rec)
			}

			return runCall(ctx, id, tr, opts, cmd.InOrStdin(), cmd.OutOrStdout(), observers...)
		},
	}

	cmd.Flags().StringVar(&opts.bridgeURL, "bridge", envOr("BRIDGE_URL", "ws://localhost:7881/bridge"), "Room bridge WebSocket URL")
	cmd.Flags().StringVar(&opts.room, "room", "", "Room name (generated when empty)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", watchdog.DefaultTimeout, "How long the agent has to become available")
	cmd.Flags().DurationVar(&opts.ackTimeout, "ack-timeout", 5*time.Second, "How long to wait for a chat send acknowledgement")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "Archive the session into this SQLite database")

	return cmd
}

// runCall drives one session over tr until the window ends, ctx is cancelled
// or input is exhausted.
func runCall(ctx context.Context, id string, tr transport.Transport, opts callOptions, in io.Reader, out io.Writer, observers ...session.Observer) error {
	p := newPrinter(out)
	ctrl := session.New(id, tr, session.Options{
		Room:      opts.room,
		Timeout:   opts.timeout,
		Logger:    slog.Default(),
		Observers: append([]session.Observer{p}, observers...),
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := ctrl.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := ctrl.Start(ctx); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	fmt.Fprintf(out, "Joined room %s (session %s). Type a message, /end to hang up.\n", opts.room, id)

	lines := make(chan string)
	go scanLines(in, lines)

	g.Go(func() error {
		for {
			select {
			case <-ctrl.Done():
				return nil
			case <-p.ended:
				return nil
			case line, ok := <-lines:
				if !ok || strings.TrimSpace(line) == "/end" {
					err := ctrl.End(gctx)
					if err != nil && !errors.Is(err, session.ErrNotActive) && !errors.Is(err, session.ErrClosed) {
						return err
					}
					return nil
				}
				if _, err := ctrl.Send(gctx, line); err != nil {
					if errors.Is(err, timeline.ErrEmptyMessage) {
						continue
					}
					fmt.Fprintf(out, "send failed: %v\n", err)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}

	<-p.ended
	if f, ok := ctrl.Failure(); ok {
		return &SessionFailureError{Message: f.Message}
	}
	return nil
}

func scanLines(in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

// printer renders session callbacks as terminal lines.
type printer struct {
	session.NopObserver

	mu    sync.Mutex
	w     io.Writer
	ended chan struct{}
	once  sync.Once
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, ended: make(chan struct{})}
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) AgentStateChanged(rec domain.SessionRecord, prev domain.AgentState) {
	if rec.StartedAt.IsZero() {
		return
	}
	st := session.StatusOf(!rec.Ended(), rec.LastAgentState, 0)
	if st.Connecting {
		p.printf("... connecting to agent\n")
		return
	}
	if st.Available && !prev.IsAvailable() {
		p.printf("[agent %s]\n", rec.LastAgentState)
		return
	}
	p.printf("[agent %s -> %s]\n", prev, rec.LastAgentState)
}

func (p *printer) EntryChanged(_ string, e domain.TimelineEntry, change timeline.Change) {
	if e.Mutable() {
		return
	}
	// Chat entries are printed once; an update only relabels an echoed send.
	if e.Origin == domain.OriginChat && change != timeline.ChangeInserted {
		return
	}
	who := e.From
	switch {
	case e.Local:
		who = "you"
	case who == "":
		who = string(e.Origin)
	}
	p.printf("%s %s: %s\n", e.Timestamp.Local().Format("15:04:05"), who, e.Text)
}

func (p *printer) Notified(_ string, n session.Notification) {
	p.printf("!! %s: %s\n", n.Title, n.Message)
	if n.Detail != "" {
		p.printf("   see %s\n", n.Detail)
	}
}

func (p *printer) SessionEnded(rec domain.SessionRecord, entries []domain.TimelineEntry) {
	p.printf("[ended: %s, %s, %d entries, %s]\n", rec.Outcome, rec.Reason, len(entries), rec.Duration(rec.StartedAt).Round(time.Millisecond))
	p.once.Do(func() { close(p.ended) })
}
