package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/voice-console/internal/domain"
	"github.com/ashureev/voice-console/internal/store"
)

func newHistoryCommand() *cobra.Command {
	var (
		dbPath  string
		outcome string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "List archived sessions or show one session's timeline",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := store.NewSQLite(dbPath)
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer func() {
				if closeErr := repo.Close(); closeErr != nil {
					slog.Warn("Failed to close archive", "error", closeErr)
				}
			}()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				return showSession(cmd, repo, args[0], out)
			}

			recs, err := repo.ListSessions(cmd.Context(), store.ListFilter{
				Outcome: domain.Outcome(outcome),
				Limit:   limit,
			})
			if err != nil {
				return fmt.Errorf("listing sessions: %w", err)
			}
			if len(recs) == 0 {
				fmt.Fprintln(out, "No sessions found.")
				return nil
			}

			fmt.Fprintf(out, "%-36s %-20s %-16s %-19s %8s %7s\n", "Session", "Room", "Outcome", "Started", "Duration", "Entries")
			fmt.Fprintln(out, "────────────────────────────────────────────────────────────────────────────────────────────────────────────────")
			for _, rec := range recs {
				fmt.Fprintf(out, "%-36s %-20s %-16s %-19s %8s %7d\n",
					rec.ID, rec.Room, rec.Outcome,
					rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
					formatDuration(rec),
					rec.EntryCount,
				)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", envOr("DB_PATH", "./data/voice-console.db"), "SQLite archive path")
	cmd.Flags().StringVar(&outcome, "outcome", "", "Only sessions with this outcome (user_ended, agent_timeout, transport_closed)")
	cmd.Flags().IntVar(&limit, "limit", store.DefaultListLimit, "Maximum number of sessions")

	return cmd
}

func showSession(cmd *cobra.Command, repo store.Repository, id string, out io.Writer) error {
	rec, err := repo.GetSession(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("session %s not found", id)
	}
	entries, err := repo.GetTimeline(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("loading timeline: %w", err)
	}

	fmt.Fprintf(out, "Session  %s\n", rec.ID)
	fmt.Fprintf(out, "Room     %s\n", rec.Room)
	fmt.Fprintf(out, "Outcome  %s", rec.Outcome)
	if rec.Reason != "" {
		fmt.Fprintf(out, " (%s)", rec.Reason)
	}
	fmt.Fprintln(out)
	if lat := rec.JoinLatency(); lat > 0 {
		fmt.Fprintf(out, "Agent    ready after %s\n", lat.Round(time.Millisecond))
	}
	fmt.Fprintln(out)

	for _, e := range entries {
		who := e.From
		if e.Local {
			who = "you"
		}
		fmt.Fprintf(out, "%s [%s] %s: %s\n", e.Timestamp.Local().Format("15:04:05"), e.Origin, who, e.Text)
	}
	return nil
}

func formatDuration(rec *domain.SessionRecord) string {
	if !rec.Ended() {
		return "-"
	}
	return rec.Duration(rec.StartedAt).Round(time.Second).String()
}
