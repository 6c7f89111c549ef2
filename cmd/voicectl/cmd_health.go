package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/voice-console/internal/agent"
)

func newHealthCommand() *cobra.Command {
	var (
		addr    string
		service string
		wait    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe the agent worker's gRPC health service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				return fmt.Errorf("--addr or AGENT_HEALTH_ADDR is required")
			}
			cfg := agent.DefaultProberConfig(addr)
			cfg.Service = service
			prober, err := agent.NewProber(cfg, nil)
			if err != nil {
				return err
			}
			defer prober.Close()

			if wait > 0 {
				ctx, cancel := context.WithTimeout(cmd.Context(), wait)
				err := prober.WaitReady(ctx)
				cancel()
				if err != nil {
					return &SessionFailureError{Message: err.Error()}
				}
			}

			st := prober.Check(cmd.Context())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s (%s)\n", st.Address, st.Status, st.Latency.Round(time.Microsecond))
			if st.Error != "" {
				fmt.Fprintf(out, "error: %s\n", st.Error)
			}
			if !st.Serving {
				return &SessionFailureError{Message: "agent worker is not serving"}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", envOr("AGENT_HEALTH_ADDR", ""), "Agent worker gRPC address")
	cmd.Flags().StringVar(&service, "service", envOr("AGENT_HEALTH_SERVICE", ""), "Health service name (empty for the whole server)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for the connection to become ready")

	return cmd
}
