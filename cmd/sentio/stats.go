package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pipeline statistics",
	Long: `Display staging pipeline counts and classifier accuracy.

Example:
  sentio stats
  sentio stats --health`,
	RunE: runStats,
}

var statsHealth bool

func init() {
	statsCmd.Flags().BoolVar(&statsHealth, "health", false, "Include health check")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	s, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	st, err := s.client.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	if outputJSON {
		if !statsHealth {
			return outputAsJSON(cmd, st)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		return outputAsJSON(cmd, map[string]any{"stats": st, "health": s.client.HealthCheck(ctx)})
	}

	if err := outputStats(cmd, st); err != nil {
		return err
	}

	if statsHealth {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		out := cmd.OutOrStdout()
		health := s.client.HealthCheck(ctx)
		if health.Healthy {
			printSuccess(out, "Store healthy (%s)", s.client.Config().Driver)
		} else {
			printError(out, "Store unhealthy: %s", health.Error)
		}
		if health.Events {
			printInfo(out, "Publishing events to %v", s.client.Config().Events.Brokers)
		} else {
			printMuted(out, "Event publishing disabled")
		}
	}
	return nil
}
