package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Operate on the notification outbox",
}

var outboxRequeueCmd = &cobra.Command{
	Use:   "requeue <notification-id>",
	Short: "Move a FAILED outbox entry back to PENDING for immediate retry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := svc.Engine.Outbox.Requeue(context.Background(), args[0], time.Now()); err != nil {
			return err
		}
		fmt.Printf("requeued %s\n", args[0])
		return nil
	},
}

var staleLeaseMaxAgeMinutes int

var outboxCleanupStaleLeasesCmd = &cobra.Command{
	Use:   "cleanup-stale-leases",
	Short: "Clear outbox leases older than --max-age-minutes, recovering from a crashed scheduler instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := svc.Engine.Outbox.CleanupStaleLeases(context.Background(), time.Duration(staleLeaseMaxAgeMinutes)*time.Minute, time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("cleared %d stale lease(s)\n", n)
		return nil
	},
}

func init() {
	outboxCleanupStaleLeasesCmd.Flags().IntVar(&staleLeaseMaxAgeMinutes, "max-age-minutes", 10, "leases older than this are considered stale")
	outboxCmd.AddCommand(outboxRequeueCmd)
	outboxCmd.AddCommand(outboxCleanupStaleLeasesCmd)
	rootCmd.AddCommand(outboxCmd)
}
