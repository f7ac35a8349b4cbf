// workflowctl is the operator CLI for the ticket workflow engine: it
// drives the same TicketService and WorkflowAdmin operations an external
// API layer would call, plus outbox maintenance tasks (requeueing failed
// notifications, clearing stale leases) that have no other operator
// surface since this system starts no HTTP server of its own.
package main

import (
	"log"

	"github.com/alpinesboltltd/ticketflow/internal/app"
	"github.com/alpinesboltltd/ticketflow/internal/config"
	"github.com/alpinesboltltd/ticketflow/internal/engine"
	"github.com/alpinesboltltd/ticketflow/internal/entity"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"
)

var (
	svc     *app.Services
	closeDB func() error

	actorID      string
	actorEmail   string
	actorDisplay string
	actorRoles   []string
	correlation  string

	rootCmd = &cobra.Command{
		Use:   "workflowctl",
		Short: "Operator CLI for the ticket workflow engine",
		Long: `workflowctl wires the same database and engine an operator-facing API
layer would, then exposes TicketService and WorkflowAdmin operations
(ticket create/assign/reassign/skip/cancel, workflow save-draft/publish)
plus outbox maintenance (requeue, cleanup-stale-leases) as subcommands.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			godotenv.Load(".env")
			var cfg config.Config
			if err := envconfig.Process("", &cfg); err != nil {
				return err
			}
			built, closer, err := app.Build(&cfg)
			if err != nil {
				return err
			}
			svc = built
			closeDB = closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if closeDB != nil {
				return closeDB()
			}
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&actorID, "actor-id", "", "user ID of the operator running this command")
	rootCmd.PersistentFlags().StringVar(&actorEmail, "actor-email", "", "email of the operator running this command")
	rootCmd.PersistentFlags().StringVar(&actorDisplay, "actor-name", "", "display name of the operator running this command")
	rootCmd.PersistentFlags().StringSliceVar(&actorRoles, "actor-roles", nil, "comma-separated roles of the operator running this command")
	rootCmd.PersistentFlags().StringVar(&correlation, "correlation-id", "", "correlation ID to attach to audit events (generated if empty)")
}

// requestContext builds the RequestContext every TicketService/Engine call
// takes explicitly from the persistent actor/correlation flags.
func requestContext() engine.RequestContext {
	corr := correlation
	if corr == "" {
		corr = uuid.New().String()
	}
	return engine.RequestContext{
		Actor: entity.Actor{
			UserID:      actorID,
			Email:       actorEmail,
			DisplayName: actorDisplay,
			Roles:       actorRoles,
		},
		CorrelationID: corr,
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
