package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alpinesboltltd/ticketflow/internal/entity"
	"github.com/alpinesboltltd/ticketflow/internal/ticketservice"
	"github.com/spf13/cobra"
)

var ticketCmd = &cobra.Command{
	Use:   "ticket",
	Short: "Create and manage tickets",
}

var (
	createWorkflowID     string
	createTitle          string
	createDescription    string
	createFormValuesJSON string
	createInitialStepIDs []string
)

var ticketCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a ticket against a published workflow and activate its start step(s)",
	RunE: func(cmd *cobra.Command, args []string) error {
		formValues := map[string]interface{}{}
		if createFormValuesJSON != "" {
			if err := json.Unmarshal([]byte(createFormValuesJSON), &formValues); err != nil {
				return fmt.Errorf("invalid --form-values JSON: %w", err)
			}
		}
		t, err := svc.TicketService.CreateTicket(context.Background(), ticketservice.CreateTicketRequest{
			WorkflowID:         createWorkflowID,
			Title:              createTitle,
			Description:        createDescription,
			InitialFormValues:  formValues,
			InitialFormStepIDs: createInitialStepIDs,
			RC:                 requestContext(),
		})
		if err != nil {
			return err
		}
		fmt.Printf("created ticket %s (status=%s)\n", t.TicketID, t.Status)
		return nil
	},
}

var (
	assignAgentID    string
	assignAgentEmail string
	assignAgentName  string
	reassignReason   string
)

func agentSnapshot() entity.UserSnapshot {
	return entity.UserSnapshot{ID: assignAgentID, Email: assignAgentEmail, DisplayName: assignAgentName}
}

var ticketAssignCmd = &cobra.Command{
	Use:   "assign <ticket-id> <ticket-step-id>",
	Short: "Assign an agent to a TASK_STEP waiting on assignment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := svc.TicketService.AssignAgent(context.Background(), args[0], args[1], agentSnapshot(), requestContext()); err != nil {
			return err
		}
		fmt.Println("assigned")
		return nil
	},
}

var ticketReassignCmd = &cobra.Command{
	Use:   "reassign <ticket-id> <ticket-step-id>",
	Short: "Reassign an ACTIVE or WAITING_ASSIGNMENT TASK_STEP to a different agent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := svc.TicketService.ReassignAgent(context.Background(), args[0], args[1], agentSnapshot(), reassignReason, requestContext()); err != nil {
			return err
		}
		fmt.Println("reassigned")
		return nil
	},
}

var (
	requestInfoQuestion string
	requestInfoFrom     string
	requestInfoSubject  string
)

var ticketRequestInfoCmd = &cobra.Command{
	Use:   "request-info <ticket-id> <ticket-step-id>",
	Short: "Open an info request and park the step ON_HOLD until it is answered",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := svc.TicketService.RequestInfo(context.Background(), ticketservice.RequestInfoRequest{
			TicketID:           args[0],
			TicketStepID:       args[1],
			Question:           requestInfoQuestion,
			RequestedFromEmail: requestInfoFrom,
			Subject:            requestInfoSubject,
			RC:                 requestContext(),
		})
		if err != nil {
			return err
		}
		fmt.Println("info request opened")
		return nil
	},
}

var skipComment string

var ticketSkipCmd = &cobra.Command{
	Use:   "skip <ticket-id> <ticket-step-id>",
	Short: "Skip a step without propagating fork failure",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := svc.TicketService.SkipStep(context.Background(), args[0], args[1], skipComment, requestContext()); err != nil {
			return err
		}
		fmt.Println("skipped")
		return nil
	},
}

var cancelReason string

var ticketCancelCmd = &cobra.Command{
	Use:   "cancel <ticket-id>",
	Short: "Cancel a non-terminal ticket and every non-terminal step on it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := svc.TicketService.CancelTicket(context.Background(), args[0], cancelReason, requestContext()); err != nil {
			return err
		}
		fmt.Println("cancelled")
		return nil
	},
}

func init() {
	ticketCreateCmd.Flags().StringVar(&createWorkflowID, "workflow-id", "", "published workflow to create the ticket against (required)")
	ticketCreateCmd.Flags().StringVar(&createTitle, "title", "", "ticket title")
	ticketCreateCmd.Flags().StringVar(&createDescription, "description", "", "ticket description")
	ticketCreateCmd.Flags().StringVar(&createFormValuesJSON, "form-values", "", "initial form values as a JSON object")
	ticketCreateCmd.Flags().StringSliceVar(&createInitialStepIDs, "initial-form-step-ids", nil, "step IDs to activate at creation in place of the definition's start step")
	ticketCreateCmd.MarkFlagRequired("workflow-id")

	ticketAssignCmd.Flags().StringVar(&assignAgentID, "agent-id", "", "agent user ID")
	ticketAssignCmd.Flags().StringVar(&assignAgentEmail, "agent-email", "", "agent email")
	ticketAssignCmd.Flags().StringVar(&assignAgentName, "agent-name", "", "agent display name")

	ticketReassignCmd.Flags().StringVar(&assignAgentID, "agent-id", "", "agent user ID")
	ticketReassignCmd.Flags().StringVar(&assignAgentEmail, "agent-email", "", "agent email")
	ticketReassignCmd.Flags().StringVar(&assignAgentName, "agent-name", "", "agent display name")
	ticketReassignCmd.Flags().StringVar(&reassignReason, "reason", "", "reason the agent is being superseded")

	ticketRequestInfoCmd.Flags().StringVar(&requestInfoQuestion, "question", "", "question to ask")
	ticketRequestInfoCmd.Flags().StringVar(&requestInfoFrom, "from", "", "email of the person the info is requested from")
	ticketRequestInfoCmd.Flags().StringVar(&requestInfoSubject, "subject", "", "subject line for the info request notification")

	ticketSkipCmd.Flags().StringVar(&skipComment, "comment", "", "reason the step is being skipped")
	ticketCancelCmd.Flags().StringVar(&cancelReason, "reason", "", "reason the ticket is being cancelled")

	ticketCmd.AddCommand(ticketCreateCmd)
	ticketCmd.AddCommand(ticketAssignCmd)
	ticketCmd.AddCommand(ticketReassignCmd)
	ticketCmd.AddCommand(ticketRequestInfoCmd)
	ticketCmd.AddCommand(ticketSkipCmd)
	ticketCmd.AddCommand(ticketCancelCmd)
	rootCmd.AddCommand(ticketCmd)
}
