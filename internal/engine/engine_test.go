package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/alpinesboltltd/ticketflow/internal/directory"
	"github.com/alpinesboltltd/ticketflow/internal/engine"
	"github.com/alpinesboltltd/ticketflow/internal/entity"
	appErrors "github.com/alpinesboltltd/ticketflow/internal/errors"
	"github.com/alpinesboltltd/ticketflow/internal/platform/clock"
	"github.com/alpinesboltltd/ticketflow/internal/platform/idgen"
	"github.com/alpinesboltltd/ticketflow/internal/repository"
	"github.com/alpinesboltltd/ticketflow/internal/ticketservice"
)

// linearDefinition builds the spec's FORM_STEP -> APPROVAL_STEP(REQUESTER_MANAGER)
// -> TASK_STEP -> NOTIFY_STEP(terminal, auto_advance) workflow.
func linearDefinition() entity.WorkflowDefinition {
	return entity.WorkflowDefinition{
		StartStepID: "intake",
		Steps: []entity.StepDef{
			{
				StepID:   "intake",
				StepName: "Intake form",
				StepType: entity.FormStep,
				IsStart:  true,
				Sections: []entity.SectionDef{
					{
						SectionKey: "details",
						Fields: []entity.FieldDef{
							{FieldKey: "reason", Label: "Reason", Type: entity.FieldText, Required: true, MinLength: 3},
						},
					},
				},
			},
			{
				StepID:             "manager_approval",
				StepName:           "Manager approval",
				StepType:           entity.ApprovalStep,
				ApproverResolution: entity.ResolveRequesterManager,
			},
			{
				StepID:                "fulfill",
				StepName:              "Fulfill request",
				StepType:              entity.TaskStep,
				RequireExecutionNotes: true,
			},
			{
				StepID:      "done",
				StepName:    "Notify requester",
				StepType:    entity.NotifyStep,
				IsTerminal:  true,
				AutoAdvance: true,
				TemplateKey: "ticket_completed",
				Recipients:  []string{"requester"},
			},
		},
		Transitions: []entity.TransitionDef{
			{TransitionID: "t1", FromStepID: "intake", ToStepID: "manager_approval", OnEvent: entity.EventSubmitForm},
			{TransitionID: "t2", FromStepID: "manager_approval", ToStepID: "fulfill", OnEvent: entity.EventApprove},
			{TransitionID: "t3", FromStepID: "fulfill", ToStepID: "done", OnEvent: entity.EventCompleteTask},
		},
	}
}

// newRig wires one Engine plus its TicketService over a fresh in-memory
// database, the way app.Build wires production services.
func newRig(t *testing.T) (*engine.Engine, ticketservice.TicketService, *idgen.Sequence) {
	t.Helper()
	db := repository.NewTestDB(t)

	src := directory.NewStaticSource()
	src.Users["requester1"] = entity.UserSnapshot{ID: "requester1", Email: "requester1@example.com", DisplayName: "Rita Requester"}
	src.Users["manager1"] = entity.UserSnapshot{ID: "manager1", Email: "manager1@example.com", DisplayName: "Mandy Manager"}
	src.Users["agent1"] = entity.UserSnapshot{ID: "agent1", Email: "agent1@example.com", DisplayName: "Andy Agent"}
	src.Managers["requester1"] = "manager1"
	dirAdapter := directory.NewCachedAdapter(src, time.Minute)

	ids := &idgen.Sequence{Prefix: "id-"}

	eng := &engine.Engine{
		Tickets:      repository.NewTicketRepository(db),
		Steps:        repository.NewTicketStepRepository(db),
		Approvals:    repository.NewApprovalTaskRepository(db),
		Assignments:  repository.NewAssignmentRepository(db),
		InfoRequests: repository.NewInfoRequestRepository(db),
		Workflows:    repository.NewWorkflowRepository(db),
		Audit:        repository.NewAuditRepository(db),
		Outbox:       repository.NewOutboxRepository(db),
		Directory:    dirAdapter,
		Clock:        clock.NewFake(time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)),
		IDs:          ids,
	}
	return eng, ticketservice.New(eng), ids
}

func publishLinearWorkflow(t *testing.T, eng *engine.Engine) string {
	t.Helper()
	ctx := context.Background()
	def := linearDefinition()
	workflowID := "wf-linear"

	tmpl := &entity.WorkflowTemplate{
		WorkflowID:     workflowID,
		Name:           "Linear request",
		Status:         entity.WorkflowPublished,
		Definition:     entity.JSONDefinition{WorkflowDefinition: def},
		CurrentVersion: 1,
	}
	if err := eng.Workflows.InsertTemplate(ctx, tmpl); err != nil {
		t.Fatalf("insert template: %v", err)
	}
	version := &entity.WorkflowVersion{
		WorkflowVersionID: "wfv-1",
		WorkflowID:        workflowID,
		VersionNumber:     1,
		Definition:        entity.JSONDefinition{WorkflowDefinition: def},
		PublishedAt:       time.Now(),
	}
	if err := eng.Workflows.InsertVersion(ctx, version); err != nil {
		t.Fatalf("insert version: %v", err)
	}
	return workflowID
}

func requesterRC() engine.RequestContext {
	return engine.RequestContext{
		Actor:         entity.Actor{UserID: "requester1", Email: "requester1@example.com", DisplayName: "Rita Requester"},
		CorrelationID: "corr-1",
	}
}

func managerRC() engine.RequestContext {
	return engine.RequestContext{
		Actor:         entity.Actor{UserID: "manager1", Email: "manager1@example.com", DisplayName: "Mandy Manager"},
		CorrelationID: "corr-1",
	}
}

func agentRC() engine.RequestContext {
	return engine.RequestContext{
		Actor:         entity.Actor{UserID: "agent1", Email: "agent1@example.com", DisplayName: "Andy Agent"},
		CorrelationID: "corr-1",
	}
}

// stepByType returns the first step of the given type on a ticket. When
// liveOnly is set, terminal steps are skipped — useful while a scenario
// is still in flight and an earlier step of the same type has already
// completed.
func stepByType(t *testing.T, eng *engine.Engine, ticketID string, st entity.StepType, liveOnly bool) *entity.TicketStep {
	t.Helper()
	steps, err := eng.Steps.ListByTicket(context.Background(), ticketID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	for i := range steps {
		if steps[i].StepType != st {
			continue
		}
		if liveOnly && steps[i].State.IsTerminal() {
			continue
		}
		return &steps[i]
	}
	t.Fatalf("no step of type %s on ticket %s (liveOnly=%v)", st, ticketID, liveOnly)
	return nil
}

// TestLinearScenarioCompletes drives spec §8's linear scenario end to end:
// FORM_STEP submit, manager approval, agent assignment and task
// completion, terminating on the auto-advancing NOTIFY_STEP.
func TestLinearScenarioCompletes(t *testing.T) {
	ctx := context.Background()
	eng, tickets, _ := newRig(t)
	workflowID := publishLinearWorkflow(t, eng)

	ticket, err := tickets.CreateTicket(ctx, ticketservice.CreateTicketRequest{
		WorkflowID: workflowID,
		Title:      "New laptop",
		RC:         requesterRC(),
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	if ticket.Status != entity.TicketOpen {
		t.Fatalf("expected ticket OPEN, got %s", ticket.Status)
	}

	formStep := stepByType(t, eng, ticket.TicketID, entity.FormStep, true)
	if formStep.State != entity.StepActive {
		t.Fatalf("expected intake form ACTIVE, got %s", formStep.State)
	}

	if _, err := eng.ApplyEvent(ctx, ticket.TicketID, formStep.TicketStepID, entity.EventSubmitForm,
		map[string]interface{}{"reason": "need a new laptop"}, requesterRC()); err != nil {
		t.Fatalf("submit form: %v", err)
	}

	approvalStep := stepByType(t, eng, ticket.TicketID, entity.ApprovalStep, true)
	if approvalStep.State != entity.StepWaitingApproval {
		t.Fatalf("expected approval step WAITING_FOR_APPROVAL, got %s", approvalStep.State)
	}
	if approvalStep.AssignedTo.ID != "manager1" {
		t.Fatalf("expected approval step assigned to manager1, got %q", approvalStep.AssignedTo.ID)
	}

	if _, err := eng.ApplyEvent(ctx, ticket.TicketID, approvalStep.TicketStepID, entity.EventApprove,
		map[string]interface{}{"comment": "approved"}, managerRC()); err != nil {
		t.Fatalf("approve: %v", err)
	}

	taskStep := stepByType(t, eng, ticket.TicketID, entity.TaskStep, true)
	if taskStep.State != entity.StepWaitingAssignment {
		t.Fatalf("expected task step WAITING_ASSIGNMENT, got %s", taskStep.State)
	}

	if err := tickets.AssignAgent(ctx, ticket.TicketID, taskStep.TicketStepID,
		entity.UserSnapshot{ID: "agent1", Email: "agent1@example.com", DisplayName: "Andy Agent"}, requesterRC()); err != nil {
		t.Fatalf("assign agent: %v", err)
	}

	// execution_notes is required on this TASK_STEP; omitting it must fail
	// and leave the step untouched.
	if _, err := eng.ApplyEvent(ctx, ticket.TicketID, taskStep.TicketStepID, entity.EventCompleteTask,
		map[string]interface{}{}, agentRC()); err == nil {
		t.Fatalf("expected completion without execution_notes to fail")
	}

	if _, err := eng.ApplyEvent(ctx, ticket.TicketID, taskStep.TicketStepID, entity.EventCompleteTask,
		map[string]interface{}{"execution_notes": "shipped a new laptop"}, agentRC()); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	final, err := eng.Tickets.Get(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if final.Status != entity.TicketCompleted {
		t.Fatalf("expected ticket COMPLETED, got %s", final.Status)
	}

	notifyStep := stepByType(t, eng, ticket.TicketID, entity.NotifyStep, false)
	if notifyStep.State != entity.StepCompleted {
		t.Fatalf("expected notify step COMPLETED, got %s", notifyStep.State)
	}

	events, err := eng.Audit.ListByTicket(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(events) < 5 {
		t.Fatalf("expected at least 5 audit events, got %d", len(events))
	}
}

// TestSubmitFormRejectsMissingRequiredField exercises the runtime form
// validator wired into handleSubmitForm: an empty required field must
// block the transition rather than silently merge.
func TestSubmitFormRejectsMissingRequiredField(t *testing.T) {
	ctx := context.Background()
	eng, tickets, _ := newRig(t)
	workflowID := publishLinearWorkflow(t, eng)

	ticket, err := tickets.CreateTicket(ctx, ticketservice.CreateTicketRequest{
		WorkflowID: workflowID,
		Title:      "Missing reason",
		RC:         requesterRC(),
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	formStep := stepByType(t, eng, ticket.TicketID, entity.FormStep, true)

	_, err = eng.ApplyEvent(ctx, ticket.TicketID, formStep.TicketStepID, entity.EventSubmitForm,
		map[string]interface{}{}, requesterRC())
	if err == nil {
		t.Fatalf("expected validation error for missing required field")
	}
	appErr, ok := err.(*appErrors.AppError)
	if !ok {
		t.Fatalf("expected *appErrors.AppError, got %T", err)
	}
	if appErr.Type != appErrors.ValidationErr {
		t.Fatalf("expected VALIDATION error, got %s", appErr.Type)
	}

	refreshed, err := eng.Steps.Get(ctx, formStep.TicketStepID)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if refreshed.State != entity.StepActive {
		t.Fatalf("expected form step to remain ACTIVE after rejected submission, got %s", refreshed.State)
	}
}

// TestApprovalStepRejectionTerminatesTicket exercises spec §4.2's
// rejection path for a non-forked step: REJECT terminates the ticket
// REJECTED without a matching transition.
func TestApprovalStepRejectionTerminatesTicket(t *testing.T) {
	ctx := context.Background()
	eng, tickets, _ := newRig(t)
	workflowID := publishLinearWorkflow(t, eng)

	ticket, err := tickets.CreateTicket(ctx, ticketservice.CreateTicketRequest{
		WorkflowID: workflowID,
		Title:      "To be rejected",
		RC:         requesterRC(),
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	formStep := stepByType(t, eng, ticket.TicketID, entity.FormStep, true)
	if _, err := eng.ApplyEvent(ctx, ticket.TicketID, formStep.TicketStepID, entity.EventSubmitForm,
		map[string]interface{}{"reason": "need a new laptop"}, requesterRC()); err != nil {
		t.Fatalf("submit form: %v", err)
	}

	approvalStep := stepByType(t, eng, ticket.TicketID, entity.ApprovalStep, true)
	if _, err := eng.ApplyEvent(ctx, ticket.TicketID, approvalStep.TicketStepID, entity.EventReject,
		map[string]interface{}{"comment": "not approved"}, managerRC()); err != nil {
		t.Fatalf("reject: %v", err)
	}

	final, err := eng.Tickets.Get(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if final.Status != entity.TicketRejected {
		t.Fatalf("expected ticket REJECTED, got %s", final.Status)
	}
}

// TestOnlyRequesterMaySubmitForm exercises authorize()'s SUBMIT_FORM gate.
func TestOnlyRequesterMaySubmitForm(t *testing.T) {
	ctx := context.Background()
	eng, tickets, _ := newRig(t)
	workflowID := publishLinearWorkflow(t, eng)

	ticket, err := tickets.CreateTicket(ctx, ticketservice.CreateTicketRequest{
		WorkflowID: workflowID,
		Title:      "Wrong actor",
		RC:         requesterRC(),
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	formStep := stepByType(t, eng, ticket.TicketID, entity.FormStep, true)

	_, err = eng.ApplyEvent(ctx, ticket.TicketID, formStep.TicketStepID, entity.EventSubmitForm,
		map[string]interface{}{"reason": "not mine to submit"}, managerRC())
	if err == nil {
		t.Fatalf("expected authorization error")
	}
	appErr, ok := err.(*appErrors.AppError)
	if !ok || appErr.Type != appErrors.AuthorizationErr {
		t.Fatalf("expected AUTHORIZATION error, got %v", err)
	}
}
