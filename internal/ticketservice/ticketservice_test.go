package ticketservice_test

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

// definition builds a FORM_STEP -> APPROVAL_STEP(REQUESTER_MANAGER) ->
// TASK_STEP -> NOTIFY_STEP(terminal, auto_advance) workflow, the same
// linear shape the engine package tests against.
func definition() entity.WorkflowDefinition {
	return entity.WorkflowDefinition{
		StartStepID: "intake",
		Steps: []entity.StepDef{
			{StepID: "intake", StepName: "Intake form", StepType: entity.FormStep, IsStart: true},
			{StepID: "manager_approval", StepName: "Manager approval", StepType: entity.ApprovalStep, ApproverResolution: entity.ResolveRequesterManager},
			{StepID: "fulfill", StepName: "Fulfill request", StepType: entity.TaskStep},
			{StepID: "done", StepName: "Notify requester", StepType: entity.NotifyStep, IsTerminal: true, AutoAdvance: true},
		},
		Transitions: []entity.TransitionDef{
			{TransitionID: "t1", FromStepID: "intake", ToStepID: "manager_approval", OnEvent: entity.EventSubmitForm},
			{TransitionID: "t2", FromStepID: "manager_approval", ToStepID: "fulfill", OnEvent: entity.EventApprove},
			{TransitionID: "t3", FromStepID: "fulfill", ToStepID: "done", OnEvent: entity.EventCompleteTask},
		},
	}
}

func newRig(t *testing.T) (*engine.Engine, ticketservice.TicketService) {
	t.Helper()
	db := repository.NewTestDB(t)

	src := directory.NewStaticSource()
	src.Users["requester1"] = entity.UserSnapshot{ID: "requester1", Email: "requester1@example.com", DisplayName: "Rita Requester"}
	src.Users["manager1"] = entity.UserSnapshot{ID: "manager1", Email: "manager1@example.com", DisplayName: "Mandy Manager"}
	src.Users["agent1"] = entity.UserSnapshot{ID: "agent1", Email: "agent1@example.com", DisplayName: "Andy Agent"}
	src.Users["agent2"] = entity.UserSnapshot{ID: "agent2", Email: "agent2@example.com", DisplayName: "Aiden Agent"}
	src.Managers["requester1"] = "manager1"

	eng := &engine.Engine{
		Tickets:      repository.NewTicketRepository(db),
		Steps:        repository.NewTicketStepRepository(db),
		Approvals:    repository.NewApprovalTaskRepository(db),
		Assignments:  repository.NewAssignmentRepository(db),
		InfoRequests: repository.NewInfoRequestRepository(db),
		Workflows:    repository.NewWorkflowRepository(db),
		Audit:        repository.NewAuditRepository(db),
		Outbox:       repository.NewOutboxRepository(db),
		Directory:    directory.NewCachedAdapter(src, time.Minute),
		Clock:        clock.NewFake(time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)),
		IDs:          &idgen.Sequence{Prefix: "id-"},
	}
	return eng, ticketservice.New(eng)
}

func publishWorkflow(t *testing.T, eng *engine.Engine) string {
	t.Helper()
	ctx := context.Background()
	def := definition()
	workflowID := "wf-linear"
	tmpl := &entity.WorkflowTemplate{
		WorkflowID: workflowID, Name: "Linear request", Status: entity.WorkflowPublished,
		Definition: entity.JSONDefinition{WorkflowDefinition: def}, CurrentVersion: 1,
	}
	if err := eng.Workflows.InsertTemplate(ctx, tmpl); err != nil {
		t.Fatalf("insert template: %v", err)
	}
	version := &entity.WorkflowVersion{
		WorkflowVersionID: "wfv-1", WorkflowID: workflowID, VersionNumber: 1,
		Definition: entity.JSONDefinition{WorkflowDefinition: def}, PublishedAt: time.Now(),
	}
	if err := eng.Workflows.InsertVersion(ctx, version); err != nil {
		t.Fatalf("insert version: %v", err)
	}
	return workflowID
}

func rc(userID string) engine.RequestContext {
	return engine.RequestContext{Actor: entity.Actor{UserID: userID}}
}

func stepByType(t *testing.T, eng *engine.Engine, ticketID string, st entity.StepType) *entity.TicketStep {
	t.Helper()
	steps, err := eng.Steps.ListByTicket(context.Background(), ticketID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	for i := range steps {
		if steps[i].StepType == st {
			return &steps[i]
		}
	}
	t.Fatalf("no step of type %s on ticket %s", st, ticketID)
	return nil
}

func createTicket(t *testing.T, eng *engine.Engine, svc ticketservice.TicketService, workflowID string) *entity.Ticket {
	t.Helper()
	ctx := context.Background()
	tk, err := svc.CreateTicket(ctx, ticketservice.CreateTicketRequest{
		WorkflowID: workflowID, Title: "need a thing", RC: rc("requester1"),
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return tk
}

func TestRequestInfoParksStepAndBlocksProgressUntilRespondInfo(t *testing.T) {
	eng, svc := newRig(t)
	workflowID := publishWorkflow(t, eng)
	ctx := context.Background()
	tk := createTicket(t, eng, svc, workflowID)

	form := stepByType(t, eng, tk.TicketID, entity.FormStep)
	if _, err := eng.ApplyEvent(ctx, tk.TicketID, form.TicketStepID, entity.EventSubmitForm, map[string]interface{}{}, rc("requester1")); err != nil {
		t.Fatalf("submit form: %v", err)
	}

	approval := stepByType(t, eng, tk.TicketID, entity.ApprovalStep)
	if err := svc.RequestInfo(ctx, ticketservice.RequestInfoRequest{
		TicketID: tk.TicketID, TicketStepID: approval.TicketStepID,
		Question: "need more detail", RequestedFromEmail: "requester1@example.com",
		RC: rc("manager1"),
	}); err != nil {
		t.Fatalf("request info: %v", err)
	}

	parked, err := eng.Steps.Get(ctx, approval.TicketStepID)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if parked.State != entity.StepOnHold {
		t.Fatalf("expected the step to be parked ON_HOLD, got %s", parked.State)
	}

	// A second concurrent info request on the same step must be rejected.
	err = svc.RequestInfo(ctx, ticketservice.RequestInfoRequest{
		TicketID: tk.TicketID, TicketStepID: approval.TicketStepID,
		Question: "another question", RequestedFromEmail: "requester1@example.com",
		RC: rc("manager1"),
	})
	if err == nil {
		t.Fatalf("expected a second open info request on the same step to be rejected")
	}

	// Approval must be blocked while the info request is open.
	_, err = eng.ApplyEvent(ctx, tk.TicketID, approval.TicketStepID, entity.EventApprove, nil, rc("manager1"))
	if err == nil {
		t.Fatalf("expected APPROVE to be blocked while an info request is open")
	}

	if _, err := eng.ApplyEvent(ctx, tk.TicketID, approval.TicketStepID, entity.EventRespondInfo, map[string]interface{}{"response_text": "here you go"}, rc("requester1")); err != nil {
		t.Fatalf("respond info: %v", err)
	}
	resumed, err := eng.Steps.Get(ctx, approval.TicketStepID)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if resumed.State != entity.StepWaitingApproval {
		t.Fatalf("expected the step to resume to WAITING_FOR_APPROVAL, got %s", resumed.State)
	}

	if _, err := eng.ApplyEvent(ctx, tk.TicketID, approval.TicketStepID, entity.EventApprove, nil, rc("manager1")); err != nil {
		t.Fatalf("approve after info resolved: %v", err)
	}
}

func TestReassignAgentRecordsSupersession(t *testing.T) {
	eng, svc := newRig(t)
	workflowID := publishWorkflow(t, eng)
	ctx := context.Background()
	tk := createTicket(t, eng, svc, workflowID)

	form := stepByType(t, eng, tk.TicketID, entity.FormStep)
	if _, err := eng.ApplyEvent(ctx, tk.TicketID, form.TicketStepID, entity.EventSubmitForm, map[string]interface{}{}, rc("requester1")); err != nil {
		t.Fatalf("submit form: %v", err)
	}
	approval := stepByType(t, eng, tk.TicketID, entity.ApprovalStep)
	if _, err := eng.ApplyEvent(ctx, tk.TicketID, approval.TicketStepID, entity.EventApprove, nil, rc("manager1")); err != nil {
		t.Fatalf("approve: %v", err)
	}

	fulfill := stepByType(t, eng, tk.TicketID, entity.TaskStep)
	agent1 := entity.UserSnapshot{ID: "agent1", Email: "agent1@example.com"}
	if err := svc.AssignAgent(ctx, tk.TicketID, fulfill.TicketStepID, agent1, rc("manager1")); err != nil {
		t.Fatalf("assign agent: %v", err)
	}

	agent2 := entity.UserSnapshot{ID: "agent2", Email: "agent2@example.com"}
	if err := svc.ReassignAgent(ctx, tk.TicketID, fulfill.TicketStepID, agent2, "agent1 out sick", rc("manager1")); err != nil {
		t.Fatalf("reassign agent: %v", err)
	}

	updated, err := eng.Steps.Get(ctx, fulfill.TicketStepID)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if updated.AssignedTo.ID != "agent2" {
		t.Fatalf("expected the step to now be assigned to agent2, got %s", updated.AssignedTo.ID)
	}
	if updated.State != entity.StepActive {
		t.Fatalf("expected the step to remain ACTIVE, got %s", updated.State)
	}

	assignments, err := eng.Assignments.ListByStep(ctx, fulfill.TicketStepID)
	if err != nil {
		t.Fatalf("list assignments: %v", err)
	}
	if len(assignments) != 2 {
		t.Fatalf("expected 2 assignment records (initial + reassignment), got %d", len(assignments))
	}
	var reassigned *entity.Assignment
	for i := range assignments {
		if assignments[i].Status == entity.AssignmentReassigned {
			reassigned = &assignments[i]
		}
	}
	if reassigned == nil || reassigned.Reason != "agent1 out sick" {
		t.Fatalf("expected a reassigned assignment carrying the supersession reason, got %v", assignments)
	}
}

func TestAssignAgentRejectsNonTaskStepAndWrongState(t *testing.T) {
	eng, svc := newRig(t)
	workflowID := publishWorkflow(t, eng)
	ctx := context.Background()
	tk := createTicket(t, eng, svc, workflowID)

	form := stepByType(t, eng, tk.TicketID, entity.FormStep)
	agent1 := entity.UserSnapshot{ID: "agent1", Email: "agent1@example.com"}
	err := svc.AssignAgent(ctx, tk.TicketID, form.TicketStepID, agent1, rc("manager1"))
	if err == nil {
		t.Fatalf("expected assignment to a FORM_STEP to be rejected")
	}
	appErr, ok := err.(*appErrors.AppError)
	if !ok || appErr.Type != appErrors.InvalidStateErr {
		t.Fatalf("expected an INVALID_STATE AppError, got %v (%T)", err, err)
	}
}

func TestCancelTicketCascadesToNonTerminalSteps(t *testing.T) {
	eng, svc := newRig(t)
	workflowID := publishWorkflow(t, eng)
	ctx := context.Background()
	tk := createTicket(t, eng, svc, workflowID)

	form := stepByType(t, eng, tk.TicketID, entity.FormStep)
	if _, err := eng.ApplyEvent(ctx, tk.TicketID, form.TicketStepID, entity.EventSubmitForm, map[string]interface{}{}, rc("requester1")); err != nil {
		t.Fatalf("submit form: %v", err)
	}

	if err := svc.CancelTicket(ctx, tk.TicketID, "no longer needed", rc("requester1")); err != nil {
		t.Fatalf("cancel ticket: %v", err)
	}

	cancelled, err := eng.Tickets.Get(ctx, tk.TicketID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if cancelled.Status != entity.TicketCancelled {
		t.Fatalf("expected ticket status CANCELLED, got %s", cancelled.Status)
	}

	steps, err := eng.Steps.ListByTicket(ctx, tk.TicketID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	for _, s := range steps {
		if s.State != entity.StepCompleted && s.State != entity.StepCancelled {
			t.Fatalf("expected every non-completed step cancelled, step %s is %s", s.StepID, s.State)
		}
	}

	// Cancelling an already-terminal ticket must fail.
	err = svc.CancelTicket(ctx, tk.TicketID, "again", rc("requester1"))
	if err == nil {
		t.Fatalf("expected cancelling an already-cancelled ticket to fail")
	}
}

func TestSkipStepMarksSkippedWithoutAdvancingALinearWorkflow(t *testing.T) {
	eng, svc := newRig(t)
	workflowID := publishWorkflow(t, eng)
	ctx := context.Background()
	tk := createTicket(t, eng, svc, workflowID)

	form := stepByType(t, eng, tk.TicketID, entity.FormStep)
	if _, err := eng.ApplyEvent(ctx, tk.TicketID, form.TicketStepID, entity.EventSubmitForm, map[string]interface{}{}, rc("requester1")); err != nil {
		t.Fatalf("submit form: %v", err)
	}
	approval := stepByType(t, eng, tk.TicketID, entity.ApprovalStep)
	if _, err := eng.ApplyEvent(ctx, tk.TicketID, approval.TicketStepID, entity.EventApprove, nil, rc("manager1")); err != nil {
		t.Fatalf("approve: %v", err)
	}

	fulfill := stepByType(t, eng, tk.TicketID, entity.TaskStep)
	if err := svc.SkipStep(ctx, tk.TicketID, fulfill.TicketStepID, "not needed", rc("manager1")); err != nil {
		t.Fatalf("skip step: %v", err)
	}

	skipped, err := eng.Steps.Get(ctx, fulfill.TicketStepID)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if skipped.State != entity.StepSkipped {
		t.Fatalf("expected SKIPPED, got %s", skipped.State)
	}
	if skipped.Data["skip_comment"] != "not needed" {
		t.Fatalf("expected the skip comment recorded on step data, got %v", skipped.Data)
	}

	ticket, err := eng.Tickets.Get(ctx, tk.TicketID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if ticket.Status != entity.TicketOpen {
		t.Fatalf("skipping a plain linear step has no successor-activation rule; expected the ticket to remain OPEN, got %s", ticket.Status)
	}
}
