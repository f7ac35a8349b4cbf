// Package ticketservice implements the operations of spec §6.1 that fall
// outside Engine.ApplyEvent's generic event dispatch: create_ticket,
// assign_agent/reassign_agent, request_info, skip and cancel_ticket have
// no entity.EventType counterpart, so they mutate records directly rather
// than routing through the transition engine. It is grounded on the
// teacher's usecase layer (internal/usecase/workspace_usecase.go): an
// interface, an unexported struct, a constructor.
package ticketservice

import (
	"context"
	"fmt"

	"github.com/alpinesboltltd/ticketflow/internal/engine"
	"github.com/alpinesboltltd/ticketflow/internal/entity"
	appErrors "github.com/alpinesboltltd/ticketflow/internal/errors"
)

const maxConcurrencyRetries = 3

// TicketService covers the ticket-lifecycle operations not reachable
// through Engine.ApplyEvent.
type TicketService interface {
	CreateTicket(ctx context.Context, req CreateTicketRequest) (*entity.Ticket, error)
	AssignAgent(ctx context.Context, ticketID, ticketStepID string, agent entity.UserSnapshot, rc engine.RequestContext) error
	ReassignAgent(ctx context.Context, ticketID, ticketStepID string, agent entity.UserSnapshot, reason string, rc engine.RequestContext) error
	RequestInfo(ctx context.Context, req RequestInfoRequest) error
	SkipStep(ctx context.Context, ticketID, ticketStepID, comment string, rc engine.RequestContext) error
	CancelTicket(ctx context.Context, ticketID, reason string, rc engine.RequestContext) error
}

type ticketService struct {
	Engine *engine.Engine
}

// New builds a TicketService over the same transition engine instance the
// apply_event-routed operations use, so both layers see one consistent
// set of store dependencies.
func New(eng *engine.Engine) TicketService {
	return &ticketService{Engine: eng}
}

// CreateTicketRequest bundles create_ticket's parameters (spec §6.1).
type CreateTicketRequest struct {
	WorkflowID         string
	Title              string
	Description        string
	InitialFormValues  map[string]interface{}
	AttachmentIDs      []string
	InitialFormStepIDs []string
	RC                 engine.RequestContext
}

// CreateTicket implements spec §6.1's create_ticket: resolve the
// workflow's published version, snapshot the requester and their manager,
// insert the Ticket, then hand off to the engine to materialize and
// activate the start step(s).
func (s *ticketService) CreateTicket(ctx context.Context, req CreateTicketRequest) (*entity.Ticket, error) {
	tmpl, err := s.Engine.Workflows.GetTemplate(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if tmpl.Status != entity.WorkflowPublished || tmpl.CurrentVersion == 0 {
		return nil, appErrors.NewInvalidStateError(fmt.Sprintf("workflow %s has no published version", req.WorkflowID))
	}

	managerSnap := s.Engine.Directory.ResolveManager(ctx, req.RC.Actor.UserID)

	formValues := entity.JSONMap{}
	for k, v := range req.InitialFormValues {
		formValues[k] = v
	}

	t := &entity.Ticket{
		TicketID:              s.Engine.IDs.New(),
		WorkflowID:             req.WorkflowID,
		WorkflowVersionNumber: tmpl.CurrentVersion,
		Title:                  req.Title,
		Description:            req.Description,
		Status:                 entity.TicketOpen,
		Requester:              entity.JSONSnapshot{UserSnapshot: req.RC.Actor.Snapshot()},
		ManagerSnapshot:        entity.JSONSnapshot{UserSnapshot: managerSnap},
		FormValues:             formValues,
		AttachmentIDs:          entity.StringSlice(req.AttachmentIDs),
	}
	if err := s.Engine.Tickets.Insert(ctx, t); err != nil {
		return nil, err
	}
	s.audit(ctx, t.TicketID, req.RC, "TICKET_CREATED", map[string]interface{}{"workflow_id": req.WorkflowID})

	if err := s.Engine.ActivateTicketStart(ctx, t, req.InitialFormStepIDs, req.RC); err != nil {
		return nil, err
	}
	return t, nil
}

// AssignAgent implements spec §6.1's assign_agent: a TASK_STEP waiting on
// assignment moves to ACTIVE the moment an agent is attached.
func (s *ticketService) AssignAgent(ctx context.Context, ticketID, ticketStepID string, agent entity.UserSnapshot, rc engine.RequestContext) error {
	return s.assign(ctx, ticketID, ticketStepID, agent, "", false, rc)
}

// ReassignAgent implements spec §6.1's reassign_agent: same mutation as
// AssignAgent, but legal from ACTIVE as well as WAITING_ASSIGNMENT, and it
// records the supersession reason on the new Assignment row.
func (s *ticketService) ReassignAgent(ctx context.Context, ticketID, ticketStepID string, agent entity.UserSnapshot, reason string, rc engine.RequestContext) error {
	return s.assign(ctx, ticketID, ticketStepID, agent, reason, true, rc)
}

func (s *ticketService) assign(ctx context.Context, ticketID, ticketStepID string, agent entity.UserSnapshot, reason string, isReassign bool, rc engine.RequestContext) error {
	var lastErr error
	for attempt := 0; attempt < maxConcurrencyRetries; attempt++ {
		err := s.assignOnce(ctx, ticketID, ticketStepID, agent, reason, isReassign, rc)
		if err == nil {
			return nil
		}
		if appErr, ok := err.(*appErrors.AppError); ok && appErr.Type == appErrors.ConcurrencyErr {
			lastErr = err
			continue
		}
		return err
	}
	return lastErr
}

func (s *ticketService) assignOnce(ctx context.Context, ticketID, ticketStepID string, agent entity.UserSnapshot, reason string, isReassign bool, rc engine.RequestContext) error {
	ticket, err := s.Engine.Tickets.Get(ctx, ticketID)
	if err != nil {
		return err
	}
	if ticket.Status != entity.TicketOpen {
		return appErrors.NewInvalidStateError(fmt.Sprintf("ticket %s is not OPEN", ticketID))
	}
	step, err := s.Engine.Steps.Get(ctx, ticketStepID)
	if err != nil {
		return err
	}
	if step.TicketID != ticketID {
		return appErrors.NewNotFoundError("ticket step does not belong to ticket")
	}
	if step.StepType != entity.TaskStep {
		return appErrors.NewInvalidStateError("only TASK_STEP steps accept assignment")
	}
	if isReassign {
		if step.State != entity.StepActive && step.State != entity.StepWaitingAssignment {
			return appErrors.NewInvalidStateError(fmt.Sprintf("step state %s does not admit reassignment", step.State))
		}
	} else if step.State != entity.StepWaitingAssignment {
		return appErrors.NewInvalidStateError(fmt.Sprintf("step state %s does not admit assignment", step.State))
	}

	status := entity.AssignmentActive
	if isReassign {
		status = entity.AssignmentReassigned
	}
	a := &entity.Assignment{
		AssignmentID: s.Engine.IDs.New(),
		TicketStepID: step.TicketStepID,
		Agent:        entity.JSONSnapshot{UserSnapshot: agent},
		Status:       status,
		Reason:       reason,
		CreatedAt:    s.Engine.Clock.Now(),
	}
	if err := s.Engine.Assignments.Insert(ctx, a); err != nil {
		return err
	}

	step.AssignedTo = entity.JSONSnapshot{UserSnapshot: agent}
	step.State = entity.StepActive
	if err := s.Engine.Steps.Update(ctx, step, step.Version); err != nil {
		return err
	}

	eventType := "AGENT_ASSIGNED"
	if isReassign {
		eventType = "AGENT_REASSIGNED"
	}
	s.audit(ctx, ticketID, rc, eventType, map[string]interface{}{"step_id": step.StepID, "agent": agent.Email, "reason": reason})
	return nil
}

// RequestInfoRequest bundles request_info's parameters (spec §6.1).
type RequestInfoRequest struct {
	TicketID           string
	TicketStepID       string
	Question           string
	RequestedFromEmail string
	Subject            string
	AttachmentIDs      []string
	RC                 engine.RequestContext
}

// RequestInfo implements spec §6.1's request_info: distinct from
// respond_info (which Engine.ApplyEvent already routes through
// EventRespondInfo), this opens the InfoRequest and parks the step
// ON_HOLD so Engine.ApplyEvent's "no open info request" guard blocks
// further progress until it is answered.
func (s *ticketService) RequestInfo(ctx context.Context, req RequestInfoRequest) error {
	var lastErr error
	for attempt := 0; attempt < maxConcurrencyRetries; attempt++ {
		err := s.requestInfoOnce(ctx, req)
		if err == nil {
			return nil
		}
		if appErr, ok := err.(*appErrors.AppError); ok && appErr.Type == appErrors.ConcurrencyErr {
			lastErr = err
			continue
		}
		return err
	}
	return lastErr
}

func (s *ticketService) requestInfoOnce(ctx context.Context, req RequestInfoRequest) error {
	ticket, err := s.Engine.Tickets.Get(ctx, req.TicketID)
	if err != nil {
		return err
	}
	if ticket.Status != entity.TicketOpen {
		return appErrors.NewInvalidStateError(fmt.Sprintf("ticket %s is not OPEN", req.TicketID))
	}
	step, err := s.Engine.Steps.Get(ctx, req.TicketStepID)
	if err != nil {
		return err
	}
	if step.TicketID != req.TicketID {
		return appErrors.NewNotFoundError("ticket step does not belong to ticket")
	}
	if step.State.IsTerminal() || step.State == entity.StepOnHold {
		return appErrors.NewInvalidStateError(fmt.Sprintf("step state %s does not admit request_info", step.State))
	}
	if existing, err := s.Engine.InfoRequests.GetOpenByStep(ctx, step.TicketStepID); err != nil {
		return err
	} else if existing != nil {
		return appErrors.NewInvalidStateError("step already has an open info request")
	}

	requestedFrom := s.Engine.Directory.Resolve(ctx, req.RequestedFromEmail)
	if requestedFrom.Unresolved {
		requestedFrom = entity.UserSnapshot{ID: req.RequestedFromEmail, Email: req.RequestedFromEmail}
	}

	ir := &entity.InfoRequest{
		InfoRequestID:  s.Engine.IDs.New(),
		TicketStepID:   step.TicketStepID,
		Question:       req.Question,
		Subject:        req.Subject,
		RequestedFrom:  entity.JSONSnapshot{UserSnapshot: requestedFrom},
		RequestedBy:    entity.JSONSnapshot{UserSnapshot: req.RC.Actor.Snapshot()},
		Status:         entity.InfoRequestOpen,
		PriorStepState: step.State,
		CreatedAt:      s.Engine.Clock.Now(),
	}
	if err := s.Engine.InfoRequests.Insert(ctx, ir); err != nil {
		return err
	}

	step.State = entity.StepOnHold
	step.AttachmentIDs = append(step.AttachmentIDs, req.AttachmentIDs...)
	if err := s.Engine.Steps.Update(ctx, step, step.Version); err != nil {
		return err
	}
	s.audit(ctx, req.TicketID, req.RC, "INFO_REQUESTED", map[string]interface{}{"step_id": step.StepID, "requested_from": requestedFrom.Email})
	return nil
}

// SkipStep implements spec §6.1's skip by delegating to the engine, which
// owns the branch/sub-workflow completion propagation skip shares with
// reject.
func (s *ticketService) SkipStep(ctx context.Context, ticketID, ticketStepID, comment string, rc engine.RequestContext) error {
	_, err := s.Engine.SkipStep(ctx, ticketID, ticketStepID, comment, rc)
	return err
}

// CancelTicket implements spec §6.1's cancel_ticket: any non-terminal
// ticket can be cancelled, cascading CANCELLED to every non-terminal
// step.
func (s *ticketService) CancelTicket(ctx context.Context, ticketID, reason string, rc engine.RequestContext) error {
	var lastErr error
	for attempt := 0; attempt < maxConcurrencyRetries; attempt++ {
		err := s.cancelTicketOnce(ctx, ticketID, reason, rc)
		if err == nil {
			return nil
		}
		if appErr, ok := err.(*appErrors.AppError); ok && appErr.Type == appErrors.ConcurrencyErr {
			lastErr = err
			continue
		}
		return err
	}
	return lastErr
}

func (s *ticketService) cancelTicketOnce(ctx context.Context, ticketID, reason string, rc engine.RequestContext) error {
	ticket, err := s.Engine.Tickets.Get(ctx, ticketID)
	if err != nil {
		return err
	}
	if ticket.Status.IsTerminal() {
		return appErrors.NewInvalidStateError(fmt.Sprintf("ticket %s is already %s", ticketID, ticket.Status))
	}

	steps, err := s.Engine.Steps.ListByTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	for i := range steps {
		st := &steps[i]
		if st.State.IsTerminal() {
			continue
		}
		st.State = entity.StepCancelled
		if err := s.Engine.Steps.Update(ctx, st, st.Version); err != nil {
			return err
		}
	}

	ticket.Status = entity.TicketCancelled
	if err := s.Engine.Tickets.Update(ctx, ticket, ticket.Version); err != nil {
		return err
	}
	s.audit(ctx, ticketID, rc, "TICKET_CANCELLED", map[string]interface{}{"reason": reason})
	return nil
}

// audit mirrors Engine's unexported audit helper: best-effort, a failure
// to append never fails the surrounding operation.
func (s *ticketService) audit(ctx context.Context, ticketID string, rc engine.RequestContext, eventType string, details map[string]interface{}) {
	ev := &entity.AuditEvent{
		AuditEventID:  s.Engine.IDs.New(),
		TicketID:      ticketID,
		Timestamp:     s.Engine.Clock.Now(),
		Actor:         entity.JSONSnapshot{UserSnapshot: rc.Actor.Snapshot()},
		EventType:     eventType,
		Details:       entity.JSONMap(details),
		CorrelationID: rc.CorrelationID,
	}
	if err := s.Engine.Audit.Append(ctx, ev); err != nil {
		appErrors.LogError(err, fmt.Sprintf("ticketservice: audit append for ticket %s", ticketID))
	}
}
