// Package engine implements the transition engine (component E): the
// central apply_event operation of spec §4.2, plus the successor
// selection and step-activation rules it depends on.
package engine

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/alpinesboltltd/ticketflow/internal/directory"
	"github.com/alpinesboltltd/ticketflow/internal/engine/condition"
	"github.com/alpinesboltltd/ticketflow/internal/entity"
	appErrors "github.com/alpinesboltltd/ticketflow/internal/errors"
	"github.com/alpinesboltltd/ticketflow/internal/utils"
)

const maxConcurrencyRetries = 3

// Engine is the transition engine over the record store contracts of
// spec §6.2. Every dependency is an interface so tests can swap in
// sqlite-backed repositories or in-memory fakes.
type Engine struct {
	Tickets      TicketStore
	Steps        TicketStepStore
	Approvals    ApprovalTaskStore
	Assignments  AssignmentStore
	InfoRequests InfoRequestStore
	Workflows    WorkflowStore
	Audit        AuditStore
	Outbox       OutboxStore
	Directory    directory.Adapter
	Clock        Clock
	IDs          IDGenerator
}

// EngineResult is the outcome of one apply_event call.
type EngineResult struct {
	Ticket *entity.Ticket
	Step   *entity.TicketStep
}

// RequestContext carries the actor and correlation ID every engine-facing
// operation takes explicitly (spec §9 design note: explicit parameter
// passing instead of a thread-local correlation ID).
type RequestContext struct {
	Actor         entity.Actor
	CorrelationID string
}

// ApplyEvent is the central operation of spec §4.2. Concurrency conflicts
// are retried up to maxConcurrencyRetries times before surfacing
// ConcurrencyError; every other error is fatal to the call and leaves no
// partial mutation (each retry re-reads fresh state).
func (e *Engine) ApplyEvent(ctx context.Context, ticketID, ticketStepID string, ev entity.EventType, payload map[string]interface{}, rc RequestContext) (*EngineResult, error) {
	var lastErr error
	for attempt := 0; attempt < maxConcurrencyRetries; attempt++ {
		res, err := e.applyEventOnce(ctx, ticketID, ticketStepID, ev, payload, rc)
		if err == nil {
			return res, nil
		}
		if appErr, ok := err.(*appErrors.AppError); ok && appErr.Type == appErrors.ConcurrencyErr {
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

func (e *Engine) applyEventOnce(ctx context.Context, ticketID, ticketStepID string, ev entity.EventType, payload map[string]interface{}, rc RequestContext) (*EngineResult, error) {
	ticket, err := e.Tickets.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.Status != entity.TicketOpen {
		return nil, appErrors.NewInvalidStateError(fmt.Sprintf("ticket %s is not OPEN", ticketID))
	}
	step, err := e.Steps.Get(ctx, ticketStepID)
	if err != nil {
		return nil, err
	}
	if step.TicketID != ticketID {
		return nil, appErrors.NewNotFoundError("ticket step does not belong to ticket")
	}
	if !stateAdmits(step.State, ev) {
		return nil, appErrors.NewInvalidStateError(fmt.Sprintf("step state %s does not admit event %s", step.State, ev))
	}
	if err := e.authorize(ctx, ticket, step, ev, rc.Actor); err != nil {
		return nil, err
	}
	if ev != entity.EventRespondInfo {
		open, err := e.InfoRequests.GetOpenByStep(ctx, step.TicketStepID)
		if err != nil {
			return nil, err
		}
		if open != nil {
			return nil, appErrors.NewInvalidStateError("step has an open info request blocking progression")
		}
	}

	def, err := e.definitionForStep(ctx, ticket, step)
	if err != nil {
		return nil, err
	}

	switch ev {
	case entity.EventSubmitForm:
		if err := e.handleSubmitForm(ctx, ticket, step, def, payload, rc); err != nil {
			return nil, err
		}
	case entity.EventApprove, entity.EventReject:
		if err := e.handleApprovalVote(ctx, ticket, step, def, ev, payload, rc); err != nil {
			return nil, err
		}
		return &EngineResult{Ticket: ticket, Step: step}, nil
	case entity.EventCompleteTask:
		if err := e.handleCompleteTask(ctx, ticket, step, def, payload, rc); err != nil {
			return nil, err
		}
	case entity.EventRespondInfo:
		if err := e.handleRespondInfo(ctx, step, payload, rc); err != nil {
			return nil, err
		}
		return &EngineResult{Ticket: ticket, Step: step}, nil
	default:
		return nil, appErrors.NewEngineError(fmt.Sprintf("event %s has no handler", ev))
	}

	if err := e.advance(ctx, ticket, step, def, ev, rc); err != nil {
		return nil, err
	}
	return &EngineResult{Ticket: ticket, Step: step}, nil
}

func (e *Engine) definitionFor(ctx context.Context, ticket *entity.Ticket) (*entity.WorkflowDefinition, error) {
	v, err := e.Workflows.GetVersion(ctx, ticket.WorkflowID, ticket.WorkflowVersionNumber)
	if err != nil {
		return nil, err
	}
	return &v.Definition.WorkflowDefinition, nil
}

// definitionForStep resolves the definition that actually governs a given
// step: the sub-workflow definition for a materialized child (spec §4.3),
// or the ticket's own published version otherwise. Sub-workflows cannot
// nest (validator rejects it at publish), so a child's parent is always
// found in the ticket's own definition.
func (e *Engine) definitionForStep(ctx context.Context, ticket *entity.Ticket, step *entity.TicketStep) (*entity.WorkflowDefinition, error) {
	if step.FromSubWorkflowID == "" {
		return e.definitionFor(ctx, ticket)
	}
	v, err := e.Workflows.GetVersion(ctx, step.FromSubWorkflowID, step.FromSubWorkflowVersion)
	if err != nil {
		return nil, err
	}
	return &v.Definition.WorkflowDefinition, nil
}

func (e *Engine) authorize(ctx context.Context, ticket *entity.Ticket, step *entity.TicketStep, ev entity.EventType, actor entity.Actor) error {
	switch ev {
	case entity.EventSubmitForm:
		if actor.UserID != ticket.Requester.ID {
			return appErrors.NewAuthorizationError("only the requester may submit this form")
		}
	case entity.EventApprove, entity.EventReject:
		if step.AssignedTo.ID != actor.UserID {
			tasks, err := e.Approvals.ListByStep(ctx, step.TicketStepID)
			if err != nil {
				return err
			}
			member := false
			for _, t := range tasks {
				if t.Approver.ID == actor.UserID {
					member = true
					break
				}
			}
			if !member {
				return appErrors.NewAuthorizationError("actor is not a designated approver for this step")
			}
		}
	case entity.EventCompleteTask:
		if step.AssignedTo.ID != actor.UserID {
			return appErrors.NewAuthorizationError("only the assigned agent may complete this task")
		}
	case entity.EventRespondInfo:
		open, err := e.InfoRequests.GetOpenByStep(ctx, step.TicketStepID)
		if err != nil {
			return err
		}
		if open == nil {
			return appErrors.NewInvalidStateError("no open info request on this step")
		}
		if actor.UserID != ticket.Requester.ID && actor.UserID != open.RequestedFrom.ID {
			return appErrors.NewAuthorizationError("only the requester or the requested party may respond")
		}
	}
	return nil
}

func stateAdmits(state entity.StepState, ev entity.EventType) bool {
	if state.IsTerminal() {
		return false
	}
	switch ev {
	case entity.EventSubmitForm:
		return state == entity.StepActive
	case entity.EventCompleteTask:
		return state == entity.StepActive
	case entity.EventApprove, entity.EventReject:
		return state == entity.StepWaitingApproval
	case entity.EventRespondInfo:
		return state == entity.StepOnHold
	default:
		return false
	}
}

func (e *Engine) handleSubmitForm(ctx context.Context, ticket *entity.Ticket, step *entity.TicketStep, def *entity.WorkflowDefinition, payload map[string]interface{}, rc RequestContext) error {
	attachmentIDs := extractAttachmentIDs(payload)
	if ticket.FormValues == nil {
		ticket.FormValues = entity.JSONMap{}
	}
	merged := make(map[string]interface{}, len(ticket.FormValues)+len(payload))
	for k, v := range ticket.FormValues {
		merged[k] = v
	}
	for k, v := range payload {
		merged[k] = v
	}
	if stepDef, ok := def.StepByID(step.StepID); ok {
		if ve := utils.ValidateFormValues(stepDef.Sections, payload, merged); ve != nil {
			return ve.AppError()
		}
	}
	for k, v := range payload {
		ticket.FormValues[k] = v
	}
	ticket.AttachmentIDs = append(ticket.AttachmentIDs, attachmentIDs...)
	if err := e.Tickets.Update(ctx, ticket, ticket.Version); err != nil {
		return err
	}
	step.State = entity.StepCompleted
	step.AttachmentIDs = append(step.AttachmentIDs, attachmentIDs...)
	if err := e.Steps.Update(ctx, step, step.Version); err != nil {
		return err
	}
	e.audit(ctx, ticket.TicketID, rc, "FORM_SUBMITTED", map[string]interface{}{"step_id": step.StepID})
	return nil
}

func (e *Engine) handleCompleteTask(ctx context.Context, ticket *entity.Ticket, step *entity.TicketStep, def *entity.WorkflowDefinition, payload map[string]interface{}, rc RequestContext) error {
	notes, _ := payload["execution_notes"].(string)
	if stepDef, ok := def.StepByID(step.StepID); ok && stepDef.RequireExecutionNotes && strings.TrimSpace(notes) == "" {
		ve := &appErrors.ValidationError{Errors: []appErrors.FieldError{
			{Type: "REQUIRED", Path: "execution_notes", Message: "execution_notes is required to complete this task"},
		}}
		return ve.AppError()
	}
	attachmentIDs := extractAttachmentIDs(payload)
	outputValues, hasOutputValues := payload["output_values"].(map[string]interface{})
	if hasOutputValues || len(attachmentIDs) > 0 {
		if ticket.FormValues == nil {
			ticket.FormValues = entity.JSONMap{}
		}
		for k, v := range outputValues {
			ticket.FormValues[fmt.Sprintf("%s.%s", step.StepID, k)] = v
		}
		ticket.AttachmentIDs = append(ticket.AttachmentIDs, attachmentIDs...)
		if err := e.Tickets.Update(ctx, ticket, ticket.Version); err != nil {
			return err
		}
	}
	step.State = entity.StepCompleted
	step.AttachmentIDs = append(step.AttachmentIDs, attachmentIDs...)
	if notes != "" {
		if step.Data == nil {
			step.Data = entity.JSONMap{}
		}
		step.Data["execution_notes"] = notes
	}
	if err := e.Steps.Update(ctx, step, step.Version); err != nil {
		return err
	}
	e.audit(ctx, ticket.TicketID, rc, "TASK_COMPLETED", map[string]interface{}{"step_id": step.StepID})
	return nil
}

func (e *Engine) handleRespondInfo(ctx context.Context, step *entity.TicketStep, payload map[string]interface{}, rc RequestContext) error {
	open, err := e.InfoRequests.GetOpenByStep(ctx, step.TicketStepID)
	if err != nil {
		return err
	}
	if open == nil {
		return appErrors.NewInvalidStateError("no open info request on this step")
	}
	responseText, _ := payload["response_text"].(string)
	attachmentIDs := extractAttachmentIDs(payload)
	open.ResponseText = responseText
	open.Status = entity.InfoRequestResponded
	now := e.Clock.Now()
	open.RespondedAt = &now
	if err := e.InfoRequests.Update(ctx, open, open.Version); err != nil {
		return err
	}
	step.State = open.PriorStepState
	step.AttachmentIDs = append(step.AttachmentIDs, attachmentIDs...)
	if err := e.Steps.Update(ctx, step, step.Version); err != nil {
		return err
	}
	e.audit(ctx, step.TicketID, rc, "INFO_RESPONDED", map[string]interface{}{"step_id": step.StepID})
	return nil
}

func (e *Engine) audit(ctx context.Context, ticketID string, rc RequestContext, eventType string, details map[string]interface{}) {
	ev := &entity.AuditEvent{
		AuditEventID:  e.IDs.New(),
		TicketID:      ticketID,
		Timestamp:     e.Clock.Now(),
		Actor:         entity.JSONSnapshot{UserSnapshot: rc.Actor.Snapshot()},
		EventType:     eventType,
		Details:       entity.JSONMap(details),
		CorrelationID: rc.CorrelationID,
	}
	if err := e.Audit.Append(ctx, ev); err != nil {
		log.Printf("[WARN] engine: failed to append audit event for ticket %s: %v", ticketID, err)
	}
}

// attachmentIDsKey is the opaque attachment-reference parameter carried by
// submit_form, complete_task and respond_info (spec §6.1). Attachment blob
// storage is out of scope; this engine only threads the reference list
// onto the ticket and step it was submitted against.
const attachmentIDsKey = "attachment_ids"

// extractAttachmentIDs pops attachmentIDsKey out of payload so it's never
// mistaken for a form field, returning the referenced IDs it carried (nil
// if absent or of an unexpected shape).
func extractAttachmentIDs(payload map[string]interface{}) []string {
	raw, ok := payload[attachmentIDsKey]
	if !ok {
		return nil
	}
	delete(payload, attachmentIDsKey)
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids
	default:
		return nil
	}
}

// evalCondition is a thin wrapper so engine.go's callers don't import the
// condition package directly for the one-line check.
func evalCondition(group *entity.ConditionGroup, values map[string]interface{}) bool {
	ok, err := condition.Eval(group, values)
	if err != nil {
		log.Printf("[WARN] engine: condition eval error: %v", err)
		return false
	}
	return ok
}
