package ticketservice

import (
	"context"

	"github.com/alpinesboltltd/ticketflow/internal/engine"
	"github.com/alpinesboltltd/ticketflow/internal/engine/validator"
	"github.com/alpinesboltltd/ticketflow/internal/entity"
	appErrors "github.com/alpinesboltltd/ticketflow/internal/errors"
)

// SaveDraftResult is workflow.save_draft's return shape (spec §6.1):
// `{workflow, validation}`.
type SaveDraftResult struct {
	Workflow   *entity.WorkflowTemplate
	Validation validator.Result
}

// WorkflowAdmin covers the workflow-authoring operations of spec §6.1:
// these mutate WorkflowTemplate/WorkflowVersion records directly, the way
// TicketService mutates Ticket/TicketStep records directly, since neither
// has an entity.EventType to route through.
type WorkflowAdmin interface {
	SaveDraft(ctx context.Context, workflowID, name, description, category string, tags []string, definition entity.WorkflowDefinition, actor entity.Actor) (*SaveDraftResult, error)
	Publish(ctx context.Context, workflowID string, actor entity.Actor) (*entity.WorkflowVersion, error)
}

type workflowAdmin struct {
	Workflows engine.WorkflowStore
	IDs       engine.IDGenerator
	Clock     engine.Clock
}

func NewWorkflowAdmin(workflows engine.WorkflowStore, ids engine.IDGenerator, clock engine.Clock) WorkflowAdmin {
	return &workflowAdmin{Workflows: workflows, IDs: ids, Clock: clock}
}

// SaveDraft implements spec §6.1's workflow.save_draft: auto-close any
// branch-to-join edge rule 6 requires, validate the definition, and persist
// it regardless of validity so authors can save partial work and see the
// error list; only Publish enforces is_valid. The definition may be
// replaced whether the template is DRAFT or PUBLISHED (spec §3's lifecycle
// note) — only Publish cuts an immutable version and moves the status.
func (w *workflowAdmin) SaveDraft(ctx context.Context, workflowID, name, description, category string, tags []string, definition entity.WorkflowDefinition, actor entity.Actor) (*SaveDraftResult, error) {
	autoInsertBranchJoinEdges(&definition, w.IDs)
	result := w.validate(ctx, &definition)

	tmpl, err := w.Workflows.GetTemplate(ctx, workflowID)
	if err != nil {
		if appErr, ok := err.(*appErrors.AppError); ok && appErr.Type == appErrors.NotFoundErr {
			tmpl = &entity.WorkflowTemplate{
				WorkflowID: workflowID,
				Name:       name,
				CreatedBy:  entity.JSONSnapshot{UserSnapshot: actor.Snapshot()},
			}
			tmpl.Description = description
			tmpl.Category = category
			tmpl.Tags = entity.StringSlice(tags)
			tmpl.Status = entity.WorkflowDraft
			tmpl.Definition = entity.JSONDefinition{WorkflowDefinition: definition}
			if err := w.Workflows.InsertTemplate(ctx, tmpl); err != nil {
				return nil, err
			}
			return &SaveDraftResult{Workflow: tmpl, Validation: result}, nil
		}
		return nil, err
	}

	tmpl.Name = name
	tmpl.Description = description
	tmpl.Category = category
	tmpl.Tags = entity.StringSlice(tags)
	tmpl.Definition = entity.JSONDefinition{WorkflowDefinition: definition}
	if err := w.Workflows.UpdateTemplate(ctx, tmpl, tmpl.Version); err != nil {
		return nil, err
	}
	return &SaveDraftResult{Workflow: tmpl, Validation: result}, nil
}

// Publish implements spec §6.1's workflow.publish: require
// validate(definition).is_valid, then cut an immutable WorkflowVersion and
// flip the template to PUBLISHED.
func (w *workflowAdmin) Publish(ctx context.Context, workflowID string, actor entity.Actor) (*entity.WorkflowVersion, error) {
	tmpl, err := w.Workflows.GetTemplate(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	def := tmpl.Definition.WorkflowDefinition
	result := w.validate(ctx, &def)
	if !result.IsValid {
		ve := &appErrors.ValidationError{}
		for _, e := range result.Errors {
			ve.Errors = append(ve.Errors, appErrors.FieldError{Type: e.Type, Message: e.Message, Path: e.Path})
		}
		return nil, ve.AppError()
	}

	versionNumber, err := w.Workflows.NextVersionNumber(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	v := &entity.WorkflowVersion{
		WorkflowVersionID: w.IDs.New(),
		WorkflowID:        workflowID,
		VersionNumber:     versionNumber,
		Definition:        tmpl.Definition,
		PublishedBy:       entity.JSONSnapshot{UserSnapshot: actor.Snapshot()},
		PublishedAt:       w.Clock.Now(),
	}
	if err := w.Workflows.InsertVersion(ctx, v); err != nil {
		return nil, err
	}

	tmpl.Status = entity.WorkflowPublished
	tmpl.CurrentVersion = versionNumber
	if err := w.Workflows.UpdateTemplate(ctx, tmpl, tmpl.Version); err != nil {
		return nil, err
	}
	return v, nil
}

// autoInsertBranchJoinEdges implements spec §4.1 rule 6: the validator only
// warns about a branch whose terminal interior step never transitions into
// its join (MISSING_BRANCH_JOIN_EDGE); this, the save path, is where the
// edge actually gets closed, on the event implied by the terminal step's
// own type, before the definition is validated or persisted.
func autoInsertBranchJoinEdges(def *entity.WorkflowDefinition, ids engine.IDGenerator) {
	stepsByID := make(map[string]*entity.StepDef, len(def.Steps))
	for i := range def.Steps {
		stepsByID[def.Steps[i].StepID] = &def.Steps[i]
	}
	for _, m := range validator.MissingBranchJoinEdges(def) {
		termDef, ok := stepsByID[m.FromStepID]
		if !ok {
			continue
		}
		ev, ok := implicitCloseEvent(termDef.StepType)
		if !ok {
			continue
		}
		def.Transitions = append(def.Transitions, entity.TransitionDef{
			TransitionID: ids.New(),
			FromStepID:   m.FromStepID,
			ToStepID:     m.ToStepID,
			OnEvent:      ev,
		})
	}
}

// implicitCloseEvent names the event a branch's terminal step type closes
// on (spec §4.1 rule 6: "the event implied by the source step type"). Step
// types with no single closing event (FORK_STEP, JOIN_STEP,
// SUB_WORKFLOW_STEP) are left for the author to wire explicitly.
func implicitCloseEvent(stepType entity.StepType) (entity.EventType, bool) {
	switch stepType {
	case entity.FormStep:
		return entity.EventSubmitForm, true
	case entity.ApprovalStep:
		return entity.EventApprove, true
	case entity.TaskStep:
		return entity.EventCompleteTask, true
	default:
		return "", false
	}
}

// validate runs the pure definition validator, resolving nested
// SUB_WORKFLOW_STEP references through the same WorkflowStore a published
// sub-workflow version would be looked up from at runtime.
func (w *workflowAdmin) validate(ctx context.Context, def *entity.WorkflowDefinition) validator.Result {
	lookup := func(subWorkflowID string, versionNumber int) (*entity.WorkflowDefinition, bool) {
		v, err := w.Workflows.GetVersion(ctx, subWorkflowID, versionNumber)
		if err != nil {
			return nil, false
		}
		return &v.Definition.WorkflowDefinition, true
	}
	return validator.Validate(def, lookup)
}
