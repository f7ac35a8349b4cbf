package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/alpinesboltltd/ticketflow/internal/engine/subworkflow"
	"github.com/alpinesboltltd/ticketflow/internal/entity"
	appErrors "github.com/alpinesboltltd/ticketflow/internal/errors"
)

// handleApprovalVote implements the APPROVAL_STEP event handling of spec
// §4.2: parallel-vote bookkeeping, branch-aware rejection propagation,
// then either re-enters WAITING_FOR_APPROVAL (more votes needed) or
// advances past the step.
func (e *Engine) handleApprovalVote(ctx context.Context, ticket *entity.Ticket, step *entity.TicketStep, def *entity.WorkflowDefinition, ev entity.EventType, payload map[string]interface{}, rc RequestContext) error {
	comment, _ := payload["comment"].(string)

	if stepDef, ok := def.StepByID(step.StepID); ok && stepDef.ParallelApproval != entity.ParallelApprovalNone {
		tasks, err := e.Approvals.ListByStep(ctx, step.TicketStepID)
		if err != nil {
			return err
		}
		var mine *entity.ApprovalTask
		for i := range tasks {
			if tasks[i].Approver.ID == rc.Actor.UserID && tasks[i].Status == entity.ApprovalTaskPending {
				mine = &tasks[i]
				break
			}
		}
		if mine == nil {
			e.audit(ctx, ticket.TicketID, rc, "APPROVAL_VOTE_IGNORED", map[string]interface{}{"step_id": step.StepID, "reason": "no pending vote slot"})
			return nil
		}
		now := e.Clock.Now()
		mine.DecidedAt = &now
		mine.Comment = comment
		if ev == entity.EventApprove {
			mine.Status = entity.ApprovalTaskApproved
		} else {
			mine.Status = entity.ApprovalTaskRejected
		}
		if err := e.Approvals.Update(ctx, mine, mine.Version); err != nil {
			return err
		}
		e.audit(ctx, ticket.TicketID, rc, "APPROVAL_VOTE_RECORDED", map[string]interface{}{"step_id": step.StepID, "status": string(mine.Status)})

		tasks, err = e.Approvals.ListByStep(ctx, step.TicketStepID)
		if err != nil {
			return err
		}
		switch stepDef.ParallelApproval {
		case entity.ParallelApprovalAny:
			if ev == entity.EventApprove {
				return e.completeApprovalStep(ctx, ticket, step, def, tasks, rc)
			}
			allVoted := true
			for _, t := range tasks {
				if t.Status == entity.ApprovalTaskPending {
					allVoted = false
					break
				}
			}
			if allVoted {
				return e.rejectApprovalStep(ctx, ticket, step, def, rc)
			}
			return nil
		case entity.ParallelApprovalAll:
			anyRejected := false
			allDecided := true
			for _, t := range tasks {
				if t.Status == entity.ApprovalTaskPending {
					allDecided = false
				}
				if t.Status == entity.ApprovalTaskRejected {
					anyRejected = true
				}
			}
			if anyRejected {
				return e.rejectApprovalStep(ctx, ticket, step, def, rc)
			}
			if !allDecided {
				return nil
			}
			return e.completeApprovalStep(ctx, ticket, step, def, tasks, rc)
		}
	}

	if ev == entity.EventApprove {
		return e.completeApprovalStep(ctx, ticket, step, def, nil, rc)
	}
	return e.rejectApprovalStep(ctx, ticket, step, def, rc)
}

func (e *Engine) completeApprovalStep(ctx context.Context, ticket *entity.Ticket, step *entity.TicketStep, def *entity.WorkflowDefinition, tasks []entity.ApprovalTask, rc RequestContext) error {
	step.State = entity.StepCompleted
	if err := e.Steps.Update(ctx, step, step.Version); err != nil {
		return err
	}
	for i := range tasks {
		if tasks[i].Status == entity.ApprovalTaskPending {
			tasks[i].Status = entity.ApprovalTaskCancelled
			_ = e.Approvals.Update(ctx, &tasks[i], tasks[i].Version)
		}
	}
	e.audit(ctx, ticket.TicketID, rc, "APPROVAL_STEP_COMPLETED", map[string]interface{}{"step_id": step.StepID})
	return e.advance(ctx, ticket, step, def, entity.EventApprove, rc)
}

// rejectApprovalStep implements spec §4.2's branch-aware rejection
// propagation rule.
func (e *Engine) rejectApprovalStep(ctx context.Context, ticket *entity.Ticket, step *entity.TicketStep, def *entity.WorkflowDefinition, rc RequestContext) error {
	step.State = entity.StepRejected
	if err := e.Steps.Update(ctx, step, step.Version); err != nil {
		return err
	}
	e.audit(ctx, ticket.TicketID, rc, "APPROVAL_STEP_REJECTED", map[string]interface{}{"step_id": step.StepID})

	if step.BranchID == "" {
		if step.ParentSubWorkflowStepID != "" {
			parentDef, err := e.definitionFor(ctx, ticket)
			if err != nil {
				return err
			}
			return e.checkSubWorkflowCompletion(ctx, ticket, step.ParentSubWorkflowStepID, parentDef, rc)
		}
		return e.terminateTicket(ctx, ticket, entity.TicketRejected, rc)
	}

	fork, err := e.forkDefForBranchStep(ctx, step, def)
	if err != nil {
		return err
	}
	if fork == nil {
		return e.terminateTicket(ctx, ticket, entity.TicketRejected, rc)
	}
	switch fork.FailurePolicy {
	case entity.ContinueOthers:
		return e.propagateBranchCompleted(ctx, ticket, fork, def, rc)
	case entity.FailAll:
		if err := e.cancelOtherActiveSteps(ctx, ticket, step.TicketStepID, entity.StepRejected, rc); err != nil {
			return err
		}
		return e.terminateTicket(ctx, ticket, entity.TicketRejected, rc)
	case entity.CancelOthers:
		if err := e.cancelOtherActiveSteps(ctx, ticket, step.TicketStepID, entity.StepCancelled, rc); err != nil {
			return err
		}
		return e.terminateTicket(ctx, ticket, entity.TicketRejected, rc)
	default:
		return e.terminateTicket(ctx, ticket, entity.TicketRejected, rc)
	}
}

func findForkForBranch(def *entity.WorkflowDefinition, forkStepID string) *entity.StepDef {
	if forkStepID == "" {
		return nil
	}
	s, ok := def.StepByID(forkStepID)
	if !ok {
		return nil
	}
	return s
}

// forkDefForBranchStep resolves a branch TicketStep's fork StepDef.
// step.ParentForkStepID holds the fork's ticket_step_id (per the
// ParentSubWorkflowStepID convention), not its definition step_id, so it
// must be resolved through the ticket step it names before it can be
// looked up in def.
func (e *Engine) forkDefForBranchStep(ctx context.Context, step *entity.TicketStep, def *entity.WorkflowDefinition) (*entity.StepDef, error) {
	if step.ParentForkStepID == "" {
		return nil, nil
	}
	forkStep, err := e.Steps.Get(ctx, step.ParentForkStepID)
	if err != nil {
		return nil, err
	}
	return findForkForBranch(def, forkStep.StepID), nil
}

func (e *Engine) cancelOtherActiveSteps(ctx context.Context, ticket *entity.Ticket, exceptTicketStepID string, cancelState entity.StepState, rc RequestContext) error {
	steps, err := e.Steps.ListByTicket(ctx, ticket.TicketID)
	if err != nil {
		return err
	}
	for i := range steps {
		s := &steps[i]
		if s.TicketStepID == exceptTicketStepID || s.State.IsTerminal() {
			continue
		}
		s.State = cancelState
		if err := e.Steps.Update(ctx, s, s.Version); err != nil {
			return err
		}
	}
	return nil
}

// propagateBranchCompleted marks only the rejected step REJECTED (already
// done by the caller) and propagates BRANCH_COMPLETED so the join (if any)
// observes one more done branch, without touching sibling branches.
func (e *Engine) propagateBranchCompleted(ctx context.Context, ticket *entity.Ticket, fork *entity.StepDef, def *entity.WorkflowDefinition, rc RequestContext) error {
	join := findJoinForFork(def, fork.StepID)
	if join == nil {
		return nil
	}
	return e.evaluateJoin(ctx, ticket, join, fork, def, rc)
}

func findJoinForFork(def *entity.WorkflowDefinition, forkStepID string) *entity.StepDef {
	for i := range def.Steps {
		if def.Steps[i].StepType == entity.JoinStep && def.Steps[i].SourceForkStepID == forkStepID {
			return &def.Steps[i]
		}
	}
	return nil
}

// advance implements spec §4.2's successor selection and the activation
// of whichever step it resolves to.
func (e *Engine) advance(ctx context.Context, ticket *entity.Ticket, completedStep *entity.TicketStep, def *entity.WorkflowDefinition, ev entity.EventType, rc RequestContext) error {
	stepDef, ok := def.StepByID(completedStep.StepID)
	if !ok {
		return appErrors.NewEngineError(fmt.Sprintf("step %q missing from workflow definition", completedStep.StepID))
	}

	if stepDef.StepType == entity.ForkStep {
		return e.activateFork(ctx, ticket, completedStep, stepDef, def, rc)
	}

	// NOTIFY_STEP completion is not triggered by a player event (spec §4.2:
	// "NOTIFY_STEP → auto"), so its outgoing transition is looked up by
	// from_step_id alone rather than matched against `ev`.
	var candidates []entity.TransitionDef
	if stepDef.StepType == entity.NotifyStep {
		for _, t := range def.Transitions {
			if t.FromStepID == completedStep.StepID {
				candidates = append(candidates, t)
			}
		}
	} else {
		candidates = def.TransitionsFrom(completedStep.StepID, ev)
	}
	var matches []entity.TransitionDef
	for _, t := range candidates {
		if evalCondition(t.Condition, ticket.FormValues) {
			matches = append(matches, t)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Priority > matches[j].Priority })

	if len(matches) == 0 {
		if stepDef.IsTerminal {
			if completedStep.ParentSubWorkflowStepID != "" {
				parentDef, err := e.definitionFor(ctx, ticket)
				if err != nil {
					return err
				}
				return e.checkSubWorkflowCompletion(ctx, ticket, completedStep.ParentSubWorkflowStepID, parentDef, rc)
			}
			return e.terminateTicket(ctx, ticket, entity.TicketCompleted, rc)
		}
		return appErrors.NewEngineError(fmt.Sprintf("no matching transition from step %q on event %s", completedStep.StepID, ev))
	}
	if len(matches) > 1 && matches[0].Priority == matches[1].Priority {
		return appErrors.NewEngineError(fmt.Sprintf("ambiguous successors from step %q on event %s", completedStep.StepID, ev))
	}

	return e.activateSuccessor(ctx, ticket, completedStep, matches[0].ToStepID, def, rc)
}

func (e *Engine) activateSuccessor(ctx context.Context, ticket *entity.Ticket, fromStep *entity.TicketStep, toStepID string, def *entity.WorkflowDefinition, rc RequestContext) error {
	stepDef, ok := def.StepByID(toStepID)
	if !ok {
		return appErrors.NewEngineError(fmt.Sprintf("transition target %q missing from definition", toStepID))
	}

	// A JOIN_STEP is the convergence point of every branch, so the first
	// branch to arrive materializes its TicketStep and every later branch
	// re-evaluates that same row instead of minting a sibling one.
	if stepDef.StepType == entity.JoinStep {
		allSteps, err := e.Steps.ListByTicket(ctx, ticket.TicketID)
		if err != nil {
			return err
		}
		if _, err := findTicketStepByStepID(allSteps, stepDef.StepID); err == nil {
			return e.evaluateJoin(ctx, ticket, stepDef, findForkForBranch(def, stepDef.SourceForkStepID), def, rc)
		}
	}

	ts := &entity.TicketStep{
		TicketStepID:     e.IDs.New(),
		TicketID:         ticket.TicketID,
		StepID:           stepDef.StepID,
		StepName:         stepDef.StepName,
		StepType:         stepDef.StepType,
		State:            entity.StepNotStarted,
		Data:             entity.JSONMap{},
		BranchID:         fromStep.BranchID,
		BranchName:       fromStep.BranchName,
		ParentForkStepID: fromStep.ParentForkStepID,
	}
	if err := e.Steps.Insert(ctx, ts); err != nil {
		return err
	}
	return e.activateStep(ctx, ticket, ts, stepDef, def, rc)
}

// activateStep implements spec §4.2's "Activation of a successor step"
// rules, dispatched by static step type.
func (e *Engine) activateStep(ctx context.Context, ticket *entity.Ticket, ts *entity.TicketStep, stepDef *entity.StepDef, def *entity.WorkflowDefinition, rc RequestContext) error {
	switch stepDef.StepType {
	case entity.FormStep:
		ts.State = entity.StepActive
		ts.AssignedTo = entity.JSONSnapshot{UserSnapshot: ticket.Requester.UserSnapshot}
		return e.Steps.Update(ctx, ts, ts.Version)

	case entity.ApprovalStep:
		return e.activateApprovalStep(ctx, ticket, ts, stepDef, rc)

	case entity.TaskStep:
		ts.State = entity.StepWaitingAssignment
		return e.Steps.Update(ctx, ts, ts.Version)

	case entity.NotifyStep:
		if err := e.enqueueNotification(ctx, ticket, ts, stepDef, rc); err != nil {
			return err
		}
		if stepDef.AutoAdvance {
			ts.State = entity.StepCompleted
			if err := e.Steps.Update(ctx, ts, ts.Version); err != nil {
				return err
			}
			return e.advance(ctx, ticket, ts, def, "", rc)
		}
		ts.State = entity.StepActive
		return e.Steps.Update(ctx, ts, ts.Version)

	case entity.ForkStep:
		ts.State = entity.StepActive
		if err := e.Steps.Update(ctx, ts, ts.Version); err != nil {
			return err
		}
		return e.activateFork(ctx, ticket, ts, stepDef, def, rc)

	case entity.JoinStep:
		ts.State = entity.StepActive
		if err := e.Steps.Update(ctx, ts, ts.Version); err != nil {
			return err
		}
		return e.evaluateJoin(ctx, ticket, stepDef, findForkForBranch(def, stepDef.SourceForkStepID), def, rc)

	case entity.SubWorkflowStep:
		ts.State = entity.StepActive
		if err := e.Steps.Update(ctx, ts, ts.Version); err != nil {
			return err
		}
		return e.activateSubWorkflow(ctx, ticket, ts, stepDef, rc)

	default:
		return appErrors.NewEngineError(fmt.Sprintf("unknown step_type %q", stepDef.StepType))
	}
}

// activateApprovalStep implements spec §4.2's APPROVAL_STEP activation:
// resolve the approver set per approver_resolution, create one
// ApprovalTask per member when parallel_approval is set, and move the
// step to WAITING_FOR_APPROVAL.
func (e *Engine) activateApprovalStep(ctx context.Context, ticket *entity.Ticket, ts *entity.TicketStep, stepDef *entity.StepDef, rc RequestContext) error {
	approvers, err := e.resolveApprovers(ctx, ticket, stepDef)
	if err != nil {
		return err
	}

	ts.State = entity.StepWaitingApproval
	if len(approvers) == 1 {
		ts.AssignedTo = entity.JSONSnapshot{UserSnapshot: approvers[0]}
	}
	if err := e.Steps.Update(ctx, ts, ts.Version); err != nil {
		return err
	}

	if stepDef.ParallelApproval != entity.ParallelApprovalNone && len(approvers) > 0 {
		tasks := make([]*entity.ApprovalTask, 0, len(approvers))
		for _, a := range approvers {
			tasks = append(tasks, &entity.ApprovalTask{
				ApprovalTaskID: e.IDs.New(),
				TicketStepID:   ts.TicketStepID,
				Approver:       entity.JSONSnapshot{UserSnapshot: a},
				Status:         entity.ApprovalTaskPending,
				CreatedAt:      e.Clock.Now(),
			})
		}
		if err := e.Approvals.InsertMany(ctx, tasks); err != nil {
			return err
		}
	}
	e.audit(ctx, ticket.TicketID, rc, "APPROVAL_PENDING", map[string]interface{}{"step_id": ts.StepID})
	return nil
}

// resolveApprovers implements the five approver_resolution variants of
// spec §4.2.
func (e *Engine) resolveApprovers(ctx context.Context, ticket *entity.Ticket, stepDef *entity.StepDef) ([]entity.UserSnapshot, error) {
	if stepDef.ParallelApproval != entity.ParallelApprovalNone && len(stepDef.ParallelApproverEmails) > 0 {
		out := make([]entity.UserSnapshot, 0, len(stepDef.ParallelApproverEmails))
		for _, email := range stepDef.ParallelApproverEmails {
			out = append(out, e.snapshotByEmail(ctx, email))
		}
		return out, nil
	}

	switch stepDef.ApproverResolution {
	case entity.ResolveRequesterManager:
		mgr := ticket.ManagerSnapshot.UserSnapshot
		if mgr.Unresolved || mgr.ID == "" {
			return nil, appErrors.NewEngineError("requester manager is unresolved, cannot activate approval step")
		}
		return []entity.UserSnapshot{mgr}, nil

	case entity.ResolveSpecificEmail, entity.ResolveSpocEmail:
		return []entity.UserSnapshot{e.snapshotByEmail(ctx, stepDef.SpecificApproverEmail)}, nil

	case entity.ResolveConditional:
		for _, rule := range stepDef.ConditionalApproverRules {
			group := rule.Condition
			if evalCondition(&group, ticket.FormValues) {
				return []entity.UserSnapshot{e.snapshotByEmail(ctx, rule.ApproverEmail)}, nil
			}
		}
		if stepDef.ConditionalFallbackApprover != "" {
			return []entity.UserSnapshot{e.snapshotByEmail(ctx, stepDef.ConditionalFallbackApprover)}, nil
		}
		return nil, appErrors.NewEngineError("no conditional approver rule matched and no fallback configured")

	case entity.ResolveStepAssignee:
		steps, err := e.Steps.ListByTicket(ctx, ticket.TicketID)
		if err != nil {
			return nil, err
		}
		for _, s := range steps {
			if s.StepID == stepDef.StepAssigneeStepID && s.State == entity.StepCompleted {
				return []entity.UserSnapshot{s.AssignedTo.UserSnapshot}, nil
			}
		}
		return nil, appErrors.NewEngineError(fmt.Sprintf("referenced step_assignee_step_id %q has not completed", stepDef.StepAssigneeStepID))

	default:
		return nil, appErrors.NewEngineError(fmt.Sprintf("unknown approver_resolution %q", stepDef.ApproverResolution))
	}
}

// snapshotByEmail resolves display-name metadata for a configured email
// through the directory adapter, falling back to the bare email when the
// directory has no record (spec §4.2: "resolve through directory adapter
// for display name").
func (e *Engine) snapshotByEmail(ctx context.Context, email string) entity.UserSnapshot {
	snap := e.Directory.Resolve(ctx, email)
	if snap.Unresolved {
		return entity.UserSnapshot{ID: email, Email: email}
	}
	snap.Email = email
	return snap
}

// ActivateTicketStart materializes and activates the first TicketStep(s)
// of a freshly inserted Ticket (spec §6.1's create_ticket). When
// startStepIDs is empty it activates the definition's single
// start_step_id; otherwise it activates each named step concurrently,
// covering create_ticket's optional initial_form_step_ids (multiple
// intake forms active at once).
func (e *Engine) ActivateTicketStart(ctx context.Context, ticket *entity.Ticket, startStepIDs []string, rc RequestContext) error {
	def, err := e.definitionFor(ctx, ticket)
	if err != nil {
		return err
	}
	ids := startStepIDs
	if len(ids) == 0 {
		ids = []string{def.StartStepID}
	}
	for _, stepID := range ids {
		stepDef, ok := def.StepByID(stepID)
		if !ok {
			return appErrors.NewEngineError(fmt.Sprintf("start step %q missing from workflow definition", stepID))
		}
		ts := &entity.TicketStep{
			TicketStepID: e.IDs.New(),
			TicketID:     ticket.TicketID,
			StepID:       stepDef.StepID,
			StepName:     stepDef.StepName,
			StepType:     stepDef.StepType,
			State:        entity.StepNotStarted,
			Data:         entity.JSONMap{},
		}
		if err := e.Steps.Insert(ctx, ts); err != nil {
			return err
		}
		if err := e.activateStep(ctx, ticket, ts, stepDef, def, rc); err != nil {
			return err
		}
	}
	return nil
}

// SkipStep implements spec §6.1's skip operation: a variant of reject that
// lands the step in SKIPPED instead of REJECTED. Per spec §9's open
// question on skip semantics, SKIPPED does not propagate fork failure
// regardless of the branch's failure_policy — a skipped branch always
// reports BRANCH_COMPLETED with a COMPLETED-like outcome to its join.
// Concurrency conflicts are retried the same way ApplyEvent retries them.
func (e *Engine) SkipStep(ctx context.Context, ticketID, ticketStepID, comment string, rc RequestContext) (*EngineResult, error) {
	var lastErr error
	for attempt := 0; attempt < maxConcurrencyRetries; attempt++ {
		res, err := e.skipStepOnce(ctx, ticketID, ticketStepID, comment, rc)
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

func (e *Engine) skipStepOnce(ctx context.Context, ticketID, ticketStepID, comment string, rc RequestContext) (*EngineResult, error) {
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
	if step.State.IsTerminal() {
		return nil, appErrors.NewInvalidStateError(fmt.Sprintf("step state %s does not admit skip", step.State))
	}

	step.State = entity.StepSkipped
	if step.Data == nil {
		step.Data = entity.JSONMap{}
	}
	if comment != "" {
		step.Data["skip_comment"] = comment
	}
	if err := e.Steps.Update(ctx, step, step.Version); err != nil {
		return nil, err
	}
	e.audit(ctx, ticket.TicketID, rc, "STEP_SKIPPED", map[string]interface{}{"step_id": step.StepID})

	def, err := e.definitionForStep(ctx, ticket, step)
	if err != nil {
		return nil, err
	}

	if step.ParentSubWorkflowStepID != "" {
		parentDef, err := e.definitionFor(ctx, ticket)
		if err != nil {
			return nil, err
		}
		if err := e.checkSubWorkflowCompletion(ctx, ticket, step.ParentSubWorkflowStepID, parentDef, rc); err != nil {
			return nil, err
		}
		return &EngineResult{Ticket: ticket, Step: step}, nil
	}
	if step.BranchID != "" {
		fork, err := e.forkDefForBranchStep(ctx, step, def)
		if err != nil {
			return nil, err
		}
		if fork != nil {
			if err := e.propagateBranchCompleted(ctx, ticket, fork, def, rc); err != nil {
				return nil, err
			}
		}
	}
	return &EngineResult{Ticket: ticket, Step: step}, nil
}

func (e *Engine) activateFork(ctx context.Context, ticket *entity.Ticket, forkStep *entity.TicketStep, forkDef *entity.StepDef, def *entity.WorkflowDefinition, rc RequestContext) error {
	for _, b := range forkDef.Branches {
		branchStartDef, ok := def.StepByID(b.StartStepID)
		if !ok {
			return appErrors.NewEngineError(fmt.Sprintf("branch %q start_step_id %q missing from definition", b.BranchID, b.StartStepID))
		}
		ts := &entity.TicketStep{
			TicketStepID:     e.IDs.New(),
			TicketID:         ticket.TicketID,
			StepID:           branchStartDef.StepID,
			StepName:         branchStartDef.StepName,
			StepType:         branchStartDef.StepType,
			State:            entity.StepNotStarted,
			Data:             entity.JSONMap{},
			BranchID:         b.BranchID,
			BranchName:       b.BranchName,
			ParentForkStepID: forkStep.TicketStepID,
		}
		if err := e.Steps.Insert(ctx, ts); err != nil {
			return err
		}
		if err := e.activateStep(ctx, ticket, ts, branchStartDef, def, rc); err != nil {
			return err
		}
	}
	forkStep.State = entity.StepCompleted
	return e.Steps.Update(ctx, forkStep, forkStep.Version)
}

// evaluateJoin implements spec §4.2's join-mode semantics. It is
// re-evaluated every time a branch step reaches a terminal state.
func (e *Engine) evaluateJoin(ctx context.Context, ticket *entity.Ticket, joinDef *entity.StepDef, forkDef *entity.StepDef, def *entity.WorkflowDefinition, rc RequestContext) error {
	if forkDef == nil {
		return nil
	}
	allSteps, err := e.Steps.ListByTicket(ctx, ticket.TicketID)
	if err != nil {
		return err
	}
	branchDone := make(map[string]entity.StepState)
	for _, b := range forkDef.Branches {
		for _, s := range allSteps {
			if s.BranchID == b.BranchID && s.State.IsTerminal() && isBranchLeaf(def, s.StepID, joinDef.StepID) {
				branchDone[b.BranchID] = s.State
			}
		}
	}

	doneCount := len(branchDone)
	completedCount := 0
	for _, st := range branchDone {
		if st == entity.StepCompleted {
			completedCount++
		}
	}
	total := len(forkDef.Branches)

	satisfied := false
	switch joinDef.JoinMode {
	case entity.JoinAll:
		satisfied = doneCount == total
	case entity.JoinAny:
		satisfied = doneCount >= 1
	case entity.JoinMajority:
		satisfied = doneCount*2 > total && completedCount >= 1
	}
	if !satisfied {
		return nil
	}

	if joinDef.JoinMode == entity.JoinAny {
		if err := e.cancelOtherActiveSteps(ctx, ticket, "", entity.StepCancelled, rc); err != nil {
			return err
		}
	}

	joinStep, err := findTicketStepByStepID(allSteps, joinDef.StepID)
	if err != nil {
		return nil
	}
	joinStep.State = entity.StepCompleted
	if err := e.Steps.Update(ctx, joinStep, joinStep.Version); err != nil {
		return err
	}
	e.audit(ctx, ticket.TicketID, rc, "JOIN_COMPLETED", map[string]interface{}{"step_id": joinDef.StepID})
	return e.advance(ctx, ticket, joinStep, def, entity.EventJoinComplete, rc)
}

// isBranchLeaf reports whether stepID is the last step of its branch: one
// whose only outgoing transitions (if any) lead into the join itself. A
// transition into the join is how a branch converges, not a continuation
// of it, so it doesn't disqualify a step from being the leaf.
func isBranchLeaf(def *entity.WorkflowDefinition, stepID, joinStepID string) bool {
	for _, t := range def.Transitions {
		if t.FromStepID == stepID && t.ToStepID != joinStepID {
			return false
		}
	}
	return true
}

func findTicketStepByStepID(steps []entity.TicketStep, stepID string) (*entity.TicketStep, error) {
	for i := range steps {
		if steps[i].StepID == stepID && !steps[i].State.IsTerminal() {
			return &steps[i], nil
		}
	}
	return nil, fmt.Errorf("engine: no live ticket step for step_id %q", stepID)
}

// activateSubWorkflow implements the sub-workflow handler of spec §4.3.
func (e *Engine) activateSubWorkflow(ctx context.Context, ticket *entity.Ticket, parentStep *entity.TicketStep, stepDef *entity.StepDef, rc RequestContext) error {
	version, err := e.Workflows.GetVersion(ctx, stepDef.SubWorkflowID, stepDef.SubWorkflowVersion)
	if err != nil {
		return err
	}
	parentStep.FromSubWorkflowID = stepDef.SubWorkflowID
	parentStep.FromSubWorkflowVersion = stepDef.SubWorkflowVersion
	parentStep.FromSubWorkflowName = stepDef.SubWorkflowName

	subDef := &version.Definition.WorkflowDefinition
	children, stepIDMap, err := subworkflow.Materialize(parentStep, subDef, e.IDs)
	if err != nil {
		return appErrors.NewEngineError(err.Error())
	}
	if err := e.Steps.InsertMany(ctx, children); err != nil {
		return err
	}

	startTicketStepID, ok := stepIDMap[subDef.StartStepID]
	if !ok {
		return appErrors.NewEngineError("sub-workflow start step missing from materialized children")
	}
	var startStep *entity.TicketStep
	for _, c := range children {
		if c.TicketStepID == startTicketStepID {
			startStep = c
			break
		}
	}
	startDef, ok := subDef.StepByID(subDef.StartStepID)
	if !ok {
		return appErrors.NewEngineError("sub-workflow start step missing from its own definition")
	}
	return e.activateStep(ctx, ticket, startStep, startDef, subDef, rc)
}

// checkSubWorkflowCompletion is invoked after any event lands on a step
// whose ParentSubWorkflowStepID is set, to see if the parent
// SUB_WORKFLOW_STEP can now complete (spec §4.3).
func (e *Engine) checkSubWorkflowCompletion(ctx context.Context, ticket *entity.Ticket, parentTicketStepID string, parentDef *entity.WorkflowDefinition, rc RequestContext) error {
	parentStep, err := e.Steps.Get(ctx, parentTicketStepID)
	if err != nil {
		return err
	}
	if parentStep.State.IsTerminal() {
		return nil
	}
	children, err := e.Steps.ListByParentSubWorkflowStep(ctx, parentTicketStepID)
	if err != nil {
		return err
	}
	version, err := e.Workflows.GetVersion(ctx, parentStep.FromSubWorkflowID, parentStep.FromSubWorkflowVersion)
	if err != nil {
		return err
	}
	subDef := &version.Definition.WorkflowDefinition

	outcome := subworkflow.CheckCompletion(children, subDef)
	if outcome == subworkflow.NotDone {
		return nil
	}
	switch outcome {
	case subworkflow.Completed:
		parentStep.State = entity.StepCompleted
		if err := e.Steps.Update(ctx, parentStep, parentStep.Version); err != nil {
			return err
		}
		return e.advance(ctx, ticket, parentStep, parentDef, entity.EventCompleteTask, rc)
	case subworkflow.Rejected:
		parentStep.State = entity.StepRejected
		if err := e.Steps.Update(ctx, parentStep, parentStep.Version); err != nil {
			return err
		}
		return e.rejectApprovalStep(ctx, ticket, parentStep, parentDef, rc)
	default:
		parentStep.State = entity.StepCancelled
		return e.Steps.Update(ctx, parentStep, parentStep.Version)
	}
}

// terminateTicket implements spec §4.2's ticket termination rule.
func (e *Engine) terminateTicket(ctx context.Context, ticket *entity.Ticket, status entity.TicketStatus, rc RequestContext) error {
	ticket.Status = status
	if err := e.Tickets.Update(ctx, ticket, ticket.Version); err != nil {
		return err
	}
	e.audit(ctx, ticket.TicketID, rc, "TICKET_"+string(status), nil)
	return nil
}

// enqueueNotification builds a NotificationOutbox entry for a NOTIFY_STEP
// activation (spec §4.2).
func (e *Engine) enqueueNotification(ctx context.Context, ticket *entity.Ticket, ts *entity.TicketStep, stepDef *entity.StepDef, rc RequestContext) error {
	recipients := e.resolveRecipients(ctx, ticket, ts, stepDef)
	entry := &entity.NotificationOutbox{
		NotificationID: e.IDs.New(),
		TemplateKey:    stepDef.TemplateKey,
		Recipients:     entity.StringSlice(recipients),
		Payload:        entity.JSONMap{"ticket_id": ticket.TicketID, "step_name": ts.StepName, "step_id": ts.StepID},
		TicketID:       ticket.TicketID,
		Status:         entity.OutboxPending,
		CreatedAt:      e.Clock.Now(),
	}
	return e.Outbox.CreateMany(ctx, []*entity.NotificationOutbox{entry})
}

func (e *Engine) resolveRecipients(ctx context.Context, ticket *entity.Ticket, ts *entity.TicketStep, stepDef *entity.StepDef) []string {
	var out []string
	for _, r := range stepDef.Recipients {
		switch r {
		case "requester":
			if ticket.Requester.Email != "" {
				out = append(out, ticket.Requester.Email)
			}
		case "manager":
			if ticket.ManagerSnapshot.Email != "" {
				out = append(out, ticket.ManagerSnapshot.Email)
			}
		case "assigned_agent":
			if ts.AssignedTo.Email != "" {
				out = append(out, ts.AssignedTo.Email)
			}
		case "approvers":
			tasks, _ := e.Approvals.ListByStep(ctx, ts.TicketStepID)
			for _, t := range tasks {
				if t.Approver.Email != "" {
					out = append(out, t.Approver.Email)
				}
			}
		default:
			out = append(out, r) // literal email
		}
	}
	return out
}
