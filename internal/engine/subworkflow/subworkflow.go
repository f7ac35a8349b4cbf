// Package subworkflow implements the materialization and completion
// logic of the sub-workflow handler (spec §4.3). It is deliberately pure
// and store-free: package engine owns persistence and activation, this
// package only computes what to persist and whether a parent has
// completed.
package subworkflow

import (
	"fmt"

	"github.com/alpinesboltltd/ticketflow/internal/entity"
)

// IDGenerator mirrors engine.IDGenerator to avoid importing package engine
// (it imports this package, not the reverse).
type IDGenerator interface {
	New() string
}

// Materialize builds one TicketStep per step in the sub-definition,
// linked back to parent (spec §4.3 step 3). It does not activate or
// persist anything; the caller does both.
func Materialize(parent *entity.TicketStep, subDef *entity.WorkflowDefinition, ids IDGenerator) ([]*entity.TicketStep, map[string]string, error) {
	for _, s := range subDef.Steps {
		if s.StepType == entity.SubWorkflowStep {
			return nil, nil, fmt.Errorf("subworkflow: nested SUB_WORKFLOW_STEP in %q (validator should have rejected this at publish)", parent.FromSubWorkflowID)
		}
	}

	// innerBranch maps a sub-definition step_id to the inner branch it
	// belongs to, computed from the sub-definition's own fork/join if any.
	innerBranch := computeInnerBranches(subDef)

	stepIDToTicketStepID := make(map[string]string, len(subDef.Steps))
	out := make([]*entity.TicketStep, 0, len(subDef.Steps))
	for _, s := range subDef.Steps {
		ticketStepID := ids.New()
		stepIDToTicketStepID[s.StepID] = ticketStepID

		ts := &entity.TicketStep{
			TicketStepID:            ticketStepID,
			TicketID:                parent.TicketID,
			StepID:                  s.StepID,
			StepName:                s.StepName,
			StepType:                s.StepType,
			State:                   entity.StepNotStarted,
			Data:                    entity.JSONMap{},
			ParentSubWorkflowStepID: parent.TicketStepID,
			FromSubWorkflowID:       parent.FromSubWorkflowID,
			FromSubWorkflowVersion:  parent.FromSubWorkflowVersion,
			FromSubWorkflowName:     parent.FromSubWorkflowName,
			SubWorkflowStepOrder:    s.Order,
		}
		// If the parent SUB_WORKFLOW_STEP itself sits in a branch, inherit it.
		if parent.BranchID != "" {
			ts.BranchID = parent.BranchID
			ts.BranchName = parent.BranchName
			ts.ParentForkStepID = parent.ParentForkStepID
		}
		// Inner fork/join branch (within the sub-definition) takes priority
		// as the more specific branch tag when present.
		if b, ok := innerBranch[s.StepID]; ok {
			ts.BranchID = b
		}
		out = append(out, ts)
	}
	return out, stepIDToTicketStepID, nil
}

func computeInnerBranches(def *entity.WorkflowDefinition) map[string]string {
	branchOf := make(map[string]string)
	for _, s := range def.Steps {
		if s.StepType != entity.ForkStep {
			continue
		}
		for _, b := range s.Branches {
			markBranch(def, b.StartStepID, b.BranchID, branchOf)
		}
	}
	return branchOf
}

func markBranch(def *entity.WorkflowDefinition, stepID, branchID string, seen map[string]string) {
	if _, ok := seen[stepID]; ok {
		return
	}
	if s, ok := def.StepByID(stepID); ok && s.StepType == entity.JoinStep {
		return
	}
	seen[stepID] = branchID
	for _, t := range def.Transitions {
		if t.FromStepID == stepID {
			markBranch(def, t.ToStepID, branchID, seen)
		}
	}
}

// Outcome is the result of checking a sub-workflow instance's completion.
type Outcome int

const (
	NotDone Outcome = iota
	Completed
	Rejected
	Cancelled
)

// CheckCompletion implements spec §4.3's completion rule: collect all
// children, decide whether the parent SUB_WORKFLOW_STEP should complete
// and with which outcome.
func CheckCompletion(children []entity.TicketStep, subDef *entity.WorkflowDefinition) Outcome {
	if len(children) == 0 {
		return NotDone
	}

	forkFailurePolicy := make(map[string]entity.ForkFailurePolicy)
	for _, s := range subDef.Steps {
		if s.StepType == entity.ForkStep {
			for _, b := range s.Branches {
				forkFailurePolicy[b.BranchID] = s.FailurePolicy
			}
		}
	}

	allTerminal := true
	anyCompleted := false
	for _, c := range children {
		if !c.State.IsTerminal() {
			allTerminal = false
			continue
		}
		if c.State == entity.StepCompleted {
			anyCompleted = true
		}
		if c.State == entity.StepRejected {
			policy, hasBranch := forkFailurePolicy[c.BranchID]
			if !hasBranch || policy == entity.FailAll || policy == entity.CancelOthers {
				return Rejected
			}
		}
	}
	if !allTerminal {
		return NotDone
	}
	if anyCompleted {
		return Completed
	}
	return Cancelled
}
