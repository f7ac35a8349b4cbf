package subworkflow

import (
	"testing"

	"github.com/alpinesboltltd/ticketflow/internal/entity"
)

type sequenceIDs struct {
	prefix string
	n      int
}

func (s *sequenceIDs) New() string {
	s.n++
	return s.prefix + string(rune('0'+s.n))
}

func flatSubDefinition() *entity.WorkflowDefinition {
	return &entity.WorkflowDefinition{
		StartStepID: "a",
		Steps: []entity.StepDef{
			{StepID: "a", StepName: "Step A", StepType: entity.TaskStep, IsStart: true, Order: 1},
			{StepID: "b", StepName: "Step B", StepType: entity.TaskStep, IsTerminal: true, Order: 2},
		},
		Transitions: []entity.TransitionDef{
			{TransitionID: "t1", FromStepID: "a", ToStepID: "b", OnEvent: entity.EventCompleteTask},
		},
	}
}

func forkingSubDefinition(policy entity.ForkFailurePolicy) *entity.WorkflowDefinition {
	return &entity.WorkflowDefinition{
		StartStepID: "fork",
		Steps: []entity.StepDef{
			{StepID: "fork", StepType: entity.ForkStep, IsStart: true, FailurePolicy: policy, Branches: []entity.BranchDef{
				{BranchID: "br1", StartStepID: "x"},
				{BranchID: "br2", StartStepID: "y"},
			}},
			{StepID: "x", StepType: entity.TaskStep},
			{StepID: "y", StepType: entity.TaskStep},
			{StepID: "join", StepType: entity.JoinStep, IsTerminal: true},
		},
		Transitions: []entity.TransitionDef{
			{TransitionID: "t1", FromStepID: "x", ToStepID: "join", OnEvent: entity.EventCompleteTask},
			{TransitionID: "t2", FromStepID: "y", ToStepID: "join", OnEvent: entity.EventCompleteTask},
		},
	}
}

func parentStep() *entity.TicketStep {
	return &entity.TicketStep{
		TicketStepID:           "parent-1",
		TicketID:               "ticket-1",
		StepID:                 "embed",
		StepType:               entity.SubWorkflowStep,
		FromSubWorkflowID:      "wf-child",
		FromSubWorkflowVersion: 1,
		FromSubWorkflowName:    "Child workflow",
	}
}

func TestMaterializeLinksChildrenToParentAndPreservesOrder(t *testing.T) {
	parent := parentStep()
	children, idByStepID, err := Materialize(parent, flatSubDefinition(), &sequenceIDs{prefix: "child-"})
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 materialized steps, got %d", len(children))
	}
	if len(idByStepID) != 2 || idByStepID["a"] == "" || idByStepID["b"] == "" {
		t.Fatalf("expected a mapping from every sub-definition step_id to a ticket_step_id, got %v", idByStepID)
	}
	for _, c := range children {
		if c.TicketID != "ticket-1" {
			t.Fatalf("expected every child to carry the parent ticket id, got %q", c.TicketID)
		}
		if c.ParentSubWorkflowStepID != "parent-1" {
			t.Fatalf("expected ParentSubWorkflowStepID to point at the parent, got %q", c.ParentSubWorkflowStepID)
		}
		if c.FromSubWorkflowID != "wf-child" || c.FromSubWorkflowVersion != 1 || c.FromSubWorkflowName != "Child workflow" {
			t.Fatalf("expected child to carry the embedded workflow identity, got %+v", c)
		}
		if c.State != entity.StepNotStarted {
			t.Fatalf("expected materialized steps to start NOT_STARTED, got %s", c.State)
		}
	}
}

func TestMaterializeRejectsNestedSubWorkflowStep(t *testing.T) {
	nested := &entity.WorkflowDefinition{
		Steps: []entity.StepDef{
			{StepID: "inner", StepType: entity.SubWorkflowStep},
		},
	}
	_, _, err := Materialize(parentStep(), nested, &sequenceIDs{prefix: "child-"})
	if err == nil {
		t.Fatalf("expected materializing a sub-definition that itself embeds a sub-workflow to fail")
	}
}

func TestMaterializeInheritsParentBranchWhenEmbeddedInsideAFork(t *testing.T) {
	parent := parentStep()
	parent.BranchID = "outer-br1"
	parent.BranchName = "Outer branch 1"
	parent.ParentForkStepID = "outer-fork"

	children, _, err := Materialize(parent, flatSubDefinition(), &sequenceIDs{prefix: "child-"})
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	for _, c := range children {
		if c.BranchID != "outer-br1" || c.BranchName != "Outer branch 1" || c.ParentForkStepID != "outer-fork" {
			t.Fatalf("expected the outer fork's branch tag to be inherited, got %+v", c)
		}
	}
}

func TestMaterializeInnerForkBranchTakesPriorityOverInheritedOuterBranch(t *testing.T) {
	parent := parentStep()
	parent.BranchID = "outer-br1"

	children, _, err := Materialize(parent, forkingSubDefinition(entity.ContinueOthers), &sequenceIDs{prefix: "child-"})
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	byStepID := make(map[string]*entity.TicketStep, len(children))
	for _, c := range children {
		byStepID[c.StepID] = c
	}
	if byStepID["x"].BranchID != "br1" {
		t.Fatalf("expected step x to carry the inner branch br1, got %q", byStepID["x"].BranchID)
	}
	if byStepID["y"].BranchID != "br2" {
		t.Fatalf("expected step y to carry the inner branch br2, got %q", byStepID["y"].BranchID)
	}
	// The fork/join steps themselves belong to no single branch and fall
	// back to the inherited outer tag.
	if byStepID["fork"].BranchID != "outer-br1" || byStepID["join"].BranchID != "outer-br1" {
		t.Fatalf("expected fork/join to keep the inherited outer branch, got fork=%q join=%q", byStepID["fork"].BranchID, byStepID["join"].BranchID)
	}
}

func TestCheckCompletionNotDoneUntilAllChildrenTerminal(t *testing.T) {
	children := []entity.TicketStep{
		{StepID: "a", State: entity.StepCompleted},
		{StepID: "b", State: entity.StepActive},
	}
	if got := CheckCompletion(children, flatSubDefinition()); got != NotDone {
		t.Fatalf("expected NotDone while a child is still active, got %v", got)
	}
}

func TestCheckCompletionEmptyChildrenIsNotDone(t *testing.T) {
	if got := CheckCompletion(nil, flatSubDefinition()); got != NotDone {
		t.Fatalf("expected NotDone for an empty child set, got %v", got)
	}
}

func TestCheckCompletionCompletedWhenAllTerminalAndAnyCompleted(t *testing.T) {
	children := []entity.TicketStep{
		{StepID: "a", State: entity.StepCompleted},
		{StepID: "b", State: entity.StepCompleted},
	}
	if got := CheckCompletion(children, flatSubDefinition()); got != Completed {
		t.Fatalf("expected Completed, got %v", got)
	}
}

func TestCheckCompletionCancelledWhenAllTerminalButNoneCompleted(t *testing.T) {
	children := []entity.TicketStep{
		{StepID: "a", State: entity.StepCancelled},
		{StepID: "b", State: entity.StepSkipped},
	}
	if got := CheckCompletion(children, flatSubDefinition()); got != Cancelled {
		t.Fatalf("expected Cancelled when every child is terminal but none completed, got %v", got)
	}
}

func TestCheckCompletionRejectedPropagatesUnderFailAllPolicy(t *testing.T) {
	def := forkingSubDefinition(entity.FailAll)
	children := []entity.TicketStep{
		{StepID: "fork", State: entity.StepCompleted},
		{StepID: "x", State: entity.StepRejected, BranchID: "br1"},
		{StepID: "y", State: entity.StepActive, BranchID: "br2"},
	}
	if got := CheckCompletion(children, def); got != Rejected {
		t.Fatalf("expected FAIL_ALL to reject the whole sub-workflow as soon as one branch rejects, got %v", got)
	}
}

func TestCheckCompletionContinueOthersDoesNotRejectOnOneBranchFailureAlone(t *testing.T) {
	def := forkingSubDefinition(entity.ContinueOthers)
	children := []entity.TicketStep{
		{StepID: "fork", State: entity.StepCompleted},
		{StepID: "x", State: entity.StepRejected, BranchID: "br1"},
		{StepID: "y", State: entity.StepActive, BranchID: "br2"},
	}
	if got := CheckCompletion(children, def); got != NotDone {
		t.Fatalf("expected CONTINUE_OTHERS to wait for the sibling branch rather than reject immediately, got %v", got)
	}
}

func TestCheckCompletionCancelOthersRejectsImmediately(t *testing.T) {
	def := forkingSubDefinition(entity.CancelOthers)
	children := []entity.TicketStep{
		{StepID: "fork", State: entity.StepCompleted},
		{StepID: "x", State: entity.StepRejected, BranchID: "br1"},
		{StepID: "y", State: entity.StepCancelled, BranchID: "br2"},
	}
	if got := CheckCompletion(children, def); got != Rejected {
		t.Fatalf("expected CANCEL_OTHERS to still surface as Rejected, got %v", got)
	}
}
