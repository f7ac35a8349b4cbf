// Package validator implements the pure workflow-definition validator of
// spec §4.1: validate(definition) -> {is_valid, errors, warnings}. It
// never touches the record store; reachability and reference checks run
// entirely against the in-memory definition.
package validator

import (
	"fmt"

	"github.com/alpinesboltltd/ticketflow/internal/entity"
)

// Result is the outcome of Validate.
type Result struct {
	IsValid  bool
	Errors   []FieldError
	Warnings []FieldError
}

// FieldError names one violated rule and the definition path it applies to.
type FieldError struct {
	Type    string
	Message string
	Path    string
}

func (r *Result) addError(typ, path, format string, args ...interface{}) {
	r.Errors = append(r.Errors, FieldError{Type: typ, Path: path, Message: fmt.Sprintf(format, args...)})
	r.IsValid = false
}

func (r *Result) addWarning(typ, path, format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, FieldError{Type: typ, Path: path, Message: fmt.Sprintf(format, args...)})
}

// SubWorkflowLookup resolves a published sub-workflow version's definition,
// for rule 3's SUB_WORKFLOW_STEP single-level-embedding check.
type SubWorkflowLookup func(workflowID string, versionNumber int) (*entity.WorkflowDefinition, bool)

// Validate runs every rule of spec §4.1 in order and accumulates all
// violations rather than stopping at the first.
func Validate(def *entity.WorkflowDefinition, lookupSubWorkflow SubWorkflowLookup) Result {
	res := Result{IsValid: true}
	if def == nil {
		res.addError("MISSING_DEFINITION", "", "workflow definition is required")
		return res
	}

	stepsByID := make(map[string]*entity.StepDef, len(def.Steps))
	order := make(map[string]int, len(def.Steps))

	// Rule 1: steps non-empty, step_id unique, start_step_id resolves.
	if len(def.Steps) == 0 {
		res.addError("NO_STEPS", "steps", "workflow must declare at least one step")
	}
	for i, s := range def.Steps {
		if _, dup := stepsByID[s.StepID]; dup {
			res.addError("DUPLICATE_STEP_ID", fmt.Sprintf("steps[%d]", i), "duplicate step_id %q", s.StepID)
			continue
		}
		step := def.Steps[i]
		stepsByID[s.StepID] = &step
		order[s.StepID] = i
	}
	effectiveStart := def.StartStepID
	if effectiveStart == "" {
		if len(def.Steps) > 0 {
			effectiveStart = def.Steps[0].StepID
			res.addWarning("IMPLICIT_START", "start_step_id", "start_step_id not set; defaulting to first step %q", effectiveStart)
		}
	} else if _, ok := stepsByID[effectiveStart]; !ok {
		res.addError("UNKNOWN_START_STEP", "start_step_id", "start_step_id %q does not resolve to a step", effectiveStart)
	}

	// Rule 2: known step_type; at most one is_start; at least one is_terminal.
	startCount := 0
	terminalCount := 0
	for i, s := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if !isKnownStepType(s.StepType) {
			res.addError("UNKNOWN_STEP_TYPE", path, "unknown step_type %q", s.StepType)
		}
		if s.IsStart {
			startCount++
		}
		if s.IsTerminal {
			terminalCount++
		}
	}
	if startCount > 1 {
		res.addError("MULTIPLE_START_STEPS", "steps", "exactly one step may set is_start=true, found %d", startCount)
	}
	if startCount == 0 && len(def.Steps) > 0 {
		res.addWarning("NO_EXPLICIT_START", "steps", "no step sets is_start=true; first step is used")
	}
	if terminalCount == 0 && len(def.Steps) > 0 {
		res.addError("NO_TERMINAL_STEP", "steps", "at least one step must set is_terminal=true")
	}

	// Rule 3: per-type requirements.
	for i, s := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		validateStep(&res, &s, path, stepsByID, order, lookupSubWorkflow)
	}

	// Rule 4: transitions.
	transitionIDs := make(map[string]bool, len(def.Transitions))
	knownFields := collectFieldKeys(def)
	for i, t := range def.Transitions {
		path := fmt.Sprintf("transitions[%d]", i)
		if transitionIDs[t.TransitionID] {
			res.addError("DUPLICATE_TRANSITION_ID", path, "duplicate transition_id %q", t.TransitionID)
		}
		transitionIDs[t.TransitionID] = true

		from, fromOK := stepsByID[t.FromStepID]
		if !fromOK {
			res.addError("UNKNOWN_FROM_STEP", path, "from_step_id %q does not resolve", t.FromStepID)
		}
		if _, ok := stepsByID[t.ToStepID]; !ok {
			res.addError("UNKNOWN_TO_STEP", path, "to_step_id %q does not resolve", t.ToStepID)
		}
		if fromOK && !legalEvent(from.StepType, t.OnEvent) {
			res.addError("ILLEGAL_EVENT_FOR_STEP_TYPE", path, "on_event %q is not legal from step_type %q", t.OnEvent, from.StepType)
		}
		validateConditionFields(&res, t.Condition, path+".condition", knownFields)
	}

	// Rule 5: reachability.
	if effectiveStart != "" {
		reachable := computeReachable(def, effectiveStart)
		for i, s := range def.Steps {
			if !reachable[s.StepID] {
				res.addWarning("UNREACHABLE_STEP", fmt.Sprintf("steps[%d]", i), "step %q is not reachable from start_step_id", s.StepID)
			}
		}
	}

	// Rule 6 (branch-to-join closure) is advisory only: missing edges are
	// auto-inserted by the save path, not flagged here as an error.
	validateForkJoinClosure(&res, def, stepsByID, order)

	return res
}

func isKnownStepType(t entity.StepType) bool {
	switch t {
	case entity.FormStep, entity.ApprovalStep, entity.TaskStep, entity.NotifyStep,
		entity.ForkStep, entity.JoinStep, entity.SubWorkflowStep:
		return true
	default:
		return false
	}
}

func legalEvent(stepType entity.StepType, ev entity.EventType) bool {
	switch stepType {
	case entity.FormStep:
		return ev == entity.EventSubmitForm
	case entity.ApprovalStep:
		return ev == entity.EventApprove || ev == entity.EventReject
	case entity.TaskStep:
		return ev == entity.EventCompleteTask
	case entity.NotifyStep:
		// Auto-advance: engine-generated, not on a legal user event list.
		return true
	case entity.ForkStep:
		return ev == entity.EventForkActivated || ev == entity.EventBranchCompleted
	case entity.JoinStep:
		return ev == entity.EventJoinComplete
	case entity.SubWorkflowStep:
		return true
	default:
		return false
	}
}

func validateStep(res *Result, s *entity.StepDef, path string, stepsByID map[string]*entity.StepDef, order map[string]int, lookupSubWorkflow SubWorkflowLookup) {
	switch s.StepType {
	case entity.ApprovalStep:
		validateApprovalStep(res, s, path, stepsByID, order)
	case entity.FormStep:
		validateFormStep(res, s, path)
	case entity.TaskStep:
		validateTaskStep(res, s, path, stepsByID)
	case entity.ForkStep:
		validateForkStep(res, s, path, stepsByID)
	case entity.JoinStep:
		validateJoinStep(res, s, path, stepsByID)
	case entity.SubWorkflowStep:
		validateSubWorkflowStep(res, s, path, lookupSubWorkflow)
	}
}

func validateApprovalStep(res *Result, s *entity.StepDef, path string, stepsByID map[string]*entity.StepDef, order map[string]int) {
	switch s.ApproverResolution {
	case entity.ResolveRequesterManager:
		// no extra data required.
	case entity.ResolveSpecificEmail, entity.ResolveSpocEmail:
		if s.SpecificApproverEmail == "" {
			res.addError("MISSING_APPROVER_EMAIL", path, "approver_resolution %q requires specific_approver_email", s.ApproverResolution)
		}
	case entity.ResolveConditional:
		if len(s.ConditionalApproverRules) == 0 {
			res.addError("MISSING_CONDITIONAL_RULES", path, "approver_resolution CONDITIONAL requires conditional_approver_rules")
		}
		for i, rule := range s.ConditionalApproverRules {
			for j, c := range rule.Condition.Conditions {
				if !isLegalOperator(c.Operator) {
					res.addError("ILLEGAL_OPERATOR", fmt.Sprintf("%s.conditional_approver_rules[%d].conditions[%d]", path, i, j), "illegal operator %q", c.Operator)
				}
			}
		}
	case entity.ResolveStepAssignee:
		if s.StepAssigneeStepID == "" {
			res.addError("MISSING_STEP_ASSIGNEE_REF", path, "approver_resolution STEP_ASSIGNEE requires step_assignee_step_id")
			break
		}
		ref, ok := stepsByID[s.StepAssigneeStepID]
		if !ok {
			res.addError("UNKNOWN_STEP_ASSIGNEE_REF", path, "step_assignee_step_id %q does not resolve", s.StepAssigneeStepID)
			break
		}
		if ref.StepType != entity.TaskStep {
			res.addError("STEP_ASSIGNEE_NOT_TASK_STEP", path, "step_assignee_step_id %q must reference a TASK_STEP", s.StepAssigneeStepID)
		}
		if order[ref.StepID] >= order[s.StepID] {
			res.addError("STEP_ASSIGNEE_NOT_EARLIER", path, "step_assignee_step_id %q must be declared earlier in steps", s.StepAssigneeStepID)
		}
	default:
		res.addError("UNKNOWN_APPROVER_RESOLUTION", path, "unknown approver_resolution %q", s.ApproverResolution)
	}
}

func validateFormStep(res *Result, s *entity.StepDef, path string) {
	seen := make(map[string]bool)
	for si, sec := range s.Sections {
		secPath := fmt.Sprintf("%s.sections[%d]", path, si)
		if sec.Repeating && sec.MinRows < 0 {
			res.addError("NEGATIVE_MIN_ROWS", secPath, "min_rows must be >= 0")
		}
		for fi, f := range sec.Fields {
			fPath := fmt.Sprintf("%s.fields[%d]", secPath, fi)
			if seen[f.FieldKey] {
				res.addError("DUPLICATE_FIELD_KEY", fPath, "duplicate field_key %q", f.FieldKey)
			}
			seen[f.FieldKey] = true
			if (f.Type == entity.FieldSelect || f.Type == entity.FieldMultiSelect) && len(f.Options) == 0 {
				res.addError("MISSING_OPTIONS", fPath, "field_key %q of type %q requires at least one option", f.FieldKey, f.Type)
			}
			if f.Type == entity.FieldDate && f.DateRestriction != nil {
				dr := f.DateRestriction
				if !dr.AllowPast && !dr.AllowToday && !dr.AllowFuture {
					res.addError("IMPOSSIBLE_DATE_RESTRICTION", fPath, "date_restriction cannot disallow past, today, and future all at once")
				}
			}
		}
	}
}

func validateTaskStep(res *Result, s *entity.StepDef, path string, stepsByID map[string]*entity.StepDef) {
	if s.LinkedRepeatingSource == "" {
		return
	}
	refStepID, sectionKey := splitRepeatingSource(s.LinkedRepeatingSource)
	ref, ok := stepsByID[refStepID]
	if !ok || ref.StepType != entity.FormStep {
		res.addError("UNKNOWN_LINKED_SOURCE", path, "linked_repeating_source %q must reference an existing FORM_STEP+section", s.LinkedRepeatingSource)
		return
	}
	found := false
	for _, sec := range ref.Sections {
		if sec.SectionKey == sectionKey {
			found = true
			break
		}
	}
	if !found {
		res.addError("UNKNOWN_LINKED_SECTION", path, "linked_repeating_source %q: section not found on step %q", s.LinkedRepeatingSource, refStepID)
	}
}

func splitRepeatingSource(ref string) (stepID, sectionKey string) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '.' {
			return ref[:i], ref[i+1:]
		}
	}
	return ref, ""
}

func validateForkStep(res *Result, s *entity.StepDef, path string, stepsByID map[string]*entity.StepDef) {
	if len(s.Branches) == 0 {
		res.addError("NO_BRANCHES", path, "FORK_STEP requires at least one branch")
	}
	seen := make(map[string]bool)
	for bi, b := range s.Branches {
		bPath := fmt.Sprintf("%s.branches[%d]", path, bi)
		if seen[b.BranchID] {
			res.addError("DUPLICATE_BRANCH_ID", bPath, "duplicate branch_id %q", b.BranchID)
		}
		seen[b.BranchID] = true
		if _, ok := stepsByID[b.StartStepID]; !ok {
			res.addError("UNKNOWN_BRANCH_START", bPath, "start_step_id %q does not resolve", b.StartStepID)
		}
	}
	switch s.FailurePolicy {
	case entity.FailAll, entity.ContinueOthers, entity.CancelOthers:
	default:
		res.addError("UNKNOWN_FAILURE_POLICY", path, "unknown failure_policy %q", s.FailurePolicy)
	}
}

func validateJoinStep(res *Result, s *entity.StepDef, path string, stepsByID map[string]*entity.StepDef) {
	fork, ok := stepsByID[s.SourceForkStepID]
	if !ok || fork.StepType != entity.ForkStep {
		res.addError("UNKNOWN_SOURCE_FORK", path, "source_fork_step_id %q must reference an existing FORK_STEP", s.SourceForkStepID)
	}
	switch s.JoinMode {
	case entity.JoinAll, entity.JoinAny, entity.JoinMajority:
	default:
		res.addError("UNKNOWN_JOIN_MODE", path, "unknown join_mode %q", s.JoinMode)
	}
}

func validateSubWorkflowStep(res *Result, s *entity.StepDef, path string, lookup SubWorkflowLookup) {
	if s.SubWorkflowID == "" || s.SubWorkflowVersion == 0 {
		res.addError("MISSING_SUB_WORKFLOW_REF", path, "sub_workflow_id and sub_workflow_version are required")
		return
	}
	if lookup == nil {
		return
	}
	def, ok := lookup(s.SubWorkflowID, s.SubWorkflowVersion)
	if !ok {
		res.addError("UNKNOWN_SUB_WORKFLOW_VERSION", path, "sub_workflow_id %q version %d does not resolve to a published version", s.SubWorkflowID, s.SubWorkflowVersion)
		return
	}
	for _, inner := range def.Steps {
		if inner.StepType == entity.SubWorkflowStep {
			res.addError("NESTED_SUB_WORKFLOW", path, "sub-workflow %q version %d contains a SUB_WORKFLOW_STEP; only single-level embedding is allowed", s.SubWorkflowID, s.SubWorkflowVersion)
			return
		}
	}
}

func isLegalOperator(op entity.ConditionOperator) bool {
	switch op {
	case entity.OpEquals, entity.OpNotEquals, entity.OpGreaterThan, entity.OpLessThan,
		entity.OpGreaterThanOrEquals, entity.OpLessThanOrEquals, entity.OpContains,
		entity.OpNotContains, entity.OpIn, entity.OpNotIn, entity.OpIsEmpty, entity.OpIsNotEmpty:
		return true
	default:
		return false
	}
}

func collectFieldKeys(def *entity.WorkflowDefinition) map[string]bool {
	keys := make(map[string]bool)
	for _, s := range def.Steps {
		for _, sec := range s.Sections {
			for _, f := range sec.Fields {
				keys[f.FieldKey] = true
			}
		}
		for _, f := range s.OutputFields {
			keys[f.FieldKey] = true
		}
	}
	return keys
}

func validateConditionFields(res *Result, group *entity.ConditionGroup, path string, knownFields map[string]bool) {
	if group == nil {
		return
	}
	for i, c := range group.Conditions {
		if !isLegalOperator(c.Operator) {
			res.addError("ILLEGAL_OPERATOR", fmt.Sprintf("%s.conditions[%d]", path, i), "illegal operator %q", c.Operator)
		}
		if !knownFields[c.Field] {
			res.addWarning("UNKNOWN_CONDITION_FIELD", fmt.Sprintf("%s.conditions[%d]", path, i), "condition references unknown field key %q", c.Field)
		}
	}
}

// computeReachable walks explicit transitions plus implicit fork->branch
// activation edges from startStepID.
func computeReachable(def *entity.WorkflowDefinition, startStepID string) map[string]bool {
	adj := make(map[string][]string)
	for _, t := range def.Transitions {
		adj[t.FromStepID] = append(adj[t.FromStepID], t.ToStepID)
	}
	for _, s := range def.Steps {
		if s.StepType == entity.ForkStep {
			for _, b := range s.Branches {
				adj[s.StepID] = append(adj[s.StepID], b.StartStepID)
			}
		}
	}
	visited := map[string]bool{startStepID: true}
	queue := []string{startStepID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return visited
}

// MissingEdge names one branch-terminal-to-join edge rule 6 requires but
// the definition doesn't declare. Detection lives here; synthesizing the
// transition is the save path's job, not the validator's.
type MissingEdge struct {
	BranchID   string
	FromStepID string
	ToStepID   string
}

// MissingBranchJoinEdges returns every branch-terminal-to-join edge that
// rule 6 requires but def doesn't declare. Shared by validateForkJoinClosure
// (which only warns) and the workflow admin's save path (which closes the
// edge before persisting).
func MissingBranchJoinEdges(def *entity.WorkflowDefinition) []MissingEdge {
	stepsByID := make(map[string]*entity.StepDef, len(def.Steps))
	for i := range def.Steps {
		stepsByID[def.Steps[i].StepID] = &def.Steps[i]
	}
	joinsByFork := make(map[string]*entity.StepDef)
	for i, s := range def.Steps {
		if s.StepType == entity.JoinStep && s.SourceForkStepID != "" {
			joinsByFork[s.SourceForkStepID] = &def.Steps[i]
		}
	}
	hasEdgeTo := make(map[string]map[string]bool)
	for _, t := range def.Transitions {
		if hasEdgeTo[t.FromStepID] == nil {
			hasEdgeTo[t.FromStepID] = make(map[string]bool)
		}
		hasEdgeTo[t.FromStepID][t.ToStepID] = true
	}
	var missing []MissingEdge
	for forkID, join := range joinsByFork {
		fork, ok := stepsByID[forkID]
		if !ok {
			continue
		}
		for _, b := range fork.Branches {
			for _, termID := range branchTerminalSteps(def, b.StartStepID, joinsByFork) {
				if !hasEdgeTo[termID][join.StepID] {
					missing = append(missing, MissingEdge{BranchID: b.BranchID, FromStepID: termID, ToStepID: join.StepID})
				}
			}
		}
	}
	return missing
}

// validateForkJoinClosure emits warnings (not errors, per rule 6: missing
// edges are auto-inserted by the save path) when a branch's reachable
// interior has no transition into its join.
func validateForkJoinClosure(res *Result, def *entity.WorkflowDefinition, stepsByID map[string]*entity.StepDef, order map[string]int) {
	for _, m := range MissingBranchJoinEdges(def) {
		res.addWarning("MISSING_BRANCH_JOIN_EDGE", fmt.Sprintf("branches[%s]", m.BranchID),
			"branch terminal step %q has no transition to join %q; will be auto-inserted on save", m.FromStepID, m.ToStepID)
	}
}

// branchTerminalSteps returns the steps within one branch that have no
// outgoing transition other than (implicitly) into the join. The walk
// stops at any join step: arriving there means the branch already closed
// through the edge that led to it, so the join itself is never reported
// as an unclosed terminal.
func branchTerminalSteps(def *entity.WorkflowDefinition, startStepID string, joinsByFork map[string]*entity.StepDef) []string {
	isJoin := make(map[string]bool, len(joinsByFork))
	for _, j := range joinsByFork {
		isJoin[j.StepID] = true
	}
	outgoing := make(map[string]int)
	for _, t := range def.Transitions {
		outgoing[t.FromStepID]++
	}
	visited := map[string]bool{}
	var terminals []string
	var walk func(id string)
	walk = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		if isJoin[id] {
			return
		}
		if outgoing[id] == 0 {
			terminals = append(terminals, id)
		}
		for _, t := range def.Transitions {
			if t.FromStepID == id {
				walk(t.ToStepID)
			}
		}
	}
	walk(startStepID)
	return terminals
}
