package entity

import (
	"time"
)

// WorkflowStatus is the lifecycle state of a WorkflowTemplate.
type WorkflowStatus string

const (
	WorkflowDraft     WorkflowStatus = "DRAFT"
	WorkflowPublished WorkflowStatus = "PUBLISHED"
	WorkflowArchived  WorkflowStatus = "ARCHIVED"
)

// StepType identifies the static variant of a StepDef/TicketStep.
type StepType string

const (
	FormStep        StepType = "FORM_STEP"
	ApprovalStep    StepType = "APPROVAL_STEP"
	TaskStep        StepType = "TASK_STEP"
	NotifyStep      StepType = "NOTIFY_STEP"
	ForkStep        StepType = "FORK_STEP"
	JoinStep        StepType = "JOIN_STEP"
	SubWorkflowStep StepType = "SUB_WORKFLOW_STEP"
)

// EventType is a transition-triggering event.
type EventType string

const (
	EventSubmitForm      EventType = "SUBMIT_FORM"
	EventApprove         EventType = "APPROVE"
	EventReject          EventType = "REJECT"
	EventCompleteTask    EventType = "COMPLETE_TASK"
	EventRespondInfo     EventType = "RESPOND_INFO"
	EventForkActivated   EventType = "FORK_ACTIVATED"
	EventBranchCompleted EventType = "BRANCH_COMPLETED"
	EventJoinComplete    EventType = "JOIN_COMPLETE"
)

// ApproverResolution selects how an APPROVAL_STEP resolves its approver set.
type ApproverResolution string

const (
	ResolveRequesterManager ApproverResolution = "REQUESTER_MANAGER"
	ResolveSpecificEmail    ApproverResolution = "SPECIFIC_EMAIL"
	ResolveSpocEmail        ApproverResolution = "SPOC_EMAIL"
	ResolveConditional      ApproverResolution = "CONDITIONAL"
	ResolveStepAssignee     ApproverResolution = "STEP_ASSIGNEE"
)

// ParallelApprovalMode governs how multiple approvers on one APPROVAL_STEP
// combine their votes into a single step outcome.
type ParallelApprovalMode string

const (
	ParallelApprovalNone ParallelApprovalMode = ""
	ParallelApprovalAll  ParallelApprovalMode = "ALL"
	ParallelApprovalAny  ParallelApprovalMode = "ANY"
)

// ForkFailurePolicy governs how a branch rejection affects sibling branches
// and the ticket.
type ForkFailurePolicy string

const (
	FailAll        ForkFailurePolicy = "FAIL_ALL"
	ContinueOthers ForkFailurePolicy = "CONTINUE_OTHERS"
	CancelOthers   ForkFailurePolicy = "CANCEL_OTHERS"
)

// JoinMode governs when a JOIN_STEP's wait condition is satisfied.
type JoinMode string

const (
	JoinAll      JoinMode = "ALL"
	JoinAny      JoinMode = "ANY"
	JoinMajority JoinMode = "MAJORITY"
)

// FieldType enumerates FORM_STEP field kinds.
type FieldType string

const (
	FieldText        FieldType = "TEXT"
	FieldNumber      FieldType = "NUMBER"
	FieldDate        FieldType = "DATE"
	FieldSelect      FieldType = "SELECT"
	FieldMultiSelect FieldType = "MULTISELECT"
	FieldRepeating   FieldType = "REPEATING_SECTION"
)

// ConditionOperator is a legal comparison operator in a Condition.
type ConditionOperator string

const (
	OpEquals              ConditionOperator = "EQUALS"
	OpNotEquals           ConditionOperator = "NOT_EQUALS"
	OpGreaterThan         ConditionOperator = "GREATER_THAN"
	OpLessThan            ConditionOperator = "LESS_THAN"
	OpGreaterThanOrEquals ConditionOperator = "GREATER_THAN_OR_EQUALS"
	OpLessThanOrEquals    ConditionOperator = "LESS_THAN_OR_EQUALS"
	OpContains            ConditionOperator = "CONTAINS"
	OpNotContains         ConditionOperator = "NOT_CONTAINS"
	OpIn                  ConditionOperator = "IN"
	OpNotIn               ConditionOperator = "NOT_IN"
	OpIsEmpty             ConditionOperator = "IS_EMPTY"
	OpIsNotEmpty          ConditionOperator = "IS_NOT_EMPTY"
)

// ConditionLogic combines multiple Conditions within a ConditionGroup.
type ConditionLogic string

const (
	LogicAnd ConditionLogic = "AND"
	LogicOr  ConditionLogic = "OR"
)

// Condition is a single comparison against a form value key.
type Condition struct {
	Field    string            `json:"field" yaml:"field"`
	Operator ConditionOperator `json:"operator" yaml:"operator"`
	Value    interface{}       `json:"value,omitempty" yaml:"value,omitempty"`
}

// ConditionGroup is a recursive boolean combination of Conditions. Eval
// lives in internal/engine/condition to keep the entity package free of
// evaluation logic (spec §9: "conditions are a small recursive value type
// with an eval function").
type ConditionGroup struct {
	Logic      ConditionLogic `json:"logic" yaml:"logic"`
	Conditions []Condition    `json:"conditions" yaml:"conditions"`
}

// FieldOption is one SELECT/MULTISELECT choice.
type FieldOption struct {
	Value string `json:"value" yaml:"value"`
	Label string `json:"label" yaml:"label"`
}

// DateRestriction constrains which calendar dates a DATE field accepts.
type DateRestriction struct {
	AllowPast   bool `json:"allow_past" yaml:"allow_past"`
	AllowToday  bool `json:"allow_today" yaml:"allow_today"`
	AllowFuture bool `json:"allow_future" yaml:"allow_future"`
}

// FieldDef describes one FORM_STEP field.
type FieldDef struct {
	FieldKey        string           `json:"field_key" yaml:"field_key"`
	Label           string           `json:"label" yaml:"label"`
	Type            FieldType        `json:"type" yaml:"type"`
	Required        bool             `json:"required" yaml:"required"`
	Options         []FieldOption    `json:"options,omitempty" yaml:"options,omitempty"`
	MinRows         int              `json:"min_rows,omitempty" yaml:"min_rows,omitempty"`
	DateRestriction *DateRestriction `json:"date_restriction,omitempty" yaml:"date_restriction,omitempty"`
	MinLength       int              `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MaxLength       int              `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	Regex           string           `json:"regex,omitempty" yaml:"regex,omitempty"`
	RequiredWhen    *ConditionGroup  `json:"required_when,omitempty" yaml:"required_when,omitempty"`
}

// SectionDef groups FieldDefs, optionally as a repeating row set.
type SectionDef struct {
	SectionKey string     `json:"section_key" yaml:"section_key"`
	Repeating  bool       `json:"repeating" yaml:"repeating"`
	MinRows    int        `json:"min_rows,omitempty" yaml:"min_rows,omitempty"`
	Fields     []FieldDef `json:"fields" yaml:"fields"`
}

// ConditionalApproverRule is one entry of a CONDITIONAL approver resolution.
type ConditionalApproverRule struct {
	Condition     ConditionGroup `json:"condition" yaml:"condition"`
	ApproverEmail string         `json:"approver_email" yaml:"approver_email"`
}

// BranchDef is one fork branch definition.
type BranchDef struct {
	BranchID    string `json:"branch_id" yaml:"branch_id"`
	BranchName  string `json:"branch_name" yaml:"branch_name"`
	StartStepID string `json:"start_step_id" yaml:"start_step_id"`
}

// StepDef is one node of a WorkflowDefinition graph.
type StepDef struct {
	StepID     string   `json:"step_id" yaml:"step_id"`
	StepName   string   `json:"step_name" yaml:"step_name"`
	StepType   StepType `json:"step_type" yaml:"step_type"`
	IsStart    bool     `json:"is_start" yaml:"is_start"`
	IsTerminal bool     `json:"is_terminal" yaml:"is_terminal"`
	Order      int      `json:"order" yaml:"order"`

	// FORM_STEP
	Sections []SectionDef `json:"sections,omitempty" yaml:"sections,omitempty"`

	// APPROVAL_STEP
	ApproverResolution          ApproverResolution        `json:"approver_resolution,omitempty" yaml:"approver_resolution,omitempty"`
	SpecificApproverEmail       string                    `json:"specific_approver_email,omitempty" yaml:"specific_approver_email,omitempty"`
	ConditionalApproverRules    []ConditionalApproverRule `json:"conditional_approver_rules,omitempty" yaml:"conditional_approver_rules,omitempty"`
	ConditionalFallbackApprover string                    `json:"conditional_fallback_approver,omitempty" yaml:"conditional_fallback_approver,omitempty"`
	StepAssigneeStepID          string                    `json:"step_assignee_step_id,omitempty" yaml:"step_assignee_step_id,omitempty"`
	ParallelApproval             ParallelApprovalMode     `json:"parallel_approval,omitempty" yaml:"parallel_approval,omitempty"`
	ParallelApproverEmails       []string                 `json:"parallel_approver_emails,omitempty" yaml:"parallel_approver_emails,omitempty"`

	// TASK_STEP
	Instructions          string     `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	RequireExecutionNotes bool       `json:"require_execution_notes,omitempty" yaml:"require_execution_notes,omitempty"`
	OutputFields          []FieldDef `json:"output_fields,omitempty" yaml:"output_fields,omitempty"`
	LinkedRepeatingSource string     `json:"linked_repeating_source,omitempty" yaml:"linked_repeating_source,omitempty"`

	// NOTIFY_STEP
	TemplateKey string   `json:"template_key,omitempty" yaml:"template_key,omitempty"`
	Recipients  []string `json:"recipients,omitempty" yaml:"recipients,omitempty"`
	AutoAdvance bool     `json:"auto_advance,omitempty" yaml:"auto_advance,omitempty"`

	// FORK_STEP
	Branches      []BranchDef       `json:"branches,omitempty" yaml:"branches,omitempty"`
	FailurePolicy ForkFailurePolicy `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty"`

	// JOIN_STEP
	JoinMode         JoinMode `json:"join_mode,omitempty" yaml:"join_mode,omitempty"`
	SourceForkStepID string   `json:"source_fork_step_id,omitempty" yaml:"source_fork_step_id,omitempty"`

	// SUB_WORKFLOW_STEP
	SubWorkflowID      string `json:"sub_workflow_id,omitempty" yaml:"sub_workflow_id,omitempty"`
	SubWorkflowVersion int    `json:"sub_workflow_version,omitempty" yaml:"sub_workflow_version,omitempty"`
	SubWorkflowName    string `json:"sub_workflow_name,omitempty" yaml:"sub_workflow_name,omitempty"`
}

// TransitionDef is a definition-time edge gated by an event and optional
// condition.
type TransitionDef struct {
	TransitionID string          `json:"transition_id" yaml:"transition_id"`
	FromStepID   string          `json:"from_step_id" yaml:"from_step_id"`
	ToStepID     string          `json:"to_step_id" yaml:"to_step_id"`
	OnEvent      EventType       `json:"on_event" yaml:"on_event"`
	Priority     int             `json:"priority,omitempty" yaml:"priority,omitempty"`
	Condition    *ConditionGroup `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// WorkflowDefinition is the full graph: steps, transitions and the entry
// point.
type WorkflowDefinition struct {
	Steps       []StepDef       `json:"steps" yaml:"steps"`
	Transitions []TransitionDef `json:"transitions" yaml:"transitions"`
	StartStepID string          `json:"start_step_id" yaml:"start_step_id"`
}

// StepByID looks up a StepDef by its definition key.
func (d *WorkflowDefinition) StepByID(id string) (*StepDef, bool) {
	for i := range d.Steps {
		if d.Steps[i].StepID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// TransitionsFrom returns, in declaration order, every transition whose
// FromStepID matches stepID and whose OnEvent matches ev.
func (d *WorkflowDefinition) TransitionsFrom(stepID string, ev EventType) []TransitionDef {
	var out []TransitionDef
	for _, t := range d.Transitions {
		if t.FromStepID == stepID && t.OnEvent == ev {
			out = append(out, t)
		}
	}
	return out
}

// WorkflowTemplate is the editable definition container (spec §3).
type WorkflowTemplate struct {
	WorkflowID     string         `json:"workflow_id" gorm:"primaryKey;type:varchar(36)"`
	Name           string         `json:"name" gorm:"type:varchar(255);not null"`
	Description    string         `json:"description" gorm:"type:text"`
	Category       string         `json:"category" gorm:"type:varchar(100)"`
	Tags           StringSlice    `json:"tags" gorm:"type:jsonb"`
	Status         WorkflowStatus `json:"status" gorm:"type:varchar(20);not null;default:DRAFT"`
	Definition     JSONDefinition `json:"definition" gorm:"type:jsonb"`
	CurrentVersion int            `json:"current_version" gorm:"default:0"`
	CreatedBy      JSONSnapshot   `json:"created_by" gorm:"type:jsonb"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Version        int            `json:"version" gorm:"not null;default:1"`
}

func (WorkflowTemplate) TableName() string { return "workflows" }

// WorkflowVersion is an immutable published snapshot (spec §3).
type WorkflowVersion struct {
	WorkflowVersionID string         `json:"workflow_version_id" gorm:"primaryKey;type:varchar(36)"`
	WorkflowID        string         `json:"workflow_id" gorm:"index;type:varchar(36);not null"`
	VersionNumber     int            `json:"version_number" gorm:"not null"`
	Definition        JSONDefinition `json:"definition" gorm:"type:jsonb"`
	PublishedBy       JSONSnapshot   `json:"published_by" gorm:"type:jsonb"`
	PublishedAt       time.Time      `json:"published_at"`
}

func (WorkflowVersion) TableName() string { return "workflow_versions" }
