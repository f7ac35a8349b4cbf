package entity

import "time"

// TicketStatus is the lifecycle state of a Ticket (spec §3).
type TicketStatus string

const (
	TicketOpen      TicketStatus = "OPEN"
	TicketCompleted TicketStatus = "COMPLETED"
	TicketRejected  TicketStatus = "REJECTED"
	TicketCancelled TicketStatus = "CANCELLED"
	TicketOnHold    TicketStatus = "ON_HOLD"
)

// IsTerminal reports whether the ticket admits no further operations.
func (s TicketStatus) IsTerminal() bool {
	switch s {
	case TicketCompleted, TicketRejected, TicketCancelled:
		return true
	default:
		return false
	}
}

// StepState is the runtime status of a TicketStep, distinct from its
// static StepType.
type StepState string

const (
	StepNotStarted       StepState = "NOT_STARTED"
	StepActive           StepState = "ACTIVE"
	StepWaitingApproval   StepState = "WAITING_FOR_APPROVAL"
	StepWaitingAssignment StepState = "WAITING_ASSIGNMENT"
	StepCompleted        StepState = "COMPLETED"
	StepRejected         StepState = "REJECTED"
	StepSkipped          StepState = "SKIPPED"
	StepCancelled        StepState = "CANCELLED"
	StepOnHold           StepState = "ON_HOLD"
)

// IsTerminal reports whether state admits no further events.
func (s StepState) IsTerminal() bool {
	switch s {
	case StepCompleted, StepRejected, StepSkipped, StepCancelled:
		return true
	default:
		return false
	}
}

// Ticket is a live workflow instance (spec §3).
type Ticket struct {
	TicketID              string       `json:"ticket_id" gorm:"primaryKey;type:varchar(36)"`
	WorkflowID             string       `json:"workflow_id" gorm:"index;type:varchar(36);not null"`
	WorkflowVersionNumber int          `json:"workflow_version_number" gorm:"not null"`
	Title                  string       `json:"title" gorm:"type:varchar(255);not null"`
	Description            string       `json:"description" gorm:"type:text"`
	Status                 TicketStatus `json:"status" gorm:"type:varchar(20);not null;default:OPEN"`
	Requester              JSONSnapshot `json:"requester" gorm:"type:jsonb"`
	ManagerSnapshot        JSONSnapshot `json:"manager_snapshot" gorm:"type:jsonb"`
	FormValues             JSONMap      `json:"form_values" gorm:"type:jsonb"`
	AttachmentIDs          StringSlice  `json:"attachment_ids" gorm:"type:jsonb"`
	CreatedAt              time.Time    `json:"created_at"`
	UpdatedAt              time.Time    `json:"updated_at"`
	Version                int          `json:"version" gorm:"not null;default:1"`
}

func (Ticket) TableName() string { return "tickets" }

// TicketStep is a live step instance bound to a Ticket (spec §3).
type TicketStep struct {
	TicketStepID              string       `json:"ticket_step_id" gorm:"primaryKey;type:varchar(36)"`
	TicketID                  string       `json:"ticket_id" gorm:"index;type:varchar(36);not null"`
	StepID                    string       `json:"step_id" gorm:"type:varchar(64);not null"`
	StepName                  string       `json:"step_name" gorm:"type:varchar(255)"`
	StepType                  StepType     `json:"step_type" gorm:"type:varchar(30);not null"`
	State                     StepState    `json:"state" gorm:"type:varchar(30);not null;index"`
	AssignedTo                JSONSnapshot `json:"assigned_to" gorm:"type:jsonb"`
	Data                      JSONMap      `json:"data" gorm:"type:jsonb"`
	AttachmentIDs             StringSlice  `json:"attachment_ids" gorm:"type:jsonb"`
	DueAt                     *time.Time   `json:"due_at"`
	BranchID                  string       `json:"branch_id" gorm:"type:varchar(64)"`
	BranchName                string       `json:"branch_name" gorm:"type:varchar(255)"`
	ParentForkStepID          string       `json:"parent_fork_step_id" gorm:"type:varchar(36)"`
	ParentSubWorkflowStepID   string       `json:"parent_sub_workflow_step_id" gorm:"type:varchar(36);index"`
	FromSubWorkflowID         string       `json:"from_sub_workflow_id" gorm:"type:varchar(36)"`
	FromSubWorkflowVersion    int          `json:"from_sub_workflow_version"`
	FromSubWorkflowName       string       `json:"from_sub_workflow_name" gorm:"type:varchar(255)"`
	SubWorkflowStepOrder      int          `json:"sub_workflow_step_order"`
	SLALastReminderAt         *time.Time   `json:"sla_last_reminder_at"`
	SLALastEscalationAt       *time.Time   `json:"sla_last_escalation_at"`
	SLAAcknowledged           bool         `json:"sla_acknowledged" gorm:"default:false"`
	CreatedAt                 time.Time   `json:"created_at"`
	UpdatedAt                 time.Time   `json:"updated_at"`
	Version                   int         `json:"version" gorm:"not null;default:1"`
}

func (TicketStep) TableName() string { return "ticket_steps" }

// ApprovalTaskStatus is the per-vote status of a parallel-approval member.
type ApprovalTaskStatus string

const (
	ApprovalTaskPending  ApprovalTaskStatus = "PENDING"
	ApprovalTaskApproved ApprovalTaskStatus = "APPROVED"
	ApprovalTaskRejected ApprovalTaskStatus = "REJECTED"
	ApprovalTaskCancelled ApprovalTaskStatus = "CANCELLED"
)

// ApprovalTask represents one parallel-approval vote slot on a
// WAITING_FOR_APPROVAL TicketStep.
type ApprovalTask struct {
	ApprovalTaskID string             `json:"approval_task_id" gorm:"primaryKey;type:varchar(36)"`
	TicketStepID   string             `json:"ticket_step_id" gorm:"index;type:varchar(36);not null"`
	Approver       JSONSnapshot       `json:"approver" gorm:"type:jsonb"`
	Status         ApprovalTaskStatus `json:"status" gorm:"type:varchar(20);not null;default:PENDING"`
	Comment        string             `json:"comment" gorm:"type:text"`
	DecidedAt      *time.Time         `json:"decided_at"`
	CreatedAt      time.Time          `json:"created_at"`
	Version        int                `json:"version" gorm:"not null;default:1"`
}

func (ApprovalTask) TableName() string { return "approval_tasks" }

// AssignmentStatus is the lifecycle of a TASK_STEP agent assignment.
type AssignmentStatus string

const (
	AssignmentActive     AssignmentStatus = "ACTIVE"
	AssignmentReassigned AssignmentStatus = "REASSIGNED"
)

// Assignment records a TASK_STEP agent assignment/reassignment history
// entry.
type Assignment struct {
	AssignmentID string           `json:"assignment_id" gorm:"primaryKey;type:varchar(36)"`
	TicketStepID string           `json:"ticket_step_id" gorm:"index;type:varchar(36);not null"`
	Agent        JSONSnapshot     `json:"agent" gorm:"type:jsonb"`
	Status       AssignmentStatus `json:"status" gorm:"type:varchar(20);not null;default:ACTIVE"`
	Reason       string           `json:"reason" gorm:"type:text"`
	CreatedAt    time.Time        `json:"created_at"`
}

func (Assignment) TableName() string { return "assignments" }

// InfoRequestStatus is the lifecycle of an InfoRequest.
type InfoRequestStatus string

const (
	InfoRequestOpen      InfoRequestStatus = "OPEN"
	InfoRequestResponded InfoRequestStatus = "RESPONDED"
	InfoRequestCancelled InfoRequestStatus = "CANCELLED"
)

// InfoRequest is an outstanding ask for more information on a TicketStep;
// an OPEN one blocks the step's normal progression (spec §3).
type InfoRequest struct {
	InfoRequestID  string            `json:"info_request_id" gorm:"primaryKey;type:varchar(36)"`
	TicketStepID   string            `json:"ticket_step_id" gorm:"index;type:varchar(36);not null"`
	Question       string            `json:"question" gorm:"type:text"`
	Subject        string            `json:"subject" gorm:"type:varchar(255)"`
	RequestedFrom  JSONSnapshot      `json:"requested_from" gorm:"type:jsonb"`
	RequestedBy    JSONSnapshot      `json:"requested_by" gorm:"type:jsonb"`
	ResponseText   string            `json:"response_text" gorm:"type:text"`
	Status         InfoRequestStatus `json:"status" gorm:"type:varchar(20);not null;default:OPEN"`
	PriorStepState StepState         `json:"prior_step_state" gorm:"type:varchar(30)"`
	CreatedAt      time.Time         `json:"created_at"`
	RespondedAt    *time.Time        `json:"responded_at"`
	Version        int               `json:"version" gorm:"not null;default:1"`
}

func (InfoRequest) TableName() string { return "info_requests" }
