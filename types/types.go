package types

import "fmt"

// Kind identifies a workflow definition and doubles as the audited entity type.
type Kind string

const (
	KindDeviation Kind = "deviation"
	KindArchive   Kind = "archive_request"
	KindDestroy   Kind = "destroy_request"

	// KindSample is audited but has no workflow definition.
	KindSample Kind = "sample"
)

// Action is the decision an actor records on a pending step.
type Action string

const (
	ActionSubmit  Action = "submit"
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionExecute Action = "execute"
	// ActionReassign replaces the designated actor of the pending step.
	ActionReassign Action = "reassign"

	ActionGenerateCodes Action = "generate_codes"
)

// Entity statuses shared by every workflow. Success statuses are per definition.
const (
	StatusRejected  = "rejected"
	StatusClosed    = "closed"
	StatusArchived  = "archived"
	StatusReady     = "ready"
	StatusCompleted = "completed"
)

// PendingStatus renders the status of an entity waiting on step n.
func PendingStatus(step int) string {
	return fmt.Sprintf("step_%d_pending", step)
}

// IsTerminal reports whether no further transition is defined for status.
func IsTerminal(status string) bool {
	switch status {
	case StatusRejected, StatusClosed, StatusArchived, StatusCompleted:
		return true
	}
	return false
}

// Requirement is a boolean expression a step payload must satisfy before the
// step can move forward.
type Requirement struct {
	Expr    string `json:"expr"`
	Message string `json:"message"`
}

// StepSpec is one row of a workflow definition table.
type StepSpec struct {
	Step         int           `json:"step"`
	Name         string        `json:"name"`
	AllowedRoles RoleSet       `json:"allowed_roles"`
	NextRoles    RoleSet       `json:"next_roles"`
	Fields       []string      `json:"fields,omitempty"`
	Require      []Requirement `json:"require,omitempty"`
	Denormalize  []string      `json:"denormalize,omitempty"`
	// Execution marks steps that accept ActionExecute as their forward action.
	Execution bool `json:"execution,omitempty"`
	// DesignatedActorField names an entity attribute holding the only user
	// allowed to act on this step.
	DesignatedActorField string `json:"designated_actor_field,omitempty"`
	// SupervisorRoles may reject the step, or reassign its designated actor,
	// without being the designated actor.
	SupervisorRoles RoleSet `json:"supervisor_roles,omitempty"`
}

// Actor is the authenticated caller of an engine operation.
type Actor struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// ApprovalRecord is one step instance of one workflow entity. A record with an
// empty UserID is the pending record.
type ApprovalRecord struct {
	ID          uint64                 `json:"id"`
	EntityID    uint64                 `json:"entity_id"`
	Step        int                    `json:"step"`
	StepName    string                 `json:"step_name"`
	Roles       RoleSet                `json:"roles"`
	ActorRole   Role                   `json:"actor_role,omitempty"`
	UserID      string                 `json:"user_id,omitempty"`
	Action      Action                 `json:"action,omitempty"`
	Comments    string                 `json:"comments,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	CreatedAt   int64                  `json:"created_at"`
	ProcessedAt int64                  `json:"processed_at,omitempty"`
}

// IsPending reports whether the record is still waiting for an actor.
func (r ApprovalRecord) IsPending() bool {
	return r.UserID == ""
}

// WorkflowEntity is a deviation, archive request or destroy request.
type WorkflowEntity struct {
	ID          uint64            `json:"id"`
	Kind        Kind              `json:"kind"`
	SubjectID   string            `json:"subject_id"`
	Targets     []string          `json:"targets,omitempty"`
	Status      string            `json:"status"`
	CurrentStep int               `json:"current_step"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	SubmittedBy string            `json:"submitted_by"`
	Version     int64             `json:"version"`
	CreatedAt   int64             `json:"created_at"`
	UpdatedAt   int64             `json:"updated_at"`
	CompletedAt int64             `json:"completed_at,omitempty"`
}

// Attribute returns a denormalized attribute or "".
func (e WorkflowEntity) Attribute(key string) string {
	if e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}

// Clone returns a deep copy so callers can mutate without aliasing storage.
func (e WorkflowEntity) Clone() WorkflowEntity {
	out := e
	if e.Targets != nil {
		out.Targets = append([]string(nil), e.Targets...)
	}
	if e.Attributes != nil {
		out.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// Clone returns a deep copy of the record.
func (r ApprovalRecord) Clone() ApprovalRecord {
	out := r
	if r.Roles != nil {
		out.Roles = append(RoleSet(nil), r.Roles...)
	}
	if r.Payload != nil {
		out.Payload = make(map[string]interface{}, len(r.Payload))
		for k, v := range r.Payload {
			out.Payload[k] = v
		}
	}
	return out
}
