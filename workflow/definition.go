package workflow

import (
	"fmt"

	"github.com/songzhibin97/lab-workflow/types"
)

// Definition is the step table of one workflow kind.
type Definition struct {
	Kind  types.Kind
	Steps []types.StepSpec
	// SelfReported means step 1 is the submission itself: it is recorded as
	// processed on Submit and step 2 becomes pending.
	SelfReported bool
	// SubmitRoles gate Submit when the definition is not self-reported.
	SubmitRoles types.RoleSet
	// SubmitFields are copied from the submission payload onto the entity
	// when the definition is not self-reported.
	SubmitFields []string
	// RequireTargets rejects submissions without targets.
	RequireTargets bool
	SuccessStatus  string
	// ExecuteRoles gate Execute, which moves a "ready" entity to "completed".
	ExecuteRoles types.RoleSet
}

// Step returns the spec of step n (1-indexed).
func (d Definition) Step(n int) (types.StepSpec, bool) {
	if n < 1 || n > len(d.Steps) {
		return types.StepSpec{}, false
	}
	return d.Steps[n-1], true
}

// LastStep is the number of the final step.
func (d Definition) LastStep() int { return len(d.Steps) }

// CanSubmit reports whether role may create an entity of this kind.
func (d Definition) CanSubmit(role types.Role) bool {
	if d.SelfReported {
		return len(d.Steps) > 0 && d.Steps[0].AllowedRoles.Contains(role)
	}
	return d.SubmitRoles.Contains(role)
}

// FirstPending is the step awaiting an actor right after Submit.
func (d Definition) FirstPending() int {
	if d.SelfReported {
		return 2
	}
	return 1
}

// Validate checks the table is well formed.
func (d Definition) Validate() error {
	if d.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalidDefinition)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidDefinition, d.Kind)
	}
	if d.SelfReported && len(d.Steps) < 2 {
		return fmt.Errorf("%w: self-reported %s needs at least two steps", ErrInvalidDefinition, d.Kind)
	}
	if !d.SelfReported && len(d.SubmitRoles) == 0 {
		return fmt.Errorf("%w: %s has no submit roles", ErrInvalidDefinition, d.Kind)
	}
	for i, s := range d.Steps {
		if s.Step != i+1 {
			return fmt.Errorf("%w: %s step %d is numbered %d", ErrInvalidDefinition, d.Kind, i+1, s.Step)
		}
		if len(s.AllowedRoles) == 0 {
			return fmt.Errorf("%w: %s step %d has no allowed roles", ErrInvalidDefinition, d.Kind, s.Step)
		}
		for _, r := range append(append(types.RoleSet(nil), s.AllowedRoles...), s.SupervisorRoles...) {
			if !r.Valid() {
				return fmt.Errorf("%w: %s step %d allows %s", ErrInvalidDefinition, d.Kind, s.Step, r)
			}
		}
		for _, req := range s.Require {
			if req.Expr == "" {
				return fmt.Errorf("%w: %s step %d has an empty requirement", ErrInvalidDefinition, d.Kind, s.Step)
			}
		}
	}
	if d.SuccessStatus == "" {
		return fmt.Errorf("%w: %s has no success status", ErrInvalidDefinition, d.Kind)
	}
	if (d.SuccessStatus == types.StatusReady) != (len(d.ExecuteRoles) > 0) {
		return fmt.Errorf("%w: %s must pair execute roles with the %q status", ErrInvalidDefinition, d.Kind, types.StatusReady)
	}
	return nil
}

func (d Definition) clone() Definition {
	out := d
	out.Steps = make([]types.StepSpec, len(d.Steps))
	for i, s := range d.Steps {
		s.AllowedRoles = append(types.RoleSet(nil), s.AllowedRoles...)
		s.NextRoles = append(types.RoleSet(nil), s.NextRoles...)
		s.SupervisorRoles = append(types.RoleSet(nil), s.SupervisorRoles...)
		s.Fields = append([]string(nil), s.Fields...)
		s.Require = append([]types.Requirement(nil), s.Require...)
		s.Denormalize = append([]string(nil), s.Denormalize...)
		out.Steps[i] = s
	}
	out.SubmitRoles = append(types.RoleSet(nil), d.SubmitRoles...)
	out.SubmitFields = append([]string(nil), d.SubmitFields...)
	out.ExecuteRoles = append(types.RoleSet(nil), d.ExecuteRoles...)
	return out
}

// link numbers the steps and fills NextRoles from the following step.
func link(steps ...types.StepSpec) []types.StepSpec {
	for i := range steps {
		steps[i].Step = i + 1
		if i+1 < len(steps) {
			steps[i].NextRoles = steps[i+1].AllowedRoles
		}
	}
	return steps
}

func required(field, message string) types.Requirement {
	return types.Requirement{Expr: fmt.Sprintf("trim(%s) != \"\"", field), Message: message}
}

// Payload fields and entity attributes used by the built-in workflows.
const (
	FieldTitle            = "title"
	FieldDescription      = "description"
	FieldCategory         = "category"
	FieldOccurredAt       = "occurred_at"
	FieldRootCause        = "root_cause"
	FieldCorrectiveAction = "corrective_action"
	FieldPreventiveAction = "preventive_action"
	FieldExecutorID       = "executor_id"
	FieldExecutionResult  = "execution_result"
	FieldReason           = "reason"
	FieldMethod           = "method"
)

// DeviationDefinition is the nine-step deviation review.
func DeviationDefinition() Definition {
	reporters := types.NewRoleSet(types.RoleAnalyst, types.RoleProjectLead, types.RoleQA, types.RoleTestManager, types.RoleSampleAdmin)
	lead := types.NewRoleSet(types.RoleProjectLead)
	qa := types.NewRoleSet(types.RoleQA)

	return Definition{
		Kind:         types.KindDeviation,
		SelfReported: true,
		Steps: link(
			types.StepSpec{
				Name:         "report",
				AllowedRoles: reporters,
				Fields:       []string{FieldTitle, FieldDescription, FieldCategory, FieldOccurredAt},
				Require:      []types.Requirement{required(FieldDescription, "description is required")},
				Denormalize:  []string{FieldTitle, FieldDescription, FieldCategory, FieldOccurredAt},
			},
			types.StepSpec{Name: "lead_review", AllowedRoles: lead},
			types.StepSpec{
				Name:         "qa_investigation",
				AllowedRoles: qa,
				Fields:       []string{FieldRootCause, FieldCorrectiveAction, FieldPreventiveAction},
				Denormalize:  []string{FieldRootCause, FieldCorrectiveAction, FieldPreventiveAction},
			},
			types.StepSpec{
				Name:         "executor_assignment",
				AllowedRoles: lead,
				Fields:       []string{FieldExecutorID},
				Require:      []types.Requirement{required(FieldExecutorID, "executor_id is required")},
				Denormalize:  []string{FieldExecutorID},
			},
			types.StepSpec{
				Name:                 "execution",
				AllowedRoles:         types.NewRoleSet(types.Roles()...),
				SupervisorRoles:      lead,
				Fields:               []string{FieldExecutionResult},
				Require:              []types.Requirement{required(FieldExecutionResult, "execution_result is required")},
				Denormalize:          []string{FieldExecutionResult},
				Execution:            true,
				DesignatedActorField: FieldExecutorID,
			},
			types.StepSpec{Name: "lead_confirmation", AllowedRoles: lead},
			types.StepSpec{Name: "test_manager_review", AllowedRoles: types.NewRoleSet(types.RoleTestManager)},
			types.StepSpec{Name: "qa_final_review", AllowedRoles: qa},
			types.StepSpec{Name: "director_approval", AllowedRoles: types.NewRoleSet(types.RoleLabDirector)},
		),
		SuccessStatus: types.StatusClosed,
	}
}

// ArchiveDefinition is the project archive request. Step 1 is the request.
func ArchiveDefinition() Definition {
	return Definition{
		Kind:         types.KindArchive,
		SelfReported: true,
		Steps: link(
			types.StepSpec{
				Name:         "request",
				AllowedRoles: types.NewRoleSet(types.RoleProjectLead, types.RoleTestManager),
				Fields:       []string{FieldReason},
				Denormalize:  []string{FieldReason},
			},
			types.StepSpec{Name: "test_manager_review", AllowedRoles: types.NewRoleSet(types.RoleTestManager)},
			types.StepSpec{Name: "qa_review", AllowedRoles: types.NewRoleSet(types.RoleQA)},
			types.StepSpec{Name: "system_admin_archive", AllowedRoles: types.NewRoleSet(types.RoleSystemAdmin)},
		),
		SuccessStatus: types.StatusArchived,
	}
}

// DestroyDefinition is the sample destruction request. Final approval leaves
// the entity "ready"; Execute performs the destruction.
func DestroyDefinition() Definition {
	return Definition{
		Kind:           types.KindDestroy,
		SubmitRoles:    types.NewRoleSet(types.RoleSampleAdmin, types.RoleProjectLead),
		SubmitFields:   []string{FieldReason, FieldMethod},
		RequireTargets: true,
		Steps: link(
			types.StepSpec{Name: "test_manager_review", AllowedRoles: types.NewRoleSet(types.RoleTestManager)},
			types.StepSpec{Name: "director_approval", AllowedRoles: types.NewRoleSet(types.RoleLabDirector)},
		),
		SuccessStatus: types.StatusReady,
		ExecuteRoles:  types.NewRoleSet(types.RoleSampleAdmin, types.RoleLabDirector),
	}
}

// Definitions returns the three built-in workflows.
func Definitions() []Definition {
	return []Definition{DeviationDefinition(), ArchiveDefinition(), DestroyDefinition()}
}
