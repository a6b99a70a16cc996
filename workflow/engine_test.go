package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/songzhibin97/lab-workflow/audit"
	"github.com/songzhibin97/lab-workflow/obs"
	"github.com/songzhibin97/lab-workflow/storage"
	"github.com/songzhibin97/lab-workflow/types"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id, nil
}

type failingGenerator struct{}

func (failingGenerator) NextID() (uint64, error) { return 0, errors.New("clock moved backwards") }

var (
	analyst     = types.Actor{UserID: "u-analyst", Role: types.RoleAnalyst}
	lead        = types.Actor{UserID: "u-lead", Role: types.RoleProjectLead}
	qa          = types.Actor{UserID: "u-qa", Role: types.RoleQA}
	testManager = types.Actor{UserID: "u-tm", Role: types.RoleTestManager}
	director    = types.Actor{UserID: "u-director", Role: types.RoleLabDirector}
	sysAdmin    = types.Actor{UserID: "u-sys", Role: types.RoleSystemAdmin}
	sampleAdmin = types.Actor{UserID: "u-samples", Role: types.RoleSampleAdmin}
	executor    = types.Actor{UserID: "u-exec", Role: types.RoleAnalyst}
)

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	engine   *Engine
	store    *storage.MemoryStorage
	recorder *audit.Recorder
	projects *MemoryProjects
	samples  *MemorySamples
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    storage.NewMemoryStorage(),
		recorder: &audit.Recorder{},
		projects: NewMemoryProjects("PRJ-1", "PRJ-2"),
		samples:  NewMemorySamples(),
	}
	clock := func() time.Time { return fixedNow }
	base := []Option{
		WithAuditSink(env.recorder),
		WithClock(clock),
		WithEffects(types.KindArchive, ArchiveEffects{Projects: env.projects, Now: clock}),
		WithEffects(types.KindDestroy, DestroyEffects{Samples: env.samples, Now: clock}),
	}
	engine, err := NewEngine(&MockGenerator{}, env.store, append(base, opts...)...)
	require.NoError(t, err)
	for _, def := range Definitions() {
		require.NoError(t, engine.Register(def))
	}
	env.engine = engine
	return env
}

func (env *testEnv) submitDeviation(t *testing.T) types.WorkflowEntity {
	t.Helper()
	entity, err := env.engine.Submit(context.Background(), types.KindDeviation, analyst, Submission{
		SubjectID: "PRJ-1",
		Comments:  "found during aliquoting",
		Payload: map[string]interface{}{
			FieldTitle:       "Freezer excursion",
			FieldDescription: "Freezer 3 reached -60C for two hours",
			"ignored":        "not a report field",
		},
	})
	require.NoError(t, err)
	return entity
}

func (env *testEnv) approve(t *testing.T, id uint64, actor types.Actor, payload map[string]interface{}) types.WorkflowEntity {
	t.Helper()
	entity, err := env.engine.Act(context.Background(), id, actor, Decision{Action: types.ActionApprove, Payload: payload})
	require.NoError(t, err)
	return entity
}

// advanceTo approves a fresh deviation until step is pending.
func (env *testEnv) advanceTo(t *testing.T, step int) types.WorkflowEntity {
	t.Helper()
	entity := env.submitDeviation(t)
	path := []struct {
		actor   types.Actor
		action  types.Action
		payload map[string]interface{}
	}{
		{lead, types.ActionApprove, nil},
		{qa, types.ActionApprove, map[string]interface{}{FieldRootCause: "door seal"}},
		{lead, types.ActionApprove, map[string]interface{}{FieldExecutorID: executor.UserID}},
		{executor, types.ActionExecute, map[string]interface{}{FieldExecutionResult: "seal replaced"}},
		{lead, types.ActionApprove, nil},
		{testManager, types.ActionApprove, nil},
		{qa, types.ActionApprove, nil},
		{director, types.ActionApprove, nil},
	}
	for i := 0; entity.CurrentStep < step && i < len(path); i++ {
		var err error
		entity, err = env.engine.Act(context.Background(), entity.ID, path[i].actor, Decision{
			Step: entity.CurrentStep, Action: path[i].action, Payload: path[i].payload,
		})
		require.NoError(t, err)
	}
	require.Equal(t, step, entity.CurrentStep)
	return entity
}

func TestNewEngine(t *testing.T) {
	_, err := NewEngine(nil, nil)
	assert.Error(t, err)

	engine, err := NewEngine(&MockGenerator{}, nil)
	require.NoError(t, err)
	assert.NotNil(t, engine.storage)
	assert.NotNil(t, engine.evaluator)
}

func TestRegister(t *testing.T) {
	engine, err := NewEngine(&MockGenerator{}, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Register(DeviationDefinition()))
	assert.ErrorIs(t, engine.Register(DeviationDefinition()), ErrInvalidDefinition)

	step := func(n int, roles ...types.Role) types.StepSpec {
		return types.StepSpec{Step: n, Name: "s", AllowedRoles: types.NewRoleSet(roles...)}
	}
	tests := []struct {
		name string
		def  Definition
	}{
		{"no kind", Definition{Steps: []types.StepSpec{step(1, types.RoleQA)}, SubmitRoles: types.NewRoleSet(types.RoleQA), SuccessStatus: "done"}},
		{"no steps", Definition{Kind: "k", SubmitRoles: types.NewRoleSet(types.RoleQA), SuccessStatus: "done"}},
		{"gap in numbering", Definition{Kind: "k", SubmitRoles: types.NewRoleSet(types.RoleQA), SuccessStatus: "done",
			Steps: []types.StepSpec{step(1, types.RoleQA), step(3, types.RoleQA)}}},
		{"no allowed roles", Definition{Kind: "k", SubmitRoles: types.NewRoleSet(types.RoleQA), SuccessStatus: "done",
			Steps: []types.StepSpec{step(1)}}},
		{"unknown role", Definition{Kind: "k", SubmitRoles: types.NewRoleSet(types.RoleQA), SuccessStatus: "done",
			Steps: []types.StepSpec{step(1, types.RoleUnknown)}}},
		{"no submit roles", Definition{Kind: "k", SuccessStatus: "done", Steps: []types.StepSpec{step(1, types.RoleQA)}}},
		{"self reported single step", Definition{Kind: "k", SelfReported: true, SuccessStatus: "done", Steps: []types.StepSpec{step(1, types.RoleQA)}}},
		{"no success status", Definition{Kind: "k", SubmitRoles: types.NewRoleSet(types.RoleQA), Steps: []types.StepSpec{step(1, types.RoleQA)}}},
		{"ready without executors", Definition{Kind: "k", SubmitRoles: types.NewRoleSet(types.RoleQA), SuccessStatus: types.StatusReady,
			Steps: []types.StepSpec{step(1, types.RoleQA)}}},
		{"bad requirement", Definition{Kind: "k", SubmitRoles: types.NewRoleSet(types.RoleQA), SuccessStatus: "done",
			Steps: []types.StepSpec{{Step: 1, AllowedRoles: types.NewRoleSet(types.RoleQA), Require: []types.Requirement{{Expr: "trim("}}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, engine.Register(tt.def), ErrInvalidDefinition)
		})
	}

	t.Run("definition is a copy", func(t *testing.T) {
		def, ok := engine.Definition(types.KindDeviation)
		require.True(t, ok)
		def.Steps[2].AllowedRoles[0] = types.RoleAnalyst

		again, _ := engine.Definition(types.KindDeviation)
		assert.Equal(t, types.NewRoleSet(types.RoleQA), again.Steps[2].AllowedRoles)

		_, ok = engine.Definition("unknown")
		assert.False(t, ok)
	})
}

func TestBuiltInDefinitions(t *testing.T) {
	tests := []struct {
		def     Definition
		steps   int
		first   int
		success string
	}{
		{DeviationDefinition(), 9, 2, types.StatusClosed},
		{ArchiveDefinition(), 4, 2, types.StatusArchived},
		{DestroyDefinition(), 2, 1, types.StatusReady},
	}
	for _, tt := range tests {
		t.Run(string(tt.def.Kind), func(t *testing.T) {
			require.NoError(t, tt.def.Validate())
			assert.Len(t, tt.def.Steps, tt.steps)
			assert.Equal(t, tt.first, tt.def.FirstPending())
			assert.Equal(t, tt.success, tt.def.SuccessStatus)
			for i := 0; i+1 < len(tt.def.Steps); i++ {
				assert.Equal(t, tt.def.Steps[i+1].AllowedRoles, tt.def.Steps[i].NextRoles)
			}
			assert.Empty(t, tt.def.Steps[len(tt.def.Steps)-1].NextRoles)
		})
	}

	dev := DeviationDefinition()
	assert.Equal(t, types.NewRoleSet(types.RoleQA), dev.Steps[2].AllowedRoles)
	assert.True(t, dev.Steps[4].Execution)
	assert.Equal(t, FieldExecutorID, dev.Steps[4].DesignatedActorField)
	assert.Equal(t, types.NewRoleSet(types.RoleProjectLead), dev.Steps[4].SupervisorRoles)
	assert.Len(t, dev.Steps[4].AllowedRoles, len(types.Roles()))
	assert.True(t, dev.CanSubmit(types.RoleAnalyst))
	assert.False(t, dev.CanSubmit(types.RoleLabDirector))
	assert.True(t, DestroyDefinition().CanSubmit(types.RoleSampleAdmin))
	assert.False(t, DestroyDefinition().CanSubmit(types.RoleTestManager))
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("self reported deviation", func(t *testing.T) {
		env := newTestEnv(t)
		entity := env.submitDeviation(t)

		assert.Equal(t, types.PendingStatus(2), entity.Status)
		assert.Equal(t, 2, entity.CurrentStep)
		assert.Equal(t, "Freezer excursion", entity.Attribute(FieldTitle))
		assert.Equal(t, fixedNow.UnixMilli(), entity.CreatedAt)

		history, err := env.engine.History(ctx, entity.ID)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, types.ActionSubmit, history[0].Action)
		assert.Equal(t, analyst.UserID, history[0].UserID)
		assert.NotZero(t, history[0].ProcessedAt)
		assert.NotContains(t, history[0].Payload, "ignored")
		assert.True(t, history[1].IsPending())
		assert.Equal(t, types.NewRoleSet(types.RoleProjectLead), history[1].Roles)

		rec, spec, err := env.engine.Pending(ctx, entity.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, rec.Step)
		assert.Equal(t, "lead_review", spec.Name)

		events := env.recorder.Events()
		require.Len(t, events, 1)
		assert.Equal(t, "submit", events[0].Action)
		assert.Equal(t, "deviation", events[0].EntityType)
		assert.Equal(t, audit.FormatID(entity.ID), events[0].EntityID)
		assert.Equal(t, analyst.UserID, events[0].ActorID)
	})

	t.Run("refusals", func(t *testing.T) {
		env := newTestEnv(t)
		tests := []struct {
			name  string
			kind  types.Kind
			actor types.Actor
			sub   Submission
			want  error
		}{
			{"unknown kind", "calibration", analyst, Submission{SubjectID: "PRJ-1"}, ErrUnknownWorkflow},
			{"role not allowed", types.KindDeviation, director, Submission{SubjectID: "PRJ-1",
				Payload: map[string]interface{}{FieldDescription: "x"}}, ErrPermission},
			{"missing description", types.KindDeviation, analyst, Submission{SubjectID: "PRJ-1"}, ErrValidation},
			{"blank description", types.KindDeviation, analyst, Submission{SubjectID: "PRJ-1",
				Payload: map[string]interface{}{FieldDescription: "  "}}, ErrValidation},
			{"missing subject", types.KindDeviation, analyst, Submission{
				Payload: map[string]interface{}{FieldDescription: "x"}}, ErrValidation},
			{"anonymous actor", types.KindDeviation, types.Actor{Role: types.RoleAnalyst}, Submission{SubjectID: "PRJ-1",
				Payload: map[string]interface{}{FieldDescription: "x"}}, ErrValidation},
			{"destroy without targets", types.KindDestroy, sampleAdmin, Submission{SubjectID: "PRJ-1", Targets: []string{" "}}, ErrValidation},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := env.engine.Submit(ctx, tt.kind, tt.actor, tt.sub)
				assert.ErrorIs(t, err, tt.want)
			})
		}
		assert.Zero(t, env.recorder.Len())
	})

	t.Run("generator failure", func(t *testing.T) {
		engine, err := NewEngine(failingGenerator{}, nil)
		require.NoError(t, err)
		require.NoError(t, engine.Register(DeviationDefinition()))
		_, err = engine.Submit(ctx, types.KindDeviation, analyst, Submission{SubjectID: "PRJ-1",
			Payload: map[string]interface{}{FieldDescription: "x"}})
		assert.ErrorContains(t, err, "failed to generate ID")
	})

	t.Run("cancelled context", func(t *testing.T) {
		env := newTestEnv(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := env.engine.Submit(cctx, types.KindDeviation, analyst, Submission{SubjectID: "PRJ-1"})
		assert.ErrorIs(t, err, context.Canceled)
		_, err = env.engine.Act(cctx, 1, lead, Decision{Action: types.ActionApprove})
		assert.ErrorIs(t, err, context.Canceled)
		_, err = env.engine.Execute(cctx, 1, sampleAdmin, "")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDeviationMonotonicity(t *testing.T) {
	env := newTestEnv(t)
	entity := env.advanceTo(t, 9)
	final := env.approve(t, entity.ID, director, nil)

	assert.Equal(t, types.StatusClosed, final.Status)
	assert.Equal(t, 9, final.CurrentStep)
	assert.Equal(t, fixedNow.UnixMilli(), final.CompletedAt)
	assert.Equal(t, "door seal", final.Attribute(FieldRootCause))
	assert.Equal(t, executor.UserID, final.Attribute(FieldExecutorID))
	assert.Equal(t, "seal replaced", final.Attribute(FieldExecutionResult))

	history, err := env.engine.History(context.Background(), entity.ID)
	require.NoError(t, err)
	require.Len(t, history, 9)
	for i, rec := range history {
		assert.Equal(t, i+1, rec.Step, "records advance one step at a time")
		assert.False(t, rec.IsPending())
	}
	assert.Equal(t, types.ActionExecute, history[4].Action)

	// One audit event for the submission and one per acted step.
	assert.Equal(t, 9, env.recorder.Len())

	_, err = env.engine.Act(context.Background(), entity.ID, director, Decision{Action: types.ActionApprove})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestQAStepScenario(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	entity := env.advanceTo(t, 3)
	require.Equal(t, types.PendingStatus(3), entity.Status)
	audited := env.recorder.Len()

	_, err := env.engine.Act(ctx, entity.ID, analyst, Decision{Step: 3, Action: types.ActionApprove})
	assert.ErrorIs(t, err, ErrPermission)

	unchanged, err := env.engine.Entity(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PendingStatus(3), unchanged.Status)
	assert.Equal(t, entity.Version, unchanged.Version)
	pending, _, err := env.engine.Pending(ctx, entity.ID)
	require.NoError(t, err)
	assert.True(t, pending.IsPending())
	assert.Equal(t, audited, env.recorder.Len())

	updated, err := env.engine.Act(ctx, entity.ID, qa, Decision{
		Step:    3,
		Action:  types.ActionApprove,
		Payload: map[string]interface{}{FieldRootCause: "X", FieldCorrectiveAction: "replace seal"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.PendingStatus(4), updated.Status)
	assert.Equal(t, "X", updated.Attribute(FieldRootCause))
	assert.Equal(t, "replace seal", updated.Attribute(FieldCorrectiveAction))

	stored, err := env.engine.Entity(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, "X", stored.Attribute(FieldRootCause))
	assert.Equal(t, audited+1, env.recorder.Len())
}

func TestExecutorSteps(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	entity := env.advanceTo(t, 4)

	for _, payload := range []map[string]interface{}{nil, {FieldExecutorID: "   "}} {
		_, err := env.engine.Act(ctx, entity.ID, lead, Decision{Action: types.ActionApprove, Payload: payload})
		assert.ErrorIs(t, err, ErrValidation)
	}
	entity = env.approve(t, entity.ID, lead, map[string]interface{}{FieldExecutorID: executor.UserID})
	require.Equal(t, 5, entity.CurrentStep)

	// The lead holds an allowed role but is not the designated executor.
	_, err := env.engine.Act(ctx, entity.ID, lead, Decision{Action: types.ActionExecute,
		Payload: map[string]interface{}{FieldExecutionResult: "done"}})
	assert.ErrorIs(t, err, ErrPermission)

	_, err = env.engine.Act(ctx, entity.ID, executor, Decision{Action: types.ActionExecute})
	assert.ErrorIs(t, err, ErrValidation)

	entity = env.approve(t, entity.ID, executor, map[string]interface{}{FieldExecutionResult: "seal replaced"})
	assert.Equal(t, types.PendingStatus(6), entity.Status)

	_, err = env.engine.Act(ctx, entity.ID, lead, Decision{Action: types.ActionExecute})
	assert.ErrorIs(t, err, ErrValidation, "execute is only accepted on execution steps")
}

// designate drives a fresh deviation to the execution step with userID as
// the executor.
func (env *testEnv) designate(t *testing.T, userID string) types.WorkflowEntity {
	t.Helper()
	entity := env.advanceTo(t, 4)
	entity = env.approve(t, entity.ID, lead, map[string]interface{}{FieldExecutorID: userID})
	require.Equal(t, 5, entity.CurrentStep)
	require.Equal(t, userID, entity.Attribute(FieldExecutorID))
	return entity
}

func TestDesignatedExecutor(t *testing.T) {
	ctx := context.Background()
	result := map[string]interface{}{FieldExecutionResult: "sensor recalibrated"}

	t.Run("any role may execute when designated", func(t *testing.T) {
		for _, actor := range []types.Actor{director, sysAdmin} {
			env := newTestEnv(t)
			entity := env.designate(t, actor.UserID)

			for _, other := range []types.Actor{analyst, lead, qa} {
				_, err := env.engine.Act(ctx, entity.ID, other, Decision{Action: types.ActionExecute, Payload: result})
				assert.ErrorIs(t, err, ErrPermission)
			}
			done, err := env.engine.Act(ctx, entity.ID, actor, Decision{Step: 5, Action: types.ActionExecute, Payload: result})
			require.NoError(t, err)
			assert.Equal(t, types.PendingStatus(6), done.Status)
			assert.Equal(t, "sensor recalibrated", done.Attribute(FieldExecutionResult))
		}
	})

	t.Run("designated executor may reject", func(t *testing.T) {
		env := newTestEnv(t)
		entity := env.designate(t, director.UserID)

		_, err := env.engine.Act(ctx, entity.ID, qa, Decision{Action: types.ActionReject})
		assert.ErrorIs(t, err, ErrPermission)

		rejected, err := env.engine.Act(ctx, entity.ID, director, Decision{Action: types.ActionReject, Comments: "out of scope"})
		require.NoError(t, err)
		assert.Equal(t, types.StatusRejected, rejected.Status)
	})

	t.Run("lead may reject without being designated", func(t *testing.T) {
		env := newTestEnv(t)
		entity := env.designate(t, sysAdmin.UserID)

		rejected, err := env.engine.Act(ctx, entity.ID, lead, Decision{Action: types.ActionReject, Comments: "executor unavailable"})
		require.NoError(t, err)
		assert.Equal(t, types.StatusRejected, rejected.Status)

		history, err := env.engine.History(ctx, entity.ID)
		require.NoError(t, err)
		last := history[len(history)-1]
		assert.Equal(t, 5, last.Step)
		assert.Equal(t, lead.UserID, last.UserID)
		assert.Equal(t, types.ActionReject, last.Action)
	})

	t.Run("lead reassigns the executor", func(t *testing.T) {
		env := newTestEnv(t)
		entity := env.designate(t, director.UserID)
		events := env.recorder.Len()

		_, err := env.engine.Act(ctx, entity.ID, lead, Decision{Action: types.ActionReassign})
		assert.ErrorIs(t, err, ErrValidation)
		_, err = env.engine.Act(ctx, entity.ID, analyst, Decision{Action: types.ActionReassign,
			Payload: map[string]interface{}{FieldExecutorID: analyst.UserID}})
		assert.ErrorIs(t, err, ErrPermission)
		_, err = env.engine.Act(ctx, entity.ID, director, Decision{Action: types.ActionReassign,
			Payload: map[string]interface{}{FieldExecutorID: analyst.UserID}})
		assert.ErrorIs(t, err, ErrPermission, "only supervisors reassign")

		moved, err := env.engine.Act(ctx, entity.ID, lead, Decision{Action: types.ActionReassign,
			Payload: map[string]interface{}{FieldExecutorID: " " + sysAdmin.UserID + " "}})
		require.NoError(t, err)
		assert.Equal(t, types.PendingStatus(5), moved.Status)
		assert.Equal(t, sysAdmin.UserID, moved.Attribute(FieldExecutorID))
		assert.Equal(t, entity.Version+1, moved.Version)

		pending, _, err := env.engine.Pending(ctx, entity.ID)
		require.NoError(t, err)
		assert.Equal(t, 5, pending.Step)
		assert.True(t, pending.IsPending())

		require.Equal(t, events+1, env.recorder.Len())
		ev := env.recorder.Events()[events]
		assert.Equal(t, "reassign", ev.Action)
		assert.Equal(t, director.UserID, ev.Details["from"])
		assert.Equal(t, sysAdmin.UserID, ev.Details["to"])

		_, err = env.engine.Act(ctx, entity.ID, director, Decision{Action: types.ActionExecute, Payload: result})
		assert.ErrorIs(t, err, ErrPermission)
		done, err := env.engine.Act(ctx, entity.ID, sysAdmin, Decision{Action: types.ActionExecute, Payload: result})
		require.NoError(t, err)
		assert.Equal(t, types.PendingStatus(6), done.Status)
	})

	t.Run("reassign needs a designated step", func(t *testing.T) {
		env := newTestEnv(t)
		entity := env.advanceTo(t, 3)
		_, err := env.engine.Act(ctx, entity.ID, qa, Decision{Action: types.ActionReassign,
			Payload: map[string]interface{}{FieldExecutorID: analyst.UserID}})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestActChecksRegisteredRoles(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	entity := env.advanceTo(t, 3)

	// Roles stored on the record do not grant access; the table decides.
	env.engine.storage = rolesOverride{MemoryStorage: env.store, roles: types.NewRoleSet(types.RoleLabDirector)}
	_, err := env.engine.Act(ctx, entity.ID, director, Decision{Action: types.ActionApprove})
	assert.ErrorIs(t, err, ErrPermission)
	moved, err := env.engine.Act(ctx, entity.ID, qa, Decision{Action: types.ActionApprove})
	require.NoError(t, err)
	assert.Equal(t, types.PendingStatus(4), moved.Status)
}

// rolesOverride reports pending records with different roles than stored.
type rolesOverride struct {
	*storage.MemoryStorage
	roles types.RoleSet
}

func (r rolesOverride) Pending(ctx context.Context, id uint64) (types.ApprovalRecord, error) {
	rec, err := r.MemoryStorage.Pending(ctx, id)
	rec.Roles = r.roles
	return rec, err
}

func TestActRefusals(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	entity := env.advanceTo(t, 3)

	tests := []struct {
		name     string
		entityID uint64
		actor    types.Actor
		decision Decision
		want     error
	}{
		{"wrong step", entity.ID, qa, Decision{Step: 5, Action: types.ActionApprove}, ErrInvalidTransition},
		{"earlier step", entity.ID, lead, Decision{Step: 2, Action: types.ActionApprove}, ErrInvalidTransition},
		{"unknown action", entity.ID, qa, Decision{Action: "escalate"}, ErrValidation},
		{"wrong role", entity.ID, director, Decision{Action: types.ActionReject}, ErrPermission},
		{"missing entity", 999, qa, Decision{Action: types.ActionApprove}, storage.ErrEntityNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.Act(ctx, tt.entityID, tt.actor, tt.decision)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	stored, err := env.engine.Entity(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, entity, stored)
}

func TestRejectIsTerminal(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	entity := env.submitDeviation(t)

	rejected, err := env.engine.Act(ctx, entity.ID, lead, Decision{Step: 2, Action: types.ActionReject, Comments: "duplicate report"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, rejected.Status)
	assert.Zero(t, rejected.CompletedAt)

	_, _, err = env.engine.Pending(ctx, entity.ID)
	assert.ErrorIs(t, err, storage.ErrNoPending)

	events := env.recorder.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "reject", events[1].Action)
	assert.Equal(t, "duplicate report", events[1].Reason)

	for _, actor := range []types.Actor{lead, qa, director} {
		for _, action := range []types.Action{types.ActionApprove, types.ActionReject, types.ActionExecute} {
			_, err := env.engine.Act(ctx, entity.ID, actor, Decision{Action: action})
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
	}
	stored, err := env.engine.Entity(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, rejected, stored)
	assert.Equal(t, 2, env.recorder.Len())
}

func TestArchiveWorkflow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	t.Run("reject reverts the project", func(t *testing.T) {
		entity, err := env.engine.Submit(ctx, types.KindArchive, lead, Submission{
			SubjectID: "PRJ-1",
			Payload:   map[string]interface{}{FieldReason: "study closed"},
		})
		require.NoError(t, err)
		assert.Equal(t, types.PendingStatus(2), entity.Status)
		assert.Equal(t, "study closed", entity.Attribute(FieldReason))

		p, _ := env.projects.Project("PRJ-1")
		assert.Equal(t, ProjectPendingArchive, p.Status)

		_, err = env.engine.Act(ctx, entity.ID, testManager, Decision{Action: types.ActionReject})
		require.NoError(t, err)
		p, _ = env.projects.Project("PRJ-1")
		assert.Equal(t, ProjectActive, p.Status)
		assert.True(t, p.Active)
	})

	t.Run("completion archives the project", func(t *testing.T) {
		entity, err := env.engine.Submit(ctx, types.KindArchive, testManager, Submission{SubjectID: "PRJ-2"})
		require.NoError(t, err)

		entity = env.approve(t, entity.ID, testManager, nil)
		entity = env.approve(t, entity.ID, qa, nil)
		p, _ := env.projects.Project("PRJ-2")
		assert.Equal(t, ProjectPendingArchive, p.Status)

		_, err = env.engine.Act(ctx, entity.ID, qa, Decision{Action: types.ActionApprove})
		assert.ErrorIs(t, err, ErrPermission)

		entity = env.approve(t, entity.ID, sysAdmin, nil)
		assert.Equal(t, types.StatusArchived, entity.Status)
		assert.Equal(t, fixedNow.UnixMilli(), entity.CompletedAt)

		p, _ = env.projects.Project("PRJ-2")
		assert.Equal(t, ProjectArchived, p.Status)
		assert.False(t, p.Active)
		assert.Equal(t, fixedNow, p.ArchivedAt)
	})

	t.Run("side effect failure keeps the commit", func(t *testing.T) {
		entity, err := env.engine.Submit(ctx, types.KindArchive, lead, Submission{SubjectID: "PRJ-404"})
		assert.ErrorIs(t, err, ErrSideEffect)
		require.NotZero(t, entity.ID)

		stored, err := env.engine.Entity(ctx, entity.ID)
		require.NoError(t, err)
		assert.Equal(t, types.PendingStatus(2), stored.Status)
	})
}

func TestDestroyWorkflow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	targets := []string{"PRJ-1-001-PK-P1", "PRJ-1-001-PK-B1"}

	_, err := env.engine.Submit(ctx, types.KindDestroy, analyst, Submission{SubjectID: "PRJ-1", Targets: targets})
	assert.ErrorIs(t, err, ErrPermission)

	entity, err := env.engine.Submit(ctx, types.KindDestroy, sampleAdmin, Submission{
		SubjectID: "PRJ-1",
		Targets:   targets,
		Comments:  "retention expired",
		Payload:   map[string]interface{}{FieldMethod: "incineration"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.PendingStatus(1), entity.Status)
	assert.Equal(t, "incineration", entity.Attribute(FieldMethod))
	assert.Equal(t, "retention expired", entity.Attribute("comments"))

	history, err := env.engine.History(ctx, entity.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].IsPending())

	_, err = env.engine.Execute(ctx, entity.ID, sampleAdmin, "")
	assert.ErrorIs(t, err, ErrInvalidTransition, "not ready yet")

	env.approve(t, entity.ID, testManager, nil)
	entity = env.approve(t, entity.ID, director, nil)
	assert.Equal(t, types.StatusReady, entity.Status)
	assert.Zero(t, entity.CompletedAt)
	assert.False(t, env.samples.Destroyed(targets[0]), "approval does not destroy")

	_, _, err = env.engine.Pending(ctx, entity.ID)
	assert.ErrorIs(t, err, storage.ErrNoPending)
	_, err = env.engine.Act(ctx, entity.ID, director, Decision{Action: types.ActionApprove})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = env.engine.Execute(ctx, entity.ID, testManager, "")
	assert.ErrorIs(t, err, ErrPermission)

	done, err := env.engine.Execute(ctx, entity.ID, sampleAdmin, "bin 4")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, done.Status)
	assert.Equal(t, sampleAdmin.UserID, done.Attribute("executed_by"))
	assert.NotZero(t, done.CompletedAt)
	for _, code := range targets {
		assert.True(t, env.samples.Destroyed(code))
	}

	_, err = env.engine.Execute(ctx, entity.ID, sampleAdmin, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	events := env.recorder.Events()
	require.Len(t, events, 4)
	assert.Equal(t, []string{"submit", "approve", "approve", "execute"},
		[]string{events[0].Action, events[1].Action, events[2].Action, events[3].Action})

	deviation := env.submitDeviation(t)
	_, err = env.engine.Execute(ctx, deviation.ID, sampleAdmin, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// barrierStorage holds every Pending read until n callers have read, so
// racing actors all see the same pending record.
type barrierStorage struct {
	*storage.MemoryStorage
	wg *sync.WaitGroup
}

func (b barrierStorage) Pending(ctx context.Context, id uint64) (types.ApprovalRecord, error) {
	rec, err := b.MemoryStorage.Pending(ctx, id)
	b.wg.Done()
	b.wg.Wait()
	return rec, err
}

func TestConcurrentAct(t *testing.T) {
	ctx := context.Background()
	recorder := &audit.Recorder{}
	mem := storage.NewMemoryStorage()
	engine, err := NewEngine(&MockGenerator{}, mem, WithAuditSink(recorder))
	require.NoError(t, err)
	require.NoError(t, engine.Register(DeviationDefinition()))

	entity, err := engine.Submit(ctx, types.KindDeviation, analyst, Submission{
		SubjectID: "PRJ-1",
		Payload:   map[string]interface{}{FieldDescription: "label smudged"},
	})
	require.NoError(t, err)

	const racers = 2
	var barrier sync.WaitGroup
	barrier.Add(racers)
	engine.storage = barrierStorage{MemoryStorage: mem, wg: &barrier}

	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := types.Actor{UserID: "u-lead-" + string(rune('a'+i)), Role: types.RoleProjectLead}
			_, errs[i] = engine.Act(ctx, entity.ID, actor, Decision{Step: 2, Action: types.ActionApprove})
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrConcurrentModification):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, 2, recorder.Len(), "submit plus exactly one approval")

	history, err := mem.Records(ctx, entity.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3)
	pending := 0
	for _, r := range history {
		if r.IsPending() {
			pending++
		}
	}
	assert.Equal(t, 1, pending)
}

func TestObservability(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)
	core, logs := observer.New(zapcore.DebugLevel)
	failing := audit.SinkFunc(func(context.Context, audit.Event) error { return errors.New("audit store down") })

	engine, err := NewEngine(&MockGenerator{}, nil,
		WithMetrics(metrics),
		WithLogger(zap.New(core)),
		WithAuditSink(failing),
	)
	require.NoError(t, err)
	require.NoError(t, engine.Register(DeviationDefinition()))

	entity, err := engine.Submit(ctx, types.KindDeviation, analyst, Submission{
		SubjectID: "PRJ-1",
		Payload:   map[string]interface{}{FieldDescription: "label smudged"},
	})
	require.NoError(t, err, "audit failures do not fail the transition")

	_, err = engine.Act(ctx, entity.ID, qa, Decision{Action: types.ActionApprove})
	require.ErrorIs(t, err, ErrPermission)
	_, err = engine.Act(ctx, entity.ID, lead, Decision{Action: types.ActionApprove})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Transitions.WithLabelValues("deviation", "submit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Transitions.WithLabelValues("deviation", "approve")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Rejected.WithLabelValues("deviation", "permission")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.ApplyDuration))

	assert.Equal(t, 2, logs.FilterMessage("transition committed").Len())
	assert.Equal(t, 2, logs.FilterMessage("audit sink failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("action refused").Len())
}

func TestSubmitLogsStep(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.InfoLevel)
	engine, err := NewEngine(&MockGenerator{}, nil, WithLogger(zap.New(core)))
	require.NoError(t, err)
	for _, def := range Definitions() {
		require.NoError(t, engine.Register(def))
	}

	_, err = engine.Submit(ctx, types.KindDestroy, sampleAdmin, Submission{SubjectID: "PRJ-1", Targets: []string{"S-1"}})
	require.NoError(t, err)
	_, err = engine.Submit(ctx, types.KindDeviation, analyst, Submission{
		SubjectID: "PRJ-1",
		Payload:   map[string]interface{}{FieldDescription: "tube cracked"},
	})
	require.NoError(t, err)

	entries := logs.FilterMessage("transition committed").All()
	require.Len(t, entries, 2)
	assert.Equal(t, int64(0), entries[0].ContextMap()["step"], "destroy requests are not a step")
	assert.Equal(t, int64(1), entries[1].ContextMap()["step"])
}
