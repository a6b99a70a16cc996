package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/lab-workflow/audit"
	"github.com/songzhibin97/lab-workflow/obs"
	"github.com/songzhibin97/lab-workflow/rules"
	"github.com/songzhibin97/lab-workflow/storage"
	"github.com/songzhibin97/lab-workflow/types"
)

// Reasons attached to refused actions in metrics and debug logs.
const (
	reasonPermission = "permission"
	reasonValidation = "validation"
	reasonTransition = "invalid_transition"
	reasonConflict   = "conflict"
)

// Submission creates a workflow entity.
type Submission struct {
	// SubjectID is the project or sample set the entity is about.
	SubjectID string
	Targets   []string
	Comments  string
	Payload   map[string]interface{}
}

// Decision is an actor's action on the pending step. A zero Step means
// whichever step is pending.
type Decision struct {
	Step     int
	Action   types.Action
	Comments string
	Payload  map[string]interface{}
}

// Engine drives approval workflows. It is safe for concurrent use; the
// storage compare-and-swap decides between racing actors.
type Engine struct {
	definitions map[types.Kind]Definition
	effects     map[types.Kind]Effects
	mu          sync.RWMutex

	generate  generator.Generator
	storage   storage.Storage
	evaluator rules.Evaluator
	sink      audit.Sink
	logger    *zap.Logger
	metrics   *obs.Metrics
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvaluator sets the evaluator for step requirements.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *Engine) {
		if evaluator != nil {
			e.evaluator = evaluator
		}
	}
}

// WithAuditSink sets where successful transitions are reported.
func WithAuditSink(sink audit.Sink) Option {
	return func(e *Engine) {
		if sink != nil {
			e.sink = sink
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(m *obs.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithEffects attaches side-effect hooks to a workflow kind.
func WithEffects(kind types.Kind, effects Effects) Option {
	return func(e *Engine) {
		if effects != nil {
			e.effects[kind] = effects
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an Engine. A nil store falls back to memory storage.
func NewEngine(generate generator.Generator, store storage.Storage, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	e := &Engine{
		definitions: make(map[types.Kind]Definition),
		effects:     make(map[types.Kind]Effects),
		generate:    generate,
		storage:     store,
		evaluator:   rules.NewExprEvaluator(),
		sink:        audit.Nop,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("workflow")
	return e, nil
}

// Register validates and installs a definition. Requirement expressions are
// compiled up front when the evaluator supports it.
func (e *Engine) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if c, ok := e.evaluator.(interface{ Compile(string) error }); ok {
		for _, s := range def.Steps {
			for _, req := range s.Require {
				if err := c.Compile(req.Expr); err != nil {
					return fmt.Errorf("%w: %s step %d requirement %q: %v", ErrInvalidDefinition, def.Kind, s.Step, req.Expr, err)
				}
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.definitions[def.Kind]; ok {
		return fmt.Errorf("%w: %s already registered", ErrInvalidDefinition, def.Kind)
	}
	e.definitions[def.Kind] = def.clone()
	return nil
}

// Definition returns the registered definition of kind.
func (e *Engine) Definition(kind types.Kind) (Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.definitions[kind]
	if !ok {
		return Definition{}, false
	}
	return def.clone(), true
}

func (e *Engine) definition(kind types.Kind) (Definition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.definitions[kind]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, kind)
	}
	return def, nil
}

func (e *Engine) effectsFor(kind types.Kind) Effects {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if fx, ok := e.effects[kind]; ok {
		return fx
	}
	return NopEffects{}
}

// Submit creates an entity of kind on behalf of actor.
func (e *Engine) Submit(ctx context.Context, kind types.Kind, actor types.Actor, sub Submission) (types.WorkflowEntity, error) {
	select {
	case <-ctx.Done():
		return types.WorkflowEntity{}, ctx.Err()
	default:
	}

	def, err := e.definition(kind)
	if err != nil {
		return types.WorkflowEntity{}, err
	}
	if !def.CanSubmit(actor.Role) {
		return types.WorkflowEntity{}, e.refuse(kind, reasonPermission,
			fmt.Errorf("%w: role %s may not submit %s", ErrPermission, actor.Role, kind))
	}
	if strings.TrimSpace(actor.UserID) == "" {
		return types.WorkflowEntity{}, e.refuse(kind, reasonValidation, fmt.Errorf("%w: actor user id is required", ErrValidation))
	}
	if strings.TrimSpace(sub.SubjectID) == "" {
		return types.WorkflowEntity{}, e.refuse(kind, reasonValidation, fmt.Errorf("%w: subject id is required", ErrValidation))
	}
	targets := trimAll(sub.Targets)
	if def.RequireTargets && len(targets) == 0 {
		return types.WorkflowEntity{}, e.refuse(kind, reasonValidation, fmt.Errorf("%w: %s needs at least one target", ErrValidation, kind))
	}

	now := e.now()
	entityID, err := e.generate.NextID()
	if err != nil {
		return types.WorkflowEntity{}, fmt.Errorf("failed to generate ID: %w", err)
	}
	entity := types.WorkflowEntity{
		ID:          entityID,
		Kind:        kind,
		SubjectID:   strings.TrimSpace(sub.SubjectID),
		Targets:     targets,
		Attributes:  make(map[string]string),
		SubmittedBy: actor.UserID,
		CreatedAt:   now.UnixMilli(),
		UpdatedAt:   now.UnixMilli(),
	}

	var records []types.ApprovalRecord
	if def.SelfReported {
		report, _ := def.Step(1)
		payload := capture(report, sub.Payload)
		if err := e.checkRequirements(report, payload, entity); err != nil {
			return types.WorkflowEntity{}, e.refuse(kind, reasonValidation, err)
		}
		denormalize(entity.Attributes, report.Denormalize, payload)

		id, err := e.generate.NextID()
		if err != nil {
			return types.WorkflowEntity{}, fmt.Errorf("failed to generate ID: %w", err)
		}
		records = append(records, types.ApprovalRecord{
			ID:          id,
			EntityID:    entityID,
			Step:        report.Step,
			StepName:    report.Name,
			Roles:       append(types.RoleSet(nil), report.AllowedRoles...),
			ActorRole:   actor.Role,
			UserID:      actor.UserID,
			Action:      types.ActionSubmit,
			Comments:    sub.Comments,
			Payload:     payload,
			CreatedAt:   now.UnixMilli(),
			ProcessedAt: now.UnixMilli(),
		})
	} else {
		for _, f := range def.SubmitFields {
			if v, ok := sub.Payload[f]; ok {
				entity.Attributes[f] = stringify(v)
			}
		}
		if sub.Comments != "" {
			entity.Attributes["comments"] = sub.Comments
		}
	}

	first, _ := def.Step(def.FirstPending())
	pending, err := e.pendingRecord(entityID, first, now)
	if err != nil {
		return types.WorkflowEntity{}, err
	}
	records = append(records, pending)
	entity.CurrentStep = first.Step
	entity.Status = types.PendingStatus(first.Step)

	if err := e.storage.Create(ctx, entity, records); err != nil {
		return types.WorkflowEntity{}, fmt.Errorf("failed to create %s: %w", kind, err)
	}

	// Step 0 marks a submission that is not itself a step.
	submitted := 0
	if def.SelfReported {
		submitted = 1
	}
	e.committed(ctx, actor, entity, types.ActionSubmit, submitted, sub.Comments, map[string]interface{}{
		"subject_id": entity.SubjectID,
		"targets":    entity.Targets,
	})
	if err := e.effectsFor(kind).Submitted(ctx, entity); err != nil {
		return entity, e.sideEffectFailed(entity, types.ActionSubmit, err)
	}
	return entity, nil
}

// Act applies an approve, reject or execute decision to the pending step.
func (e *Engine) Act(ctx context.Context, entityID uint64, actor types.Actor, d Decision) (types.WorkflowEntity, error) {
	select {
	case <-ctx.Done():
		return types.WorkflowEntity{}, ctx.Err()
	default:
	}

	entity, err := e.storage.Entity(ctx, entityID)
	if err != nil {
		return types.WorkflowEntity{}, fmt.Errorf("failed to get entity: %w", err)
	}
	def, err := e.definition(entity.Kind)
	if err != nil {
		return types.WorkflowEntity{}, err
	}
	kind := entity.Kind

	if types.IsTerminal(entity.Status) || entity.Status == def.SuccessStatus {
		return types.WorkflowEntity{}, e.refuse(kind, reasonTransition,
			fmt.Errorf("%w: %s %d is %s", ErrInvalidTransition, kind, entityID, entity.Status))
	}
	pending, err := e.storage.Pending(ctx, entityID)
	if errors.Is(err, storage.ErrNoPending) {
		return types.WorkflowEntity{}, e.refuse(kind, reasonTransition,
			fmt.Errorf("%w: %s %d has no pending step", ErrInvalidTransition, kind, entityID))
	} else if err != nil {
		return types.WorkflowEntity{}, fmt.Errorf("failed to get pending record: %w", err)
	}
	if d.Step != 0 && d.Step != pending.Step {
		return types.WorkflowEntity{}, e.refuse(kind, reasonTransition,
			fmt.Errorf("%w: step %d is not pending, step %d is", ErrInvalidTransition, d.Step, pending.Step))
	}
	spec, ok := def.Step(pending.Step)
	if !ok {
		return types.WorkflowEntity{}, fmt.Errorf("%w: %s has no step %d", ErrInvalidTransition, kind, pending.Step)
	}

	supervising := spec.SupervisorRoles.Contains(actor.Role) &&
		(d.Action == types.ActionReject || d.Action == types.ActionReassign)
	if !spec.AllowedRoles.Contains(actor.Role) && !supervising {
		return types.WorkflowEntity{}, e.refuse(kind, reasonPermission,
			fmt.Errorf("%w: role %s may not act on %s step %d", ErrPermission, actor.Role, kind, spec.Step))
	}
	if spec.DesignatedActorField != "" && !supervising {
		if designated := entity.Attribute(spec.DesignatedActorField); designated != "" && designated != actor.UserID {
			return types.WorkflowEntity{}, e.refuse(kind, reasonPermission,
				fmt.Errorf("%w: step %d is assigned to %s", ErrPermission, spec.Step, designated))
		}
	}
	if strings.TrimSpace(actor.UserID) == "" {
		return types.WorkflowEntity{}, e.refuse(kind, reasonValidation, fmt.Errorf("%w: actor user id is required", ErrValidation))
	}

	forward := false
	switch d.Action {
	case types.ActionApprove:
		forward = true
	case types.ActionExecute:
		if !spec.Execution {
			return types.WorkflowEntity{}, e.refuse(kind, reasonValidation,
				fmt.Errorf("%w: step %d does not accept %s", ErrValidation, spec.Step, d.Action))
		}
		forward = true
	case types.ActionReject:
	case types.ActionReassign:
		if spec.DesignatedActorField == "" {
			return types.WorkflowEntity{}, e.refuse(kind, reasonValidation,
				fmt.Errorf("%w: step %d has no designated actor to reassign", ErrValidation, spec.Step))
		}
		if !supervising {
			return types.WorkflowEntity{}, e.refuse(kind, reasonPermission,
				fmt.Errorf("%w: role %s may not reassign %s step %d", ErrPermission, actor.Role, kind, spec.Step))
		}
		return e.reassign(ctx, entity, spec, actor, d)
	default:
		return types.WorkflowEntity{}, e.refuse(kind, reasonValidation, fmt.Errorf("%w: unknown action %q", ErrValidation, d.Action))
	}

	var payload map[string]interface{}
	if forward {
		payload = capture(spec, d.Payload)
		if err := e.checkRequirements(spec, payload, entity); err != nil {
			return types.WorkflowEntity{}, e.refuse(kind, reasonValidation, err)
		}
	}

	now := e.now()
	processed := pending.Clone()
	processed.UserID = actor.UserID
	processed.ActorRole = actor.Role
	processed.Action = d.Action
	processed.Comments = d.Comments
	processed.Payload = payload
	processed.ProcessedAt = now.UnixMilli()

	updated := entity.Clone()
	if updated.Attributes == nil {
		updated.Attributes = make(map[string]string)
	}
	updated.UpdatedAt = now.UnixMilli()

	var next *types.ApprovalRecord
	completed := false
	switch {
	case !forward:
		updated.Status = types.StatusRejected
	case spec.Step == def.LastStep():
		denormalize(updated.Attributes, spec.Denormalize, payload)
		updated.Status = def.SuccessStatus
		if types.IsTerminal(def.SuccessStatus) {
			updated.CompletedAt = now.UnixMilli()
		}
		completed = true
	default:
		denormalize(updated.Attributes, spec.Denormalize, payload)
		nextSpec, _ := def.Step(spec.Step + 1)
		rec, err := e.pendingRecord(entity.ID, nextSpec, now)
		if err != nil {
			return types.WorkflowEntity{}, err
		}
		next = &rec
		updated.CurrentStep = nextSpec.Step
		updated.Status = types.PendingStatus(nextSpec.Step)
	}

	if err := e.apply(ctx, storage.Transition{
		Entity:          updated,
		ExpectedVersion: entity.Version,
		Processed:       &processed,
		Next:            next,
	}); err != nil {
		return types.WorkflowEntity{}, err
	}
	updated.Version = entity.Version + 1

	details := map[string]interface{}{
		"step":      spec.Step,
		"step_name": spec.Name,
		"status":    updated.Status,
	}
	if len(payload) > 0 {
		details["payload"] = payload
	}
	e.committed(ctx, actor, updated, d.Action, spec.Step, d.Comments, details)

	var fxErr error
	fx := e.effectsFor(kind)
	switch {
	case !forward:
		fxErr = fx.Rejected(ctx, updated)
	case completed:
		fxErr = fx.Completed(ctx, updated)
	}
	if fxErr != nil {
		return updated, e.sideEffectFailed(updated, d.Action, fxErr)
	}
	return updated, nil
}

// reassign names a new designated actor for the pending step. The pending
// record is left as is; only the entity changes.
func (e *Engine) reassign(ctx context.Context, entity types.WorkflowEntity, spec types.StepSpec, actor types.Actor, d Decision) (types.WorkflowEntity, error) {
	field := spec.DesignatedActorField
	assignee := stringify(d.Payload[field])
	if assignee == "" {
		return types.WorkflowEntity{}, e.refuse(entity.Kind, reasonValidation,
			fmt.Errorf("%w: step %d: %s is required", ErrValidation, spec.Step, field))
	}

	updated := entity.Clone()
	if updated.Attributes == nil {
		updated.Attributes = make(map[string]string)
	}
	previous := updated.Attributes[field]
	updated.Attributes[field] = assignee
	updated.UpdatedAt = e.now().UnixMilli()

	if err := e.apply(ctx, storage.Transition{Entity: updated, ExpectedVersion: entity.Version}); err != nil {
		return types.WorkflowEntity{}, err
	}
	updated.Version = entity.Version + 1

	e.committed(ctx, actor, updated, types.ActionReassign, spec.Step, d.Comments, map[string]interface{}{
		"step":      spec.Step,
		"step_name": spec.Name,
		"status":    updated.Status,
		"field":     field,
		"from":      previous,
		"to":        assignee,
	})
	return updated, nil
}

// Execute performs a "ready" entity's deferred action and completes it.
func (e *Engine) Execute(ctx context.Context, entityID uint64, actor types.Actor, comments string) (types.WorkflowEntity, error) {
	select {
	case <-ctx.Done():
		return types.WorkflowEntity{}, ctx.Err()
	default:
	}

	entity, err := e.storage.Entity(ctx, entityID)
	if err != nil {
		return types.WorkflowEntity{}, fmt.Errorf("failed to get entity: %w", err)
	}
	def, err := e.definition(entity.Kind)
	if err != nil {
		return types.WorkflowEntity{}, err
	}
	kind := entity.Kind

	if len(def.ExecuteRoles) == 0 || entity.Status != types.StatusReady {
		return types.WorkflowEntity{}, e.refuse(kind, reasonTransition,
			fmt.Errorf("%w: %s %d is %s, not %s", ErrInvalidTransition, kind, entityID, entity.Status, types.StatusReady))
	}
	if !def.ExecuteRoles.Contains(actor.Role) {
		return types.WorkflowEntity{}, e.refuse(kind, reasonPermission,
			fmt.Errorf("%w: role %s may not execute %s", ErrPermission, actor.Role, kind))
	}
	if strings.TrimSpace(actor.UserID) == "" {
		return types.WorkflowEntity{}, e.refuse(kind, reasonValidation, fmt.Errorf("%w: actor user id is required", ErrValidation))
	}

	now := e.now()
	updated := entity.Clone()
	if updated.Attributes == nil {
		updated.Attributes = make(map[string]string)
	}
	updated.Status = types.StatusCompleted
	updated.UpdatedAt = now.UnixMilli()
	updated.CompletedAt = now.UnixMilli()
	updated.Attributes["executed_by"] = actor.UserID
	if comments != "" {
		updated.Attributes["execution_comments"] = comments
	}

	if err := e.apply(ctx, storage.Transition{Entity: updated, ExpectedVersion: entity.Version}); err != nil {
		return types.WorkflowEntity{}, err
	}
	updated.Version = entity.Version + 1

	e.committed(ctx, actor, updated, types.ActionExecute, updated.CurrentStep, comments, map[string]interface{}{
		"status":  updated.Status,
		"targets": updated.Targets,
	})
	if err := e.effectsFor(kind).Executed(ctx, updated); err != nil {
		return updated, e.sideEffectFailed(updated, types.ActionExecute, err)
	}
	return updated, nil
}

// Entity returns the current state of an entity.
func (e *Engine) Entity(ctx context.Context, entityID uint64) (types.WorkflowEntity, error) {
	return e.storage.Entity(ctx, entityID)
}

// History lists an entity's approval records in step order.
func (e *Engine) History(ctx context.Context, entityID uint64) ([]types.ApprovalRecord, error) {
	return e.storage.Records(ctx, entityID)
}

// Pending returns the pending record together with its step spec.
func (e *Engine) Pending(ctx context.Context, entityID uint64) (types.ApprovalRecord, types.StepSpec, error) {
	entity, err := e.storage.Entity(ctx, entityID)
	if err != nil {
		return types.ApprovalRecord{}, types.StepSpec{}, err
	}
	def, err := e.definition(entity.Kind)
	if err != nil {
		return types.ApprovalRecord{}, types.StepSpec{}, err
	}
	rec, err := e.storage.Pending(ctx, entityID)
	if err != nil {
		return types.ApprovalRecord{}, types.StepSpec{}, err
	}
	spec, _ := def.Step(rec.Step)
	return rec, spec, nil
}

func (e *Engine) pendingRecord(entityID uint64, spec types.StepSpec, now time.Time) (types.ApprovalRecord, error) {
	id, err := e.generate.NextID()
	if err != nil {
		return types.ApprovalRecord{}, fmt.Errorf("failed to generate ID: %w", err)
	}
	return types.ApprovalRecord{
		ID:        id,
		EntityID:  entityID,
		Step:      spec.Step,
		StepName:  spec.Name,
		Roles:     append(types.RoleSet(nil), spec.AllowedRoles...),
		CreatedAt: now.UnixMilli(),
	}, nil
}

// apply commits a transition and maps a lost compare-and-swap.
func (e *Engine) apply(ctx context.Context, tr storage.Transition) error {
	start := time.Now()
	err := e.storage.Apply(ctx, tr)
	e.metrics.ObserveApply(string(tr.Entity.Kind), time.Since(start).Seconds())
	if errors.Is(err, storage.ErrConflict) {
		return e.refuse(tr.Entity.Kind, reasonConflict, fmt.Errorf("%w: %v", ErrConcurrentModification, err))
	}
	if err != nil {
		return fmt.Errorf("failed to apply transition: %w", err)
	}
	return nil
}

// checkRequirements evaluates step requirements. Every declared field is
// present in the env, defaulting to "".
func (e *Engine) checkRequirements(spec types.StepSpec, payload map[string]interface{}, entity types.WorkflowEntity) error {
	if len(spec.Require) == 0 {
		return nil
	}
	env := make(map[string]interface{}, len(spec.Fields)+1)
	for _, f := range spec.Fields {
		env[f] = ""
	}
	for k, v := range payload {
		env[k] = v
	}
	attrs := make(map[string]interface{}, len(entity.Attributes))
	for k, v := range entity.Attributes {
		attrs[k] = v
	}
	env["entity"] = attrs

	for _, req := range spec.Require {
		ok, err := e.evaluator.Evaluate(req.Expr, env)
		if err != nil {
			return fmt.Errorf("%w: step %d requirement %q: %v", ErrValidation, spec.Step, req.Expr, err)
		}
		if !ok {
			msg := req.Message
			if msg == "" {
				msg = fmt.Sprintf("requirement %q not met", req.Expr)
			}
			return fmt.Errorf("%w: step %d: %s", ErrValidation, spec.Step, msg)
		}
	}
	return nil
}

func (e *Engine) refuse(kind types.Kind, reason string, err error) error {
	e.metrics.ObserveRejected(string(kind), reason)
	e.logger.Debug("action refused", zap.String("kind", string(kind)), zap.String("reason", reason), zap.Error(err))
	return err
}

// committed reports a successful transition exactly once.
func (e *Engine) committed(ctx context.Context, actor types.Actor, entity types.WorkflowEntity, action types.Action, step int, comments string, details map[string]interface{}) {
	e.metrics.ObserveTransition(string(entity.Kind), string(action))
	e.logger.Info("transition committed",
		zap.String("kind", string(entity.Kind)),
		zap.Uint64("entity_id", entity.ID),
		zap.Int("step", step),
		zap.String("action", string(action)),
		zap.String("status", entity.Status),
		zap.String("user_id", actor.UserID),
	)

	ev := audit.Event{
		ActorID:    actor.UserID,
		EntityType: string(entity.Kind),
		EntityID:   audit.FormatID(entity.ID),
		Action:     string(action),
		Details:    details,
		At:         e.now().UTC(),
	}
	ev.ID = audit.NewEventID(ev.At)
	if action == types.ActionReject {
		ev.Reason = comments
	} else if comments != "" {
		ev.Details["comments"] = comments
	}
	if err := e.sink.Record(ctx, ev); err != nil {
		e.logger.Warn("audit sink failed", zap.Uint64("entity_id", entity.ID), zap.String("action", string(action)), zap.Error(err))
	}
}

func (e *Engine) sideEffectFailed(entity types.WorkflowEntity, action types.Action, err error) error {
	e.logger.Error("side effect failed",
		zap.String("kind", string(entity.Kind)),
		zap.Uint64("entity_id", entity.ID),
		zap.String("action", string(action)),
		zap.Error(err),
	)
	return fmt.Errorf("%w: %s %d after %s: %w", ErrSideEffect, entity.Kind, entity.ID, action, err)
}

// capture keeps the payload keys the step declares.
func capture(spec types.StepSpec, payload map[string]interface{}) map[string]interface{} {
	if len(spec.Fields) == 0 || len(payload) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(spec.Fields))
	for _, f := range spec.Fields {
		if v, ok := payload[f]; ok && v != nil {
			out[f] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func denormalize(attrs map[string]string, fields []string, payload map[string]interface{}) {
	for _, f := range fields {
		if v, ok := payload[f]; ok {
			attrs[f] = stringify(v)
		}
	}
}

func stringify(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	default:
		return fmt.Sprint(x)
	}
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
