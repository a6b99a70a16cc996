package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/lab-workflow/types"
)

// Effects are follow-up changes to state outside the workflow entity. They
// run after the transition is committed.
type Effects interface {
	Submitted(ctx context.Context, entity types.WorkflowEntity) error
	Rejected(ctx context.Context, entity types.WorkflowEntity) error
	Completed(ctx context.Context, entity types.WorkflowEntity) error
	Executed(ctx context.Context, entity types.WorkflowEntity) error
}

// NopEffects does nothing. Embed it to implement only some hooks.
type NopEffects struct{}

func (NopEffects) Submitted(context.Context, types.WorkflowEntity) error { return nil }
func (NopEffects) Rejected(context.Context, types.WorkflowEntity) error  { return nil }
func (NopEffects) Completed(context.Context, types.WorkflowEntity) error { return nil }
func (NopEffects) Executed(context.Context, types.WorkflowEntity) error  { return nil }

// Project statuses driven by the archive workflow.
const (
	ProjectActive         = "active"
	ProjectPendingArchive = "pending_archive"
	ProjectArchived       = "archived"
)

// ProjectRegistry updates a project's lifecycle status.
type ProjectRegistry interface {
	SetProjectStatus(ctx context.Context, projectID, status string, active bool, at time.Time) error
}

// SampleRegistry marks samples as physically destroyed.
type SampleRegistry interface {
	MarkDestroyed(ctx context.Context, sampleCodes []string, at time.Time) error
}

// ArchiveEffects keeps the project status in step with its archive request.
// The entity's SubjectID is the project id.
type ArchiveEffects struct {
	NopEffects
	Projects ProjectRegistry
	Now      func() time.Time
}

func (a ArchiveEffects) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a ArchiveEffects) Submitted(ctx context.Context, e types.WorkflowEntity) error {
	return a.Projects.SetProjectStatus(ctx, e.SubjectID, ProjectPendingArchive, true, a.now())
}

func (a ArchiveEffects) Rejected(ctx context.Context, e types.WorkflowEntity) error {
	return a.Projects.SetProjectStatus(ctx, e.SubjectID, ProjectActive, true, a.now())
}

func (a ArchiveEffects) Completed(ctx context.Context, e types.WorkflowEntity) error {
	return a.Projects.SetProjectStatus(ctx, e.SubjectID, ProjectArchived, false, a.now())
}

// DestroyEffects destroys the request's target samples on execution.
type DestroyEffects struct {
	NopEffects
	Samples SampleRegistry
	Now     func() time.Time
}

func (d DestroyEffects) Executed(ctx context.Context, e types.WorkflowEntity) error {
	at := time.Now()
	if d.Now != nil {
		at = d.Now()
	}
	return d.Samples.MarkDestroyed(ctx, e.Targets, at)
}

// ProjectState is what MemoryProjects keeps per project.
type ProjectState struct {
	Status     string
	Active     bool
	ArchivedAt time.Time
}

// MemoryProjects is an in-memory ProjectRegistry.
type MemoryProjects struct {
	mu       sync.RWMutex
	projects map[string]ProjectState
}

func NewMemoryProjects(ids ...string) *MemoryProjects {
	m := &MemoryProjects{projects: make(map[string]ProjectState, len(ids))}
	for _, id := range ids {
		m.projects[id] = ProjectState{Status: ProjectActive, Active: true}
	}
	return m
}

func (m *MemoryProjects) SetProjectStatus(ctx context.Context, projectID, status string, active bool, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok {
		return fmt.Errorf("project %s not found", projectID)
	}
	p.Status, p.Active = status, active
	if status == ProjectArchived {
		p.ArchivedAt = at
	}
	m.projects[projectID] = p
	return nil
}

// Project returns the current state of a project.
func (m *MemoryProjects) Project(id string) (ProjectState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	return p, ok
}

// MemorySamples is an in-memory SampleRegistry.
type MemorySamples struct {
	mu        sync.RWMutex
	destroyed map[string]time.Time
}

func NewMemorySamples() *MemorySamples {
	return &MemorySamples{destroyed: make(map[string]time.Time)}
}

func (m *MemorySamples) MarkDestroyed(ctx context.Context, codes []string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range codes {
		m.destroyed[c] = at
	}
	return nil
}

// Destroyed reports whether a sample has been destroyed.
func (m *MemorySamples) Destroyed(code string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.destroyed[code]
	return ok
}
