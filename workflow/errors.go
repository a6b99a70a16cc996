package workflow

import "errors"

// Errors returned by the engine. They are never retried by the engine itself.
var (
	// ErrValidation reports a missing or malformed step payload.
	ErrValidation = errors.New("validation failed")
	// ErrPermission reports an actor whose role or identity may not act.
	ErrPermission = errors.New("permission denied")
	// ErrInvalidTransition reports an action against a step that is not pending.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConcurrentModification reports that another actor committed first.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrUnknownWorkflow reports a kind with no registered definition.
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrInvalidDefinition reports a definition that cannot be registered.
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	// ErrSideEffect reports a committed transition whose follow-up failed.
	ErrSideEffect = errors.New("side effect failed")
)
