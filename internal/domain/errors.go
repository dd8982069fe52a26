package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates a requested resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a conflict with the current state.
	ErrConflict = errors.New("conflict")

	// ErrCycle indicates a cyclic dependency among questions. Discovering one
	// at evaluation time means validation was skipped; there is no recovery.
	ErrCycle = errors.New("cyclic question dependency")
)

// ModuleDefinitionError is a fatal, author-facing error in a module
// definition: malformed structure, broken templates, cyclic dependencies,
// dangling references, duplicate or missing question ids. It must prevent the
// module version from being installed.
type ModuleDefinitionError struct {
	ModuleID string
	Path     string // question id or "output:<id>" when known
	Message  string
	Err      error
}

func (e *ModuleDefinitionError) Error() string {
	var b strings.Builder
	b.WriteString("module definition error")
	if e.ModuleID != "" {
		fmt.Fprintf(&b, " in %s", e.ModuleID)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " (%s)", e.Path)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ModuleDefinitionError) Unwrap() error { return e.Err }

// IncompatibleUpdateError reports that a module update would invalidate
// previously stored answers. Author-facing; the author should version-bump
// instead of updating in place.
type IncompatibleUpdateError struct {
	ModuleID string
	Changes  []string
}

func (e *IncompatibleUpdateError) Error() string {
	return fmt.Sprintf("incompatible update to module %s: %s",
		e.ModuleID, strings.Join(e.Changes, "; "))
}

// ValidationError is a recoverable, end-user-facing error: a submitted answer
// failed type, range, or choice checks. The message is suitable for display
// in a form.
type ValidationError struct {
	QuestionID string
	Message    string
}

func (e *ValidationError) Error() string {
	if e.QuestionID == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.QuestionID, e.Message)
}

// Invalid builds a ValidationError for a question.
func Invalid(questionID, format string, args ...any) *ValidationError {
	return &ValidationError{QuestionID: questionID, Message: fmt.Sprintf(format, args...)}
}
