package domain

import (
	"errors"
	"fmt"
)

// Store level signals. Backends translate driver specific failures into these
// so the domain can react without knowing which database is in use.
var (
	// ErrNotFound is returned by a store when the addressed project does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateTitle indicates that the store rejected a write because another
	// project already uses the same title.
	ErrDuplicateTitle = errors.New("duplicate title")
	// ErrConcurrencyConflict indicates that the underlying storage rejected an
	// update because a newer revision of the project is already persisted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrProjectTooLarge indicates that the project no longer fits the
	// backend's record size limit.
	ErrProjectTooLarge = errors.New("project too large")
)

// ValidationError reports a malformed or missing input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

// NotFoundError reports that a referenced project or task does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ConflictError reports a uniqueness violation.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// StoreError wraps a persistence failure. Error never includes the cause so
// backend details do not leak to callers; Unwrap exposes it for logging.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error during %s", e.Op)
}

func (e *StoreError) Unwrap() error { return e.Err }

const titleConflictMessage = "title must be unique"

func projectNotFound(id string) error { return &NotFoundError{Resource: "project", ID: id} }

func taskNotFound(id string) error { return &NotFoundError{Resource: "task", ID: id} }

// storeErr classifies a store failure. Sentinels the caller can act on are
// translated into the public taxonomy, everything else becomes a StoreError.
func storeErr(op, projectID string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return projectNotFound(projectID)
	case errors.Is(err, ErrDuplicateTitle):
		return &ConflictError{Message: titleConflictMessage}
	case errors.Is(err, ErrProjectTooLarge):
		return &ValidationError{Field: "project", Message: "is too large to store"}
	}
	var (
		vErr  *ValidationError
		nfErr *NotFoundError
		cErr  *ConflictError
		sErr  *StoreError
	)
	if errors.As(err, &vErr) || errors.As(err, &nfErr) || errors.As(err, &cErr) || errors.As(err, &sErr) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
