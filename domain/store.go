package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// ProjectStore persists whole project documents. Every write is conditional on
// the revision the caller read, which is the only serialization point for
// concurrent edits of one board.
type ProjectStore interface {
	ListProjects(ctx context.Context) ([]Project, error)
	// GetProject returns ErrNotFound when the project does not exist.
	GetProject(ctx context.Context, id string) (*Project, error)
	// InsertProject returns the new revision. It fails with ErrDuplicateTitle
	// when the title is taken and ErrConcurrencyConflict when the id exists.
	InsertProject(ctx context.Context, p Project) (string, error)
	// ReplaceProject writes p only if the stored revision still equals
	// expected. It returns ErrConcurrencyConflict when it does not,
	// ErrNotFound when the project is gone and ErrDuplicateTitle when the new
	// title is taken.
	ReplaceProject(ctx context.Context, p Project, expected string) (string, error)
	// DeleteProject returns the number of removed projects.
	DeleteProject(ctx context.Context, id string) (int64, error)
}

// LayoutMode selects how a layout is written.
type LayoutMode string

const (
	// LayoutAtomic applies every move of a layout in one conditional write.
	LayoutAtomic LayoutMode = "atomic"
	// LayoutPerTask issues one conditional write per move in caller order.
	// Moves already written stay in place if a later one fails.
	LayoutPerTask LayoutMode = "per-task"
)

const defaultConflictRetries = 8

// Options tunes the board services.
type Options struct {
	Stages          []string
	ConflictRetries int
	LayoutMode      LayoutMode
	Notifier        Notifier
	Logger          *log.Logger
	Now             func() time.Time
}

func (o Options) withDefaults() Options {
	if len(o.Stages) == 0 {
		o.Stages = DefaultStages
	}
	if o.ConflictRetries <= 0 {
		o.ConflictRetries = defaultConflictRetries
	}
	if o.LayoutMode == "" {
		o.LayoutMode = LayoutAtomic
	}
	if o.Notifier == nil {
		o.Notifier = NopNotifier{}
	}
	if o.Logger == nil {
		o.Logger = log.StandardLogger()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

type core struct {
	store ProjectStore
	opts  Options
}

func newCore(store ProjectStore, opts Options) core {
	if store == nil {
		panic("domain: store is nil")
	}
	return core{store: store, opts: opts.withDefaults()}
}

// mutation edits a private copy of the project and reports whether anything
// changed. Returning false skips the write.
type mutation func(p *Project) (bool, error)

// mutate runs a read, modify, conditional replace cycle and retries when a
// concurrent writer won the race. The returned project carries the new
// revision when changed is true and the current state otherwise.
func (c core) mutate(ctx context.Context, op, projectID string, fn mutation) (*Project, bool, error) {
	for attempt := 1; ; attempt++ {
		cur, err := c.store.GetProject(ctx, projectID)
		if err != nil {
			return nil, false, storeErr(op, projectID, err)
		}
		next := cur.Clone()
		changed, err := fn(next)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return cur, false, nil
		}
		next.UpdatedAt = c.opts.Now()
		rev, err := c.store.ReplaceProject(ctx, *next, cur.Revision)
		if err == nil {
			next.Revision = rev
			return next, true, nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			return nil, false, storeErr(op, projectID, err)
		}
		if attempt >= c.opts.ConflictRetries {
			c.opts.Logger.WithFields(log.Fields{"project": projectID, "op": op, "attempts": attempt}).Error("project write kept conflicting")
			return nil, false, &StoreError{Op: op, Err: fmt.Errorf("giving up after %d attempts: %w", attempt, err)}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, &StoreError{Op: op, Err: ctxErr}
		}
		c.opts.Logger.WithFields(log.Fields{"project": projectID, "op": op, "attempt": attempt}).Debug("project write conflict, retrying")
	}
}

func (c core) emit(projectID string, typ EventType, data any) {
	c.opts.Notifier.Notify(newEvent(projectID, typ, data, c.opts.Now()))
}

// Service bundles the board operations over one store.
type Service struct {
	Projects *ProjectService
	Tasks    *TaskManager
	Board    *BoardEngine
}

// NewService wires the project, task and layout services to store.
func NewService(store ProjectStore, opts Options) *Service {
	c := newCore(store, opts)
	return &Service{
		Projects: &ProjectService{core: c},
		Tasks:    &TaskManager{core: c},
		Board:    &BoardEngine{core: c},
	}
}
