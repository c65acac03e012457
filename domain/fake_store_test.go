package domain

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type fakeStore struct {
	mu       sync.Mutex
	projects map[string]Project
	rev      int

	// conflicts makes the next n replaces fail as if another writer won.
	conflicts     int
	replaceCalls  int
	afterReplace  func(calls int)
	replaceFailer error
}

func newFakeStore() *fakeStore {
	return &fakeStore{projects: map[string]Project{}}
}

func (f *fakeStore) ListProjects(ctx context.Context) ([]Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Project, 0, len(f.projects))
	for _, p := range f.projects {
		out = append(out, *p.Clone())
	}
	return out, nil
}

func (f *fakeStore) GetProject(ctx context.Context, id string) (*Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (f *fakeStore) InsertProject(ctx context.Context, p Project) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.projects[p.ID]; exists {
		return "", ErrConcurrencyConflict
	}
	if f.titleTaken(p.ID, p.Title) {
		return "", ErrDuplicateTitle
	}
	f.rev++
	p.Revision = strconv.Itoa(f.rev)
	f.projects[p.ID] = *p.Clone()
	return p.Revision, nil
}

func (f *fakeStore) ReplaceProject(ctx context.Context, p Project, expected string) (string, error) {
	f.mu.Lock()
	f.replaceCalls++
	calls := f.replaceCalls
	rev, err := f.replaceLocked(p, expected)
	f.mu.Unlock()
	if f.afterReplace != nil {
		f.afterReplace(calls)
	}
	return rev, err
}

func (f *fakeStore) replaceLocked(p Project, expected string) (string, error) {
	if f.replaceFailer != nil {
		return "", f.replaceFailer
	}
	if f.conflicts > 0 {
		f.conflicts--
		return "", ErrConcurrencyConflict
	}
	cur, ok := f.projects[p.ID]
	if !ok {
		return "", ErrNotFound
	}
	if cur.Revision != expected {
		return "", ErrConcurrencyConflict
	}
	if f.titleTaken(p.ID, p.Title) {
		return "", ErrDuplicateTitle
	}
	f.rev++
	p.Revision = strconv.Itoa(f.rev)
	f.projects[p.ID] = *p.Clone()
	return p.Revision, nil
}

func (f *fakeStore) DeleteProject(ctx context.Context, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[id]; !ok {
		return 0, nil
	}
	delete(f.projects, id)
	return 1, nil
}

func (f *fakeStore) titleTaken(id, title string) bool {
	for _, other := range f.projects {
		if other.ID != id && other.Title == title {
			return true
		}
	}
	return false
}

// stored returns the persisted copy of a project for assertions.
func (f *fakeStore) stored(t *testing.T, id string) Project {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		t.Fatalf("project %s not stored", id)
	}
	return *p.Clone()
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingNotifier) Notify(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingNotifier) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	svc      *Service
	store    *fakeStore
	notifier *recordingNotifier
	hook     *test.Hook
}

func newFixture(t *testing.T, mode LayoutMode) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	store := newFakeStore()
	notifier := &recordingNotifier{}
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc := NewService(store, Options{
		LayoutMode: mode,
		Notifier:   notifier,
		Logger:     logger,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	})
	return &fixture{svc: svc, store: store, notifier: notifier, hook: hook}
}

func (fx *fixture) project(t *testing.T, title string) string {
	t.Helper()
	sum, err := fx.svc.Projects.Create(context.Background(), ProjectInput{Title: title, Description: "demo"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return sum.ID
}

func (fx *fixture) task(t *testing.T, projectID, title string) Task {
	t.Helper()
	_, task, err := fx.svc.Tasks.Create(context.Background(), projectID, TaskInput{Title: title, Description: "core"})
	if err != nil {
		t.Fatalf("create task %q: %v", title, err)
	}
	return task
}
