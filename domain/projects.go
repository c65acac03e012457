package domain

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
)

// ProjectService handles project level reads and writes.
type ProjectService struct {
	core
}

// List returns every project without its tasks, oldest first.
func (s *ProjectService) List(ctx context.Context) ([]ProjectSummary, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, &StoreError{Op: "list projects", Err: err}
	}
	sort.SliceStable(projects, func(i, j int) bool {
		if !projects[i].CreatedAt.Equal(projects[j].CreatedAt) {
			return projects[i].CreatedAt.Before(projects[j].CreatedAt)
		}
		return projects[i].ID < projects[j].ID
	})
	out := make([]ProjectSummary, 0, len(projects))
	for i := range projects {
		out = append(out, projects[i].Summary())
	}
	return out, nil
}

// Get returns a project with its tasks sorted by order.
func (s *ProjectService) Get(ctx context.Context, id string) (*Project, error) {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, storeErr("get project", id, err)
	}
	p = p.Clone()
	SortTasks(p.Tasks)
	return p, nil
}

// Create stores a new project. A duplicate title fails with ConflictError.
func (s *ProjectService) Create(ctx context.Context, in ProjectInput) (ProjectSummary, error) {
	if err := in.Validate(); err != nil {
		return ProjectSummary{}, err
	}
	p := s.newProject(uuid.NewString(), in)
	rev, err := s.store.InsertProject(ctx, p)
	if err != nil {
		return ProjectSummary{}, storeErr("create project", p.ID, err)
	}
	p.Revision = rev
	sum := p.Summary()
	s.emit(p.ID, ProjectCreated, sum)
	return sum, nil
}

// Update rewrites title and description, creating the project under id when it
// does not exist yet.
func (s *ProjectService) Update(ctx context.Context, id string, in ProjectInput) (UpdateResult, error) {
	if err := in.Validate(); err != nil {
		return UpdateResult{}, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return UpdateResult{}, &ValidationError{Field: "id", Message: "must be a valid id"}
	}
	for attempt := 1; attempt <= s.opts.ConflictRetries; attempt++ {
		p, changed, err := s.mutate(ctx, "update project", id, func(p *Project) (bool, error) {
			modified := p.Title != in.Title || p.Description != in.Description
			p.Title = in.Title
			p.Description = in.Description
			return modified, nil
		})
		var nf *NotFoundError
		if errors.As(err, &nf) {
			res, retry, err := s.upsert(ctx, id, in)
			if retry {
				continue
			}
			return res, err
		}
		if err != nil {
			return UpdateResult{}, err
		}
		if !changed {
			return UpdateResult{Matched: 1}, nil
		}
		s.emit(id, ProjectUpdated, p.Summary())
		return UpdateResult{Matched: 1, Modified: 1}, nil
	}
	return UpdateResult{}, &StoreError{Op: "update project", Err: ErrConcurrencyConflict}
}

// upsert inserts the project under a caller chosen id. retry is true when a
// concurrent writer created the same id first, in which case the update path
// must run again.
func (s *ProjectService) upsert(ctx context.Context, id string, in ProjectInput) (res UpdateResult, retry bool, err error) {
	p := s.newProject(id, in)
	if _, err := s.store.InsertProject(ctx, p); err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			return UpdateResult{}, true, nil
		}
		return UpdateResult{}, false, storeErr("upsert project", id, err)
	}
	s.emit(id, ProjectCreated, p.Summary())
	return UpdateResult{UpsertedID: id}, false, nil
}

// Delete removes a project and its tasks.
func (s *ProjectService) Delete(ctx context.Context, id string) (DeleteResult, error) {
	n, err := s.store.DeleteProject(ctx, id)
	if err != nil {
		return DeleteResult{}, &StoreError{Op: "delete project", Err: err}
	}
	if n > 0 {
		s.emit(id, ProjectDeleted, map[string]string{"_id": id})
	}
	return DeleteResult{Deleted: n}, nil
}

func (s *ProjectService) newProject(id string, in ProjectInput) Project {
	stages := in.Stages
	if len(stages) == 0 {
		stages = s.opts.Stages
	}
	now := s.opts.Now()
	return Project{
		ID:          id,
		Title:       in.Title,
		Description: in.Description,
		Stages:      append([]string(nil), stages...),
		Tasks:       []Task{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
