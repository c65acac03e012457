package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// TaskManager owns the lifecycle of single tasks inside a project.
type TaskManager struct {
	core
}

// Create appends a task to the project's initial stage. Order is the number of
// tasks already on the board and index continues the project's creation
// sequence. Each call appends a new task.
func (m *TaskManager) Create(ctx context.Context, projectID string, in TaskInput) (UpdateResult, Task, error) {
	if err := in.Validate(); err != nil {
		return UpdateResult{}, Task{}, err
	}
	var created Task
	_, _, err := m.mutate(ctx, "create task", projectID, func(p *Project) (bool, error) {
		created = Task{
			ID:          uuid.NewString(),
			Title:       in.Title,
			Description: in.Description,
			DueDate:     in.DueDate,
			Priority:    in.Priority,
			Stage:       p.InitialStage(),
			Order:       len(p.Tasks),
			Index:       p.nextIndex(),
		}
		p.LastIndex = created.Index
		p.Tasks = append(p.Tasks, created)
		return true, nil
	})
	if err != nil {
		return UpdateResult{}, Task{}, err
	}
	m.opts.Logger.WithFields(log.Fields{"project": projectID, "task": created.ID, "order": created.Order, "index": created.Index}).Debug("task created")
	m.emit(projectID, TaskCreated, created)
	return UpdateResult{Matched: 1, Modified: 1}, created, nil
}

// Get returns the task matching both ids.
func (m *TaskManager) Get(ctx context.Context, projectID, taskID string) (Task, error) {
	p, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return Task{}, storeErr("get task", projectID, err)
	}
	i := p.taskPos(taskID)
	if i < 0 {
		return Task{}, taskNotFound(taskID)
	}
	return p.Tasks[i], nil
}

// Update rewrites the editable fields of a task. Stage, order and index are
// left untouched.
func (m *TaskManager) Update(ctx context.Context, projectID, taskID string, in TaskInput) (UpdateResult, error) {
	if err := in.Validate(); err != nil {
		return UpdateResult{}, err
	}
	var updated Task
	_, changed, err := m.mutate(ctx, "update task", projectID, func(p *Project) (bool, error) {
		i := p.taskPos(taskID)
		if i < 0 {
			return false, taskNotFound(taskID)
		}
		t := &p.Tasks[i]
		modified := t.Title != in.Title ||
			t.Description != in.Description ||
			t.Priority != in.Priority ||
			!sameDate(t.DueDate, in.DueDate)
		t.Title = in.Title
		t.Description = in.Description
		t.DueDate = in.DueDate
		t.Priority = in.Priority
		updated = *t
		return modified, nil
	})
	if err != nil {
		return UpdateResult{}, err
	}
	if !changed {
		return UpdateResult{Matched: 1}, nil
	}
	m.emit(projectID, TaskUpdated, updated)
	return UpdateResult{Matched: 1, Modified: 1}, nil
}

// Delete removes a task. Deleting a task or project that does not exist is not
// an error and reports zero removed records.
func (m *TaskManager) Delete(ctx context.Context, projectID, taskID string) (DeleteResult, error) {
	_, changed, err := m.mutate(ctx, "delete task", projectID, func(p *Project) (bool, error) {
		i := p.taskPos(taskID)
		if i < 0 {
			return false, nil
		}
		p.Tasks = append(p.Tasks[:i], p.Tasks[i+1:]...)
		return true, nil
	})
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return DeleteResult{}, nil
		}
		return DeleteResult{}, err
	}
	if !changed {
		return DeleteResult{}, nil
	}
	m.emit(projectID, TaskDeleted, map[string]string{"_id": taskID})
	return DeleteResult{Deleted: 1}, nil
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
