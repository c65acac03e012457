package domain

import (
	"sort"
	"time"
)

// Priority ranks a task on the board.
type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// DefaultStages is the column set a project starts with when none is configured.
var DefaultStages = []string{"To-do", "In Progress", "Done"}

// Task is a single board item embedded in a project.
type Task struct {
	ID          string     `json:"_id" bson:"_id"`
	Title       string     `json:"title" bson:"title"`
	Description string     `json:"description" bson:"description"`
	DueDate     *time.Time `json:"dueDate,omitempty" bson:"dueDate,omitempty"`
	Priority    Priority   `json:"priority" bson:"priority"`
	Stage       string     `json:"stage" bson:"stage"`
	Order       int        `json:"order" bson:"order"`
	Index       int        `json:"index" bson:"index"`
}

// Project is the persisted board document. Tasks are owned by the project and
// are only written through whole document replacement.
type Project struct {
	ID          string    `json:"_id" bson:"_id"`
	Title       string    `json:"title" bson:"title"`
	Description string    `json:"description" bson:"description"`
	Stages      []string  `json:"stages" bson:"stages"`
	Tasks       []Task    `json:"task" bson:"tasks"`
	LastIndex   int       `json:"-" bson:"lastIndex"`
	CreatedAt   time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt" bson:"updatedAt"`

	// Revision is an opaque token issued by the store on every write and
	// checked on replace.
	Revision string `json:"-" bson:"-"`
}

// ProjectSummary is the list representation of a project.
type ProjectSummary struct {
	ID          string    `json:"_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Stages      []string  `json:"stages,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Summary strips the task collection and internal counters.
func (p *Project) Summary() ProjectSummary {
	return ProjectSummary{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		Stages:      append([]string(nil), p.Stages...),
		UpdatedAt:   p.UpdatedAt,
	}
}

// InitialStage is the stage new tasks are placed in.
func (p *Project) InitialStage() string {
	if len(p.Stages) == 0 {
		return DefaultStages[0]
	}
	return p.Stages[0]
}

func (p *Project) taskPos(taskID string) int {
	for i := range p.Tasks {
		if p.Tasks[i].ID == taskID {
			return i
		}
	}
	return -1
}

func (p *Project) hasStage(stage string) bool {
	for _, s := range p.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// nextIndex returns the creation sequence number for a new task. The counter
// is kept on the document so it is bumped by the same conditional write that
// appends the task.
func (p *Project) nextIndex() int {
	next := p.LastIndex
	for _, t := range p.Tasks {
		if t.Index > next {
			next = t.Index
		}
	}
	return next + 1
}

// SortTasks orders tasks by order, breaking ties by creation index.
func SortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Order != tasks[j].Order {
			return tasks[i].Order < tasks[j].Order
		}
		return tasks[i].Index < tasks[j].Index
	})
}

// Clone returns a deep copy so callers can mutate without touching cached values.
func (p *Project) Clone() *Project {
	cp := *p
	cp.Stages = append([]string(nil), p.Stages...)
	cp.Tasks = make([]Task, len(p.Tasks))
	for i, t := range p.Tasks {
		if t.DueDate != nil {
			d := *t.DueDate
			t.DueDate = &d
		}
		cp.Tasks[i] = t
	}
	return &cp
}

// UpdateResult mirrors the counts a document store reports for an update.
type UpdateResult struct {
	Matched    int64  `json:"matchedCount"`
	Modified   int64  `json:"modifiedCount"`
	UpsertedID string `json:"upsertedId,omitempty"`
}

// DeleteResult reports how many records were removed.
type DeleteResult struct {
	Deleted int64 `json:"deletedCount"`
}
