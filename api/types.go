package api

import (
	"context"

	"kanban-api/domain"
)

// ProjectService is the project level API the handlers depend on.
type ProjectService interface {
	List(ctx context.Context) ([]domain.ProjectSummary, error)
	Get(ctx context.Context, id string) (*domain.Project, error)
	Create(ctx context.Context, in domain.ProjectInput) (domain.ProjectSummary, error)
	Update(ctx context.Context, id string, in domain.ProjectInput) (domain.UpdateResult, error)
	Delete(ctx context.Context, id string) (domain.DeleteResult, error)
}

// TaskService manages single tasks.
type TaskService interface {
	Create(ctx context.Context, projectID string, in domain.TaskInput) (domain.UpdateResult, domain.Task, error)
	Get(ctx context.Context, projectID, taskID string) (domain.Task, error)
	Update(ctx context.Context, projectID, taskID string, in domain.TaskInput) (domain.UpdateResult, error)
	Delete(ctx context.Context, projectID, taskID string) (domain.DeleteResult, error)
}

// LayoutService rearranges a board.
type LayoutService interface {
	ApplyLayout(ctx context.Context, projectID string, layout domain.Layout) ([]domain.Move, error)
}

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Subscriber wakes stream handlers when a project changes.
type Subscriber interface {
	Subscribe(projectID string) (<-chan struct{}, func())
}

// Services groups the domain services behind the routes.
type Services struct {
	Projects ProjectService
	Tasks    TaskService
	Board    LayoutService
}

// FromDomain adapts a domain.Service bundle.
func FromDomain(s *domain.Service) Services {
	return Services{Projects: s.Projects, Tasks: s.Tasks, Board: s.Board}
}
