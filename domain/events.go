package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a change to a board.
type EventType string

const (
	ProjectCreated EventType = "project-created"
	ProjectUpdated EventType = "project-updated"
	ProjectDeleted EventType = "project-deleted"
	TaskCreated    EventType = "task-created"
	TaskUpdated    EventType = "task-updated"
	TaskDeleted    EventType = "task-deleted"
	LayoutApplied  EventType = "layout-applied"
)

// Event describes a committed change. It is emitted after the store write
// succeeded and is delivered at most once.
type Event struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Type      EventType `json:"type"`
	Data      any       `json:"data,omitempty"`
	Time      int64     `json:"time"`
}

func newEvent(projectID string, typ EventType, data any, now time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Type:      typ,
		Data:      data,
		Time:      now.UnixMilli(),
	}
}

// Notifier receives committed board changes. Notify must not block the caller
// on delivery.
type Notifier interface {
	Notify(ev Event)
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(Event) {}
