package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	minTitleLen = 3
	maxTitleLen = 30
)

// TaskInput carries the caller editable task fields for create and update.
type TaskInput struct {
	Title       string
	Description string
	DueDate     *time.Time
	Priority    Priority
}

// Validate checks the task fields and fills in the default priority. Create
// and update share it so both paths enforce the same schema.
func (in *TaskInput) Validate() error {
	if err := validateTitle(in.Title); err != nil {
		return err
	}
	if err := required("description", in.Description); err != nil {
		return err
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	if !in.Priority.Valid() {
		return &ValidationError{Field: "priority", Message: fmt.Sprintf("must be one of [%s, %s, %s]", PriorityLow, PriorityMedium, PriorityHigh)}
	}
	return nil
}

// ProjectInput carries the caller editable project fields.
type ProjectInput struct {
	Title       string
	Description string
	// Stages is only honoured on creation; nil means the configured default.
	Stages []string
}

// Validate checks the project fields.
func (in *ProjectInput) Validate() error {
	if err := validateTitle(in.Title); err != nil {
		return err
	}
	if err := required("description", in.Description); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(in.Stages))
	for i, s := range in.Stages {
		if strings.TrimSpace(s) == "" {
			return &ValidationError{Field: fmt.Sprintf("stages[%d]", i), Message: "is not allowed to be empty"}
		}
		if _, dup := seen[s]; dup {
			return &ValidationError{Field: fmt.Sprintf("stages[%d]", i), Message: "contains a duplicate value"}
		}
		seen[s] = struct{}{}
	}
	return nil
}

func validateTitle(title string) error {
	if err := required("title", title); err != nil {
		return err
	}
	n := utf8.RuneCountInString(title)
	if n < minTitleLen {
		return &ValidationError{Field: "title", Message: fmt.Sprintf("length must be at least %d characters long", minTitleLen)}
	}
	if n > maxTitleLen {
		return &ValidationError{Field: "title", Message: fmt.Sprintf("length must be less than or equal to %d characters long", maxTitleLen)}
	}
	return nil
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

var dueDateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

// ParseDueDate accepts an ISO 8601 date or timestamp, or milliseconds since the
// epoch. An empty string means no due date.
func ParseDueDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		return &t, nil
	}
	for _, layout := range dueDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, &ValidationError{Field: "dueDate", Message: "must be a valid date"}
}
