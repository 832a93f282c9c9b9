// Package projects provides read access to the project tracker that backs the assistant's tools.
package projects

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a project or task does not exist
var ErrNotFound = errors.New("not found")

// Project is a unit of planned work containing tasks
type Project struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Owner       string     `json:"owner,omitempty" yaml:"owner"`
	Description string     `json:"description,omitempty" yaml:"description"`
	State       string     `json:"state,omitempty" yaml:"state"`
	URL         string     `json:"url,omitempty" yaml:"url"`
	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	DueOn       *time.Time `json:"due_on,omitempty" yaml:"due_on"`
}

// Task is a single work item within a project
type Task struct {
	ID          string     `json:"id" yaml:"id"`
	ProjectID   string     `json:"project_id" yaml:"project_id"`
	Name        string     `json:"name" yaml:"name"`
	Assignee    string     `json:"assignee,omitempty" yaml:"assignee"`
	Notes       string     `json:"notes,omitempty" yaml:"notes"`
	Completed   bool       `json:"completed" yaml:"completed"`
	Labels      []string   `json:"labels,omitempty" yaml:"labels"`
	URL         string     `json:"url,omitempty" yaml:"url"`
	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at"`
	DueOn       *time.Time `json:"due_on,omitempty" yaml:"due_on"`
}

// Overdue reports whether the task is open and past its due date
func (t Task) Overdue(now time.Time) bool {
	return !t.Completed && t.DueOn != nil && t.DueOn.Before(now)
}

// Source is a read-only view of a project tracker
type Source interface {
	// ListProjects returns every project visible to the source
	ListProjects(ctx context.Context) ([]Project, error)
	// GetProject returns a single project, or an error wrapping ErrNotFound
	GetProject(ctx context.Context, id string) (*Project, error)
	// ListTasks returns the tasks of a project, or of every project if projectID is empty
	ListTasks(ctx context.Context, projectID string) ([]Task, error)
	// GetTask returns a single task, or an error wrapping ErrNotFound
	GetTask(ctx context.Context, id string) (*Task, error)
}
