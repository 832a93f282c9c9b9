package projects

import (
	"context"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// StaticSource serves a fixed set of projects and tasks held in memory
type StaticSource struct {
	projects []Project
	tasks    []Task
}

func NewStaticSource(projects []Project, tasks []Task) *StaticSource {
	return &StaticSource{
		projects: slices.Clone(projects),
		tasks:    slices.Clone(tasks),
	}
}

type fixtureFile struct {
	Projects []Project `yaml:"projects"`
	Tasks    []Task    `yaml:"tasks"`
}

// LoadFile reads a YAML document with top-level "projects" and "tasks" lists
func LoadFile(path string) (*StaticSource, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read projects file: %w", err)
	}
	return ParseYAML(b)
}

// ParseYAML parses a fixture document. Task project IDs must refer to projects in the same document
func ParseYAML(b []byte) (*StaticSource, error) {
	var f fixtureFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("failed to parse projects file: %w", err)
	}

	ids := map[string]bool{}
	for _, p := range f.Projects {
		if p.ID == "" {
			return nil, fmt.Errorf("project '%s' has no id", p.Name)
		}
		if ids[p.ID] {
			return nil, fmt.Errorf("duplicate project id '%s'", p.ID)
		}
		ids[p.ID] = true
	}
	for _, t := range f.Tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("task '%s' has no id", t.Name)
		}
		if !ids[t.ProjectID] {
			return nil, fmt.Errorf("task '%s' refers to unknown project '%s'", t.ID, t.ProjectID)
		}
	}

	return NewStaticSource(f.Projects, f.Tasks), nil
}

func (s *StaticSource) ListProjects(_ context.Context) ([]Project, error) {
	return slices.Clone(s.projects), nil
}

func (s *StaticSource) GetProject(_ context.Context, id string) (*Project, error) {
	for _, p := range s.projects {
		if p.ID == id {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("project '%s': %w", id, ErrNotFound)
}

func (s *StaticSource) ListTasks(_ context.Context, projectID string) ([]Task, error) {
	if projectID == "" {
		return slices.Clone(s.tasks), nil
	}
	if !slices.ContainsFunc(s.projects, func(p Project) bool { return p.ID == projectID }) {
		return nil, fmt.Errorf("project '%s': %w", projectID, ErrNotFound)
	}
	var tasks []Task
	for _, t := range s.tasks {
		if t.ProjectID == projectID {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func (s *StaticSource) GetTask(_ context.Context, id string) (*Task, error) {
	for _, t := range s.tasks {
		if t.ID == id {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("task '%s': %w", id, ErrNotFound)
}
