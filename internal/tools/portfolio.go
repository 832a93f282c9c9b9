package tools

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/cchalm/portfolio-assistant/internal/fiscal"
	"github.com/cchalm/portfolio-assistant/internal/projects"
)

const (
	defaultTaskLimit = 50
	maxTaskLimit     = 200
	velocityWindow   = 30 * 24 * time.Hour
)

// Portfolio implements the read-only project and task tools over a project source
type Portfolio struct {
	source projects.Source
	now    func() time.Time
}

func NewPortfolio(source projects.Source, now func() time.Time) *Portfolio {
	if now == nil {
		now = time.Now
	}
	return &Portfolio{source: source, now: now}
}

// Register adds the portfolio tools to r
func (p *Portfolio) Register(r *Registry) error {
	return errors.Join(
		RegisterFunc(r, "get_projects",
			"List all projects in the portfolio, optionally filtered by owner. Use this first to discover project IDs.",
			p.getProjects),
		RegisterFunc(r, "get_project_details",
			"Get a project's details and task counts.",
			p.getProjectDetails),
		RegisterFunc(r, "find_project_by_name",
			"Find projects whose name contains the given text, case-insensitively. Use this to resolve a project the user names instead of asking for its ID.",
			p.findProjectByName),
		RegisterFunc(r, "get_project_tasks",
			"List the tasks of a project, optionally filtered by completion.",
			p.getProjectTasks),
		RegisterFunc(r, "get_task_details",
			"Get a single task's details.",
			p.getTaskDetails),
		RegisterFunc(r, "search_tasks",
			"Search all tasks whose name or notes contain the query text.",
			p.searchTasks),
		RegisterFunc(r, "get_tasks_by_assignee",
			"List tasks assigned to a person across all projects.",
			p.getTasksByAssignee),
		RegisterFunc(r, "get_task_distribution_by_assignee",
			"Count tasks per assignee, for one project or the whole portfolio. Good input for a bar or pie chart.",
			p.getTaskDistribution),
		RegisterFunc(r, "get_task_completion_trend",
			"Count tasks created and completed per day over a trailing window. Good input for a line chart.",
			p.getCompletionTrend),
		RegisterFunc(r, "get_project_progress",
			"Compute a project's percent complete, 30-day velocity, projected completion date and delivery health.",
			p.getProjectProgress),
		RegisterFunc(r, "get_fiscal_period",
			"Get the fiscal year and quarter containing a date. The fiscal year runs from October 1 to September 30.",
			p.getFiscalPeriod),
	)
}

type projectSummary struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Owner string     `json:"owner,omitempty"`
	State string     `json:"state,omitempty"`
	DueOn *time.Time `json:"due_on,omitempty"`
}

func summarize(p projects.Project) projectSummary {
	return projectSummary{ID: p.ID, Name: p.Name, Owner: p.Owner, State: p.State, DueOn: p.DueOn}
}

type taskList struct {
	Count int             `json:"count"`
	Total int             `json:"total"`
	Tasks []projects.Task `json:"tasks"`
}

func newTaskList(tasks []projects.Task, limit int) taskList {
	limit = clampLimit(limit)
	list := taskList{Total: len(tasks), Tasks: tasks}
	if len(tasks) > limit {
		list.Tasks = tasks[:limit]
	}
	if list.Tasks == nil {
		list.Tasks = []projects.Task{}
	}
	list.Count = len(list.Tasks)
	return list
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultTaskLimit
	}
	return min(limit, maxTaskLimit)
}

// notFound converts a missing record into an input error so the model can correct the ID
func notFound(err error) error {
	if errors.Is(err, projects.ErrNotFound) {
		return NewToolInputError(err)
	}
	return err
}

type getProjectsArgs struct {
	Owner string `json:"owner,omitempty" jsonschema_description:"Only return projects owned by this person"`
}

func (p *Portfolio) getProjects(ctx context.Context, args getProjectsArgs) (any, error) {
	all, err := p.source.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	summaries := []projectSummary{}
	for _, project := range all {
		if args.Owner != "" && !strings.EqualFold(project.Owner, args.Owner) {
			continue
		}
		summaries = append(summaries, summarize(project))
	}
	return map[string]any{
		"count":    len(summaries),
		"projects": summaries,
	}, nil
}

type projectIDArgs struct {
	ProjectID string `json:"project_id" jsonschema_description:"Project ID as returned by get_projects or find_project_by_name"`
}

type taskCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Open      int `json:"open"`
	Overdue   int `json:"overdue"`
}

func countTasks(tasks []projects.Task, now time.Time) taskCounts {
	var c taskCounts
	for _, t := range tasks {
		c.Total++
		if t.Completed {
			c.Completed++
		} else {
			c.Open++
		}
		if t.Overdue(now) {
			c.Overdue++
		}
	}
	return c
}

func (p *Portfolio) getProjectDetails(ctx context.Context, args projectIDArgs) (any, error) {
	project, err := p.source.GetProject(ctx, args.ProjectID)
	if err != nil {
		return nil, notFound(err)
	}
	tasks, err := p.source.ListTasks(ctx, args.ProjectID)
	if err != nil {
		return nil, notFound(err)
	}
	return map[string]any{
		"project": project,
		"tasks":   countTasks(tasks, p.now()),
	}, nil
}

type findProjectArgs struct {
	Name string `json:"name" jsonschema_description:"Full or partial project name"`
}

func (p *Portfolio) findProjectByName(ctx context.Context, args findProjectArgs) (any, error) {
	query := strings.ToLower(strings.TrimSpace(args.Name))
	if query == "" {
		return nil, NewToolInputError(fmt.Errorf("name must not be empty"))
	}
	all, err := p.source.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	matches := []projectSummary{}
	for _, project := range all {
		if strings.Contains(strings.ToLower(project.Name), query) {
			matches = append(matches, summarize(project))
		}
	}
	return map[string]any{
		"query":    args.Name,
		"count":    len(matches),
		"projects": matches,
	}, nil
}

type projectTasksArgs struct {
	ProjectID string `json:"project_id" jsonschema_description:"Project ID"`
	Completed *bool  `json:"completed,omitempty" jsonschema_description:"If set, only return completed (true) or open (false) tasks"`
	Limit     int    `json:"limit,omitempty" jsonschema_description:"Maximum number of tasks to return (default 50, max 200)"`
}

func (p *Portfolio) getProjectTasks(ctx context.Context, args projectTasksArgs) (any, error) {
	tasks, err := p.source.ListTasks(ctx, args.ProjectID)
	if err != nil {
		return nil, notFound(err)
	}
	return newTaskList(filterCompleted(tasks, args.Completed), args.Limit), nil
}

func filterCompleted(tasks []projects.Task, completed *bool) []projects.Task {
	if completed == nil {
		return tasks
	}
	return slices.DeleteFunc(slices.Clone(tasks), func(t projects.Task) bool { return t.Completed != *completed })
}

type taskIDArgs struct {
	TaskID string `json:"task_id" jsonschema_description:"Task ID"`
}

func (p *Portfolio) getTaskDetails(ctx context.Context, args taskIDArgs) (any, error) {
	task, err := p.source.GetTask(ctx, args.TaskID)
	if err != nil {
		return nil, notFound(err)
	}
	return task, nil
}

type searchTasksArgs struct {
	Query string `json:"query" jsonschema_description:"Text to look for in task names and notes"`
	Limit int    `json:"limit,omitempty" jsonschema_description:"Maximum number of tasks to return (default 50, max 200)"`
}

func (p *Portfolio) searchTasks(ctx context.Context, args searchTasksArgs) (any, error) {
	query := strings.ToLower(strings.TrimSpace(args.Query))
	if query == "" {
		return nil, NewToolInputError(fmt.Errorf("query must not be empty"))
	}
	all, err := p.source.ListTasks(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	var matches []projects.Task
	for _, t := range all {
		if strings.Contains(strings.ToLower(t.Name), query) || strings.Contains(strings.ToLower(t.Notes), query) {
			matches = append(matches, t)
		}
	}
	return newTaskList(matches, args.Limit), nil
}

type assigneeArgs struct {
	Assignee  string `json:"assignee" jsonschema_description:"Assignee name or login"`
	Completed *bool  `json:"completed,omitempty" jsonschema_description:"If set, only return completed (true) or open (false) tasks"`
	Limit     int    `json:"limit,omitempty" jsonschema_description:"Maximum number of tasks to return (default 50, max 200)"`
}

func (p *Portfolio) getTasksByAssignee(ctx context.Context, args assigneeArgs) (any, error) {
	if strings.TrimSpace(args.Assignee) == "" {
		return nil, NewToolInputError(fmt.Errorf("assignee must not be empty"))
	}
	all, err := p.source.ListTasks(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	var matches []projects.Task
	for _, t := range all {
		if strings.EqualFold(t.Assignee, args.Assignee) {
			matches = append(matches, t)
		}
	}
	return newTaskList(filterCompleted(matches, args.Completed), args.Limit), nil
}

type distributionArgs struct {
	ProjectID        string `json:"project_id,omitempty" jsonschema_description:"Limit to one project; omit for the whole portfolio"`
	IncludeCompleted bool   `json:"include_completed,omitempty" jsonschema_description:"Count completed tasks too (default false)"`
}

type assigneeCount struct {
	Assignee  string `json:"assignee"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Open      int    `json:"open"`
}

const unassigned = "Unassigned"

func (p *Portfolio) getTaskDistribution(ctx context.Context, args distributionArgs) (any, error) {
	tasks, err := p.source.ListTasks(ctx, args.ProjectID)
	if err != nil {
		return nil, notFound(err)
	}

	byAssignee := map[string]*assigneeCount{}
	for _, t := range tasks {
		if t.Completed && !args.IncludeCompleted {
			continue
		}
		name := cmp.Or(t.Assignee, unassigned)
		c, ok := byAssignee[name]
		if !ok {
			c = &assigneeCount{Assignee: name}
			byAssignee[name] = c
		}
		c.Total++
		if t.Completed {
			c.Completed++
		} else {
			c.Open++
		}
	}

	distribution := []assigneeCount{}
	for _, c := range byAssignee {
		distribution = append(distribution, *c)
	}
	slices.SortFunc(distribution, func(a, b assigneeCount) int {
		return cmp.Or(cmp.Compare(b.Total, a.Total), strings.Compare(a.Assignee, b.Assignee))
	})

	return map[string]any{
		"project_id":        args.ProjectID,
		"include_completed": args.IncludeCompleted,
		"assignees":         len(distribution),
		"distribution":      distribution,
	}, nil
}

type trendArgs struct {
	ProjectID string `json:"project_id,omitempty" jsonschema_description:"Limit to one project; omit for the whole portfolio"`
	Days      int    `json:"days,omitempty" jsonschema_description:"Trailing window in days (default 30, max 365)"`
}

type trendPoint struct {
	Date      string `json:"date"`
	Created   int    `json:"created"`
	Completed int    `json:"completed"`
}

func (p *Portfolio) getCompletionTrend(ctx context.Context, args trendArgs) (any, error) {
	days := args.Days
	if days == 0 {
		days = 30
	}
	if days < 1 || days > 365 {
		return nil, NewToolInputError(fmt.Errorf("days must be between 1 and 365, got %d", days))
	}
	tasks, err := p.source.ListTasks(ctx, args.ProjectID)
	if err != nil {
		return nil, notFound(err)
	}

	now := p.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	first := today.AddDate(0, 0, -(days - 1))

	points := make([]trendPoint, days)
	index := map[string]int{}
	for i := range points {
		date := first.AddDate(0, 0, i).Format(time.DateOnly)
		points[i].Date = date
		index[date] = i
	}

	var created, completed int
	for _, t := range tasks {
		if i, ok := index[t.CreatedAt.In(now.Location()).Format(time.DateOnly)]; ok {
			points[i].Created++
			created++
		}
		if t.CompletedAt != nil {
			if i, ok := index[t.CompletedAt.In(now.Location()).Format(time.DateOnly)]; ok {
				points[i].Completed++
				completed++
			}
		}
	}

	return map[string]any{
		"project_id":      args.ProjectID,
		"days":            days,
		"total_created":   created,
		"total_completed": completed,
		"trend":           points,
	}, nil
}

func (p *Portfolio) getProjectProgress(ctx context.Context, args projectIDArgs) (any, error) {
	project, err := p.source.GetProject(ctx, args.ProjectID)
	if err != nil {
		return nil, notFound(err)
	}
	tasks, err := p.source.ListTasks(ctx, args.ProjectID)
	if err != nil {
		return nil, notFound(err)
	}

	now := p.now()
	counts := countTasks(tasks, now)

	var completions []time.Time
	var lastCompletion *time.Time
	for _, t := range tasks {
		if t.CompletedAt == nil {
			continue
		}
		completions = append(completions, *t.CompletedAt)
		if lastCompletion == nil || t.CompletedAt.After(*lastCompletion) {
			lastCompletion = t.CompletedAt
		}
	}
	velocity := fiscal.Velocity(completions, now, velocityWindow)

	percent := 0.0
	if counts.Total > 0 {
		percent = math.Round(float64(counts.Completed)/float64(counts.Total)*1000) / 10
	}

	progress := map[string]any{
		"project":          summarize(*project),
		"tasks":            counts,
		"percent_complete": percent,
		"velocity_per_day": math.Round(velocity*100) / 100,
		"assessment": fiscal.Assess(fiscal.ProjectStats{
			TotalTasks:     counts.Total,
			RemainingTasks: counts.Open,
			OverdueTasks:   counts.Overdue,
			Velocity:       velocity,
			DueOn:          project.DueOn,
			CompletedOn:    lastCompletion,
		}, now),
	}
	if projected, ok := fiscal.ProjectedCompletion(counts.Open, velocity, now); ok && counts.Open > 0 {
		progress["projected_completion"] = projected.Format(time.DateOnly)
	}
	return progress, nil
}

type fiscalPeriodArgs struct {
	Date string `json:"date,omitempty" jsonschema_description:"Date as YYYY-MM-DD; defaults to today"`
}

func (p *Portfolio) getFiscalPeriod(_ context.Context, args fiscalPeriodArgs) (any, error) {
	date := p.now()
	if args.Date != "" {
		var err error
		date, err = time.ParseInLocation(time.DateOnly, args.Date, date.Location())
		if err != nil {
			return nil, NewToolInputError(fmt.Errorf("date must be formatted as YYYY-MM-DD: %w", err))
		}
	}
	year := fiscal.Year(date)
	return map[string]any{
		"date":        date.Format(time.DateOnly),
		"fiscal_year": year,
		"quarter":     fiscal.Quarter(date),
		"quarters":    fiscal.Quarters(year.FiscalYear, date.Location()),
	}, nil
}
