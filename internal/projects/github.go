package projects

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/go-github/v72/github"
)

// GitHubSource exposes a GitHub repository as a project tracker: milestones are projects and issues are tasks.
// Pull requests are ignored
type GitHubSource struct {
	issues *github.IssuesService

	owner string
	repo  string
}

// NewGitHubSource creates a source reading milestones and issues of owner/repo
func NewGitHubSource(client *github.Client, owner string, repo string) *GitHubSource {
	return &GitHubSource{
		issues: client.Issues,
		owner:  owner,
		repo:   repo,
	}
}

func (gs *GitHubSource) ListProjects(ctx context.Context) ([]Project, error) {
	opts := &github.MilestoneListOptions{
		State: "all",
		ListOptions: github.ListOptions{
			PerPage: 100,
		},
	}

	var projects []Project
	for {
		milestones, resp, err := gs.issues.ListMilestones(ctx, gs.owner, gs.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list milestones: %w", err)
		}
		for _, m := range milestones {
			projects = append(projects, projectFromMilestone(m))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.ListOptions.Page = resp.NextPage
	}
	return projects, nil
}

func (gs *GitHubSource) GetProject(ctx context.Context, id string) (*Project, error) {
	number, err := strconv.Atoi(id)
	if err != nil {
		return nil, fmt.Errorf("project '%s': %w", id, ErrNotFound)
	}
	m, resp, err := gs.issues.GetMilestone(ctx, gs.owner, gs.repo, number)
	if isNotFound(resp, err) {
		return nil, fmt.Errorf("project '%s': %w", id, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get milestone: %w", err)
	}
	p := projectFromMilestone(m)
	return &p, nil
}

func (gs *GitHubSource) ListTasks(ctx context.Context, projectID string) ([]Task, error) {
	milestone := projectID
	if milestone == "" {
		milestone = "*" // Any milestone
	} else if _, err := strconv.Atoi(projectID); err != nil {
		return nil, fmt.Errorf("project '%s': %w", projectID, ErrNotFound)
	}

	opts := &github.IssueListByRepoOptions{
		Milestone: milestone,
		State:     "all",
		ListOptions: github.ListOptions{
			PerPage: 100,
		},
	}

	var tasks []Task
	for {
		issues, resp, err := gs.issues.ListByRepo(ctx, gs.owner, gs.repo, opts)
		if isNotFound(resp, err) {
			return nil, fmt.Errorf("project '%s': %w", projectID, ErrNotFound)
		} else if err != nil {
			return nil, fmt.Errorf("failed to list issues: %w", err)
		}
		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			tasks = append(tasks, taskFromIssue(issue))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.ListOptions.Page = resp.NextPage
	}
	return tasks, nil
}

func (gs *GitHubSource) GetTask(ctx context.Context, id string) (*Task, error) {
	number, err := strconv.Atoi(id)
	if err != nil {
		return nil, fmt.Errorf("task '%s': %w", id, ErrNotFound)
	}
	issue, resp, err := gs.issues.Get(ctx, gs.owner, gs.repo, number)
	if isNotFound(resp, err) {
		return nil, fmt.Errorf("task '%s': %w", id, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get issue: %w", err)
	}
	if issue.IsPullRequest() {
		return nil, fmt.Errorf("task '%s' is a pull request: %w", id, ErrNotFound)
	}
	t := taskFromIssue(issue)
	return &t, nil
}

func isNotFound(resp *github.Response, err error) bool {
	if err == nil {
		return false
	}
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return errResp.Response.StatusCode == http.StatusNotFound
	}
	return resp != nil && resp.StatusCode == http.StatusNotFound
}

func projectFromMilestone(m *github.Milestone) Project {
	p := Project{
		ID:          strconv.Itoa(m.GetNumber()),
		Name:        m.GetTitle(),
		Owner:       m.GetCreator().GetLogin(),
		Description: m.GetDescription(),
		State:       m.GetState(),
		URL:         m.GetHTMLURL(),
		CreatedAt:   m.GetCreatedAt().Time,
	}
	if m.DueOn != nil {
		due := m.DueOn.Time
		p.DueOn = &due
	}
	return p
}

func taskFromIssue(issue *github.Issue) Task {
	t := Task{
		ID:        strconv.Itoa(issue.GetNumber()),
		ProjectID: strconv.Itoa(issue.GetMilestone().GetNumber()),
		Name:      issue.GetTitle(),
		Assignee:  issue.GetAssignee().GetLogin(),
		Notes:     issue.GetBody(),
		Completed: issue.GetState() == "closed",
		URL:       issue.GetHTMLURL(),
		CreatedAt: issue.GetCreatedAt().Time,
	}
	if issue.Milestone == nil {
		t.ProjectID = ""
	}
	if issue.ClosedAt != nil {
		closed := issue.ClosedAt.Time
		t.CompletedAt = &closed
	}
	for _, label := range issue.Labels {
		t.Labels = append(t.Labels, label.GetName())
	}
	return t
}
