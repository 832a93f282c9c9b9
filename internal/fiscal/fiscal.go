// Package fiscal implements fiscal calendar and delivery-velocity arithmetic. The fiscal year runs from October 1 to
// September 30 and is named after the calendar year it ends in.
package fiscal

import (
	"fmt"
	"math"
	"time"
)

// DefaultVelocity is the velocity, in tasks per day, assumed when there is no completion history to measure
const DefaultVelocity = 0.1

// Period is a closed date range within the fiscal calendar. End is the last instant of the period's final day
type Period struct {
	FiscalYear int       `json:"fiscal_year"`
	Quarter    int       `json:"quarter,omitempty"`
	Name       string    `json:"name"`
	Start      time.Time `json:"start_date"`
	End        time.Time `json:"end_date"`
}

// Contains reports whether t falls within the period
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

// Year returns the fiscal year containing t. October through December belong to the next calendar year's fiscal year
func Year(t time.Time) Period {
	fy := t.Year()
	if t.Month() >= time.October {
		fy++
	}
	return YearPeriod(fy, t.Location())
}

// YearPeriod returns the bounds of fiscal year fy
func YearPeriod(fy int, loc *time.Location) Period {
	return Period{
		FiscalYear: fy,
		Name:       fmt.Sprintf("FY%d", fy),
		Start:      time.Date(fy-1, time.October, 1, 0, 0, 0, 0, loc),
		End:        endOfDay(time.Date(fy, time.September, 30, 0, 0, 0, 0, loc)),
	}
}

// Quarter returns the fiscal quarter containing t. Q1 is October to December, Q2 January to March, Q3 April to June
// and Q4 July to September
func Quarter(t time.Time) Period {
	fy := Year(t).FiscalYear
	q := (int(t.Month())+2)%12/3 + 1
	return Quarters(fy, t.Location())[q-1]
}

// Quarters returns the four quarters of fiscal year fy in order
func Quarters(fy int, loc *time.Location) []Period {
	quarters := make([]Period, 0, 4)
	start := time.Date(fy-1, time.October, 1, 0, 0, 0, 0, loc)
	for q := 1; q <= 4; q++ {
		next := start.AddDate(0, 3, 0)
		quarters = append(quarters, Period{
			FiscalYear: fy,
			Quarter:    q,
			Name:       fmt.Sprintf("Q%d FY%d", q, fy),
			Start:      start,
			End:        next.Add(-time.Nanosecond),
		})
		start = next
	}
	return quarters
}

func endOfDay(t time.Time) time.Time {
	return t.AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// Velocity returns the number of completions per day within the window ending at now. If nothing was completed in
// the window, DefaultVelocity is returned
func Velocity(completions []time.Time, now time.Time, window time.Duration) float64 {
	days := window.Hours() / 24
	if days <= 0 {
		return DefaultVelocity
	}
	cutoff := now.Add(-window)
	n := 0
	for _, c := range completions {
		if !c.Before(cutoff) && !c.After(now) {
			n++
		}
	}
	if n == 0 {
		return DefaultVelocity
	}
	return float64(n) / days
}

// ProjectedCompletion estimates when remaining tasks will be done at the given velocity. It returns false when no
// estimate is possible
func ProjectedCompletion(remaining int, velocity float64, now time.Time) (time.Time, bool) {
	if remaining <= 0 {
		return now, true
	}
	if velocity <= 0 {
		return time.Time{}, false
	}
	days := float64(remaining) / velocity
	return now.Add(time.Duration(math.Ceil(days*24)) * time.Hour), true
}

// Health is a coarse delivery-risk assessment for a project
type Health string

const (
	OnTrack         Health = "On Track"
	AtRisk          Health = "At Risk"
	OffTrack        Health = "Off Track"
	CompletedOnTime Health = "Completed On Time"
	CompletedLate   Health = "Completed Late"
)

// ProjectStats are the inputs to Assess
type ProjectStats struct {
	TotalTasks     int
	RemainingTasks int
	OverdueTasks   int
	Velocity       float64    // Tasks per day
	DueOn          *time.Time // Optional project due date
	CompletedOn    *time.Time // Last completion, for finished projects
}

// Assessment is the outcome of Assess
type Assessment struct {
	Health     Health  `json:"health"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// Assess classifies a project's delivery health against its due date, or the end of the current fiscal year when it
// has none
func Assess(stats ProjectStats, now time.Time) Assessment {
	if stats.TotalTasks == 0 {
		return Assessment{OffTrack, "No tasks defined", 0.9}
	}

	if stats.RemainingTasks == 0 {
		if stats.DueOn != nil && stats.CompletedOn != nil && stats.CompletedOn.After(endOfDay(*stats.DueOn)) {
			late := int(stats.CompletedOn.Sub(*stats.DueOn).Hours() / 24)
			return Assessment{CompletedLate, fmt.Sprintf("%d days late", late), 1.0}
		}
		return Assessment{CompletedOnTime, "On time", 1.0}
	}

	target := Year(now).End
	if stats.DueOn != nil {
		target = *stats.DueOn
	}

	if stats.Velocity < DefaultVelocity && stats.RemainingTasks > 2 {
		return Assessment{AtRisk, "Very low velocity", 0.8}
	}

	if stats.OverdueTasks > 0 && float64(stats.OverdueTasks) >= math.Max(1, float64(stats.TotalTasks)*0.1) {
		return Assessment{AtRisk, fmt.Sprintf("%d overdue tasks", stats.OverdueTasks), 0.8}
	}

	projected, ok := ProjectedCompletion(stats.RemainingTasks, stats.Velocity, now)
	if !ok {
		projected = target
	}

	margin := int(math.Floor(target.Sub(projected).Hours() / 24))
	switch {
	case margin >= 14:
		return Assessment{OnTrack, fmt.Sprintf("%d days buffer", margin), 0.9}
	case margin >= 0:
		return Assessment{OnTrack, "Tight schedule", 0.7}
	case margin >= -30:
		return Assessment{AtRisk, fmt.Sprintf("%d days behind", -margin), 0.8}
	default:
		return Assessment{OffTrack, fmt.Sprintf("%d days behind", -margin), 0.9}
	}
}
