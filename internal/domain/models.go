// Package domain contains the core data model and collaborator interfaces
// for the rollout orchestrator: Workflow/Environment, their status enums,
// and the Store/CIClient/EventPublisher contracts the workflow engine
// consumes.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Timestamp wraps time.Time so that every field that participates in store
// ordering or round-trips through the wire serializes as RFC 3339 with
// second precision, never sub-second, matching the store's sort-key
// convention.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to the second and wraps it.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Second)}
}

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return NewTimestamp(time.Now())
}

// Add returns a Timestamp offset by d, re-truncated to the second.
func (t Timestamp) Add(d time.Duration) Timestamp {
	return NewTimestamp(t.Time.Add(d))
}

// MarshalJSON renders RFC 3339 with second precision and a UTC offset.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.UTC().Format(time.RFC3339))
}

// UnmarshalJSON parses an RFC 3339 string.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("domain: invalid timestamp %q: %w", s, err)
	}
	*t = NewTimestamp(parsed)
	return nil
}

// String renders RFC 3339 with second precision.
func (t Timestamp) String() string {
	return t.Time.UTC().Format(time.RFC3339)
}

// WorkflowStatus is the lifecycle status of a Workflow.
type WorkflowStatus string

const (
	WorkflowPaused  WorkflowStatus = "Paused"
	WorkflowRunning WorkflowStatus = "Running"
	WorkflowSuccess WorkflowStatus = "Success"
	WorkflowFailure WorkflowStatus = "Failure"
)

// EnvironmentStatus is the lifecycle status of a single Environment stage.
type EnvironmentStatus string

const (
	EnvironmentPending EnvironmentStatus = "Pending"
	EnvironmentQueued  EnvironmentStatus = "Queued"
	EnvironmentRunning EnvironmentStatus = "Running"
	EnvironmentSuccess EnvironmentStatus = "Success"
	EnvironmentFailure EnvironmentStatus = "Failure"
)

// IsTerminal reports whether the environment cannot transition further.
func (s EnvironmentStatus) IsTerminal() bool {
	return s == EnvironmentSuccess || s == EnvironmentFailure
}

// Environment is one named stage within a Workflow's ordered deployment
// plan.
type Environment struct {
	Name         string            `json:"name"`
	Status       EnvironmentStatus `json:"status"`
	StartedAt    *Timestamp        `json:"started_at,omitempty"`
	FinishedAt   *Timestamp        `json:"finished_at,omitempty"`
	DeploymentID *int64            `json:"deployment_id,omitempty"`
}

// Clone returns a deep copy so callers can mutate a transition's output
// without aliasing the input Workflow's slice.
func (e Environment) Clone() Environment {
	clone := e
	if e.StartedAt != nil {
		t := *e.StartedAt
		clone.StartedAt = &t
	}
	if e.FinishedAt != nil {
		t := *e.FinishedAt
		clone.FinishedAt = &t
	}
	if e.DeploymentID != nil {
		id := *e.DeploymentID
		clone.DeploymentID = &id
	}
	return clone
}

// Workflow is the root aggregate: one rollout of one commit across an
// ordered list of environments. ID and CreatedAt together form the primary
// key and are immutable for the lifetime of the row.
type Workflow struct {
	ID                      string         `json:"id"`
	CreatedAt               Timestamp      `json:"created_at"`
	UpdatedAt               *Timestamp     `json:"updated_at,omitempty"`
	Owner                   string         `json:"owner"`
	Repo                    string         `json:"repo"`
	GitRef                  string         `json:"git_ref"`
	SHA                     string         `json:"sha"`
	CommitMessage           string         `json:"commit_message"`
	StabilityPeriodMinutes  uint           `json:"stability_period_minutes"`
	Environments            []Environment  `json:"environments"`
	Status                  WorkflowStatus `json:"status"`
	DueToRun                Timestamp      `json:"due_to_run"`
}

// WorkflowID formats the store partition key for an owner/repo pair.
func WorkflowID(owner, repo string) string {
	return fmt.Sprintf("%s/%s", owner, repo)
}

// NextEnvironment returns the index and value of the first non-terminal
// environment, or ok=false if every environment is terminal (the workflow
// is complete).
func (w *Workflow) NextEnvironment() (idx int, env Environment, ok bool) {
	for i, e := range w.Environments {
		if !e.Status.IsTerminal() {
			return i, e, true
		}
	}
	return -1, Environment{}, false
}

// IsLastEnvironment reports whether idx is the final index in the ordered
// environment list.
func (w *Workflow) IsLastEnvironment(idx int) bool {
	return idx == len(w.Environments)-1
}

// Clone returns a deep copy of the workflow suitable for mutation by the
// state machine without aliasing the caller's slices/pointers.
func (w *Workflow) Clone() *Workflow {
	clone := *w
	clone.Environments = make([]Environment, len(w.Environments))
	for i, e := range w.Environments {
		clone.Environments[i] = e.Clone()
	}
	if w.UpdatedAt != nil {
		t := *w.UpdatedAt
		clone.UpdatedAt = &t
	}
	return &clone
}
