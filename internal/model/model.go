package model

import (
	"errors"
	"time"
)

type JobState string

const (
	JobBuilding  JobState = "building"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	// JobUnknown is reported when a build never reached a remote terminal
	// state within the configured polling window.
	JobUnknown JobState = "unknown"
)

var ErrNotFound = errors.New("not found")

// IsTerminal reports whether no further transitions can leave s.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobUnknown
}

// CanTransition reports whether a job may move from one state to another.
// Only a building job moves, and only into a terminal state.
func CanTransition(from, to JobState) bool {
	return from == JobBuilding && to.IsTerminal()
}

// Job represents one remote APK build requested for an agent.
//
// - OwnerID is the agent the build was requested for and keys the registry.
// - DisplayName is captured at submission so notifications survive renames.
// - ArtifactURL is set only when completed, ErrorMessage only when failed or unknown.
type Job struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	DisplayName  string    `json:"displayName"`
	StartedAt    time.Time `json:"startedAt"`
	State        JobState  `json:"state"`
	ArtifactURL  string    `json:"artifactUrl,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// JobMeta is the display metadata persisted next to an active job id.
type JobMeta struct {
	OwnerID     string    `json:"ownerId"`
	DisplayName string    `json:"displayName"`
	StartedAt   time.Time `json:"startedAt"`
}

// Result is the terminal outcome of a job, kept in the build history.
type Result struct {
	JobID        string    `json:"jobId"`
	OwnerID      string    `json:"ownerId"`
	DisplayName  string    `json:"displayName"`
	State        JobState  `json:"state"`
	ArtifactURL  string    `json:"artifactUrl,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
}

// Result converts a terminal job into its history record.
func (j Job) Result(finishedAt time.Time) Result {
	return Result{
		JobID:        j.ID,
		OwnerID:      j.OwnerID,
		DisplayName:  j.DisplayName,
		State:        j.State,
		ArtifactURL:  j.ArtifactURL,
		ErrorMessage: j.ErrorMessage,
		StartedAt:    j.StartedAt,
		FinishedAt:   finishedAt,
	}
}
