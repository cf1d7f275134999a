package jobs

import (
	"encoding/json"
	"time"
)

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition can occur from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// SubmitRequest is the payload used to submit a new job.
type SubmitRequest struct {
	Program    string            `json:"program"`
	Args       []string          `json:"args,omitempty"`
	Name       string            `json:"name,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	OutputDir  string            `json:"output_dir,omitempty"`
	WebhookURL string            `json:"webhook_url,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Result describes the outcome of a completed job: where it wrote its
// outputs, and the summary the program left behind (result.json in the
// output directory), when there is one. The supervisor never interprets the
// summary beyond carrying it.
type Result struct {
	ExitCode    int             `json:"exit_code"`
	OutputDir   string          `json:"output_dir,omitempty"`
	OutputFiles []string        `json:"output_files,omitempty"`
	Summary     json.RawMessage `json:"summary,omitempty"`
}

type Job struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Program    string            `json:"program"`
	Args       []string          `json:"args,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	OutputDir  string            `json:"output_dir,omitempty"`
	WebhookURL string            `json:"webhook_url,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	State       State      `json:"state"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a copy safe to hand to readers while the original keeps
// being mutated under the store lock.
func (j *Job) Clone() *Job {
	c := *j
	c.Args = append([]string(nil), j.Args...)
	if j.Metadata != nil {
		c.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	if j.ExitCode != nil {
		code := *j.ExitCode
		c.ExitCode = &code
	}
	if j.Result != nil {
		r := *j.Result
		r.OutputFiles = append([]string(nil), j.Result.OutputFiles...)
		r.Summary = append(json.RawMessage(nil), j.Result.Summary...)
		c.Result = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
