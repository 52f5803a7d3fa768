package models

import "time"

// Phase is the stage a deployment job is in.
type Phase string

const (
	PhaseQueued     Phase = "queued"
	PhaseSyncing    Phase = "syncing"
	PhaseInstalling Phase = "installing"
	PhaseLaunching  Phase = "launching"
	PhaseMonitoring Phase = "monitoring"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
	PhaseCancelled  Phase = "cancelled"
)

// Terminal reports whether no further transitions can happen from p.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed || p == PhaseCancelled
}

type PhaseEvent struct {
	Phase Phase     `json:"phase"`
	At    time.Time `json:"at"`
}

// JobError is the failure detail of a job.
type JobError struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	StderrTail string `json:"stderr_tail,omitempty"`
}

// SyncSummary reports what the sync phase transferred.
type SyncSummary struct {
	RemotePath       string `json:"remote_path"`
	BytesTransferred int64  `json:"bytes_transferred"`
	FilesChanged     int    `json:"files_changed"`
	FilesRemoved     int    `json:"files_removed"`
}

// Job is a snapshot of a deployment job.
type Job struct {
	ID         string        `json:"id"`
	DeviceID   string        `json:"device_id"`
	SourcePath string        `json:"source_path"`
	Options    DeployOptions `json:"options"`
	Phase      Phase         `json:"phase"`
	Progress   float64       `json:"progress"`
	Logs       []string      `json:"logs"`
	Error      *JobError     `json:"error,omitempty"`
	History    []PhaseEvent  `json:"history"`
	Sync       *SyncSummary  `json:"sync,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// DeployOptions tune a single deployment. Zero values fall back to the configuration.
type DeployOptions struct {
	GameID  string `json:"game_id,omitempty"` // defaults to the base name of the build path
	Argv    string `json:"argv,omitempty"`    // command line of the title, relative to its directory
	Monitor *bool  `json:"monitor,omitempty"`
	Mirror  *bool  `json:"mirror,omitempty"`
	Atomic  *bool  `json:"atomic,omitempty"`
	Force   bool   `json:"force,omitempty"` // resend every file regardless of the recorded manifest
	// MonitorTimeout is a Go duration string such as "10m".
	MonitorTimeout string            `json:"monitor_timeout,omitempty"`
	Exclude        []string          `json:"exclude,omitempty"`
	Settings       map[string]string `json:"settings,omitempty"`
}

// DeployRequest is the body of a deployment submission.
type DeployRequest struct {
	DeviceIDs []string      `json:"device_ids"`
	BuildPath string        `json:"build_path"`
	Options   DeployOptions `json:"options"`
}

// Submission is the per-device outcome of a deployment submission.
type Submission struct {
	DeviceID string `json:"device_id"`
	JobID    string `json:"job_id,omitempty"`
	Error    string `json:"error,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Err      error  `json:"-"`
}

// JobEvent is pushed to websocket subscribers whenever a job changes.
type JobEvent struct {
	Type     string    `json:"type"` // phase, log, progress
	JobID    string    `json:"job_id"`
	DeviceID string    `json:"device_id"`
	Phase    Phase     `json:"phase,omitempty"`
	Line     string    `json:"line,omitempty"`
	Progress float64   `json:"progress,omitempty"`
	Error    *JobError `json:"error,omitempty"`
	At       time.Time `json:"at"`
}
