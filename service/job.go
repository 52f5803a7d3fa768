package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"devkitd/models"
)

// JobBroadcaster receives job events. Implementations must not block.
type JobBroadcaster interface {
	BroadcastJob(event models.JobEvent)
}

type nopBroadcaster struct{}

func (nopBroadcaster) BroadcastJob(models.JobEvent) {}

// jobTracker owns one job. Only the pipeline running the job mutates it; readers take snapshots.
type jobTracker struct {
	mu       sync.Mutex
	job      models.Job
	logLimit int
	events   JobBroadcaster

	ctx    context.Context
	cancel context.CancelFunc
}

func newJobTracker(ctx context.Context, job models.Job, logLimit int, events JobBroadcaster) *jobTracker {
	if events == nil {
		events = nopBroadcaster{}
	}
	job.Phase = models.PhaseQueued
	job.History = []models.PhaseEvent{{Phase: models.PhaseQueued, At: job.CreatedAt}}
	job.Logs = []string{}

	ctx, cancel := context.WithCancel(ctx)
	return &jobTracker{
		job:      job,
		logLimit: logLimit,
		events:   events,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (t *jobTracker) id() string       { return t.job.ID }
func (t *jobTracker) deviceID() string { return t.job.DeviceID }

func (t *jobTracker) snapshot() models.Job {
	t.mu.Lock()
	defer t.mu.Unlock()

	job := t.job
	job.Logs = append([]string(nil), t.job.Logs...)
	job.History = append([]models.PhaseEvent(nil), t.job.History...)
	if t.job.Error != nil {
		e := *t.job.Error
		job.Error = &e
	}
	if t.job.Sync != nil {
		s := *t.job.Sync
		job.Sync = &s
	}
	if t.job.FinishedAt != nil {
		f := *t.job.FinishedAt
		job.FinishedAt = &f
	}
	return job
}

func (t *jobTracker) phase() models.Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job.Phase
}

// setPhase moves the job to phase. Transitions out of a terminal phase are ignored.
func (t *jobTracker) setPhase(phase models.Phase, progress float64) bool {
	now := time.Now()

	t.mu.Lock()
	if t.job.Phase.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.job.Phase = phase
	t.job.History = append(t.job.History, models.PhaseEvent{Phase: phase, At: now})
	if progress > t.job.Progress {
		t.job.Progress = progress
	}
	event := t.event("phase", now)
	event.Progress = t.job.Progress
	t.mu.Unlock()

	t.events.BroadcastJob(event)
	return true
}

func (t *jobTracker) setProgress(progress float64) {
	now := time.Now()

	t.mu.Lock()
	if t.job.Phase.Terminal() || progress <= t.job.Progress {
		t.mu.Unlock()
		return
	}
	t.job.Progress = progress
	event := t.event("progress", now)
	event.Progress = progress
	t.mu.Unlock()

	t.events.BroadcastJob(event)
}

func (t *jobTracker) appendLog(line string) {
	now := time.Now()

	t.mu.Lock()
	t.job.Logs = append(t.job.Logs, line)
	if over := len(t.job.Logs) - t.logLimit; t.logLimit > 0 && over > 0 {
		t.job.Logs = append(t.job.Logs[:0], t.job.Logs[over:]...)
	}
	event := t.event("log", now)
	event.Line = line
	t.mu.Unlock()

	t.events.BroadcastJob(event)
}

func (t *jobTracker) setSync(summary models.SyncSummary) {
	t.mu.Lock()
	t.job.Sync = &summary
	t.mu.Unlock()
}

// finish moves the job to a terminal phase, recording err for failures.
func (t *jobTracker) finish(phase models.Phase, err error) {
	now := time.Now()

	t.mu.Lock()
	if t.job.Phase.Terminal() {
		t.mu.Unlock()
		return
	}
	t.job.Phase = phase
	t.job.History = append(t.job.History, models.PhaseEvent{Phase: phase, At: now})
	t.job.FinishedAt = &now
	if phase == models.PhaseSucceeded {
		t.job.Progress = 1
	}
	if err != nil {
		t.job.Error = jobError(err)
	}
	event := t.event("phase", now)
	event.Progress = t.job.Progress
	event.Error = t.job.Error
	t.mu.Unlock()

	t.events.BroadcastJob(event)
}

// event builds a JobEvent for the current state. Callers hold t.mu.
func (t *jobTracker) event(kind string, at time.Time) models.JobEvent {
	return models.JobEvent{
		Type:     kind,
		JobID:    t.job.ID,
		DeviceID: t.job.DeviceID,
		Phase:    t.job.Phase,
		At:       at,
	}
}

func jobError(err error) *models.JobError {
	je := &models.JobError{Kind: models.KindOf(err), Message: err.Error()}
	var cmdErr *models.CommandError
	if errors.As(err, &cmdErr) {
		code := cmdErr.ExitCode
		je.ExitCode = &code
		je.StderrTail = cmdErr.StderrTail
	}
	return je
}
