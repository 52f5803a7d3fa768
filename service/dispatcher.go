package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"devkitd/models"
)

// Dispatcher accepts deployments for many devices and runs them concurrently,
// with at most one active job per device.
type Dispatcher struct {
	registry *DeviceRegistry
	pipeline *Pipeline
	events   JobBroadcaster
	log      zerolog.Logger

	logLines   int
	retainJobs int

	mu       sync.Mutex
	jobs     map[string]*jobTracker
	order    []string          // job ids in submission order
	busy     map[string]string // device id -> active job id
	closed   bool
	wg       sync.WaitGroup
	baseCtx  context.Context
	stopJobs context.CancelFunc
}

type DispatcherOptions struct {
	// LogLines bounds the log lines kept per job.
	LogLines int
	// RetainJobs bounds how many finished jobs stay queryable.
	RetainJobs int
}

func NewDispatcher(registry *DeviceRegistry, pipeline *Pipeline, events JobBroadcaster, opts DispatcherOptions, log zerolog.Logger) *Dispatcher {
	if events == nil {
		events = nopBroadcaster{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		registry:   registry,
		pipeline:   pipeline,
		events:     events,
		log:        log,
		logLines:   opts.LogLines,
		retainJobs: opts.RetainJobs,
		jobs:       make(map[string]*jobTracker),
		busy:       make(map[string]string),
		baseCtx:    ctx,
		stopJobs:   cancel,
	}
	registry.OnRemove(func(id string) { d.cancelDevice(id, "Device removed, cancelling job") })
	registry.OnUpdate(func(before, after models.Device) {
		if !before.SameTarget(after) {
			d.cancelDevice(after.ID, "Device retargeted, cancelling job")
		}
	})
	return d
}

// Submit starts one job per device. Devices that are unknown or already have an active
// job are reported in their Submission and do not affect the others. The returned error
// is set only when the request as a whole is invalid.
func (d *Dispatcher) Submit(deviceIDs []string, buildPath string, opts models.DeployOptions) ([]models.Submission, error) {
	if len(deviceIDs) == 0 {
		return nil, fmt.Errorf("%w: no devices given", models.ErrInvalid)
	}
	plan, err := d.pipeline.plan(buildPath, opts)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("dispatcher is shut down")
	}

	submissions := make([]models.Submission, 0, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		sub := models.Submission{DeviceID: deviceID}

		if _, err := d.registry.Get(deviceID); err != nil {
			submissions = append(submissions, rejected(sub, err))
			continue
		}
		if jobID, busy := d.busy[deviceID]; busy {
			submissions = append(submissions, rejected(sub, fmt.Errorf("%w: job %s is active", models.ErrDeviceBusy, jobID)))
			continue
		}

		t := newJobTracker(d.baseCtx, models.Job{
			ID:         uuid.NewString(),
			DeviceID:   deviceID,
			SourcePath: plan.buildPath,
			Options:    opts,
			CreatedAt:  time.Now(),
		}, d.logLines, d.events)

		d.jobs[t.id()] = t
		d.order = append(d.order, t.id())
		d.busy[deviceID] = t.id()

		d.wg.Add(1)
		go d.run(t, plan)

		sub.JobID = t.id()
		submissions = append(submissions, sub)
		d.log.Info().Str("job_id", t.id()).Str("device_id", deviceID).Msg("Job submitted")
	}
	return submissions, nil
}

func rejected(sub models.Submission, err error) models.Submission {
	sub.Err = err
	sub.Error = err.Error()
	sub.Kind = models.KindOf(err)
	return sub
}

func (d *Dispatcher) run(t *jobTracker, plan deployPlan) {
	defer d.wg.Done()
	defer t.cancel()

	d.pipeline.Run(t, plan)

	d.mu.Lock()
	if d.busy[t.deviceID()] == t.id() {
		delete(d.busy, t.deviceID())
	}
	d.prune()
	d.mu.Unlock()
}

// prune drops the oldest finished jobs beyond the retention limit. Callers hold d.mu.
func (d *Dispatcher) prune() {
	finished := 0
	for _, id := range d.order {
		if d.jobs[id].phase().Terminal() {
			finished++
		}
	}
	excess := finished - d.retainJobs
	if d.retainJobs <= 0 || excess <= 0 {
		return
	}

	kept := d.order[:0]
	for _, id := range d.order {
		if excess > 0 && d.jobs[id].phase().Terminal() {
			delete(d.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	d.order = kept
}

// Status returns a snapshot of the job.
func (d *Dispatcher) Status(jobID string) (models.Job, error) {
	d.mu.Lock()
	t, ok := d.jobs[jobID]
	d.mu.Unlock()
	if !ok {
		return models.Job{}, fmt.Errorf("%w: job %s", models.ErrNotFound, jobID)
	}
	return t.snapshot(), nil
}

// Cancel requests cancellation of the job. Cancelling a finished job does nothing.
func (d *Dispatcher) Cancel(jobID string) error {
	d.mu.Lock()
	t, ok := d.jobs[jobID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: job %s", models.ErrNotFound, jobID)
	}
	if !t.phase().Terminal() {
		d.log.Info().Str("job_id", jobID).Msg("Cancelling job")
		t.cancel()
	}
	return nil
}

// List returns snapshots of all retained jobs in submission order.
func (d *Dispatcher) List() []models.Job {
	d.mu.Lock()
	trackers := make([]*jobTracker, 0, len(d.order))
	for _, id := range d.order {
		trackers = append(trackers, d.jobs[id])
	}
	d.mu.Unlock()

	jobs := make([]models.Job, len(trackers))
	for i, t := range trackers {
		jobs[i] = t.snapshot()
	}
	return jobs
}

// Active returns the device's running job, if any.
func (d *Dispatcher) Active(deviceID string) (models.Job, bool) {
	d.mu.Lock()
	jobID, ok := d.busy[deviceID]
	t := d.jobs[jobID]
	d.mu.Unlock()
	if !ok || t == nil {
		return models.Job{}, false
	}
	return t.snapshot(), true
}

// cancelDevice cancels the active job of a device that was removed or retargeted.
func (d *Dispatcher) cancelDevice(deviceID, msg string) {
	d.mu.Lock()
	jobID, ok := d.busy[deviceID]
	t := d.jobs[jobID]
	d.mu.Unlock()
	if ok && t != nil {
		d.log.Info().Str("job_id", jobID).Str("device_id", deviceID).Msg(msg)
		t.cancel()
	}
}

// Shutdown cancels every job and waits for them to finish or for ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.stopJobs()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
