package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"devkitd/config"
	"devkitd/manifest"
	"devkitd/models"
	"devkitd/transport"
)

// Progress milestones of a deployment; syncing covers the range below syncShare.
const (
	syncShare          = 0.8
	installingProgress = 0.85
	launchingProgress  = 0.95
)

// Pipeline runs one deployment: sync, install, launch and optionally monitor.
type Pipeline struct {
	sessions *SessionManager
	registry *DeviceRegistry
	commands *Commands
	cfg      config.DeployConfig
	log      zerolog.Logger
}

func NewPipeline(sessions *SessionManager, registry *DeviceRegistry, commands *Commands, cfg config.DeployConfig, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		sessions: sessions,
		registry: registry,
		commands: commands,
		cfg:      cfg,
		log:      log,
	}
}

// deployPlan is a DeployOptions resolved against the configuration.
type deployPlan struct {
	buildPath      string
	gameID         string
	argv           []string
	settings       map[string]string
	monitor        bool
	monitorTimeout time.Duration
	mirror         bool
	atomic         bool
	force          bool
	excludes       []string
}

// plan validates a deployment request and fills in configured defaults.
func (p *Pipeline) plan(buildPath string, opts models.DeployOptions) (deployPlan, error) {
	if strings.TrimSpace(buildPath) == "" {
		return deployPlan{}, fmt.Errorf("%w: build_path is required", models.ErrInvalid)
	}
	abs, err := filepath.Abs(buildPath)
	if err != nil {
		return deployPlan{}, fmt.Errorf("%w: %v", models.ErrInvalid, err)
	}

	argv, err := SplitArgv(opts.Argv)
	if err != nil {
		return deployPlan{}, fmt.Errorf("%w: %v", models.ErrInvalid, err)
	}
	if err := manifest.ValidateExcludes(opts.Exclude); err != nil {
		return deployPlan{}, fmt.Errorf("%w: %v", models.ErrInvalid, err)
	}

	plan := deployPlan{
		buildPath:      abs,
		gameID:         opts.GameID,
		argv:           argv,
		settings:       opts.Settings,
		monitor:        p.cfg.Monitor,
		monitorTimeout: p.cfg.MonitorTimeout,
		mirror:         p.cfg.Mirror,
		atomic:         p.cfg.Atomic,
		force:          opts.Force,
		excludes:       append(append([]string(nil), p.cfg.Exclude...), opts.Exclude...),
	}
	if plan.gameID == "" {
		plan.gameID = filepath.Base(abs)
	}
	if err := checkGameID(plan.gameID); err != nil {
		return deployPlan{}, err
	}
	if opts.Monitor != nil {
		plan.monitor = *opts.Monitor
	}
	if opts.Mirror != nil {
		plan.mirror = *opts.Mirror
	}
	if opts.Atomic != nil {
		plan.atomic = *opts.Atomic
	}
	if opts.MonitorTimeout != "" {
		d, err := time.ParseDuration(opts.MonitorTimeout)
		if err != nil || d < 0 {
			return deployPlan{}, fmt.Errorf("%w: bad monitor_timeout %q", models.ErrInvalid, opts.MonitorTimeout)
		}
		plan.monitorTimeout = d
	}
	return plan, nil
}

// checkGameID rejects ids that are not a single path element.
func checkGameID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return fmt.Errorf("%w: bad game_id %q", models.ErrInvalid, id)
	}
	return nil
}

// Run executes the job to a terminal phase. Cancelling the job's context stops it.
func (p *Pipeline) Run(t *jobTracker, plan deployPlan) {
	ctx := t.ctx
	log := p.log.With().Str("job_id", t.id()).Str("device_id", t.deviceID()).Logger()
	log.Info().Str("build_path", plan.buildPath).Str("game_id", plan.gameID).Msg("Deployment started")

	err := p.run(ctx, t, plan, log)
	switch {
	case ctx.Err() != nil:
		t.finish(models.PhaseCancelled, nil)
		log.Info().Msg("Deployment cancelled")
	case err != nil:
		t.finish(models.PhaseFailed, err)
		log.Error().Err(err).Str("kind", models.KindOf(err)).Msg("Deployment failed")
	default:
		t.finish(models.PhaseSucceeded, nil)
		if err := p.registry.MarkDeployed(t.deviceID(), time.Now()); err != nil {
			log.Warn().Err(err).Msg("Failed to record deployment time")
		}
		log.Info().Msg("Deployment succeeded")
	}
}

func (p *Pipeline) run(ctx context.Context, t *jobTracker, plan deployPlan, log zerolog.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deviceID := t.deviceID()

	t.setPhase(models.PhaseSyncing, 0)
	m, err := manifest.Build(ctx, plan.buildPath, plan.excludes)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", models.ErrInvalid, err)
	}

	directory, user := path.Join(p.cfg.RemoteRoot, plan.gameID), ""
	if p.commands.HasPrepare() {
		if directory, user, err = p.prepare(ctx, deviceID, plan.gameID); err != nil {
			return err
		}
	}
	t.appendLog(fmt.Sprintf("syncing %d files (%s) to %s", len(m), humanize.IBytes(uint64(m.TotalSize())), directory))

	res, err := p.sync(ctx, t, deviceID, plan, directory, m, log)
	t.setSync(models.SyncSummary{
		RemotePath:       directory,
		BytesTransferred: res.BytesTransferred,
		FilesChanged:     res.FilesChanged,
		FilesRemoved:     res.FilesRemoved,
	})
	if err != nil {
		return err
	}
	t.appendLog(fmt.Sprintf("sent %s in %d files, removed %d",
		humanize.IBytes(uint64(res.BytesTransferred)), res.FilesChanged, res.FilesRemoved))

	t.setPhase(models.PhaseInstalling, installingProgress)
	if err := p.install(ctx, t, deviceID, plan, directory, user); err != nil {
		return err
	}

	t.setPhase(models.PhaseLaunching, launchingProgress)
	if len(plan.argv) == 0 {
		t.appendLog("no argv given, not launching")
		return nil
	}
	return p.launch(ctx, t, deviceID, plan, directory, user)
}

// prepare asks the device where the title should be uploaded.
func (p *Pipeline) prepare(ctx context.Context, deviceID, gameID string) (string, string, error) {
	cmd, err := p.commands.Prepare(gameID)
	if err != nil {
		return "", "", err
	}
	out, err := runRemote(ctx, p.sessions, deviceID, models.PhaseSyncing, cmd, p.cfg.CommandTimeout)
	if err != nil {
		return "", "", err
	}

	var reply struct {
		User      string `json:"user"`
		Directory string `json:"directory"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out.Stdout)), &reply); err != nil {
		return "", "", fmt.Errorf("%w: prepare: unexpected output: %v", models.ErrRemoteCommand, err)
	}
	if reply.Directory == "" {
		return "", "", fmt.Errorf("%w: prepare: no directory returned", models.ErrRemoteCommand)
	}
	return reply.Directory, reply.User, nil
}

// sync transfers the tree. A transport failure is retried once on a fresh connection;
// files already delivered are not sent again.
func (p *Pipeline) sync(ctx context.Context, t *jobTracker, deviceID string, plan deployPlan, directory string,
	m manifest.Manifest, log zerolog.Logger) (transport.SyncResult, error) {

	opts := transport.SyncOptions{
		Mirror: plan.mirror,
		Atomic: plan.atomic,
		Force:  plan.force,
		Progress: func(done, total int64) {
			if total > 0 {
				t.setProgress(syncShare * float64(done) / float64(total))
			}
		},
	}

	var sent int64
	for attempt := 0; ; attempt++ {
		conn, err := p.sessions.Acquire(ctx, deviceID)
		if err != nil {
			return transport.SyncResult{BytesTransferred: sent}, err
		}
		res, err := conn.SyncTree(ctx, plan.buildPath, directory, m, opts)
		sent += res.BytesTransferred
		res.BytesTransferred = sent
		if err == nil {
			return res, nil
		}
		if errors.Is(err, models.ErrTransport) {
			p.sessions.Invalidate(deviceID, err)
			if attempt == 0 && ctx.Err() == nil {
				log.Warn().Err(err).Msg("Sync interrupted, retrying on a new connection")
				t.appendLog("connection lost during sync, retrying")
				// Entries recorded so far are valid; only the remainder is needed.
				opts.Force = false
				continue
			}
		}
		return res, err
	}
}

func (p *Pipeline) install(ctx context.Context, t *jobTracker, deviceID string, plan deployPlan, directory, user string) error {
	cmd, err := p.commands.Install(plan.gameID, directory, user, plan.argv, plan.settings)
	if err != nil {
		return err
	}
	out, err := runRemote(ctx, p.sessions, deviceID, models.PhaseInstalling, cmd, p.cfg.CommandTimeout)
	for _, line := range strings.Split(strings.TrimSpace(out.Stdout), "\n") {
		if line != "" {
			t.appendLog(line)
		}
	}
	if err != nil {
		return err
	}
	if msg := replyError(out.Stdout); msg != "" {
		return fmt.Errorf("%w: install: %s", models.ErrRemoteCommand, msg)
	}
	return nil
}

// replyError extracts the "error" member of a JSON reply. Output that is not a JSON object has none.
func replyError(stdout string) string {
	var reply struct {
		Error any `json:"error"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &reply); err != nil || reply.Error == nil {
		return ""
	}
	if s, ok := reply.Error.(string); ok {
		return s
	}
	return fmt.Sprint(reply.Error)
}

func (p *Pipeline) launch(ctx context.Context, t *jobTracker, deviceID string, plan deployPlan, directory, user string) error {
	cmd, err := p.commands.Launch(plan.gameID, directory, user, plan.argv, plan.monitor)
	if err != nil {
		return err
	}

	if !plan.monitor {
		_, err := runRemote(ctx, p.sessions, deviceID, models.PhaseLaunching, cmd, p.cfg.CommandTimeout)
		return err
	}

	proc, err := startRemote(ctx, p.sessions, deviceID, cmd, plan.monitorTimeout)
	if err != nil {
		return err
	}
	t.setPhase(models.PhaseMonitoring, launchingProgress)

	stop := context.AfterFunc(ctx, proc.Terminate)
	defer stop()

	out, err := drain(proc, false, t.appendLog)
	return commandErr(p.sessions, deviceID, models.PhaseMonitoring, cmd, out, err)
}
