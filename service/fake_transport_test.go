package service

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"devkitd/config"
	"devkitd/logger"
	"devkitd/manifest"
	"devkitd/models"
	"devkitd/transport"
)

// script describes how the fake device answers a command.
type script struct {
	stdout   string
	stderr   string
	exit     int
	hang     bool  // keep running until terminated
	startErr error // returned by Run instead of starting
}

// fakeDialer is an in-memory transport. Commands are answered by the first rule whose
// prefix matches; unmatched commands succeed silently.
type fakeDialer struct {
	mu           sync.Mutex
	rules        []rule
	connectErrs  map[string]error // by device address
	connectDelay time.Duration
	syncErrs     []error // returned by successive SyncTree calls
	commands     []string
	syncs        int
	syncTargets  []string // device address of each SyncTree call
	conns        []*fakeConn

	connects   atomic.Int32
	signals    atomic.Int32
	terminates atomic.Int32
}

type rule struct {
	prefix string
	script script
	once   bool
	used   bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{connectErrs: make(map[string]error)}
}

func (d *fakeDialer) on(prefix string, s script) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rules = append(d.rules, rule{prefix: prefix, script: s})
}

// onceOn answers the next matching command only.
func (d *fakeDialer) onceOn(prefix string, s script) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rules = append([]rule{{prefix: prefix, script: s, once: true}}, d.rules...)
}

func (d *fakeDialer) scriptFor(cmd string) script {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, cmd)
	for i := range d.rules {
		r := &d.rules[i]
		if r.used || !strings.HasPrefix(cmd, r.prefix) {
			continue
		}
		if r.once {
			r.used = true
		}
		return r.script
	}
	return script{}
}

func (d *fakeDialer) ranCommands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

func (d *fakeDialer) syncCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncs
}

func (d *fakeDialer) syncedAddresses() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.syncTargets...)
}

func (d *fakeDialer) setConnectErr(address string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.connectErrs, address)
		return
	}
	d.connectErrs[address] = err
}

func (d *fakeDialer) Connect(ctx context.Context, device models.Device) (transport.Conn, error) {
	d.connects.Add(1)
	if d.connectDelay > 0 {
		time.Sleep(d.connectDelay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.connectErrs[device.Address]; err != nil {
		return nil, err
	}
	c := &fakeConn{dialer: d, device: device}
	c.alive.Store(true)
	d.conns = append(d.conns, c)
	return c, nil
}

type fakeConn struct {
	dialer *fakeDialer
	device models.Device
	alive  atomic.Bool
	closed atomic.Bool
}

func (c *fakeConn) Run(ctx context.Context, command string, timeout time.Duration) (transport.Process, error) {
	s := c.dialer.scriptFor(command)
	if s.startErr != nil {
		return nil, s.startErr
	}
	if c.closed.Load() {
		return nil, fmt.Errorf("%w: connection closed", models.ErrTransport)
	}
	p := newFakeProcess(c.dialer, s)
	go p.watch(ctx, timeout)
	return p, nil
}

func (c *fakeConn) SyncTree(ctx context.Context, local, remote string, m manifest.Manifest, opts transport.SyncOptions) (transport.SyncResult, error) {
	d := c.dialer
	d.mu.Lock()
	d.syncs++
	d.syncTargets = append(d.syncTargets, c.device.Address)
	var err error
	if len(d.syncErrs) > 0 {
		err, d.syncErrs = d.syncErrs[0], d.syncErrs[1:]
	}
	d.mu.Unlock()

	if err != nil {
		return transport.SyncResult{}, err
	}
	if opts.Progress != nil {
		opts.Progress(m.TotalSize(), m.TotalSize())
	}
	return transport.SyncResult{BytesTransferred: m.TotalSize(), FilesChanged: len(m)}, nil
}

func (c *fakeConn) Alive() bool { return c.alive.Load() && !c.closed.Load() }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeProcess struct {
	dialer     *fakeDialer
	stdoutR    *io.PipeReader
	stderrR    *io.PipeReader
	done       chan struct{}
	terminated chan struct{}
	once       sync.Once
	mu         sync.Mutex
	reason     error
	exit       int
}

func newFakeProcess(d *fakeDialer, s script) *fakeProcess {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	p := &fakeProcess{
		dialer:     d,
		stdoutR:    stdoutR,
		stderrR:    stderrR,
		done:       make(chan struct{}),
		terminated: make(chan struct{}),
		exit:       s.exit,
	}
	go func() {
		defer close(p.done)
		var wg sync.WaitGroup
		wg.Add(2)
		write := func(w io.Writer, text string) {
			defer wg.Done()
			if text != "" {
				io.WriteString(w, text)
			}
		}
		go write(stdoutW, s.stdout)
		go write(stderrW, s.stderr)
		wg.Wait()
		if s.hang {
			<-p.terminated
		}
		stdoutW.Close()
		stderrW.Close()
	}()
	return p
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader { return p.stderrR }

func (p *fakeProcess) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reason != nil {
		return -1, p.reason
	}
	return p.exit, nil
}

func (p *fakeProcess) Terminate() {
	p.dialer.terminates.Add(1)
	p.stop(fmt.Errorf("%w: terminated", models.ErrCancelled))
}

func (p *fakeProcess) stop(reason error) {
	p.once.Do(func() {
		p.dialer.signals.Add(1)
		p.mu.Lock()
		p.reason = reason
		p.mu.Unlock()
		close(p.terminated)
	})
}

func (p *fakeProcess) watch(ctx context.Context, timeout time.Duration) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		p.stop(fmt.Errorf("%w: %v", models.ErrCancelled, ctx.Err()))
	case <-expired:
		p.stop(fmt.Errorf("%w: command exceeded %s", models.ErrTimeout, timeout))
	}
}

// testService wires the service layer over a fake transport and a temporary database.
type testService struct {
	cfg        *config.Config
	dialer     *fakeDialer
	registry   *DeviceRegistry
	sessions   *SessionManager
	pipeline   *Pipeline
	dispatcher *Dispatcher
	ops        *DeviceOps
	events     *recordingBroadcaster
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []models.JobEvent
}

func (b *recordingBroadcaster) BroadcastJob(e models.JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBroadcaster) forJob(jobID string) []models.JobEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.JobEvent
	for _, e := range b.events {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out
}

func newTestRegistry(t *testing.T) *DeviceRegistry {
	t.Helper()
	db, err := config.InitDatabase(filepath.Join(t.TempDir(), "devkit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	r := NewDeviceRegistry(db, logger.Nop())
	require.NoError(t, r.Load())
	return r
}

func newTestService(t *testing.T, tweak func(*config.Config)) *testService {
	t.Helper()

	cfg := config.Default()
	cfg.Deploy.PrepareCommand = ""
	cfg.Deploy.CommandTimeout = 5 * time.Second
	if tweak != nil {
		tweak(cfg)
	}

	registry := newTestRegistry(t)
	dialer := newFakeDialer()
	sessions := NewSessionManager(registry, dialer, logger.Nop())
	commands, err := NewCommands(cfg.Deploy)
	require.NoError(t, err)
	pipeline := NewPipeline(sessions, registry, commands, cfg.Deploy, logger.Nop())
	events := &recordingBroadcaster{}
	dispatcher := NewDispatcher(registry, pipeline, events, DispatcherOptions{
		LogLines:   cfg.Deploy.LogLines,
		RetainJobs: cfg.Deploy.RetainJobs,
	}, logger.Nop())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		dispatcher.Shutdown(ctx)
		sessions.Close()
	})

	return &testService{
		cfg:        cfg,
		dialer:     dialer,
		registry:   registry,
		sessions:   sessions,
		pipeline:   pipeline,
		dispatcher: dispatcher,
		ops:        NewDeviceOps(sessions, commands, NewManifestStore(registry.db), cfg.Deploy.CommandTimeout),
		events:     events,
	}
}

func (s *testService) addDevice(t *testing.T, address string) string {
	t.Helper()
	id, err := s.registry.Add(models.Device{Address: address, KeyPath: "/keys/devkit"})
	require.NoError(t, err)
	return id
}
