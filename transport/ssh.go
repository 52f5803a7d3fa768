package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"devkitd/models"
)

// SSHOptions configure an SSHDialer. Device fields take precedence over the defaults here.
type SSHOptions struct {
	User           string
	Port           int
	KeyPath        string
	ConnectTimeout time.Duration

	// ParallelUploads bounds the concurrent upload sessions of one sync.
	ParallelUploads int

	// Store records transferred manifests. Defaults to a MemoryStore.
	Store ManifestStore

	Logger zerolog.Logger
}

// SSHDialer connects to devices with golang.org/x/crypto/ssh.
type SSHDialer struct {
	opts SSHOptions
}

func NewSSHDialer(opts SSHOptions) *SSHDialer {
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ParallelUploads < 1 {
		opts.ParallelUploads = 1
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	return &SSHDialer{opts: opts}
}

// Connect dials and authenticates to device. Failures are classified as
// models.ErrUnreachable or models.ErrAuthenticationFailed.
func (d *SSHDialer) Connect(ctx context.Context, device models.Device) (Conn, error) {
	user := device.User
	if user == "" {
		user = d.opts.User
	}
	keyPath := device.KeyPath
	if keyPath == "" {
		keyPath = d.opts.KeyPath
	}

	config, err := buildClientConfig(user, keyPath, d.opts.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrAuthenticationFailed, err)
	}

	addr := d.address(device)
	dialCtx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	netConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", models.ErrUnreachable, addr, err)
	}

	// The handshake has no context of its own; bound it with a deadline.
	if deadline, ok := dialCtx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(dialCtx, func() { netConn.SetDeadline(time.Now()) })
	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	stop()
	if err != nil {
		netConn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %s@%s: %v", models.ErrAuthenticationFailed, user, addr, err)
		}
		return nil, fmt.Errorf("%w: handshake with %s: %v", models.ErrUnreachable, addr, err)
	}
	netConn.SetDeadline(time.Time{})

	d.opts.Logger.Debug().Str("device_id", device.ID).Str("addr", addr).Str("user", user).Msg("SSH connected")

	return &sshConn{
		deviceID: device.ID,
		addr:     addr,
		client:   ssh.NewClient(clientConn, chans, reqs),
		store:    d.opts.Store,
		parallel: d.opts.ParallelUploads,
		log:      d.opts.Logger.With().Str("device_id", device.ID).Logger(),
	}, nil
}

func (d *SSHDialer) address(device models.Device) string {
	if _, _, err := net.SplitHostPort(device.Address); err == nil {
		return device.Address
	}
	port := device.Port
	if port == 0 {
		port = d.opts.Port
	}
	return net.JoinHostPort(device.Address, strconv.Itoa(port))
}

func buildClientConfig(user, keyPath string, timeout time.Duration) (*ssh.ClientConfig, error) {
	if keyPath == "" {
		return nil, errors.New("no private key configured")
	}
	auth, err := readPrivateKey(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", keyPath, err)
	}
	return &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{auth},
		// Devkits are reimaged often and their host keys change with them.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}

func readPrivateKey(path string) (ssh.AuthMethod, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, err
	}
	return ssh.PublicKeys(signer), nil
}

type sshConn struct {
	deviceID string
	addr     string
	client   *ssh.Client
	store    ManifestStore
	parallel int
	log      zerolog.Logger
	closed   atomic.Bool
}

func (c *sshConn) Run(ctx context.Context, command string, timeout time.Duration) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCancelled, err)
	}
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: opening session: %v", models.ErrTransport, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: %v", models.ErrTransport, err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: %v", models.ErrTransport, err)
	}
	if err := session.Start(command); err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: starting command: %v", models.ErrTransport, err)
	}

	c.log.Debug().Str("command", command).Msg("Remote command started")

	p := &sshProcess{
		session: session,
		stdout:  stdout,
		stderr:  stderr,
		done:    make(chan struct{}),
	}
	go p.wait()
	go p.watch(ctx, timeout)
	return p, nil
}

// Alive sends an OpenSSH keepalive request and reports whether the server answered.
func (c *sshConn) Alive() bool {
	if c.closed.Load() {
		return false
	}
	_, _, err := c.client.SendRequest("keepalive@openssh.org", true, nil)
	return err == nil
}

func (c *sshConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.client.Close()
}

// runSimple runs command to completion, returning a CommandError for non-zero exits.
func (c *sshConn) runSimple(ctx context.Context, command string, stdin io.Reader) error {
	session, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("%w: opening session: %v", models.ErrTransport, err)
	}
	defer session.Close()

	var stderr strings.Builder
	session.Stdin = stdin
	session.Stderr = &stderr

	errc := make(chan error, 1)
	go func() { errc <- session.Run(command) }()

	select {
	case err = <-errc:
	case <-ctx.Done():
		session.Signal(ssh.SIGTERM)
		session.Close()
		return fmt.Errorf("%w: %v", models.ErrCancelled, ctx.Err())
	}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &exitErr):
		return &models.CommandError{
			Phase:      models.PhaseSyncing,
			Command:    command,
			ExitCode:   exitErr.ExitStatus(),
			StderrTail: strings.TrimSpace(stderr.String()),
		}
	default:
		return fmt.Errorf("%w: %v", models.ErrTransport, err)
	}
}

type sshProcess struct {
	session *ssh.Session
	stdout  io.Reader
	stderr  io.Reader

	done     chan struct{}
	exitCode int
	err      error

	terminate sync.Once
	mu        sync.Mutex
	reason    error // set when the process was stopped by us
}

func (p *sshProcess) Stdout() io.Reader { return p.stdout }
func (p *sshProcess) Stderr() io.Reader { return p.stderr }

func (p *sshProcess) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.err
}

func (p *sshProcess) Terminate() {
	p.stop(fmt.Errorf("%w: terminated", models.ErrCancelled))
}

func (p *sshProcess) stop(reason error) {
	p.terminate.Do(func() {
		p.mu.Lock()
		p.reason = reason
		p.mu.Unlock()
		p.session.Signal(ssh.SIGTERM)
		p.session.Close()
	})
}

func (p *sshProcess) watch(ctx context.Context, timeout time.Duration) {
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

func (p *sshProcess) wait() {
	defer close(p.done)
	err := p.session.Wait()
	p.session.Close()

	p.mu.Lock()
	reason := p.reason
	p.mu.Unlock()
	if reason != nil {
		p.exitCode, p.err = -1, reason
		return
	}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		p.exitCode = 0
	case errors.As(err, &exitErr):
		p.exitCode = exitErr.ExitStatus()
	default:
		p.exitCode, p.err = -1, fmt.Errorf("%w: %v", models.ErrTransport, err)
	}
}
