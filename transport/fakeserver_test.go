package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	gssh "github.com/gliderlabs/ssh"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"devkitd/logger"
	"devkitd/models"
)

// fakeServer is an SSH server that runs exec requests with the local shell.
type fakeServer struct {
	addr    string
	signals atomic.Int32
	execs   atomic.Int32
}

func newFakeServer(t *testing.T, authorized ssh.PublicKey) *fakeServer {
	t.Helper()

	fs := &fakeServer{}
	srv := &gssh.Server{
		Handler: fs.handle,
		PublicKeyHandler: func(ctx gssh.Context, key gssh.PublicKey) bool {
			return gssh.KeysEqual(key, authorized)
		},
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fs.addr = ln.Addr().String()

	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return fs
}

func (fs *fakeServer) handle(s gssh.Session) {
	fs.execs.Add(1)

	signals := make(chan gssh.Signal, 4)
	s.Signals(signals)

	cmd := exec.Command("sh", "-c", s.RawCommand())
	cmd.Stdin = s
	cmd.Stdout = s
	cmd.Stderr = s.Stderr()
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		s.Exit(127)
		return
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	for {
		select {
		case <-signals:
			fs.signals.Add(1)
			cmd.Process.Signal(syscall.SIGTERM)
		case err := <-done:
			code := 0
			var exitErr *exec.ExitError
			switch {
			case errors.As(err, &exitErr):
				code = exitErr.ExitCode()
			case err != nil && cmd.ProcessState != nil:
				code = cmd.ProcessState.ExitCode()
			case err != nil:
				code = 255
			}
			if code < 0 {
				code = 143
			}
			s.Exit(code)
			return
		}
	}
}

// writeKey generates an ed25519 key, stores it PEM encoded and returns its path and public half.
func writeKey(t *testing.T) (string, ssh.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return path, sshPub
}

type testEnv struct {
	server *fakeServer
	dialer *SSHDialer
	store  *MemoryStore
	device models.Device
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	keyPath, pub := writeKey(t)
	server := newFakeServer(t, pub)
	store := NewMemoryStore()

	return &testEnv{
		server: server,
		store:  store,
		dialer: NewSSHDialer(SSHOptions{
			User:            "deck",
			ConnectTimeout:  5 * time.Second,
			ParallelUploads: 3,
			Store:           store,
			Logger:          logger.Nop(),
		}),
		device: models.Device{ID: "dev-1", Address: server.addr, KeyPath: keyPath},
	}
}
