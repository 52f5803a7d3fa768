package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devkitd/config"
	"devkitd/logger"
	"devkitd/manifest"
	"devkitd/models"
	"devkitd/service"
	"devkitd/transport"
)

// stubDialer answers every command with empty output and exit status 0, except for
// addresses listed in down.
type stubDialer struct {
	down map[string]bool
}

func (d stubDialer) Connect(ctx context.Context, device models.Device) (transport.Conn, error) {
	if d.down[device.Address] {
		return nil, fmt.Errorf("%w: no route to host", models.ErrUnreachable)
	}
	return stubConn{}, nil
}

type stubConn struct{}

func (stubConn) Run(ctx context.Context, command string, timeout time.Duration) (transport.Process, error) {
	if strings.HasPrefix(command, "echo ") {
		return stubProcess{stdout: strings.TrimPrefix(command, "echo ") + "\n"}, nil
	}
	if strings.Contains(command, "steamos-list-games") {
		return stubProcess{stdout: `[{"gameid":"mygame"}]` + "\n"}, nil
	}
	return stubProcess{}, nil
}

func (stubConn) SyncTree(ctx context.Context, local, remote string, m manifest.Manifest, opts transport.SyncOptions) (transport.SyncResult, error) {
	return transport.SyncResult{BytesTransferred: m.TotalSize(), FilesChanged: len(m)}, nil
}

func (stubConn) Alive() bool  { return true }
func (stubConn) Close() error { return nil }

type stubProcess struct{ stdout string }

func (p stubProcess) Stdout() io.Reader  { return strings.NewReader(p.stdout) }
func (p stubProcess) Stderr() io.Reader  { return strings.NewReader("") }
func (p stubProcess) Wait() (int, error) { return 0, nil }
func (p stubProcess) Terminate()         {}

type testAPI struct {
	router   *gin.Engine
	services *Services
	hub      *WebSocketHub
}

func newTestAPI(t *testing.T, down ...string) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := config.InitDatabase(filepath.Join(t.TempDir(), "devkit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	registry := service.NewDeviceRegistry(db, logger.Nop())
	require.NoError(t, registry.Load())

	dialer := stubDialer{down: map[string]bool{}}
	for _, addr := range down {
		dialer.down[addr] = true
	}

	cfg := config.Default()
	cfg.Deploy.PrepareCommand = ""
	sessions := service.NewSessionManager(registry, dialer, logger.Nop())
	commands, err := service.NewCommands(cfg.Deploy)
	require.NoError(t, err)
	pipeline := service.NewPipeline(sessions, registry, commands, cfg.Deploy, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewWebSocketHub(logger.Nop())
	go hub.Run(ctx)

	dispatcher := service.NewDispatcher(registry, pipeline, hub, service.DispatcherOptions{
		LogLines:   cfg.Deploy.LogLines,
		RetainJobs: cfg.Deploy.RetainJobs,
	}, logger.Nop())

	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		dispatcher.Shutdown(sctx)
		sessions.Close()
		cancel()
	})

	s := &Services{
		Registry:   registry,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Ops:        service.NewDeviceOps(sessions, commands, service.NewManifestStore(db), cfg.Deploy.CommandTimeout),
	}
	router := gin.New()
	SetupRoutes(router, s, hub)
	return &testAPI{router: router, services: s, hub: hub}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
}

func (a *testAPI) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func writeBuild(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "mygame")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "game.sh"), []byte("#!/bin/sh\n"), 0o755))
	return dir
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	code, env := a.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
}

func TestDeviceCRUD(t *testing.T) {
	a := newTestAPI(t)

	code, env := a.do(t, http.MethodPost, "/api/devices", map[string]any{"id": "deck-1", "address": "192.168.1.20"})
	require.Equal(t, http.StatusCreated, code, env.Error)
	created := decode[models.Device](t, env.Data)
	assert.Equal(t, "deck-1", created.ID)
	assert.Equal(t, models.DeviceUnknown, created.State)

	code, env = a.do(t, http.MethodPost, "/api/devices", map[string]any{"id": "deck-1", "address": "10.0.0.1"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, models.KindDuplicateIdentifier, env.Kind)

	code, env = a.do(t, http.MethodPost, "/api/devices", map[string]any{"name": "no address"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, models.KindInvalid, env.Kind)

	code, env = a.do(t, http.MethodPut, "/api/devices/deck-1", map[string]any{"name": "desk deck"})
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Equal(t, "desk deck", decode[models.Device](t, env.Data).Name)

	code, env = a.do(t, http.MethodGet, "/api/devices/deck-1", nil)
	require.Equal(t, http.StatusOK, code)
	view := decode[map[string]any](t, env.Data)
	assert.Equal(t, "desk deck", view["name"])
	assert.Equal(t, "disconnected", view["session"].(map[string]any)["state"])

	code, env = a.do(t, http.MethodGet, "/api/devices", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]models.Device](t, env.Data), 1)

	code, _ = a.do(t, http.MethodDelete, "/api/devices/deck-1", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = a.do(t, http.MethodDelete, "/api/devices/deck-1", nil)
	assert.Equal(t, http.StatusOK, code)

	code, env = a.do(t, http.MethodGet, "/api/devices/deck-1", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, models.KindNotFound, env.Kind)
}

func TestProbeAndSession(t *testing.T) {
	a := newTestAPI(t, "10.0.0.9")
	_, err := a.services.Registry.Add(models.Device{ID: "up", Address: "10.0.0.1"})
	require.NoError(t, err)
	_, err = a.services.Registry.Add(models.Device{ID: "down", Address: "10.0.0.9"})
	require.NoError(t, err)

	code, env := a.do(t, http.MethodPost, "/api/devices/up/probe", nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Equal(t, "connected", decode[map[string]any](t, env.Data)["state"])

	code, env = a.do(t, http.MethodPost, "/api/devices/down/probe", nil)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, models.KindUnreachable, env.Kind)

	code, env = a.do(t, http.MethodGet, "/api/devices/down/session", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "error", decode[map[string]any](t, env.Data)["state"])

	code, _ = a.do(t, http.MethodPost, "/api/devices/up/disconnect", nil)
	assert.Equal(t, http.StatusOK, code)
	code, env = a.do(t, http.MethodGet, "/api/devices/up/session", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "disconnected", decode[map[string]any](t, env.Data)["state"])
}

func TestExecAndLogs(t *testing.T) {
	a := newTestAPI(t)
	_, err := a.services.Registry.Add(models.Device{ID: "deck", Address: "10.0.0.1"})
	require.NoError(t, err)

	code, env := a.do(t, http.MethodPost, "/api/devices/deck/exec", map[string]any{"command": "echo hello"})
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Equal(t, "hello\n", decode[service.ExecResult](t, env.Data).Stdout)

	code, env = a.do(t, http.MethodPost, "/api/devices/deck/exec", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, models.KindInvalid, env.Kind)

	code, env = a.do(t, http.MethodGet, "/api/devices/deck/logs?path=/tmp/game.log&lines=10", nil)
	require.Equal(t, http.StatusOK, code, env.Error)

	code, _ = a.do(t, http.MethodGet, "/api/devices/deck/logs?path=/tmp/game.log&lines=ten", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = a.do(t, http.MethodGet, "/api/devices/deck/logs", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTitles(t *testing.T) {
	a := newTestAPI(t)
	_, err := a.services.Registry.Add(models.Device{ID: "deck", Address: "10.0.0.1"})
	require.NoError(t, err)

	code, env := a.do(t, http.MethodGet, "/api/devices/deck/titles", nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.JSONEq(t, `[{"gameid":"mygame"}]`, string(env.Data))

	code, env = a.do(t, http.MethodDelete, "/api/devices/deck/titles/mygame", nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Equal(t, "mygame", decode[map[string]string](t, env.Data)["game_id"])

	code, env = a.do(t, http.MethodDelete, "/api/devices/ghost/titles/mygame", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, models.KindNotFound, env.Kind)
}

func waitJob(t *testing.T, a *testAPI, jobID string) models.Job {
	t.Helper()
	var job models.Job
	require.Eventually(t, func() bool {
		code, env := a.do(t, http.MethodGet, "/api/jobs/"+jobID, nil)
		if code != http.StatusOK {
			return false
		}
		job = decode[models.Job](t, env.Data)
		return job.Phase.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestDeploymentFlow(t *testing.T) {
	a := newTestAPI(t, "10.0.0.9")
	_, err := a.services.Registry.Add(models.Device{ID: "up", Address: "10.0.0.1"})
	require.NoError(t, err)
	_, err = a.services.Registry.Add(models.Device{ID: "down", Address: "10.0.0.9"})
	require.NoError(t, err)

	code, env := a.do(t, http.MethodPost, "/api/deployments", models.DeployRequest{
		DeviceIDs: []string{"up", "down", "ghost"},
		BuildPath: writeBuild(t),
		Options:   models.DeployOptions{Argv: "./game.sh"},
	})
	require.Equal(t, http.StatusAccepted, code, env.Error)
	subs := decode[[]models.Submission](t, env.Data)
	require.Len(t, subs, 3)
	require.NotEmpty(t, subs[0].JobID)
	require.NotEmpty(t, subs[1].JobID)
	assert.Equal(t, models.KindNotFound, subs[2].Kind)

	ok := waitJob(t, a, subs[0].JobID)
	assert.Equal(t, models.PhaseSucceeded, ok.Phase)
	failed := waitJob(t, a, subs[1].JobID)
	assert.Equal(t, models.PhaseFailed, failed.Phase)
	require.NotNil(t, failed.Error)
	assert.Equal(t, models.KindUnreachable, failed.Error.Kind)

	code, env = a.do(t, http.MethodGet, "/api/jobs?device_id=up", nil)
	require.Equal(t, http.StatusOK, code)
	jobs := decode[[]models.Job](t, env.Data)
	require.Len(t, jobs, 1)
	assert.Equal(t, subs[0].JobID, jobs[0].ID)

	code, env = a.do(t, http.MethodPost, "/api/jobs/"+subs[0].JobID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, models.PhaseSucceeded, decode[models.Job](t, env.Data).Phase)

	code, env = a.do(t, http.MethodGet, "/api/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, models.KindNotFound, env.Kind)

	code, env = a.do(t, http.MethodPost, "/api/deployments", map[string]any{"device_ids": []string{"up"}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, models.KindInvalid, env.Kind)
}

func TestWebSocketJobEvents(t *testing.T) {
	a := newTestAPI(t)
	_, err := a.services.Registry.Add(models.Device{ID: "deck", Address: "10.0.0.1"})
	require.NoError(t, err)

	srv := httptest.NewServer(a.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "device_id": "deck"}))
	var ack map[string]string
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, map[string]string{"type": "subscribed", "key": "device:deck"}, ack)

	subs, err := a.services.Dispatcher.Submit([]string{"deck"}, writeBuild(t), models.DeployOptions{})
	require.NoError(t, err)
	jobID := subs[0].JobID

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var seen []models.Phase
	for {
		var event models.JobEvent
		require.NoError(t, conn.ReadJSON(&event))
		assert.Equal(t, jobID, event.JobID)
		if event.Type != "phase" {
			continue
		}
		seen = append(seen, event.Phase)
		if event.Phase.Terminal() {
			break
		}
	}
	assert.Equal(t, []models.Phase{
		models.PhaseSyncing, models.PhaseInstalling, models.PhaseLaunching, models.PhaseSucceeded,
	}, seen)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		models.ErrNotFound:                               http.StatusNotFound,
		models.ErrDeviceBusy:                             http.StatusConflict,
		models.ErrAuthenticationFailed:                   http.StatusBadGateway,
		&models.CommandError{ExitCode: 1}:                http.StatusBadGateway,
		fmt.Errorf("%w: bad", models.ErrInvalid):         http.StatusBadRequest,
		fmt.Errorf("%w: sqlite", models.ErrCorruptStore): http.StatusInternalServerError,
		fmt.Errorf("boom"):                               http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
