package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"devkitd/config"
	"devkitd/models"
	"devkitd/transport"
)

const statusCommand = "python3 ~/devkit-utils/steamos-get-status --json"

// ExecResult is the outcome of a one-off command.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// DeviceOps runs ad hoc commands on devices outside of deployments.
type DeviceOps struct {
	sessions  *SessionManager
	commands  *Commands
	manifests *ManifestStore
	timeout   time.Duration
}

func NewDeviceOps(sessions *SessionManager, commands *Commands, manifests *ManifestStore, timeout time.Duration) *DeviceOps {
	return &DeviceOps{
		sessions:  sessions,
		commands:  commands,
		manifests: manifests,
		timeout:   timeout,
	}
}

// Exec runs command and returns its output. A non-zero exit is reported in the result, not as an error.
func (o *DeviceOps) Exec(ctx context.Context, deviceID, command string) (ExecResult, error) {
	if strings.TrimSpace(command) == "" {
		return ExecResult{}, fmt.Errorf("%w: command is empty", models.ErrInvalid)
	}
	proc, err := startRemote(ctx, o.sessions, deviceID, command, o.timeout)
	if err != nil {
		return ExecResult{}, err
	}
	out, err := drain(proc, true, nil)
	if err := commandErr(o.sessions, deviceID, "", command, output{}, err); err != nil {
		return ExecResult{}, err
	}
	return ExecResult{Stdout: out.Stdout, Stderr: out.StderrTail, ExitCode: out.ExitCode}, nil
}

// Status returns the device's own status report.
func (o *DeviceOps) Status(ctx context.Context, deviceID string) (map[string]any, error) {
	out, err := runRemote(ctx, o.sessions, deviceID, "", statusCommand, o.timeout)
	if err != nil {
		return nil, err
	}
	var status map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out.Stdout)), &status); err != nil {
		return nil, fmt.Errorf("%w: status: unexpected output: %v", models.ErrRemoteCommand, err)
	}
	return status, nil
}

// TailLog returns the last lines of a file on the device.
func (o *DeviceOps) TailLog(ctx context.Context, deviceID, path string, lines int) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: path is required", models.ErrInvalid)
	}
	if lines <= 0 {
		lines = 200
	}
	cmd := "tail -n " + strconv.Itoa(lines) + " -- " + transport.QuotePath(path)
	out, err := runRemote(ctx, o.sessions, deviceID, "", cmd, o.timeout)
	if err != nil {
		return "", err
	}
	return out.Stdout, nil
}

// ListTitles returns the device's report of installed titles.
func (o *DeviceOps) ListTitles(ctx context.Context, deviceID string) (any, error) {
	cmd, err := o.commands.List()
	if err != nil {
		return nil, err
	}
	out, err := runRemote(ctx, o.sessions, deviceID, "", cmd, o.timeout)
	if err != nil {
		return nil, err
	}
	var titles any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out.Stdout)), &titles); err != nil {
		return nil, fmt.Errorf("%w: list titles: unexpected output: %v", models.ErrRemoteCommand, err)
	}
	return titles, nil
}

// DeleteTitle removes a title from the device and forgets what was transferred for it,
// so the next deployment of gameID sends the whole tree.
func (o *DeviceOps) DeleteTitle(ctx context.Context, deviceID, gameID string) (string, error) {
	if err := checkGameID(gameID); err != nil {
		return "", err
	}
	cmd, err := o.commands.Delete(gameID)
	if err != nil {
		return "", err
	}
	out, err := runRemote(ctx, o.sessions, deviceID, "", cmd, o.timeout)
	if err != nil {
		return "", err
	}
	if _, err := o.manifests.ForgetTitle(deviceID, gameID); err != nil {
		return out.Stdout, fmt.Errorf("forgetting manifests of %s: %w", gameID, config.StoreError(err))
	}
	return out.Stdout, nil
}
