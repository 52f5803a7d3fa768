package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"devkitd/models"
	"devkitd/transport"
)

// SessionManager keeps at most one authenticated connection per device and reconnects on demand.
type SessionManager struct {
	registry *DeviceRegistry
	dialer   transport.Dialer
	log      zerolog.Logger

	sessions map[string]*deviceSession
	mu       sync.Mutex
	connects singleflight.Group
}

// deviceSession is the connection state of one device. Protected by SessionManager.mu.
type deviceSession struct {
	state       models.SessionState
	conn        transport.Conn
	lastErr     error
	connectedAt time.Time
}

func NewSessionManager(registry *DeviceRegistry, dialer transport.Dialer, log zerolog.Logger) *SessionManager {
	m := &SessionManager{
		registry: registry,
		dialer:   dialer,
		log:      log,
		sessions: make(map[string]*deviceSession),
	}
	registry.OnRemove(m.forget)
	registry.OnUpdate(m.retarget)
	return m
}

// Acquire returns a connected session for the device, connecting if needed. Concurrent
// callers for the same device share one connection attempt. A cached connection that no
// longer answers is dropped and replaced once before any failure is reported.
func (m *SessionManager) Acquire(ctx context.Context, deviceID string) (transport.Conn, error) {
	device, err := m.registry.Get(deviceID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	s := m.session(deviceID)
	conn := s.conn
	m.mu.Unlock()

	if conn != nil {
		if conn.Alive() {
			return conn, nil
		}
		m.log.Warn().Str("device_id", deviceID).Msg("Cached session is dead, reconnecting")
		m.drop(deviceID, conn, models.SessionDisconnected, nil)
	}

	ch := m.connects.DoChan(connectKey(device), func() (any, error) {
		// The attempt is shared, so it must outlive any single caller.
		return m.connect(context.WithoutCancel(ctx), device)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(transport.Conn), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", models.ErrCancelled, ctx.Err())
	}
}

func (m *SessionManager) connect(ctx context.Context, device models.Device) (transport.Conn, error) {
	m.mu.Lock()
	s := m.session(device.ID)
	if s.conn != nil {
		conn := s.conn
		m.mu.Unlock()
		return conn, nil
	}
	s.state = models.SessionConnecting
	m.mu.Unlock()

	m.log.Debug().Str("device_id", device.ID).Str("address", device.Address).Msg("Connecting")
	conn, err := m.dialer.Connect(ctx, device)

	m.mu.Lock()
	if m.sessions[device.ID] != s {
		// Device removed or retargeted while connecting.
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		if _, gerr := m.registry.Get(device.ID); gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: connection settings of device %s changed while connecting", models.ErrTransport, device.ID)
	}
	if err != nil {
		s.state = models.SessionError
		s.lastErr = err
	} else {
		s.state = models.SessionConnected
		s.conn = conn
		s.lastErr = nil
		s.connectedAt = time.Now()
	}
	m.mu.Unlock()

	m.recordReachability(device.ID, err)
	if err != nil {
		m.log.Warn().Err(err).Str("device_id", device.ID).Msg("Connect failed")
		return nil, err
	}
	m.log.Info().Str("device_id", device.ID).Msg("Session connected")
	return conn, nil
}

func (m *SessionManager) recordReachability(deviceID string, err error) {
	state := models.DeviceReachable
	switch {
	case err == nil, errors.Is(err, models.ErrAuthenticationFailed):
	case errors.Is(err, models.ErrUnreachable):
		state = models.DeviceUnreachable
	default:
		return
	}
	if serr := m.registry.SetState(deviceID, state); serr != nil && !errors.Is(serr, models.ErrNotFound) {
		m.log.Error().Err(serr).Str("device_id", deviceID).Msg("Failed to record device state")
	}
}

// Invalidate reports that the device's connection failed with err. The connection is
// closed and the next Acquire reconnects.
func (m *SessionManager) Invalidate(deviceID string, err error) {
	m.mu.Lock()
	s, ok := m.sessions[deviceID]
	var conn transport.Conn
	if ok {
		conn = s.conn
	}
	m.mu.Unlock()

	if conn == nil {
		return
	}
	m.log.Warn().Err(err).Str("device_id", deviceID).Msg("Session invalidated")
	m.drop(deviceID, conn, models.SessionDisconnected, err)
}

// Disconnect closes the device's connection, if any.
func (m *SessionManager) Disconnect(deviceID string) error {
	if _, err := m.registry.Get(deviceID); err != nil {
		return err
	}
	m.mu.Lock()
	s, ok := m.sessions[deviceID]
	var conn transport.Conn
	if ok {
		conn = s.conn
	}
	m.mu.Unlock()

	if conn != nil {
		m.drop(deviceID, conn, models.SessionDisconnected, nil)
	}
	return nil
}

// drop closes conn and moves the session to state, unless it was already replaced.
func (m *SessionManager) drop(deviceID string, conn transport.Conn, state models.SessionState, cause error) {
	m.mu.Lock()
	if s, ok := m.sessions[deviceID]; ok && s.conn == conn {
		s.conn = nil
		s.state = state
		s.lastErr = cause
	}
	m.mu.Unlock()
	conn.Close()
}

// Info returns a snapshot of the device's session.
func (m *SessionManager) Info(deviceID string) (models.SessionInfo, error) {
	if _, err := m.registry.Get(deviceID); err != nil {
		return models.SessionInfo{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	info := models.SessionInfo{DeviceID: deviceID, State: models.SessionDisconnected}
	if s, ok := m.sessions[deviceID]; ok {
		info.State = s.state
		if s.lastErr != nil {
			info.LastError = s.lastErr.Error()
		}
		if s.state == models.SessionConnected {
			t := s.connectedAt
			info.ConnectedAt = &t
		}
	}
	return info, nil
}

// Probe connects to the device, recording its reachability, and returns the session state.
func (m *SessionManager) Probe(ctx context.Context, deviceID string) (models.SessionInfo, error) {
	_, err := m.Acquire(ctx, deviceID)
	if errors.Is(err, models.ErrNotFound) {
		return models.SessionInfo{}, err
	}
	info, ierr := m.Info(deviceID)
	if ierr != nil {
		return models.SessionInfo{}, ierr
	}
	return info, err
}

// retarget drops the session of a device whose connection settings changed, so the next
// Acquire dials the new target.
func (m *SessionManager) retarget(before, after models.Device) {
	if before.SameTarget(after) {
		return
	}
	m.log.Info().Str("device_id", after.ID).Str("address", after.Address).Msg("Connection settings changed, dropping session")
	m.forget(after.ID)
}

// connectKey groups concurrent connection attempts to the same target.
func connectKey(d models.Device) string {
	return fmt.Sprintf("%s|%s|%d|%s|%s", d.ID, d.Address, d.Port, d.User, d.KeyPath)
}

// forget drops all state of a removed device.
func (m *SessionManager) forget(deviceID string) {
	m.mu.Lock()
	var conn transport.Conn
	if s, ok := m.sessions[deviceID]; ok {
		conn = s.conn
		s.conn = nil
	}
	delete(m.sessions, deviceID)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Close closes every open connection.
func (m *SessionManager) Close() error {
	m.mu.Lock()
	conns := make(map[string]transport.Conn)
	for id, s := range m.sessions {
		if s.conn != nil {
			conns[id] = s.conn
			s.conn = nil
			s.state = models.SessionDisconnected
		}
	}
	m.mu.Unlock()

	var result *multierror.Error
	for id, conn := range conns {
		if err := conn.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing session %s: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}

// session returns the state of deviceID, creating it. Callers hold m.mu.
func (m *SessionManager) session(deviceID string) *deviceSession {
	s, ok := m.sessions[deviceID]
	if !ok {
		s = &deviceSession{state: models.SessionDisconnected}
		m.sessions[deviceID] = s
	}
	return s
}
