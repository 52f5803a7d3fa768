package models

import (
	"strconv"
	"time"
)

// DeviceState is the last known connectivity of a device.
type DeviceState string

const (
	DeviceUnknown     DeviceState = "unknown"
	DeviceReachable   DeviceState = "reachable"
	DeviceUnreachable DeviceState = "unreachable"
)

// Valid reports whether s is one of the known states.
func (s DeviceState) Valid() bool {
	switch s {
	case DeviceUnknown, DeviceReachable, DeviceUnreachable:
		return true
	}
	return false
}

// Device is a registered devkit. ID never changes once assigned.
type Device struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Address        string      `json:"address"`         // IP or hostname, optionally host:port
	Port           int         `json:"port,omitempty"`  // 0 means the configured default
	User           string      `json:"user,omitempty"`  // empty means the configured default
	KeyPath        string      `json:"key_path"`        // private key used for authentication
	State          DeviceState `json:"state"`
	LastDeployedAt *time.Time  `json:"last_deployed_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// SameTarget reports whether d and o reach the same host with the same credentials.
func (d Device) SameTarget(o Device) bool {
	return d.Address == o.Address && d.Port == o.Port && d.User == o.User && d.KeyPath == o.KeyPath
}

// DeviceUpdate carries the mutable fields of a device. Nil fields are left untouched.
type DeviceUpdate struct {
	Name    *string `json:"name,omitempty"`
	Address *string `json:"address,omitempty"`
	Port    *int    `json:"port,omitempty"`
	User    *string `json:"user,omitempty"`
	KeyPath *string `json:"key_path,omitempty"`
}

// SessionState is the connection state of a device session.
type SessionState int

const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionConnected
	SessionError // last attempt failed; retryable like SessionDisconnected
)

func (s SessionState) String() string {
	switch s {
	case SessionDisconnected:
		return "disconnected"
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionError:
		return "error"
	}
	return "SessionState(" + strconv.Itoa(int(s)) + ")"
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SessionInfo is a snapshot of one device session.
type SessionInfo struct {
	DeviceID    string       `json:"device_id"`
	State       SessionState `json:"state"`
	LastError   string       `json:"last_error,omitempty"`
	ConnectedAt *time.Time   `json:"connected_at,omitempty"`
}
