package models

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateIdentifier = errors.New("duplicate device identifier")
	ErrNotFound            = errors.New("not found")
	ErrCorruptStore        = errors.New("device store is corrupt")

	ErrUnreachable          = errors.New("device unreachable")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrTransport            = errors.New("transport error")

	ErrDeviceBusy    = errors.New("device busy")
	ErrRemoteCommand = errors.New("remote command failed")
	ErrTimeout       = errors.New("timed out")
	ErrCancelled     = errors.New("cancelled")
	ErrInvalid       = errors.New("invalid request")
)

// Error kinds are stable strings exposed to API callers.
const (
	KindDuplicateIdentifier  = "DuplicateIdentifier"
	KindNotFound             = "NotFound"
	KindCorruptStore         = "CorruptStore"
	KindUnreachable          = "Unreachable"
	KindAuthenticationFailed = "AuthenticationFailed"
	KindTransport            = "TransportError"
	KindDeviceBusy           = "DeviceBusy"
	KindRemoteCommand        = "RemoteCommandFailed"
	KindTimeout              = "Timeout"
	KindCancelled            = "Cancelled"
	KindInvalid              = "InvalidRequest"
	KindInternal             = "Internal"
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrDuplicateIdentifier, KindDuplicateIdentifier},
	{ErrNotFound, KindNotFound},
	{ErrCorruptStore, KindCorruptStore},
	{ErrUnreachable, KindUnreachable},
	{ErrAuthenticationFailed, KindAuthenticationFailed},
	{ErrDeviceBusy, KindDeviceBusy},
	{ErrRemoteCommand, KindRemoteCommand},
	{ErrTimeout, KindTimeout},
	{ErrCancelled, KindCancelled},
	{ErrInvalid, KindInvalid},
	{ErrTransport, KindTransport},
}

// KindOf classifies err into one of the Kind constants.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// CommandError describes a remote command that exited non-zero or reported an error.
type CommandError struct {
	Phase      Phase
	Command    string
	ExitCode   int
	StderrTail string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("remote command exited with status %d", e.ExitCode)
	if e.Phase != "" {
		msg = string(e.Phase) + ": " + msg
	}
	if e.StderrTail != "" {
		msg += ": " + e.StderrTail
	}
	return msg
}

func (e *CommandError) Unwrap() error { return ErrRemoteCommand }
