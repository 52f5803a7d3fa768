package service

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"devkitd/models"
	"devkitd/transport"
)

const (
	stderrTailLines = 20
	maxLineLength   = 1 << 20
)

type output struct {
	Stdout     string
	StderrTail string
	ExitCode   int
}

// startRemote starts command on the device. A transport failure before the command
// started is retried once on a fresh connection.
func startRemote(ctx context.Context, sessions *SessionManager, deviceID, command string, timeout time.Duration) (transport.Process, error) {
	for attempt := 0; ; attempt++ {
		conn, err := sessions.Acquire(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		proc, err := conn.Run(ctx, command, timeout)
		if err == nil {
			return proc, nil
		}
		if errors.Is(err, models.ErrTransport) {
			sessions.Invalidate(deviceID, err)
			if attempt == 0 {
				continue
			}
		}
		return nil, err
	}
}

// drain reads both streams of p line by line until they close, then waits for the exit.
// onLine, when set, is called from two goroutines.
func drain(p transport.Process, capture bool, onLine func(line string)) (output, error) {
	var (
		wg     sync.WaitGroup
		stdout strings.Builder
		mu     sync.Mutex
		tail   []string
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(p.Stdout(), func(line string) {
			if capture {
				stdout.WriteString(line)
				stdout.WriteByte('\n')
			}
			if onLine != nil {
				onLine(line)
			}
		})
	}()
	go func() {
		defer wg.Done()
		scanLines(p.Stderr(), func(line string) {
			mu.Lock()
			tail = append(tail, line)
			if len(tail) > stderrTailLines {
				tail = tail[1:]
			}
			mu.Unlock()
			if onLine != nil {
				onLine(line)
			}
		})
	}()
	wg.Wait()

	code, err := p.Wait()
	return output{
		Stdout:     stdout.String(),
		StderrTail: strings.Join(tail, "\n"),
		ExitCode:   code,
	}, err
}

func scanLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	// Keep the channel flowing even if a line was too long to scan.
	io.Copy(io.Discard, r)
}

// commandErr turns the outcome of a finished command into an error. Transport failures
// invalidate the device's session.
func commandErr(sessions *SessionManager, deviceID string, phase models.Phase, command string, out output, err error) error {
	if err != nil {
		if errors.Is(err, models.ErrTransport) {
			sessions.Invalidate(deviceID, err)
		}
		return err
	}
	if out.ExitCode != 0 {
		return &models.CommandError{
			Phase:      phase,
			Command:    command,
			ExitCode:   out.ExitCode,
			StderrTail: out.StderrTail,
		}
	}
	return nil
}

// runRemote runs command to completion and returns its output.
func runRemote(ctx context.Context, sessions *SessionManager, deviceID string, phase models.Phase, command string, timeout time.Duration) (output, error) {
	proc, err := startRemote(ctx, sessions, deviceID, command, timeout)
	if err != nil {
		return output{}, err
	}
	out, err := drain(proc, true, nil)
	return out, commandErr(sessions, deviceID, phase, command, out, err)
}
