// Ironclad is a bare-metal provisioning orchestrator.
// Copyright (C) 2025 Ironclad Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/mattcburns-labs/ironclad/internal/metrics"
	"github.com/mattcburns-labs/ironclad/pkg/models"
)

// Result carries the outcome of a remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Exec runs cmd on host over a pooled SSH connection and waits for it to
// complete or ctx/timeout to expire, whichever comes first. A non-zero exit
// status is reported as a *models.RemoteNonZero, not a Go error return from
// the SSH layer -- the caller decides whether that is fatal.
//
// logCmd, if given, replaces cmd in any returned *models.TimeoutError or
// *models.RemoteNonZero -- callers that interpolate secrets into cmd (e.g.
// ipmitool's `-P <password>`) pass a redacted stand-in so the secret never
// reaches an error value, and from there the workflow store or a status
// response.
func (p *Pool) Exec(ctx context.Context, host string, port int, creds Credentials, cmd string, timeout time.Duration, logCmd ...string) (Result, error) {
	sem := p.semaphore(host)
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	start := time.Now()
	res, err := p.exec(ctx, host, port, creds, cmd, timeout, logCmdOf(cmd, logCmd))
	code := res.ExitCode
	if err != nil {
		code = -1
	}
	metrics.ObserveRemoteOp(metrics.OpSSHExec, "", code, time.Since(start))
	return res, err
}

// logCmdOf returns the first element of override if present, else cmd.
func logCmdOf(cmd string, override []string) string {
	if len(override) > 0 && override[0] != "" {
		return override[0]
	}
	return cmd
}

func (p *Pool) exec(ctx context.Context, host string, port int, creds Credentials, cmd string, timeout time.Duration, logCmd string) (Result, error) {
	e, err := p.getOrDial(host, port, creds)
	if err != nil {
		return Result{}, err
	}

	e.mu.Lock()
	e.sessions++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.sessions--
		e.lastUsed = time.Now()
		e.mu.Unlock()
	}()

	session, err := e.client.NewSession()
	if err != nil {
		return Result{}, &models.ConnectError{Host: host, Err: fmt.Errorf("new session: %w", err)}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	if err := session.Start(cmd); err != nil {
		return Result{}, &models.ConnectError{Host: host, Err: fmt.Errorf("start command: %w", err)}
	}
	go func() { errCh <- session.Wait() }()

	select {
	case <-runCtx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return Result{}, &models.TimeoutError{Op: logCmd, Timeout: timeout.String()}
	case err := <-errCh:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if asExitError(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, &models.RemoteNonZero{Cmd: logCmd, Code: res.ExitCode, Stderr: res.Stderr}
		}
		return res, &models.ConnectError{Host: host, Err: err}
	}
}

func asExitError(err error, target **ssh.ExitError) bool {
	if ee, ok := err.(*ssh.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// Put copies the contents of local to remotePath on host via `cat >` over
// SSH, avoiding a dependency on SFTP for a single file transfer primitive.
func (p *Pool) Put(ctx context.Context, host string, port int, creds Credentials, local io.Reader, remotePath string, timeout time.Duration) error {
	start := time.Now()
	err := p.putget(ctx, host, port, creds, fmt.Sprintf("cat > %s", shellQuote(remotePath)), local, nil, timeout)
	code := 0
	if err != nil {
		code = -1
	}
	metrics.ObserveRemoteOp(metrics.OpSSHPut, "", code, time.Since(start))
	return err
}

// Get streams remotePath from host into local via `cat` over SSH.
func (p *Pool) Get(ctx context.Context, host string, port int, creds Credentials, remotePath string, local io.Writer, timeout time.Duration) error {
	start := time.Now()
	err := p.putget(ctx, host, port, creds, fmt.Sprintf("cat %s", shellQuote(remotePath)), nil, local, timeout)
	code := 0
	if err != nil {
		code = -1
	}
	metrics.ObserveRemoteOp(metrics.OpSSHGet, "", code, time.Since(start))
	return err
}

func (p *Pool) putget(ctx context.Context, host string, port int, creds Credentials, cmd string, stdin io.Reader, stdout io.Writer, timeout time.Duration) error {
	e, err := p.getOrDial(host, port, creds)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.sessions++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.sessions--
		e.lastUsed = time.Now()
		e.mu.Unlock()
	}()

	session, err := e.client.NewSession()
	if err != nil {
		return &models.ConnectError{Host: host, Err: fmt.Errorf("new session: %w", err)}
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}
	if stdout != nil {
		session.Stdout = stdout
	}

	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := session.Start(cmd); err != nil {
		return &models.ConnectError{Host: host, Err: fmt.Errorf("start transfer: %w", err)}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- session.Wait() }()

	select {
	case <-runCtx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return &models.TimeoutError{Op: cmd, Timeout: timeout.String()}
	case err := <-errCh:
		if err == nil {
			return nil
		}
		var exitErr *ssh.ExitError
		if asExitError(err, &exitErr) {
			return &models.RemoteNonZero{Cmd: cmd, Code: exitErr.ExitStatus(), Stderr: stderr.String()}
		}
		return &models.ConnectError{Host: host, Err: err}
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
