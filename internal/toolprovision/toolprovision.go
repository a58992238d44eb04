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

// Package toolprovision installs vendor BIOS/firmware tools (sumtool,
// ilorest, ssacli, racadm) on a target machine in-band over SSH. It shells
// out to curl/file/tar on the remote host rather than pulling artifacts
// through this process, since the tool has to land on the target anyway
// and curl already speaks retries, timeouts, and content-length checks.
package toolprovision

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mattcburns-labs/ironclad/internal/metrics"
	"github.com/mattcburns-labs/ironclad/internal/transport"
	"github.com/mattcburns-labs/ironclad/pkg/models"
)

const minArtifactBytes = 1 << 20 // 1 MiB, per spec.md §4.3

// Spec describes one vendor tool's install: the binary name used to probe
// for an existing install, the candidate download URLs (tried in order),
// and the install directory under /opt.
type Spec struct {
	Tool        string
	URLs        []string
	InstallPath string // e.g. /opt/sumtool
}

// Installer drives the probe-download-validate-install pipeline over a
// transport.Pool.
type Installer struct {
	pool    *transport.Pool
	host    string
	port    int
	creds   transport.Credentials
	timeout time.Duration
}

// NewInstaller builds an Installer targeting one host.
func NewInstaller(pool *transport.Pool, host string, port int, creds transport.Credentials, timeout time.Duration) *Installer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Installer{pool: pool, host: host, port: port, creds: creds, timeout: timeout}
}

// Ensure makes sure spec.Tool is runnable on the target, installing it if
// necessary. It returns *models.ToolUnavailable if every candidate URL
// fails validation or download.
func (in *Installer) Ensure(ctx context.Context, spec Spec) error {
	start := time.Now()
	err := in.ensure(ctx, spec)
	code := 0
	if err != nil {
		code = -1
	}
	metrics.ObserveRemoteOp(metrics.OpToolInstall, "", code, time.Since(start))
	return err
}

func (in *Installer) ensure(ctx context.Context, spec Spec) error {
	if in.probe(ctx, spec.Tool) {
		return nil
	}
	if len(spec.URLs) == 0 {
		return &models.ToolUnavailable{Tool: spec.Tool, Reason: "no download URLs configured"}
	}

	var lastReason string
	for _, url := range spec.URLs {
		remoteTmp := fmt.Sprintf("/tmp/ironclad-%s.pkg", spec.Tool)
		if err := in.downloadAndValidate(ctx, url, remoteTmp); err != nil {
			lastReason = err.Error()
			continue
		}
		if err := in.install(ctx, spec, remoteTmp); err != nil {
			lastReason = err.Error()
			continue
		}
		if in.probe(ctx, spec.Tool) {
			return nil
		}
		lastReason = "installed but tool still not found on PATH"
	}
	return &models.ToolUnavailable{Tool: spec.Tool, Reason: lastReason}
}

func (in *Installer) probe(ctx context.Context, tool string) bool {
	res, err := in.pool.Exec(ctx, in.host, in.port, in.creds, fmt.Sprintf("which %s", shQuote(tool)), in.timeout)
	return err == nil && res.ExitCode == 0 && strings.TrimSpace(res.Stdout) != ""
}

// downloadAndValidate fetches url to remotePath via curl (30s timeout, 3
// retries), then checks content-length and magic bytes before accepting it.
func (in *Installer) downloadAndValidate(ctx context.Context, url, remotePath string) error {
	curlCmd := fmt.Sprintf(
		"curl -fsSL --max-time 30 --retry 3 --retry-delay 1 -o %s %s",
		shQuote(remotePath), shQuote(url),
	)
	res, err := in.pool.Exec(ctx, in.host, in.port, in.creds, curlCmd, in.timeout)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("download %s: curl exited %d: %s", url, res.ExitCode, res.Stderr)
	}

	sizeRes, err := in.pool.Exec(ctx, in.host, in.port, in.creds, fmt.Sprintf("stat -c %%s %s", shQuote(remotePath)), in.timeout)
	if err != nil || sizeRes.ExitCode != 0 {
		return fmt.Errorf("stat %s: %w", remotePath, err)
	}
	size, convErr := strconv.ParseInt(strings.TrimSpace(sizeRes.Stdout), 10, 64)
	if convErr != nil || size < minArtifactBytes {
		return fmt.Errorf("artifact %s too small (%d bytes, want >= %d)", url, size, minArtifactBytes)
	}

	fileRes, err := in.pool.Exec(ctx, in.host, in.port, in.creds, fmt.Sprintf("file -b %s", shQuote(remotePath)), in.timeout)
	if err != nil || fileRes.ExitCode != 0 {
		return fmt.Errorf("file(1) check on %s failed: %w", remotePath, err)
	}
	desc := strings.ToLower(fileRes.Stdout)
	if !looksLikeArchive(desc) {
		return fmt.Errorf("artifact %s does not look like a gzip/tar/rpm archive: %s", url, strings.TrimSpace(fileRes.Stdout))
	}

	if strings.Contains(desc, "gzip") || strings.Contains(desc, "tar") {
		testRes, err := in.pool.Exec(ctx, in.host, in.port, in.creds, fmt.Sprintf("tar -tzf %s >/dev/null", shQuote(remotePath)), in.timeout)
		if err != nil || testRes.ExitCode != 0 {
			return fmt.Errorf("test-extract of %s failed", url)
		}
	}
	return nil
}

func looksLikeArchive(fileOutput string) bool {
	fileOutput = strings.ToLower(fileOutput)
	return strings.Contains(fileOutput, "gzip") ||
		strings.Contains(fileOutput, "tar archive") ||
		strings.Contains(fileOutput, "rpm")
}

func (in *Installer) install(ctx context.Context, spec Spec, remotePath string) error {
	installDir := spec.InstallPath
	if installDir == "" {
		installDir = "/opt/" + spec.Tool
	}
	cmd := fmt.Sprintf(
		"sudo mkdir -p %s && sudo tar -xzf %s -C %s --strip-components=1 && sudo ln -sf %s/%s /usr/local/bin/%s",
		shQuote(installDir), shQuote(remotePath), shQuote(installDir),
		shQuote(installDir), shQuote(spec.Tool), shQuote(spec.Tool),
	)
	res, err := in.pool.Exec(ctx, in.host, in.port, in.creds, cmd, in.timeout)
	if err != nil {
		return fmt.Errorf("install %s: %w", spec.Tool, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("install %s: exited %d: %s", spec.Tool, res.ExitCode, res.Stderr)
	}
	return nil
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
