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

package firmware

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mattcburns-labs/ironclad/internal/metrics"
	"github.com/mattcburns-labs/ironclad/internal/transport"
	"github.com/mattcburns-labs/ironclad/pkg/models"
)

// CommandFor builds the remote flash invocation for one update once its
// artifact has landed at remotePath. It is vendor-specific (sumtool,
// ilorest, racadm each flash firmware differently), so VendorToolApplier
// takes it as a dependency rather than hardcoding any one vendor's CLI.
type CommandFor func(update models.FirmwareUpdate, remotePath string) string

// VendorToolApplier downloads an artifact onto the target over SSH,
// verifies its checksum, then runs a vendor-supplied flash command.
// Download/validate shape mirrors internal/toolprovision's pipeline.
type VendorToolApplier struct {
	pool       *transport.Pool
	host       string
	port       int
	creds      transport.Credentials
	timeout    time.Duration
	commandFor CommandFor
}

// NewVendorToolApplier builds an Applier that flashes firmware in-band
// over SSH using commandFor to shape the vendor tool invocation.
func NewVendorToolApplier(pool *transport.Pool, host string, port int, creds transport.Credentials, timeout time.Duration, commandFor CommandFor) *VendorToolApplier {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &VendorToolApplier{pool: pool, host: host, port: port, creds: creds, timeout: timeout, commandFor: commandFor}
}

func (a *VendorToolApplier) Apply(ctx context.Context, update models.FirmwareUpdate) error {
	start := time.Now()
	err := a.apply(ctx, update)
	code := 0
	if err != nil {
		code = -1
	}
	metrics.ObserveRemoteOp(metrics.OpFirmwareApply, "", code, time.Since(start))
	return err
}

func (a *VendorToolApplier) apply(ctx context.Context, update models.FirmwareUpdate) error {
	remotePath := fmt.Sprintf("/tmp/ironclad-fw-%s", shQuoteComponent(update.Component))

	downloadCmd := fmt.Sprintf(
		"curl -fsSL --max-time 60 --retry 3 --retry-delay 1 -o %s %s",
		shQuote(remotePath), shQuote(update.ArtifactURL),
	)
	res, err := a.pool.Exec(ctx, a.host, a.port, a.creds, downloadCmd, a.timeout)
	if err != nil {
		return fmt.Errorf("download firmware artifact for %s: %w", update.Component, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("download firmware artifact for %s: curl exited %d: %s", update.Component, res.ExitCode, res.Stderr)
	}

	if update.Checksum != "" {
		sumCmd := fmt.Sprintf("sha256sum %s | cut -d' ' -f1", shQuote(remotePath))
		sumRes, err := a.pool.Exec(ctx, a.host, a.port, a.creds, sumCmd, a.timeout)
		if err != nil {
			return fmt.Errorf("checksum firmware artifact for %s: %w", update.Component, err)
		}
		got := strings.TrimSpace(sumRes.Stdout)
		if !strings.EqualFold(got, update.Checksum) {
			return fmt.Errorf("firmware artifact for %s failed checksum: got %s, want %s", update.Component, got, update.Checksum)
		}
	}

	flashCmd := a.commandFor(update, remotePath)
	flashRes, err := a.pool.Exec(ctx, a.host, a.port, a.creds, flashCmd, a.timeout)
	if err != nil {
		return fmt.Errorf("flash %s: %w", update.Component, err)
	}
	if flashRes.ExitCode != 0 {
		return fmt.Errorf("flash %s: exited %d: %s", update.Component, flashRes.ExitCode, flashRes.Stderr)
	}
	return nil
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func shQuoteComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
