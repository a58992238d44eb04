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

// Package dell implements bios.VendorAdapter over racadm, run in-band via
// SSH on the target. Unlike sumtool/ilorest, racadm's BIOS config export is
// a flat key=value cfg file rather than XML.
package dell

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mattcburns-labs/ironclad/internal/bios"
	"github.com/mattcburns-labs/ironclad/internal/toolprovision"
	"github.com/mattcburns-labs/ironclad/internal/transport"
)

const (
	tool          = "racadm"
	remoteCfgPath = "/tmp/ironclad-racadm-bios.cfg"
)

var schema = map[string]bios.SettingSchema{
	"BootMode":           {Enum: []string{"Bios", "Uefi"}},
	"ProcVirtualization": {Enum: []string{"Enabled", "Disabled"}},
	"LogicalProc":        {Enum: []string{"Enabled", "Disabled"}},
	"SysProfile":         {Enum: []string{"PerfOptimized", "DenseCfg", "PerfPerWattOptimizedOs"}},
}

// Adapter pulls/pushes BIOS configuration via racadm's cfg-file get/set.
type Adapter struct {
	pool      *transport.Pool
	installer *toolprovision.Installer
	urls      []string
}

func New(pool *transport.Pool, host string, port int, creds transport.Credentials, timeout time.Duration, urls []string) *Adapter {
	return &Adapter{
		pool:      pool,
		installer: toolprovision.NewInstaller(pool, host, port, creds, timeout),
		urls:      urls,
	}
}

func (a *Adapter) Vendor() string                        { return "dell" }
func (a *Adapter) RequiresReboot() bool                  { return true }
func (a *Adapter) Schema() map[string]bios.SettingSchema { return schema }

func (a *Adapter) ensureTool(ctx context.Context) error {
	return a.installer.Ensure(ctx, toolprovision.Spec{
		Tool:        tool,
		URLs:        a.urls,
		InstallPath: "/opt/racadm",
	})
}

func (a *Adapter) Pull(ctx context.Context, target bios.PullTarget) (bios.LiveConfig, any, error) {
	if err := a.ensureTool(ctx); err != nil {
		return nil, nil, err
	}
	cmd := fmt.Sprintf("racadm get BIOS.Setup.1-1 -f %s && cat %s", remoteCfgPath, remoteCfgPath)
	res, err := a.pool.Exec(ctx, target.Host, target.Port, target.Creds, cmd, 2*time.Minute)
	if err != nil {
		return nil, nil, fmt.Errorf("dell: pull bios config: %w", err)
	}
	doc := bios.ParseCfgDoc(res.Stdout)
	return doc.Flatten(), doc, nil
}

func (a *Adapter) Push(ctx context.Context, target bios.PullTarget, config bios.LiveConfig, opaque any) error {
	doc, ok := opaque.(bios.CfgDoc)
	if !ok {
		return fmt.Errorf("dell: push: opaque carrier is not a CfgDoc")
	}
	doc.ApplyFlat(config)
	rendered := doc.Render()
	if err := a.pool.Put(ctx, target.Host, target.Port, target.Creds, strings.NewReader(rendered), remoteCfgPath, time.Minute); err != nil {
		return fmt.Errorf("dell: upload bios config: %w", err)
	}
	cmd := fmt.Sprintf("racadm set -f %s", remoteCfgPath)
	res, err := a.pool.Exec(ctx, target.Host, target.Port, target.Creds, cmd, 2*time.Minute)
	if err != nil {
		return fmt.Errorf("dell: push bios config: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("dell: racadm exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}
