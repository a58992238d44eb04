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

// Package supermicro implements bios.VendorAdapter over sumtool, run
// in-band via SSH on the target.
package supermicro

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/mattcburns-labs/ironclad/internal/bios"
	"github.com/mattcburns-labs/ironclad/internal/toolprovision"
	"github.com/mattcburns-labs/ironclad/internal/transport"
)

const (
	tool          = "sumtool"
	remoteCfgPath = "/tmp/ironclad-sumtool-bios.xml"
)

// schema is the abstract setting-name space Supermicro boards expose
// through sumtool's BIOS config export.
var schema = map[string]bios.SettingSchema{
	"boot_mode":      {Enum: []string{"UEFI", "Legacy"}},
	"hyperthreading": {Enum: []string{"Enabled", "Disabled"}},
	"numa":           {Enum: []string{"Enabled", "Disabled"}},
	"secure_boot":    {Enum: []string{"Enabled", "Disabled"}},
	"power_profile":  {Enum: []string{"Performance", "Balanced", "PowerSaving"}},
}

// Adapter pulls/pushes BIOS configuration via sumtool.
type Adapter struct {
	pool      *transport.Pool
	installer *toolprovision.Installer
	urls      []string
}

// New builds a Supermicro adapter. urls are the sumtool download
// candidates handed to toolprovision if the tool is missing.
func New(pool *transport.Pool, host string, port int, creds transport.Credentials, timeout time.Duration, urls []string) *Adapter {
	return &Adapter{
		pool:      pool,
		installer: toolprovision.NewInstaller(pool, host, port, creds, timeout),
		urls:      urls,
	}
}

func (a *Adapter) Vendor() string                        { return "supermicro" }
func (a *Adapter) RequiresReboot() bool                  { return true }
func (a *Adapter) Schema() map[string]bios.SettingSchema { return schema }

func (a *Adapter) ensureTool(ctx context.Context) error {
	return a.installer.Ensure(ctx, toolprovision.Spec{
		Tool:        tool,
		URLs:        a.urls,
		InstallPath: "/opt/sumtool",
	})
}

// Pull exports the live BIOS config via `sumtool -c GetBiosCfg` and parses
// it into a flat setting map, keeping the raw XML tree as the opaque
// carrier for Push.
func (a *Adapter) Pull(ctx context.Context, target bios.PullTarget) (bios.LiveConfig, any, error) {
	if err := a.ensureTool(ctx); err != nil {
		return nil, nil, err
	}
	cmd := fmt.Sprintf("sumtool -c GetBiosCfg --file=%s && cat %s", remoteCfgPath, remoteCfgPath)
	res, err := a.pool.Exec(ctx, target.Host, target.Port, target.Creds, cmd, 2*time.Minute)
	if err != nil {
		return nil, nil, fmt.Errorf("supermicro: pull bios config: %w", err)
	}
	root, err := bios.ParseXMLDoc([]byte(res.Stdout))
	if err != nil {
		return nil, nil, err
	}
	return root.Flatten(), root, nil
}

// Push applies config over the opaque tree captured by Pull, preserving
// every element sumtool emitted that ironclad doesn't model, then uploads
// it and invokes `sumtool -c ChangeBiosCfg --changes_file`.
func (a *Adapter) Push(ctx context.Context, target bios.PullTarget, config bios.LiveConfig, opaque any) error {
	root, ok := opaque.(bios.XMLNode)
	if !ok {
		return fmt.Errorf("supermicro: push: opaque carrier is not an XMLNode")
	}
	root.ApplyFlat(config)
	out, err := root.Serialize()
	if err != nil {
		return err
	}
	if err := a.pool.Put(ctx, target.Host, target.Port, target.Creds, bytes.NewReader(out), remoteCfgPath, time.Minute); err != nil {
		return fmt.Errorf("supermicro: upload bios config: %w", err)
	}
	cmd := fmt.Sprintf("sumtool -c ChangeBiosCfg --changes_file=%s", remoteCfgPath)
	res, err := a.pool.Exec(ctx, target.Host, target.Port, target.Creds, cmd, 2*time.Minute)
	if err != nil {
		return fmt.Errorf("supermicro: push bios config: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("supermicro: sumtool exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}
