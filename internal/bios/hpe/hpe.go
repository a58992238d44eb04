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

// Package hpe implements bios.VendorAdapter over ilorest, run in-band via
// SSH on the target.
package hpe

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
	tool          = "ilorest"
	remoteCfgPath = "/tmp/ironclad-ilorest-bios.xml"
)

var schema = map[string]bios.SettingSchema{
	"boot_mode":         {Enum: []string{"Uefi", "LegacyBios"}},
	"workload_profile":  {Enum: []string{"Virtualization", "GeneralPower", "HighThroughput"}},
	"numa_group_size":   {Enum: []string{"Clustered", "Flat"}},
	"secure_boot_state": {Enum: []string{"Enabled", "Disabled"}},
}

// Adapter pulls/pushes BIOS configuration via ilorest's save/load of the
// Bios selector, which (like sumtool) exports an XML document.
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

func (a *Adapter) Vendor() string                        { return "hpe" }
func (a *Adapter) RequiresReboot() bool                  { return true }
func (a *Adapter) Schema() map[string]bios.SettingSchema { return schema }

func (a *Adapter) ensureTool(ctx context.Context) error {
	return a.installer.Ensure(ctx, toolprovision.Spec{
		Tool:        tool,
		URLs:        a.urls,
		InstallPath: "/opt/ilorest",
	})
}

func (a *Adapter) Pull(ctx context.Context, target bios.PullTarget) (bios.LiveConfig, any, error) {
	if err := a.ensureTool(ctx); err != nil {
		return nil, nil, err
	}
	cmd := fmt.Sprintf("ilorest save --selector=Bios -f %s && cat %s", remoteCfgPath, remoteCfgPath)
	res, err := a.pool.Exec(ctx, target.Host, target.Port, target.Creds, cmd, 2*time.Minute)
	if err != nil {
		return nil, nil, fmt.Errorf("hpe: pull bios config: %w", err)
	}
	root, err := bios.ParseXMLDoc([]byte(res.Stdout))
	if err != nil {
		return nil, nil, err
	}
	return root.Flatten(), root, nil
}

func (a *Adapter) Push(ctx context.Context, target bios.PullTarget, config bios.LiveConfig, opaque any) error {
	root, ok := opaque.(bios.XMLNode)
	if !ok {
		return fmt.Errorf("hpe: push: opaque carrier is not an XMLNode")
	}
	root.ApplyFlat(config)
	out, err := root.Serialize()
	if err != nil {
		return err
	}
	if err := a.pool.Put(ctx, target.Host, target.Port, target.Creds, bytes.NewReader(out), remoteCfgPath, time.Minute); err != nil {
		return fmt.Errorf("hpe: upload bios config: %w", err)
	}
	cmd := fmt.Sprintf("ilorest load -f %s", remoteCfgPath)
	res, err := a.pool.Exec(ctx, target.Host, target.Port, target.Creds, cmd, 2*time.Minute)
	if err != nil {
		return fmt.Errorf("hpe: push bios config: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("hpe: ilorest exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}
