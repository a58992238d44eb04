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

package bios

import (
	"context"
	"errors"
	"testing"

	"github.com/mattcburns-labs/ironclad/pkg/models"
)

func falsePtr() *bool {
	f := false
	return &f
}

type fakeAdapter struct {
	live      LiveConfig
	postLive  LiveConfig
	opaque    any
	schema    map[string]SettingSchema
	reqReboot bool
	pushed    LiveConfig
	pushErr   error
	pullCalls int
}

func (f *fakeAdapter) Vendor() string                       { return "fake" }
func (f *fakeAdapter) RequiresReboot() bool                 { return f.reqReboot }
func (f *fakeAdapter) Schema() map[string]SettingSchema     { return f.schema }
func (f *fakeAdapter) Pull(ctx context.Context, t PullTarget) (LiveConfig, any, error) {
	f.pullCalls++
	if f.pullCalls > 1 && f.postLive != nil {
		return f.postLive, f.opaque, nil
	}
	return f.live, f.opaque, nil
}
func (f *fakeAdapter) Push(ctx context.Context, t PullTarget, cfg LiveConfig, opaque any) error {
	f.pushed = cfg
	return f.pushErr
}

func tmplWith(settings ...models.BiosSetting) models.BiosTemplate {
	return models.BiosTemplate{DeviceType: "test", Settings: settings}
}

func TestApplyBiosNoChange(t *testing.T) {
	adapter := &fakeAdapter{
		live:   LiveConfig{"boot_mode": "UEFI"},
		schema: map[string]SettingSchema{"boot_mode": {Enum: []string{"UEFI", "Legacy"}}},
	}
	tmpl := tmplWith(models.BiosSetting{Name: "boot_mode", TargetValue: "UEFI"})
	result, err := ApplyBios(context.Background(), adapter, nil, PullTarget{}, tmpl, nil, false)
	if err != nil {
		t.Fatalf("ApplyBios() error = %v", err)
	}
	if result.Kind != ResultNoChange {
		t.Errorf("Kind = %v, want NoChange", result.Kind)
	}
}

func TestApplyBiosDryRunPlans(t *testing.T) {
	adapter := &fakeAdapter{
		live:   LiveConfig{"boot_mode": "Legacy"},
		schema: map[string]SettingSchema{"boot_mode": {Enum: []string{"UEFI", "Legacy"}}},
	}
	tmpl := tmplWith(models.BiosSetting{Name: "boot_mode", TargetValue: "UEFI"})
	result, err := ApplyBios(context.Background(), adapter, nil, PullTarget{}, tmpl, nil, true)
	if err != nil {
		t.Fatalf("ApplyBios() error = %v", err)
	}
	if result.Kind != ResultPlanned {
		t.Errorf("Kind = %v, want Planned", result.Kind)
	}
	if adapter.pushed != nil {
		t.Error("dry run should not push")
	}
	if d, ok := result.Delta["boot_mode"]; !ok || d.Live != "Legacy" || d.Target != "UEFI" {
		t.Errorf("Delta[boot_mode] = %+v", result.Delta["boot_mode"])
	}
}

func TestApplyBiosAppliesAndVerifies(t *testing.T) {
	adapter := &fakeAdapter{
		live:     LiveConfig{"boot_mode": "Legacy"},
		postLive: LiveConfig{"boot_mode": "UEFI"},
		schema:   map[string]SettingSchema{"boot_mode": {Enum: []string{"UEFI", "Legacy"}}},
	}
	tmpl := tmplWith(models.BiosSetting{Name: "boot_mode", TargetValue: "UEFI"})
	result, err := ApplyBios(context.Background(), adapter, nil, PullTarget{}, tmpl, nil, false)
	if err != nil {
		t.Fatalf("ApplyBios() error = %v", err)
	}
	if result.Kind != ResultApplied {
		t.Errorf("Kind = %v, want Applied", result.Kind)
	}
	if len(result.NotApplied) != 0 {
		t.Errorf("NotApplied = %+v, want empty", result.NotApplied)
	}
	if adapter.pushed["boot_mode"] != "UEFI" {
		t.Errorf("pushed boot_mode = %q", adapter.pushed["boot_mode"])
	}
}

func TestApplyBiosReportsNotApplied(t *testing.T) {
	adapter := &fakeAdapter{
		live:     LiveConfig{"boot_mode": "Legacy"},
		postLive: LiveConfig{"boot_mode": "Legacy"}, // push didn't stick
		schema:   map[string]SettingSchema{"boot_mode": {Enum: []string{"UEFI", "Legacy"}}},
	}
	tmpl := tmplWith(models.BiosSetting{Name: "boot_mode", TargetValue: "UEFI"})
	result, err := ApplyBios(context.Background(), adapter, nil, PullTarget{}, tmpl, nil, false)
	if err == nil {
		t.Fatal("expected error for a setting that did not apply")
	}
	var na *models.NotApplied
	if !errors.As(err, &na) {
		t.Fatalf("error = %v, want *models.NotApplied", err)
	}
	if len(result.NotApplied) != 1 {
		t.Fatalf("NotApplied = %+v, want 1 entry", result.NotApplied)
	}
}

func TestApplyBiosUnknownSettingFailsClosed(t *testing.T) {
	adapter := &fakeAdapter{
		live:   LiveConfig{},
		schema: map[string]SettingSchema{},
	}
	tmpl := tmplWith(models.BiosSetting{Name: "mystery_setting", TargetValue: "on"})
	_, err := ApplyBios(context.Background(), adapter, nil, PullTarget{}, tmpl, nil, false)
	var us *models.UnknownSetting
	if !errors.As(err, &us) {
		t.Fatalf("error = %v, want *models.UnknownSetting", err)
	}
}

func TestApplyBiosUnknownOptionalSettingWarnsAndDrops(t *testing.T) {
	adapter := &fakeAdapter{
		live:   LiveConfig{},
		schema: map[string]SettingSchema{},
	}
	tmpl := tmplWith(models.BiosSetting{Name: "mystery_setting", TargetValue: "on", Required: falsePtr()})
	result, err := ApplyBios(context.Background(), adapter, nil, PullTarget{}, tmpl, nil, false)
	if err != nil {
		t.Fatalf("ApplyBios() error = %v", err)
	}
	if result.Kind != ResultNoChange {
		t.Errorf("Kind = %v, want NoChange (setting dropped)", result.Kind)
	}
	if len(result.Warnings) != 1 {
		t.Errorf("Warnings = %v, want 1 entry", result.Warnings)
	}
}

func TestApplyBiosInvalidValueRejected(t *testing.T) {
	adapter := &fakeAdapter{
		live:   LiveConfig{"boot_mode": "Legacy"},
		schema: map[string]SettingSchema{"boot_mode": {Enum: []string{"UEFI", "Legacy"}}},
	}
	tmpl := tmplWith(models.BiosSetting{Name: "boot_mode", TargetValue: "Bogus"})
	_, err := ApplyBios(context.Background(), adapter, nil, PullTarget{}, tmpl, nil, false)
	var iv *models.InvalidValue
	if !errors.As(err, &iv) {
		t.Fatalf("error = %v, want *models.InvalidValue", err)
	}
}

func TestApplyBiosPreserveIfPresentKeepsLiveValue(t *testing.T) {
	adapter := &fakeAdapter{
		live:   LiveConfig{"numa": "disabled"},
		schema: map[string]SettingSchema{"numa": {Enum: []string{"enabled", "disabled"}}},
	}
	tmpl := tmplWith(models.BiosSetting{Name: "numa", TargetValue: "enabled", PreserveIfPresent: true})
	result, err := ApplyBios(context.Background(), adapter, nil, PullTarget{}, tmpl, nil, false)
	if err != nil {
		t.Fatalf("ApplyBios() error = %v", err)
	}
	if result.Kind != ResultNoChange {
		t.Errorf("Kind = %v, want NoChange", result.Kind)
	}
}

func TestApplyBiosOperatorPreserveListOverridesTemplate(t *testing.T) {
	adapter := &fakeAdapter{
		live:   LiveConfig{"boot_mode": "Legacy"},
		schema: map[string]SettingSchema{"boot_mode": {Enum: []string{"UEFI", "Legacy"}}},
	}
	tmpl := tmplWith(models.BiosSetting{Name: "boot_mode", TargetValue: "UEFI"})
	result, err := ApplyBios(context.Background(), adapter, nil, PullTarget{}, tmpl, []string{"boot_mode"}, false)
	if err != nil {
		t.Fatalf("ApplyBios() error = %v", err)
	}
	if result.Kind != ResultNoChange {
		t.Errorf("Kind = %v, want NoChange (preserve_list should win)", result.Kind)
	}
}
