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

// Package bios implements the vendor-agnostic BIOS configuration pipeline:
// pull the live configuration, merge a device-type template over it,
// compute and validate the delta, push, then re-pull to verify the push
// stuck. Vendor-specific transport and wire format live in the
// supermicro/hpe/dell subpackages, each implementing VendorAdapter.
package bios

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mattcburns-labs/ironclad/internal/metrics"
	"github.com/mattcburns-labs/ironclad/internal/transport"
	"github.com/mattcburns-labs/ironclad/pkg/models"
)

// LiveConfig is a flattened setting-name -> current-value snapshot.
type LiveConfig map[string]string

// Clone returns a shallow copy, used as the starting point for TargetConfig
// so mutating it never touches the original pull result.
func (c LiveConfig) Clone() LiveConfig {
	out := make(LiveConfig, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// PullTarget identifies the machine a VendorAdapter pulls/pushes against.
type PullTarget struct {
	Host  string
	Port  int
	Creds transport.Credentials
}

// SettingSchema declares the domain a BIOS setting's value must satisfy.
// Zero value accepts any string.
type SettingSchema struct {
	Enum   []string
	IntMin *int
	IntMax *int
}

// Validate checks value against the schema's declared domain.
func (s SettingSchema) Validate(value string) error {
	if len(s.Enum) > 0 {
		for _, e := range s.Enum {
			if e == value {
				return nil
			}
		}
		return fmt.Errorf("value %q not in enum %v", value, s.Enum)
	}
	if s.IntMin != nil || s.IntMax != nil {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("value %q is not an integer", value)
		}
		if s.IntMin != nil && n < *s.IntMin {
			return fmt.Errorf("value %d below minimum %d", n, *s.IntMin)
		}
		if s.IntMax != nil && n > *s.IntMax {
			return fmt.Errorf("value %d above maximum %d", n, *s.IntMax)
		}
	}
	return nil
}

// VendorAdapter pulls and pushes a machine's live BIOS configuration.
// Opaque is whatever wire-format representation the adapter needs to carry
// between Pull and Push to preserve settings it does not understand
// (unknown XML elements, unrecognized cfg lines) for a faithful round trip.
type VendorAdapter interface {
	Vendor() string
	RequiresReboot() bool
	Schema() map[string]SettingSchema
	Pull(ctx context.Context, target PullTarget) (live LiveConfig, opaque any, err error)
	Push(ctx context.Context, target PullTarget, config LiveConfig, opaque any) error
}

// Rebooter triggers a BMC-mediated reboot after a BIOS push that requires
// one to take effect.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// ResultKind classifies the outcome of ApplyBios.
type ResultKind string

const (
	ResultNoChange ResultKind = "no_change"
	ResultPlanned  ResultKind = "planned"
	ResultApplied  ResultKind = "applied"
)

// SettingDelta is one setting whose live value differs from its target.
type SettingDelta struct {
	Live   string
	Target string
}

// Result is the outcome of ApplyBios.
type Result struct {
	Kind       ResultKind
	Delta      map[string]SettingDelta
	NotApplied []models.NotApplied
	Warnings   []string
}

// ApplyBios runs the full pull -> merge -> delta -> validate -> push ->
// verify pipeline described for the BIOS configuration step. dryRun stops
// after validation and returns ResultPlanned without touching the target.
func ApplyBios(ctx context.Context, adapter VendorAdapter, reboot Rebooter, target PullTarget, tmpl models.BiosTemplate, preserveList []string, dryRun bool) (Result, error) {
	live, opaque, err := observePull(ctx, adapter, target)
	if err != nil {
		return Result{}, fmt.Errorf("bios: pull: %w", err)
	}

	targetConfig := mergeTemplate(live, tmpl, preserveList)
	delta := computeDelta(live, targetConfig)
	if len(delta) == 0 {
		return Result{Kind: ResultNoChange}, nil
	}

	cleaned, warnings, err := validate(delta, tmpl, adapter.Schema())
	if err != nil {
		return Result{Warnings: warnings}, err
	}
	// Settings validate dropped go back to their live value (or out of the
	// config) so the push does not carry them.
	for name := range delta {
		if _, kept := cleaned[name]; kept {
			continue
		}
		if v, ok := live[name]; ok {
			targetConfig[name] = v
		} else {
			delete(targetConfig, name)
		}
	}
	delta = cleaned
	if len(delta) == 0 {
		return Result{Kind: ResultNoChange, Warnings: warnings}, nil
	}

	if dryRun {
		return Result{Kind: ResultPlanned, Delta: delta, Warnings: warnings}, nil
	}

	if err := observePush(ctx, adapter, target, targetConfig, opaque); err != nil {
		return Result{Warnings: warnings}, fmt.Errorf("bios: push: %w", err)
	}

	if adapter.RequiresReboot() && reboot != nil {
		if err := reboot.Reboot(ctx); err != nil {
			return Result{Warnings: warnings}, fmt.Errorf("bios: post-push reboot: %w", err)
		}
	}

	start := time.Now()
	postLive, _, err := adapter.Pull(ctx, target)
	code := 0
	if err != nil {
		code = -1
	}
	metrics.ObserveRemoteOp(metrics.OpBiosVerify, adapter.Vendor(), code, time.Since(start))
	if err != nil {
		return Result{Kind: ResultApplied, Delta: delta, Warnings: warnings}, fmt.Errorf("bios: post-verify pull: %w", err)
	}

	var notApplied []models.NotApplied
	var verifyErrs []error
	for name, d := range delta {
		got := postLive[name]
		if got != d.Target {
			na := models.NotApplied{Name: name, Expected: d.Target, Got: got}
			notApplied = append(notApplied, na)
			verifyErrs = append(verifyErrs, &na)
		}
	}

	result := Result{Kind: ResultApplied, Delta: delta, NotApplied: notApplied, Warnings: warnings}
	if len(verifyErrs) > 0 {
		return result, errors.Join(verifyErrs...)
	}
	return result, nil
}

func observePull(ctx context.Context, adapter VendorAdapter, target PullTarget) (LiveConfig, any, error) {
	start := time.Now()
	live, opaque, err := adapter.Pull(ctx, target)
	code := 0
	if err != nil {
		code = -1
	}
	metrics.ObserveRemoteOp(metrics.OpBiosPull, adapter.Vendor(), code, time.Since(start))
	return live, opaque, err
}

func observePush(ctx context.Context, adapter VendorAdapter, target PullTarget, config LiveConfig, opaque any) error {
	start := time.Now()
	err := adapter.Push(ctx, target, config, opaque)
	code := 0
	if err != nil {
		code = -1
	}
	metrics.ObserveRemoteOp(metrics.OpBiosPush, adapter.Vendor(), code, time.Since(start))
	return err
}

// mergeTemplate starts from the live config and overlays template rules:
// preserve_if_present keeps the live value when the setting already
// exists; otherwise the template's target_value wins. Settings in
// preserveList (an operator override) are always kept as live.
func mergeTemplate(live LiveConfig, tmpl models.BiosTemplate, preserveList []string) LiveConfig {
	target := live.Clone()
	preserve := make(map[string]bool, len(preserveList))
	for _, name := range preserveList {
		preserve[name] = true
	}
	for _, setting := range tmpl.Settings {
		if preserve[setting.Name] {
			continue
		}
		if setting.PreserveIfPresent {
			if _, ok := live[setting.Name]; ok {
				continue
			}
		}
		target[setting.Name] = setting.TargetValue
	}
	return target
}

func computeDelta(live, target LiveConfig) map[string]SettingDelta {
	delta := make(map[string]SettingDelta)
	for name, wantValue := range target {
		if live[name] != wantValue {
			delta[name] = SettingDelta{Live: live[name], Target: wantValue}
		}
	}
	return delta
}

// validate rejects any delta key the vendor schema doesn't recognize,
// unless the template marks it optional (required=false), in which case
// it is dropped with a warning instead of failing the whole step. Value
// domains declared by the schema (enum/int-range) are enforced too.
func validate(delta map[string]SettingDelta, tmpl models.BiosTemplate, schema map[string]SettingSchema) (map[string]SettingDelta, []string, error) {
	byName := make(map[string]models.BiosSetting, len(tmpl.Settings))
	for _, s := range tmpl.Settings {
		byName[s.Name] = s
	}

	var warnings []string
	cleaned := make(map[string]SettingDelta, len(delta))
	for name, d := range delta {
		sch, known := schema[name]
		if !known {
			if s, ok := byName[name]; ok && !s.IsRequired() {
				warnings = append(warnings, fmt.Sprintf("dropping unknown optional setting %q", name))
				continue
			}
			return nil, warnings, &models.UnknownSetting{Name: name}
		}
		if err := sch.Validate(d.Target); err != nil {
			return nil, warnings, &models.InvalidValue{Name: name, Value: d.Target}
		}
		cleaned[name] = d
	}
	return cleaned, warnings, nil
}
