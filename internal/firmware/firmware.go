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

// Package firmware plans and applies firmware updates against the
// component-version manifest: BMC/iLO/iDRAC first, then BIOS, then
// NIC/storage, then everything else. Applying is pluggable per update
// (Redfish SimpleUpdate or a vendor tool) via the Applier interface.
package firmware

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mattcburns-labs/ironclad/pkg/models"
)

// componentPriority buckets a component name into the dependency order
// spec.md §4.7 requires: BMC-family firmware must land before BIOS, which
// must land before NICs/storage, which must land before anything else.
func componentPriority(component string) int {
	lower := strings.ToLower(component)
	switch {
	case strings.Contains(lower, "bmc") || strings.Contains(lower, "ilo") || strings.Contains(lower, "idrac"):
		return 0
	case strings.Contains(lower, "bios"):
		return 1
	case strings.Contains(lower, "nic") || strings.Contains(lower, "storage") || strings.Contains(lower, "hba") || strings.Contains(lower, "raid"):
		return 2
	default:
		return 3
	}
}

// advisoryIncluded reports whether a manifest entry's advisory field
// qualifies under policy. Manual never auto-includes anything -- every
// update under Manual is operator-triggered outside PlanUpdates.
func advisoryIncluded(policy models.FirmwarePolicy, advisory string) bool {
	lower := strings.ToLower(advisory)
	switch policy {
	case models.PolicyManual:
		return false
	case models.PolicyLatest:
		return true
	case models.PolicySecurityOnly:
		return strings.Contains(lower, "security") || strings.Contains(lower, "critical")
	case models.PolicyRecommended:
		return lower != "optional" && lower != "none"
	default:
		return false
	}
}

// PlanUpdates compares currentVersions (keyed by component name) against
// the repository manifest entries for deviceType, keeps only the ones
// policy selects, and orders the result by dependency priority. Ties
// within a priority bucket are broken lexicographically by component.
func PlanUpdates(currentVersions map[string]string, manifest []models.FirmwareManifestEntry, deviceType string, policy models.FirmwarePolicy) []models.FirmwareUpdate {
	var updates []models.FirmwareUpdate
	for _, entry := range manifest {
		if entry.DeviceType != deviceType {
			continue
		}
		if !advisoryIncluded(policy, entry.Advisory) {
			continue
		}
		current := currentVersions[entry.Component]
		if current == entry.Version {
			continue
		}
		updates = append(updates, models.FirmwareUpdate{
			Component:      entry.Component,
			CurrentVersion: current,
			TargetVersion:  entry.Version,
			Method:         entry.Method,
			ArtifactURL:    entry.URL,
			Checksum:       entry.SHA256,
			ForceReboot:    componentPriority(entry.Component) <= 1, // BMC/BIOS updates typically require a reboot
		})
	}

	sort.SliceStable(updates, func(i, j int) bool {
		pi, pj := componentPriority(updates[i].Component), componentPriority(updates[j].Component)
		if pi != pj {
			return pi < pj
		}
		return updates[i].Component < updates[j].Component
	})
	return updates
}

// Applier applies one FirmwareUpdate to a target machine.
type Applier interface {
	Apply(ctx context.Context, update models.FirmwareUpdate) error
}

// VersionReader re-reads a component's current version after an update,
// for post-apply verification.
type VersionReader func(ctx context.Context, component string) (string, error)

// UpdateResult is the outcome of applying one planned update.
type UpdateResult struct {
	Update          models.FirmwareUpdate
	VerifiedVersion string
	Err             error
}

// ApplyPlan applies updates in order, verifying each against read after
// it completes. A failed update (apply error or a version that didn't
// stick) aborts the remaining plan, per spec.md §4.7 -- a failed
// higher-priority update must not let a lower-priority one proceed.
func ApplyPlan(ctx context.Context, plan []models.FirmwareUpdate, applier Applier, read VersionReader) ([]UpdateResult, error) {
	results := make([]UpdateResult, 0, len(plan))
	for _, update := range plan {
		result := UpdateResult{Update: update}

		if err := applier.Apply(ctx, update); err != nil {
			result.Err = fmt.Errorf("firmware: apply %s: %w", update.Component, err)
			results = append(results, result)
			return results, result.Err
		}

		if read != nil {
			got, err := read(ctx, update.Component)
			if err != nil {
				result.Err = fmt.Errorf("firmware: re-read %s after apply: %w", update.Component, err)
				results = append(results, result)
				return results, result.Err
			}
			result.VerifiedVersion = got
			if got != update.TargetVersion {
				na := models.NotApplied{Name: update.Component, Expected: update.TargetVersion, Got: got}
				result.Err = &na
				results = append(results, result)
				return results, result.Err
			}
		}

		results = append(results, result)
	}
	return results, nil
}
