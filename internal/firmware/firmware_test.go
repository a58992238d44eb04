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
	"errors"
	"testing"

	"github.com/mattcburns-labs/ironclad/pkg/models"
)

var sampleManifest = []models.FirmwareManifestEntry{
	{DeviceType: "smc-sys-6029p-trt", Component: "bios", Version: "3.4", URL: "http://repo/bios-3.4.rom", Method: models.MethodVendorTool, Advisory: "recommended"},
	{DeviceType: "smc-sys-6029p-trt", Component: "bmc", Version: "1.2", URL: "http://repo/bmc-1.2.bin", Method: models.MethodRedfish, Advisory: "security"},
	{DeviceType: "smc-sys-6029p-trt", Component: "nic-eth0", Version: "20.1", URL: "http://repo/nic-20.1.bin", Method: models.MethodRedfish, Advisory: "optional"},
	{DeviceType: "smc-sys-6029p-trt", Component: "storage-raid", Version: "5.0", URL: "http://repo/raid-5.0.bin", Method: models.MethodVendorTool, Advisory: "recommended"},
	{DeviceType: "other-device", Component: "bios", Version: "9.9", URL: "http://repo/other.bin", Method: models.MethodVendorTool, Advisory: "recommended"},
}

func TestPlanUpdatesOrdersByPriority(t *testing.T) {
	current := map[string]string{"bios": "3.3", "bmc": "1.1", "nic-eth0": "19.0", "storage-raid": "4.9"}
	plan := PlanUpdates(current, sampleManifest, "smc-sys-6029p-trt", models.PolicyRecommended)

	// optional "nic-eth0" dropped under Recommended; "other-device" entry excluded by device type.
	if len(plan) != 3 {
		t.Fatalf("len(plan) = %d, want 3: %+v", len(plan), plan)
	}
	if plan[0].Component != "bmc" {
		t.Errorf("plan[0].Component = %q, want bmc (BMC must come first)", plan[0].Component)
	}
	if plan[1].Component != "bios" {
		t.Errorf("plan[1].Component = %q, want bios", plan[1].Component)
	}
	if plan[2].Component != "storage-raid" {
		t.Errorf("plan[2].Component = %q, want storage-raid", plan[2].Component)
	}
}

func TestPlanUpdatesSkipsAlreadyCurrentVersions(t *testing.T) {
	current := map[string]string{"bios": "3.4", "bmc": "1.2", "nic-eth0": "20.1", "storage-raid": "5.0"}
	plan := PlanUpdates(current, sampleManifest, "smc-sys-6029p-trt", models.PolicyLatest)
	if len(plan) != 0 {
		t.Errorf("len(plan) = %d, want 0 (everything already current)", len(plan))
	}
}

func TestPlanUpdatesManualPolicyIncludesNothing(t *testing.T) {
	current := map[string]string{"bios": "3.3", "bmc": "1.1"}
	plan := PlanUpdates(current, sampleManifest, "smc-sys-6029p-trt", models.PolicyManual)
	if len(plan) != 0 {
		t.Errorf("len(plan) = %d, want 0 under Manual policy", len(plan))
	}
}

func TestPlanUpdatesSecurityOnlyFiltersAdvisory(t *testing.T) {
	current := map[string]string{"bios": "3.3", "bmc": "1.1", "storage-raid": "4.9"}
	plan := PlanUpdates(current, sampleManifest, "smc-sys-6029p-trt", models.PolicySecurityOnly)
	if len(plan) != 1 || plan[0].Component != "bmc" {
		t.Errorf("plan = %+v, want only bmc (the security advisory)", plan)
	}
}

type fakeApplier struct {
	calls  []string
	failOn string
}

func (f *fakeApplier) Apply(ctx context.Context, update models.FirmwareUpdate) error {
	f.calls = append(f.calls, update.Component)
	if update.Component == f.failOn {
		return errors.New("simulated flash failure")
	}
	return nil
}

func TestApplyPlanStopsOnFailure(t *testing.T) {
	plan := []models.FirmwareUpdate{
		{Component: "bmc", TargetVersion: "1.2"},
		{Component: "bios", TargetVersion: "3.4"},
		{Component: "storage-raid", TargetVersion: "5.0"},
	}
	applier := &fakeApplier{failOn: "bios"}
	results, err := ApplyPlan(context.Background(), plan, applier, nil)
	if err == nil {
		t.Fatal("expected an error from the failing bios update")
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2 (stopped after bios failed)", len(results))
	}
	if len(applier.calls) != 2 {
		t.Fatalf("applier.calls = %v, want exactly [bmc bios] (storage-raid must not run)", applier.calls)
	}
}

func TestApplyPlanVerifiesVersionAfterApply(t *testing.T) {
	plan := []models.FirmwareUpdate{{Component: "bmc", TargetVersion: "1.2"}}
	applier := &fakeApplier{}
	read := func(ctx context.Context, component string) (string, error) {
		return "1.1", nil // didn't actually take
	}
	results, err := ApplyPlan(context.Background(), plan, applier, read)
	if err == nil {
		t.Fatal("expected a NotApplied error when the re-read version doesn't match")
	}
	var na *models.NotApplied
	if !errors.As(err, &na) {
		t.Fatalf("error = %v, want *models.NotApplied", err)
	}
	if len(results) != 1 || results[0].VerifiedVersion != "1.1" {
		t.Errorf("results = %+v", results)
	}
}

func TestComponentPriority(t *testing.T) {
	tests := map[string]int{
		"bmc":          0,
		"iLO5":         0,
		"idrac9":       0,
		"bios":         1,
		"nic-eth0":     2,
		"storage-raid": 2,
		"other-thing":  3,
	}
	for component, want := range tests {
		if got := componentPriority(component); got != want {
			t.Errorf("componentPriority(%q) = %d, want %d", component, got, want)
		}
	}
}
