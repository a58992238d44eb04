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

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattcburns-labs/ironclad/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	s, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRunsMigrationAndSetsSchemaVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v, err := s.GetSetting(ctx, schemaVersionKey)
	if err != nil {
		t.Fatalf("GetSetting(schema_version) failed: %v", err)
	}
	if v != "1" {
		t.Fatalf("schema_version = %q, want 1", v)
	}
}

func TestMachineUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := models.MachineRecord{
		MachineID:   "node-001",
		DeviceType:  "smc-sys-6029p-trt",
		IPAddress:   "10.0.0.5",
		IPMIAddress: "10.0.1.5",
		Vendor:      "supermicro",
		Status:      models.MachineDiscovered,
	}
	if err := s.UpsertMachine(ctx, m); err != nil {
		t.Fatalf("UpsertMachine failed: %v", err)
	}

	got, err := s.GetMachine(ctx, m.MachineID)
	if err != nil {
		t.Fatalf("GetMachine failed: %v", err)
	}
	if got.DeviceType != m.DeviceType || got.IPAddress != m.IPAddress || got.Status != models.MachineDiscovered {
		t.Fatalf("machine mismatch:\n got: %+v\nwant: %+v", got, m)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not populated: %+v", got)
	}

	m.Status = models.MachineReady
	m.LastWorkflowID = "wf-1"
	if err := s.UpsertMachine(ctx, m); err != nil {
		t.Fatalf("UpsertMachine (update) failed: %v", err)
	}
	got2, err := s.GetMachine(ctx, m.MachineID)
	if err != nil {
		t.Fatalf("GetMachine (after update) failed: %v", err)
	}
	if got2.Status != models.MachineReady || got2.LastWorkflowID != "wf-1" {
		t.Fatalf("machine update not applied: %+v", got2)
	}
}

func TestGetMachineNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetMachine(context.Background(), "nonexistent"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListMachinesByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, status := range []models.MachineStatus{models.MachineDiscovered, models.MachineDiscovered, models.MachineReady} {
		m := models.MachineRecord{MachineID: string(rune('a' + i)), Status: status}
		if err := s.UpsertMachine(ctx, m); err != nil {
			t.Fatalf("UpsertMachine failed: %v", err)
		}
	}

	discovered, err := s.ListMachinesByStatus(ctx, models.MachineDiscovered)
	if err != nil {
		t.Fatalf("ListMachinesByStatus failed: %v", err)
	}
	if len(discovered) != 2 {
		t.Fatalf("len(discovered) = %d, want 2", len(discovered))
	}
}

func TestWorkflowInsertSaveAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertMachine(ctx, models.MachineRecord{MachineID: "node-001", Status: models.MachineDiscovered}); err != nil {
		t.Fatalf("UpsertMachine failed: %v", err)
	}

	wf := models.Workflow{
		ID:        "wf-1",
		MachineID: "node-001",
		Kind:      models.KindCommission,
		Steps: []models.Step{
			{Name: "Commission", Status: models.StepPending},
			{Name: "DiscoverHardware", Status: models.StepPending},
		},
		State:     models.WorkflowRunning,
		StartedAt: time.Now().UTC().Add(-time.Minute),
		Context:   &models.WorkflowContext{DeviceType: "smc-sys-6029p-trt"},
	}
	if err := s.InsertWorkflow(ctx, wf); err != nil {
		t.Fatalf("InsertWorkflow failed: %v", err)
	}

	got, err := s.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if len(got.Steps) != 2 || got.Steps[0].Name != "Commission" {
		t.Fatalf("steps not round-tripped: %+v", got.Steps)
	}
	if got.Context == nil || got.Context.DeviceType != "smc-sys-6029p-trt" {
		t.Fatalf("context not round-tripped: %+v", got.Context)
	}
	if got.State != models.WorkflowRunning {
		t.Fatalf("state = %q, want running", got.State)
	}

	got.Steps[0].Status = models.StepSucceeded
	got.CurrentStepIndex = 1
	got.State = models.WorkflowSucceeded
	ended := time.Now().UTC()
	got.EndedAt = &ended
	if err := s.SaveWorkflow(ctx, got); err != nil {
		t.Fatalf("SaveWorkflow failed: %v", err)
	}

	got2, err := s.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("GetWorkflow (after save) failed: %v", err)
	}
	if got2.State != models.WorkflowSucceeded || got2.CurrentStepIndex != 1 {
		t.Fatalf("save not applied: %+v", got2)
	}
	if got2.Steps[0].Status != models.StepSucceeded {
		t.Fatalf("step status not applied: %+v", got2.Steps[0])
	}
	if got2.EndedAt == nil {
		t.Fatalf("EndedAt not applied")
	}
}

func TestSaveWorkflowNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveWorkflow(context.Background(), models.Workflow{ID: "missing", State: models.WorkflowFailed})
	if err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestWorkflowWithStepError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.UpsertMachine(ctx, models.MachineRecord{MachineID: "node-001", Status: models.MachineFailed}); err != nil {
		t.Fatalf("UpsertMachine failed: %v", err)
	}

	wf := models.Workflow{
		ID:        "wf-err",
		MachineID: "node-001",
		Kind:      models.KindBiosOnly,
		State:     models.WorkflowFailed,
		StartedAt: time.Now().UTC(),
		Context:   &models.WorkflowContext{},
		Error:     &models.StepError{Kind: "NotApplied", Message: "boot_mode did not take", Step: "MergeAndPushBios"},
	}
	if err := s.InsertWorkflow(ctx, wf); err != nil {
		t.Fatalf("InsertWorkflow failed: %v", err)
	}
	got, err := s.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if got.Error == nil || got.Error.Kind != "NotApplied" || got.Error.Step != "MergeAndPushBios" {
		t.Fatalf("error not round-tripped: %+v", got.Error)
	}
}

func TestListRunningWorkflows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.UpsertMachine(ctx, models.MachineRecord{MachineID: "node-001", Status: models.MachineCommissioning}); err != nil {
		t.Fatalf("UpsertMachine failed: %v", err)
	}

	states := []models.WorkflowState{models.WorkflowRunning, models.WorkflowCancelling, models.WorkflowSucceeded}
	for i, state := range states {
		wf := models.Workflow{
			ID:        string(rune('a' + i)),
			MachineID: "node-001",
			Kind:      models.KindCommission,
			State:     state,
			StartedAt: time.Now().UTC(),
			Context:   &models.WorkflowContext{},
		}
		if err := s.InsertWorkflow(ctx, wf); err != nil {
			t.Fatalf("InsertWorkflow failed: %v", err)
		}
	}

	running, err := s.ListRunningWorkflows(ctx)
	if err != nil {
		t.Fatalf("ListRunningWorkflows failed: %v", err)
	}
	if len(running) != 2 {
		t.Fatalf("len(running) = %d, want 2 (running + cancelling)", len(running))
	}
}

func TestWorkflowEventsAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.UpsertMachine(ctx, models.MachineRecord{MachineID: "node-001", Status: models.MachineDiscovered}); err != nil {
		t.Fatalf("UpsertMachine failed: %v", err)
	}
	wf := models.Workflow{ID: "wf-1", MachineID: "node-001", Kind: models.KindCommission, State: models.WorkflowRunning, StartedAt: time.Now().UTC(), Context: &models.WorkflowContext{}}
	if err := s.InsertWorkflow(ctx, wf); err != nil {
		t.Fatalf("InsertWorkflow failed: %v", err)
	}

	step := "DiscoverHardware"
	events := []WorkflowEvent{
		{WorkflowID: wf.ID, Time: time.Now().UTC().Add(-time.Minute), Level: "info", Message: "starting", Step: &step},
		{WorkflowID: wf.ID, Time: time.Now().UTC(), Level: "info", Message: "done", Step: &step},
	}
	for _, ev := range events {
		if err := s.AppendWorkflowEvent(ctx, ev); err != nil {
			t.Fatalf("AppendWorkflowEvent failed: %v", err)
		}
	}

	got, err := s.ListWorkflowEvents(ctx, wf.ID, 0)
	if err != nil {
		t.Fatalf("ListWorkflowEvents failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(got))
	}
	if got[0].Message != "starting" || got[1].Message != "done" {
		t.Fatalf("events out of order: %+v", got)
	}
	if got[0].Step == nil || *got[0].Step != "DiscoverHardware" {
		t.Fatalf("step not round-tripped: %+v", got[0])
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.SetSetting(ctx, "auto_select_confidence", "0.8"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	v, err := s.GetSetting(ctx, "auto_select_confidence")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if v != "0.8" {
		t.Fatalf("value = %q, want 0.8", v)
	}
}

func TestGetSettingNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetSetting(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
