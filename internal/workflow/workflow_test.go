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

package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mattcburns-labs/ironclad/internal/store"
	"github.com/mattcburns-labs/ironclad/pkg/models"
)

type fakeStore struct {
	mu        sync.Mutex
	snapshots []models.Workflow
	events    []store.WorkflowEvent
	running   []models.Workflow
}

func (f *fakeStore) SaveWorkflow(ctx context.Context, wf models.Workflow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, wf)
	return nil
}

func (f *fakeStore) AppendWorkflowEvent(ctx context.Context, ev store.WorkflowEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeStore) ListRunningWorkflows(ctx context.Context) ([]models.Workflow, error) {
	return f.running, nil
}

func (f *fakeStore) last() models.Workflow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots[len(f.snapshots)-1]
}

func testConfig() Config {
	return Config{
		StepTimeoutDefault: time.Second,
		CancelGracePeriod:  50 * time.Millisecond,
		DefaultMaxRetries:  2,
		BaseRetryDelay:     time.Millisecond,
		MaxRetryDelay:      10 * time.Millisecond,
	}
}

func TestWithDefaultsLeavesMaxRetriesAtZero(t *testing.T) {
	cfg := Config{StepTimeoutDefault: time.Second}.withDefaults()
	if cfg.DefaultMaxRetries != 0 {
		t.Errorf("DefaultMaxRetries = %d, want 0 (a step opts in via StepDef.MaxRetries)", cfg.DefaultMaxRetries)
	}
}

func waitForFinish(t *testing.T, eng *Engine, wfID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !eng.Wait(ctx, wfID) {
		t.Fatalf("workflow %s did not finish in time", wfID)
	}
}

func TestEngineRunsAllStepsToSuccess(t *testing.T) {
	fs := &fakeStore{}
	eng := New(testConfig(), fs)

	var ran []string
	recipe := Recipe{
		{Name: "Commission", Run: func(ctx context.Context, wfctx *models.WorkflowContext) error {
			ran = append(ran, "Commission")
			return nil
		}},
		{Name: "DiscoverHardware", Run: func(ctx context.Context, wfctx *models.WorkflowContext) error {
			ran = append(ran, "DiscoverHardware")
			return nil
		}},
	}
	wf := NewWorkflow("wf-1", "node-001", models.KindCommission, recipe, nil)
	eng.Start(context.Background(), wf, recipe)
	waitForFinish(t, eng, "wf-1")

	if len(ran) != 2 || ran[0] != "Commission" || ran[1] != "DiscoverHardware" {
		t.Fatalf("ran = %v, want [Commission DiscoverHardware]", ran)
	}
	final := fs.last()
	if final.State != models.WorkflowSucceeded {
		t.Fatalf("final state = %q, want succeeded", final.State)
	}
	for _, s := range final.Steps {
		if s.Status != models.StepSucceeded {
			t.Errorf("step %s status = %q, want succeeded", s.Name, s.Status)
		}
	}
}

func TestEngineSkipsStepWhenPredicateTrue(t *testing.T) {
	fs := &fakeStore{}
	eng := New(testConfig(), fs)

	recipe := Recipe{
		{Name: "InstallVendorTools", SkipWhen: func(*models.WorkflowContext) bool { return true }, Run: func(ctx context.Context, wfctx *models.WorkflowContext) error {
			t.Fatal("skipped step must not run")
			return nil
		}},
	}
	wf := NewWorkflow("wf-skip", "node-001", models.KindCommission, recipe, nil)
	eng.Start(context.Background(), wf, recipe)
	waitForFinish(t, eng, "wf-skip")

	final := fs.last()
	if final.Steps[0].Status != models.StepSkipped {
		t.Fatalf("step status = %q, want skipped", final.Steps[0].Status)
	}
	if final.State != models.WorkflowSucceeded {
		t.Fatalf("final state = %q, want succeeded", final.State)
	}
}

func TestEngineRetriesTransientErrorsThenSucceeds(t *testing.T) {
	fs := &fakeStore{}
	eng := New(testConfig(), fs)

	attempts := 0
	recipe := Recipe{
		{Name: "PullBios", Run: func(ctx context.Context, wfctx *models.WorkflowContext) error {
			attempts++
			if attempts < 3 {
				return &models.ConnectError{Host: "10.0.0.5", Err: errors.New("refused")}
			}
			return nil
		}},
	}
	wf := NewWorkflow("wf-retry", "node-001", models.KindCommission, recipe, nil)
	eng.Start(context.Background(), wf, recipe)
	waitForFinish(t, eng, "wf-retry")

	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	final := fs.last()
	if final.State != models.WorkflowSucceeded {
		t.Fatalf("final state = %q, want succeeded", final.State)
	}
	if final.Steps[0].RetriesUsed != 2 {
		t.Fatalf("RetriesUsed = %d, want 2", final.Steps[0].RetriesUsed)
	}
}

func TestEngineDoesNotRetryNonTransientError(t *testing.T) {
	fs := &fakeStore{}
	eng := New(testConfig(), fs)

	attempts := 0
	recipe := Recipe{
		{Name: "MergeAndPushBios", Run: func(ctx context.Context, wfctx *models.WorkflowContext) error {
			attempts++
			return &models.UnknownSetting{Name: "frobnicate_mode"}
		}},
	}
	wf := NewWorkflow("wf-permfail", "node-001", models.KindCommission, recipe, nil)
	eng.Start(context.Background(), wf, recipe)
	waitForFinish(t, eng, "wf-permfail")

	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (non-transient errors don't retry)", attempts)
	}
	final := fs.last()
	if final.State != models.WorkflowFailed {
		t.Fatalf("final state = %q, want failed", final.State)
	}
	if final.Error == nil || final.Error.Step != "MergeAndPushBios" {
		t.Fatalf("final.Error = %+v, want Step=MergeAndPushBios", final.Error)
	}
}

func TestEngineFailureAbortsRemainingSteps(t *testing.T) {
	fs := &fakeStore{}
	eng := New(testConfig(), fs)

	var ran []string
	recipe := Recipe{
		{Name: "Commission", Run: func(ctx context.Context, wfctx *models.WorkflowContext) error {
			ran = append(ran, "Commission")
			return &models.UnknownSetting{Name: "x"}
		}},
		{Name: "DiscoverHardware", Run: func(ctx context.Context, wfctx *models.WorkflowContext) error {
			ran = append(ran, "DiscoverHardware")
			return nil
		}},
	}
	wf := NewWorkflow("wf-abort", "node-001", models.KindCommission, recipe, nil)
	eng.Start(context.Background(), wf, recipe)
	waitForFinish(t, eng, "wf-abort")

	if len(ran) != 1 {
		t.Fatalf("ran = %v, want only [Commission]", ran)
	}
}

func TestEngineCancelStopsWorkflow(t *testing.T) {
	fs := &fakeStore{}
	cfg := testConfig()
	cfg.CancelGracePeriod = 20 * time.Millisecond
	eng := New(cfg, fs)

	started := make(chan struct{})
	recipe := Recipe{
		{Name: "LongStep", Timeout: time.Second, Run: func(ctx context.Context, wfctx *models.WorkflowContext) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}},
	}
	wf := NewWorkflow("wf-cancel", "node-001", models.KindCommission, recipe, nil)
	eng.Start(context.Background(), wf, recipe)

	<-started
	if !eng.Cancel("wf-cancel") {
		t.Fatal("Cancel returned false for a running workflow")
	}
	waitForFinish(t, eng, "wf-cancel")

	final := fs.last()
	if final.State != models.WorkflowCancelled && final.State != models.WorkflowFailed {
		t.Fatalf("final state = %q, want cancelled or failed", final.State)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	fs := &fakeStore{}
	eng := New(testConfig(), fs)

	recipe := Recipe{
		{Name: "Commission", Run: func(ctx context.Context, wfctx *models.WorkflowContext) error { return nil }},
	}
	wf := NewWorkflow("wf-sub", "node-001", models.KindCommission, recipe, nil)
	ch, unsubscribe := eng.Subscribe("wf-sub")
	defer unsubscribe()

	eng.Start(context.Background(), wf, recipe)
	waitForFinish(t, eng, "wf-sub")

	var kinds []EventKind
	timeout := time.After(time.Second)
drain:
	for {
		select {
		case ev := <-ch:
			kinds = append(kinds, ev.Kind)
			if ev.Kind == EventFinished {
				break drain
			}
		case <-timeout:
			break drain
		}
	}
	if len(kinds) == 0 {
		t.Fatal("no events received")
	}
	if kinds[len(kinds)-1] != EventFinished {
		t.Fatalf("last event = %v, want EventFinished", kinds[len(kinds)-1])
	}
}

func TestReconcileOrphanedMarksRunningWorkflowsFailed(t *testing.T) {
	fs := &fakeStore{
		running: []models.Workflow{
			{ID: "wf-orphan", MachineID: "node-001", State: models.WorkflowRunning, StartedAt: time.Now().UTC()},
		},
	}
	eng := New(testConfig(), fs)

	n, err := eng.ReconcileOrphaned(context.Background())
	if err != nil {
		t.Fatalf("ReconcileOrphaned failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}
	final := fs.last()
	if final.State != models.WorkflowFailed || final.Error == nil || final.Error.Kind != "Orphaned" {
		t.Fatalf("final = %+v, want Failed/Orphaned", final)
	}
}
