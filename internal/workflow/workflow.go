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

// Package workflow runs a Workflow's linear step list to completion: one
// goroutine per workflow, retrying transient step failures with backoff,
// persisting a snapshot after every step transition, and publishing
// progress on a non-blocking event bus. The step bodies themselves
// (discovery, BIOS, firmware, IPMI) are supplied by the caller as a
// Recipe; this package only knows how to sequence, retry, time out, and
// cancel them.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mattcburns-labs/ironclad/internal/ctxkeys"
	"github.com/mattcburns-labs/ironclad/internal/metrics"
	"github.com/mattcburns-labs/ironclad/internal/store"
	"github.com/mattcburns-labs/ironclad/pkg/models"
)

// StepFunc performs one step's work. It must honor ctx cancellation:
// steps that don't return promptly after ctx is done delay the engine's
// cancellation grace period from taking effect.
type StepFunc func(ctx context.Context, wfctx *models.WorkflowContext) error

// StepDef is one entry in a Recipe.
type StepDef struct {
	Name        string
	Description string
	// SkipWhen, if non-nil and it returns true, marks the step Skipped
	// without running it (e.g. InstallVendorTools when the tool is
	// already present, FirmwareUpdates under PolicyManual).
	SkipWhen func(*models.WorkflowContext) bool
	// Timeout overrides the engine's default per-step timeout when > 0.
	Timeout time.Duration
	// MaxRetries overrides the engine's default retry count when > 0.
	MaxRetries int
	Run        StepFunc
}

// Recipe is the ordered step list a Workflow executes.
type Recipe []StepDef

// Config tunes engine-wide defaults. Zero values fall back to
// internal/config's documented defaults.
type Config struct {
	StepTimeoutDefault  time.Duration
	StepTimeoutFirmware time.Duration
	CancelGracePeriod   time.Duration
	DefaultMaxRetries   int
	BaseRetryDelay      time.Duration
	MaxRetryDelay       time.Duration
}

func (c Config) withDefaults() Config {
	if c.StepTimeoutDefault <= 0 {
		c.StepTimeoutDefault = 15 * time.Minute
	}
	if c.StepTimeoutFirmware <= 0 {
		c.StepTimeoutFirmware = 60 * time.Minute
	}
	if c.CancelGracePeriod <= 0 {
		c.CancelGracePeriod = 30 * time.Second
	}
	// DefaultMaxRetries has no positive floor: a step declares max_retries
	// (default 0) and only retries if it opts in via StepDef.MaxRetries.
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 60 * time.Second
	}
	return c
}

// StateStore is the persistence surface the engine needs. *store.Store
// satisfies it.
type StateStore interface {
	SaveWorkflow(ctx context.Context, wf models.Workflow) error
	AppendWorkflowEvent(ctx context.Context, ev store.WorkflowEvent) error
	ListRunningWorkflows(ctx context.Context) ([]models.Workflow, error)
}

// EventKind classifies a published Event.
type EventKind string

const (
	EventStepStarted   EventKind = "step_started"
	EventStepRetrying  EventKind = "step_retrying"
	EventStepSucceeded EventKind = "step_succeeded"
	EventStepSkipped   EventKind = "step_skipped"
	EventStepFailed    EventKind = "step_failed"
	EventCancelling    EventKind = "cancelling"
	EventFinished      EventKind = "finished"
)

// Event is one progress notification published while a workflow runs.
type Event struct {
	WorkflowID string
	Step       string
	Kind       EventKind
	Message    string
	At         time.Time
}

const subscriberBuffer = 32

// Engine runs workflows concurrently, one goroutine per workflow.
type Engine struct {
	cfg   Config
	store StateStore

	mu sync.Mutex
	// running holds one handle per workflow ever started, including
	// finished ones: Cancel and Wait need to observe a workflow's
	// finished channel even if the caller races the engine's own
	// completion. The orchestrator is responsible for not calling Start
	// twice with the same workflow ID.
	running  map[string]*runHandle
	subs     map[string]map[chan Event]struct{}
	subsLock sync.Mutex
}

type runHandle struct {
	cancel     context.CancelFunc
	cancelling bool
	done       chan struct{}
}

// New constructs an Engine bound to store for snapshot persistence.
func New(cfg Config, st StateStore) *Engine {
	return &Engine{
		cfg:     cfg.withDefaults(),
		store:   st,
		running: make(map[string]*runHandle),
		subs:    make(map[string]map[chan Event]struct{}),
	}
}

// NewWorkflow builds a Workflow snapshot with Steps pre-populated from
// recipe, ready to hand to Start.
func NewWorkflow(id, machineID string, kind models.WorkflowKind, recipe Recipe, wfCtx *models.WorkflowContext) models.Workflow {
	steps := make([]models.Step, len(recipe))
	for i, sd := range recipe {
		steps[i] = models.Step{
			Name:        sd.Name,
			Description: sd.Description,
			Status:      models.StepPending,
			MaxRetries:  sd.MaxRetries,
		}
	}
	if wfCtx == nil {
		wfCtx = &models.WorkflowContext{}
	}
	return models.Workflow{
		ID:        id,
		MachineID: machineID,
		Kind:      kind,
		Steps:     steps,
		State:     models.WorkflowPending,
		StartedAt: time.Now().UTC(),
		Context:   wfCtx,
	}
}

// Start runs wf against recipe in its own goroutine and returns
// immediately. The caller retains ownership of wf only through the
// returned channel and Subscribe/Cancel; the engine owns all further
// mutation.
func (e *Engine) Start(parent context.Context, wf models.Workflow, recipe Recipe) {
	ctx, cancel := context.WithCancel(parent)
	h := &runHandle{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.running[wf.ID] = h
	e.mu.Unlock()

	go func() {
		defer close(h.done)
		e.run(ctx, &wf, recipe)
	}()
}

// Cancel requests cancellation of a running workflow. It publishes an
// EventCancelling event and starts a CancelGracePeriod timer; if the
// workflow has not finished when the timer fires, the engine cancels the
// underlying context. Steps receive no cancellation signal during the
// grace period, and Cancel does not change the workflow's persisted state.
func (e *Engine) Cancel(workflowID string) bool {
	e.mu.Lock()
	h, ok := e.running[workflowID]
	if ok && !h.cancelling {
		h.cancelling = true
	}
	e.mu.Unlock()
	if !ok {
		return false
	}

	e.publish(workflowID, Event{WorkflowID: workflowID, Kind: EventCancelling, At: time.Now().UTC()})
	go func() {
		timer := time.NewTimer(e.cfg.CancelGracePeriod)
		defer timer.Stop()
		select {
		case <-h.done:
		case <-timer.C:
			h.cancel()
		}
	}()
	return true
}

// Wait blocks until the workflow identified by workflowID finishes
// running, or ctx is cancelled. Returns false if the workflow isn't
// currently tracked as running.
func (e *Engine) Wait(ctx context.Context, workflowID string) bool {
	e.mu.Lock()
	h, ok := e.running[workflowID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-h.done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Subscribe registers a channel that receives Events for workflowID.
// Delivery is best-effort: a slow subscriber drops events rather than
// blocking the engine. The persisted event log (AppendWorkflowEvent) is
// always complete regardless of drops here.
func (e *Engine) Subscribe(workflowID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	e.subsLock.Lock()
	set, ok := e.subs[workflowID]
	if !ok {
		set = make(map[chan Event]struct{})
		e.subs[workflowID] = set
	}
	set[ch] = struct{}{}
	e.subsLock.Unlock()

	unsubscribe := func() {
		e.subsLock.Lock()
		defer e.subsLock.Unlock()
		if set, ok := e.subs[workflowID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(e.subs, workflowID)
			}
		}
		close(ch)
	}
	return ch, unsubscribe
}

func (e *Engine) publish(workflowID string, ev Event) {
	e.subsLock.Lock()
	defer e.subsLock.Unlock()
	for ch := range e.subs[workflowID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ReconcileOrphaned marks every workflow the store believes is still
// Running or Cancelling as Failed. Called once at startup: a workflow in
// either state necessarily belonged to a process that no longer exists,
// since Engine keeps no durable record of which process owns a
// goroutine.
func (e *Engine) ReconcileOrphaned(ctx context.Context) (int, error) {
	orphaned, err := e.store.ListRunningWorkflows(ctx)
	if err != nil {
		return 0, fmt.Errorf("list running workflows: %w", err)
	}
	now := time.Now().UTC()
	for _, wf := range orphaned {
		wf.State = models.WorkflowFailed
		wf.EndedAt = &now
		wf.Error = &models.StepError{Kind: "Orphaned", Message: "workflow was still running when the process restarted"}
		if err := e.store.SaveWorkflow(ctx, wf); err != nil {
			return 0, fmt.Errorf("save orphaned workflow %s: %w", wf.ID, err)
		}
	}
	return len(orphaned), nil
}

// run drives a workflow to completion. ctx is cancellable (Cancel tears
// it down after the grace period); pctx is derived from it with
// context.WithoutCancel so that bookkeeping writes still land even after
// ctx is cancelled or a step times out.
func (e *Engine) run(ctx context.Context, wf *models.Workflow, recipe Recipe) {
	ctx, correlationID := ctxkeys.EnsureCorrelationID(ctx)
	pctx := context.WithoutCancel(ctx)
	wf.State = models.WorkflowRunning
	e.persist(pctx, wf)

	for idx := wf.CurrentStepIndex; idx < len(recipe); idx++ {
		wf.CurrentStepIndex = idx
		step := recipe[idx]

		if step.SkipWhen != nil && step.SkipWhen(wf.Context) {
			wf.Steps[idx].Status = models.StepSkipped
			e.persist(pctx, wf)
			e.emit(pctx, wf.ID, step.Name, EventStepSkipped, "skipped")
			continue
		}

		if err := e.runStep(ctx, pctx, wf, idx, step, correlationID); err != nil {
			wf.State = models.WorkflowFailed
			var stepErr *models.StepError
			if !errors.As(err, &stepErr) {
				stepErr = &models.StepError{Kind: "StepFailed", Message: err.Error(), Step: step.Name}
			}
			wf.Error = stepErr
			ended := time.Now().UTC()
			wf.EndedAt = &ended
			e.persist(pctx, wf)
			e.emit(pctx, wf.ID, step.Name, EventStepFailed, err.Error())
			e.emit(pctx, wf.ID, "", EventFinished, string(models.WorkflowFailed))
			return
		}
	}

	if ctx.Err() != nil {
		wf.State = models.WorkflowCancelled
	} else {
		wf.State = models.WorkflowSucceeded
	}
	ended := time.Now().UTC()
	wf.EndedAt = &ended
	e.persist(pctx, wf)
	e.emit(pctx, wf.ID, "", EventFinished, string(wf.State))
}

func (e *Engine) runStep(ctx, pctx context.Context, wf *models.Workflow, idx int, step StepDef, correlationID string) error {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.cfg.StepTimeoutDefault
	}
	maxRetries := step.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.cfg.DefaultMaxRetries
	}

	started := time.Now().UTC()
	wf.Steps[idx].Status = models.StepRunning
	wf.Steps[idx].StartedAt = &started
	wf.Steps[idx].MaxRetries = maxRetries
	e.persist(pctx, wf)
	e.emit(pctx, wf.ID, step.Name, EventStepStarted, "")

	var lastErr error
	for attempt := 0; ; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		attemptStart := time.Now()
		err := step.Run(stepCtx, wf.Context)
		cancel()
		metrics.ObserveStepDuration(step.Name, time.Since(attemptStart))

		if err == nil {
			ended := time.Now().UTC()
			wf.Steps[idx].Status = models.StepSucceeded
			wf.Steps[idx].EndedAt = &ended
			wf.Steps[idx].RetriesUsed = attempt
			e.persist(pctx, wf)
			e.emit(pctx, wf.ID, step.Name, EventStepSucceeded, "")
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			// Cancellation takes priority over retrying.
			break
		}
		if !models.IsTransient(err) || attempt >= maxRetries {
			break
		}

		delay := backoffDelay(attempt, e.cfg.BaseRetryDelay, e.cfg.MaxRetryDelay)
		metrics.IncRemoteRetry(step.Name, "")
		wf.Steps[idx].RetriesUsed = attempt + 1
		e.persist(pctx, wf)
		e.emit(pctx, wf.ID, step.Name, EventStepRetrying, fmt.Sprintf("attempt %d failed, retrying in %s: %v", attempt+1, delay, err))
		slog.Debug("workflow step retry", "workflow_id", wf.ID, "step", step.Name, "attempt", attempt+1, "delay", delay, "err", err, "correlation_id", correlationID)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = ctx.Err()
			attempt = maxRetries // fall through to failure below
		case <-timer.C:
		}
	}

	ended := time.Now().UTC()
	wf.Steps[idx].Status = models.StepFailed
	wf.Steps[idx].EndedAt = &ended
	wf.Steps[idx].Error = &models.StepError{Kind: "StepFailed", Message: lastErr.Error(), Step: step.Name}
	return fmt.Errorf("workflow: step %s: %w", step.Name, lastErr)
}

// backoffDelay computes min(2^attempt * base, max) and adds a random 0-10%
// of that as jitter.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	exp := attempt
	if exp > 20 {
		exp = 20
	}
	delay := base * time.Duration(1<<exp)
	if delay <= 0 || delay > max {
		delay = max
	}
	jitter := time.Duration(rand.Float64() * 0.2 * float64(delay))
	return delay - jitter/2 + jitter
}

func (e *Engine) persist(ctx context.Context, wf *models.Workflow) {
	if err := e.store.SaveWorkflow(ctx, *wf); err != nil {
		slog.Error("workflow snapshot save failed", "workflow_id", wf.ID, "err", err)
	}
}

func (e *Engine) emit(ctx context.Context, workflowID, step string, kind EventKind, message string) {
	ev := Event{WorkflowID: workflowID, Step: step, Kind: kind, Message: message, At: time.Now().UTC()}
	e.publish(workflowID, ev)
	level := "info"
	if kind == EventStepFailed {
		level = "error"
	} else if kind == EventStepRetrying {
		level = "warn"
	}
	var stepPtr *string
	if step != "" {
		stepPtr = &step
	}
	if err := e.store.AppendWorkflowEvent(ctx, store.WorkflowEvent{
		WorkflowID: workflowID,
		Time:       ev.At,
		Level:      level,
		Message:    eventMessage(kind, message),
		Step:       stepPtr,
	}); err != nil {
		slog.Error("workflow event append failed", "workflow_id", workflowID, "err", err)
	}
}

func eventMessage(kind EventKind, message string) string {
	if message != "" {
		return message
	}
	return string(kind)
}
