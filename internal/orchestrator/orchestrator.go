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

// Package orchestrator is the facade that assembles the catalog,
// discovery, BIOS, firmware, and IPMI components into the standard
// provisioning recipes and drives them through internal/workflow. It
// owns machine/endpoint bookkeeping; it does not itself speak SSH,
// Redfish, or IPMI.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattcburns-labs/ironclad/internal/bios"
	"github.com/mattcburns-labs/ironclad/internal/bios/dell"
	"github.com/mattcburns-labs/ironclad/internal/bios/hpe"
	"github.com/mattcburns-labs/ironclad/internal/bios/supermicro"
	"github.com/mattcburns-labs/ironclad/internal/config"
	"github.com/mattcburns-labs/ironclad/internal/firmware"
	"github.com/mattcburns-labs/ironclad/internal/registry"
	"github.com/mattcburns-labs/ironclad/internal/store"
	"github.com/mattcburns-labs/ironclad/internal/transport"
	"github.com/mattcburns-labs/ironclad/internal/workflow"
	"github.com/mattcburns-labs/ironclad/pkg/crypto"
	"github.com/mattcburns-labs/ironclad/pkg/maas"
	"github.com/mattcburns-labs/ironclad/pkg/models"
)

// DegradationPolicy decides what an in-flight workflow does when a
// vendor tool can't be installed on the target: HardRequire fails the
// workflow outright, DegradeToDummy records the gap and lets BIOS/
// firmware steps depending on that tool skip themselves instead.
type DegradationPolicy string

const (
	HardRequire    DegradationPolicy = "hard_require"
	DegradeToDummy DegradationPolicy = "degrade_to_dummy"
)

// StartOptions carries the per-workflow overrides an operator may supply
// on top of the registry's defaults.
type StartOptions struct {
	DeviceType        string
	SSHUsername       string
	SSHPassword       string
	IPMIUsername      string
	IPMIPassword      string
	PreserveList      []string
	DryRun            bool
	Degradation       DegradationPolicy
	CommissionComment string
	ToolURLs          map[string][]string // vendor -> candidate tool download URLs
}

func (o StartOptions) degradation() DegradationPolicy {
	if o.Degradation == "" {
		return HardRequire
	}
	return o.Degradation
}

// Orchestrator wires the catalog, vendor adapters, and remote
// transports into runnable workflow.Recipes and drives them through an
// Engine.
type Orchestrator struct {
	cfg        config.AppConfig
	store      *store.Store
	engine     *workflow.Engine
	pool       *transport.Pool
	catalog    *registry.Catalog
	tmpls      map[string]models.BiosTemplate
	fwManifest []models.FirmwareManifestEntry
	vault      *crypto.Vault
	maas       maas.Client

	mu        sync.Mutex
	endpoints map[string]string // endpoint key -> holder workflow ID
}

// New assembles an Orchestrator from its fully-constructed dependencies.
func New(cfg config.AppConfig, st *store.Store, engine *workflow.Engine, pool *transport.Pool, catalog *registry.Catalog, tmpls map[string]models.BiosTemplate, fwManifest []models.FirmwareManifestEntry, vault *crypto.Vault, maasClient maas.Client) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		store:      st,
		engine:     engine,
		pool:       pool,
		catalog:    catalog,
		tmpls:      tmpls,
		fwManifest: fwManifest,
		vault:      vault,
		maas:       maasClient,
		endpoints:  make(map[string]string),
	}
}

// ReconcileOrphaned marks workflows orphaned by a previous process's
// restart as Failed. Call once during startup, before accepting new
// StartProvision calls.
func (o *Orchestrator) ReconcileOrphaned(ctx context.Context) (int, error) {
	return o.engine.ReconcileOrphaned(ctx)
}

// Cancel requests cancellation of a running workflow.
func (o *Orchestrator) Cancel(workflowID string) bool {
	return o.engine.Cancel(workflowID)
}

// Status returns the current persisted snapshot of a workflow.
func (o *Orchestrator) Status(ctx context.Context, workflowID string) (models.Workflow, error) {
	return o.store.GetWorkflow(ctx, workflowID)
}

// Subscribe streams progress events for a running workflow.
func (o *Orchestrator) Subscribe(workflowID string) (<-chan workflow.Event, func()) {
	return o.engine.Subscribe(workflowID)
}

// StartProvision seeds or refreshes the MachineRecord for machineID,
// claims its endpoints, builds the recipe matching kind, and hands it to
// the Engine. It returns the Workflow's initial (Pending) snapshot; the
// caller observes progress via Subscribe or polls Status.
func (o *Orchestrator) StartProvision(ctx context.Context, machineID string, kind models.WorkflowKind, opts StartOptions) (models.Workflow, error) {
	m, err := o.seedMachine(ctx, machineID)
	if err != nil {
		return models.Workflow{}, err
	}

	endpoints := []string{"machine:" + machineID}
	if m.IPMIAddress != "" {
		endpoints = append(endpoints, "ipmi:"+m.IPMIAddress)
	}

	wfID := uuid.NewString()
	if err := o.acquireEndpoints(wfID, endpoints); err != nil {
		return models.Workflow{}, err
	}

	wfCtx := &models.WorkflowContext{
		DeviceType:   firstNonEmpty(opts.DeviceType, m.DeviceType),
		PreserveList: opts.PreserveList,
		DryRun:       opts.DryRun,
		Extra:        map[string]string{"degradation_policy": string(opts.degradation())},
	}
	if opts.SSHPassword != "" {
		h, err := o.vault.Put(opts.SSHPassword)
		if err != nil {
			o.releaseEndpoints(endpoints)
			return models.Workflow{}, fmt.Errorf("orchestrator: store ssh credential: %w", err)
		}
		wfCtx.SSHCredential = h
	}
	if opts.IPMIPassword != "" {
		h, err := o.vault.Put(opts.IPMIPassword)
		if err != nil {
			o.releaseEndpoints(endpoints)
			return models.Workflow{}, fmt.Errorf("orchestrator: store ipmi credential: %w", err)
		}
		wfCtx.IPMICredential = h
	}

	rc := &runCtx{o: o, machineID: machineID, workflowID: wfID, opts: opts}
	recipe := rc.buildRecipe(kind)

	wf := workflow.NewWorkflow(wfID, machineID, kind, recipe, wfCtx)
	if err := o.store.InsertWorkflow(ctx, wf); err != nil {
		o.releaseEndpoints(endpoints)
		return models.Workflow{}, fmt.Errorf("orchestrator: insert workflow: %w", err)
	}

	o.engine.Start(ctx, wf, recipe)
	go o.awaitAndRelease(wfID, machineID, endpoints)

	return wf, nil
}

func (o *Orchestrator) awaitAndRelease(workflowID, machineID string, endpoints []string) {
	o.engine.Wait(context.Background(), workflowID)
	defer o.releaseEndpoints(endpoints)

	ctx := context.Background()
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return
	}
	status := models.MachineFailed
	if wf.State == models.WorkflowSucceeded {
		status = models.MachineReady
	}
	m, err := o.store.GetMachine(ctx, machineID)
	if err != nil {
		return
	}
	m.Status = status
	m.LastWorkflowID = workflowID
	_ = o.store.UpsertMachine(ctx, m)
}

func (o *Orchestrator) seedMachine(ctx context.Context, machineID string) (models.MachineRecord, error) {
	m, err := o.store.GetMachine(ctx, machineID)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.MachineRecord{}, fmt.Errorf("orchestrator: get machine: %w", err)
	}

	mm, err := o.maas.GetMachine(ctx, machineID)
	if err != nil {
		return models.MachineRecord{}, fmt.Errorf("orchestrator: look up machine in inventory: %w", err)
	}
	now := time.Now().UTC()
	record := models.MachineRecord{
		MachineID:   mm.ID,
		IPAddress:   mm.IPAddress,
		IPMIAddress: mm.IPMIAddress,
		Vendor:      mm.Vendor,
		Status:      models.MachineDiscovered,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.UpsertMachine(ctx, record); err != nil {
		return models.MachineRecord{}, fmt.Errorf("orchestrator: seed machine record: %w", err)
	}
	return record, nil
}

func (o *Orchestrator) acquireEndpoints(workflowID string, endpoints []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ep := range endpoints {
		if holder, busy := o.endpoints[ep]; busy {
			return &models.EndpointBusy{Endpoint: ep, HolderWorkflowID: holder}
		}
	}
	for _, ep := range endpoints {
		o.endpoints[ep] = workflowID
	}
	return nil
}

func (o *Orchestrator) releaseEndpoints(endpoints []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ep := range endpoints {
		delete(o.endpoints, ep)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// vendorAdapterFor dispatches to the vendor-specific bios.VendorAdapter
// construction for vendor.
func vendorAdapterFor(vendor string, pool *transport.Pool, host string, port int, creds transport.Credentials, timeout time.Duration, urls []string) (bios.VendorAdapter, error) {
	switch strings.ToLower(strings.TrimSpace(vendor)) {
	case "supermicro":
		return supermicro.New(pool, host, port, creds, timeout, urls), nil
	case "hpe", "hp":
		return hpe.New(pool, host, port, creds, timeout, urls), nil
	case "dell":
		return dell.New(pool, host, port, creds, timeout, urls), nil
	default:
		return nil, fmt.Errorf("orchestrator: no bios adapter for vendor %q", vendor)
	}
}

// toolSpecForVendor names the vendor tool and install path InstallVendorTools
// should ensure before any BIOS or vendor-tool firmware step runs.
func toolSpecForVendor(vendor string, urls []string) (tool, installPath string, err error) {
	switch strings.ToLower(strings.TrimSpace(vendor)) {
	case "supermicro":
		return "sumtool", "/opt/sumtool", nil
	case "hpe", "hp":
		return "ilorest", "/opt/ilorest", nil
	case "dell":
		return "racadm", "/opt/racadm", nil
	default:
		return "", "", fmt.Errorf("orchestrator: no vendor tool known for vendor %q", vendor)
	}
}

// flashCommandFor builds the vendor tool invocation firmware.VendorToolApplier
// runs once an artifact has landed on the target.
func flashCommandFor(vendor string) firmware.CommandFor {
	switch strings.ToLower(strings.TrimSpace(vendor)) {
	case "supermicro":
		return func(update models.FirmwareUpdate, remotePath string) string {
			return fmt.Sprintf("sudo sumtool -c UpdateBios --file %s --reboot", remotePath)
		}
	case "hpe", "hp":
		return func(update models.FirmwareUpdate, remotePath string) string {
			return fmt.Sprintf("sudo ilorest flashfwpkg %s --forceupload", remotePath)
		}
	case "dell":
		return func(update models.FirmwareUpdate, remotePath string) string {
			return fmt.Sprintf("sudo racadm update -f %s", remotePath)
		}
	default:
		return func(update models.FirmwareUpdate, remotePath string) string {
			return fmt.Sprintf("sudo install-firmware %s", remotePath)
		}
	}
}

// dispatchApplier routes each planned update to the Applier matching its
// FirmwareMethod, since a single plan can mix Redfish and vendor-tool
// updates.
type dispatchApplier struct {
	redfish firmware.Applier
	vendor  firmware.Applier
}

func (d *dispatchApplier) Apply(ctx context.Context, update models.FirmwareUpdate) error {
	if update.Method == models.MethodRedfish && d.redfish != nil {
		return d.redfish.Apply(ctx, update)
	}
	if d.vendor != nil {
		return d.vendor.Apply(ctx, update)
	}
	return fmt.Errorf("orchestrator: no applier configured for method %q", update.Method)
}
