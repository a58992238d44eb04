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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattcburns-labs/ironclad/internal/config"
	"github.com/mattcburns-labs/ironclad/internal/orchestrator"
	"github.com/mattcburns-labs/ironclad/internal/registry"
	"github.com/mattcburns-labs/ironclad/internal/store"
	"github.com/mattcburns-labs/ironclad/internal/transport"
	"github.com/mattcburns-labs/ironclad/internal/workflow"
	"github.com/mattcburns-labs/ironclad/pkg/crypto"
	"github.com/mattcburns-labs/ironclad/pkg/maas"
	"github.com/mattcburns-labs/ironclad/pkg/models"
)

// exit codes (spec.md §1, §6): 0 success, 2 validation, 3 remote failure,
// 4 cancelled.
const (
	exitSuccess    = 0
	exitValidation = 2
	exitRemote     = 3
	exitCancelled  = 4
)

// pathsConfig holds the asset locations the CLI needs beyond
// internal/config.AppConfig, sourced the same getenv way.
type pathsConfig struct {
	DeviceCatalogPath    string // IRONCLAD_DEVICE_CATALOG
	BiosTemplatesPath    string // IRONCLAD_BIOS_TEMPLATES
	FirmwareManifestPath string // IRONCLAD_FIRMWARE_MANIFEST
}

func defaultPathsConfig() pathsConfig {
	return pathsConfig{
		DeviceCatalogPath:    "./etc/device_catalog.yaml",
		BiosTemplatesPath:    "./etc/bios_templates.yaml",
		FirmwareManifestPath: "./etc/firmware_manifest.yaml",
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// parsePathsConfig reads asset paths from the environment only: these
// describe the deployment, not a single invocation, so they don't belong
// on the per-verb flag set below.
func parsePathsConfig() pathsConfig {
	def := defaultPathsConfig()
	return pathsConfig{
		DeviceCatalogPath:    getenv("IRONCLAD_DEVICE_CATALOG", def.DeviceCatalogPath),
		BiosTemplatesPath:    getenv("IRONCLAD_BIOS_TEMPLATES", def.BiosTemplatesPath),
		FirmwareManifestPath: getenv("IRONCLAD_FIRMWARE_MANIFEST", def.FirmwareManifestPath),
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  ironclad provision start <machine_id> [--device-type X] [--ipmi-ip Y] [--kind commission|bios_only|firmware_first|ipmi_only]
  ironclad provision cancel <workflow_id>
  ironclad provision status <workflow_id>`)
}

func buildOrchestrator(ctx context.Context, paths pathsConfig) (*orchestrator.Orchestrator, *store.Store, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(ctx, cfg.StoreDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	catalog, err := registry.Load(paths.DeviceCatalogPath)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("load device catalog: %w", err)
	}
	tmpls, err := registry.LoadBiosTemplates(paths.BiosTemplatesPath)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("load bios templates: %w", err)
	}
	fwManifest, err := registry.LoadFirmwareManifest(paths.FirmwareManifestPath)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("load firmware manifest: %w", err)
	}

	passphrase := cfg.CredentialPassphrase
	if passphrase == "" {
		passphrase = "ironclad-default-dev-passphrase"
		log.Printf("IRONCLAD_CREDENTIAL_PASSPHRASE not set; using an insecure development default")
	}
	vault, err := crypto.NewVault(passphrase)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("build credential vault: %w", err)
	}

	pool := transport.NewPool(cfg.SSHPoolIdleEvict, cfg.SSHMaxSessionsPerHost)
	eng := workflow.New(workflow.Config{
		StepTimeoutDefault:  cfg.StepTimeoutDefault,
		StepTimeoutFirmware: cfg.StepTimeoutFirmware,
		CancelGracePeriod:   cfg.CancelGracePeriod,
	}, st)

	// No real inventory backend is in scope (spec.md §6); the fake client
	// lets `provision start` work against machines seeded directly in the
	// store, and gives operators a concrete seam to swap a real one into.
	maasClient := maas.NewFakeClient()

	orch := orchestrator.New(cfg, st, eng, pool, catalog, tmpls, fwManifest, vault, maasClient)
	if n, err := orch.ReconcileOrphaned(ctx); err != nil {
		log.Printf("reconcile orphaned workflows: %v", err)
	} else if n > 0 {
		log.Printf("reconciled %d orphaned workflow(s) as failed", n)
	}
	return orch, st, nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[ironclad] ")

	if len(os.Args) < 3 || os.Args[1] != "provision" {
		usage()
		os.Exit(exitValidation)
	}
	verb := os.Args[2]
	rest := os.Args[3:]

	var deviceType, ipmiIP, kind string
	fs := flag.NewFlagSet("provision "+verb, flag.ExitOnError)
	fs.StringVar(&deviceType, "device-type", "", "override the auto-selected device type")
	fs.StringVar(&ipmiIP, "ipmi-ip", "", "BMC address, when not already known to inventory")
	fs.StringVar(&kind, "kind", string(models.KindCommission), "workflow kind: commission|bios_only|firmware_first|ipmi_only")
	paths := parsePathsConfig()
	if err := fs.Parse(rest); err != nil {
		os.Exit(exitValidation)
	}
	args := fs.Args()
	if len(args) < 1 {
		usage()
		os.Exit(exitValidation)
	}
	target := args[0]
	// flag stops at the first positional argument; parse again so flags
	// after it (`start <machine_id> --device-type X`) take effect.
	if err := fs.Parse(args[1:]); err != nil {
		os.Exit(exitValidation)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	orch, st, err := buildOrchestrator(ctx, paths)
	if err != nil {
		log.Printf("startup failed: %v", err)
		os.Exit(exitValidation)
	}
	defer st.Close()

	switch verb {
	case "start":
		os.Exit(runStart(ctx, orch, st, target, deviceType, ipmiIP, models.WorkflowKind(kind)))
	case "cancel":
		os.Exit(runCancel(orch, target))
	case "status":
		os.Exit(runStatus(ctx, orch, target))
	default:
		usage()
		os.Exit(exitValidation)
	}
}

func runStart(ctx context.Context, orch *orchestrator.Orchestrator, st *store.Store, machineID, deviceType, ipmiIP string, kind models.WorkflowKind) int {
	switch kind {
	case models.KindCommission, models.KindBiosOnly, models.KindFirmwareFirst, models.KindIpmiOnly:
	default:
		log.Printf("unknown workflow kind %q", kind)
		return exitValidation
	}

	if ipmiIP != "" {
		if err := recordIPMIAddress(ctx, st, machineID, ipmiIP); err != nil {
			log.Printf("record ipmi address: %v", err)
			return exitValidation
		}
	}

	opts := orchestrator.StartOptions{
		DeviceType:   deviceType,
		SSHUsername:  os.Getenv("IRONCLAD_SSH_USERNAME"),
		SSHPassword:  os.Getenv("IRONCLAD_SSH_PASSWORD"),
		IPMIUsername: os.Getenv("IRONCLAD_IPMI_USERNAME"),
		IPMIPassword: os.Getenv("IRONCLAD_IPMI_PASSWORD"),
	}
	wf, err := orch.StartProvision(ctx, machineID, kind, opts)
	if err != nil {
		var busy *models.EndpointBusy
		if errors.As(err, &busy) {
			log.Printf("start provision: %v", err)
			return exitValidation
		}
		log.Printf("start provision: %v", err)
		return exitRemote
	}
	printJSON(wf)
	return exitSuccess
}

// recordIPMIAddress lets an operator supply a BMC address the inventory
// service doesn't know about yet, ahead of starting a workflow.
func recordIPMIAddress(ctx context.Context, st *store.Store, machineID, ipmiAddress string) error {
	m, err := st.GetMachine(ctx, machineID)
	if errors.Is(err, store.ErrNotFound) {
		now := time.Now().UTC()
		m = models.MachineRecord{MachineID: machineID, Status: models.MachineDiscovered, CreatedAt: now}
	} else if err != nil {
		return fmt.Errorf("look up machine: %w", err)
	}
	m.IPMIAddress = ipmiAddress
	m.UpdatedAt = time.Now().UTC()
	return st.UpsertMachine(ctx, m)
}

func runCancel(orch *orchestrator.Orchestrator, workflowID string) int {
	if !orch.Cancel(workflowID) {
		log.Printf("workflow %s is not running", workflowID)
		return exitValidation
	}
	fmt.Printf("cancellation requested for %s\n", workflowID)
	return exitSuccess
}

func runStatus(ctx context.Context, orch *orchestrator.Orchestrator, workflowID string) int {
	wf, err := orch.Status(ctx, workflowID)
	if err != nil {
		log.Printf("status: %v", err)
		return exitValidation
	}
	printJSON(wf)
	switch wf.State {
	case models.WorkflowSucceeded:
		return exitSuccess
	case models.WorkflowCancelled:
		return exitCancelled
	case models.WorkflowFailed:
		return exitRemote
	default:
		return exitSuccess
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
