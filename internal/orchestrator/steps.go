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

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/mattcburns-labs/ironclad/internal/bios"
	"github.com/mattcburns-labs/ironclad/internal/discovery"
	"github.com/mattcburns-labs/ironclad/internal/firmware"
	"github.com/mattcburns-labs/ironclad/internal/ipmi"
	"github.com/mattcburns-labs/ironclad/internal/redfishmgmt"
	"github.com/mattcburns-labs/ironclad/internal/toolprovision"
	"github.com/mattcburns-labs/ironclad/internal/transport"
	"github.com/mattcburns-labs/ironclad/internal/workflow"
	"github.com/mattcburns-labs/ironclad/pkg/maas"
	"github.com/mattcburns-labs/ironclad/pkg/models"
)

// runCtx binds the orchestrator, vault, and per-workflow options a
// recipe's step closures need. It is built fresh for each StartProvision
// call and never shared between workflows.
type runCtx struct {
	o          *Orchestrator
	machineID  string
	workflowID string
	opts       StartOptions
}

// buildRecipe assembles the step list for kind.
func (rc *runCtx) buildRecipe(kind models.WorkflowKind) workflow.Recipe {
	switch kind {
	case models.KindBiosOnly:
		return workflow.Recipe{
			rc.stepGetServerIP(),
			rc.stepDiscoverHardware(),
			rc.stepInstallVendorTools(),
			rc.stepPullBios(),
			rc.stepMergeAndPushBios(),
			rc.stepFinalize(),
		}
	case models.KindFirmwareFirst:
		return workflow.Recipe{
			rc.stepGetServerIP(),
			rc.stepDiscoverHardware(),
			rc.stepInstallVendorTools(),
			rc.stepFirmwareUpdates(),
			rc.stepPullBios(),
			rc.stepMergeAndPushBios(),
			rc.stepFinalize(),
		}
	case models.KindIpmiOnly:
		return workflow.Recipe{
			rc.stepGetServerIP(),
			rc.stepDiscoverHardware(),
			rc.stepConfigureIpmi(),
			rc.stepFinalize(),
		}
	default: // models.KindCommission: the standard 9-step flow
		return workflow.Recipe{
			rc.stepCommission(),
			rc.stepGetServerIP(),
			rc.stepDiscoverHardware(),
			rc.stepInstallVendorTools(),
			rc.stepPullBios(),
			rc.stepMergeAndPushBios(),
			rc.stepFirmwareUpdates(),
			rc.stepConfigureIpmi(),
			rc.stepFinalize(),
		}
	}
}

// sshTarget resolves the host/port/credentials steps use to reach the
// target machine over SSH.
func (rc *runCtx) sshTarget(ctx context.Context, wfctx *models.WorkflowContext) (host string, port int, creds transport.Credentials, err error) {
	m, err := rc.o.store.GetMachine(ctx, rc.machineID)
	if err != nil {
		return "", 0, transport.Credentials{}, fmt.Errorf("look up machine: %w", err)
	}
	if m.IPAddress == "" {
		return "", 0, transport.Credentials{}, fmt.Errorf("machine %s has no IP address yet", rc.machineID)
	}
	pass := rc.opts.SSHPassword
	if wfctx.SSHCredential != "" {
		pass, err = rc.o.vault.Resolve(wfctx.SSHCredential)
		if err != nil {
			return "", 0, transport.Credentials{}, fmt.Errorf("resolve ssh credential: %w", err)
		}
	}
	user := rc.opts.SSHUsername
	if user == "" {
		user = rc.o.cfg.SSHUser
	}
	return m.IPAddress, rc.o.cfg.SSHPort, transport.Credentials{User: user, Password: pass}, nil
}

func (rc *runCtx) deviceType(wfctx *models.WorkflowContext) (models.DeviceType, bool) {
	return rc.o.catalog.Get(wfctx.DeviceType)
}

// needsVendorTool reports whether dt's BIOS template or any of its
// vendor_tool-method firmware entries require the in-band vendor tool.
func (rc *runCtx) needsVendorTool(dt models.DeviceType) bool {
	if dt.BiosTemplateRef != "" {
		return true
	}
	for _, entry := range rc.o.fwManifest {
		if entry.DeviceType == dt.ID && entry.Method == models.MethodVendorTool {
			return true
		}
	}
	return false
}

// stepCommission hands the machine to the inventory service for
// commissioning and marks it as such locally.
func (rc *runCtx) stepCommission() workflow.StepDef {
	return workflow.StepDef{
		Name:        "Commission",
		Description: "commission the machine with the inventory service",
		Run: func(ctx context.Context, wfctx *models.WorkflowContext) error {
			if err := rc.o.maas.Commission(ctx, rc.machineID, maas.CommissionOptions{Comment: rc.opts.CommissionComment}); err != nil {
				return fmt.Errorf("commission: %w", err)
			}
			if err := rc.o.maas.SetStatus(ctx, rc.machineID, "commissioning"); err != nil {
				return fmt.Errorf("set inventory status: %w", err)
			}
			return rc.updateMachine(ctx, func(m *models.MachineRecord) { m.Status = models.MachineCommissioning })
		},
	}
}

// stepGetServerIP reads the machine's assigned IP back from the
// inventory service, now that commissioning has had a chance to assign
// one.
func (rc *runCtx) stepGetServerIP() workflow.StepDef {
	return workflow.StepDef{
		Name:        "GetServerIp",
		Description: "read the machine's provisioned IP address",
		Run: func(ctx context.Context, wfctx *models.WorkflowContext) error {
			ip, err := rc.o.maas.GetIp(ctx, rc.machineID)
			if err != nil {
				return fmt.Errorf("get server ip: %w", err)
			}
			if ip == "" {
				return fmt.Errorf("inventory service returned no IP for %s", rc.machineID)
			}
			return rc.updateMachine(ctx, func(m *models.MachineRecord) { m.IPAddress = ip })
		},
	}
}

// stepDiscoverHardware runs the fixed discovery command set and matches
// the result against the device-type catalog, auto-selecting a device
// type when the match confidence clears the configured threshold.
func (rc *runCtx) stepDiscoverHardware() workflow.StepDef {
	return workflow.StepDef{
		Name:        "DiscoverHardware",
		Description: "gather hardware inventory and match it to a device type",
		Run: func(ctx context.Context, wfctx *models.WorkflowContext) error {
			host, port, creds, err := rc.sshTarget(ctx, wfctx)
			if err != nil {
				return err
			}
			d := discovery.NewDiscoverer(rc.o.pool, host, port, creds, rc.o.cfg.SSHExecTimeout)
			hw, err := d.Discover(ctx)
			if err != nil {
				return fmt.Errorf("discover hardware: %w", err)
			}
			wfctx.Hardware = &hw

			deviceType := rc.opts.DeviceType
			if deviceType == "" {
				candidates := rc.o.catalog.Match(hw)
				if len(candidates) == 0 || candidates[0].Confidence < rc.o.cfg.AutoSelectConfidence {
					return fmt.Errorf("no device type matched hardware with confidence >= %.2f; an operator must supply DeviceType explicitly", rc.o.cfg.AutoSelectConfidence)
				}
				deviceType = candidates[0].DeviceType
			}
			wfctx.DeviceType = deviceType

			return rc.updateMachine(ctx, func(m *models.MachineRecord) {
				m.DeviceType = deviceType
				if hw.System.Manufacturer != "" {
					m.Vendor = hw.System.Manufacturer
				}
			})
		},
	}
}

// stepInstallVendorTools ensures the BIOS/firmware vendor tool is present
// on the target ahead of time, so a missing tool is diagnosed before any
// destructive BIOS step begins. Under DegradeToDummy a missing tool marks
// the workflow context instead of failing the step, and downstream BIOS
// steps skip themselves accordingly.
func (rc *runCtx) stepInstallVendorTools() workflow.StepDef {
	return workflow.StepDef{
		Name:        "InstallVendorTools",
		Description: "ensure the vendor BIOS/firmware tool is installed on the target",
		SkipWhen: func(wfctx *models.WorkflowContext) bool {
			dt, ok := rc.deviceType(wfctx)
			return !ok || !rc.needsVendorTool(dt)
		},
		Run: func(ctx context.Context, wfctx *models.WorkflowContext) error {
			dt, ok := rc.deviceType(wfctx)
			if !ok {
				return fmt.Errorf("unknown device type %q", wfctx.DeviceType)
			}
			tool, installPath, err := toolSpecForVendor(dt.Vendor, rc.opts.ToolURLs[dt.Vendor])
			if err != nil {
				return err
			}
			host, port, creds, err := rc.sshTarget(ctx, wfctx)
			if err != nil {
				return err
			}
			installer := toolprovision.NewInstaller(rc.o.pool, host, port, creds, rc.o.cfg.SSHExecTimeout)
			err = installer.Ensure(ctx, toolprovision.Spec{Tool: tool, URLs: rc.opts.ToolURLs[dt.Vendor], InstallPath: installPath})
			if err == nil {
				wfctx.Extra["vendor_tools_available"] = "true"
				return nil
			}
			var unavailable *models.ToolUnavailable
			if errors.As(err, &unavailable) && degradationOf(wfctx) == DegradeToDummy {
				wfctx.Extra["vendor_tools_available"] = "false"
				return nil
			}
			return fmt.Errorf("install vendor tools: %w", err)
		},
	}
}

func degradationOf(wfctx *models.WorkflowContext) DegradationPolicy {
	return DegradationPolicy(wfctx.Extra["degradation_policy"])
}

// stepPullBios is a pre-flight connectivity check: it pulls the live BIOS
// configuration once so transport/tool failures surface before the
// merge-and-push step attempts a write.
func (rc *runCtx) stepPullBios() workflow.StepDef {
	return workflow.StepDef{
		Name:        "PullBios",
		Description: "pull the live BIOS configuration for a pre-flight check",
		SkipWhen: func(wfctx *models.WorkflowContext) bool {
			dt, ok := rc.deviceType(wfctx)
			return !ok || dt.BiosTemplateRef == "" || wfctx.Extra["vendor_tools_available"] == "false"
		},
		Run: func(ctx context.Context, wfctx *models.WorkflowContext) error {
			dt, ok := rc.deviceType(wfctx)
			if !ok {
				return fmt.Errorf("unknown device type %q", wfctx.DeviceType)
			}
			host, port, creds, err := rc.sshTarget(ctx, wfctx)
			if err != nil {
				return err
			}
			adapter, err := vendorAdapterFor(dt.Vendor, rc.o.pool, host, port, creds, rc.o.cfg.SSHExecTimeout, rc.opts.ToolURLs[dt.Vendor])
			if err != nil {
				return err
			}
			_, _, err = adapter.Pull(ctx, bios.PullTarget{Host: host, Port: port, Creds: creds})
			if err != nil {
				return fmt.Errorf("pull bios: %w", err)
			}
			return nil
		},
	}
}

// stepMergeAndPushBios runs the full pull -> merge template -> validate ->
// push -> verify pipeline.
func (rc *runCtx) stepMergeAndPushBios() workflow.StepDef {
	return workflow.StepDef{
		Name:        "MergeAndPushBios",
		Description: "merge the device type's BIOS template and push it",
		Timeout:     rc.o.cfg.StepTimeoutDefault,
		SkipWhen: func(wfctx *models.WorkflowContext) bool {
			dt, ok := rc.deviceType(wfctx)
			return !ok || dt.BiosTemplateRef == "" || wfctx.Extra["vendor_tools_available"] == "false"
		},
		Run: func(ctx context.Context, wfctx *models.WorkflowContext) error {
			dt, ok := rc.deviceType(wfctx)
			if !ok {
				return fmt.Errorf("unknown device type %q", wfctx.DeviceType)
			}
			tmpl, ok := rc.o.tmpls[dt.BiosTemplateRef]
			if !ok {
				return fmt.Errorf("no bios template registered for ref %q", dt.BiosTemplateRef)
			}
			host, port, creds, err := rc.sshTarget(ctx, wfctx)
			if err != nil {
				return err
			}
			adapter, err := vendorAdapterFor(dt.Vendor, rc.o.pool, host, port, creds, rc.o.cfg.SSHExecTimeout, rc.opts.ToolURLs[dt.Vendor])
			if err != nil {
				return err
			}
			_, err = bios.ApplyBios(ctx, adapter, nil, bios.PullTarget{Host: host, Port: port, Creds: creds}, tmpl, wfctx.PreserveList, wfctx.DryRun)
			if err != nil {
				return fmt.Errorf("apply bios: %w", err)
			}
			return nil
		},
	}
}

// stepFirmwareUpdates plans and applies the firmware delta for the
// matched device type's policy.
func (rc *runCtx) stepFirmwareUpdates() workflow.StepDef {
	return workflow.StepDef{
		Name:        "FirmwareUpdates",
		Description: "apply firmware updates selected by the device type's policy",
		Timeout:     rc.o.cfg.StepTimeoutFirmware,
		SkipWhen: func(wfctx *models.WorkflowContext) bool {
			dt, ok := rc.deviceType(wfctx)
			if !ok {
				return true
			}
			return models.FirmwarePolicy(dt.FirmwarePolicyRef) == models.PolicyManual || dt.FirmwarePolicyRef == ""
		},
		Run: func(ctx context.Context, wfctx *models.WorkflowContext) error {
			dt, ok := rc.deviceType(wfctx)
			if !ok {
				return fmt.Errorf("unknown device type %q", wfctx.DeviceType)
			}
			m, err := rc.o.store.GetMachine(ctx, rc.machineID)
			if err != nil {
				return fmt.Errorf("look up machine: %w", err)
			}
			if m.IPMIAddress == "" {
				return fmt.Errorf("machine %s has no BMC address for firmware inventory", rc.machineID)
			}
			ipmiPass, err := rc.resolveIPMIPassword(wfctx)
			if err != nil {
				return err
			}

			rf, err := redfishmgmt.NewClient(redfishmgmt.Config{
				Endpoint:    "https://" + m.IPMIAddress,
				Username:    rc.ipmiUsername(),
				Password:    ipmiPass,
				Vendor:      dt.Vendor,
				InsecureTLS: rc.o.cfg.RedfishInsecureTLS,
				Timeout:     rc.o.cfg.SSHExecTimeout,
			})
			if err != nil {
				return fmt.Errorf("build redfish client: %w", err)
			}

			inventory, err := rf.FirmwareInventory(ctx)
			if err != nil {
				return fmt.Errorf("read firmware inventory: %w", err)
			}
			current := make(map[string]string, len(inventory))
			for _, item := range inventory {
				current[item.Name] = item.Version
			}

			policy := models.FirmwarePolicy(dt.FirmwarePolicyRef)
			plan := firmware.PlanUpdates(current, rc.o.fwManifest, dt.ID, policy)
			if len(plan) == 0 {
				return nil
			}

			host, port, creds, err := rc.sshTarget(ctx, wfctx)
			if err != nil {
				return err
			}
			applier := &dispatchApplier{
				redfish: firmware.NewRedfishApplier(rf, rc.o.cfg.RedfishTaskPollInterval, rc.o.cfg.RedfishTaskPollMax),
				vendor:  firmware.NewVendorToolApplier(rc.o.pool, host, port, creds, rc.o.cfg.SSHExecTimeout, flashCommandFor(dt.Vendor)),
			}
			reader := func(ctx context.Context, component string) (string, error) {
				items, err := rf.FirmwareInventory(ctx)
				if err != nil {
					return "", err
				}
				for _, item := range items {
					if item.Name == component {
						return item.Version, nil
					}
				}
				return "", fmt.Errorf("component %q not found in post-update inventory", component)
			}

			if _, err := firmware.ApplyPlan(ctx, plan, applier, reader); err != nil {
				return fmt.Errorf("apply firmware plan: %w", err)
			}
			return nil
		},
	}
}

// stepConfigureIpmi discovers the BMC's current LAN configuration,
// optionally rotates its password and pushes a static LAN assignment, and
// records what it learned back onto the hardware report.
func (rc *runCtx) stepConfigureIpmi() workflow.StepDef {
	return workflow.StepDef{
		Name:        "ConfigureIpmi",
		Description: "configure the BMC's LAN channel and credentials",
		Run: func(ctx context.Context, wfctx *models.WorkflowContext) error {
			m, err := rc.o.store.GetMachine(ctx, rc.machineID)
			if err != nil {
				return fmt.Errorf("look up machine: %w", err)
			}
			if m.IPMIAddress == "" {
				return fmt.Errorf("machine %s has no BMC address", rc.machineID)
			}
			host, port, creds, err := rc.sshTarget(ctx, wfctx)
			if err != nil {
				return err
			}
			ipmiPass, err := rc.resolveIPMIPassword(wfctx)
			if err != nil {
				return err
			}
			client := ipmi.NewClient(rc.o.pool, host, port, creds, m.IPMIAddress, rc.ipmiUsername(), ipmiPass, rc.o.cfg.SSHExecTimeout)

			lan, warnings, err := client.DiscoverLan(ctx)
			if err != nil {
				return fmt.Errorf("discover bmc lan: %w", err)
			}
			if rc.opts.IPMIPassword != "" {
				if err := client.SetPassword(ctx, 2, rc.opts.IPMIPassword); err != nil {
					return fmt.Errorf("set bmc password: %w", err)
				}
			}
			if _, err := client.ChassisStatus(ctx); err != nil {
				return fmt.Errorf("read chassis status: %w", err)
			}

			if wfctx.Hardware != nil {
				vlan, _ := strconv.Atoi(lan.VLAN)
				wfctx.Hardware.IPMI = models.IPMIInfo{
					Channel: lan.Channel,
					IP:      lan.IP,
					Netmask: lan.Netmask,
					Gateway: lan.Gateway,
					MAC:     lan.MAC,
					VLAN:    vlan,
				}
				wfctx.Hardware.Warnings = append(wfctx.Hardware.Warnings, warnings...)
			}
			return nil
		},
	}
}

// stepFinalize marks the machine ready. Reached only once every prior
// step in the recipe has succeeded or been skipped.
func (rc *runCtx) stepFinalize() workflow.StepDef {
	return workflow.StepDef{
		Name:        "Finalize",
		Description: "mark the machine ready for service",
		Run: func(ctx context.Context, wfctx *models.WorkflowContext) error {
			return rc.updateMachine(ctx, func(m *models.MachineRecord) {
				m.Status = models.MachineReady
				m.LastWorkflowID = rc.workflowID
			})
		},
	}
}

func (rc *runCtx) updateMachine(ctx context.Context, mutate func(*models.MachineRecord)) error {
	m, err := rc.o.store.GetMachine(ctx, rc.machineID)
	if err != nil {
		return fmt.Errorf("look up machine: %w", err)
	}
	mutate(&m)
	if err := rc.o.store.UpsertMachine(ctx, m); err != nil {
		return fmt.Errorf("save machine: %w", err)
	}
	return nil
}

func (rc *runCtx) ipmiUsername() string {
	if rc.opts.IPMIUsername != "" {
		return rc.opts.IPMIUsername
	}
	return "ADMIN"
}

func (rc *runCtx) resolveIPMIPassword(wfctx *models.WorkflowContext) (string, error) {
	if wfctx.IPMICredential != "" {
		return rc.o.vault.Resolve(wfctx.IPMICredential)
	}
	return rc.opts.IPMIPassword, nil
}
