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

// Package models holds the data types shared across the provisioning
// orchestrator: machine and workflow records, the hardware/device-type
// catalog shapes, and the BIOS template format. These are plain data
// structures; behavior lives in the component packages that operate on
// them (internal/workflow, internal/bios, internal/discovery, ...).
package models

import (
	"time"

	"github.com/mattcburns-labs/ironclad/pkg/crypto"
)

// MachineStatus is the lifecycle state of a MachineRecord.
type MachineStatus string

const (
	MachineDiscovered      MachineStatus = "discovered"
	MachineCommissioning   MachineStatus = "commissioning"
	MachineBiosPending     MachineStatus = "bios_pending"
	MachineFirmwarePending MachineStatus = "firmware_pending"
	MachineReady           MachineStatus = "ready"
	MachineFailed          MachineStatus = "failed"
)

// MachineRecord is the soft-state record for a machine known to the
// orchestrator. It is created on first observation and never deleted;
// only the owning workflow may mutate it.
type MachineRecord struct {
	MachineID       string        `json:"machine_id" db:"machine_id"`
	DeviceType      string        `json:"device_type,omitempty" db:"device_type"`
	IPAddress       string        `json:"ip_address,omitempty" db:"ip_address"`
	IPMIAddress     string        `json:"ipmi_ip,omitempty" db:"ipmi_ip"`
	Vendor          string        `json:"vendor,omitempty" db:"vendor"`
	Status          MachineStatus `json:"status" db:"status"`
	LastWorkflowID  string        `json:"last_workflow_id,omitempty" db:"last_workflow_id"`
	RackLocation    string        `json:"rack_location,omitempty" db:"rack_location"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at" db:"updated_at"`
}

// WorkflowKind selects which template of steps a Workflow executes.
type WorkflowKind string

const (
	KindCommission    WorkflowKind = "commission"
	KindBiosOnly      WorkflowKind = "bios_only"
	KindFirmwareFirst WorkflowKind = "firmware_first"
	KindIpmiOnly      WorkflowKind = "ipmi_only"
)

// WorkflowState is the lifecycle state of a Workflow. Succeeded, Failed,
// and Cancelled are terminal: once reached, no field of the Workflow
// mutates again.
type WorkflowState string

const (
	WorkflowPending    WorkflowState = "pending"
	WorkflowRunning    WorkflowState = "running"
	WorkflowCancelling WorkflowState = "cancelling"
	WorkflowSucceeded  WorkflowState = "succeeded"
	WorkflowFailed     WorkflowState = "failed"
	WorkflowCancelled  WorkflowState = "cancelled"
)

// IsTerminal reports whether state is one of Succeeded, Failed, Cancelled.
func (s WorkflowState) IsTerminal() bool {
	switch s {
	case WorkflowSucceeded, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of a single Step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Substep is a fine-grained progress entry attached to a Step.
type Substep struct {
	Name    string     `json:"name"`
	Status  StepStatus `json:"status"`
	Message string     `json:"message,omitempty"`
}

// Step is one unit of work in a Workflow's linear step list.
type Step struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Status      StepStatus `json:"status"`
	Substeps    []Substep  `json:"substeps,omitempty"`
	RetriesUsed int        `json:"retries_used"`
	MaxRetries  int        `json:"max_retries"`
	Timeout     time.Duration `json:"timeout"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Error       *StepError `json:"error,omitempty"`
}

// StepError is the structured, persisted form of a step-terminating error.
type StepError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Step    string `json:"step,omitempty"`
	Substep string `json:"substep,omitempty"`
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	return e.Kind + ": " + e.Message
}

// Workflow is an ordered, observable, cancellable execution over one
// machine. Only its owning execution goroutine and the cancel signal
// mutate it.
type Workflow struct {
	ID               string          `json:"id" db:"id"`
	MachineID        string          `json:"machine_id" db:"machine_id"`
	Kind             WorkflowKind    `json:"kind" db:"kind"`
	Steps            []Step          `json:"steps"`
	CurrentStepIndex int             `json:"current_step_index" db:"current_step_index"`
	State            WorkflowState   `json:"state" db:"state"`
	StartedAt        time.Time       `json:"started_at" db:"started_at"`
	EndedAt          *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
	Context          *WorkflowContext `json:"context"`
	Error            *StepError      `json:"error,omitempty"`
}

// WorkflowContext is the key-value scratchpad carried through a
// Workflow's steps. HardwareReport, once set, is read-only for the rest
// of the workflow (spec invariant). Credentials are carried by opaque
// crypto.Handle, never plaintext.
type WorkflowContext struct {
	Hardware          *HardwareReport  `json:"hardware,omitempty"`
	DeviceType        string           `json:"device_type,omitempty"`
	IPMICredential    crypto.Handle    `json:"ipmi_credential,omitempty"`
	SSHCredential     crypto.Handle    `json:"ssh_credential,omitempty"`
	PreserveList      []string         `json:"preserve_list,omitempty"`
	DryRun            bool             `json:"dry_run,omitempty"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// SystemInfo is the dmidecode-derived system identity block of a
// HardwareReport.
type SystemInfo struct {
	Manufacturer string `json:"manufacturer"`
	Product      string `json:"product"`
	Serial       string `json:"serial"`
	UUID         string `json:"uuid"`
	BIOSVersion  string `json:"bios_version"`
	BIOSDate     string `json:"bios_date"`
}

// CPUInfo summarizes /proc/cpuinfo.
type CPUInfo struct {
	Model      string `json:"model"`
	Sockets    int    `json:"sockets"`
	CoresTotal int    `json:"cores_total"`
}

// MemoryInfo summarizes /proc/meminfo and dmidecode memory-device output.
type MemoryInfo struct {
	TotalBytes uint64    `json:"total_bytes"`
	Dimms      []DimmInfo `json:"dimms,omitempty"`
}

// DimmInfo is one populated memory slot.
type DimmInfo struct {
	Locator   string `json:"locator"`
	SizeBytes uint64 `json:"size_bytes"`
	Speed     string `json:"speed,omitempty"`
}

// NIC is one discovered network interface.
type NIC struct {
	Name  string `json:"name"`
	MAC   string `json:"mac"`
	IP    string `json:"ip,omitempty"`
	State string `json:"state,omitempty"`
}

// IPMIInfo is the discovered IPMI/BMC LAN channel configuration.
type IPMIInfo struct {
	Channel int    `json:"channel,omitempty"`
	IP      string `json:"ip,omitempty"`
	Netmask string `json:"netmask,omitempty"`
	Gateway string `json:"gateway,omitempty"`
	MAC     string `json:"mac,omitempty"`
	VLAN    int    `json:"vlan,omitempty"`
}

// StorageController is one discovered storage controller/HBA.
type StorageController struct {
	Model string `json:"model"`
	Driver string `json:"driver,omitempty"`
}

// HardwareReport is the normalized discovery snapshot. Once placed in a
// Workflow's context it is immutable for the remainder of the workflow.
type HardwareReport struct {
	System             SystemInfo          `json:"system"`
	CPU                CPUInfo             `json:"cpu"`
	Memory             MemoryInfo          `json:"memory"`
	NICs               []NIC               `json:"nics,omitempty"`
	IPMI               IPMIInfo            `json:"ipmi"`
	StorageControllers []StorageController `json:"storage_controllers,omitempty"`
	VendorExtras       map[string]string   `json:"vendor_extras,omitempty"`
	Warnings           []string            `json:"warnings,omitempty"`
}

// DeviceType is one entry of the unified device catalog.
type DeviceType struct {
	ID                string            `yaml:"id" json:"id"`
	Vendor            string            `yaml:"vendor" json:"vendor"`
	Motherboard       string            `yaml:"motherboard" json:"motherboard"`
	CPUSockets        int               `yaml:"cpu_sockets" json:"cpu_sockets"`
	MemorySlots       int               `yaml:"memory_slots" json:"memory_slots"`
	StorageBays       int               `yaml:"storage_bays" json:"storage_bays"`
	BiosTemplateRef   string            `yaml:"bios_template_ref" json:"bios_template_ref"`
	FirmwarePolicyRef string            `yaml:"firmware_policy_ref" json:"firmware_policy_ref"`
	DetectionHints    map[string]string `yaml:"detection_hints" json:"detection_hints,omitempty"`
}

// BiosSetting is one desired-state rule within a BiosTemplate.
type BiosSetting struct {
	Name              string `yaml:"name" json:"name"`
	TargetValue       string `yaml:"target_value" json:"target_value"`
	Required          *bool  `yaml:"required,omitempty" json:"required,omitempty"`
	PreserveIfPresent bool   `yaml:"preserve_if_present" json:"preserve_if_present"`
}

// IsRequired reports whether the setting is required (defaults to true
// when unspecified, per spec.md §4.6 step 4: unknown keys fail closed
// unless the template marks required=false).
func (s BiosSetting) IsRequired() bool {
	return s.Required == nil || *s.Required
}

// BiosTemplate is an operator-authored desired BIOS state for one device
// type, expressed over an abstract setting-name space.
type BiosTemplate struct {
	DeviceType             string        `yaml:"device_type" json:"device_type"`
	Settings               []BiosSetting `yaml:"settings" json:"settings"`
	VendorSpecificPrologue string        `yaml:"vendor_specific_prologue,omitempty" json:"vendor_specific_prologue,omitempty"`
	VendorSpecificEpilogue string        `yaml:"vendor_specific_epilogue,omitempty" json:"vendor_specific_epilogue,omitempty"`
}

// FirmwareMethod is how a firmware Update is applied.
type FirmwareMethod string

const (
	MethodRedfish    FirmwareMethod = "redfish"
	MethodVendorTool FirmwareMethod = "vendor_tool"
)

// FirmwarePolicy selects which firmware updates a plan includes.
type FirmwarePolicy string

const (
	PolicyManual       FirmwarePolicy = "manual"
	PolicyRecommended  FirmwarePolicy = "recommended"
	PolicyLatest       FirmwarePolicy = "latest"
	PolicySecurityOnly FirmwarePolicy = "security_only"
)

// FirmwareManifestEntry is one row of the firmware repository manifest.
type FirmwareManifestEntry struct {
	DeviceType string         `yaml:"device_type" json:"device_type"`
	Component  string         `yaml:"component" json:"component"`
	Version    string         `yaml:"version" json:"version"`
	URL        string         `yaml:"url" json:"url"`
	SHA256     string         `yaml:"sha256" json:"sha256"`
	Method     FirmwareMethod `yaml:"method" json:"method"`
	Advisory   string         `yaml:"advisory,omitempty" json:"advisory,omitempty"`
}

// FirmwareUpdate is one planned update action, ordered by PlanUpdates.
type FirmwareUpdate struct {
	Component      string         `json:"component"`
	CurrentVersion string         `json:"current_version"`
	TargetVersion  string         `json:"target_version"`
	Method         FirmwareMethod `json:"method"`
	ArtifactURL    string         `json:"artifact_url"`
	Checksum       string         `json:"checksum"`
	ForceReboot    bool           `json:"force_reboot"`
}

// BmcInfo is the unified shape returned by both IPMI and Redfish adapters.
type BmcInfo struct {
	Vendor      string `json:"vendor"`
	Model       string `json:"model"`
	BmcVersion  string `json:"bmc_version"`
	BiosVersion string `json:"bios_version"`
	MAC         string `json:"mac"`
	IP          string `json:"ip"`
}
