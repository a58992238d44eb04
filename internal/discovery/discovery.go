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

// Package discovery produces a normalized HardwareReport by running a
// fixed, ordered set of commands over SSH against the target machine.
// Every parser here is defensive: a missing or unparseable field becomes
// an empty string rather than an error, because dmidecode/ipmitool output
// varies wildly across vendors and firmware revisions. A step either
// completes with whatever it could gather, or fails outright on a
// transport-level error -- there is no partial-failure return type.
package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mattcburns-labs/ironclad/internal/ipmi"
	"github.com/mattcburns-labs/ironclad/internal/metrics"
	"github.com/mattcburns-labs/ironclad/internal/transport"
	"github.com/mattcburns-labs/ironclad/pkg/models"
)

// Discoverer runs the fixed discovery command set against one host.
type Discoverer struct {
	pool    *transport.Pool
	host    string
	port    int
	creds   transport.Credentials
	timeout time.Duration
}

// NewDiscoverer builds a Discoverer for host.
func NewDiscoverer(pool *transport.Pool, host string, port int, creds transport.Credentials, timeout time.Duration) *Discoverer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Discoverer{pool: pool, host: host, port: port, creds: creds, timeout: timeout}
}

// Discover produces a HardwareReport. It is best-effort per spec.md §4.4:
// it returns an error only when it cannot reach the host at all; otherwise
// it returns whatever it gathered plus Warnings for anything that failed.
// A report missing system.manufacturer or system.product is not an error:
// it is returned with an "incomplete" warning and a nil error.
func (d *Discoverer) Discover(ctx context.Context) (models.HardwareReport, error) {
	var report models.HardwareReport
	var warnings []string

	dmi, err := d.exec(ctx, "sudo dmidecode")
	if err != nil {
		return models.HardwareReport{}, fmt.Errorf("discovery: dmidecode: %w", err)
	}
	report.System = parseDMISystem(dmi)
	report.Memory.Dimms = parseDMIMemory(dmi)

	cpuinfo, err := d.exec(ctx, "cat /proc/cpuinfo")
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("cpuinfo: %v", err))
	} else {
		report.CPU = parseCPUInfo(cpuinfo)
	}

	meminfo, err := d.exec(ctx, "cat /proc/meminfo")
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("meminfo: %v", err))
	} else {
		report.Memory.TotalBytes = parseMemInfoTotal(meminfo)
	}

	linkOut, linkErr := d.exec(ctx, "ip -o link show")
	addrOut, addrErr := d.exec(ctx, "ip -o addr show")
	if linkErr != nil && addrErr != nil {
		warnings = append(warnings, fmt.Sprintf("ip link/addr: %v", linkErr))
	} else {
		report.NICs = parseIPLinkAndAddr(linkOut, addrOut)
	}

	ipmiClient := ipmi.NewClient(d.pool, d.host, d.port, d.creds, d.host, "", "", d.timeout)
	lan, lanWarnings, err := ipmiClient.DiscoverLan(ctx)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("ipmi: %v", err))
	} else {
		warnings = append(warnings, lanWarnings...)
		report.IPMI = models.IPMIInfo{
			Channel: lan.Channel,
			IP:      lan.IP,
			Netmask: lan.Netmask,
			Gateway: lan.Gateway,
			MAC:     lan.MAC,
			VLAN:    parseVLAN(lan.VLAN),
		}
	}

	report.VendorExtras, warnings = d.vendorAugment(ctx, report.System.Manufacturer, warnings)
	report.Warnings = warnings

	if report.System.Manufacturer == "" || report.System.Product == "" {
		warnings = append(warnings, "incomplete: system.manufacturer/product not discovered")
		report.Warnings = warnings
	}
	return report, nil
}

// vendorAugment dispatches on the discovered manufacturer to run
// vendor-specific enrichment commands (spec.md §4.4). Each command gets
// its own timeout; a failing enrichment becomes a warning, never a fatal
// error, since this is best-effort extra detail on top of the base report.
func (d *Discoverer) vendorAugment(ctx context.Context, manufacturer string, warnings []string) (map[string]string, []string) {
	extras := make(map[string]string)
	vendor := strings.ToLower(manufacturer)

	var cmd, key string
	switch {
	case strings.Contains(vendor, "supermicro"):
		cmd, key = "sumtool --show_bios_info", "supermicro_bios_info"
	case strings.Contains(vendor, "hp") || strings.Contains(vendor, "hpe"):
		cmd, key = "ssacli ctrl all show", "hpe_storage_controllers"
	case strings.Contains(vendor, "dell"):
		cmd, key = "racadm get BIOS", "dell_bios_settings"
	default:
		return extras, warnings
	}

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	res, err := d.pool.Exec(runCtx, d.host, d.port, d.creds, cmd, d.timeout)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("vendor augment (%s): %v", cmd, err))
		return extras, warnings
	}
	extras[key] = strings.TrimSpace(res.Stdout)
	return extras, warnings
}

func (d *Discoverer) exec(ctx context.Context, cmd string) (string, error) {
	start := time.Now()
	res, err := d.pool.Exec(ctx, d.host, d.port, d.creds, cmd, d.timeout)
	code := res.ExitCode
	if err != nil {
		code = -1
	}
	metrics.ObserveRemoteOp(metrics.OpDiscoverHW, "", code, time.Since(start))
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

func parseVLAN(vlan string) int {
	n, err := strconv.Atoi(strings.TrimSpace(vlan))
	if err != nil {
		return 0
	}
	return n
}

func parseDMISystem(dmi string) models.SystemInfo {
	var sys models.SystemInfo
	section := extractSection(dmi, "System Information")
	sys.Manufacturer = fieldValue(section, "Manufacturer")
	sys.Product = fieldValue(section, "Product Name")
	sys.Serial = fieldValue(section, "Serial Number")
	sys.UUID = fieldValue(section, "UUID")

	biosSection := extractSection(dmi, "BIOS Information")
	sys.BIOSVersion = fieldValue(biosSection, "Version")
	sys.BIOSDate = fieldValue(biosSection, "Release Date")
	return sys
}

// extractSection returns the dmidecode block starting at a "Handle 0x...,
// DMI type N, ... bytes\n<Header>" line whose header matches name, up to
// the next blank line.
func extractSection(dmi, header string) string {
	lines := strings.Split(dmi, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == header {
			var b strings.Builder
			for j := i + 1; j < len(lines); j++ {
				if strings.TrimSpace(lines[j]) == "" {
					break
				}
				b.WriteString(lines[j])
				b.WriteString("\n")
			}
			return b.String()
		}
	}
	return ""
}

func fieldValue(section, key string) string {
	for _, line := range strings.Split(section, "\n") {
		trimmed := strings.TrimSpace(line)
		prefix := key + ":"
		if strings.HasPrefix(trimmed, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
		}
	}
	return ""
}

func parseDMIMemory(dmi string) []models.DimmInfo {
	var dimms []models.DimmInfo
	lines := strings.Split(dmi, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) != "Memory Device" {
			continue
		}
		var sectionLines []string
		for j := i + 1; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == "" {
				break
			}
			sectionLines = append(sectionLines, lines[j])
		}
		section := strings.Join(sectionLines, "\n")
		size := fieldValue(section, "Size")
		if size == "" || strings.EqualFold(size, "No Module Installed") {
			continue
		}
		dimms = append(dimms, models.DimmInfo{
			Locator:   fieldValue(section, "Locator"),
			SizeBytes: parseDimmSize(size),
			Speed:     fieldValue(section, "Speed"),
		})
	}
	return dimms
}

func parseDimmSize(s string) uint64 {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return 0
	}
	n, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0
	}
	switch strings.ToUpper(fields[1]) {
	case "MB":
		return n * 1 << 20
	case "GB":
		return n * 1 << 30
	default:
		return n
	}
}

// parseCPUInfo derives socket count from the number of distinct
// "physical id" values and core count from the number of "processor"
// entries, per spec.md §4.4.
func parseCPUInfo(cpuinfo string) models.CPUInfo {
	sockets := make(map[string]struct{})
	cores := 0
	model := ""
	for _, line := range strings.Split(cpuinfo, "\n") {
		key, val, ok := splitColonField(line)
		if !ok {
			continue
		}
		switch key {
		case "physical id":
			sockets[val] = struct{}{}
		case "processor":
			cores++
		case "model name":
			if model == "" {
				model = val
			}
		}
	}
	return models.CPUInfo{Model: model, Sockets: len(sockets), CoresTotal: cores}
}

func splitColonField(line string) (key, val string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	val = strings.TrimSpace(line[idx+1:])
	if key == "" {
		return "", "", false
	}
	return key, val, true
}

func parseMemInfoTotal(meminfo string) uint64 {
	for _, line := range strings.Split(meminfo, "\n") {
		key, val, ok := splitColonField(line)
		if !ok || key != "MemTotal" {
			continue
		}
		fields := strings.Fields(val)
		if len(fields) == 0 {
			return 0
		}
		n, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0
		}
		unit := "kb"
		if len(fields) > 1 {
			unit = strings.ToLower(fields[1])
		}
		if unit == "kb" {
			return n * 1024
		}
		return n
	}
	return 0
}

// parseIPLinkAndAddr merges `ip -o link show` (interface name, MAC, state)
// with `ip -o addr show` (IPv4 addresses) into NICs, skipping loopback.
func parseIPLinkAndAddr(linkOut, addrOut string) []models.NIC {
	byName := make(map[string]*models.NIC)
	var order []string

	get := func(name string) *models.NIC {
		nic, ok := byName[name]
		if !ok {
			nic = &models.NIC{Name: name}
			byName[name] = nic
			order = append(order, name)
		}
		return nic
	}

	for _, line := range strings.Split(linkOut, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimSuffix(fields[1], ":")
		if name == "" || name == "lo" {
			continue
		}
		nic := get(name)
		for i, f := range fields {
			if f == "link/ether" && i+1 < len(fields) {
				nic.MAC = fields[i+1]
			}
		}
		switch {
		case strings.Contains(line, "state UP"):
			nic.State = "up"
		case strings.Contains(line, "state DOWN"):
			nic.State = "down"
		}
	}

	for _, line := range strings.Split(addrOut, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		name := strings.TrimSuffix(fields[1], ":")
		if name == "" || name == "lo" {
			continue
		}
		nic := get(name)
		for i, f := range fields {
			if f == "inet" && i+1 < len(fields) {
				nic.IP = strings.SplitN(fields[i+1], "/", 2)[0]
			}
		}
	}

	nics := make([]models.NIC, 0, len(order))
	for _, name := range order {
		nics = append(nics, *byName[name])
	}
	return nics
}
