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

package registry

import (
	"testing"

	"github.com/mattcburns-labs/ironclad/pkg/models"
)

const sampleTemplateLibrary = `
bios_templates:
  - ref: smc-6029p-trt-standard
    device_type: smc-sys-6029p-trt
    settings:
      - name: boot_mode
        target_value: UEFI
      - name: hyperthreading
        target_value: Enabled
        preserve_if_present: true
  - ref: dell-r740-standard
    device_type: dell-r740
    settings:
      - name: BootMode
        target_value: Uefi
`

func TestParseBiosTemplatesKeyedByRef(t *testing.T) {
	templates, err := ParseBiosTemplates([]byte(sampleTemplateLibrary))
	if err != nil {
		t.Fatalf("ParseBiosTemplates failed: %v", err)
	}
	if len(templates) != 2 {
		t.Fatalf("len(templates) = %d, want 2", len(templates))
	}
	tmpl, ok := templates["smc-6029p-trt-standard"]
	if !ok {
		t.Fatal("missing smc-6029p-trt-standard")
	}
	if tmpl.DeviceType != "smc-sys-6029p-trt" || len(tmpl.Settings) != 2 {
		t.Fatalf("template = %+v", tmpl)
	}
	if tmpl.Settings[1].Name != "hyperthreading" || !tmpl.Settings[1].PreserveIfPresent {
		t.Fatalf("settings[1] = %+v", tmpl.Settings[1])
	}
}

const sampleManifestYAML = `
firmware:
  - device_type: smc-sys-6029p-trt
    component: bmc
    version: "1.2"
    url: http://repo/bmc-1.2.bin
    method: redfish
    advisory: security
  - device_type: smc-sys-6029p-trt
    component: bios
    version: "3.4"
    url: http://repo/bios-3.4.rom
    sha256: deadbeef
    method: vendor_tool
    advisory: recommended
`

func TestParseFirmwareManifest(t *testing.T) {
	entries, err := ParseFirmwareManifest([]byte(sampleManifestYAML))
	if err != nil {
		t.Fatalf("ParseFirmwareManifest failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Component != "bmc" || entries[0].Method != models.MethodRedfish {
		t.Fatalf("entries[0] = %+v", entries[0])
	}
	if entries[1].SHA256 != "deadbeef" {
		t.Fatalf("entries[1].SHA256 = %q, want deadbeef", entries[1].SHA256)
	}
}
