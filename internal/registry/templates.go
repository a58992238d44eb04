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
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mattcburns-labs/ironclad/pkg/models"
)

// templateFile is the on-disk shape of the BIOS template library: a flat
// list under a top-level "bios_templates" key, one entry per
// DeviceType.BiosTemplateRef.
type templateFile struct {
	BiosTemplates []namedBiosTemplate `yaml:"bios_templates"`
}

type namedBiosTemplate struct {
	Ref                  string `yaml:"ref"`
	models.BiosTemplate `yaml:",inline"`
}

// LoadBiosTemplates reads the BIOS template library from path and returns
// it keyed by ref, matching DeviceType.BiosTemplateRef.
func LoadBiosTemplates(path string) (map[string]models.BiosTemplate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bios template library %s: %w", path, err)
	}
	return ParseBiosTemplates(raw)
}

// ParseBiosTemplates parses raw YAML bytes in the templateFile shape.
func ParseBiosTemplates(raw []byte) (map[string]models.BiosTemplate, error) {
	var f templateFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse bios template library: %w", err)
	}
	out := make(map[string]models.BiosTemplate, len(f.BiosTemplates))
	for _, t := range f.BiosTemplates {
		out[t.Ref] = t.BiosTemplate
	}
	return out, nil
}

// manifestFile is the on-disk shape of the firmware repository manifest:
// a flat list under a top-level "firmware" key.
type manifestFile struct {
	Firmware []models.FirmwareManifestEntry `yaml:"firmware"`
}

// LoadFirmwareManifest reads the firmware manifest from path.
func LoadFirmwareManifest(path string) ([]models.FirmwareManifestEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read firmware manifest %s: %w", path, err)
	}
	return ParseFirmwareManifest(raw)
}

// ParseFirmwareManifest parses raw YAML bytes in the manifestFile shape.
func ParseFirmwareManifest(raw []byte) ([]models.FirmwareManifestEntry, error) {
	var f manifestFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse firmware manifest: %w", err)
	}
	return f.Firmware, nil
}
