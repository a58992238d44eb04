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

// Package registry loads the unified device-type catalog from YAML and
// matches a discovered HardwareReport against it with a confidence score.
package registry

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattcburns-labs/ironclad/pkg/models"
)

// catalogFile is the on-disk shape of the device-type catalog: a flat list
// under a top-level "device_types" key.
type catalogFile struct {
	DeviceTypes []models.DeviceType `yaml:"device_types"`
}

// Catalog holds the loaded device-type entries, keyed by ID for exact
// lookups.
type Catalog struct {
	entries []models.DeviceType
	byID    map[string]models.DeviceType
}

// Load reads and parses a device-type catalog from path.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read catalog: %w", err)
	}
	return Parse(raw)
}

// Parse builds a Catalog from raw YAML bytes.
func Parse(raw []byte) (*Catalog, error) {
	var doc catalogFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("registry: parse catalog: %w", err)
	}
	c := &Catalog{
		entries: doc.DeviceTypes,
		byID:    make(map[string]models.DeviceType, len(doc.DeviceTypes)),
	}
	for _, e := range doc.DeviceTypes {
		c.byID[e.ID] = e
	}
	return c, nil
}

// Get returns the device-type entry with the given ID, if any.
func (c *Catalog) Get(id string) (models.DeviceType, bool) {
	e, ok := c.byID[id]
	return e, ok
}

// Candidate is one scored match produced by Match.
type Candidate struct {
	DeviceType string
	Confidence float64
}

// detection hint keys read from DeviceType.DetectionHints. These describe
// properties dmidecode/cpuinfo don't expose directly (motherboard family
// prefix, CPU family name, memory tier bucket) that the catalog author
// supplies per device type.
const (
	hintMotherboardFamily = "motherboard_family"
	hintCPUFamily         = "cpu_family"
	hintMemoryTier        = "memory_tier"
)

// Match scores every catalog entry against a HardwareReport using the
// four-rule cascade (exact motherboard, motherboard-family+cpu-family,
// cpu-family+memory-tier+socket-count, manufacturer-only), and returns
// candidates with confidence > 0 sorted highest-confidence first. Ties are
// broken by storage_bays match, then lexicographic device-type ID.
func (c *Catalog) Match(hw models.HardwareReport) []Candidate {
	var candidates []Candidate
	for _, e := range c.entries {
		conf := score(e, hw)
		if conf > 0 {
			candidates = append(candidates, Candidate{DeviceType: e.ID, Confidence: conf})
		}
	}

	storageBaysOf := func(id string) int {
		if e, ok := c.byID[id]; ok {
			return e.StorageBays
		}
		return 0
	}
	reportedBays := len(hw.StorageControllers)

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		iMatch := storageBaysOf(candidates[i].DeviceType) == reportedBays
		jMatch := storageBaysOf(candidates[j].DeviceType) == reportedBays
		if iMatch != jMatch {
			return iMatch
		}
		return candidates[i].DeviceType < candidates[j].DeviceType
	})
	return candidates
}

func score(e models.DeviceType, hw models.HardwareReport) float64 {
	motherboard := hw.System.Product
	cpuFamily := cpuFamilyOf(hw.CPU.Model)
	memTier := memoryTierOf(hw.Memory.TotalBytes)

	if e.Motherboard != "" && strings.EqualFold(e.Motherboard, motherboard) {
		return 1.0
	}

	mbFamily := e.DetectionHints[hintMotherboardFamily]
	eCPUFamily := e.DetectionHints[hintCPUFamily]
	if mbFamily != "" && hasPrefixFold(motherboard, mbFamily) &&
		eCPUFamily != "" && strings.EqualFold(eCPUFamily, cpuFamily) {
		return 0.8
	}

	eMemTier := e.DetectionHints[hintMemoryTier]
	if eCPUFamily != "" && strings.EqualFold(eCPUFamily, cpuFamily) &&
		eMemTier != "" && strings.EqualFold(eMemTier, memTier) &&
		e.CPUSockets == hw.CPU.Sockets {
		return 0.6
	}

	if e.Vendor != "" && strings.EqualFold(e.Vendor, hw.System.Manufacturer) {
		return 0.3
	}

	return 0
}

func hasPrefixFold(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	return strings.EqualFold(s[:len(prefix)], prefix)
}

// cpuFamilyOf extracts a coarse family token from a /proc/cpuinfo model
// name, e.g. "Intel(R) Xeon(R) Gold 6226R CPU @ 2.90GHz" -> "Xeon Gold".
func cpuFamilyOf(model string) string {
	fields := strings.Fields(model)
	var out []string
	for i, f := range fields {
		if idx := strings.Index(f, "("); idx >= 0 {
			// Trademark-marked tokens: a leading one ("Intel(R)") is the
			// vendor name and is dropped; later ones ("Xeon(R)") keep
			// their stem.
			if i == 0 {
				continue
			}
			f = f[:idx]
		}
		switch {
		case f == "", strings.EqualFold(f, "CPU"):
			continue
		case strings.HasPrefix(f, "@"):
			continue
		case strings.HasSuffix(strings.ToLower(f), "ghz"):
			continue
		}
		out = append(out, f)
		if len(out) == 2 {
			break
		}
	}
	return strings.Join(out, " ")
}

// memoryTierOf buckets total installed memory into coarse tiers used by
// catalog detection_hints.
func memoryTierOf(totalBytes uint64) string {
	gb := totalBytes / (1 << 30)
	switch {
	case gb == 0:
		return ""
	case gb <= 64:
		return "low"
	case gb <= 256:
		return "mid"
	default:
		return "high"
	}
}
