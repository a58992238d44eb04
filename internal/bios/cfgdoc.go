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

package bios

import "strings"

// CfgDoc is a line-oriented key=value document, the shape `racadm get -f`
// produces ([Section]\nKey=Value lines with blank lines and comments
// interspersed). Lines that aren't recognized key=value pairs (section
// headers, comments, blanks) are kept verbatim in order, which preserves
// them across a pull/push cycle without ironclad needing to understand
// every possible Dell config key.
type CfgDoc struct {
	lines []cfgLine
}

type cfgLine struct {
	raw   string // used verbatim when key == ""
	key   string
	value string
}

// ParseCfgDoc parses racadm cfg-file text.
func ParseCfgDoc(text string) CfgDoc {
	var doc CfgDoc
	for _, raw := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "[") {
			doc.lines = append(doc.lines, cfgLine{raw: raw})
			continue
		}
		key, value, ok := strings.Cut(trimmed, "=")
		if !ok {
			doc.lines = append(doc.lines, cfgLine{raw: raw})
			continue
		}
		doc.lines = append(doc.lines, cfgLine{key: strings.TrimSpace(key), value: strings.TrimSpace(value)})
	}
	return doc
}

// Flatten returns every recognized key=value pair.
func (d CfgDoc) Flatten() LiveConfig {
	out := make(LiveConfig)
	for _, l := range d.lines {
		if l.key != "" {
			out[l.key] = l.value
		}
	}
	return out
}

// ApplyFlat rewrites the value of every existing key found in values,
// appending any key in values that the document didn't already contain.
// Keys not present in values are left untouched.
func (d *CfgDoc) ApplyFlat(values LiveConfig) {
	seen := make(map[string]bool, len(values))
	for i, l := range d.lines {
		if l.key == "" {
			continue
		}
		if newValue, ok := values[l.key]; ok {
			d.lines[i].value = newValue
			seen[l.key] = true
		}
	}
	for key, value := range values {
		if !seen[key] {
			d.lines = append(d.lines, cfgLine{key: key, value: value})
		}
	}
}

// Render serializes the document back to racadm cfg-file text.
func (d CfgDoc) Render() string {
	var b strings.Builder
	for _, l := range d.lines {
		if l.key == "" {
			b.WriteString(l.raw)
		} else {
			b.WriteString(l.key)
			b.WriteByte('=')
			b.WriteString(l.value)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
