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

package supermicro

import (
	"testing"

	"github.com/mattcburns-labs/ironclad/internal/transport"
)

func TestAdapterIdentity(t *testing.T) {
	a := New(nil, "", 0, transport.Credentials{}, 0, nil)
	if a.Vendor() != "supermicro" {
		t.Errorf("Vendor() = %q", a.Vendor())
	}
	if !a.RequiresReboot() {
		t.Error("RequiresReboot() = false, want true")
	}
	if _, ok := a.Schema()["boot_mode"]; !ok {
		t.Error("Schema() missing boot_mode")
	}
}
