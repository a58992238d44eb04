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

package maas

import (
	"context"
	"errors"
	"testing"
)

func TestFakeClientGetMachineNotFound(t *testing.T) {
	f := NewFakeClient()
	if _, err := f.GetMachine(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetMachine error = %v, want ErrNotFound", err)
	}
}

func TestFakeClientListAndGetMachine(t *testing.T) {
	f := NewFakeClient(
		Machine{ID: "a", IPAddress: "10.0.0.1", Vendor: "Dell"},
		Machine{ID: "b", IPAddress: "10.0.0.2", Vendor: "Supermicro"},
	)
	machines, err := f.ListMachines(context.Background())
	if err != nil {
		t.Fatalf("ListMachines: %v", err)
	}
	if len(machines) != 2 {
		t.Fatalf("len(machines) = %d, want 2", len(machines))
	}
	m, err := f.GetMachine(context.Background(), "a")
	if err != nil {
		t.Fatalf("GetMachine: %v", err)
	}
	if m.Vendor != "Dell" {
		t.Fatalf("m.Vendor = %q, want Dell", m.Vendor)
	}
}

func TestFakeClientCommissionAndSetStatusUpdateRecord(t *testing.T) {
	f := NewFakeClient(Machine{ID: "a", Status: "new"})

	if err := f.Commission(context.Background(), "a", CommissionOptions{Comment: "initial provision"}); err != nil {
		t.Fatalf("Commission: %v", err)
	}
	m, err := f.GetMachine(context.Background(), "a")
	if err != nil {
		t.Fatalf("GetMachine: %v", err)
	}
	if m.Status != "commissioning" {
		t.Fatalf("m.Status = %q, want commissioning", m.Status)
	}

	if err := f.SetStatus(context.Background(), "a", "deployed"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	m, err = f.GetMachine(context.Background(), "a")
	if err != nil {
		t.Fatalf("GetMachine: %v", err)
	}
	if m.Status != "deployed" {
		t.Fatalf("m.Status = %q, want deployed", m.Status)
	}
}

func TestFakeClientGetIp(t *testing.T) {
	f := NewFakeClient(Machine{ID: "a", IPAddress: "10.0.0.7"})
	ip, err := f.GetIp(context.Background(), "a")
	if err != nil {
		t.Fatalf("GetIp: %v", err)
	}
	if ip != "10.0.0.7" {
		t.Fatalf("GetIp = %q, want 10.0.0.7", ip)
	}
	if _, err := f.GetIp(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetIp error = %v, want ErrNotFound", err)
	}
}

func TestFakeClientSetStatusNotFound(t *testing.T) {
	f := NewFakeClient()
	if err := f.SetStatus(context.Background(), "missing", "deployed"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetStatus error = %v, want ErrNotFound", err)
	}
}
