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

package ctxkeys

import (
	"context"
	"testing"
)

func TestGetCorrelationIDEmpty(t *testing.T) {
	if got := GetCorrelationID(context.Background()); got != "" {
		t.Errorf("GetCorrelationID() = %q, want empty", got)
	}
	if got := GetCorrelationID(nil); got != "" { //nolint:staticcheck
		t.Errorf("GetCorrelationID(nil) = %q, want empty", got)
	}
}

func TestWithCorrelationIDRoundTrip(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "abc-123")
	if got := GetCorrelationID(ctx); got != "abc-123" {
		t.Errorf("GetCorrelationID() = %q, want %q", got, "abc-123")
	}
}

func TestEnsureCorrelationIDGeneratesOnce(t *testing.T) {
	ctx, id := EnsureCorrelationID(context.Background())
	if id == "" {
		t.Fatal("EnsureCorrelationID() generated empty id")
	}
	ctx2, id2 := EnsureCorrelationID(ctx)
	if id2 != id {
		t.Errorf("EnsureCorrelationID() regenerated id: got %q, want %q", id2, id)
	}
	if GetCorrelationID(ctx2) != id {
		t.Errorf("context lost correlation id across second Ensure call")
	}
}
