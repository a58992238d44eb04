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

package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connect", &ConnectError{Host: "h", Err: errors.New("refused")}, true},
		{"auth", &AuthError{Host: "h", Err: errors.New("denied")}, true},
		{"timeout", &TimeoutError{Op: "exec", Timeout: "60s"}, true},
		{"remote nonzero", &RemoteNonZero{Cmd: "x", Code: 1}, false},
		{"unknown setting", &UnknownSetting{Name: "Foo"}, false},
		{"not applied", &NotApplied{Name: "Foo"}, false},
		{"tool unavailable", &ToolUnavailable{Tool: "sumtool"}, false},
		{"nil", nil, false},
		{"wrapped connect", fmt.Errorf("step foo: %w", &ConnectError{Host: "h", Err: errors.New("x")}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStepErrorNilSafe(t *testing.T) {
	var e *StepError
	if e.Error() != "" {
		t.Errorf("nil *StepError.Error() = %q, want empty", e.Error())
	}
}

func TestBiosSettingIsRequired(t *testing.T) {
	no := false
	yes := true
	tests := []struct {
		name string
		s    BiosSetting
		want bool
	}{
		{"unset defaults true", BiosSetting{Name: "BootMode"}, true},
		{"explicit true", BiosSetting{Name: "BootMode", Required: &yes}, true},
		{"explicit false", BiosSetting{Name: "BootMode", Required: &no}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.IsRequired(); got != tt.want {
				t.Errorf("IsRequired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWorkflowStateIsTerminal(t *testing.T) {
	terminal := []WorkflowState{WorkflowSucceeded, WorkflowFailed, WorkflowCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	nonTerminal := []WorkflowState{WorkflowPending, WorkflowRunning, WorkflowCancelling}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
