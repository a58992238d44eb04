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

package toolprovision

import "testing"

func TestLooksLikeArchive(t *testing.T) {
	tests := map[string]bool{
		"gzip compressed data":                 true,
		"POSIX tar archive":                    true,
		"RPM v3.0 bin i386/x86_64":             true,
		"HTML document, ASCII text":            false,
		"ASCII text, with no line terminators": false,
	}
	for in, want := range tests {
		if got := looksLikeArchive(in); got != want {
			t.Errorf("looksLikeArchive(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestShQuote(t *testing.T) {
	if got := shQuote("it's a path"); got != `'it'"'"'s a path'` {
		t.Errorf("shQuote() = %q", got)
	}
}
