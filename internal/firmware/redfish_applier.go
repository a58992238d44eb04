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

package firmware

import (
	"context"
	"time"

	"github.com/mattcburns-labs/ironclad/internal/metrics"
	"github.com/mattcburns-labs/ironclad/internal/redfishmgmt"
	"github.com/mattcburns-labs/ironclad/pkg/models"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultPollMax      = 30 * time.Minute
)

// RedfishApplier applies FirmwareUpdate.Method == models.MethodRedfish
// updates via UpdateService/Actions/SimpleUpdate, polling the returned
// task to completion per spec.md §4.2 (5s interval, 30min cap).
type RedfishApplier struct {
	client                *redfishmgmt.Client
	pollInterval, pollMax time.Duration
}

// NewRedfishApplier builds an Applier bound to one BMC. Zero durations
// fall back to the spec's defaults.
func NewRedfishApplier(client *redfishmgmt.Client, pollInterval, pollMax time.Duration) *RedfishApplier {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if pollMax <= 0 {
		pollMax = defaultPollMax
	}
	return &RedfishApplier{client: client, pollInterval: pollInterval, pollMax: pollMax}
}

func (a *RedfishApplier) Apply(ctx context.Context, update models.FirmwareUpdate) error {
	start := time.Now()
	err := a.client.SimpleUpdate(ctx, update.ArtifactURL, a.pollInterval, a.pollMax)
	code := 0
	if err != nil {
		code = -1
	}
	metrics.ObserveRemoteOp(metrics.OpFirmwareApply, "", code, time.Since(start))
	return err
}
