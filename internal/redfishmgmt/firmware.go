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

package redfishmgmt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mattcburns-labs/ironclad/internal/metrics"
	"github.com/mattcburns-labs/ironclad/pkg/models"
)

// FirmwareInventoryItem is one entry from /redfish/v1/UpdateService/FirmwareInventory.
type FirmwareInventoryItem struct {
	ID      string `json:"Id"`
	Name    string `json:"Name"`
	Version string `json:"Version"`
}

type firmwareInventoryCollection struct {
	Members []odataID `json:"Members"`
}

// FirmwareInventory enumerates installed firmware components.
func (c *Client) FirmwareInventory(ctx context.Context) ([]FirmwareInventoryItem, error) {
	var coll firmwareInventoryCollection
	if err := c.getJSON(ctx, metrics.OpRedfishUpdate, "/redfish/v1/UpdateService/FirmwareInventory", &coll); err != nil {
		return nil, fmt.Errorf("firmware inventory: %w", err)
	}
	items := make([]FirmwareInventoryItem, 0, len(coll.Members))
	for _, m := range coll.Members {
		if m.OdataID == "" {
			continue
		}
		var item FirmwareInventoryItem
		if err := c.getJSON(ctx, metrics.OpRedfishUpdate, m.OdataID, &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// SimpleUpdate submits a firmware image at artifactURL via
// /UpdateService/Actions/SimpleUpdate, then polls the resulting task until
// it reaches a terminal state (spec.md §4.2: poll every 5s, up to 30m).
func (c *Client) SimpleUpdate(ctx context.Context, artifactURL string, pollInterval, pollMax time.Duration) error {
	if artifactURL == "" {
		return errors.New("redfishmgmt: artifactURL is empty")
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if pollMax <= 0 {
		pollMax = 30 * time.Minute
	}

	body := map[string]string{"ImageURI": artifactURL}
	resp, err := c.postJSON(ctx, metrics.OpRedfishUpdate, "/redfish/v1/UpdateService/Actions/SimpleUpdate", body, nil)
	if err != nil {
		return fmt.Errorf("simple update submit: %w", err)
	}

	if resp == nil || resp.StatusCode != http.StatusAccepted {
		// Some BMCs apply the update synchronously and return 200/204.
		return nil
	}
	taskPath := resp.Header.Get("Location")
	if taskPath == "" {
		return errors.New("simple update: 202 response missing Location header")
	}
	return c.pollTask(ctx, taskPath, pollInterval, pollMax)
}

type taskResource struct {
	TaskState  string `json:"TaskState"`
	TaskStatus string `json:"TaskStatus"`
}

func (c *Client) pollTask(ctx context.Context, taskPath string, interval, max time.Duration) error {
	deadline := time.Now().Add(max)
	for {
		var task taskResource
		if err := c.getJSON(ctx, metrics.OpRedfishUpdate, taskPath, &task); err != nil {
			return fmt.Errorf("poll task %s: %w", taskPath, err)
		}
		switch strings.ToLower(task.TaskState) {
		case "completed":
			if strings.EqualFold(task.TaskStatus, "critical") {
				return fmt.Errorf("task %s completed with critical status", taskPath)
			}
			return nil
		case "exception", "killed", "cancelled":
			return fmt.Errorf("task %s ended in state %s", taskPath, task.TaskState)
		}

		if time.Now().After(deadline) {
			return &models.TimeoutError{Op: "redfish task " + taskPath, Timeout: max.String()}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Info resolves System and Manager resources into the unified BmcInfo
// shape shared with the IPMI adapter.
func (c *Client) Info(ctx context.Context) (models.BmcInfo, error) {
	sys, err := c.System(ctx)
	if err != nil {
		return models.BmcInfo{}, err
	}
	mgr, err := c.Manager(ctx)
	if err != nil {
		return models.BmcInfo{}, err
	}
	return models.BmcInfo{
		Vendor:      c.cfg.Vendor,
		Model:       mgr.Model,
		BmcVersion:  mgr.FirmwareVersion,
		BiosVersion: sys.BiosVersion,
		IP:          hostOnly(c.cfg.Endpoint),
	}, nil
}

func hostOnly(endpoint string) string {
	s := strings.TrimPrefix(endpoint, "https://")
	s = strings.TrimPrefix(s, "http://")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return s
}
