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

// Package metrics exposes Prometheus instrumentation for remote
// operations (SSH, Redfish, IPMI) and workflow step execution.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	remoteOps        *prometheus.CounterVec
	remoteOpDuration *prometheus.HistogramVec
	remoteRetries    *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	workflowsActive  prometheus.Gauge
)

// Operation labels used across transport, adapter, and pipeline calls.
const (
	OpSSHExec         = "ssh.exec"
	OpSSHPut          = "ssh.put"
	OpSSHGet          = "ssh.get"
	OpIPMILanPrint    = "ipmi.lan_print"
	OpIPMISetPassword = "ipmi.set_password"
	OpRedfishDiscover = "redfish.discover"
	OpRedfishUpdate   = "redfish.update"
	OpBiosPull        = "bios.pull"
	OpBiosPush        = "bios.push"
	OpBiosVerify      = "bios.verify"
	OpFirmwareApply   = "firmware.apply"
	OpToolInstall     = "tool.install"
	OpDiscoverHW      = "discovery.hardware"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveRemoteOp records a completed remote operation attempt (SSH exec,
// Redfish HTTP call, ipmitool invocation).
func ObserveRemoteOp(op, vendor string, code int, duration time.Duration) {
	labelsOp := sanitizeLabel(op, "unknown")
	labelsVendor := sanitizeVendor(vendor)
	status := "error"
	if code >= 0 {
		status = strconv.Itoa(code)
	}

	mu.RLock()
	defer mu.RUnlock()
	if remoteOps != nil {
		remoteOps.WithLabelValues(labelsOp, status, labelsVendor).Inc()
	}
	if remoteOpDuration != nil {
		remoteOpDuration.WithLabelValues(labelsOp, labelsVendor).Observe(durationSeconds(duration))
	}
}

// IncRemoteRetry increments the retry counter for a given operation.
func IncRemoteRetry(op, vendor string) {
	labelsOp := sanitizeLabel(op, "unknown")
	labelsVendor := sanitizeVendor(vendor)

	mu.RLock()
	defer mu.RUnlock()
	if remoteRetries != nil {
		remoteRetries.WithLabelValues(labelsOp, labelsVendor).Inc()
	}
}

// ObserveStepDuration records how long a workflow step took to execute.
func ObserveStepDuration(step string, duration time.Duration) {
	label := sanitizeLabel(step, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if stepDuration != nil {
		stepDuration.WithLabelValues(label).Observe(durationSeconds(duration))
	}
}

// SetActiveWorkflows reports the current number of running workflows.
func SetActiveWorkflows(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if workflowsActive != nil {
		workflowsActive.Set(float64(n))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ironclad",
		Subsystem: "orchestrator",
		Name:      "remote_ops_total",
		Help:      "Total remote operations (SSH/Redfish/IPMI) grouped by operation, status, and vendor.",
	}, []string{"op", "code", "vendor"})

	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ironclad",
		Subsystem: "orchestrator",
		Name:      "remote_op_duration_seconds",
		Help:      "Duration of remote operations by operation and vendor.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"op", "vendor"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ironclad",
		Subsystem: "orchestrator",
		Name:      "remote_retries_total",
		Help:      "Total number of retries by operation and vendor.",
	}, []string{"op", "vendor"})

	stepHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ironclad",
		Subsystem: "orchestrator",
		Name:      "workflow_step_duration_seconds",
		Help:      "Duration of workflow steps.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"step"})

	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ironclad",
		Subsystem: "orchestrator",
		Name:      "workflows_active",
		Help:      "Number of workflows currently running.",
	})

	registry.MustRegister(ops, opDuration, retries, stepHist, active)

	reg = registry
	remoteOps = ops
	remoteOpDuration = opDuration
	remoteRetries = retries
	stepDuration = stepHist
	workflowsActive = active
}

func sanitizeVendor(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			r = '_'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
