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

// Package config holds the orchestrator's explicit, threaded-in
// configuration. There is no package-level mutable config state; every
// constructor in this module takes an AppConfig (or a narrower slice of
// it) rather than reading globals.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// AppConfig is the orchestrator's top-level configuration.
type AppConfig struct {
	// SSHUser is the default SSH login user for target machines.
	SSHUser string
	// SSHPort is the default SSH port.
	SSHPort int
	// SSHExecTimeout bounds a single remote command (spec.md §4.1).
	SSHExecTimeout time.Duration
	// SSHPoolIdleEvict is how long an idle pooled SSH connection is kept.
	SSHPoolIdleEvict time.Duration
	// SSHMaxSessionsPerHost caps concurrent sessions per host.
	SSHMaxSessionsPerHost int

	// RedfishInsecureTLS disables certificate verification for BMC
	// endpoints, which commonly carry self-signed certs.
	RedfishInsecureTLS bool
	// RedfishTaskPollInterval is how often SimpleUpdate tasks are polled.
	RedfishTaskPollInterval time.Duration
	// RedfishTaskPollMax bounds total time spent polling a task.
	RedfishTaskPollMax time.Duration

	// StepTimeoutDefault is the per-step timeout (spec.md §4.8).
	StepTimeoutDefault time.Duration
	// StepTimeoutFirmware overrides the default for firmware steps.
	StepTimeoutFirmware time.Duration
	// CancelGracePeriod is how long Cancel waits for clean teardown.
	CancelGracePeriod time.Duration
	// MaxConcurrentWorkflows bounds parallel active workflows.
	MaxConcurrentWorkflows int

	// AutoSelectConfidence is the registry-match confidence at or above
	// which a device_type is selected automatically rather than
	// requiring operator confirmation (spec.md §9 open question).
	AutoSelectConfidence float64

	// StoreDSN is the SQLite DSN/path for the default StateStore.
	StoreDSN string

	// CredentialPassphrase seeds the crypto.Vault used to hold
	// IPMI/SSH credentials by opaque handle.
	CredentialPassphrase string
}

// Default returns an AppConfig with the spec's documented defaults.
func Default() AppConfig {
	return AppConfig{
		SSHUser:                 "ubuntu",
		SSHPort:                 22,
		SSHExecTimeout:          60 * time.Second,
		SSHPoolIdleEvict:        5 * time.Minute,
		SSHMaxSessionsPerHost:   4,
		RedfishInsecureTLS:      false,
		RedfishTaskPollInterval: 5 * time.Second,
		RedfishTaskPollMax:      30 * time.Minute,
		StepTimeoutDefault:      15 * time.Minute,
		StepTimeoutFirmware:     60 * time.Minute,
		CancelGracePeriod:       30 * time.Second,
		MaxConcurrentWorkflows:  16,
		AutoSelectConfidence:    0.8,
		StoreDSN:                "ironclad.db",
		CredentialPassphrase:    "",
	}
}

// LoadFromEnv loads an AppConfig starting from Default() and overriding
// fields present in the environment.
func LoadFromEnv() (AppConfig, error) {
	cfg := Default()

	if v := os.Getenv("IRONCLAD_SSH_USER"); v != "" {
		cfg.SSHUser = v
	}
	if v := os.Getenv("IRONCLAD_SSH_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid IRONCLAD_SSH_PORT: %w", err)
		}
		if n < 1 || n > 65535 {
			return cfg, fmt.Errorf("IRONCLAD_SSH_PORT must be between 1 and 65535")
		}
		cfg.SSHPort = n
	}
	if v := os.Getenv("IRONCLAD_SSH_EXEC_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid IRONCLAD_SSH_EXEC_TIMEOUT: %w", err)
		}
		cfg.SSHExecTimeout = d
	}
	if v := os.Getenv("IRONCLAD_SSH_POOL_IDLE_EVICT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid IRONCLAD_SSH_POOL_IDLE_EVICT: %w", err)
		}
		cfg.SSHPoolIdleEvict = d
	}
	if v := os.Getenv("IRONCLAD_SSH_MAX_SESSIONS_PER_HOST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid IRONCLAD_SSH_MAX_SESSIONS_PER_HOST: %w", err)
		}
		if n < 1 {
			return cfg, fmt.Errorf("IRONCLAD_SSH_MAX_SESSIONS_PER_HOST must be at least 1")
		}
		cfg.SSHMaxSessionsPerHost = n
	}
	if v := os.Getenv("IRONCLAD_REDFISH_INSECURE_TLS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid IRONCLAD_REDFISH_INSECURE_TLS: %w", err)
		}
		cfg.RedfishInsecureTLS = b
	}
	if v := os.Getenv("IRONCLAD_MAX_CONCURRENT_WORKFLOWS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid IRONCLAD_MAX_CONCURRENT_WORKFLOWS: %w", err)
		}
		if n < 1 {
			return cfg, fmt.Errorf("IRONCLAD_MAX_CONCURRENT_WORKFLOWS must be at least 1")
		}
		cfg.MaxConcurrentWorkflows = n
	}
	if v := os.Getenv("IRONCLAD_AUTO_SELECT_CONFIDENCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid IRONCLAD_AUTO_SELECT_CONFIDENCE: %w", err)
		}
		if f < 0 || f > 1 {
			return cfg, fmt.Errorf("IRONCLAD_AUTO_SELECT_CONFIDENCE must be between 0 and 1")
		}
		cfg.AutoSelectConfidence = f
	}
	if v := os.Getenv("IRONCLAD_STORE_DSN"); v != "" {
		cfg.StoreDSN = v
	}
	if v := os.Getenv("IRONCLAD_CREDENTIAL_PASSPHRASE"); v != "" {
		cfg.CredentialPassphrase = v
	}

	return cfg, nil
}
