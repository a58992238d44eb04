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

// Package ipmi shapes ipmitool command lines and parses their output. It
// never talks to the network directly; every command runs through an
// internal/transport.Pool over SSH against the target host. Parsing is
// defensive throughout -- a missing or unexpected field becomes an empty
// string, never an error, because the BMC firmware on the other end is
// rarely spec-compliant.
package ipmi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mattcburns-labs/ironclad/internal/metrics"
	"github.com/mattcburns-labs/ironclad/internal/transport"
	"github.com/mattcburns-labs/ironclad/pkg/crypto"
	"github.com/mattcburns-labs/ironclad/pkg/models"
)

// Client runs ipmitool commands against one BMC endpoint over a pooled SSH
// connection to the host that has network access to it (the target machine
// itself, in the common case of in-band IPMI over the same NIC, or a jump
// host for out-of-band setups).
type Client struct {
	pool     *transport.Pool
	sshHost  string
	sshPort  int
	creds    transport.Credentials
	ipmiHost string
	ipmiUser string
	ipmiPass string
	timeout  time.Duration
}

// NewClient builds a Client. sshHost/sshPort/sshCreds identify where
// ipmitool itself runs; ipmiHost/ipmiUser/ipmiPass identify the BMC it
// targets via `-H/-U/-P`.
func NewClient(pool *transport.Pool, sshHost string, sshPort int, sshCreds transport.Credentials, ipmiHost, ipmiUser, ipmiPass string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		pool:     pool,
		sshHost:  sshHost,
		sshPort:  sshPort,
		creds:    sshCreds,
		ipmiHost: ipmiHost,
		ipmiUser: ipmiUser,
		ipmiPass: ipmiPass,
		timeout:  timeout,
	}
}

// LanConfig is the parsed union of `lan print 1` and `lan print 8`.
type LanConfig struct {
	Channel int
	IP      string
	Netmask string
	Gateway string
	MAC     string
	VLAN    string
}

// run builds the ipmitool invocation and executes it over the pool. The
// BMC password is interpolated only into the command actually sent to the
// session; a redacted stand-in goes to the pool as logCmd, so a timeout or
// non-zero exit never carries the plaintext password into a *models.
// TimeoutError/RemoteNonZero -- and from there into the workflow store or
// a status response.
func (c *Client) run(ctx context.Context, op string, args ...string) (transport.Result, error) {
	cmd := shellJoin(c.ipmiArgv(c.ipmiPass, args))
	logCmd := shellJoin(c.ipmiArgv(crypto.RedactPassword(c.ipmiPass), args))

	start := time.Now()
	res, err := c.pool.Exec(ctx, c.sshHost, c.sshPort, c.creds, cmd, c.timeout, logCmd)
	code := res.ExitCode
	if err != nil {
		code = -1
	}
	metrics.ObserveRemoteOp(op, "", code, time.Since(start))
	return res, err
}

// ipmiArgv builds the full ipmitool argv with password in place of c.ipmiPass
// for the `-P` flag, so run can build the real command and a redacted
// stand-in from the same shape.
func (c *Client) ipmiArgv(password string, args []string) []string {
	argv := []string{"ipmitool", "-I", "lanplus", "-H", c.ipmiHost, "-U", c.ipmiUser, "-P", password}
	return append(argv, args...)
}

// LanPrint runs `lan print <channel>` and parses the response. Channels 1
// and 8 are the two conventional BMC LAN channels; DiscoverLan tries both
// and merges the result, per spec.md §4.4.
func (c *Client) LanPrint(ctx context.Context, channel int) (LanConfig, error) {
	res, err := c.run(ctx, metrics.OpIPMILanPrint, "lan", "print", fmt.Sprintf("%d", channel))
	if err != nil {
		return LanConfig{}, err
	}
	return parseLanPrint(channel, res.Stdout), nil
}

// DiscoverLan tries channel 1 then channel 8 and merges non-empty fields,
// preferring channel 1. It never returns an error: a failed attempt on
// either channel, or on both, is reported only as a warning.
func (c *Client) DiscoverLan(ctx context.Context) (LanConfig, []string, error) {
	var warnings []string

	primary, err := c.LanPrint(ctx, 1)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("lan print 1: %v", err))
	}
	secondary, err := c.LanPrint(ctx, 8)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("lan print 8: %v", err))
	}

	merged := mergeLan(primary, secondary)
	if merged.IP == "" && merged.MAC == "" {
		warnings = append(warnings, "ipmi: no LAN channel responded")
	}
	return merged, warnings, nil
}

func mergeLan(a, b LanConfig) LanConfig {
	out := a
	if out.IP == "" {
		out.IP = b.IP
	}
	if out.Netmask == "" {
		out.Netmask = b.Netmask
	}
	if out.Gateway == "" {
		out.Gateway = b.Gateway
	}
	if out.MAC == "" {
		out.MAC = b.MAC
	}
	if out.VLAN == "" {
		out.VLAN = b.VLAN
	}
	if out.Channel == 0 {
		out.Channel = b.Channel
	}
	return out
}

func parseLanPrint(channel int, stdout string) LanConfig {
	cfg := LanConfig{Channel: channel}
	for _, line := range strings.Split(stdout, "\n") {
		key, val, ok := splitColon(line)
		if !ok {
			continue
		}
		switch key {
		case "IP Address":
			cfg.IP = val
		case "Subnet Mask":
			cfg.Netmask = val
		case "Default Gateway IP":
			cfg.Gateway = val
		case "MAC Address":
			cfg.MAC = val
		case "802.1q VLAN ID":
			if val != "Disabled" {
				cfg.VLAN = val
			}
		}
	}
	return cfg
}

func splitColon(line string) (key, val string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	val = strings.TrimSpace(line[idx+1:])
	if key == "" {
		return "", "", false
	}
	return key, val, true
}

// SetPassword sets the BMC user's password via `user set password`. userID
// is the numeric IPMI user slot (commonly 2 for the default admin account).
// newPassword is redacted in run's logCmd the same way the connection
// password is, since it is just as sensitive.
func (c *Client) SetPassword(ctx context.Context, userID int, newPassword string) error {
	_, err := c.runRedactingLastArg(ctx, metrics.OpIPMISetPassword, newPassword, "user", "set", "password", fmt.Sprintf("%d", userID), newPassword)
	return err
}

// runRedactingLastArg behaves like run, but additionally redacts every
// occurrence of secret in the logged command via crypto.RedactPassword.
// Used for commands whose final argument is itself a credential being
// set, not just presented (e.g. `user set password`).
func (c *Client) runRedactingLastArg(ctx context.Context, op, secret string, args ...string) (transport.Result, error) {
	cmd := shellJoin(c.ipmiArgv(c.ipmiPass, args))

	logArgs := make([]string, len(args))
	copy(logArgs, args)
	if secret != "" {
		for i, a := range logArgs {
			if a == secret {
				logArgs[i] = crypto.RedactPassword(a)
			}
		}
	}
	logCmd := shellJoin(c.ipmiArgv(crypto.RedactPassword(c.ipmiPass), logArgs))

	start := time.Now()
	res, err := c.pool.Exec(ctx, c.sshHost, c.sshPort, c.creds, cmd, c.timeout, logCmd)
	code := res.ExitCode
	if err != nil {
		code = -1
	}
	metrics.ObserveRemoteOp(op, "", code, time.Since(start))
	return res, err
}

// ConfigureLan pushes a static IP/netmask/gateway to a LAN channel.
func (c *Client) ConfigureLan(ctx context.Context, channel int, ip, netmask, gateway string) error {
	if _, err := c.run(ctx, metrics.OpIPMILanPrint, "lan", "set", fmt.Sprintf("%d", channel), "ipaddr", ip); err != nil {
		return err
	}
	if _, err := c.run(ctx, metrics.OpIPMILanPrint, "lan", "set", fmt.Sprintf("%d", channel), "netmask", netmask); err != nil {
		return err
	}
	if _, err := c.run(ctx, metrics.OpIPMILanPrint, "lan", "set", fmt.Sprintf("%d", channel), "defgw", "ipaddr", gateway); err != nil {
		return err
	}
	return nil
}

// ChassisStatus runs `chassis status` and reports the raw key/value pairs;
// callers needing a specific field (e.g. "System Power") look it up
// themselves since the set varies by vendor.
func (c *Client) ChassisStatus(ctx context.Context) (map[string]string, error) {
	res, err := c.run(ctx, metrics.OpIPMILanPrint, "chassis", "status")
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, line := range strings.Split(res.Stdout, "\n") {
		if key, val, ok := splitColon(line); ok {
			out[key] = val
		}
	}
	return out, nil
}

// Info summarizes what DiscoverLan and ChassisStatus learned into the
// unified BmcInfo shape shared with the Redfish adapter.
func Info(vendor, model, bmcVersion, biosVersion string, lan LanConfig) models.BmcInfo {
	return models.BmcInfo{
		Vendor:      vendor,
		Model:       model,
		BmcVersion:  bmcVersion,
		BiosVersion: biosVersion,
		MAC:         lan.MAC,
		IP:          lan.IP,
	}
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuoteArg(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuoteArg(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		switch r {
		case '-', '_', '.', '/', ':':
			continue
		}
		safe = false
		break
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
