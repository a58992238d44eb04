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

// Package redfishmgmt is a pragmatic Redfish client for the BMC operations
// the provisioning pipeline needs: system/manager discovery, firmware
// inventory, and SimpleUpdate. It authenticates with HTTP Basic first and
// falls back to SessionService (X-Auth-Token) on a 401, and applies
// vendor-tuned retry budgets the way an operator who has fought iDRAC,
// iLO, and Supermicro BMCs in production would.
package redfishmgmt

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mattcburns-labs/ironclad/internal/metrics"
)

// Config holds connection details for one BMC endpoint.
type Config struct {
	Endpoint    string // e.g. https://10.0.5.12
	Username    string
	Password    string
	Vendor      string
	InsecureTLS bool
	Timeout     time.Duration
}

// Client is a discovery-caching Redfish client bound to one BMC.
type Client struct {
	cfg     Config
	hc      *http.Client
	baseURL *url.URL

	token       string
	sessionPath string

	retryMax  int
	retryBase time.Duration
	retryCap  time.Duration

	systemPath   string
	managerPath  string
	discoveredAt time.Time
}

type vendorProfile struct {
	retryMax  int
	retryBase time.Duration
	retryCap  time.Duration
}

func profileForVendor(vendor string) vendorProfile {
	p := vendorProfile{retryMax: 5, retryBase: 200 * time.Millisecond, retryCap: 8 * time.Second}
	switch {
	case isIDRAC(vendor):
		p.retryMax, p.retryCap = 7, 15*time.Second
	case isILO(vendor):
		p.retryMax, p.retryCap = 6, 12*time.Second
	case isSupermicro(vendor):
		p.retryCap = 10 * time.Second
	}
	return p
}

func isIDRAC(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "idrac" || strings.Contains(v, "dell")
}

func isILO(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "ilo" || strings.Contains(v, "hpe") || strings.Contains(v, "hp")
}

func isSupermicro(v string) bool {
	return strings.Contains(strings.ToLower(strings.TrimSpace(v)), "supermicro")
}

// NewClient validates cfg and builds a Client ready for use.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("redfishmgmt: endpoint is empty")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("redfishmgmt: invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("redfishmgmt: unsupported scheme %q", u.Scheme)
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureTLS,
			MinVersion:         tls.VersionTLS12,
		},
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	profile := profileForVendor(cfg.Vendor)
	return &Client{
		cfg:       cfg,
		hc:        &http.Client{Timeout: timeout, Transport: transport},
		baseURL:   u,
		retryMax:  profile.retryMax,
		retryBase: profile.retryBase,
		retryCap:  profile.retryCap,
	}, nil
}

// Close logs out of any open session. Best-effort.
func (c *Client) Close() error {
	if c.sessionPath != "" && c.token != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, _, _ = c.do(ctx, metrics.OpRedfishDiscover, http.MethodDelete, c.sessionPath, nil)
		c.sessionPath, c.token = "", ""
	}
	return nil
}

type odataID struct {
	OdataID string `json:"@odata.id"`
}

type collection struct {
	Members []odataID `json:"Members"`
}

type serviceRoot struct {
	Systems  odataID `json:"Systems"`
	Managers odataID `json:"Managers"`
}

type systemResource struct {
	ID          string `json:"Id"`
	Model       string `json:"Model"`
	Manufacturer string `json:"Manufacturer"`
	SerialNumber string `json:"SerialNumber"`
	BiosVersion  string `json:"BiosVersion"`
	Links        struct {
		ManagedBy []odataID `json:"ManagedBy"`
	} `json:"Links"`
}

type managerResource struct {
	ID              string `json:"Id"`
	FirmwareVersion string `json:"FirmwareVersion"`
	Model           string `json:"Model"`
}

// ensureDiscovery resolves and caches the Systems/Managers member paths,
// re-running after a two-minute window so long-lived workflow steps don't
// act on stale paths.
func (c *Client) ensureDiscovery(ctx context.Context) error {
	if !c.discoveredAt.IsZero() && time.Since(c.discoveredAt) < 2*time.Minute {
		return nil
	}

	var root serviceRoot
	if err := c.getJSON(ctx, metrics.OpRedfishDiscover, "/redfish/v1/", &root); err != nil {
		return fmt.Errorf("discover service root: %w", err)
	}
	if root.Systems.OdataID == "" {
		return errors.New("discover: ServiceRoot.Systems missing")
	}
	var sysColl collection
	if err := c.getJSON(ctx, metrics.OpRedfishDiscover, root.Systems.OdataID, &sysColl); err != nil {
		return fmt.Errorf("discover systems: %w", err)
	}
	if len(sysColl.Members) == 0 {
		return errors.New("discover: no Systems members")
	}
	systemPath := sysColl.Members[0].OdataID

	var sys systemResource
	if err := c.getJSON(ctx, metrics.OpRedfishDiscover, systemPath, &sys); err != nil {
		return fmt.Errorf("discover system resource: %w", err)
	}

	managerPath := ""
	if len(sys.Links.ManagedBy) > 0 {
		managerPath = sys.Links.ManagedBy[0].OdataID
	}
	if managerPath == "" {
		if root.Managers.OdataID == "" {
			return errors.New("discover: neither ManagedBy nor ServiceRoot.Managers present")
		}
		var mgrColl collection
		if err := c.getJSON(ctx, metrics.OpRedfishDiscover, root.Managers.OdataID, &mgrColl); err != nil {
			return fmt.Errorf("discover managers: %w", err)
		}
		if len(mgrColl.Members) == 0 {
			return errors.New("discover: no Managers members")
		}
		managerPath = mgrColl.Members[0].OdataID
	}

	c.systemPath = systemPath
	c.managerPath = managerPath
	c.discoveredAt = time.Now().UTC()
	return nil
}

// System returns the discovered System resource.
func (c *Client) System(ctx context.Context) (systemResource, error) {
	if err := c.ensureDiscovery(ctx); err != nil {
		return systemResource{}, err
	}
	var sys systemResource
	if err := c.getJSON(ctx, metrics.OpRedfishDiscover, c.systemPath, &sys); err != nil {
		return systemResource{}, err
	}
	return sys, nil
}

// Manager returns the discovered Manager resource.
func (c *Client) Manager(ctx context.Context) (managerResource, error) {
	if err := c.ensureDiscovery(ctx); err != nil {
		return managerResource{}, err
	}
	var mgr managerResource
	if err := c.getJSON(ctx, metrics.OpRedfishDiscover, c.managerPath, &mgr); err != nil {
		return managerResource{}, err
	}
	return mgr, nil
}

func (c *Client) authHeader() string {
	raw := strings.TrimSpace(c.cfg.Username) + ":" + c.cfg.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

func (c *Client) buildURL(rel string) string {
	rel = "/" + strings.TrimPrefix(rel, "/")
	u, err := url.JoinPath(c.baseURL.String(), rel)
	if err != nil {
		return strings.TrimRight(c.baseURL.String(), "/") + rel
	}
	return u
}

// do executes one HTTP request with session-auth fallback on 401 and
// bounded retries with exponential backoff on 5xx/429/connect errors.
func (c *Client) do(ctx context.Context, op, method, rel string, body any) (*http.Response, []byte, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal request: %w", err)
		}
		payload = b
	}

	attempts := c.retryMax
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		var rdr io.Reader
		if len(payload) > 0 {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.buildURL(rel), rdr)
		if err != nil {
			return nil, nil, err
		}
		req.Header.Set("Accept", "application/json")
		if len(payload) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("X-Auth-Token", c.token)
		} else if c.cfg.Username != "" {
			req.Header.Set("Authorization", c.authHeader())
		}

		start := time.Now()
		resp, err := c.hc.Do(req)
		duration := time.Since(start)
		if err != nil {
			metrics.ObserveRemoteOp(op, c.cfg.Vendor, -1, duration)
			lastErr = err
			if attempt < attempts {
				metrics.IncRemoteRetry(op, c.cfg.Vendor)
				time.Sleep(c.backoff(attempt))
				continue
			}
			return nil, nil, lastErr
		}

		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		metrics.ObserveRemoteOp(op, c.cfg.Vendor, resp.StatusCode, duration)

		if resp.StatusCode == http.StatusUnauthorized && c.cfg.Username != "" {
			c.token, c.sessionPath = "", ""
			if serr := c.startSession(ctx); serr == nil && attempt < attempts {
				metrics.IncRemoteRetry(op, c.cfg.Vendor)
				continue
			}
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, data, nil
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("http %s %s: status=%d body=%s", method, rel, resp.StatusCode, truncate(string(data), 512))
			if attempt < attempts {
				metrics.IncRemoteRetry(op, c.cfg.Vendor)
				sleep := c.backoff(attempt)
				if resp.StatusCode == http.StatusTooManyRequests {
					if ra, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok && ra > sleep {
						sleep = ra
					}
				}
				time.Sleep(sleep)
				continue
			}
			return resp, data, lastErr
		}
		return resp, data, fmt.Errorf("http %s %s: status=%d body=%s", method, rel, resp.StatusCode, truncate(string(data), 512))
	}
	return nil, nil, lastErr
}

func (c *Client) getJSON(ctx context.Context, op, rel string, out any) error {
	_, data, err := c.do(ctx, op, http.MethodGet, rel, nil)
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode json: %w", err)
		}
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, op, rel string, body, out any) (*http.Response, error) {
	resp, data, err := c.do(ctx, op, http.MethodPost, rel, body)
	if err != nil {
		return resp, err
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp, fmt.Errorf("decode json: %w", err)
		}
	}
	return resp, nil
}

func (c *Client) startSession(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.Username) == "" {
		return errors.New("no username for session auth")
	}
	body := map[string]string{"UserName": c.cfg.Username, "Password": c.cfg.Password}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL("/redfish/v1/SessionService/Sessions"), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", c.authHeader())

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("session create failed: status=%d body=%s", resp.StatusCode, truncate(string(data), 512))
	}
	if loc := resp.Header.Get("Location"); loc != "" {
		if strings.HasPrefix(loc, "/") {
			c.sessionPath = loc
		} else if u, err := url.Parse(loc); err == nil {
			c.sessionPath = u.Path
		}
	}
	tok := resp.Header.Get("X-Auth-Token")
	if tok == "" {
		return errors.New("session token not provided")
	}
	c.token = tok
	return nil
}

func (c *Client) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := c.retryBase
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	cap := c.retryCap
	if cap <= 0 {
		cap = 8 * time.Second
	}
	d := base << (attempt - 1)
	if d > cap {
		d = cap
	}
	return d
}

func parseRetryAfter(header string, now time.Time) (time.Duration, bool) {
	val := strings.TrimSpace(header)
	if val == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(val); err == nil {
		if secs <= 0 {
			return 0, true
		}
		return time.Duration(secs) * time.Second, true
	}
	if when, err := http.ParseTime(val); err == nil && when.After(now) {
		return when.Sub(now), true
	}
	return 0, false
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
