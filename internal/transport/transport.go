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

// Package transport provides pooled SSH command execution against target
// machines. It holds no retry policy of its own -- whether a ConnectError
// or TimeoutError is worth retrying is a decision the workflow engine makes,
// not this package (spec.md §4.1).
package transport

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/mattcburns-labs/ironclad/pkg/models"
)

// Credentials identifies how to authenticate an SSH session.
type Credentials struct {
	User       string
	Password   string
	PrivateKey []byte // PEM-encoded; takes precedence over Password if set
}

// poolKey identifies a pooled connection by endpoint and login identity.
type poolKey struct {
	host string
	user string
}

// entry wraps a pooled *ssh.Client with bookkeeping for eviction and the
// per-host session cap.
type entry struct {
	mu        sync.Mutex
	client    *ssh.Client
	sessions  int
	lastUsed  time.Time
	connectAt time.Time
}

// Pool holds reusable SSH connections keyed by (host, user). Connections
// idle longer than IdleEvict are closed and removed; at most
// MaxSessionsPerHost commands run concurrently against a single host.
type Pool struct {
	mu    sync.Mutex
	conns map[poolKey]*entry

	dialTimeout      time.Duration
	idleEvict        time.Duration
	maxSessionsHost  int
	hostConcurrency  map[string]chan struct{}
	hostConcurrencyM sync.Mutex

	done chan struct{}
}

// NewPool constructs a Pool. idleEvict is how long an unused connection is
// kept before being closed by the background reaper; maxSessionsPerHost
// bounds how many commands may run concurrently against one host regardless
// of how many (host,user) pairs map to it.
func NewPool(idleEvict time.Duration, maxSessionsPerHost int) *Pool {
	if idleEvict <= 0 {
		idleEvict = 5 * time.Minute
	}
	if maxSessionsPerHost <= 0 {
		maxSessionsPerHost = 4
	}
	p := &Pool{
		conns:           make(map[poolKey]*entry),
		dialTimeout:     10 * time.Second,
		idleEvict:       idleEvict,
		maxSessionsHost: maxSessionsPerHost,
		hostConcurrency: make(map[string]chan struct{}),
		done:            make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// Close stops the reaper and closes every pooled connection.
func (p *Pool) Close() {
	close(p.done)
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.conns {
		e.client.Close()
		delete(p.conns, k)
	}
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(p.idleEvict / 5)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

func (p *Pool) evictIdle() {
	cutoff := time.Now().Add(-p.idleEvict)
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.conns {
		e.mu.Lock()
		idle := e.sessions == 0 && e.lastUsed.Before(cutoff)
		e.mu.Unlock()
		if idle {
			e.client.Close()
			delete(p.conns, k)
		}
	}
}

func (p *Pool) semaphore(host string) chan struct{} {
	p.hostConcurrencyM.Lock()
	defer p.hostConcurrencyM.Unlock()
	sem, ok := p.hostConcurrency[host]
	if !ok {
		sem = make(chan struct{}, p.maxSessionsHost)
		p.hostConcurrency[host] = sem
	}
	return sem
}

func (p *Pool) getOrDial(host string, port int, creds Credentials) (*entry, error) {
	key := poolKey{host: host, user: creds.User}

	p.mu.Lock()
	e, ok := p.conns[key]
	p.mu.Unlock()
	if ok {
		if err := keepalive(e.client); err == nil {
			return e, nil
		}
		p.mu.Lock()
		delete(p.conns, key)
		p.mu.Unlock()
	}

	client, err := dial(host, port, creds, p.dialTimeout)
	if err != nil {
		return nil, err
	}

	e = &entry{client: client, lastUsed: time.Now(), connectAt: time.Now()}
	p.mu.Lock()
	p.conns[key] = e
	p.mu.Unlock()
	return e, nil
}

func keepalive(c *ssh.Client) error {
	_, _, err := c.SendRequest("keepalive@ironclad", true, nil)
	return err
}

func dial(host string, port int, creds Credentials, timeout time.Duration) (*ssh.Client, error) {
	var auth []ssh.AuthMethod
	if len(creds.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(creds.PrivateKey)
		if err != nil {
			return nil, &models.AuthError{Host: host, Err: fmt.Errorf("parse private key: %w", err)}
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		auth = append(auth, ssh.Password(creds.Password))
	}
	if len(auth) == 0 {
		return nil, &models.AuthError{Host: host, Err: fmt.Errorf("no credentials supplied")}
	}

	cfg := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		if isAuthErr(err) {
			return nil, &models.AuthError{Host: host, Err: err}
		}
		return nil, &models.ConnectError{Host: host, Err: err}
	}
	return client, nil
}

// isAuthErr reports whether err looks like a rejected-credential failure
// rather than a network-level connect failure. x/crypto/ssh has no
// exported sentinel for this, so it goes by the message the handshake
// documents for "unable to authenticate".
func isAuthErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "authentication failed") ||
		strings.Contains(msg, "no supported methods remain")
}
