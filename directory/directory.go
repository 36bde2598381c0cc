// Copyright (C) 2025 fleet-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package directory implements the capability/identifier lookup service
// used to route RPC calls to agent endpoints.
package directory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrLookupTimeout is returned by LookupWithTimeout when the provider
// does not answer within the given deadline.
var ErrLookupTimeout = errors.New("directory: lookup timed out")

// DefaultLookupTimeout is the timeout applied to directory lookups made
// on the RPC dispatch path when no explicit timeout is configured.
const DefaultLookupTimeout = 5 * time.Second

// Capability describes one capability an agent advertises.
type Capability struct {
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
}

// Endpoints lists the transport endpoints an agent can be reached on.
type Endpoints struct {
	RPC  string `json:"rpc,omitempty"`
	HTTP string `json:"http,omitempty"`
}

// AgentMetadata is a directory entry: an agent's identity, name,
// advertised capabilities, and endpoints.
type AgentMetadata struct {
	DID          string       `json:"did"`
	Name         string       `json:"name"`
	Capabilities []Capability `json:"capabilities"`
	Endpoints    Endpoints    `json:"endpoints"`
}

// SearchQuery filters Search results. Empty/nil fields place no
// restriction on that dimension.
type SearchQuery struct {
	Capabilities []string
	Name         string
}

// Provider is the directory's capability surface: discover agents by
// capability, look one up by AID, register/unregister, and search.
type Provider interface {
	// Discover returns the AIDs of every agent advertising capability.
	// capability == "*" returns every registered AID.
	Discover(capability string) []string
	// Lookup returns the metadata registered under aid, and whether it
	// was found.
	Lookup(aid string) (AgentMetadata, bool)
	// Register upserts meta, replacing any prior entry for the same AID.
	Register(meta AgentMetadata)
	// Unregister removes aid's entry, reporting whether one existed.
	Unregister(aid string) bool
	// Search returns the AIDs of every agent matching query: capability
	// match requires the entry's capability names to intersect the
	// query's; name match is a case-insensitive substring match.
	Search(query SearchQuery) []string
}

// InMemory is the default in-process Provider, an AID-keyed registry
// guarded by a single mutex; capability lookups scan every entry.
type InMemory struct {
	mu      sync.RWMutex
	entries map[string]AgentMetadata
}

// NewInMemory creates an empty in-memory directory.
func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[string]AgentMetadata)}
}

// Discover implements Provider.
func (d *InMemory) Discover(capability string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []string
	for aid, meta := range d.entries {
		if capability == "*" || hasCapability(meta, capability) {
			out = append(out, aid)
		}
	}
	return out
}

// Lookup implements Provider.
func (d *InMemory) Lookup(aid string) (AgentMetadata, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	meta, ok := d.entries[aid]
	return meta, ok
}

// Register implements Provider. Re-registering the same AID replaces the
// prior entry wholesale.
func (d *InMemory) Register(meta AgentMetadata) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.entries[meta.DID] = meta
}

// Unregister implements Provider.
func (d *InMemory) Unregister(aid string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.entries[aid]; !ok {
		return false
	}
	delete(d.entries, aid)
	return true
}

// Search implements Provider.
func (d *InMemory) Search(query SearchQuery) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []string
	for aid, meta := range d.entries {
		if len(query.Capabilities) > 0 && !intersects(query.Capabilities, capabilityNames(meta)) {
			continue
		}
		if query.Name != "" && !strings.Contains(strings.ToLower(meta.Name), strings.ToLower(query.Name)) {
			continue
		}
		out = append(out, aid)
	}
	return out
}

func hasCapability(meta AgentMetadata, capability string) bool {
	for _, c := range meta.Capabilities {
		if c.Name == capability {
			return true
		}
	}
	return false
}

func capabilityNames(meta AgentMetadata) []string {
	names := make([]string, len(meta.Capabilities))
	for i, c := range meta.Capabilities {
		names[i] = c.Name
	}
	return names
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	for _, s := range a {
		if _, ok := set[s]; ok {
			return true
		}
	}
	return false
}

// LookupWithTimeout calls p.Lookup but bounds its wait to timeout (or
// ctx's own deadline, whichever is sooner), so a slow or wedged provider
// can never stall an RPC dispatch indefinitely. InMemory's Lookup never
// blocks, so this mainly protects against custom Provider implementations
// (e.g. a remote registry) that do.
func LookupWithTimeout(ctx context.Context, p Provider, aid string, timeout time.Duration) (AgentMetadata, bool, error) {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		meta AgentMetadata
		ok   bool
	}
	ch := make(chan result, 1)
	go func() {
		meta, ok := p.Lookup(aid)
		ch <- result{meta: meta, ok: ok}
	}()

	select {
	case r := <-ch:
		return r.meta, r.ok, nil
	case <-ctx.Done():
		return AgentMetadata{}, false, ErrLookupTimeout
	}
}

var (
	defaultMu       sync.RWMutex
	defaultProvider Provider
)

// Init explicitly installs p as the process-wide default directory. There
// is no implicit package-level init(): callers (or tests) choose and
// install their provider before anything consults Default.
func Init(p Provider) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultProvider = p
}

// Default returns the process-wide directory installed by Init, or nil
// if Init has not been called.
func Default() Provider {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultProvider
}
