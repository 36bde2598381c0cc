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

// Package event implements the sequenced event core: a monotonically
// numbered event stream backed by a fixed-capacity ring buffer, with
// filtered subscription and replay.
package event

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleet-x-project/fleet/internal/logger"
)

// Event is a single point on the sequenced stream.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
	Sequence  uint64      `json:"sequence"`
	Source    string      `json:"source,omitempty"`
}

// Filter selects a subset of the stream. A zero-value Filter matches
// everything: absent Types/Sources mean "match all", and a nil
// AfterSequence means no lower bound.
type Filter struct {
	Types         []string
	Sources       []string
	AfterSequence *uint64
}

// Matches reports whether e satisfies f.
func (f *Filter) Matches(e Event) bool {
	if f == nil {
		return true
	}
	if len(f.Types) > 0 && !contains(f.Types, e.Type) {
		return false
	}
	if len(f.Sources) > 0 && !contains(f.Sources, e.Source) {
		return false
	}
	if f.AfterSequence != nil && e.Sequence <= *f.AfterSequence {
		return false
	}
	return true
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// Listener receives delivered events. An error return is logged at debug
// and swallowed: it never blocks or cancels delivery to other listeners.
type Listener func(Event) error

type subscription struct {
	id       uint64
	filter   *Filter
	callback Listener
}

// Core is the sequenced event stream: a monotonic sequencer, a
// fixed-capacity ring buffer for replay, and a set of filtered listeners.
type Core struct {
	mu       sync.Mutex
	sequence uint64
	capacity int
	buffer   []Event
	start    int // index of the oldest element in buffer
	count    int // number of valid elements in buffer

	subs   map[uint64]*subscription
	nextID uint64

	log logger.Logger
}

// Option configures a Core.
type Option func(*Core)

// WithLogger overrides the package default logger for this Core.
func WithLogger(l logger.Logger) Option {
	return func(c *Core) { c.log = l }
}

// New creates an event Core with the given ring-buffer capacity (must be
// at least 1).
func New(capacity int, opts ...Option) *Core {
	if capacity < 1 {
		capacity = 1
	}
	c := &Core{
		capacity: capacity,
		buffer:   make([]Event, capacity),
		subs:     make(map[uint64]*subscription),
		log:      logger.GetDefaultLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Emit assigns a fresh event ID, timestamp, and sequence number, appends
// the event to the ring buffer, and delivers it synchronously and in order
// to every matching subscriber before returning.
func (c *Core) Emit(eventType string, data interface{}, source string) Event {
	c.mu.Lock()

	// Sequence numbers start at 0 and are never reused.
	seq := c.sequence
	c.sequence++
	e := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Sequence:  seq,
		Source:    source,
	}

	c.push(e)

	// Snapshot subscribers while holding the lock so a concurrent
	// Subscribe/unsubscribe can't race with delivery, then release the
	// lock before invoking callbacks so a slow listener can't stall Emit
	// callers waiting on the Core's own state.
	listeners := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		listeners = append(listeners, sub)
	}
	c.mu.Unlock()

	for _, sub := range listeners {
		if !sub.filter.Matches(e) {
			continue
		}
		c.deliver(sub, e)
	}

	return e
}

func (c *Core) deliver(sub *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Debug("event listener panicked", logger.Any("recovered", r))
		}
	}()
	if err := sub.callback(e); err != nil {
		c.log.Debug("event listener returned error", logger.Error(err))
	}
}

// push appends e to the ring buffer, overwriting the oldest entry once the
// buffer is full.
func (c *Core) push(e Event) {
	idx := (c.start + c.count) % c.capacity
	c.buffer[idx] = e
	if c.count < c.capacity {
		c.count++
	} else {
		c.start = (c.start + 1) % c.capacity
	}
}

// toArray returns the buffer's contents oldest-first.
func (c *Core) toArray() []Event {
	out := make([]Event, c.count)
	for i := 0; i < c.count; i++ {
		out[i] = c.buffer[(c.start+i)%c.capacity]
	}
	return out
}

// Subscribe registers callback for events matching filter (nil matches
// everything) and returns an unsubscribe function. Registration is O(1).
func (c *Core) Subscribe(filter *Filter, callback Listener) (unsubscribe func()) {
	c.mu.Lock()
	id := c.addSub(filter, callback)
	c.mu.Unlock()

	return func() { c.removeSub(id) }
}

// SubscribeWithReplay atomically captures a replay snapshot and registers
// callback in the same critical section, so the returned snapshot and the
// live events callback subsequently receives are gapless and
// non-overlapping: nothing emitted before the snapshot is redelivered
// live, and nothing emitted after it is missing from either.
func (c *Core) SubscribeWithReplay(filter *Filter, callback Listener) (replay []Event, unsubscribe func()) {
	c.mu.Lock()
	replay = matchFilter(c.toArray(), filter)
	id := c.addSub(filter, callback)
	c.mu.Unlock()

	return replay, func() { c.removeSub(id) }
}

func (c *Core) addSub(filter *Filter, callback Listener) uint64 {
	c.nextID++
	id := c.nextID
	c.subs[id] = &subscription{id: id, filter: filter, callback: callback}
	return id
}

func (c *Core) removeSub(id uint64) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

// GetReplay returns a snapshot of buffered events matching filter,
// oldest-first.
func (c *Core) GetReplay(filter *Filter) []Event {
	c.mu.Lock()
	all := c.toArray()
	c.mu.Unlock()

	return matchFilter(all, filter)
}

func matchFilter(events []Event, filter *Filter) []Event {
	if filter == nil {
		return events
	}

	out := make([]Event, 0, len(events))
	for _, e := range events {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// Sequence returns the next sequence number that will be assigned.
func (c *Core) Sequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}
