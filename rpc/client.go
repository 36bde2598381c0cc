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

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleet-x-project/fleet/directory"
	"github.com/fleet-x-project/fleet/event"
	"github.com/fleet-x-project/fleet/identity"
	"github.com/fleet-x-project/fleet/internal/logger"
)

// Sentinel client-side error kinds (§7): Transport, Timeout, DiscoveryFailed.
var (
	ErrClientClosed    = errors.New("rpc: client closed")
	ErrTransport       = errors.New("rpc: transport error")
	ErrTimeout         = errors.New("rpc: request timeout")
	ErrDiscoveryFailed = errors.New("rpc: discovery failed")
)

// LinkState is a client link's position in its IDLE -> CONNECTING -> OPEN
// -> CLOSING -> CLOSED state machine (CLOSED -> CONNECTING iff
// auto-reconnect is enabled).
type LinkState int

const (
	LinkIdle LinkState = iota
	LinkConnecting
	LinkOpen
	LinkClosing
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "IDLE"
	case LinkConnecting:
		return "CONNECTING"
	case LinkOpen:
		return "OPEN"
	case LinkClosing:
		return "CLOSING"
	case LinkClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// EventName identifies a client lifecycle event fired per endpoint URL.
type EventName string

const (
	EventConnected    EventName = "connected"
	EventDisconnected EventName = "disconnected"
	EventReconnecting EventName = "reconnecting"
)

// ReconnectOptions configures a link's auto-reconnect behavior.
type ReconnectOptions struct {
	Enabled        bool
	InitialBackoff time.Duration
	Factor         float64
	MaxBackoff     time.Duration
	MaxAttempts    int
}

// DefaultReconnectOptions returns auto-reconnect disabled, with the
// backoff schedule from §4.6 (initial 1s, factor 2, cap 30s, 5 attempts)
// ready to use once enabled.
func DefaultReconnectOptions() ReconnectOptions {
	return ReconnectOptions{
		Enabled:        false,
		InitialBackoff: time.Second,
		Factor:         2,
		MaxBackoff:     30 * time.Second,
		MaxAttempts:    5,
	}
}

type requestOutcome struct {
	resp *Response
	err  error
}

type pendingRequest struct {
	ch    chan requestOutcome
	timer *time.Timer
}

type linkObserver interface {
	onConnected(url string)
	onDisconnected(url string)
	onReconnecting(url string, attempt int)
}

type subscription struct {
	ch chan event.Event
}

// link is one endpoint connection owned by a Client: its own pending map,
// its own reconnect state, no back-pointer to the Client beyond the
// narrow linkObserver interface.
type link struct {
	url          string
	dialTimeout  time.Duration
	writeTimeout time.Duration
	reconnect    ReconnectOptions
	observer     linkObserver

	mu               sync.Mutex
	conn             *websocket.Conn
	state            LinkState
	intentionalClose bool
	reconnectAttempt int
	lastFilter       *event.Filter

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	subMu sync.Mutex
	sub   *subscription

	log logger.Logger
}

func newLink(url string, dialTimeout time.Duration, reconnect ReconnectOptions, observer linkObserver, log logger.Logger) *link {
	return &link{
		url:          url,
		dialTimeout:  dialTimeout,
		writeTimeout: 10 * time.Second,
		reconnect:    reconnect,
		observer:     observer,
		state:        LinkIdle,
		pending:      make(map[string]*pendingRequest),
		log:          log,
	}
}

func (l *link) getState() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ensureConnected dials the endpoint if not already OPEN. Opening is
// contract: one link per endpoint, and a failed dial surfaces
// ErrTransport rather than retrying inline (retries are the reconnect
// loop's job, not the caller's).
func (l *link) ensureConnected(ctx context.Context) error {
	l.mu.Lock()
	if l.state == LinkOpen {
		l.mu.Unlock()
		return nil
	}
	l.state = LinkConnecting
	l.mu.Unlock()

	dialer := &websocket.Dialer{HandshakeTimeout: l.dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		l.mu.Lock()
		l.state = LinkClosed
		l.mu.Unlock()
		if resp != nil {
			return fmt.Errorf("%w: dial %s failed (HTTP %d): %v", ErrTransport, l.url, resp.StatusCode, err)
		}
		return fmt.Errorf("%w: dial %s failed: %v", ErrTransport, l.url, err)
	}

	l.mu.Lock()
	l.conn = conn
	l.state = LinkOpen
	l.reconnectAttempt = 0
	l.mu.Unlock()

	go l.readLoop()

	if l.observer != nil {
		l.observer.onConnected(l.url)
	}

	l.mu.Lock()
	filter := l.lastFilter
	l.mu.Unlock()
	if filter != nil {
		_ = l.sendSubscribe(filter)
	}

	return nil
}

func (l *link) readLoop() {
	defer func() {
		l.mu.Lock()
		intentional := l.intentionalClose
		l.state = LinkClosed
		l.mu.Unlock()

		reason := "Server closed"
		if intentional {
			reason = "Client closed"
		}
		l.rejectAllPending(fmt.Errorf("%w: %s", ErrTransport, reason))

		if l.observer != nil {
			l.observer.onDisconnected(l.url)
		}

		if !intentional && l.reconnect.Enabled {
			go l.reconnectLoop()
		}
	}()

	for {
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var probe framePeek
		if err := json.Unmarshal(data, &probe); err != nil {
			continue
		}

		switch probe.Type {
		case "event":
			var ef eventFrame
			if err := json.Unmarshal(data, &ef); err == nil {
				l.deliverEvent(ef.Event)
			}
			continue
		case "replay":
			var rf replayFrame
			if err := json.Unmarshal(data, &rf); err == nil {
				l.deliverReplay(rf.Events)
			}
			continue
		}

		if probe.JSONRPC == "" {
			continue
		}

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.Result == nil && resp.Error == nil {
			// A server-initiated notification (carries method, not
			// result/error). This client has no generic notification
			// sink; event/replay frames are the supported push channel.
			continue
		}
		l.resolvePending(idKey(resp.ID), &resp)
	}
}

func (l *link) deliverEvent(e event.Event) {
	l.subMu.Lock()
	s := l.sub
	l.subMu.Unlock()
	if s == nil {
		return
	}
	select {
	case s.ch <- e:
	default:
	}
}

func (l *link) deliverReplay(events []event.Event) {
	l.subMu.Lock()
	s := l.sub
	l.subMu.Unlock()
	if s == nil {
		return
	}
	for _, e := range events {
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (l *link) sendSubscribe(filter *event.Filter) error {
	return l.writeJSON(&subscribeFrame{Type: "subscribe", Filter: filter})
}

func (l *link) writeJSON(v interface{}) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", ErrTransport)
	}

	if err := conn.SetWriteDeadline(time.Now().Add(l.writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

func (l *link) registerPending(id string, ch chan requestOutcome, timer *time.Timer) {
	l.pendingMu.Lock()
	l.pending[id] = &pendingRequest{ch: ch, timer: timer}
	l.pendingMu.Unlock()
}

func (l *link) resolvePending(id string, resp *Response) {
	l.pendingMu.Lock()
	pr, ok := l.pending[id]
	if ok {
		delete(l.pending, id)
	}
	l.pendingMu.Unlock()
	if !ok {
		return
	}
	pr.timer.Stop()
	select {
	case pr.ch <- requestOutcome{resp: resp}:
	default:
	}
}

func (l *link) rejectPending(id string, err error) {
	l.pendingMu.Lock()
	pr, ok := l.pending[id]
	if ok {
		delete(l.pending, id)
	}
	l.pendingMu.Unlock()
	if !ok {
		return
	}
	pr.timer.Stop()
	select {
	case pr.ch <- requestOutcome{err: err}:
	default:
	}
}

func (l *link) rejectAllPending(err error) {
	l.pendingMu.Lock()
	pending := l.pending
	l.pending = make(map[string]*pendingRequest)
	l.pendingMu.Unlock()

	for _, pr := range pending {
		pr.timer.Stop()
		select {
		case pr.ch <- requestOutcome{err: err}:
		default:
		}
	}
}

func (l *link) reconnectLoop() {
	backoff := l.reconnect.InitialBackoff
	for attempt := 1; l.reconnect.MaxAttempts <= 0 || attempt <= l.reconnect.MaxAttempts; attempt++ {
		l.mu.Lock()
		if l.intentionalClose {
			l.mu.Unlock()
			return
		}
		l.reconnectAttempt = attempt
		l.mu.Unlock()

		if l.observer != nil {
			l.observer.onReconnecting(l.url, attempt)
		}

		time.Sleep(backoff)

		if err := l.ensureConnected(context.Background()); err == nil {
			return
		}

		backoff = time.Duration(float64(backoff) * l.reconnect.Factor)
		if backoff > l.reconnect.MaxBackoff {
			backoff = l.reconnect.MaxBackoff
		}
	}

	l.mu.Lock()
	l.state = LinkClosed
	l.mu.Unlock()
}

// close marks the link as intentionally closing, which suppresses
// auto-reconnect, rejects every pending request with ErrTransport, and
// tears down the socket.
func (l *link) close() {
	l.mu.Lock()
	l.intentionalClose = true
	conn := l.conn
	l.state = LinkClosing
	l.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}

	l.rejectAllPending(fmt.Errorf("%w: Client closed", ErrTransport))

	l.mu.Lock()
	l.state = LinkClosed
	l.mu.Unlock()
}

func idKey(id interface{}) string {
	if s, ok := id.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", id)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientDirectory sets the directory used to resolve AIDs and
// capabilities to endpoints.
func WithClientDirectory(p directory.Provider) ClientOption {
	return func(c *Client) { c.directory = p }
}

// WithDirectoryTimeout bounds directory lookups made during resolution
// (default directory.DefaultLookupTimeout).
func WithDirectoryTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.dirTimeout = d }
}

// WithDefaultTimeout sets the per-request timeout used when
// RequestOptions.Timeout is zero (default 30s per §4.6).
func WithDefaultTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.defaultTimeout = d }
}

// WithDialTimeout bounds opening a new link.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.dialTimeout = d }
}

// WithReconnect installs opts as every new link's reconnect behavior.
func WithReconnect(opts ReconnectOptions) ClientOption {
	return func(c *Client) { c.reconnect = opts }
}

// WithClientLogger overrides the package default logger.
func WithClientLogger(l logger.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// Client is the RPC client: directory-backed endpoint resolution, one
// link per endpoint, and signed requests correlated by ID.
type Client struct {
	identity *identity.KeyPair
	aid      string

	directory  directory.Provider
	dirTimeout time.Duration

	defaultTimeout time.Duration
	dialTimeout    time.Duration
	reconnect      ReconnectOptions

	log logger.Logger

	mu      sync.Mutex
	links   map[string]*link
	closed  bool
	counter uint64

	listenersMu    sync.Mutex
	onConnectedCb  []func(url string)
	onDisconnectCb []func(url string)
	onReconnectCb  []func(url string)
}

// NewClient creates a Client signing requests with kp.
func NewClient(kp *identity.KeyPair, opts ...ClientOption) (*Client, error) {
	aid, err := identity.PublicKeyToAID(kp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("rpc: derive client aid: %w", err)
	}

	c := &Client{
		identity:       kp,
		aid:            aid,
		dirTimeout:     directory.DefaultLookupTimeout,
		defaultTimeout: 30 * time.Second,
		dialTimeout:    30 * time.Second,
		reconnect:      DefaultReconnectOptions(),
		log:            logger.GetDefaultLogger(),
		links:          make(map[string]*link),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// On registers cb to fire when evt happens on any endpoint URL this
// client holds a link to.
func (c *Client) On(evt EventName, cb func(url string)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	switch evt {
	case EventConnected:
		c.onConnectedCb = append(c.onConnectedCb, cb)
	case EventDisconnected:
		c.onDisconnectCb = append(c.onDisconnectCb, cb)
	case EventReconnecting:
		c.onReconnectCb = append(c.onReconnectCb, cb)
	}
}

func (c *Client) onConnected(url string)    { c.fire(c.onConnectedCb, url) }
func (c *Client) onDisconnected(url string) { c.fire(c.onDisconnectCb, url) }
func (c *Client) onReconnecting(url string, _ int) {
	c.fire(c.onReconnectCb, url)
}

func (c *Client) fire(cbs []func(string), url string) {
	c.listenersMu.Lock()
	snapshot := append([]func(string){}, cbs...)
	c.listenersMu.Unlock()
	for _, cb := range snapshot {
		cb(url)
	}
}

func (c *Client) getOrOpenLink(ctx context.Context, url string) (*link, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	l, ok := c.links[url]
	if !ok {
		l = newLink(url, c.dialTimeout, c.reconnect, c, c.log)
		c.links[url] = l
	}
	c.mu.Unlock()

	if err := l.ensureConnected(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (c *Client) resolveEndpoint(ctx context.Context, to string) (string, error) {
	if strings.HasPrefix(to, "rpc://") || strings.HasPrefix(to, "ws://") || strings.HasPrefix(to, "wss://") {
		return to, nil
	}

	if identity.IsValidAID(to) {
		return c.lookupEndpoint(ctx, to)
	}

	if c.directory == nil {
		return "", fmt.Errorf("%w: no directory configured", ErrDiscoveryFailed)
	}
	aids := c.directory.Discover(to)
	if len(aids) == 0 {
		return "", fmt.Errorf("%w: no agent advertises capability %q", ErrDiscoveryFailed, to)
	}
	return c.lookupEndpoint(ctx, aids[0])
}

func (c *Client) lookupEndpoint(ctx context.Context, aid string) (string, error) {
	if c.directory == nil {
		return "", fmt.Errorf("%w: no directory configured", ErrDiscoveryFailed)
	}
	meta, ok, err := directory.LookupWithTimeout(ctx, c.directory, aid, c.dirTimeout)
	if err != nil || !ok || meta.Endpoints.RPC == "" {
		return "", fmt.Errorf("%w: no rpc endpoint for %s", ErrDiscoveryFailed, aid)
	}
	return meta.Endpoints.RPC, nil
}

// RequestOptions configures Client.Request.
type RequestOptions struct {
	// To is an "rpc://", "ws://" or "wss://" endpoint URL (used as is), an
	// AID, or a bare capability name (§4.6 step 1).
	To      string
	Method  string
	Params  interface{}
	Timeout time.Duration
}

// Request resolves To to an endpoint, opens or reuses its link, signs
// {method, params} with the client's identity, and waits for a
// correlated response or the request's own timeout.
func (c *Client) Request(ctx context.Context, opts RequestOptions) (json.RawMessage, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	endpoint, err := c.resolveEndpoint(ctx, opts.To)
	if err != nil {
		return nil, err
	}

	l, err := c.getOrOpenLink(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	paramsRaw, err := json.Marshal(opts.Params)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode params: %w", err)
	}

	id := fmt.Sprintf("req-%d-%d", atomic.AddUint64(&c.counter, 1), time.Now().UnixMilli())
	req := &Request{JSONRPC: "2.0", Method: opts.Method, Params: paramsRaw, ID: id}

	sig, err := signRequest(c.identity, req)
	if err != nil {
		return nil, fmt.Errorf("rpc: sign request: %w", err)
	}
	req.Auth = &Auth{From: c.aid, Signature: sig}

	outcome := make(chan requestOutcome, 1)
	timer := time.AfterFunc(timeout, func() {
		l.rejectPending(id, ErrTimeout)
	})
	l.registerPending(id, outcome, timer)

	if err := l.writeJSON(req); err != nil {
		l.rejectPending(id, fmt.Errorf("%w: %v", ErrTransport, err))
	}

	select {
	case out := <-outcome:
		if out.err != nil {
			return nil, out.err
		}
		if out.resp.Error != nil {
			return nil, out.resp.Error
		}
		return out.resp.Result, nil
	case <-ctx.Done():
		l.rejectPending(id, ctx.Err())
		return nil, ctx.Err()
	}
}

// Subscribe opens or reuses a link to to, sends a subscribe frame for
// filter, and returns a channel delivering the replay snapshot (in
// order) followed by live matching events, plus an unsubscribe func.
func (c *Client) Subscribe(ctx context.Context, to string, filter *event.Filter) (<-chan event.Event, func(), error) {
	endpoint, err := c.resolveEndpoint(ctx, to)
	if err != nil {
		return nil, nil, err
	}

	l, err := c.getOrOpenLink(ctx, endpoint)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan event.Event, 256)
	l.subMu.Lock()
	l.sub = &subscription{ch: ch}
	l.mu.Lock()
	l.lastFilter = filter
	l.mu.Unlock()
	l.subMu.Unlock()

	if err := l.sendSubscribe(filter); err != nil {
		return nil, nil, err
	}

	unsubscribe := func() {
		l.subMu.Lock()
		l.sub = nil
		l.subMu.Unlock()
	}
	return ch, unsubscribe, nil
}

// Close marks the client as intentionally closed, rejects every pending
// request on every link with ErrTransport, and closes every link.
// Subsequent calls are no-ops; Request after Close returns
// ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	links := make([]*link, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.mu.Unlock()

	for _, l := range links {
		l.close()
	}
	return nil
}

// LinkState reports the state of the link to url, or LinkClosed if no
// link to url has ever been opened.
func (c *Client) LinkState(url string) LinkState {
	c.mu.Lock()
	l, ok := c.links[url]
	c.mu.Unlock()
	if !ok {
		return LinkClosed
	}
	return l.getState()
}
