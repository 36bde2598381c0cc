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
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleet-x-project/fleet/event"
	"github.com/fleet-x-project/fleet/internal/logger"
)

// Handler processes one dispatched method call. A returned *Error is sent
// to the caller verbatim; any other error is wrapped as INTERNAL_ERROR.
type Handler func(ctx context.Context, rctx *Ctx, params json.RawMessage) (interface{}, error)

// Ctx is the per-request context threaded through the middleware chain
// and into the dispatched Handler. It carries a ConnID rather than a
// pointer back into the connection arena, per the server's arena model.
type Ctx struct {
	Context    context.Context
	Request    *Request
	From       string
	ReceivedAt int64
	Metadata   map[string]interface{}
	ConnID     ConnID
}

// Next invokes the remainder of the middleware chain (and ultimately the
// dispatcher), returning its response. Calling it a second time fails the
// chain with INTERNAL_ERROR rather than re-running it.
type Next func() *Response

// Middleware wraps request handling; it may short-circuit by returning a
// Response without calling next, or return next()'s result (optionally
// inspected or logged, but not mutated).
type Middleware func(ctx *Ctx, next Next) *Response

// ConnID identifies one live server connection in the connection arena.
type ConnID uint64

type connState struct {
	id      ConnID
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	aid  string
	alive bool

	unsubEvents func()
}

func (cs *connState) setAlive(v bool) {
	cs.mu.Lock()
	cs.alive = v
	cs.mu.Unlock()
}

func (cs *connState) isAlive() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.alive
}

func (cs *connState) setAID(aid string) (changed bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.aid != "" {
		return false
	}
	cs.aid = aid
	return true
}

func (cs *connState) getAID() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.aid
}

// subscribeFrame is the client->server message that amends a connection's
// server-side event filter (§6 "Subscribe frame").
type subscribeFrame struct {
	Type   string        `json:"type"`
	Filter *event.Filter `json:"filter,omitempty"`
}

type replayFrame struct {
	Type   string        `json:"type"`
	Events []event.Event `json:"events"`
}

type eventFrame struct {
	Type  string      `json:"type"`
	Event event.Event `json:"event"`
}

type framePeek struct {
	Type    string `json:"type,omitempty"`
	JSONRPC string `json:"jsonrpc,omitempty"`
}

// Server is the JSON-RPC 2.0 server: connection lifecycle, auth, method
// dispatch through a middleware chain, heartbeat, and notify/broadcast.
type Server struct {
	requireAuth bool
	authPolicy  AuthPolicy
	heartbeat   time.Duration
	debug       bool
	events      *event.Core

	upgrader websocket.Upgrader

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	middleware []Middleware

	connMu      sync.RWMutex
	connections map[ConnID]*connState
	nextConnID  uint64

	listenersMu sync.Mutex
	connected   []func(aid string)
	disconnect  []func(aid string)

	heartbeatOnce sync.Once

	log logger.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRequireAuth toggles whether the server demands and verifies
// auth.from/auth.signature on every request (default true).
func WithRequireAuth(v bool) ServerOption { return func(s *Server) { s.requireAuth = v } }

// WithAuthPolicy selects the signature coverage the server verifies
// against (default AuthPolicyPayloadOnly, matching this module's client).
func WithAuthPolicy(p AuthPolicy) ServerOption { return func(s *Server) { s.authPolicy = p } }

// WithHeartbeat enables the liveness-probe loop at the given interval.
func WithHeartbeat(interval time.Duration) ServerOption {
	return func(s *Server) { s.heartbeat = interval }
}

// WithEventCore attaches an event.Core whose stream is relayed to
// connections that send a subscribe frame.
func WithEventCore(c *event.Core) ServerOption { return func(s *Server) { s.events = c } }

// WithDebug includes panic/error detail in INTERNAL_ERROR's data field.
func WithDebug(v bool) ServerOption { return func(s *Server) { s.debug = v } }

// WithServerLogger overrides the package default logger.
func WithServerLogger(l logger.Logger) ServerOption { return func(s *Server) { s.log = l } }

// NewServer creates a Server with requireAuth enabled and no heartbeat.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		requireAuth: true,
		authPolicy:  AuthPolicyPayloadOnly,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		handlers:    make(map[string]Handler),
		connections: make(map[ConnID]*connState),
		log:         logger.GetDefaultLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterHandler installs h for method, replacing any prior handler.
func (s *Server) RegisterHandler(method string, h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[method] = h
}

// Use appends mw to the middleware chain, run in registration order.
func (s *Server) Use(mw Middleware) {
	s.middleware = append(s.middleware, mw)
}

// OnClientConnected registers cb to fire the first time a connection
// authenticates.
func (s *Server) OnClientConnected(cb func(aid string)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.connected = append(s.connected, cb)
}

// OnClientDisconnected registers cb to fire when an authenticated
// connection is terminated (by close or by a failed heartbeat).
func (s *Server) OnClientDisconnected(cb func(aid string)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.disconnect = append(s.disconnect, cb)
}

func (s *Server) emitConnected(aid string) {
	s.listenersMu.Lock()
	cbs := append([]func(string){}, s.connected...)
	s.listenersMu.Unlock()
	for _, cb := range cbs {
		cb(aid)
	}
}

func (s *Server) emitDisconnected(aid string) {
	if aid == "" {
		return
	}
	s.listenersMu.Lock()
	cbs := append([]func(string){}, s.disconnect...)
	s.listenersMu.Unlock()
	for _, cb := range cbs {
		cb(aid)
	}
}

// Handler returns an http.Handler that upgrades requests to WebSocket
// connections and serves JSON-RPC frames over them.
func (s *Server) Handler() http.Handler {
	if s.heartbeat > 0 {
		s.heartbeatOnce.Do(func() { go s.runHeartbeat() })
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, fmt.Sprintf("websocket upgrade failed: %v", err), http.StatusBadRequest)
			return
		}

		cs := &connState{
			id:    ConnID(atomic.AddUint64(&s.nextConnID, 1)),
			conn:  conn,
			alive: true,
		}
		s.addConn(cs)
		defer s.removeConn(cs)
		defer func() { _ = conn.Close() }()

		conn.SetPongHandler(func(string) error {
			cs.setAlive(true)
			return nil
		})

		s.serveConn(r.Context(), cs)
	})
}

func (s *Server) addConn(cs *connState) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.connections[cs.id] = cs
}

func (s *Server) removeConn(cs *connState) {
	s.connMu.Lock()
	delete(s.connections, cs.id)
	s.connMu.Unlock()

	if cs.unsubEvents != nil {
		cs.unsubEvents()
	}
	s.emitDisconnected(cs.getAID())
}

func (s *Server) serveConn(ctx context.Context, cs *connState) {
	for {
		_, data, err := cs.conn.ReadMessage()
		if err != nil {
			return
		}

		var peek framePeek
		if err := json.Unmarshal(data, &peek); err != nil {
			s.writeJSON(cs, errorResponse(nil, newError(CodeParseError, "parse error")))
			continue
		}

		if peek.Type == "subscribe" {
			s.handleSubscribe(cs, data)
			continue
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.writeJSON(cs, errorResponse(nil, newError(CodeParseError, "parse error")))
			continue
		}
		if !isValidRequest(&req) {
			s.writeJSON(cs, errorResponse(req.ID, newError(CodeInvalidRequest, "invalid request")))
			continue
		}

		s.handleRequest(ctx, cs, &req)
	}
}

func (s *Server) handleSubscribe(cs *connState, data []byte) {
	if s.events == nil {
		return
	}

	var frame subscribeFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}

	if cs.unsubEvents != nil {
		cs.unsubEvents()
	}

	replay, unsub := s.events.SubscribeWithReplay(frame.Filter, func(e event.Event) error {
		return s.writeJSON(cs, &eventFrame{Type: "event", Event: e})
	})
	cs.unsubEvents = unsub

	if replay == nil {
		replay = []event.Event{}
	}
	_ = s.writeJSON(cs, &replayFrame{Type: "replay", Events: replay})
}

func (s *Server) handleRequest(ctx context.Context, cs *connState, req *Request) {
	from := ""

	if s.requireAuth {
		if !verifyAuth(req, s.authPolicy) {
			s.writeJSON(cs, errorResponse(req.ID, newError(CodeAuthenticationFailed, "authentication failed")))
			return
		}
		from = req.Auth.From
		if cs.setAID(from) {
			s.emitConnected(from)
		}
	}

	ctx = logger.ContextWithConnID(ctx, uint64(cs.id))
	if from != "" {
		ctx = logger.ContextWithAID(ctx, from)
	}

	rctx := &Ctx{
		Context:    ctx,
		Request:    req,
		From:       from,
		ReceivedAt: time.Now().UnixMilli(),
		Metadata:   make(map[string]interface{}),
		ConnID:     cs.id,
	}

	resp := s.runChain(rctx)
	s.writeJSON(cs, resp)
}

func (s *Server) runChain(ctx *Ctx) *Response {
	var run func(i int) *Response
	run = func(i int) *Response {
		if i >= len(s.middleware) {
			return s.dispatch(ctx)
		}
		called := false
		return s.middleware[i](ctx, func() *Response {
			if called {
				return errorResponse(ctx.Request.ID, newError(CodeInternalError, "next() invoked more than once"))
			}
			called = true
			return run(i + 1)
		})
	}
	return run(0)
}

func (s *Server) dispatch(ctx *Ctx) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			var data interface{}
			if s.debug {
				data = fmt.Sprintf("%v\n%s", r, debug.Stack())
			}
			s.log.WithContext(ctx.Context).Error("rpc handler panicked", logger.Any("method", ctx.Request.Method), logger.Any("recovered", r))
			resp = errorResponse(ctx.Request.ID, &Error{
				Code:    CodeInternalError,
				Message: fmt.Sprintf("handler panic: %v", r),
				Data:    data,
			})
		}
	}()

	s.handlersMu.RLock()
	h, ok := s.handlers[ctx.Request.Method]
	s.handlersMu.RUnlock()
	if !ok {
		return errorResponse(ctx.Request.ID, newError(CodeMethodNotFound, fmt.Sprintf("method not found: %s", ctx.Request.Method)))
	}

	result, err := h(ctx.Context, ctx, ctx.Request.Params)
	if err != nil {
		if werr, ok := err.(*Error); ok {
			return errorResponse(ctx.Request.ID, werr)
		}
		var ferr *logger.FleetError
		if errors.As(err, &ferr) {
			return errorResponse(ctx.Request.ID, &Error{Code: CodeInternalError, Message: ferr.Message, Data: ferr.Code})
		}
		var data interface{}
		if s.debug {
			data = err.Error()
		}
		return errorResponse(ctx.Request.ID, &Error{Code: CodeInternalError, Message: err.Error(), Data: data})
	}

	out, merr := resultResponse(ctx.Request.ID, result)
	if merr != nil {
		return errorResponse(ctx.Request.ID, newError(CodeInternalError, "failed to encode result"))
	}
	return out
}

func (s *Server) writeJSON(cs *connState, v interface{}) error {
	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()

	if err := cs.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	if err := cs.conn.WriteJSON(v); err != nil {
		s.log.Debug("rpc write failed", logger.Error(err))
		return err
	}
	return nil
}

// Notify sends method/params as a server-initiated notification to the
// one connection authenticated as aid, returning whether a recipient was
// found and the frame was written.
func (s *Server) Notify(aid, method string, params interface{}) (bool, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return false, err
	}

	cs := s.findByAID(aid)
	if cs == nil {
		return false, nil
	}

	req := &Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  raw,
		ID:      fmt.Sprintf("notify-%d", time.Now().UnixMilli()),
	}
	if err := s.writeJSON(cs, req); err != nil {
		return false, err
	}
	return true, nil
}

// Broadcast fans method/params out to every live connection, returning
// the count of connections it was successfully written to.
func (s *Server) Broadcast(method string, params interface{}) (int, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return 0, err
	}

	s.connMu.RLock()
	conns := make([]*connState, 0, len(s.connections))
	for _, cs := range s.connections {
		conns = append(conns, cs)
	}
	s.connMu.RUnlock()

	sent := 0
	for _, cs := range conns {
		req := &Request{
			JSONRPC: "2.0",
			Method:  method,
			Params:  raw,
			ID:      fmt.Sprintf("notify-%d", time.Now().UnixMilli()),
		}
		if err := s.writeJSON(cs, req); err == nil {
			sent++
		}
	}
	return sent, nil
}

func (s *Server) findByAID(aid string) *connState {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	for _, cs := range s.connections {
		if cs.getAID() == aid {
			return cs
		}
	}
	return nil
}

func (s *Server) runHeartbeat() {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for range ticker.C {
		s.connMu.RLock()
		conns := make([]*connState, 0, len(s.connections))
		for _, cs := range s.connections {
			conns = append(conns, cs)
		}
		s.connMu.RUnlock()

		for _, cs := range conns {
			if !cs.isAlive() {
				_ = cs.conn.Close()
				continue
			}
			cs.setAlive(false)
			cs.writeMu.Lock()
			_ = cs.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			_ = cs.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			cs.writeMu.Unlock()
		}
	}
}

// GetConnectionCount returns the number of currently live connections.
func (s *Server) GetConnectionCount() int {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return len(s.connections)
}

// Close terminates every live connection.
func (s *Server) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	for _, cs := range s.connections {
		_ = cs.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = cs.conn.Close()
	}
	s.connections = make(map[ConnID]*connState)
	return nil
}
