package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/cordell/internal/bus"
	"github.com/basket/cordell/internal/shared"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Application error codes.
	ErrCodeInvalid     = 1000
	ErrCodeNotFound    = 1004
	ErrCodeBusy        = 4090
	ErrCodeTimeout     = 4080
	ErrCodeUnavailable = 5030
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type client struct {
	conn *websocket.Conn

	mu         sync.Mutex
	handshaken bool

	subMu sync.Mutex
	subs  map[string]*bus.Subscription
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) markHandshaken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshaken = true
}

func (c *client) isHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaken
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	c := &client{conn: conn, subs: map[string]*bus.Subscription{}}
	s.addClient(c)
	s.logger.Info("ws: client connected", "remote", r.RemoteAddr)
	defer func() {
		cancel()
		s.removeClient(c)
		s.logger.Info("ws: client disconnected", "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.logger.Warn("ws: read error, closing", "error", err)
			}
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			_ = c.write(ctx, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: ErrCodeParse, Message: "parse error"}})
			continue
		}
		s.logger.Debug("ws: request", "method", req.Method, "id", string(req.ID))
		resp := s.handleRPC(ctx, c, req)
		if resp == nil {
			continue
		}
		if err := c.write(ctx, resp); err != nil {
			s.logger.Warn("ws: write response error", "method", req.Method, "error", err)
			return
		}
	}
}

// rpcMethod handles one JSON-RPC method. Mutating methods require
// system.hello on the connection first.
type rpcMethod struct {
	mutating bool
	call     func(s *Server, ctx context.Context, c *client, params json.RawMessage) (any, error)
}

var rpcMethods = map[string]rpcMethod{
	"system.hello": {call: func(_ *Server, _ context.Context, c *client, _ json.RawMessage) (any, error) {
		c.markHandshaken()
		return map[string]any{"protocol": "cordell", "version": "1.0"}, nil
	}},
	"system.status": {call: func(s *Server, ctx context.Context, _ *client, _ json.RawMessage) (any, error) {
		return s.status(ctx), nil
	}},
	"tools/list": {call: func(s *Server, _ context.Context, _ *client, _ json.RawMessage) (any, error) {
		list, err := s.toolList()
		if err != nil {
			return nil, err
		}
		return map[string]any{"tools": list}, nil
	}},
	"tools/call": {mutating: true, call: rpcCallTool},
	"jobs.list": {call: func(s *Server, _ context.Context, _ *client, _ json.RawMessage) (any, error) {
		return s.jobs()
	}},
	"jobs.run": {mutating: true, call: func(s *Server, ctx context.Context, _ *client, params json.RawMessage) (any, error) {
		var p struct {
			Name string `json:"name"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.runJob(ctx, p.Name)
	}},
	"jobs.runs": {call: func(s *Server, ctx context.Context, _ *client, params json.RawMessage) (any, error) {
		var p struct {
			Name  string `json:"name"`
			Limit int    `json:"limit"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.jobRuns(ctx, p.Name, p.Limit)
	}},
	"sessions.list": {call: func(s *Server, _ context.Context, _ *client, _ json.RawMessage) (any, error) {
		return s.sessions()
	}},
	"sessions.history": {call: func(s *Server, _ context.Context, _ *client, params json.RawMessage) (any, error) {
		var p struct {
			Session string `json:"session"`
			From    *int64 `json:"from"`
			Limit   int    `json:"limit"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.historyPage(sessionOrDefault(p.Session), p.From, p.Limit)
	}},
	"sessions.transcript": {call: func(s *Server, _ context.Context, _ *client, params json.RawMessage) (any, error) {
		var p struct {
			Session string `json:"session"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.transcript(sessionOrDefault(p.Session))
	}},
	"sessions.send": {mutating: true, call: func(s *Server, ctx context.Context, _ *client, params json.RawMessage) (any, error) {
		var p struct {
			Session string `json:"session"`
			Prompt  string `json:"prompt"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
		return s.send(ctx, sessionOrDefault(p.Session), p.Prompt)
	}},
	"sessions.reinitialize": {mutating: true, call: func(s *Server, ctx context.Context, _ *client, params json.RawMessage) (any, error) {
		var p struct {
			Session string `json:"session"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := s.reinitialize(ctx, sessionOrDefault(p.Session)); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	}},
	"notifications.list": {call: func(s *Server, ctx context.Context, _ *client, params json.RawMessage) (any, error) {
		var p struct {
			Unread bool `json:"unread"`
			Limit  int  `json:"limit"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.notifications(ctx, p.Unread, p.Limit)
	}},
	"notifications.read": {mutating: true, call: func(s *Server, ctx context.Context, _ *client, params json.RawMessage) (any, error) {
		var p struct {
			ID  string `json:"id"`
			All bool   `json:"all"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.All {
			n, err := s.markAllRead(ctx)
			return map[string]any{"marked": n}, err
		}
		if p.ID == "" {
			return nil, fmt.Errorf("%w: id or all is required", errBadParams)
		}
		if err := s.markRead(ctx, p.ID); err != nil {
			return nil, err
		}
		return map[string]any{"marked": 1}, nil
	}},
	"notifications.clear": {mutating: true, call: func(s *Server, ctx context.Context, _ *client, _ json.RawMessage) (any, error) {
		n, err := s.clearNotifications(ctx)
		return map[string]any{"cleared": n}, err
	}},
	"events.subscribe": {call: func(s *Server, ctx context.Context, c *client, params json.RawMessage) (any, error) {
		var p struct {
			Topics []string `json:"topics"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return map[string]any{"topics": s.subscribe(ctx, c, p.Topics)}, nil
	}},
}

// toolCallResult follows the tools/call result shape: tool failures are
// reported in-band with isError rather than as a protocol error.
type toolCallResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func rpcCallTool(s *Server, ctx context.Context, _ *client, params json.RawMessage) (any, error) {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, fmt.Errorf("%w: name is required", errBadParams)
	}
	out, err := s.callTool(ctx, p.Name, p.Arguments)
	if err != nil {
		if status, _ := classify(err); status == http.StatusNotFound || status == http.StatusServiceUnavailable {
			return nil, err
		}
		return toolCallResult{Content: []toolContent{{Type: "text", Text: err.Error()}}, IsError: true}, nil
	}
	return toolCallResult{Content: []toolContent{{Type: "text", Text: out}}}, nil
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	fail := func(code int, msg string) *rpcResponse {
		if !hasID {
			return nil
		}
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}}
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return fail(ErrCodeInvalidRequest, "invalid JSON-RPC request")
	}
	m, ok := rpcMethods[req.Method]
	if !ok {
		return fail(ErrCodeMethodNotFound, "method not found: "+req.Method)
	}
	if m.mutating && !c.isHandshaken() {
		return fail(ErrCodeInvalidRequest, "system.hello required before mutating calls")
	}
	result, err := m.call(s, ctx, c, req.Params)
	if err != nil {
		_, code := classify(err)
		if code == ErrCodeInternal {
			s.logger.Error("ws: method failed", "method", req.Method, "error", err)
		}
		return fail(code, err.Error())
	}
	if !hasID {
		return nil
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errBadParams, err)
	}
	return nil
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

func sessionOrDefault(name string) string {
	if name = strings.TrimSpace(name); name == "" {
		return shared.DefaultSession
	}
	return name
}

// subscribe forwards bus events whose topic starts with one of prefixes to
// the client as "event" notifications until the connection closes. An empty
// list subscribes to everything.
func (s *Server) subscribe(ctx context.Context, c *client, prefixes []string) []string {
	if len(prefixes) == 0 {
		prefixes = []string{""}
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	var added []string
	for _, prefix := range prefixes {
		if _, ok := c.subs[prefix]; ok || s.cfg.Bus == nil {
			continue
		}
		sub := s.cfg.Bus.Subscribe(prefix)
		c.subs[prefix] = sub
		added = append(added, prefix)
		go s.forward(ctx, c, sub)
	}
	return added
}

func (s *Server) forward(ctx context.Context, c *client, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := c.write(ctx, rpcResponse{
				JSONRPC: "2.0",
				Method:  "event",
				Params:  map[string]any{"topic": ev.Topic, "payload": ev.Payload},
			}); err != nil {
				return
			}
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	c.subMu.Lock()
	for prefix, sub := range c.subs {
		s.cfg.Bus.Unsubscribe(sub)
		delete(c.subs, prefix)
	}
	c.subMu.Unlock()

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}
