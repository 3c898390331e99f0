// Package rpcproto is a minimal, hand-rolled JSON-RPC 2.0 codec over
// newline-delimited stdio streams. No dependency already on hand ships a
// generic JSON-RPC2 library for this bespoke child-process wire format,
// so the line-oriented scanning and tagged-envelope dispatch here are
// grounded directly on the process-stdio idiom in
// internal/agent/ai/cli_provider.go (bufio.Scanner with an enlarged
// buffer, a background stderr-reader goroutine, line-at-a-time JSON
// unmarshalling with a closed-set-plus-fallback classification of the
// "type"/"method" field).
package rpcproto

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const maxLineSize = 10 * 1024 * 1024

// RPCError mirrors the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Handler processes an inbound request or notification from the peer. If
// id was present on the wire, the returned result/error is sent back as a
// response; for notifications (no id) the return value is discarded.
type Handler func(ctx context.Context, method string, params json.RawMessage) (result any, rpcErr *RPCError)

// Conn is one JSON-RPC 2.0 connection over a pair of io streams (typically
// a child process's stdin/stdout).
type Conn struct {
	w       io.Writer
	writeMu sync.Mutex

	handler Handler

	pendingMu sync.Mutex
	pending   map[string]chan envelope

	nextID atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn starts reading r in a background goroutine and dispatches
// inbound requests/notifications to handler. Writes are sent to w,
// newline-terminated.
func NewConn(w io.Writer, r io.Reader, handler Handler) *Conn {
	c := &Conn{
		w:       w,
		handler: handler,
		pending: make(map[string]chan envelope),
		closed:  make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

func (c *Conn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue // malformed line from the peer; not our protocol error to raise
		}
		c.dispatch(env)
	}
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Conn) dispatch(env envelope) {
	if env.Method != "" {
		// Handled synchronously (not in its own goroutine) so that
		// notification order observed by the handler matches wire order --
		// session/update chunks must not be allowed to reorder.
		c.handleInbound(env)
		return
	}
	if len(env.ID) == 0 {
		return
	}
	key := string(env.ID)
	c.pendingMu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- env
	}
}

func (c *Conn) handleInbound(env envelope) {
	result, rpcErr := c.handler(context.Background(), env.Method, env.Params)
	if len(env.ID) == 0 {
		return // notification, no response expected
	}
	resp := envelope{JSONRPC: "2.0", ID: env.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = &RPCError{Code: -32603, Message: err.Error()}
		} else {
			resp.Result = raw
		}
	}
	_ = c.writeEnvelope(resp)
}

func (c *Conn) writeEnvelope(env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.w.Write(data)
	return err
}

// Call sends a request and blocks until the matching response arrives or
// ctx is cancelled. result, if non-nil, receives the decoded result payload.
func (c *Conn) Call(ctx context.Context, method string, params any, result any) error {
	id := c.nextID.Add(1)
	idRaw, _ := json.Marshal(id)

	var paramsRaw json.RawMessage
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		paramsRaw = raw
	}

	ch := make(chan envelope, 1)
	key := string(idRaw)
	c.pendingMu.Lock()
	c.pending[key] = ch
	c.pendingMu.Unlock()

	if err := c.writeEnvelope(envelope{JSONRPC: "2.0", ID: idRaw, Method: method, Params: paramsRaw}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
		return err
	}

	select {
	case env := <-ch:
		if env.Error != nil {
			return env.Error
		}
		if result != nil && len(env.Result) > 0 {
			return json.Unmarshal(env.Result, result)
		}
		return nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
		return ctx.Err()
	case <-c.closed:
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
		return io.ErrClosedPipe
	}
}

// Notify sends a request with no id, expecting no response.
func (c *Conn) Notify(method string, params any) error {
	var paramsRaw json.RawMessage
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		paramsRaw = raw
	}
	return c.writeEnvelope(envelope{JSONRPC: "2.0", Method: method, Params: paramsRaw})
}

// Done returns a channel closed once the read loop has observed EOF.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// NewRequestID generates an opaque id usable for instance/session ids,
// using google/uuid the same way the rest of this codebase does.
func NewRequestID() string {
	return uuid.NewString()
}
