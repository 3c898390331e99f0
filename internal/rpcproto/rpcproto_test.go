package rpcproto

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"
)

func TestCallRoundTrip(t *testing.T) {
	aToB, bFromA := io.Pipe()
	bToA, aFromB := io.Pipe()

	NewConn(bToA, bFromA, func(ctx context.Context, method string, params json.RawMessage) (any, *RPCError) {
		if method != "ping" {
			return nil, &RPCError{Code: -1, Message: "unknown method"}
		}
		return map[string]string{"pong": "true"}, nil
	})

	a := NewConn(aToB, aFromB, func(ctx context.Context, method string, params json.RawMessage) (any, *RPCError) {
		return nil, nil
	})

	var out map[string]string
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Call(ctx, "ping", nil, &out); err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if out["pong"] != "true" {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestCallTimeoutOnNoResponse(t *testing.T) {
	aToB, _ := io.Pipe()
	_, aFromB := io.Pipe()

	a := NewConn(aToB, aFromB, func(ctx context.Context, method string, params json.RawMessage) (any, *RPCError) {
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := a.Call(ctx, "slow", nil, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestNotifyNoResponseExpected(t *testing.T) {
	aToB, bFromA := io.Pipe()
	_, aFromB := io.Pipe()

	received := make(chan string, 1)
	NewConn(io.Discard, bFromA, func(ctx context.Context, method string, params json.RawMessage) (any, *RPCError) {
		received <- method
		return nil, nil
	})

	a := NewConn(aToB, aFromB, func(ctx context.Context, method string, params json.RawMessage) (any, *RPCError) {
		return nil, nil
	})
	_ = a.Notify("session/update", map[string]string{"foo": "bar"})

	select {
	case m := <-received:
		if m != "session/update" {
			t.Fatalf("unexpected method: %s", m)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}
