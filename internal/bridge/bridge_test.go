package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/inquest/internal/tools"
)

// fakeServer runs a scripted JSON-RPC responder over in-memory pipes so the
// client code is exercised without a subprocess.
func fakeServer(t *testing.T, handle func(req rpcReq, w io.Writer)) *Client {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	go func() {
		defer respW.Close()
		scanner := bufio.NewScanner(reqR)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			var req rpcReq
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			handle(req, respW)
		}
	}()
	client := newClient("fake", reqW, respR)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func writeResp(w io.Writer, resp rpcResp) {
	resp.JSONRPC = "2.0"
	b, _ := json.Marshal(resp)
	b = append(b, '\n')
	_, _ = w.Write(b)
}

func scriptedHandler(listTools []map[string]interface{}, call func(name string, args map[string]interface{}) (map[string]interface{}, *rpcError)) func(rpcReq, io.Writer) {
	return func(req rpcReq, w io.Writer) {
		switch req.Method {
		case "tools/list":
			writeResp(w, rpcResp{ID: req.ID, Result: map[string]interface{}{"tools": listTools}})
		case "tools/call":
			name, _ := req.Params["name"].(string)
			args, _ := req.Params["arguments"].(map[string]interface{})
			result, rerr := call(name, args)
			writeResp(w, rpcResp{ID: req.ID, Result: result, Error: rerr})
		default:
			writeResp(w, rpcResp{ID: req.ID, Error: &rpcError{Code: -32601, Message: "method not found"}})
		}
	}
}

func toolDecl(name string) map[string]interface{} {
	return map[string]interface{}{
		"name":        name,
		"description": "remote " + name,
		"input_schema": map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
		},
		"metadata": map[string]string{"version": "0.1.0", "cost_tier": "low"},
	}
}

func TestAdoptRegistersRemoteTools(t *testing.T) {
	client := fakeServer(t, scriptedHandler(
		[]map[string]interface{}{
			toolDecl("echo.upper"),
			{"name": "broken", "input_schema": map[string]interface{}{"type": "string"}},
		},
		func(name string, args map[string]interface{}) (map[string]interface{}, *rpcError) {
			text, _ := args["text"].(string)
			return map[string]interface{}{"text": strings.ToUpper(text)}, nil
		},
	))

	reg := tools.NewRegistry("secret", time.Minute, log.New(io.Discard, "", 0))
	m := &Manager{logger: log.New(io.Discard, "", 0)}
	if err := m.Adopt(context.Background(), client, reg, "secret"); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	if !reg.Has("echo.upper") {
		t.Fatalf("echo.upper not registered")
	}
	if reg.Has("broken") {
		t.Fatalf("tool with non-object schema should have been rejected")
	}
	card, err := reg.Resolve("echo.upper")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if card.Origin != "bridge:fake" {
		t.Fatalf("origin = %q, want bridge:fake", card.Origin)
	}

	// Invocation is indistinguishable from a native tool.
	got, err := reg.Invoke(context.Background(), "echo.upper", map[string]interface{}{"text": "hi"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got["text"] != "HI" {
		t.Fatalf("result = %#v", got)
	}
}

func TestAdoptRejectsEmptyToolList(t *testing.T) {
	client := fakeServer(t, scriptedHandler(nil, func(string, map[string]interface{}) (map[string]interface{}, *rpcError) {
		return nil, nil
	}))
	reg := tools.NewRegistry("", time.Minute, log.New(io.Discard, "", 0))
	m := &Manager{logger: log.New(io.Discard, "", 0)}
	if err := m.Adopt(context.Background(), client, reg, ""); err == nil {
		t.Fatalf("expected error for empty tool list")
	}
}

func TestAdoptSkipsCollidingNames(t *testing.T) {
	client := fakeServer(t, scriptedHandler(
		[]map[string]interface{}{toolDecl("web_search"), toolDecl("fresh")},
		func(string, map[string]interface{}) (map[string]interface{}, *rpcError) {
			return map[string]interface{}{}, nil
		},
	))
	reg := tools.NewRegistry("", time.Minute, log.New(io.Discard, "", 0))
	native, _ := tools.Seal(tools.Card{
		Name:        "web_search",
		InputSchema: tools.ObjectSchema(nil),
		Origin:      "native",
	}, "")
	if err := reg.Register(native, tools.Provider{Name: "p", Call: func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	}}); err != nil {
		t.Fatalf("register native: %v", err)
	}

	m := &Manager{logger: log.New(io.Discard, "", 0)}
	if err := m.Adopt(context.Background(), client, reg, ""); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	card, err := reg.Resolve("web_search")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if card.Origin != "native" {
		t.Fatalf("native card was overwritten: %q", card.Origin)
	}
	if !reg.Has("fresh") {
		t.Fatalf("non-colliding tool not registered")
	}
}

func TestCallToolServerError(t *testing.T) {
	client := fakeServer(t, scriptedHandler(
		[]map[string]interface{}{toolDecl("flaky")},
		func(string, map[string]interface{}) (map[string]interface{}, *rpcError) {
			return nil, &rpcError{Code: 500, Message: "backend exploded"}
		},
	))
	reg := tools.NewRegistry("", time.Minute, log.New(io.Discard, "", 0))
	m := &Manager{logger: log.New(io.Discard, "", 0)}
	if err := m.Adopt(context.Background(), client, reg, ""); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	_, err := reg.Invoke(context.Background(), "flaky", nil)
	var unavailable *tools.ToolUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ToolUnavailableError, got %v", err)
	}
	if !strings.Contains(unavailable.Error(), "backend exploded") {
		t.Fatalf("server error not propagated: %v", unavailable)
	}
}

func TestClientSkipsNoiseAndStaleResponses(t *testing.T) {
	client := fakeServer(t, func(req rpcReq, w io.Writer) {
		if req.Method != "tools/call" {
			writeResp(w, rpcResp{ID: req.ID, Result: map[string]interface{}{"tools": []map[string]interface{}{toolDecl("x")}}})
			return
		}
		// Diagnostics and a stale response precede the real one.
		_, _ = io.WriteString(w, "starting backend...\n")
		writeResp(w, rpcResp{ID: req.ID - 1, Result: map[string]interface{}{"stale": true}})
		writeResp(w, rpcResp{ID: req.ID, Result: map[string]interface{}{"ok": true}})
	})

	res, err := client.CallTool(context.Background(), "x", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res["ok"] != true {
		t.Fatalf("got %#v, want the response matching the request id", res)
	}
}

func TestCallToolHonorsContextDeadline(t *testing.T) {
	client := fakeServer(t, func(req rpcReq, w io.Writer) {
		if req.Method == "tools/list" {
			writeResp(w, rpcResp{ID: req.ID, Result: map[string]interface{}{"tools": []map[string]interface{}{toolDecl("slow")}}})
		}
		// tools/call never gets a response.
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.CallTool(ctx, "slow", nil); err == nil {
		t.Fatalf("expected deadline error")
	}
}
