// Package bridge speaks line-framed JSON-RPC 2.0 over stdio to external
// tool-server subprocesses and imports their tools into the registry.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

const (
	// maxFrameBytes bounds a single response line; anything larger is a
	// broken or hostile server.
	maxFrameBytes = 8 << 20

	// defaultCallTimeout bounds one round trip when the caller's context
	// carries no deadline.
	defaultCallTimeout = 60 * time.Second
)

// RemoteTool is a tool advertised by a server in its tools/list reply.
type RemoteTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
	Metadata    map[string]string      `json:"metadata,omitempty"`
}

type rpcReq struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      int64                  `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

type rpcResp struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      int64                  `json:"id"`
	Result  map[string]interface{} `json:"result,omitempty"`
	Error   *rpcError              `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Client is one connected tool server. Calls are serialized: the protocol
// is strictly request/response over a single pipe pair. A reader goroutine
// pumps stdout lines into a channel so a hung server cannot block a caller
// past its context deadline.
type Client struct {
	name    string
	cmd     *exec.Cmd
	in      io.WriteCloser
	frames  chan []byte
	readErr error
	mu      sync.Mutex
	seq     int64
}

// StartServer launches a tool-server subprocess and returns a client on its
// stdio. The subprocess inherits stderr so its logs surface in ours.
func StartServer(ctx context.Context, name, command string, args ...string) (*Client, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tool server %s: %w", name, err)
	}
	c := newClient(name, stdin, stdout)
	c.cmd = cmd
	return c, nil
}

// newClient builds a client over an arbitrary pipe pair. Tests use this with
// in-memory pipes instead of a subprocess.
func newClient(name string, in io.WriteCloser, out io.Reader) *Client {
	c := &Client{name: name, in: in, frames: make(chan []byte, 8)}
	go c.readLoop(bufio.NewReader(out))
	return c
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

func (c *Client) readLoop(r *bufio.Reader) {
	for {
		frame, err := readFrame(r)
		if err != nil {
			c.readErr = err
			close(c.frames)
			return
		}
		c.frames <- frame
	}
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		frag, err := r.ReadBytes('\n')
		buf.Write(frag)
		if buf.Len() > maxFrameBytes {
			return nil, fmt.Errorf("frame exceeds %d bytes", maxFrameBytes)
		}
		if err == nil {
			return bytes.TrimSpace(buf.Bytes()), nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
	}
}

func (c *Client) send(ctx context.Context, method string, params map[string]interface{}) (map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	id := c.seq
	req := rpcReq{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	b = append(b, '\n')
	if _, err := c.in.Write(b); err != nil {
		return nil, fmt.Errorf("write to %s: %w", c.name, err)
	}

	timeout := defaultCallTimeout
	if d, ok := ctx.Deadline(); ok {
		timeout = time.Until(d)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%s: timeout waiting for %s", c.name, method)
		case frame, ok := <-c.frames:
			if !ok {
				if c.readErr != nil && c.readErr != io.EOF {
					return nil, fmt.Errorf("%s: read: %w", c.name, c.readErr)
				}
				return nil, fmt.Errorf("%s: server closed stdout", c.name)
			}
			// Servers may emit diagnostics on stdout; skip anything
			// that is not the response to this request.
			if len(frame) == 0 || frame[0] != '{' {
				continue
			}
			var resp rpcResp
			if err := json.Unmarshal(frame, &resp); err != nil {
				continue
			}
			if resp.ID != id {
				continue
			}
			if resp.Error != nil {
				return nil, fmt.Errorf("%s: rpc error %d: %s", c.name, resp.Error.Code, resp.Error.Message)
			}
			return resp.Result, nil
		}
	}
}

// ListTools performs the tools/list handshake.
func (c *Client) ListTools(ctx context.Context) ([]RemoteTool, error) {
	res, err := c.send(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	raw, ok := res["tools"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s: malformed tools/list reply", c.name)
	}
	out := make([]RemoteTool, 0, len(raw))
	for _, v := range raw {
		b, err := json.Marshal(v)
		if err != nil {
			continue
		}
		var t RemoteTool
		if err := json.Unmarshal(b, &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// CallTool invokes a named tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
	return c.send(ctx, "tools/call", map[string]interface{}{"name": name, "arguments": args})
}

// Close shuts the server down by closing its stdin and waiting for exit.
func (c *Client) Close() error {
	err := c.in.Close()
	if c.cmd != nil {
		if werr := c.cmd.Wait(); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}
