package tools

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

// DefaultBridgeTimeout bounds one JSON-RPC round trip to an external server.
const DefaultBridgeTimeout = 60 * time.Second

// maxFrameBytes guards against a runaway server flooding stdout.
const maxFrameBytes = 4 << 20

// BridgeTool describes one tool exposed by an external server.
type BridgeTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Bridge is the namespaced external-tool boundary: steps whose tool name is
// "server/tool" are dispatched here instead of the local catalog.
type Bridge interface {
	Tools() []BridgeTool
	CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error)
	Close() error
}

// stdioBridge speaks line-delimited JSON-RPC 2.0 with a subprocess, the way
// MCP servers are usually launched on-device.
type stdioBridge struct {
	cmd   *exec.Cmd
	in    io.WriteCloser
	out   *bufio.Reader
	mu    sync.Mutex
	seq   int64
	tools []BridgeTool
}

// StartStdioBridge launches the server process and loads its tool list.
func StartStdioBridge(ctx context.Context, command string, args ...string) (Bridge, error) {
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
		return nil, err
	}
	b := &stdioBridge{cmd: cmd, in: stdin, out: bufio.NewReader(stdout)}
	tools, err := b.listTools(ctx)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("bridge handshake: %w", err)
	}
	b.tools = tools
	return b, nil
}

type rpcReq struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

type rpcResp struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Result  map[string]any `json:"result,omitempty"`
	Error   *rpcError      `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (b *stdioBridge) send(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	req := rpcReq{JSONRPC: "2.0", ID: b.seq, Method: method, Params: params}
	payload, _ := json.Marshal(req)
	payload = append(payload, '\n')
	if _, err := b.in.Write(payload); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(DefaultBridgeTimeout)
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("bridge: timeout for %s", method)
		}
		var buf bytes.Buffer
		for {
			frag, err := b.out.ReadBytes('\n')
			buf.Write(frag)
			if buf.Len() > maxFrameBytes {
				return nil, fmt.Errorf("bridge: frame too large")
			}
			if err == nil {
				break
			}
			if err == io.EOF {
				return nil, io.EOF
			}
			if !errors.Is(err, bufio.ErrBufferFull) {
				return nil, err
			}
		}
		line := bytes.TrimSpace(buf.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var resp rpcResp
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("bridge error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

func (b *stdioBridge) listTools(ctx context.Context) ([]BridgeTool, error) {
	res, err := b.send(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	raw, ok := res["tools"].([]any)
	if !ok {
		return nil, errors.New("invalid tools/list response")
	}
	out := make([]BridgeTool, 0, len(raw))
	for _, v := range raw {
		payload, _ := json.Marshal(v)
		var t BridgeTool
		_ = json.Unmarshal(payload, &t)
		out = append(out, t)
	}
	return out, nil
}

func (b *stdioBridge) Tools() []BridgeTool {
	return b.tools
}

func (b *stdioBridge) CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	return b.send(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
}

func (b *stdioBridge) Close() error {
	_ = b.in.Close()
	return b.cmd.Wait()
}
