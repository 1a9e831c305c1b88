package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

const (
	stdioCallTimeout   = 30 * time.Second
	stdioShutdownGrace = 3 * time.Second
)

// StdioTransport runs the server as a child process and speaks
// line-delimited JSON-RPC over its stdin/stdout.
type StdioTransport struct {
	command []string
	env     map[string]string
	logger  *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser

	writeMu   sync.Mutex
	pendingMu sync.Mutex
	pending   map[int64]chan *jsonrpcResponse
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewStdioTransport builds a transport for the given command line.
func NewStdioTransport(server string, command []string, env map[string]string, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		command:  command,
		env:      env,
		logger:   logger.With("mcp_server", server, "transport", "stdio"),
		pending:  make(map[int64]chan *jsonrpcResponse),
		stopChan: make(chan struct{}),
	}
}

// Connect spawns the child process and starts the reader goroutines.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if len(t.command) == 0 {
		return fmt.Errorf("mcp: command is required for a local server")
	}

	t.process = exec.Command(t.command[0], t.command[1:]...)
	t.process.Env = os.Environ()
	for k, v := range t.env {
		t.process.Env = append(t.process.Env, k+"="+v)
	}

	stdin, err := t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	t.stdin = stdin

	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	stderr, _ := t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("mcp: start process: %w", err)
	}
	t.connected.Store(true)
	t.logger.Info("mcp server process started", "pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop(stdout)
	if stderr != nil {
		t.wg.Add(1)
		go t.drainStderr(stderr)
	}
	return nil
}

// Close shuts the child down: stdin closes first so a well-behaved server
// exits on its own, then the process is killed after a grace period.
func (t *StdioTransport) Close() error {
	if !t.connected.CompareAndSwap(true, false) {
		return nil
	}
	close(t.stopChan)
	if t.stdin != nil {
		t.stdin.Close()
	}

	if t.process != nil && t.process.Process != nil {
		done := make(chan struct{})
		go func() {
			t.process.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(stdioShutdownGrace):
			t.process.Process.Kill()
			<-done
		}
	}
	t.wg.Wait()
	t.failPending(fmt.Errorf("mcp: transport closed"))
	return nil
}

func (t *StdioTransport) Connected() bool { return t.connected.Load() }

// Call sends a request and waits for the matching response.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("mcp: not connected")
	}
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal params: %w", err)
	}

	id := t.nextID.Add(1)
	respChan := make(chan *jsonrpcResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.write(jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: raw}); err != nil {
		return nil, err
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("mcp: server error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(stdioCallTimeout):
		return nil, fmt.Errorf("mcp: %s timed out after %v", method, stdioCallTimeout)
	case <-t.stopChan:
		return nil, fmt.Errorf("mcp: transport closed")
	}
}

// Notify sends a request with no response expected.
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("mcp: not connected")
	}
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return t.write(jsonrpcRequest{JSONRPC: "2.0", Method: method, Params: raw})
}

func (t *StdioTransport) write(req jsonrpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("mcp: write request: %w", err)
	}
	return nil
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	defer t.wg.Done()
	defer t.connected.Store(false)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		t.dispatch(line)
	}
	if err := scanner.Err(); err != nil {
		t.logger.Error("mcp stdout read failed", "error", err)
	}
	t.failPending(fmt.Errorf("mcp: server closed its stdout"))
}

func (t *StdioTransport) dispatch(line []byte) {
	var resp jsonrpcResponse
	if err := json.Unmarshal(line, &resp); err != nil || resp.ID == nil {
		// Notifications and malformed lines are logged and dropped.
		t.logger.Debug("mcp message without id", "line", string(line))
		return
	}
	id, ok := responseID(resp.ID)
	if !ok {
		t.logger.Warn("mcp response with unusable id", "id", resp.ID)
		return
	}
	t.pendingMu.Lock()
	ch, found := t.pending[id]
	if found {
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
	if found {
		ch <- &resp
	}
}

func (t *StdioTransport) failPending(cause error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, ch := range t.pending {
		select {
		case ch <- &jsonrpcResponse{ID: id, Error: &jsonrpcError{Code: -32000, Message: cause.Error()}}:
		default:
		}
		delete(t.pending, id)
	}
}

func (t *StdioTransport) drainStderr(stderr io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			t.logger.Debug("mcp server stderr", "message", line)
		}
	}
}

func responseID(v any) (int64, bool) {
	switch id := v.(type) {
	case float64:
		return int64(id), true
	case int64:
		return id, true
	case int:
		return int64(id), true
	default:
		return 0, false
	}
}
