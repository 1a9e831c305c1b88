package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// HTTPTransport reaches a remote server over streaming HTTP. Modern
// servers answer a POST with either a JSON body or an SSE body carrying the
// response; older servers reject the POST, in which case the transport
// falls back to the legacy SSE pairing of a GET event stream plus a POST
// message endpoint.
type HTTPTransport struct {
	baseURL string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger

	sessionID atomic.Value // string

	// Legacy SSE state.
	legacy      atomic.Bool
	endpointMu  sync.Mutex
	endpoint    string
	endpointSet chan struct{}
	pendingMu   sync.Mutex
	pending     map[int64]chan *jsonrpcResponse

	nextID    atomic.Int64
	connected atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewHTTPTransport builds a transport for the server at baseURL.
func NewHTTPTransport(server, baseURL string, headers map[string]string, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		baseURL:     baseURL,
		headers:     headers,
		client:      &http.Client{Timeout: 0},
		logger:      logger.With("mcp_server", server, "transport", "http"),
		endpointSet: make(chan struct{}),
		pending:     make(map[int64]chan *jsonrpcResponse),
	}
}

func (t *HTTPTransport) Connect(ctx context.Context) error {
	if !strings.HasPrefix(t.baseURL, "http://") && !strings.HasPrefix(t.baseURL, "https://") {
		return fmt.Errorf("mcp: url must be http or https")
	}
	t.connected.Store(true)
	return nil
}

func (t *HTTPTransport) Close() error {
	t.connected.Store(false)
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	return nil
}

func (t *HTTPTransport) Connected() bool { return t.connected.Load() }

// Call sends a JSON-RPC request and returns the matching response.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("mcp: not connected")
	}
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal params: %w", err)
	}
	id := t.nextID.Add(1)
	req := jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: raw}

	if t.legacy.Load() {
		return t.legacyCall(ctx, id, req)
	}

	resp, err := t.streamingCall(ctx, id, req)
	if err == nil || !isClientError(err) {
		return resp, err
	}

	// The server refused the streaming endpoint; try the legacy pairing.
	t.logger.Info("falling back to legacy sse transport", "cause", err)
	if serr := t.startLegacy(); serr != nil {
		return nil, serr
	}
	return t.legacyCall(ctx, id, req)
}

func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	req := jsonrpcRequest{JSONRPC: "2.0", Method: method, Params: raw}
	if t.legacy.Load() {
		return t.legacyPost(ctx, req)
	}
	body, _ := json.Marshal(req)
	resp, err := t.post(ctx, t.baseURL, body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// streamingCall POSTs the request and reads the response from either a
// JSON or an SSE body.
func (t *HTTPTransport) streamingCall(ctx context.Context, id int64, req jsonrpcRequest) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := t.post(ctx, t.baseURL, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &httpStatusError{status: resp.StatusCode}
	}
	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		t.sessionID.Store(sid)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		return readSSEResponse(resp.Body, id)
	}

	var rpcResp jsonrpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("mcp: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("mcp: server error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func (t *HTTPTransport) post(ctx context.Context, target string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if sid, ok := t.sessionID.Load().(string); ok && sid != "" {
		req.Header.Set("Mcp-Session-Id", sid)
	}
	return t.client.Do(req)
}

// startLegacy opens the GET event stream and waits for the advertised
// message endpoint.
func (t *HTTPTransport) startLegacy() error {
	if !t.legacy.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(1)
	go t.legacyStreamLoop(ctx)

	select {
	case <-t.endpointSet:
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("mcp: legacy sse endpoint never advertised")
	}
}

func (t *HTTPTransport) legacyStreamLoop(ctx context.Context) {
	defer t.wg.Done()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Error("legacy sse stream failed", "error", err)
		return
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "":
			t.legacyEvent(event, data)
			event, data = "", ""
		}
	}
}

func (t *HTTPTransport) legacyEvent(event, data string) {
	switch event {
	case "endpoint":
		endpoint := data
		if strings.HasPrefix(endpoint, "/") {
			if base, err := url.Parse(t.baseURL); err == nil {
				base.Path = ""
				base.RawQuery = ""
				endpoint = base.String() + endpoint
			}
		}
		t.endpointMu.Lock()
		first := t.endpoint == ""
		t.endpoint = endpoint
		t.endpointMu.Unlock()
		if first {
			close(t.endpointSet)
		}
	default:
		var resp jsonrpcResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil || resp.ID == nil {
			return
		}
		id, ok := responseID(resp.ID)
		if !ok {
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
}

func (t *HTTPTransport) legacyCall(ctx context.Context, id int64, req jsonrpcRequest) (json.RawMessage, error) {
	respChan := make(chan *jsonrpcResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.legacyPost(ctx, req); err != nil {
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
		return nil, fmt.Errorf("mcp: %s timed out", req.Method)
	}
}

func (t *HTTPTransport) legacyPost(ctx context.Context, req jsonrpcRequest) error {
	t.endpointMu.Lock()
	endpoint := t.endpoint
	t.endpointMu.Unlock()
	if endpoint == "" {
		return fmt.Errorf("mcp: legacy endpoint not ready")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	resp, err := t.post(ctx, endpoint, body)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("mcp: message endpoint returned %s", resp.Status)
	}
	return nil
}

// readSSEResponse scans an SSE body for the response matching id.
func readSSEResponse(body io.Reader, id int64) (json.RawMessage, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "":
			if data == "" {
				continue
			}
			var resp jsonrpcResponse
			if err := json.Unmarshal([]byte(data), &resp); err == nil && resp.ID != nil {
				if got, ok := responseID(resp.ID); ok && got == id {
					if resp.Error != nil {
						return nil, fmt.Errorf("mcp: server error %d: %s", resp.Error.Code, resp.Error.Message)
					}
					return resp.Result, nil
				}
			}
			data = ""
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("mcp: read sse body: %w", err)
	}
	return nil, fmt.Errorf("mcp: stream ended without a response")
}

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("mcp: server returned status %d", e.status)
}

func isClientError(err error) bool {
	se, ok := err.(*httpStatusError)
	return ok && se.status >= 400 && se.status < 500
}
