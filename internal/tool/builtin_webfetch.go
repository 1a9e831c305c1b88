package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const webfetchMaxBody = 5 << 20

type webfetchArgs struct {
	URL    string `json:"url" jsonschema:"description=The http or https URL to fetch"`
	Format string `json:"format,omitempty" jsonschema:"enum=text,enum=markdown,enum=html,description=Desired output format"`
}

// WebfetchTool retrieves a URL over plain HTTP with a capped body size.
type WebfetchTool struct {
	client *http.Client
}

func NewWebfetchTool() *WebfetchTool {
	return &WebfetchTool{client: &http.Client{Timeout: 30 * time.Second}}
}

func (t *WebfetchTool) Name() string { return "webfetch" }

func (t *WebfetchTool) Description() string {
	return "Fetches a URL and returns the response body."
}

func (t *WebfetchTool) Schema() json.RawMessage { return reflectSchema(&webfetchArgs{}) }

func (t *WebfetchTool) Execute(ctx context.Context, call Call) (*Result, error) {
	url := call.String("url")
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return errorResult("webfetch", fmt.Errorf("url must be http or https")), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errorResult("webfetch", err), nil
	}
	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return errorResult("webfetch", err), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, webfetchMaxBody+1))
	if err != nil {
		return errorResult("webfetch", err), nil
	}
	truncated := false
	if len(body) > webfetchMaxBody {
		body = body[:webfetchMaxBody]
		truncated = true
	}
	return &Result{
		Title:  url,
		Output: string(body),
		Metadata: map[string]any{
			"status":       resp.StatusCode,
			"content_type": resp.Header.Get("Content-Type"),
			"truncated":    truncated,
		},
	}, nil
}
