package loop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/harunnryd/genji/internal/gateway"
	"github.com/harunnryd/genji/internal/protocol"
)

// Client consumes the gateway's unified stream.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		// The connection stays open for a whole turn; only time-to-first-byte
		// is bounded here, the turn deadline comes from the caller's context.
		httpClient: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: 30 * time.Second},
		},
	}
}

// Stream posts one chat request and delivers each unified event to handle
// until message_stop or an error.
func (c *Client) Stream(ctx context.Context, req *protocol.ChatRequest, handle func(protocol.StreamEvent) error) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return &gateway.UpstreamHTTPError{Provider: "gateway", Status: resp.StatusCode, Body: string(body)}
	}

	return protocol.ScanEvents(resp.Body, handle)
}
