package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/patrickpassosb/agent-market/pkg/router"
)

const maxResponseBytes = 1 << 16

// HTTPCaller is a router.Provider that POSTs the decision request to an
// endpoint and expects a single JSON action back.
//
// Request body: {"model": "...", "input": <decision request>}.
// A 429 response maps to router.ErrRateLimited.
type HTTPCaller struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewHTTPCaller(endpoint, apiKey string) *HTTPCaller {
	return &HTTPCaller{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: 2 * time.Minute},
	}
}

type httpRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

func (c *HTTPCaller) Call(ctx context.Context, model string, payload []byte) ([]byte, error) {
	body, err := json.Marshal(httpRequest{Model: model, Input: payload})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", router.ErrRateLimited, c.Endpoint)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("provider %s returned %d: %s", c.Endpoint, resp.StatusCode, bytes.TrimSpace(out))
	}
	return out, nil
}
