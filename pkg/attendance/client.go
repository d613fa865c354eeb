package attendance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/markus-lassfolk/fieldclock/pkg/logx"
)

const maxResponseBytes = 1 << 20

// Client talks to the remote attendance API
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	logger     *logx.Logger
}

// NewClient creates an API client for baseURL. A nil httpClient gets a
// default one; per-attempt deadlines come from the caller's context.
func NewClient(baseURL string, httpClient *http.Client, logger *logx.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		userAgent:  "fieldclock/1.0",
		logger:     logger,
	}
}

// Post sends one attendance event. Non-2xx answers are returned as *HTTPError
// carrying the server's message. Any 2xx is a success.
func (c *Client) Post(ctx context.Context, endpoint Endpoint, payload *Payload, token, idempotencyKey string) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode payload: %v", ErrInvalidRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint.Path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrInvalidRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Authorization", "Bearer "+token)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", endpoint.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", endpoint.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: serverMessage(raw)}
	}

	// A 2xx means the event was accepted; an unreadable body must not
	// turn it into a retry.
	var out Response
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			c.logger.Warn("attendance api accepted the event with an undecodable body",
				"endpoint", endpoint.Name, "status", resp.StatusCode, "error", err)
			out = Response{}
		}
	}

	c.logger.LogDebugVerbose("attendance_api_response", map[string]interface{}{
		"endpoint": endpoint.Name,
		"status":   resp.StatusCode,
		"message":  out.Message,
	})
	return &out, nil
}

// serverMessage extracts {message} from an error body, or the raw text
func serverMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
