package otc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Response is the body returned by the code endpoints.
type Response struct {
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// RemoteClient talks to a code backend over HTTP. The backend owns code
// state; the client never sees or stores codes.
type RemoteClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewRemoteClient(baseURL string, httpClient *http.Client) *RemoteClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &RemoteClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Send asks the backend to issue and mail a code.
func (c *RemoteClient) Send(ctx context.Context, email string) error {
	return c.post(ctx, "/send-code", map[string]string{"email": email})
}

// Verify asks the backend to consume the code.
func (c *RemoteClient) Verify(ctx context.Context, email, code string) error {
	return c.post(ctx, "/verify-code", map[string]string{"email": email, "code": code})
}

func (c *RemoteClient) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	var decoded Response
	if err := json.Unmarshal(raw, &decoded); err != nil {
		if resp.StatusCode == http.StatusTooManyRequests {
			return ErrRateLimited
		}
		return fmt.Errorf("%w: status %d: decode response: %v", ErrBackend, resp.StatusCode, err)
	}

	if resp.StatusCode == http.StatusOK && decoded.Success {
		return nil
	}
	if decoded.Code != "" {
		return ErrorForWireCode(decoded.Code)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	return fmt.Errorf("%w: status %d: %s", ErrBackend, resp.StatusCode, decoded.Error)
}
