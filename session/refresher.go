package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RefreshRequest is the body of POST /refresh-token.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// RefreshResponse is the success body of POST /refresh-token.
type RefreshResponse struct {
	AccessToken     string `json:"accessToken"`
	NewRefreshToken string `json:"newRefreshToken"`
	UID             string `json:"uid,omitempty"`
}

// HTTPRefresher calls a token refresh endpoint.
type HTTPRefresher struct {
	url        string
	httpClient *http.Client
}

func NewHTTPRefresher(url string, httpClient *http.Client) *HTTPRefresher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPRefresher{url: url, httpClient: httpClient}
}

func (h *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (Grant, error) {
	body, err := json.Marshal(RefreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return Grant{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return Grant{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return Grant{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return Grant{}, fmt.Errorf("refresh endpoint returned %d", resp.StatusCode)
	}
	var decoded RefreshResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&decoded); err != nil {
		return Grant{}, fmt.Errorf("decode refresh response: %w", err)
	}
	if decoded.AccessToken == "" {
		return Grant{}, errors.New("refresh response without access token")
	}
	return Grant{
		Subject:      decoded.UID,
		AccessToken:  decoded.AccessToken,
		RefreshToken: decoded.NewRefreshToken,
	}, nil
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, refreshToken string) (Grant, error)

func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (Grant, error) {
	return f(ctx, refreshToken)
}
