package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GoogleUserInfoURL is Google's OpenID Connect userinfo endpoint.
const GoogleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// Profile is what a federated provider reports about the signed-in user.
type Profile struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Federator runs the authorization code flow of one provider.
type Federator interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (Profile, error)
}

// OAuth2Federator exchanges codes with an OAuth2 provider and reads the
// profile from its userinfo endpoint.
type OAuth2Federator struct {
	config      *oauth2.Config
	userInfoURL string
}

// NewOAuth2Federator builds a federator for any OAuth2 provider with an
// OpenID Connect style userinfo endpoint.
func NewOAuth2Federator(cfg *oauth2.Config, userInfoURL string) *OAuth2Federator {
	return &OAuth2Federator{config: cfg, userInfoURL: userInfoURL}
}

// NewGoogleFederator configures Google sign-in.
func NewGoogleFederator(clientID, clientSecret, redirectURL string) *OAuth2Federator {
	return NewOAuth2Federator(&oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       []string{"openid", "email", "profile"},
	}, GoogleUserInfoURL)
}

// AuthCodeURL is the consent page URL. state should be the client's CSRF token.
func (f *OAuth2Federator) AuthCodeURL(state string) string {
	return f.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

func (f *OAuth2Federator) Exchange(ctx context.Context, code string) (Profile, error) {
	token, err := f.config.Exchange(ctx, code)
	if err != nil {
		return Profile{}, fmt.Errorf("exchange code: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.userInfoURL, nil)
	if err != nil {
		return Profile{}, err
	}
	resp, err := f.config.Client(ctx, token).Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Profile{}, fmt.Errorf("fetch userinfo: status %d: %s", resp.StatusCode, body)
	}
	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("decode userinfo: %w", err)
	}
	return p, nil
}
