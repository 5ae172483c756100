// Package gateway talks to the identity endpoints of the pusher service.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/roomlink"
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 1 << 20

// HTTPError is returned for any non-2xx response.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("gateway: unexpected %d response from %s %s: %s", e.StatusCode, e.Method, e.Path, e.Body)
}

// MapDetails describes the map behind a room URL.
type MapDetails struct {
	MapURL               string                      `json:"mapUrl"`
	IframeAuthentication string                      `json:"iframeAuthentication,omitempty"`
	Textures             []roomlink.CharacterTexture `json:"textures,omitempty"`
	// RedirectURL is set when the room moved and must be resolved again.
	RedirectURL string `json:"redirectUrl,omitempty"`
}

type authTokenResponse struct {
	AuthToken string `json:"authToken"`
}

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the pusher HTTP endpoint, e.g. "http://pusher.workadventure.localhost".
	BaseURL string
	// HTTPClient defaults to a pooled cleanhttp client.
	HTTPClient *http.Client
	// Limiter throttles outbound requests. Nil means unlimited.
	Limiter *rate.Limiter
	Logger  *zerolog.Logger
}

// Client implements roomlink.Gateway over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

var _ roomlink.Gateway = (*Client)(nil)

// NewClient creates a new gateway client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("gateway: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, errors.Wrapf(err, "gateway: invalid BaseURL %q", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		limiter:    cfg.Limiter,
		logger:     logger.With().Str("component", "gateway").Logger(),
	}, nil
}

// AnonymousLogin mints a fresh anonymous identity.
func (c *Client) AnonymousLogin(ctx context.Context) (*roomlink.AnonymousLogin, error) {
	var out roomlink.AnonymousLogin
	if err := c.do(ctx, http.MethodPost, "/anonymLogin", nil, nil, &out); err != nil {
		return nil, errors.Wrap(err, "gateway: anonymous login")
	}
	c.logger.Debug().Str("user", out.UserUUID).Msg("anonymous login")
	return &out, nil
}

// Register exchanges an organization-member token for an identity.
func (c *Client) Register(ctx context.Context, organizationMemberToken string) (*roomlink.Registration, error) {
	body := map[string]string{"organizationMemberToken": organizationMemberToken}

	var out roomlink.Registration
	if err := c.do(ctx, http.MethodPost, "/register", nil, body, &out); err != nil {
		return nil, errors.Wrap(err, "gateway: register")
	}
	c.logger.Debug().Str("user", out.UserUUID).Str("room", out.RoomURL).Msg("registered")
	return &out, nil
}

// LoginCallback exchanges an authorization code for a token.
func (c *Client) LoginCallback(ctx context.Context, code, nonce, token string) (string, error) {
	query := url.Values{}
	query.Set("code", code)
	query.Set("nonce", nonce)
	query.Set("token", token)

	var out authTokenResponse
	if err := c.do(ctx, http.MethodGet, "/login-callback", query, nil, &out); err != nil {
		return "", errors.Wrap(err, "gateway: login callback")
	}
	return out.AuthToken, nil
}

// LogoutCallback invalidates token on the server side.
func (c *Client) LogoutCallback(ctx context.Context, token string) (string, error) {
	query := url.Values{}
	query.Set("token", token)

	var out authTokenResponse
	if err := c.do(ctx, http.MethodGet, "/logout-callback", query, nil, &out); err != nil {
		return "", errors.Wrap(err, "gateway: logout callback")
	}
	return out.AuthToken, nil
}

// MapDetails looks up the map of the room at playURI.
func (c *Client) MapDetails(ctx context.Context, playURI string) (*MapDetails, error) {
	query := url.Values{}
	query.Set("playUri", playURI)

	var out MapDetails
	if err := c.do(ctx, http.MethodGet, "/map", query, nil, &out); err != nil {
		return nil, errors.Wrap(err, "gateway: map details")
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, requestBody, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "rate limit wait")
		}
	}

	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return errors.Wrap(err, "encode request body")
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	request.Header.Set("Accept", "application/json")
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return errors.Wrapf(err, "request to %s %s failed", method, path)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return errors.Wrap(err, "read response body")
	}

	c.logger.Debug().Str("method", method).Str("path", path).Int("status", response.StatusCode).Msg("gateway request")

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return &HTTPError{
			Method:     method,
			Path:       path,
			StatusCode: response.StatusCode,
			Body:       strings.TrimSpace(string(responseBody)),
		}
	}

	if out == nil || len(responseBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return errors.Wrapf(err, "decode %s %s response", method, path)
	}
	return nil
}
