package billing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lumen-commerce/commerce_layer/internal/httputil"
	"github.com/lumen-commerce/commerce_layer/internal/tokencache"
)

// ProviderClientConfig configures the payment provider API client. When
// TokenURL is empty, ClientSecret is used directly as a bearer API key.
type ProviderClientConfig struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// ProviderClient reads objects from the payment provider API. It owns the
// token cache its requests are authorized with.
type ProviderClient struct {
	api    *httputil.APIClient
	tokens *tokencache.Cache
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// NewProviderClient creates a client. opts configure its token cache.
func NewProviderClient(cfg ProviderClientConfig, opts ...tokencache.Option) *ProviderClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var fetch tokencache.Fetcher
	if cfg.TokenURL == "" {
		fetch = staticToken(cfg.ClientSecret)
	} else {
		tokenAPI := httputil.NewAPIClient(httputil.APIClientConfig{
			BaseURL:    cfg.TokenURL,
			Timeout:    timeout,
			HTTPClient: cfg.HTTPClient,
		})
		fetch = clientCredentials(tokenAPI, cfg.ClientID, cfg.ClientSecret)
	}

	tokens := tokencache.New(fetch, opts...)
	return &ProviderClient{
		api: httputil.NewAPIClient(httputil.APIClientConfig{
			BaseURL:    cfg.BaseURL,
			Authorizer: bearer{tokens: tokens},
			Timeout:    timeout,
			HTTPClient: cfg.HTTPClient,
		}),
		tokens: tokens,
	}
}

// GetEvent fetches the upstream copy of a provider event.
func (c *ProviderClient) GetEvent(ctx context.Context, providerEventID string) (map[string]interface{}, error) {
	if strings.TrimSpace(providerEventID) == "" {
		return nil, fmt.Errorf("provider event id required")
	}
	var out map[string]interface{}
	if err := c.api.GetJSON(ctx, "/v1/events/"+url.PathEscape(providerEventID), &out); err != nil {
		return nil, fmt.Errorf("fetch provider event %s: %w", providerEventID, err)
	}
	return out, nil
}

// TokenExpiry reports when the cached access token expires.
func (c *ProviderClient) TokenExpiry() time.Time {
	return c.tokens.ExpiresAt()
}

type bearer struct {
	tokens *tokencache.Cache
}

func (b bearer) Authorize(ctx context.Context, req *http.Request) error {
	token, err := b.tokens.Get(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (b bearer) Invalidate() {
	b.tokens.Invalidate()
}

func staticToken(key string) tokencache.Fetcher {
	return func(context.Context) (string, time.Time, error) {
		if key == "" {
			return "", time.Time{}, fmt.Errorf("provider api key not configured")
		}
		return key, time.Now().Add(24 * time.Hour), nil
	}
}

func clientCredentials(api *httputil.APIClient, clientID, clientSecret string) tokencache.Fetcher {
	return func(ctx context.Context) (string, time.Time, error) {
		resp, err := api.Do(ctx, http.MethodPost, "", map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     clientID,
			"client_secret": clientSecret,
		})
		if err != nil {
			return "", time.Time{}, err
		}
		var tok tokenResponse
		if err := httputil.DecodeResponseLimit(resp, &tok, 64<<10); err != nil {
			return "", time.Time{}, fmt.Errorf("token endpoint: %w", err)
		}
		ttl := time.Duration(tok.ExpiresIn) * time.Second
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		return tok.AccessToken, time.Now().Add(ttl), nil
	}
}
