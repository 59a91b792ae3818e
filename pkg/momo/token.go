package momo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/veltapay/settlement-service/internal/domain"
)

// tokenResponse is the provider's token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Token exchanges the configured API credentials for a short-lived bearer
// session. There is no partial state: the session is either obtained whole or
// not at all. 4xx responses classify as invalid credentials (non-retryable);
// 5xx, network failures and timeouts classify as provider-unavailable
// (retryable by the caller with backoff).
func (c *Client) Token(ctx context.Context, cfg *domain.ProviderConfig) (*domain.ProviderSession, error) {
	ctx, cancel := context.WithTimeout(ctx, c.TokenTimeout)
	defer cancel()

	url := strings.TrimSuffix(cfg.BaseURL, "/") + "/token/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(cfg.APIUser, cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerSubscriptionKey, cfg.SubscriptionKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &AuthError{Kind: AuthKindProviderUnavailable, Detail: err.Error()}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AuthError{Kind: AuthKindProviderUnavailable, Detail: "failed to read token response: " + err.Error()}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fallthrough to decode below
	case resp.StatusCode >= 500:
		log.Printf("level=warn component=momo_client op=token provider=%s env=%s status=%d msg=\"provider unavailable\"", cfg.ProviderName, cfg.Environment, resp.StatusCode)
		return nil, &AuthError{Kind: AuthKindProviderUnavailable, StatusCode: resp.StatusCode, Detail: "provider returned server error"}
	default:
		// A 4xx here almost always means the wrong credential set for the
		// wrong product or environment. Surface the provider code, never the
		// credentials themselves.
		var errBody errorBody
		_ = json.Unmarshal(bodyBytes, &errBody)
		log.Printf("level=warn component=momo_client op=token provider=%s env=%s status=%d code=%q msg=\"credentials rejected\"", cfg.ProviderName, cfg.Environment, resp.StatusCode, errBody.Code)
		return nil, &AuthError{Kind: AuthKindInvalidCredentials, StatusCode: resp.StatusCode, Detail: errBody.Message}
	}

	var tok tokenResponse
	if err := json.Unmarshal(bodyBytes, &tok); err != nil {
		return nil, &AuthError{Kind: AuthKindProviderUnavailable, StatusCode: resp.StatusCode, Detail: "failed to decode token response"}
	}
	if tok.AccessToken == "" {
		return nil, &AuthError{Kind: AuthKindInvalidCredentials, StatusCode: resp.StatusCode, Detail: "empty access token in response"}
	}

	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	return &domain.ProviderSession{
		AccessToken: tok.AccessToken,
		TokenType:   tokenType,
		ExpiresAt:   time.Now().UTC().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}, nil
}
