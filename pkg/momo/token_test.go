package momo

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veltapay/settlement-service/internal/domain"
)

func testProviderConfig(baseURL string) *domain.ProviderConfig {
	return &domain.ProviderConfig{
		ProviderName:      "mtn_momo",
		CountryCode:       "UG",
		Environment:       domain.EnvironmentSandbox,
		BaseURL:           baseURL,
		TargetEnvironment: "sandbox",
		APIUser:           "api-user",
		APIKey:            "api-key",
		SubscriptionKey:   "sub-key",
		Active:            true,
	}
}

func TestToken_SendsBasicAuthAndSubscriptionKey(t *testing.T) {
	var gotAuth, gotSubKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/token/", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotSubKey = r.Header.Get("Ocp-Apim-Subscription-Key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-123","token_type":"Bearer","expires_in":3600}`))
	}))
	defer server.Close()

	client := NewClient()
	session, err := client.Token(context.Background(), testProviderConfig(server.URL))
	require.NoError(t, err)

	expectedAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("api-user:api-key"))
	assert.Equal(t, expectedAuth, gotAuth)
	assert.Equal(t, "sub-key", gotSubKey)
	assert.Equal(t, "tok-123", session.AccessToken)
	assert.Equal(t, "Bearer", session.TokenType)
	assert.True(t, session.Valid(time.Now().UTC(), time.Minute))
}

func TestToken_401ClassifiesAsInvalidCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":"UNAUTHORIZED","message":"invalid credentials"}`))
	}))
	defer server.Close()

	client := NewClient()
	_, err := client.Token(context.Background(), testProviderConfig(server.URL))
	require.Error(t, err)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, AuthKindInvalidCredentials, authErr.Kind)
	assert.False(t, authErr.Retryable())
}

func TestToken_5xxClassifiesAsProviderUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient()
	_, err := client.Token(context.Background(), testProviderConfig(server.URL))
	require.Error(t, err)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, AuthKindProviderUnavailable, authErr.Kind)
	assert.True(t, authErr.Retryable())
}

func TestToken_NetworkFailureClassifiesAsProviderUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused from here on

	client := NewClient()
	_, err := client.Token(context.Background(), testProviderConfig(server.URL))
	require.Error(t, err)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, AuthKindProviderUnavailable, authErr.Kind)
}

func TestToken_EmptyAccessTokenIsRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"","token_type":"Bearer","expires_in":3600}`))
	}))
	defer server.Close()

	client := NewClient()
	_, err := client.Token(context.Background(), testProviderConfig(server.URL))
	require.Error(t, err)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, AuthKindInvalidCredentials, authErr.Kind)
}
