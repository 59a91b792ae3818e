/**
 * @description
 * This package provides a client for the mobile-money disbursement API used to
 * pay out merchant withdrawals. It encapsulates the token exchange, the
 * idempotent transfer submission and the transfer status query, and classifies
 * failures into typed errors the orchestrator can act on.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - internal/domain: ProviderConfig and ProviderSession models.
 *
 * @notes
 * - Credentials and bearer tokens are never logged; non-2xx responses are
 *   logged with status code and provider error code only.
 * - All per-provider settings (base URL, target environment, subscription key,
 *   sandbox currency override) come from the injected ProviderConfig; nothing
 *   is read from ambient process state.
 */
package momo

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Header names of the provider protocol.
const (
	headerSubscriptionKey   = "Ocp-Apim-Subscription-Key"
	headerReferenceID       = "X-Reference-Id"
	headerTargetEnvironment = "X-Target-Environment"
)

// Client is a client for the disbursement provider API.
type Client struct {
	HTTPClient      *http.Client
	TokenTimeout    time.Duration
	TransferTimeout time.Duration
}

// NewClient creates a new provider API client with bounded timeouts: a few
// seconds for the token exchange, longer for transfer submission and status
// queries.
func NewClient() *Client {
	return &Client{
		HTTPClient:      &http.Client{Timeout: 30 * time.Second},
		TokenTimeout:    5 * time.Second,
		TransferTimeout: 15 * time.Second,
	}
}

// AuthErrorKind classifies token exchange failures.
type AuthErrorKind string

const (
	// AuthKindInvalidCredentials means the provider rejected the credential
	// set (typically the wrong credentials for the wrong product or
	// environment). Not retryable; only an operator can fix it.
	AuthKindInvalidCredentials AuthErrorKind = "invalid_credentials"
	// AuthKindProviderUnavailable covers 5xx responses, network failures and
	// timeouts. Retryable with backoff.
	AuthKindProviderUnavailable AuthErrorKind = "provider_unavailable"
)

// AuthError is returned by the token exchange. The credential material itself
// is never carried in the error.
type AuthError struct {
	Kind       AuthErrorKind
	StatusCode int
	Detail     string
}

func (e *AuthError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider auth failed (%s, status %d): %s", e.Kind, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("provider auth failed (%s): %s", e.Kind, e.Detail)
}

// Retryable reports whether the failure is transient.
func (e *AuthError) Retryable() bool {
	return e.Kind == AuthKindProviderUnavailable
}

// RejectionReason classifies transfer submission failures.
type RejectionReason string

const (
	ReasonInvalidAmountOrCurrency RejectionReason = "invalid_amount_or_currency"
	ReasonInvalidDestination      RejectionReason = "invalid_destination"
	// ReasonDuplicateReference means the provider has already accepted a
	// transfer with this idempotency reference. Callers treat this as
	// already-submitted, not as a new failure.
	ReasonDuplicateReference  RejectionReason = "duplicate_reference"
	ReasonProviderUnavailable RejectionReason = "provider_unavailable"
)

// RejectionError is returned when the provider refuses a transfer submission.
type RejectionError struct {
	Reason     RejectionReason
	StatusCode int
	Code       string
	Message    string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("transfer rejected (%s, status %d, code %q): %s", e.Reason, e.StatusCode, e.Code, e.Message)
}

// Retryable reports whether resubmitting with the same reference may succeed.
func (e *RejectionError) Retryable() bool {
	return e.Reason == ReasonProviderUnavailable
}

// ErrTransferNotFound is returned by the status query when the provider has no
// record of the reference. Because the reference is generated before
// submission and reused across retries, a 404 means the transfer never
// reached the provider.
var ErrTransferNotFound = errors.New("transfer reference not known to provider")

// errorBody is the provider's error response shape.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
