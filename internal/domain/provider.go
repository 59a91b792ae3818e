/**
 * @description
 * Provider-facing domain models. ProviderConfig rows are owned by the admin
 * console (an external collaborator); the settlement-service only reads the
 * active configuration for a (provider, country, environment) triple.
 */

package domain

import "time"

// Provider environments.
const (
	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"
)

// ProviderConfig is the fully resolved credential and endpoint configuration
// for one payout provider in one country and environment. CurrencyOverride is
// set for sandbox configurations whose provider forces a fixed currency; it is
// an explicit column, not behavior inferred from the environment flag.
type ProviderConfig struct {
	ProviderName      string  `json:"provider_name"`
	CountryCode       string  `json:"country_code"`
	Environment       string  `json:"environment"`
	BaseURL           string  `json:"base_url"`
	TargetEnvironment string  `json:"target_environment"`
	APIUser           string  `json:"-"`
	APIKey            string  `json:"-"`
	SubscriptionKey   string  `json:"-"`
	CurrencyOverride  *string `json:"currency_override,omitempty"`
	Active            bool    `json:"active"`
}

// ProviderSession is the ephemeral result of a token exchange. It is never
// persisted and the token value is never logged.
type ProviderSession struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
}

// Valid reports whether the session can still be used with some safety margin
// left before expiry.
func (s ProviderSession) Valid(now time.Time, margin time.Duration) bool {
	return s.AccessToken != "" && now.Add(margin).Before(s.ExpiresAt)
}

// WithdrawalEvent is the fire-and-forget notification payload dispatched on
// withdrawal lifecycle transitions. Failures publishing it never affect the
// financial state.
type WithdrawalEvent struct {
	Kind                  string    `json:"kind"` // withdrawal-initiated | withdrawal-completed | withdrawal-failed
	MerchantID            string    `json:"merchant_id"`
	TransactionID         string    `json:"transaction_id"`
	Amount                int64     `json:"amount"`
	Fee                   int64     `json:"fee"`
	Currency              string    `json:"currency"`
	Reference             string    `json:"reference"`
	DestinationDescriptor string    `json:"destination_descriptor"`
	Reason                string    `json:"reason,omitempty"`
	Timestamp             time.Time `json:"timestamp"`
}

// Notification kinds.
const (
	EventWithdrawalInitiated = "withdrawal-initiated"
	EventWithdrawalCompleted = "withdrawal-completed"
	EventWithdrawalFailed    = "withdrawal-failed"
)
