package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veltapay/settlement-service/internal/domain"
	"github.com/veltapay/settlement-service/internal/store"
	"github.com/veltapay/settlement-service/pkg/momo"
)

// stubRepository implements the ledger in memory so tests can assert on
// balances and terminal transitions without a database.
type stubRepository struct {
	store.Repository

	mu                sync.Mutex
	merchant          *domain.MerchantAccount
	balance           int64
	providerCfg       *domain.ProviderConfig
	providerCfgErr    error
	withdrawal        *domain.WithdrawalTransaction
	completedCalls    int
	failedCalls       int
	lastFailureReason string
	lastProviderRef   string
}

func (s *stubRepository) FindMerchantByID(ctx context.Context, merchantID uuid.UUID) (*domain.MerchantAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.merchant == nil || s.merchant.ID != merchantID {
		return nil, store.ErrMerchantNotFound
	}
	m := *s.merchant
	m.Balance = s.balance
	return &m, nil
}

func (s *stubRepository) ReserveAndDebit(ctx context.Context, merchantID uuid.UUID, amount, fee int64, snapshot domain.PayoutSnapshot) (*domain.WithdrawalTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := amount + fee
	if s.balance < total {
		return nil, store.ErrInsufficientFunds
	}
	s.balance -= total
	s.withdrawal = &domain.WithdrawalTransaction{
		ID:                uuid.New(),
		MerchantID:        merchantID,
		Amount:            amount,
		Fee:               fee,
		TotalDebited:      total,
		Currency:          snapshot.Currency,
		Status:            domain.WithdrawalStatusPending,
		ProviderName:      snapshot.ProviderName,
		Environment:       snapshot.Environment,
		PayoutMethod:      snapshot.PayoutMethod,
		PayoutDestination: snapshot.PayoutDestination,
		CreatedAt:         time.Now().UTC(),
	}
	tx := *s.withdrawal
	return &tx, nil
}

func (s *stubRepository) MarkCompleted(ctx context.Context, transactionID uuid.UUID, providerReference string, rawStatus *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.withdrawal == nil || s.withdrawal.ID != transactionID {
		return store.ErrWithdrawalNotFound
	}
	if s.withdrawal.Status != domain.WithdrawalStatusPending {
		return nil
	}
	s.withdrawal.Status = domain.WithdrawalStatusCompleted
	s.completedCalls++
	s.lastProviderRef = providerReference
	return nil
}

func (s *stubRepository) MarkFailedAndRefund(ctx context.Context, transactionID uuid.UUID, reason string, rawStatus *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.withdrawal == nil || s.withdrawal.ID != transactionID {
		return store.ErrWithdrawalNotFound
	}
	if s.withdrawal.Status != domain.WithdrawalStatusPending {
		return nil
	}
	s.withdrawal.Status = domain.WithdrawalStatusFailed
	s.balance += s.withdrawal.TotalDebited
	s.failedCalls++
	s.lastFailureReason = reason
	return nil
}

func (s *stubRepository) GetActiveProviderConfig(ctx context.Context, provider, countryCode, environment string) (*domain.ProviderConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.providerCfgErr != nil {
		return nil, s.providerCfgErr
	}
	cfg := *s.providerCfg
	return &cfg, nil
}

func (s *stubRepository) status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.withdrawal == nil {
		return ""
	}
	return s.withdrawal.Status
}

func (s *stubRepository) currentBalance() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

// providerStub is an httptest server speaking the provider protocol with
// scriptable outcomes per endpoint.
type providerStub struct {
	server *httptest.Server

	mu           sync.Mutex
	tokenStatus  int
	submitStatus int
	submitBody   string
	statusStatus int
	statusBody   string
	tokenCalls   int
	submitCalls  int
	statusCalls  int
	submitRefs   []string
}

func newProviderStub(t *testing.T) *providerStub {
	t.Helper()
	p := &providerStub{
		tokenStatus:  http.StatusOK,
		submitStatus: http.StatusAccepted,
		statusStatus: http.StatusOK,
		statusBody:   `{"status":"SUCCESSFUL","financialTransactionId":"fin-123"}`,
	}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		switch {
		case r.URL.Path == "/token/":
			p.tokenCalls++
			w.WriteHeader(p.tokenStatus)
			if p.tokenStatus == http.StatusOK {
				json.NewEncoder(w).Encode(map[string]interface{}{
					"access_token": "tok-123",
					"token_type":   "Bearer",
					"expires_in":   3600,
				})
			}
		case r.Method == http.MethodPost && r.URL.Path == "/disbursement/v1_0/transfer":
			p.submitCalls++
			p.submitRefs = append(p.submitRefs, r.Header.Get("X-Reference-Id"))
			w.WriteHeader(p.submitStatus)
			w.Write([]byte(p.submitBody))
		case r.Method == http.MethodGet:
			p.statusCalls++
			w.WriteHeader(p.statusStatus)
			w.Write([]byte(p.statusBody))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(p.server.Close)
	return p
}

func (p *providerStub) totalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenCalls + p.submitCalls + p.statusCalls
}

func newTestMerchant() *domain.MerchantAccount {
	return &domain.MerchantAccount{
		ID:                uuid.New(),
		BusinessName:      "Kampala Fresh Produce",
		Balance:           1_000_000,
		Currency:          "UGX",
		PlanTier:          domain.PlanBusiness,
		PayoutMethod:      domain.PayoutMethodMobile,
		PayoutDestination: "256771234567",
		CountryCode:       "UG",
	}
}

func newTestService(repo *stubRepository, provider *providerStub) *Service {
	repo.providerCfg = &domain.ProviderConfig{
		ProviderName:      "mtn_momo",
		CountryCode:       "UG",
		Environment:       domain.EnvironmentSandbox,
		BaseURL:           provider.server.URL,
		TargetEnvironment: "sandbox",
		APIUser:           "api-user",
		APIKey:            "api-key",
		SubscriptionKey:   "sub-key",
		Active:            true,
	}
	return NewService(repo, momo.NewClient(), nil, DefaultFeeTable(), Config{
		Environment:          domain.EnvironmentSandbox,
		MobileMoneyProvider:  "mtn_momo",
		BankTransferProvider: "mtn_momo",
		StatusPollDelay:      0,
		TokenRetries:         1,
		SubmitRetries:        1,
		RetryBackoff:         time.Millisecond,
		EventsExchange:       "veltapay.events",
	})
}

func TestWithdraw_CompletesAndDebitsAmountPlusFee(t *testing.T) {
	merchant := newTestMerchant()
	repo := &stubRepository{merchant: merchant, balance: merchant.Balance}
	provider := newProviderStub(t)
	svc := newTestService(repo, provider)

	tx, err := svc.Withdraw(context.Background(), merchant.ID, 100_000)
	require.NoError(t, err)

	assert.Equal(t, domain.WithdrawalStatusCompleted, tx.Status)
	assert.Equal(t, int64(1_000), tx.Fee) // business tier: 1%
	assert.Equal(t, int64(101_000), tx.TotalDebited)
	assert.Equal(t, int64(1_000_000-101_000), repo.currentBalance())
	assert.Equal(t, 1, repo.completedCalls)
	assert.Equal(t, "fin-123", repo.lastProviderRef)
	require.NotNil(t, tx.ProviderReference)
	assert.Equal(t, "fin-123", *tx.ProviderReference)
}

func TestWithdraw_InsufficientFundsNeverContactsProvider(t *testing.T) {
	merchant := newTestMerchant()
	repo := &stubRepository{merchant: merchant, balance: 50_000}
	provider := newProviderStub(t)
	svc := newTestService(repo, provider)

	// amount alone fits the balance but amount+fee does not
	_, err := svc.Withdraw(context.Background(), merchant.ID, 50_000)
	require.ErrorIs(t, err, store.ErrInsufficientFunds)

	assert.Zero(t, provider.totalCalls())
	assert.Equal(t, int64(50_000), repo.currentBalance())
}

func TestWithdraw_NonPositiveAmountRejected(t *testing.T) {
	merchant := newTestMerchant()
	repo := &stubRepository{merchant: merchant, balance: merchant.Balance}
	provider := newProviderStub(t)
	svc := newTestService(repo, provider)

	_, err := svc.Withdraw(context.Background(), merchant.ID, 0)
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.Withdraw(context.Background(), merchant.ID, -5)
	require.ErrorIs(t, err, ErrInvalidAmount)
	assert.Zero(t, provider.totalCalls())
}

func TestWithdraw_UnknownPlanTierRejectedBeforeReserve(t *testing.T) {
	merchant := newTestMerchant()
	merchant.PlanTier = "enterprise"
	repo := &stubRepository{merchant: merchant, balance: merchant.Balance}
	provider := newProviderStub(t)
	svc := newTestService(repo, provider)

	_, err := svc.Withdraw(context.Background(), merchant.ID, 100_000)
	require.ErrorIs(t, err, ErrUnknownPlanTier)

	assert.Nil(t, repo.withdrawal)
	assert.Equal(t, int64(1_000_000), repo.currentBalance())
	assert.Zero(t, provider.totalCalls())
}

func TestWithdraw_MissingDestinationRejected(t *testing.T) {
	merchant := newTestMerchant()
	merchant.PayoutDestination = ""
	repo := &stubRepository{merchant: merchant, balance: merchant.Balance}
	provider := newProviderStub(t)
	svc := newTestService(repo, provider)

	_, err := svc.Withdraw(context.Background(), merchant.ID, 100_000)
	require.ErrorIs(t, err, ErrDestinationNotConfigured)
	assert.Nil(t, repo.withdrawal)
}

func TestWithdraw_InvalidCredentialsRefunds(t *testing.T) {
	merchant := newTestMerchant()
	repo := &stubRepository{merchant: merchant, balance: merchant.Balance}
	provider := newProviderStub(t)
	provider.tokenStatus = http.StatusUnauthorized
	svc := newTestService(repo, provider)

	tx, err := svc.Withdraw(context.Background(), merchant.ID, 100_000)
	require.ErrorIs(t, err, ErrProviderAuth)

	assert.Equal(t, domain.WithdrawalStatusFailed, tx.Status)
	assert.Equal(t, 1, repo.failedCalls)
	assert.Equal(t, int64(1_000_000), repo.currentBalance())
	// invalid credentials must not be retried
	assert.Equal(t, 1, provider.tokenCalls)
	assert.Zero(t, provider.submitCalls)
}

func TestWithdraw_ProviderConfigMissingRefunds(t *testing.T) {
	merchant := newTestMerchant()
	repo := &stubRepository{merchant: merchant, balance: merchant.Balance}
	provider := newProviderStub(t)
	svc := newTestService(repo, provider)
	repo.providerCfgErr = store.ErrProviderNotConfigured

	tx, err := svc.Withdraw(context.Background(), merchant.ID, 100_000)
	require.ErrorIs(t, err, store.ErrProviderNotConfigured)

	assert.Equal(t, domain.WithdrawalStatusFailed, tx.Status)
	assert.Equal(t, int64(1_000_000), repo.currentBalance())
	assert.Zero(t, provider.totalCalls())
}

func TestWithdraw_ExplicitRejectionRefunds(t *testing.T) {
	merchant := newTestMerchant()
	repo := &stubRepository{merchant: merchant, balance: merchant.Balance}
	provider := newProviderStub(t)
	provider.submitStatus = http.StatusBadRequest
	provider.submitBody = `{"code":"INVALID_MSISDN","message":"bad number"}`
	svc := newTestService(repo, provider)

	tx, err := svc.Withdraw(context.Background(), merchant.ID, 100_000)
	require.ErrorIs(t, err, ErrProviderRejected)

	assert.Equal(t, domain.WithdrawalStatusFailed, tx.Status)
	assert.Equal(t, int64(1_000_000), repo.currentBalance())
	// a hard rejection must not be retried
	assert.Equal(t, 1, provider.submitCalls)
	assert.Contains(t, repo.lastFailureReason, "invalid_destination")
}

func TestWithdraw_DuplicateReferenceTreatedAsSubmitted(t *testing.T) {
	merchant := newTestMerchant()
	repo := &stubRepository{merchant: merchant, balance: merchant.Balance}
	provider := newProviderStub(t)
	provider.submitStatus = http.StatusConflict
	svc := newTestService(repo, provider)

	tx, err := svc.Withdraw(context.Background(), merchant.ID, 100_000)
	require.NoError(t, err)

	assert.Equal(t, domain.WithdrawalStatusCompleted, tx.Status)
	assert.Equal(t, 1, provider.submitCalls)
	assert.Equal(t, 1, repo.completedCalls)
	assert.Zero(t, repo.failedCalls)
}

func TestWithdraw_UnavailableThenNotFoundRefunds(t *testing.T) {
	merchant := newTestMerchant()
	repo := &stubRepository{merchant: merchant, balance: merchant.Balance}
	provider := newProviderStub(t)
	provider.submitStatus = http.StatusServiceUnavailable
	provider.statusStatus = http.StatusNotFound
	provider.statusBody = ""
	svc := newTestService(repo, provider)

	tx, err := svc.Withdraw(context.Background(), merchant.ID, 100_000)
	require.ErrorIs(t, err, ErrProviderUnavailable)

	assert.Equal(t, domain.WithdrawalStatusFailed, tx.Status)
	assert.Equal(t, int64(1_000_000), repo.currentBalance())
	// initial attempt plus one retry
	assert.Equal(t, 2, provider.submitCalls)
}

func TestWithdraw_UnavailableButAlreadyAcceptedCompletes(t *testing.T) {
	merchant := newTestMerchant()
	repo := &stubRepository{merchant: merchant, balance: merchant.Balance}
	provider := newProviderStub(t)
	provider.submitStatus = http.StatusServiceUnavailable
	svc := newTestService(repo, provider)

	// the status query reveals the transfer did reach the provider
	tx, err := svc.Withdraw(context.Background(), merchant.ID, 100_000)
	require.NoError(t, err)

	assert.Equal(t, domain.WithdrawalStatusCompleted, tx.Status)
	assert.Equal(t, 1, repo.completedCalls)
	assert.Zero(t, repo.failedCalls)
}

func TestWithdraw_ReferenceReusedAcrossRetries(t *testing.T) {
	merchant := newTestMerchant()
	repo := &stubRepository{merchant: merchant, balance: merchant.Balance}
	provider := newProviderStub(t)
	provider.submitStatus = http.StatusServiceUnavailable
	provider.statusStatus = http.StatusNotFound
	provider.statusBody = ""
	svc := newTestService(repo, provider)

	tx, _ := svc.Withdraw(context.Background(), merchant.ID, 100_000)

	require.Len(t, provider.submitRefs, 2)
	assert.Equal(t, tx.ID.String(), provider.submitRefs[0])
	assert.Equal(t, provider.submitRefs[0], provider.submitRefs[1])
}

func TestWithdraw_PendingPollLeavesWithdrawalOpen(t *testing.T) {
	merchant := newTestMerchant()
	repo := &stubRepository{merchant: merchant, balance: merchant.Balance}
	provider := newProviderStub(t)
	provider.statusBody = `{"status":"PENDING"}`
	svc := newTestService(repo, provider)

	tx, err := svc.Withdraw(context.Background(), merchant.ID, 100_000)
	require.NoError(t, err)

	assert.Equal(t, domain.WithdrawalStatusPending, tx.Status)
	assert.Zero(t, repo.completedCalls)
	assert.Zero(t, repo.failedCalls)
	// the debit stays reserved until the reconciler settles it
	assert.Equal(t, int64(1_000_000-101_000), repo.currentBalance())
}

func TestWithdraw_FailedPollRefundsWithReason(t *testing.T) {
	merchant := newTestMerchant()
	repo := &stubRepository{merchant: merchant, balance: merchant.Balance}
	provider := newProviderStub(t)
	provider.statusBody = `{"status":"FAILED","reason":{"code":"PAYEE_NOT_FOUND","message":"no such msisdn"}}`
	svc := newTestService(repo, provider)

	tx, err := svc.Withdraw(context.Background(), merchant.ID, 100_000)
	require.ErrorIs(t, err, ErrProviderRejected)

	assert.Equal(t, domain.WithdrawalStatusFailed, tx.Status)
	assert.Equal(t, int64(1_000_000), repo.currentBalance())
	assert.Contains(t, repo.lastFailureReason, "PAYEE_NOT_FOUND")
}

func TestWithdraw_StatusPollErrorLeavesWithdrawalOpen(t *testing.T) {
	merchant := newTestMerchant()
	repo := &stubRepository{merchant: merchant, balance: merchant.Balance}
	provider := newProviderStub(t)
	provider.statusStatus = http.StatusBadGateway
	provider.statusBody = ""
	svc := newTestService(repo, provider)

	tx, err := svc.Withdraw(context.Background(), merchant.ID, 100_000)
	require.NoError(t, err)

	assert.Equal(t, domain.WithdrawalStatusPending, tx.Status)
	assert.Zero(t, repo.failedCalls)
}

// fakeSessionCache is an in-memory SessionCache for tests.
type fakeSessionCache struct {
	mu       sync.Mutex
	sessions map[string]*domain.ProviderSession
	puts     int
}

func (c *fakeSessionCache) Get(ctx context.Context, provider, environment string) (*domain.ProviderSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[provider+"|"+environment]
	return s, ok
}

func (c *fakeSessionCache) Put(ctx context.Context, provider, environment string, session *domain.ProviderSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions == nil {
		c.sessions = map[string]*domain.ProviderSession{}
	}
	c.sessions[provider+"|"+environment] = session
	c.puts++
}

func TestWithdraw_CachedSessionSkipsTokenExchange(t *testing.T) {
	merchant := newTestMerchant()
	repo := &stubRepository{merchant: merchant, balance: merchant.Balance}
	provider := newProviderStub(t)
	svc := newTestService(repo, provider)

	cache := &fakeSessionCache{sessions: map[string]*domain.ProviderSession{
		"mtn_momo|sandbox": {AccessToken: "cached-tok", TokenType: "Bearer", ExpiresAt: time.Now().UTC().Add(time.Hour)},
	}}
	svc.SetSessionCache(cache)

	tx, err := svc.Withdraw(context.Background(), merchant.ID, 100_000)
	require.NoError(t, err)

	assert.Equal(t, domain.WithdrawalStatusCompleted, tx.Status)
	assert.Zero(t, provider.tokenCalls)
}

func TestWithdraw_FreshSessionIsCached(t *testing.T) {
	merchant := newTestMerchant()
	repo := &stubRepository{merchant: merchant, balance: merchant.Balance}
	provider := newProviderStub(t)
	svc := newTestService(repo, provider)

	cache := &fakeSessionCache{}
	svc.SetSessionCache(cache)

	_, err := svc.Withdraw(context.Background(), merchant.ID, 100_000)
	require.NoError(t, err)

	assert.Equal(t, 1, provider.tokenCalls)
	assert.Equal(t, 1, cache.puts)
}

func TestWithdraw_UnknownMerchant(t *testing.T) {
	repo := &stubRepository{}
	provider := newProviderStub(t)
	svc := newTestService(repo, provider)

	_, err := svc.Withdraw(context.Background(), uuid.New(), 100_000)
	require.ErrorIs(t, err, store.ErrMerchantNotFound)
}
