/**
 * @description
 * This file contains the HTTP handlers for the settlement-service's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * The withdrawal endpoint is synchronous through the provider submission: the
 * response carries the terminal state when one was reached, or `pending` when
 * the provider is still processing and the reconciler will settle it.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For URL parameters.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/veltapay/settlement-service/internal/app"
	"github.com/veltapay/settlement-service/internal/domain"
	"github.com/veltapay/settlement-service/internal/store"
)

// WithdrawalHandlers holds the application service that handlers will use.
type WithdrawalHandlers struct {
	service        *app.Service
	reconcileAfter time.Duration
	reconcileLimit int
}

// NewWithdrawalHandlers creates a new instance of WithdrawalHandlers.
func NewWithdrawalHandlers(service *app.Service, reconcileAfter time.Duration, reconcileLimit int) *WithdrawalHandlers {
	return &WithdrawalHandlers{
		service:        service,
		reconcileAfter: reconcileAfter,
		reconcileLimit: reconcileLimit,
	}
}

// withdrawalResponse mirrors the withdrawal transaction for API consumers,
// with a human-readable message describing the outcome.
type withdrawalResponse struct {
	TransactionID     string  `json:"transaction_id"`
	Status            string  `json:"status"`
	Message           string  `json:"message"`
	Amount            int64   `json:"amount"`
	Fee               int64   `json:"fee"`
	TotalDebited      int64   `json:"total_debited"`
	Currency          string  `json:"currency"`
	ProviderReference *string `json:"provider_reference,omitempty"`
	FailureReason     *string `json:"failure_reason,omitempty"`
}

func buildWithdrawalResponse(tx *domain.WithdrawalTransaction, message string) withdrawalResponse {
	return withdrawalResponse{
		TransactionID:     tx.ID.String(),
		Status:            tx.Status,
		Message:           message,
		Amount:            tx.Amount,
		Fee:               tx.Fee,
		TotalDebited:      tx.TotalDebited,
		Currency:          tx.Currency,
		ProviderReference: tx.ProviderReference,
		FailureReason:     tx.FailureReason,
	}
}

// CreateWithdrawalHandler handles requests to initiate a merchant withdrawal.
func (h *WithdrawalHandlers) CreateWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=create_withdrawal outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.MerchantID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "merchant_id is required")
		return
	}

	log.Printf("level=info component=api endpoint=create_withdrawal outcome=accepted merchant_id=%s amount=%d", req.MerchantID, req.Amount)

	tx, err := h.service.Withdraw(r.Context(), req.MerchantID, req.Amount)
	if err != nil {
		h.writeWithdrawalError(w, req.MerchantID, tx, err)
		return
	}

	if tx.Status == domain.WithdrawalStatusPending {
		h.writeJSON(w, http.StatusAccepted, buildWithdrawalResponse(tx, "Withdrawal submitted; provider confirmation pending"))
		return
	}
	h.writeJSON(w, http.StatusCreated, buildWithdrawalResponse(tx, "Withdrawal completed"))
}

// writeWithdrawalError maps service errors onto HTTP responses. Errors raised
// after the reservation carry the refunded transaction so the caller still
// learns the transaction id and terminal state.
func (h *WithdrawalHandlers) writeWithdrawalError(w http.ResponseWriter, merchantID uuid.UUID, tx *domain.WithdrawalTransaction, err error) {
	log.Printf("level=warn component=api endpoint=create_withdrawal outcome=failed merchant_id=%s err=%v", merchantID, err)

	switch {
	case errors.Is(err, store.ErrMerchantNotFound):
		h.writeError(w, http.StatusNotFound, "Merchant not found")
	case errors.Is(err, store.ErrInsufficientFunds):
		h.writeError(w, http.StatusPaymentRequired, "Insufficient balance to cover amount plus fee")
	case errors.Is(err, app.ErrInvalidAmount):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrDestinationNotConfigured):
		h.writeError(w, http.StatusPreconditionFailed, "Payout destination is not configured. Please configure one first.")
	case errors.Is(err, app.ErrUnknownPlanTier), errors.Is(err, app.ErrUnsupportedPayoutMethod):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case tx != nil && errors.Is(err, app.ErrProviderRejected):
		h.writeJSON(w, http.StatusUnprocessableEntity, buildWithdrawalResponse(tx, "Provider rejected the transfer; funds were refunded"))
	case tx != nil && (errors.Is(err, app.ErrProviderAuth) || errors.Is(err, app.ErrProviderUnavailable) || errors.Is(err, store.ErrProviderNotConfigured)):
		h.writeJSON(w, http.StatusBadGateway, buildWithdrawalResponse(tx, "Payout provider unavailable; funds were refunded"))
	default:
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// GetWithdrawalHandler handles requests to fetch an individual withdrawal by UUID.
func (h *WithdrawalHandlers) GetWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	transactionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction ID format")
		return
	}

	tx, err := h.service.GetWithdrawal(r.Context(), transactionID)
	if err != nil {
		if errors.Is(err, store.ErrWithdrawalNotFound) {
			h.writeError(w, http.StatusNotFound, "Withdrawal not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_withdrawal outcome=failed transaction_id=%s err=%v", transactionID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, tx)
}

// ListWithdrawalsHandler handles requests to list a merchant's withdrawals.
func (h *WithdrawalHandlers) ListWithdrawalsHandler(w http.ResponseWriter, r *http.Request) {
	merchantID, err := uuid.Parse(r.URL.Query().Get("merchant_id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "merchant_id query parameter is required")
		return
	}

	limit, err := parseOptionalInt(r.URL.Query().Get("limit"), 20)
	if err != nil || limit <= 0 || limit > 100 {
		h.writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	offset, err := parseOptionalInt(r.URL.Query().Get("offset"), 0)
	if err != nil || offset < 0 {
		h.writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	withdrawals, err := h.service.ListWithdrawals(r.Context(), merchantID, limit, offset)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_withdrawals outcome=failed merchant_id=%s err=%v", merchantID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"merchant_id": merchantID.String(),
		"withdrawals": withdrawals,
	})
}

// ReconcileHandler triggers a reconciliation pass on demand. The same logic
// runs on the cron schedule; this endpoint exists for operators.
func (h *WithdrawalHandlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	limit := h.reconcileLimit
	var req struct {
		Limit int `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Limit > 0 {
		limit = req.Limit
	}

	result, err := h.service.ReconcilePendingWithdrawals(r.Context(), h.reconcileAfter, limit)
	if err != nil {
		log.Printf("level=error component=api endpoint=reconcile outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Reconciliation pass failed")
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func parseOptionalInt(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

// writeJSON is a helper for writing JSON responses.
func (h *WithdrawalHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *WithdrawalHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
