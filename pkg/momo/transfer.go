package momo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/veltapay/settlement-service/internal/domain"
)

// Party id types on the provider wire.
const (
	PartyIDTypeMSISDN = "MSISDN"
	PartyIDTypeBank   = "BANK_ACCOUNT"
)

// Transfer statuses on the provider wire, normalized to lower case for callers.
const (
	StatusPending    = "pending"
	StatusSuccessful = "successful"
	StatusFailed     = "failed"
)

// TransferRequest carries everything the provider needs to pay out one
// withdrawal. ReferenceID is the caller-generated idempotency reference:
// unique per withdrawal attempt, reused verbatim when a network-level retry
// resubmits the same attempt, so the provider recognizes the duplicate.
type TransferRequest struct {
	Amount          int64
	Currency        string
	ReferenceID     string
	PayeePartyType  string
	PayeePartyID    string
	PayerMessage    string
	PayeeNote       string
}

// transferBody is the provider's transfer submission payload. Amounts travel
// as strings of minor units.
type transferBody struct {
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	ExternalID string `json:"externalId"`
	Payee      struct {
		PartyIDType string `json:"partyIdType"`
		PartyID     string `json:"partyId"`
	} `json:"payee"`
	PayerMessage string `json:"payerMessage"`
	PayeeNote    string `json:"payeeNote"`
}

// TransferStatusResponse is the provider's view of a submitted transfer.
type TransferStatusResponse struct {
	Status                 string
	FinancialTransactionID string
	ReasonCode             string
	ReasonMessage          string
	// RawBody is retained for the withdrawal's audit metadata. It carries no
	// credential material.
	RawBody string
}

// SubmitTransfer submits a disbursement to the provider. A 202 means the
// transfer was accepted for asynchronous processing; a 409 means the reference
// was already accepted earlier and is reported as ReasonDuplicateReference so
// the caller can treat the attempt as already submitted.
func (c *Client) SubmitTransfer(ctx context.Context, session *domain.ProviderSession, cfg *domain.ProviderConfig, transfer TransferRequest) error {
	ctx, cancel := context.WithTimeout(ctx, c.TransferTimeout)
	defer cancel()

	currency := transfer.Currency
	if cfg.CurrencyOverride != nil && *cfg.CurrencyOverride != "" {
		// Sandbox configurations force a fixed currency; this is explicit
		// provider configuration, not environment-sniffing.
		currency = *cfg.CurrencyOverride
	}

	var body transferBody
	body.Amount = strconv.FormatInt(transfer.Amount, 10)
	body.Currency = currency
	body.ExternalID = transfer.ReferenceID
	body.Payee.PartyIDType = transfer.PayeePartyType
	body.Payee.PartyID = transfer.PayeePartyID
	body.PayerMessage = transfer.PayerMessage
	body.PayeeNote = transfer.PayeeNote

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	url := strings.TrimSuffix(cfg.BaseURL, "/") + "/disbursement/v1_0/transfer"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create transfer request: %w", err)
	}
	c.setTransferHeaders(req, session, cfg)
	req.Header.Set(headerReferenceID, transfer.ReferenceID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &RejectionError{Reason: ReasonProviderUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()
	bodyBytes, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		log.Printf("level=info component=momo_client op=submit_transfer reference_id=%s status=%d msg=\"duplicate reference; transfer already accepted\"", transfer.ReferenceID, resp.StatusCode)
		return &RejectionError{Reason: ReasonDuplicateReference, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 500:
		log.Printf("level=warn component=momo_client op=submit_transfer reference_id=%s status=%d msg=\"provider unavailable\"", transfer.ReferenceID, resp.StatusCode)
		return &RejectionError{Reason: ReasonProviderUnavailable, StatusCode: resp.StatusCode}
	default:
		var errBody errorBody
		_ = json.Unmarshal(bodyBytes, &errBody)
		reason := classifyRejectionCode(errBody.Code)
		log.Printf("level=warn component=momo_client op=submit_transfer reference_id=%s status=%d code=%q reason=%s", transfer.ReferenceID, resp.StatusCode, errBody.Code, reason)
		return &RejectionError{Reason: reason, StatusCode: resp.StatusCode, Code: errBody.Code, Message: errBody.Message}
	}
}

// TransferStatus queries the provider for the current state of a transfer by
// its idempotency reference. The caller must tolerate StatusPending
// indefinitely; it is not an error, just "not yet known".
func (c *Client) TransferStatus(ctx context.Context, session *domain.ProviderSession, cfg *domain.ProviderConfig, referenceID string) (*TransferStatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.TransferTimeout)
	defer cancel()

	url := strings.TrimSuffix(cfg.BaseURL, "/") + "/disbursement/v1_0/transfer/" + referenceID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}
	c.setTransferHeaders(req, session, cfg)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &RejectionError{Reason: ReasonProviderUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()
	bodyBytes, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fallthrough to decode below
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrTransferNotFound
	default:
		log.Printf("level=warn component=momo_client op=transfer_status reference_id=%s status=%d msg=\"status query failed\"", referenceID, resp.StatusCode)
		return nil, &RejectionError{Reason: ReasonProviderUnavailable, StatusCode: resp.StatusCode}
	}

	var statusBody struct {
		Status                 string `json:"status"`
		FinancialTransactionID string `json:"financialTransactionId"`
		Reason                 *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"reason"`
	}
	if err := json.Unmarshal(bodyBytes, &statusBody); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}

	out := &TransferStatusResponse{
		Status:                 normalizeStatus(statusBody.Status),
		FinancialTransactionID: statusBody.FinancialTransactionID,
		RawBody:                string(bodyBytes),
	}
	if statusBody.Reason != nil {
		out.ReasonCode = statusBody.Reason.Code
		out.ReasonMessage = statusBody.Reason.Message
	}
	return out, nil
}

func (c *Client) setTransferHeaders(req *http.Request, session *domain.ProviderSession, cfg *domain.ProviderConfig) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", session.TokenType+" "+session.AccessToken)
	req.Header.Set(headerSubscriptionKey, cfg.SubscriptionKey)
	req.Header.Set(headerTargetEnvironment, cfg.TargetEnvironment)
}

func normalizeStatus(raw string) string {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUCCESSFUL", "SUCCEEDED", "COMPLETED":
		return StatusSuccessful
	case "FAILED", "REJECTED":
		return StatusFailed
	default:
		return StatusPending
	}
}

// classifyRejectionCode maps the provider's rejection codes onto the
// categories the orchestrator acts on.
func classifyRejectionCode(code string) RejectionReason {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "PAYEE_NOT_FOUND", "PAYEE_NOT_ALLOWED_TO_RECEIVE", "INVALID_MSISDN", "INVALID_ACCOUNT":
		return ReasonInvalidDestination
	case "RESOURCE_ALREADY_EXIST":
		return ReasonDuplicateReference
	case "SERVICE_UNAVAILABLE", "INTERNAL_PROCESSING_ERROR":
		return ReasonProviderUnavailable
	default:
		// INVALID_CURRENCY, INVALID_AMOUNT, NOT_ENOUGH_FUNDS and anything
		// unrecognized: a hard rejection of the request content.
		return ReasonInvalidAmountOrCurrency
	}
}
