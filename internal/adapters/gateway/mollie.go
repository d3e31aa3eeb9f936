package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/DanielPopoola/ficmart-ticketing/internal/config"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
)

const mollieBaseURL = "https://api.mollie.com"

// Mollie only receives notifications. A delivery is a form post carrying the
// payment id; the reservation comes from the callback route and the status
// from the payments API.
type Mollie struct {
	client *Client
}

func NewMollie(cfg config.ProviderConfig) *Mollie {
	c := newClient(domain.ProviderMollie, cfg, mollieBaseURL, decodeMollieError)
	apiKey := cfg.APIKey
	c.authorize = func(_ context.Context, req *http.Request) error {
		req.Header.Set("Authorization", "Bearer "+apiKey)
		return nil
	}
	return &Mollie{client: c}
}

func (m *Mollie) ID() domain.ProviderID { return domain.ProviderMollie }

type mollieAmount struct {
	Currency string `json:"currency"`
	Value    string `json:"value"`
}

type molliePayment struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Amount   mollieAmount      `json:"amount"`
	Metadata map[string]string `json:"metadata"`
}

type mollieErrorResponse struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func decodeMollieError(status int, body []byte) *APIError {
	var resp mollieErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Title == "" {
		return nil
	}
	return &APIError{Code: resp.Title, Message: resp.Detail, StatusCode: status}
}

func (m *Mollie) RequiresSignedBody() bool { return false }

func (m *Mollie) VerifySignature([]byte, http.Header) error { return nil }

func (m *Mollie) ParseWebhook(_ context.Context, body []byte, _ http.Header) (domain.TransactionWebhookPayload, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return domain.TransactionWebhookPayload{}, domain.NewMalformedPayloadError(err)
	}
	id := strings.TrimSpace(form.Get("id"))
	if id == "" {
		return domain.TransactionWebhookPayload{}, domain.NewMalformedPayloadError(errors.New("payment id missing"))
	}
	return domain.TransactionWebhookPayload{
		Type:       "payment",
		Status:     domain.WebhookUnknown,
		ExternalID: id,
	}, nil
}

// ForceTransactionCheck reads the payment and makes sure it was created for
// this reservation.
func (m *Mollie) ForceTransactionCheck(ctx context.Context, r *domain.Reservation, tx *domain.Transaction) (domain.CheckResult, error) {
	if tx.ExternalID == nil {
		return domain.CheckResult{}, domain.NewInvalidRequestError("mollie payment id is unknown")
	}
	payment, err := send[molliePayment](ctx, m.client, "get payment", getRequest("/v2/payments/"+url.PathEscape(*tx.ExternalID)))
	if err != nil {
		return domain.CheckResult{}, err
	}
	if owner := payment.Metadata[metaReservation]; owner != "" && owner != r.ID {
		return domain.CheckResult{}, domain.NewReservationMismatchError(r.ID, owner)
	}

	amount, err := parseAmount(payment.Amount.Value, payment.Amount.Currency)
	if err != nil {
		return domain.CheckResult{}, domain.NewGatewayUnavailableError(err)
	}
	result := domain.CheckResult{
		ExternalID:  payment.ID,
		AmountCents: amount,
		Currency:    payment.Amount.Currency,
	}
	switch payment.Status {
	case "paid":
		result.Status = domain.CheckPaid
	case "failed", "canceled", "expired":
		result.Status = domain.CheckFailed
	default:
		result.Status = domain.CheckPending
	}
	return result, nil
}
