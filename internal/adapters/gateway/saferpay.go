package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/DanielPopoola/ficmart-ticketing/internal/config"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/google/uuid"
)

const (
	saferpayBaseURL     = "https://www.saferpay.com/api"
	saferpaySpecVersion = "1.40"
)

// Saferpay is a redirect card gateway. The payment page is opened while the
// payment spec is built; its notifications are unsigned and carry nothing
// but the callback URL, so the status is always taken from a force check.
type Saferpay struct {
	client     *Client
	customerID string
	terminalID string
	notifyBase string
}

// NewSaferpay expects Account as "<customer id>/<terminal id>" and APIKey as
// "<user>:<password>".
func NewSaferpay(cfg config.ProviderConfig) *Saferpay {
	c := newClient(domain.ProviderSaferpay, cfg, saferpayBaseURL, decodeSaferpayError)
	user, password, _ := strings.Cut(cfg.APIKey, ":")
	c.authorize = func(_ context.Context, req *http.Request) error {
		req.SetBasicAuth(user, password)
		return nil
	}
	customerID, terminalID, _ := strings.Cut(cfg.Account, "/")
	return &Saferpay{
		client:     c,
		customerID: customerID,
		terminalID: terminalID,
		notifyBase: cfg.NotifyURL,
	}
}

func (s *Saferpay) ID() domain.ProviderID { return domain.ProviderSaferpay }

type saferpayHeader struct {
	SpecVersion    string `json:"SpecVersion"`
	CustomerID     string `json:"CustomerId"`
	RequestID      string `json:"RequestId"`
	RetryIndicator int    `json:"RetryIndicator"`
}

type saferpayAmount struct {
	Value        string `json:"Value"`
	CurrencyCode string `json:"CurrencyCode"`
}

type saferpayInitializeRequest struct {
	RequestHeader saferpayHeader `json:"RequestHeader"`
	TerminalID    string         `json:"TerminalId"`
	Payment       struct {
		Amount      saferpayAmount `json:"Amount"`
		OrderID     string         `json:"OrderId"`
		Description string         `json:"Description"`
	} `json:"Payment"`
	ReturnURL struct {
		URL string `json:"Url"`
	} `json:"ReturnUrl"`
	Notification struct {
		NotifyURL string `json:"NotifyUrl,omitempty"`
	} `json:"Notification"`
}

type saferpayInitializeResponse struct {
	Token       string `json:"Token"`
	RedirectURL string `json:"RedirectUrl"`
}

type saferpayTransaction struct {
	Type   string         `json:"Type"`
	Status string         `json:"Status"`
	ID     string         `json:"Id"`
	Amount saferpayAmount `json:"Amount"`
}

type saferpayAssertResponse struct {
	Transaction saferpayTransaction `json:"Transaction"`
}

type saferpayErrorResponse struct {
	ErrorName    string `json:"ErrorName"`
	ErrorMessage string `json:"ErrorMessage"`
}

func decodeSaferpayError(status int, body []byte) *APIError {
	var resp saferpayErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.ErrorName == "" {
		return nil
	}
	return &APIError{Code: resp.ErrorName, Message: resp.ErrorMessage, StatusCode: status}
}

// Error names that end the payment for good.
var saferpayFinalErrors = map[string]bool{
	"TRANSACTION_ABORTED":       true,
	"TRANSACTION_DECLINED":      true,
	"3DS_AUTHENTICATION_FAILED": true,
	"TOKEN_EXPIRED":             true,
}

func (s *Saferpay) header() saferpayHeader {
	return saferpayHeader{
		SpecVersion: saferpaySpecVersion,
		CustomerID:  s.customerID,
		RequestID:   uuid.NewString(),
	}
}

// BuildPaymentSpec opens a payment page for the reservation. The page token
// and redirect URL travel in the PaymentSpec metadata and end up on the
// transaction.
func (s *Saferpay) BuildPaymentSpec(ctx context.Context, r *domain.Reservation, cost domain.Cost, params map[string]string) (domain.PaymentSpec, error) {
	spec, err := buildSpec(r, cost, params, metaReturnURL)
	if err != nil {
		return domain.PaymentSpec{}, err
	}

	var body saferpayInitializeRequest
	body.RequestHeader = s.header()
	body.TerminalID = s.terminalID
	body.Payment.Amount = saferpayAmount{Value: formatCents(spec.AmountCents), CurrencyCode: spec.Currency}
	body.Payment.OrderID = r.ID
	body.Payment.Description = spec.Descriptor
	body.ReturnURL.URL = params[metaReturnURL]
	body.Notification.NotifyURL = notifyURL(s.notifyBase, s.ID(), r)

	req, err := jsonRequest(http.MethodPost, "/Payment/v1/PaymentPage/Initialize", body)
	if err != nil {
		return domain.PaymentSpec{}, err
	}
	page, err := send[saferpayInitializeResponse](ctx, s.client, "initialize payment page", req)
	if err != nil {
		return domain.PaymentSpec{}, err
	}

	spec.Metadata[metaToken] = page.Token
	spec.Metadata[metaRedirectURL] = page.RedirectURL
	if body.Notification.NotifyURL != "" {
		spec.Metadata[metaNotifyURL] = body.Notification.NotifyURL
	}
	return spec, nil
}

func (s *Saferpay) RequiresSignedBody() bool { return false }

func (s *Saferpay) VerifySignature([]byte, http.Header) error { return nil }

// ParseWebhook always reports an unknown status; the reservation comes from
// the callback route.
func (s *Saferpay) ParseWebhook(context.Context, []byte, http.Header) (domain.TransactionWebhookPayload, error) {
	return domain.TransactionWebhookPayload{Type: "notify", Status: domain.WebhookUnknown}, nil
}

// ForceTransactionCheck asserts the payment page. An authorized payment is
// captured before it is reported as paid.
func (s *Saferpay) ForceTransactionCheck(ctx context.Context, r *domain.Reservation, tx *domain.Transaction) (domain.CheckResult, error) {
	token := tx.Metadata[metaToken]
	if token == "" {
		return domain.CheckResult{}, domain.NewInvalidRequestError("saferpay transaction has no payment page token")
	}

	req, err := jsonRequest(http.MethodPost, "/Payment/v1/PaymentPage/Assert", map[string]any{
		"RequestHeader": s.header(),
		"Token":         token,
	})
	if err != nil {
		return domain.CheckResult{}, err
	}
	req.retry = true

	asserted, err := send[saferpayAssertResponse](ctx, s.client, "assert payment page", req)
	if err != nil {
		if apiErr, ok := asAPIError(err); ok && !apiErr.IsRetryable() {
			if saferpayFinalErrors[apiErr.Code] {
				return domain.CheckResult{Status: domain.CheckFailed}, nil
			}
			if apiErr.Code == "TRANSACTION_IN_WRONG_STATE" {
				return domain.CheckResult{Status: domain.CheckPending}, nil
			}
		}
		return domain.CheckResult{}, err
	}

	t := asserted.Transaction
	if t.Status == "AUTHORIZED" {
		if err := s.capture(ctx, t.ID); err != nil {
			return domain.CheckResult{}, err
		}
		t.Status = "CAPTURED"
	}

	amount, err := parseCents(t.Amount.Value)
	if err != nil {
		return domain.CheckResult{}, domain.NewGatewayUnavailableError(err)
	}
	result := domain.CheckResult{
		ExternalID:  t.ID,
		AmountCents: amount,
		Currency:    t.Amount.CurrencyCode,
	}
	switch t.Status {
	case "CAPTURED":
		result.Status = domain.CheckPaid
	case "CANCELED":
		result.Status = domain.CheckFailed
	default:
		result.Status = domain.CheckPending
	}
	return result, nil
}

func (s *Saferpay) capture(ctx context.Context, transactionID string) error {
	req, err := jsonRequest(http.MethodPost, "/Payment/v1/Transaction/Capture", map[string]any{
		"RequestHeader":        s.header(),
		"TransactionReference": map[string]string{"TransactionId": transactionID},
	})
	if err != nil {
		return err
	}
	if _, err := send[struct{}](ctx, s.client, "capture transaction", req); err != nil {
		if apiErr, ok := asAPIError(err); ok && apiErr.Code == "TRANSACTION_ALREADY_CAPTURED" {
			return nil
		}
		return err
	}
	return nil
}

// Saferpay amounts are strings in minor units.
func formatCents(cents int64) string {
	return strconv.FormatInt(cents, 10)
}

func parseCents(value string) (int64, error) {
	if value == "" {
		return 0, errors.New("empty amount")
	}
	return strconv.ParseInt(value, 10, 64)
}
