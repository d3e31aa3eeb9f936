package gateway

import (
	"context"
	"crypto/hmac"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/DanielPopoola/ficmart-ticketing/internal/config"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
)

const (
	paypalBaseURL = "https://api-m.paypal.com"

	paypalTransmissionID   = "Paypal-Transmission-Id"
	paypalTransmissionTime = "Paypal-Transmission-Time"
	paypalTransmissionSig  = "Paypal-Transmission-Sig"
)

// PayPal is a wallet redirect flow built on the Orders API. The order is
// created server side, approved by the payer on PayPal and captured by
// ForceTransactionCheck.
type PayPal struct {
	client *Client
	secret string
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	clientID    string
	password    string
}

// NewPayPal expects APIKey as "<client id>:<client secret>".
func NewPayPal(cfg config.ProviderConfig) *PayPal {
	p := &PayPal{
		client: newClient(domain.ProviderPayPal, cfg, paypalBaseURL, decodePayPalError),
		secret: cfg.WebhookSecret,
		now:    time.Now,
	}
	p.clientID, p.password, _ = strings.Cut(cfg.APIKey, ":")
	p.client.authorize = p.authorize
	return p
}

func (p *PayPal) ID() domain.ProviderID { return domain.ProviderPayPal }

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalCapture struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Amount paypalAmount `json:"amount"`
}

type paypalPayments struct {
	Captures []paypalCapture `json:"captures"`
}

type paypalPurchaseUnit struct {
	ReferenceID string          `json:"reference_id,omitempty"`
	CustomID    string          `json:"custom_id,omitempty"`
	InvoiceID   string          `json:"invoice_id,omitempty"`
	Description string          `json:"description,omitempty"`
	Amount      paypalAmount    `json:"amount"`
	Payments    *paypalPayments `json:"payments,omitempty"`
}

type paypalOrder struct {
	ID            string               `json:"id"`
	Status        string               `json:"status"`
	PurchaseUnits []paypalPurchaseUnit `json:"purchase_units"`
	Links         []paypalLink         `json:"links"`
}

type paypalEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID                string               `json:"id"`
		Status            string               `json:"status"`
		CustomID          string               `json:"custom_id"`
		Amount            paypalAmount         `json:"amount"`
		PurchaseUnits     []paypalPurchaseUnit `json:"purchase_units"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
	} `json:"resource"`
}

type paypalErrorResponse struct {
	Name             string `json:"name"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func decodePayPalError(status int, body []byte) *APIError {
	var resp paypalErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil
	}
	switch {
	case resp.Name != "":
		return &APIError{Code: resp.Name, Message: resp.Message, StatusCode: status}
	case resp.Error != "":
		return &APIError{Code: resp.Error, Message: resp.ErrorDescription, StatusCode: status}
	}
	return nil
}

// authorize attaches a cached OAuth access token, fetching a new one shortly
// before the old one expires.
func (p *PayPal) authorize(ctx context.Context, req *http.Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token == "" || p.now().After(p.tokenExpiry) {
		token, expiresIn, err := p.fetchToken(ctx)
		if err != nil {
			return err
		}
		p.token = token
		p.tokenExpiry = p.now().Add(expiresIn - time.Minute)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	return nil
}

func (p *PayPal) fetchToken(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.client.baseURL+"/v1/oauth2/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("error creating token request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(p.clientID, p.password)

	resp, err := p.client.httpClient.Do(httpReq)
	if err != nil {
		return "", 0, fmt.Errorf("error requesting access token: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		paypalErrorResponse
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, fmt.Errorf("%w: %v", errMalformedResponse, err)
	}
	if resp.StatusCode != http.StatusOK || body.AccessToken == "" {
		return "", 0, &APIError{Code: body.Error, Message: body.ErrorDescription, StatusCode: resp.StatusCode}
	}
	return body.AccessToken, time.Duration(body.ExpiresIn) * time.Second, nil
}

func (p *PayPal) BuildPaymentSpec(_ context.Context, r *domain.Reservation, cost domain.Cost, params map[string]string) (domain.PaymentSpec, error) {
	return buildSpec(r, cost, params, metaReturnURL, metaCancelURL)
}

// InitTransaction creates an order. The PayPal-Request-Id header makes a
// repeated call return the same order. The client token is the approval URL.
func (p *PayPal) InitTransaction(ctx context.Context, spec domain.PaymentSpec, tx *domain.Transaction) (domain.InitToken, error) {
	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []paypalPurchaseUnit{{
			ReferenceID: tx.ReservationID,
			CustomID:    tx.ReservationID,
			InvoiceID:   tx.ID.String(),
			Description: spec.Descriptor,
			Amount:      paypalAmount{CurrencyCode: spec.Currency, Value: formatAmount(spec.AmountCents, spec.Currency)},
		}},
		"application_context": map[string]string{
			"return_url":  spec.Metadata[metaReturnURL],
			"cancel_url":  spec.Metadata[metaCancelURL],
			"user_action": "PAY_NOW",
		},
	}
	req, err := jsonRequest(http.MethodPost, "/v2/checkout/orders", body)
	if err != nil {
		return domain.InitToken{}, err
	}
	req.idempotencyKey = tx.ID.String()
	req.idempotencyHeader = "PayPal-Request-Id"
	req.retry = true

	order, err := send[paypalOrder](ctx, p.client, "create order", req)
	if err != nil {
		if apiErr, ok := asAPIError(err); ok && apiErr.StatusCode == http.StatusUnprocessableEntity {
			return domain.InitToken{ErrorToken: apiErr.Code}, nil
		}
		return domain.InitToken{}, err
	}
	for _, l := range order.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return domain.InitToken{ClientToken: l.Href, ExternalID: order.ID}, nil
		}
	}
	return domain.InitToken{}, domain.NewGatewayUnavailableError(fmt.Errorf("order %s has no approval link", order.ID))
}

// DiscardTransaction is a no-op: orders that are never captured expire at
// PayPal.
func (p *PayPal) DiscardTransaction(context.Context, *domain.Transaction) error {
	return nil
}

func (p *PayPal) RequiresSignedBody() bool { return true }

// VerifySignature checks an HMAC over "<transmission id>.<transmission
// time>.<body>" sent base64 encoded in Paypal-Transmission-Sig.
func (p *PayPal) VerifySignature(body []byte, headers http.Header) error {
	if p.secret == "" {
		return errors.New("paypal webhook secret is not configured")
	}
	id := headers.Get(paypalTransmissionID)
	ts := headers.Get(paypalTransmissionTime)
	sig, err := base64.StdEncoding.DecodeString(headers.Get(paypalTransmissionSig))
	if id == "" || ts == "" || err != nil || len(sig) == 0 {
		return errors.New("missing or invalid transmission headers")
	}
	if !hmac.Equal(sig, signHMAC(p.secret, []byte(id), []byte(ts), body)) {
		return errors.New("transmission signature does not match")
	}
	return nil
}

// ParseWebhook handles capture results and order approvals. An approved
// order still needs a capture, so it is reported with an unknown status and
// settled through a force check.
func (p *PayPal) ParseWebhook(_ context.Context, body []byte, _ http.Header) (domain.TransactionWebhookPayload, error) {
	var event paypalEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return domain.TransactionWebhookPayload{}, domain.NewMalformedPayloadError(err)
	}
	if event.ID == "" || event.EventType == "" {
		return domain.TransactionWebhookPayload{}, domain.NewMalformedPayloadError(errors.New("event id or type missing"))
	}

	payload := domain.TransactionWebhookPayload{
		Type:           event.EventType,
		IdempotencyKey: event.ID,
	}
	res := event.Resource
	switch event.EventType {
	case "PAYMENT.CAPTURE.COMPLETED", "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		payload.Status = domain.WebhookFailure
		if event.EventType == "PAYMENT.CAPTURE.COMPLETED" {
			payload.Status = domain.WebhookSuccess
		}
		payload.ReservationID = res.CustomID
		payload.ExternalID = res.SupplementaryData.RelatedIDs.OrderID
		payload.Currency = res.Amount.CurrencyCode
		amount, err := parseAmount(res.Amount.Value, res.Amount.CurrencyCode)
		if err != nil {
			return domain.TransactionWebhookPayload{}, domain.NewMalformedPayloadError(err)
		}
		payload.AmountCents = amount
	case "CHECKOUT.ORDER.APPROVED":
		payload.Status = domain.WebhookUnknown
		payload.ExternalID = res.ID
		if len(res.PurchaseUnits) > 0 {
			payload.ReservationID = res.PurchaseUnits[0].CustomID
		}
	default:
		payload.Status = domain.WebhookIgnored
	}
	return payload, nil
}

// ForceTransactionCheck reads the order and captures it once approved. An
// order the payer has not approved by the time the reservation expired is
// reported as failed; it will never be captured.
func (p *PayPal) ForceTransactionCheck(ctx context.Context, r *domain.Reservation, tx *domain.Transaction) (domain.CheckResult, error) {
	if tx.ExternalID == nil {
		return domain.CheckResult{Status: domain.CheckPending}, nil
	}
	orderID := *tx.ExternalID

	order, err := send[paypalOrder](ctx, p.client, "get order", getRequest("/v2/checkout/orders/"+url.PathEscape(orderID)))
	if err != nil {
		return domain.CheckResult{}, err
	}
	if len(order.PurchaseUnits) > 0 && order.PurchaseUnits[0].CustomID != "" && order.PurchaseUnits[0].CustomID != r.ID {
		return domain.CheckResult{}, domain.NewReservationMismatchError(r.ID, order.PurchaseUnits[0].CustomID)
	}

	if order.Status == "APPROVED" {
		req, err := jsonRequest(http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(orderID)+"/capture", struct{}{})
		if err != nil {
			return domain.CheckResult{}, err
		}
		req.idempotencyKey = "capture-" + orderID
		req.idempotencyHeader = "PayPal-Request-Id"
		req.retry = true
		order, err = send[paypalOrder](ctx, p.client, "capture order", req)
		if err != nil {
			if apiErr, ok := asAPIError(err); ok && apiErr.StatusCode == http.StatusUnprocessableEntity {
				return domain.CheckResult{Status: domain.CheckFailed, ExternalID: orderID}, nil
			}
			return domain.CheckResult{}, err
		}
	}

	result := domain.CheckResult{ExternalID: orderID}
	switch order.Status {
	case "COMPLETED":
		capture, ok := completedCapture(order)
		if !ok {
			result.Status = domain.CheckFailed
			return result, nil
		}
		amount, err := parseAmount(capture.Amount.Value, capture.Amount.CurrencyCode)
		if err != nil {
			return domain.CheckResult{}, domain.NewGatewayUnavailableError(err)
		}
		result.Status = domain.CheckPaid
		result.AmountCents = amount
		result.Currency = capture.Amount.CurrencyCode
	case "VOIDED":
		result.Status = domain.CheckFailed
	default:
		if r.IsExpired(p.now()) {
			result.Status = domain.CheckFailed
		} else {
			result.Status = domain.CheckPending
		}
	}
	return result, nil
}

func completedCapture(order *paypalOrder) (paypalCapture, bool) {
	for _, unit := range order.PurchaseUnits {
		if unit.Payments == nil {
			continue
		}
		for _, c := range unit.Payments.Captures {
			if c.Status == "COMPLETED" {
				return c, true
			}
		}
	}
	return paypalCapture{}, false
}

// AckText answers PayPal with a short status word; PayPal only looks at the
// HTTP status.
func (p *PayPal) AckText(result domain.PipelineResult) string {
	switch result {
	case domain.ResultSuccessful:
		return "ACCEPTED"
	case domain.ResultNotRelevant:
		return "IGNORED"
	default:
		return "RETRY"
	}
}
