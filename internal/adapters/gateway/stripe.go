package gateway

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/DanielPopoola/ficmart-ticketing/internal/config"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
)

const (
	stripeBaseURL            = "https://api.stripe.com"
	stripeSignatureHeader    = "Stripe-Signature"
	stripeSignatureTolerance = 5 * time.Minute
)

// Stripe charges cards directly through payment intents. Events are signed
// and carry their own id, which is used as the idempotency key.
type Stripe struct {
	client    *Client
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

func NewStripe(cfg config.ProviderConfig) *Stripe {
	c := newClient(domain.ProviderStripe, cfg, stripeBaseURL, decodeStripeError)
	apiKey := cfg.APIKey
	c.authorize = func(_ context.Context, req *http.Request) error {
		req.Header.Set("Authorization", "Bearer "+apiKey)
		return nil
	}
	return &Stripe{
		client:    c,
		secret:    cfg.WebhookSecret,
		tolerance: stripeSignatureTolerance,
		now:       time.Now,
	}
}

func (s *Stripe) ID() domain.ProviderID { return domain.ProviderStripe }

type stripeIntent struct {
	ID             string            `json:"id"`
	Status         string            `json:"status"`
	Amount         int64             `json:"amount"`
	AmountReceived int64             `json:"amount_received"`
	Currency       string            `json:"currency"`
	ClientSecret   string            `json:"client_secret"`
	Metadata       map[string]string `json:"metadata"`
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object stripeIntent `json:"object"`
	} `json:"data"`
}

type stripeErrorResponse struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"error"`
}

func decodeStripeError(status int, body []byte) *APIError {
	var resp stripeErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Error.Message == "" {
		return nil
	}
	code := resp.Error.Code
	if code == "" {
		code = resp.Error.Type
	}
	return &APIError{Code: code, Message: resp.Error.Message, StatusCode: status}
}

func (s *Stripe) BuildPaymentSpec(_ context.Context, r *domain.Reservation, cost domain.Cost, params map[string]string) (domain.PaymentSpec, error) {
	return buildSpec(r, cost, params)
}

// InitTransaction creates a payment intent keyed by the transaction id, so a
// repeated call returns the same intent. Card declines come back as an error
// token rather than an error.
func (s *Stripe) InitTransaction(ctx context.Context, spec domain.PaymentSpec, tx *domain.Transaction) (domain.InitToken, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(spec.AmountCents, 10))
	form.Set("currency", strings.ToLower(spec.Currency))
	form.Set("description", spec.Descriptor)
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("metadata[reservation_id]", tx.ReservationID)
	form.Set("metadata[transaction_id]", tx.ID.String())

	req := formRequest(http.MethodPost, "/v1/payment_intents", form)
	req.idempotencyKey = tx.ID.String()
	req.retry = true

	intent, err := send[stripeIntent](ctx, s.client, "create payment intent", req)
	if err != nil {
		if apiErr, ok := asAPIError(err); ok && apiErr.StatusCode == http.StatusPaymentRequired {
			return domain.InitToken{ErrorToken: apiErr.Code}, nil
		}
		return domain.InitToken{}, err
	}
	return domain.InitToken{ClientToken: intent.ClientSecret, ExternalID: intent.ID}, nil
}

func (s *Stripe) DiscardTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ExternalID == nil {
		return nil
	}
	req := formRequest(http.MethodPost, "/v1/payment_intents/"+url.PathEscape(*tx.ExternalID)+"/cancel", url.Values{})
	req.idempotencyKey = "cancel-" + tx.ID.String()
	req.retry = true
	_, err := send[stripeIntent](ctx, s.client, "cancel payment intent", req)
	return err
}

func (s *Stripe) RequiresSignedBody() bool { return true }

// VerifySignature checks the Stripe-Signature header: a timestamp and one or
// more v1 HMACs over "<timestamp>.<body>".
func (s *Stripe) VerifySignature(body []byte, headers http.Header) error {
	if s.secret == "" {
		return errors.New("stripe webhook secret is not configured")
	}
	header := headers.Get(stripeSignatureHeader)
	if header == "" {
		return fmt.Errorf("missing %s header", stripeSignatureHeader)
	}

	var timestamp string
	var signatures [][]byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			timestamp = v
		case "v1":
			if sig, err := hex.DecodeString(v); err == nil {
				signatures = append(signatures, sig)
			}
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return errors.New("signature header has no timestamp or v1 signature")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid signature timestamp %q", timestamp)
	}
	if age := s.now().Sub(time.Unix(ts, 0)); age > s.tolerance || age < -s.tolerance {
		return fmt.Errorf("signature timestamp outside tolerance (%s)", age.Round(time.Second))
	}

	expected := signHMAC(s.secret, []byte(timestamp), body)
	for _, sig := range signatures {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return errors.New("no matching v1 signature")
}

func (s *Stripe) ParseWebhook(_ context.Context, body []byte, _ http.Header) (domain.TransactionWebhookPayload, error) {
	var event stripeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return domain.TransactionWebhookPayload{}, domain.NewMalformedPayloadError(err)
	}
	if event.ID == "" || event.Type == "" {
		return domain.TransactionWebhookPayload{}, domain.NewMalformedPayloadError(errors.New("event id or type missing"))
	}

	intent := event.Data.Object
	payload := domain.TransactionWebhookPayload{
		Type:           event.Type,
		ReservationID:  intent.Metadata[metaReservation],
		ExternalID:     intent.ID,
		IdempotencyKey: event.ID,
		Currency:       strings.ToUpper(intent.Currency),
	}
	switch event.Type {
	case "payment_intent.succeeded":
		payload.Status = domain.WebhookSuccess
		payload.AmountCents = intent.AmountReceived
	case "payment_intent.payment_failed", "payment_intent.canceled":
		payload.Status = domain.WebhookFailure
		payload.AmountCents = intent.Amount
	default:
		payload.Status = domain.WebhookIgnored
	}
	return payload, nil
}

// ForceTransactionCheck reads the intent behind tx. Without a stored intent
// id the intent is looked up by reservation metadata.
func (s *Stripe) ForceTransactionCheck(ctx context.Context, r *domain.Reservation, tx *domain.Transaction) (domain.CheckResult, error) {
	var intent *stripeIntent
	if tx.ExternalID != nil {
		got, err := send[stripeIntent](ctx, s.client, "retrieve payment intent",
			getRequest("/v1/payment_intents/"+url.PathEscape(*tx.ExternalID)))
		if err != nil {
			return domain.CheckResult{}, err
		}
		intent = got
	} else {
		query := url.Values{}
		query.Set("query", fmt.Sprintf("metadata['reservation_id']:'%s'", r.ID))
		found, err := send[struct {
			Data []stripeIntent `json:"data"`
		}](ctx, s.client, "search payment intents", getRequest("/v1/payment_intents/search?"+query.Encode()))
		if err != nil {
			return domain.CheckResult{}, err
		}
		if len(found.Data) == 0 {
			return domain.CheckResult{Status: domain.CheckFailed}, nil
		}
		intent = &found.Data[0]
	}

	result := domain.CheckResult{
		ExternalID:  intent.ID,
		AmountCents: intent.AmountReceived,
		Currency:    strings.ToUpper(intent.Currency),
	}
	switch intent.Status {
	case "succeeded":
		result.Status = domain.CheckPaid
	case "canceled":
		result.Status = domain.CheckFailed
	case "requires_payment_method":
		// The payer has not completed a payment method yet, or the last one
		// was declined. Only final once the hold is gone.
		if r.IsExpired(s.now()) {
			result.Status = domain.CheckFailed
		} else {
			result.Status = domain.CheckPending
		}
	default:
		result.Status = domain.CheckPending
	}
	return result, nil
}
