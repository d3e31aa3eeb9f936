package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/DanielPopoola/ficmart-ticketing/internal/config"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/shopspring/decimal"
)

const referencePrefix = "TKT"

// BankTransfer is the offline provider. The payer wires the amount with a
// reference derived from the reservation; incoming transfers are read from
// the bank's statement feed and matched by that reference.
type BankTransfer struct {
	client  *Client
	account string
}

func NewBankTransfer(cfg config.ProviderConfig) *BankTransfer {
	c := newClient(domain.ProviderBankTransfer, cfg, "", decodeBankError)
	apiKey := cfg.APIKey
	c.authorize = func(_ context.Context, req *http.Request) error {
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}
		return nil
	}
	return &BankTransfer{client: c, account: cfg.Account}
}

func (b *BankTransfer) ID() domain.ProviderID { return domain.ProviderBankTransfer }

type bankErrorResponse struct {
	Err     string `json:"error"`
	Message string `json:"message"`
}

func decodeBankError(status int, body []byte) *APIError {
	var resp bankErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Err == "" {
		return nil
	}
	return &APIError{Code: resp.Err, Message: resp.Message, StatusCode: status}
}

type statementEntry struct {
	ID        string          `json:"id"`
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	BookedAt  time.Time       `json:"booked_at"`
}

type statement struct {
	Entries []statementEntry `json:"entries"`
}

// PaymentReference is the transfer reference the payer must quote.
func PaymentReference(reservationID string) string {
	return referencePrefix + "-" + strings.ToUpper(reservationID)
}

// BuildPaymentSpec returns the account and the reference to quote.
func (b *BankTransfer) BuildPaymentSpec(_ context.Context, r *domain.Reservation, cost domain.Cost, params map[string]string) (domain.PaymentSpec, error) {
	spec, err := buildSpec(r, cost, params)
	if err != nil {
		return domain.PaymentSpec{}, err
	}
	spec.Metadata[metaReference] = PaymentReference(r.ID)
	if b.account != "" {
		spec.Metadata["account"] = b.account
	}
	return spec, nil
}

// CheckPayments reads the statement entries booked since lastChecked and
// reports the reservations of batch whose reference they quote. Amounts are
// not judged here; an underpayment is still reported and rejected by the
// ledger.
func (b *BankTransfer) CheckPayments(ctx context.Context, batch []*domain.Reservation, lastChecked time.Time) ([]domain.OfflineMatch, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	path := "/statements"
	if !lastChecked.IsZero() {
		path += "?" + url.Values{"since": {lastChecked.UTC().Format(time.RFC3339)}}.Encode()
	}
	stmt, err := send[statement](ctx, b.client, "fetch statement", getRequest(path))
	if err != nil {
		return nil, err
	}

	byReference := make(map[string]*domain.Reservation, len(batch))
	for _, r := range batch {
		byReference[normalizeReference(PaymentReference(r.ID))] = r
	}

	var matches []domain.OfflineMatch
	for _, e := range stmt.Entries {
		r := matchReference(byReference, e.Reference)
		if r == nil {
			continue
		}
		currency := strings.ToUpper(e.Currency)
		matches = append(matches, domain.OfflineMatch{
			ReservationID: r.ID,
			Reference:     e.ID,
			AmountCents:   e.Amount.Shift(minorUnits(currency)).Round(0).IntPart(),
			Currency:      currency,
			PaidAt:        e.BookedAt,
		})
	}
	return matches, nil
}

// matchReference finds the reservation whose reference appears anywhere in a
// free-text remittance line. Payers add spaces and dashes freely. The longest
// reference wins so TKT-R1 never claims a transfer for TKT-R10.
func matchReference(byReference map[string]*domain.Reservation, remittance string) *domain.Reservation {
	text := normalizeReference(remittance)
	var best string
	for ref := range byReference {
		if len(ref) > len(best) && strings.Contains(text, ref) {
			best = ref
		}
	}
	if best == "" {
		return nil
	}
	return byReference[best]
}

func normalizeReference(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return -1
		}
	}, s)
}
