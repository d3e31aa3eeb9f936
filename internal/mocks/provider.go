package mocks

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/provider"
	"github.com/stretchr/testify/mock"
)

// MockGateway records calls for every capability method. Wrap it with one of
// the constructors below to expose only the capabilities a test needs.
type MockGateway struct {
	mock.Mock
	Provider domain.ProviderID
}

func NewMockGateway(t *testing.T, id domain.ProviderID) *MockGateway {
	m := &MockGateway{Provider: id}
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockGateway) ID() domain.ProviderID { return m.Provider }

func (m *MockGateway) BuildPaymentSpec(ctx context.Context, r *domain.Reservation, cost domain.Cost, params map[string]string) (domain.PaymentSpec, error) {
	args := m.Called(ctx, r, cost, params)
	return args.Get(0).(domain.PaymentSpec), args.Error(1)
}

func (m *MockGateway) InitTransaction(ctx context.Context, spec domain.PaymentSpec, tx *domain.Transaction) (domain.InitToken, error) {
	args := m.Called(ctx, spec, tx)
	return args.Get(0).(domain.InitToken), args.Error(1)
}

func (m *MockGateway) DiscardTransaction(ctx context.Context, tx *domain.Transaction) error {
	return m.Called(ctx, tx).Error(0)
}

func (m *MockGateway) CheckPayments(ctx context.Context, batch []*domain.Reservation, lastChecked time.Time) ([]domain.OfflineMatch, error) {
	args := m.Called(ctx, batch, lastChecked)
	matches, _ := args.Get(0).([]domain.OfflineMatch)
	return matches, args.Error(1)
}

func (m *MockGateway) RequiresSignedBody() bool {
	return m.Called().Bool(0)
}

func (m *MockGateway) VerifySignature(body []byte, headers http.Header) error {
	return m.Called(body, headers).Error(0)
}

func (m *MockGateway) ParseWebhook(ctx context.Context, body []byte, headers http.Header) (domain.TransactionWebhookPayload, error) {
	args := m.Called(ctx, body, headers)
	return args.Get(0).(domain.TransactionWebhookPayload), args.Error(1)
}

func (m *MockGateway) ForceTransactionCheck(ctx context.Context, r *domain.Reservation, tx *domain.Transaction) (domain.CheckResult, error) {
	args := m.Called(ctx, r, tx)
	return args.Get(0).(domain.CheckResult), args.Error(1)
}

type bareProvider struct{ m *MockGateway }

func (p bareProvider) ID() domain.ProviderID { return p.m.ID() }

// Bare exposes no capability at all.
func Bare(m *MockGateway) provider.Provider { return bareProvider{m} }

type webhookOnly struct{ bareProvider }

func (p webhookOnly) RequiresSignedBody() bool { return p.m.RequiresSignedBody() }
func (p webhookOnly) VerifySignature(body []byte, h http.Header) error {
	return p.m.VerifySignature(body, h)
}
func (p webhookOnly) ParseWebhook(ctx context.Context, body []byte, h http.Header) (domain.TransactionWebhookPayload, error) {
	return p.m.ParseWebhook(ctx, body, h)
}
func (p webhookOnly) ForceTransactionCheck(ctx context.Context, r *domain.Reservation, tx *domain.Transaction) (domain.CheckResult, error) {
	return p.m.ForceTransactionCheck(ctx, r, tx)
}

// WebhookOnly exposes WebhookHandler.
func WebhookOnly(m *MockGateway) provider.Provider { return webhookOnly{bareProvider{m}} }

type cardGateway struct{ webhookOnly }

func (p cardGateway) BuildPaymentSpec(ctx context.Context, r *domain.Reservation, cost domain.Cost, params map[string]string) (domain.PaymentSpec, error) {
	return p.m.BuildPaymentSpec(ctx, r, cost, params)
}
func (p cardGateway) InitTransaction(ctx context.Context, spec domain.PaymentSpec, tx *domain.Transaction) (domain.InitToken, error) {
	return p.m.InitTransaction(ctx, spec, tx)
}
func (p cardGateway) DiscardTransaction(ctx context.Context, tx *domain.Transaction) error {
	return p.m.DiscardTransaction(ctx, tx)
}

// CardGateway exposes ExternalProcessing, ServerInitiatedTransaction and
// WebhookHandler.
func CardGateway(m *MockGateway) provider.Provider {
	return cardGateway{webhookOnly{bareProvider{m}}}
}

type offlineGateway struct{ bareProvider }

func (p offlineGateway) BuildPaymentSpec(ctx context.Context, r *domain.Reservation, cost domain.Cost, params map[string]string) (domain.PaymentSpec, error) {
	return p.m.BuildPaymentSpec(ctx, r, cost, params)
}
func (p offlineGateway) CheckPayments(ctx context.Context, batch []*domain.Reservation, lastChecked time.Time) ([]domain.OfflineMatch, error) {
	return p.m.CheckPayments(ctx, batch, lastChecked)
}

// OfflineGateway exposes ExternalProcessing and OfflineProcessor.
func OfflineGateway(m *MockGateway) provider.Provider { return offlineGateway{bareProvider{m}} }
