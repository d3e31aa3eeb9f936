package broker_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DanielPopoola/ficmart-ticketing/internal/adapters/broker"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable).Error(0)
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return m.Called(exchange, key, msg).Error(0)
}

func (m *mockChannel) Close() error {
	return m.Called().Error(0)
}

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestPublisher_Publish(t *testing.T) {
	ch := &mockChannel{}
	ch.On("ExchangeDeclare", "reservations", "topic", true).Return(nil).Once()
	ch.On("PublishWithContext", "reservations", "reservation.confirmed", mock.MatchedBy(func(msg amqp.Publishing) bool {
		var event domain.ReservationEvent
		if err := json.Unmarshal(msg.Body, &event); err != nil {
			return false
		}
		return msg.DeliveryMode == amqp.Persistent &&
			msg.MessageId == "reservation.confirmed:R1" &&
			event.ReservationID == "R1" &&
			event.Status == domain.ReservationComplete
	})).Return(nil).Once()

	p, err := broker.NewPublisher(ch, "reservations", logger)
	require.NoError(t, err)

	r := &domain.Reservation{ID: "R1", PurchaseContextID: "event-1", Status: domain.ReservationComplete}
	err = p.Publish(context.Background(), domain.NewReservationEvent(domain.EventReservationConfirmed, r, time.Now()))

	require.NoError(t, err)
	ch.AssertExpectations(t)
}

func TestPublisher_PublishFailure(t *testing.T) {
	ch := &mockChannel{}
	ch.On("ExchangeDeclare", "reservations", "topic", true).Return(nil).Once()
	ch.On("PublishWithContext", mock.Anything, mock.Anything, mock.Anything).Return(amqp.ErrClosed).Once()

	p, err := broker.NewPublisher(ch, "reservations", logger)
	require.NoError(t, err)

	r := &domain.Reservation{ID: "R1", Status: domain.ReservationCancelled}
	err = p.Publish(context.Background(), domain.NewReservationEvent(domain.EventReservationCancelled, r, time.Now()))

	assert.True(t, errors.Is(err, amqp.ErrClosed))
}

func TestNewPublisher_DeclareFailure(t *testing.T) {
	ch := &mockChannel{}
	ch.On("ExchangeDeclare", "reservations", "topic", true).Return(errors.New("access refused")).Once()

	_, err := broker.NewPublisher(ch, "reservations", logger)

	assert.Error(t, err)
}
