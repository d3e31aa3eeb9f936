package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/service"
)

// HandleWebhook accepts a provider notification. SUCCESSFUL and NOT_RELEVANT
// answer 200 with the provider's acknowledgement text so the provider stops
// retrying; ERROR answers 500 so it tries again. Deliveries that cannot be
// trusted or routed answer 400.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		WriteError(w, domain.NewMalformedPayloadError(err), h.logger)
		return
	}

	req := service.WebhookRequest{
		Provider:          r.PathValue("provider"),
		PurchaseContextID: r.PathValue("context"),
		ReservationID:     r.PathValue("reservation"),
		Body:              body,
		Headers:           r.Header.Clone(),
	}

	var resp service.WebhookResponse
	err = h.pool.Do(r.Context(), func(ctx context.Context) error {
		var processErr error
		resp, processErr = h.webhooks.Process(ctx, req)
		return processErr
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			h.logger.Warn("webhook dropped while waiting for a worker", "provider", req.Provider, "error", err)
		}
		WriteError(w, err, h.logger)
		return
	}

	status := http.StatusOK
	text := resp.Ack
	if resp.Result == domain.ResultError {
		status = http.StatusInternalServerError
		if text == "" {
			text = resp.Message
		}
	}
	if resp.Result == domain.ResultNotRelevant && text == "" {
		text = resp.Message
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, text)
}
