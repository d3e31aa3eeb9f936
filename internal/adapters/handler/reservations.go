package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/service"
)

type InitiatePaymentRequest struct {
	Provider   string            `json:"provider" validate:"required"`
	TotalCents int64             `json:"total_cents" validate:"required,gt=0"`
	FeeCents   int64             `json:"fee_cents" validate:"gte=0"`
	TaxCents   int64             `json:"tax_cents" validate:"gte=0"`
	Currency   string            `json:"currency" validate:"required,len=3"`
	Params     map[string]string `json:"params"`
}

type CancelRequest struct {
	Reason string `json:"reason" validate:"max=200"`
}

type ResolveRequest struct {
	Resolution string `json:"resolution" validate:"required,oneof=COMPLETE CANCELLED"`
	ProviderID string `json:"provider_id"`
	ExternalID string `json:"external_id"`
	Note       string `json:"note" validate:"required,max=500"`
}

// decodeJSON reads and validates a request body. An empty body is allowed
// when allowEmpty is set.
func (h *Handler) decodeJSON(r *http.Request, dst any, allowEmpty bool) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(dst)
	if err != nil && !(allowEmpty && errors.Is(err, io.EOF)) {
		return domain.NewInvalidRequestError("invalid JSON body: " + err.Error())
	}
	if err := h.validate.Struct(dst); err != nil {
		return domain.NewInvalidRequestError(err.Error())
	}
	return nil
}

// HandleInitiatePayment starts a payment attempt for a reservation.
func (h *Handler) HandleInitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req InitiatePaymentRequest
	if err := h.decodeJSON(r, &req, false); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	result, err := h.reservations.InitiatePayment(r.Context(), service.InitiatePaymentCommand{
		ReservationID: r.PathValue("id"),
		ProviderID:    domain.ParseProviderID(req.Provider),
		Cost: domain.Cost{
			TotalCents: req.TotalCents,
			FeeCents:   req.FeeCents,
			TaxCents:   req.TaxCents,
			Currency:   req.Currency,
		},
		Params: req.Params,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	status := http.StatusCreated
	if result.Token.ErrorToken != "" {
		status = http.StatusPaymentRequired
	}
	respondWithJSON(w, status, PaymentResponse{
		Transaction: toTransactionResponse(result.Transaction),
		ClientToken: result.Token.ClientToken,
		ErrorToken:  result.Token.ErrorToken,
	})
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := h.decodeJSON(r, &req, true); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by client"
	}

	res, err := h.reservations.Cancel(r.Context(), r.PathValue("id"), reason)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	respondWithJSON(w, http.StatusOK, toReservationResponse(res))
}

func (h *Handler) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.reservations.Transactions(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	out := make([]TransactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionResponse(tx))
	}
	respondWithJSON(w, http.StatusOK, out)
}

// HandleForceCheck is called when the payer returns from a provider
// redirect, before the notification may have arrived.
func (h *Handler) HandleForceCheck(w http.ResponseWriter, r *http.Request) {
	res, err := h.webhooks.ForceCheck(r.Context(), domain.ParseProviderID(r.PathValue("provider")), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	respondWithJSON(w, http.StatusOK, toReservationResponse(res))
}

// HandleResolve lets an operator complete or cancel a STUCK reservation.
func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := h.decodeJSON(r, &req, false); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	res, err := h.reservations.ResolveStuck(r.Context(), service.ResolveCommand{
		ReservationID: r.PathValue("id"),
		Resolution:    domain.ReservationStatus(req.Resolution),
		ProviderID:    domain.ParseProviderID(req.ProviderID),
		ExternalID:    req.ExternalID,
		Note:          req.Note,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	h.logger.Info("reservation resolved by operator",
		"reservation_id", res.ID,
		"resolution", req.Resolution,
	)
	respondWithJSON(w, http.StatusOK, toReservationResponse(res))
}
