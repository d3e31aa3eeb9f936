package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
)

type APIResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

type ReservationResponse struct {
	ID                string     `json:"id"`
	PurchaseContextID string     `json:"purchase_context_id"`
	Status            string     `json:"status"`
	AmountCents       int64      `json:"amount_cents"`
	Currency          string     `json:"currency"`
	ExpiresAt         time.Time  `json:"expires_at"`
	ConfirmedAt       *time.Time `json:"confirmed_at,omitempty"`
}

type TransactionResponse struct {
	ID          string            `json:"id"`
	ProviderID  string            `json:"provider_id"`
	ExternalID  string            `json:"external_id,omitempty"`
	AmountCents int64             `json:"amount_cents"`
	Currency    string            `json:"currency"`
	Status      string            `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

type PaymentResponse struct {
	Transaction TransactionResponse `json:"transaction"`
	ClientToken string              `json:"client_token,omitempty"`
	ErrorToken  string              `json:"error_token,omitempty"`
}

func toReservationResponse(r *domain.Reservation) ReservationResponse {
	return ReservationResponse{
		ID:                r.ID,
		PurchaseContextID: r.PurchaseContextID,
		Status:            string(r.Status),
		AmountCents:       r.AmountCents,
		Currency:          r.Currency,
		ExpiresAt:         r.ExpiresAt,
		ConfirmedAt:       r.ConfirmedAt,
	}
}

func toTransactionResponse(tx *domain.Transaction) TransactionResponse {
	resp := TransactionResponse{
		ID:          tx.ID.String(),
		ProviderID:  string(tx.ProviderID),
		AmountCents: tx.AmountCents,
		Currency:    tx.Currency,
		Status:      string(tx.Status),
		Metadata:    tx.Metadata,
		CreatedAt:   tx.CreatedAt,
	}
	if tx.ExternalID != nil {
		resp.ExternalID = *tx.ExternalID
	}
	return resp
}

func respondWithJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data})
}
