package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lexflow/lexflow/pkg/api/models"
	"github.com/lexflow/lexflow/pkg/api/response"
	"github.com/lexflow/lexflow/pkg/ledger"
)

// ReservationReader is the read side of the reservation ledger.
type ReservationReader interface {
	Get(ctx context.Context, key string) (*ledger.Record, error)
	ListByBatch(ctx context.Context, batchID string) ([]*ledger.Record, error)
}

// ReservationHandler exposes ledger records for inspection.
type ReservationHandler struct {
	ledger ReservationReader
}

// NewReservationHandler creates a new reservation handler.
func NewReservationHandler(l ReservationReader) *ReservationHandler {
	return &ReservationHandler{ledger: l}
}

// ListByBatch handles GET /api/v1/batches/{id}/reservations.
func (h *ReservationHandler) ListByBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")
	records, err := h.ledger.ListByBatch(r.Context(), batchID)
	if err != nil {
		writeDomainError(w, r, err, nil)
		return
	}
	if records == nil {
		records = []*ledger.Record{}
	}
	response.JSON(w, http.StatusOK, models.ReservationListResponse{BatchID: batchID, Reservations: records})
}

// GetReservation handles GET /api/v1/reservations/{key}.
func (h *ReservationHandler) GetReservation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ledger.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeDomainError(w, r, err, nil)
		return
	}
	response.JSON(w, http.StatusOK, rec)
}
