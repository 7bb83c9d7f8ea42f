// Package handlers provides HTTP request handlers.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/lexflow/lexflow/pkg/api/models"
	"github.com/lexflow/lexflow/pkg/api/response"
	"github.com/lexflow/lexflow/pkg/approval"
	"github.com/lexflow/lexflow/pkg/executor"
	"github.com/lexflow/lexflow/pkg/logger"
	"github.com/lexflow/lexflow/pkg/workflow"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// BatchHandler handles approval batch endpoints.
type BatchHandler struct {
	approver  *workflow.Approver
	batches   approval.BatchStore
	logger    logger.Logger
	validator *validator.Validate
}

// NewBatchHandler creates a new batch handler.
func NewBatchHandler(approver *workflow.Approver, batches approval.BatchStore, log logger.Logger) *BatchHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &BatchHandler{
		approver:  approver,
		batches:   batches,
		logger:    log,
		validator: validator.New(),
	}
}

// SubmitBatch handles PUT /api/v1/batches.
func (h *BatchHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.BatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), getRequestID(ctx))
		return
	}

	batch, err := h.approver.Submit(ctx, req.ToBatch())
	if err != nil {
		h.logger.WarnContext(ctx, "batch intake rejected", "batch_id", req.ID, "error", err)
		writeDomainError(w, r, err, nil)
		return
	}

	response.JSON(w, http.StatusCreated, batch)
}

// GetBatch handles GET /api/v1/batches/{id}.
func (h *BatchHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.batches.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, nil)
		return
	}
	response.JSON(w, http.StatusOK, batch)
}

// ListBatches handles GET /api/v1/batches.
func (h *BatchHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	filter := approval.ListFilter{
		Status: approval.BatchStatus(query.Get("status")),
		Limit:  defaultListLimit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest,
			"unknown batch status "+strconv.Quote(string(filter.Status)), getRequestID(ctx))
		return
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "limit must be a positive integer", getRequestID(ctx))
			return
		}
		filter.Limit = min(limit, maxListLimit)
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "offset must be a non-negative integer", getRequestID(ctx))
			return
		}
		filter.Offset = offset
	}

	batches, total, err := h.batches.List(ctx, filter)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list batches", "error", err)
		writeDomainError(w, r, err, nil)
		return
	}
	if batches == nil {
		batches = []*approval.Batch{}
	}

	response.JSON(w, http.StatusOK, models.BatchListResponse{
		Batches: batches,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	})
}

// EditActions handles PATCH /api/v1/batches/{id}/actions.
func (h *BatchHandler) EditActions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.EditRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), getRequestID(ctx))
		return
	}

	batch, err := h.approver.Edit(ctx, chi.URLParam(r, "id"), models.ToActions(req.Actions))
	if err != nil {
		writeDomainError(w, r, err, nil)
		return
	}
	response.JSON(w, http.StatusOK, batch)
}

// ApproveBatch handles POST /api/v1/batches/{id}/approve.
func (h *BatchHandler) ApproveBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.ApproveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), getRequestID(ctx))
		return
	}

	batch, err := h.approver.Approve(ctx, chi.URLParam(r, "id"), req.ApproverID)
	if err != nil {
		writeDomainError(w, r, err, batchDetails(batch))
		return
	}
	response.JSON(w, http.StatusOK, batch)
}

// CancelBatch handles POST /api/v1/batches/{id}/cancel.
func (h *BatchHandler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.approver.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, nil)
		return
	}
	response.JSON(w, http.StatusOK, batch)
}

// ExecuteBatch handles POST /api/v1/batches/{id}/execute. The request blocks
// until the engine has finished and the batch outcome is recorded.
func (h *BatchHandler) ExecuteBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.ExecuteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), getRequestID(ctx))
		return
	}

	batchID := chi.URLParam(r, "id")
	result, err := h.approver.Execute(ctx, batchID, req.ToExecContext())
	if err != nil {
		var batch *approval.Batch
		if result != nil {
			batch = result.Batch
		}
		details := batchDetails(batch)
		var cfgErr *executor.ConfigurationError
		if errors.As(err, &cfgErr) {
			details["action_index"] = cfgErr.Index
			details["action_type"] = string(cfgErr.ActionType)
		}
		if statusFromError(err) == http.StatusInternalServerError {
			h.logger.ErrorContext(ctx, "batch execution failed", "batch_id", batchID, "error", err)
		}
		writeDomainError(w, r, err, details)
		return
	}

	resp := models.ExecuteResponse{Batch: result.Batch, Summary: result.Summary}
	if result.Summary != nil {
		resp.Outcome = result.Summary.Outcome()
	}
	response.JSON(w, http.StatusOK, resp)
}

func batchDetails(batch *approval.Batch) map[string]interface{} {
	details := map[string]interface{}{}
	if batch == nil {
		return details
	}
	details["batch_id"] = batch.ID
	details["batch_status"] = string(batch.Status)
	if batch.FailureReason != "" {
		details["failure_reason"] = batch.FailureReason
	}
	return details
}
