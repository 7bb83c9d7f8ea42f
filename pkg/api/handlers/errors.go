package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/lexflow/lexflow/pkg/api/middleware"
	"github.com/lexflow/lexflow/pkg/api/response"
	"github.com/lexflow/lexflow/pkg/approval"
	"github.com/lexflow/lexflow/pkg/executor"
	"github.com/lexflow/lexflow/pkg/ledger"
	"github.com/lexflow/lexflow/pkg/workflow"
)

// errEmptyBody is returned by decodeJSON for requests without a body.
var errEmptyBody = errors.New("request body is empty")

func getRequestID(ctx context.Context) string {
	if id := middleware.GetRequestID(ctx); id != "" {
		return id
	}
	return "unknown"
}

// decodeJSON decodes a single JSON document, rejecting unknown fields.
func decodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errEmptyBody
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON document")
	}
	return nil
}

// writeDecodeError reports a body that could not be decoded.
func writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		response.Error(w, http.StatusRequestEntityTooLarge, response.ErrCodePayloadTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit), getRequestID(r.Context()))
		return
	}
	response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest,
		"invalid request body: "+err.Error(), getRequestID(r.Context()))
}

// statusFromError maps domain errors onto HTTP statuses.
func statusFromError(err error) int {
	var cfgErr *executor.ConfigurationError
	switch {
	case errors.Is(err, approval.ErrBatchNotFound), errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, approval.ErrInvalidTransition), errors.Is(err, workflow.ErrNotApproved):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrInvalidBatch):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrBatchExpired):
		return http.StatusGone
	case errors.As(err, &cfgErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError renders err with the status statusFromError picks. Server
// errors hide their message; client errors carry it.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error, details map[string]interface{}) {
	status := statusFromError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	response.ErrorWithDetails(w, status, response.ErrorCodeFromStatus(status), message, details, getRequestID(r.Context()))
}
