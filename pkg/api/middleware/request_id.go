package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Request ids are echoed on RequestIDHeader. The approval UI forwards its own
// id on CorrelationIDHeader, which is used when no request id is present.
const (
	RequestIDHeader     = "X-Request-ID"
	CorrelationIDHeader = "X-Correlation-ID"
)

// maxRequestIDLength bounds client supplied ids before they reach logs.
const maxRequestIDLength = 128

type requestIDKey struct{}

// RequestID tags every request with an id, reusing a usable inbound one, and
// stores it for handlers, logs and error envelopes.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := inboundRequestID(r)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		})
	}
}

// GetRequestID returns the id set by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func inboundRequestID(r *http.Request) string {
	for _, header := range []string{RequestIDHeader, CorrelationIDHeader} {
		if id := r.Header.Get(header); validRequestID(id) {
			return id
		}
	}
	return ""
}

// validRequestID accepts short printable ASCII ids only; anything else would
// be written verbatim into log lines.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
