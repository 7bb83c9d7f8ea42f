package middleware

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// MaxBodyBytes caps request bodies. Handlers see *http.MaxBytesError from
// their decoder once the limit is crossed. A non-positive limit disables it.
func MaxBodyBytes(limit int64) func(http.Handler) http.Handler {
	if limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return chimw.RequestSize(limit)
}
