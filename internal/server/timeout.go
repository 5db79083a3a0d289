package server

import (
	"context"
	"net/http"
	"time"
)

// TimeoutMiddleware bounds each request with a deadline on its context.
// Cancellation is cooperative: storage calls observe ctx.Done() through
// database/sql, the handler itself is not killed.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
