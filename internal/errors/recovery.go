package errors

import (
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/copyleftdev/hybridml/internal/logging"
)

// RecoveryMiddleware returns a middleware that turns handler panics into a 500
// response and logs the panic with its stack.
func RecoveryMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				logger.Error("Recovered from panic", map[string]interface{}{
					"panic":      rec,
					"stack":      string(debug.Stack()),
					"method":     r.Method,
					"path":       r.URL.Path,
					"query":      r.URL.RawQuery,
					"request_id": middleware.GetReqID(r.Context()),
				})

				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// ErrorHandler logs every response with a status of 400 or above.
func ErrorHandler(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			if ww.Status() >= http.StatusBadRequest {
				logger.Warn("Request error", map[string]interface{}{
					"status":     ww.Status(),
					"method":     r.Method,
					"path":       r.URL.Path,
					"ip":         r.RemoteAddr,
					"request_id": middleware.GetReqID(r.Context()),
				})
			}
		})
	}
}
