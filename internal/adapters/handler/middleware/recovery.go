package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/DanielPopoola/ficmart-ticketing/internal/adapters/handler"
)

// Recovery turns a panic in a handler into a 500 envelope. http.ErrAbortHandler
// is re-raised so net/http can drop the connection as intended.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				logger.Error("handler panicked",
					"request", r.Method+" "+r.URL.Path,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				handler.WriteError(w, fmt.Errorf("panic: %v", rec), nil)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
