package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/pysugar/qwen-code-proxy/internal/logging"
)

// Recover turns handler panics into a 500 in the OpenAI error shape instead
// of a dropped connection. http.ErrAbortHandler passes through so aborted
// streams keep their usual semantics.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logging.FromContext(r.Context()).
				Errorf("Panic while handling %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error": {"message": "Internal server error", "type": "internal_error"}}`))
		}()
		next.ServeHTTP(w, r)
	})
}
