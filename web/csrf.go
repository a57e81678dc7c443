package web

import (
	"log/slog"
	"net/http"
)

// preventCSRF is Alex Edwards's examplar use of Go's 1.25 CSRF middleware.
func preventCSRF(next http.Handler) http.Handler {
	cop := http.NewCrossOriginProtection()
	cop.SetDenyHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"CSRF check failed"}`))
	}))
	return cop.Handler(next)
}

// enforceCSRF wraps preventCSRF and ensures that any browser or agent
// that does not supply the CSRF protection headers is rejected on
// data-changing methods.
func enforceCSRF(logger *slog.Logger, next http.Handler) http.Handler {

	standardCSRF := preventCSRF(next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		// Ignore non-data changing methods.
		if r.Method == "GET" || r.Method == "HEAD" || r.Method == "OPTIONS" || r.Method == "TRACE" {
			next.ServeHTTP(w, r)
			return
		}

		// Reject if browser/agent does not support Sec-Fetch-Site or Origin.
		if r.Header.Get("Sec-Fetch-Site") == "" && r.Header.Get("Origin") == "" {
			logger.Warn("rejected request: missing Sec-Fetch-Site and Origin headers",
				"remote", r.RemoteAddr)
			http.Error(w, "Agent or browser not supported.", http.StatusForbidden)
			return
		}

		// Continue to execute the standard CSRF handler.
		standardCSRF.ServeHTTP(w, r)
	})
}
