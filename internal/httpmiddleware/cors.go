// Package httpmiddleware holds small net/http wrappers shared by the
// consumer's debug HTTP endpoints (/metrics, /events).
package httpmiddleware

import "net/http"

// CORS allows a dashboard served from a different origin to reach the
// consumer's /metrics and /events endpoints.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
