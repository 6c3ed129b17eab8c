package httpapi

import "net/http"

// securityHeadersMiddleware strips the default Server header (which leaks Go
// version) and replaces it with a generic value, adapted from the teacher's
// SecurityHeadersMiddleware.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "cogcore")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}
