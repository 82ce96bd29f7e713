package middleware

import (
	"net/http"
	"strings"
)

const (
	corsMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsHeaders = "Content-Type, Authorization, X-API-Key"
)

// CORS returns middleware that grants cross-origin access to the listed
// origins. An empty list, or a "*" entry, grants every origin. Responses to
// origin-carrying requests vary by Origin so caches keep grants separate.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	wildcard := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		allowed[strings.ToLower(o)] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" {
				if wildcard || allowed[strings.ToLower(origin)] {
					hdr := w.Header()
					hdr.Set("Access-Control-Allow-Origin", origin)
					hdr.Set("Access-Control-Allow-Methods", corsMethods)
					hdr.Set("Access-Control-Allow-Headers", corsHeaders)
					hdr.Set("Access-Control-Max-Age", "86400")
				}
				w.Header().Add("Vary", "Origin")
			}

			// Preflight stops here; the mux would otherwise 405 it.
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
