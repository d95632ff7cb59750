package middleware

import "net/http"

// CORS allows cross-origin requests only from the request's own host and
// from the explicitly allowed origins. OPTIONS preflights get 204.
func CORS(allowed ...string) Middleware {
	extra := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		extra[o] = true
	}
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (sameOrigin(origin, r.Host) || extra[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.Header().Set("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next(w, r)
		}
	}
}

func sameOrigin(origin, host string) bool {
	return host != "" && (origin == "http://"+host || origin == "https://"+host)
}
