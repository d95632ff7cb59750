// Package middleware holds the HTTP middleware used by the API server.
package middleware

import "net/http"

// Middleware wraps an http.HandlerFunc.
type Middleware func(http.HandlerFunc) http.HandlerFunc

// Chain composes middlewares in onion order: Chain(m1, m2)(h) runs
// m1 → m2 → h → m2 → m1. With no middlewares it returns the handler unchanged.
func Chain(middlewares ...Middleware) Middleware {
	return func(final http.HandlerFunc) http.HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
