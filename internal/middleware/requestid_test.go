package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestRequestIDSetsHeader verifies that the RequestID middleware sets a non-empty X-Request-Id header.
func TestRequestIDSetsHeader(t *testing.T) {
	mw := RequestID()
	handler := mw(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	handler(rr, req)

	reqID := rr.Header().Get("X-Request-Id")
	if reqID == "" {
		t.Fatal("expected X-Request-Id header to be set, got empty")
	}
	// KSUIDs are 27 base62 characters.
	if len(reqID) != 27 {
		t.Fatalf("expected X-Request-Id to be 27 chars, got %d chars: %q", len(reqID), reqID)
	}
}

// TestRequestIDUniqueness verifies that consecutive requests produce different IDs.
func TestRequestIDUniqueness(t *testing.T) {
	mw := RequestID()
	handler := mw(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		handler(rr, req)

		id := rr.Header().Get("X-Request-Id")
		if seen[id] {
			t.Fatalf("duplicate request ID on iteration %d: %q", i, id)
		}
		seen[id] = true
	}
}

// TestRequestIDInContext verifies that the next handler sees the same ID in its context.
func TestRequestIDInContext(t *testing.T) {
	var seen string
	mw := RequestID()
	handler := mw(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	handler(rr, req)

	if seen == "" || seen != rr.Header().Get("X-Request-Id") {
		t.Fatalf("context ID %q does not match header %q", seen, rr.Header().Get("X-Request-Id"))
	}
	if got := GetRequestID(req.Context()); got != "-" {
		t.Fatalf("expected - without middleware, got %q", got)
	}
}
