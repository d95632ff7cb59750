package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/quick"
)

// WriteJSON keeps the content type and status for any status code, and the
// body decodes back to the input string.
func TestWriteJSONProperty(t *testing.T) {
	f := func(s string, code uint8) bool {
		status := int(code)%400 + 200
		rec := httptest.NewRecorder()
		WriteJSON(rec, status, s)

		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Logf("expected Content-Type application/json, got %q", ct)
			return false
		}
		if rec.Code != status {
			t.Logf("expected status %d, got %d", status, rec.Code)
			return false
		}
		var decoded string
		if err := json.NewDecoder(rec.Body).Decode(&decoded); err != nil {
			t.Logf("decode error: %v", err)
			return false
		}
		return decoded == s
	}

	if err := quick.Check(f, &quick.Config{MaxCount: 100}); err != nil {
		t.Error(err)
	}
}

// WriteError always produces {"ok": false, "error": message}.
func TestWriteErrorProperty(t *testing.T) {
	f := func(msg string) bool {
		rec := httptest.NewRecorder()
		WriteError(rec, http.StatusBadRequest, msg)
		var body struct {
			OK    *bool  `json:"ok"`
			Error string `json:"error"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			return false
		}
		return body.OK != nil && !*body.OK && body.Error == msg
	}

	if err := quick.Check(f, &quick.Config{MaxCount: 100}); err != nil {
		t.Error(err)
	}
}

func TestReadJSONBody(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		wantErr     bool
		wantEOF     bool
	}{
		{"valid", "application/json", `{"query":"x"}`, false, false},
		{"charset", "application/json; charset=utf-8", `{"query":"x"}`, false, false},
		{"no content type", "", `{"query":"x"}`, false, false},
		{"wrong content type", "text/plain", `{"query":"x"}`, true, false},
		{"trailing data", "application/json", `{"query":"x"}{"query":"y"}`, true, false},
		{"empty", "application/json", ``, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			var v struct {
				Query string `json:"query"`
			}
			err := ReadJSONBody(req, &v)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantEOF && !errors.Is(err, io.EOF) {
				t.Errorf("expected io.EOF, got %v", err)
			}
			if !tt.wantErr && v.Query != "x" {
				t.Errorf("unexpected decode %+v", v)
			}
		})
	}
}
