package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"medbot/internal/config"
	"medbot/internal/credential"
	"medbot/internal/db"
	"medbot/internal/embedding"
	"medbot/internal/llm"
	"medbot/internal/middleware"
	"medbot/internal/retrieval"
)

const casesCSV = "Encounter ID,Chief Complaint,Type of injury/Illness,Body Part Involved,Provisional Diagnosis,Final Diagnosis,Initial Plan,HPI\n" +
	"E1,chest pain,Illness,Chest,ACS,Angina,ECG,pain radiating to arm\n" +
	"E2,ankle sprain,Injury,Ankle,Sprain,Sprain,Ice,twisted ankle playing football\n" +
	"E3,fever and cough,Illness,Lungs,URTI,Influenza,Rest,three days of fever\n"

// wordEmbedder embeds text as counts over a tiny vocabulary.
type wordEmbedder struct {
	block chan struct{}
}

var words = []string{"chest", "pain", "ankle", "sprain", "fever", "cough"}

func embedWords(text string) []float64 {
	v := make([]float64, len(words))
	for _, w := range strings.Fields(strings.ToLower(text)) {
		for i, term := range words {
			if strings.Trim(w, ".,?") == term {
				v[i]++
			}
		}
	}
	return v
}

func (e *wordEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	return embedWords(text), nil
}

func (e *wordEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float64, error) {
	if e.block != nil {
		<-e.block
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = embedWords(t)
	}
	return out, nil
}

// stubLLM records the last request and returns a canned answer.
type stubLLM struct {
	answer   string
	err      error
	apiKey   string
	question string
	context  string
}

func (s *stubLLM) Generate(_ context.Context, _, referenceContext, question string) (string, error) {
	s.context, s.question = referenceContext, question
	return s.answer, s.err
}

type fakeBuilds []db.BuildEntry

func (f fakeBuilds) Recent(_ context.Context, limit int) ([]db.BuildEntry, error) {
	return f[:min(limit, len(f))], nil
}

type testEnv struct {
	app     *App
	handler http.Handler
	llm     *stubLLM
	emb     *wordEmbedder
}

func newTestEnv(t *testing.T, apiKey string, load bool) *testEnv {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "cases.csv"), []byte(casesCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	cm, err := config.NewConfigManagerWithKey(filepath.Join(dir, "config.json"), []byte("01234567890123456789012345678901"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cm.Load(); err != nil {
		t.Fatal(err)
	}

	emb := &wordEmbedder{}
	svc := retrieval.NewService(retrieval.Options{
		CandidatePaths: []string{filepath.Join(dir, "cases.csv")},
		IndexPath:      filepath.Join(dir, "data", "vectors.index"),
		Model:          "test-embed",
		Embedder:       func(string) embedding.EmbeddingService { return emb },
		Credentials:    credential.Static(apiKey),
	})
	if load {
		if _, err := svc.Load(context.Background(), apiKey, false); err != nil {
			t.Fatal(err)
		}
	}

	stub := &stubLLM{answer: "See a clinician."}
	app := &App{
		Retrieval: svc,
		Config:    cm,
		LLM: func(key string) llm.LLMService {
			stub.apiKey = key
			return stub
		},
		Builds: fakeBuilds{{ID: "b2", OK: true}, {ID: "b1", OK: false}},
	}
	return &testEnv{app: app, handler: NewRouter(app), llm: stub, emb: emb}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
	}
	return rec, out
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, "sk-test", true)
	rec, body := env.do(t, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["ok"] != true || body["dataset_loaded"] != true || body["vector_ready"] != true {
		t.Errorf("unexpected status %v", body)
	}
	if body["records"] != float64(3) || body["model"] != "gpt-4.1-mini" {
		t.Errorf("unexpected records/model %v", body)
	}
	if msg, _ := body["dataset_message"].(string); !strings.HasPrefix(msg, "Loaded 3 cases.") {
		t.Errorf("unexpected dataset_message %q", msg)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing request ID header")
	}
}

func TestChat_Validation(t *testing.T) {
	tests := []struct {
		name   string
		apiKey string
		body   string
		status int
		errMsg string
	}{
		{"blank message", "sk-test", `{"message":"   "}`, http.StatusBadRequest, "Message is required."},
		{"invalid json", "sk-test", `{nope`, http.StatusBadRequest, "Message is required."},
		{"empty body", "sk-test", ``, http.StatusBadRequest, "Message is required."},
		{"missing key", "", `{"message":"chest pain"}`, http.StatusInternalServerError, "Missing API key."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.apiKey, false)
			rec, body := env.do(t, http.MethodPost, "/api/chat", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			if body["ok"] != false || body["error"] != tt.errMsg {
				t.Errorf("unexpected body %v", body)
			}
		})
	}
}

func TestChat_Success(t *testing.T) {
	env := newTestEnv(t, "sk-test", true)
	rec, body := env.do(t, http.MethodPost, "/api/chat", `{"message":"chest pain?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", rec.Code, body)
	}
	if body["ok"] != true || body["response"] != "See a clinician." {
		t.Errorf("unexpected body %v", body)
	}
	matches, _ := body["matches"].([]interface{})
	if len(matches) == 0 {
		t.Fatal("expected matches")
	}
	first := matches[0].(map[string]interface{})
	if first["encounter_id"] != "E1" {
		t.Errorf("expected E1 first, got %v", first["encounter_id"])
	}
	if env.llm.apiKey != "sk-test" || env.llm.question != "chest pain?" {
		t.Errorf("unexpected LLM call key=%q question=%q", env.llm.apiKey, env.llm.question)
	}
	if !strings.HasPrefix(env.llm.context, "1. Encounter ID: E1") {
		t.Errorf("unexpected reference context %q", env.llm.context)
	}
}

func TestChat_NoIndexStillAnswers(t *testing.T) {
	env := newTestEnv(t, "sk-test", false)
	rec, body := env.do(t, http.MethodPost, "/api/chat", `{"message":"chest pain"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if matches, ok := body["matches"].([]interface{}); !ok || len(matches) != 0 {
		t.Errorf("expected empty matches array, got %v", body["matches"])
	}
	if env.llm.context != retrieval.NoMatchesContext {
		t.Errorf("unexpected context %q", env.llm.context)
	}
}

func TestChat_CompletionError(t *testing.T) {
	env := newTestEnv(t, "sk-test", true)
	env.llm.err = errors.New("upstream timeout")
	rec, body := env.do(t, http.MethodPost, "/api/chat", `{"message":"chest pain"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if body["error"] != "upstream timeout" {
		t.Errorf("unexpected error %v", body["error"])
	}
}

func TestChat_RateLimited(t *testing.T) {
	env := newTestEnv(t, "sk-test", true)
	env.app.Limiter = middleware.NewRateLimiter(1, time.Minute)
	defer env.app.Limiter.Stop()
	env.handler = NewRouter(env.app)

	if rec, _ := env.do(t, http.MethodPost, "/api/chat", `{"message":"chest pain"}`); rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}
	rec, body := env.do(t, http.MethodPost, "/api/chat", `{"message":"chest pain"}`)
	if rec.Code != http.StatusTooManyRequests || body["ok"] != false {
		t.Errorf("expected 429, got %d %v", rec.Code, body)
	}
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t, "sk-test", true)
	rec, body := env.do(t, http.MethodPost, "/api/search", `{"query":"ankle sprain","top_k":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	matches := body["matches"].([]interface{})
	if len(matches) != 1 || matches[0].(map[string]interface{})["encounter_id"] != "E2" {
		t.Errorf("unexpected matches %v", matches)
	}
	if ctx, _ := body["context"].(string); !strings.HasPrefix(ctx, "1. Encounter ID: E2") {
		t.Errorf("unexpected context %q", ctx)
	}

	rec, body = env.do(t, http.MethodPost, "/api/search", `{"query":"pain","top_k":99}`)
	if rec.Code != http.StatusOK || len(body["matches"].([]interface{})) > 10 {
		t.Errorf("top_k should be clamped, got %v", body)
	}

	rec, _ = env.do(t, http.MethodPost, "/api/search", `{"query":" "}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for blank query, got %d", rec.Code)
	}
}

func TestReindex_StartedAndConflict(t *testing.T) {
	env := newTestEnv(t, "sk-test", false)
	env.emb.block = make(chan struct{})

	rec, body := env.do(t, http.MethodPost, "/api/reindex", `{"rebuild":true}`)
	if rec.Code != http.StatusAccepted || body["status"] != "started" {
		t.Fatalf("expected 202 started, got %d %v", rec.Code, body)
	}
	rec, body = env.do(t, http.MethodPost, "/api/reindex", "")
	if rec.Code != http.StatusConflict || body["ok"] != false {
		t.Fatalf("expected 409, got %d %v", rec.Code, body)
	}
	if _, st := env.do(t, http.MethodGet, "/api/status", ""); st["rebuilding"] != true {
		t.Error("status should report rebuilding")
	}

	close(env.emb.block)
	deadline := time.Now().Add(5 * time.Second)
	for env.app.Retrieval.Rebuilding() {
		if time.Now().After(deadline) {
			t.Fatal("reindex did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if st := env.app.Retrieval.Status(); !st.VectorReady || st.Records != 3 {
		t.Errorf("unexpected status after reindex %+v", st)
	}
}

func TestCases_Paging(t *testing.T) {
	env := newTestEnv(t, "", true)
	rec, body := env.do(t, http.MethodGet, "/api/cases?offset=1&limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	cases := body["cases"].([]interface{})
	if body["total"] != float64(3) || len(cases) != 2 {
		t.Fatalf("unexpected page %v", body)
	}
	if cases[0].(map[string]interface{})["encounter_id"] != "E2" {
		t.Errorf("unexpected first case %v", cases[0])
	}

	_, body = env.do(t, http.MethodGet, "/api/cases?offset=10", "")
	if got := body["cases"].([]interface{}); len(got) != 0 {
		t.Errorf("expected empty page, got %v", got)
	}

	rec, _ = env.do(t, http.MethodGet, "/api/cases?limit=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestBuilds(t *testing.T) {
	env := newTestEnv(t, "sk-test", false)
	_, body := env.do(t, http.MethodGet, "/api/builds?limit=1", "")
	builds := body["builds"].([]interface{})
	if len(builds) != 1 || builds[0].(map[string]interface{})["id"] != "b2" {
		t.Errorf("unexpected builds %v", builds)
	}

	env.app.Builds = nil
	_, body = env.do(t, http.MethodGet, "/api/builds", "")
	if got, ok := body["builds"].([]interface{}); !ok || len(got) != 0 {
		t.Errorf("expected empty builds, got %v", body["builds"])
	}
}

func TestRouter_MethodAndPath(t *testing.T) {
	env := newTestEnv(t, "sk-test", false)
	if rec, _ := env.do(t, http.MethodGet, "/api/chat", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
	if rec, _ := env.do(t, http.MethodGet, "/api/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
