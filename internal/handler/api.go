package handler

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"medbot/internal/config"
	"medbot/internal/dataset"
	"medbot/internal/db"
	"medbot/internal/middleware"
	"medbot/internal/retrieval"
)

const (
	defaultCasePage = 50
	maxCasePage     = 500
	defaultBuilds   = 20
	maxBuilds       = 200
)

type statusResponse struct {
	OK bool `json:"ok"`
	retrieval.Status
	Model string `json:"model"`
}

// HandleStatus reports dataset and index readiness.
func HandleStatus(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, statusResponse{
			OK:     true,
			Status: app.Retrieval.Status(),
			Model:  app.settings().Model(),
		})
	}
}

// HandleChat answers a question using the closest reference cases as context.
func HandleChat(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message string `json:"message"`
		}
		// An unreadable body is treated as an empty message.
		_ = ReadJSONBody(r, &req)
		message := strings.TrimSpace(req.Message)
		if message == "" {
			WriteError(w, http.StatusBadRequest, "Message is required.")
			return
		}

		apiKey := app.Retrieval.Credentials().APIKey()
		if apiKey == "" {
			WriteError(w, http.StatusInternalServerError, "Missing API key.")
			return
		}

		cfg := app.settings()
		matches := nonNil(app.Retrieval.Search(r.Context(), message, cfg.TopK()))
		refContext := retrieval.BuildContext(matches)

		text, err := app.LLM(apiKey).Generate(r.Context(), cfg.LLM.Instructions, refContext, message)
		if err != nil {
			log.Printf("[%s] [Chat] completion failed: %v", middleware.GetRequestID(r.Context()), err)
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"ok":       true,
			"response": text,
			"matches":  matches,
		})
	}
}

// HandleSearch returns the closest cases for a query without calling the chat model.
func HandleSearch(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
			TopK  *int   `json:"top_k"`
		}
		if err := ReadJSONBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "Invalid request body.")
			return
		}
		query := strings.TrimSpace(req.Query)
		if query == "" {
			WriteError(w, http.StatusBadRequest, "Query is required.")
			return
		}
		topK := app.settings().TopK()
		if req.TopK != nil {
			topK = config.ClampTopK(*req.TopK)
		}
		matches := nonNil(app.Retrieval.Search(r.Context(), query, topK))
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"ok":      true,
			"matches": matches,
			"context": retrieval.BuildContext(matches),
		})
	}
}

// HandleReindex starts a background dataset load. It answers 409 while
// another load is running.
func HandleReindex(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Rebuild bool `json:"rebuild"`
		}
		if err := ReadJSONBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
			WriteError(w, http.StatusBadRequest, "Invalid request body.")
			return
		}

		requestID := middleware.GetRequestID(r.Context())
		apiKey := app.Retrieval.Credentials().APIKey()
		err := app.Retrieval.StartLoad(context.Background(), apiKey, req.Rebuild, func(res retrieval.LoadResult) {
			log.Printf("[%s] [Reindex] %s (%s)", requestID, res.Message, res.Duration)
		})
		if errors.Is(err, retrieval.ErrRebuildInProgress) {
			WriteError(w, http.StatusConflict, "Index rebuild already in progress.")
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		WriteJSON(w, http.StatusAccepted, map[string]interface{}{"ok": true, "status": "started"})
	}
}

// HandleCases pages through the loaded case records.
func HandleCases(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset, ok := queryInt(r, "offset", 0)
		limit, ok2 := queryInt(r, "limit", defaultCasePage)
		if !ok || !ok2 || offset < 0 || limit < 1 {
			WriteError(w, http.StatusBadRequest, "Invalid offset or limit.")
			return
		}
		limit = min(limit, maxCasePage)

		records := app.Retrieval.Records()
		start := min(offset, len(records))
		end := min(start+limit, len(records))
		page := records[start:end]
		if page == nil {
			page = []dataset.Record{}
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"ok":     true,
			"total":  len(records),
			"offset": offset,
			"limit":  limit,
			"cases":  page,
		})
	}
}

// HandleBuilds lists recent index builds, newest first.
func HandleBuilds(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := queryInt(r, "limit", defaultBuilds)
		if !ok || limit < 1 {
			WriteError(w, http.StatusBadRequest, "Invalid limit.")
			return
		}
		builds := []db.BuildEntry{}
		if app.Builds != nil {
			entries, err := app.Builds.Recent(r.Context(), min(limit, maxBuilds))
			if err != nil {
				log.Printf("[%s] [Builds] list error: %v", middleware.GetRequestID(r.Context()), err)
				WriteError(w, http.StatusInternalServerError, "Failed to list builds.")
				return
			}
			if entries != nil {
				builds = entries
			}
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "builds": builds})
	}
}

func queryInt(r *http.Request, name string, def int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil
}

func nonNil(matches []retrieval.Match) []retrieval.Match {
	if matches == nil {
		return []retrieval.Match{}
	}
	return matches
}
