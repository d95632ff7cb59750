package retrieval

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"medbot/internal/credential"
	"medbot/internal/embedding"
	"medbot/internal/index"
	"medbot/internal/telemetry"
	"medbot/internal/textutil"
	"medbot/internal/vectorstore"
)

// Search strategies.
const (
	StrategySemantic = "semantic"
	StrategyLexical  = "lexical"
	// StrategyAuto uses semantic search when the vector index is ready and
	// lexical search otherwise.
	StrategyAuto = "auto"
)

const (
	// overFetch is the multiple of top_k fetched from the index before
	// collapsing hits to one per case.
	overFetch = 6
	// ExcerptLen bounds Match.ChunkExcerpt.
	ExcerptLen = 260
)

// Match is one case returned by a search, carrying its best-scoring chunk.
type Match struct {
	CaseIdx        int     `json:"case_idx"`
	EncounterID    string  `json:"encounter_id"`
	ChiefComplaint string  `json:"chief_complaint"`
	FinalDx        string  `json:"final_dx"`
	Summary        string  `json:"summary"`
	ChunkText      string  `json:"chunk_text"`
	ChunkExcerpt   string  `json:"chunk_excerpt"`
	Score          float64 `json:"score"`
}

type searcher interface {
	name() string
	search(ctx context.Context, snap *snapshot, query string, topK int) ([]Match, error)
}

// Search returns up to topK matches for query, at most one per case, ordered
// by descending score. Failures are logged and yield no matches.
func (s *Service) Search(ctx context.Context, query string, topK int) (matches []Match) {
	q := textutil.Clean(query)
	if q == "" || topK <= 0 {
		return nil
	}
	snap := s.current.Load()
	st := s.pick(snap)

	ctx, span := telemetry.StartSpan(ctx, "retrieval.search",
		attribute.String("strategy", st.name()), attribute.Int("top_k", topK))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			log.Printf("[Search] %s search failed: %v", st.name(), err)
			telemetry.RecordError(span, err)
			matches = nil
		}
	}()

	matches, err := st.search(ctx, snap, q, topK)
	if err != nil {
		log.Printf("[Search] %s search failed: %v", st.name(), err)
		telemetry.RecordError(span, err)
		return nil
	}
	span.SetAttributes(attribute.Int("matches", len(matches)))
	return matches
}

func (s *Service) pick(snap *snapshot) searcher {
	switch s.strategy {
	case StrategyLexical:
		return s.lex
	case StrategyAuto:
		if snap.ready && snap.idx != nil {
			return s.semantic
		}
		return s.lex
	}
	return s.semantic
}

// BuildContext renders matches as numbered reference lines for a prompt.
func BuildContext(matches []Match) string {
	if len(matches) == 0 {
		return NoMatchesContext
	}
	lines := make([]string, 0, len(matches))
	for i, m := range matches {
		if m.ChunkExcerpt != "" {
			lines = append(lines, fmt.Sprintf("%d. %s | Supporting chunk: %s", i+1, m.Summary, m.ChunkExcerpt))
		} else {
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, m.Summary))
		}
	}
	return strings.Join(lines, "\n")
}

// NoMatchesContext is the context used when a search returns nothing.
const NoMatchesContext = "No close matching reference cases found in the local de-identified dataset."

type candidate struct {
	row   index.ChunkRow
	score float64
}

// rankByCase keeps the best candidate per case in first-seen order, then
// stable-sorts by score descending and truncates to topK.
func rankByCase(cands []candidate, topK int) []Match {
	pos := make(map[int]int)
	var out []Match
	for _, c := range cands {
		m := Match{
			CaseIdx:        c.row.CaseIdx,
			EncounterID:    c.row.EncounterID,
			ChiefComplaint: c.row.ChiefComplaint,
			FinalDx:        c.row.FinalDx,
			Summary:        c.row.Summary,
			ChunkText:      c.row.ChunkText,
			ChunkExcerpt:   textutil.Truncate(c.row.ChunkText, ExcerptLen),
			Score:          roundScore(c.score),
		}
		if i, seen := pos[m.CaseIdx]; seen {
			if m.Score > out[i].Score {
				out[i] = m
			}
			continue
		}
		pos[m.CaseIdx] = len(out)
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

func roundScore(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}

// semanticStrategy embeds the query and searches the vector index.
type semanticStrategy struct {
	creds    credential.Provider
	embedder embedding.Factory
	cache    QueryCache
	model    string
}

func (st *semanticStrategy) name() string { return StrategySemantic }

func (st *semanticStrategy) search(ctx context.Context, snap *snapshot, query string, topK int) ([]Match, error) {
	if !snap.ready || snap.idx == nil || len(snap.rows) == 0 {
		return nil, nil
	}
	if st.creds == nil || st.embedder == nil {
		return nil, nil
	}
	apiKey := st.creds.APIKey()
	if apiKey == "" {
		return nil, nil
	}

	vec, err := st.embedQuery(ctx, apiKey, query)
	if err != nil {
		return nil, err
	}
	limit := min(max(topK*overFetch, topK), len(snap.rows))
	hits, err := snap.idx.Search(vectorstore.Normalize(vec), limit)
	if err != nil {
		return nil, err
	}

	cands := make([]candidate, 0, len(hits))
	for _, h := range hits {
		if h.ID < 0 || h.ID >= len(snap.rows) {
			continue
		}
		cands = append(cands, candidate{row: snap.rows[h.ID], score: float64(h.Score)})
	}
	return rankByCase(cands, topK), nil
}

func (st *semanticStrategy) embedQuery(ctx context.Context, apiKey, query string) ([]float64, error) {
	if st.cache != nil {
		if vec, ok := st.cache.Get(ctx, st.model, query); ok {
			return vec, nil
		}
	}
	vec, err := st.embedder(apiKey).Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if st.cache != nil {
		if err := st.cache.Put(ctx, st.model, query, vec); err != nil {
			log.Printf("[Search] failed to cache query embedding: %v", err)
		}
	}
	return vec, nil
}
