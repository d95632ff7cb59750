// Package retrieval ties the case loader, the index builder and the search
// strategies together behind a single Service. Loads build a complete
// snapshot and publish it with one atomic swap; searches always read a whole
// snapshot and never block on a running load.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"medbot/internal/chunker"
	"medbot/internal/credential"
	"medbot/internal/dataset"
	"medbot/internal/db"
	"medbot/internal/embedding"
	"medbot/internal/index"
	"medbot/internal/telemetry"
	"medbot/internal/vectorstore"
)

// ErrRebuildInProgress is returned when a load is requested while another is running.
var ErrRebuildInProgress = errors.New("index rebuild already in progress")

// MsgDatasetNotFound is the load message when no candidate path exists.
const MsgDatasetNotFound = "Dataset not found."

// QueryCache stores query embeddings between searches.
type QueryCache interface {
	Get(ctx context.Context, model, query string) ([]float64, bool)
	Put(ctx context.Context, model, query string, vec []float64) error
}

// BuildLog records the outcome of each load.
type BuildLog interface {
	Record(ctx context.Context, e db.BuildEntry) (string, error)
}

// Options configures a Service.
type Options struct {
	CandidatePaths []string
	IndexPath      string
	Model          string
	ChunkSize      int
	Overlap        int
	BatchSize      int

	// Embedder builds the embedding client for a credential.
	Embedder embedding.Factory
	// Credentials supplies the key used at query time.
	Credentials credential.Provider
	// Strategy is StrategySemantic, StrategyLexical or StrategyAuto.
	Strategy string

	QueryCache QueryCache
	BuildLog   BuildLog
}

// LoadResult summarizes one load.
type LoadResult struct {
	OK          bool          `json:"ok"`
	Message     string        `json:"message"`
	DatasetPath string        `json:"dataset_path"`
	Cases       int           `json:"cases"`
	Chunks      int           `json:"chunks"`
	Reused      bool          `json:"reused"`
	Duration    time.Duration `json:"duration"`
}

// Status describes the currently published snapshot.
type Status struct {
	DatasetLoaded bool   `json:"dataset_loaded"`
	DatasetPath   string `json:"dataset_path"`
	Message       string `json:"dataset_message"`
	Records       int    `json:"records"`
	VectorReady   bool   `json:"vector_ready"`
	IndexedChunks int    `json:"indexed_chunks"`
	LastError     string `json:"last_error"`
	Rebuilding    bool   `json:"rebuilding"`
	Strategy      string `json:"strategy"`
}

// snapshot is immutable once published.
type snapshot struct {
	datasetPath string
	cases       []dataset.Case
	rows        []index.ChunkRow
	idx         *vectorstore.FlatIndex
	lexical     *lexicalIndex
	loaded      bool
	ready       bool
	message     string
	lastErr     string
}

// Service owns the published snapshot and serializes loads.
type Service struct {
	loader   *dataset.Loader
	builder  *index.Builder
	embedder embedding.Factory
	creds    credential.Provider
	strategy string
	buildLog BuildLog

	semantic *semanticStrategy
	lex      *lexicalStrategy

	current atomic.Pointer[snapshot]
	loading atomic.Bool
}

// NewService creates a Service with clamped chunking settings. No data is
// loaded until Load or StartLoad is called.
func NewService(opts Options) *Service {
	size, overlap := chunker.Clamp(opts.ChunkSize, opts.Overlap)
	model := opts.Model
	if model == "" {
		model = embedding.DefaultModel
	}
	cfg := index.Config{
		Model:     model,
		ChunkSize: size,
		Overlap:   overlap,
		BatchSize: chunker.ClampBatch(opts.BatchSize),
	}
	strategy := opts.Strategy
	switch strategy {
	case StrategySemantic, StrategyLexical, StrategyAuto:
	default:
		strategy = StrategySemantic
	}

	s := &Service{
		loader:   dataset.NewLoader(opts.CandidatePaths, chunker.NewTextChunker(size, overlap)),
		builder:  index.NewBuilder(opts.IndexPath, cfg),
		embedder: opts.Embedder,
		creds:    opts.Credentials,
		strategy: strategy,
		buildLog: opts.BuildLog,
		semantic: &semanticStrategy{
			creds:    opts.Credentials,
			embedder: opts.Embedder,
			cache:    opts.QueryCache,
			model:    model,
		},
		lex: &lexicalStrategy{},
	}
	s.current.Store(&snapshot{})
	return s
}

// Credentials returns the provider used at query time.
func (s *Service) Credentials() credential.Provider { return s.creds }

// IndexConfig returns the effective chunking and embedding configuration.
func (s *Service) IndexConfig() index.Config { return s.builder.Config }

// Load loads the dataset and reuses or rebuilds the index. It returns
// ErrRebuildInProgress when another load is running; every other failure is
// reported through the result and Status.
func (s *Service) Load(ctx context.Context, apiKey string, rebuild bool) (LoadResult, error) {
	if !s.loading.CompareAndSwap(false, true) {
		return LoadResult{}, ErrRebuildInProgress
	}
	defer s.loading.Store(false)
	return s.load(ctx, apiKey, rebuild), nil
}

// StartLoad runs Load on a new goroutine. The in-progress check happens before
// it returns; done, when non-nil, receives the result after the load finishes.
func (s *Service) StartLoad(ctx context.Context, apiKey string, rebuild bool, done func(LoadResult)) error {
	if !s.loading.CompareAndSwap(false, true) {
		return ErrRebuildInProgress
	}
	go func() {
		res := s.load(ctx, apiKey, rebuild)
		s.loading.Store(false)
		if done != nil {
			done(res)
		}
	}()
	return nil
}

// Rebuilding reports whether a load is running.
func (s *Service) Rebuilding() bool { return s.loading.Load() }

func (s *Service) load(ctx context.Context, apiKey string, rebuild bool) (res LoadResult) {
	ctx, span := telemetry.StartSpan(ctx, "retrieval.load", attribute.Bool("rebuild", rebuild))
	defer span.End()
	started := time.Now()

	snap := &snapshot{}
	fingerprint := ""
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic during load: %v", r)
			log.Printf("[Retrieval] %v", err)
			snap.ready, snap.idx = false, nil
			snap.lastErr = err.Error()
			snap.message = fmt.Sprintf("Loaded %d cases, but RAG index failed: %v", len(snap.cases), err)
			res = LoadResult{OK: false, Message: snap.message, DatasetPath: snap.datasetPath, Cases: len(snap.cases)}
		}
		res.Duration = time.Since(started)
		s.current.Store(snap)
		s.recordBuild(ctx, fingerprint, res)
		if !res.OK {
			telemetry.RecordError(span, errors.New(res.Message))
		}
		log.Printf("[Retrieval] %s (%s)", res.Message, res.Duration.Round(time.Millisecond))
	}()

	path, err := s.loader.Resolve()
	if err != nil {
		snap.message = MsgDatasetNotFound
		return LoadResult{OK: false, Message: snap.message}
	}
	snap.datasetPath = path

	cases, err := s.loader.Load(path)
	if err != nil {
		snap.lastErr = err.Error()
		snap.message = fmt.Sprintf("Failed to read dataset: %v", err)
		return LoadResult{OK: false, Message: snap.message, DatasetPath: path}
	}
	snap.cases = cases
	snap.loaded = true

	rows := index.BuildRows(cases)
	snap.rows = rows
	snap.lexical = newLexicalIndex(rows)
	res = LoadResult{DatasetPath: path, Cases: len(cases), Chunks: len(rows)}
	span.SetAttributes(attribute.Int("cases", len(cases)), attribute.Int("chunks", len(rows)))

	fail := func(err error) LoadResult {
		snap.lastErr = err.Error()
		snap.message = fmt.Sprintf("Loaded %d cases, but RAG index failed: %v", len(cases), err)
		res.OK = false
		res.Message = snap.message
		return res
	}

	fingerprint, err = index.Fingerprint(path, len(rows), s.builder.Config)
	if err != nil {
		return fail(err)
	}

	if !rebuild {
		if idx, reused, ok := s.builder.TryReuse(fingerprint, len(rows)); ok {
			snap.rows, snap.idx, snap.ready = reused, idx, true
			snap.lexical = newLexicalIndex(reused)
			snap.message = fmt.Sprintf("Loaded %d cases. Reused vector index with %d chunks.", len(cases), len(reused))
			res.OK, res.Reused, res.Message = true, true, snap.message
			return res
		}
	}

	var svc embedding.EmbeddingService
	if apiKey != "" && s.embedder != nil {
		svc = s.embedder(apiKey)
	}
	idx, err := s.builder.Build(ctx, svc, rows, fingerprint, path)
	if err != nil {
		return fail(err)
	}
	snap.idx, snap.ready = idx, true
	snap.message = fmt.Sprintf("Loaded %d cases. Indexed %d chunks in vector index.", len(cases), len(rows))
	res.OK, res.Message = true, snap.message
	return res
}

func (s *Service) recordBuild(ctx context.Context, fingerprint string, res LoadResult) {
	if s.buildLog == nil || res.DatasetPath == "" {
		return
	}
	_, err := s.buildLog.Record(ctx, db.BuildEntry{
		Fingerprint: fingerprint,
		DatasetPath: res.DatasetPath,
		Cases:       res.Cases,
		Chunks:      res.Chunks,
		Reused:      res.Reused,
		OK:          res.OK,
		Message:     res.Message,
	})
	if err != nil {
		log.Printf("[Retrieval] failed to record build: %v", err)
	}
}

// Status returns a view of the published snapshot.
func (s *Service) Status() Status {
	snap := s.current.Load()
	st := Status{
		DatasetLoaded: snap.loaded,
		DatasetPath:   snap.datasetPath,
		Message:       snap.message,
		Records:       len(snap.cases),
		VectorReady:   snap.ready,
		LastError:     snap.lastErr,
		Rebuilding:    s.loading.Load(),
		Strategy:      s.strategy,
	}
	if snap.ready {
		st.IndexedChunks = len(snap.rows)
	}
	return st
}

// Records returns the browsable records of the published snapshot, in case order.
func (s *Service) Records() []dataset.Record {
	snap := s.current.Load()
	out := make([]dataset.Record, len(snap.cases))
	for i, c := range snap.cases {
		out[i] = c.Record()
	}
	return out
}
