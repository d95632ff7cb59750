// Package cli implements the medbot subcommands other than serve.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"medbot/internal/config"
	"medbot/internal/llm"
	"medbot/internal/retrieval"
)

// ErrUsage is returned for malformed arguments.
var ErrUsage = errors.New("usage error")

// RunReindex loads the dataset and reuses or rebuilds the vector index.
func RunReindex(ctx context.Context, svc *retrieval.Service, args []string, out io.Writer) error {
	rebuild := false
	for _, a := range args {
		switch a {
		case "--rebuild":
			rebuild = true
		default:
			fmt.Fprintf(out, "Unknown argument: %s\n", a)
			fmt.Fprintln(out, "Usage: medbot reindex [--rebuild]")
			return ErrUsage
		}
	}

	res, err := svc.Load(ctx, svc.Credentials().APIKey(), rebuild)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, res.Message)
	fmt.Fprintf(out, "  Dataset: %s\n", res.DatasetPath)
	fmt.Fprintf(out, "  Cases: %d, chunks: %d, reused: %t, took %s\n", res.Cases, res.Chunks, res.Reused, res.Duration.Round(time.Millisecond))
	if !res.OK {
		return fmt.Errorf("reindex failed: %s", res.Message)
	}
	return nil
}

// RunSearch prints the closest cases for a query.
func RunSearch(ctx context.Context, svc *retrieval.Service, args []string, defaultTopK int, out io.Writer) error {
	topK, query, err := parseQueryArgs(args, defaultTopK)
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		fmt.Fprintln(out, "Usage: medbot search [--top-k N] <query>")
		return ErrUsage
	}
	if err := ensureLoaded(ctx, svc, out); err != nil {
		return err
	}

	matches := svc.Search(ctx, query, topK)
	if len(matches) == 0 {
		fmt.Fprintln(out, retrieval.NoMatchesContext)
		return nil
	}
	for i, m := range matches {
		fmt.Fprintf(out, "%d. [%.4f] %s\n", i+1, m.Score, m.Summary)
		if m.ChunkExcerpt != "" {
			fmt.Fprintf(out, "   %s\n", m.ChunkExcerpt)
		}
	}
	return nil
}

// RunAsk retrieves context for a question and prints the model's answer.
func RunAsk(ctx context.Context, svc *retrieval.Service, gen llm.Factory, instructions string, args []string, defaultTopK int, out io.Writer) error {
	topK, question, err := parseQueryArgs(args, defaultTopK)
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		fmt.Fprintln(out, "Usage: medbot ask [--top-k N] <question>")
		return ErrUsage
	}
	apiKey := svc.Credentials().APIKey()
	if apiKey == "" {
		return errors.New("missing API key")
	}
	if err := ensureLoaded(ctx, svc, out); err != nil {
		return err
	}

	matches := svc.Search(ctx, question, topK)
	refContext := retrieval.BuildContext(matches)

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := gen(apiKey).Generate(ctx, instructions, refContext, question)
		done <- result{text, err}
	}()

	fmt.Fprint(out, "Generating response")
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fmt.Fprint(out, ".")
		case r := <-done:
			fmt.Fprintln(out)
			if r.err != nil {
				return fmt.Errorf("request failed: %w", r.err)
			}
			fmt.Fprintln(out, r.text)
			if len(matches) > 0 {
				fmt.Fprintf(out, "\nReference cases:\n%s\n", refContext)
			}
			return nil
		}
	}
}

// RunStatus loads the dataset, reusing the index when possible, and prints
// the resulting status.
func RunStatus(ctx context.Context, svc *retrieval.Service, model string, out io.Writer) error {
	if err := ensureLoaded(ctx, svc, out); err != nil {
		return err
	}
	st := svc.Status()
	fmt.Fprintf(out, "Dataset loaded:  %t\n", st.DatasetLoaded)
	fmt.Fprintf(out, "Dataset path:    %s\n", st.DatasetPath)
	fmt.Fprintf(out, "Message:         %s\n", st.Message)
	fmt.Fprintf(out, "Records:         %d\n", st.Records)
	fmt.Fprintf(out, "Vector ready:    %t\n", st.VectorReady)
	fmt.Fprintf(out, "Indexed chunks:  %d\n", st.IndexedChunks)
	fmt.Fprintf(out, "Strategy:        %s\n", st.Strategy)
	ic := svc.IndexConfig()
	fmt.Fprintf(out, "Embedding model: %s\n", ic.Model)
	fmt.Fprintf(out, "Chunking:        size %d, overlap %d, batch %d\n", ic.ChunkSize, ic.Overlap, ic.BatchSize)
	fmt.Fprintf(out, "Model:           %s\n", model)
	if st.LastError != "" {
		fmt.Fprintf(out, "Last error:      %s\n", st.LastError)
	}
	return nil
}

// RunConfig handles "config set <dotted.key> <value>" and "config path".
// The file is rewritten with API keys encrypted.
func RunConfig(cm *config.ConfigManager, args []string, out io.Writer) error {
	if len(args) == 1 && args[0] == "path" {
		fmt.Fprintln(out, cm.Path())
		return nil
	}
	if len(args) < 3 || args[0] != "set" {
		fmt.Fprintln(out, "Usage: medbot config set <dotted.key> <value>")
		fmt.Fprintln(out, "       medbot config path")
		return ErrUsage
	}

	key, raw := args[1], strings.Join(args[2:], " ")
	if err := cm.Set(key, raw); err != nil {
		return err
	}
	if strings.HasSuffix(key, "api_key") {
		fmt.Fprintf(out, "Updated %s (stored encrypted)\n", key)
	} else {
		fmt.Fprintf(out, "Updated %s = %s\n", key, raw)
	}
	return nil
}

func ensureLoaded(ctx context.Context, svc *retrieval.Service, out io.Writer) error {
	if svc.Status().DatasetLoaded {
		return nil
	}
	res, err := svc.Load(ctx, svc.Credentials().APIKey(), false)
	if err != nil {
		return err
	}
	if !res.OK {
		fmt.Fprintf(out, "Warning: %s\n", res.Message)
	}
	return nil
}

// parseQueryArgs splits [--top-k N] from the free-text query.
func parseQueryArgs(args []string, defaultTopK int) (int, string, error) {
	topK := defaultTopK
	var words []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--top-k":
			if i+1 >= len(args) {
				return 0, "", errors.New("--top-k requires a value")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return 0, "", fmt.Errorf("invalid --top-k value %q", args[i+1])
			}
			topK = n
			i++
		case strings.HasPrefix(a, "--top-k="):
			n, err := strconv.Atoi(strings.TrimPrefix(a, "--top-k="))
			if err != nil {
				return 0, "", fmt.Errorf("invalid --top-k value %q", a)
			}
			topK = n
		default:
			words = append(words, a)
		}
	}
	query := strings.TrimSpace(strings.Join(words, " "))
	if query == "" {
		return 0, "", errors.New("missing query")
	}
	return config.ClampTopK(topK), query, nil
}
