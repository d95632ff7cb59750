package retrieval

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"medbot/internal/index"
)

// minTokenLen is the shortest word counted by lexical search.
const minTokenLen = 3

// lexicalIndex holds the token set of every chunk row.
type lexicalIndex struct {
	rows   []index.ChunkRow
	tokens []map[string]struct{}
}

func newLexicalIndex(rows []index.ChunkRow) *lexicalIndex {
	li := &lexicalIndex{rows: rows, tokens: make([]map[string]struct{}, len(rows))}
	for i, r := range rows {
		li.tokens[i] = tokenSet(r.ChunkText)
	}
	return li
}

// tokenSet returns the lowercase alphabetic words of text with at least
// minTokenLen letters.
func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool { return !unicode.IsLetter(r) })
	for _, w := range words {
		if len([]rune(w)) >= minTokenLen {
			set[w] = struct{}{}
		}
	}
	return set
}

// lexicalStrategy scores rows by the share of query words they contain. It
// needs no credential and no vector index.
type lexicalStrategy struct{}

func (lexicalStrategy) name() string { return StrategyLexical }

func (lexicalStrategy) search(_ context.Context, snap *snapshot, query string, topK int) ([]Match, error) {
	li := snap.lexical
	if li == nil || len(li.rows) == 0 {
		return nil, nil
	}
	q := tokenSet(query)
	if len(q) == 0 {
		return nil, nil
	}

	var cands []candidate
	for i, toks := range li.tokens {
		shared := 0
		for w := range q {
			if _, ok := toks[w]; ok {
				shared++
			}
		}
		if shared == 0 {
			continue
		}
		cands = append(cands, candidate{row: li.rows[i], score: float64(shared) / float64(len(q))})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	return rankByCase(cands, topK), nil
}
