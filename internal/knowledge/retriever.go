package knowledge

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/finbuddyhq/finbuddy/internal/config"
	"github.com/finbuddyhq/finbuddy/internal/logging"
)

const (
	maxQueryKeywords = 8
	maxFTSTokens     = 16

	// Candidate pool is wider than the final cut so vector re-ranking has
	// something to work with.
	candidateMultiplier = 4

	keywordWeight = 0.4
	vectorWeight  = 0.6
)

var keywordPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9_\-]{2,}`)

// ftsReservedTokens are FTS5 query operators; bare they change query
// semantics, so they are dropped before building a MATCH expression.
var ftsReservedTokens = map[string]struct{}{
	"and":  {},
	"or":   {},
	"not":  {},
	"near": {},
}

// Retriever runs hybrid retrieval over the knowledge store: FTS5 keyword
// search first, then optional vector re-ranking with query embeddings.
type Retriever struct {
	store    *Store
	embedder Embedder
	cfg      config.RetrieveConfig
}

func NewRetriever(store *Store, embedder Embedder, cfg config.RetrieveConfig) *Retriever {
	if cfg.Limit <= 0 {
		cfg.Limit = config.DefaultRetrieveLimit
	}
	if cfg.StrongSignalGap <= 0 {
		cfg.StrongSignalGap = config.DefaultStrongSignalGap
	}
	return &Retriever{store: store, embedder: embedder, cfg: cfg}
}

// Retrieve returns the chunks most relevant to the query, best first.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]ScoredChunk, error) {
	keywords := extractKeywords(query)
	if len(keywords) == 0 {
		return nil, nil
	}

	matchQuery := buildFTSMatchQuery(sanitizeFTSTokens(keywords))
	if matchQuery == "" {
		return nil, nil
	}

	candidates, err := r.store.SearchFTS(matchQuery, r.cfg.Limit*candidateMultiplier)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	normalizeBM25(candidates)

	// A decisive keyword result skips the embedding round trip entirely.
	if r.embedder == nil || hasStrongKeywordSignal(candidates, r.cfg.StrongSignalGap) {
		return topK(candidates, r.cfg.Limit), nil
	}

	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		logger := logging.Component("knowledge")
		logger.Warn().Err(err).Msg("query embedding failed, keyword scores only")
		return topK(candidates, r.cfg.Limit), nil
	}

	blendVectorScores(candidates, queryVec)
	return topK(candidates, r.cfg.Limit), nil
}

// FormatContext renders retrieved chunks as a context block for the advisor
// prompt. Empty input yields an empty string.
func FormatContext(chunks []ScoredChunk) string {
	if len(chunks) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Relevant reference material:\n")
	for i, item := range chunks {
		b.WriteString(fmt.Sprintf("\n[%d] %s\n", i+1, strings.TrimSpace(item.Chunk.Content)))
	}
	return b.String()
}

func extractKeywords(query string) []string {
	matches := keywordPattern.FindAllString(strings.ToLower(query), -1)

	seen := make(map[string]struct{}, len(matches))
	keywords := make([]string, 0, len(matches))
	for _, word := range matches {
		if _, ok := seen[word]; ok {
			continue
		}
		seen[word] = struct{}{}
		keywords = append(keywords, word)
		if len(keywords) >= maxQueryKeywords {
			break
		}
	}
	return keywords
}

func sanitizeFTSTokens(tokens []string) []string {
	sanitized := make([]string, 0, len(tokens))
	for _, token := range tokens {
		token = strings.TrimSpace(strings.Trim(token, `"'`))
		if token == "" {
			continue
		}
		if _, reserved := ftsReservedTokens[strings.ToLower(token)]; reserved {
			continue
		}
		sanitized = append(sanitized, token)
		if len(sanitized) >= maxFTSTokens {
			break
		}
	}
	return sanitized
}

func buildFTSMatchQuery(tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(tokens))
	for _, token := range tokens {
		quoted = append(quoted, `"`+strings.ReplaceAll(token, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// normalizeBM25 rescales raw bm25 scores (lower is better) to [0, 1] where
// higher is better. A degenerate range maps everything to 1.
func normalizeBM25(candidates []ScoredChunk) {
	if len(candidates) == 0 {
		return
	}

	min, max := candidates[0].Score, candidates[0].Score
	for _, c := range candidates[1:] {
		if c.Score < min {
			min = c.Score
		}
		if c.Score > max {
			max = c.Score
		}
	}

	if max == min {
		for i := range candidates {
			candidates[i].Score = 1
		}
		return
	}

	for i := range candidates {
		candidates[i].Score = 1 - ((candidates[i].Score - min) / (max - min))
	}
}

// hasStrongKeywordSignal reports whether the keyword ranking alone is
// decisive. Min-max normalization pins the best candidate to score 1, so the
// discriminator is the margin to the runner-up: a lone match or a wide gap
// skips re-ranking. A gapMin above 1 never matches and disables the gate.
func hasStrongKeywordSignal(candidates []ScoredChunk, gapMin float64) bool {
	if len(candidates) == 0 {
		return false
	}
	if len(candidates) == 1 {
		return gapMin <= 1
	}
	return candidates[0].Score-candidates[1].Score >= gapMin
}

func blendVectorScores(candidates []ScoredChunk, queryVec []float32) {
	for i := range candidates {
		if len(candidates[i].Chunk.Embedding) == 0 {
			candidates[i].Score = candidates[i].Score * keywordWeight
			continue
		}
		sim, err := CosineSimilarity(queryVec, candidates[i].Chunk.Embedding)
		if err != nil {
			candidates[i].Score = candidates[i].Score * keywordWeight
			continue
		}
		// Cosine in [-1, 1] rescaled to [0, 1] before blending.
		vectorScore := (sim + 1) / 2
		candidates[i].Score = candidates[i].Score*keywordWeight + vectorScore*vectorWeight
	}
}

func topK(candidates []ScoredChunk, k int) []ScoredChunk {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}
