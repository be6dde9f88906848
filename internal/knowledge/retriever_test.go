package knowledge

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/finbuddyhq/finbuddy/internal/config"
)

type stubEmbedder struct {
	vector []float32
	err    error
	calls  int
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s.calls++
	return s.vector, s.err
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.calls++
	vectors := make([][]float32, len(texts))
	for i := range vectors {
		vectors[i] = s.vector
	}
	return vectors, s.err
}

func TestExtractKeywords(t *testing.T) {
	keywords := extractKeywords("How do I open a savings account? Savings account tips!")
	want := []string{"how", "open", "savings", "account", "tips"}
	if len(keywords) != len(want) {
		t.Fatalf("expected %v, got %v", want, keywords)
	}
	for i := range want {
		if keywords[i] != want[i] {
			t.Errorf("keyword %d: expected %q, got %q", i, want[i], keywords[i])
		}
	}
}

func TestExtractKeywordsCapped(t *testing.T) {
	query := ""
	for i := 0; i < 20; i++ {
		query += fmt.Sprintf("keyword%d ", i)
	}
	keywords := extractKeywords(query)
	if len(keywords) != maxQueryKeywords {
		t.Errorf("expected %d keywords, got %d", maxQueryKeywords, len(keywords))
	}
}

func TestSanitizeFTSTokens(t *testing.T) {
	tokens := sanitizeFTSTokens([]string{"savings", "AND", "account", "not", `"quoted"`, "  ", "near"})
	want := []string{"savings", "account", "quoted"}
	if len(tokens) != len(want) {
		t.Fatalf("expected %v, got %v", want, tokens)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Errorf("token %d: expected %q, got %q", i, want[i], tokens[i])
		}
	}
}

func TestBuildFTSMatchQuery(t *testing.T) {
	if got := buildFTSMatchQuery(nil); got != "" {
		t.Errorf("expected empty query, got %q", got)
	}
	got := buildFTSMatchQuery([]string{"savings", "account"})
	if got != `"savings" OR "account"` {
		t.Errorf("unexpected match query: %q", got)
	}
}

func TestNormalizeBM25(t *testing.T) {
	candidates := []ScoredChunk{{Score: -5}, {Score: -3}, {Score: -1}}
	normalizeBM25(candidates)

	if candidates[0].Score != 1 {
		t.Errorf("best raw score should normalize to 1, got %v", candidates[0].Score)
	}
	if candidates[2].Score != 0 {
		t.Errorf("worst raw score should normalize to 0, got %v", candidates[2].Score)
	}

	equal := []ScoredChunk{{Score: -2}, {Score: -2}}
	normalizeBM25(equal)
	for i, c := range equal {
		if c.Score != 1 {
			t.Errorf("equal scores should normalize to 1, got %v at %d", c.Score, i)
		}
	}
}

func TestHasStrongKeywordSignal(t *testing.T) {
	tests := []struct {
		name       string
		candidates []ScoredChunk
		want       bool
	}{
		{name: "empty", candidates: nil, want: false},
		{name: "small gap", candidates: []ScoredChunk{{Score: 1}, {Score: 0.85}}, want: false},
		{name: "wide gap", candidates: []ScoredChunk{{Score: 1}, {Score: 0.4}}, want: true},
		{name: "exact gap", candidates: []ScoredChunk{{Score: 1}, {Score: 0.8}}, want: true},
		{name: "single match", candidates: []ScoredChunk{{Score: 1}}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasStrongKeywordSignal(tt.candidates, 0.2); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}

	// A gap requirement above the normalized range disables the gate, even
	// for a lone candidate.
	if hasStrongKeywordSignal([]ScoredChunk{{Score: 1}}, 1.1) {
		t.Error("gap above 1 should disable the gate")
	}
	if hasStrongKeywordSignal([]ScoredChunk{{Score: 1}, {Score: 0}}, 1.1) {
		t.Error("gap above 1 should disable the gate for multiple candidates")
	}
}

func seedRetrievalStore(t *testing.T, store *Store, embedding []float32) {
	t.Helper()
	if _, err := store.ReplaceDocument(
		Document{Name: "Savings", Source: "docs/savings.md", Topic: "savings"},
		[]Chunk{
			{Content: "A savings account keeps your emergency fund liquid and earning interest.", Embedding: embedding},
			{Content: "Fixed deposits lock funds for a term in exchange for higher rates.", Embedding: embedding},
		},
	); err != nil {
		t.Fatalf("ReplaceDocument failed: %v", err)
	}
}

func TestRetrieverKeywordOnly(t *testing.T) {
	store := newTestStore(t)
	seedRetrievalStore(t, store, nil)

	retriever := NewRetriever(store, nil, config.RetrieveConfig{Limit: 2})
	results, err := retriever.Retrieve(context.Background(), "how does a savings account work")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected keyword results")
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Error("results should be ordered best first")
		}
	}
}

func TestRetrieverNoKeywords(t *testing.T) {
	store := newTestStore(t)
	retriever := NewRetriever(store, nil, config.RetrieveConfig{})

	results, err := retriever.Retrieve(context.Background(), "?? !! 12")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if results != nil {
		t.Errorf("expected nil results, got %v", results)
	}
}

func TestRetrieverStrongSignalSkipsEmbedding(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.ReplaceDocument(
		Document{Name: "Insurance", Source: "docs/insurance.md"},
		[]Chunk{{Content: "Health insurance covers hospital bills and routine care costs."}},
	); err != nil {
		t.Fatalf("ReplaceDocument failed: %v", err)
	}

	embedder := &stubEmbedder{vector: []float32{1, 0}}
	retriever := NewRetriever(store, embedder, config.RetrieveConfig{Limit: 2})

	// A single match normalizes to score 1, which clears the strong-signal gate.
	results, err := retriever.Retrieve(context.Background(), "health insurance")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if embedder.calls != 0 {
		t.Errorf("expected embedder to be skipped, got %d calls", embedder.calls)
	}
}

func TestRetrieverGapGateSkipsEmbedding(t *testing.T) {
	store := newTestStore(t)
	seedRetrievalStore(t, store, nil)

	embedder := &stubEmbedder{vector: []float32{1, 0}}
	retriever := NewRetriever(store, embedder, config.RetrieveConfig{Limit: 2})

	// One chunk matches three keywords, the other only "deposits"; with two
	// candidates the normalized scores are 1 and 0, clearing the default gap.
	results, err := retriever.Retrieve(context.Background(), "savings account deposits interest")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected keyword results")
	}
	if embedder.calls != 0 {
		t.Errorf("decisive keyword margin should skip the embedder, got %d calls", embedder.calls)
	}
}

func TestRetrieverDegradesOnEmbedderFailure(t *testing.T) {
	store := newTestStore(t)
	seedRetrievalStore(t, store, nil)

	embedder := &stubEmbedder{err: fmt.Errorf("ollama unreachable")}
	// A gap requirement above the normalized range forces the vector path.
	retriever := NewRetriever(store, embedder, config.RetrieveConfig{
		Limit:           2,
		StrongSignalGap: 1.1,
	})

	results, err := retriever.Retrieve(context.Background(), "savings deposits funds interest")
	if err != nil {
		t.Fatalf("Retrieve should not fail when embedding fails: %v", err)
	}
	if len(results) == 0 {
		t.Error("expected keyword results despite embedding failure")
	}
}

func TestFormatContext(t *testing.T) {
	if got := FormatContext(nil); got != "" {
		t.Errorf("expected empty context, got %q", got)
	}

	got := FormatContext([]ScoredChunk{
		{Chunk: Chunk{Content: "First fact."}},
		{Chunk: Chunk{Content: "Second fact."}},
	})
	for _, want := range []string{"Relevant reference material:", "[1] First fact.", "[2] Second fact."} {
		if !strings.Contains(got, want) {
			t.Errorf("context missing %q:\n%s", want, got)
		}
	}
}
