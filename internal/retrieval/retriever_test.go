package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnilead/omnilead/internal/store"
	"github.com/omnilead/omnilead/internal/testutil"
)

// fakeSearchStore lets each search path fail, stall or return fixed rows.
type fakeSearchStore struct {
	hybridHits []store.ChunkHit
	hybridErr  error

	substringRows []store.LookupRow
	substringErr  error

	prompts   []store.LookupRow
	scripted  []store.LookupRow
	agentDefs []store.LookupRow
	ctas      []store.LookupRow

	promptDelay time.Duration
	promptErr   error
}

func (f *fakeSearchStore) HybridSearchChunks(context.Context, string, string, pgvector.Vector, int) ([]store.ChunkHit, error) {
	return f.hybridHits, f.hybridErr
}

func (f *fakeSearchStore) SearchDocumentsSubstring(context.Context, string, string, int, int) ([]store.LookupRow, error) {
	return f.substringRows, f.substringErr
}

func (f *fakeSearchStore) SearchPromptTemplates(ctx context.Context, _, _ string, _ int) ([]store.LookupRow, error) {
	if f.promptDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.promptDelay):
		}
	}
	return f.prompts, f.promptErr
}

func (f *fakeSearchStore) SearchScriptedAnswers(context.Context, string, string, int) ([]store.LookupRow, error) {
	return f.scripted, nil
}

func (f *fakeSearchStore) SearchAgentDefinitions(context.Context, string, string, int) ([]store.LookupRow, error) {
	return f.agentDefs, nil
}

func (f *fakeSearchStore) SearchCTAEntries(context.Context, string, string, int) ([]store.LookupRow, error) {
	return f.ctas, nil
}

func newTestRetriever(t *testing.T, fs *fakeSearchStore) *Retriever {
	t.Helper()

	g := genkit.Init(context.Background())
	embedder := testutil.NewMockEmbedder(VectorDimension).RegisterEmbedder(g)

	r, err := New(fs, embedder, testutil.DiscardLogger())
	require.NoError(t, err)
	r.tableTimeout = 50 * time.Millisecond
	return r
}

func chunkHit(content, title string, relevance float64) store.ChunkHit {
	return store.ChunkHit{
		Chunk:         store.KnowledgeChunk{ID: uuid.New(), Content: content},
		DocumentTitle: title,
		Relevance:     relevance,
	}
}

func lookupRow(title, content string) store.LookupRow {
	return store.LookupRow{ID: uuid.New(), Title: title, Content: content}
}

func TestSearchPrefixesDocumentTitle(t *testing.T) {
	fs := &fakeSearchStore{
		hybridHits: []store.ChunkHit{chunkHit("plans start at $29", "Pricing Guide", 0.9)},
	}
	r := newTestRetriever(t, fs)

	results := r.Search(context.Background(), "acme", "pricing", 5)
	require.NotEmpty(t, results)
	assert.Equal(t, "Pricing Guide: plans start at $29", results[0].Content)
	assert.Equal(t, "knowledge", results[0].Source)
}

func TestSearchFallsBackToSubstring(t *testing.T) {
	fs := &fakeSearchStore{
		hybridErr:     errors.New("index corrupted"),
		substringRows: []store.LookupRow{lookupRow("FAQ", "we deliver in 3 days")},
	}
	r := newTestRetriever(t, fs)

	results := r.Search(context.Background(), "acme", "delivery", 5)
	require.Len(t, results, 1)
	assert.Equal(t, "FAQ: we deliver in 3 days", results[0].Content)
}

func TestSearchNeverErrors(t *testing.T) {
	fs := &fakeSearchStore{
		hybridErr:    errors.New("primary down"),
		substringErr: errors.New("fallback down"),
		promptErr:    errors.New("prompts down"),
	}
	r := newTestRetriever(t, fs)

	results := r.Search(context.Background(), "acme", "anything", 5)
	assert.Empty(t, results)
	assert.NotNil(t, results)
}

func TestSearchTablePriorityOrdering(t *testing.T) {
	fs := &fakeSearchStore{
		hybridHits: []store.ChunkHit{
			chunkHit("low relevance chunk", "Doc", 0.1),
		},
		prompts:   []store.LookupRow{lookupRow("Greeting", "hello template")},
		scripted:  []store.LookupRow{lookupRow("Q", "scripted answer")},
		agentDefs: []store.LookupRow{lookupRow("Agent", "persona text")},
		ctas:      []store.LookupRow{lookupRow("Book now", "cta text")},
	}
	r := newTestRetriever(t, fs)

	results := r.Search(context.Background(), "acme", "hello", 5)
	require.Len(t, results, 5)

	sources := make([]string, len(results))
	for i, res := range results {
		sources[i] = res.Source
	}
	// Fixed table priority: a low-relevance chunk still outranks every
	// secondary table row.
	assert.Equal(t, []string{
		"knowledge", "prompt_templates", "scripted_answers",
		"agent_definitions", "cta_entries",
	}, sources)
}

func TestSearchRelevanceTiebreakWithinTable(t *testing.T) {
	fs := &fakeSearchStore{
		hybridHits: []store.ChunkHit{
			chunkHit("weaker", "Doc", 0.2),
			chunkHit("stronger", "Doc", 0.8),
		},
	}
	r := newTestRetriever(t, fs)

	results := r.Search(context.Background(), "acme", "q", 5)
	require.Len(t, results, 2)
	assert.Equal(t, "Doc: stronger", results[0].Content)
	assert.Equal(t, "Doc: weaker", results[1].Content)
}

func TestSearchTruncatesToTripleLimit(t *testing.T) {
	fs := &fakeSearchStore{}
	for i := 0; i < 10; i++ {
		fs.hybridHits = append(fs.hybridHits, chunkHit("chunk", "Doc", 0.5))
	}
	r := newTestRetriever(t, fs)

	results := r.Search(context.Background(), "acme", "q", 2)
	assert.Len(t, results, 6)
}

func TestSearchSlowTableTimesOut(t *testing.T) {
	fs := &fakeSearchStore{
		prompts:     []store.LookupRow{lookupRow("slow", "should not appear")},
		promptDelay: time.Second,
		ctas:        []store.LookupRow{lookupRow("fast", "appears")},
	}
	r := newTestRetriever(t, fs)

	start := time.Now()
	results := r.Search(context.Background(), "acme", "q", 5)
	elapsed := time.Since(start)

	require.Len(t, results, 1)
	assert.Equal(t, "cta_entries", results[0].Source)
	assert.Less(t, elapsed, 500*time.Millisecond,
		"slow table must not block the whole retrieval")
}

func TestSearchEmptyQuery(t *testing.T) {
	r := newTestRetriever(t, &fakeSearchStore{})
	assert.Empty(t, r.Search(context.Background(), "acme", "", 5))
}

func TestSearchEmbedFailureFallsBack(t *testing.T) {
	fs := &fakeSearchStore{
		hybridHits:    []store.ChunkHit{chunkHit("unreachable", "Doc", 0.9)},
		substringRows: []store.LookupRow{lookupRow("FAQ", "substring path")},
	}

	g := genkit.Init(context.Background())
	mockEmb := testutil.NewMockEmbedder(VectorDimension)
	mockEmb.FailWith(errors.New("embedder down"))
	embedder := mockEmb.RegisterEmbedder(g)

	r, err := New(fs, embedder, testutil.DiscardLogger())
	require.NoError(t, err)
	r.tableTimeout = 50 * time.Millisecond

	results := r.Search(context.Background(), "acme", "faq", 5)
	require.Len(t, results, 1)
	assert.Equal(t, "FAQ: substring path", results[0].Content)
}
