// Package retrieval implements hybrid knowledge search with graceful
// degradation. Search never returns an error to the caller: a retrieval
// fault lowers answer quality, it never breaks the conversation.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"google.golang.org/genai"

	"github.com/omnilead/omnilead/internal/store"
)

// VectorDimension is the embedding size stored in knowledge_chunks.
const VectorDimension = 768

// EmbedTimeout bounds the query embedding call.
const EmbedTimeout = 10 * time.Second

// DefaultTableTimeout bounds each secondary-table lookup so one slow table
// cannot stall the whole retrieval.
const DefaultTableTimeout = 5 * time.Second

// substringCap limits document content in the fallback path.
const substringCap = 2000

// Table priorities for final ranking. Primary knowledge always outranks the
// lookup tables regardless of relevance score.
const (
	priorityKnowledge = iota
	priorityPrompts
	priorityScripted
	priorityAgentDefs
	priorityCTA
)

// Store is the search surface the retriever needs.
type Store interface {
	HybridSearchChunks(ctx context.Context, brand, query string, vec pgvector.Vector, limit int) ([]store.ChunkHit, error)
	SearchDocumentsSubstring(ctx context.Context, brand, query string, maxChars, limit int) ([]store.LookupRow, error)
	SearchPromptTemplates(ctx context.Context, brand, query string, limit int) ([]store.LookupRow, error)
	SearchScriptedAnswers(ctx context.Context, brand, query string, limit int) ([]store.LookupRow, error)
	SearchAgentDefinitions(ctx context.Context, brand, query string, limit int) ([]store.LookupRow, error)
	SearchCTAEntries(ctx context.Context, brand, query string, limit int) ([]store.LookupRow, error)
}

// Result is one retrieved knowledge item.
type Result struct {
	ID        uuid.UUID
	Content   string
	Source    string
	Relevance float64

	priority int
}

// Retriever runs the layered search strategy.
type Retriever struct {
	store    Store
	embedder ai.Embedder
	logger   *slog.Logger

	// tableTimeout is the per-table budget for secondary lookups.
	// Overridable in tests.
	tableTimeout time.Duration
}

// New creates a Retriever.
func New(st Store, embedder ai.Embedder, logger *slog.Logger) (*Retriever, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		store:        st,
		embedder:     embedder,
		logger:       logger,
		tableTimeout: DefaultTableTimeout,
	}, nil
}

// Search returns up to limit*3 ranked knowledge items for the query.
// The list may be empty; it is never accompanied by an error.
func (r *Retriever) Search(ctx context.Context, brand, query string, limit int) []Result {
	if query == "" {
		return []Result{}
	}
	if limit <= 0 {
		limit = 5
	}

	var results []Result

	primary := r.searchPrimary(ctx, brand, query, limit)
	results = append(results, primary...)
	results = append(results, r.searchSecondary(ctx, brand, query, limit)...)

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].priority != results[j].priority {
			return results[i].priority < results[j].priority
		}
		return results[i].Relevance > results[j].Relevance
	})

	// Looser than the nominal limit: prompt assembly truncates again by
	// character budget.
	if max := limit * 3; len(results) > max {
		results = results[:max]
	}
	return results
}

// searchPrimary runs hybrid chunk search, degrading to a substring scan over
// whole documents when either embedding or the search itself fails.
func (r *Retriever) searchPrimary(ctx context.Context, brand, query string, limit int) []Result {
	hits, err := r.hybridChunks(ctx, brand, query, limit*2)
	if err == nil {
		out := make([]Result, 0, len(hits))
		for _, h := range hits {
			out = append(out, Result{
				ID:        h.Chunk.ID,
				Content:   h.DocumentTitle + ": " + h.Chunk.Content,
				Source:    "knowledge",
				Relevance: h.Relevance,
				priority:  priorityKnowledge,
			})
		}
		return out
	}

	r.logger.Warn("hybrid search failed, using substring fallback",
		"brand", brand, "error", err)

	rows, fbErr := r.store.SearchDocumentsSubstring(ctx, brand, query, substringCap, limit*2)
	if fbErr != nil {
		r.logger.Warn("substring fallback failed", "brand", brand, "error", fbErr)
		return nil
	}

	out := make([]Result, 0, len(rows))
	for _, row := range rows {
		out = append(out, Result{
			ID:       row.ID,
			Content:  row.Title + ": " + row.Content,
			Source:   "knowledge",
			priority: priorityKnowledge,
		})
	}
	return out
}

func (r *Retriever) hybridChunks(ctx context.Context, brand, query string, limit int) ([]store.ChunkHit, error) {
	embedCtx, cancel := context.WithTimeout(ctx, EmbedTimeout)
	defer cancel()

	dim := int32(VectorDimension)
	resp, err := r.embedder.Embed(embedCtx, &ai.EmbedRequest{
		Input:   []*ai.Document{ai.DocumentFromText(query, nil)},
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	vec := pgvector.NewVector(resp.Embeddings[0].Embedding)

	return r.store.HybridSearchChunks(ctx, brand, query, vec, limit)
}

// secondaryTable binds one lookup table to its search function and rank.
type secondaryTable struct {
	source   string
	priority int
	search   func(ctx context.Context, brand, query string, limit int) ([]store.LookupRow, error)
}

// searchSecondary queries all lookup tables in parallel under independent
// per-table timeouts, collecting partial results. A slow or failing table
// contributes nothing instead of failing the batch.
func (r *Retriever) searchSecondary(ctx context.Context, brand, query string, limit int) []Result {
	tables := []secondaryTable{
		{"prompt_templates", priorityPrompts, r.store.SearchPromptTemplates},
		{"scripted_answers", priorityScripted, r.store.SearchScriptedAnswers},
		{"agent_definitions", priorityAgentDefs, r.store.SearchAgentDefinitions},
		{"cta_entries", priorityCTA, r.store.SearchCTAEntries},
	}

	var (
		mu      sync.Mutex
		results []Result
		wg      sync.WaitGroup
	)

	for _, tbl := range tables {
		wg.Add(1)
		go func(tbl secondaryTable) {
			defer wg.Done()

			tblCtx, cancel := context.WithTimeout(ctx, r.tableTimeout)
			defer cancel()

			rows, err := tbl.search(tblCtx, brand, query, limit)
			if err != nil {
				r.logger.Warn("secondary table search degraded",
					"table", tbl.source, "error", err)
				return
			}

			mu.Lock()
			for _, row := range rows {
				results = append(results, Result{
					ID:       row.ID,
					Content:  row.Title + ": " + row.Content,
					Source:   tbl.source,
					priority: tbl.priority,
				})
			}
			mu.Unlock()
		}(tbl)
	}

	wg.Wait()
	return results
}
