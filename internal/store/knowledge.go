package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// Hybrid search weights. Vector similarity dominates; full-text rank breaks
// near-ties on wording.
const (
	searchWeightVector = 0.6
	searchWeightText   = 0.4
)

const chunkCols = `c.id, c.document_id, c.chunk_index, c.content,
	c.char_start, c.char_end, c.token_estimate, c.created_at`

// CreateDocumentParams holds the fields for a new knowledge document.
type CreateDocumentParams struct {
	Brand   string
	Title   string
	Content string
	Source  string
}

// CreateDocument inserts a knowledge document and returns its id.
func (s *Store) CreateDocument(ctx context.Context, p CreateDocumentParams) (uuid.UUID, error) {
	if p.Brand == "" || p.Title == "" {
		return uuid.Nil, fmt.Errorf("brand and title are required")
	}

	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`INSERT INTO knowledge_documents (brand, title, content, source)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		p.Brand, p.Title, p.Content, p.Source).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("creating document: %w", err)
	}
	return id, nil
}

// UpsertChunkParams holds the fields for one knowledge chunk.
type UpsertChunkParams struct {
	DocumentID    uuid.UUID
	ChunkIndex    int
	Content       string
	CharStart     int
	CharEnd       int
	TokenEstimate int
	Embedding     pgvector.Vector
}

// UpsertChunk inserts or replaces one chunk keyed by (document, index).
func (s *Store) UpsertChunk(ctx context.Context, p UpsertChunkParams) error {
	return s.upsertChunk(ctx, s.pool, p)
}

func (*Store) upsertChunk(ctx context.Context, q querier, p UpsertChunkParams) error {
	if p.Content == "" {
		return fmt.Errorf("content is required")
	}

	_, err := q.Exec(ctx,
		`INSERT INTO knowledge_chunks
		   (document_id, chunk_index, content, char_start, char_end, token_estimate, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (document_id, chunk_index) DO UPDATE
		 SET content = EXCLUDED.content,
		     char_start = EXCLUDED.char_start,
		     char_end = EXCLUDED.char_end,
		     token_estimate = EXCLUDED.token_estimate,
		     embedding = EXCLUDED.embedding`,
		p.DocumentID, p.ChunkIndex, p.Content,
		p.CharStart, p.CharEnd, p.TokenEstimate, p.Embedding)
	if err != nil {
		return fmt.Errorf("upserting chunk %d of document %s: %w", p.ChunkIndex, p.DocumentID, err)
	}
	return nil
}

// ReplaceDocumentChunks atomically swaps all chunks of a document, used when
// a document is reprocessed. Chunks die with their document.
func (s *Store) ReplaceDocumentChunks(ctx context.Context, documentID uuid.UUID, chunks []UpsertChunkParams) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	if _, err := tx.Exec(ctx,
		`DELETE FROM knowledge_chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("deleting chunks of document %s: %w", documentID, err)
	}

	for _, c := range chunks {
		c.DocumentID = documentID
		if err := s.upsertChunk(ctx, tx, c); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing chunk replacement: %w", err)
	}
	return nil
}

// HybridSearchChunks ranks chunks by a composite of cosine similarity and
// full-text rank, joined with the parent document for its title.
func (s *Store) HybridSearchChunks(ctx context.Context, brand, query string, vec pgvector.Vector, limit int) ([]ChunkHit, error) {
	if query == "" {
		return []ChunkHit{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+chunkCols+`, d.title,
		        ($4 * (1 - (c.embedding <=> $2))
		         + $5 * LEAST(1.0, COALESCE(ts_rank_cd(c.content_tsv, plainto_tsquery('english', $3), 1), 0))
		        ) AS relevance
		 FROM knowledge_chunks c
		 JOIN knowledge_documents d ON d.id = c.document_id
		 WHERE d.brand = $1 AND c.embedding IS NOT NULL
		 ORDER BY relevance DESC
		 LIMIT $6`,
		brand, vec, query,
		searchWeightVector, searchWeightText,
		limit)
	if err != nil {
		return nil, fmt.Errorf("hybrid searching chunks: %w", err)
	}
	defer rows.Close()

	var hits []ChunkHit
	for rows.Next() {
		var h ChunkHit
		if err := rows.Scan(
			&h.Chunk.ID, &h.Chunk.DocumentID, &h.Chunk.ChunkIndex, &h.Chunk.Content,
			&h.Chunk.CharStart, &h.Chunk.CharEnd, &h.Chunk.TokenEstimate, &h.Chunk.CreatedAt,
			&h.DocumentTitle, &h.Relevance,
		); err != nil {
			return nil, fmt.Errorf("scanning chunk hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunk hits: %w", err)
	}
	return hits, nil
}

// SearchDocumentsSubstring is the degraded path when hybrid search fails:
// a case-insensitive substring match over whole documents, content capped
// at maxChars per match.
func (s *Store) SearchDocumentsSubstring(ctx context.Context, brand, query string, maxChars, limit int) ([]LookupRow, error) {
	if query == "" {
		return []LookupRow{}, nil
	}
	if maxChars <= 0 {
		maxChars = 2000
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, title, substr(content, 1, $3)
		 FROM knowledge_documents
		 WHERE brand = $1 AND (title ILIKE $2 OR content ILIKE $2)
		 ORDER BY updated_at DESC
		 LIMIT $4`,
		brand, "%"+query+"%", maxChars, limit)
	if err != nil {
		return nil, fmt.Errorf("substring searching documents: %w", err)
	}
	defer rows.Close()

	return scanLookupRows(rows)
}

// SearchPromptTemplates matches prompt templates by name, description or body.
func (s *Store) SearchPromptTemplates(ctx context.Context, brand, query string, limit int) ([]LookupRow, error) {
	return s.searchLookup(ctx,
		`SELECT id, name, content
		 FROM prompt_templates
		 WHERE brand = $1 AND (name ILIKE $2 OR description ILIKE $2 OR content ILIKE $2)
		 LIMIT $3`,
		brand, query, limit)
}

// SearchScriptedAnswers matches scripted Q&A rows by question, answer or keywords.
func (s *Store) SearchScriptedAnswers(ctx context.Context, brand, query string, limit int) ([]LookupRow, error) {
	return s.searchLookup(ctx,
		`SELECT id, question, answer
		 FROM scripted_answers
		 WHERE brand = $1 AND (question ILIKE $2 OR answer ILIKE $2 OR keywords ILIKE $2)
		 LIMIT $3`,
		brand, query, limit)
}

// SearchAgentDefinitions matches agent definitions by name or persona.
func (s *Store) SearchAgentDefinitions(ctx context.Context, brand, query string, limit int) ([]LookupRow, error) {
	return s.searchLookup(ctx,
		`SELECT id, name, persona
		 FROM agent_definitions
		 WHERE brand = $1 AND (name ILIKE $2 OR persona ILIKE $2)
		 LIMIT $3`,
		brand, query, limit)
}

// SearchCTAEntries matches call-to-action entries by label or description.
func (s *Store) SearchCTAEntries(ctx context.Context, brand, query string, limit int) ([]LookupRow, error) {
	return s.searchLookup(ctx,
		`SELECT id, label, description
		 FROM cta_entries
		 WHERE brand = $1 AND (label ILIKE $2 OR description ILIKE $2)
		 LIMIT $3`,
		brand, query, limit)
}

func (s *Store) searchLookup(ctx context.Context, sql, brand, query string, limit int) ([]LookupRow, error) {
	if query == "" {
		return []LookupRow{}, nil
	}
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.pool.Query(ctx, sql, brand, "%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("searching lookup table: %w", err)
	}
	defer rows.Close()

	return scanLookupRows(rows)
}

func scanLookupRows(rows pgx.Rows) ([]LookupRow, error) {
	var out []LookupRow
	for rows.Next() {
		var r LookupRow
		if err := rows.Scan(&r.ID, &r.Title, &r.Content); err != nil {
			return nil, fmt.Errorf("scanning lookup row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating lookup rows: %w", err)
	}
	return out, nil
}
