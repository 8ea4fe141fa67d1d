package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// leadCols is the standard SELECT column list for scanLead.
const leadCols = `id, brand, name, phone, email, unified_context,
	first_touchpoint, last_touchpoint, last_interaction_at,
	lead_score, lead_stage, is_manual_override,
	deleted_at, created_at, updated_at`

// CreateLeadParams holds the fields for a new lead. Phone must already be in
// digits-only canonical form.
type CreateLeadParams struct {
	Brand   string
	Name    string
	Phone   string
	Email   string
	Channel Channel
}

// CreateLead inserts a new lead with first and last touchpoint set to the
// originating channel.
func (s *Store) CreateLead(ctx context.Context, p CreateLeadParams) (*Lead, error) {
	if p.Brand == "" {
		return nil, fmt.Errorf("brand is required")
	}
	if p.Phone == "" {
		return nil, fmt.Errorf("phone is required")
	}
	if !p.Channel.Valid() {
		return nil, fmt.Errorf("invalid channel: %q", p.Channel)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO leads (brand, name, phone, email, first_touchpoint, last_touchpoint)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 RETURNING `+leadCols,
		p.Brand, p.Name, p.Phone, p.Email, p.Channel,
	)

	lead, err := scanLead(row)
	if err != nil {
		return nil, fmt.Errorf("creating lead: %w", err)
	}
	return lead, nil
}

// GetLead fetches a lead by id. Returns ErrNotFound if it does not exist.
func (s *Store) GetLead(ctx context.Context, id uuid.UUID) (*Lead, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+leadCols+` FROM leads WHERE id = $1 AND deleted_at IS NULL`, id)

	lead, err := scanLead(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting lead %s: %w", id, err)
	}
	return lead, nil
}

// FindLeadByPhone looks up a live lead by brand and canonical phone.
// Returns ErrNotFound when no lead matches.
func (s *Store) FindLeadByPhone(ctx context.Context, brand, phone string) (*Lead, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+leadCols+`
		 FROM leads
		 WHERE brand = $1 AND phone = $2 AND deleted_at IS NULL`,
		brand, phone)

	lead, err := scanLead(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding lead by phone: %w", err)
	}
	return lead, nil
}

// FindLeadByEmail looks up a live lead by brand and email. When several leads
// share the email the most recently active one wins. Returns ErrNotFound when
// no lead matches.
func (s *Store) FindLeadByEmail(ctx context.Context, brand, email string) (*Lead, error) {
	if email == "" {
		return nil, ErrNotFound
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+leadCols+`
		 FROM leads
		 WHERE brand = $1 AND email = $2 AND deleted_at IS NULL
		 ORDER BY last_interaction_at DESC
		 LIMIT 1`,
		brand, email)

	lead, err := scanLead(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding lead by email: %w", err)
	}
	return lead, nil
}

// TouchLead updates last_touchpoint and last_interaction_at unconditionally.
// Missing profile fields (name, email) are filled in when provided; existing
// values are never overwritten here.
func (s *Store) TouchLead(ctx context.Context, id uuid.UUID, channel Channel, name, email string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE leads
		 SET last_touchpoint = $2,
		     last_interaction_at = now(),
		     name = CASE WHEN name = '' THEN $3 ELSE name END,
		     email = CASE WHEN email = '' THEN $4 ELSE email END,
		     updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`,
		id, channel, name, email)
	if err != nil {
		return fmt.Errorf("touching lead %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateUnifiedContext replaces the lead's unified_context document.
// The per-field merge semantics live in the identity package; this is the
// unconditional write half of its read-modify-write.
func (s *Store) UpdateUnifiedContext(ctx context.Context, id uuid.UUID, doc json.RawMessage) error {
	if len(doc) == 0 {
		doc = json.RawMessage(`{}`)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE leads SET unified_context = $2, updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`,
		id, doc)
	if err != nil {
		return fmt.Errorf("updating unified context for lead %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLeadScore writes the score and stage produced by an automatic
// scoring pass. It never flips the manual-override flag.
func (s *Store) UpdateLeadScore(ctx context.Context, id uuid.UUID, score int, stage Stage) error {
	if !stage.Valid() {
		return fmt.Errorf("invalid stage: %q", stage)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE leads SET lead_score = $2, lead_stage = $3, updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`,
		id, score, stage)
	if err != nil {
		return fmt.Errorf("updating score for lead %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLeadOverride sets the stage together with the manual-override flag.
// Used by both SetManualOverride (override=true) and ClearManualOverride
// (override=false, stage unchanged by passing the current stage).
func (s *Store) SetLeadOverride(ctx context.Context, id uuid.UUID, stage Stage, override bool) error {
	if !stage.Valid() {
		return fmt.Errorf("invalid stage: %q", stage)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE leads SET lead_stage = $2, is_manual_override = $3, updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`,
		id, stage, override)
	if err != nil {
		return fmt.Errorf("setting override for lead %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListLeadIDs returns the ids of all live leads ordered by creation time.
// Used by the batch rescorer, which slices the result into bounded batches.
func (s *Store) ListLeadIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM leads WHERE deleted_at IS NULL ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing lead ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning lead id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating lead ids: %w", err)
	}
	return ids, nil
}

// scanLead reads a Lead from a row using the standard column set.
func scanLead(row pgx.Row) (*Lead, error) {
	l := &Lead{}
	if err := row.Scan(
		&l.ID, &l.Brand, &l.Name, &l.Phone, &l.Email, &l.UnifiedContext,
		&l.FirstTouchpoint, &l.LastTouchpoint, &l.LastInteractionAt,
		&l.Score, &l.Stage, &l.ManualOverride,
		&l.DeletedAt, &l.CreatedAt, &l.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return l, nil
}
