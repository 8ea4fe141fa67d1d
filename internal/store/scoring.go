package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const scoringEventCols = `id, lead_id, old_stage, new_stage, old_score, new_score,
	is_automatic, reason, created_at`

// InsertScoringEventParams holds the fields for one stage-transition record.
type InsertScoringEventParams struct {
	LeadID      uuid.UUID
	OldStage    Stage
	NewStage    Stage
	OldScore    int
	NewScore    int
	IsAutomatic bool
	Reason      string
}

// InsertScoringEvent appends one stage-transition audit record.
func (s *Store) InsertScoringEvent(ctx context.Context, p InsertScoringEventParams) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scoring_events
		   (lead_id, old_stage, new_stage, old_score, new_score, is_automatic, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.LeadID, p.OldStage, p.NewStage, p.OldScore, p.NewScore, p.IsAutomatic, p.Reason)
	if err != nil {
		return fmt.Errorf("inserting scoring event: %w", err)
	}
	return nil
}

// ListScoringEvents returns the most recent transitions for a lead, newest first.
func (s *Store) ListScoringEvents(ctx context.Context, leadID uuid.UUID, limit int) ([]*ScoringEvent, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+scoringEventCols+`
		 FROM scoring_events
		 WHERE lead_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing scoring events: %w", err)
	}
	defer rows.Close()

	var events []*ScoringEvent
	for rows.Next() {
		e := &ScoringEvent{}
		if err := rows.Scan(
			&e.ID, &e.LeadID, &e.OldStage, &e.NewStage, &e.OldScore, &e.NewScore,
			&e.IsAutomatic, &e.Reason, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning scoring event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating scoring events: %w", err)
	}
	return events, nil
}

// CountScoringEvents returns the number of transition records for a lead.
func (s *Store) CountScoringEvents(ctx context.Context, leadID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM scoring_events WHERE lead_id = $1`, leadID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting scoring events: %w", err)
	}
	return n, nil
}

// InsertActivity records a human touch on a lead (call log, note, override).
func (s *Store) InsertActivity(ctx context.Context, leadID uuid.UUID, activityType, note string) error {
	if activityType == "" {
		return fmt.Errorf("activity type is required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO activities (lead_id, activity_type, note) VALUES ($1, $2, $3)`,
		leadID, activityType, note)
	if err != nil {
		return fmt.Errorf("inserting activity: %w", err)
	}
	return nil
}

// ListRecentActivities returns up to limit recent activities, newest first.
func (s *Store) ListRecentActivities(ctx context.Context, leadID uuid.UUID, limit int) ([]*Activity, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, lead_id, activity_type, note, created_at
		 FROM activities
		 WHERE lead_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing activities: %w", err)
	}
	defer rows.Close()

	var activities []*Activity
	for rows.Next() {
		a := &Activity{}
		if err := rows.Scan(&a.ID, &a.LeadID, &a.ActivityType, &a.Note, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		activities = append(activities, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating activities: %w", err)
	}
	return activities, nil
}

// LatestScoringEvent returns the most recent transition for a lead.
// Returns ErrNotFound when no event exists.
func (s *Store) LatestScoringEvent(ctx context.Context, leadID uuid.UUID) (*ScoringEvent, error) {
	e := &ScoringEvent{}
	err := s.pool.QueryRow(ctx,
		`SELECT `+scoringEventCols+`
		 FROM scoring_events
		 WHERE lead_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		leadID).Scan(
		&e.ID, &e.LeadID, &e.OldStage, &e.NewStage, &e.OldScore, &e.NewScore,
		&e.IsAutomatic, &e.Reason, &e.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest scoring event: %w", err)
	}
	return e, nil
}
