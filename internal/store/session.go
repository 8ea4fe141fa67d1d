package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// sessionCols is the standard SELECT column list for scanSession.
const sessionCols = `id, lead_id, channel, external_session_id, summary,
	message_count, last_message_at,
	booking_date, booking_time, booking_status,
	metadata, created_at, updated_at`

// UpsertSession ensures a session row exists for (lead, channel), keyed by the
// natural key. The external session id is refreshed on every call so session
// rotation on the channel side is tracked; all other fields are preserved.
func (s *Store) UpsertSession(ctx context.Context, leadID uuid.UUID, channel Channel, externalSessionID string) (*ChannelSession, error) {
	if !channel.Valid() {
		return nil, fmt.Errorf("invalid channel: %q", channel)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO channel_sessions (lead_id, channel, external_session_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (lead_id, channel) DO UPDATE
		 SET external_session_id = EXCLUDED.external_session_id,
		     updated_at = now()
		 RETURNING `+sessionCols,
		leadID, channel, externalSessionID)

	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("upserting session: %w", err)
	}
	return sess, nil
}

// GetSession fetches the session for (lead, channel).
// Returns ErrNotFound when no session exists yet.
func (s *Store) GetSession(ctx context.Context, leadID uuid.UUID, channel Channel) (*ChannelSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionCols+`
		 FROM channel_sessions
		 WHERE lead_id = $1 AND channel = $2`,
		leadID, channel)

	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return sess, nil
}

// ListSessions returns all sessions for a lead, one per channel.
func (s *Store) ListSessions(ctx context.Context, leadID uuid.UUID) ([]*ChannelSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionCols+`
		 FROM channel_sessions
		 WHERE lead_id = $1
		 ORDER BY channel ASC`,
		leadID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ChannelSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

// RecordSessionTurn bumps the message counter by n and stamps the last
// message time. Called once per turn from post-processing.
func (s *Store) RecordSessionTurn(ctx context.Context, leadID uuid.UUID, channel Channel, n int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE channel_sessions
		 SET message_count = message_count + $3,
		     last_message_at = now(),
		     updated_at = now()
		 WHERE lead_id = $1 AND channel = $2`,
		leadID, channel, n)
	if err != nil {
		return fmt.Errorf("recording session turn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSessionSummary replaces the rolling conversation summary.
func (s *Store) UpdateSessionSummary(ctx context.Context, leadID uuid.UUID, channel Channel, summary string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE channel_sessions
		 SET summary = $3, updated_at = now()
		 WHERE lead_id = $1 AND channel = $2`,
		leadID, channel, summary)
	if err != nil {
		return fmt.Errorf("updating session summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSessionBooking records booking fields on the session. The engine only
// stores booking presence; calendar event creation happens elsewhere.
func (s *Store) SetSessionBooking(ctx context.Context, leadID uuid.UUID, channel Channel, date, timeOfDay, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE channel_sessions
		 SET booking_date = $3, booking_time = $4, booking_status = $5, updated_at = now()
		 WHERE lead_id = $1 AND channel = $2`,
		leadID, channel, date, timeOfDay, status)
	if err != nil {
		return fmt.Errorf("setting session booking: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LeadHasBooking reports whether any channel session for the lead carries a
// booking. Drives the scoring stage override and the prompt reminder.
func (s *Store) LeadHasBooking(ctx context.Context, leadID uuid.UUID) (bool, error) {
	var has bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM channel_sessions
		   WHERE lead_id = $1 AND booking_date <> ''
		 )`,
		leadID).Scan(&has)
	if err != nil {
		return false, fmt.Errorf("checking booking for lead %s: %w", leadID, err)
	}
	return has, nil
}

// scanSession reads a ChannelSession from a row using the standard column set.
func scanSession(row pgx.Row) (*ChannelSession, error) {
	sess := &ChannelSession{}
	if err := row.Scan(
		&sess.ID, &sess.LeadID, &sess.Channel, &sess.ExternalSessionID, &sess.Summary,
		&sess.MessageCount, &sess.LastMessageAt,
		&sess.BookingDate, &sess.BookingTime, &sess.BookingStatus,
		&sess.Metadata, &sess.CreatedAt, &sess.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return sess, nil
}
