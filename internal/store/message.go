package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const messageCols = `id, lead_id, channel, role, content, message_type, metadata, created_at`

// InsertMessageParams holds the fields for one conversation log entry.
type InsertMessageParams struct {
	LeadID      uuid.UUID
	Channel     Channel
	Role        Role
	Content     string
	MessageType string
	Metadata    json.RawMessage
}

// InsertMessage appends one message to the conversation log. Messages are
// never mutated after insert.
func (s *Store) InsertMessage(ctx context.Context, p InsertMessageParams) (*Message, error) {
	if !p.Channel.Valid() {
		return nil, fmt.Errorf("invalid channel: %q", p.Channel)
	}
	if p.Content == "" {
		return nil, fmt.Errorf("content is required")
	}
	if p.MessageType == "" {
		p.MessageType = "text"
	}
	if len(p.Metadata) == 0 {
		p.Metadata = json.RawMessage(`{}`)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO messages (lead_id, channel, role, content, message_type, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+messageCols,
		p.LeadID, p.Channel, p.Role, p.Content, p.MessageType, p.Metadata)

	msg, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	return msg, nil
}

// ListMessages returns the full conversation history for a lead in
// chronological order. The scoring engine consumes the whole log.
func (s *Store) ListMessages(ctx context.Context, leadID uuid.UUID) ([]*Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageCols+`
		 FROM messages
		 WHERE lead_id = $1
		 ORDER BY created_at ASC, id ASC`,
		leadID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// ListRecentMessages returns the last n messages for a lead in chronological
// order. Used for prompt history and summary regeneration.
func (s *Store) ListRecentMessages(ctx context.Context, leadID uuid.UUID, n int) ([]*Message, error) {
	if n <= 0 {
		return []*Message{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageCols+` FROM (
		   SELECT `+messageCols+`
		   FROM messages
		   WHERE lead_id = $1
		   ORDER BY created_at DESC, id DESC
		   LIMIT $2
		 ) recent
		 ORDER BY created_at ASC, id ASC`,
		leadID, n)
	if err != nil {
		return nil, fmt.Errorf("listing recent messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// scanMessage reads a Message from a row using the standard column set.
func scanMessage(row pgx.Row) (*Message, error) {
	m := &Message{}
	if err := row.Scan(
		&m.ID, &m.LeadID, &m.Channel, &m.Role, &m.Content,
		&m.MessageType, &m.Metadata, &m.CreatedAt,
	); err != nil {
		return nil, err
	}
	return m, nil
}

func scanMessages(rows pgx.Rows) ([]*Message, error) {
	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}
