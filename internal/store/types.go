package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Channel identifies a communication surface.
type Channel string

const (
	ChannelWeb      Channel = "web"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelVoice    Channel = "voice"
	ChannelSocial   Channel = "social"
)

// AllChannels lists every known channel in canonical order.
func AllChannels() []Channel {
	return []Channel{ChannelWeb, ChannelWhatsApp, ChannelVoice, ChannelSocial}
}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelWeb, ChannelWhatsApp, ChannelVoice, ChannelSocial:
		return true
	}
	return false
}

// Stage is the discrete sales-funnel position of a lead.
type Stage string

const (
	StageNew         Stage = "New"
	StageQualified   Stage = "Qualified"
	StageHighIntent  Stage = "High Intent"
	StageBookingMade Stage = "Booking Made"
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageNew, StageQualified, StageHighIntent, StageBookingMade:
		return true
	}
	return false
}

// Role identifies the sender of a message.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleSystem   Role = "system"
)

// Lead is the unified customer identity record, one per (brand, person).
// Phone holds the digits-only canonical form.
type Lead struct {
	ID                uuid.UUID
	Brand             string
	Name              string
	Phone             string
	Email             string
	UnifiedContext    json.RawMessage
	FirstTouchpoint   Channel
	LastTouchpoint    Channel
	LastInteractionAt time.Time
	Score             int
	Stage             Stage
	ManualOverride    bool
	DeletedAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ChannelSession is the active conversation context for one (lead, channel).
type ChannelSession struct {
	ID                uuid.UUID
	LeadID            uuid.UUID
	Channel           Channel
	ExternalSessionID string
	Summary           string
	MessageCount      int
	LastMessageAt     *time.Time
	BookingDate       string
	BookingTime       string
	BookingStatus     string
	Metadata          json.RawMessage
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasBooking reports whether a booking is recorded on this session.
func (s *ChannelSession) HasBooking() bool {
	return s.BookingDate != ""
}

// Message is one append-only conversation log entry.
type Message struct {
	ID          uuid.UUID
	LeadID      uuid.UUID
	Channel     Channel
	Role        Role
	Content     string
	MessageType string
	Metadata    json.RawMessage
	CreatedAt   time.Time
}

// KnowledgeDocument is an ingested brand knowledge source.
type KnowledgeDocument struct {
	ID        uuid.UUID
	Brand     string
	Title     string
	Content   string
	Source    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// KnowledgeChunk is an immutable fragment of a knowledge document.
type KnowledgeChunk struct {
	ID            uuid.UUID
	DocumentID    uuid.UUID
	ChunkIndex    int
	Content       string
	CharStart     int
	CharEnd       int
	TokenEstimate int
	CreatedAt     time.Time
}

// ChunkHit is one hybrid-search result with its parent document title and
// composite relevance score.
type ChunkHit struct {
	Chunk         KnowledgeChunk
	DocumentTitle string
	Relevance     float64
}

// LookupRow is one substring-match result from a secondary lookup table.
type LookupRow struct {
	ID      uuid.UUID
	Title   string
	Content string
}

// Activity is a human-recorded touch on a lead (call, note, manual override).
type Activity struct {
	ID           uuid.UUID
	LeadID       uuid.UUID
	ActivityType string
	Note         string
	CreatedAt    time.Time
}

// ScoringEvent is an append-only audit record of one stage transition.
type ScoringEvent struct {
	ID          uuid.UUID
	LeadID      uuid.UUID
	OldStage    Stage
	NewStage    Stage
	OldScore    int
	NewScore    int
	IsAutomatic bool
	Reason      string
	CreatedAt   time.Time
}
