// Package identity resolves customers to one lead across channels and keeps
// the per-lead unified context loosely consistent with channel sessions.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/omnilead/omnilead/internal/store"
)

// Store is the persistence surface the resolver needs.
type Store interface {
	FindLeadByPhone(ctx context.Context, brand, phone string) (*store.Lead, error)
	FindLeadByEmail(ctx context.Context, brand, email string) (*store.Lead, error)
	CreateLead(ctx context.Context, p store.CreateLeadParams) (*store.Lead, error)
	TouchLead(ctx context.Context, id uuid.UUID, channel store.Channel, name, email string) error
	GetLead(ctx context.Context, id uuid.UUID) (*store.Lead, error)
	UpsertSession(ctx context.Context, leadID uuid.UUID, channel store.Channel, externalSessionID string) (*store.ChannelSession, error)
	ListSessions(ctx context.Context, leadID uuid.UUID) ([]*store.ChannelSession, error)
	UpdateUnifiedContext(ctx context.Context, id uuid.UUID, doc json.RawMessage) error
}

// Resolver implements identity resolution and context merging.
type Resolver struct {
	store  Store
	logger *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(st Store, logger *slog.Logger) (*Resolver, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: st, logger: logger}, nil
}

// NormalizePhone reduces a phone string to its digits-only canonical form.
// A leading international "00" prefix is dropped so "00 91 98765..." and
// "+91 98765..." compare equal.
func NormalizePhone(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, "00") && len(digits) > 2 {
		digits = digits[2:]
	}
	return digits
}

// ResolveInput identifies one inbound customer message.
type ResolveInput struct {
	Brand             string
	Name              string
	Email             string
	Phone             string
	Channel           store.Channel
	ExternalSessionID string
}

// ResolveLead maps an inbound message to exactly one lead. Lookup order:
// normalized phone within brand, then email, then create. On a match the
// touchpoint and interaction timestamps are updated unconditionally; a
// session row for (lead, channel) is ensured either way.
func (r *Resolver) ResolveLead(ctx context.Context, in ResolveInput) (uuid.UUID, error) {
	phone := NormalizePhone(in.Phone)
	if in.Brand == "" || phone == "" {
		return uuid.Nil, fmt.Errorf("brand and phone are required")
	}
	if !in.Channel.Valid() {
		return uuid.Nil, fmt.Errorf("invalid channel: %q", in.Channel)
	}

	lead, err := r.store.FindLeadByPhone(ctx, in.Brand, phone)
	if errors.Is(err, store.ErrNotFound) {
		lead, err = r.store.FindLeadByEmail(ctx, in.Brand, in.Email)
	}

	switch {
	case err == nil:
		if touchErr := r.store.TouchLead(ctx, lead.ID, in.Channel, in.Name, in.Email); touchErr != nil {
			return uuid.Nil, fmt.Errorf("touching lead: %w", touchErr)
		}
	case errors.Is(err, store.ErrNotFound):
		lead, err = r.store.CreateLead(ctx, store.CreateLeadParams{
			Brand:   in.Brand,
			Name:    in.Name,
			Phone:   phone,
			Email:   in.Email,
			Channel: in.Channel,
		})
		if err != nil {
			return uuid.Nil, fmt.Errorf("creating lead: %w", err)
		}
		r.logger.Info("lead created",
			"lead_id", lead.ID, "brand", in.Brand, "channel", in.Channel)
	default:
		return uuid.Nil, fmt.Errorf("resolving lead: %w", err)
	}

	if _, err := r.store.UpsertSession(ctx, lead.ID, in.Channel, in.ExternalSessionID); err != nil {
		return uuid.Nil, fmt.Errorf("ensuring session: %w", err)
	}

	return lead.ID, nil
}

// ChannelSummary is the latest known state of one channel's conversation.
type ChannelSummary struct {
	Summary           string
	LastInteractionAt *time.Time
}

// CustomerContext is the cross-channel view of a known customer.
type CustomerContext struct {
	LeadID   uuid.UUID
	Name     string
	Stage    store.Stage
	Score    int
	Channels map[store.Channel]ChannelSummary
}

// FetchCustomerContext returns the cross-channel context for a phone, or nil
// when no lead exists. A nil result means "new customer", never an error.
// Per channel the unified_context copy wins over the session row because it
// survives session rotation.
func (r *Resolver) FetchCustomerContext(ctx context.Context, brand, phone string) (*CustomerContext, error) {
	lead, err := r.store.FindLeadByPhone(ctx, brand, NormalizePhone(phone))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching lead: %w", err)
	}

	uc, err := ParseUnifiedContext(lead.UnifiedContext)
	if err != nil {
		// A corrupt document degrades to session-only summaries.
		r.logger.Warn("unparseable unified context", "lead_id", lead.ID, "error", err)
		uc = &UnifiedContext{}
	}

	sessions, err := r.store.ListSessions(ctx, lead.ID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	byChannel := make(map[store.Channel]*store.ChannelSession, len(sessions))
	for _, sess := range sessions {
		byChannel[sess.Channel] = sess
	}

	out := &CustomerContext{
		LeadID:   lead.ID,
		Name:     lead.Name,
		Stage:    lead.Stage,
		Score:    lead.Score,
		Channels: make(map[store.Channel]ChannelSummary),
	}

	for _, ch := range store.AllChannels() {
		var cs ChannelSummary
		if sess := byChannel[ch]; sess != nil {
			cs.Summary = sess.Summary
			cs.LastInteractionAt = sess.LastMessageAt
		}
		if base := uc.Base(ch); base != nil {
			if base.Summary != "" {
				cs.Summary = base.Summary
			}
			if base.LastInteractionAt != nil {
				cs.LastInteractionAt = base.LastInteractionAt
			}
		}
		if cs.Summary != "" || cs.LastInteractionAt != nil {
			out.Channels[ch] = cs
		}
	}

	return out, nil
}

// MergeChannelContext applies a partial update to unified_context[channel].
// Only fields present in the patch overwrite; everything else is preserved,
// including fields this version of the code does not know about.
//
// The read-then-write runs without inter-request locking. Concurrent merges
// for the same lead and channel resolve last-write-wins per field, which is
// acceptable at human conversational cadence.
func (r *Resolver) MergeChannelContext(ctx context.Context, leadID uuid.UUID, channel store.Channel, patch ContextPatch) error {
	if !channel.Valid() {
		return fmt.Errorf("invalid channel: %q", channel)
	}

	lead, err := r.store.GetLead(ctx, leadID)
	if err != nil {
		return fmt.Errorf("reading lead: %w", err)
	}

	doc := map[string]any{}
	if len(lead.UnifiedContext) > 0 {
		if err := json.Unmarshal(lead.UnifiedContext, &doc); err != nil {
			return fmt.Errorf("parsing unified context: %w", err)
		}
	}

	sub, _ := doc[string(channel)].(map[string]any)
	if sub == nil {
		sub = map[string]any{}
	}
	patch.apply(sub)
	doc[string(channel)] = sub

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding unified context: %w", err)
	}

	if err := r.store.UpdateUnifiedContext(ctx, leadID, raw); err != nil {
		return fmt.Errorf("writing unified context: %w", err)
	}
	return nil
}
