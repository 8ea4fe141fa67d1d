package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/omnilead/omnilead/internal/identity"
	"github.com/omnilead/omnilead/internal/store"
)

// summaryExchanges is how many recent exchanges feed summary regeneration.
const summaryExchanges = 3

// spawnPostProcess launches the deferred turn work: persistence, session
// update, context merge, summary regeneration and the scoring trigger.
//
// The goroutine runs on a fresh background context so caller disconnect
// cannot cancel it, and every failure inside is logged and swallowed. The
// response path never observes it.
func (e *Engine) spawnPostProcess(leadID uuid.UUID, in AgentInput, reply, intent string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("post-processing panicked",
					"lead_id", leadID, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), postProcessTimeout)
		defer cancel()

		e.postProcess(ctx, leadID, in, reply, intent)
	}()
}

// postProcess runs the post-turn steps in order. Each step degrades
// independently: a failed summary must not stop the scoring trigger.
func (e *Engine) postProcess(ctx context.Context, leadID uuid.UUID, in AgentInput, reply, intent string) {
	if err := e.persistTurn(ctx, leadID, in, reply); err != nil {
		e.logger.Error("persisting turn failed", "lead_id", leadID, "error", err)
	}

	if err := e.store.RecordSessionTurn(ctx, leadID, in.Channel, 2); err != nil {
		e.logger.Error("session update failed", "lead_id", leadID, "error", err)
	}

	summary := e.regenerateSummary(ctx, leadID, in)

	now := time.Now().UTC()
	patch := identity.ContextPatch{
		LastIntent:        &intent,
		LastInteractionAt: &now,
	}
	if summary != "" {
		patch.Summary = &summary
		if err := e.store.UpdateSessionSummary(ctx, leadID, in.Channel, summary); err != nil {
			e.logger.Error("summary persist failed", "lead_id", leadID, "error", err)
		}
	}
	if err := e.resolver.MergeChannelContext(ctx, leadID, in.Channel, patch); err != nil {
		e.logger.Error("context merge failed", "lead_id", leadID, "error", err)
	}

	if _, err := e.scorer.Score(ctx, leadID); err != nil {
		e.logger.Error("scoring trigger failed", "lead_id", leadID, "error", err)
	}
}

// persistTurn appends the customer message and the agent reply to the log.
func (e *Engine) persistTurn(ctx context.Context, leadID uuid.UUID, in AgentInput, reply string) error {
	if _, err := e.store.InsertMessage(ctx, store.InsertMessageParams{
		LeadID:  leadID,
		Channel: in.Channel,
		Role:    store.RoleCustomer,
		Content: in.Message,
	}); err != nil {
		return fmt.Errorf("customer message: %w", err)
	}
	if _, err := e.store.InsertMessage(ctx, store.InsertMessageParams{
		LeadID:  leadID,
		Channel: in.Channel,
		Role:    store.RoleAgent,
		Content: reply,
	}); err != nil {
		return fmt.Errorf("agent message: %w", err)
	}
	return nil
}

// regenerateSummary produces a fresh rolling summary from the previous one
// plus the last few exchanges. Returns "" when regeneration degrades.
func (e *Engine) regenerateSummary(ctx context.Context, leadID uuid.UUID, in AgentInput) string {
	recent, err := e.store.ListRecentMessages(ctx, leadID, summaryExchanges*2)
	if err != nil {
		e.logger.Warn("summary input unavailable", "lead_id", leadID, "error", err)
		return ""
	}

	var b strings.Builder
	if in.PriorSummary != "" {
		fmt.Fprintf(&b, "Previous summary: %s\n\n", in.PriorSummary)
	}
	for _, m := range recent {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	summary, err := e.completer.Complete(ctx,
		"Summarize this sales conversation in two or three sentences. Keep customer needs, objections and any booking details.",
		b.String(), e.cfg.SummaryMaxTokens)
	if err != nil {
		e.logger.Warn("summary regeneration degraded", "lead_id", leadID, "error", err)
		return ""
	}
	return strings.TrimSpace(summary)
}
