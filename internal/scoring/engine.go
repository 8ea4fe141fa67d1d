// Package scoring recomputes a lead's 0-100 sales-readiness score and
// discrete stage from accumulated conversation and activity signals,
// respecting manual overrides.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/omnilead/omnilead/internal/store"
)

// Store is the persistence surface the scoring engine needs.
type Store interface {
	GetLead(ctx context.Context, id uuid.UUID) (*store.Lead, error)
	ListMessages(ctx context.Context, leadID uuid.UUID) ([]*store.Message, error)
	ListRecentActivities(ctx context.Context, leadID uuid.UUID, limit int) ([]*store.Activity, error)
	LeadHasBooking(ctx context.Context, leadID uuid.UUID) (bool, error)
	UpdateLeadScore(ctx context.Context, id uuid.UUID, score int, stage store.Stage) error
	SetLeadOverride(ctx context.Context, id uuid.UUID, stage store.Stage, override bool) error
	InsertScoringEvent(ctx context.Context, p store.InsertScoringEventParams) error
	InsertActivity(ctx context.Context, leadID uuid.UUID, activityType, note string) error
	ListLeadIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Stage thresholds, applied in priority order after the booking override.
const (
	thresholdBookingMade = 86
	thresholdHighIntent  = 61
	thresholdQualified   = 31
)

// recentActivityLimit caps how many activity records feed one pass.
const recentActivityLimit = 10

// Result is the outcome of one scoring pass.
type Result struct {
	Score int
	Stage store.Stage
}

// Engine drives automatic scoring and manual overrides.
type Engine struct {
	store  Store
	eval   Evaluator
	logger *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// NewEngine creates a scoring Engine.
func NewEngine(st Store, eval Evaluator, logger *slog.Logger) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if eval == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, eval: eval, logger: logger, now: time.Now}, nil
}

// Score recomputes score and stage for a lead.
//
// The manual-override check is the very first step: an overridden lead is
// returned unchanged with no writes and no evaluation. A stage change writes
// the ScoringEvent and the lead update as one logical operation; an unchanged
// outcome writes nothing.
func (e *Engine) Score(ctx context.Context, leadID uuid.UUID) (Result, error) {
	lead, err := e.store.GetLead(ctx, leadID)
	if err != nil {
		return Result{}, fmt.Errorf("reading lead: %w", err)
	}

	if lead.ManualOverride {
		return Result{Score: lead.Score, Stage: lead.Stage}, nil
	}

	messages, err := e.store.ListMessages(ctx, leadID)
	if err != nil {
		return Result{}, fmt.Errorf("reading messages: %w", err)
	}
	activities, err := e.store.ListRecentActivities(ctx, leadID, recentActivityLimit)
	if err != nil {
		return Result{}, fmt.Errorf("reading activities: %w", err)
	}
	hasBooking, err := e.store.LeadHasBooking(ctx, leadID)
	if err != nil {
		return Result{}, fmt.Errorf("checking booking: %w", err)
	}

	metrics := ComputeMetrics(messages, activities, hasBooking, e.now())

	breakdown, err := e.eval.Evaluate(ctx, metrics)
	if err != nil {
		// The fallback evaluator absorbs qualitative failures; an error
		// here means even the deterministic path failed.
		return Result{}, fmt.Errorf("evaluating lead: %w", err)
	}

	score := breakdown.Total(hasBooking)
	stage := assignStage(score, metrics)

	if stage == lead.Stage && score == lead.Score {
		return Result{Score: score, Stage: stage}, nil
	}

	if stage != lead.Stage {
		if err := e.store.InsertScoringEvent(ctx, store.InsertScoringEventParams{
			LeadID:      leadID,
			OldStage:    lead.Stage,
			NewStage:    stage,
			OldScore:    lead.Score,
			NewScore:    score,
			IsAutomatic: true,
			Reason:      breakdown.Reason,
		}); err != nil {
			return Result{}, fmt.Errorf("recording stage transition: %w", err)
		}
	}

	if err := e.store.UpdateLeadScore(ctx, leadID, score, stage); err != nil {
		return Result{}, fmt.Errorf("updating lead score: %w", err)
	}

	e.logger.Info("lead scored",
		"lead_id", leadID, "score", score,
		"old_stage", lead.Stage, "new_stage", stage)

	return Result{Score: score, Stage: stage}, nil
}

// assignStage applies the priority-ordered stage rules; first match wins.
func assignStage(score int, m Metrics) store.Stage {
	switch {
	case m.HasBooking:
		return store.StageBookingMade
	case score >= thresholdBookingMade:
		return store.StageBookingMade
	case score >= thresholdHighIntent:
		return store.StageHighIntent
	case score >= thresholdQualified:
		return store.StageQualified
	case m.FirstMessage && m.HasIntentKeyword:
		return store.StageQualified
	default:
		return store.StageNew
	}
}

// SetManualOverride pins a stage chosen by a human. The note is mandatory and
// is recorded both as an activity and on the non-automatic ScoringEvent.
// Automatic passes no-op until the override is cleared.
func (e *Engine) SetManualOverride(ctx context.Context, leadID uuid.UUID, stage store.Stage, note string) error {
	if !stage.Valid() {
		return fmt.Errorf("invalid stage: %q", stage)
	}
	if note == "" {
		return fmt.Errorf("an activity note is required for a manual override")
	}

	lead, err := e.store.GetLead(ctx, leadID)
	if err != nil {
		return fmt.Errorf("reading lead: %w", err)
	}

	if err := e.store.InsertActivity(ctx, leadID, "manual_override", note); err != nil {
		return fmt.Errorf("recording override activity: %w", err)
	}
	if err := e.store.InsertScoringEvent(ctx, store.InsertScoringEventParams{
		LeadID:      leadID,
		OldStage:    lead.Stage,
		NewStage:    stage,
		OldScore:    lead.Score,
		NewScore:    lead.Score,
		IsAutomatic: false,
		Reason:      note,
	}); err != nil {
		return fmt.Errorf("recording override event: %w", err)
	}
	if err := e.store.SetLeadOverride(ctx, leadID, stage, true); err != nil {
		return fmt.Errorf("setting override: %w", err)
	}

	e.logger.Info("manual override set",
		"lead_id", leadID, "stage", stage)
	return nil
}

// ClearManualOverride lifts a manual override so the next automatic pass
// scores the lead again. The stage stays as the human left it until then.
func (e *Engine) ClearManualOverride(ctx context.Context, leadID uuid.UUID, note string) error {
	if note == "" {
		return fmt.Errorf("an activity note is required to clear an override")
	}

	lead, err := e.store.GetLead(ctx, leadID)
	if err != nil {
		return fmt.Errorf("reading lead: %w", err)
	}
	if !lead.ManualOverride {
		return nil
	}

	if err := e.store.InsertActivity(ctx, leadID, "override_cleared", note); err != nil {
		return fmt.Errorf("recording clear activity: %w", err)
	}
	if err := e.store.InsertScoringEvent(ctx, store.InsertScoringEventParams{
		LeadID:      leadID,
		OldStage:    lead.Stage,
		NewStage:    lead.Stage,
		OldScore:    lead.Score,
		NewScore:    lead.Score,
		IsAutomatic: false,
		Reason:      note,
	}); err != nil {
		return fmt.Errorf("recording clear event: %w", err)
	}
	if err := e.store.SetLeadOverride(ctx, leadID, lead.Stage, false); err != nil {
		return fmt.Errorf("clearing override: %w", err)
	}

	e.logger.Info("manual override cleared", "lead_id", leadID)
	return nil
}
