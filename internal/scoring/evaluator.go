package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
)

// Bucket weights. Both evaluators score on the same 0-100 scale so stage
// thresholds apply uniformly.
const (
	weightEngagement = 20
	weightIntent     = 20
	weightDepth      = 20
	weightActivity   = 30
	weightBusiness   = 10

	// bookingBonus is the hard override signal: a recorded booking alone
	// can carry a lead across every threshold.
	bookingBonus = 50

	maxScore = 100
)

// Breakdown is the five weighted sub-scores of one evaluation.
type Breakdown struct {
	Engagement int    `json:"engagement"`
	Intent     int    `json:"intent"`
	Depth      int    `json:"depth"`
	Activity   int    `json:"activity"`
	Business   int    `json:"business"`
	Reason     string `json:"reason"`
}

// Total sums the buckets and applies the booking bonus, clamped to 0-100.
func (b Breakdown) Total(hasBooking bool) int {
	total := b.Engagement + b.Intent + b.Depth + b.Activity + b.Business
	if hasBooking {
		total += bookingBonus
	}
	if total > maxScore {
		return maxScore
	}
	if total < 0 {
		return 0
	}
	return total
}

// Evaluator turns metrics into a weighted breakdown.
type Evaluator interface {
	Evaluate(ctx context.Context, m Metrics) (Breakdown, error)
}

// ruleEvaluator is the deterministic formula over the five buckets.
// It never fails and makes no external calls.
type ruleEvaluator struct{}

// NewRuleEvaluator returns the deterministic evaluator.
func NewRuleEvaluator() Evaluator {
	return ruleEvaluator{}
}

func (ruleEvaluator) Evaluate(_ context.Context, m Metrics) (Breakdown, error) {
	b := Breakdown{Reason: "rule-based evaluation"}

	b.Engagement = min(weightEngagement, m.CustomerMessages*2)

	if m.HasIntentKeyword {
		b.Intent = weightIntent
	}

	b.Depth = min(weightDepth, int(math.Floor(float64(m.Turns)*2.5)))

	activity := m.ResponseRatio * 15
	activity += math.Min(10, float64(m.Touchpoints)*2.5)
	activity += recencyPoints(m.HoursSinceLastInteraction)
	b.Activity = min(weightActivity, int(activity))

	if m.HasBooking || m.ReEngaged {
		b.Business = weightBusiness
	}

	return b, nil
}

// recencyPoints awards 5 points inside 72 hours, decaying linearly to 0 at
// 14 days.
func recencyPoints(hours float64) float64 {
	const (
		freshHours = 72
		coldHours  = 14 * 24
	)
	switch {
	case hours <= freshHours:
		return 5
	case hours >= coldHours:
		return 0
	default:
		return 5 * (coldHours - hours) / (coldHours - freshHours)
	}
}

// Completer is the qualitative-assessment surface of the completion client.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

// llmEvaluator asks the text generator for a qualitative breakdown.
type llmEvaluator struct {
	completer Completer
}

// NewLLMEvaluator returns the qualitative evaluator.
func NewLLMEvaluator(c Completer) Evaluator {
	return &llmEvaluator{completer: c}
}

const evaluatorSystemPrompt = `You assess the sales readiness of a lead from conversation metrics.
Respond with a single JSON object and nothing else:
{"engagement": 0-20, "intent": 0-20, "depth": 0-20, "activity": 0-30, "business": 0-10, "reason": "one sentence"}`

func (e *llmEvaluator) Evaluate(ctx context.Context, m Metrics) (Breakdown, error) {
	user := fmt.Sprintf(
		"customer_messages=%d agent_messages=%d turns=%d intent_keywords=%t response_ratio=%.2f touchpoints=%d hours_since_last=%.0f re_engaged=%t booking=%t",
		m.CustomerMessages, m.AgentMessages, m.Turns, m.HasIntentKeyword,
		m.ResponseRatio, m.Touchpoints, m.HoursSinceLastInteraction, m.ReEngaged, m.HasBooking)

	out, err := e.completer.Complete(ctx, evaluatorSystemPrompt, user, 512)
	if err != nil {
		return Breakdown{}, fmt.Errorf("qualitative evaluation: %w", err)
	}

	b, err := parseBreakdown(out)
	if err != nil {
		return Breakdown{}, err
	}
	return b, nil
}

// parseBreakdown decodes the model output, tolerating a fenced code block.
func parseBreakdown(out string) (Breakdown, error) {
	s := strings.TrimSpace(out)
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}

	var b Breakdown
	if err := json.Unmarshal([]byte(s), &b); err != nil {
		return Breakdown{}, fmt.Errorf("unparseable breakdown %q: %w", truncateForLog(out), err)
	}

	b.Engagement = clampBucket(b.Engagement, weightEngagement)
	b.Intent = clampBucket(b.Intent, weightIntent)
	b.Depth = clampBucket(b.Depth, weightDepth)
	b.Activity = clampBucket(b.Activity, weightActivity)
	b.Business = clampBucket(b.Business, weightBusiness)
	return b, nil
}

func clampBucket(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

func truncateForLog(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}

// fallbackEvaluator tries the qualitative path and drops to the
// deterministic rules when the call fails or its output cannot be parsed.
type fallbackEvaluator struct {
	primary  Evaluator
	fallback Evaluator
	logger   *slog.Logger
}

// NewFallbackEvaluator wraps primary with a deterministic fallback.
func NewFallbackEvaluator(primary, fallback Evaluator, logger *slog.Logger) Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &fallbackEvaluator{primary: primary, fallback: fallback, logger: logger}
}

func (e *fallbackEvaluator) Evaluate(ctx context.Context, m Metrics) (Breakdown, error) {
	b, err := e.primary.Evaluate(ctx, m)
	if err == nil {
		return b, nil
	}
	e.logger.Warn("qualitative evaluation degraded to rules", "error", err)
	return e.fallback.Evaluate(ctx, m)
}
