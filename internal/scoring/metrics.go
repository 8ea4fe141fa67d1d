package scoring

import (
	"strings"
	"time"

	"github.com/omnilead/omnilead/internal/store"
)

// intentKeywords signal purchase readiness. Scanned case-insensitively over
// customer messages; also drives the first-message qualification rule.
var intentKeywords = []string{
	"pricing", "price", "cost", "quote", "buy", "purchase",
	"demo", "trial", "book", "appointment", "schedule",
	"interested", "sign up",
}

// HasIntentKeyword reports whether text contains any purchase-intent keyword.
func HasIntentKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range intentKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// reEngagementGapDays is the cold-lead threshold: a customer returning after
// this many days of silence counts as a business event.
const reEngagementGapDays = 14

// Metrics are the raw conversation and activity signals one scoring pass
// consumes. All "days since" arithmetic uses UTC.
type Metrics struct {
	CustomerMessages int
	AgentMessages    int
	TotalMessages    int
	Turns            int

	HasIntentKeyword bool
	FirstMessage     bool

	ResponseRatio float64
	Touchpoints   int

	HoursSinceLastInteraction float64
	ReEngaged                 bool
	HasBooking                bool
}

// ComputeMetrics derives scoring signals from the full message history, the
// recent activity log and booking presence. now is truncated to UTC.
func ComputeMetrics(messages []*store.Message, activities []*store.Activity, hasBooking bool, now time.Time) Metrics {
	now = now.UTC()

	m := Metrics{HasBooking: hasBooking}

	channels := make(map[store.Channel]struct{})
	var lastAt time.Time
	var prevAt time.Time

	for _, msg := range messages {
		m.TotalMessages++
		channels[msg.Channel] = struct{}{}

		at := msg.CreatedAt.UTC()
		if !prevAt.IsZero() && at.Sub(prevAt) >= reEngagementGapDays*24*time.Hour {
			m.ReEngaged = true
		}
		prevAt = at
		if at.After(lastAt) {
			lastAt = at
		}

		switch msg.Role {
		case store.RoleCustomer:
			m.CustomerMessages++
			if !m.HasIntentKeyword && HasIntentKeyword(msg.Content) {
				m.HasIntentKeyword = true
			}
		case store.RoleAgent:
			m.AgentMessages++
		}
	}

	m.FirstMessage = m.CustomerMessages == 1
	m.Turns = min(m.CustomerMessages, m.AgentMessages)

	// Response ratio: how evenly the two sides hold up the conversation.
	if m.CustomerMessages > 0 && m.AgentMessages > 0 {
		lo, hi := m.CustomerMessages, m.AgentMessages
		if lo > hi {
			lo, hi = hi, lo
		}
		m.ResponseRatio = float64(lo) / float64(hi)
	}

	// Touchpoints: distinct channels plus recorded human touches.
	m.Touchpoints = len(channels) + len(activities)

	if !lastAt.IsZero() {
		m.HoursSinceLastInteraction = now.Sub(lastAt).Hours()
	}

	return m
}
