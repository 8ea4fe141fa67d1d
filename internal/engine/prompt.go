package engine

import (
	"fmt"
	"strings"

	"github.com/omnilead/omnilead/internal/identity"
	"github.com/omnilead/omnilead/internal/retrieval"
	"github.com/omnilead/omnilead/internal/scoring"
	"github.com/omnilead/omnilead/internal/store"
)

// Prompt assembly budgets. The retriever already returns a loose list; the
// character budget here is the authoritative truncation.
const (
	knowledgeCharBudget = 4000
	historyTurns        = 6
)

// buildSystemPrompt assembles persona, retrieved knowledge, cross-channel
// summaries and the booking reminder into the system prompt.
func buildSystemPrompt(in AgentInput, customer *identity.CustomerContext, knowledge []retrieval.Result, hasBooking bool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are the sales assistant for %s on the %s channel. ", in.Brand, in.Channel)
	b.WriteString("Be helpful, concise and honest. Never invent facts about the brand.\n")

	if len(knowledge) > 0 {
		b.WriteString("\nBrand knowledge:\n")
		used := 0
		for _, k := range knowledge {
			line := "- " + sanitizePromptText(k.Content) + "\n"
			if used+len(line) > knowledgeCharBudget {
				break
			}
			b.WriteString(line)
			used += len(line)
		}
	}

	if customer != nil {
		if section := customerSection(in.Channel, customer); section != "" {
			b.WriteString(section)
		}
	}

	if hasBooking {
		b.WriteString("\nThis customer already has a booking scheduled. Do not offer to book again; help with their question and remind them of the appointment if relevant.\n")
	}

	return b.String()
}

// customerSection renders what is known about the customer from other
// channels, with extracted topics for flavor.
func customerSection(current store.Channel, customer *identity.CustomerContext) string {
	var b strings.Builder

	if customer.Name != "" {
		fmt.Fprintf(&b, "\nThe customer's name is %s.\n", customer.Name)
	}

	for _, ch := range store.AllChannels() {
		cs, ok := customer.Channels[ch]
		if !ok || cs.Summary == "" || ch == current {
			continue
		}
		fmt.Fprintf(&b, "\nEarlier on %s: %s\n", ch, sanitizePromptText(cs.Summary))
		if topics := identity.ExtractTopics(cs.Summary); len(topics) > 0 {
			fmt.Fprintf(&b, "Topics discussed: %s.\n", strings.Join(topics, ", "))
		}
	}

	return b.String()
}

// buildUserPrompt embeds recent history and the formatting constraints
// around the inbound message.
func buildUserPrompt(in AgentInput) string {
	var b strings.Builder

	if in.PriorSummary != "" {
		fmt.Fprintf(&b, "Conversation so far: %s\n\n", sanitizePromptText(in.PriorSummary))
	}

	history := in.History
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	for _, t := range history {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, sanitizePromptText(t.Content))
	}

	fmt.Fprintf(&b, "customer: %s\n\n", in.Message)
	b.WriteString("Reply in short paragraphs separated by blank lines. Keep the answer under four sentences unless the customer asked for detail.")

	return b.String()
}

// sanitizePromptText keeps retrieved or customer-supplied text from breaking
// out of its prompt section.
func sanitizePromptText(s string) string {
	return strings.NewReplacer(
		"<", "",
		">", "",
		"\n", " ",
		"\r", " ",
	).Replace(s)
}

// classifyIntent maps the inbound message to a coarse label for the
// transport adapter.
func classifyIntent(message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "book") ||
		strings.Contains(lower, "appointment") ||
		strings.Contains(lower, "schedule"):
		return "booking"
	case scoring.HasIntentKeyword(message):
		return "purchase"
	case strings.Contains(lower, "help") ||
		strings.Contains(lower, "problem") ||
		strings.Contains(lower, "issue"):
		return "support"
	default:
		return "general"
	}
}

// followUpsByIntent are the canned suggestion pools, filtered against
// quick replies the channel already showed.
var followUpsByIntent = map[string][]string{
	"booking":  {"See available times", "Talk to a human"},
	"purchase": {"Compare plans", "Book a demo", "Talk to sales"},
	"support":  {"Talk to a human", "See help articles"},
	"general":  {"See pricing", "Book a demo"},
}

const maxFollowUps = 3

// suggestFollowUps proposes next prompts the adapter may render as quick
// replies.
func suggestFollowUps(in AgentInput, knowledge []retrieval.Result) []string {
	shown := make(map[string]struct{}, len(in.ShownQuickReplies))
	for _, q := range in.ShownQuickReplies {
		shown[strings.ToLower(q)] = struct{}{}
	}

	pool := followUpsByIntent[classifyIntent(in.Message)]

	var out []string
	for _, s := range pool {
		if _, seen := shown[strings.ToLower(s)]; seen {
			continue
		}
		out = append(out, s)
		if len(out) == maxFollowUps {
			break
		}
	}

	// A CTA row from retrieval beats a canned suggestion.
	for _, k := range knowledge {
		if k.Source == "cta_entries" && len(out) > 0 {
			out[len(out)-1] = firstSegment(k.Content)
			break
		}
	}

	return out
}

// firstSegment returns the text before the first colon, the CTA label.
func firstSegment(s string) string {
	if i := strings.Index(s, ":"); i > 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
