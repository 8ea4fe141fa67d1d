package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/omnilead/omnilead/internal/retrieval"
	"github.com/omnilead/omnilead/internal/store"
)

func TestClassifyIntent(t *testing.T) {
	tests := []struct {
		message string
		want    string
	}{
		{"can I book an appointment?", "booking"},
		{"what does your schedule look like", "booking"},
		{"how much does it cost?", "purchase"},
		{"I want to buy the pro plan", "purchase"},
		{"I have a problem with my order", "support"},
		{"hello there", "general"},
		{"", "general"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyIntent(tt.message), "message %q", tt.message)
	}
}

func TestSuggestFollowUpsFiltersShownReplies(t *testing.T) {
	in := AgentInput{
		Message:           "how much is it?",
		ShownQuickReplies: []string{"compare plans", "BOOK A DEMO"},
	}

	got := suggestFollowUps(in, nil)
	assert.Equal(t, []string{"Talk to sales"}, got)
}

func TestSuggestFollowUpsCTAReplacesLastSlot(t *testing.T) {
	in := AgentInput{Message: "how much is it?"}
	knowledge := []retrieval.Result{
		{Source: "knowledge", Content: "Pricing: starts at $29"},
		{Source: "cta_entries", Content: "Claim your free trial: https://acme.example/trial"},
	}

	got := suggestFollowUps(in, knowledge)
	assert.Len(t, got, 3)
	assert.Equal(t, "Claim your free trial", got[len(got)-1])
}

func TestSuggestFollowUpsCapped(t *testing.T) {
	got := suggestFollowUps(AgentInput{Message: "how much is it?"}, nil)
	assert.LessOrEqual(t, len(got), maxFollowUps)
}

func TestBuildUserPromptTruncatesHistory(t *testing.T) {
	in := AgentInput{Message: "latest question"}
	for i := 0; i < 10; i++ {
		role := store.RoleCustomer
		if i%2 == 1 {
			role = store.RoleAgent
		}
		in.History = append(in.History, Turn{Role: role, Content: "turn " + string(rune('0'+i))})
	}

	got := buildUserPrompt(in)
	assert.NotContains(t, got, "turn 3")
	assert.Contains(t, got, "turn 4")
	assert.Contains(t, got, "turn 9")
	assert.Contains(t, got, "customer: latest question")
}

func TestBuildUserPromptIncludesPriorSummary(t *testing.T) {
	got := buildUserPrompt(AgentInput{Message: "hi", PriorSummary: "asked about refunds"})
	assert.Contains(t, got, "Conversation so far: asked about refunds")
}

func TestBuildSystemPromptKnowledgeBudget(t *testing.T) {
	long := strings.Repeat("x", knowledgeCharBudget)
	knowledge := []retrieval.Result{
		{Content: "short fact"},
		{Content: long},
	}

	got := buildSystemPrompt(AgentInput{Brand: "acme", Channel: store.ChannelWeb}, nil, knowledge, false)
	assert.Contains(t, got, "short fact")
	assert.NotContains(t, got, long)
}

func TestSanitizePromptText(t *testing.T) {
	got := sanitizePromptText("line one\nline two <ignore previous>")
	assert.Equal(t, "line one line two ignore previous", got)
}
