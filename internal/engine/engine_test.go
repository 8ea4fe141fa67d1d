package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/omnilead/omnilead/internal/completion"
	"github.com/omnilead/omnilead/internal/identity"
	"github.com/omnilead/omnilead/internal/retrieval"
	"github.com/omnilead/omnilead/internal/scoring"
	"github.com/omnilead/omnilead/internal/store"
	"github.com/omnilead/omnilead/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRetriever returns fixed results.
type fakeRetriever struct {
	results []retrieval.Result
}

func (f *fakeRetriever) Search(context.Context, string, string, int) []retrieval.Result {
	return f.results
}

// fakeCompleter records prompts and plays back canned replies. The summary
// call is recognized by its system prompt.
type fakeCompleter struct {
	system, user string
	reply        string
	summary      string
	completeErr  error
	summaryErr   error
	summaryCalls int
}

func (f *fakeCompleter) Complete(_ context.Context, systemPrompt, userPrompt string, _ int) (string, error) {
	if strings.HasPrefix(systemPrompt, "Summarize") {
		f.summaryCalls++
		return f.summary, f.summaryErr
	}
	f.system, f.user = systemPrompt, userPrompt
	return f.reply, f.completeErr
}

func (f *fakeCompleter) Stream(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, fn completion.StreamFunc) (string, error) {
	full, err := f.Complete(ctx, systemPrompt, userPrompt, maxTokens)
	if err != nil {
		return "", err
	}
	mid := len(full) / 2
	for _, delta := range []string{full[:mid], full[mid:]} {
		if delta == "" {
			continue
		}
		if err := fn(ctx, delta); err != nil {
			return "", err
		}
	}
	return full, nil
}

// fakeResolver returns a fixed lead and records merges.
type fakeResolver struct {
	leadID   uuid.UUID
	customer *identity.CustomerContext
	patches  []identity.ContextPatch
}

func (f *fakeResolver) ResolveLead(context.Context, identity.ResolveInput) (uuid.UUID, error) {
	return f.leadID, nil
}

func (f *fakeResolver) FetchCustomerContext(context.Context, string, string) (*identity.CustomerContext, error) {
	return f.customer, nil
}

func (f *fakeResolver) MergeChannelContext(_ context.Context, _ uuid.UUID, _ store.Channel, patch identity.ContextPatch) error {
	f.patches = append(f.patches, patch)
	return nil
}

// fakeScorer counts scoring triggers.
type fakeScorer struct {
	calls int
	err   error
}

func (f *fakeScorer) Score(context.Context, uuid.UUID) (scoring.Result, error) {
	f.calls++
	return scoring.Result{}, f.err
}

// fakeEngineStore records post-processing writes.
type fakeEngineStore struct {
	messages     []store.InsertMessageParams
	sessionTurns int
	summaries    []string
	hasBooking   bool
	insertErr    error
}

func (f *fakeEngineStore) InsertMessage(_ context.Context, p store.InsertMessageParams) (*store.Message, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	f.messages = append(f.messages, p)
	return &store.Message{ID: uuid.New(), LeadID: p.LeadID, Role: p.Role, Content: p.Content}, nil
}

func (f *fakeEngineStore) RecordSessionTurn(_ context.Context, _ uuid.UUID, _ store.Channel, n int) error {
	f.sessionTurns += n
	return nil
}

func (f *fakeEngineStore) UpdateSessionSummary(_ context.Context, _ uuid.UUID, _ store.Channel, summary string) error {
	f.summaries = append(f.summaries, summary)
	return nil
}

func (f *fakeEngineStore) GetSession(context.Context, uuid.UUID, store.Channel) (*store.ChannelSession, error) {
	return &store.ChannelSession{}, nil
}

func (f *fakeEngineStore) LeadHasBooking(context.Context, uuid.UUID) (bool, error) {
	return f.hasBooking, nil
}

func (f *fakeEngineStore) ListRecentMessages(context.Context, uuid.UUID, int) ([]*store.Message, error) {
	var out []*store.Message
	for i := range f.messages {
		m := f.messages[i]
		out = append(out, &store.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

type testEnv struct {
	engine    *Engine
	retriever *fakeRetriever
	completer *fakeCompleter
	resolver  *fakeResolver
	scorer    *fakeScorer
	store     *fakeEngineStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		retriever: &fakeRetriever{},
		completer: &fakeCompleter{reply: "Happy to help!", summary: "customer asked a question"},
		resolver:  &fakeResolver{leadID: uuid.New()},
		scorer:    &fakeScorer{},
		store:     &fakeEngineStore{},
	}

	e, err := New(env.retriever, env.completer, env.resolver, env.scorer, env.store,
		testutil.DiscardLogger(), Config{MaxTokens: 512, SummaryMaxTokens: 100})
	require.NoError(t, err)
	env.engine = e
	return env
}

func webInput(message string) AgentInput {
	return AgentInput{
		Brand:   "acme",
		Channel: store.ChannelWeb,
		Message: message,
		Phone:   "919876543210",
	}
}

func TestProcessReturnsReply(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.engine.Process(context.Background(), webInput("what's the pricing?"))
	require.NoError(t, err)
	env.engine.Close()

	assert.Equal(t, env.resolver.leadID, out.LeadID)
	assert.Equal(t, "Happy to help!", out.Reply)
	assert.Equal(t, "purchase", out.Intent)
	assert.NotEmpty(t, out.FollowUps)
}

func TestProcessPostProcessingPersistsTurn(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Process(context.Background(), webInput("hello"))
	require.NoError(t, err)
	env.engine.Close()

	require.Len(t, env.store.messages, 2)
	assert.Equal(t, store.RoleCustomer, env.store.messages[0].Role)
	assert.Equal(t, "hello", env.store.messages[0].Content)
	assert.Equal(t, store.RoleAgent, env.store.messages[1].Role)

	assert.Equal(t, 2, env.store.sessionTurns)
	assert.Equal(t, 1, env.scorer.calls)
	require.Len(t, env.store.summaries, 1)
	assert.Equal(t, "customer asked a question", env.store.summaries[0])

	require.Len(t, env.resolver.patches, 1)
	patch := env.resolver.patches[0]
	require.NotNil(t, patch.Summary)
	require.NotNil(t, patch.LastIntent)
	assert.Equal(t, "general", *patch.LastIntent)
	assert.NotNil(t, patch.LastInteractionAt)
}

func TestProcessStreamForwardsDeltas(t *testing.T) {
	env := newTestEnv(t)

	var deltas []string
	out, err := env.engine.ProcessStream(context.Background(), webInput("hi"),
		func(_ context.Context, delta string) error {
			deltas = append(deltas, delta)
			return nil
		})
	require.NoError(t, err)
	env.engine.Close()

	assert.Equal(t, "Happy to help!", out.Reply)
	assert.Equal(t, out.Reply, strings.Join(deltas, ""))
	assert.GreaterOrEqual(t, len(deltas), 2)
}

func TestProcessCompletionErrorSurfaces(t *testing.T) {
	env := newTestEnv(t)
	env.completer.completeErr = errors.New("503 overloaded")

	_, err := env.engine.Process(context.Background(), webInput("hi"))
	require.Error(t, err)
	env.engine.Close()

	// Nothing is persisted for a turn that never produced a response.
	assert.Empty(t, env.store.messages)
	assert.Zero(t, env.scorer.calls)
}

func TestProcessPostProcessingFailuresNeverSurface(t *testing.T) {
	env := newTestEnv(t)
	env.store.insertErr = errors.New("disk full")
	env.scorer.err = errors.New("scoring down")
	env.completer.summaryErr = errors.New("summarizer down")

	out, err := env.engine.Process(context.Background(), webInput("hello"))
	require.NoError(t, err)
	env.engine.Close()

	assert.Equal(t, "Happy to help!", out.Reply)
	// The summary degraded, so no session summary write happened.
	assert.Empty(t, env.store.summaries)
	// Context merge still ran despite earlier failures.
	assert.Len(t, env.resolver.patches, 1)
	assert.Nil(t, env.resolver.patches[0].Summary)
}

func TestProcessIncludesKnowledgeInSystemPrompt(t *testing.T) {
	env := newTestEnv(t)
	env.retriever.results = []retrieval.Result{
		{Content: "Pricing Guide: plans start at $29", Source: "knowledge"},
	}

	_, err := env.engine.Process(context.Background(), webInput("pricing?"))
	require.NoError(t, err)
	env.engine.Close()

	assert.Contains(t, env.completer.system, "plans start at $29")
}

func TestProcessBookingReminderInPrompt(t *testing.T) {
	env := newTestEnv(t)
	env.store.hasBooking = true

	_, err := env.engine.Process(context.Background(), webInput("can I book a slot?"))
	require.NoError(t, err)
	env.engine.Close()

	assert.Contains(t, env.completer.system, "already has a booking")
}

func TestProcessCrossChannelSummaryInPrompt(t *testing.T) {
	env := newTestEnv(t)
	env.resolver.customer = &identity.CustomerContext{
		LeadID: env.resolver.leadID,
		Name:   "Jo",
		Channels: map[store.Channel]identity.ChannelSummary{
			store.ChannelWhatsApp: {Summary: "asked about delivery and pricing"},
		},
	}

	_, err := env.engine.Process(context.Background(), webInput("hi again"))
	require.NoError(t, err)
	env.engine.Close()

	assert.Contains(t, env.completer.system, "asked about delivery and pricing")
	assert.Contains(t, env.completer.system, "Jo")
	assert.Contains(t, env.completer.system, "pricing, delivery")
}

func TestProcessEmptyMessageRejected(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Process(context.Background(), webInput(""))
	require.Error(t, err)
	env.engine.Close()
}
