// Package engine composes prompts from identity, knowledge and history,
// drives the completion client, and owns the deferred persistence of each
// conversational turn.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omnilead/omnilead/internal/completion"
	"github.com/omnilead/omnilead/internal/identity"
	"github.com/omnilead/omnilead/internal/retrieval"
	"github.com/omnilead/omnilead/internal/scoring"
	"github.com/omnilead/omnilead/internal/store"
)

// Retriever is the knowledge-search surface.
type Retriever interface {
	Search(ctx context.Context, brand, query string, limit int) []retrieval.Result
}

// Completer is the text-generation surface.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
	Stream(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, fn completion.StreamFunc) (string, error)
}

// Resolver is the identity and context surface.
type Resolver interface {
	ResolveLead(ctx context.Context, in identity.ResolveInput) (uuid.UUID, error)
	FetchCustomerContext(ctx context.Context, brand, phone string) (*identity.CustomerContext, error)
	MergeChannelContext(ctx context.Context, leadID uuid.UUID, channel store.Channel, patch identity.ContextPatch) error
}

// Scorer triggers an asynchronous scoring pass.
type Scorer interface {
	Score(ctx context.Context, leadID uuid.UUID) (scoring.Result, error)
}

// Store is the persistence surface the engine needs for post-processing.
type Store interface {
	InsertMessage(ctx context.Context, p store.InsertMessageParams) (*store.Message, error)
	RecordSessionTurn(ctx context.Context, leadID uuid.UUID, channel store.Channel, n int) error
	UpdateSessionSummary(ctx context.Context, leadID uuid.UUID, channel store.Channel, summary string) error
	GetSession(ctx context.Context, leadID uuid.UUID, channel store.Channel) (*store.ChannelSession, error)
	LeadHasBooking(ctx context.Context, leadID uuid.UUID) (bool, error)
	ListRecentMessages(ctx context.Context, leadID uuid.UUID, n int) ([]*store.Message, error)
}

// Turn is one prior exchange element supplied by the transport adapter.
type Turn struct {
	Role    store.Role
	Content string
}

// AgentInput is one inbound customer message with its conversation state.
type AgentInput struct {
	Brand             string
	Channel           store.Channel
	Message           string
	MessageCount      int
	ExternalSessionID string

	Name  string
	Email string
	Phone string

	History           []Turn
	PriorSummary      string
	ShownQuickReplies []string
}

// AgentOutput is the engine's response to one turn.
type AgentOutput struct {
	LeadID    uuid.UUID
	Reply     string
	FollowUps []string
	Intent    string
}

// turnState tracks the synchronous response path of one turn.
type turnState string

const (
	stateReceived           turnState = "received"
	stateContextResolved    turnState = "context-resolved"
	stateKnowledgeRetrieved turnState = "knowledge-retrieved"
	statePromptBuilt        turnState = "prompt-built"
	stateResponding         turnState = "responding"
	stateResponded          turnState = "responded"
)

// knowledgeLimit is the nominal retrieval fan-in per turn.
const knowledgeLimit = 5

// postProcessTimeout bounds the detached post-turn work.
const postProcessTimeout = 60 * time.Second

// Config holds the engine's tunables.
type Config struct {
	MaxTokens        int
	SummaryMaxTokens int
}

// Engine is the conversation engine. Stateless per invocation: all
// cross-call state lives in the store.
type Engine struct {
	retriever Retriever
	completer Completer
	resolver  Resolver
	scorer    Scorer
	store     Store
	logger    *slog.Logger
	cfg       Config

	// wg tracks detached post-processing so Close can drain it.
	wg sync.WaitGroup
}

// New creates an Engine.
func New(r Retriever, c Completer, res Resolver, sc Scorer, st Store, logger *slog.Logger, cfg Config) (*Engine, error) {
	if r == nil || c == nil || res == nil || sc == nil || st == nil {
		return nil, fmt.Errorf("all engine dependencies are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.SummaryMaxTokens <= 0 {
		cfg.SummaryMaxTokens = 200
	}
	return &Engine{
		retriever: r,
		completer: c,
		resolver:  res,
		scorer:    sc,
		store:     st,
		logger:    logger,
		cfg:       cfg,
	}, nil
}

// Close waits for in-flight post-processing to finish. Call on shutdown.
func (e *Engine) Close() {
	e.wg.Wait()
}

// Process answers one turn non-streaming.
func (e *Engine) Process(ctx context.Context, in AgentInput) (AgentOutput, error) {
	return e.process(ctx, in, nil)
}

// ProcessStream answers one turn streaming, forwarding text deltas to fn as
// they arrive. Caller disconnect (context cancellation) abandons the
// provider stream.
func (e *Engine) ProcessStream(ctx context.Context, in AgentInput, fn completion.StreamFunc) (AgentOutput, error) {
	if fn == nil {
		return AgentOutput{}, fmt.Errorf("stream callback is required")
	}
	return e.process(ctx, in, fn)
}

func (e *Engine) process(ctx context.Context, in AgentInput, fn completion.StreamFunc) (AgentOutput, error) {
	if in.Message == "" {
		return AgentOutput{}, fmt.Errorf("message is required")
	}

	st := stateReceived
	e.logTurn(in, st)

	leadID, err := e.resolver.ResolveLead(ctx, identity.ResolveInput{
		Brand:             in.Brand,
		Name:              in.Name,
		Email:             in.Email,
		Phone:             in.Phone,
		Channel:           in.Channel,
		ExternalSessionID: in.ExternalSessionID,
	})
	if err != nil {
		return AgentOutput{}, fmt.Errorf("resolving lead: %w", err)
	}

	// A nil customer context means a brand-new customer; processing
	// continues without cross-channel history.
	customer, err := e.resolver.FetchCustomerContext(ctx, in.Brand, in.Phone)
	if err != nil {
		return AgentOutput{}, fmt.Errorf("fetching customer context: %w", err)
	}

	hasBooking, err := e.store.LeadHasBooking(ctx, leadID)
	if err != nil {
		// Booking presence only flavors the prompt; degrade silently.
		e.logger.Warn("booking lookup degraded", "lead_id", leadID, "error", err)
		hasBooking = false
	}

	st = stateContextResolved
	e.logTurn(in, st)

	knowledge := e.retriever.Search(ctx, in.Brand, in.Message, knowledgeLimit)
	st = stateKnowledgeRetrieved
	e.logTurn(in, st)

	systemPrompt := buildSystemPrompt(in, customer, knowledge, hasBooking)
	userPrompt := buildUserPrompt(in)
	st = statePromptBuilt
	e.logTurn(in, st)

	st = stateResponding
	e.logTurn(in, st)

	var reply string
	if fn != nil {
		reply, err = e.completer.Stream(ctx, systemPrompt, userPrompt, e.cfg.MaxTokens, fn)
	} else {
		reply, err = e.completer.Complete(ctx, systemPrompt, userPrompt, e.cfg.MaxTokens)
	}
	if err != nil {
		return AgentOutput{}, fmt.Errorf("generating reply: %w", err)
	}

	st = stateResponded
	e.logTurn(in, st)

	out := AgentOutput{
		LeadID:    leadID,
		Reply:     reply,
		Intent:    classifyIntent(in.Message),
		FollowUps: suggestFollowUps(in, knowledge),
	}

	// Everything after "responded" is detached: it must never block or
	// fail the response path.
	e.spawnPostProcess(leadID, in, reply, out.Intent)

	return out, nil
}

func (e *Engine) logTurn(in AgentInput, st turnState) {
	e.logger.Debug("turn state",
		"state", string(st), "brand", in.Brand, "channel", in.Channel)
}
