package identity

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnilead/omnilead/internal/store"
)

// fakeStore is an in-memory Store for resolver tests.
type fakeStore struct {
	leads    map[uuid.UUID]*store.Lead
	sessions map[uuid.UUID]map[store.Channel]*store.ChannelSession
	touches  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		leads:    make(map[uuid.UUID]*store.Lead),
		sessions: make(map[uuid.UUID]map[store.Channel]*store.ChannelSession),
	}
}

func (f *fakeStore) FindLeadByPhone(_ context.Context, brand, phone string) (*store.Lead, error) {
	for _, l := range f.leads {
		if l.Brand == brand && l.Phone == phone {
			return l, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) FindLeadByEmail(_ context.Context, brand, email string) (*store.Lead, error) {
	if email == "" {
		return nil, store.ErrNotFound
	}
	for _, l := range f.leads {
		if l.Brand == brand && l.Email == email {
			return l, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) CreateLead(_ context.Context, p store.CreateLeadParams) (*store.Lead, error) {
	l := &store.Lead{
		ID:                uuid.New(),
		Brand:             p.Brand,
		Name:              p.Name,
		Phone:             p.Phone,
		Email:             p.Email,
		UnifiedContext:    json.RawMessage(`{}`),
		FirstTouchpoint:   p.Channel,
		LastTouchpoint:    p.Channel,
		LastInteractionAt: time.Now(),
		Stage:             store.StageNew,
	}
	f.leads[l.ID] = l
	return l, nil
}

func (f *fakeStore) TouchLead(_ context.Context, id uuid.UUID, channel store.Channel, name, email string) error {
	l, ok := f.leads[id]
	if !ok {
		return store.ErrNotFound
	}
	l.LastTouchpoint = channel
	l.LastInteractionAt = time.Now()
	if l.Name == "" {
		l.Name = name
	}
	if l.Email == "" {
		l.Email = email
	}
	f.touches++
	return nil
}

func (f *fakeStore) GetLead(_ context.Context, id uuid.UUID) (*store.Lead, error) {
	l, ok := f.leads[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return l, nil
}

func (f *fakeStore) UpsertSession(_ context.Context, leadID uuid.UUID, channel store.Channel, externalSessionID string) (*store.ChannelSession, error) {
	byCh := f.sessions[leadID]
	if byCh == nil {
		byCh = make(map[store.Channel]*store.ChannelSession)
		f.sessions[leadID] = byCh
	}
	sess, ok := byCh[channel]
	if !ok {
		sess = &store.ChannelSession{ID: uuid.New(), LeadID: leadID, Channel: channel}
		byCh[channel] = sess
	}
	sess.ExternalSessionID = externalSessionID
	return sess, nil
}

func (f *fakeStore) ListSessions(_ context.Context, leadID uuid.UUID) ([]*store.ChannelSession, error) {
	var out []*store.ChannelSession
	for _, sess := range f.sessions[leadID] {
		out = append(out, sess)
	}
	return out, nil
}

func (f *fakeStore) UpdateUnifiedContext(_ context.Context, id uuid.UUID, doc json.RawMessage) error {
	l, ok := f.leads[id]
	if !ok {
		return store.ErrNotFound
	}
	l.UnifiedContext = doc
	return nil
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plus and separators", "+91 98765-43210", "919876543210"},
		{"spaces only", "9198765 43210", "919876543210"},
		{"double zero prefix", "0091 98765 43210", "919876543210"},
		{"plain digits", "919876543210", "919876543210"},
		{"parentheses", "(91) 98765 43210", "919876543210"},
		{"empty", "", ""},
		{"just noise", "+- ()", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePhone(tt.in))
		})
	}
}

func TestResolveLeadCreatesOnce(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	r, err := NewResolver(fs, nil)
	require.NoError(t, err)

	id1, err := r.ResolveLead(ctx, ResolveInput{
		Brand: "acme", Phone: "+91 98765-43210", Channel: store.ChannelWeb,
	})
	require.NoError(t, err)

	// Same phone, different formatting and channel.
	id2, err := r.ResolveLead(ctx, ResolveInput{
		Brand: "acme", Phone: "9198765 43210", Channel: store.ChannelWhatsApp,
	})
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Len(t, fs.leads, 1)

	lead := fs.leads[id1]
	assert.Equal(t, store.ChannelWeb, lead.FirstTouchpoint)
	assert.Equal(t, store.ChannelWhatsApp, lead.LastTouchpoint)
	assert.Equal(t, 1, fs.touches)
}

func TestResolveLeadEmailFallback(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	r, err := NewResolver(fs, nil)
	require.NoError(t, err)

	id1, err := r.ResolveLead(ctx, ResolveInput{
		Brand: "acme", Phone: "111222333", Email: "jo@example.com", Channel: store.ChannelWeb,
	})
	require.NoError(t, err)

	// New phone, same email: resolves to the existing lead.
	id2, err := r.ResolveLead(ctx, ResolveInput{
		Brand: "acme", Phone: "999888777", Email: "jo@example.com", Channel: store.ChannelVoice,
	})
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Len(t, fs.leads, 1)
}

func TestResolveLeadDistinctBrands(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	r, err := NewResolver(fs, nil)
	require.NoError(t, err)

	id1, err := r.ResolveLead(ctx, ResolveInput{
		Brand: "acme", Phone: "111222333", Channel: store.ChannelWeb,
	})
	require.NoError(t, err)

	id2, err := r.ResolveLead(ctx, ResolveInput{
		Brand: "globex", Phone: "111222333", Channel: store.ChannelWeb,
	})
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
	assert.Len(t, fs.leads, 2)
}

func TestResolveLeadEnsuresSession(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	r, err := NewResolver(fs, nil)
	require.NoError(t, err)

	id, err := r.ResolveLead(ctx, ResolveInput{
		Brand: "acme", Phone: "111222333", Channel: store.ChannelWeb,
		ExternalSessionID: "sess-1",
	})
	require.NoError(t, err)

	sess := fs.sessions[id][store.ChannelWeb]
	require.NotNil(t, sess)
	assert.Equal(t, "sess-1", sess.ExternalSessionID)
}

func TestFetchCustomerContextNewCustomer(t *testing.T) {
	fs := newFakeStore()
	r, err := NewResolver(fs, nil)
	require.NoError(t, err)

	cc, err := r.FetchCustomerContext(context.Background(), "acme", "555000111")
	require.NoError(t, err)
	assert.Nil(t, cc)
}

func TestFetchCustomerContextPrefersUnifiedCopy(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	r, err := NewResolver(fs, nil)
	require.NoError(t, err)

	id, err := r.ResolveLead(ctx, ResolveInput{
		Brand: "acme", Phone: "111222333", Channel: store.ChannelWeb,
	})
	require.NoError(t, err)

	// Session carries a stale summary; unified context carries the fresh one.
	fs.sessions[id][store.ChannelWeb].Summary = "stale session summary"
	fs.leads[id].UnifiedContext = json.RawMessage(
		`{"web": {"summary": "fresh unified summary"}}`)

	cc, err := r.FetchCustomerContext(ctx, "acme", "111222333")
	require.NoError(t, err)
	require.NotNil(t, cc)
	assert.Equal(t, "fresh unified summary", cc.Channels[store.ChannelWeb].Summary)
}

func TestFetchCustomerContextFallsBackToSession(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	r, err := NewResolver(fs, nil)
	require.NoError(t, err)

	id, err := r.ResolveLead(ctx, ResolveInput{
		Brand: "acme", Phone: "111222333", Channel: store.ChannelWhatsApp,
	})
	require.NoError(t, err)

	fs.sessions[id][store.ChannelWhatsApp].Summary = "asked about delivery times"

	cc, err := r.FetchCustomerContext(ctx, "acme", "111222333")
	require.NoError(t, err)
	require.NotNil(t, cc)
	assert.Equal(t, "asked about delivery times", cc.Channels[store.ChannelWhatsApp].Summary)
}

func TestMergeChannelContextPartialUpdate(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	r, err := NewResolver(fs, nil)
	require.NoError(t, err)

	id, err := r.ResolveLead(ctx, ResolveInput{
		Brand: "acme", Phone: "111222333", Channel: store.ChannelWeb,
	})
	require.NoError(t, err)

	fs.leads[id].UnifiedContext = json.RawMessage(
		`{"web": {"summary": "old summary", "booking_status": "confirmed", "custom_tag": "vip"}}`)

	summary := "new summary"
	err = r.MergeChannelContext(ctx, id, store.ChannelWeb, ContextPatch{Summary: &summary})
	require.NoError(t, err)

	var doc map[string]map[string]any
	require.NoError(t, json.Unmarshal(fs.leads[id].UnifiedContext, &doc))

	web := doc["web"]
	assert.Equal(t, "new summary", web["summary"])
	// Fields absent from the patch survive, including unknown ones.
	assert.Equal(t, "confirmed", web["booking_status"])
	assert.Equal(t, "vip", web["custom_tag"])
}

func TestMergeChannelContextCreatesSubDocument(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	r, err := NewResolver(fs, nil)
	require.NoError(t, err)

	id, err := r.ResolveLead(ctx, ResolveInput{
		Brand: "acme", Phone: "111222333", Channel: store.ChannelWeb,
	})
	require.NoError(t, err)

	intent := "pricing"
	err = r.MergeChannelContext(ctx, id, store.ChannelVoice, ContextPatch{LastIntent: &intent})
	require.NoError(t, err)

	var doc map[string]map[string]any
	require.NoError(t, json.Unmarshal(fs.leads[id].UnifiedContext, &doc))
	assert.Equal(t, "pricing", doc["voice"]["last_intent"])
	// The web sub-document from before is untouched.
	_, hasWeb := doc["web"]
	assert.False(t, hasWeb)
}
