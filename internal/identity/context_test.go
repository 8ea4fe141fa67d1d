package identity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnilead/omnilead/internal/store"
)

func TestWebContextRoundTripPreservesExtra(t *testing.T) {
	raw := []byte(`{"summary": "s", "page_url": "/pricing", "campaign": "spring", "seen_banner": true}`)

	var c WebContext
	require.NoError(t, json.Unmarshal(raw, &c))
	assert.Equal(t, "s", c.Summary)
	assert.Equal(t, "/pricing", c.PageURL)
	assert.Equal(t, "spring", c.Extra["campaign"])
	assert.Equal(t, true, c.Extra["seen_banner"])

	out, err := json.Marshal(c)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, "spring", m["campaign"])
	assert.Equal(t, "/pricing", m["page_url"])
}

func TestTypedFieldWinsOverExtraCollision(t *testing.T) {
	c := WebContext{
		BaseContext: BaseContext{Summary: "typed"},
		Extra:       map[string]any{"summary": "shadowed"},
	}

	out, err := json.Marshal(c)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, "typed", m["summary"])
}

func TestParseUnifiedContext(t *testing.T) {
	raw := json.RawMessage(`{
		"web": {"summary": "browsed pricing"},
		"whatsapp": {"summary": "asked for demo", "profile_name": "Jo"}
	}`)

	uc, err := ParseUnifiedContext(raw)
	require.NoError(t, err)

	require.NotNil(t, uc.Web)
	assert.Equal(t, "browsed pricing", uc.Web.Summary)
	require.NotNil(t, uc.WhatsApp)
	assert.Equal(t, "Jo", uc.WhatsApp.ProfileName)
	assert.Nil(t, uc.Voice)

	assert.Equal(t, "asked for demo", uc.Base(store.ChannelWhatsApp).Summary)
	assert.Nil(t, uc.Base(store.ChannelVoice))
}

func TestParseUnifiedContextEmpty(t *testing.T) {
	uc, err := ParseUnifiedContext(nil)
	require.NoError(t, err)
	assert.Nil(t, uc.Web)
}

func TestExtractTopics(t *testing.T) {
	tests := []struct {
		name    string
		summary string
		want    []string
	}{
		{
			"vocabulary order regardless of text order",
			"asked about refund after delivery, then pricing",
			[]string{"pricing", "delivery", "refund"},
		},
		{
			"case insensitive",
			"PRICING and Booking questions",
			[]string{"pricing", "booking"},
		},
		{
			"capped at five",
			"pricing booking product support delivery refund availability",
			[]string{"pricing", "booking", "product", "support", "delivery"},
		},
		{"no matches", "hello there", nil},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractTopics(tt.summary))
		})
	}
}
