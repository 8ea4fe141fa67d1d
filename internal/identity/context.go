package identity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/omnilead/omnilead/internal/store"
)

// BaseContext holds the cross-channel facts every channel sub-document
// carries inside unified_context.
type BaseContext struct {
	Summary           string     `json:"summary,omitempty"`
	LastIntent        string     `json:"last_intent,omitempty"`
	BookingStatus     string     `json:"booking_status,omitempty"`
	LastInteractionAt *time.Time `json:"last_interaction_at,omitempty"`
}

// Known JSON keys per variant, used to separate Extra from typed fields.
var (
	baseKeys     = []string{"summary", "last_intent", "booking_status", "last_interaction_at"}
	webKeys      = append([]string{"page_url", "referrer"}, baseKeys...)
	whatsappKeys = append([]string{"profile_name", "wa_phone"}, baseKeys...)
	voiceKeys    = append([]string{"call_duration_seconds", "caller_id"}, baseKeys...)
	socialKeys   = append([]string{"platform", "handle"}, baseKeys...)
)

// WebContext is the web-chat sub-document of unified_context.
type WebContext struct {
	BaseContext
	PageURL  string `json:"page_url,omitempty"`
	Referrer string `json:"referrer,omitempty"`

	// Extra preserves unknown fields across read-modify-write cycles.
	Extra map[string]any `json:"-"`
}

// WhatsAppContext is the WhatsApp sub-document of unified_context.
type WhatsAppContext struct {
	BaseContext
	ProfileName string `json:"profile_name,omitempty"`
	WAPhone     string `json:"wa_phone,omitempty"`

	Extra map[string]any `json:"-"`
}

// VoiceContext is the voice-call sub-document of unified_context.
type VoiceContext struct {
	BaseContext
	CallDurationSeconds int    `json:"call_duration_seconds,omitempty"`
	CallerID            string `json:"caller_id,omitempty"`

	Extra map[string]any `json:"-"`
}

// SocialContext is the social-messaging sub-document of unified_context.
type SocialContext struct {
	BaseContext
	Platform string `json:"platform,omitempty"`
	Handle   string `json:"handle,omitempty"`

	Extra map[string]any `json:"-"`
}

// UnifiedContext is the typed view of a lead's unified_context document,
// one optional sub-document per channel.
type UnifiedContext struct {
	Web      *WebContext      `json:"web,omitempty"`
	WhatsApp *WhatsAppContext `json:"whatsapp,omitempty"`
	Voice    *VoiceContext    `json:"voice,omitempty"`
	Social   *SocialContext   `json:"social,omitempty"`
}

// ParseUnifiedContext decodes the raw JSONB document. An empty document
// yields an empty context, not an error.
func ParseUnifiedContext(raw json.RawMessage) (*UnifiedContext, error) {
	uc := &UnifiedContext{}
	if len(raw) == 0 {
		return uc, nil
	}
	if err := json.Unmarshal(raw, uc); err != nil {
		return nil, fmt.Errorf("parsing unified context: %w", err)
	}
	return uc, nil
}

// Base returns the cross-channel facts for one channel, or nil when the
// channel has no sub-document.
func (u *UnifiedContext) Base(c store.Channel) *BaseContext {
	switch c {
	case store.ChannelWeb:
		if u.Web != nil {
			return &u.Web.BaseContext
		}
	case store.ChannelWhatsApp:
		if u.WhatsApp != nil {
			return &u.WhatsApp.BaseContext
		}
	case store.ChannelVoice:
		if u.Voice != nil {
			return &u.Voice.BaseContext
		}
	case store.ChannelSocial:
		if u.Social != nil {
			return &u.Social.BaseContext
		}
	}
	return nil
}

// marshalWithExtra serializes typed fields, then folds unknown extra fields
// back in. Typed fields always win over a colliding extra key.
func marshalWithExtra(typed any, extra map[string]any) ([]byte, error) {
	data, err := json.Marshal(typed)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return data, nil
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// unmarshalExtra returns all fields of data not covered by known keys.
func unmarshalExtra(data []byte, known []string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(m, k)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

// MarshalJSON implements json.Marshaler, preserving Extra fields.
func (c WebContext) MarshalJSON() ([]byte, error) {
	type alias WebContext
	return marshalWithExtra(alias(c), c.Extra)
}

// UnmarshalJSON implements json.Unmarshaler, collecting unknown fields
// into Extra.
func (c *WebContext) UnmarshalJSON(data []byte) error {
	type alias WebContext
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = WebContext(a)
	extra, err := unmarshalExtra(data, webKeys)
	if err != nil {
		return err
	}
	c.Extra = extra
	return nil
}

func (c WhatsAppContext) MarshalJSON() ([]byte, error) {
	type alias WhatsAppContext
	return marshalWithExtra(alias(c), c.Extra)
}

func (c *WhatsAppContext) UnmarshalJSON(data []byte) error {
	type alias WhatsAppContext
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = WhatsAppContext(a)
	extra, err := unmarshalExtra(data, whatsappKeys)
	if err != nil {
		return err
	}
	c.Extra = extra
	return nil
}

func (c VoiceContext) MarshalJSON() ([]byte, error) {
	type alias VoiceContext
	return marshalWithExtra(alias(c), c.Extra)
}

func (c *VoiceContext) UnmarshalJSON(data []byte) error {
	type alias VoiceContext
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = VoiceContext(a)
	extra, err := unmarshalExtra(data, voiceKeys)
	if err != nil {
		return err
	}
	c.Extra = extra
	return nil
}

func (c SocialContext) MarshalJSON() ([]byte, error) {
	type alias SocialContext
	return marshalWithExtra(alias(c), c.Extra)
}

func (c *SocialContext) UnmarshalJSON(data []byte) error {
	type alias SocialContext
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = SocialContext(a)
	extra, err := unmarshalExtra(data, socialKeys)
	if err != nil {
		return err
	}
	c.Extra = extra
	return nil
}

// ContextPatch carries one channel's updates for MergeChannelContext.
// Nil fields leave the stored value untouched; set fields overwrite it.
// Extra entries are merged key by key.
type ContextPatch struct {
	Summary           *string
	LastIntent        *string
	BookingStatus     *string
	LastInteractionAt *time.Time
	Extra             map[string]any
}

// apply folds the patch into the channel's JSON sub-document in place.
func (p ContextPatch) apply(sub map[string]any) {
	if p.Summary != nil {
		sub["summary"] = *p.Summary
	}
	if p.LastIntent != nil {
		sub["last_intent"] = *p.LastIntent
	}
	if p.BookingStatus != nil {
		sub["booking_status"] = *p.BookingStatus
	}
	if p.LastInteractionAt != nil {
		sub["last_interaction_at"] = p.LastInteractionAt.UTC().Format(time.RFC3339)
	}
	for k, v := range p.Extra {
		sub[k] = v
	}
}
