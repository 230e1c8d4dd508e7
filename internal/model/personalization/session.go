package personalization

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Platform tags the storefront platform hosting the widget.
type Platform string

const (
	PlatformShopify     Platform = "shopify"
	PlatformWooCommerce Platform = "woocommerce"
	PlatformCustom      Platform = "custom"
)

// NormalizePlatform lowercases and trims a platform tag.
func NormalizePlatform(raw string) Platform {
	return Platform(strings.ToLower(strings.TrimSpace(raw)))
}

// Environment selects the remote service and surface endpoints.
type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentSandbox    Environment = "sandbox"
)

// ParseEnvironment returns production for empty input.
func ParseEnvironment(raw string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(EnvironmentProduction):
		return EnvironmentProduction, nil
	case string(EnvironmentSandbox):
		return EnvironmentSandbox, nil
	default:
		return "", fmt.Errorf("unknown environment %q", raw)
	}
}

// Session is the per-product personalization record shared by the host,
// the persisted store and the remote session service.
type Session struct {
	SessionID            string          `json:"sessionId"`
	ProductID            string          `json:"productId"`
	Platform             Platform        `json:"platform"`
	Hostname             string          `json:"hostname"`
	Customized           bool            `json:"customized"`
	CustomizationPayload json.RawMessage `json:"customizationPayload,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// Valid reports whether the record carries the identifiers every reader relies on.
func (s Session) Valid() bool {
	return s.SessionID != "" && s.ProductID != ""
}

// Complete returns a copy marked customized with the supplied payload.
func (s Session) Complete(payload json.RawMessage, now time.Time) Session {
	s.Customized = true
	s.CustomizationPayload = append(json.RawMessage(nil), payload...)
	s.UpdatedAt = now
	return s
}

// SamePayload compares payloads after JSON compaction so whitespace differences
// from the surface do not count as a new customization.
func (s Session) SamePayload(payload json.RawMessage) bool {
	return bytes.Equal(CompactPayload(s.CustomizationPayload), CompactPayload(payload))
}

// Snapshot returns an immutable copy suitable for handing to callbacks.
func (s Session) Snapshot() Snapshot {
	return Snapshot{session: s.clone()}
}

func (s Session) clone() Session {
	if s.CustomizationPayload != nil {
		s.CustomizationPayload = append(json.RawMessage(nil), s.CustomizationPayload...)
	}
	return s
}

// CompactPayload strips insignificant whitespace; invalid JSON is returned as is.
func CompactPayload(payload json.RawMessage) []byte {
	if len(payload) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return payload
	}
	return buf.Bytes()
}

// Snapshot is a read-only view of a Session.
type Snapshot struct {
	session Session
}

func (s Snapshot) SessionID() string { return s.session.SessionID }
func (s Snapshot) ProductID() string { return s.session.ProductID }
func (s Snapshot) Platform() Platform { return s.session.Platform }
func (s Snapshot) Hostname() string { return s.session.Hostname }
func (s Snapshot) Customized() bool { return s.session.Customized }
func (s Snapshot) UpdatedAt() time.Time { return s.session.UpdatedAt }

// Payload returns a copy of the customization payload.
func (s Snapshot) Payload() json.RawMessage {
	return append(json.RawMessage(nil), s.session.CustomizationPayload...)
}

// Session returns a detached copy of the underlying record.
func (s Snapshot) Session() Session {
	return s.session.clone()
}

// MarshalJSON renders the snapshot with the Session wire shape.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.session)
}
