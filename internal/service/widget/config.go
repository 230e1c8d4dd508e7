package widget

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/zhouzirui/z-personalize/backend/internal/model/personalization"
	"github.com/zhouzirui/z-personalize/backend/internal/service/sessionapi"
	"github.com/zhouzirui/z-personalize/backend/internal/service/surface"
)

const DefaultButtonText = "Personalize"

// ProductID is a product identifier that tolerates numeric JSON values.
type ProductID string

func (p *ProductID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = ProductID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("productId must be a string or number: %w", err)
	}
	*p = ProductID(n.String())
	return nil
}

// CloseReason says why a surface went away.
type CloseReason string

const (
	CloseUser      CloseReason = "user"
	CloseCompleted CloseReason = "completed"
	CloseCancelled CloseReason = "cancelled"
	CloseRequested CloseReason = "closeRequested"
	CloseError     CloseReason = "error"
)

// CloseEvent is handed to OnPersonalizationClose.
type CloseEvent struct {
	Reason  CloseReason
	Session personalization.Snapshot
}

// Config is the integrator-supplied widget configuration.
type Config struct {
	Platform             personalization.Platform    `json:"platform"`
	ProductID            ProductID                   `json:"productId"`
	APIKey               string                      `json:"apiKey,omitempty"`
	Environment          personalization.Environment `json:"environment,omitempty"`
	Hostname             string                      `json:"hostname,omitempty"`
	Origin               string                      `json:"origin,omitempty"`
	CustomizeButtonText  string                      `json:"customizeButtonText,omitempty"`
	CustomizeButtonClass string                      `json:"customizeButtonClass,omitempty"`
	AddToCartSelector    string                      `json:"addToCartSelector,omitempty"`
	Debug                bool                        `json:"debug,omitempty"`
	APIBaseURL           string                      `json:"apiBaseUrl,omitempty"`
	SurfaceBaseURL       string                      `json:"surfaceBaseUrl,omitempty"`
	LoadTimeoutSeconds   int                         `json:"loadTimeoutSeconds,omitempty"`

	OnPersonalizationComplete func(personalization.Snapshot) `json:"-"`
	OnPersonalizationClose    func(CloseEvent)               `json:"-"`
}

// DefaultAddToCartSelector returns the purchase form selector for a platform.
func DefaultAddToCartSelector(platform personalization.Platform) string {
	switch platform {
	case personalization.PlatformShopify:
		return `form[action*="/cart/add"]`
	case personalization.PlatformWooCommerce:
		return "form.cart"
	default:
		return "form[data-personalize-cart]"
	}
}

// LoadTimeout converts LoadTimeoutSeconds, falling back to the surface default.
func (c Config) LoadTimeout() time.Duration {
	if c.LoadTimeoutSeconds <= 0 {
		return surface.DefaultLoadTimeout
	}
	return time.Duration(c.LoadTimeoutSeconds) * time.Second
}

// normalize validates required fields and fills defaults. It never mutates
// the caller's value.
func (c Config) normalize() (Config, error) {
	c.Platform = personalization.NormalizePlatform(string(c.Platform))
	c.ProductID = ProductID(strings.TrimSpace(string(c.ProductID)))
	c.APIKey = strings.TrimSpace(c.APIKey)

	if c.Platform == "" {
		return Config{}, &personalization.ConfigError{Field: "platform"}
	}
	if c.ProductID == "" {
		return Config{}, &personalization.ConfigError{Field: "productId"}
	}

	env, err := personalization.ParseEnvironment(string(c.Environment))
	if err != nil {
		return Config{}, &personalization.ConfigError{Field: "environment", Reason: err.Error()}
	}
	c.Environment = env

	c.Origin = strings.TrimRight(strings.TrimSpace(c.Origin), "/")
	c.Hostname = strings.TrimSpace(c.Hostname)
	if c.Origin != "" {
		u, err := url.Parse(c.Origin)
		if err != nil || u.Host == "" {
			return Config{}, &personalization.ConfigError{Field: "origin", Reason: "must be an absolute URL"}
		}
		if c.Hostname == "" {
			c.Hostname = u.Hostname()
		}
	}
	if c.Hostname == "" {
		c.Hostname = "localhost"
	}
	if c.Origin == "" {
		c.Origin = "https://" + c.Hostname
	}

	if strings.TrimSpace(c.CustomizeButtonText) == "" {
		c.CustomizeButtonText = DefaultButtonText
	}
	if strings.TrimSpace(c.AddToCartSelector) == "" {
		c.AddToCartSelector = DefaultAddToCartSelector(c.Platform)
	}
	if strings.TrimSpace(c.APIBaseURL) == "" {
		c.APIBaseURL = sessionapi.BaseURLFor(c.Environment)
	}
	if strings.TrimSpace(c.SurfaceBaseURL) == "" {
		c.SurfaceBaseURL = surface.BaseURLFor(c.Environment)
	}
	return c, nil
}

// Public is the configuration view safe to hand back to callers.
type Public struct {
	Platform             personalization.Platform    `json:"platform"`
	ProductID            string                      `json:"productId"`
	Environment          personalization.Environment `json:"environment"`
	Hostname             string                      `json:"hostname"`
	Origin               string                      `json:"origin"`
	CustomizeButtonText  string                      `json:"customizeButtonText"`
	CustomizeButtonClass string                      `json:"customizeButtonClass,omitempty"`
	AddToCartSelector    string                      `json:"addToCartSelector"`
	Debug                bool                        `json:"debug"`
	HasAPIKey            bool                        `json:"hasApiKey"`
	APIBaseURL           string                      `json:"apiBaseUrl"`
	SurfaceBaseURL       string                      `json:"surfaceBaseUrl"`
}

func (c Config) public() Public {
	return Public{
		Platform:             c.Platform,
		ProductID:            string(c.ProductID),
		Environment:          c.Environment,
		Hostname:             c.Hostname,
		Origin:               c.Origin,
		CustomizeButtonText:  c.CustomizeButtonText,
		CustomizeButtonClass: c.CustomizeButtonClass,
		AddToCartSelector:    c.AddToCartSelector,
		Debug:                c.Debug,
		HasAPIKey:            c.APIKey != "",
		APIBaseURL:           c.APIBaseURL,
		SurfaceBaseURL:       c.SurfaceBaseURL,
	}
}
