package cart

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-personalize/backend/internal/model/personalization"
)

const (
	NoteField      = "note"
	SessionIDField = "personalization_session_id"
	ReferenceField = "personalization_reference"
)

// Form is the outgoing purchase request being submitted. url.Values satisfies it.
type Form interface {
	Get(key string) string
	Set(key, value string)
}

// Reference is the session reference attached to a purchase.
type Reference struct {
	SessionID string                   `json:"sessionId"`
	ProductID string                   `json:"productId"`
	Platform  personalization.Platform `json:"platform"`
	Hostname  string                   `json:"hostname"`
}

// ReferenceFor extracts the reference from a session.
func ReferenceFor(s personalization.Session) Reference {
	return Reference{
		SessionID: s.SessionID,
		ProductID: s.ProductID,
		Platform:  s.Platform,
		Hostname:  s.Hostname,
	}
}

// Adapter writes a reference into a form using one platform's convention.
// Applying an adapter twice with the same reference leaves the form unchanged.
type Adapter interface {
	Name() string
	Apply(form Form, ref Reference) (changed bool, err error)
}

// AdapterFor selects the injection strategy for a platform tag.
func AdapterFor(platform personalization.Platform) Adapter {
	switch platform {
	case personalization.PlatformShopify:
		return ShopifyAdapter{}
	case personalization.PlatformWooCommerce:
		return WooCommerceAdapter{}
	default:
		return GenericAdapter{}
	}
}

// ShopifyAdapter appends a structured line to the order note.
type ShopifyAdapter struct{}

func (ShopifyAdapter) Name() string { return "shopify" }

// NoteLine renders the structured note line for ref.
func NoteLine(ref Reference) string {
	return fmt.Sprintf("ID:%s|Product:%s|Host:%s", ref.SessionID, ref.ProductID, ref.Hostname)
}

func (ShopifyAdapter) Apply(form Form, ref Reference) (bool, error) {
	line := NoteLine(ref)
	note := form.Get(NoteField)
	for _, existing := range strings.Split(note, "\n") {
		if strings.TrimSpace(existing) == line {
			return false, nil
		}
	}
	if strings.TrimSpace(note) == "" {
		form.Set(NoteField, line)
		return true, nil
	}
	form.Set(NoteField, strings.TrimRight(note, "\n")+"\n"+line)
	return true, nil
}

// WooCommerceAdapter carries the raw session id in a hidden field.
type WooCommerceAdapter struct{}

func (WooCommerceAdapter) Name() string { return "woocommerce" }

func (WooCommerceAdapter) Apply(form Form, ref Reference) (bool, error) {
	if form.Get(SessionIDField) == ref.SessionID {
		return false, nil
	}
	form.Set(SessionIDField, ref.SessionID)
	return true, nil
}

// GenericAdapter carries the whole reference as JSON in a hidden field.
type GenericAdapter struct{}

func (GenericAdapter) Name() string { return "generic" }

func (GenericAdapter) Apply(form Form, ref Reference) (bool, error) {
	encoded, err := json.Marshal(ref)
	if err != nil {
		return false, err
	}
	if form.Get(ReferenceField) == string(encoded) {
		return false, nil
	}
	form.Set(ReferenceField, string(encoded))
	return true, nil
}

// SessionSource reads the persisted session for a product.
type SessionSource interface {
	Get(ctx context.Context, productID string) (personalization.Session, bool)
}

// Injector attaches the configured product's session reference at purchase time.
type Injector struct {
	productID string
	adapter   Adapter
	sessions  SessionSource
	logger    *zap.Logger
	onInject  func(adapter string)
}

// InjectorOption customises an Injector.
type InjectorOption func(*Injector)

// WithInjectHook observes successful injections.
func WithInjectHook(fn func(adapter string)) InjectorOption {
	return func(i *Injector) {
		i.onInject = fn
	}
}

// NewInjector picks the adapter from platform once, at configuration time.
func NewInjector(productID string, platform personalization.Platform, sessions SessionSource, logger *zap.Logger, opts ...InjectorOption) *Injector {
	if logger == nil {
		logger = zap.NewNop()
	}
	i := &Injector{
		productID: productID,
		adapter:   AdapterFor(platform),
		sessions:  sessions,
		logger:    logger.Named("cart"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i
}

// Adapter returns the selected adapter.
func (i *Injector) Adapter() Adapter { return i.adapter }

// Inject attaches the reference when the stored session is customized. It
// reports whether the form changed; repeated submissions do not duplicate.
func (i *Injector) Inject(ctx context.Context, form Form) (bool, error) {
	session, ok := i.sessions.Get(ctx, i.productID)
	if !ok || !session.Customized {
		return false, nil
	}

	changed, err := i.adapter.Apply(form, ReferenceFor(session))
	if err != nil {
		return false, fmt.Errorf("%s injection: %w", i.adapter.Name(), err)
	}
	if changed {
		i.logger.Info("attached personalization to purchase",
			zap.String("adapter", i.adapter.Name()),
			zap.String("sessionId", session.SessionID),
			zap.String("productId", session.ProductID))
		if i.onInject != nil {
			i.onInject(i.adapter.Name())
		}
	}
	return changed, nil
}
