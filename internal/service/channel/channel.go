package channel

import (
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-personalize/backend/internal/model/personalization"
)

const (
	ProductionSurfaceOrigin = "https://customizer.personalize.studio"
	SandboxSurfaceOrigin    = "https://sandbox.customizer.personalize.studio"
)

// OriginRule matches a sender origin exactly, or by prefix when Prefix is set.
type OriginRule struct {
	Value  string
	Prefix bool
}

// DefaultOriginRules trusts the hosted surfaces plus local development hosts.
func DefaultOriginRules() []OriginRule {
	return []OriginRule{
		{Value: ProductionSurfaceOrigin},
		{Value: SandboxSurfaceOrigin},
		{Value: "http://localhost:", Prefix: true},
		{Value: "http://127.0.0.1:", Prefix: true},
	}
}

// ParseOriginRules reads comma separated entries; a trailing "*" marks a prefix rule.
func ParseOriginRules(raw string) []OriginRule {
	var rules []OriginRule
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.HasSuffix(item, "*") {
			rules = append(rules, OriginRule{Value: strings.TrimSuffix(item, "*"), Prefix: true})
			continue
		}
		rules = append(rules, OriginRule{Value: strings.TrimRight(item, "/")})
	}
	return rules
}

// AllowList is the fixed set of trusted surface origins.
type AllowList struct {
	rules []OriginRule
}

// NewAllowList ignores empty rules.
func NewAllowList(rules ...OriginRule) AllowList {
	kept := make([]OriginRule, 0, len(rules))
	for _, rule := range rules {
		if strings.TrimSpace(rule.Value) == "" {
			continue
		}
		kept = append(kept, rule)
	}
	return AllowList{rules: kept}
}

// Allowed reports whether origin matches any rule.
func (a AllowList) Allowed(origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" || origin == "null" {
		return false
	}
	for _, rule := range a.rules {
		if rule.Prefix {
			if strings.HasPrefix(origin, rule.Value) {
				return true
			}
			continue
		}
		if origin == rule.Value {
			return true
		}
	}
	return false
}

// Handler receives validated messages.
type Handler func(Message)

// Channel validates and dispatches messages arriving from the embedded surface.
type Channel struct {
	allow  AllowList
	logger *zap.Logger

	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler

	onRejected func(reason string)
}

// Option customises a Channel.
type Option func(*Channel)

// WithRejectionHook observes dropped messages, e.g. for metrics.
func WithRejectionHook(hook func(reason string)) Option {
	return func(c *Channel) {
		c.onRejected = hook
	}
}

// New builds a Channel around allow.
func New(allow AllowList, logger *zap.Logger, opts ...Option) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Channel{
		allow:    allow,
		logger:   logger.Named("channel"),
		handlers: make(map[int]Handler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// AllowList exposes the origin filter, e.g. for WebSocket origin checks.
func (c *Channel) AllowList() AllowList { return c.allow }

// Register subscribes handler and returns its unsubscribe function.
func (c *Channel) Register(handler Handler) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Deliver runs the validation pipeline and dispatches to handlers. Untrusted
// origins and unrecognized types are dropped; the returned error only informs
// the transport and must not reach the shopper.
func (c *Channel) Deliver(origin string, raw []byte) error {
	if !c.allow.Allowed(origin) {
		err := &personalization.UntrustedOriginError{Origin: origin}
		c.logger.Debug("dropping message from untrusted origin", zap.String("origin", origin))
		c.reject("untrusted_origin")
		return err
	}

	msg, err := Decode(raw)
	if err != nil {
		if errors.Is(err, ErrUnknownType) {
			c.logger.Debug("ignoring message", zap.String("origin", origin), zap.Error(err))
			c.reject("unknown_type")
			return nil
		}
		c.logger.Debug("dropping malformed message", zap.String("origin", origin), zap.Error(err))
		c.reject("malformed")
		return err
	}

	c.mu.RLock()
	handlers := make([]Handler, 0, len(c.handlers))
	for id := 0; id < c.nextID; id++ {
		if h, ok := c.handlers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (c *Channel) reject(reason string) {
	if c.onRejected != nil {
		c.onRejected(reason)
	}
}
