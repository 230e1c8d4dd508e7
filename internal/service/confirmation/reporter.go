package confirmation

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-personalize/backend/internal/model/personalization"
	"github.com/zhouzirui/z-personalize/backend/internal/service/sessionapi"
)

// OrderConfirmer reports an order's personalized items to the remote service.
type OrderConfirmer interface {
	HasAPIKey() bool
	ConfirmOrder(ctx context.Context, req sessionapi.ConfirmOrderRequest) (map[string]any, error)
}

// Order identifies the placed order being confirmed.
type Order struct {
	OrderID       string         `json:"orderId"`
	CustomerEmail string         `json:"customerEmail"`
	OrderData     map[string]any `json:"orderData,omitempty"`
}

// Result describes the outcome of a confirmation.
type Result struct {
	Confirmed        bool           `json:"confirmed"`
	NothingToConfirm bool           `json:"nothingToConfirm,omitempty"`
	Count            int            `json:"count"`
	Response         map[string]any `json:"response,omitempty"`
}

// Reporter flushes completed sessions once an order is placed.
type Reporter struct {
	platform personalization.Platform
	store    *personalization.Store
	client   OrderConfirmer
	logger   *zap.Logger
}

// NewReporter builds a Reporter.
func NewReporter(platform personalization.Platform, store *personalization.Store, client OrderConfirmer, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		platform: platform,
		store:    store,
		client:   client,
		logger:   logger.Named("confirmation"),
	}
}

// Confirm reports every completed session for the order. On success the
// whole store is cleared; on failure it is left intact for a retry.
func (r *Reporter) Confirm(ctx context.Context, order Order) (Result, error) {
	if r.client == nil || !r.client.HasAPIKey() {
		return Result{}, &personalization.ConfigError{Field: "apiKey", Reason: "is required for order confirmation"}
	}
	order.OrderID = strings.TrimSpace(order.OrderID)
	if order.OrderID == "" {
		return Result{}, &personalization.ConfigError{Field: "orderId"}
	}

	completed := r.store.AllCompleted(ctx)
	if len(completed) == 0 {
		r.logger.Debug("no completed personalizations to confirm", zap.String("orderId", order.OrderID))
		return Result{NothingToConfirm: true}, nil
	}

	items := make([]sessionapi.OrderItem, 0, len(completed))
	for _, session := range completed {
		items = append(items, sessionapi.OrderItem{UUID: session.SessionID, ProductID: session.ProductID})
	}

	resp, err := r.client.ConfirmOrder(ctx, sessionapi.ConfirmOrderRequest{
		Platform:         r.platform,
		ExternalOrderID:  order.OrderID,
		CustomerEmail:    strings.TrimSpace(order.CustomerEmail),
		Personalizations: items,
		OrderData:        order.OrderData,
	})
	if err != nil {
		r.logger.Warn("order confirmation failed, keeping sessions for retry",
			zap.String("orderId", order.OrderID), zap.Int("count", len(items)), zap.Error(err))
		return Result{}, err
	}

	if err := r.store.Clear(ctx); err != nil {
		r.logger.Error("order confirmed but clearing sessions failed", zap.String("orderId", order.OrderID), zap.Error(err))
	}

	r.logger.Info("order confirmed", zap.String("orderId", order.OrderID), zap.Int("count", len(items)))
	return Result{Confirmed: true, Count: len(items), Response: resp}, nil
}
