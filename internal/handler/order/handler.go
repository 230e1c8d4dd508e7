package order

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-personalize/backend/internal/model/personalization"
	"github.com/zhouzirui/z-personalize/backend/internal/service/confirmation"
	"github.com/zhouzirui/z-personalize/backend/pkg/utils"
)

// Confirmer reports a placed order's personalizations.
type Confirmer interface {
	ConfirmOrder(ctx context.Context, order confirmation.Order) (*confirmation.Result, error)
}

// Handler 订单确认处理器
type Handler struct {
	confirmer Confirmer
	logger    *zap.Logger
}

func New(confirmer Confirmer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{confirmer: confirmer, logger: logger.Named("handler.order")}
}

// RegisterRoutes 注册订单相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/orders/confirm", h.handleConfirm)
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var order confirmation.Order
	if err := utils.DecodeJSON(r, &order); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.confirmer.ConfirmOrder(r.Context(), order)
	if err != nil {
		var cfgErr *personalization.ConfigError
		var netErr *personalization.NetworkError
		switch {
		case errors.Is(err, personalization.ErrNotInitialized):
			utils.RespondError(w, http.StatusConflict, err.Error())
		case errors.Is(err, personalization.ErrMissingAPIKey):
			utils.RespondError(w, http.StatusPreconditionFailed, err.Error())
		case errors.As(err, &cfgErr):
			utils.RespondError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &netErr):
			utils.RespondError(w, http.StatusBadGateway, "order confirmation failed: "+netErr.Message)
		default:
			h.logger.Error("order confirmation failed", zap.String("orderId", order.OrderID), zap.Error(err))
			utils.RespondError(w, http.StatusInternalServerError, "order confirmation failed")
		}
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}
