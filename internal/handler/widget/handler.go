package widget

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-personalize/backend/internal/model/personalization"
	"github.com/zhouzirui/z-personalize/backend/internal/service/surface"
	widgetService "github.com/zhouzirui/z-personalize/backend/internal/service/widget"
	"github.com/zhouzirui/z-personalize/backend/pkg/utils"
)

// Handler widget 生命周期与定制面板的 HTTP 处理器
type Handler struct {
	widget *widgetService.Widget
	logger *zap.Logger
}

// New 创建 widget 处理器
func New(w *widgetService.Widget, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{widget: w, logger: logger.Named("handler.widget")}
}

// RegisterRoutes 注册 widget 相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/widget/init", h.handleInit)
	r.Get("/widget", h.handleGet)
	r.Post("/customizer/open", h.handleOpen)
	r.Post("/customizer/close", h.handleClose)
	r.Get("/personalizations", h.handleList)
	r.Delete("/personalizations", h.handleClear)
}

type widgetView struct {
	Config *widgetService.Public `json:"config"`
	Status widgetService.Status  `json:"status"`
}

func (h *Handler) handleInit(w http.ResponseWriter, r *http.Request) {
	var cfg widgetService.Config
	if err := utils.DecodeJSON(r, &cfg); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.widget.Init(cfg); err != nil {
		var cfgErr *personalization.ConfigError
		switch {
		case errors.Is(err, personalization.ErrAlreadyInitialized):
			utils.RespondError(w, http.StatusConflict, err.Error())
		case errors.As(err, &cfgErr):
			utils.RespondError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("widget init failed", zap.Error(err))
			utils.RespondError(w, http.StatusInternalServerError, "widget init failed")
		}
		return
	}

	public, _ := h.widget.Config()
	utils.RespondJSON(w, http.StatusCreated, public)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	view := widgetView{Status: h.widget.Status(r.Context())}
	if public, ok := h.widget.Config(); ok {
		view.Config = &public
	}
	utils.RespondJSON(w, http.StatusOK, view)
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	launch, err := h.widget.OpenCustomizer(r.Context())
	if err != nil {
		var netErr *personalization.NetworkError
		switch {
		case errors.Is(err, personalization.ErrNotInitialized),
			errors.Is(err, surface.ErrOpenInProgress),
			errors.Is(err, personalization.ErrSuperseded):
			utils.RespondError(w, http.StatusConflict, err.Error())
		case errors.As(err, &netErr):
			utils.RespondError(w, http.StatusBadGateway, "session service unavailable: "+netErr.Message)
		default:
			h.logger.Error("open customizer failed", zap.Error(err))
			utils.RespondError(w, http.StatusInternalServerError, "open customizer failed")
		}
		return
	}
	utils.RespondJSON(w, http.StatusOK, launch)
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"closed": h.widget.CloseCustomizer()})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"personalizations": h.widget.GetAllPersonalizations(r.Context()),
	})
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := h.widget.ClearPersonalizations(r.Context()); err != nil {
		if errors.Is(err, personalization.ErrNotInitialized) {
			utils.RespondError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error("clear personalizations failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "clear personalizations failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
