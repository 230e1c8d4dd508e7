package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-personalize/backend/internal/handler/cart"
	"github.com/zhouzirui/z-personalize/backend/internal/handler/order"
	"github.com/zhouzirui/z-personalize/backend/internal/handler/surface"
	"github.com/zhouzirui/z-personalize/backend/internal/handler/widget"
	"github.com/zhouzirui/z-personalize/backend/internal/observability"
	widgetService "github.com/zhouzirui/z-personalize/backend/internal/service/widget"
	"github.com/zhouzirui/z-personalize/backend/pkg/utils"
)

// Dependencies 是路由需要的服务
type Dependencies struct {
	Widget *widgetService.Widget
	Logger *zap.Logger
	// Metrics serves /metrics; nil disables the route.
	Metrics http.Handler
	// CartUpstream receives cart submissions after injection.
	CartUpstream http.Handler
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.RequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/api", func(api chi.Router) {
		widget.New(deps.Widget, logger).RegisterRoutes(api)
		order.New(deps.Widget, logger).RegisterRoutes(api)
		surface.New(deps.Widget, logger).RegisterRoutes(api)
	})

	if deps.CartUpstream != nil {
		r.With(cart.Middleware(deps.Widget, logger)).Post("/cart/add", deps.CartUpstream.ServeHTTP)
	}

	return r
}
