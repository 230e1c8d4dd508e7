package surface

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-personalize/backend/internal/model/personalization"
	"github.com/zhouzirui/z-personalize/backend/internal/service/channel"
	"github.com/zhouzirui/z-personalize/backend/pkg/utils"
)

const (
	readTimeout     = 60 * time.Second
	pingInterval    = 54 * time.Second
	writeTimeout    = 10 * time.Second
	maxMessageBytes = 64 << 10
)

// Bridge is what the surface transports need from the widget.
type Bridge interface {
	Channel() *channel.Channel
	MarkSurfaceLoaded(sessionID string) bool
}

// Handler 把嵌入面板的消息桥接到 widget 的消息通道
type Handler struct {
	bridge   Bridge
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// New 创建面板桥接处理器；WebSocket 握手只接受白名单内的 Origin
func New(bridge Bridge, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{bridge: bridge, logger: logger.Named("handler.surface")}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return bridge.Channel().AllowList().Allowed(r.Header.Get("Origin"))
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return h
}

// RegisterRoutes 注册面板桥接路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/surface/ws", h.handleWebSocket)
	r.Post("/surface/messages", h.handleMessage)
	r.Post("/surface/loaded", h.handleLoaded)
}

type outgoingMessage struct {
	Type        string `json:"type"`
	SessionUUID string `json:"sessionUuid,omitempty"`
	Ready       bool   `json:"ready,omitempty"`
	Accepted    *bool  `json:"accepted,omitempty"`
	Error       string `json:"error,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// handleWebSocket 处理面板的 WebSocket 连接；连接建立即视为面板加载完成
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionUuid"))
	if sessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "sessionUuid query parameter is required")
		return
	}
	origin := r.Header.Get("Origin")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("origin", origin), zap.Error(err))
		return
	}
	defer conn.Close()

	logger := h.logger.With(zap.String("sessionId", sessionID), zap.String("origin", origin))
	logger.Debug("surface connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go h.pingLoop(ctx, conn)

	ready := h.bridge.MarkSurfaceLoaded(sessionID)
	h.send(conn, logger, outgoingMessage{Type: "connected", SessionUUID: sessionID, Ready: ready})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("surface read error", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		if msg, err := channel.Decode(data); err == nil {
			if done, ok := msg.(channel.Completed); ok && done.SessionID != sessionID {
				logger.Warn("completion for another session dropped", zap.String("messageSessionId", done.SessionID))
				rejected := false
				h.send(conn, logger, outgoingMessage{Type: "ack", Accepted: &rejected, Error: "session mismatch"})
				continue
			}
		}

		accepted := h.bridge.Channel().Deliver(origin, data) == nil
		h.send(conn, logger, outgoingMessage{Type: "ack", Accepted: &accepted})
	}
}

func (h *Handler) send(conn *websocket.Conn, logger *zap.Logger, msg outgoingMessage) {
	msg.Timestamp = time.Now().Unix()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		logger.Debug("surface write failed", zap.String("type", msg.Type), zap.Error(err))
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// handleMessage 是不支持 WebSocket 的面板使用的 HTTP 桥
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if err := h.bridge.Channel().Deliver(r.Header.Get("Origin"), raw); err != nil {
		var untrusted *personalization.UntrustedOriginError
		if errors.As(err, &untrusted) {
			utils.RespondError(w, http.StatusForbidden, "origin not allowed")
			return
		}
		utils.RespondError(w, http.StatusBadRequest, "malformed message")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleLoaded(w http.ResponseWriter, r *http.Request) {
	if !h.bridge.Channel().AllowList().Allowed(r.Header.Get("Origin")) {
		utils.RespondError(w, http.StatusForbidden, "origin not allowed")
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionUuid"))
	if sessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "sessionUuid query parameter is required")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"ready": h.bridge.MarkSurfaceLoaded(sessionID)})
}
