package cart

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-personalize/backend/internal/model/personalization"
	cartService "github.com/zhouzirui/z-personalize/backend/internal/service/cart"
	"github.com/zhouzirui/z-personalize/backend/pkg/utils"
)

const maxFormBytes = 1 << 20

// Injector attaches the session reference to a purchase submission.
type Injector interface {
	InjectCart(ctx context.Context, form cartService.Form) (bool, error)
}

// Middleware 在购物车表单提交前注入会话引用。注入失败不会阻断购买。
func Middleware(injector Injector, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("handler.cart")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || !isURLEncoded(r.Header.Get("Content-Type")) || r.Body == nil {
				next.ServeHTTP(w, r)
				return
			}

			raw, err := io.ReadAll(io.LimitReader(r.Body, maxFormBytes))
			_ = r.Body.Close()
			if err != nil {
				utils.RespondError(w, http.StatusBadRequest, "unreadable form")
				return
			}
			setBody(r, raw)

			form, err := url.ParseQuery(string(raw))
			if err != nil {
				logger.Debug("cart form not parseable, forwarding unchanged", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			changed, err := injector.InjectCart(r.Context(), form)
			switch {
			case errors.Is(err, personalization.ErrNotInitialized):
			case err != nil:
				logger.Warn("cart injection failed, forwarding unchanged", zap.Error(err))
			case changed:
				setBody(r, []byte(form.Encode()))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setBody(r *http.Request, body []byte) {
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
}

func isURLEncoded(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && strings.EqualFold(mediaType, "application/x-www-form-urlencoded")
}

// NewUpstream 返回购物车请求的下游：配置了 target 时反向代理，否则回显表单
func NewUpstream(target string, logger *zap.Logger) (http.Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return http.HandlerFunc(echo), nil
	}

	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.New("cart upstream must be an absolute URL")
	}

	proxy := httputil.NewSingleHostReverseProxy(u)
	proxyLogger := logger.Named("cart.upstream")
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		proxyLogger.Warn("cart upstream failed", zap.String("target", u.Host), zap.Error(err))
		utils.RespondError(w, http.StatusBadGateway, "cart upstream unavailable")
	}
	return proxy, nil
}

func echo(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid form")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"form": r.PostForm})
}
