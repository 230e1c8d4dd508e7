package widget

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	widgetService "github.com/zhouzirui/z-personalize/backend/internal/service/widget"
)

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newRouter(w *widgetService.Widget) http.Handler {
	r := chi.NewRouter()
	New(w, nil).RegisterRoutes(r)
	return r
}

func TestBeforeInit(t *testing.T) {
	router := newRouter(widgetService.New(widgetService.Dependencies{}))

	assert.Equal(t, http.StatusConflict, serve(router, http.MethodPost, "/customizer/open", "").Code)
	assert.Equal(t, http.StatusConflict, serve(router, http.MethodDelete, "/personalizations", "").Code)

	rec := serve(router, http.MethodGet, "/widget", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"config":null,"status":{"initialized":false,"state":"closed"}}`, rec.Body.String())

	rec = serve(router, http.MethodPost, "/customizer/close", "")
	assert.JSONEq(t, `{"closed":false}`, rec.Body.String())
}

func TestInitValidation(t *testing.T) {
	router := newRouter(widgetService.New(widgetService.Dependencies{}))

	assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodPost, "/widget/init", `{"platform":`).Code)
	assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodPost, "/widget/init", `{"platform":"shopify"}`).Code)
	assert.Equal(t, http.StatusCreated, serve(router, http.MethodPost, "/widget/init", `{"platform":"shopify","productId":"42"}`).Code)
	assert.Equal(t, http.StatusConflict, serve(router, http.MethodPost, "/widget/init", `{"platform":"shopify","productId":"42"}`).Code)
}

func TestOpenMapsNetworkErrors(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"maintenance"}`, http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	w := widgetService.New(widgetService.Dependencies{})
	router := newRouter(w)
	rec := serve(router, http.MethodPost, "/widget/init", `{"platform":"shopify","productId":"42","apiBaseUrl":"`+upstream.URL+`"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = serve(router, http.MethodPost, "/customizer/open", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "maintenance")

	rec = serve(router, http.MethodGet, "/widget", "")
	assert.Contains(t, rec.Body.String(), `"state":"error"`)

	rec = serve(router, http.MethodGet, "/personalizations", "")
	assert.JSONEq(t, `{"personalizations":{}}`, rec.Body.String())
}
