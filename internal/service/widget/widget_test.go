package widget_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-personalize/backend/internal/model/personalization"
	"github.com/zhouzirui/z-personalize/backend/internal/service/cart"
	"github.com/zhouzirui/z-personalize/backend/internal/service/channel"
	"github.com/zhouzirui/z-personalize/backend/internal/service/confirmation"
	"github.com/zhouzirui/z-personalize/backend/internal/service/surface"
	"github.com/zhouzirui/z-personalize/backend/internal/service/widget"
)

type idleTimer struct{}

func (idleTimer) Stop() bool { return true }

func idleAfterFunc(time.Duration, func()) surface.Timer { return idleTimer{} }

type sessionService struct {
	server  *httptest.Server
	creates atomic.Int32
	orders  atomic.Int32
}

func newSessionService(t *testing.T, sessionUUID string) *sessionService {
	t.Helper()
	svc := &sessionService{}
	svc.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/create-session":
			svc.creates.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]string{"sessionUuid": sessionUUID})
		case "/external-order":
			svc.orders.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(svc.server.Close)
	return svc
}

func newWidget(t *testing.T) *widget.Widget {
	t.Helper()
	return widget.New(widget.Dependencies{
		IDGenerator: func() string { return "local-id" },
		AfterFunc:   idleAfterFunc,
	})
}

func deliver(t *testing.T, w *widget.Widget, raw string) {
	t.Helper()
	require.NoError(t, w.Channel().Deliver(channel.ProductionSurfaceOrigin, []byte(raw)))
}

const completedABC = `{"type":"completed","payload":{"sessionUuid":"abc","data":{"text":"Hi"}}}`

func TestInitIsIdempotentRefusing(t *testing.T) {
	w := newWidget(t)
	require.NoError(t, w.Init(widget.Config{Platform: "shopify", ProductID: "42", Hostname: "shop.example"}))

	err := w.Init(widget.Config{Platform: "woocommerce", ProductID: "99"})
	assert.ErrorIs(t, err, personalization.ErrAlreadyInitialized)

	cfg, ok := w.Config()
	require.True(t, ok)
	assert.Equal(t, "42", cfg.ProductID)
	assert.Equal(t, personalization.PlatformShopify, cfg.Platform)
	assert.Equal(t, `form[action*="/cart/add"]`, cfg.AddToCartSelector)
	assert.Equal(t, widget.DefaultButtonText, cfg.CustomizeButtonText)
	assert.Equal(t, "https://shop.example", cfg.Origin)
}

func TestInitRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name  string
		cfg   widget.Config
		field string
	}{
		{name: "missing platform", cfg: widget.Config{ProductID: "42"}, field: "platform"},
		{name: "missing product", cfg: widget.Config{Platform: "shopify"}, field: "productId"},
		{name: "bad environment", cfg: widget.Config{Platform: "shopify", ProductID: "42", Environment: "staging"}, field: "environment"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWidget(t)
			err := w.Init(tt.cfg)
			var cfgErr *personalization.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)

			_, ok := w.Config()
			assert.False(t, ok)
		})
	}
}

func TestProductIDAcceptsNumbers(t *testing.T) {
	var cfg widget.Config
	require.NoError(t, json.Unmarshal([]byte(`{"platform":"shopify","productId":42}`), &cfg))
	assert.Equal(t, widget.ProductID("42"), cfg.ProductID)

	require.NoError(t, json.Unmarshal([]byte(`{"productId":" sku-1 "}`), &cfg))
	assert.Equal(t, widget.ProductID("sku-1"), cfg.ProductID)

	assert.Error(t, json.Unmarshal([]byte(`{"productId":true}`), &cfg))
}

func TestOperationsBeforeInit(t *testing.T) {
	ctx := context.Background()
	w := newWidget(t)

	_, err := w.OpenCustomizer(ctx)
	assert.ErrorIs(t, err, personalization.ErrNotInitialized)
	assert.False(t, w.CloseCustomizer())
	assert.Empty(t, w.GetAllPersonalizations(ctx))
	assert.ErrorIs(t, w.ClearPersonalizations(ctx), personalization.ErrNotInitialized)

	result, err := w.ConfirmOrder(ctx, confirmation.Order{OrderID: "1"})
	assert.Nil(t, result)
	assert.ErrorIs(t, err, personalization.ErrNotInitialized)
	assert.False(t, w.Status(ctx).Initialized)

	deliver(t, w, completedABC)
}

func TestPersonalizationScenario(t *testing.T) {
	ctx := context.Background()
	svc := newSessionService(t, "abc")

	var completions []personalization.Snapshot
	var closes []widget.CloseEvent
	w := newWidget(t)
	require.NoError(t, w.Init(widget.Config{
		Platform:   "shopify",
		ProductID:  "42",
		Hostname:   "shop.example",
		APIBaseURL: svc.server.URL,
		OnPersonalizationComplete: func(s personalization.Snapshot) {
			completions = append(completions, s)
		},
		OnPersonalizationClose: func(e widget.CloseEvent) {
			closes = append(closes, e)
		},
	}))

	launch, err := w.OpenCustomizer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", launch.SessionID)
	assert.EqualValues(t, 1, svc.creates.Load())

	all := w.GetAllPersonalizations(ctx)
	require.Contains(t, all, "42")
	assert.Equal(t, "abc", all["42"].SessionID)
	assert.False(t, all["42"].Customized)

	assert.True(t, w.MarkSurfaceLoaded("abc"))
	assert.Equal(t, surface.StateReady, w.Status(ctx).State)

	deliver(t, w, completedABC)

	all = w.GetAllPersonalizations(ctx)
	assert.True(t, all["42"].Customized)
	assert.JSONEq(t, `{"text":"Hi"}`, string(all["42"].CustomizationPayload))

	require.Len(t, completions, 1)
	assert.Equal(t, "abc", completions[0].SessionID())
	assert.True(t, completions[0].Customized())
	require.Len(t, closes, 1)
	assert.Equal(t, widget.CloseCompleted, closes[0].Reason)
	assert.Equal(t, surface.StateClosed, w.Status(ctx).State)

	form := url.Values{}
	changed, err := w.InjectCart(ctx, form)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "ID:abc|Product:42|Host:shop.example", form.Get(cart.NoteField))
}

func TestDuplicateCompletionFiresOnce(t *testing.T) {
	ctx := context.Background()
	svc := newSessionService(t, "abc")

	fired := 0
	w := newWidget(t)
	require.NoError(t, w.Init(widget.Config{
		Platform:                  "shopify",
		ProductID:                 "42",
		APIBaseURL:                svc.server.URL,
		OnPersonalizationComplete: func(personalization.Snapshot) { fired++ },
	}))

	_, err := w.OpenCustomizer(ctx)
	require.NoError(t, err)
	deliver(t, w, completedABC)
	deliver(t, w, completedABC)

	// reopen reuses the stored session; an identical payload is not re-applied
	_, err = w.OpenCustomizer(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, svc.creates.Load())
	deliver(t, w, `{"type":"completed","payload":{"sessionUuid":"abc","data":{ "text" : "Hi" }}}`)
	assert.Equal(t, 1, fired)

	_, err = w.OpenCustomizer(ctx)
	require.NoError(t, err)
	deliver(t, w, `{"type":"completed","payload":{"sessionUuid":"abc","data":{"text":"Bye"}}}`)
	assert.Equal(t, 2, fired)
}

func TestCustomizedSurvivesCancelAndError(t *testing.T) {
	ctx := context.Background()
	svc := newSessionService(t, "abc")

	var reasons []widget.CloseReason
	w := newWidget(t)
	require.NoError(t, w.Init(widget.Config{
		Platform:               "woocommerce",
		ProductID:              "42",
		APIBaseURL:             svc.server.URL,
		OnPersonalizationClose: func(e widget.CloseEvent) { reasons = append(reasons, e.Reason) },
	}))

	_, err := w.OpenCustomizer(ctx)
	require.NoError(t, err)
	deliver(t, w, completedABC)

	_, err = w.OpenCustomizer(ctx)
	require.NoError(t, err)
	deliver(t, w, `{"type":"cancelled"}`)

	_, err = w.OpenCustomizer(ctx)
	require.NoError(t, err)
	deliver(t, w, `{"type":"error","error":"render failed"}`)

	_, err = w.OpenCustomizer(ctx)
	require.NoError(t, err)
	deliver(t, w, `{"type":"closeRequested"}`)

	assert.Equal(t, []widget.CloseReason{widget.CloseCompleted, widget.CloseCancelled, widget.CloseError, widget.CloseRequested}, reasons)
	assert.True(t, w.GetAllPersonalizations(ctx)["42"].Customized)
}

func TestUntrustedAndUnknownMessagesHaveNoEffect(t *testing.T) {
	ctx := context.Background()
	svc := newSessionService(t, "abc")

	fired := 0
	w := newWidget(t)
	require.NoError(t, w.Init(widget.Config{
		Platform:                  "shopify",
		ProductID:                 "42",
		APIBaseURL:                svc.server.URL,
		OnPersonalizationComplete: func(personalization.Snapshot) { fired++ },
	}))
	_, err := w.OpenCustomizer(ctx)
	require.NoError(t, err)

	err = w.Channel().Deliver("https://evil.example", []byte(completedABC))
	var untrusted *personalization.UntrustedOriginError
	assert.ErrorAs(t, err, &untrusted)

	deliver(t, w, `{"type":"resize","payload":{"height":300}}`)

	assert.Zero(t, fired)
	assert.False(t, w.GetAllPersonalizations(ctx)["42"].Customized)
	assert.Equal(t, surface.StateLoading, w.Status(ctx).State)
}

func TestCompletionForInactiveSessionIgnored(t *testing.T) {
	ctx := context.Background()
	svc := newSessionService(t, "abc")

	w := newWidget(t)
	require.NoError(t, w.Init(widget.Config{Platform: "shopify", ProductID: "42", APIBaseURL: svc.server.URL}))

	deliver(t, w, completedABC)
	assert.Empty(t, w.GetAllPersonalizations(ctx))

	_, err := w.OpenCustomizer(ctx)
	require.NoError(t, err)
	deliver(t, w, `{"type":"completed","payload":{"sessionUuid":"other","data":{}}}`)
	assert.False(t, w.GetAllPersonalizations(ctx)["42"].Customized)
}

func TestCompletionWithoutDataRejected(t *testing.T) {
	ctx := context.Background()
	svc := newSessionService(t, "abc")

	w := newWidget(t)
	require.NoError(t, w.Init(widget.Config{Platform: "shopify", ProductID: "42", APIBaseURL: svc.server.URL}))
	_, err := w.OpenCustomizer(ctx)
	require.NoError(t, err)

	assert.Error(t, w.Channel().Deliver(channel.ProductionSurfaceOrigin, []byte(`{"type":"completed","payload":{"sessionUuid":"abc"}}`)))

	assert.False(t, w.GetAllPersonalizations(ctx)["42"].Customized)
	assert.Equal(t, surface.StateLoading, w.Status(ctx).State)
	changed, err := w.InjectCart(ctx, url.Values{})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestCallbacksMayCloseCustomizer(t *testing.T) {
	ctx := context.Background()
	svc := newSessionService(t, "abc")

	var closedFromCallback atomic.Bool
	w := newWidget(t)
	require.NoError(t, w.Init(widget.Config{
		Platform:   "shopify",
		ProductID:  "42",
		APIBaseURL: svc.server.URL,
		OnPersonalizationComplete: func(personalization.Snapshot) {
			closedFromCallback.Store(w.CloseCustomizer())
		},
	}))
	_, err := w.OpenCustomizer(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Channel().Deliver(channel.ProductionSurfaceOrigin, []byte(completedABC)) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("completion callback blocked on CloseCustomizer")
	}
	assert.False(t, closedFromCallback.Load())
	assert.True(t, w.GetAllPersonalizations(ctx)["42"].Customized)
}

func TestUserCloseAndCompletionAreSerialized(t *testing.T) {
	ctx := context.Background()
	svc := newSessionService(t, "abc")

	for i := 0; i < 50; i++ {
		var mu sync.Mutex
		var reasons []widget.CloseReason
		w := newWidget(t)
		require.NoError(t, w.Init(widget.Config{
			Platform:   "shopify",
			ProductID:  "42",
			APIBaseURL: svc.server.URL,
			OnPersonalizationClose: func(e widget.CloseEvent) {
				mu.Lock()
				reasons = append(reasons, e.Reason)
				mu.Unlock()
			},
		}))
		_, err := w.OpenCustomizer(ctx)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var deliverErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			w.CloseCustomizer()
		}()
		go func() {
			defer wg.Done()
			deliverErr = w.Channel().Deliver(channel.ProductionSurfaceOrigin, []byte(completedABC))
		}()
		wg.Wait()
		require.NoError(t, deliverErr)

		require.Len(t, reasons, 1)
		customized := w.GetAllPersonalizations(ctx)["42"].Customized
		if reasons[0] == widget.CloseUser {
			assert.False(t, customized, "completion applied after user close")
		} else {
			assert.Equal(t, widget.CloseCompleted, reasons[0])
			assert.True(t, customized)
		}
	}
}

func TestConfirmOrderFlow(t *testing.T) {
	ctx := context.Background()
	svc := newSessionService(t, "abc")

	keyless := newWidget(t)
	require.NoError(t, keyless.Init(widget.Config{Platform: "shopify", ProductID: "42", APIBaseURL: svc.server.URL}))
	result, err := keyless.ConfirmOrder(ctx, confirmation.Order{OrderID: "1001"})
	assert.Nil(t, result)
	assert.ErrorIs(t, err, personalization.ErrMissingAPIKey)

	w := newWidget(t)
	require.NoError(t, w.Init(widget.Config{Platform: "shopify", ProductID: "42", APIKey: "k", APIBaseURL: svc.server.URL}))

	result, err = w.ConfirmOrder(ctx, confirmation.Order{OrderID: "1001"})
	require.NoError(t, err)
	assert.True(t, result.NothingToConfirm)
	assert.Zero(t, svc.orders.Load())

	_, err = w.OpenCustomizer(ctx)
	require.NoError(t, err)
	deliver(t, w, completedABC)

	result, err = w.ConfirmOrder(ctx, confirmation.Order{OrderID: "1001"})
	require.NoError(t, err)
	assert.True(t, result.Confirmed)
	assert.Equal(t, 1, result.Count)
	assert.EqualValues(t, 1, svc.orders.Load())
	assert.Empty(t, w.GetAllPersonalizations(ctx))
}

func TestCloseCustomizerFiresCloseCallback(t *testing.T) {
	ctx := context.Background()
	svc := newSessionService(t, "abc")

	var events []widget.CloseEvent
	w := newWidget(t)
	require.NoError(t, w.Init(widget.Config{
		Platform:               "shopify",
		ProductID:              "42",
		APIBaseURL:             svc.server.URL,
		OnPersonalizationClose: func(e widget.CloseEvent) { events = append(events, e) },
	}))

	assert.False(t, w.CloseCustomizer())
	_, err := w.OpenCustomizer(ctx)
	require.NoError(t, err)
	assert.True(t, w.CloseCustomizer())

	require.Len(t, events, 1)
	assert.Equal(t, widget.CloseUser, events[0].Reason)
	assert.Equal(t, "abc", events[0].Session.SessionID())

	require.NoError(t, w.ClearPersonalizations(ctx))
	assert.Empty(t, w.GetAllPersonalizations(ctx))
}
