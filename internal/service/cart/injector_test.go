package cart_test

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-personalize/backend/internal/model/personalization"
	"github.com/zhouzirui/z-personalize/backend/internal/service/cart"
)

func seededStore(t *testing.T, platform personalization.Platform, customized bool) *personalization.Store {
	t.Helper()
	store := personalization.NewStore(personalization.NewMemoryBackend(), "https://shop.example", nil)
	session := personalization.Session{
		SessionID: "abc",
		ProductID: "42",
		Platform:  platform,
		Hostname:  "shop.example",
	}
	if customized {
		session = session.Complete(json.RawMessage(`{"text":"Hi"}`), time.Now())
	}
	require.NoError(t, store.Put(context.Background(), session))
	return store
}

func TestInjectSkipsWithoutCustomizedSession(t *testing.T) {
	ctx := context.Background()

	empty := personalization.NewStore(personalization.NewMemoryBackend(), "https://shop.example", nil)
	form := url.Values{}
	changed, err := cart.NewInjector("42", personalization.PlatformShopify, empty, nil).Inject(ctx, form)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, form)

	pending := seededStore(t, personalization.PlatformShopify, false)
	changed, err = cart.NewInjector("42", personalization.PlatformShopify, pending, nil).Inject(ctx, form)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, form)
}

func TestShopifyNoteInjectionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	injected := 0
	injector := cart.NewInjector("42", personalization.PlatformShopify, seededStore(t, personalization.PlatformShopify, true), nil,
		cart.WithInjectHook(func(string) { injected++ }))

	form := url.Values{}
	changed, err := injector.Inject(ctx, form)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "ID:abc|Product:42|Host:shop.example", form.Get(cart.NoteField))

	changed, err = injector.Inject(ctx, form)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, strings.Count(form.Get(cart.NoteField), "ID:abc"))
	assert.Equal(t, 1, injected)
}

func TestShopifyNoteAppendsToExisting(t *testing.T) {
	form := url.Values{cart.NoteField: {"Gift wrap please\n"}}
	changed, err := cart.ShopifyAdapter{}.Apply(form, cart.Reference{SessionID: "abc", ProductID: "42", Hostname: "h"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "Gift wrap please\nID:abc|Product:42|Host:h", form.Get(cart.NoteField))
}

func TestWooCommerceHiddenField(t *testing.T) {
	ctx := context.Background()
	injector := cart.NewInjector("42", personalization.PlatformWooCommerce, seededStore(t, personalization.PlatformWooCommerce, true), nil)
	assert.Equal(t, "woocommerce", injector.Adapter().Name())

	form := url.Values{}
	for i := 0; i < 3; i++ {
		_, err := injector.Inject(ctx, form)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"abc"}, form[cart.SessionIDField])
}

func TestGenericReferenceField(t *testing.T) {
	ctx := context.Background()
	injector := cart.NewInjector("42", personalization.Platform("magento"), seededStore(t, "magento", true), nil)
	assert.Equal(t, "generic", injector.Adapter().Name())

	form := url.Values{}
	changed, err := injector.Inject(ctx, form)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = injector.Inject(ctx, form)
	require.NoError(t, err)
	assert.False(t, changed)

	require.Len(t, form[cart.ReferenceField], 1)
	var ref cart.Reference
	require.NoError(t, json.Unmarshal([]byte(form.Get(cart.ReferenceField)), &ref))
	assert.Equal(t, cart.Reference{SessionID: "abc", ProductID: "42", Platform: "magento", Hostname: "shop.example"}, ref)
}
