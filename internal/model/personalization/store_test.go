package personalization_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-personalize/backend/internal/model/personalization"
)

const testOrigin = "https://shop.example"

func newSession(productID, sessionID string) personalization.Session {
	return personalization.Session{
		SessionID: sessionID,
		ProductID: productID,
		Platform:  personalization.PlatformShopify,
		Hostname:  "shop.example",
	}
}

func TestStoreGetMissing(t *testing.T) {
	store := personalization.NewStore(personalization.NewMemoryBackend(), testOrigin, nil)

	_, ok := store.Get(context.Background(), "42")
	assert.False(t, ok)
	assert.Empty(t, store.All(context.Background()))
}

func TestStorePutOverwritesByProduct(t *testing.T) {
	ctx := context.Background()
	store := personalization.NewStore(personalization.NewMemoryBackend(), testOrigin, nil)

	require.NoError(t, store.Put(ctx, newSession("42", "first")))
	require.NoError(t, store.Put(ctx, newSession("42", "second")))

	got, ok := store.Get(ctx, "42")
	require.True(t, ok)
	assert.Equal(t, "second", got.SessionID)
	assert.Len(t, store.All(ctx), 1)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestStorePutRejectsIncompleteSession(t *testing.T) {
	store := personalization.NewStore(personalization.NewMemoryBackend(), testOrigin, nil)

	err := store.Put(context.Background(), personalization.Session{ProductID: "42"})
	assert.Error(t, err)
}

func TestStoreNeverDowngradesCustomized(t *testing.T) {
	ctx := context.Background()
	store := personalization.NewStore(personalization.NewMemoryBackend(), testOrigin, nil)

	completed := newSession("42", "abc").Complete(json.RawMessage(`{"text":"Hi"}`), time.Now())
	require.NoError(t, store.Put(ctx, completed))
	require.NoError(t, store.Put(ctx, newSession("42", "abc")))

	got, ok := store.Get(ctx, "42")
	require.True(t, ok)
	assert.True(t, got.Customized)
	assert.JSONEq(t, `{"text":"Hi"}`, string(got.CustomizationPayload))
}

func TestStoreDropsPayloadWhenNotCustomized(t *testing.T) {
	ctx := context.Background()
	store := personalization.NewStore(personalization.NewMemoryBackend(), testOrigin, nil)

	session := newSession("42", "abc")
	session.CustomizationPayload = json.RawMessage(`{"stray":true}`)
	require.NoError(t, store.Put(ctx, session))

	got, _ := store.Get(ctx, "42")
	assert.Nil(t, got.CustomizationPayload)
}

func TestStoreAllCompletedSorted(t *testing.T) {
	ctx := context.Background()
	store := personalization.NewStore(personalization.NewMemoryBackend(), testOrigin, nil)

	require.NoError(t, store.Put(ctx, newSession("b", "s-b").Complete(json.RawMessage(`{}`), time.Now())))
	require.NoError(t, store.Put(ctx, newSession("c", "s-c")))
	require.NoError(t, store.Put(ctx, newSession("a", "s-a").Complete(json.RawMessage(`{}`), time.Now())))

	completed := store.AllCompleted(ctx)
	require.Len(t, completed, 2)
	assert.Equal(t, "a", completed[0].ProductID)
	assert.Equal(t, "b", completed[1].ProductID)
}

func TestStoreClearAndDelete(t *testing.T) {
	ctx := context.Background()
	store := personalization.NewStore(personalization.NewMemoryBackend(), testOrigin, nil)

	require.NoError(t, store.Put(ctx, newSession("a", "s-a")))
	require.NoError(t, store.Put(ctx, newSession("b", "s-b")))

	require.NoError(t, store.Delete(ctx, "a"))
	_, ok := store.Get(ctx, "a")
	assert.False(t, ok)
	_, ok = store.Get(ctx, "b")
	assert.True(t, ok)

	require.NoError(t, store.Clear(ctx))
	assert.Empty(t, store.All(ctx))
}

func TestStoreMalformedDataReadsAsAbsent(t *testing.T) {
	ctx := context.Background()
	backend := personalization.NewMemoryBackend()
	store := personalization.NewStore(backend, testOrigin, nil)

	require.NoError(t, backend.Set(ctx, store.Key(), []byte(`{not json`)))
	_, ok := store.Get(ctx, "42")
	assert.False(t, ok)

	require.NoError(t, backend.Set(ctx, store.Key(), []byte(`{"42":{"productId":"42"},"43":"oops","44":{"sessionId":"s","productId":"44"}}`)))
	all := store.All(ctx)
	require.Len(t, all, 1)
	assert.Equal(t, "s", all["44"].SessionID)

	require.NoError(t, store.Put(ctx, newSession("45", "fresh")))
	_, ok = store.Get(ctx, "45")
	assert.True(t, ok)
}

type failingReadBackend struct {
	*personalization.MemoryBackend
	failReads bool
}

func (b *failingReadBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if b.failReads {
		return nil, errors.New("connection reset")
	}
	return b.MemoryBackend.Get(ctx, key)
}

func TestStoreWritesRefuseToOverwriteUnreadableEntries(t *testing.T) {
	ctx := context.Background()
	backend := &failingReadBackend{MemoryBackend: personalization.NewMemoryBackend()}
	store := personalization.NewStore(backend, testOrigin, nil)

	done := newSession("a", "s-a")
	done.Customized = true
	done.CustomizationPayload = json.RawMessage(`{"text":"hi"}`)
	require.NoError(t, store.Put(ctx, done))

	backend.failReads = true
	assert.Empty(t, store.All(ctx))

	err := store.Put(ctx, newSession("b", "s-b"))
	var storageErr *personalization.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, store.Key(), storageErr.Key)
	require.ErrorAs(t, store.Delete(ctx, "a"), &storageErr)

	backend.failReads = false
	all := store.All(ctx)
	require.Len(t, all, 1)
	assert.True(t, all["a"].Customized)
	assert.JSONEq(t, `{"text":"hi"}`, string(all["a"].CustomizationPayload))
}

func TestStoreScopedByOrigin(t *testing.T) {
	ctx := context.Background()
	backend := personalization.NewMemoryBackend()
	first := personalization.NewStore(backend, "https://a.example", nil)
	second := personalization.NewStore(backend, "https://b.example/", nil)

	require.NoError(t, first.Put(ctx, newSession("42", "abc")))

	_, ok := second.Get(ctx, "42")
	assert.False(t, ok)
	assert.Equal(t, "personalize:sessions:https://b.example", second.Key())
}

func TestFileBackendSurvivesReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	backend, err := personalization.NewFileBackend(dir)
	require.NoError(t, err)
	require.NoError(t, personalization.NewStore(backend, testOrigin, nil).Put(ctx, newSession("42", "abc")))

	reopened, err := personalization.NewFileBackend(dir)
	require.NoError(t, err)
	got, ok := personalization.NewStore(reopened, testOrigin, nil).Get(ctx, "42")
	require.True(t, ok)
	assert.Equal(t, "abc", got.SessionID)

	require.NoError(t, personalization.NewStore(reopened, testOrigin, nil).Clear(ctx))
	require.NoError(t, reopened.Delete(ctx, "missing"))
}

func TestRedisBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := personalization.NewStore(personalization.NewRedisBackendWithClient(client), testOrigin, nil)

	_, ok := store.Get(ctx, "42")
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, newSession("42", "abc")))
	assert.True(t, server.Exists(store.Key()))

	got, ok := store.Get(ctx, "42")
	require.True(t, ok)
	assert.Equal(t, "abc", got.SessionID)

	require.NoError(t, store.Clear(ctx))
	assert.False(t, server.Exists(store.Key()))
}

func TestNewRedisBackendPingFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := personalization.NewRedisBackend(ctx, personalization.RedisConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
