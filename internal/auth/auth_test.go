package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vnmchuo/copilot-gateway/internal/telemetry"
)

type memStore struct {
	keys    map[string]*APIKey // by raw key
	lookups atomic.Int32
	err     error
}

func (m *memStore) GetByKey(ctx context.Context, key string) (*APIKey, error) {
	m.lookups.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	k, ok := m.keys[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return k, nil
}

func (m *memStore) Create(ctx context.Context, apiKey *APIKey) error { return nil }
func (m *memStore) Revoke(ctx context.Context, keyID string) error   { return nil }

func newCache(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func tenantEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"tenant_id":  GetTenantID(r.Context()),
			"key_id":     GetAPIKeyID(r.Context()),
			"rate_limit": GetRateLimit(r.Context()),
			"request_id": GetRequestID(r.Context()),
		})
	})
}

func serve(h http.Handler, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestMiddleware_ResolvesTenantAndCaches(t *testing.T) {
	mr, cache := newCache(t)
	store := &memStore{keys: map[string]*APIKey{
		"secret": {ID: "k1", TenantID: "tenant_a", RateLimit: 5000, Active: true},
	}}
	h := NewMiddleware(store, cache, telemetry.NopLogger())(tenantEcho())

	for i := 0; i < 2; i++ {
		rr := serve(h, "secret")
		require.Equal(t, http.StatusOK, rr.Code)

		var body map[string]any
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
		assert.Equal(t, "tenant_a", body["tenant_id"])
		assert.Equal(t, "k1", body["key_id"])
		assert.Equal(t, float64(5000), body["rate_limit"])
		assert.NotEmpty(t, body["request_id"])
		assert.Equal(t, body["request_id"], rr.Header().Get("X-Request-ID"))
	}

	assert.Equal(t, int32(1), store.lookups.Load(), "second request should be served from cache")
	assert.True(t, mr.Exists("auth:"+HashKey("secret")))
	assert.False(t, mr.Exists("auth:secret"), "raw keys must never reach the cache")
}

func TestMiddleware_KeepsIncomingRequestID(t *testing.T) {
	_, cache := newCache(t)
	store := &memStore{keys: map[string]*APIKey{"secret": {ID: "k1", TenantID: "tenant_a"}}}
	h := NewMiddleware(store, cache, telemetry.NopLogger())(tenantEcho())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "req-42", rr.Header().Get("X-Request-ID"))
}

func TestMiddleware_Rejects(t *testing.T) {
	_, cache := newCache(t)
	store := &memStore{keys: map[string]*APIKey{}}
	h := NewMiddleware(store, cache, telemetry.NopLogger())(tenantEcho())

	rr := serve(h, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "Authorization")

	rr = serve(h, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
}

func TestMiddleware_StoreFailure(t *testing.T) {
	_, cache := newCache(t)
	store := &memStore{err: errors.New("db down")}
	h := NewMiddleware(store, cache, telemetry.NopLogger())(tenantEcho())

	rr := serve(h, "secret")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestMiddleware_CacheOutageFallsBackToStore(t *testing.T) {
	mr, cache := newCache(t)
	store := &memStore{keys: map[string]*APIKey{"secret": {ID: "k1", TenantID: "tenant_a"}}}
	h := NewMiddleware(store, cache, telemetry.NopLogger())(tenantEcho())
	mr.Close()

	rr := serve(h, "secret")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int32(1), store.lookups.Load())
}

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakeDB struct {
	lastSQL  string
	lastArgs []any
	row      fakeRow
	tag      pgconn.CommandTag
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.lastSQL, f.lastArgs = sql, args
	return f.row
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastSQL, f.lastArgs = sql, args
	return f.tag, nil
}

func TestPostgresStore_GetByKeyHashesKey(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	db := &fakeDB{row: fakeRow{scan: func(dest ...any) error {
		*dest[0].(*string) = "k1"
		*dest[1].(*string) = "tenant_a"
		*dest[2].(*string) = HashKey("secret")
		*dest[3].(*int64) = 100
		*dest[4].(*bool) = true
		*dest[5].(*time.Time) = created
		return nil
	}}}

	k, err := NewPostgresStore(db).GetByKey(context.Background(), "secret")
	require.NoError(t, err)
	assert.Equal(t, "tenant_a", k.TenantID)
	assert.Equal(t, []any{HashKey("secret")}, db.lastArgs)
}

func TestPostgresStore_NotFound(t *testing.T) {
	db := &fakeDB{row: fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}}

	_, err := NewPostgresStore(db).GetByKey(context.Background(), "secret")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestPostgresStore_Revoke(t *testing.T) {
	db := &fakeDB{tag: pgconn.NewCommandTag("UPDATE 0")}
	err := NewPostgresStore(db).Revoke(context.Background(), "k1")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	db.tag = pgconn.NewCommandTag("UPDATE 1")
	assert.NoError(t, NewPostgresStore(db).Revoke(context.Background(), "k1"))
}

func TestPostgresStore_CreateRequiresHash(t *testing.T) {
	err := NewPostgresStore(&fakeDB{}).Create(context.Background(), &APIKey{TenantID: "tenant_a"})
	assert.Error(t, err)
}
