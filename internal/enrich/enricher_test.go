package enrich

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopmesh/dm-ingest/internal/models"
	"github.com/loopmesh/dm-ingest/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeResolver struct {
	profiles map[string]*models.DisplayProfile
	err      error
	calls    int
}

func (f *fakeResolver) Lookup(ctx context.Context, accountID, userID string) (*models.DisplayProfile, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.profiles[userID]
	if !ok {
		return nil, errors.New("unknown user")
	}
	return p, nil
}

func testCache(t *testing.T) *ProfileCache {
	t.Helper()
	mr := miniredis.RunT(t)
	cache, err := NewProfileCache("redis://"+mr.Addr(), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache
}

func storedEvent(t *testing.T, mem *store.Memory) models.MessageEvent {
	t.Helper()
	ev := models.MessageEvent{
		PlatformAccountID: "acct1",
		SenderID:          "u1",
		RecipientID:       "acct1",
		PlatformMessageID: "m1",
	}
	require.NoError(t, mem.Insert(context.Background(), &models.StoredMessage{
		TenantID:          "t1",
		PlatformMessageID: ev.PlatformMessageID,
	}))
	return ev
}

func TestEnrich_AttachesProfiles(t *testing.T) {
	mem := store.NewMemory()
	ev := storedEvent(t, mem)

	resolver := &fakeResolver{profiles: map[string]*models.DisplayProfile{
		"u1":    {UserID: "u1", Name: "Alice"},
		"acct1": {UserID: "acct1", Name: "The Shop"},
	}}
	e := New(resolver, testCache(t), mem, nil, time.Second, testLogger())

	e.Enrich(context.Background(), "t1", ev)

	msg, ok := mem.Message("m1")
	require.True(t, ok)
	assert.Equal(t, "Alice", msg.SenderName)
	assert.Equal(t, "The Shop", msg.RecipientName)
}

func TestEnrich_CacheSkipsSecondLookup(t *testing.T) {
	mem := store.NewMemory()
	ev := storedEvent(t, mem)

	resolver := &fakeResolver{profiles: map[string]*models.DisplayProfile{
		"u1":    {UserID: "u1", Name: "Alice"},
		"acct1": {UserID: "acct1", Name: "The Shop"},
	}}
	e := New(resolver, testCache(t), mem, nil, time.Second, testLogger())

	e.Enrich(context.Background(), "t1", ev)
	first := resolver.calls
	e.Enrich(context.Background(), "t1", ev)

	assert.Equal(t, first, resolver.calls, "second pass served from cache")
}

func TestEnrich_FailureIsSwallowed(t *testing.T) {
	mem := store.NewMemory()
	ev := storedEvent(t, mem)

	e := New(&fakeResolver{err: errors.New("graph api down")}, testCache(t), mem, nil, time.Second, testLogger())

	// Must not panic or surface anything.
	e.Enrich(context.Background(), "t1", ev)

	msg, ok := mem.Message("m1")
	require.True(t, ok)
	assert.Empty(t, msg.SenderName)
}

func TestEnrich_NilCacheTolerated(t *testing.T) {
	mem := store.NewMemory()
	ev := storedEvent(t, mem)

	resolver := &fakeResolver{profiles: map[string]*models.DisplayProfile{
		"u1": {UserID: "u1", Name: "Alice"},
	}}
	e := New(resolver, nil, mem, nil, time.Second, testLogger())

	e.Enrich(context.Background(), "t1", ev)

	msg, ok := mem.Message("m1")
	require.True(t, ok)
	assert.Equal(t, "Alice", msg.SenderName)
}

func TestEnrich_SkipsEventsWithoutMessageID(t *testing.T) {
	mem := store.NewMemory()
	resolver := &fakeResolver{}
	e := New(resolver, nil, mem, nil, time.Second, testLogger())

	e.Enrich(context.Background(), "t1", models.MessageEvent{SenderID: "u1"})
	assert.Zero(t, resolver.calls)
}

func TestGraphClient_Lookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/u1", r.URL.Path)
		assert.Equal(t, "name,username,profile_pic", r.URL.Query().Get("fields"))
		assert.Equal(t, "tok", r.URL.Query().Get("access_token"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"u1","name":"Alice","username":"alice.ig","profile_pic":"https://cdn.example/a.jpg"}`))
	}))
	defer srv.Close()

	c := NewGraphClient(srv.URL, "tok", time.Second)
	p, err := c.Lookup(context.Background(), "acct1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.Name)
	assert.Equal(t, "alice.ig", p.Username)
	assert.Equal(t, "https://cdn.example/a.jpg", p.AvatarURL)
}

func TestGraphClient_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid token"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewGraphClient(srv.URL, "bad", time.Second)
	_, err := c.Lookup(context.Background(), "acct1", "u1")
	require.Error(t, err)
}

func TestProfileCache_RoundTrip(t *testing.T) {
	cache := testCache(t)
	ctx := context.Background()

	miss, err := cache.Get(ctx, "acct1", "u1")
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, cache.Set(ctx, "acct1", &models.DisplayProfile{UserID: "u1", Name: "Alice"}))

	hit, err := cache.Get(ctx, "acct1", "u1")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "Alice", hit.Name)
}
