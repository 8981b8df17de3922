package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopmesh/dm-ingest/internal/enrich"
	"github.com/loopmesh/dm-ingest/internal/logging"
	"github.com/loopmesh/dm-ingest/internal/models"
	"github.com/loopmesh/dm-ingest/internal/persist"
	"github.com/loopmesh/dm-ingest/internal/pipeline"
	"github.com/loopmesh/dm-ingest/internal/quarantine"
	"github.com/loopmesh/dm-ingest/internal/resolver"
	"github.com/loopmesh/dm-ingest/internal/signature"
	"github.com/loopmesh/dm-ingest/internal/store"
)

const (
	testSecret      = "app-secret"
	testVerifyToken = "verify-me"
)

type fakeProfileResolver struct{}

func (fakeProfileResolver) Lookup(ctx context.Context, accountID, userID string) (*models.DisplayProfile, error) {
	return &models.DisplayProfile{UserID: userID, Name: "Name of " + userID}, nil
}

func quietLogger() *logging.Logger {
	return logging.New(slog.LevelError, "text")
}

func newSyncSink(mem *store.Memory) *pipeline.Pipeline {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return pipeline.New(
		resolver.NewChain(log, time.Second, mem, mem),
		persist.New(mem, mem, log),
		quarantine.NewStoreWriter(mem),
		enrich.New(fakeProfileResolver{}, nil, mem, nil, time.Second, log),
		log,
	)
}

func newTestHandler(sink Sink) *WebhookHandler {
	v := signature.NewVerifier(testSecret)
	return NewWebhookHandler(v, testVerifyToken, sink, 0, nil, quietLogger())
}

func deliveryBody(accountID, mid string) []byte {
	return []byte(fmt.Sprintf(`{"object":"instagram","entry":[{"id":%q,"time":1700000000,"messaging":[{"sender":{"id":"u1"},"recipient":{"id":%q},"timestamp":1700000000000,"message":{"mid":%q,"text":"hello"}}]}]}`,
		accountID, accountID, mid))
}

func postDelivery(t *testing.T, h *WebhookHandler, body []byte, sigHeader string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sigHeader != "" {
		req.Header.Set("X-Hub-Signature-256", sigHeader)
	}
	rr := httptest.NewRecorder()
	h.HandleWebhook(rr, req)
	return rr
}

func TestHandleWebhook_HandshakeEchoesChallenge(t *testing.T) {
	h := newTestHandler(newSyncSink(store.NewMemory()))

	req := httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token="+testVerifyToken+"&hub.challenge=1158201444", nil)
	rr := httptest.NewRecorder()
	h.HandleWebhook(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "1158201444", rr.Body.String())
	assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
}

func TestHandleWebhook_HandshakeAcceptsMissingChallenge(t *testing.T) {
	// Only mode and token gate the handshake; an absent challenge just
	// echoes back empty.
	h := newTestHandler(newSyncSink(store.NewMemory()))

	req := httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token="+testVerifyToken, nil)
	rr := httptest.NewRecorder()
	h.HandleWebhook(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Body.String())
}

func TestHandleWebhook_HandshakeRejected(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"wrong token", "hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=abc"},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=" + testVerifyToken + "&hub.challenge=abc"},
		{"no params", ""},
	}

	h := newTestHandler(newSyncSink(store.NewMemory()))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/webhook?"+tt.query, nil)
			rr := httptest.NewRecorder()
			h.HandleWebhook(rr, req)
			assert.Equal(t, http.StatusForbidden, rr.Code)
		})
	}
}

func TestHandleDelivery_StoresMessage(t *testing.T) {
	mem := store.NewMemory()
	mem.AddConnection(models.TenantConnection{TenantID: "t1", PlatformAccountID: "acct1", LastSyncedAt: time.Now()})
	h := newTestHandler(newSyncSink(mem))

	body := deliveryBody("acct1", "m1")
	sig := signature.NewVerifier(testSecret).Sign(body)
	rr := postDelivery(t, h, body, sig)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]bool
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.True(t, resp["ok"])

	msg, ok := mem.Message("m1")
	require.True(t, ok)
	assert.Equal(t, "t1", msg.TenantID)
	assert.Equal(t, "hello", msg.Text)
}

func TestHandleDelivery_ReplayStoresOneRow(t *testing.T) {
	mem := store.NewMemory()
	mem.AddConnection(models.TenantConnection{TenantID: "t1", PlatformAccountID: "acct1", LastSyncedAt: time.Now()})
	h := newTestHandler(newSyncSink(mem))

	body := deliveryBody("acct1", "m1")
	sig := signature.NewVerifier(testSecret).Sign(body)

	first := postDelivery(t, h, body, sig)
	second := postDelivery(t, h, body, sig)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code, "replays acknowledge cleanly")
	assert.Equal(t, 1, mem.MessageCount())
	assert.Empty(t, mem.Quarantined())
}

func TestHandleDelivery_InvalidSignatureRejected(t *testing.T) {
	mem := store.NewMemory()
	mem.AddConnection(models.TenantConnection{TenantID: "t1", PlatformAccountID: "acct1", LastSyncedAt: time.Now()})
	h := newTestHandler(newSyncSink(mem))

	rr := postDelivery(t, h, deliveryBody("acct1", "m1"), "sha256=deadbeef")

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Zero(t, mem.MessageCount(), "nothing may be written before verification")
	assert.Empty(t, mem.Quarantined())
}

func TestHandleDelivery_MissingSignatureRejected(t *testing.T) {
	mem := store.NewMemory()
	h := newTestHandler(newSyncSink(mem))

	rr := postDelivery(t, h, deliveryBody("acct1", "m1"), "")

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Zero(t, mem.MessageCount())
}

func TestHandleDelivery_MalformedBodyAfterValidSignature(t *testing.T) {
	mem := store.NewMemory()
	h := newTestHandler(newSyncSink(mem))

	body := []byte(`{"object":"instagram","entry":[`)
	sig := signature.NewVerifier(testSecret).Sign(body)
	rr := postDelivery(t, h, body, sig)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Zero(t, mem.MessageCount())
}

func TestHandleDelivery_OtherObjectAcknowledgedAndIgnored(t *testing.T) {
	mem := store.NewMemory()
	h := newTestHandler(newSyncSink(mem))

	body := []byte(`{"object":"page","entry":[{"id":"acct1","messaging":[{"message":{"mid":"m1"}}]}]}`)
	sig := signature.NewVerifier(testSecret).Sign(body)
	rr := postDelivery(t, h, body, sig)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Zero(t, mem.MessageCount())
	assert.Empty(t, mem.Quarantined())
}

func TestHandleDelivery_ChangesShapeStored(t *testing.T) {
	mem := store.NewMemory()
	mem.AddConnection(models.TenantConnection{TenantID: "t1", PlatformAccountID: "acct1", LastSyncedAt: time.Now()})
	h := newTestHandler(newSyncSink(mem))

	body := []byte(`{"object":"instagram","entry":[{"id":"acct1","time":1700000000,"changes":[{"field":"messages","value":{"sender":{"id":"u1"},"recipient":{"id":"acct1"},"timestamp":1700000000000,"message":{"mid":"m-chg","text":"hi"}}}]}]}`)
	sig := signature.NewVerifier(testSecret).Sign(body)
	rr := postDelivery(t, h, body, sig)

	require.Equal(t, http.StatusOK, rr.Code)
	_, ok := mem.Message("m-chg")
	assert.True(t, ok)
}

func TestHandleDelivery_BodyOverLimitRejected(t *testing.T) {
	mem := store.NewMemory()
	v := signature.NewVerifier(testSecret)
	h := NewWebhookHandler(v, testVerifyToken, newSyncSink(mem), 16, nil, quietLogger())

	body := deliveryBody("acct1", "m1")
	rr := postDelivery(t, h, body, v.Sign(body))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Zero(t, mem.MessageCount())
}

func TestHandleWebhook_MethodNotAllowed(t *testing.T) {
	h := newTestHandler(newSyncSink(store.NewMemory()))

	req := httptest.NewRequest(http.MethodPut, "/webhook", nil)
	rr := httptest.NewRecorder()
	h.HandleWebhook(rr, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestHandleDelivery_AsyncModeProcessesAfterAck(t *testing.T) {
	mem := store.NewMemory()
	mem.AddConnection(models.TenantConnection{TenantID: "t1", PlatformAccountID: "acct1", LastSyncedAt: time.Now()})

	d := pipeline.NewDispatcher(newSyncSink(mem), 8, 2, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer d.Close()
	h := newTestHandler(d)

	body := deliveryBody("acct1", "m-async")
	rr := postDelivery(t, h, body, signature.NewVerifier(testSecret).Sign(body))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Eventually(t, func() bool {
		_, ok := mem.Message("m-async")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReady_ReportsDependencyFailure(t *testing.T) {
	v := signature.NewVerifier(testSecret)
	h := NewWebhookHandler(v, testVerifyToken, newSyncSink(store.NewMemory()), 0,
		func(ctx context.Context) error { return fmt.Errorf("database unreachable") },
		quietLogger())

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.Ready(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "database unreachable")
}
