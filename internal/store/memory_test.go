package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopmesh/dm-ingest/internal/models"
)

func TestMemory_MostRecentByAccount(t *testing.T) {
	m := NewMemory()
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := old.Add(48 * time.Hour)

	m.AddConnection(models.TenantConnection{TenantID: "t-old", PlatformAccountID: "acct1", LastSyncedAt: old})
	m.AddConnection(models.TenantConnection{TenantID: "t-new", PlatformAccountID: "acct1", LastSyncedAt: newer})
	m.AddConnection(models.TenantConnection{TenantID: "t-other", PlatformAccountID: "acct2", LastSyncedAt: newer.Add(time.Hour)})

	c, err := m.MostRecentByAccount(context.Background(), "acct1")
	require.NoError(t, err)
	assert.Equal(t, "t-new", c.TenantID)

	_, err = m.MostRecentByAccount(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_MostRecent(t *testing.T) {
	m := NewMemory()
	_, err := m.MostRecent(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)

	m.AddConnection(models.TenantConnection{TenantID: "t1", PlatformAccountID: "a1", LastSyncedAt: time.Now().Add(-time.Hour)})
	m.AddConnection(models.TenantConnection{TenantID: "t2", PlatformAccountID: "a2", LastSyncedAt: time.Now()})

	c, err := m.MostRecent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t2", c.TenantID)
}

func TestMemory_InsertDeduplicates(t *testing.T) {
	m := NewMemory()
	msg := &models.StoredMessage{TenantID: "t1", PlatformMessageID: "m1", Text: "hi"}

	require.NoError(t, m.Insert(context.Background(), msg))
	err := m.Insert(context.Background(), &models.StoredMessage{TenantID: "t1", PlatformMessageID: "m1"})
	assert.ErrorIs(t, err, ErrDuplicateMessage)
	assert.Equal(t, 1, m.MessageCount())
}

func TestMemory_InsertConcurrentDuplicates(t *testing.T) {
	m := NewMemory()

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Insert(context.Background(), &models.StoredMessage{TenantID: "t1", PlatformMessageID: "m1"})
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
		} else {
			assert.ErrorIs(t, err, ErrDuplicateMessage)
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, m.MessageCount())
}

func TestMemory_InsertWithoutPlatformID(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Insert(context.Background(), &models.StoredMessage{TenantID: "t1"}))
	require.NoError(t, m.Insert(context.Background(), &models.StoredMessage{TenantID: "t1"}))
	assert.Equal(t, 2, m.MessageCount(), "unkeyed messages are never deduplicated")
}

func TestMemory_AttachProfiles(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Insert(context.Background(), &models.StoredMessage{TenantID: "t1", PlatformMessageID: "m1"}))

	require.NoError(t, m.AttachProfiles(context.Background(), "m1", "Alice", "Shop"))
	msg, ok := m.Message("m1")
	require.True(t, ok)
	assert.Equal(t, "Alice", msg.SenderName)
	assert.Equal(t, "Shop", msg.RecipientName)

	assert.ErrorIs(t, m.AttachProfiles(context.Background(), "missing", "a", "b"), ErrNotFound)
}

func TestMemory_TouchLastEvent(t *testing.T) {
	m := NewMemory()
	m.AddConnection(models.TenantConnection{TenantID: "t1", PlatformAccountID: "acct1", LastSyncedAt: time.Now()})

	require.NoError(t, m.TouchLastEvent(context.Background(), "acct1"))
	c, ok := m.Connection("acct1")
	require.True(t, ok)
	require.NotNil(t, c.LastEventAt)
}

func TestMemory_QuarantineAppend(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Append(context.Background(), &models.QuarantinedEvent{
		PlatformAccountID: "acct-x",
		Reason:            "no tenant match",
	}))

	entries := m.Quarantined()
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
	assert.False(t, entries[0].CapturedAt.IsZero())
	assert.Equal(t, "no tenant match", entries[0].Reason)
}

func TestMemory_SyncState(t *testing.T) {
	m := NewMemory()
	m.AddSyncState("acct-legacy", "t-legacy")

	tenantID, err := m.TenantByAccount(context.Background(), "acct-legacy")
	require.NoError(t, err)
	assert.Equal(t, "t-legacy", tenantID)

	_, err = m.TenantByAccount(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
