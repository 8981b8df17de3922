package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopmesh/dm-ingest/internal/models"
)

// Memory implements all store contracts in process. Used by tests and
// by development mode when no database is configured.
type Memory struct {
	mu          sync.RWMutex
	connections []models.TenantConnection
	syncState   map[string]string
	messages    map[string]*models.StoredMessage // keyed by platform message id
	unkeyed     []*models.StoredMessage          // messages without a platform id
	quarantined []models.QuarantinedEvent
}

func NewMemory() *Memory {
	return &Memory{
		syncState: make(map[string]string),
		messages:  make(map[string]*models.StoredMessage),
	}
}

// AddConnection seeds a tenant connection.
func (m *Memory) AddConnection(c models.TenantConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections = append(m.connections, c)
}

// AddSyncState seeds a historical sync-state linkage.
func (m *Memory) AddSyncState(platformAccountID, tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncState[platformAccountID] = tenantID
}

func (m *Memory) MostRecentByAccount(ctx context.Context, platformAccountID string) (*models.TenantConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *models.TenantConnection
	for i := range m.connections {
		c := &m.connections[i]
		if c.PlatformAccountID != platformAccountID {
			continue
		}
		if best == nil || c.LastSyncedAt.After(best.LastSyncedAt) {
			best = c
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	out := *best
	return &out, nil
}

func (m *Memory) MostRecent(ctx context.Context) (*models.TenantConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *models.TenantConnection
	for i := range m.connections {
		c := &m.connections[i]
		if best == nil || c.LastSyncedAt.After(best.LastSyncedAt) {
			best = c
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	out := *best
	return &out, nil
}

func (m *Memory) TouchLastEvent(ctx context.Context, platformAccountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for i := range m.connections {
		if m.connections[i].PlatformAccountID == platformAccountID {
			m.connections[i].LastEventAt = &now
		}
	}
	return nil
}

func (m *Memory) TenantByAccount(ctx context.Context, platformAccountID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenantID, ok := m.syncState[platformAccountID]
	if !ok {
		return "", ErrNotFound
	}
	return tenantID, nil
}

func (m *Memory) Insert(ctx context.Context, msg *models.StoredMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	if msg.PlatformMessageID == "" {
		cp := *msg
		m.unkeyed = append(m.unkeyed, &cp)
		return nil
	}
	if _, exists := m.messages[msg.PlatformMessageID]; exists {
		return ErrDuplicateMessage
	}
	cp := *msg
	m.messages[msg.PlatformMessageID] = &cp
	return nil
}

func (m *Memory) AttachProfiles(ctx context.Context, platformMessageID, senderName, recipientName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[platformMessageID]
	if !ok {
		return ErrNotFound
	}
	msg.SenderName = senderName
	msg.RecipientName = recipientName
	return nil
}

func (m *Memory) Append(ctx context.Context, ev *models.QuarantinedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CapturedAt.IsZero() {
		ev.CapturedAt = time.Now().UTC()
	}
	m.quarantined = append(m.quarantined, *ev)
	return nil
}

// Message returns the stored message for a platform message id.
func (m *Memory) Message(platformMessageID string) (*models.StoredMessage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[platformMessageID]
	if !ok {
		return nil, false
	}
	out := *msg
	return &out, true
}

// MessageCount reports the number of stored messages.
func (m *Memory) MessageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages) + len(m.unkeyed)
}

// Quarantined returns a copy of the quarantine log.
func (m *Memory) Quarantined() []models.QuarantinedEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.QuarantinedEvent(nil), m.quarantined...)
}

// Connection returns the seeded connection for an account, if any.
func (m *Memory) Connection(platformAccountID string) (*models.TenantConnection, bool) {
	c, err := m.MostRecentByAccount(context.Background(), platformAccountID)
	if err != nil {
		return nil, false
	}
	return c, true
}
