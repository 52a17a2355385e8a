package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opencouncil/councild/pkg/models"
)

// MemoryStore is an in-process Store for tests and single-node dev setups.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*models.CouncilSession // userID -> sessionID
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]map[string]*models.CouncilSession)}
}

func (m *MemoryStore) CreateSession(_ context.Context, sess *models.CouncilSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user := m.sessions[sess.UserID]
	if user == nil {
		user = make(map[string]*models.CouncilSession)
		m.sessions[sess.UserID] = user
	}
	user[sess.SessionID] = copySession(sess)
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, userID, sessionID string) (*models.CouncilSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[userID][sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(sess), nil
}

func (m *MemoryStore) ListSessions(_ context.Context, userID string) ([]models.SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summaries := make([]models.SessionSummary, 0, len(m.sessions[userID]))
	for _, sess := range m.sessions[userID] {
		summaries = append(summaries, models.SessionSummary{
			SessionID:    sess.SessionID,
			Title:        sess.Title,
			MessageCount: len(sess.Messages),
			CreatedAt:    sess.CreatedAt,
			UpdatedAt:    sess.UpdatedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

func (m *MemoryStore) CountSessions(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions[userID]), nil
}

func (m *MemoryStore) AppendMessages(_ context.Context, userID, sessionID string, msgs ...models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[userID][sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.Messages = append(sess.Messages, msgs...)
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) UpdateTitle(_ context.Context, userID, sessionID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[userID][sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.Title = title
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, userID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[userID][sessionID]; !ok {
		return ErrNotFound
	}
	delete(m.sessions[userID], sessionID)
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func copySession(sess *models.CouncilSession) *models.CouncilSession {
	out := *sess
	out.Messages = make([]models.Message, len(sess.Messages))
	copy(out.Messages, sess.Messages)
	return &out
}
