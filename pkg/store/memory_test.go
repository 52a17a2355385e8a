package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencouncil/councild/pkg/models"
)

func newSession(userID string) *models.CouncilSession {
	now := time.Now().UTC()
	return &models.CouncilSession{
		UserID:    userID,
		SessionID: uuid.NewString(),
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	sess := newSession("u1")
	require.NoError(t, m.CreateSession(ctx, sess))

	got, err := m.GetSession(ctx, "u1", sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID, got.SessionID)
	assert.Empty(t, got.Messages)

	count, err := m.CountSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, m.UpdateTitle(ctx, "u1", sess.SessionID, "Greeting"))
	got, err = m.GetSession(ctx, "u1", sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "Greeting", got.Title)

	require.NoError(t, m.DeleteSession(ctx, "u1", sess.SessionID))
	_, err = m.GetSession(ctx, "u1", sess.SessionID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	_, err := m.GetSession(ctx, "u1", uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.AppendMessages(ctx, "u1", uuid.NewString(), models.Message{}), ErrNotFound)
	assert.ErrorIs(t, m.UpdateTitle(ctx, "u1", uuid.NewString(), "t"), ErrNotFound)
	assert.ErrorIs(t, m.DeleteSession(ctx, "u1", uuid.NewString()), ErrNotFound)
}

func TestMemoryStore_AppendMessages(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	sess := newSession("u1")
	require.NoError(t, m.CreateSession(ctx, sess))

	user := models.Message{Role: models.RoleUser, Content: "hi", Timestamp: time.Now().UTC()}
	assistant := models.Message{
		Role:      models.RoleAssistant,
		Timestamp: time.Now().UTC(),
		Stage1:    []models.Stage1Answer{{Model: "M1", Response: "Hello"}},
		Mode:      models.ModeLite,
	}
	require.NoError(t, m.AppendMessages(ctx, "u1", sess.SessionID, user, assistant))

	got, err := m.GetSession(ctx, "u1", sess.SessionID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, models.RoleUser, got.Messages[0].Role)
	assert.Equal(t, "Hello", got.Messages[1].Stage1[0].Response)
	assert.True(t, got.UpdatedAt.After(sess.UpdatedAt) || got.UpdatedAt.Equal(sess.UpdatedAt))
}

func TestMemoryStore_ListOrdering(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	first := newSession("u1")
	require.NoError(t, m.CreateSession(ctx, first))
	second := newSession("u1")
	require.NoError(t, m.CreateSession(ctx, second))

	// Touching the first session moves it to the top.
	require.NoError(t, m.AppendMessages(ctx, "u1", first.SessionID,
		models.Message{Role: models.RoleUser, Content: "hi"}))

	summaries, err := m.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, first.SessionID, summaries[0].SessionID)
	assert.Equal(t, 1, summaries[0].MessageCount)

	// Other users see nothing.
	other, err := m.ListSessions(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMemoryStore_CopyIsolation(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	sess := newSession("u1")
	require.NoError(t, m.CreateSession(ctx, sess))

	// Mutating the caller's copy must not leak into the store.
	sess.Title = "mutated"
	sess.Messages = append(sess.Messages, models.Message{Role: models.RoleUser, Content: "x"})

	got, err := m.GetSession(ctx, "u1", sess.SessionID)
	require.NoError(t, err)
	assert.Empty(t, got.Title)
	assert.Empty(t, got.Messages)

	// And mutating a returned copy must not change stored state.
	got.Messages = append(got.Messages, models.Message{Role: models.RoleUser, Content: "y"})
	again, err := m.GetSession(ctx, "u1", sess.SessionID)
	require.NoError(t, err)
	assert.Empty(t, again.Messages)
}

func TestMemoryStore_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	sess := newSession("u1")
	require.NoError(t, m.CreateSession(ctx, sess))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.AppendMessages(ctx, "u1", sess.SessionID,
				models.Message{Role: models.RoleUser, Content: "hi"})
		}()
	}
	wg.Wait()

	got, err := m.GetSession(ctx, "u1", sess.SessionID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 20)
}
