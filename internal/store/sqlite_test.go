package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// stepClock returns a clock that advances by one millisecond on every call.
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Millisecond)
		return current
	}
}

func TestCreateConversationDefaults(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.CreateConversation(ctx, "", "")
	require.NoError(t, err)

	conv, err := store.GetConversation(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, DefaultConversationTitle, conv.Title)
	assert.Empty(t, conv.SystemPrompt)
	assert.Equal(t, conv.CreatedAt, conv.UpdatedAt)
}

func TestCreateConversationBlankTitle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.CreateConversation(ctx, "  \t ", "")
	require.NoError(t, err)

	conv, err := store.GetConversation(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, DefaultConversationTitle, conv.Title)
}

func TestGetConversationMissing(t *testing.T) {
	store := newTestStore(t)

	conv, err := store.GetConversation(context.Background(), 999999)
	require.NoError(t, err)
	assert.Nil(t, conv)
}

func TestListConversationsOrderAndCounts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	store.now = stepClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	first, err := store.CreateConversation(ctx, "first", "")
	require.NoError(t, err)
	second, err := store.CreateConversation(ctx, "second", "be brief")
	require.NoError(t, err)

	// Activity on the older conversation moves it to the front.
	require.NoError(t, store.AppendMessage(ctx, first, RoleUser, "hi"))
	require.NoError(t, store.AppendMessage(ctx, first, RoleAssistant, "hello"))

	list, err := store.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0].ID)
	assert.Equal(t, 2, list[0].MessageCount)
	assert.Equal(t, second, list[1].ID)
	assert.Equal(t, 0, list[1].MessageCount)
	assert.Equal(t, "be brief", list[1].SystemPrompt)
}

func TestListConversationsEmpty(t *testing.T) {
	list, err := newTestStore(t).ListConversations(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestUpdateConversationPartial(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	store.now = stepClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	id, err := store.CreateConversation(ctx, "original", "prompt")
	require.NoError(t, err)
	before, err := store.GetConversation(ctx, id)
	require.NoError(t, err)

	title := "renamed"
	require.NoError(t, store.UpdateConversation(ctx, id, &title, nil))

	after, err := store.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "renamed", after.Title)
	assert.Equal(t, "prompt", after.SystemPrompt)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))

	// No fields still refreshes updated_at.
	require.NoError(t, store.UpdateConversation(ctx, id, nil, nil))
	touched, err := store.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.True(t, touched.UpdatedAt.After(after.UpdatedAt))

	empty := ""
	require.NoError(t, store.UpdateConversation(ctx, id, &empty, &empty))
	cleared, err := store.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, DefaultConversationTitle, cleared.Title)
	assert.Empty(t, cleared.SystemPrompt)
}

func TestUpdateConversationUnknownID(t *testing.T) {
	title := "x"
	err := newTestStore(t).UpdateConversation(context.Background(), 42, &title, nil)
	assert.NoError(t, err)
}

func TestUpdatedAtNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return start }

	id, err := store.CreateConversation(ctx, "", "")
	require.NoError(t, err)

	store.now = func() time.Time { return start.Add(-time.Hour) }
	require.NoError(t, store.AppendMessage(ctx, id, RoleUser, "clock skew"))

	conv, err := store.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, start, conv.UpdatedAt)
}

func TestAppendMessageInvalidRole(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	store.now = stepClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	id, err := store.CreateConversation(ctx, "", "")
	require.NoError(t, err)
	require.NoError(t, store.AppendMessage(ctx, id, RoleUser, "keep me"))
	before, err := store.GetConversation(ctx, id)
	require.NoError(t, err)

	err = store.AppendMessage(ctx, id, Role("bogus"), "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidRole))

	after, err := store.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)

	messages, err := store.ListMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "keep me", messages[0].Content)
}

func TestAppendMessageUnknownConversation(t *testing.T) {
	err := newTestStore(t).AppendMessage(context.Background(), 12345, RoleUser, "orphan")
	assert.Error(t, err)
}

func TestReplaceMessages(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.CreateConversation(ctx, "", "")
	require.NoError(t, err)
	require.NoError(t, store.AppendMessage(ctx, id, RoleUser, "old"))

	replacement := []NewMessage{
		{Role: RoleSystem, Content: "rules"},
		{Role: RoleUser, Content: "question"},
		{Role: RoleAssistant, Content: ""},
	}
	require.NoError(t, store.ReplaceMessages(ctx, id, replacement))

	messages, err := store.ListMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	for i, m := range messages {
		assert.Equal(t, replacement[i].Role, m.Role)
		assert.Equal(t, replacement[i].Content, m.Content)
		assert.Equal(t, id, m.ConversationID)
		if i > 0 {
			assert.Greater(t, m.ID, messages[i-1].ID)
		}
	}
}

func TestReplaceMessagesEmptyKeepsConversation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.CreateConversation(ctx, "", "")
	require.NoError(t, err)
	require.NoError(t, store.AppendMessage(ctx, id, RoleUser, "gone soon"))

	require.NoError(t, store.ReplaceMessages(ctx, id, nil))

	messages, err := store.ListMessages(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, messages)

	conv, err := store.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, conv)
}

func TestReplaceMessagesInvalidRoleIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.CreateConversation(ctx, "", "")
	require.NoError(t, err)
	require.NoError(t, store.AppendMessage(ctx, id, RoleUser, "original"))

	err = store.ReplaceMessages(ctx, id, []NewMessage{
		{Role: RoleUser, Content: "new"},
		{Role: Role("robot"), Content: "bad"},
	})
	require.ErrorIs(t, err, ErrInvalidRole)

	messages, err := store.ListMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "original", messages[0].Content)
}

func TestDeleteConversationCascades(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.CreateConversation(ctx, "", "")
	require.NoError(t, err)
	require.NoError(t, store.AppendMessage(ctx, id, RoleUser, "a"))
	require.NoError(t, store.AppendMessage(ctx, id, RoleAssistant, "b"))

	deleted, err := store.DeleteConversation(ctx, id)
	require.NoError(t, err)
	assert.True(t, deleted)

	var orphans int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM messages WHERE conversation_id = ?", id).Scan(&orphans))
	assert.Zero(t, orphans)

	deleted, err = store.DeleteConversation(ctx, id)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.CreateConversation(ctx, "", "")
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.AppendMessage(ctx, id, RoleUser, "concurrent")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	messages, err := store.ListMessages(ctx, id)
	require.NoError(t, err)
	assert.Len(t, messages, n)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(":memory:", 0)
	require.NoError(t, err)
	defer store.Close()

	id, err := store.CreateConversation(ctx, "mem", "")
	require.NoError(t, err)
	require.NoError(t, store.AppendMessage(ctx, id, RoleUser, "hi"))

	deleted, err := store.DeleteConversation(ctx, id)
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestDataSourceName(t *testing.T) {
	assert.Equal(t, "file:chat.db?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL", dataSourceName("chat.db"))
	assert.Equal(t, "file::memory:?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", dataSourceName(":memory:"))
	assert.Equal(t, "file:x.db?cache=shared&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL", dataSourceName("file:x.db?cache=shared"))
}
