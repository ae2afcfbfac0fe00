package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialogtree/dialog/pkg/crmsync"
)

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	s, err := NewSQLStore(db, "sqlite")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()
	created := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	rec := &ConversationRecord{
		ID:             "c1",
		TenantID:       "t1",
		UserID:         "u1",
		Channel:        "web_chat",
		State:          "active",
		Previous:       "initialized",
		CreatedAt:      created,
		LastActivityAt: created,
		Context:        []byte(`{"user":{"tier":"gold"}}`),
	}
	require.NoError(t, s.PutConversation(ctx, rec))

	got, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TenantID)
	assert.Equal(t, "active", got.State)
	assert.JSONEq(t, `{"user":{"tier":"gold"}}`, string(got.Context))

	// Upsert replaces mutable fields.
	rec.State = "resolved"
	rec.LastActivityAt = created.Add(time.Hour)
	require.NoError(t, s.PutConversation(ctx, rec))
	got, err = s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "resolved", got.State)

	_, err = s.GetConversation(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListConversations(ctx, "t1", created.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, list, 1)
	list, err = s.ListConversations(ctx, "t1", created.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, list)

	for _, text := range []string{"hello", "hi there", "bye"} {
		require.NoError(t, s.AppendMessage(ctx, &MessageRecord{
			ConversationID: "c1",
			Sender:         "user",
			Text:           text,
			CreatedAt:      created,
		}))
	}
	count, err := s.MessageCount(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	msgs, err := s.ListMessages(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, int64(1), msgs[0].Sequence)
	assert.Equal(t, "hello", msgs[0].Text)

	// Limit keeps the most recent messages in ascending order.
	msgs, err = s.ListMessages(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi there", msgs[0].Text)
	assert.Equal(t, "bye", msgs[1].Text)

	require.NoError(t, s.DeleteConversation(ctx, "c1"))
	_, err = s.GetConversation(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
	count, err = s.MessageCount(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestSQLStoreSQLite(t *testing.T) {
	runStoreSuite(t, openSQLite(t))
}

func TestSQLSyncRecordStore(t *testing.T) {
	s := openSQLite(t)
	records := s.SyncRecords()

	rec := &crmsync.SyncRecord{
		TenantID:         "t1",
		ObjectType:       "contact",
		LocalID:          "l1",
		RemoteID:         "r1",
		Direction:        crmsync.DirectionBidirectional,
		LastSyncAt:       time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		LocalModifiedAt:  time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		RemoteModifiedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		Status:           crmsync.StatusSynced,
		Strategy:         crmsync.StrategyLastWriteWins,
	}
	require.NoError(t, records.Put(rec))

	got, ok := records.Get("t1", "contact", "l1")
	require.True(t, ok)
	assert.Equal(t, "r1", got.RemoteID)
	assert.Equal(t, crmsync.StatusSynced, got.Status)

	byRemote, ok := records.ByRemoteID("t1", "contact", "r1")
	require.True(t, ok)
	assert.Equal(t, "l1", byRemote.LocalID)

	_, ok = records.Get("t1", "contact", "missing")
	assert.False(t, ok)

	// Upsert by primary key.
	rec.Status = crmsync.StatusFailed
	rec.Retries = 2
	require.NoError(t, records.Put(rec))
	got, _ = records.Get("t1", "contact", "l1")
	assert.Equal(t, crmsync.StatusFailed, got.Status)
	assert.Equal(t, 2, got.Retries)

	assert.Len(t, records.List("t1", "contact"), 1)
}

func TestSQLConfigDefaultsAndValidation(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	assert.Equal(t, "sqlite", cfg.Driver)
	assert.Equal(t, "dialog.db", cfg.Path)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "dialog.db", cfg.ConnectionString())

	pg := &Config{Driver: "postgres"}
	pg.SetDefaults()
	assert.Error(t, pg.Validate(), "postgres requires host and database")

	pg.Host = "localhost"
	pg.Database = "dialog"
	require.NoError(t, pg.Validate())
	assert.Contains(t, pg.ConnectionString(), "host=localhost")

	bad := &Config{Driver: "oracle"}
	assert.Error(t, bad.Validate())
}
