package database

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"whatsbot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(context.Background(), models.DatabaseConfig{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	}, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNew_RejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, models.DatabaseConfig{Driver: "sqlite3", DSN: ""}, Options{})
	assert.Error(t, err)
	_, err = New(ctx, models.DatabaseConfig{Driver: "mysql", DSN: "x"}, Options{})
	assert.Error(t, err)
}

func TestSessionRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	rec, err := db.LoadSession(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, db.SaveSession(ctx, models.SessionRecord{
		UserID:  "u1",
		AuthRef: "auth1",
		Creds:   json.RawMessage(`{"me":{"id":"x"}}`),
		Keys:    json.RawMessage(`{}`),
	}))
	require.NoError(t, db.SaveSession(ctx, models.SessionRecord{
		UserID:  "u1",
		AuthRef: "auth1",
		Creds:   json.RawMessage(`{"me":{"id":"x"}}`),
		Keys:    json.RawMessage(`{"typeA":{"k1":"djE="}}`),
	}))

	rec, err = db.LoadSession(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "auth1", rec.AuthRef)
	assert.JSONEq(t, `{"typeA":{"k1":"djE="}}`, string(rec.Keys))
	assert.False(t, rec.UpdatedAt.IsZero())

	all, err := db.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, db.DeleteSession(ctx, "u1"))
	require.NoError(t, db.DeleteSession(ctx, "u1"))
	rec, err = db.LoadSession(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUsers(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	exists, err := db.UserExists(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, exists)

	limits, err := db.GetUserLimits(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.UserLimits{MaxRAMMB: 10, MaxROMMB: 50}, limits)

	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, db.SaveUser(ctx, models.User{UserID: "u1", AuthRef: "auth1", Name: "Alice", CreatedAt: created}))
	require.NoError(t, db.SetUserLimits(ctx, "u1", models.UserLimits{MaxRAMMB: 2}))
	require.NoError(t, db.SaveUser(ctx, models.User{UserID: "u1", AuthRef: "auth1", Name: "Alice B"}))

	exists, err = db.UserExists(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, exists)

	u, err := db.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "Alice B", u.Name)
	assert.True(t, created.Equal(u.CreatedAt), "created_at survives updates")

	limits, err = db.GetUserLimits(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.UserLimits{MaxRAMMB: 2, MaxROMMB: 50}, limits)

	assert.Error(t, db.SetUserLimits(ctx, "ghost", models.UserLimits{MaxRAMMB: 1}))

	require.NoError(t, db.SaveDeliveryChannel(ctx, models.DeliveryChannel{UserID: "u1", AuthRef: "auth1", Email: "a@example.com"}))
	ch, err := db.GetDeliveryChannel(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, ch)
	assert.Equal(t, "a@example.com", ch.Email)

	require.NoError(t, db.DeleteUser(ctx, "u1"))
	exists, err = db.UserExists(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, exists)
	ch, err = db.GetDeliveryChannel(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, ch)
}

func TestRebind(t *testing.T) {
	d := &Database{driver: "pgx"}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", d.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	d.driver = "sqlite3"
	assert.Equal(t, "a = ?", d.rebind("a = ?"))
}
