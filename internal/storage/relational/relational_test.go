//go:build integration
// +build integration

package relational

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GiampaoloGabba/taskengine/internal/models"
	"github.com/GiampaoloGabba/taskengine/internal/storage"
)

// newTestStore connects to the Postgres instance named by the
// TASKENGINE_TEST_PG_* env vars, auto-migrates the schema in that
// database, and returns a Store. Skipped outside CI's integration job, same pattern
// the teacher uses for its fiber integration suite.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	host := os.Getenv("TASKENGINE_TEST_PG_HOST")
	if host == "" {
		t.Skip("set TASKENGINE_TEST_PG_HOST to run relational storage integration tests")
	}

	db, err := Connect(Config{
		Host:         host,
		Port:         envOr("TASKENGINE_TEST_PG_PORT", "5432"),
		User:         envOr("TASKENGINE_TEST_PG_USER", "postgres"),
		Password:     os.Getenv("TASKENGINE_TEST_PG_PASSWORD"),
		DBName:       envOr("TASKENGINE_TEST_PG_DB", "taskengine_test"),
		SSLMode:      "disable",
		MaxIdleConns: 2,
		MaxOpenConns: 5,
	})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return New(db)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestStore_PersistAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &models.QueuedTask{
		Type:         "orders.ShipOrder",
		Handler:      "orders.ShipOrderHandler",
		Status:       models.StatusWaitingQueue,
		QueueName:    "default",
		AuditLevel:   models.AuditFull,
		CreatedAtUtc: time.Now().UTC(),
	}
	id, err := s.Persist(ctx, task)
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, task.Type, got.Type)
}

func TestStore_SetStatus_CompletedSetsLastExecutionAndOneAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Persist(ctx, &models.QueuedTask{
		Type: "orders.ShipOrder", Handler: "h", Status: models.StatusWaitingQueue,
		AuditLevel: models.AuditFull, CreatedAtUtc: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, s.SetStatus(ctx, id, models.StatusCompleted, "", models.AuditFull))
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.LastExecutionUtc)

	audits, err := s.GetStatusAudits(ctx, id)
	require.NoError(t, err)
	require.Len(t, audits, 1)
}

func TestStore_SetStatus_MissingRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	err := s.SetStatus(ctx, models.QueuedTask{}.ID, models.StatusCompleted, "", models.AuditFull)
	require.ErrorIs(t, err, storage.ErrNotFound)
}
