package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetops/fleetd/internal/model"
)

func openTestDB(t *testing.T) *FleetDB {
	t.Helper()
	db, err := Open(zap.NewNop(), filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMembership(t *testing.T) {
	ctx := context.Background()

	t.Run("Save And List", func(t *testing.T) {
		db := openTestDB(t)

		host := model.Host{
			ID:           "h1",
			Name:         "web-1",
			Address:      "http://10.0.0.1:9100",
			Class:        "critical",
			Capabilities: []model.ActionKind{model.ActionRestart, model.ActionSSHOpen},
		}
		require.NoError(t, db.SaveHost(ctx, host))

		hosts, err := db.ListHosts(ctx)
		require.NoError(t, err)
		require.Len(t, hosts, 1)
		assert.Equal(t, host, hosts[0])
	})

	t.Run("Save Is Upsert", func(t *testing.T) {
		db := openTestDB(t)

		host := model.Host{ID: "h1", Name: "web-1", Address: "http://10.0.0.1:9100"}
		require.NoError(t, db.SaveHost(ctx, host))

		host.Address = "http://10.0.0.2:9100"
		require.NoError(t, db.SaveHost(ctx, host))

		hosts, err := db.ListHosts(ctx)
		require.NoError(t, err)
		require.Len(t, hosts, 1)
		assert.Equal(t, "http://10.0.0.2:9100", hosts[0].Address)
	})

	t.Run("Delete", func(t *testing.T) {
		db := openTestDB(t)

		require.NoError(t, db.SaveHost(ctx, model.Host{ID: "h1", Name: "web-1", Address: "http://10.0.0.1:9100"}))
		require.NoError(t, db.DeleteHost(ctx, "h1"))

		hosts, err := db.ListHosts(ctx)
		require.NoError(t, err)
		assert.Empty(t, hosts)
	})
}

func TestAudit(t *testing.T) {
	ctx := context.Background()

	record := func(t *testing.T, db *FleetDB, hostID string, completedAt time.Time) string {
		t.Helper()
		id := uuid.New().String()
		request := model.ActionRequest{
			ID:          id,
			HostID:      hostID,
			Kind:        model.ActionRestart,
			SubmittedAt: completedAt.Add(-time.Second),
		}
		outcome := model.ActionOutcome{
			RequestID:   id,
			HostID:      hostID,
			Kind:        model.ActionRestart,
			State:       model.ActionStateSucceeded,
			Detail:      "acknowledged",
			Attempts:    1,
			CompletedAt: completedAt,
		}
		require.NoError(t, db.RecordOutcome(ctx, request, outcome))
		return id
	}

	t.Run("Record And List", func(t *testing.T) {
		db := openTestDB(t)

		now := time.Now()
		id := record(t, db, "h1", now)
		record(t, db, "h2", now.Add(time.Second))

		records, err := db.ListOutcomes(ctx, "h1", 10)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, id, records[0].RequestID)
		assert.Equal(t, model.ActionStateSucceeded, records[0].State)
		assert.Equal(t, "acknowledged", records[0].Detail)

		all, err := db.ListOutcomes(ctx, "", 10)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("Retention Cleanup", func(t *testing.T) {
		db := openTestDB(t)

		now := time.Now()
		record(t, db, "h1", now.Add(-48*time.Hour))
		kept := record(t, db, "h1", now)

		require.NoError(t, db.DeleteOutcomesBefore(ctx, now.Add(-24*time.Hour)))

		records, err := db.ListOutcomes(ctx, "h1", 10)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, kept, records[0].RequestID)
	})
}
