package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const insertInstanceSQL = `INSERT INTO instances (id, challenge_key, status, created_at, expires_at)
	VALUES (?, ?, ?, ?, ?)`

func TestNewSQLiteStore(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "sqlite_test")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	config := &Config{
		DatabasePath:    filepath.Join(tempDir, "nested", "test.db"),
		BackupDir:       filepath.Join(tempDir, "backups"),
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
		EnableBackup:    false,
	}

	store, err := NewSQLiteStore(config)
	require.NoError(t, err)
	require.NotNil(t, store)
	defer store.Close()

	ctx := context.Background()
	var result int
	require.NoError(t, store.QueryRow(ctx, "SELECT 1").Scan(&result))
	assert.Equal(t, 1, result)

	// Schema is fully migrated
	status, err := NewMigrator(store).GetMigrationStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.UpToDate)
	assert.Equal(t, 3, status.CurrentVersion)
}

func TestSQLiteStore_Transactions(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	t.Run("successful transaction", func(t *testing.T) {
		tx, err := store.BeginTransaction(ctx)
		require.NoError(t, err)

		_, err = tx.Exec(insertInstanceSQL, "test-tx-1", "web-easy", "running", now, now.Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		var id string
		err = store.QueryRow(ctx, "SELECT id FROM instances WHERE id = ?", "test-tx-1").Scan(&id)
		assert.NoError(t, err)
		assert.Equal(t, "test-tx-1", id)
	})

	t.Run("rollback transaction", func(t *testing.T) {
		tx, err := store.BeginTransaction(ctx)
		require.NoError(t, err)

		_, err = tx.Exec(insertInstanceSQL, "test-tx-2", "web-easy", "running", now, now.Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())

		var id string
		err = store.QueryRow(ctx, "SELECT id FROM instances WHERE id = ?", "test-tx-2").Scan(&id)
		assert.Error(t, err)
	})

	t.Run("finished transaction rejects statements", func(t *testing.T) {
		tx, err := store.BeginTransaction(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		_, err = tx.Exec("SELECT 1")
		assert.Error(t, err)
		assert.Error(t, tx.Commit())
		assert.NoError(t, tx.Rollback())
	})
}

func TestSQLiteStore_Backup(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "sqlite_backup_test")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	config := &Config{
		DatabasePath:    filepath.Join(tempDir, "test.db"),
		BackupDir:       filepath.Join(tempDir, "backups"),
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
		EnableBackup:    true,
		BackupInterval:  0,
		BackupKeep:      2,
	}

	store, err := NewSQLiteStore(config)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	_, err = store.Exec(ctx, insertInstanceSQL, "test-backup", "web-easy", "running", now, now.Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, store.Backup())

	backupFiles, err := filepath.Glob(filepath.Join(tempDir, "backups", backupFilePattern))
	require.NoError(t, err)
	require.Len(t, backupFiles, 1)

	// Rows written after the backup disappear on restore
	_, err = store.Exec(ctx, insertInstanceSQL, "after-backup", "web-easy", "running", now, now.Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, store.RestoreFromBackup(backupFiles[0]))

	var id string
	require.NoError(t, store.QueryRow(ctx, "SELECT id FROM instances WHERE id = ?", "test-backup").Scan(&id))
	assert.Equal(t, "test-backup", id)
	assert.Error(t, store.QueryRow(ctx, "SELECT id FROM instances WHERE id = ?", "after-backup").Scan(&id))

	// Old backups are pruned down to BackupKeep
	require.NoError(t, store.Backup())
	require.NoError(t, store.Backup())
	backupFiles, err = filepath.Glob(filepath.Join(tempDir, "backups", backupFilePattern))
	require.NoError(t, err)
	assert.Len(t, backupFiles, 2)
	assert.Equal(t, int64(3), store.GetMetrics().BackupCount)
}

func TestSQLiteStore_BackupDisabled(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	assert.Error(t, store.Backup())
}

func TestSQLiteStore_Vacuum(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	assert.NoError(t, store.Vacuum(context.Background()))
}

func TestSQLiteStore_CheckIntegrity(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	assert.NoError(t, store.CheckIntegrity(context.Background()))
}

func TestSQLiteStore_Metrics(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	_, err := store.Exec(ctx, "SELECT 1")
	require.NoError(t, err)

	tx, err := store.BeginTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	metrics := store.GetMetrics()
	assert.Greater(t, metrics.QueryCount, int64(0))
	assert.Greater(t, metrics.TransactionCount, int64(0))
	assert.Greater(t, metrics.DatabaseSize, int64(0))
}

func TestSQLiteStore_ConcurrentAccess(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	concurrency := 10
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			instanceID := fmt.Sprintf("concurrent-test-%d", id)
			_, err := store.Exec(ctx, insertInstanceSQL, instanceID, "web-easy", "running", now, now.Add(time.Hour))
			assert.NoError(t, err)

			var count int
			assert.NoError(t, store.QueryRow(ctx, "SELECT COUNT(*) FROM instances").Scan(&count))

			tx, err := store.BeginTransaction(ctx)
			if assert.NoError(t, err) {
				_, err = tx.Exec("UPDATE instances SET status = 'stopped' WHERE id = ?", instanceID)
				assert.NoError(t, err)
				assert.NoError(t, tx.Commit())
			}
		}(i)
	}
	wg.Wait()

	var count int
	err := store.QueryRow(ctx, "SELECT COUNT(*) FROM instances WHERE status = 'stopped'").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, concurrency, count)
}

func TestSQLiteStore_ErrorHandling(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	t.Run("invalid SQL", func(t *testing.T) {
		_, err := store.Exec(ctx, "INVALID SQL STATEMENT")
		assert.Error(t, err)
		assert.Greater(t, store.GetMetrics().ErrorCount, int64(0))
	})

	t.Run("constraint violation", func(t *testing.T) {
		_, err := store.Exec(ctx, insertInstanceSQL, "duplicate-test", "web-easy", "running", now, now)
		require.NoError(t, err)

		_, err = store.Exec(ctx, insertInstanceSQL, "duplicate-test", "web-easy", "running", now, now)
		assert.Error(t, err)
	})

	t.Run("transaction rollback on error", func(t *testing.T) {
		tx, err := store.BeginTransaction(ctx)
		require.NoError(t, err)

		_, err = tx.Exec(insertInstanceSQL, "tx-error-test", "web-easy", "running", now, now)
		require.NoError(t, err)

		_, err = tx.Exec("INVALID SQL")
		assert.Error(t, err)
		assert.NoError(t, tx.Rollback())

		var id string
		err = store.QueryRow(ctx, "SELECT id FROM instances WHERE id = ?", "tx-error-test").Scan(&id)
		assert.Error(t, err)
	})
}

func TestSQLiteStore_ClosedStore(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.Close())
	// Closing twice is harmless
	require.NoError(t, store.Close())

	ctx := context.Background()

	_, err := store.Exec(ctx, "SELECT 1")
	assert.Error(t, err)

	_, err = store.BeginTransaction(ctx)
	assert.Error(t, err)

	assert.Error(t, store.Vacuum(ctx))
	assert.Error(t, store.CheckIntegrity(ctx))
	assert.Error(t, store.Backup())
}

func TestMigrator_Rollback(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	migrator := NewMigrator(store)

	require.NoError(t, migrator.Rollback(ctx, 1))

	status, err := migrator.GetMigrationStatus(ctx)
	require.NoError(t, err)
	assert.False(t, status.UpToDate)
	assert.Equal(t, 1, status.CurrentVersion)
	assert.Equal(t, 2, status.PendingCount)

	require.NoError(t, migrator.Migrate(ctx))

	applied, err := migrator.GetAppliedMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 3)
	assert.Equal(t, "Track request correlation ids", applied[2].Description)
}

// setupTestStore creates a test SQLite store
func setupTestStore(t *testing.T) *SQLiteStore {
	tempDir, err := os.MkdirTemp("", "sqlite_test")
	require.NoError(t, err)

	t.Cleanup(func() {
		os.RemoveAll(tempDir)
	})

	config := &Config{
		DatabasePath:    filepath.Join(tempDir, "test.db"),
		BackupDir:       filepath.Join(tempDir, "backups"),
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
		EnableBackup:    false,
	}

	store, err := NewSQLiteStore(config)
	require.NoError(t, err)
	require.NotNil(t, store)

	return store
}

func BenchmarkInstanceStore_Save(b *testing.B) {
	tempDir, err := os.MkdirTemp("", "sqlite_bench")
	require.NoError(b, err)
	defer os.RemoveAll(tempDir)

	store, err := NewSQLiteStore(&Config{
		DatabasePath:    filepath.Join(tempDir, "bench.db"),
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
	})
	require.NoError(b, err)
	defer store.Close()

	instances := NewInstanceStore(store)
	ctx := context.Background()
	now := time.Now()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		err := instances.Save(ctx, &InstanceRecord{
			ID:           fmt.Sprintf("bench-%d", i),
			ChallengeKey: "web-easy",
			Status:       "running",
			CreatedAt:    now,
			ExpiresAt:    now.Add(time.Hour),
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}
