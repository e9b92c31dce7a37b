package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Migration represents a database migration
type Migration struct {
	Version     int      `json:"version"`
	Description string   `json:"description"`
	Up          []string `json:"up"`
	Down        []string `json:"down"`
}

// MigrationStatus represents the status of an applied migration
type MigrationStatus struct {
	Version     int       `json:"version"`
	Description string    `json:"description"`
	AppliedAt   time.Time `json:"applied_at,omitempty"`
}

// MigrationStatusSummary provides an overview of migration status
type MigrationStatusSummary struct {
	CurrentVersion int  `json:"current_version"`
	TargetVersion  int  `json:"target_version"`
	AppliedCount   int  `json:"applied_count"`
	PendingCount   int  `json:"pending_count"`
	UpToDate       bool `json:"up_to_date"`
}

// Migrator applies and rolls back schema migrations
type Migrator struct {
	store      *SQLiteStore
	migrations []Migration
}

// NewMigrator creates a migrator with every known migration registered
func NewMigrator(store *SQLiteStore) *Migrator {
	return &Migrator{
		store:      store,
		migrations: schemaMigrations(),
	}
}

func schemaMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Instance history and audit trail",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS instances (
					id TEXT PRIMARY KEY,
					owner_id TEXT NULL,
					challenge_key TEXT NOT NULL,
					container_id TEXT,
					container_name TEXT,
					host_port INTEGER DEFAULT 0,
					container_ip TEXT,
					url TEXT,
					status TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL,
					expires_at TIMESTAMP NOT NULL,
					stopped_at TIMESTAMP NULL,
					error_detail TEXT,
					updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE TABLE IF NOT EXISTS audit_trail (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					entity_type TEXT NOT NULL,
					entity_id TEXT NOT NULL,
					action TEXT NOT NULL,
					old_data TEXT,
					new_data TEXT,
					user_id TEXT,
					timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
				)`,
			},
			Down: []string{
				"DROP TABLE IF EXISTS audit_trail",
				"DROP TABLE IF EXISTS instances",
			},
		},
		{
			Version:     2,
			Description: "Indexes for live-instance and audit lookups",
			Up: []string{
				"CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status)",
				"CREATE INDEX IF NOT EXISTS idx_instances_owner ON instances(owner_id)",
				"CREATE INDEX IF NOT EXISTS idx_instances_challenge ON instances(challenge_key)",
				"CREATE INDEX IF NOT EXISTS idx_instances_container ON instances(container_id)",
				"CREATE INDEX IF NOT EXISTS idx_audit_trail_entity ON audit_trail(entity_type, entity_id)",
				"CREATE INDEX IF NOT EXISTS idx_audit_trail_timestamp ON audit_trail(timestamp)",
			},
			Down: []string{
				"DROP INDEX IF EXISTS idx_audit_trail_timestamp",
				"DROP INDEX IF EXISTS idx_audit_trail_entity",
				"DROP INDEX IF EXISTS idx_instances_container",
				"DROP INDEX IF EXISTS idx_instances_challenge",
				"DROP INDEX IF EXISTS idx_instances_owner",
				"DROP INDEX IF EXISTS idx_instances_status",
			},
		},
		{
			Version:     3,
			Description: "Track request correlation ids",
			Up: []string{
				"ALTER TABLE instances ADD COLUMN correlation_id TEXT",
			},
			Down: []string{
				"ALTER TABLE instances DROP COLUMN correlation_id",
			},
		},
	}
}

// GetPendingMigrations returns migrations that haven't been applied
func (m *Migrator) GetPendingMigrations(ctx context.Context) ([]Migration, error) {
	applied, err := m.getAppliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied versions: %w", err)
	}

	var pending []Migration
	for _, migration := range m.migrations {
		if _, ok := applied[migration.Version]; !ok {
			pending = append(pending, migration)
		}
	}

	return pending, nil
}

// GetAppliedMigrations returns migrations that have been applied
func (m *Migrator) GetAppliedMigrations(ctx context.Context) ([]MigrationStatus, error) {
	rows, err := m.store.Query(ctx, `
		SELECT version, description, applied_at
		FROM migrations
		ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var applied []MigrationStatus
	for rows.Next() {
		var status MigrationStatus
		if err := rows.Scan(&status.Version, &status.Description, &status.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration status: %w", err)
		}
		applied = append(applied, status)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return applied, nil
}

// Migrate applies all pending migrations in order
func (m *Migrator) Migrate(ctx context.Context) error {
	pending, err := m.GetPendingMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to get pending migrations: %w", err)
	}

	if len(pending) == 0 {
		log.Debug().Msg("No pending migrations found")
		return nil
	}

	for i := range pending {
		migration := pending[i]
		if err := m.applyMigration(ctx, &migration); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", migration.Version, err)
		}
		log.Info().
			Int("version", migration.Version).
			Str("description", migration.Description).
			Msg("Migration applied successfully")
	}

	return nil
}

// applyMigration applies a single migration in one transaction
func (m *Migrator) applyMigration(ctx context.Context, migration *Migration) error {
	tx, err := m.store.BeginTransaction(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, statement := range migration.Up {
		log.Debug().
			Int("version", migration.Version).
			Int("statement", i+1).
			Msg("Executing migration statement")

		if _, err := tx.Exec(statement); err != nil {
			return fmt.Errorf("failed to execute statement %d: %w", i+1, err)
		}
	}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO migrations (version, description, applied_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)`, migration.Version, migration.Description)
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// Rollback rolls back applied migrations newer than targetVersion
func (m *Migrator) Rollback(ctx context.Context, targetVersion int) error {
	applied, err := m.getAppliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied versions: %w", err)
	}

	for i := len(m.migrations) - 1; i >= 0; i-- {
		migration := m.migrations[i]
		if migration.Version <= targetVersion {
			continue
		}
		if _, ok := applied[migration.Version]; !ok {
			continue
		}

		if err := m.rollbackMigration(ctx, &migration); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", migration.Version, err)
		}
		log.Info().
			Int("version", migration.Version).
			Str("description", migration.Description).
			Msg("Migration rolled back successfully")
	}

	return nil
}

// rollbackMigration rolls back a single migration in one transaction
func (m *Migrator) rollbackMigration(ctx context.Context, migration *Migration) error {
	tx, err := m.store.BeginTransaction(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, statement := range migration.Down {
		if _, err := tx.Exec(statement); err != nil {
			return fmt.Errorf("failed to execute rollback statement %d: %w", i+1, err)
		}
	}

	if _, err := tx.Exec("DELETE FROM migrations WHERE version = ?", migration.Version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	return tx.Commit()
}

// GetMigrationStatus returns the current migration status
func (m *Migrator) GetMigrationStatus(ctx context.Context) (*MigrationStatusSummary, error) {
	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	pending, err := m.GetPendingMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending migrations: %w", err)
	}

	summary := &MigrationStatusSummary{
		AppliedCount: len(applied),
		PendingCount: len(pending),
		UpToDate:     len(pending) == 0,
	}
	if len(applied) > 0 {
		summary.CurrentVersion = applied[len(applied)-1].Version
	}
	if len(m.migrations) > 0 {
		summary.TargetVersion = m.migrations[len(m.migrations)-1].Version
	}

	return summary, nil
}

// getAppliedVersions returns the set of applied migration versions
func (m *Migrator) getAppliedVersions(ctx context.Context) (map[int]struct{}, error) {
	rows, err := m.store.Query(ctx, "SELECT version FROM migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied versions: %w", err)
	}
	defer rows.Close()

	versions := make(map[int]struct{})
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions[version] = struct{}{}
	}

	return versions, rows.Err()
}
