package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const backupFilePattern = "instances_*.db"

// SQLiteStore provides a SQLite-based storage implementation
type SQLiteStore struct {
	db        *sql.DB
	dbPath    string
	connPool  *ConnectionPool
	backupDir string
	keepCount int
	metrics   *StorageMetrics
	stopCh    chan struct{}
	mu        sync.RWMutex
	closed    bool
}

// ConnectionPool manages SQLite connection pooling
type ConnectionPool struct {
	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
	connMaxIdleTime time.Duration
}

// StorageMetrics tracks storage performance and usage
type StorageMetrics struct {
	QueryCount       int64
	TransactionCount int64
	ErrorCount       int64
	BackupCount      int64
	LastBackup       time.Time
	DatabaseSize     int64
	mu               sync.RWMutex
}

// Transaction represents a database transaction with rollback support
type Transaction struct {
	tx     *sql.Tx
	store  *SQLiteStore
	active bool
	mu     sync.Mutex
}

// Config holds SQLiteStore configuration
type Config struct {
	DatabasePath    string
	BackupDir       string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	EnableBackup    bool
	BackupInterval  time.Duration
	BackupKeep      int
}

// DefaultConfig returns default SQLite configuration
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "instances.db",
		BackupDir:       "backups",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
		EnableBackup:    true,
		BackupInterval:  time.Hour * 24,
		BackupKeep:      7,
	}
}

func dataSourceName(path string) string {
	return fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate&_cache_size=-64000&_temp_store=MEMORY", path)
}

// NewSQLiteStore opens the database, applies pending migrations and starts
// the backup scheduler when enabled
func NewSQLiteStore(config *Config) (*SQLiteStore, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BackupKeep <= 0 {
		config.BackupKeep = 7
	}

	if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	if config.EnableBackup {
		if err := os.MkdirAll(config.BackupDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create backup directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dataSourceName(config.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	store := &SQLiteStore{
		db:     db,
		dbPath: config.DatabasePath,
		connPool: &ConnectionPool{
			maxOpenConns:    config.MaxOpenConns,
			maxIdleConns:    config.MaxIdleConns,
			connMaxLifetime: config.ConnMaxLifetime,
			connMaxIdleTime: config.ConnMaxIdleTime,
		},
		keepCount: config.BackupKeep,
		metrics:   &StorageMetrics{},
		stopCh:    make(chan struct{}),
	}
	if config.EnableBackup {
		store.backupDir = config.BackupDir
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := store.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if config.EnableBackup && config.BackupInterval > 0 {
		go store.startBackupScheduler(config.BackupInterval)
	}

	log.Info().
		Str("database_path", config.DatabasePath).
		Int("max_open_conns", config.MaxOpenConns).
		Bool("backup", config.EnableBackup).
		Msg("SQLite store initialized successfully")

	return store, nil
}

// initializeSchema creates the migrations table and applies every pending
// migration
func (s *SQLiteStore) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS migrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		version INTEGER UNIQUE NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		description TEXT
	);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	return NewMigrator(s).Migrate(context.Background())
}

// BeginTransaction starts a new database transaction
func (s *SQLiteStore) BeginTransaction(ctx context.Context) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.metrics.recordError()
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	s.metrics.mu.Lock()
	s.metrics.TransactionCount++
	s.metrics.mu.Unlock()

	return &Transaction{
		tx:     tx,
		store:  s,
		active: true,
	}, nil
}

// Commit commits the transaction
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return fmt.Errorf("transaction is not active")
	}

	err := t.tx.Commit()
	t.active = false

	if err != nil {
		t.store.metrics.recordError()
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Rollback rolls back the transaction. Rolling back a finished
// transaction is a no-op.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return nil
	}

	err := t.tx.Rollback()
	t.active = false

	if err != nil {
		t.store.metrics.recordError()
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}

	return nil
}

// Exec executes a statement within the transaction
func (t *Transaction) Exec(query string, args ...interface{}) (sql.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return nil, fmt.Errorf("transaction is not active")
	}

	t.store.metrics.recordQuery()
	result, err := t.tx.Exec(query, args...)
	if err != nil {
		t.store.metrics.recordError()
	}

	return result, err
}

// Query executes a query within the transaction
func (t *Transaction) Query(query string, args ...interface{}) (*sql.Rows, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return nil, fmt.Errorf("transaction is not active")
	}

	t.store.metrics.recordQuery()
	rows, err := t.tx.Query(query, args...)
	if err != nil {
		t.store.metrics.recordError()
	}

	return rows, err
}

// QueryRow executes a single-row query within the transaction
func (t *Transaction) QueryRow(query string, args ...interface{}) *sql.Row {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.store.metrics.recordQuery()
	return t.tx.QueryRow(query, args...)
}

// Exec executes a statement outside of a transaction
func (s *SQLiteStore) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	s.metrics.recordQuery()
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.metrics.recordError()
	}

	return result, err
}

// Query executes a query outside of a transaction
func (s *SQLiteStore) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	s.metrics.recordQuery()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.metrics.recordError()
	}

	return rows, err
}

// QueryRow executes a single-row query outside of a transaction
func (s *SQLiteStore) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.metrics.recordQuery()
	return s.db.QueryRowContext(ctx, query, args...)
}

// GetMetrics returns a snapshot of the storage metrics
func (s *SQLiteStore) GetMetrics() StorageMetrics {
	s.metrics.mu.Lock()
	defer s.metrics.mu.Unlock()

	if stat, err := os.Stat(s.dbPath); err == nil {
		s.metrics.DatabaseSize = stat.Size()
	}

	return StorageMetrics{
		QueryCount:       s.metrics.QueryCount,
		TransactionCount: s.metrics.TransactionCount,
		ErrorCount:       s.metrics.ErrorCount,
		BackupCount:      s.metrics.BackupCount,
		LastBackup:       s.metrics.LastBackup,
		DatabaseSize:     s.metrics.DatabaseSize,
	}
}

func (m *StorageMetrics) recordQuery() {
	m.mu.Lock()
	m.QueryCount++
	m.mu.Unlock()
}

func (m *StorageMetrics) recordError() {
	m.mu.Lock()
	m.ErrorCount++
	m.mu.Unlock()
}

// Close stops the backup scheduler, takes a final backup when backups are
// enabled and closes the database
func (s *SQLiteStore) Close() error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return nil
	}

	close(s.stopCh)

	if s.backupDir != "" {
		backupPath := s.backupPath()
		if _, err := s.db.Exec(fmt.Sprintf("VACUUM INTO '%s'", backupPath)); err != nil {
			log.Warn().Err(err).Msg("Failed to perform final backup")
		} else {
			log.Info().Str("backup_path", backupPath).Msg("Final backup created successfully")
		}
	}

	db := s.db
	s.closed = true
	s.mu.Unlock()

	if err := db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	log.Info().Msg("SQLite store closed successfully")
	return nil
}

func (s *SQLiteStore) backupPath() string {
	timestamp := time.Now().Format("20060102_150405.000000000")
	return filepath.Join(s.backupDir, fmt.Sprintf("instances_%s.db", timestamp))
}

// startBackupScheduler runs periodic backups until the store is closed
func (s *SQLiteStore) startBackupScheduler(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Backup(); err != nil {
				log.Error().Err(err).Msg("Scheduled backup failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Backup writes a consistent copy of the database into the backup
// directory and prunes old copies
func (s *SQLiteStore) Backup() error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	if s.backupDir == "" {
		s.mu.RUnlock()
		return fmt.Errorf("backups are disabled")
	}

	backupPath := s.backupPath()
	_, err := s.db.Exec(fmt.Sprintf("VACUUM INTO '%s'", backupPath))
	s.mu.RUnlock()

	if err != nil {
		s.metrics.recordError()
		return fmt.Errorf("failed to create backup: %w", err)
	}

	s.metrics.mu.Lock()
	s.metrics.BackupCount++
	s.metrics.LastBackup = time.Now()
	s.metrics.mu.Unlock()

	log.Info().
		Str("backup_path", backupPath).
		Msg("Database backup created successfully")

	s.cleanupOldBackups(s.keepCount)
	return nil
}

// cleanupOldBackups removes all but the newest keepCount backups
func (s *SQLiteStore) cleanupOldBackups(keepCount int) {
	files, err := filepath.Glob(filepath.Join(s.backupDir, backupFilePattern))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list backup files")
		return
	}

	if len(files) <= keepCount {
		return
	}

	// Timestamped names sort chronologically
	sort.Sort(sort.Reverse(sort.StringSlice(files)))

	for _, file := range files[keepCount:] {
		if err := os.Remove(file); err != nil {
			log.Warn().Err(err).Str("file", file).Msg("Failed to remove old backup")
		} else {
			log.Debug().Str("file", file).Msg("Removed old backup file")
		}
	}
}

// RestoreFromBackup replaces the database with a backup file and reopens it
func (s *SQLiteStore) RestoreFromBackup(backupPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	if _, err := os.Stat(backupPath); os.IsNotExist(err) {
		return fmt.Errorf("backup file does not exist: %s", backupPath)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close current database: %w", err)
	}

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(s.dbPath + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove current database: %w", err)
		}
	}

	if err := copyFile(backupPath, s.dbPath); err != nil {
		return fmt.Errorf("failed to restore backup: %w", err)
	}

	db, err := sql.Open("sqlite3", dataSourceName(s.dbPath))
	if err != nil {
		return fmt.Errorf("failed to reopen database: %w", err)
	}

	db.SetMaxOpenConns(s.connPool.maxOpenConns)
	db.SetMaxIdleConns(s.connPool.maxIdleConns)
	db.SetConnMaxLifetime(s.connPool.connMaxLifetime)
	db.SetConnMaxIdleTime(s.connPool.connMaxIdleTime)

	s.db = db

	log.Info().
		Str("backup_path", backupPath).
		Str("database_path", s.dbPath).
		Msg("Database restored from backup successfully")

	return nil
}

// copyFile copies a file from src to dst
func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	_, err = sourceFile.WriteTo(destFile)
	return err
}

// Vacuum optimizes the database
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		s.metrics.recordError()
		return fmt.Errorf("failed to vacuum database: %w", err)
	}

	log.Info().Msg("Database vacuum completed successfully")
	return nil
}

// CheckIntegrity runs PRAGMA integrity_check
func (s *SQLiteStore) CheckIntegrity(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("failed to check integrity: %w", err)
	}

	if result != "ok" {
		return fmt.Errorf("database integrity check failed: %s", result)
	}

	log.Debug().Msg("Database integrity check passed")
	return nil
}
