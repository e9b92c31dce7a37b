package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrRecordNotFound is returned when no instance record matches
var ErrRecordNotFound = errors.New("instance record not found")

// Persisted statuses that describe a container which should still exist
var liveStatuses = []string{"starting", "running", "stopping"}

// InstanceRecord is the persisted form of a sandbox instance
type InstanceRecord struct {
	ID            string     `json:"id"`
	OwnerID       *string    `json:"owner_id,omitempty"`
	ChallengeKey  string     `json:"challenge_key"`
	ContainerID   string     `json:"container_id"`
	ContainerName string     `json:"container_name"`
	HostPort      int        `json:"host_port"`
	ContainerIP   string     `json:"container_ip,omitempty"`
	URL           string     `json:"url"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
	ErrorDetail   string     `json:"error_detail,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID         int64           `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	OldData    json.RawMessage `json:"old_data,omitempty"`
	NewData    json.RawMessage `json:"new_data,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// InstanceStore persists instance records and their audit trail
type InstanceStore struct {
	store *SQLiteStore
}

// NewInstanceStore creates a new instance store
func NewInstanceStore(store *SQLiteStore) *InstanceStore {
	return &InstanceStore{store: store}
}

const instanceColumns = `id, owner_id, challenge_key, container_id, container_name,
	host_port, container_ip, url, status, created_at, expires_at,
	stopped_at, error_detail, correlation_id, updated_at`

// Save inserts or updates a record. A status change appends an audit
// entry in the same transaction.
func (s *InstanceStore) Save(ctx context.Context, record *InstanceRecord) error {
	if record.ID == "" {
		return fmt.Errorf("instance ID cannot be empty")
	}

	tx, err := s.store.BeginTransaction(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	old, err := scanRecord(tx.QueryRow(
		"SELECT "+instanceColumns+" FROM instances WHERE id = ?", record.ID))
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return fmt.Errorf("failed to load current record: %w", err)
	}

	record.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(`
		INSERT INTO instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			container_id = excluded.container_id,
			container_name = excluded.container_name,
			host_port = excluded.host_port,
			container_ip = excluded.container_ip,
			url = excluded.url,
			status = excluded.status,
			stopped_at = excluded.stopped_at,
			error_detail = excluded.error_detail,
			updated_at = excluded.updated_at`,
		record.ID, nullString(record.OwnerID), record.ChallengeKey,
		record.ContainerID, record.ContainerName, record.HostPort,
		record.ContainerIP, record.URL, record.Status,
		record.CreatedAt.UTC(), record.ExpiresAt.UTC(), nullTime(record.StoppedAt),
		record.ErrorDetail, record.CorrelationID, record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert instance: %w", err)
	}

	if old == nil || old.Status != record.Status {
		var previous interface{}
		if old != nil {
			previous = old
		}
		if err := createAuditEntry(tx, "instance", record.ID, record.Status, previous, record, record.OwnerID); err != nil {
			log.Warn().Err(err).Str("instance_id", record.ID).Msg("Failed to create audit entry")
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Debug().
		Str("instance_id", record.ID).
		Str("status", record.Status).
		Msg("Instance record saved")

	return nil
}

// Get retrieves a record by instance ID
func (s *InstanceStore) Get(ctx context.Context, id string) (*InstanceRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("instance ID cannot be empty")
	}

	return scanRecord(s.store.QueryRow(ctx,
		"SELECT "+instanceColumns+" FROM instances WHERE id = ?", id))
}

// ListByStatus returns records in any of the given statuses, oldest first
func (s *InstanceStore) ListByStatus(ctx context.Context, statuses ...string) ([]*InstanceRecord, error) {
	if len(statuses) == 0 {
		return s.query(ctx, "SELECT "+instanceColumns+" FROM instances ORDER BY created_at ASC")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]interface{}, len(statuses))
	for i, status := range statuses {
		args[i] = status
	}

	return s.query(ctx, "SELECT "+instanceColumns+" FROM instances WHERE status IN ("+
		placeholders+") ORDER BY created_at ASC", args...)
}

// ListLive returns records whose containers should still exist
func (s *InstanceStore) ListLive(ctx context.Context) ([]*InstanceRecord, error) {
	return s.ListByStatus(ctx, liveStatuses...)
}

// ListByOwner returns the newest records of an owner, up to limit
func (s *InstanceStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*InstanceRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx, "SELECT "+instanceColumns+
		" FROM instances WHERE owner_id = ? ORDER BY created_at DESC LIMIT ?", ownerID, limit)
}

// AuditTrail returns the audit entries of one instance, oldest first
func (s *InstanceStore) AuditTrail(ctx context.Context, id string) ([]AuditEntry, error) {
	rows, err := s.store.Query(ctx, `
		SELECT id, entity_type, entity_id, action, old_data, new_data, user_id, timestamp
		FROM audit_trail
		WHERE entity_type = 'instance' AND entity_id = ?
		ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var oldData, newData, userID sql.NullString
		if err := rows.Scan(&entry.ID, &entry.EntityType, &entry.EntityID, &entry.Action,
			&oldData, &newData, &userID, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if oldData.Valid {
			entry.OldData = json.RawMessage(oldData.String)
		}
		if newData.Valid {
			entry.NewData = json.RawMessage(newData.String)
		}
		entry.UserID = userID.String
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return entries, nil
}

// PurgeTerminalBefore deletes terminal records last updated before cutoff
// along with their audit entries
func (s *InstanceStore) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.store.BeginTransaction(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		DELETE FROM audit_trail WHERE entity_type = 'instance' AND entity_id IN (
			SELECT id FROM instances
			WHERE status IN ('stopped', 'expired', 'error') AND updated_at < ?)`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit entries: %w", err)
	}

	result, err := tx.Exec(`
		DELETE FROM instances
		WHERE status IN ('stopped', 'expired', 'error') AND updated_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge instances: %w", err)
	}

	purged, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return purged, nil
}

func (s *InstanceStore) query(ctx context.Context, query string, args ...interface{}) ([]*InstanceRecord, error) {
	rows, err := s.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var records []*InstanceRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return records, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*InstanceRecord, error) {
	var record InstanceRecord
	var ownerID, containerID, containerName, containerIP, url, errorDetail, correlationID sql.NullString
	var stoppedAt sql.NullTime

	err := row.Scan(
		&record.ID, &ownerID, &record.ChallengeKey, &containerID, &containerName,
		&record.HostPort, &containerIP, &url, &record.Status,
		&record.CreatedAt, &record.ExpiresAt, &stoppedAt,
		&errorDetail, &correlationID, &record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}

	if ownerID.Valid {
		owner := ownerID.String
		record.OwnerID = &owner
	}
	if stoppedAt.Valid {
		stopped := stoppedAt.Time
		record.StoppedAt = &stopped
	}
	record.ContainerID = containerID.String
	record.ContainerName = containerName.String
	record.ContainerIP = containerIP.String
	record.URL = url.String
	record.ErrorDetail = errorDetail.String
	record.CorrelationID = correlationID.String

	return &record, nil
}

// createAuditEntry appends an audit trail row within a transaction
func createAuditEntry(tx *Transaction, entityType, entityID, action string, oldData, newData interface{}, userID *string) error {
	var oldJSON, newJSON sql.NullString

	if oldData != nil {
		data, err := json.Marshal(oldData)
		if err != nil {
			return fmt.Errorf("failed to marshal old data: %w", err)
		}
		oldJSON = sql.NullString{String: string(data), Valid: true}
	}

	if newData != nil {
		data, err := json.Marshal(newData)
		if err != nil {
			return fmt.Errorf("failed to marshal new data: %w", err)
		}
		newJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := tx.Exec(`
		INSERT INTO audit_trail (entity_type, entity_id, action, old_data, new_data, user_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entityType, entityID, action, oldJSON, newJSON, nullString(userID), time.Now().UTC())
	return err
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value.UTC(), Valid: true}
}
