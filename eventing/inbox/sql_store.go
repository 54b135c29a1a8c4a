package inbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sagaflow/storage/database"
)

// SQLStore Inbox 的 SQL 实现
type SQLStore struct {
	db    database.IDatabase
	table string
}

// NewSQLStore 创建 SQL Inbox 存储
func NewSQLStore(db database.IDatabase) *SQLStore {
	return &SQLStore{db: db, table: "inbox_messages"}
}

// EnsureTable 确保表和索引存在
func (s *SQLStore) EnsureTable(ctx context.Context) error {
	var createSQL string
	if s.db.Dialect() == database.DialectPostgres {
		createSQL = fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			aggregate_key TEXT NOT NULL DEFAULT '',
			schema_version INT NOT NULL DEFAULT 1,
			payload BYTEA NOT NULL,
			received_at TIMESTAMPTZ NOT NULL,
			processed_at TIMESTAMPTZ,
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT
		)`, s.table)
	} else {
		createSQL = fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			aggregate_key TEXT NOT NULL DEFAULT '',
			schema_version INTEGER NOT NULL DEFAULT 1,
			payload BLOB NOT NULL,
			received_at TIMESTAMP NOT NULL,
			processed_at TIMESTAMP,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT
		)`, s.table)
	}
	if _, err := s.db.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("create inbox table: %w", err)
	}
	for _, idx := range []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_inbox_unprocessed ON %s (processed_at, attempts)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_inbox_correlation ON %s (correlation_id)`, s.table),
	} {
		if _, err := s.db.Exec(ctx, idx); err != nil {
			return fmt.Errorf("create inbox index: %w", err)
		}
	}
	return nil
}

// Insert 插入入站记录；event-id 冲突返回 ErrDuplicate
func (s *SQLStore) Insert(ctx context.Context, entry Entry) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (
			event_id, event_type, correlation_id, aggregate_key,
			schema_version, payload, received_at, attempts
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0)`, s.table)

	receivedAt := entry.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	_, err := s.db.Exec(ctx, query,
		entry.EventID, entry.EventType, entry.CorrelationID, entry.AggregateKey,
		entry.SchemaVersion, entry.Payload, receivedAt.UTC(),
	)
	if err != nil {
		if s.db.Dialect().IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert inbox entry: %w", err)
	}
	return nil
}

// MarkProcessed 标记已处理（通常在处理器事务内调用）
func (s *SQLStore) MarkProcessed(ctx context.Context, exec database.IExecutor, eventID string) error {
	if exec == nil {
		exec = s.db
	}
	query := fmt.Sprintf(`UPDATE %s SET processed_at = ? WHERE event_id = ?`, s.table)
	if _, err := exec.Exec(ctx, query, time.Now().UTC(), eventID); err != nil {
		return fmt.Errorf("mark inbox entry processed: %w", err)
	}
	return nil
}

// RecordFailure 记录处理失败，返回累计尝试次数
func (s *SQLStore) RecordFailure(ctx context.Context, eventID string, errMsg string) (int, error) {
	update := fmt.Sprintf(`UPDATE %s SET attempts = attempts + 1, last_error = ? WHERE event_id = ?`, s.table)
	if _, err := s.db.Exec(ctx, update, errMsg, eventID); err != nil {
		return 0, fmt.Errorf("record inbox failure: %w", err)
	}
	var attempts int
	query := fmt.Sprintf(`SELECT attempts FROM %s WHERE event_id = ?`, s.table)
	if err := s.db.QueryRow(ctx, query, eventID).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("load inbox attempts: %w", err)
	}
	return attempts, nil
}

// FindUnprocessed 查找未处理且尝试次数未耗尽的记录
func (s *SQLStore) FindUnprocessed(ctx context.Context, maxAttempts, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT id, event_id, event_type, correlation_id, aggregate_key,
		       schema_version, payload, received_at, processed_at, attempts, last_error
		FROM %s
		WHERE processed_at IS NULL AND attempts < ?
		ORDER BY received_at ASC
		LIMIT ?`, s.table)

	rows, err := s.db.Query(ctx, query, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("find unprocessed inbox entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var processedAt sql.NullTime
		var lastError sql.NullString
		err := rows.Scan(
			&entry.ID, &entry.EventID, &entry.EventType, &entry.CorrelationID,
			&entry.AggregateKey, &entry.SchemaVersion, &entry.Payload,
			&entry.ReceivedAt, &processedAt, &entry.Attempts, &lastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan inbox entry: %w", err)
		}
		if processedAt.Valid {
			entry.ProcessedAt = &processedAt.Time
		}
		entry.LastError = lastError.String
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DeleteProcessed 删除早于 olderThan 的已处理记录
func (s *SQLStore) DeleteProcessed(ctx context.Context, olderThan time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE processed_at IS NOT NULL AND processed_at < ?`, s.table)
	result, err := s.db.Exec(ctx, query, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete processed inbox entries: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}
