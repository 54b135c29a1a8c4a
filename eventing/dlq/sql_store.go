package dlq

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sagaflow/eventing"
	"sagaflow/storage/database"
)

// SQLStore DLQ 的 SQL 实现
type SQLStore struct {
	db          database.IDatabase
	serviceName string
	table       string
}

// NewSQLStore 创建 SQL DLQ 存储
//
// serviceName 写入每条死信记录，供运维按服务分流。
func NewSQLStore(db database.IDatabase, serviceName string) *SQLStore {
	return &SQLStore{db: db, serviceName: serviceName, table: "dead_letter_messages"}
}

// EnsureTable 确保表和索引存在
func (s *SQLStore) EnsureTable(ctx context.Context) error {
	var createSQL string
	if s.db.Dialect() == database.DialectPostgres {
		createSQL = fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			event_type TEXT NOT NULL,
			payload BYTEA NOT NULL,
			original_timestamp TIMESTAMPTZ NOT NULL,
			moved_to_dlq_at TIMESTAMPTZ NOT NULL,
			failure_reason TEXT NOT NULL,
			error_details TEXT,
			total_attempts INT NOT NULL DEFAULT 0,
			service_name TEXT NOT NULL,
			correlation_id TEXT,
			original_message_id TEXT,
			aggregate_key TEXT,
			reprocessed BOOLEAN NOT NULL DEFAULT FALSE,
			reprocessed_at TIMESTAMPTZ,
			operator_notes TEXT
		)`, s.table)
	} else {
		createSQL = fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			payload BLOB NOT NULL,
			original_timestamp TIMESTAMP NOT NULL,
			moved_to_dlq_at TIMESTAMP NOT NULL,
			failure_reason TEXT NOT NULL,
			error_details TEXT,
			total_attempts INTEGER NOT NULL DEFAULT 0,
			service_name TEXT NOT NULL,
			correlation_id TEXT,
			original_message_id TEXT,
			aggregate_key TEXT,
			reprocessed INTEGER NOT NULL DEFAULT 0,
			reprocessed_at TIMESTAMP,
			operator_notes TEXT
		)`, s.table)
	}
	if _, err := s.db.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("create dlq table: %w", err)
	}
	idx := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_dlq_triage ON %s (service_name, reprocessed, moved_to_dlq_at)`, s.table)
	if _, err := s.db.Exec(ctx, idx); err != nil {
		return fmt.Errorf("create dlq index: %w", err)
	}
	return nil
}

// Enqueue 写入死信记录
func (s *SQLStore) Enqueue(ctx context.Context, env eventing.Envelope, reason, errorDetails string, attempts int) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (
			event_type, payload, original_timestamp, moved_to_dlq_at, failure_reason,
			error_details, total_attempts, service_name, correlation_id,
			original_message_id, aggregate_key
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	occurredAt := env.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, query,
		env.EventType,
		[]byte(env.Payload),
		occurredAt,
		time.Now().UTC(),
		reason,
		errorDetails,
		attempts,
		s.serviceName,
		env.CorrelationID,
		env.EventID,
		env.AggregateKey,
	)
	if err != nil {
		return fmt.Errorf("insert dlq entry: %w", err)
	}
	return nil
}

// List 按条件查询（按 moved_at 倒序）
func (s *SQLStore) List(ctx context.Context, filter Filter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT id, event_type, payload, original_timestamp, moved_to_dlq_at,
		       failure_reason, error_details, total_attempts, service_name,
		       correlation_id, original_message_id, aggregate_key,
		       reprocessed, reprocessed_at, operator_notes
		FROM %s WHERE 1=1`, s.table)
	args := make([]any, 0, 3)
	if filter.ServiceName != "" {
		query += " AND service_name = ?"
		args = append(args, filter.ServiceName)
	}
	if filter.Reprocessed != nil {
		query += " AND reprocessed = ?"
		args = append(args, *filter.Reprocessed)
	}
	query += " ORDER BY moved_to_dlq_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dlq entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// Get 获取单条记录
func (s *SQLStore) Get(ctx context.Context, id int64) (*Entry, error) {
	query := fmt.Sprintf(`
		SELECT id, event_type, payload, original_timestamp, moved_to_dlq_at,
		       failure_reason, error_details, total_attempts, service_name,
		       correlation_id, original_message_id, aggregate_key,
		       reprocessed, reprocessed_at, operator_notes
		FROM %s WHERE id = ?`, s.table)

	rows, err := s.db.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("query dlq entry: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("dlq entry not found: %d", id)
	}
	return scanEntry(rows)
}

// MarkReprocessed 标记已重放
//
// 只允许标记一次：已重放的记录再次标记返回错误。
func (s *SQLStore) MarkReprocessed(ctx context.Context, id int64, notes string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET reprocessed = ?, reprocessed_at = ?, operator_notes = ?
		WHERE id = ? AND reprocessed = ?`, s.table)

	result, err := s.db.Exec(ctx, query, true, time.Now().UTC(), notes, id, false)
	if err != nil {
		return fmt.Errorf("mark dlq entry reprocessed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("dlq entry not found or already reprocessed: %d", id)
	}
	return nil
}

// Count 未重放记录数
func (s *SQLStore) Count(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE reprocessed = ?`, s.table)
	var count int64
	if err := s.db.QueryRow(ctx, query, false).Scan(&count); err != nil {
		return 0, fmt.Errorf("count dlq entries: %w", err)
	}
	return count, nil
}

func scanEntry(rows database.IRows) (*Entry, error) {
	var entry Entry
	var errorDetails, correlationID, originalEventID, aggregateKey, notes sql.NullString
	var reprocessedAt sql.NullTime

	err := rows.Scan(
		&entry.ID, &entry.EventType, &entry.Payload, &entry.OriginalTimestamp,
		&entry.MovedAt, &entry.FailureReason, &errorDetails, &entry.TotalAttempts,
		&entry.ServiceName, &correlationID, &originalEventID, &aggregateKey,
		&entry.Reprocessed, &reprocessedAt, &notes,
	)
	if err != nil {
		return nil, fmt.Errorf("scan dlq entry: %w", err)
	}
	entry.ErrorDetails = errorDetails.String
	entry.CorrelationID = correlationID.String
	entry.OriginalEventID = originalEventID.String
	entry.AggregateKey = aggregateKey.String
	entry.OperatorNotes = notes.String
	if reprocessedAt.Valid {
		entry.ReprocessedAt = &reprocessedAt.Time
	}
	return &entry, nil
}
