package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sagaflow/eventing"
	"sagaflow/storage/database"
)

// SQLStore Outbox 的 SQL 实现
//
// 认领使用租约列（lease_token / lease_expires_at）而非 SKIP LOCKED，
// 在 sqlite 与 postgres 上行为一致。单条 UPDATE 语句的原子性保证
// 两个 Relay 不会认领到同一行。
type SQLStore struct {
	db    database.IDatabase
	table string
}

// NewSQLStore 创建 SQL Outbox 存储
func NewSQLStore(db database.IDatabase) *SQLStore {
	return &SQLStore{db: db, table: "outbox_messages"}
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
			aggregate_key TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			causation_id TEXT,
			schema_version INT NOT NULL DEFAULT 1,
			payload BYTEA NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			processed_at TIMESTAMPTZ,
			retry_count INT NOT NULL DEFAULT 0,
			last_error TEXT,
			lease_token TEXT,
			lease_expires_at TIMESTAMPTZ
		)`, s.table)
	} else {
		createSQL = fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			aggregate_key TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			causation_id TEXT,
			schema_version INTEGER NOT NULL DEFAULT 1,
			payload BLOB NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			processed_at TIMESTAMP,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			lease_token TEXT,
			lease_expires_at TIMESTAMP
		)`, s.table)
	}
	if _, err := s.db.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("create outbox table: %w", err)
	}
	for _, idx := range []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON %s (processed_at, retry_count)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_outbox_occurred ON %s (occurred_at)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_outbox_correlation ON %s (correlation_id)`, s.table),
	} {
		if _, err := s.db.Exec(ctx, idx); err != nil {
			return fmt.Errorf("create outbox index: %w", err)
		}
	}
	return nil
}

// Append 在调用方事务中插入出站事件
func (s *SQLStore) Append(ctx context.Context, exec database.IExecutor, env eventing.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if exec == nil {
		exec = s.db
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (
			event_id, event_type, aggregate_key, correlation_id, causation_id,
			schema_version, payload, occurred_at, retry_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`, s.table)

	_, err := exec.Exec(ctx, query,
		env.EventID, env.EventType, env.AggregateKey, env.CorrelationID,
		env.CausationID, env.SchemaVersion, []byte(env.Payload), env.OccurredAt.UTC(),
	)
	if err != nil {
		if exec.Dialect().IsUniqueViolation(err) {
			// 同一逻辑事件重复入队：幂等处理，保留既有行
			return nil
		}
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// Claim 认领一批未处理条目
func (s *SQLStore) Claim(ctx context.Context, batch int, lease time.Duration) ([]Entry, error) {
	if batch <= 0 {
		batch = 100
	}
	token := uuid.NewString()
	now := time.Now().UTC()

	claimSQL := fmt.Sprintf(`
		UPDATE %s SET lease_token = ?, lease_expires_at = ?
		WHERE id IN (
			SELECT id FROM %s
			WHERE processed_at IS NULL
			  AND (lease_token IS NULL OR lease_expires_at < ?)
			ORDER BY occurred_at ASC
			LIMIT ?
		)`, s.table, s.table)
	if _, err := s.db.Exec(ctx, claimSQL, token, now.Add(lease), now, batch); err != nil {
		return nil, fmt.Errorf("claim outbox entries: %w", err)
	}

	selectSQL := fmt.Sprintf(`
		SELECT id, event_id, event_type, aggregate_key, correlation_id, causation_id,
		       schema_version, payload, occurred_at, processed_at, retry_count, last_error
		FROM %s WHERE lease_token = ?
		ORDER BY occurred_at ASC`, s.table)

	rows, err := s.db.Query(ctx, selectSQL, token)
	if err != nil {
		return nil, fmt.Errorf("load claimed entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var causationID, lastError sql.NullString
		var processedAt sql.NullTime
		err := rows.Scan(
			&entry.ID, &entry.EventID, &entry.EventType, &entry.AggregateKey,
			&entry.CorrelationID, &causationID, &entry.SchemaVersion, &entry.Payload,
			&entry.OccurredAt, &processedAt, &entry.RetryCount, &lastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entry.CausationID = causationID.String
		entry.LastError = lastError.String
		if processedAt.Valid {
			entry.ProcessedAt = &processedAt.Time
		}
		entry.LeaseToken = token
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarkProcessed 标记已发布
func (s *SQLStore) MarkProcessed(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`
		UPDATE %s SET processed_at = ?, lease_token = NULL, lease_expires_at = NULL
		WHERE id = ?`, s.table)
	if _, err := s.db.Exec(ctx, query, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("mark outbox entry processed: %w", err)
	}
	return nil
}

// RecordFailure 记录发布失败并释放租约
func (s *SQLStore) RecordFailure(ctx context.Context, id int64, errMsg string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET retry_count = retry_count + 1, last_error = ?,
		       lease_token = NULL, lease_expires_at = NULL
		WHERE id = ?`, s.table)
	if _, err := s.db.Exec(ctx, query, errMsg, id); err != nil {
		return fmt.Errorf("record outbox failure: %w", err)
	}
	return nil
}

// ReleaseLease 释放租约
func (s *SQLStore) ReleaseLease(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`
		UPDATE %s SET lease_token = NULL, lease_expires_at = NULL
		WHERE id = ?`, s.table)
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("release outbox lease: %w", err)
	}
	return nil
}

// Delete 删除条目
func (s *SQLStore) Delete(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table)
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("delete outbox entry: %w", err)
	}
	return nil
}

// DeleteProcessed 删除早于 olderThan 的已处理条目
func (s *SQLStore) DeleteProcessed(ctx context.Context, olderThan time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE processed_at IS NOT NULL AND processed_at < ?`, s.table)
	result, err := s.db.Exec(ctx, query, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete processed outbox entries: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}

// CountPending 未处理条目数
func (s *SQLStore) CountPending(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE processed_at IS NULL`, s.table)
	var count int64
	if err := s.db.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending outbox entries: %w", err)
	}
	return count, nil
}
