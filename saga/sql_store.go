package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sagaflow/storage/database"
)

// SQLStateStore Saga 状态的 SQL 实现
//
// 乐观并发：UPDATE 带 version 前置条件，影响行数为 0 且行存在
// 即版本冲突。步骤列表以 JSON 文本存储。
type SQLStateStore struct {
	db    database.IDatabase
	table string
}

// NewSQLStateStore 创建 SQL 状态存储
func NewSQLStateStore(db database.IDatabase) *SQLStateStore {
	return &SQLStateStore{db: db, table: "saga_states"}
}

// EnsureTable 确保表和索引存在
func (s *SQLStateStore) EnsureTable(ctx context.Context) error {
	var createSQL string
	if s.db.Dialect() == database.DialectPostgres {
		createSQL = fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT NOT NULL,
			name TEXT NOT NULL,
			correlation_id TEXT NOT NULL PRIMARY KEY,
			status TEXT NOT NULL,
			current_step INT NOT NULL DEFAULT 0,
			completed_steps TEXT NOT NULL DEFAULT '[]',
			compensated_steps TEXT NOT NULL DEFAULT '[]',
			state_data BYTEA,
			last_error TEXT,
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, s.table)
	} else {
		createSQL = fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT NOT NULL,
			name TEXT NOT NULL,
			correlation_id TEXT NOT NULL PRIMARY KEY,
			status TEXT NOT NULL,
			current_step INTEGER NOT NULL DEFAULT 0,
			completed_steps TEXT NOT NULL DEFAULT '[]',
			compensated_steps TEXT NOT NULL DEFAULT '[]',
			state_data BLOB,
			last_error TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, s.table)
	}
	if _, err := s.db.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("create saga table: %w", err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_saga_status ON %s (status, updated_at)`, s.table)
	if _, err := s.db.Exec(ctx, idx); err != nil {
		return fmt.Errorf("create saga index: %w", err)
	}
	return nil
}

// Create 创建状态
func (s *SQLStateStore) Create(ctx context.Context, state *State) error {
	completed, compensated, err := marshalSteps(state)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, name, correlation_id, status, current_step,
			completed_steps, compensated_steps, state_data, last_error,
			version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	_, err = s.db.Exec(ctx, query,
		state.ID, state.Name, state.CorrelationID, string(state.Status), state.CurrentStep,
		completed, compensated, []byte(state.StateData), state.LastError,
		state.Version, state.CreatedAt.UTC(), state.UpdatedAt.UTC(),
	)
	if err != nil {
		if s.db.Dialect().IsUniqueViolation(err) {
			return NewAlreadyExistsError(state.CorrelationID)
		}
		return NewStoreFailedError(state.CorrelationID, err)
	}
	return nil
}

// Load 按 CorrelationID 加载状态
func (s *SQLStateStore) Load(ctx context.Context, correlationID string) (*State, error) {
	query := fmt.Sprintf(`
		SELECT id, name, correlation_id, status, current_step,
		       completed_steps, compensated_steps, state_data, last_error,
		       version, created_at, updated_at
		FROM %s WHERE correlation_id = ?`, s.table)

	state, err := scanState(s.db.QueryRow(ctx, query, correlationID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, NewNotFoundError(correlationID)
		}
		return nil, NewStoreFailedError(correlationID, err)
	}
	return state, nil
}

// Update 乐观更新状态
func (s *SQLStateStore) Update(ctx context.Context, state *State) error {
	completed, compensated, err := marshalSteps(state)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	query := fmt.Sprintf(`
		UPDATE %s SET
			status = ?, current_step = ?, completed_steps = ?, compensated_steps = ?,
			state_data = ?, last_error = ?, version = version + 1, updated_at = ?
		WHERE correlation_id = ? AND version = ?`, s.table)

	result, err := s.db.Exec(ctx, query,
		string(state.Status), state.CurrentStep, completed, compensated,
		[]byte(state.StateData), state.LastError, now,
		state.CorrelationID, state.Version,
	)
	if err != nil {
		return NewStoreFailedError(state.CorrelationID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return NewStoreFailedError(state.CorrelationID, err)
	}
	if affected == 0 {
		// 区分不存在与版本冲突
		var exists int
		checkSQL := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE correlation_id = ?`, s.table)
		if err := s.db.QueryRow(ctx, checkSQL, state.CorrelationID).Scan(&exists); err != nil {
			return NewStoreFailedError(state.CorrelationID, err)
		}
		if exists == 0 {
			return NewNotFoundError(state.CorrelationID)
		}
		return NewVersionConflictError(state.CorrelationID, state.Version)
	}
	state.Version++
	state.UpdatedAt = now
	return nil
}

// FindByStatus 按状态查询
func (s *SQLStateStore) FindByStatus(ctx context.Context, status Status, limit int) ([]*State, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT id, name, correlation_id, status, current_step,
		       completed_steps, compensated_steps, state_data, last_error,
		       version, created_at, updated_at
		FROM %s WHERE status = ?
		ORDER BY updated_at ASC
		LIMIT ?`, s.table)
	return s.queryStates(ctx, query, string(status), limit)
}

// FindStuck 查找停滞的非终态实例
func (s *SQLStateStore) FindStuck(ctx context.Context, statuses []Status, olderThan time.Time, limit int) ([]*State, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	placeholders := strings.Repeat("?, ", len(statuses)-1) + "?"
	query := fmt.Sprintf(`
		SELECT id, name, correlation_id, status, current_step,
		       completed_steps, compensated_steps, state_data, last_error,
		       version, created_at, updated_at
		FROM %s WHERE status IN (%s) AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`, s.table, placeholders)

	args := make([]any, 0, len(statuses)+2)
	for _, status := range statuses {
		args = append(args, string(status))
	}
	args = append(args, olderThan.UTC(), limit)
	return s.queryStates(ctx, query, args...)
}

// Delete 删除状态
func (s *SQLStateStore) Delete(ctx context.Context, correlationID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE correlation_id = ?`, s.table)
	if _, err := s.db.Exec(ctx, query, correlationID); err != nil {
		return NewStoreFailedError(correlationID, err)
	}
	return nil
}

// DeleteTerminal 删除早于 olderThan 的终态实例
func (s *SQLStateStore) DeleteTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE status IN (?, ?, ?) AND updated_at < ?`, s.table)
	result, err := s.db.Exec(ctx, query,
		string(StatusCompleted), string(StatusFailed), string(StatusCompensated), olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete terminal saga states: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}

func (s *SQLStateStore) queryStates(ctx context.Context, query string, args ...any) ([]*State, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query saga states: %w", err)
	}
	defer rows.Close()

	var states []*State
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*State, error) {
	var state State
	var status, completed, compensated string
	var stateData []byte
	var lastError sql.NullString
	err := row.Scan(
		&state.ID, &state.Name, &state.CorrelationID, &status, &state.CurrentStep,
		&completed, &compensated, &stateData, &lastError,
		&state.Version, &state.CreatedAt, &state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	state.Status = Status(status)
	state.StateData = stateData
	state.LastError = lastError.String
	if err := json.Unmarshal([]byte(completed), &state.CompletedSteps); err != nil {
		return nil, fmt.Errorf("decode completed steps: %w", err)
	}
	if err := json.Unmarshal([]byte(compensated), &state.CompensatedSteps); err != nil {
		return nil, fmt.Errorf("decode compensated steps: %w", err)
	}
	return &state, nil
}

func marshalSteps(state *State) (string, string, error) {
	completed, err := json.Marshal(stepsOrEmpty(state.CompletedSteps))
	if err != nil {
		return "", "", fmt.Errorf("encode completed steps: %w", err)
	}
	compensated, err := json.Marshal(stepsOrEmpty(state.CompensatedSteps))
	if err != nil {
		return "", "", fmt.Errorf("encode compensated steps: %w", err)
	}
	return string(completed), string(compensated), nil
}

func stepsOrEmpty(steps []string) []string {
	if steps == nil {
		return []string{}
	}
	return steps
}
