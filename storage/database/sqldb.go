package database

import (
	"context"
	"database/sql"
)

// SQLDatabase 基于 database/sql 的 IDatabase 实现
type SQLDatabase struct {
	db      *sql.DB
	dialect Dialect
}

// Open 打开数据库连接
//
// driverName 支持 "sqlite"（modernc.org/sqlite）与 "postgres"（lib/pq）。
func Open(driverName, dsn string) (*SQLDatabase, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	return Wrap(db, NewDialect(driverName)), nil
}

// Wrap 包装已有的 *sql.DB
func Wrap(db *sql.DB, dialect Dialect) *SQLDatabase {
	return &SQLDatabase{db: db, dialect: dialect}
}

func (d *SQLDatabase) Query(ctx context.Context, query string, args ...any) (IRows, error) {
	rows, err := d.db.QueryContext(ctx, d.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (d *SQLDatabase) QueryRow(ctx context.Context, query string, args ...any) IRow {
	return d.db.QueryRowContext(ctx, d.dialect.Rebind(query), args...)
}

func (d *SQLDatabase) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.dialect.Rebind(query), args...)
}

func (d *SQLDatabase) Begin(ctx context.Context) (ITransaction, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTransaction{tx: tx, dialect: d.dialect}, nil
}

func (d *SQLDatabase) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *SQLDatabase) Close() error {
	return d.db.Close()
}

func (d *SQLDatabase) Dialect() Dialect {
	return d.dialect
}

// Raw 返回底层 *sql.DB（用于特殊场景）
func (d *SQLDatabase) Raw() *sql.DB {
	return d.db
}

// sqlTransaction 基于 *sql.Tx 的 ITransaction 实现
type sqlTransaction struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *sqlTransaction) Query(ctx context.Context, query string, args ...any) (IRows, error) {
	rows, err := t.tx.QueryContext(ctx, t.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t *sqlTransaction) QueryRow(ctx context.Context, query string, args ...any) IRow {
	return t.tx.QueryRowContext(ctx, t.dialect.Rebind(query), args...)
}

func (t *sqlTransaction) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
}

func (t *sqlTransaction) Commit() error {
	return t.tx.Commit()
}

func (t *sqlTransaction) Rollback() error {
	return t.tx.Rollback()
}

func (t *sqlTransaction) Dialect() Dialect {
	return t.dialect
}
