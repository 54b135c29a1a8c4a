package database

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *SQLDatabase {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// TestSQLDatabase_ExecAndQuery 测试基本读写
func TestSQLDatabase_ExecAndQuery(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.Exec(ctx, `CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(ctx, `INSERT INTO items (name) VALUES (?)`, "widget")
	require.NoError(t, err)

	var name string
	require.NoError(t, db.QueryRow(ctx, `SELECT name FROM items WHERE id = ?`, 1).Scan(&name))
	assert.Equal(t, "widget", name)

	rows, err := db.Query(ctx, `SELECT name FROM items`)
	require.NoError(t, err)
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		require.NoError(t, rows.Scan(&n))
		names = append(names, n)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"widget"}, names)
}

// TestSQLDatabase_TransactionCommit 测试事务提交
func TestSQLDatabase_TransactionCommit(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, err := db.Exec(ctx, `CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, `INSERT INTO items (name) VALUES (?)`, "in-tx")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	var count int
	require.NoError(t, db.QueryRow(ctx, `SELECT COUNT(*) FROM items`).Scan(&count))
	assert.Equal(t, 1, count)
}

// TestSQLDatabase_TransactionRollback 测试事务回滚
func TestSQLDatabase_TransactionRollback(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, err := db.Exec(ctx, `CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, `INSERT INTO items (name) VALUES (?)`, "rolled-back")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	var count int
	require.NoError(t, db.QueryRow(ctx, `SELECT COUNT(*) FROM items`).Scan(&count))
	assert.Equal(t, 0, count)
}

// TestSQLDatabase_Dialect 测试方言透传
func TestSQLDatabase_Dialect(t *testing.T) {
	db := openTestDB(t)
	assert.Equal(t, DialectSQLite, db.Dialect())

	ctx := context.Background()
	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	assert.Equal(t, DialectSQLite, tx.Dialect())
}
