// Package database 提供通用的数据库抽象接口
//
// 设计目标：
// 1. 隔离具体的数据库驱动（sqlite、postgres）
// 2. 提供统一的数据库操作接口
// 3. 支持事务操作（Outbox/Inbox 与领域写入共用同一事务）
// 4. 便于单元测试（Mock）
package database

import (
	"context"
	"database/sql"
)

// IDatabase 通用数据库接口
type IDatabase interface {
	// 查询操作
	Query(ctx context.Context, query string, args ...any) (IRows, error)
	QueryRow(ctx context.Context, query string, args ...any) IRow

	// 执行操作
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)

	// 事务操作
	Begin(ctx context.Context) (ITransaction, error)

	// 连接管理
	Ping(ctx context.Context) error
	Close() error

	// Dialect 返回底层数据库方言
	Dialect() Dialect
}

// ITransaction 事务接口
//
// 事务内可继续执行查询与写入；Outbox Append 和 Inbox MarkProcessed
// 均接受 ITransaction，使事件写入与领域写入原子提交。
type ITransaction interface {
	Query(ctx context.Context, query string, args ...any) (IRows, error)
	QueryRow(ctx context.Context, query string, args ...any) IRow
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)

	Commit() error
	Rollback() error

	Dialect() Dialect
}

// IRows 查询结果集接口
type IRows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}

// IRow 单行结果接口
type IRow interface {
	Scan(dest ...any) error
}

// IExecutor 数据库与事务的公共子集
//
// 仓储内部使用，允许同一条 SQL 既能跑在连接上也能跑在事务里。
type IExecutor interface {
	Query(ctx context.Context, query string, args ...any) (IRows, error)
	QueryRow(ctx context.Context, query string, args ...any) IRow
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Dialect() Dialect
}
