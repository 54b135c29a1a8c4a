package database

import (
	"errors"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// Dialect 标准化的数据库方言
//
// 目前只抽象本项目实际用到的能力：
//   - Rebind: 将 `?` 占位符转换为方言占位符（postgres 为 $n）
//   - IsUniqueViolation: 唯一键/主键冲突错误识别（Inbox 去重依赖）
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectUnknown  Dialect = ""
)

// NewDialect 根据字符串构造方言（大小写不敏感）
func NewDialect(name string) Dialect {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sqlite", "sqlite3":
		return DialectSQLite
	case "postgres", "postgresql", "pq":
		return DialectPostgres
	default:
		return DialectUnknown
	}
}

// Rebind 将 `?` 占位符转换为方言占位符
//
// 仓储统一用 `?` 书写 SQL；postgres 下在执行前改写为 $1..$n。
// 不处理字符串字面量中的问号——仓储的 SQL 不包含此类写法。
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// IsUniqueViolation 判断错误是否为唯一约束冲突
func (d Dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// modernc.org/sqlite 的约束错误没有导出的错误类型，按消息匹配
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
