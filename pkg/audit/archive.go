package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entry 是一次完成的问答交互。
type Entry struct {
	ID               int64
	ConversationID   string
	Identity         string
	Backend          string
	Model            string
	Question         string
	Answer           string
	TokensUsed       int
	Fallback         bool
	Truncated        bool
	DispatchDuration time.Duration
	CreatedAt        time.Time
}

// Archive 把交互追加到本地 SQLite 文件，供运维离线排查。
// 它只是副本：会话数据的权威来源仍是共享存储。
type Archive struct {
	db *sql.DB
}

// Open 打开（或创建）归档库并初始化表结构，必要时创建父目录。
func Open(path string) (*Archive, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit db at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping audit db at %s: %w", path, err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init audit schema: %w", err)
	}
	return &Archive{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS exchanges (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			identity TEXT NOT NULL,
			backend TEXT NOT NULL,
			model TEXT NOT NULL,
			question TEXT NOT NULL,
			answer TEXT NOT NULL,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			fallback INTEGER NOT NULL DEFAULT 0,
			truncated INTEGER NOT NULL DEFAULT 0,
			dispatch_ms INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_exchanges_conversation ON exchanges(conversation_id, id);
		CREATE INDEX IF NOT EXISTS idx_exchanges_identity ON exchanges(identity, id);
	`)
	return err
}

// Record 追加一条交互记录，返回自增 ID。
func (a *Archive) Record(ctx context.Context, e Entry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := a.db.ExecContext(ctx,
		`INSERT INTO exchanges (conversation_id, identity, backend, model, question, answer,
			tokens_used, fallback, truncated, dispatch_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ConversationID, e.Identity, e.Backend, e.Model, e.Question, e.Answer,
		e.TokensUsed, e.Fallback, e.Truncated, e.DispatchDuration.Milliseconds(), e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert audit entry: %w", err)
	}
	return res.LastInsertId()
}

// Recent 返回最近的 limit 条记录，新记录在前。identity 非空时只返回该身份的记录。
func (a *Archive) Recent(ctx context.Context, identity string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, conversation_id, identity, backend, model, question, answer,
			tokens_used, fallback, truncated, dispatch_ms, created_at
		 FROM exchanges`
	args := []any{}
	if identity != "" {
		query += ` WHERE identity = ?`
		args = append(args, identity)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			dispatchMS int64
			createdMS  int64
		)
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.Identity, &e.Backend, &e.Model,
			&e.Question, &e.Answer, &e.TokensUsed, &e.Fallback, &e.Truncated, &dispatchMS, &createdMS); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.DispatchDuration = time.Duration(dispatchMS) * time.Millisecond
		e.CreatedAt = time.UnixMilli(createdMS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close 关闭数据库。
func (a *Archive) Close() error {
	return a.db.Close()
}
