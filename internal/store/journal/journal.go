// Package journal keeps an append-only log of execution events (orders,
// stop moves, closures) next to the main database.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Entry 一条执行事件。
type Entry struct {
	ID        int64     `json:"id"`
	TradeID   string    `json:"trade_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

type Journal struct {
	mu    sync.Mutex
	db    *sql.DB
	nowFn func() time.Time
}

// Open opens (or creates) the journal database at path.
func Open(path string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("journal path 不能为空")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	dsn := ":memory:"
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db, nowFn: time.Now}, nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS execution_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trade_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_execution_events_trade ON execution_events(trade_id, id);`,
	}
	for _, q := range stmts {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("初始化 journal 表失败: %w", err)
		}
	}
	return nil
}

// Append records one event; rows are never updated or deleted.
func (j *Journal) Append(ctx context.Context, tradeID, kind, detail string) error {
	if j == nil || j.db == nil {
		return fmt.Errorf("journal 未初始化")
	}
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return fmt.Errorf("journal kind 必填")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO execution_events (trade_id, kind, detail, created_at) VALUES (?, ?, ?, ?)`,
		tradeID, kind, detail, j.nowFn().UnixMilli())
	return err
}

// List returns events oldest first; empty tradeID lists the latest events of all trades.
func (j *Journal) List(ctx context.Context, tradeID string, limit int) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("journal 未初始化")
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var (
		rows *sql.Rows
		err  error
	)
	if tradeID != "" {
		rows, err = j.db.QueryContext(ctx,
			`SELECT id, trade_id, kind, detail, created_at FROM execution_events WHERE trade_id = ? ORDER BY id ASC LIMIT ?`,
			tradeID, limit)
	} else {
		rows, err = j.db.QueryContext(ctx,
			`SELECT id, trade_id, kind, detail, created_at FROM (
				SELECT * FROM execution_events ORDER BY id DESC LIMIT ?
			) ORDER BY id ASC`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			detail sql.NullString
			ts     int64
		)
		if err := rows.Scan(&e.ID, &e.TradeID, &e.Kind, &detail, &ts); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		e.CreatedAt = time.UnixMilli(ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
