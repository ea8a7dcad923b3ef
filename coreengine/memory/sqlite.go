package memory

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schema string

// SQLiteStore persists memories in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path + "?_foreign_keys=ON&_busy_timeout=5000"
	if path != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, m Memory) (*Memory, error) {
	m = prepare(m, s.now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, user_id, agent_id, room_id, type, generator, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.UserID, m.AgentID, m.RoomID, m.Type, m.Generator, m.Content, m.CreatedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, ErrDuplicateID
		}
		return nil, fmt.Errorf("insert memory: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, agent_id, room_id, type, generator, content, created_at
		FROM memories WHERE id = ?
	`, id)

	var m Memory
	err := row.Scan(&m.ID, &m.UserID, &m.AgentID, &m.RoomID, &m.Type, &m.Generator, &m.Content, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) ExistsByID(ctx context.Context, id string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE id = ?`, id).Scan(&count); err != nil {
		return false, fmt.Errorf("count memory: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) RecentByUser(ctx context.Context, userID string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, agent_id, room_id, type, generator, content, created_at
		FROM memories WHERE user_id = ?
		ORDER BY seq DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.UserID, &m.AgentID, &m.RoomID, &m.Type, &m.Generator, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
