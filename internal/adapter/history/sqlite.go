// Package history stores client-side conversation transcripts.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"chatrelay/internal/domain"
)

// SQLiteStore implements domain.HistoryStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			conversation_id TEXT    NOT NULL,
			seq             INTEGER NOT NULL,
			role            TEXT    NOT NULL,
			content         TEXT    NOT NULL,
			created_at      TEXT    NOT NULL,
			PRIMARY KEY (conversation_id, seq)
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load implements domain.HistoryStore.
func (s *SQLiteStore) Load(conversationID string) ([]domain.Turn, error) {
	rows, err := s.db.Query(
		"SELECT role, content FROM turns WHERE conversation_id = ? ORDER BY seq", conversationID,
	)
	if err != nil {
		return nil, domain.WrapOp("SQLiteStore.Load", err)
	}
	defer rows.Close()

	turns := []domain.Turn{}
	for rows.Next() {
		var t domain.Turn
		if err := rows.Scan(&t.Role, &t.Content); err != nil {
			return nil, domain.WrapOp("SQLiteStore.Load", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapOp("SQLiteStore.Load", err)
	}
	return turns, nil
}

// Append implements domain.HistoryStore.
func (s *SQLiteStore) Append(conversationID string, turn domain.Turn) error {
	if !domain.ValidRole(turn.Role) {
		return domain.NewDomainError("SQLiteStore.Append", domain.ErrInvalidRole, turn.Role)
	}
	_, err := s.db.Exec(`
		INSERT INTO turns (conversation_id, seq, role, content, created_at)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?
		FROM turns WHERE conversation_id = ?`,
		conversationID, turn.Role, turn.Content,
		time.Now().UTC().Format(time.RFC3339Nano), conversationID,
	)
	return domain.WrapOp("SQLiteStore.Append", err)
}

// Clear implements domain.HistoryStore.
func (s *SQLiteStore) Clear(conversationID string) error {
	_, err := s.db.Exec("DELETE FROM turns WHERE conversation_id = ?", conversationID)
	return domain.WrapOp("SQLiteStore.Clear", err)
}
