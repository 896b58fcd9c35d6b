package trigger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS triggers (
	position INTEGER PRIMARY KEY,
	trigger_id INTEGER,
	kind TEXT NOT NULL,
	body TEXT NOT NULL
);
`

// SQLiteStore keeps the rule list in a SQLite table, one row per entry.
// Save rewrites the table inside a single transaction.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore creates or opens a SQLite database at path
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Load returns the rule list ordered by position
func (s *SQLiteStore) Load(ctx context.Context) ([]Trigger, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM triggers ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	list := []Trigger{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		var t Trigger
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rule: %w", err)
		}
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}
	return list, nil
}

// Save replaces the whole table in one transaction
func (s *SQLiteStore) Save(ctx context.Context, list []Trigger) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM triggers`); err != nil {
		return fmt.Errorf("failed to clear rules: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO triggers (position, trigger_id, kind, body) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range list {
		body, err := json.Marshal(list[i])
		if err != nil {
			return fmt.Errorf("failed to marshal rule %d: %w", i, err)
		}
		var id sql.NullInt64
		if list[i].ID != nil {
			id = sql.NullInt64{Int64: *list[i].ID, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, i, id, string(list[i].Kind), string(body)); err != nil {
			return fmt.Errorf("failed to insert rule %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rules: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
