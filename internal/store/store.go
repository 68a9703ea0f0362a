package store

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hltdev8642/tabzmux/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store persists terminal metadata in sqlite so the registry can reconcile
// against live tmux sessions after a restart.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs migrations. An
// empty path resolves to ~/.tabzmux/state.db.
func Open(path string) (*Store, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		dir := filepath.Join(home, ".tabzmux")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
		path = filepath.Join(dir, "state.db")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	for _, e := range entries {
		stmt, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		if _, err := s.db.Exec(string(stmt)); err != nil {
			return fmt.Errorf("run migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTerminal upserts a terminal row.
func (s *Store) SaveTerminal(t models.Terminal) error {
	_, err := s.db.Exec(`
		INSERT INTO terminals (id, backing_name, state, cols, rows, working_dir, command, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			cols = excluded.cols,
			rows = excluded.rows`,
		t.ID, t.BackingName, string(t.State), t.Dimensions.Cols, t.Dimensions.Rows,
		t.WorkingDir, t.Command, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("save terminal %s: %w", t.ID, err)
	}
	return nil
}

// DeleteTerminal removes a terminal row. Deleting a missing row is fine.
func (s *Store) DeleteTerminal(id string) error {
	if _, err := s.db.Exec(`DELETE FROM terminals WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete terminal %s: %w", id, err)
	}
	return nil
}

// ListTerminals returns all persisted terminals.
func (s *Store) ListTerminals() ([]models.Terminal, error) {
	rows, err := s.db.Query(`
		SELECT id, backing_name, state, cols, rows, working_dir, command, created_at
		FROM terminals ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list terminals: %w", err)
	}
	defer rows.Close()

	var out []models.Terminal
	for rows.Next() {
		var t models.Terminal
		var state string
		if err := rows.Scan(&t.ID, &t.BackingName, &state, &t.Dimensions.Cols,
			&t.Dimensions.Rows, &t.WorkingDir, &t.Command, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan terminal row: %w", err)
		}
		t.State = models.Lifecycle(state)
		out = append(out, t)
	}
	return out, rows.Err()
}
