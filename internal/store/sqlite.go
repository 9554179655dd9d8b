// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Persists registry snapshots transactionally with automatic schema creation.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS media (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			length INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS media_downloads (
			media_id INTEGER NOT NULL REFERENCES media(id) ON DELETE CASCADE,
			client_id INTEGER NOT NULL,
			PRIMARY KEY (media_id, client_id)
		);

		CREATE TABLE IF NOT EXISTS clients (
			id INTEGER PRIMARY KEY,
			addr TEXT NOT NULL,
			hostname TEXT NOT NULL,
			username TEXT NOT NULL,
			alias TEXT,
			last_seen INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS client_groups (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS group_members (
			group_id INTEGER NOT NULL REFERENCES client_groups(id) ON DELETE CASCADE,
			client_id INTEGER NOT NULL,
			PRIMARY KEY (group_id, client_id)
		);

		CREATE TABLE IF NOT EXISTS pending_deletions (
			client_id INTEGER PRIMARY KEY
		);

		CREATE TABLE IF NOT EXISTS registry_meta (
			key TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Load reads the full snapshot. A database that has never been saved yields
// an empty snapshot; any read or scan failure is returned to the caller.
func (s *SQLiteStore) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	row := s.db.QueryRowContext(ctx, "SELECT value FROM registry_meta WHERE key = 'next_id'")
	var nextID int64
	switch err := row.Scan(&nextID); err {
	case nil:
		if nextID < 0 || nextID > int64(^uint16(0)) {
			return nil, fmt.Errorf("loading id counter: value %d out of range", nextID)
		}
		snap.NextID = uint16(nextID)
	case sql.ErrNoRows:
		// fresh database
	default:
		return nil, fmt.Errorf("loading id counter: %w", err)
	}

	if err := s.loadMedia(ctx, snap); err != nil {
		return nil, err
	}
	if err := s.loadClients(ctx, snap); err != nil {
		return nil, err
	}
	if err := s.loadGroups(ctx, snap); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT client_id FROM pending_deletions ORDER BY client_id")
	if err != nil {
		return nil, fmt.Errorf("loading pending deletions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uint16
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning pending deletion: %w", err)
		}
		snap.PendingDeletion = append(snap.PendingDeletion, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading pending deletions: %w", err)
	}

	return snap, nil
}

func (s *SQLiteStore) loadMedia(ctx context.Context, snap *Snapshot) error {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, length FROM media ORDER BY id")
	if err != nil {
		return fmt.Errorf("loading media: %w", err)
	}
	defer rows.Close()

	index := make(map[uint16]int)
	for rows.Next() {
		var m Media
		if err := rows.Scan(&m.ID, &m.Name, &m.Length); err != nil {
			return fmt.Errorf("scanning media: %w", err)
		}
		index[m.ID] = len(snap.Library)
		snap.Library = append(snap.Library, m)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("loading media: %w", err)
	}

	dl, err := s.db.QueryContext(ctx, "SELECT media_id, client_id FROM media_downloads ORDER BY media_id, client_id")
	if err != nil {
		return fmt.Errorf("loading downloads: %w", err)
	}
	defer dl.Close()
	for dl.Next() {
		var mediaID, clientID uint16
		if err := dl.Scan(&mediaID, &clientID); err != nil {
			return fmt.Errorf("scanning download: %w", err)
		}
		if i, ok := index[mediaID]; ok {
			snap.Library[i].Downloaded = append(snap.Library[i].Downloaded, clientID)
		}
	}
	return dl.Err()
}

func (s *SQLiteStore) loadClients(ctx context.Context, snap *Snapshot) error {
	rows, err := s.db.QueryContext(ctx, "SELECT id, addr, hostname, username, alias, last_seen FROM clients ORDER BY id")
	if err != nil {
		return fmt.Errorf("loading clients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c Client
		var alias sql.NullString
		var lastSeen int64
		if err := rows.Scan(&c.ID, &c.Addr, &c.Hostname, &c.Username, &alias, &lastSeen); err != nil {
			return fmt.Errorf("scanning client: %w", err)
		}
		if alias.Valid {
			c.Alias = &alias.String
		}
		// Online is transient; every loaded client starts offline.
		c.Activity = Activity{Online: false, Since: lastSeen}
		snap.Clients = append(snap.Clients, c)
	}
	return rows.Err()
}

func (s *SQLiteStore) loadGroups(ctx context.Context, snap *Snapshot) error {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name FROM client_groups ORDER BY id")
	if err != nil {
		return fmt.Errorf("loading groups: %w", err)
	}
	defer rows.Close()

	index := make(map[uint16]int)
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			return fmt.Errorf("scanning group: %w", err)
		}
		index[g.ID] = len(snap.Groups)
		snap.Groups = append(snap.Groups, g)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("loading groups: %w", err)
	}

	members, err := s.db.QueryContext(ctx, "SELECT group_id, client_id FROM group_members ORDER BY group_id, client_id")
	if err != nil {
		return fmt.Errorf("loading group members: %w", err)
	}
	defer members.Close()
	for members.Next() {
		var groupID, clientID uint16
		if err := members.Scan(&groupID, &clientID); err != nil {
			return fmt.Errorf("scanning group member: %w", err)
		}
		if i, ok := index[groupID]; ok {
			snap.Groups[i].Members = append(snap.Groups[i].Members, clientID)
		}
	}
	return members.Err()
}

// Save replaces the stored snapshot in one transaction. The registry is
// small, so a full rewrite is cheaper than diffing.
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning save transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"media_downloads", "media", "clients", "group_members", "client_groups", "pending_deletions"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	for _, m := range snap.Library {
		if _, err := tx.ExecContext(ctx, "INSERT INTO media (id, name, length) VALUES (?, ?, ?)", m.ID, m.Name, m.Length); err != nil {
			return fmt.Errorf("saving media %d: %w", m.ID, err)
		}
		for _, clientID := range m.Downloaded {
			if _, err := tx.ExecContext(ctx, "INSERT INTO media_downloads (media_id, client_id) VALUES (?, ?)", m.ID, clientID); err != nil {
				return fmt.Errorf("saving download %d/%d: %w", m.ID, clientID, err)
			}
		}
	}

	for _, c := range snap.Clients {
		var alias sql.NullString
		if c.Alias != nil {
			alias = sql.NullString{String: *c.Alias, Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO clients (id, addr, hostname, username, alias, last_seen) VALUES (?, ?, ?, ?, ?, ?)",
			c.ID, c.Addr, c.Hostname, c.Username, alias, c.Activity.Since); err != nil {
			return fmt.Errorf("saving client %d: %w", c.ID, err)
		}
	}

	for _, g := range snap.Groups {
		if _, err := tx.ExecContext(ctx, "INSERT INTO client_groups (id, name) VALUES (?, ?)", g.ID, g.Name); err != nil {
			return fmt.Errorf("saving group %d: %w", g.ID, err)
		}
		for _, clientID := range g.Members {
			if _, err := tx.ExecContext(ctx, "INSERT INTO group_members (group_id, client_id) VALUES (?, ?)", g.ID, clientID); err != nil {
				return fmt.Errorf("saving group member %d/%d: %w", g.ID, clientID, err)
			}
		}
	}

	for _, id := range snap.PendingDeletion {
		if _, err := tx.ExecContext(ctx, "INSERT INTO pending_deletions (client_id) VALUES (?)", id); err != nil {
			return fmt.Errorf("saving pending deletion %d: %w", id, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO registry_meta (key, value) VALUES ('next_id', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		snap.NextID); err != nil {
		return fmt.Errorf("saving id counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing save: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
