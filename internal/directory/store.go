// Package directory is the local projection of the hosted membership backend:
// users, rooms, memberships and message history. The call engine only reads
// it to label calls; the chat layer reads and writes through it.
package directory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// User is a directory entry.
type User struct {
	ID    string
	Name  string
	Email string
}

// Room is a conversation: direct (two members) or group.
type Room struct {
	ID        string
	Name      string
	Direct    bool
	CreatedAt time.Time
}

// Message is one stored chat message.
type Message struct {
	ID        string
	RoomID    string
	SenderID  string
	Body      string
	CreatedAt time.Time
}

// Store wraps a SQLite database holding the directory tables.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database in the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dir, "parley.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Foreign keys and WAL mode for better concurrency.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id    TEXT PRIMARY KEY,
			name  TEXT NOT NULL,
			email TEXT DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS rooms (
			id         TEXT PRIMARY KEY,
			name       TEXT DEFAULT '',
			direct     INTEGER DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS room_members (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (room_id, user_id)
		);
		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			room_id    TEXT NOT NULL,
			sender_id  TEXT NOT NULL,
			body       TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// UpsertUser inserts or refreshes a directory entry.
func (s *Store) UpsertUser(u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`
		INSERT INTO users (id, name, email) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email
	`, u.ID, u.Name, u.Email); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// EnsureRoom creates the room if it does not exist.
func (s *Store) EnsureRoom(r Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	direct := 0
	if r.Direct {
		direct = 1
	}
	if _, err := s.db.Exec(`
		INSERT OR IGNORE INTO rooms (id, name, direct) VALUES (?, ?, ?)
	`, r.ID, r.Name, direct); err != nil {
		return fmt.Errorf("ensure room: %w", err)
	}
	return nil
}

// AddMember adds a user to a room. Idempotent.
func (s *Store) AddMember(roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`
		INSERT OR IGNORE INTO room_members (room_id, user_id) VALUES (?, ?)
	`, roomID, userID); err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// Rooms returns all rooms, oldest first.
func (s *Store) Rooms() ([]Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT id, name, direct, created_at FROM rooms ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		var r Room
		var direct int
		if err := rows.Scan(&r.ID, &r.Name, &direct, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Direct = direct != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Members returns the users of a room.
func (s *Store) Members(roomID string) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`
		SELECT u.id, u.name, u.email
		FROM room_members m JOIN users u ON u.id = m.user_id
		WHERE m.room_id = ?
		ORDER BY u.name
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// OtherParticipant returns the identity of the other member of a direct room.
// Used only to label the call UI.
func (s *Store) OtherParticipant(roomID, selfID string) (id, name string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`
		SELECT u.id, u.name
		FROM room_members m JOIN users u ON u.id = m.user_id
		WHERE m.room_id = ? AND m.user_id != ?
		LIMIT 1
	`, roomID, selfID)
	if err := row.Scan(&id, &name); err != nil {
		return "", "", fmt.Errorf("other participant of %s: %w", roomID, err)
	}
	return id, name, nil
}

// SaveMessage persists one chat message.
func (s *Store) SaveMessage(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.Exec(`
		INSERT OR IGNORE INTO messages (id, room_id, sender_id, body, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, m.ID, m.RoomID, m.SenderID, m.Body, m.CreatedAt); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit newest messages of a room, oldest first.
func (s *Store) RecentMessages(roomID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`
		SELECT id, room_id, sender_id, body, created_at FROM (
			SELECT * FROM messages WHERE room_id = ?
			ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at
	`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
