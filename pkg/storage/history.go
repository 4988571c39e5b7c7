package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound = errors.New("not found")
)

// Direction tells whether a message was received or sent
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageStatus represents message delivery status
type MessageStatus string

const (
	MessageStatusReceived MessageStatus = "received"
	MessageStatusSent     MessageStatus = "sent"
	MessageStatusFailed   MessageStatus = "failed"
)

// Record is one entry of the message history
type Record struct {
	ID        int64
	MessageID string // BLAKE2b id, unique
	PeerID    string
	Direction Direction
	Content   []byte
	Timestamp int64 // Unix milliseconds
	Status    MessageStatus
	Error     string
}

// History is the SQLite log of messages exchanged with peers
type History struct {
	db        *sql.DB
	retention time.Duration // Zero: keep forever

	stop      chan struct{}
	closeOnce sync.Once
}

// NewHistory opens (or creates) the history database at dbPath.
// retention: how long records are kept; zero disables cleanup.
func NewHistory(dbPath string, retention time.Duration) (*History, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	h := &History{
		db:        db,
		retention: retention,
		stop:      make(chan struct{}),
	}

	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	if retention > 0 {
		go h.cleanupExpired(time.Hour)
	}

	return h, nil
}

// initSchema creates the database schema
func (h *History) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT UNIQUE NOT NULL,
		peer_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		content BLOB NOT NULL,
		timestamp INTEGER NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	);

	-- Index for per-peer history
	CREATE INDEX IF NOT EXISTS idx_messages_peer ON messages(peer_id, timestamp DESC);

	-- Index for recency queries and retention cleanup
	CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp DESC);
	`

	if _, err := h.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Append stores rec. A record whose MessageID is already present is ignored.
func (h *History) Append(rec *Record) error {
	if rec.MessageID == "" {
		return fmt.Errorf("record has no message id")
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}
	content := rec.Content
	if content == nil {
		content = []byte{}
	}

	query := `
		INSERT OR IGNORE INTO messages (message_id, peer_id, direction, content, timestamp, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := h.db.Exec(query, rec.MessageID, rec.PeerID, string(rec.Direction), content, rec.Timestamp, string(rec.Status), rec.Error)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	if n, _ := result.RowsAffected(); n > 0 {
		if id, err := result.LastInsertId(); err == nil {
			rec.ID = id
		}
	}

	return nil
}

// Get returns the record with the given message id
func (h *History) Get(messageID string) (*Record, error) {
	query := `
		SELECT id, message_id, peer_id, direction, content, timestamp, status, error
		FROM messages WHERE message_id = ?
	`

	rec, err := scanRecord(h.db.QueryRow(query, messageID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return rec, nil
}

// Recent returns up to limit records, newest first
func (h *History) Recent(limit int) ([]*Record, error) {
	query := `
		SELECT id, message_id, peer_id, direction, content, timestamp, status, error
		FROM messages
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`

	return h.query(query, normalizeLimit(limit))
}

// ByPeer returns up to limit records exchanged with peerID, newest first
func (h *History) ByPeer(peerID string, limit int) ([]*Record, error) {
	query := `
		SELECT id, message_id, peer_id, direction, content, timestamp, status, error
		FROM messages
		WHERE peer_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`

	return h.query(query, peerID, normalizeLimit(limit))
}

// Count returns the total number of records
func (h *History) Count() (int, error) {
	var count int
	if err := h.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// CountByStatus returns the number of records with the given status
func (h *History) CountByStatus(status MessageStatus) (int, error) {
	var count int
	err := h.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE status = ?`, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// Prune deletes records older than before and returns how many were removed
func (h *History) Prune(before time.Time) (int64, error) {
	result, err := h.db.Exec(`DELETE FROM messages WHERE timestamp < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune messages: %w", err)
	}

	count, _ := result.RowsAffected()
	return count, nil
}

// Close stops background cleanup and closes the database
func (h *History) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.stop)
		err = h.db.Close()
	})
	return err
}

func (h *History) query(query string, args ...any) ([]*Record, error) {
	rows, err := h.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// cleanupExpired periodically removes records past the retention window
func (h *History) cleanupExpired(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			count, err := h.Prune(time.Now().Add(-h.retention))
			if err != nil {
				log.Error().Err(err).Msg("failed to cleanup expired messages")
				continue
			}
			if count > 0 {
				log.Info().Int64("count", count).Msg("cleaned up expired messages")
			}
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	rec := &Record{}
	var direction, status string
	if err := row.Scan(&rec.ID, &rec.MessageID, &rec.PeerID, &direction, &rec.Content, &rec.Timestamp, &status, &rec.Error); err != nil {
		return nil, err
	}
	rec.Direction = Direction(direction)
	rec.Status = MessageStatus(status)
	return rec, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
