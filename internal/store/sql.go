package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

var (
	ErrThreadNotFound  = errors.New("thread not found")
	ErrMessageNotFound = errors.New("message not found")
)

// SQLStore is the relational thread store. It speaks to SQLite or PostgreSQL
// through database/sql; queries are written with '?' placeholders and rebound per driver.
type SQLStore struct {
	db     *sql.DB
	driver string
}

func NewSQLStore(driver, dataSourceName string) (*SQLStore, error) {
	switch driver {
	case "sqlite3", "postgres":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite3" {
		// SQLite allows one writer; a single connection keeps appends from hitting SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLStore{db: db, driver: driver}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping is used by readiness checks.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY, -- UUID
			user_id TEXT NOT NULL REFERENCES users (id),
			title TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_user ON threads (user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY, -- UUID
			thread_id TEXT NOT NULL REFERENCES threads (id),
			seq INTEGER NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
			content TEXT NOT NULL,
			feedback TEXT,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (thread_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS attachments (
			id TEXT PRIMARY KEY, -- UUID
			message_id TEXT NOT NULL REFERENCES messages (id),
			position INTEGER NOT NULL,
			filename TEXT NOT NULL,
			content_type TEXT NOT NULL,
			size BIGINT NOT NULL,
			storage_ref TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments (message_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites '?' placeholders to '$n' for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// User methods
func (s *SQLStore) upsertUser(ctx context.Context, q queryer, user User) error {
	_, err := q.ExecContext(ctx, s.rebind(
		`INSERT INTO users (id, username, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET username = excluded.username`),
		user.ID, user.Username, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// Thread methods

// CreateThread registers the user if needed and opens an empty thread owned by them.
func (s *SQLStore) CreateThread(ctx context.Context, user User) (*Thread, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin thread insert: %w", err)
	}
	defer tx.Rollback()

	if err := s.upsertUser(ctx, tx, user); err != nil {
		return nil, err
	}

	thread := &Thread{ID: uuid.NewString(), UserID: user.ID, CreatedAt: time.Now().UTC()}
	_, err = tx.ExecContext(ctx, s.rebind("INSERT INTO threads (id, user_id, title, created_at) VALUES (?, ?, ?, ?)"),
		thread.ID, thread.UserID, nil, thread.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to execute thread insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit thread insert: %w", err)
	}
	return thread, nil
}

// GetThread returns the thread with its full ordered history.
func (s *SQLStore) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	var thread Thread
	var title sql.NullString
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT id, user_id, title, created_at FROM threads WHERE id = ?"), threadID).
		Scan(&thread.ID, &thread.UserID, &title, &thread.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrThreadNotFound
		}
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	if title.Valid {
		thread.Title = &title.String
	}

	thread.Messages, err = s.ListMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

// ListThreadsByUser returns the user's threads newest first. Threads that never received
// a message, such as those left by failed requests, are not listed.
func (s *SQLStore) ListThreadsByUser(ctx context.Context, userID string) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT t.id, t.user_id, t.title, t.created_at FROM threads t
		 WHERE t.user_id = ? AND EXISTS (SELECT 1 FROM messages m WHERE m.thread_id = t.id)
		 ORDER BY t.created_at DESC`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	var threads []Thread
	for rows.Next() {
		var thread Thread
		var title sql.NullString
		if err := rows.Scan(&thread.ID, &thread.UserID, &title, &thread.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan thread row: %w", err)
		}
		if title.Valid {
			thread.Title = &title.String
		}
		threads = append(threads, thread)
	}
	return threads, rows.Err()
}

func (s *SQLStore) UpdateThreadTitle(ctx context.Context, threadID, title string) error {
	res, err := s.db.ExecContext(ctx, s.rebind("UPDATE threads SET title = ? WHERE id = ?"), title, threadID)
	if err != nil {
		return fmt.Errorf("failed to execute thread title update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// Message methods

// AppendMessages records msgs at the end of the thread in one transaction.
// Sequence numbers continue from the thread's current tail; IDs and timestamps are assigned here.
func (s *SQLStore) AppendMessages(ctx context.Context, threadID string, msgs []Message) ([]Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin message append: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, s.rebind("SELECT 1 FROM threads WHERE id = ?"), threadID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrThreadNotFound
		}
		return nil, fmt.Errorf("failed to verify thread: %w", err)
	}

	var tail int64
	if err := tx.QueryRowContext(ctx, s.rebind("SELECT COALESCE(MAX(seq), 0) FROM messages WHERE thread_id = ?"), threadID).Scan(&tail); err != nil {
		return nil, fmt.Errorf("failed to read thread tail: %w", err)
	}

	now := time.Now().UTC()
	stored := make([]Message, 0, len(msgs))
	for i, msg := range msgs {
		msg.ID = uuid.NewString()
		msg.ThreadID = threadID
		msg.Seq = tail + int64(i) + 1
		msg.CreatedAt = now

		_, err := tx.ExecContext(ctx, s.rebind("INSERT INTO messages (id, thread_id, seq, role, content, feedback, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)"),
			msg.ID, msg.ThreadID, msg.Seq, msg.Role, msg.Content, msg.Feedback, msg.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to execute message insert: %w", err)
		}

		for pos := range msg.Attachments {
			att := &msg.Attachments[pos]
			att.ID = uuid.NewString()
			att.MessageID = msg.ID
			_, err := tx.ExecContext(ctx, s.rebind("INSERT INTO attachments (id, message_id, position, filename, content_type, size, storage_ref) VALUES (?, ?, ?, ?, ?, ?, ?)"),
				att.ID, att.MessageID, pos, att.Filename, att.ContentType, att.Size, att.StorageRef)
			if err != nil {
				return nil, fmt.Errorf("failed to execute attachment insert: %w", err)
			}
		}
		stored = append(stored, msg)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message append: %w", err)
	}
	return stored, nil
}

// ListMessages returns the thread's messages in append order with their attachments.
func (s *SQLStore) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind("SELECT id, thread_id, seq, role, content, feedback, created_at FROM messages WHERE thread_id = ? ORDER BY seq ASC"), threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	var messages []Message
	index := make(map[string]int)
	for rows.Next() {
		var msg Message
		var feedback sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.Seq, &msg.Role, &msg.Content, &feedback, &msg.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if feedback.Valid {
			msg.Feedback = &feedback.String
		}
		index[msg.ID] = len(messages)
		messages = append(messages, msg)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	if len(messages) == 0 {
		return messages, nil
	}

	// The message cursor is closed before this query; SQLite runs on a single connection.
	attRows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT a.id, a.message_id, a.filename, a.content_type, a.size, a.storage_ref
		 FROM attachments a JOIN messages m ON m.id = a.message_id
		 WHERE m.thread_id = ? ORDER BY m.seq ASC, a.position ASC`), threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments: %w", err)
	}
	defer attRows.Close()

	for attRows.Next() {
		var att Attachment
		if err := attRows.Scan(&att.ID, &att.MessageID, &att.Filename, &att.ContentType, &att.Size, &att.StorageRef); err != nil {
			return nil, fmt.Errorf("failed to scan attachment row: %w", err)
		}
		if i, ok := index[att.MessageID]; ok {
			messages[i].Attachments = append(messages[i].Attachments, att)
		}
	}
	return messages, attRows.Err()
}

func (s *SQLStore) UpdateMessageFeedback(ctx context.Context, messageID, feedback string) error {
	res, err := s.db.ExecContext(ctx, s.rebind("UPDATE messages SET feedback = ? WHERE id = ?"), feedback, messageID)
	if err != nil {
		return fmt.Errorf("failed to execute feedback update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrMessageNotFound
	}
	return nil
}
