package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/orbitalops/dbagent/internal/domain"
	"github.com/orbitalops/dbagent/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	saveMu sync.Mutex // Serializes Save to prevent SQLITE_BUSY under write bursts
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS conversations (
		thread_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		tags_json TEXT NOT NULL DEFAULT '[]',
		state_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Load retrieves a conversation with its full agent state.
func (s *SQLiteStore) Load(ctx context.Context, threadID string) (*domain.Conversation, error) {
	query := `
		SELECT thread_id, user_id, title, tags_json, state_json, created_at, updated_at
		FROM conversations WHERE thread_id = ?`

	row := s.db.QueryRowContext(ctx, query, threadID)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, shared.NewError(shared.CodeNotFound, "conversation %s not found", threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	return conv, nil
}

// Save persists the conversation by merging into any stored record for
// the same thread inside a single transaction. A concurrent writer's
// knowledge is never overwritten, only extended. SQLITE_BUSY conflicts
// are retried with exponential backoff.
func (s *SQLiteStore) Save(ctx context.Context, conv *domain.Conversation) error {
	if conv.ThreadID == "" {
		return shared.NewError(shared.CodeValidation, "conversation has no thread id")
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(baseDelay * time.Duration(1<<(attempt-1))):
			}
		}
		err = s.saveOnce(ctx, conv)
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
	}
	return err
}

func (s *SQLiteStore) saveOnce(ctx context.Context, conv *domain.Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save transaction: %w", err)
	}
	defer tx.Rollback()

	state := conv.State
	var createdAt int64

	var storedState string
	err = tx.QueryRowContext(ctx,
		`SELECT state_json, created_at FROM conversations WHERE thread_id = ?`,
		conv.ThreadID).Scan(&storedState, &createdAt)
	switch {
	case err == sql.ErrNoRows:
		createdAt = conv.CreatedAt.Unix()
		if createdAt <= 0 {
			createdAt = time.Now().Unix()
		}
	case err != nil:
		return fmt.Errorf("read stored conversation: %w", err)
	default:
		var base domain.AgentState
		if jsonErr := json.Unmarshal([]byte(storedState), &base); jsonErr != nil {
			return fmt.Errorf("decode stored state: %w", jsonErr)
		}
		base.MergeFrom(state)
		state = &base
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tagsJSON, err := json.Marshal(conv.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	query := `
	INSERT INTO conversations (thread_id, user_id, title, tags_json, state_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(thread_id) DO UPDATE SET
		title = excluded.title,
		tags_json = excluded.tags_json,
		state_json = excluded.state_json,
		updated_at = excluded.updated_at`

	_, err = tx.ExecContext(ctx, query,
		conv.ThreadID, conv.UserID, conv.Title, string(tagsJSON), string(stateJSON),
		createdAt, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("write conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	conv.State = state
	return nil
}

// Delete removes a conversation and its state.
func (s *SQLiteStore) Delete(ctx context.Context, threadID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE thread_id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return shared.NewError(shared.CodeNotFound, "conversation %s not found", threadID)
	}
	return nil
}

// List returns conversation summaries, newest first. An empty userID
// lists across all users.
func (s *SQLiteStore) List(ctx context.Context, userID string, limit, offset int) ([]domain.ConversationSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	var sb strings.Builder
	sb.WriteString(`
		SELECT thread_id, user_id, title, tags_json, state_json, created_at, updated_at
		FROM conversations`)
	args := []any{}
	if userID != "" {
		sb.WriteString(` WHERE user_id = ?`)
		args = append(args, userID)
	}
	sb.WriteString(` ORDER BY updated_at DESC LIMIT ? OFFSET ?`)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	summaries := []domain.ConversationSummary{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		messageCount := 0
		if conv.State != nil {
			messageCount = len(conv.State.Messages)
		}
		summaries = append(summaries, domain.ConversationSummary{
			ThreadID:     conv.ThreadID,
			UserID:       conv.UserID,
			Title:        conv.Title,
			Tags:         conv.Tags,
			MessageCount: messageCount,
			CreatedAt:    conv.CreatedAt,
			UpdatedAt:    conv.UpdatedAt,
		})
	}
	return summaries, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var conv domain.Conversation
	var tagsJSON, stateJSON string
	var createdAt, updatedAt int64

	err := row.Scan(&conv.ThreadID, &conv.UserID, &conv.Title, &tagsJSON, &stateJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tagsJSON), &conv.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	var state domain.AgentState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	conv.State = &state
	conv.CreatedAt = time.Unix(createdAt, 0)
	conv.UpdatedAt = time.Unix(updatedAt, 0)
	return &conv, nil
}
