package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/kb-agent/backend/internal/storage/models"
	"github.com/kb-agent/backend/pkg/logger"
)

type Client struct {
	db  *sql.DB
	now func() time.Time
}

func NewClient(dbPath string) (*Client, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// One writer keeps archive transactions from hitting SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db, now: time.Now}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);

	CREATE TABLE IF NOT EXISTS archived_messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		archived_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);
	CREATE INDEX IF NOT EXISTS idx_archived_session ON archived_messages(session_id, seq);

	CREATE TABLE IF NOT EXISTS knowledge_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		max_documents INTEGER NOT NULL,
		similarity_threshold REAL NOT NULL,
		max_context_length INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		query TEXT NOT NULL,
		mode TEXT NOT NULL,
		intent TEXT,
		refined_query TEXT,
		state TEXT NOT NULL,
		sources TEXT,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id);
	CREATE INDEX IF NOT EXISTS idx_turns_created ON turns(created_at);
	`

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("Database schema initialized")
	return nil
}

func (c *Client) Append(ctx context.Context, msg models.Message) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, created_at) VALUES (?, ?)`,
		msg.SessionID, c.now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to ensure session: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, msg.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

// List returns the most recent limit messages of the session in
// chronological order. limit <= 0 returns all of them.
func (c *Client) List(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at FROM (
			SELECT seq, id, session_id, role, content, created_at
			FROM messages WHERE session_id = ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var role string
		var created int64
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = models.Role(role)
		m.CreatedAt = time.UnixMilli(created).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return msgs, nil
}

// Archive moves every active message of the session to the archive log in
// one transaction and returns how many were moved.
func (c *Client) Archive(ctx context.Context, sessionID string) (int, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO archived_messages (id, session_id, role, content, created_at, archived_at)
		SELECT id, session_id, role, content, created_at, ?
		FROM messages WHERE session_id = ? ORDER BY seq ASC`,
		c.now().UnixMilli(), sessionID,
	); err != nil {
		return 0, fmt.Errorf("failed to copy messages to archive: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear active messages: %w", err)
	}
	moved, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit archive: %w", err)
	}

	logger.Info("Session archived", zap.String("session_id", sessionID), zap.Int64("messages", moved))
	return int(moved), nil
}

func (c *Client) ListArchived(ctx context.Context, sessionID string) ([]models.ArchivedMessage, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at, archived_at
		FROM archived_messages WHERE session_id = ? ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.ArchivedMessage
	for rows.Next() {
		var m models.ArchivedMessage
		var role string
		var created, archived int64
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &created, &archived); err != nil {
			return nil, fmt.Errorf("failed to scan archived message: %w", err)
		}
		m.Role = models.Role(role)
		m.CreatedAt = time.UnixMilli(created).UTC()
		m.ArchivedAt = time.UnixMilli(archived).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate archived messages: %w", err)
	}
	return msgs, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (*models.Session, bool, error) {
	var created int64
	err := c.db.QueryRowContext(ctx, `SELECT created_at FROM sessions WHERE id = ?`, sessionID).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get session: %w", err)
	}
	return &models.Session{ID: sessionID, CreatedAt: time.UnixMilli(created).UTC()}, true, nil
}

// LoadKnowledgeConfig returns nil when nothing has been saved yet.
func (c *Client) LoadKnowledgeConfig(ctx context.Context) (*models.KnowledgeConfig, error) {
	var cfg models.KnowledgeConfig
	err := c.db.QueryRowContext(ctx,
		`SELECT max_documents, similarity_threshold, max_context_length FROM knowledge_config WHERE id = 1`,
	).Scan(&cfg.MaxDocuments, &cfg.SimilarityThreshold, &cfg.MaxContextLength)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load knowledge config: %w", err)
	}
	return &cfg, nil
}

func (c *Client) SaveKnowledgeConfig(ctx context.Context, cfg models.KnowledgeConfig) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO knowledge_config (id, max_documents, similarity_threshold, max_context_length, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			max_documents = excluded.max_documents,
			similarity_threshold = excluded.similarity_threshold,
			max_context_length = excluded.max_context_length,
			updated_at = excluded.updated_at`,
		cfg.MaxDocuments, cfg.SimilarityThreshold, cfg.MaxContextLength, c.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save knowledge config: %w", err)
	}
	return nil
}

func (c *Client) RecordTurn(ctx context.Context, turn models.TurnRecord) error {
	sources, err := json.Marshal(turn.Sources)
	if err != nil {
		return fmt.Errorf("failed to marshal sources: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO turns (id, session_id, query, mode, intent, refined_query, state, sources, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.SessionID, turn.Query, turn.Mode, turn.Intent, turn.RefinedQuery, turn.State,
		string(sources), turn.LatencyMs, turn.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record turn: %w", err)
	}
	return nil
}

func (c *Client) ListTurns(ctx context.Context, sessionID string, limit int) ([]models.TurnRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, session_id, query, mode, intent, refined_query, state, sources, latency_ms, created_at
		FROM turns WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	defer rows.Close()

	var turns []models.TurnRecord
	for rows.Next() {
		var t models.TurnRecord
		var intent, refined, sources sql.NullString
		var latency sql.NullInt64
		var created int64
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Query, &t.Mode, &intent, &refined, &t.State, &sources, &latency, &created); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.Intent = intent.String
		t.RefinedQuery = refined.String
		t.LatencyMs = latency.Int64
		t.CreatedAt = time.UnixMilli(created).UTC()
		if sources.Valid && sources.String != "" {
			if err := json.Unmarshal([]byte(sources.String), &t.Sources); err != nil {
				logger.Warn("Failed to decode turn sources", zap.String("turn_id", t.ID), zap.Error(err))
			}
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turns: %w", err)
	}
	return turns, nil
}
