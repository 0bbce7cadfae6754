// Package store implements the durable conversation repository on embedded
// SQLite: sessions, messages, and attachment metadata.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/parley-chat/parley/pkg/models"
)

// ErrNotFound is returned when a session, message, or attachment does not
// exist.
var ErrNotFound = errors.New("store: not found")

// autoTitleMaxLen bounds titles derived from the first user message.
const autoTitleMaxLen = 80

// Store is the SQLite-backed repository.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and ensures the
// schema. Use ":memory:" for tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The driver serializes access per connection; a single connection
	// avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("pragma: %w", err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			session_id   TEXT PRIMARY KEY,
			title        TEXT NOT NULL DEFAULT '',
			title_source TEXT NOT NULL DEFAULT 'auto',
			saved        INTEGER NOT NULL DEFAULT 1,
			timezone     TEXT NOT NULL DEFAULT '',
			created_at   DATETIME NOT NULL,
			updated_at   DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id   TEXT NOT NULL REFERENCES conversations(session_id) ON DELETE CASCADE,
			role         TEXT NOT NULL,
			content      TEXT NOT NULL DEFAULT '',
			content_text TEXT NOT NULL DEFAULT '',
			parent_id    INTEGER,
			tool_calls   TEXT,
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_name    TEXT NOT NULL DEFAULT '',
			metadata     TEXT NOT NULL DEFAULT '',
			created_at   DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id)`,
		`CREATE TABLE IF NOT EXISTS attachments (
			attachment_id         TEXT PRIMARY KEY,
			session_id            TEXT NOT NULL,
			blob_key              TEXT NOT NULL,
			mime_type             TEXT NOT NULL,
			size_bytes            INTEGER NOT NULL,
			signed_url            TEXT NOT NULL DEFAULT '',
			signed_url_expires_at DATETIME,
			detached              INTEGER NOT NULL DEFAULT 0,
			created_at            DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_session ON attachments(session_id)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new conversation row.
func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	if session.TitleSource == "" {
		session.TitleSource = models.TitleSourceAuto
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (session_id, title, title_source, saved, timezone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Title, string(session.TitleSource),
		boolToInt(session.Saved), session.Timezone,
		session.CreatedAt, nullTime(session.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession loads one conversation row.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, title, title_source, saved, timezone, created_at, updated_at
		FROM conversations WHERE session_id = ?`, sessionID)

	var session models.Session
	var source string
	var saved int
	var updated sql.NullTime
	err := row.Scan(&session.ID, &session.Title, &source, &saved,
		&session.Timezone, &session.CreatedAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	session.TitleSource = models.TitleSource(source)
	session.Saved = saved != 0
	if updated.Valid {
		session.UpdatedAt = updated.Time
	}
	return &session, nil
}

// AppendMessage persists one message atomically: the row insert, the
// conversation touch, and the auto-title (first user message, title still
// empty) happen in one transaction. The assigned id is written back.
func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.SessionID == "" {
		return errors.New("store: message requires a session id")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	content, metadata, err := encodeContent(msg)
	if err != nil {
		return err
	}
	// Plain-text projection: searched and previewed without touching the
	// JSON encoding of rich content.
	contentText := msg.Content.PlainText()
	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		raw, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = string(raw)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, content, content_text, parent_id, tool_calls, tool_call_id, tool_name, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID, string(msg.Role), content, contentText, msg.ParentID,
		toolCalls, msg.ToolCallID, msg.ToolName, metadata, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE session_id = ?`,
		msg.CreatedAt, msg.SessionID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}

	if msg.Role == models.RoleUser {
		title := deriveTitle(msg.Content.PlainText())
		if title != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE conversations SET title = ?, title_source = ?
				WHERE session_id = ? AND title = ''`,
				title, string(models.TitleSourceAuto), msg.SessionID); err != nil {
				return fmt.Errorf("auto title: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	msg.ID = id
	return nil
}

// ListMessages returns all messages of a session in id order with
// structured content decoded.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, parent_id, tool_calls, tool_call_id, tool_name, metadata, created_at
		FROM messages WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func scanMessage(rows *sql.Rows) (*models.Message, error) {
	var msg models.Message
	var role, content string
	var parentID sql.NullInt64
	var toolCalls sql.NullString
	if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &content, &parentID,
		&toolCalls, &msg.ToolCallID, &msg.ToolName, &msg.Metadata, &msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	msg.Role = models.Role(role)
	if parentID.Valid {
		v := parentID.Int64
		msg.ParentID = &v
	}
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool calls for message %d: %w", msg.ID, err)
		}
	}
	if err := decodeContent(&msg, content); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListSessionsOptions narrows and pages the session listing.
type ListSessionsOptions struct {
	Limit  int
	Offset int
	// Search matches against the title or the first user message.
	Search string
}

// ListSessions returns saved conversations, most recently active first,
// each with its message count and a preview from the first user message.
func (s *Store) ListSessions(ctx context.Context, opts ListSessionsOptions) ([]*models.SessionSummary, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT c.session_id, c.title, c.title_source, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.session_id = c.session_id),
			COALESCE((SELECT m.content_text FROM messages m
				WHERE m.session_id = c.session_id AND m.role = 'user'
				ORDER BY m.id LIMIT 1), '')
		FROM conversations c
		WHERE c.saved = 1`
	args := []any{}
	if opts.Search != "" {
		query += ` AND (c.title LIKE ? OR EXISTS (
			SELECT 1 FROM messages m WHERE m.session_id = c.session_id
			AND m.role = 'user' AND m.content_text LIKE ?
			AND m.id = (SELECT MIN(id) FROM messages WHERE session_id = c.session_id AND role = 'user')))`
		needle := "%" + opts.Search + "%"
		args = append(args, needle, needle)
	}
	query += ` ORDER BY COALESCE(c.updated_at, c.created_at) DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.SessionSummary
	for rows.Next() {
		var sum models.SessionSummary
		var source, preview string
		var updated sql.NullTime
		if err := rows.Scan(&sum.ID, &sum.Title, &source, &sum.CreatedAt,
			&updated, &sum.MessageCount, &preview); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.TitleSource = models.TitleSource(source)
		if updated.Valid {
			sum.UpdatedAt = updated.Time
		}
		sum.Preview = previewText(preview)
		out = append(out, &sum)
	}
	return out, rows.Err()
}

// SetTitle updates a conversation's title and records where it came from.
func (s *Store) SetTitle(ctx context.Context, sessionID, title string, source models.TitleSource) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title = ?, title_source = ?, updated_at = ?
		WHERE session_id = ?`,
		title, string(source), time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("set title: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes the conversation and its messages; attachment rows
// are detached so the reaper deletes their blobs later.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE attachments SET detached = 1 WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("detach attachments: %w", err)
	}
	return tx.Commit()
}

// CreateAttachment inserts an attachment row.
func (s *Store) CreateAttachment(ctx context.Context, att *models.Attachment) error {
	if att.CreatedAt.IsZero() {
		att.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (attachment_id, session_id, blob_key, mime_type, size_bytes, signed_url, signed_url_expires_at, detached, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		att.ID, att.SessionID, att.BlobKey, att.MimeType, att.SizeBytes,
		att.SignedURL, nullTime(att.SignedURLExpiresAt), att.CreatedAt)
	if err != nil {
		return fmt.Errorf("create attachment: %w", err)
	}
	return nil
}

// GetAttachment loads one attachment row.
func (s *Store) GetAttachment(ctx context.Context, id string) (*models.Attachment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT attachment_id, session_id, blob_key, mime_type, size_bytes, signed_url, signed_url_expires_at, detached, created_at
		FROM attachments WHERE attachment_id = ?`, id)
	att, err := scanAttachment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return att, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttachment(row rowScanner) (*models.Attachment, error) {
	var att models.Attachment
	var expires sql.NullTime
	var detached int
	err := row.Scan(&att.ID, &att.SessionID, &att.BlobKey, &att.MimeType,
		&att.SizeBytes, &att.SignedURL, &expires, &detached, &att.CreatedAt)
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		att.SignedURLExpiresAt = expires.Time
	}
	att.Detached = detached != 0
	return &att, nil
}

// UpdateAttachmentURL persists a refreshed signed URL and expiry.
func (s *Store) UpdateAttachmentURL(ctx context.Context, id, signedURL string, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE attachments SET signed_url = ?, signed_url_expires_at = ?
		WHERE attachment_id = ?`, signedURL, expiresAt, id)
	if err != nil {
		return fmt.Errorf("update attachment url: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListReapableAttachments returns detached rows plus rows whose signed
// URL expired before the cutoff. Expiry, not creation time, is the
// lifetime anchor: a URL refresh extends the row's life.
func (s *Store) ListReapableAttachments(ctx context.Context, expiredBefore time.Time, limit int) ([]*models.Attachment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT attachment_id, session_id, blob_key, mime_type, size_bytes, signed_url, signed_url_expires_at, detached, created_at
		FROM attachments
		WHERE detached = 1 OR (signed_url_expires_at IS NOT NULL AND signed_url_expires_at < ?)
		ORDER BY created_at LIMIT ?`, expiredBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list reapable attachments: %w", err)
	}
	defer rows.Close()

	var out []*models.Attachment
	for rows.Next() {
		att, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, att)
	}
	return out, rows.Err()
}

// DeleteAttachment removes an attachment row.
func (s *Store) DeleteAttachment(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE attachment_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}

// encodeContent renders the content column value: plain text directly,
// rich content as a JSON part array flagged via metadata.
func encodeContent(msg *models.Message) (content, metadata string, err error) {
	metadata = msg.Metadata
	if !msg.Content.IsRich() {
		return msg.Content.Text, metadata, nil
	}
	raw, err := json.Marshal(msg.Content.Parts)
	if err != nil {
		return "", "", fmt.Errorf("encode content parts: %w", err)
	}
	return string(raw), models.MetadataContentParts, nil
}

func decodeContent(msg *models.Message, content string) error {
	if msg.Metadata != models.MetadataContentParts {
		msg.Content = models.PlainContent(content)
		return nil
	}
	var parts []models.ContentPart
	if err := json.Unmarshal([]byte(content), &parts); err != nil {
		return fmt.Errorf("decode content parts for message %d: %w", msg.ID, err)
	}
	msg.Content = models.Content{Parts: parts}
	return nil
}

// deriveTitle truncates the first user message on a rune boundary.
func deriveTitle(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if line, _, found := strings.Cut(text, "\n"); found {
		text = strings.TrimSpace(line)
	}
	runes := []rune(text)
	if len(runes) > autoTitleMaxLen {
		return string(runes[:autoTitleMaxLen-1]) + "…"
	}
	return text
}

func previewText(content string) string {
	content = strings.TrimSpace(content)
	runes := []rune(content)
	if len(runes) > 120 {
		return string(runes[:119]) + "…"
	}
	return content
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
