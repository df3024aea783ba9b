package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// QC (quality control) side tables: free-form session metadata, operator
// notes, and manual event overrides. Bodies are opaque JSON documents.

// Note is a single operator note on a session.
type Note struct {
	NoteID    string          `json:"noteId"`
	SessionID string          `json:"sessionId"`
	Author    string          `json:"author"`
	Body      json.RawMessage `json:"body"`
	CreatedAt time.Time       `json:"createdAt"`
}

// GetMeta returns the session's metadata document or ErrNotFound.
func (s *Store) GetMeta(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return s.getDoc(ctx, "session_meta", sessionID)
}

// PutMeta replaces the session's metadata document.
func (s *Store) PutMeta(ctx context.Context, sessionID string, body json.RawMessage) error {
	return s.putDoc(ctx, "session_meta", sessionID, body)
}

// GetOverrides returns the session's event-override document or ErrNotFound.
func (s *Store) GetOverrides(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return s.getDoc(ctx, "event_overrides", sessionID)
}

// PutOverrides replaces the session's event-override document.
func (s *Store) PutOverrides(ctx context.Context, sessionID string, body json.RawMessage) error {
	return s.putDoc(ctx, "event_overrides", sessionID, body)
}

func (s *Store) getDoc(ctx context.Context, table, sessionID string) (json.RawMessage, error) {
	var body string
	err := s.queryRow(ctx,
		`SELECT body FROM `+table+` WHERE session_id = ?`, sessionID).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (s *Store) putDoc(ctx context.Context, table, sessionID string, body json.RawMessage) error {
	_, err := s.exec(ctx, `
		INSERT INTO `+table+` (session_id, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		sessionID, string(body), encodeTime(time.Now()))
	return err
}

// AddNote appends an operator note.
func (s *Store) AddNote(ctx context.Context, sessionID, author string, body json.RawMessage) (*Note, error) {
	note := &Note{
		NoteID:    uuid.New().String(),
		SessionID: sessionID,
		Author:    author,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.exec(ctx, `
		INSERT INTO session_notes (note_id, session_id, author, body, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		note.NoteID, sessionID, author, string(body), encodeTime(note.CreatedAt))
	if err != nil {
		return nil, err
	}
	return note, nil
}

// ListNotes returns a session's notes newest-first.
func (s *Store) ListNotes(ctx context.Context, sessionID string, limit, offset int) ([]*Note, error) {
	rows, err := s.query(ctx, `
		SELECT note_id, session_id, author, body, created_at
		FROM session_notes WHERE session_id = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notes := make([]*Note, 0)
	for rows.Next() {
		var n Note
		var body, createdAt string
		if err := rows.Scan(&n.NoteID, &n.SessionID, &n.Author, &body, &createdAt); err != nil {
			return nil, err
		}
		n.Body = json.RawMessage(body)
		if n.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		notes = append(notes, &n)
	}
	return notes, rows.Err()
}
