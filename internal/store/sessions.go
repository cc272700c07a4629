package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sessionColumns = `id, context_type, context_id, agent_role, status, error_message, created_at, updated_at, ended_at`

// InsertSession persists a new session.
func (q *Queries) InsertSession(ctx context.Context, s *Session) error {
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, string(s.ContextType), s.ContextID, s.AgentRole, string(s.Status), s.ErrorMessage,
		toMillis(s.CreatedAt), toMillis(s.UpdatedAt), nullMillis(s.EndedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession fetches a session by ID. Returns ErrNotFound when absent.
func (q *Queries) GetSession(ctx context.Context, id string) (*Session, error) {
	row := q.x.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// FindActiveSession returns the newest active session for a context, or
// ErrNotFound.
func (q *Queries) FindActiveSession(ctx context.Context, contextType ContextType, contextID string) (*Session, error) {
	row := q.x.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE context_type = ? AND context_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1
	`, string(contextType), contextID, string(SessionActive))
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}
	return s, nil
}

// FinishSession moves an active session to a final status. Sessions that
// already ended are left untouched and ErrConflict is returned.
func (q *Queries) FinishSession(ctx context.Context, id string, status SessionStatus, errMsg string, at time.Time) error {
	res, err := q.x.ExecContext(ctx, `
		UPDATE sessions SET status = ?, error_message = ?, updated_at = ?, ended_at = ?
		WHERE id = ? AND status = ?
	`, string(status), errMsg, toMillis(at), toMillis(at), id, string(SessionActive))
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	if n == 0 {
		if _, err := q.GetSession(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// ListSessions returns sessions for a context ordered oldest first.
func (q *Queries) ListSessions(ctx context.Context, contextType ContextType, contextID string) ([]*Session, error) {
	rows, err := q.x.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE context_type = ? AND context_id = ?
		ORDER BY created_at ASC
	`, string(contextType), contextID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*Session, error) {
	var (
		s                    Session
		contextType, status  string
		createdAt, updatedAt int64
		endedAt              sql.NullInt64
	)
	if err := r.Scan(&s.ID, &contextType, &s.ContextID, &s.AgentRole, &status, &s.ErrorMessage,
		&createdAt, &updatedAt, &endedAt); err != nil {
		return nil, err
	}
	s.ContextType = ContextType(contextType)
	s.Status = SessionStatus(status)
	s.CreatedAt = fromMillis(createdAt)
	s.UpdatedAt = fromMillis(updatedAt)
	if endedAt.Valid {
		t := fromMillis(endedAt.Int64)
		s.EndedAt = &t
	}
	return &s, nil
}
