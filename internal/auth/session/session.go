// Package session implements the session store (C10):
// persists session rows keyed by session id and family id, rotates on
// refresh, and cascades revocation across a family when token reuse is
// detected.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrReuseDetected is returned by RotateOrReject when a refresh token whose
// session was already rotated or revoked is presented again, indicating
// possible token theft.
var ErrReuseDetected = errors.New("session: refresh token reuse detected")

// ErrNotFound is returned when a session id has no matching row.
var ErrNotFound = errors.New("session: not found")

// Session mirrors the  Session row.
type Session struct {
	SID       string
	FID       string
	UserID    string
	UserAgent string
	IP        string
	CreatedAt time.Time
	LastUsed  time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// Usable reports whether s is still valid: not revoked and not expired.
func (s Session) Usable() bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(time.Now())
}

// querier is the subset of *pgxpool.Pool the store depends on, kept as an
// interface so tests can substitute a pgx-compatible mock pool.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store persists sessions in the auth_sessions table.
type Store struct {
	pool querier
}

// New creates a Store over pool.
func New(pool querier) *Store {
	return &Store{pool: pool}
}

// NewSessionID generates a random 128-bit session identifier.
func NewSessionID() string { return newRandomID() }

// NewFamilyID generates a random 128-bit refresh-token family identifier.
func NewFamilyID() string { return newRandomID() }

func newRandomID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("session: reading random bytes: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// PersistInitial inserts the first session row of a new login, establishing
// both sid and fid.
func (s *Store) PersistInitial(ctx context.Context, sess Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO auth_sessions (sid, fid, user_id, user_agent, ip, created_at, last_used, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sess.SID, sess.FID, sess.UserID, sess.UserAgent, sess.IP, sess.CreatedAt, sess.LastUsed, sess.ExpiresAt)
	return err
}

// Get fetches a session row by sid.
func (s *Store) Get(ctx context.Context, sid string) (*Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT sid, fid, user_id, user_agent, ip, created_at, last_used, expires_at, revoked_at
		FROM auth_sessions WHERE sid = $1
	`, sid)

	var sess Session
	var ua, ip *string
	var revokedAt *time.Time
	if err := row.Scan(&sess.SID, &sess.FID, &sess.UserID, &ua, &ip, &sess.CreatedAt, &sess.LastUsed, &sess.ExpiresAt, &revokedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if ua != nil {
		sess.UserAgent = *ua
	}
	if ip != nil {
		sess.IP = *ip
	}
	sess.RevokedAt = revokedAt
	return &sess, nil
}

// RotateOrReject implements the refresh-rotation algorithm: the presented
// sid must be usable. On success it revokes the presented session and
// inserts a fresh one in the same family with a new sid, emulating rotation.
// If the presented sid is already revoked (a sign its refresh token was
// reused after having been rotated), it cascades revocation across the
// whole family and returns ErrReuseDetected.
func (s *Store) RotateOrReject(ctx context.Context, oldSID string, next Session) (*Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var fid string
	var revokedAt *time.Time
	var expiresAt time.Time
	err = tx.QueryRow(ctx, `
		SELECT fid, revoked_at, expires_at FROM auth_sessions WHERE sid = $1 FOR UPDATE
	`, oldSID).Scan(&fid, &revokedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if revokedAt != nil || !expiresAt.After(time.Now()) {
		if _, err := tx.Exec(ctx, `
			UPDATE auth_sessions SET revoked_at = now() WHERE fid = $1 AND revoked_at IS NULL
		`, fid); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return nil, ErrReuseDetected
	}

	if _, err := tx.Exec(ctx, `UPDATE auth_sessions SET revoked_at = now() WHERE sid = $1`, oldSID); err != nil {
		return nil, err
	}

	next.FID = fid
	if _, err := tx.Exec(ctx, `
		INSERT INTO auth_sessions (sid, fid, user_id, user_agent, ip, created_at, last_used, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, next.SID, next.FID, next.UserID, next.UserAgent, next.IP, next.CreatedAt, next.LastUsed, next.ExpiresAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &next, nil
}

// RevokeSession revokes a single session by sid.
func (s *Store) RevokeSession(ctx context.Context, sid string) error {
	_, err := s.pool.Exec(ctx, `UPDATE auth_sessions SET revoked_at = now() WHERE sid = $1 AND revoked_at IS NULL`, sid)
	return err
}

// RevokeFamily revokes every session sharing fid.
func (s *Store) RevokeFamily(ctx context.Context, fid string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE auth_sessions SET revoked_at = now() WHERE fid = $1 AND revoked_at IS NULL`, fid)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListSessions returns every usable session for uid, most recent first.
func (s *Store) ListSessions(ctx context.Context, uid string) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sid, fid, user_id, user_agent, ip, created_at, last_used, expires_at, revoked_at
		FROM auth_sessions
		WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > now()
		ORDER BY last_used DESC
	`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var ua, ip *string
		var revokedAt *time.Time
		if err := rows.Scan(&sess.SID, &sess.FID, &sess.UserID, &ua, &ip, &sess.CreatedAt, &sess.LastUsed, &sess.ExpiresAt, &revokedAt); err != nil {
			return nil, err
		}
		if ua != nil {
			sess.UserAgent = *ua
		}
		if ip != nil {
			sess.IP = *ip
		}
		sess.RevokedAt = revokedAt
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Touch updates last_used for an active session, called on each request
// that successfully authenticates via this sid.
func (s *Store) Touch(ctx context.Context, sid string) error {
	_, err := s.pool.Exec(ctx, `UPDATE auth_sessions SET last_used = now() WHERE sid = $1`, sid)
	return err
}
