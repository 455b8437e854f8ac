package session

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("creating pgxmock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return New(mock), mock
}

func TestNewSessionIDAndFamilyIDAreDistinctAndHexEncoded(t *testing.T) {
	sid := NewSessionID()
	fid := NewFamilyID()
	if sid == fid {
		t.Fatalf("expected distinct ids")
	}
	if len(sid) != 32 || len(fid) != 32 {
		t.Fatalf("expected 32 hex chars (16 bytes), got sid=%d fid=%d", len(sid), len(fid))
	}
}

func TestSessionUsable(t *testing.T) {
	now := time.Now()
	usable := Session{ExpiresAt: now.Add(time.Hour)}
	if !usable.Usable() {
		t.Fatalf("expected usable session")
	}

	expired := Session{ExpiresAt: now.Add(-time.Hour)}
	if expired.Usable() {
		t.Fatalf("expected expired session to be unusable")
	}

	revokedAt := now
	revoked := Session{ExpiresAt: now.Add(time.Hour), RevokedAt: &revokedAt}
	if revoked.Usable() {
		t.Fatalf("expected revoked session to be unusable")
	}
}

func TestPersistInitialExecutesInsert(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	sess := Session{
		SID: "sid-1", FID: "fid-1", UserID: "user-1",
		CreatedAt: time.Now(), LastUsed: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}

	mock.ExpectExec("INSERT INTO auth_sessions").
		WithArgs(sess.SID, sess.FID, sess.UserID, sess.UserAgent, sess.IP, sess.CreatedAt, sess.LastUsed, sess.ExpiresAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := store.PersistInitial(ctx, sess); err != nil {
		t.Fatalf("PersistInitial returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRotateOrRejectRotatesUsableSession(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	oldSID := "old-sid"
	fid := "family-1"
	expiresAt := time.Now().Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT fid, revoked_at, expires_at FROM auth_sessions").
		WithArgs(oldSID).
		WillReturnRows(pgxmock.NewRows([]string{"fid", "revoked_at", "expires_at"}).
			AddRow(fid, nil, expiresAt))
	mock.ExpectExec("UPDATE auth_sessions SET revoked_at = now\\(\\) WHERE sid = \\$1").
		WithArgs(oldSID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO auth_sessions").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	next := Session{SID: "new-sid", UserID: "user-1", CreatedAt: time.Now(), LastUsed: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	got, err := store.RotateOrReject(ctx, oldSID, next)
	if err != nil {
		t.Fatalf("RotateOrReject returned error: %v", err)
	}
	if got.FID != fid {
		t.Fatalf("expected rotated session to inherit fid %q, got %q", fid, got.FID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRotateOrRejectCascadesOnReuse(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	oldSID := "reused-sid"
	fid := "family-2"
	revokedAt := time.Now().Add(-time.Minute)
	expiresAt := time.Now().Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT fid, revoked_at, expires_at FROM auth_sessions").
		WithArgs(oldSID).
		WillReturnRows(pgxmock.NewRows([]string{"fid", "revoked_at", "expires_at"}).
			AddRow(fid, &revokedAt, expiresAt))
	mock.ExpectExec("UPDATE auth_sessions SET revoked_at = now\\(\\) WHERE fid = \\$1 AND revoked_at IS NULL").
		WithArgs(fid).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	mock.ExpectCommit()

	next := Session{SID: "new-sid", UserID: "user-1", CreatedAt: time.Now(), LastUsed: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	_, err := store.RotateOrReject(ctx, oldSID, next)
	if err != ErrReuseDetected {
		t.Fatalf("expected ErrReuseDetected, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
