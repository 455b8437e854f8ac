package token

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"
)

func genKeyPair(t *testing.T, kid string) KeyPair {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}
	return KeyPair{KID: kid, PrivateKey: key}
}

func TestMintAndVerifyRoundTrip(t *testing.T) {
	kp := genKeyPair(t, "k1")
	mgr, err := New([]KeyPair{kp}, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	minted, err := mgr.Mint(TypeAccess, "user-1", "sid-1", "fid-1", []string{"user"}, []string{"read:public"}, "a@example.com")
	if err != nil {
		t.Fatalf("Mint returned error: %v", err)
	}

	verified, err := mgr.Verify(minted.Raw, TypeAccess)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if verified.UserID != "user-1" || verified.Claims.SessionID != "sid-1" || verified.Claims.FamilyID != "fid-1" {
		t.Fatalf("unexpected verified claims: %+v", verified)
	}
}

func TestVerifyRejectsWrongType(t *testing.T) {
	kp := genKeyPair(t, "k1")
	mgr, _ := New([]KeyPair{kp}, time.Minute, time.Hour)

	minted, _ := mgr.Mint(TypeAccess, "user-1", "sid-1", "fid-1", []string{"user"}, nil, "")
	if _, err := mgr.Verify(minted.Raw, TypeRefresh); err == nil {
		t.Fatalf("expected error verifying an access token as a refresh token")
	}
}

func TestVerifyUnknownKidFailsWithoutRefresher(t *testing.T) {
	kp := genKeyPair(t, "k1")
	mgr, _ := New([]KeyPair{kp}, time.Minute, time.Hour)

	other := genKeyPair(t, "k2")
	otherMgr, _ := New([]KeyPair{other}, time.Minute, time.Hour)
	minted, _ := otherMgr.Mint(TypeAccess, "user-1", "sid-1", "fid-1", []string{"user"}, nil, "")

	if _, err := mgr.Verify(minted.Raw, TypeAccess); err == nil {
		t.Fatalf("expected error for unknown kid")
	}
}

// TestVerifyRetriesKeyRefresherOnMiss exercises the exponential-backoff path:
// a kid unknown to the manager's current key set succeeds once the
// refresher, invoked on retry, supplies the key.
func TestVerifyRetriesKeyRefresherOnMiss(t *testing.T) {
	kp := genKeyPair(t, "k1")
	signerMgr, _ := New([]KeyPair{kp}, time.Minute, time.Hour)
	minted, _ := signerMgr.Mint(TypeAccess, "user-1", "sid-1", "fid-1", []string{"user"}, nil, "")

	stale := genKeyPair(t, "stale")
	verifierMgr, _ := New([]KeyPair{stale}, time.Minute, time.Hour)

	calls := 0
	verifierMgr.SetKeyRefresher(func() ([]KeyPair, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("not yet propagated")
		}
		return []KeyPair{kp}, nil
	})

	verified, err := verifierMgr.Verify(minted.Raw, TypeAccess)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if verified.UserID != "user-1" {
		t.Fatalf("unexpected verified subject: %+v", verified)
	}
	if calls < 2 {
		t.Fatalf("expected at least 2 refresher calls, got %d", calls)
	}
}

func TestJWKSIncludesEveryRetainedKey(t *testing.T) {
	kp1 := genKeyPair(t, "k1")
	kp2 := genKeyPair(t, "k2")
	mgr, _ := New([]KeyPair{kp1, kp2}, time.Minute, time.Hour)

	set := mgr.JWKS()
	if len(set.Keys) != 2 {
		t.Fatalf("expected 2 keys in JWKS, got %d", len(set.Keys))
	}
}
