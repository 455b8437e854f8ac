// Package token implements the token manager (C9 / §6): mints
// and verifies RS256-signed access/refresh tokens carrying session and
// family identifiers, and publishes a JWKS document for external verifiers.
package token

import (
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// Type distinguishes access from refresh tokens.
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

const issuer = "jewgo-core"
const audience = "authenticated"

// Claims are the custom claims embedded in every minted token, grounded on
// the token format.
type Claims struct {
	Type        Type     `json:"type"`
	SessionID   string   `json:"sid"`
	FamilyID    string   `json:"fid"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Email       string   `json:"email,omitempty"`
}

// Minted is a signed token plus the fields a caller needs to persist or
// blacklist it.
type Minted struct {
	Raw       string
	JTI       string
	ExpiresAt time.Time
}

// KeyPair is one RSA signing key, identified by its KID in the JWKS.
type KeyPair struct {
	KID        string
	PrivateKey *rsa.PrivateKey
}

// KeyRefresher reloads the current set of retained key pairs, e.g. from a
// KMS or a shared secret store, so a KID minted moments ago by another
// instance of this service can be picked up without waiting for this
// instance's own next scheduled rotation.
type KeyRefresher func() ([]KeyPair, error)

// Manager signs and verifies tokens against a set of RSA key pairs, always
// signing with the first (current) key but accepting any key present for
// verification, so a key can be rotated in without invalidating tokens
// already issued under the previous one.
type Manager struct {
	keysMu sync.RWMutex
	keys   []KeyPair

	accessTTL  time.Duration
	refreshTTL time.Duration

	refresh KeyRefresher
}

// New creates a Manager. keys[0] is the active signing key; any additional
// keys are retained for verification only (rotation window).
func New(keys []KeyPair, accessTTL, refreshTTL time.Duration) (*Manager, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("token: at least one signing key is required")
	}
	return &Manager{keys: keys, accessTTL: accessTTL, refreshTTL: refreshTTL}, nil
}

// SetKeyRefresher wires a callback used to reload the key set on a KID
// lookup miss. Optional: with none set, a miss fails immediately, same as
// before this was introduced.
func (m *Manager) SetKeyRefresher(r KeyRefresher) {
	m.keysMu.Lock()
	defer m.keysMu.Unlock()
	m.refresh = r
}

func (m *Manager) signingKey() KeyPair {
	m.keysMu.RLock()
	defer m.keysMu.RUnlock()
	return m.keys[0]
}

func (m *Manager) keyByKID(kid string) (*rsa.PrivateKey, bool) {
	m.keysMu.RLock()
	defer m.keysMu.RUnlock()
	for _, k := range m.keys {
		if k.KID == kid {
			return k.PrivateKey, true
		}
	}
	return nil, false
}

// keyByKIDBackoff retries a KID miss against a freshly reloaded key set,
// waiting with exponential backoff between attempts (10ms, 40ms, 160ms) so a
// key minted by another instance a moment ago has time to propagate before
// verification is given up as failed. Never retries when no refresher is
// configured, so single-instance deployments pay no extra cost on a
// genuinely unknown kid.
func (m *Manager) keyByKIDBackoff(kid string) (*rsa.PrivateKey, bool) {
	if key, ok := m.keyByKID(kid); ok {
		return key, true
	}

	m.keysMu.RLock()
	refresh := m.refresh
	m.keysMu.RUnlock()
	if refresh == nil {
		return nil, false
	}

	delay := 10 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		time.Sleep(delay)
		delay *= 4

		refreshed, err := refresh()
		if err != nil {
			continue
		}

		m.keysMu.Lock()
		m.keys = refreshed
		m.keysMu.Unlock()

		if key, ok := m.keyByKID(kid); ok {
			return key, true
		}
	}
	return nil, false
}

// Mint signs a token of the given type for uid, embedding sid/fid and the
// supplied roles/permissions/email.
func (m *Manager) Mint(typ Type, uid, sid, fid string, roles, permissions []string, email string) (*Minted, error) {
	active := m.signingKey()

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: active.PrivateKey},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", active.KID),
	)
	if err != nil {
		return nil, fmt.Errorf("token: creating signer: %w", err)
	}

	ttl := m.accessTTL
	if typ == TypeRefresh {
		ttl = m.refreshTTL
	}

	now := time.Now()
	jti := uuid.NewString()
	registered := jwt.Claims{
		Issuer:    issuer,
		Audience:  jwt.Audience{audience},
		Subject:   uid,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(ttl)),
		ID:        jti,
	}
	custom := Claims{
		Type:        typ,
		SessionID:   sid,
		FamilyID:    fid,
		Roles:       roles,
		Permissions: permissions,
		Email:       email,
	}

	raw, err := jwt.Signed(signer).Claims(registered).Claims(custom).Serialize()
	if err != nil {
		return nil, fmt.Errorf("token: signing: %w", err)
	}

	return &Minted{Raw: raw, JTI: jti, ExpiresAt: now.Add(ttl)}, nil
}

// Verified is the decoded result of a successful Verify call.
type Verified struct {
	UserID    string
	JTI       string
	ExpiresAt time.Time
	Claims    Claims
}

// Verify checks signature, kid, algorithm, exp/iat/nbf, issuer, and audience,
// and rejects tokens whose roles claim is empty (the anonymous/guest-less
// principal case this auth core never issues tokens for without at least
// the "guest" or "user" role).
func (m *Manager) Verify(raw string, want Type) (*Verified, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return nil, fmt.Errorf("token: parsing: %w", err)
	}

	if len(tok.Headers) == 0 {
		return nil, fmt.Errorf("token: missing header")
	}
	kid := tok.Headers[0].KeyID
	key, ok := m.keyByKIDBackoff(kid)
	if !ok {
		return nil, fmt.Errorf("token: unknown kid %q", kid)
	}

	var registered jwt.Claims
	var custom Claims
	if err := tok.Claims(&key.PublicKey, &registered, &custom); err != nil {
		return nil, fmt.Errorf("token: verifying signature: %w", err)
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{
		Issuer:   issuer,
		Audience: jwt.Audience{audience},
		Time:     time.Now(),
	}, 5*time.Second); err != nil {
		return nil, fmt.Errorf("token: validating claims: %w", err)
	}

	if custom.Type != want {
		return nil, fmt.Errorf("token: expected type %q, got %q", want, custom.Type)
	}
	if len(custom.Roles) == 0 {
		return nil, fmt.Errorf("token: missing roles claim")
	}

	var exp time.Time
	if registered.Expiry != nil {
		exp = registered.Expiry.Time()
	}
	return &Verified{UserID: registered.Subject, JTI: registered.ID, ExpiresAt: exp, Claims: custom}, nil
}

// JWKS renders the public half of every retained key as a JSON Web Key Set,
// for publication behind a cache-control header.
func (m *Manager) JWKS() jose.JSONWebKeySet {
	m.keysMu.RLock()
	defer m.keysMu.RUnlock()

	set := jose.JSONWebKeySet{}
	for _, k := range m.keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &k.PrivateKey.PublicKey,
			KeyID:     k.KID,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		})
	}
	return set
}
