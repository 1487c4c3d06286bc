// Package keys owns the RSA signing keys: signing, verification, JWKS publication and rotation.
//
// manager.go -- The key set is an immutable snapshot behind an atomic pointer.
// Signers and verifiers load the pointer and never lock; Rotate and Sweep build
// a new snapshot under a writer mutex and swap it in whole.
package keys

import (
	"crypto"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// Algorithm is the only signing algorithm issued or accepted.
const Algorithm = jose.RS256

// ErrNoActiveKey is returned by Sign when no key is active. Issuance cannot proceed.
var ErrNoActiveKey = errors.New("no active signing key")

// ErrUnknownKey is returned by Verify when the token's kid is not published (or is retired).
var ErrUnknownKey = errors.New("unknown or retired signing key")

// Status is a key's position in its lifecycle.
type Status string

const (
	StatusActive   Status = "active"
	StatusRetiring Status = "retiring"
	StatusRetired  Status = "retired"
)

// signingKey is one key inside a snapshot. Never mutated after the snapshot is published.
type signingKey struct {
	id            string
	private       *rsa.PrivateKey
	signer        jose.Signer
	createdAt     time.Time
	retiringSince time.Time // zero while active
}

// keySet is an immutable snapshot: one active key and the retiring keys, newest first.
type keySet struct {
	active   *signingKey
	retiring []*signingKey
}

// KeyInfo describes a key without exposing key material.
type KeyInfo struct {
	ID            string    `json:"kid"`
	Algorithm     string    `json:"alg"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	RetiringSince time.Time `json:"retiring_since,omitzero"`
}

// Manager signs with the active key and verifies against active and retiring keys.
// Safe for concurrent use.
type Manager struct {
	set   atomic.Pointer[keySet]
	mu    sync.Mutex // serialises writers only
	grace time.Duration
	now   func() time.Time
}

// NewManager returns a manager with no keys. Sign fails until Rotate is called.
// grace is how long a demoted key keeps verifying and stays in the JWKS.
func NewManager(grace time.Duration) *Manager {
	m := &Manager{grace: grace, now: time.Now}
	m.set.Store(&keySet{})
	return m
}

// KeyID derives a kid from the RFC 7638 thumbprint of the public key.
func KeyID(priv *rsa.PrivateKey) (string, error) {
	jwk := jose.JSONWebKey{Key: priv.Public()}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("computing key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumb), nil
}

func newSigningKey(priv *rsa.PrivateKey, createdAt time.Time) (*signingKey, error) {
	if priv.N.BitLen() < 2048 {
		return nil, fmt.Errorf("rsa key too small: %d bits", priv.N.BitLen())
	}
	kid, err := KeyID(priv)
	if err != nil {
		return nil, err
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: Algorithm, Key: jose.JSONWebKey{Key: priv, KeyID: kid, Algorithm: string(Algorithm)}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}
	return &signingKey{id: kid, private: priv, signer: signer, createdAt: createdAt}, nil
}

// Rotate makes priv the active key and demotes the current active key to retiring.
// Rotating to the key that is already active is a no-op. Returns the new kid.
func (m *Manager) Rotate(priv *rsa.PrivateKey) (string, error) {
	now := m.now()
	k, err := newSigningKey(priv, now)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.set.Load()
	if cur.active != nil && cur.active.id == k.id {
		return k.id, nil
	}

	next := &keySet{active: k}
	if cur.active != nil {
		demoted := *cur.active
		demoted.retiringSince = now
		next.retiring = append(next.retiring, &demoted)
	}
	for _, r := range cur.retiring {
		if r.id != k.id {
			next.retiring = append(next.retiring, r)
		}
	}
	m.set.Store(next)

	slog.Info("signing key rotated", "kid", k.id, "retiring", len(next.retiring))
	return k.id, nil
}

// addRetiring inserts an already-demoted key, used when restoring keys from disk.
// Keys whose grace already elapsed are dropped.
func (m *Manager) addRetiring(priv *rsa.PrivateKey, createdAt, since time.Time) error {
	if m.now().Sub(since) >= m.grace {
		return nil
	}
	k, err := newSigningKey(priv, createdAt)
	if err != nil {
		return err
	}
	k.retiringSince = since

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.set.Load()
	next := &keySet{active: cur.active, retiring: slices.Clone(cur.retiring)}
	next.retiring = append(next.retiring, k)
	slices.SortFunc(next.retiring, func(a, b *signingKey) int {
		return b.retiringSince.Compare(a.retiringSince)
	})
	m.set.Store(next)
	return nil
}

// Sweep retires keys whose grace period has elapsed. Returns the kids it retired.
func (m *Manager) Sweep() []string {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.set.Load()
	var keep []*signingKey
	var retired []string
	for _, r := range cur.retiring {
		if now.Sub(r.retiringSince) >= m.grace {
			retired = append(retired, r.id)
			continue
		}
		keep = append(keep, r)
	}
	if len(retired) == 0 {
		return nil
	}
	m.set.Store(&keySet{active: cur.active, retiring: keep})

	slog.Info("signing keys retired", "kids", retired)
	return retired
}

// ActiveKeyID returns the kid new tokens are signed with, or "" if there is none.
func (m *Manager) ActiveKeyID() string {
	if a := m.set.Load().active; a != nil {
		return a.id
	}
	return ""
}

// Sign serialises claims as a compact JWS with the active key, kid in the header.
// claims may be several values; their JSON objects are merged.
func (m *Manager) Sign(claims ...any) (string, error) {
	active := m.set.Load().active
	if active == nil {
		return "", ErrNoActiveKey
	}
	b := jwt.Signed(active.signer)
	for _, c := range claims {
		b = b.Claims(c)
	}
	tok, err := b.Serialize()
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return tok, nil
}

// Verify checks the signature of a compact JWS against the non-retired key named
// by its kid and decodes the payload into out. Claim validation is the caller's job.
func (m *Manager) Verify(token string, out ...any) error {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{Algorithm})
	if err != nil {
		return fmt.Errorf("parsing token: %w", err)
	}
	if len(parsed.Headers) != 1 {
		return fmt.Errorf("expected one signature, got %d", len(parsed.Headers))
	}

	k := m.lookup(parsed.Headers[0].KeyID)
	if k == nil {
		return ErrUnknownKey
	}
	if err := parsed.Claims(&k.private.PublicKey, out...); err != nil {
		return fmt.Errorf("verifying token: %w", err)
	}
	return nil
}

// lookup finds a verifying key. Retiring keys past grace are refused even before Sweep runs.
func (m *Manager) lookup(kid string) *signingKey {
	set := m.set.Load()
	if set.active != nil && set.active.id == kid {
		return set.active
	}
	now := m.now()
	for _, r := range set.retiring {
		if r.id == kid && now.Sub(r.retiringSince) < m.grace {
			return r
		}
	}
	return nil
}

// PublicKeySet returns the JWKS: active key first, then retiring keys newest first.
// Retired keys (including retiring keys past grace) are never included.
func (m *Manager) PublicKeySet() jose.JSONWebKeySet {
	set := m.set.Load()
	now := m.now()

	jwks := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}}
	add := func(k *signingKey) {
		jwks.Keys = append(jwks.Keys, jose.JSONWebKey{
			Key:       &k.private.PublicKey,
			KeyID:     k.id,
			Algorithm: string(Algorithm),
			Use:       "sig",
		})
	}
	if set.active != nil {
		add(set.active)
	}
	for _, r := range set.retiring {
		if now.Sub(r.retiringSince) < m.grace {
			add(r)
		}
	}
	return jwks
}

// PublishedCount is the number of keys PublicKeySet would return right now.
// Retiring keys past grace but not yet swept are excluded.
func (m *Manager) PublishedCount() int {
	set := m.set.Load()
	now := m.now()
	n := 0
	if set.active != nil {
		n++
	}
	for _, r := range set.retiring {
		if now.Sub(r.retiringSince) < m.grace {
			n++
		}
	}
	return n
}

// Keys describes every key in the current snapshot.
func (m *Manager) Keys() []KeyInfo {
	set := m.set.Load()
	now := m.now()

	var out []KeyInfo
	if a := set.active; a != nil {
		out = append(out, KeyInfo{ID: a.id, Algorithm: string(Algorithm), Status: StatusActive, CreatedAt: a.createdAt})
	}
	for _, r := range set.retiring {
		status := StatusRetiring
		if now.Sub(r.retiringSince) >= m.grace {
			status = StatusRetired
		}
		out = append(out, KeyInfo{
			ID:            r.id,
			Algorithm:     string(Algorithm),
			Status:        status,
			CreatedAt:     r.createdAt,
			RetiringSince: r.retiringSince,
		})
	}
	return out
}
