// stores.go
//
// Shared stateful mocks of the store-backed interfaces (clients, codes,
// refresh ledger, users/sessions/audit, session cache).
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/obol/internal/store"
)

// MockClientStore implements oauth.ClientStore for tests.
// Always stateful...Clients is a map, like a real store.
// Use *Err fields to inject errors for specific operations.
type MockClientStore struct {
	// Error injection...zero value means no error
	CreateClientErr     error
	GetClientErr        error
	DeactivateClientErr error

	Clients map[string]*store.Client // keyed by client_id

	mu sync.Mutex
}

// NewMockClientStore returns a MockClientStore seeded with clients.
func NewMockClientStore(clients ...*store.Client) *MockClientStore {
	m := &MockClientStore{Clients: make(map[string]*store.Client)}
	for _, c := range clients {
		m.Clients[c.ID] = c
	}
	return m
}

func (m *MockClientStore) CreateClient(_ context.Context, c *store.Client) error {
	if m.CreateClientErr != nil {
		return m.CreateClientErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Clients == nil {
		m.Clients = make(map[string]*store.Client)
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	m.Clients[c.ID] = c
	return nil
}

func (m *MockClientStore) GetClient(_ context.Context, clientID string) (*store.Client, error) {
	if m.GetClientErr != nil {
		return nil, m.GetClientErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Clients[clientID]
	if !ok {
		return nil, store.ErrClientNotFound
	}
	return c, nil
}

func (m *MockClientStore) DeactivateClient(_ context.Context, clientID string) error {
	if m.DeactivateClientErr != nil {
		return m.DeactivateClientErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Clients[clientID]
	if !ok {
		return store.ErrClientNotFound
	}
	c.IsActive = false
	return nil
}

// mockCode is one pending authorization code.
type mockCode struct {
	binding  store.CodeBinding
	consumed bool
	replayed bool
	familyID uuid.UUID
}

// MockCodeStore implements oauth.CodeStore for tests.
// Consume is atomic under the mutex, matching the Lua script's contract.
type MockCodeStore struct {
	IssueCodeErr    error
	ConsumeCodeErr  error
	CodeReplayedErr error

	Codes map[string]*mockCode // keyed by raw code

	mu sync.Mutex
}

// NewMockCodeStore returns an empty MockCodeStore ready for use.
func NewMockCodeStore() *MockCodeStore {
	return &MockCodeStore{Codes: make(map[string]*mockCode)}
}

func (m *MockCodeStore) IssueCode(_ context.Context, code string, b store.CodeBinding, _ time.Duration) error {
	if m.IssueCodeErr != nil {
		return m.IssueCodeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Codes == nil {
		m.Codes = make(map[string]*mockCode)
	}
	m.Codes[code] = &mockCode{binding: b}
	return nil
}

func (m *MockCodeStore) ConsumeCode(_ context.Context, code string, familyID uuid.UUID) (*store.CodeBinding, error) {
	if m.ConsumeCodeErr != nil {
		return nil, m.ConsumeCodeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Codes[code]
	if !ok || !time.Now().Before(c.binding.ExpiresAt) {
		return nil, store.ErrCodeNotFound
	}
	if c.consumed {
		c.replayed = true
		return nil, &store.ConsumedCodeError{ClientID: c.binding.ClientID, UserID: c.binding.UserID, FamilyID: c.familyID}
	}
	c.consumed = true
	c.familyID = familyID
	b := c.binding
	return &b, nil
}

func (m *MockCodeStore) CodeReplayed(_ context.Context, code string) (bool, error) {
	if m.CodeReplayedErr != nil {
		return false, m.CodeReplayedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Codes[code]
	return ok && c.replayed, nil
}

// Binding returns the binding stored for code, for assertions.
func (m *MockCodeStore) Binding(code string) (store.CodeBinding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Codes[code]
	if !ok {
		return store.CodeBinding{}, false
	}
	return c.binding, true
}

// OnlyCode returns the single issued code. Panics unless exactly one exists.
func (m *MockCodeStore) OnlyCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Codes) != 1 {
		panic("testutil: expected exactly one issued code")
	}
	for code := range m.Codes {
		return code
	}
	return ""
}

// MockLedger implements oauth.Ledger for tests with the same rotation
// classification as the Postgres ledger, serialised by one mutex.
type MockLedger struct {
	CreateErr     error
	RotateErr     error
	GetErr        error
	RevokeErr     error
	RevokeUserErr error

	Tokens map[string]*store.RefreshToken // keyed by string(token_hash)

	mu sync.Mutex
}

// NewMockLedger returns an empty MockLedger ready for use.
func NewMockLedger() *MockLedger {
	return &MockLedger{Tokens: make(map[string]*store.RefreshToken)}
}

func (m *MockLedger) CreateRefreshToken(_ context.Context, t *store.RefreshToken) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Tokens == nil {
		m.Tokens = make(map[string]*store.RefreshToken)
	}
	t.IssuedAt = time.Now()
	cp := *t
	m.Tokens[string(t.TokenHash)] = &cp
	return nil
}

func (m *MockLedger) RotateRefreshToken(_ context.Context, tokenHash []byte, clientID string, child *store.RefreshToken) (*store.RefreshToken, error) {
	if m.RotateErr != nil {
		return nil, m.RotateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	parent, ok := m.Tokens[string(tokenHash)]
	switch {
	case !ok || parent.ClientID != clientID:
		return nil, store.ErrRefreshNotFound
	case parent.RevokedAt != nil:
		return nil, store.ErrRefreshRevoked
	case parent.RotatedAt != nil:
		n := m.revokeFamilyLocked(parent.FamilyID)
		return nil, &store.ReuseError{FamilyID: parent.FamilyID, UserID: parent.UserID, Revoked: n}
	case !now.Before(parent.ExpiresAt):
		return nil, store.ErrRefreshExpired
	}

	parent.RotatedAt = &now
	parentID := parent.ID
	child.FamilyID = parent.FamilyID
	child.ParentID = &parentID
	child.UserID = parent.UserID
	child.ClientID = parent.ClientID
	child.Scope = parent.Scope
	child.IssuedAt = now
	cp := *child
	m.Tokens[string(child.TokenHash)] = &cp

	out := *parent
	return &out, nil
}

func (m *MockLedger) GetRefreshToken(_ context.Context, tokenHash []byte) (*store.RefreshToken, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Tokens[string(tokenHash)]
	if !ok {
		return nil, store.ErrRefreshNotFound
	}
	out := *t
	return &out, nil
}

func (m *MockLedger) RevokeFamily(_ context.Context, familyID uuid.UUID) (int64, error) {
	if m.RevokeErr != nil {
		return 0, m.RevokeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revokeFamilyLocked(familyID), nil
}

func (m *MockLedger) RevokeUserTokens(_ context.Context, userID uuid.UUID) (int64, error) {
	if m.RevokeUserErr != nil {
		return 0, m.RevokeUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var n int64
	for _, t := range m.Tokens {
		if t.UserID == userID && t.RevokedAt == nil {
			t.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

func (m *MockLedger) revokeFamilyLocked(familyID uuid.UUID) int64 {
	now := time.Now()
	var n int64
	for _, t := range m.Tokens {
		if t.FamilyID == familyID && t.RevokedAt == nil {
			t.RevokedAt = &now
			n++
		}
	}
	return n
}

// Family returns copies of every record in familyID, for assertions.
func (m *MockLedger) Family(familyID uuid.UUID) []store.RefreshToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.RefreshToken
	for _, t := range m.Tokens {
		if t.FamilyID == familyID {
			out = append(out, *t)
		}
	}
	return out
}

// MockStore implements the Postgres-backed user, session and audit reads for tests.
// Users and Sessions are maps, like a real store; Audits records every write.
type MockStore struct {
	GetUserErr    error
	GetSessionErr error
	WriteAuditErr error
	HealthErr     error

	Users    map[uuid.UUID]*store.User
	Sessions map[string]*store.Session // keyed by string(tokenHash)
	Audits   []store.AuditEntry

	mu sync.Mutex
}

// NewMockStore returns a MockStore seeded with users.
func NewMockStore(users ...*store.User) *MockStore {
	m := &MockStore{
		Users:    make(map[uuid.UUID]*store.User),
		Sessions: make(map[string]*store.Session),
	}
	for _, u := range users {
		m.Users[u.ID] = u
	}
	return m
}

func (m *MockStore) GetUserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (m *MockStore) GetSessionByTokenHash(_ context.Context, tokenHash []byte) (*store.Session, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[string(tokenHash)]
	if !ok || !time.Now().Before(s.ExpiresAt) {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (m *MockStore) WriteAudit(_ context.Context, e store.AuditEntry) error {
	if m.WriteAuditErr != nil {
		return m.WriteAuditErr
	}
	m.mu.Lock()
	m.Audits = append(m.Audits, e)
	m.mu.Unlock()
	return nil
}

func (m *MockStore) CheckHealth(_ context.Context) error { return m.HealthErr }

// AddSession registers a session for tokenHash, expiring at expiresAt.
func (m *MockStore) AddSession(tokenHash []byte, userID uuid.UUID, csrf []byte, expiresAt time.Time) {
	id, _ := uuid.NewV7()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Sessions == nil {
		m.Sessions = make(map[string]*store.Session)
	}
	m.Sessions[string(tokenHash)] = &store.Session{
		ID:        id,
		UserID:    userID,
		TokenHash: tokenHash,
		CSRFToken: csrf,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}
}

// AuditActions returns the actions written so far, in order.
func (m *MockStore) AuditActions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Audits))
	for i, a := range m.Audits {
		out[i] = a.Action
	}
	return out
}

// MockCache implements auth.SessionCache for tests.
// Always stateful...Sessions is a map, like a real cache.
type MockCache struct {
	GetSessionErr error
	SetSessionErr error
	HealthErr     error

	Sessions map[string]*store.CachedSession // keyed by base64 token hash

	mu sync.Mutex
}

// NewMockCache returns an empty MockCache ready for use.
func NewMockCache() *MockCache {
	return &MockCache{Sessions: make(map[string]*store.CachedSession)}
}

func (m *MockCache) GetSession(_ context.Context, tokenHash string) (*store.CachedSession, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[tokenHash]
	if !ok {
		return nil, store.ErrCacheMiss
	}
	return s, nil
}

func (m *MockCache) SetSession(_ context.Context, tokenHash string, sess store.CachedSession, _ time.Duration) error {
	if m.SetSessionErr != nil {
		return m.SetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Sessions == nil {
		m.Sessions = make(map[string]*store.CachedSession)
	}
	m.Sessions[tokenHash] = &sess
	return nil
}

func (m *MockCache) CheckHealth(_ context.Context) error { return m.HealthErr }
