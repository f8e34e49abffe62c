package token

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tokend.org/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. Used by
// tests and single-process deployments without durable storage.
type InMemory struct {
	mu       sync.RWMutex
	tokens   []Token
	services map[string]Service
	grants   map[string]AuthorizedUser // key: serviceID + "/" + userID

	// Values ever inserted. Kept after deletion so a value is never reused.
	values map[string]struct{}
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		services: make(map[string]Service),
		grants:   make(map[string]AuthorizedUser),
		values:   make(map[string]struct{}),
	}
}

func (s *InMemory) Tokens(ctx context.Context) TokenStore                   { return (*memTokens)(s) }
func (s *InMemory) Services(ctx context.Context) ServiceStore               { return (*memServices)(s) }
func (s *InMemory) AuthorizedUsers(ctx context.Context) AuthorizedUserStore { return (*memGrants)(s) }

// SeedService registers a service in the read-only registry.
func (s *InMemory) SeedService(svc Service) Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	if svc.ID == "" {
		svc.ID = ids.New()
	}
	s.services[svc.ShortName] = svc
	return svc
}

// SeedGrant registers a restricted-service allow-list entry.
func (s *InMemory) SeedGrant(grant AuthorizedUser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[grant.ServiceID+"/"+grant.UserID] = grant
}

// SeedToken inserts a pre-built token, bypassing value-collision checks on
// zero values. Test helper for admin-created rows.
func (s *InMemory) SeedToken(tok Token) Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now().UTC()
	}
	s.tokens = append(s.tokens, tok)
	s.values[tok.Value] = struct{}{}
	return tok
}

// Contains reports whether a token with the given value is currently stored.
func (s *InMemory) Contains(value string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tokens {
		if t.Value == value {
			return true
		}
	}
	return false
}

type memTokens InMemory

func (m *memTokens) FindCandidates(ctx context.Context, userID, serviceID string) ([]Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Token
	for _, t := range m.tokens {
		if t.UserID == userID && t.ServiceID == serviceID {
			out = append(out, t)
		}
	}
	// Seeded rows may carry back-dated creation timestamps.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memTokens) Insert(ctx context.Context, tok *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, used := m.values[tok.Value]; used {
		return fmt.Errorf("%w: value already issued", ErrConflict)
	}
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now().UTC()
	}
	m.tokens = append(m.tokens, *tok)
	m.values[tok.Value] = struct{}{}
	return nil
}

func (m *memTokens) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteWhere(func(t Token) bool { return t.ID == id })
	return nil
}

func (m *memTokens) DeleteBySession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteWhere(func(t Token) bool { return t.SessionID == sessionID })
	return nil
}

func (m *memTokens) DeleteByValue(ctx context.Context, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteWhere(func(t Token) bool { return t.Value == value })
	return nil
}

// deleteWhere removes matching tokens. Callers hold the write lock.
func (m *memTokens) deleteWhere(match func(Token) bool) {
	kept := m.tokens[:0]
	for _, t := range m.tokens {
		if !match(t) {
			kept = append(kept, t)
		}
	}
	m.tokens = kept
}

func (m *memTokens) TouchLastAccess(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tokens {
		if m.tokens[i].ID == id {
			m.tokens[i].LastAccessAt = now
			return nil
		}
	}
	return nil
}

type memServices InMemory

func (m *memServices) FindByShortName(ctx context.Context, shortName string) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[shortName]
	if !ok {
		return nil, ErrNotFound
	}
	out := svc
	return &out, nil
}

type memGrants InMemory

func (m *memGrants) Find(ctx context.Context, serviceID, userID string) (*AuthorizedUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	grant, ok := m.grants[serviceID+"/"+userID]
	if !ok {
		return nil, ErrNotFound
	}
	out := grant
	return &out, nil
}
