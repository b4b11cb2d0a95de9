// Package resolver provides identity resolver implementations for the
// milou mail service.
package resolver

import (
	"context"
	"strings"
	"sync"

	"github.com/milou-mail/milou"
)

// Static is a map-backed Resolver. Useful for tests and deployments where
// the user set is small and known up front.
//
// Safe for concurrent use. Lookups after construction see a consistent
// snapshot; Add can grow the set at runtime.
type Static struct {
	mu      sync.RWMutex
	byID    map[int64]milou.User
	byEmail map[string]int64
}

// Compile-time interface check.
var _ milou.Resolver = (*Static)(nil)

// NewStatic creates a resolver over a copy of the given users, keyed by id.
func NewStatic(users map[int64]milou.User) *Static {
	s := &Static{
		byID:    make(map[int64]milou.User, len(users)),
		byEmail: make(map[string]int64, len(users)),
	}
	for id, u := range users {
		u.ID = id
		s.byID[id] = u
		if u.Email != "" {
			s.byEmail[strings.ToLower(u.Email)] = id
		}
	}
	return s
}

// Add registers or replaces a user.
func (s *Static) Add(u milou.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[u.ID] = u
	if u.Email != "" {
		s.byEmail[strings.ToLower(u.Email)] = u.ID
	}
}

// ByID returns the user with the given id, or nil if unknown.
func (s *Static) ByID(_ context.Context, id int64) (*milou.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.byID[id]; ok {
		return &u, nil
	}
	return nil, nil
}

// ByEmail returns the user with the given email, or nil if unknown.
// Matching is case-insensitive.
func (s *Static) ByEmail(_ context.Context, email string) (*milou.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.byEmail[strings.ToLower(email)]; ok {
		u := s.byID[id]
		return &u, nil
	}
	return nil, nil
}

// ResolveBatch returns users for multiple ids. Unknown ids yield nil
// entries at the matching positions.
func (s *Static) ResolveBatch(_ context.Context, ids []int64) ([]*milou.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*milou.User, len(ids))
	for i, id := range ids {
		if u, ok := s.byID[id]; ok {
			u := u
			out[i] = &u
		}
	}
	return out, nil
}
