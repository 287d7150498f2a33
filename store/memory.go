package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore keeps registries in process memory. It is only suitable for
// single instance and development deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	idps   map[string]IdpMapping
	sans   map[string]SanEntry
	claims map[string]IdpClaim
}

// NewMemoryStore constructs the store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		idps:   make(map[string]IdpMapping),
		sans:   make(map[string]SanEntry),
		claims: make(map[string]IdpClaim),
	}
}

// GetIdpMapping retrieves a mapping by backend IDP id.
func (s *MemoryStore) GetIdpMapping(_ context.Context, idpID string) (*IdpMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.idps[idpID]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

// PutIdpMapping inserts a mapping if none exists for its id.
func (s *MemoryStore) PutIdpMapping(_ context.Context, mapping IdpMapping) error {
	if mapping.IdpID == "" {
		return errors.New("store: idp id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.idps[mapping.IdpID]; ok {
		return ErrAlreadyExists
	}
	s.idps[mapping.IdpID] = mapping
	return nil
}

// GetSanEntry retrieves a registry entry by SAN.
func (s *MemoryStore) GetSanEntry(_ context.Context, san string) (*SanEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sans[san]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

// PutSanEntry inserts an entry if the SAN is unregistered.
func (s *MemoryStore) PutSanEntry(_ context.Context, entry SanEntry) error {
	if entry.SAN == "" {
		return errors.New("store: san required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sans[entry.SAN]; ok {
		return ErrAlreadyExists
	}
	s.sans[entry.SAN] = entry
	return nil
}

// DeleteSanEntry removes an entry. Deleting a missing SAN is not an error.
func (s *MemoryStore) DeleteSanEntry(_ context.Context, san string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sans, san)
	return nil
}

// ClaimIdpURI reserves claim.IdpURI unless a live claim holds it.
func (s *MemoryStore) ClaimIdpURI(_ context.Context, claim IdpClaim) error {
	if claim.IdpURI == "" || claim.Owner == "" {
		return errors.New("store: idp uri and owner required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.claims[claim.IdpURI]; ok && !cur.lapsed(time.Now()) {
		return ErrAlreadyExists
	}
	s.claims[claim.IdpURI] = claim
	return nil
}

func (s *MemoryStore) GetIdpClaim(_ context.Context, idpURI string) (*IdpClaim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.claims[idpURI]
	if !ok || c.lapsed(time.Now()) {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *MemoryStore) CompleteIdpClaim(_ context.Context, idpURI, owner, idpID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[idpURI]
	if !ok {
		return ErrNotFound
	}
	if c.Owner != owner {
		return ErrNotOwner
	}
	c.IdpID = idpID
	c.ExpiresAt = time.Time{}
	s.claims[idpURI] = c
	return nil
}

func (s *MemoryStore) ReleaseIdpClaim(_ context.Context, idpURI, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[idpURI]
	if !ok {
		return nil
	}
	if c.Owner != owner || !c.Pending() {
		return ErrNotOwner
	}
	delete(s.claims, idpURI)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
