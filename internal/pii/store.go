package pii

import "fmt"

// valueKey keys the reverse mapping. The category is part of the key so an
// identical literal appearing under two categories gets two distinct tokens.
type valueKey struct {
	category Category
	value    string
}

// Store is the per-session token mapping: token to original value, value to
// token, and a 1-based counter per category. A Store is owned by exactly one
// Session, which serializes access; the Store itself is not safe for
// concurrent use.
type Store struct {
	tokens   map[string]string
	values   map[valueKey]string
	counters map[Category]int
}

// NewStore creates an empty mapping store.
func NewStore() *Store {
	return &Store{
		tokens:   make(map[string]string),
		values:   make(map[valueKey]string),
		counters: make(map[Category]int),
	}
}

// Allocate returns the token for a (category, value) pair, minting a new one
// on first sight. The same value always yields the same token for the life
// of the session; minting reports created=true so callers can track the
// mapping delta of a single mask pass.
func (s *Store) Allocate(category Category, value string) (token string, created bool) {
	key := valueKey{category: category, value: value}
	if token, ok := s.values[key]; ok {
		return token, false
	}

	s.counters[category]++
	token = fmt.Sprintf("<%s_%d>", category, s.counters[category])
	s.tokens[token] = value
	s.values[key] = token
	return token, true
}

// Lookup returns the original value for a token issued by this store.
func (s *Store) Lookup(token string) (string, bool) {
	value, ok := s.tokens[token]
	return value, ok
}

// Snapshot returns a copy of the token to value mapping.
func (s *Store) Snapshot() map[string]string {
	snapshot := make(map[string]string, len(s.tokens))
	for token, value := range s.tokens {
		snapshot[token] = value
	}
	return snapshot
}

// Len returns the number of active mappings.
func (s *Store) Len() int {
	return len(s.tokens)
}

// Reset drops every mapping and restarts every counter. Counters are never
// reused within a session except across an explicit reset, which starts a
// fresh token namespace.
func (s *Store) Reset() {
	s.tokens = make(map[string]string)
	s.values = make(map[valueKey]string)
	s.counters = make(map[Category]int)
}
