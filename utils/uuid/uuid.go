// Package uuid provides identifier and token generation and test utilities.
package uuid

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// IDers generate identifiers.
type IDer interface {
	ID() string
}

// UUID is an ID generator utilizing a UUID.
type UUID struct{}

// NewUUID creates a new UUID ID generator.
func NewUUID() *UUID {
	return &UUID{}
}

// ID generates a new UUID ID.
func (u *UUID) ID() string {
	return uuid.NewString()
}

// Token is an ID generator for opaque capability tokens such as
// session tokens and callback tokens.
type Token struct{}

// NewToken creates a new token generator.
func NewToken() *Token {
	return &Token{}
}

// ID generates a token from two random UUIDs without separators.
func (t *Token) ID() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// StaticIDs is an ID generator thats cycles through provided IDs.
// It is safe for concurrent use.
type StaticIDs struct {
	mu  sync.Mutex
	ids []string
	i   int
}

// NewStaticIDs creates a new static ID generator.
func NewStaticIDs(ids ...string) *StaticIDs {
	return &StaticIDs{ids: ids}
}

// ID returns the next ID.
// It will continually cycle through the IDs.
func (s *StaticIDs) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.ids[s.i%len(s.ids)]
	s.i++
	return id
}
