package identity

import (
	"sync"

	"github.com/google/uuid"
)

// Registry tracks every token handed out or accepted during a session. It is
// pure bookkeeping: connection bindings live in the ownership table.
type Registry struct {
	mu      sync.Mutex
	known   map[Token]struct{}
	self    Token
	hasSelf bool
	source  func() uuid.UUID
}

// NewRegistry constructs an empty registry backed by random UUIDs.
func NewRegistry() *Registry {
	return NewRegistryWithSource(uuid.New)
}

// NewRegistryWithSource constructs a registry that draws raw identifiers from
// source. Tests use it to force collisions.
func NewRegistryWithSource(source func() uuid.UUID) *Registry {
	if source == nil {
		source = uuid.New
	}
	return &Registry{
		known:  make(map[Token]struct{}),
		source: source,
	}
}

// Mint produces a fresh token that has never been seen in this session.
func (r *Registry) Mint() Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		candidate := Token(r.source())
		if candidate.IsNil() {
			continue
		}
		if _, exists := r.known[candidate]; exists {
			continue
		}
		r.known[candidate] = struct{}{}
		return candidate
	}
}

// Adopt records a token presented by a reconnecting participant. Tokens minted
// by a previous host of the same session are valid here as well.
func (r *Registry) Adopt(token Token) bool {
	if token.IsNil() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[token] = struct{}{}
	return true
}

// AssociateSelf registers the local participant's own token without going
// through the network handshake.
func (r *Registry) AssociateSelf(token Token) {
	if token.IsNil() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[token] = struct{}{}
	r.self = token
	r.hasSelf = true
}

// Self returns the local participant's token, if one was associated.
func (r *Registry) Self() (Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.self, r.hasSelf
}

// Known reports whether the token was minted or adopted in this session.
func (r *Registry) Known(token Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.known[token]
	return ok
}

// Len reports the number of distinct tokens in the session.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.known)
}
