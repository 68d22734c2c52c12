// Package shadow keeps a peer's read-only projection of the host's ownership
// table, built only from the deltas the host broadcasts.
package shadow

import (
	"sync"

	"hostswap/internal/identity"
	"hostswap/internal/net/proto"
	"hostswap/internal/sim"
)

// Cache is last-writer-wins per key. Readers may run concurrently with the
// goroutine applying deltas.
type Cache struct {
	mu        sync.RWMutex
	self      identity.Token
	selfSet   bool
	owners    map[sim.ObjectID]identity.Token
	primaries map[identity.Token]sim.ObjectID
}

// New constructs an empty cache.
func New() *Cache {
	return &Cache{
		owners:    make(map[sim.ObjectID]identity.Token),
		primaries: make(map[identity.Token]sim.ObjectID),
	}
}

// OnOwnershipDelta records the latest owner of id. The nil token removes it.
func (c *Cache) OnOwnershipDelta(id sim.ObjectID, token identity.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token.IsNil() {
		delete(c.owners, id)
		return
	}
	c.owners[id] = token
}

// OnPrimaryObjectDelta records token's primary object. Zero removes it.
func (c *Cache) OnPrimaryObjectDelta(token identity.Token, id sim.ObjectID) {
	if token.IsNil() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == 0 {
		delete(c.primaries, token)
		return
	}
	c.primaries[token] = id
}

// OnIdentityAssigned stores the local token. Only the first assignment is
// kept; later ones return false.
func (c *Cache) OnIdentityAssigned(token identity.Token) bool {
	if token.IsNil() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selfSet {
		return false
	}
	c.self = token
	c.selfSet = true
	return true
}

// Apply dispatches a decoded host message. Messages a peer never receives
// are ignored.
func (c *Cache) Apply(msg proto.Message) {
	switch m := msg.(type) {
	case proto.IdentityAssigned:
		c.OnIdentityAssigned(m.Token)
	case proto.OwnershipDelta:
		c.OnOwnershipDelta(m.ObjectID, m.Token)
	case proto.PrimaryObjectDelta:
		c.OnPrimaryObjectDelta(m.Token, m.ObjectID)
	}
}

// Self returns the local token once assigned.
func (c *Cache) Self() (identity.Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self, c.selfSet
}

// Owner returns the last known owner of id.
func (c *Cache) Owner(id sim.ObjectID) (identity.Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	token, ok := c.owners[id]
	return token, ok
}

// Primary returns the last known primary object of token.
func (c *Cache) Primary(token identity.Token) (sim.ObjectID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.primaries[token]
	return id, ok
}

// OwnsObject reports whether the local participant owns id.
func (c *Cache) OwnsObject(id sim.ObjectID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.selfSet {
		return false
	}
	return c.owners[id] == c.self
}

// Owners copies the object to owner projection.
func (c *Cache) Owners() map[sim.ObjectID]identity.Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	copied := make(map[sim.ObjectID]identity.Token, len(c.owners))
	for id, token := range c.owners {
		copied[id] = token
	}
	return copied
}

// Primaries copies the token to primary projection.
func (c *Cache) Primaries() map[identity.Token]sim.ObjectID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	copied := make(map[identity.Token]sim.ObjectID, len(c.primaries))
	for token, id := range c.primaries {
		copied[token] = id
	}
	return copied
}

// ResetView drops both projections and keeps the local token. A peer calls it
// before handshaking with a new host, which replays its backlog.
func (c *Cache) ResetView() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owners = make(map[sim.ObjectID]identity.Token)
	c.primaries = make(map[identity.Token]sim.ObjectID)
}
