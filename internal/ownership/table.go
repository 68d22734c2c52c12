// Package ownership holds the host's authoritative record of which identity
// owns which object, and the per-tick reconciliation that keeps it in step
// with the simulation.
package ownership

import (
	"slices"
	"sync"

	"hostswap/internal/identity"
	"hostswap/internal/net/proto"
	"hostswap/internal/sim"
)

// Entry is one identity's row in the table.
type Entry struct {
	Token   identity.Token
	Conn    sim.ConnID
	Owned   []sim.ObjectID
	Primary sim.ObjectID
}

// Orphaned reports whether the identity currently has no live connection.
func (e Entry) Orphaned() bool {
	return e.Conn == ""
}

// Registration describes the outcome of RegisterConnection.
type Registration struct {
	// Reconnect is set when an announced token was accepted.
	Reconnect bool
	// Duplicate is set when the announced token was held by another live
	// connection; the caller was minted a fresh token instead.
	Duplicate bool
	// Holder is the connection that kept the duplicate token.
	Holder sim.ConnID
	// Existing is set when conn was already registered.
	Existing bool
}

// RegisterHook runs after a connection is bound to a token.
type RegisterHook func(token identity.Token, conn sim.ConnID)

type entry struct {
	conn    sim.ConnID
	owned   map[sim.ObjectID]struct{}
	primary sim.ObjectID
}

// Table is the authoritative mapping kept by the host. Every object appears in
// at most one identity's owned set.
type Table struct {
	mu       sync.RWMutex
	registry *identity.Registry
	entries  map[identity.Token]*entry
	byConn   map[sim.ConnID]identity.Token
	owners   map[sim.ObjectID]identity.Token
	hooks    []RegisterHook
}

// NewTable constructs an empty table that mints through registry.
func NewTable(registry *identity.Registry) *Table {
	if registry == nil {
		registry = identity.NewRegistry()
	}
	return &Table{
		registry: registry,
		entries:  make(map[identity.Token]*entry),
		byConn:   make(map[sim.ConnID]identity.Token),
		owners:   make(map[sim.ObjectID]identity.Token),
	}
}

// Registry exposes the identity registry backing the table.
func (t *Table) Registry() *identity.Registry {
	return t.registry
}

// OnRegister adds a hook invoked after each successful registration, outside
// the table lock so the hook may read the table.
func (t *Table) OnRegister(hook RegisterHook) {
	if hook == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, hook)
}

// RegisterConnection binds conn to a token. A nil announced token mints a new
// one. An announced token that is orphaned or unknown is accepted as a
// reconnect. An announced token held by another live connection is a
// duplicate: the first registration keeps it and conn gets a fresh token.
func (t *Table) RegisterConnection(conn sim.ConnID, announced identity.Token) (identity.Token, Registration) {
	t.mu.Lock()
	if existing, ok := t.byConn[conn]; ok {
		t.mu.Unlock()
		return existing, Registration{Existing: true}
	}

	var result Registration
	token := announced
	if token.IsNil() {
		token = t.registry.Mint()
	} else if current, ok := t.entries[token]; ok && current.conn != "" {
		result.Duplicate = true
		result.Holder = current.conn
		token = t.registry.Mint()
	} else {
		t.registry.Adopt(token)
		result.Reconnect = true
	}
	t.bindLocked(token, conn)
	hooks := slices.Clone(t.hooks)
	t.mu.Unlock()

	for _, hook := range hooks {
		hook(token, conn)
	}
	return token, result
}

// AttachSelf binds the local participant's connection to its own token
// without minting. It reports false when the token is held by another live
// connection.
func (t *Table) AttachSelf(conn sim.ConnID, token identity.Token) bool {
	if token.IsNil() {
		return false
	}
	t.mu.Lock()
	if current, ok := t.entries[token]; ok && current.conn != "" && current.conn != conn {
		t.mu.Unlock()
		return false
	}
	t.registry.AssociateSelf(token)
	t.bindLocked(token, conn)
	hooks := slices.Clone(t.hooks)
	t.mu.Unlock()

	for _, hook := range hooks {
		hook(token, conn)
	}
	return true
}

func (t *Table) bindLocked(token identity.Token, conn sim.ConnID) {
	e, ok := t.entries[token]
	if !ok {
		e = &entry{owned: make(map[sim.ObjectID]struct{})}
		t.entries[token] = e
	}
	e.conn = conn
	t.byConn[conn] = token
}

// DisconnectConnection orphans the identity bound to conn. Its owned objects
// and primary are retained until reconciliation clears them.
func (t *Table) DisconnectConnection(conn sim.ConnID) (identity.Token, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	token, ok := t.byConn[conn]
	if !ok {
		return identity.Nil, false
	}
	delete(t.byConn, conn)
	if e, ok := t.entries[token]; ok && e.conn == conn {
		e.conn = ""
	}
	return token, true
}

// SetOwner records token as the owner of id, removing it from any previous
// owner's set in the same step. It is a no-op returning false when token
// already owns id or is not in the table. Primary designations are left alone
// so that every primary change produces its own delta.
func (t *Table) SetOwner(id sim.ObjectID, token identity.Token) bool {
	if id == 0 || token.IsNil() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	target, ok := t.entries[token]
	if !ok {
		return false
	}
	if current, owned := t.owners[id]; owned {
		if current == token {
			return false
		}
		if previous, ok := t.entries[current]; ok {
			delete(previous.owned, id)
		}
	}
	target.owned[id] = struct{}{}
	t.owners[id] = token
	return true
}

// ClearOwner removes id from its owner's set and returns the former owner.
func (t *Table) ClearOwner(id sim.ObjectID) (identity.Token, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	token, ok := t.owners[id]
	if !ok {
		return identity.Nil, false
	}
	delete(t.owners, id)
	if e, ok := t.entries[token]; ok {
		delete(e.owned, id)
	}
	return token, true
}

// SetPrimary records id as token's primary object. Zero clears it. It
// returns false when nothing changed.
func (t *Table) SetPrimary(token identity.Token, id sim.ObjectID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[token]
	if !ok || e.primary == id {
		return false
	}
	e.primary = id
	return true
}

// LookupConnection returns the live connection bound to token.
func (t *Table) LookupConnection(token identity.Token) (sim.ConnID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[token]
	if !ok || e.conn == "" {
		return "", false
	}
	return e.conn, true
}

// TokenFor returns the token bound to a live connection.
func (t *Table) TokenFor(conn sim.ConnID) (identity.Token, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	token, ok := t.byConn[conn]
	return token, ok
}

// Owner returns the recorded owner of id.
func (t *Table) Owner(id sim.ObjectID) (identity.Token, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	token, ok := t.owners[id]
	return token, ok
}

// Primary returns token's recorded primary object.
func (t *Table) Primary(token identity.Token) (sim.ObjectID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[token]
	if !ok || e.primary == 0 {
		return 0, false
	}
	return e.primary, true
}

// Owned lists the objects recorded for token in ascending order.
func (t *Table) Owned(token identity.Token) []sim.ObjectID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[token]
	if !ok {
		return nil
	}
	return sortedIDs(e.owned)
}

// Entries copies every row, ordered by token.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries := make([]Entry, 0, len(t.entries))
	for token, e := range t.entries {
		entries = append(entries, Entry{
			Token:   token,
			Conn:    e.conn,
			Owned:   sortedIDs(e.owned),
			Primary: e.primary,
		})
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		return compareTokens(a.Token, b.Token)
	})
	return entries
}

// Ownership copies the object → token mapping.
func (t *Table) Ownership() map[sim.ObjectID]identity.Token {
	t.mu.RLock()
	defer t.mu.RUnlock()
	copied := make(map[sim.ObjectID]identity.Token, len(t.owners))
	for id, token := range t.owners {
		copied[id] = token
	}
	return copied
}

// Primaries copies the token → primary mapping, omitting identities without one.
func (t *Table) Primaries() map[identity.Token]sim.ObjectID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	copied := make(map[identity.Token]sim.ObjectID)
	for token, e := range t.entries {
		if e.primary != 0 {
			copied[token] = e.primary
		}
	}
	return copied
}

// LiveConnections reports how many identities are bound to a connection.
func (t *Table) LiveConnections() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byConn)
}

// Backlog replays every recorded ownership and primary pair so a newly
// handshaken peer converges in one pass.
func (t *Table) Backlog() []proto.Message {
	entries := t.Entries()
	var messages []proto.Message
	for _, e := range entries {
		for _, id := range e.Owned {
			messages = append(messages, proto.OwnershipDelta{ObjectID: id, Token: e.Token})
		}
	}
	for _, e := range entries {
		if e.Primary != 0 {
			messages = append(messages, proto.PrimaryObjectDelta{Token: e.Token, ObjectID: e.Primary})
		}
	}
	return messages
}

func sortedIDs(set map[sim.ObjectID]struct{}) []sim.ObjectID {
	ids := make([]sim.ObjectID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func compareTokens(a, b identity.Token) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
