package rehydrate

import (
	"cmp"
	"slices"
	"time"

	"hostswap/internal/identity"
	"hostswap/internal/snapshot"
)

// Policy bounds how long descriptors wait for an owner that has not
// reconnected. Zero values mean unbounded.
type Policy struct {
	MaxAge     time.Duration
	MaxEntries int
}

// DefaultPolicy keeps orphaned descriptors for ten minutes.
func DefaultPolicy() Policy {
	return Policy{MaxAge: 10 * time.Minute}
}

type slot struct {
	used     bool
	seq      uint64
	index    int
	owner    identity.Token
	desc     snapshot.Descriptor
	queuedAt time.Time
}

// pending is an arena of queued descriptors indexed by owner token. Slots are
// recycled through a free list; the per-token index keeps snapshot order.
type pending struct {
	slots   []slot
	free    []int
	byToken map[identity.Token][]int
	nextSeq uint64
	count   int
}

func newPending() *pending {
	return &pending{byToken: make(map[identity.Token][]int)}
}

func (p *pending) push(owner identity.Token, index int, desc snapshot.Descriptor, now time.Time) {
	p.nextSeq++
	entry := slot{used: true, seq: p.nextSeq, index: index, owner: owner, desc: desc, queuedAt: now}
	var at int
	if n := len(p.free); n > 0 {
		at = p.free[n-1]
		p.free = p.free[:n-1]
		p.slots[at] = entry
	} else {
		at = len(p.slots)
		p.slots = append(p.slots, entry)
	}
	p.byToken[owner] = append(p.byToken[owner], at)
	p.count++
}

// take removes and returns every entry for owner in queue order.
func (p *pending) take(owner identity.Token) []slot {
	indices, ok := p.byToken[owner]
	if !ok {
		return nil
	}
	delete(p.byToken, owner)
	out := make([]slot, 0, len(indices))
	for _, at := range indices {
		out = append(out, p.slots[at])
		p.release(at)
	}
	return out
}

// dropWhere removes entries matching fn and returns the number removed per owner.
func (p *pending) dropWhere(fn func(s *slot) bool) map[identity.Token]int {
	dropped := make(map[identity.Token]int)
	for owner, indices := range p.byToken {
		kept := indices[:0]
		for _, at := range indices {
			if fn(&p.slots[at]) {
				dropped[owner]++
				p.release(at)
				continue
			}
			kept = append(kept, at)
		}
		if len(kept) == 0 {
			delete(p.byToken, owner)
		} else {
			p.byToken[owner] = kept
		}
	}
	return dropped
}

// cutoffSeq returns the highest sequence number that must go to bring
// the arena down to limit entries.
func (p *pending) cutoffSeq(limit int) uint64 {
	excess := p.count - limit
	if excess <= 0 {
		return 0
	}
	seqs := make([]uint64, 0, p.count)
	for i := range p.slots {
		if p.slots[i].used {
			seqs = append(seqs, p.slots[i].seq)
		}
	}
	slices.Sort(seqs)
	return seqs[excess-1]
}

func (p *pending) release(at int) {
	p.slots[at] = slot{}
	p.free = append(p.free, at)
	p.count--
}

func (p *pending) tokens() []identity.Token {
	out := make([]identity.Token, 0, len(p.byToken))
	for owner := range p.byToken {
		out = append(out, owner)
	}
	slices.SortFunc(out, func(a, b identity.Token) int {
		return slices.Compare(a[:], b[:])
	})
	return out
}

// descriptors returns copies of every queued descriptor in queue order.
func (p *pending) descriptors() []snapshot.Descriptor {
	live := make([]*slot, 0, p.count)
	for i := range p.slots {
		if p.slots[i].used {
			live = append(live, &p.slots[i])
		}
	}
	slices.SortFunc(live, func(a, b *slot) int {
		return cmp.Compare(a.seq, b.seq)
	})
	out := make([]snapshot.Descriptor, 0, len(live))
	for _, s := range live {
		out = append(out, s.desc.Clone())
	}
	return out
}
