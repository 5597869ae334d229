package room

import (
	"sort"

	"github.com/aranachat/room/transport"
)

// Registry tracks open channels by remote identity, at most one per
// identity. It is owned by the event loop and takes no locks.
type Registry struct {
	conns map[string]transport.Channel
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]transport.Channel)}
}

// Add stores ch under id and returns the channel it replaced, if any.
func (r *Registry) Add(id string, ch transport.Channel) transport.Channel {
	old := r.conns[id]
	r.conns[id] = ch
	if old == ch {
		return nil
	}
	return old
}

// Remove drops id. When ch is non-nil the entry is dropped only if it still
// holds ch, so a late close of a replaced channel leaves the new one alone.
func (r *Registry) Remove(id string, ch transport.Channel) bool {
	cur, ok := r.conns[id]
	if !ok || (ch != nil && cur != ch) {
		return false
	}
	delete(r.conns, id)
	return true
}

// Get returns the open channel for id. A closed one is dropped.
func (r *Registry) Get(id string) (transport.Channel, bool) {
	ch, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	if !ch.IsOpen() {
		delete(r.conns, id)
		return nil, false
	}
	return ch, true
}

// ForEach visits every entry in identity order.
func (r *Registry) ForEach(fn func(id string, ch transport.Channel)) {
	for _, id := range r.IDs() {
		fn(id, r.conns[id])
	}
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int { return len(r.conns) }

// Prune drops closed channels and returns their identities.
func (r *Registry) Prune() []string {
	var dead []string
	for id, ch := range r.conns {
		if !ch.IsOpen() {
			dead = append(dead, id)
			delete(r.conns, id)
		}
	}
	sort.Strings(dead)
	return dead
}

// CloseAll closes and forgets every channel.
func (r *Registry) CloseAll() {
	for id, ch := range r.conns {
		ch.Close()
		delete(r.conns, id)
	}
}
