package registry

import "sync"

// ListenerHandle identifies a connected listener by its connection, not by
// an endpoint string. Implemented by internal/reactor's connection type;
// Write delivers one already-framed outbound message verbatim.
type ListenerHandle interface {
	ID() string
	Write(frame []byte) error
}

// Group is a named set of member endpoints plus a volatile set of listener
// connections.
type Group struct {
	name string

	mu        sync.Mutex
	gf        *groupFile
	listeners []ListenerHandle
}

func newGroup(name string, gf *groupFile) *Group {
	return &Group{name: name, gf: gf}
}

// Name returns the group's name.
func (g *Group) Name() string { return g.name }

// Members returns a copy of the member-list region's content up to its first
// NUL. A copy, not a borrowed view, since the backing mapping can move on the
// next Join that forces a grow.
func (g *Group) Members() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	view := g.gf.bytes()
	out := make([]byte, len(view))
	copy(out, view)
	return out
}

// MemberCount returns the number of comma-terminated member entries
// currently stored.
func (g *Group) MemberCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gf.memberCount()
}

// IsMember reports whether endpoint is currently a member.
func (g *Group) IsMember(endpoint string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gf.isMember(endpoint)
}

// Join appends "<endpoint>," if endpoint is not already a member. Idempotent.
func (g *Group) Join(endpoint string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gf.isMember(endpoint) {
		return nil
	}
	return g.gf.append(endpoint + ",")
}

// Leave excises "<endpoint>," if present. A no-op (not an error) if endpoint
// is not a member.
func (g *Group) Leave(endpoint string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gf.remove(endpoint)
	return nil
}

// Subscribe appends listener to the listener set if not already present.
// Idempotent.
func (g *Group) Subscribe(listener ListenerHandle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, l := range g.listeners {
		if l.ID() == listener.ID() {
			return
		}
	}
	g.listeners = append(g.listeners, listener)
}

// Unsubscribe removes listener if present, compacting the slice. Returns
// false if the listener was not subscribed; the caller maps that to
// ErrNotFound.
func (g *Group) Unsubscribe(listener ListenerHandle) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, l := range g.listeners {
		if l.ID() == listener.ID() {
			g.listeners = append(g.listeners[:i], g.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// ListenerSnapshot returns a copy of the current listener slice, taken before
// any write so a broadcast fan-out iterates a frozen set: concurrent
// sub/unsub during the same dispatch tick is never observed mid-fanout.
func (g *Group) ListenerSnapshot() []ListenerHandle {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ListenerHandle, len(g.listeners))
	copy(out, g.listeners)
	return out
}
