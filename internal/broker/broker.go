// Package broker implements the dispatcher: it interprets a decoded wire
// message and invokes the matching registry/health operation, then for a
// broadcast fan-out writes the reconstructed frame to every subscribed
// listener.
package broker

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/tiras-j/smokesignal/internal/health"
	"github.com/tiras-j/smokesignal/internal/reactor"
	"github.com/tiras-j/smokesignal/internal/registry"
	"github.com/tiras-j/smokesignal/internal/wire"
)

// Broker ties the group registry and health table together and implements
// reactor.Handler so it can be driven directly by the event loop.
type Broker struct {
	registry *registry.Registry
	health   *health.Table

	mu sync.Mutex
	// listenerGroups is the reverse index from a connected listener to the
	// groups it has subscribed to, so a disconnect tears down membership in
	// O(groups subscribed) instead of a scan over every group.
	listenerGroups map[registry.ListenerHandle]map[string]struct{}
}

// New constructs a Broker over an already-Initialize'd registry and a health
// table.
func New(reg *registry.Registry, healthTable *health.Table) *Broker {
	return &Broker{
		registry:       reg,
		health:         healthTable,
		listenerGroups: make(map[registry.ListenerHandle]map[string]struct{}),
	}
}

// HandleMessage implements reactor.Handler.
func (b *Broker) HandleMessage(conn *reactor.Conn, msg wire.Message) {
	b.Dispatch(conn, msg)
}

// HandleDisconnect implements reactor.Handler.
func (b *Broker) HandleDisconnect(conn *reactor.Conn) {
	b.Disconnect(conn)
}

// Dispatch routes msg by type to the corresponding registry/health
// operation. Protocol-level errors (unknown group, not-a-member, and so on)
// are logged and produce no reply, matching the wire protocol having no
// error-response frame.
func (b *Broker) Dispatch(listener registry.ListenerHandle, msg wire.Message) {
	switch msg.Type {
	case wire.JoinGroup:
		b.handleJoin(msg.Group, msg.Peer)
	case wire.LeaveGroup:
		b.handleLeave(msg.Group, msg.Peer)
	case wire.Subscribe:
		b.handleSubscribe(listener, msg.Group)
	case wire.Healthcheck:
		b.handleHealthcheck(msg.Group, msg.Peer)
	case wire.ListMembers:
		b.handleListMembers(listener, msg.Group)
	case wire.Broadcast:
		b.handleBroadcast(msg.Group, msg.Payload)
	default:
		slog.Warn("broker: dispatch: unhandled message type", "type", msg.Type)
	}
}

// Disconnect unsubscribes listener from every group it had subscribed to,
// using the reverse index so this is O(groups subscribed), not O(groups).
func (b *Broker) Disconnect(listener registry.ListenerHandle) {
	b.mu.Lock()
	groups := b.listenerGroups[listener]
	delete(b.listenerGroups, listener)
	b.mu.Unlock()

	for name := range groups {
		if err := b.registry.Unsubscribe(name, listener); err != nil && !errors.Is(err, registry.ErrNotFound) {
			slog.Error("broker: disconnect unsubscribe failed", "group", name, "err", err)
		}
	}
}

func (b *Broker) handleJoin(group, endpoint string) {
	if err := b.registry.Join(group, endpoint); err != nil {
		logRegistryErr("JOIN", group, err, "endpoint", endpoint)
		return
	}
	b.health.Touch(endpoint)
}

func (b *Broker) handleLeave(group, endpoint string) {
	if err := b.registry.Leave(group, endpoint); err != nil {
		logRegistryErr("LEAVE", group, err, "endpoint", endpoint)
	}
}

func (b *Broker) handleSubscribe(listener registry.ListenerHandle, group string) {
	if err := b.registry.Subscribe(group, listener); err != nil {
		logRegistryErr("SUBSCRIBE", group, err, "listener", listener.ID())
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	groups, ok := b.listenerGroups[listener]
	if !ok {
		groups = make(map[string]struct{})
		b.listenerGroups[listener] = groups
	}
	groups[group] = struct{}{}
}

func (b *Broker) handleHealthcheck(group, endpoint string) {
	if err := b.healthcheck(group, endpoint); err != nil {
		logRegistryErr("HEALTHCHECK", group, err, "endpoint", endpoint)
	}
}

// healthcheck refreshes endpoint's health record if it is a current member
// of group, returning ErrNotMember otherwise.
func (b *Broker) healthcheck(group, endpoint string) error {
	if err := registry.ValidateEndpoint(endpoint); err != nil {
		return err
	}
	g, err := b.registry.Lookup(group)
	if err != nil {
		return err
	}
	if !g.IsMember(endpoint) {
		return ErrNotMember
	}
	b.health.Touch(endpoint)
	return nil
}

func (b *Broker) handleListMembers(listener registry.ListenerHandle, group string) {
	members, err := b.registry.Members(group)
	if err != nil {
		logRegistryErr("LISTMEMBERS", group, err)
		return
	}
	if err := listener.Write(wire.EncodeListMembersReply(members)); err != nil {
		b.deregisterOnWriteError(listener, group, err)
	}
}

func (b *Broker) handleBroadcast(group string, payload []byte) {
	g, err := b.registry.Lookup(group)
	if err != nil {
		logRegistryErr("BROADCAST", group, err)
		return
	}

	body, err := wire.EncodeBroadcast(group, payload)
	if err != nil {
		slog.Error("broker: re-encode broadcast failed", "group", group, "err", err)
		return
	}
	frame := wire.EncodeFrame(body)

	// Snapshot before any write: a listener that unsubscribes mid-fanout
	// (triggered by a write failure below) must not shrink the slice we are
	// currently ranging over.
	for _, listener := range g.ListenerSnapshot() {
		if err := listener.Write(frame); err != nil {
			b.deregisterOnWriteError(listener, group, err)
		}
	}
}

// deregisterOnWriteError removes listener from group when a write failed.
// The reactor's Conn.Write already absorbs recoverable (would-block) errors
// by queuing and returns nil for those; anything reaching here is treated as
// a dead connection (the broken-pipe/reset case from the dispatch rules).
func (b *Broker) deregisterOnWriteError(listener registry.ListenerHandle, group string, writeErr error) {
	slog.Warn("broker: listener write failed, deregistering", "group", group, "listener", listener.ID(), "err", writeErr)
	if err := b.registry.Unsubscribe(group, listener); err != nil && !errors.Is(err, registry.ErrNotFound) {
		slog.Error("broker: deregister after write failure", "group", group, "err", err)
	}
}

func logRegistryErr(op, group string, err error, extra ...any) {
	args := append([]any{"op", op, "group", group, "err", err}, extra...)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		slog.Debug("broker: unknown group", args...)
	case errors.Is(err, registry.ErrTooLong):
		slog.Warn("broker: endpoint too long", args...)
	case errors.Is(err, registry.ErrAlreadyExists):
		slog.Warn("broker: group already exists", args...)
	case errors.Is(err, ErrNotMember):
		slog.Warn("broker: healthcheck for non-member", args...)
	default:
		slog.Error("broker: registry operation failed", args...)
	}
}
