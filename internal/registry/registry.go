// Package registry implements the group registry: a keyed index of Groups,
// each backed by an mmap'd, comma-concatenated member-list file, plus the
// cold-start rehydrate-or-reset policy.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tiras-j/smokesignal/internal/index"
	"github.com/tiras-j/smokesignal/internal/wire"
)

// MarkerName is the reserved reset-timestamp file name; it is never a valid
// group name.
const MarkerName = ".lasttime"

// Registry owns every Group.
type Registry struct {
	stateDir    string
	resetWindow time.Duration
	groups      *index.Index[*Group]
}

// New constructs a Registry rooted at stateDir. Call Initialize before use.
func New(stateDir string, resetWindow time.Duration) *Registry {
	return &Registry{
		stateDir:    stateDir,
		resetWindow: resetWindow,
		groups:      index.New[*Group](),
	}
}

// Initialize creates the state directory if absent, or rehydrates/resets it
// per the cold-start policy: if the reset marker's last-access time is older
// than resetWindow, every non-marker file is unlinked and the registry starts
// empty; otherwise every surviving file is rehydrated as a Group. The marker
// is touched afterward either way. Initialize fails only on unrecoverable I/O
// errors; a single group's rehydration failure is logged and that group is
// skipped.
func (r *Registry) Initialize() error {
	_, err := os.Stat(r.stateDir)
	switch {
	case err == nil:
		if err := r.rehydrate(); err != nil {
			return err
		}
	case os.IsNotExist(err):
		if err := os.MkdirAll(r.stateDir, 0o755); err != nil {
			return fmt.Errorf("registry: create state dir: %w", err)
		}
	default:
		return fmt.Errorf("registry: stat state dir: %w", err)
	}
	return r.touchMarker()
}

func (r *Registry) rehydrate() error {
	stale, err := r.markerStale()
	if err != nil {
		return fmt.Errorf("registry: check reset marker: %w", err)
	}

	entries, err := os.ReadDir(r.stateDir)
	if err != nil {
		return fmt.Errorf("registry: read state dir: %w", err)
	}

	for _, e := range entries {
		if e.Name() == MarkerName {
			continue
		}
		path := filepath.Join(r.stateDir, e.Name())
		if stale {
			if err := os.Remove(path); err != nil {
				slog.Error("registry: reset cleanup failed", "path", path, "err", err)
			}
			continue
		}
		if err := r.adopt(e.Name(), path); err != nil {
			slog.Error("registry: rehydrate group failed", "name", e.Name(), "err", err)
		}
	}
	return nil
}

func (r *Registry) adopt(name, path string) error {
	gf, err := openOrCreateGroupFile(path)
	if err != nil {
		return err
	}
	g := newGroup(name, gf)
	if err := r.groups.Insert(name, g); err != nil {
		_ = gf.closeAndUnlink()
		return err
	}
	slog.Debug("registry: rehydrated group", "name", name, "members", g.MemberCount())
	return nil
}

// markerStale reports whether the reset marker is missing or older than
// resetWindow.
func (r *Registry) markerStale() (bool, error) {
	path := filepath.Join(r.stateDir, MarkerName)
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return true, nil
		}
		return false, err
	}
	atime := time.Unix(st.Atim.Sec, st.Atim.Nsec)
	return time.Since(atime) > r.resetWindow, nil
}

// touchMarker creates the marker if absent and resets its access/mod time to
// now.
func (r *Registry) touchMarker() error {
	path := filepath.Join(r.stateDir, MarkerName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("registry: touch marker: %w", err)
	}
	f.Close()
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		return fmt.Errorf("registry: touch marker: %w", err)
	}
	return nil
}

// Exists reports whether name is a registered group.
func (r *Registry) Exists(name string) bool {
	_, ok := r.groups.Lookup(name)
	return ok
}

// Create registers a new group, adopting an existing backing file if one is
// present on disk. Fails with ErrAlreadyExists if name is already
// registered, or a *BadNameError if name is invalid.
func (r *Registry) Create(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if r.Exists(name) {
		return ErrAlreadyExists
	}
	path := filepath.Join(r.stateDir, name)
	if err := r.adopt(name, path); err != nil {
		if errors.Is(err, index.ErrAlreadyExists) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// Delete unregisters and destroys a group: unmaps, closes, and unlinks its
// backing file. Returns ErrNotFound if absent; cleanup errors are logged, not
// propagated.
func (r *Registry) Delete(name string) error {
	g, ok := r.groups.Remove(name)
	if !ok {
		return ErrNotFound
	}
	if err := g.gf.closeAndUnlink(); err != nil {
		slog.Error("registry: delete cleanup failed", "name", name, "err", err)
	}
	return nil
}

// Lookup returns the Group for name, or ErrNotFound.
func (r *Registry) Lookup(name string) (*Group, error) {
	g, ok := r.groups.Lookup(name)
	if !ok {
		return nil, ErrNotFound
	}
	return g, nil
}

// Members returns a copy of name's current member-list bytes.
func (r *Registry) Members(name string) ([]byte, error) {
	g, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return g.Members(), nil
}

// Join adds endpoint to name's member list. Returns ErrTooLong if endpoint
// exceeds the wire codec's frame capacity, or a *BadEndpointError if it
// decodes fine but isn't a well-formed A.B.C.D:port literal. Touching the
// corresponding health record is the caller's responsibility — kept out of
// this package so the registry and the health table stay independent; the
// dispatcher performs both calls together.
func (r *Registry) Join(name, endpoint string) error {
	if len(endpoint) > wire.MaxEndpointLen {
		return ErrTooLong
	}
	if err := ValidateEndpoint(endpoint); err != nil {
		return err
	}
	g, err := r.Lookup(name)
	if err != nil {
		return err
	}
	if err := g.Join(endpoint); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// Leave removes endpoint from name's member list. A malformed endpoint can
// never have been a member, so this validates the same format Join requires
// before doing the lookup, for the same early-reject reason.
func (r *Registry) Leave(name, endpoint string) error {
	if err := ValidateEndpoint(endpoint); err != nil {
		return err
	}
	g, err := r.Lookup(name)
	if err != nil {
		return err
	}
	return g.Leave(endpoint)
}

// Subscribe adds listener to name's listener set.
func (r *Registry) Subscribe(name string, listener ListenerHandle) error {
	g, err := r.Lookup(name)
	if err != nil {
		return err
	}
	g.Subscribe(listener)
	return nil
}

// Unsubscribe removes listener from name's listener set. Returns ErrNotFound
// if the group is absent or the listener was not subscribed to it.
func (r *Registry) Unsubscribe(name string, listener ListenerHandle) error {
	g, err := r.Lookup(name)
	if err != nil {
		return err
	}
	if !g.Unsubscribe(listener) {
		return ErrNotFound
	}
	return nil
}

// ValidateName enforces a group name's constraints: 1..255 bytes, a legal
// filename (no '/', no NUL), and not the reserved marker name.
func ValidateName(name string) error {
	switch {
	case len(name) == 0 || len(name) > wire.MaxGroupNameLen:
		return &BadNameError{Name: name, Reason: "length must be 1..255 bytes"}
	case strings.ContainsRune(name, '/'):
		return &BadNameError{Name: name, Reason: "must not contain '/'"}
	case strings.ContainsRune(name, 0):
		return &BadNameError{Name: name, Reason: "must not contain NUL"}
	case name == MarkerName:
		return &BadNameError{Name: name, Reason: "reserved marker name"}
	}
	return nil
}

// minEndpointLen and maxEndpointLen bound the A.B.C.D:port literal: the
// shortest is "0.0.0.0:0" (9 chars), the longest
// "255.255.255.255:65535" (21 chars).
const (
	minEndpointLen = 9
	maxEndpointLen = 21
)

// ValidateEndpoint enforces an endpoint string's IPv4:port format: 9..21
// characters, all drawn from the charset [0-9.:].
func ValidateEndpoint(endpoint string) error {
	switch {
	case len(endpoint) < minEndpointLen || len(endpoint) > maxEndpointLen:
		return &BadEndpointError{Endpoint: endpoint, Reason: "length must be 9..21 bytes (A.B.C.D:port)"}
	case strings.IndexFunc(endpoint, isNotEndpointChar) >= 0:
		return &BadEndpointError{Endpoint: endpoint, Reason: "must contain only '0'-'9', '.', ':'"}
	}
	return nil
}

func isNotEndpointChar(r rune) bool {
	return !(r >= '0' && r <= '9') && r != '.' && r != ':'
}
