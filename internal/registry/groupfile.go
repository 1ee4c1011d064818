package registry

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var pageSize = os.Getpagesize()

// groupFile is the mmap-backed, NUL-terminated, comma-concatenated member
// list for one group. Growth doubles the file size (always a whole page
// multiple) and remaps; callers must never hold a slice returned by bytes()
// across a mutation, since remapping may move the backing memory.
//
// Grounded on original_source/src/server/group_manager.c's
// create_or_open_group_file / realloc_listener_array growth-doubling pattern,
// translated from raw open/mmap/ftruncate to golang.org/x/sys/unix.
type groupFile struct {
	file     *os.File
	data     []byte // mmap'd region, length == capacity
	capacity int
	length   int // bytes of live content in data[:length]; data[length] is always 0x00
}

// openOrCreateGroupFile opens path, creating and truncating it to one page if
// it doesn't exist, or adopts an existing file and rehydrates its content
// length otherwise. An adopted file that is empty or not a whole page
// multiple is extended to the next page multiple.
func openOrCreateGroupFile(path string) (*groupFile, error) {
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)
	if statErr != nil && !isNew {
		return nil, statErr
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	size, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	capacity := int(size.Size())
	if capacity == 0 || capacity%pageSize != 0 {
		// The extension reads as zero bytes, so the content stays
		// NUL-terminated.
		capacity = (capacity/pageSize + 1) * pageSize
		if err := f.Truncate(int64(capacity)); err != nil {
			f.Close()
			return nil, err
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, capacity, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	gf := &groupFile{file: f, data: data, capacity: capacity}
	if !isNew {
		gf.length = contentLen(data)
	}
	return gf, nil
}

// contentLen returns the length of the NUL-terminated string stored in data.
func contentLen(data []byte) int {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return i
	}
	return len(data)
}

// bytes returns a borrowed view of the live content. Invalidated by any
// subsequent mutation of this groupFile.
func (g *groupFile) bytes() []byte {
	return g.data[:g.length]
}

// memberCount counts the comma-terminated entries currently stored, mirroring
// original_source's create_or_open_group_file comma-scan on rehydration.
func (g *groupFile) memberCount() int {
	return bytes.Count(g.bytes(), []byte{','})
}

// isMember reports whether "<endpoint>," appears in the live content. The
// trailing comma makes the match unambiguous against endpoints that are
// prefixes of one another.
func (g *groupFile) isMember(endpoint string) bool {
	return bytes.Contains(g.bytes(), []byte(endpoint+","))
}

// append adds entry to the end of the live content, growing (doubling) the
// backing file/mapping as needed so a trailing NUL always fits.
func (g *groupFile) append(entry string) error {
	needed := g.length + len(entry)
	for needed+1 > g.capacity { // +1: trailing NUL must always fit
		if err := g.grow(); err != nil {
			return err
		}
	}
	copy(g.data[g.length:needed], entry)
	g.length = needed
	return nil
}

// grow doubles the file's capacity (always a whole page multiple since
// capacity starts at a whole page multiple and only ever doubles), ftruncates, remaps, and
// updates g.data/g.capacity to the new mapping.
func (g *groupFile) grow() error {
	newCapacity := g.capacity * 2
	if err := g.file.Truncate(int64(newCapacity)); err != nil {
		return fmt.Errorf("%w: truncate: %v", ErrIO, err)
	}
	if err := unix.Munmap(g.data); err != nil {
		return fmt.Errorf("%w: munmap: %v", ErrIO, err)
	}
	newData, err := unix.Mmap(int(g.file.Fd()), 0, newCapacity, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("%w: mmap: %v", ErrIO, err)
	}
	g.data = newData
	g.capacity = newCapacity
	return nil
}

// remove excises the first occurrence of "<endpoint>," from the live
// content, shifts the suffix left, and zeroes the freed tail so the region
// stays a valid NUL-terminated string.
func (g *groupFile) remove(endpoint string) {
	entry := []byte(endpoint + ",")
	idx := bytes.Index(g.bytes(), entry)
	if idx < 0 {
		return
	}
	end := idx + len(entry)
	n := copy(g.data[idx:g.length], g.data[end:g.length])
	newLength := idx + n
	for i := newLength; i < g.length; i++ {
		g.data[i] = 0
	}
	g.length = newLength
}

// closeAndUnlink unmaps, closes, and removes the backing file. Errors here
// are logged by the caller, not propagated — the group is gone from the
// registry regardless.
func (g *groupFile) closeAndUnlink() error {
	var firstErr error
	if err := unix.Munmap(g.data); err != nil {
		firstErr = fmt.Errorf("munmap: %w", err)
	}
	path := g.file.Name()
	if err := g.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close: %w", err)
	}
	if err := os.Remove(path); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("unlink: %w", err)
	}
	return firstErr
}
