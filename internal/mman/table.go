// Package mman implements the emulated mmap2/munmap/msync syscalls.
//
// Mappings are kept in a Table: an arena of records addressed by generated
// identifiers, with an address index for lookup. The table lock guards list
// structure only. Allocator and host I/O calls always happen outside it, so a
// slow file flush on one mapping never stalls unrelated mapping operations.
package mman

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ehrlich-b/go-sysemu/internal/uapi"
)

// Mapping is one active mapping. Records are immutable once inserted.
type Mapping struct {
	Addr      uintptr
	Length    int64
	Allocated bool // Data must be released through the allocator on unmap
	FD        int
	Flags     int
	Offset    int64
	Prot      int

	// recordAddr is the allocator charge for a file-backed record
	recordAddr uintptr
}

// Anonymous reports whether the mapping has no backing file
func (m Mapping) Anonymous() bool {
	return uapi.IsAnonymous(m.Flags)
}

// End returns the first address past the mapping
func (m Mapping) End() uintptr {
	return m.Addr + uintptr(m.Length)
}

// String renders the mapping as a /proc/self/maps line
func (m Mapping) String() string {
	name := "[anon]"
	if !m.Anonymous() {
		name = fmt.Sprintf("fd:%d", m.FD)
	}
	return fmt.Sprintf("%08x-%08x %s %08x %s", m.Addr, m.End(), uapi.ProtString(m.Prot, m.Flags), m.Offset, name)
}

// RecordID identifies a table slot. The generation detects stale IDs after
// a slot is recycled.
type RecordID struct {
	Slot uint32
	Gen  uint32
}

type slot struct {
	gen  uint32
	live bool
	seq  uint64
	rec  Mapping
}

// Table is the synchronized registry of active mappings
type Table struct {
	mu    sync.Mutex
	slots []slot
	free  []uint32
	index map[uintptr]RecordID
	seq   uint64
}

// NewTable creates an empty mapping table
func NewTable() *Table {
	return &Table{
		index: make(map[uintptr]RecordID),
	}
}

// Insert adds a record. The address must not already be mapped.
func (t *Table) Insert(rec Mapping) (RecordID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.index[rec.Addr]; ok {
		return RecordID{}, fmt.Errorf("%w: address 0x%x already mapped", ErrInvalidArgument, rec.Addr)
	}

	var id RecordID
	if n := len(t.free); n > 0 {
		id.Slot = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, slot{})
		id.Slot = uint32(len(t.slots) - 1)
	}

	s := &t.slots[id.Slot]
	s.gen++
	s.live = true
	t.seq++
	s.seq = t.seq
	s.rec = rec
	id.Gen = s.gen

	t.index[rec.Addr] = id
	return id, nil
}

// Remove unlinks the record at addr. length must be non-zero and equal to
// the mapped length; partial removal is not supported and leaves the
// record in place.
func (t *Table) Remove(addr uintptr, length int64) (Mapping, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.index[addr]
	if !ok {
		return Mapping{}, fmt.Errorf("%w: no mapping at 0x%x", ErrInvalidArgument, addr)
	}
	if length == 0 {
		return Mapping{}, fmt.Errorf("%w: zero length", ErrInvalidArgument)
	}

	s := &t.slots[id.Slot]
	if s.rec.Length != length {
		return Mapping{}, fmt.Errorf("%w: length %d does not match mapping length %d", ErrInvalidArgument, length, s.rec.Length)
	}

	rec := s.rec
	s.live = false
	s.rec = Mapping{}
	delete(t.index, addr)
	t.free = append(t.free, id.Slot)
	return rec, nil
}

// Lookup returns the record mapped at exactly addr
func (t *Table) Lookup(addr uintptr) (Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.index[addr]
	if !ok {
		return Mapping{}, false
	}
	return t.slots[id.Slot].rec, true
}

// Get returns the record for id if it is still live
func (t *Table) Get(id RecordID) (Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(id.Slot) >= len(t.slots) {
		return Mapping{}, false
	}
	s := &t.slots[id.Slot]
	if !s.live || s.gen != id.Gen {
		return Mapping{}, false
	}
	return s.rec, true
}

// Len returns the number of live mappings
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.index)
}

// Snapshot returns the live mappings, most recently inserted first
func (t *Table) Snapshot() []Mapping {
	t.mu.Lock()
	live := make([]slot, 0, len(t.index))
	for _, id := range t.index {
		live = append(live, t.slots[id.Slot])
	}
	t.mu.Unlock()

	sort.Slice(live, func(i, j int) bool {
		return live[i].seq > live[j].seq
	})

	out := make([]Mapping, len(live))
	for i := range live {
		out[i] = live[i].rec
	}
	return out
}

// FormatMappings renders mappings sorted by address, one per line
func FormatMappings(mappings []Mapping) string {
	sorted := make([]Mapping, len(mappings))
	copy(sorted, mappings)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Addr < sorted[j].Addr
	})

	var sb strings.Builder
	for _, m := range sorted {
		sb.WriteString(m.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
