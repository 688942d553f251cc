package offload

import (
	"fmt"
	"strings"
)

// OffloadEntry is one kernel (or global) of a loaded device image.
//
// Before loading, Address holds the image (link-time) address. Once loaded it holds the resolved
// runtime address, which is how the host runtime refers to the entry.
type OffloadEntry struct {
	Name    string
	Address uintptr
	Size    uint64
	Flags   int32
}

func (e OffloadEntry) String() string {
	return fmt.Sprintf("%q@0x%x", e.Name, e.Address)
}

// OffloadTable is the ordered list of resolved entries of the image loaded on one device slot.
// It is immutable once created.
type OffloadTable struct {
	entries []OffloadEntry
}

// NewOffloadTable creates a table with a copy of the given entries.
func NewOffloadTable(entries []OffloadEntry) *OffloadTable {
	return &OffloadTable{entries: append([]OffloadEntry(nil), entries...)}
}

// Len returns the number of entries. It is safe to call on a nil table.
func (t *OffloadTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Entries returns a copy of the entries, in image order.
func (t *OffloadTable) Entries() []OffloadEntry {
	if t == nil {
		return nil
	}
	return append([]OffloadEntry(nil), t.entries...)
}

// Entry returns the i-th entry.
func (t *OffloadTable) Entry(i int) OffloadEntry {
	return t.entries[i]
}

// Lookup finds the entry with the given resolved address. Entries are identified by address equality.
func (t *OffloadTable) Lookup(address uintptr) (OffloadEntry, bool) {
	if t == nil {
		return OffloadEntry{}, false
	}
	for _, e := range t.entries {
		if e.Address == address {
			return e, true
		}
	}
	return OffloadEntry{}, false
}

// Contains returns whether address is the resolved address of one of the entries.
func (t *OffloadTable) Contains(address uintptr) bool {
	_, found := t.Lookup(address)
	return found
}

// Index returns the position of the entry with the given address, or -1.
func (t *OffloadTable) Index(address uintptr) int {
	if t == nil {
		return -1
	}
	for ii, e := range t.entries {
		if e.Address == address {
			return ii
		}
	}
	return -1
}

// String implements fmt.Stringer.
func (t *OffloadTable) String() string {
	if t == nil {
		return "OffloadTable(nil)"
	}
	parts := make([]string, 0, len(t.entries))
	for _, e := range t.entries {
		parts = append(parts, e.String())
	}
	return fmt.Sprintf("OffloadTable[%s]", strings.Join(parts, ", "))
}

// HostEntry is the host-side description of an entry, as given in the device image descriptor
// passed by the host runtime.
type HostEntry struct {
	Name  string
	Size  uint64
	Flags int32
}

// DeviceImage is what the host runtime hands to load_binary: the image bytes and the host entries.
type DeviceImage struct {
	Image       []byte
	HostEntries []HostEntry
}
