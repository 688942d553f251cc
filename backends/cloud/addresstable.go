package cloud

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// AddressTable is the local file listing the buffers of a device, one "<id>;<size>;" line per allocation,
// in allocation order. Ids start at 1 and are never reused.
//
// It is safe for concurrent use.
type AddressTable struct {
	path string

	mu     sync.Mutex
	nextID uint64
	sizes  map[uint64]int64
	stored map[uint64]StoredData
}

// StoredData describes how the contents of a buffer were last stored: Format is the compression format,
// empty for raw bytes, and Length the number of (uncompressed) bytes.
type StoredData struct {
	Format string
	Length int64
}

// NewAddressTable creates an empty address table file at path.
func NewAddressTable(path string) (*AddressTable, error) {
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		return nil, errors.Wrapf(err, "cannot create address table file %q", path)
	}
	return &AddressTable{path: path, nextID: 1, sizes: make(map[uint64]int64), stored: make(map[uint64]StoredData)}, nil
}

// Path of the table file.
func (t *AddressTable) Path() string { return t.path }

// Add allocates a new id for a buffer of size bytes, and appends it to the table file.
func (t *AddressTable) Add(size int64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open address table %q", t.path)
	}
	id := t.nextID
	_, err = fmt.Fprintf(f, "%d;%d;\n", id, size)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to append to address table %q", t.path)
	}
	t.nextID++
	t.sizes[id] = size
	return id, nil
}

// Size returns the size of the buffer with the given id.
func (t *AddressTable) Size(id uint64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	size, found := t.sizes[id]
	return size, found
}

// SetStored records how the contents of the buffer were written to the storage. It is a no-op for
// unknown ids.
func (t *AddressTable) SetStored(id uint64, stored StoredData) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, found := t.sizes[id]; found {
		t.stored[id] = stored
	}
}

// Stored returns how the contents of the buffer were stored, if known.
func (t *AddressTable) Stored(id uint64) (StoredData, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stored, found := t.stored[id]
	return stored, found
}

// ForgetStored marks the contents of the buffer as unknown, e.g. after a job may have rewritten it.
func (t *AddressTable) ForgetStored(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stored, id)
}

// Remove forgets the id. The line stays in the table file, since ids are not reused.
func (t *AddressTable) Remove(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, found := t.sizes[id]
	delete(t.sizes, id)
	delete(t.stored, id)
	return found
}

// AddressTableLine is one line of an address table file.
type AddressTableLine struct {
	ID   uint64
	Size int64
}

// ReadAddressTable parses an address table file.
func ReadAddressTable(path string) ([]AddressTableLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open address table %q", path)
	}
	defer func() { _ = f.Close() }()
	var lines []AddressTableLine
	scanner := bufio.NewScanner(f)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		parts := strings.Split(text, ";")
		if len(parts) != 3 || parts[2] != "" {
			return nil, errors.Errorf("address table %q line %d: malformed %q", path, lineNum, text)
		}
		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "address table %q line %d: invalid id", path, lineNum)
		}
		size, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "address table %q line %d: invalid size", path, lineNum)
		}
		lines = append(lines, AddressTableLine{ID: id, Size: size})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read address table %q", path)
	}
	return lines, nil
}
