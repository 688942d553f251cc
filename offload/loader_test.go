package offload

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/omptarget/internal/elftest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fakeOpener "loads" staged images at a fixed base.
type fakeOpener struct {
	base    uintptr
	fail    bool
	opened  []string
	modules []*fakeModule
}

type fakeModule struct {
	RebasedModule
	closed bool
}

func (m *fakeModule) Close() error {
	m.closed = true
	return nil
}

func (o *fakeOpener) Open(path string) (Module, error) {
	if o.fail {
		return nil, errors.Errorf("failed to dlopen(%q): cannot open shared object file", path)
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	parsed, err := ParseImage(contents)
	if err != nil {
		return nil, err
	}
	o.opened = append(o.opened, path)
	m := &fakeModule{RebasedModule: RebasedModule{Name: path, Base: o.base, LinkBase: parsed.LinkBase}}
	o.modules = append(o.modules, m)
	return m, nil
}

func TestRebase(t *testing.T) {
	addr := capture(Rebase(0x1000, 0, 0x10)).Test(t)
	require.Equal(t, uintptr(0x1010), addr)
	addr = capture(Rebase(0x7f0000000000, 0x400000, 0x401234)).Test(t)
	require.Equal(t, uintptr(0x7f0000001234), addr)
	_, err := Rebase(0x1000, 0x400000, 0x10)
	require.Error(t, err)
}

func TestLoader(t *testing.T) {
	staging := capture(NewStagingArea(t.TempDir())).Test(t)
	opener := &fakeOpener{base: 0x1000}
	loader := NewLoader(opener, staging)

	image := fooBarImage().Bytes()
	table := capture(loader.Load(image, nil)).Test(t)
	require.Equal(t, []OffloadEntry{
		{Name: "foo", Address: 0x1010},
		{Name: "bar", Address: 0x1020, Size: 8, Flags: 1},
	}, table.Entries())
	require.Len(t, opener.opened, 1)
	require.Equal(t, staging.Dir(), filepath.Dir(opener.opened[0]))
	require.Equal(t, 1, loader.NumModules())
	require.Equal(t, 1, staging.Len())

	// Linked at a bias.
	biased := elftest.Image{Bias: 0x400000, Entries: []elftest.Entry{{Name: "k", Addr: 0x400100}}}
	table = capture(loader.Load(biased.Bytes(), nil)).Test(t)
	require.Equal(t, uintptr(0x1100), table.Entry(0).Address)

	// Open failures leave nothing behind.
	opener.fail = true
	_, err := loader.Load(image, nil)
	require.ErrorIs(t, err, ErrLoadFailure)
	require.ErrorContains(t, err, "cannot open shared object file")
	require.Equal(t, 2, staging.Len())

	// Invalid images are rejected before staging.
	_, err = loader.Load([]byte("not an image"), nil)
	require.ErrorIs(t, err, ErrInvalidFormat)
	require.Equal(t, 2, staging.Len())

	require.NoError(t, loader.Close())
	for _, m := range opener.modules {
		require.True(t, m.closed)
	}
	_, err = os.Stat(staging.Dir())
	require.True(t, os.IsNotExist(err), "staging directory should have been removed")
}

func TestResolveEntriesNilAddress(t *testing.T) {
	module := &RebasedModule{Name: "zero", Base: 0, LinkBase: 0}
	_, err := ResolveEntries(module, []OffloadEntry{{Name: "null_entry", Address: 0}})
	require.ErrorIs(t, err, ErrLoadFailure)

	_, err = SideChannelTable(&ParsedImage{}, 0)
	require.Error(t, err)
}

// mappedModule serves an entries table as relocated by a process loader.
type mappedModule struct {
	RebasedModule
	table   []byte
	symbols map[string]uintptr
	closed  bool
}

func (m *mappedModule) Lookup(symbol string) (uintptr, error) {
	if addr, found := m.symbols[symbol]; found {
		return addr, nil
	}
	return m.RebasedModule.Lookup(symbol)
}

func (m *mappedModule) ReadMemory(linkAddress uint64, n int) ([]byte, error) {
	if n > len(m.table) {
		return nil, errors.Errorf("read of %d bytes at 0x%x is out of the mapped image", n, linkAddress)
	}
	return m.table[:n], nil
}

func (m *mappedModule) Close() error {
	m.closed = true
	return nil
}

type mappedOpener struct {
	module *mappedModule
}

func (o *mappedOpener) Open(path string) (Module, error) {
	o.module.Name = path
	return o.module, nil
}

// loadedTable encodes an entries table with only the addresses filled in.
func loadedTable(addrs ...uint64) []byte {
	table := make([]byte, 32*len(addrs))
	for ii, addr := range addrs {
		binary.LittleEndian.PutUint64(table[32*ii:], addr)
	}
	return table
}

func TestLoaderMappedEntries(t *testing.T) {
	staging := capture(NewStagingArea(t.TempDir())).Test(t)
	module := &mappedModule{
		// Resolve would place all entries elsewhere: the loaded table takes precedence.
		RebasedModule: RebasedModule{Base: 0x1000},
		table:         loadedTable(0x7f0000001010, 0x7f0000001020),
		symbols:       map[string]uintptr{"foo": 0x7f0000001010},
	}
	loader := NewLoader(&mappedOpener{module: module}, staging)
	defer func() { require.NoError(t, loader.Close()) }()

	img := elftest.Image{Entries: []elftest.Entry{
		{Name: "foo", Addr: 0x10, Dynamic: true},
		{Name: "bar", Addr: 0x20, Size: 8, Flags: 1, Dynamic: true},
	}}
	table := capture(loader.Load(img.Bytes(), nil)).Test(t)
	require.Equal(t, []OffloadEntry{
		{Name: "foo", Address: 0x7f0000001010},
		{Name: "bar", Address: 0x7f0000001020, Size: 8, Flags: 1},
	}, table.Entries())
	require.True(t, table.Contains(0x7f0000001020))

	// A nil address in the loaded table is a load failure.
	module.table = loadedTable(0x7f0000001010, 0)
	module.closed = false
	_, err := loader.Load(img.Bytes(), nil)
	require.ErrorIs(t, err, ErrLoadFailure)
	require.ErrorContains(t, err, "nil address")
	require.True(t, module.closed)
	require.Equal(t, 1, staging.Len())

	// So is an entry whose symbol is somewhere else.
	module.table = loadedTable(0x7f0000001010, 0x7f0000001020)
	module.symbols["bar"] = 0x7f0000009999
	_, err = loader.Load(img.Bytes(), nil)
	require.ErrorIs(t, err, ErrLoadFailure)
	require.ErrorContains(t, err, "symbol is at")
	require.Equal(t, 1, staging.Len())

	// And a table that can't be read.
	module.table = nil
	_, err = loader.Load(img.Bytes(), nil)
	require.ErrorIs(t, err, ErrLoadFailure)
	require.Equal(t, 1, loader.NumModules())
}

func TestResolveEntriesSymbolMismatch(t *testing.T) {
	module := &mappedModule{
		RebasedModule: RebasedModule{Name: "mismatch", Base: 0x1000},
		symbols:       map[string]uintptr{"foo": 0x1010, "bar": 0x2000},
	}
	resolved := capture(ResolveEntries(module, []OffloadEntry{{Name: "foo", Address: 0x10}})).Test(t)
	require.Equal(t, uintptr(0x1010), resolved[0].Address)
	_, err := ResolveEntries(module, []OffloadEntry{{Name: "bar", Address: 0x20}})
	require.ErrorIs(t, err, ErrLoadFailure)
}

func TestStagingArea(t *testing.T) {
	staging := capture(NewStagingArea(t.TempDir())).Test(t)
	p1 := capture(staging.Stage([]byte("one"), ".so")).Test(t)
	p2 := capture(staging.Stage([]byte("two"), ".so")).Test(t)
	require.NotEqual(t, p1, p2)
	require.Equal(t, ".so", filepath.Ext(p1))
	contents := capture(os.ReadFile(p2)).Test(t)
	require.Equal(t, "two", string(contents))

	staging.Release(p1)
	_, err := os.Stat(p1)
	require.True(t, os.IsNotExist(err))
	staging.Release(p1) // No-op.
	require.Equal(t, 1, staging.Len())

	require.NoError(t, staging.Close())
	require.NoError(t, staging.Close())
	_, err = os.Stat(p2)
	require.True(t, os.IsNotExist(err))
	_, err = staging.Stage([]byte("three"), "")
	require.Error(t, err)
}
