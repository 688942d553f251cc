package offload

import (
	"debug/elf"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Module is an image opened by a ModuleOpener. The module owns the rebasing of the image addresses.
type Module interface {
	// Path of the opened file, or a description of the module.
	Path() string

	// Resolve returns the runtime address of the given link-time (image) address.
	Resolve(linkAddress uint64) (uintptr, error)

	// Lookup returns the runtime address of a named symbol, if the module supports it.
	Lookup(symbol string) (uintptr, error)

	// Close unloads the module.
	Close() error
}

// MappedModule is a Module whose image is mapped in the process memory, as with dlopen. The loader has
// applied the image relocations to that copy.
type MappedModule interface {
	Module

	// ReadMemory copies n bytes of the loaded image, starting at the runtime address of linkAddress.
	ReadMemory(linkAddress uint64, n int) ([]byte, error)
}

// ModuleOpener opens staged image files. The process loader (dlopen) is the typical implementation.
type ModuleOpener interface {
	Open(path string) (Module, error)
}

// Rebase returns base + (linkAddress - linkBase), the runtime address of linkAddress when the image
// linked at linkBase is loaded at base.
func Rebase(base uintptr, linkBase, linkAddress uint64) (uintptr, error) {
	if linkAddress < linkBase {
		return 0, errors.Errorf("address 0x%x is below the image link base 0x%x", linkAddress, linkBase)
	}
	return base + uintptr(linkAddress-linkBase), nil
}

// RebasedModule is a Module whose image was placed at Base, without any process loader involved.
// It is used by backends that load images through a side channel (remote devices) and in tests.
type RebasedModule struct {
	Name     string
	Base     uintptr
	LinkBase uint64
}

var _ Module = (*RebasedModule)(nil)

// Path implements Module.
func (m *RebasedModule) Path() string { return m.Name }

// Resolve implements Module.
func (m *RebasedModule) Resolve(linkAddress uint64) (uintptr, error) {
	return Rebase(m.Base, m.LinkBase, linkAddress)
}

// Lookup implements Module: symbols are not available.
func (m *RebasedModule) Lookup(symbol string) (uintptr, error) {
	return 0, errors.Errorf("module %q has no symbol table, can't lookup %q", m.Name, symbol)
}

// Close implements Module.
func (m *RebasedModule) Close() error { return nil }

// ResolveEntries returns the entries with their runtime addresses in module.
// An entry that can't be resolved, that resolves to nil, or whose symbol is somewhere else, is a LoadFailure.
func ResolveEntries(module Module, entries []OffloadEntry) ([]OffloadEntry, error) {
	resolved := make([]OffloadEntry, 0, len(entries))
	for _, e := range entries {
		addr, err := module.Resolve(uint64(e.Address))
		if err != nil {
			return nil, wrapError(err, LoadFailure, NoSlot, "load_binary", "failed to resolve entry %s in %q", e, module.Path())
		}
		if err = checkEntryAddress(module, e, addr); err != nil {
			return nil, err
		}
		e.Address = addr
		resolved = append(resolved, e)
	}
	return resolved, nil
}

// MappedEntries returns the entries with the runtime addresses read from the entries table loaded in
// module memory, the same table the process loader relocated.
func MappedEntries(module MappedModule, parsed *ParsedImage) ([]OffloadEntry, error) {
	ptrSize := 8
	if parsed.Class == elf.ELFCLASS32 {
		ptrSize = 4
	}
	stride := 3*ptrSize + 8
	data, err := module.ReadMemory(parsed.EntriesAddr, stride*len(parsed.Entries))
	if err != nil {
		return nil, wrapError(err, LoadFailure, NoSlot, "load_binary", "failed to read the loaded entries table of %q", module.Path())
	}
	if len(data) != stride*len(parsed.Entries) {
		return nil, newError(LoadFailure, NoSlot, "load_binary", "read %d bytes of the loaded entries table of %q, wanted %d",
			len(data), module.Path(), stride*len(parsed.Entries))
	}
	resolved := make([]OffloadEntry, 0, len(parsed.Entries))
	for ii, e := range parsed.Entries {
		record := data[ii*stride:]
		var addr uintptr
		if ptrSize == 4 {
			addr = uintptr(parsed.ByteOrder.Uint32(record))
		} else {
			addr = uintptr(parsed.ByteOrder.Uint64(record))
		}
		if err = checkEntryAddress(module, e, addr); err != nil {
			return nil, err
		}
		e.Address = addr
		resolved = append(resolved, e)
	}
	return resolved, nil
}

func checkEntryAddress(module Module, e OffloadEntry, addr uintptr) error {
	if addr == 0 {
		return newError(LoadFailure, NoSlot, "load_binary", "entry %s resolved to a nil address in %q", e, module.Path())
	}
	if symAddr, err := module.Lookup(e.Name); err == nil && symAddr != 0 && symAddr != addr {
		return newError(LoadFailure, NoSlot, "load_binary", "entry %q resolved to 0x%x, but its symbol is at 0x%x in %q",
			e.Name, addr, symAddr, module.Path())
	}
	return nil
}

// SideChannelTable creates the table of an image that is not loaded in this process, with its entries
// rebased on the synthetic (non-nil) base.
func SideChannelTable(parsed *ParsedImage, base uintptr) (*OffloadTable, error) {
	if base == 0 {
		return nil, errors.New("side channel tables require a non-nil base")
	}
	entries, err := ResolveEntries(&RebasedModule{Name: "side-channel", Base: base, LinkBase: parsed.LinkBase}, parsed.Entries)
	if err != nil {
		return nil, err
	}
	return NewOffloadTable(entries), nil
}

// Loader stages images into files and opens them with a ModuleOpener, producing OffloadTables with
// the entries resolved to runtime addresses.
//
// It keeps the modules open until Close. It is safe for concurrent use.
type Loader struct {
	opener  ModuleOpener
	staging *StagingArea

	mu      sync.Mutex
	modules []loadedModule
}

type loadedModule struct {
	module Module
	path   string
}

// NewLoader creates a Loader that stages images in staging and takes ownership of it.
func NewLoader(opener ModuleOpener, staging *StagingArea) *Loader {
	return &Loader{opener: opener, staging: staging}
}

// Load stages and opens image, and returns its resolved table.
// If parsed is nil, image is parsed first.
func (l *Loader) Load(image []byte, parsed *ParsedImage) (*OffloadTable, error) {
	var err error
	if parsed == nil {
		parsed, err = ParseImage(image)
		if err != nil {
			return nil, err
		}
	}
	path, err := l.staging.Stage(image, ".so")
	if err != nil {
		return nil, wrapError(err, LoadFailure, NoSlot, "load_binary", "failed to stage image")
	}
	module, err := l.opener.Open(path)
	if err != nil {
		l.staging.Release(path)
		return nil, wrapError(err, LoadFailure, NoSlot, "load_binary", "failed to open image")
	}
	var entries []OffloadEntry
	if mapped, ok := module.(MappedModule); ok && parsed.EntriesMapped && len(parsed.Entries) > 0 {
		entries, err = MappedEntries(mapped, parsed)
	} else {
		entries, err = ResolveEntries(module, parsed.Entries)
	}
	if err != nil {
		if closeErr := module.Close(); closeErr != nil {
			klog.Errorf("failed to close module %q: %+v", path, closeErr)
		}
		l.staging.Release(path)
		return nil, err
	}
	klog.V(1).Infof("loaded image %q with %d entries", path, len(entries))

	l.mu.Lock()
	defer l.mu.Unlock()
	l.modules = append(l.modules, loadedModule{module: module, path: path})
	return NewOffloadTable(entries), nil
}

// NumModules returns the number of modules currently open.
func (l *Loader) NumModules() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.modules)
}

// Close closes all modules, in reverse loading order, and removes the staged files.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for ii := len(l.modules) - 1; ii >= 0; ii-- {
		m := l.modules[ii]
		if err := m.module.Close(); err != nil {
			klog.Errorf("failed to close module %q: %+v", m.path, err)
			if firstErr == nil {
				firstErr = err
			}
		}
		l.staging.Release(m.path)
	}
	l.modules = nil
	if err := l.staging.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
