package offload

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

const (
	// EntriesSectionName is the ELF section holding the table of offload entries.
	EntriesSectionName = ".omp_offloading.entries"

	// ConfigurationSectionName is the optional ELF section holding the image Configuration.
	ConfigurationSectionName = ".omp_offloading.configuration"
)

// Configuration is the optional per-image record describing which environment and hardware
// module (e.g. an FPGA bitstream) the image targets.
type Configuration struct {
	EnvID       int32
	Module      string
	SubTargetID int32
}

// ParsedImage is the result of parsing an offload image. It doesn't reference the image bytes.
type ParsedImage struct {
	Class     elf.Class
	Type      elf.Type
	Machine   elf.Machine
	ByteOrder binary.ByteOrder

	// LinkBase is the lowest virtual address of the loadable segments, 0 if there are none.
	LinkBase uint64

	// EntriesAddr is the virtual address the entries section was linked at.
	EntriesAddr uint64

	// EntriesMapped is set when the entries section is part of the loaded image (SHF_ALLOC with contents), so
	// the loader's relocated copy of the table can be read at EntriesAddr plus the load bias.
	EntriesMapped bool

	// Entries with their link-time addresses, in image order.
	Entries []OffloadEntry

	// Configuration is nil if the image has no configuration section.
	Configuration *Configuration
}

// imageReader holds the state of parsing one image.
type imageReader struct {
	image   []byte
	f       *elf.File
	ptrSize int
}

// ParseImage parses the ELF offload image: it extracts the entries table and the optional configuration record.
//
// Errors are of kind InvalidFormat (not an ELF or malformed section) or SectionNotFound (no entries section).
// Everything returned is a copy: image can be released after the call.
func ParseImage(image []byte) (*ParsedImage, error) {
	r, err := newImageReader(image)
	if err != nil {
		return nil, err
	}
	parsed := &ParsedImage{
		Class:     r.f.Class,
		Type:      r.f.Type,
		Machine:   r.f.Machine,
		ByteOrder: r.f.ByteOrder,
		LinkBase:  linkBase(r.f),
	}

	section := r.f.Section(EntriesSectionName)
	if section == nil {
		return nil, newError(SectionNotFound, NoSlot, "parse_image", "section %q not found in image", EntriesSectionName)
	}
	parsed.EntriesAddr = section.Addr
	parsed.EntriesMapped = section.Flags&elf.SHF_ALLOC != 0 && section.Type != elf.SHT_NOBITS && section.Addr != 0
	if section.Type != elf.SHT_NOBITS {
		parsed.Entries, err = r.entries(section)
		if err != nil {
			return nil, err
		}
	}

	parsed.Configuration, err = r.configuration()
	if err != nil {
		return nil, err
	}
	return parsed, nil
}

func newImageReader(image []byte) (*imageReader, error) {
	if len(image) < 4 || !bytes.Equal(image[:4], []byte(elf.ELFMAG)) {
		return nil, newError(InvalidFormat, NoSlot, "parse_image", "image is not an ELF file (%d bytes)", len(image))
	}
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, wrapError(err, InvalidFormat, NoSlot, "parse_image", "malformed ELF image")
	}
	r := &imageReader{image: image, f: f, ptrSize: 8}
	if f.Class == elf.ELFCLASS32 {
		r.ptrSize = 4
	}
	return r, nil
}

func linkBase(f *elf.File) uint64 {
	var base uint64
	found := false
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if !found || prog.Vaddr < base {
			base = prog.Vaddr
			found = true
		}
	}
	return base
}

// entryStride is the size of one __tgt_offload_entry record: {addr, name, size, int32 flags, int32 reserved}.
func (r *imageReader) entryStride() int {
	return 3*r.ptrSize + 8
}

func (r *imageReader) pointer(data []byte) uint64 {
	if r.ptrSize == 4 {
		return uint64(r.f.ByteOrder.Uint32(data))
	}
	return r.f.ByteOrder.Uint64(data)
}

func (r *imageReader) putPointer(data []byte, value uint64) {
	if r.ptrSize == 4 {
		r.f.ByteOrder.PutUint32(data, uint32(value))
		return
	}
	r.f.ByteOrder.PutUint64(data, value)
}

// sectionData returns a copy of the section contents with the image's dynamic relocations applied, as the
// dynamic loader would with a zero bias. Pointers to global symbols are stored as 0 in the file and only
// filled in through relocations.
func (r *imageReader) sectionData(section *elf.Section) ([]byte, error) {
	data, err := section.Data()
	if err != nil {
		return nil, wrapError(err, InvalidFormat, NoSlot, "parse_image", "reading section %q", section.Name)
	}
	if err = r.relocate(section, data); err != nil {
		return nil, errors.WithMessagef(err, "relocating section %q", section.Name)
	}
	return data, nil
}

// relocate applies the dynamic (allocated) SHT_RELA and SHT_REL relocations that target section.
// Relocations without a symbol (RELATIVE) resolve to the addend, the others to the symbol value plus
// the addend. Relocations against undefined symbols are left alone.
func (r *imageReader) relocate(section *elf.Section, data []byte) error {
	if r.f.Type != elf.ET_DYN && r.f.Type != elf.ET_EXEC {
		return nil
	}
	var symbols []elf.Symbol
	symbolsRead := false
	start, end := section.Addr, section.Addr+uint64(len(data))
	for _, rs := range r.f.Sections {
		if (rs.Type != elf.SHT_RELA && rs.Type != elf.SHT_REL) || rs.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		withAddend := rs.Type == elf.SHT_RELA
		relSize := 2 * r.ptrSize
		if withAddend {
			relSize += r.ptrSize
		}
		relData, err := rs.Data()
		if err != nil {
			return wrapError(err, InvalidFormat, NoSlot, "parse_image", "reading section %q", rs.Name)
		}
		for off := 0; off+relSize <= len(relData); off += relSize {
			rel := relData[off : off+relSize]
			offset := r.pointer(rel)
			info := r.pointer(rel[r.ptrSize:])
			if offset < start || offset+uint64(r.ptrSize) > end {
				continue
			}
			pos := offset - start
			var addend uint64
			if withAddend {
				addend = r.pointer(rel[2*r.ptrSize:])
			} else {
				addend = r.pointer(data[pos:])
			}
			symIndex := info >> 32
			if r.ptrSize == 4 {
				symIndex = info >> 8
			}
			value := addend
			if symIndex != 0 {
				if !symbolsRead {
					symbols, err = r.f.DynamicSymbols()
					if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
						return wrapError(err, InvalidFormat, NoSlot, "parse_image", "reading dynamic symbols")
					}
					symbolsRead = true
				}
				// DynamicSymbols drops the null symbol at index 0.
				if symIndex > uint64(len(symbols)) {
					return newError(InvalidFormat, NoSlot, "parse_image",
						"relocation at 0x%x references symbol #%d, image has %d", offset, symIndex, len(symbols))
				}
				sym := symbols[symIndex-1]
				if sym.Section == elf.SHN_UNDEF {
					continue
				}
				value += sym.Value
			}
			r.putPointer(data[pos:], value)
		}
	}
	return nil
}

func (r *imageReader) entries(section *elf.Section) ([]OffloadEntry, error) {
	data, err := r.sectionData(section)
	if err != nil {
		return nil, err
	}
	stride := r.entryStride()
	if len(data)%stride != 0 {
		return nil, newError(InvalidFormat, NoSlot, "parse_image",
			"section %q has %d bytes, not a multiple of the entry size %d", section.Name, len(data), stride)
	}
	entries := make([]OffloadEntry, 0, len(data)/stride)
	for off := 0; off < len(data); off += stride {
		record := data[off : off+stride]
		addr := r.pointer(record)
		namePtr := r.pointer(record[r.ptrSize:])
		size := r.pointer(record[2*r.ptrSize:])
		flags := int32(r.f.ByteOrder.Uint32(record[3*r.ptrSize:]))
		name, err := r.cString(namePtr)
		if err != nil {
			return nil, errors.WithMessagef(err, "entry #%d of section %q", len(entries), section.Name)
		}
		entries = append(entries, OffloadEntry{Name: name, Address: uintptr(addr), Size: size, Flags: flags})
	}
	return entries, nil
}

func (r *imageReader) configuration() (*Configuration, error) {
	section := r.f.Section(ConfigurationSectionName)
	if section == nil || section.Type == elf.SHT_NOBITS {
		return nil, nil
	}
	data, err := r.sectionData(section)
	if err != nil {
		return nil, err
	}
	// {int32 env_id; char *module; int32 sub_target_id}, naturally aligned.
	moduleOff := r.ptrSize
	subTargetOff := 2 * r.ptrSize
	if len(data) < subTargetOff+4 {
		return nil, newError(InvalidFormat, NoSlot, "parse_image",
			"section %q has %d bytes, too short for a configuration record", section.Name, len(data))
	}
	cfg := &Configuration{
		EnvID:       int32(r.f.ByteOrder.Uint32(data)),
		SubTargetID: int32(r.f.ByteOrder.Uint32(data[subTargetOff:])),
	}
	if modulePtr := r.pointer(data[moduleOff:]); modulePtr != 0 {
		cfg.Module, err = r.cString(modulePtr)
		if err != nil {
			return nil, errors.WithMessagef(err, "module name of section %q", section.Name)
		}
	}
	return cfg, nil
}

// fileOffset maps an image-relative pointer to an offset in the image bytes.
// Addresses inside an allocated section are translated through it, others are taken as raw offsets.
func (r *imageReader) fileOffset(ptr uint64) uint64 {
	for _, s := range r.f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Type == elf.SHT_NOBITS || s.Size == 0 {
			continue
		}
		if ptr >= s.Addr && ptr < s.Addr+s.Size {
			return s.Offset + (ptr - s.Addr)
		}
	}
	return ptr
}

// cString copies the NUL-terminated string pointed by ptr.
func (r *imageReader) cString(ptr uint64) (string, error) {
	off := r.fileOffset(ptr)
	if off >= uint64(len(r.image)) {
		return "", newError(InvalidFormat, NoSlot, "parse_image",
			"string pointer 0x%x (offset %d) is out of the image (%d bytes)", ptr, off, len(r.image))
	}
	tail := r.image[off:]
	end := bytes.IndexByte(tail, 0)
	if end < 0 {
		return "", newError(InvalidFormat, NoSlot, "parse_image", "string at offset %d is not NUL-terminated", off)
	}
	return string(tail[:end]), nil
}

// ImageRequirements describe what a backend accepts. See CheckImage.
type ImageRequirements struct {
	// Machine required, elf.EM_NONE accepts any.
	Machine elf.Machine

	// EnvID, if not 0, must match the image Configuration.EnvID, when the image has one.
	EnvID int32
}

func (req ImageRequirements) String() string {
	return fmt.Sprintf("{machine=%s, env_id=%d}", req.Machine, req.EnvID)
}

// CheckImage verifies that image is an offload image compatible with req. It returns nil if it is.
// It has no side effects.
func CheckImage(image []byte, req ImageRequirements) error {
	r, err := newImageReader(image)
	if err != nil {
		return err
	}
	if req.Machine != elf.EM_NONE && r.f.Machine != req.Machine {
		return newError(InvalidFormat, NoSlot, "is_valid_binary", "image machine is %s, wanted %s", r.f.Machine, req.Machine)
	}
	if req.EnvID == 0 {
		return nil
	}
	cfg, err := r.configuration()
	if err != nil {
		return err
	}
	if cfg != nil && cfg.EnvID != req.EnvID {
		return newError(InvalidFormat, NoSlot, "is_valid_binary", "image env_id is %d, wanted %d", cfg.EnvID, req.EnvID)
	}
	return nil
}
