// Package elftest builds small in-memory ELF offload images, to be used in tests.
//
// The images are little-endian ELFCLASS64 shared objects with a single PT_LOAD segment covering the whole
// file, an entries section, an optional configuration section and a .rodata section with the strings.
// Entries marked Dynamic add .dynsym, .dynstr and .rela.dyn sections.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Entry of the generated entries section.
type Entry struct {
	Name  string
	Addr  uint64
	Size  uint64
	Flags int32

	// Dynamic stores the address as 0 and emits instead a .dynsym symbol with value Addr plus an R_X86_64_64
	// relocation in .rela.dyn, which is how linkers emit pointers to global functions.
	Dynamic bool
}

// Config of the generated configuration section.
type Config struct {
	EnvID       int32
	Module      string
	SubTargetID int32
}

// Image describes the image to generate.
type Image struct {
	// Machine defaults to elf.EM_X86_64.
	Machine elf.Machine

	// Bias is the virtual address where the image is linked: section addresses are file offsets plus Bias.
	Bias uint64

	Entries []Entry

	// NoEntriesSection omits the entries section altogether.
	NoEntriesSection bool

	// EntriesPadding adds garbage bytes to the end of the entries section, to make it malformed.
	EntriesPadding int

	// Config, if not nil, generates a configuration section.
	Config *Config
}

const (
	ehdrSize = 64
	phdrSize = 56
	shdrSize = 64
)

type section struct {
	name  string
	typ   elf.SectionType
	flags elf.SectionFlag
	data  []byte

	link    uint32
	entSize uint64

	nameOff uint32
	offset  uint64
}

const (
	symSize  = 24
	relaSize = 24
)

func align(buf *bytes.Buffer, n int) {
	for buf.Len()%n != 0 {
		buf.WriteByte(0)
	}
}

// Bytes generates the image.
func (img Image) Bytes() []byte {
	le := binary.LittleEndian
	machine := img.Machine
	if machine == elf.EM_NONE {
		machine = elf.EM_X86_64
	}

	// Strings go to .rodata, which starts right after the headers.
	rodataOff := uint64(ehdrSize + phdrSize)
	var rodata bytes.Buffer
	rodata.WriteByte(0)
	addString := func(s string) uint64 {
		ptr := img.Bias + rodataOff + uint64(rodata.Len())
		rodata.WriteString(s)
		rodata.WriteByte(0)
		return ptr
	}

	// Dynamic symbols, the first one is the null symbol.
	var dynstr, dynsym bytes.Buffer
	dynstr.WriteByte(0)
	dynsym.Write(make([]byte, symSize))
	type reloc struct {
		offset   uint64 // Within the entries section.
		symIndex uint64
	}
	var relocs []reloc

	var entries bytes.Buffer
	for _, e := range img.Entries {
		namePtr := addString(e.Name)
		addr := e.Addr
		if e.Dynamic {
			relocs = append(relocs, reloc{offset: uint64(entries.Len()), symIndex: uint64(dynsym.Len() / symSize)})
			_ = binary.Write(&dynsym, le, uint32(dynstr.Len()))
			dynstr.WriteString(e.Name)
			dynstr.WriteByte(0)
			dynsym.WriteByte(byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_FUNC))
			dynsym.WriteByte(0)
			_ = binary.Write(&dynsym, le, uint16(1)) // Defined, in .rodata.
			_ = binary.Write(&dynsym, le, e.Addr)
			_ = binary.Write(&dynsym, le, uint64(0))
			addr = 0
		}
		_ = binary.Write(&entries, le, addr)
		_ = binary.Write(&entries, le, namePtr)
		_ = binary.Write(&entries, le, e.Size)
		_ = binary.Write(&entries, le, e.Flags)
		_ = binary.Write(&entries, le, int32(0))
	}
	entries.Write(make([]byte, img.EntriesPadding))

	var config bytes.Buffer
	if img.Config != nil {
		var modulePtr uint64
		if img.Config.Module != "" {
			modulePtr = addString(img.Config.Module)
		}
		_ = binary.Write(&config, le, img.Config.EnvID)
		_ = binary.Write(&config, le, int32(0))
		_ = binary.Write(&config, le, modulePtr)
		_ = binary.Write(&config, le, img.Config.SubTargetID)
		_ = binary.Write(&config, le, int32(0))
	}

	sections := []*section{
		{name: ".rodata", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC, data: rodata.Bytes()},
	}
	var entriesSection, relaSection *section
	if !img.NoEntriesSection {
		entriesSection = &section{name: EntriesSectionName, typ: elf.SHT_PROGBITS,
			flags: elf.SHF_ALLOC | elf.SHF_WRITE, data: entries.Bytes()}
		sections = append(sections, entriesSection)
	}
	if len(relocs) > 0 && entriesSection != nil {
		// Section indices count the null section.
		dynstrIndex := uint32(len(sections) + 1)
		sections = append(sections,
			&section{name: ".dynstr", typ: elf.SHT_STRTAB, flags: elf.SHF_ALLOC, data: dynstr.Bytes()},
			&section{name: ".dynsym", typ: elf.SHT_DYNSYM, flags: elf.SHF_ALLOC, data: dynsym.Bytes(),
				link: dynstrIndex, entSize: symSize})
		// Filled in once the entries section offset is known.
		relaSection = &section{name: ".rela.dyn", typ: elf.SHT_RELA, flags: elf.SHF_ALLOC,
			data: make([]byte, relaSize*len(relocs)), link: dynstrIndex + 1, entSize: relaSize}
		sections = append(sections, relaSection)
	}
	if img.Config != nil {
		sections = append(sections, &section{name: ConfigurationSectionName, typ: elf.SHT_PROGBITS,
			flags: elf.SHF_ALLOC, data: config.Bytes()})
	}
	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	shstrSection := &section{name: ".shstrtab", typ: elf.SHT_STRTAB}
	sections = append(sections, shstrSection)
	for _, s := range sections {
		s.nameOff = uint32(shstrtab.Len())
		shstrtab.WriteString(s.name)
		shstrtab.WriteByte(0)
	}
	shstrSection.data = shstrtab.Bytes()

	// Body: sections data, after the ELF and program headers.
	var body bytes.Buffer
	body.Write(make([]byte, ehdrSize+phdrSize))
	for _, s := range sections {
		align(&body, 8)
		s.offset = uint64(body.Len())
		body.Write(s.data)
	}
	align(&body, 8)
	shoff := uint64(body.Len())
	numSections := len(sections) + 1 // Plus the null section.

	// Section headers.
	var shdrs bytes.Buffer
	shdrs.Write(make([]byte, shdrSize))
	for _, s := range sections {
		var addr uint64
		if s.flags&elf.SHF_ALLOC != 0 {
			addr = img.Bias + s.offset
		}
		_ = binary.Write(&shdrs, le, s.nameOff)
		_ = binary.Write(&shdrs, le, uint32(s.typ))
		_ = binary.Write(&shdrs, le, uint64(s.flags))
		_ = binary.Write(&shdrs, le, addr)
		_ = binary.Write(&shdrs, le, s.offset)
		_ = binary.Write(&shdrs, le, uint64(len(s.data)))
		_ = binary.Write(&shdrs, le, s.link)
		_ = binary.Write(&shdrs, le, uint32(0)) // info
		_ = binary.Write(&shdrs, le, uint64(1)) // addralign
		_ = binary.Write(&shdrs, le, s.entSize)
	}
	totalSize := shoff + uint64(shdrs.Len())

	// ELF header.
	var hdr bytes.Buffer
	hdr.Write([]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)})
	hdr.Write(make([]byte, 16-hdr.Len()))
	_ = binary.Write(&hdr, le, uint16(elf.ET_DYN))
	_ = binary.Write(&hdr, le, uint16(machine))
	_ = binary.Write(&hdr, le, uint32(elf.EV_CURRENT))
	_ = binary.Write(&hdr, le, uint64(0))        // entry
	_ = binary.Write(&hdr, le, uint64(ehdrSize)) // phoff
	_ = binary.Write(&hdr, le, shoff)
	_ = binary.Write(&hdr, le, uint32(0)) // flags
	_ = binary.Write(&hdr, le, uint16(ehdrSize))
	_ = binary.Write(&hdr, le, uint16(phdrSize))
	_ = binary.Write(&hdr, le, uint16(1))
	_ = binary.Write(&hdr, le, uint16(shdrSize))
	_ = binary.Write(&hdr, le, uint16(numSections))
	_ = binary.Write(&hdr, le, uint16(numSections-1)) // .shstrtab is the last.

	// Program header: one PT_LOAD with the whole file.
	_ = binary.Write(&hdr, le, uint32(elf.PT_LOAD))
	_ = binary.Write(&hdr, le, uint32(elf.PF_R|elf.PF_X))
	_ = binary.Write(&hdr, le, uint64(0))
	_ = binary.Write(&hdr, le, img.Bias)
	_ = binary.Write(&hdr, le, img.Bias)
	_ = binary.Write(&hdr, le, totalSize)
	_ = binary.Write(&hdr, le, totalSize)
	_ = binary.Write(&hdr, le, uint64(0x1000))

	out := body.Bytes()
	copy(out, hdr.Bytes())
	if relaSection != nil && entriesSection != nil {
		var rela bytes.Buffer
		for _, r := range relocs {
			_ = binary.Write(&rela, le, img.Bias+entriesSection.offset+r.offset)
			_ = binary.Write(&rela, le, r.symIndex<<32|uint64(elf.R_X86_64_64))
			_ = binary.Write(&rela, le, int64(0))
		}
		copy(out[relaSection.offset:], rela.Bytes())
	}
	return append(out, shdrs.Bytes()...)
}

// Names of the sections, duplicated here to avoid a dependency cycle with the offload package tests.
const (
	EntriesSectionName       = ".omp_offloading.entries"
	ConfigurationSectionName = ".omp_offloading.configuration"
)
