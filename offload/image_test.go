package offload

import (
	"debug/elf"
	"testing"

	"github.com/gomlx/omptarget/internal/elftest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func fooBarImage() elftest.Image {
	return elftest.Image{
		Entries: []elftest.Entry{
			{Name: "foo", Addr: 0x10, Size: 0},
			{Name: "bar", Addr: 0x20, Size: 8, Flags: 1},
		},
	}
}

func TestParseImage(t *testing.T) {
	image := fooBarImage().Bytes()
	parsed := capture(ParseImage(image)).Test(t)
	require.Equal(t, elf.EM_X86_64, parsed.Machine)
	require.Equal(t, elf.ELFCLASS64, parsed.Class)
	require.Equal(t, uint64(0), parsed.LinkBase)
	require.Nil(t, parsed.Configuration)
	require.Equal(t, []OffloadEntry{
		{Name: "foo", Address: 0x10},
		{Name: "bar", Address: 0x20, Size: 8, Flags: 1},
	}, parsed.Entries)

	// Results must not borrow from the image.
	for ii := range image {
		image[ii] = 0
	}
	require.Equal(t, "foo", parsed.Entries[0].Name)
	require.Equal(t, "bar", parsed.Entries[1].Name)
}

func TestParseImageLinkedAtBias(t *testing.T) {
	img := elftest.Image{
		Bias: 0x400000,
		Entries: []elftest.Entry{
			{Name: "kernel_a", Addr: 0x401000},
			{Name: "kernel_b", Addr: 0x401040},
			{Name: "kernel_c", Addr: 0x401080},
		},
		Config: &elftest.Config{EnvID: 9003, Module: "bitstream.gbs", SubTargetID: 2},
	}
	parsed := capture(ParseImage(img.Bytes())).Test(t)
	require.Equal(t, uint64(0x400000), parsed.LinkBase)
	require.Len(t, parsed.Entries, 3)
	require.Equal(t, "kernel_c", parsed.Entries[2].Name)
	require.Equal(t, uintptr(0x401080), parsed.Entries[2].Address)
	require.NotNil(t, parsed.Configuration)
	require.Equal(t, Configuration{EnvID: 9003, Module: "bitstream.gbs", SubTargetID: 2}, *parsed.Configuration)
}

func TestParseImageRelocatedEntries(t *testing.T) {
	// Pointers to global functions are 0 in the file, and filled in by relocations against their symbols.
	img := elftest.Image{
		Bias: 0x400000,
		Entries: []elftest.Entry{
			{Name: "kernel_a", Addr: 0x401000, Dynamic: true},
			{Name: "kernel_b", Addr: 0x401040},
			{Name: "kernel_c", Addr: 0x401080, Size: 4, Dynamic: true},
		},
	}
	parsed := capture(ParseImage(img.Bytes())).Test(t)
	require.True(t, parsed.EntriesMapped)
	require.Equal(t, []OffloadEntry{
		{Name: "kernel_a", Address: 0x401000},
		{Name: "kernel_b", Address: 0x401040},
		{Name: "kernel_c", Address: 0x401080, Size: 4},
	}, parsed.Entries)

	// Side channel tables see distinct entries, instead of all of them at the base.
	table := capture(SideChannelTable(parsed, 0x10000)).Test(t)
	require.Equal(t, uintptr(0x11000), table.Entry(0).Address)
	require.Equal(t, uintptr(0x11080), table.Entry(2).Address)
}

func TestParseImageEmptyTable(t *testing.T) {
	parsed := capture(ParseImage(elftest.Image{}.Bytes())).Test(t)
	require.Empty(t, parsed.Entries)
}

func TestParseImageErrors(t *testing.T) {
	_, err := ParseImage([]byte("definitely not an ELF file"))
	require.ErrorIs(t, err, ErrInvalidFormat)
	require.Equal(t, InvalidFormat, KindOf(err))

	_, err = ParseImage(nil)
	require.ErrorIs(t, err, ErrInvalidFormat)

	// Truncated headers.
	image := fooBarImage().Bytes()
	_, err = ParseImage(image[:40])
	require.ErrorIs(t, err, ErrInvalidFormat)

	img := fooBarImage()
	img.NoEntriesSection = true
	_, err = ParseImage(img.Bytes())
	require.ErrorIs(t, err, ErrSectionNotFound)
	require.ErrorContains(t, err, EntriesSectionName)

	img = fooBarImage()
	img.EntriesPadding = 3
	_, err = ParseImage(img.Bytes())
	require.ErrorIs(t, err, ErrInvalidFormat)
	require.False(t, errors.Is(err, ErrSectionNotFound))
}

func TestCheckImage(t *testing.T) {
	image := elftest.Image{
		Entries: []elftest.Entry{{Name: "foo", Addr: 0x10}},
		Config:  &elftest.Config{EnvID: 9001, Module: "loopback"},
	}.Bytes()
	require.NoError(t, CheckImage(image, ImageRequirements{}))
	require.NoError(t, CheckImage(image, ImageRequirements{Machine: elf.EM_X86_64}))
	require.NoError(t, CheckImage(image, ImageRequirements{Machine: elf.EM_X86_64, EnvID: 9001}))
	require.ErrorIs(t, CheckImage(image, ImageRequirements{Machine: elf.EM_AARCH64}), ErrInvalidFormat)
	require.ErrorIs(t, CheckImage(image, ImageRequirements{EnvID: 9003}), ErrInvalidFormat)
	require.ErrorIs(t, CheckImage([]byte{1, 2, 3}, ImageRequirements{}), ErrInvalidFormat)

	// Images without a configuration accept any EnvID.
	require.NoError(t, CheckImage(fooBarImage().Bytes(), ImageRequirements{EnvID: 9003}))

	// Idempotent.
	for range 3 {
		require.NoError(t, CheckImage(image, ImageRequirements{Machine: elf.EM_X86_64}))
	}
}
