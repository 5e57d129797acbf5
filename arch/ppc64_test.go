package arch

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/sliverarmory/prelink/dso"
	"github.com/sliverarmory/prelink/internal/elftest"
)

func buildPPC64(t *testing.T, flags uint32, pltType elf.SectionType) (*dso.Image, *elftest.Section, *elftest.Section, uint32) {
	t.Helper()
	b := elftest.New(elf.ELFCLASS64, binary.BigEndian, elf.EM_PPC64, elf.ET_DYN)
	b.Flags = flags
	plt := b.Section(".plt", pltType, elf.SHF_WRITE, 0x30)
	data := b.Section(".data", elf.SHT_PROGBITS, elf.SHF_WRITE, 0x20)
	fn := b.Symbol("printf", 0, 0, elf.STT_FUNC, elf.STB_GLOBAL, elf.SHN_UNDEF)
	b.Relocs(".rela.dyn", true,
		dso.Rela{Offset: data.Addr, Type: rPPC64Addr64, Sym: fn, Addend: 0x10},
		dso.Rela{Offset: data.Addr + 8, Type: rPPC64Addr16Ha, Sym: fn},
	)
	b.Relocs(".rela.plt", true, dso.Rela{Offset: plt.Addr, Type: rPPC64JmpSlot, Sym: fn})
	return mustImage(t, b), plt, data, fn
}

var printfDesc = dso.FuncDesc{Addr: 0x8001020300, Entry: 0x8001000100, TOC: 0x8001048000, Env: 0}

func TestPPC64DescriptorSlot(t *testing.T) {
	img, plt, data, fn := buildPPC64(t, 1, elf.SHT_PROGBITS)
	a := mustArch(t, img)
	orig := snapshot(img)
	desc := printfDesc
	res := resolver{fn: {Value: desc.Addr, Desc: &desc, Found: true}}

	if err := Prelink(&Context{Image: img, Resolver: res}, a); err != nil {
		t.Fatalf("Prelink: %v", err)
	}
	for i, want := range []uint64{desc.Entry, desc.TOC, desc.Env} {
		if got := img.Uint64(plt.Addr + 8*uint64(i)); got != want {
			t.Fatalf("slot word %d: got=%#x want=%#x", i, got, want)
		}
	}
	if got := img.Uint64(data.Addr); got != desc.Addr+0x10 {
		t.Fatalf("ADDR64: got=%#x", got)
	}
	if got := img.Uint16(data.Addr + 8); got != 0x0102 {
		t.Fatalf("ADDR16_HA: got=%#x", got)
	}

	buf, err := Apply(&Context{Image: img, Resolver: res}, a, section(t, img, ".rela.plt").Relocs[0], true)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := img.Bytes(plt.Addr, 24); string(got) != string(buf) {
		t.Fatalf("Apply and Prelink disagree: apply=%x prelink=%x", buf, got)
	}

	if err := Undo(img, a); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	requireSame(t, img, orig)
}

func TestPPC64MissingDescriptor(t *testing.T) {
	img, _, _, fn := buildPPC64(t, 1, elf.SHT_PROGBITS)
	a := mustArch(t, img)
	res := resolver{fn: {Value: 0x8001020300, Found: true}}
	if err := Prelink(&Context{Image: img, Resolver: res}, a); !errors.Is(err, ErrMalformed) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPPC64NoBitsPLT(t *testing.T) {
	img, _, _, fn := buildPPC64(t, 1, elf.SHT_NOBITS)
	a := mustArch(t, img)
	desc := printfDesc
	res := resolver{fn: {Value: desc.Addr, Desc: &desc, Found: true}}
	if err := Prelink(&Context{Image: img, Resolver: res}, a); !errors.Is(err, ErrMalformed) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPPC64ELFv2(t *testing.T) {
	img, plt, _, fn := buildPPC64(t, 2, elf.SHT_PROGBITS)
	a := mustArch(t, img)
	orig := snapshot(img)
	res := resolver{fn: {Value: 0x300, Found: true}}

	if err := Prelink(&Context{Image: img, Resolver: res}, a); err != nil {
		t.Fatalf("Prelink: %v", err)
	}
	if got := img.Uint64(plt.Addr); got != 0x300 {
		t.Fatalf("slot: got=%#x", got)
	}
	if got := img.Uint64(plt.Addr + 8); got != 0 {
		t.Fatalf("ELFv2 slot wrote a TOC word: %#x", got)
	}

	if err := Adjust(img, a, 0, 0x20000); err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	if got := img.Uint64(plt.Addr + 0x20000); got != 0x20300 {
		t.Fatalf("slot not moved: %#x", got)
	}
	if got := img.Uint64(plt.Addr + 0x20000 + 8); got != 0 {
		t.Fatalf("word after the ELFv2 slot touched: %#x", got)
	}

	if err := Undo(img, a); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if got := img.Uint64(plt.Addr + 0x20000); got != 0 {
		t.Fatalf("slot not cleared: %#x", got)
	}
	if len(orig) != len(img.Data()) {
		t.Fatalf("image size changed")
	}
}

func TestPPC64AdjustDescriptorSlot(t *testing.T) {
	img, plt, _, fn := buildPPC64(t, 1, elf.SHT_PROGBITS)
	a := mustArch(t, img)
	local := dso.FuncDesc{Entry: 0x100, TOC: 0x8000, Env: 0x7}
	res := resolver{fn: {Value: 0x200, Desc: &local, Found: true}}
	if err := Prelink(&Context{Image: img, Resolver: res}, a); err != nil {
		t.Fatalf("Prelink: %v", err)
	}

	if err := Adjust(img, a, 0, 0x10000); err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	at := plt.Addr + 0x10000
	for i, want := range []uint64{0x10100, 0x18000, 0x7} {
		if got := img.Uint64(at + 8*uint64(i)); got != want {
			t.Fatalf("slot word %d: got=%#x want=%#x", i, got, want)
		}
	}
}
