package arch

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/sliverarmory/prelink/dso"
	"github.com/sliverarmory/prelink/internal/elftest"
)

type x86Fixture struct {
	plt, got, gotplt, data *elftest.Section
	puts, errno, local     uint32
}

func buildX86_64(t *testing.T, typ elf.Type) (*dso.Image, *x86Fixture) {
	t.Helper()
	b := elftest.New(elf.ELFCLASS64, binary.LittleEndian, elf.EM_X86_64, typ)
	f := &x86Fixture{}
	text := b.Section(".text", elf.SHT_PROGBITS, elf.SHF_EXECINSTR, 0x100)
	f.plt = b.Section(".plt", elf.SHT_PROGBITS, elf.SHF_EXECINSTR, 0x20)
	f.got = b.Section(".got", elf.SHT_PROGBITS, elf.SHF_WRITE, 0x10)
	f.gotplt = b.Section(".got.plt", elf.SHT_PROGBITS, elf.SHF_WRITE, 0x20)
	f.data = b.Section(".data", elf.SHT_PROGBITS, elf.SHF_WRITE, 0x40)
	f.puts = b.Symbol("puts", 0, 0, elf.STT_FUNC, elf.STB_GLOBAL, elf.SHN_UNDEF)
	f.errno = b.Symbol("errno", 0, 4, elf.STT_TLS, elf.STB_GLOBAL, elf.SHN_UNDEF)
	f.local = b.Symbol("table", text.Addr+0x40, 0x20, elf.STT_OBJECT, elf.STB_GLOBAL, elf.SectionIndex(text.Index))

	b.Put(f.gotplt.Addr, f.data.Addr+0x30)
	b.Put(f.gotplt.Addr+24, f.plt.Addr+16+6)
	b.Dyn(elf.DT_PLTGOT, f.gotplt.Addr)
	b.Relocs(".rela.dyn", true,
		dso.Rela{Offset: f.got.Addr, Type: rX86GlobDat, Sym: f.local},
		dso.Rela{Offset: f.data.Addr, Type: rX86_64, Sym: f.local},
		dso.Rela{Offset: f.data.Addr + 8, Type: rX86_64, Sym: f.local, Addend: 8},
		dso.Rela{Offset: f.data.Addr + 16, Type: rX86PC32, Sym: f.local, Addend: -4},
		dso.Rela{Offset: f.data.Addr + 20, Type: rX86_32, Sym: f.local},
		dso.Rela{Offset: f.data.Addr + 24, Type: rX86Relative, Addend: int64(text.Addr)},
		dso.Rela{Offset: f.got.Addr + 8, Type: rX86TPOff64, Sym: f.errno},
	)
	b.Relocs(".rela.plt", true, dso.Rela{Offset: f.gotplt.Addr + 24, Type: rX86JumpSlot, Sym: f.puts})
	return mustImage(t, b), f
}

func x86Resolver(img *dso.Image, f *x86Fixture) resolver {
	return resolver{
		f.puts:  {Value: 0x3000201000, Found: true},
		f.local: {Value: img.Symbols[f.local].Value, Found: true},
	}
}

func TestX86_64PrelinkUndo(t *testing.T) {
	img, f := buildX86_64(t, elf.ET_DYN)
	a := mustArch(t, img)
	orig := snapshot(img)
	table := img.Symbols[f.local].Value

	if err := Prelink(&Context{Image: img, Resolver: x86Resolver(img, f)}, a); err != nil {
		t.Fatalf("Prelink: %v", err)
	}
	checks := []struct {
		name string
		addr uint64
		size int
		want uint64
	}{
		{"GLOB_DAT", f.got.Addr, 8, table},
		{"64", f.data.Addr, 8, table},
		{"64+8", f.data.Addr + 8, 8, table + 8},
		{"PC32", f.data.Addr + 16, 4, uint64(uint32(table - 4 - (f.data.Addr + 16)))},
		{"32", f.data.Addr + 20, 4, table},
		{"TPOFF64", f.got.Addr + 8, 8, 0},
		{"JUMP_SLOT", f.gotplt.Addr + 24, 8, 0x3000201000},
		{"got[1]", f.gotplt.Addr + 8, 8, f.plt.Addr + 0x16},
	}
	for _, c := range checks {
		if got := readField(img, c.addr, c.size); got != c.want {
			t.Fatalf("%s: unexpected value: got=%#x want=%#x", c.name, got, c.want)
		}
	}
	rs := section(t, img, ".rela.dyn")
	if rs.Relocs[1].Type != rX86GlobDat || rs.Relocs[2].Type != rX86_64 {
		t.Fatalf("unexpected downgrade result: %s %s", a.TypeName(rs.Relocs[1].Type), a.TypeName(rs.Relocs[2].Type))
	}

	if err := Undo(img, a); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	requireSame(t, img, orig)
}

func TestX86_64RangeChecks(t *testing.T) {
	img, f := buildX86_64(t, elf.ET_DYN)
	a := mustArch(t, img)
	res := resolver{f.local: {Value: 0x3000000000, Found: true}}
	ctx := &Context{Image: img, Resolver: res}

	for _, r := range []dso.Rela{
		{Offset: f.data.Addr + 20, Type: rX86_32, Sym: f.local},
		{Offset: f.data.Addr + 16, Type: rX86PC32, Sym: f.local},
		{Offset: f.data.Addr + 16, Type: rX86_32S, Sym: f.local},
	} {
		if _, err := a.PrelinkRela(ctx, &r); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected overflow error, got %v", a.TypeName(r.Type), err)
		}
	}
}

func TestX86_64DTPModInExecutable(t *testing.T) {
	b := elftest.New(elf.ELFCLASS64, binary.LittleEndian, elf.EM_X86_64, elf.ET_EXEC)
	got := b.Section(".got", elf.SHT_PROGBITS, elf.SHF_WRITE, 0x10)
	b.Relocs(".rela.dyn", true, dso.Rela{Offset: got.Addr, Type: rX86DTPMod64})
	img := mustImage(t, b)
	a := mustArch(t, img)

	if err := Prelink(&Context{Image: img, Resolver: resolver{}}, a); !errors.Is(err, ErrMalformed) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestX86_64Conflicts(t *testing.T) {
	img, f := buildX86_64(t, elf.ET_DYN)
	a := mustArch(t, img)
	res := x86Resolver(img, f)
	res[f.errno] = Symbol{Value: 0x10, Found: true}

	ctx := &Context{
		Image:    img,
		Resolver: res,
		Oracle: &oracle{
			syms: map[uint32]Symbol{f.puts: {Value: 0x3000401000, Found: true}},
			tls:  &TLSModule{ModID: 3, Offset: 0x80},
		},
	}
	if err := Conflicts(ctx, a); err != nil {
		t.Fatalf("Conflicts: %v", err)
	}
	want := []Conflict{
		{Offset: f.got.Addr + 8, Type: rX86_64, Addend: 0x10 - 0x80},
		{Offset: f.gotplt.Addr + 24, Type: rX86_64, Addend: 0x3000401000},
	}
	if len(ctx.Conflicts) != len(want) {
		t.Fatalf("unexpected conflicts: got=%+v want=%+v", ctx.Conflicts, want)
	}
	for i := range want {
		if ctx.Conflicts[i] != want[i] {
			t.Fatalf("conflict %d: got=%+v want=%+v", i, ctx.Conflicts[i], want[i])
		}
	}
}

func TestX86_64ApplyMatchesPrelink(t *testing.T) {
	img, f := buildX86_64(t, elf.ET_DYN)
	a := mustArch(t, img)
	ctx := &Context{Image: img, Resolver: x86Resolver(img, f)}

	want := map[uint64][]byte{}
	for _, name := range []string{".rela.dyn", ".rela.plt"} {
		for _, r := range section(t, img, name).Relocs {
			switch r.Type {
			case rX86Relative, rX86TPOff64:
				continue
			}
			buf, err := Apply(ctx, a, r, true)
			if err != nil {
				t.Fatalf("Apply %s: %v", a.TypeName(r.Type), err)
			}
			want[r.Offset] = buf
		}
	}
	if err := Prelink(ctx, a); err != nil {
		t.Fatalf("Prelink: %v", err)
	}
	for off, buf := range want {
		got := img.Bytes(off, len(buf))
		for i := range buf {
			if got[i] != buf[i] {
				t.Fatalf("Apply and Prelink disagree at %#x: apply=%x prelink=%x", off, buf, got)
			}
		}
	}
}

func TestX86_64AdjustRelative(t *testing.T) {
	img, f := buildX86_64(t, elf.ET_DYN)
	a := mustArch(t, img)
	text := img.SectionByName(".text").Addr

	// Only the upper part of the object moves.
	start := f.got.Addr
	if err := Adjust(img, a, start, 0x10000); err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	rs := section(t, img, ".rela.dyn")
	rel := rs.Relocs[5]
	if rel.Offset != f.data.Addr+24+0x10000 {
		t.Fatalf("RELATIVE r_offset not moved: %#x", rel.Offset)
	}
	if uint64(rel.Addend) != text {
		t.Fatalf("addend below start moved: got=%#x want=%#x", rel.Addend, text)
	}
	if got := img.SectionByName(".text").Addr; got != text {
		t.Fatalf(".text moved: %#x", got)
	}
	if got := img.Uint64(f.gotplt.Addr + 0x10000); got != f.data.Addr+0x30+0x10000 {
		t.Fatalf("got[0] not moved: %#x", got)
	}
	if got := img.Uint64(f.gotplt.Addr + 0x10000 + 24); got != f.plt.Addr+16+6 {
		t.Fatalf("lazy slot pointing below start moved: %#x", got)
	}
}
