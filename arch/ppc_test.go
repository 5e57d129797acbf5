package arch

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/sliverarmory/prelink/dso"
	"github.com/sliverarmory/prelink/internal/elftest"
	"github.com/sliverarmory/prelink/layout"
)

func TestPPCPLTIndex(t *testing.T) {
	for _, k := range []uint64{0, 1, 8191, 8192, 8193, 10000} {
		if got := pltIndex(pltEntryStartWords(k)); got != k {
			t.Fatalf("pltIndex(pltEntryStartWords(%d)) = %d", k, got)
		}
	}
	if got := pltEntryStartWords(8194) - pltEntryStartWords(8193); got != 4 {
		t.Fatalf("unexpected long entry size: %d words", got)
	}
}

func TestPPCStubs(t *testing.T) {
	p := ppcPLT{addr: 0x30000000, data: 0x30001000, n: 10000}

	tests := []struct {
		name   string
		site   uint64
		target uint64
		idx    uint64
		want   []uint32
		long   bool
	}{
		{"relative", 0x30000048, 0x30000148, 0, []uint32{0x48000100}, false},
		{"backwards", 0x30000048, 0x30000008, 0, []uint32{0x4bffffc0}, false},
		{"absolute low", 0x30000048, 0x100, 0, []uint32{0x48000102}, false},
		{"absolute high", 0x30000048, 0xfffff000, 0, []uint32{0x4bfff002}, false},
		{"long", 0x30000060, 0x10000000, 3, []uint32{0x3960000c, 0x4bffff9c}, true},
	}
	for _, tt := range tests {
		words, long, err := p.stub(tt.site, tt.target, tt.idx)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if long != tt.long || len(words) != len(tt.want) {
			t.Fatalf("%s: unexpected stub: %#x long=%v", tt.name, words, long)
		}
		for i := range words {
			if words[i] != tt.want[i] {
				t.Fatalf("%s: word %d: got=%#x want=%#x", tt.name, i, words[i], tt.want[i])
			}
		}
	}

	site := p.addr + 4*pltEntryStartWords(8200)
	words, long, err := p.stub(site, 0x10000000, 8200)
	if err != nil {
		t.Fatalf("stub: %v", err)
	}
	if !long || len(words) != 3 {
		t.Fatalf("unexpected stub past the double size mark: %#x", words)
	}
	if words[0] != 0x3d600001 || words[1] != 0x396b8020 {
		t.Fatalf("unexpected index load: %#x %#x", words[0], words[1])
	}
	if words[2] != ppcB(int64(p.addr)-int64(site+8)) {
		t.Fatalf("unexpected branch back: %#x", words[2])
	}
}

func TestPPCHeader(t *testing.T) {
	got := ppcPLT{addr: 0x0e810000, data: 0x0e812345}.header()
	want := []uint32{0x3d6b0e81, 0x816b2345, 0x7d6903a6, 0x4e800420}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("header word %d: got=%#x want=%#x", i, got[i], want[i])
		}
	}

	// The low half is signed, so the high half rounds up.
	got = ppcPLT{data: 0x0e818000}.header()
	if got[0] != 0x3d6b0e82 || got[1] != 0x816b8000 {
		t.Fatalf("unexpected header for a negative low half: %#x %#x", got[0], got[1])
	}
}

type ppcFixture struct {
	plt, data   *elftest.Section
	near, far   uint32
	obj, tlsVar uint32
}

const ppcBase = 0x0e800000

func buildPPC(t *testing.T, secure bool) (*dso.Image, *ppcFixture) {
	t.Helper()
	b := elftest.New(elf.ELFCLASS32, binary.BigEndian, elf.EM_PPC, elf.ET_DYN)
	b.Base = ppcBase
	f := &ppcFixture{}
	const n = 2
	f.plt = b.Section(".plt", elf.SHT_PROGBITS, elf.SHF_EXECINSTR|elf.SHF_WRITE, 4*pltEntryStartWords(n)+4*n)
	f.data = b.Section(".data", elf.SHT_PROGBITS, elf.SHF_WRITE, 0x20)
	f.near = b.Symbol("near", 0, 0, elf.STT_FUNC, elf.STB_GLOBAL, elf.SHN_UNDEF)
	f.far = b.Symbol("far", 0, 0, elf.STT_FUNC, elf.STB_GLOBAL, elf.SHN_UNDEF)
	f.obj = b.Symbol("obj", 0, 4, elf.STT_OBJECT, elf.STB_GLOBAL, elf.SHN_UNDEF)
	f.tlsVar = b.Symbol("tvar", 0, 4, elf.STT_TLS, elf.STB_GLOBAL, elf.SHN_UNDEF)

	b.Dyn(elf.DT_PLTRELSZ, 12*n)
	if secure {
		b.Dyn(elf.DT_PPC_GOT, f.data.Addr)
	}
	b.Relocs(".rela.dyn", true,
		dso.Rela{Offset: f.data.Addr, Type: rPPCAddr32, Sym: f.obj, Addend: 4},
		dso.Rela{Offset: f.data.Addr + 4, Type: rPPCAddr16Ha, Sym: f.obj},
		dso.Rela{Offset: f.data.Addr + 6, Type: rPPCAddr16Lo, Sym: f.obj},
		dso.Rela{Offset: f.data.Addr + 8, Type: rPPCDTPRel32, Sym: f.tlsVar},
		dso.Rela{Offset: f.data.Addr + 12, Type: rPPCRelative, Addend: int64(f.data.Addr)},
	)
	b.Relocs(".rela.plt", true,
		dso.Rela{Offset: f.plt.Addr + 4*pltEntryStartWords(0), Type: rPPCJmpSlot, Sym: f.near},
		dso.Rela{Offset: f.plt.Addr + 4*pltEntryStartWords(1), Type: rPPCJmpSlot, Sym: f.far},
	)
	return mustImage(t, b), f
}

func ppcResolver(f *ppcFixture) resolver {
	return resolver{
		f.near:   {Value: ppcBase + 0x20000, Found: true},
		f.far:    {Value: 0x04000000, Found: true},
		f.obj:    {Value: 0x12348000, Found: true},
		f.tlsVar: {Value: 0x10, Found: true},
	}
}

func TestPPCPrelinkUndo(t *testing.T) {
	img, f := buildPPC(t, false)
	a := mustArch(t, img)
	orig := snapshot(img)

	if err := Prelink(&Context{Image: img, Resolver: ppcResolver(f)}, a); err != nil {
		t.Fatalf("Prelink: %v", err)
	}

	cur := pltGeometry(img, img.SectionByName(".plt"))
	if cur.n != 2 || cur.data != f.plt.Addr+4*22 {
		t.Fatalf("unexpected PLT geometry: %+v", cur)
	}
	site0 := f.plt.Addr + 4*18
	site1 := f.plt.Addr + 4*20
	if got, want := img.Uint32(site0), ppcB(int64(ppcBase+0x20000)-int64(site0)); got != want {
		t.Fatalf("near stub: got=%#x want=%#x", got, want)
	}
	if got, want := img.Uint32(site1), ppcLI(11, 4); got != want {
		t.Fatalf("far stub: got=%#x want=%#x", got, want)
	}
	if got, want := img.Uint32(site1+4), ppcB(int64(f.plt.Addr)-int64(site1+4)); got != want {
		t.Fatalf("far stub branch: got=%#x want=%#x", got, want)
	}
	if got := img.Uint32(cur.data + 4); got != 0x04000000 {
		t.Fatalf("data table: got=%#x", got)
	}
	for i, w := range cur.header() {
		if got := img.Uint32(f.plt.Addr + 4*uint64(i)); got != w {
			t.Fatalf("header word %d: got=%#x want=%#x", i, got, w)
		}
	}

	fields := []struct {
		name string
		addr uint64
		size int
		want uint64
	}{
		{"ADDR32", f.data.Addr, 4, 0x12348004},
		{"ADDR16_HA", f.data.Addr + 4, 2, 0x1235},
		{"ADDR16_LO", f.data.Addr + 6, 2, 0x8000},
		{"DTPREL32", f.data.Addr + 8, 4, 0xffff8010},
	}
	for _, c := range fields {
		if got := readField(img, c.addr, c.size); got != c.want {
			t.Fatalf("%s: got=%#x want=%#x", c.name, got, c.want)
		}
	}

	if err := Undo(img, a); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	requireSame(t, img, orig)
}

func TestPPCAdjustRewritesPLT(t *testing.T) {
	img, f := buildPPC(t, false)
	a := mustArch(t, img)
	if err := Prelink(&Context{Image: img, Resolver: ppcResolver(f)}, a); err != nil {
		t.Fatalf("Prelink: %v", err)
	}
	before := pltGeometry(img, img.SectionByName(".plt"))

	const delta = 0x10000
	if err := Adjust(img, a, ppcBase, delta); err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	after := pltGeometry(img, img.SectionByName(".plt"))
	if after.addr != before.addr+delta || after.data != before.data+delta {
		t.Fatalf("PLT not moved: before=%+v after=%+v", before, after)
	}
	for i, w := range after.header() {
		if got := img.Uint32(after.addr + 4*uint64(i)); got != w {
			t.Fatalf("header word %d not rewritten: got=%#x want=%#x", i, got, w)
		}
	}

	p := a.(*ppc)
	site0 := after.addr + 4*18
	site1 := after.addr + 4*20
	if got, ok := p.stubTarget(img, after, site0); !ok || got != ppcBase+0x20000+delta {
		t.Fatalf("near target: got=%#x ok=%v", got, ok)
	}
	if got, ok := p.stubTarget(img, after, site1); !ok || got != 0x04000000 {
		t.Fatalf("far target: got=%#x ok=%v", got, ok)
	}
}

func TestPPCSecurePLT(t *testing.T) {
	img, f := buildPPC(t, true)
	a := mustArch(t, img)
	err := Prelink(&Context{Image: img, Resolver: ppcResolver(f)}, a)
	if !errors.Is(err, ErrUnsupportedReloc) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPPCConflicts(t *testing.T) {
	img, f := buildPPC(t, false)
	a := mustArch(t, img)
	ctx := &Context{
		Image:    img,
		Resolver: ppcResolver(f),
		Oracle: &oracle{
			syms: map[uint32]Symbol{f.obj: {Value: 0x20000000, Found: true}},
			tls:  &TLSModule{ModID: 2, Offset: 0x100},
		},
	}
	if err := Conflicts(ctx, a); err != nil {
		t.Fatalf("Conflicts: %v", err)
	}
	want := []Conflict{
		{Offset: f.data.Addr, Type: rPPCAddr32, Addend: 0x20000004},
		{Offset: f.data.Addr + 4, Type: rPPCAddr16Ha, Addend: 0x20000000},
		{Offset: f.data.Addr + 6, Type: rPPCAddr16Lo, Addend: 0x20000000},
		{Offset: f.data.Addr + 8, Type: rPPCAddr32, Addend: 0xffff8010},
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

func TestPPCRel24InLibrary(t *testing.T) {
	img, f := buildPPC(t, false)
	a := mustArch(t, img)
	r := dso.Rela{Offset: f.data.Addr + 16, Type: rPPCRel24, Sym: f.near}
	if _, err := a.PrelinkRela(&Context{Image: img, Resolver: ppcResolver(f)}, &r); !errors.Is(err, ErrMalformed) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPPCHighZoneLayout(t *testing.T) {
	a, err := Lookup(elf.ELFCLASS32, elf.EM_PPC)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	one := &layout.Entry{Filename: "/lib/libone.so", Class: elf.ELFCLASS32, Machine: elf.EM_PPC, Kind: layout.KindDyn, End: 0xc00000, Refs: 2}
	two := &layout.Entry{Filename: "/lib/libtwo.so", Class: elf.ELFCLASS32, Machine: elf.EM_PPC, Kind: layout.KindDyn, End: 0xc00000, Refs: 1}

	res, err := layout.Layout([]*layout.Entry{one, two}, a, layout.Config{})
	if err != nil {
		t.Fatalf("Layout: %v", err)
	}
	bases := map[uint64]bool{one.Base: true, two.Base: true}
	if !bases[0x0e800000] || !bases[ppcHighZone] {
		t.Fatalf("unexpected placement: %#x %#x", one.Base, two.Base)
	}
	if res.MmapEnd != ppcHighZoneEnd {
		t.Fatalf("unexpected window end: %#x", res.MmapEnd)
	}
}
