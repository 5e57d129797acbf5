package dso_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sliverarmory/prelink/dso"
	"github.com/sliverarmory/prelink/internal/elftest"
)

type fixture struct {
	b                         *elftest.Builder
	text, data, tdata         *elftest.Section
	fn, undef, stub, tls, abs uint32
}

func newFixture() *fixture {
	b := elftest.New(elf.ELFCLASS64, binary.LittleEndian, elf.EM_X86_64, elf.ET_DYN)
	f := &fixture{b: b}
	f.text = b.Section(".text", elf.SHT_PROGBITS, elf.SHF_EXECINSTR, 0x100)
	f.data = b.Section(".data", elf.SHT_PROGBITS, elf.SHF_WRITE, 0x40)
	f.tdata = b.Section(".tdata", elf.SHT_PROGBITS, elf.SHF_WRITE, 0x10)
	b.TLS(f.tdata)
	b.Soname("libfixture.so.1")
	b.Needed("libc.so.6")
	f.fn = b.Symbol("fixture_fn", f.text.Addr+0x10, 0x20, elf.STT_FUNC, elf.STB_GLOBAL, elf.SectionIndex(f.text.Index))
	f.undef = b.Symbol("malloc", 0, 0, elf.STT_FUNC, elf.STB_GLOBAL, elf.SHN_UNDEF)
	f.stub = b.Symbol("free", f.text.Addr+0x80, 0, elf.STT_FUNC, elf.STB_GLOBAL, elf.SHN_UNDEF)
	f.tls = b.Symbol("fixture_tls", 0x8, 8, elf.STT_TLS, elf.STB_GLOBAL, elf.SectionIndex(f.tdata.Index))
	f.abs = b.Symbol("fixture_abs", 0x1234, 0, elf.STT_NOTYPE, elf.STB_GLOBAL, elf.SHN_ABS)
	b.Relocs(".rela.dyn", true,
		dso.Rela{Offset: f.data.Addr, Type: uint32(elf.R_X86_64_RELATIVE), Addend: int64(f.text.Addr)},
		dso.Rela{Offset: f.data.Addr + 8, Type: uint32(elf.R_X86_64_GLOB_DAT), Sym: f.undef},
	)
	return f
}

func (f *fixture) image(t *testing.T) *dso.Image {
	t.Helper()
	img, err := f.b.Image("libfixture.so")
	if err != nil {
		t.Fatalf("build image: %v", err)
	}
	return img
}

func TestNew(t *testing.T) {
	f := newFixture()
	img := f.image(t)

	if img.Soname != "libfixture.so.1" {
		t.Fatalf("unexpected soname: %q", img.Soname)
	}
	if len(img.Needed) != 1 || img.Needed[0] != "libc.so.6" {
		t.Fatalf("unexpected needed list: %v", img.Needed)
	}
	if len(img.Symbols) != 6 || img.Symbols[f.fn].Name != "fixture_fn" {
		t.Fatalf("unexpected symbols: %+v", img.Symbols)
	}
	if s := img.SectionByAddr(f.data.Addr + 4); s == nil || s.Name != ".data" {
		t.Fatalf("SectionByAddr(.data+4) = %+v", s)
	}
	if s := img.SectionByAddr(0x10); s != nil {
		t.Fatalf("SectionByAddr(0x10) = %s, want nil", s.Name)
	}
	if p, ok := img.TLS(); !ok || p.Vaddr != f.tdata.Addr {
		t.Fatalf("unexpected TLS segment: %+v ok=%v", p, ok)
	}
	base, end := img.Bounds()
	if base != 0 || end <= f.tdata.Addr {
		t.Fatalf("unexpected bounds: [%#x, %#x)", base, end)
	}

	if _, err := dso.New("empty", nil); err == nil {
		t.Fatalf("expected an error for an empty image")
	}
	if _, err := dso.New("junk", []byte("not an elf file")); err == nil {
		t.Fatalf("expected an error for a non-ELF image")
	}
}

func TestAccessorsOutOfBounds(t *testing.T) {
	f := newFixture()
	img := f.image(t)

	img.PutUint32(f.data.Addr+0x20, 0xdeadbeef)
	if got := img.Uint32(f.data.Addr + 0x20); got != 0xdeadbeef {
		t.Fatalf("unexpected round trip: %#x", got)
	}
	if err := img.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A word straddling the end of .data is out of bounds.
	_ = img.Uint64(f.data.Addr + 0x3c)
	if err := img.Err(); !errors.Is(err, dso.ErrOutOfBounds) {
		t.Fatalf("unexpected error: %v", err)
	}
	img.ClearErr()
	if err := img.Err(); err != nil {
		t.Fatalf("error not cleared: %v", err)
	}
}

func TestRelocSections(t *testing.T) {
	f := newFixture()
	img := f.image(t)

	secs, err := img.RelocSections()
	if err != nil {
		t.Fatalf("RelocSections: %v", err)
	}
	if len(secs) != 1 || secs[0].Name != ".rela.dyn" || !secs[0].Rela {
		t.Fatalf("unexpected sections: %+v", secs)
	}
	rs := secs[0]
	if len(rs.Relocs) != 2 || rs.Relocs[1].Sym != f.undef || rs.Relocs[0].Addend != int64(f.text.Addr) {
		t.Fatalf("unexpected records: %+v", rs.Relocs)
	}

	rs.Relocs[0].Addend += 0x1000
	rs.MarkDirty()
	if err := img.FlushRelocs(); err != nil {
		t.Fatalf("FlushRelocs: %v", err)
	}
	again, err := dso.New("reparsed", bytes.Clone(img.Data()))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	secs, err = again.RelocSections()
	if err != nil {
		t.Fatalf("RelocSections: %v", err)
	}
	if got := secs[0].Relocs[0].Addend; got != int64(f.text.Addr)+0x1000 {
		t.Fatalf("addend not flushed: %#x", got)
	}
}

func TestFlushRelocsFormatChange(t *testing.T) {
	f := newFixture()
	f.b.Dyn(elf.DT_RELA, 0)
	img := f.image(t)

	secs, err := img.RelocSections()
	if err != nil {
		t.Fatalf("RelocSections: %v", err)
	}
	rs := secs[0]

	// Point DT_RELA at the section; the builder only knows its address
	// after layout.
	for i, d := range img.Dynamic {
		if d.Tag == elf.DT_RELA {
			img.SetDyn(i, rs.Addr)
		}
	}

	rs.Rela = false
	rs.MarkDirty()
	if err := img.FlushRelocs(); err != nil {
		t.Fatalf("FlushRelocs: %v", err)
	}
	again, err := dso.New("reparsed", bytes.Clone(img.Data()))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	s := again.SectionByName(".rela.dyn")
	if s.Type != elf.SHT_REL || s.Size != 32 || s.Entsize != 16 {
		t.Fatalf("section header not rewritten: %+v", s)
	}
	if v, ok := again.DynValue(elf.DT_REL); !ok || v != rs.Addr {
		t.Fatalf("DT_RELA not retagged: %+v", again.Dynamic)
	}

	rs.Rela = true
	rs.Relocs = append(rs.Relocs, rs.Relocs[0], rs.Relocs[0])
	rs.MarkDirty()
	if err := img.FlushRelocs(); !errors.Is(err, dso.ErrSectionGrown) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFlushRelocsGrowsIntoSlack(t *testing.T) {
	f := newFixture()
	f.b.Dyn(elf.DT_RELA, 0)
	f.b.Dyn(elf.DT_RELASZ, 48)
	f.b.Slack = 0x200
	img := f.image(t)

	secs, err := img.RelocSections()
	if err != nil {
		t.Fatalf("RelocSections: %v", err)
	}
	rs := secs[0]
	for i, d := range img.Dynamic {
		if d.Tag == elf.DT_RELA {
			img.SetDyn(i, rs.Addr)
		}
	}
	if !img.CanHold(rs, 96) {
		t.Fatalf("no room for 96 bytes of records")
	}
	if img.CanHold(rs, 0x2000) {
		t.Fatalf("room reported past the next segment")
	}

	rs.Relocs = append(rs.Relocs, rs.Relocs[0], rs.Relocs[1])
	rs.MarkDirty()
	if err := img.FlushRelocs(); err != nil {
		t.Fatalf("FlushRelocs: %v", err)
	}

	again, err := dso.New("reparsed", bytes.Clone(img.Data()))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	s := again.SectionByName(".rela.dyn")
	if s.Size != 96 || s.Addr != rs.Addr || s.Offset != rs.Offset {
		t.Fatalf("section header not rewritten: %+v", s)
	}
	if v, _ := again.DynValue(elf.DT_RELA); v != s.Addr {
		t.Fatalf("DT_RELA not moved: got=%#x want=%#x", v, s.Addr)
	}
	if v, _ := again.DynValue(elf.DT_RELASZ); v != 96 {
		t.Fatalf("DT_RELASZ not grown: got=%d", v)
	}
	load := again.Progs[0]
	if load.Type != elf.PT_LOAD || load.Vaddr+load.Filesz < s.Addr+s.Size || load.Filesz != load.Memsz {
		t.Fatalf("segment does not cover the grown section: %+v", load)
	}
	moved, err := again.RelocSections()
	if err != nil {
		t.Fatalf("RelocSections: %v", err)
	}
	if len(moved[0].Relocs) != 4 || moved[0].Relocs[2] != rs.Relocs[0] {
		t.Fatalf("unexpected records after growth: %+v", moved[0].Relocs)
	}
}

func TestShift(t *testing.T) {
	f := newFixture()
	f.b.Entry = f.text.Addr
	img := f.image(t)
	start := f.text.Addr + 0x40
	const delta = 0x200000

	img.Shift(start, delta)

	if img.Entry != f.text.Addr {
		t.Fatalf("entry below start moved: %#x", img.Entry)
	}
	if s := img.SectionByName(".text"); s.Addr != f.text.Addr {
		t.Fatalf(".text below start moved: %#x", s.Addr)
	}
	if s := img.SectionByName(".data"); s.Addr != f.data.Addr+delta {
		t.Fatalf(".data not moved: %#x", s.Addr)
	}
	want := map[uint32]uint64{
		f.fn:    f.text.Addr + 0x10,
		f.undef: 0,
		f.stub:  f.text.Addr + 0x80 + delta,
		f.tls:   0x8,
		f.abs:   0x1234,
	}
	for idx, v := range want {
		if got := img.Symbols[idx].Value; got != v {
			t.Fatalf("%s: got=%#x want=%#x", img.Symbols[idx].Name, got, v)
		}
	}

	again, err := dso.New("reparsed", bytes.Clone(img.Data()))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	for idx, v := range want {
		if got := again.Symbols[idx].Value; got != v {
			t.Fatalf("%s on disk: got=%#x want=%#x", again.Symbols[idx].Name, got, v)
		}
	}
	if s := again.SectionByName(".dynamic"); s.Addr < start+delta {
		t.Fatalf(".dynamic header not moved: %#x", s.Addr)
	}
	if p, ok := again.TLS(); !ok || p.Vaddr != f.tdata.Addr+delta {
		t.Fatalf("PT_TLS not moved: %+v", p)
	}
}

func TestSaveOpen(t *testing.T) {
	f := newFixture()
	dir := t.TempDir()
	path := filepath.Join(dir, "libfixture.so")
	if err := os.WriteFile(path, f.b.Bytes(), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	img, err := dso.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	img.PutUint64(f.data.Addr+0x10, 0x1122334455667788)
	if err := img.Err(); err != nil {
		t.Fatalf("PutUint64: %v", err)
	}
	out := filepath.Join(dir, "libfixture.out")
	if err := img.Save(out); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := img.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := img.Save(out); !errors.Is(err, dso.ErrImageClosed) {
		t.Fatalf("Save after Close: %v", err)
	}

	saved, err := dso.Open(out)
	if err != nil {
		t.Fatalf("Open saved: %v", err)
	}
	defer saved.Close()
	if got := saved.Uint64(f.data.Addr + 0x10); got != 0x1122334455667788 {
		t.Fatalf("unexpected saved word: %#x", got)
	}
	if info, err := os.Stat(out); err != nil || info.Mode().Perm() != 0o755 {
		t.Fatalf("unexpected mode for a new file: %v %v", info, err)
	}
}

func TestReadOPD(t *testing.T) {
	b := elftest.New(elf.ELFCLASS64, binary.BigEndian, elf.EM_PPC64, elf.ET_DYN)
	opd := b.Section(".opd", elf.SHT_PROGBITS, elf.SHF_WRITE, 48)
	b.Put(opd.Addr, 0x1000)
	b.Put(opd.Addr+8, 0x28000)
	b.Put(opd.Addr+24, 0x1100)
	b.Put(opd.Addr+32, 0x28000)
	img, err := b.Image("libopd.so")
	if err != nil {
		t.Fatalf("build image: %v", err)
	}

	table, err := dso.ReadOPD(img)
	if err != nil {
		t.Fatalf("ReadOPD: %v", err)
	}
	d, ok := table.Lookup(opd.Addr + 24)
	if !ok || d.Entry != 0x1100 || d.TOC != 0x28000 {
		t.Fatalf("unexpected descriptor: %+v ok=%v", d, ok)
	}
	if _, ok := table.Lookup(opd.Addr + 8); ok {
		t.Fatalf("lookup inside a descriptor succeeded")
	}

	table.Adjust(0x1080, 0x10000)
	if d, _ := table.Lookup(opd.Addr); d.Entry != 0x1000 {
		t.Fatalf("entry below start moved: %#x", d.Entry)
	}
	if d, _ := table.Lookup(opd.Addr + 24); d.Entry != 0x11100 || d.TOC != 0x38000 {
		t.Fatalf("descriptor not adjusted: %+v", d)
	}

	var none *dso.OPDTable
	if _, ok := none.Lookup(0); ok {
		t.Fatalf("nil table lookup succeeded")
	}
}

func TestAddRemoveDyn(t *testing.T) {
	f := newFixture()
	f.b.Dyn(elf.DT_NULL, 0)
	img := f.image(t)
	n := len(img.Dynamic)

	if err := img.AddDyn(elf.DT_GNU_PRELINKED, 0x5f00); err != nil {
		t.Fatalf("AddDyn: %v", err)
	}
	if v, ok := img.DynValue(elf.DT_GNU_PRELINKED); !ok || v != 0x5f00 {
		t.Fatalf("unexpected marker: %#x ok=%v", v, ok)
	}
	if err := img.AddDyn(elf.DT_CHECKSUM, 1); !errors.Is(err, dso.ErrNoDynSlot) {
		t.Fatalf("unexpected error: %v", err)
	}

	reread, err := dso.New("reread", img.Data())
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(reread.Dynamic) != n+1 {
		t.Fatalf("unexpected dynamic count: got=%d want=%d", len(reread.Dynamic), n+1)
	}

	if !img.RemoveDyn(elf.DT_STRSZ) {
		t.Fatalf("RemoveDyn(DT_STRSZ) found nothing")
	}
	if img.RemoveDyn(elf.DT_STRSZ) {
		t.Fatalf("DT_STRSZ removed twice")
	}
	reread, err = dso.New("reread", img.Data())
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(reread.Dynamic) != n {
		t.Fatalf("unexpected dynamic count: got=%d want=%d", len(reread.Dynamic), n)
	}
	if v, ok := reread.DynValue(elf.DT_GNU_PRELINKED); !ok || v != 0x5f00 {
		t.Fatalf("marker lost after removal: %#x ok=%v", v, ok)
	}
}

func TestWriteRela(t *testing.T) {
	f := newFixture()
	conflict := f.b.Section(dso.ConflictSection, elf.SHT_RELA, 0, 48)
	img := f.image(t)

	secs, err := img.RelocSections()
	if err != nil {
		t.Fatalf("RelocSections: %v", err)
	}
	for _, rs := range secs {
		if rs.Name == dso.ConflictSection {
			t.Fatalf("conflict section decoded as a relocation section")
		}
	}

	s := img.SectionByName(dso.ConflictSection)
	recs := []dso.Rela{{Offset: 0x7000001000, Type: uint32(elf.R_X86_64_64), Addend: 0x42}}
	if err := img.WriteRela(s, recs); err != nil {
		t.Fatalf("WriteRela: %v", err)
	}
	raw := img.Bytes(conflict.Addr, 48)
	if got := binary.LittleEndian.Uint64(raw); got != 0x7000001000 {
		t.Fatalf("unexpected offset: %#x", got)
	}
	if got := binary.LittleEndian.Uint64(raw[16:]); got != 0x42 {
		t.Fatalf("unexpected addend: %#x", got)
	}
	if !bytes.Equal(raw[24:], make([]byte, 24)) {
		t.Fatalf("tail not cleared: %x", raw[24:])
	}
	if err := img.WriteRela(s, append(recs, recs[0], recs[0])); !errors.Is(err, dso.ErrSectionGrown) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStageDiscard(t *testing.T) {
	f := newFixture()
	dir := t.TempDir()
	path := filepath.Join(dir, "libfixture.so")
	orig := f.b.Bytes()
	if err := os.WriteFile(path, orig, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	img, err := dso.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()
	img.PutUint64(f.data.Addr+0x10, 0x1122334455667788)

	st, err := img.Stage(path)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if got, _ := os.ReadFile(path); !bytes.Equal(got, orig) {
		t.Fatalf("destination changed before commit")
	}
	if err := st.Discard(); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("staged file left behind: %v %v", entries, err)
	}

	st, err = img.Stage(path)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := st.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if bytes.Equal(got, orig) {
		t.Fatalf("commit did not replace the destination")
	}
	if info, err := os.Stat(path); err != nil || info.Mode().Perm() != 0o644 {
		t.Fatalf("mode not kept: %v %v", info, err)
	}
}
