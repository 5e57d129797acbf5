package arch

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/sliverarmory/prelink/dso"
	"github.com/sliverarmory/prelink/layout"
)

// generic supplies the hooks most architectures share. Concrete
// architectures embed it and override what differs.
type generic struct {
	d        *Descriptor
	typeName func(t uint32) string
	sizes    map[uint32]int
	classes  map[uint32]RelocClass
}

func (g *generic) Desc() *Descriptor {
	return g.d
}

func (g *generic) TypeName(t uint32) string {
	return g.typeName(t)
}

func (g *generic) RelocSize(t uint32) int {
	return g.sizes[t]
}

func (g *generic) RelocClass(t uint32) RelocClass {
	if c, ok := g.classes[t]; ok {
		return c
	}
	if g.sizes[t] > 0 {
		return ClassAbsolute
	}
	return ClassOther
}

func (g *generic) Window() layout.Window {
	return layout.Window{Base: g.d.MmapBase, End: g.d.MmapEnd, PageSize: g.d.MaxPageSize}
}

func (g *generic) LayoutInit(s *layout.Space) error { return nil }
func (g *generic) PreLayout(s *layout.Space) error  { return nil }
func (g *generic) PostLayout(s *layout.Space) error { return nil }

func (g *generic) AdjustDyn(img *dso.Image, i int, start, delta uint64) bool {
	return false
}

// AdjustRel moves the address stored by relative and lazy PLT records.
func (g *generic) AdjustRel(img *dso.Image, r *dso.Rela, start, delta uint64) error {
	switch r.Type {
	case g.d.Relative, g.d.IRelative, g.d.JmpSlot:
		size := g.RelocSize(r.Type)
		if v := readField(img, r.Offset, size); v >= start {
			writeField(img, r.Offset, size, v+delta)
		}
	}
	return nil
}

// AdjustRela moves relative addends, and the stored value with them when
// it still mirrors the addend.
func (g *generic) AdjustRela(img *dso.Image, r *dso.Rela, start, delta uint64) error {
	size := g.RelocSize(r.Type)
	switch r.Type {
	case g.d.Relative, g.d.IRelative:
		old := uint64(r.Addend)
		if old < start {
			return nil
		}
		r.Addend += int64(delta)
		if readField(img, r.Offset, size) == truncate(old, size) {
			writeField(img, r.Offset, size, uint64(r.Addend))
		}
	case g.d.JmpSlot:
		if v := readField(img, r.Offset, size); v >= start {
			writeField(img, r.Offset, size, v+delta)
		}
	}
	return nil
}

func (g *generic) PrelinkRel(ctx *Context, r *dso.Rela) (bool, error) {
	return false, g.unsupported(ctx.Image, r)
}

func (g *generic) PrelinkRela(ctx *Context, r *dso.Rela) (bool, error) {
	return false, g.unsupported(ctx.Image, r)
}

func (g *generic) ConflictRel(ctx *Context, r *dso.Rela) error {
	return g.unsupported(ctx.Image, r)
}

func (g *generic) ConflictRela(ctx *Context, r *dso.Rela) error {
	return g.unsupported(ctx.Image, r)
}

func (g *generic) ApplyRel(ctx *Context, r *dso.Rela, buf []byte) error {
	return g.unsupported(ctx.Image, r)
}

func (g *generic) ApplyRela(ctx *Context, r *dso.Rela, buf []byte) error {
	return g.unsupported(ctx.Image, r)
}

func (g *generic) NeedRelToRela(img *dso.Image, relocs []dso.Rela) bool {
	return false
}

func (g *generic) RelToRela(img *dso.Image, r *dso.Rela) error {
	return g.unsupported(img, r)
}

func (g *generic) RelaToRel(img *dso.Image, r *dso.Rela) error {
	return g.unsupported(img, r)
}

func (g *generic) UndoRel(img *dso.Image, r *dso.Rela) (bool, error) {
	return false, g.unsupported(img, r)
}

func (g *generic) UndoRela(img *dso.Image, r *dso.Rela) (bool, error) {
	return false, g.unsupported(img, r)
}

func (g *generic) ArchAdjust(img *dso.Image, start, delta uint64) error { return nil }
func (g *generic) ArchPrelink(ctx *Context) error                       { return nil }
func (g *generic) ArchUndo(img *dso.Image) error                        { return nil }

func (g *generic) fail(img *dso.Image, r *dso.Rela, err error) error {
	return &RelocError{File: img.Filename, Type: g.TypeName(r.Type), Offset: r.Offset, Err: err}
}

func (g *generic) malformed(img *dso.Image, r *dso.Rela, format string, args ...any) error {
	return g.fail(img, r, fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...))
}

func (g *generic) unsupported(img *dso.Image, r *dso.Rela) error {
	return g.fail(img, r, ErrUnsupportedReloc)
}

// copyReloc handles copy relocations, which are only valid in executables.
func (g *generic) copyReloc(img *dso.Image, r *dso.Rela) error {
	if img.Type == elf.ET_EXEC {
		return nil
	}
	return g.malformed(img, r, "copy relocation in shared library")
}

// inGOT reports whether addr lies in the .got section proper.
func inGOT(img *dso.Image, addr uint64) bool {
	s := img.SectionByAddr(addr)
	return s != nil && s.Name == ".got"
}

func truncate(v uint64, size int) uint64 {
	if size >= 8 {
		return v
	}
	return v & (1<<(8*uint(size)) - 1)
}

func readField(img *dso.Image, addr uint64, size int) uint64 {
	switch size {
	case 1:
		return uint64(img.Uint8(addr))
	case 2:
		return uint64(img.Uint16(addr))
	case 4:
		return uint64(img.Uint32(addr))
	case 8:
		return img.Uint64(addr)
	}
	return 0
}

func writeField(img *dso.Image, addr uint64, size int, v uint64) {
	switch size {
	case 1:
		img.PutUint8(addr, uint8(v))
	case 2:
		img.PutUint16(addr, uint16(v))
	case 4:
		img.PutUint32(addr, uint32(v))
	case 8:
		img.PutUint64(addr, v)
	}
}

func readBuf(bo binary.ByteOrder, buf []byte, size int) uint64 {
	switch {
	case size == 1 && len(buf) >= 1:
		return uint64(buf[0])
	case size == 2 && len(buf) >= 2:
		return uint64(bo.Uint16(buf))
	case size == 4 && len(buf) >= 4:
		return uint64(bo.Uint32(buf))
	case size == 8 && len(buf) >= 8:
		return bo.Uint64(buf)
	}
	return 0
}

func writeBuf(bo binary.ByteOrder, buf []byte, size int, v uint64) {
	switch {
	case size == 1 && len(buf) >= 1:
		buf[0] = uint8(v)
	case size == 2 && len(buf) >= 2:
		bo.PutUint16(buf, uint16(v))
	case size == 4 && len(buf) >= 4:
		bo.PutUint32(buf, uint32(v))
	case size == 8 && len(buf) >= 8:
		bo.PutUint64(buf, v)
	}
}

func fitsInt32(v int64) bool {
	return v == int64(int32(v))
}

func fitsUint32(v uint64) bool {
	return v == uint64(uint32(v))
}

// lookupConflict asks the oracle about r. TLS kinds listed in always yield
// a symbol even without interposition whenever the symbol lives in a TLS
// module, which need not be ctx.Image's own.
func (ctx *Context) lookupConflict(r *dso.Rela, always bool) (Symbol, bool) {
	if s, ok := ctx.Oracle.LookupConflict(r.Sym, r.Type); ok {
		if s.TLS == nil {
			s.TLS = ctx.TLS
		}
		return s, true
	}
	if !always {
		return Symbol{}, false
	}
	if r.Sym == 0 {
		if ctx.TLS == nil {
			return Symbol{}, false
		}
		return Symbol{TLS: ctx.TLS, Found: true}, true
	}
	s := ctx.Resolver.Resolve(r.Sym, r.Type)
	if s.TLS == nil {
		s.TLS = ctx.TLS
	}
	return s, s.TLS != nil
}

func (g *generic) needTLS(ctx *Context, r *dso.Rela, s Symbol) (*TLSModule, error) {
	if s.TLS != nil {
		return s.TLS, nil
	}
	if ctx.TLS != nil {
		return ctx.TLS, nil
	}
	return nil, g.malformed(ctx.Image, r, "thread local relocation without a TLS module")
}

// lazyPLTSlot returns the address a lazily bound x86 GOT slot at off holds
// before the loader resolves it: the push following the slot's jump in the
// PLT. hdr is the number of reserved GOT words.
func lazyPLTSlot(img *dso.Image, off uint64, hdr uint64) (uint64, bool) {
	got := img.SectionByAddr(off)
	plt := img.SectionByName(".plt")
	if got == nil || plt == nil || (got.Name != ".got.plt" && got.Name != ".got") {
		return 0, false
	}
	word := uint64(img.WordSize())
	if off < got.Addr+hdr*word || (off-got.Addr)%word != 0 {
		return 0, false
	}
	n := (off - got.Addr - hdr*word) / word
	return plt.Addr + 16*(n+1) + 6, true
}

// pltGOT1 returns the address of reserved GOT slot 1, the word the loader
// fills with its link map.
func pltGOT1(img *dso.Image) (uint64, bool) {
	got, ok := img.DynValue(elf.DT_PLTGOT)
	if !ok || got == 0 {
		return 0, false
	}
	return got + uint64(img.WordSize()), true
}

func isAddrTag(tag elf.DynTag) bool {
	switch tag {
	case elf.DT_PLTGOT, elf.DT_HASH, elf.DT_STRTAB, elf.DT_SYMTAB, elf.DT_RELA,
		elf.DT_INIT, elf.DT_FINI, elf.DT_REL, elf.DT_JMPREL, elf.DT_INIT_ARRAY,
		elf.DT_FINI_ARRAY, elf.DT_PREINIT_ARRAY, elf.DT_VERSYM, elf.DT_VERDEF,
		elf.DT_VERNEED, elf.DT_GNU_HASH, elf.DT_GNU_CONFLICT, elf.DT_GNU_LIBLIST,
		elf.DT_TLSDESC_PLT, elf.DT_TLSDESC_GOT, elf.DT_MOVETAB, elf.DT_SYMINFO,
		elf.DT_PLTPAD, elf.DT_CONFIG:
		return true
	}
	return false
}
