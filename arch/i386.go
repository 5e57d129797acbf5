package arch

import (
	"debug/elf"

	"github.com/sliverarmory/prelink/dso"
	"github.com/sliverarmory/prelink/layout"
)

const (
	r386None       = uint32(elf.R_386_NONE)
	r386_32        = uint32(elf.R_386_32)
	r386PC32       = uint32(elf.R_386_PC32)
	r386Copy       = uint32(elf.R_386_COPY)
	r386GlobDat    = uint32(elf.R_386_GLOB_DAT)
	r386JmpSlot    = uint32(elf.R_386_JMP_SLOT)
	r386Relative   = uint32(elf.R_386_RELATIVE)
	r386TPOff      = uint32(elf.R_386_TLS_TPOFF)
	r386DTPMod32   = uint32(elf.R_386_TLS_DTPMOD32)
	r386DTPOff32   = uint32(elf.R_386_TLS_DTPOFF32)
	r386TPOff32    = uint32(elf.R_386_TLS_TPOFF32)
	r386IRelative  = uint32(elf.R_386_IRELATIVE)
	execShieldBase = 0x00110000
	execShieldEnd  = 0x01000000
)

type i386 struct {
	generic
}

func init() {
	register(&i386{generic{
		d: &Descriptor{
			Name:          "i386",
			Class:         elf.ELFCLASS32,
			Machine:       elf.EM_386,
			Relative:      r386Relative,
			JmpSlot:       r386JmpSlot,
			Copy:          r386Copy,
			IRelative:     r386IRelative,
			GlobDat:       r386GlobDat,
			Abs:           r386_32,
			PageSize:      0x1000,
			MaxPageSize:   0x1000,
			MmapBase:      0x41000000,
			MmapEnd:       0x50000000,
			DynamicLinker: "/lib/ld-linux.so.2",
			TLS:           TLSVariant2,
		},
		typeName: func(t uint32) string { return elf.R_386(t).String() },
		sizes: map[uint32]int{
			r386_32: 4, r386PC32: 4, r386GlobDat: 4, r386JmpSlot: 4, r386Relative: 4,
			r386TPOff: 4, r386DTPMod32: 4, r386DTPOff32: 4, r386TPOff32: 4, r386IRelative: 4,
		},
		classes: map[uint32]RelocClass{
			r386None: ClassOther, r386Copy: ClassCopy, r386JmpSlot: ClassPLT,
			r386TPOff: ClassTLS, r386DTPMod32: ClassTLS, r386DTPOff32: ClassTLS, r386TPOff32: ClassTLS,
		},
	}})
}

func (x *i386) PrelinkRel(ctx *Context, r *dso.Rela) (bool, error) {
	img := ctx.Image
	switch r.Type {
	case r386_32, r386PC32, r386DTPOff32:
		if v := img.Uint32(r.Offset); v != 0 {
			return false, x.malformed(img, r, "nonzero addend %#x in REL section", v)
		}
	}
	return x.prelink(ctx, r, 0)
}

func (x *i386) PrelinkRela(ctx *Context, r *dso.Rela) (bool, error) {
	return x.prelink(ctx, r, r.Addend)
}

func (x *i386) prelink(ctx *Context, r *dso.Rela, addend int64) (bool, error) {
	img := ctx.Image
	switch r.Type {
	case r386None, r386Relative, r386IRelative:
		return false, nil
	case r386Copy:
		return false, x.copyReloc(img, r)
	case r386DTPMod32:
		if img.Type == elf.ET_EXEC {
			return false, x.malformed(img, r, "module id relocation in executable")
		}
		return false, nil
	case r386TPOff, r386TPOff32:
		return false, nil
	}

	sym := ctx.Resolver.Resolve(r.Sym, r.Type)
	if sym.IFunc {
		return false, nil
	}
	value := uint32(sym.Value + uint64(addend))
	switch r.Type {
	case r386GlobDat, r386JmpSlot, r386DTPOff32:
		img.PutUint32(r.Offset, value)
	case r386_32:
		img.PutUint32(r.Offset, value)
		if addend == 0 && !inGOT(img, r.Offset) {
			r.Type = r386GlobDat
			return true, nil
		}
	case r386PC32:
		img.PutUint32(r.Offset, value-uint32(r.Offset))
	default:
		return false, x.unsupported(img, r)
	}
	return false, nil
}

func (x *i386) ConflictRel(ctx *Context, r *dso.Rela) error {
	return x.conflict(ctx, r, 0)
}

func (x *i386) ConflictRela(ctx *Context, r *dso.Rela) error {
	return x.conflict(ctx, r, r.Addend)
}

func (x *i386) conflict(ctx *Context, r *dso.Rela, addend int64) error {
	img := ctx.Image
	switch r.Type {
	case r386None, r386Relative:
		return nil
	case r386Copy:
		return x.copyReloc(img, r)
	case r386IRelative:
		if addend == 0 {
			addend = int64(img.Uint32(r.Offset))
		}
		ctx.addConflict(r.Offset, r386IRelative, addend)
		return nil
	}

	always := x.RelocClass(r.Type) == ClassTLS
	sym, ok := ctx.lookupConflict(r, always)
	if !ok {
		return nil
	}
	value := int64(sym.Value) + addend
	switch r.Type {
	case r386GlobDat, r386JmpSlot, r386_32:
		if sym.IFunc {
			ctx.addConflict(r.Offset, r386IRelative, int64(uint32(sym.Value)))
			return nil
		}
		ctx.addConflict(r.Offset, r386_32, int64(uint32(value)))
	case r386PC32:
		ctx.addConflict(r.Offset, r386_32, int64(uint32(value-int64(r.Offset))))
	case r386DTPMod32:
		mod, err := x.needTLS(ctx, r, sym)
		if err != nil {
			return err
		}
		ctx.addConflict(r.Offset, r386_32, int64(mod.ModID))
	case r386DTPOff32:
		ctx.addConflict(r.Offset, r386_32, int64(uint32(value)))
	case r386TPOff32, r386TPOff:
		mod, err := x.needTLS(ctx, r, sym)
		if err != nil {
			return err
		}
		if r.Type == r386TPOff32 {
			value = int64(mod.Offset) - value
		} else {
			value -= int64(mod.Offset)
		}
		ctx.addConflict(r.Offset, r386_32, int64(uint32(value)))
	default:
		return x.unsupported(img, r)
	}
	return nil
}

func (x *i386) ApplyRel(ctx *Context, r *dso.Rela, buf []byte) error {
	return x.apply(ctx, r, int64(int32(readBuf(ctx.Image.ByteOrder, buf, 4))), buf)
}

func (x *i386) ApplyRela(ctx *Context, r *dso.Rela, buf []byte) error {
	return x.apply(ctx, r, r.Addend, buf)
}

func (x *i386) apply(ctx *Context, r *dso.Rela, addend int64, buf []byte) error {
	img := ctx.Image
	bo := img.ByteOrder
	switch r.Type {
	case r386None:
		return nil
	case r386Relative:
		return x.malformed(img, r, "relative relocation in executable")
	case r386Copy:
		return x.malformed(img, r, "copy relocation cannot be applied")
	}
	sym := ctx.Resolver.Resolve(r.Sym, r.Type)
	switch r.Type {
	case r386GlobDat, r386JmpSlot:
		writeBuf(bo, buf, 4, sym.Value)
	case r386_32:
		writeBuf(bo, buf, 4, sym.Value+uint64(addend))
	case r386PC32:
		writeBuf(bo, buf, 4, sym.Value+uint64(addend)-r.Offset)
	default:
		return x.unsupported(img, r)
	}
	return nil
}

func (x *i386) NeedRelToRela(img *dso.Image, relocs []dso.Rela) bool {
	for _, r := range relocs {
		switch r.Type {
		case r386_32, r386PC32, r386DTPOff32, r386TPOff32, r386TPOff:
			if img.Uint32(r.Offset) != 0 {
				return true
			}
		}
	}
	return false
}

func (x *i386) RelToRela(img *dso.Image, r *dso.Rela) error {
	switch r.Type {
	case r386Relative, r386IRelative, r386_32, r386PC32, r386DTPOff32, r386TPOff32, r386TPOff:
		r.Addend = int64(int32(img.Uint32(r.Offset)))
	default:
		r.Addend = 0
	}
	return nil
}

func (x *i386) RelaToRel(img *dso.Image, r *dso.Rela) error {
	switch r.Type {
	case r386Relative, r386IRelative, r386_32, r386PC32, r386DTPOff32, r386TPOff32, r386TPOff:
		img.PutUint32(r.Offset, uint32(r.Addend))
	case r386GlobDat, r386DTPMod32:
		img.PutUint32(r.Offset, 0)
	}
	return nil
}

func (x *i386) UndoRel(img *dso.Image, r *dso.Rela) (bool, error) {
	return x.undo(img, r)
}

func (x *i386) UndoRela(img *dso.Image, r *dso.Rela) (bool, error) {
	return x.undo(img, r)
}

func (x *i386) undo(img *dso.Image, r *dso.Rela) (bool, error) {
	switch r.Type {
	case r386None, r386Relative, r386IRelative, r386DTPMod32, r386TPOff32, r386TPOff:
		return false, nil
	case r386Copy:
		return false, x.copyReloc(img, r)
	case r386JmpSlot:
		lazy, ok := lazyPLTSlot(img, r.Offset, 3)
		if !ok {
			return false, x.malformed(img, r, "jump slot outside .got.plt")
		}
		img.PutUint32(r.Offset, uint32(lazy))
	case r386GlobDat:
		img.PutUint32(r.Offset, 0)
		if !inGOT(img, r.Offset) {
			r.Type = r386_32
			return true, nil
		}
	case r386_32, r386PC32, r386DTPOff32:
		img.PutUint32(r.Offset, 0)
	default:
		return false, x.unsupported(img, r)
	}
	return false, nil
}

// ArchPrelink points GOT slot 1 at .plt+0x16, the value the lazy PLT
// expects there when the loader skips relocation.
func (x *i386) ArchPrelink(ctx *Context) error {
	return x86PrelinkGOT(ctx.Image)
}

func (x *i386) ArchUndo(img *dso.Image) error {
	return x86UndoGOT(img)
}

func (x *i386) ArchAdjust(img *dso.Image, start, delta uint64) error {
	return x86AdjustGOT(img, start, delta)
}

func x86PrelinkGOT(img *dso.Image) error {
	slot, ok := pltGOT1(img)
	plt := img.SectionByName(".plt")
	if !ok || plt == nil {
		return nil
	}
	img.PutAddr(slot, plt.Addr+0x16)
	return img.Err()
}

func x86UndoGOT(img *dso.Image) error {
	if slot, ok := pltGOT1(img); ok {
		img.PutAddr(slot, 0)
	}
	return img.Err()
}

// x86AdjustGOT moves the two reserved GOT words the linker fills in:
// got[0] holds the link time address of _DYNAMIC, got[1] the PLT push.
func x86AdjustGOT(img *dso.Image, start, delta uint64) error {
	slot, ok := pltGOT1(img)
	if !ok {
		return nil
	}
	for _, at := range []uint64{slot - uint64(img.WordSize()), slot} {
		if v := img.Addr(at); v != 0 && v >= start {
			img.PutAddr(at, v+delta)
		}
	}
	return img.Err()
}

// The exec-shield layout prefers the ASCII armour zone below 16 MiB. It is
// placed virtually right below the regular window so a single first-fit
// pass fills it before the window proper.
type execShield struct {
	base, end uint64
}

func (x *i386) LayoutInit(s *layout.Space) error {
	if !s.Config.ExecShield || s.Overridden {
		return nil
	}
	size := uint64(execShieldEnd - execShieldBase)
	virt := s.MmapBase - size
	s.AddZone(virt, execShieldBase, size)
	s.ArchData = execShield{base: s.MmapBase, end: s.MmapEnd}
	for _, e := range s.Libs {
		if e.State != layout.Unplaced {
			s.ToVirtual(e)
		}
	}
	s.MmapBase = virt
	return nil
}

func (x *i386) PreLayout(s *layout.Space) error {
	if es, ok := s.ArchData.(execShield); ok {
		s.AddSentinel(es.base, es.base)
	}
	return nil
}

func (x *i386) PostLayout(s *layout.Space) error {
	es, ok := s.ArchData.(execShield)
	if !ok {
		return nil
	}
	s.RemoveSentinels()
	for _, e := range s.Libs {
		if e.State != layout.Unplaced {
			s.ToReal(e)
		}
	}
	s.MmapBase = es.base
	s.MmapEnd = es.end
	return nil
}
