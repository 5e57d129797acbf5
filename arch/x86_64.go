package arch

import (
	"debug/elf"

	"github.com/sliverarmory/prelink/dso"
)

const (
	rX86None      = uint32(elf.R_X86_64_NONE)
	rX86_64       = uint32(elf.R_X86_64_64)
	rX86PC32      = uint32(elf.R_X86_64_PC32)
	rX86Copy      = uint32(elf.R_X86_64_COPY)
	rX86GlobDat   = uint32(elf.R_X86_64_GLOB_DAT)
	rX86JumpSlot  = uint32(elf.R_X86_64_JMP_SLOT)
	rX86Relative  = uint32(elf.R_X86_64_RELATIVE)
	rX86_32       = uint32(elf.R_X86_64_32)
	rX86_32S      = uint32(elf.R_X86_64_32S)
	rX86DTPMod64  = uint32(elf.R_X86_64_DTPMOD64)
	rX86DTPOff64  = uint32(elf.R_X86_64_DTPOFF64)
	rX86TPOff64   = uint32(elf.R_X86_64_TPOFF64)
	rX86DTPOff32  = uint32(elf.R_X86_64_DTPOFF32)
	rX86TPOff32   = uint32(elf.R_X86_64_TPOFF32)
	rX86IRelative = uint32(elf.R_X86_64_IRELATIVE)
)

type x86_64 struct {
	generic
}

func init() {
	register(&x86_64{generic{
		d: &Descriptor{
			Name:          "x86_64",
			Class:         elf.ELFCLASS64,
			Machine:       elf.EM_X86_64,
			Relative:      rX86Relative,
			JmpSlot:       rX86JumpSlot,
			Copy:          rX86Copy,
			IRelative:     rX86IRelative,
			GlobDat:       rX86GlobDat,
			Abs:           rX86_64,
			PageSize:      0x1000,
			MaxPageSize:   0x200000,
			MmapBase:      0x3000000000,
			MmapEnd:       0x4000000000,
			DynamicLinker: "/lib64/ld-linux-x86-64.so.2",
			RelaNative:    true,
			TLS:           TLSVariant2,
		},
		typeName: func(t uint32) string { return elf.R_X86_64(t).String() },
		sizes: map[uint32]int{
			rX86_64: 8, rX86GlobDat: 8, rX86JumpSlot: 8, rX86Relative: 8, rX86IRelative: 8,
			rX86DTPMod64: 8, rX86DTPOff64: 8, rX86TPOff64: 8,
			rX86_32: 4, rX86_32S: 4, rX86PC32: 4, rX86DTPOff32: 4, rX86TPOff32: 4,
		},
		classes: map[uint32]RelocClass{
			rX86None: ClassOther, rX86Copy: ClassCopy, rX86JumpSlot: ClassPLT,
			rX86DTPMod64: ClassTLS, rX86DTPOff64: ClassTLS, rX86TPOff64: ClassTLS,
			rX86DTPOff32: ClassTLS, rX86TPOff32: ClassTLS,
		},
	}})
}

func (x *x86_64) PrelinkRela(ctx *Context, r *dso.Rela) (bool, error) {
	img := ctx.Image
	switch r.Type {
	case rX86None, rX86Relative, rX86IRelative, rX86TPOff64, rX86TPOff32:
		return false, nil
	case rX86Copy:
		return false, x.copyReloc(img, r)
	case rX86DTPMod64:
		if img.Type == elf.ET_EXEC {
			return false, x.malformed(img, r, "module id relocation in executable")
		}
		return false, nil
	}

	sym := ctx.Resolver.Resolve(r.Sym, r.Type)
	if sym.IFunc {
		return false, nil
	}
	value := sym.Value + uint64(r.Addend)
	switch r.Type {
	case rX86GlobDat, rX86JumpSlot, rX86DTPOff64:
		img.PutUint64(r.Offset, value)
	case rX86_64:
		img.PutUint64(r.Offset, value)
		if r.Addend == 0 && !inGOT(img, r.Offset) {
			r.Type = rX86GlobDat
			return true, nil
		}
	case rX86_32:
		if !fitsUint32(value) {
			return false, x.malformed(img, r, "value %#x does not fit in 32 bits", value)
		}
		img.PutUint32(r.Offset, uint32(value))
	case rX86_32S, rX86DTPOff32:
		if !fitsInt32(int64(value)) {
			return false, x.malformed(img, r, "value %#x does not fit in signed 32 bits", value)
		}
		img.PutUint32(r.Offset, uint32(value))
	case rX86PC32:
		v := int64(value - r.Offset)
		if !fitsInt32(v) {
			return false, x.malformed(img, r, "displacement %#x does not fit in signed 32 bits", v)
		}
		img.PutUint32(r.Offset, uint32(v))
	default:
		return false, x.unsupported(img, r)
	}
	return false, nil
}

func (x *x86_64) ConflictRela(ctx *Context, r *dso.Rela) error {
	img := ctx.Image
	switch r.Type {
	case rX86None, rX86Relative:
		return nil
	case rX86Copy:
		return x.copyReloc(img, r)
	case rX86IRelative:
		ctx.addConflict(r.Offset, rX86IRelative, r.Addend)
		return nil
	}

	sym, ok := ctx.lookupConflict(r, x.RelocClass(r.Type) == ClassTLS)
	if !ok {
		return nil
	}
	value := int64(sym.Value) + r.Addend
	switch r.Type {
	case rX86GlobDat, rX86JumpSlot, rX86_64:
		if sym.IFunc {
			ctx.addConflict(r.Offset, rX86IRelative, int64(sym.Value))
			return nil
		}
		ctx.addConflict(r.Offset, rX86_64, value)
	case rX86_32, rX86_32S:
		ctx.addConflict(r.Offset, rX86_32, int64(uint32(value)))
	case rX86PC32:
		ctx.addConflict(r.Offset, rX86_32, int64(uint32(value-int64(r.Offset))))
	case rX86DTPMod64:
		mod, err := x.needTLS(ctx, r, sym)
		if err != nil {
			return err
		}
		ctx.addConflict(r.Offset, rX86_64, int64(mod.ModID))
	case rX86DTPOff64:
		ctx.addConflict(r.Offset, rX86_64, value)
	case rX86DTPOff32:
		ctx.addConflict(r.Offset, rX86_32, int64(uint32(value)))
	case rX86TPOff64, rX86TPOff32:
		mod, err := x.needTLS(ctx, r, sym)
		if err != nil {
			return err
		}
		value -= int64(mod.Offset)
		if r.Type == rX86TPOff32 {
			ctx.addConflict(r.Offset, rX86_32, int64(uint32(value)))
		} else {
			ctx.addConflict(r.Offset, rX86_64, value)
		}
	default:
		return x.unsupported(img, r)
	}
	return nil
}

func (x *x86_64) ApplyRela(ctx *Context, r *dso.Rela, buf []byte) error {
	img := ctx.Image
	bo := img.ByteOrder
	switch r.Type {
	case rX86None:
		return nil
	case rX86Relative:
		return x.malformed(img, r, "relative relocation in executable")
	case rX86Copy:
		return x.malformed(img, r, "copy relocation cannot be applied")
	}
	sym := ctx.Resolver.Resolve(r.Sym, r.Type)
	value := sym.Value + uint64(r.Addend)
	switch r.Type {
	case rX86GlobDat, rX86JumpSlot, rX86_64:
		writeBuf(bo, buf, 8, value)
	case rX86_32, rX86_32S:
		writeBuf(bo, buf, 4, value)
	case rX86PC32:
		writeBuf(bo, buf, 4, value-r.Offset)
	default:
		return x.unsupported(img, r)
	}
	return nil
}

func (x *x86_64) UndoRela(img *dso.Image, r *dso.Rela) (bool, error) {
	switch r.Type {
	case rX86None, rX86Relative, rX86IRelative, rX86DTPMod64, rX86TPOff64, rX86TPOff32:
		return false, nil
	case rX86Copy:
		return false, x.copyReloc(img, r)
	case rX86JumpSlot:
		lazy, ok := lazyPLTSlot(img, r.Offset, 3)
		if !ok {
			return false, x.malformed(img, r, "jump slot outside .got.plt")
		}
		img.PutUint64(r.Offset, lazy)
	case rX86GlobDat:
		img.PutUint64(r.Offset, 0)
		if !inGOT(img, r.Offset) {
			r.Type = rX86_64
			return true, nil
		}
	case rX86_64, rX86DTPOff64:
		img.PutUint64(r.Offset, 0)
	case rX86_32, rX86_32S, rX86PC32, rX86DTPOff32:
		img.PutUint32(r.Offset, 0)
	default:
		return false, x.unsupported(img, r)
	}
	return false, nil
}

func (x *x86_64) ArchPrelink(ctx *Context) error {
	return x86PrelinkGOT(ctx.Image)
}

func (x *x86_64) ArchUndo(img *dso.Image) error {
	return x86UndoGOT(img)
}

func (x *x86_64) ArchAdjust(img *dso.Image, start, delta uint64) error {
	return x86AdjustGOT(img, start, delta)
}
