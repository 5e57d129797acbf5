package arch

import (
	"debug/elf"

	"github.com/sliverarmory/prelink/dso"
)

const (
	rPPC64None      = uint32(elf.R_PPC64_NONE)
	rPPC64Addr64    = uint32(elf.R_PPC64_ADDR64)
	rPPC64UAddr64   = uint32(elf.R_PPC64_UADDR64)
	rPPC64Addr32    = uint32(elf.R_PPC64_ADDR32)
	rPPC64UAddr32   = uint32(elf.R_PPC64_UADDR32)
	rPPC64Addr16    = uint32(elf.R_PPC64_ADDR16)
	rPPC64Addr16Lo  = uint32(elf.R_PPC64_ADDR16_LO)
	rPPC64Addr16Hi  = uint32(elf.R_PPC64_ADDR16_HI)
	rPPC64Addr16Ha  = uint32(elf.R_PPC64_ADDR16_HA)
	rPPC64Rel64     = uint32(elf.R_PPC64_REL64)
	rPPC64Rel32     = uint32(elf.R_PPC64_REL32)
	rPPC64Copy      = uint32(elf.R_PPC64_COPY)
	rPPC64GlobDat   = uint32(elf.R_PPC64_GLOB_DAT)
	rPPC64JmpSlot   = uint32(elf.R_PPC64_JMP_SLOT)
	rPPC64Relative  = uint32(elf.R_PPC64_RELATIVE)
	rPPC64DTPMod64  = uint32(elf.R_PPC64_DTPMOD64)
	rPPC64DTPRel64  = uint32(elf.R_PPC64_DTPREL64)
	rPPC64TPRel64   = uint32(elf.R_PPC64_TPREL64)
	rPPC64IRelative = uint32(elf.R_PPC64_IRELATIVE)
)

type ppc64 struct {
	generic
}

func init() {
	register(&ppc64{generic{
		d: &Descriptor{
			Name:          "ppc64",
			Class:         elf.ELFCLASS64,
			Machine:       elf.EM_PPC64,
			Relative:      rPPC64Relative,
			JmpSlot:       rPPC64JmpSlot,
			Copy:          rPPC64Copy,
			IRelative:     rPPC64IRelative,
			GlobDat:       rPPC64GlobDat,
			Abs:           rPPC64Addr64,
			PageSize:      0x1000,
			MaxPageSize:   0x10000,
			MmapBase:      0x8001000000,
			MmapEnd:       0x8100000000,
			DynamicLinker: "/lib64/ld64.so.1",
			RelaNative:    true,
			TLS:           TLSVariant1,
		},
		typeName: func(t uint32) string { return elf.R_PPC64(t).String() },
		sizes: map[uint32]int{
			rPPC64Addr64: 8, rPPC64UAddr64: 8, rPPC64GlobDat: 8, rPPC64Relative: 8,
			rPPC64IRelative: 8, rPPC64Rel64: 8, rPPC64DTPMod64: 8, rPPC64DTPRel64: 8,
			rPPC64TPRel64: 8, rPPC64JmpSlot: 24, rPPC64Addr32: 4, rPPC64UAddr32: 4,
			rPPC64Rel32: 4, rPPC64Addr16: 2, rPPC64Addr16Lo: 2, rPPC64Addr16Hi: 2,
			rPPC64Addr16Ha: 2,
		},
		classes: map[uint32]RelocClass{
			rPPC64None: ClassOther, rPPC64Copy: ClassCopy, rPPC64JmpSlot: ClassPLT,
			rPPC64DTPMod64: ClassTLS, rPPC64DTPRel64: ClassTLS, rPPC64TPRel64: ClassTLS,
		},
	}})
}

// elfV2 reports whether img follows the ELFv2 ABI, where PLT slots hold
// plain code addresses instead of function descriptors.
func elfV2(img *dso.Image) bool {
	return img.Flags&3 == 2
}

func (p *ppc64) AdjustDyn(img *dso.Image, i int, start, delta uint64) bool {
	d := img.Dynamic[i]
	switch d.Tag {
	case elf.DT_PPC64_GLINK, elf.DT_PPC64_OPD:
		if d.Val >= start {
			img.SetDyn(i, d.Val+delta)
		}
		return true
	}
	return false
}

func (p *ppc64) AdjustRela(img *dso.Image, r *dso.Rela, start, delta uint64) error {
	if r.Type != rPPC64JmpSlot {
		return p.generic.AdjustRela(img, r, start, delta)
	}
	words := []uint64{r.Offset}
	if !elfV2(img) {
		words = append(words, r.Offset+8)
	}
	for _, at := range words {
		if v := img.Uint64(at); v != 0 && v >= start {
			img.PutUint64(at, v+delta)
		}
	}
	return img.Err()
}

func (p *ppc64) PrelinkRela(ctx *Context, r *dso.Rela) (bool, error) {
	img := ctx.Image
	switch r.Type {
	case rPPC64None, rPPC64Relative, rPPC64IRelative, rPPC64TPRel64:
		return false, nil
	case rPPC64Copy:
		return false, p.copyReloc(img, r)
	case rPPC64DTPMod64:
		if img.Type == elf.ET_EXEC {
			return false, p.malformed(img, r, "module id relocation in executable")
		}
		return false, nil
	}

	sym := ctx.Resolver.Resolve(r.Sym, r.Type)
	if sym.IFunc {
		return false, nil
	}
	value := sym.Value + uint64(r.Addend)
	switch r.Type {
	case rPPC64JmpSlot:
		return false, p.writeSlot(img, r, sym, value)
	case rPPC64Addr32, rPPC64UAddr32:
		if !fitsUint32(value) {
			return false, p.malformed(img, r, "value %#x does not fit in 32 bits", value)
		}
	case rPPC64Rel32:
		if !fitsInt32(int64(value - r.Offset)) {
			return false, p.malformed(img, r, "displacement does not fit in 32 bits")
		}
	case rPPC64DTPRel64:
		value -= dtpBias
	}
	buf := img.Bytes(r.Offset, p.RelocSize(r.Type))
	if buf == nil {
		return false, img.Err()
	}
	p.store(img, r, buf, value)
	return false, img.Err()
}

// writeSlot fills a PLT slot. ELFv1 slots receive a copy of the target's
// function descriptor.
func (p *ppc64) writeSlot(img *dso.Image, r *dso.Rela, sym Symbol, value uint64) error {
	if s := img.SectionByAddr(r.Offset); s != nil && s.Type == elf.SHT_NOBITS {
		return p.malformed(img, r, ".plt has no file contents")
	}
	if elfV2(img) {
		img.PutUint64(r.Offset, value)
		return img.Err()
	}
	var d dso.FuncDesc
	switch {
	case sym.Desc != nil:
		d = *sym.Desc
	case value != 0:
		return p.malformed(img, r, "target %#x has no function descriptor", value)
	}
	img.PutUint64(r.Offset, d.Entry)
	img.PutUint64(r.Offset+8, d.TOC)
	img.PutUint64(r.Offset+16, d.Env)
	return img.Err()
}

func (p *ppc64) store(img *dso.Image, r *dso.Rela, buf []byte, value uint64) {
	bo := img.ByteOrder
	switch r.Type {
	case rPPC64Addr16, rPPC64Addr16Lo:
		bo.PutUint16(buf, uint16(value))
	case rPPC64Addr16Hi:
		bo.PutUint16(buf, uint16(value>>16))
	case rPPC64Addr16Ha:
		bo.PutUint16(buf, uint16((value+0x8000)>>16))
	case rPPC64Addr32, rPPC64UAddr32:
		bo.PutUint32(buf, uint32(value))
	case rPPC64Rel32:
		bo.PutUint32(buf, uint32(value-r.Offset))
	case rPPC64Rel64:
		bo.PutUint64(buf, value-r.Offset)
	default:
		bo.PutUint64(buf, value)
	}
}

func (p *ppc64) ConflictRela(ctx *Context, r *dso.Rela) error {
	img := ctx.Image
	switch r.Type {
	case rPPC64None, rPPC64Relative:
		return nil
	case rPPC64Copy:
		return p.copyReloc(img, r)
	case rPPC64IRelative:
		ctx.addConflict(r.Offset, rPPC64IRelative, r.Addend)
		return nil
	}

	sym, ok := ctx.lookupConflict(r, p.RelocClass(r.Type) == ClassTLS)
	if !ok {
		return nil
	}
	value := int64(sym.Value) + r.Addend
	switch r.Type {
	case rPPC64GlobDat, rPPC64Addr64, rPPC64UAddr64:
		if sym.IFunc {
			ctx.addConflict(r.Offset, rPPC64IRelative, int64(sym.Value))
			return nil
		}
		ctx.addConflict(r.Offset, rPPC64Addr64, value)
	case rPPC64JmpSlot, rPPC64Addr32, rPPC64UAddr32, rPPC64Addr16, rPPC64Addr16Lo,
		rPPC64Addr16Hi, rPPC64Addr16Ha:
		ctx.addConflict(r.Offset, r.Type, value)
	case rPPC64Rel64:
		ctx.addConflict(r.Offset, rPPC64Addr64, value-int64(r.Offset))
	case rPPC64Rel32:
		ctx.addConflict(r.Offset, rPPC64Addr32, int64(uint32(value-int64(r.Offset))))
	case rPPC64DTPMod64:
		mod, err := p.needTLS(ctx, r, sym)
		if err != nil {
			return err
		}
		ctx.addConflict(r.Offset, rPPC64Addr64, int64(mod.ModID))
	case rPPC64DTPRel64:
		ctx.addConflict(r.Offset, rPPC64Addr64, value-dtpBias)
	case rPPC64TPRel64:
		mod, err := p.needTLS(ctx, r, sym)
		if err != nil {
			return err
		}
		ctx.addConflict(r.Offset, rPPC64Addr64, value+int64(mod.Offset)-tpBias)
	default:
		return p.unsupported(img, r)
	}
	return nil
}

func (p *ppc64) ApplyRela(ctx *Context, r *dso.Rela, buf []byte) error {
	img := ctx.Image
	switch r.Type {
	case rPPC64None:
		return nil
	case rPPC64Relative:
		return p.malformed(img, r, "relative relocation in executable")
	case rPPC64Copy:
		return p.malformed(img, r, "copy relocation cannot be applied")
	case rPPC64IRelative, rPPC64DTPMod64, rPPC64DTPRel64, rPPC64TPRel64:
		return p.unsupported(img, r)
	}
	if p.RelocSize(r.Type) == 0 {
		return p.unsupported(img, r)
	}
	sym := ctx.Resolver.Resolve(r.Sym, r.Type)
	value := sym.Value + uint64(r.Addend)
	if r.Type != rPPC64JmpSlot {
		p.store(img, r, buf, value)
		return nil
	}
	bo := img.ByteOrder
	if elfV2(img) || sym.Desc == nil {
		bo.PutUint64(buf, value)
		return nil
	}
	bo.PutUint64(buf, sym.Desc.Entry)
	bo.PutUint64(buf[8:], sym.Desc.TOC)
	bo.PutUint64(buf[16:], sym.Desc.Env)
	return nil
}

func (p *ppc64) UndoRela(img *dso.Image, r *dso.Rela) (bool, error) {
	switch r.Type {
	case rPPC64None, rPPC64Relative, rPPC64IRelative, rPPC64DTPMod64, rPPC64TPRel64:
		return false, nil
	case rPPC64Copy:
		return false, p.copyReloc(img, r)
	case rPPC64JmpSlot:
		n := 3
		if elfV2(img) {
			n = 1
		}
		for i := 0; i < n; i++ {
			img.PutUint64(r.Offset+8*uint64(i), 0)
		}
	default:
		size := p.RelocSize(r.Type)
		if size == 0 {
			return false, p.unsupported(img, r)
		}
		writeField(img, r.Offset, size, 0)
	}
	return false, img.Err()
}
