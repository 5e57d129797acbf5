package arch

import (
	"debug/elf"

	"github.com/sliverarmory/prelink/dso"
)

const (
	rMIPSNone      = uint32(elf.R_MIPS_NONE)
	rMIPS32        = uint32(elf.R_MIPS_32)
	rMIPSRel32     = uint32(elf.R_MIPS_REL32)
	rMIPSDTPMod32  = uint32(elf.R_MIPS_TLS_DTPMOD32)
	rMIPSDTPRel32  = uint32(elf.R_MIPS_TLS_DTPREL32)
	rMIPSTPRel32   = uint32(elf.R_MIPS_TLS_TPREL32)
	rMIPSCopy      = 126
	rMIPSJumpSlot  = 127
	rMIPSIRelative = 128

	// mipsGNUModulePointer marks GOT slot 1 as reserved for the loader.
	mipsGNUModulePointer = 0x80000000
)

type mips struct {
	generic
}

func init() {
	register(&mips{generic{
		d: &Descriptor{
			Name:          "mips",
			Class:         elf.ELFCLASS32,
			Machine:       elf.EM_MIPS,
			Relative:      rMIPSRel32,
			JmpSlot:       rMIPSJumpSlot,
			Copy:          rMIPSCopy,
			IRelative:     rMIPSIRelative,
			GlobDat:       rMIPSRel32,
			Abs:           rMIPSRel32,
			PageSize:      0x1000,
			MaxPageSize:   0x10000,
			MmapBase:      0x0c000000,
			MmapEnd:       0x1c000000,
			DynamicLinker: "/lib/ld.so.1",
			TLS:           TLSVariant1,
		},
		typeName: func(t uint32) string {
			switch t {
			case rMIPSCopy:
				return "R_MIPS_COPY"
			case rMIPSJumpSlot:
				return "R_MIPS_JUMP_SLOT"
			case rMIPSIRelative:
				return "R_MIPS_IRELATIVE"
			}
			return elf.R_MIPS(t).String()
		},
		sizes: map[uint32]int{
			rMIPS32: 4, rMIPSRel32: 4, rMIPSDTPMod32: 4, rMIPSDTPRel32: 4, rMIPSTPRel32: 4,
			rMIPSJumpSlot: 4, rMIPSIRelative: 4,
		},
		classes: map[uint32]RelocClass{
			rMIPSNone: ClassOther, rMIPSCopy: ClassCopy, rMIPSJumpSlot: ClassPLT,
			rMIPSDTPMod32: ClassTLS, rMIPSDTPRel32: ClassTLS, rMIPSTPRel32: ClassTLS,
		},
	}})
}

// mipsGOT describes the multi-part MIPS GOT: local entries first, then
// one global entry per dynamic symbol from gotsym on.
type mipsGOT struct {
	addr     uint64
	local    uint64
	gotsym   uint64
	symtabno uint64
}

func readMIPSGOT(img *dso.Image) (mipsGOT, bool) {
	var g mipsGOT
	var ok bool
	if g.addr, ok = img.DynValue(elf.DT_PLTGOT); !ok {
		return g, false
	}
	if g.local, ok = img.DynValue(elf.DT_MIPS_LOCAL_GOTNO); !ok {
		return g, false
	}
	if g.gotsym, ok = img.DynValue(elf.DT_MIPS_GOTSYM); !ok {
		return g, false
	}
	if g.symtabno, ok = img.DynValue(elf.DT_MIPS_SYMTABNO); !ok {
		g.symtabno = uint64(len(img.Symbols))
	}
	return g, true
}

func (g mipsGOT) global(sym uint64) uint64 {
	return g.addr + 4*(g.local+sym-g.gotsym)
}

func (g mipsGOT) hasGlobal(sym uint64) bool {
	return sym >= g.gotsym && sym < g.symtabno
}

type gotClass int

const (
	gotUndefined gotClass = iota
	gotStub
	gotCommon
	gotFunc
	gotData
)

func classifyGOT(s *dso.Sym) gotClass {
	switch {
	case s.IsUndef() && s.Type() == elf.STT_FUNC && s.Value != 0:
		return gotStub
	case s.IsUndef():
		return gotUndefined
	case s.IsCommon():
		return gotCommon
	case s.Type() == elf.STT_FUNC:
		return gotFunc
	}
	return gotData
}

// initialValue is what the loader expects in a global GOT entry of an
// object that was never prelinked.
func initialValue(s *dso.Sym) uint64 {
	switch classifyGOT(s) {
	case gotStub, gotFunc, gotData:
		return s.Value
	}
	return 0
}

func (m *mips) AdjustDyn(img *dso.Image, i int, start, delta uint64) bool {
	d := img.Dynamic[i]
	switch d.Tag {
	case elf.DT_MIPS_BASE_ADDRESS, elf.DT_MIPS_RLD_MAP:
		if d.Val >= start {
			img.SetDyn(i, d.Val+delta)
		}
		return true
	}
	return false
}

// AdjustRel moves the addresses symbolless REL32 records and lazy PLT
// slots hold. Symbol based records hold a plain addend.
func (m *mips) AdjustRel(img *dso.Image, r *dso.Rela, start, delta uint64) error {
	switch {
	case r.Sym == 0 && (r.Type == rMIPSRel32 || r.Type == rMIPS32),
		r.Type == rMIPSJumpSlot, r.Type == rMIPSIRelative:
		if v := uint64(img.Uint32(r.Offset)); v >= start {
			img.PutUint32(r.Offset, uint32(v+delta))
		}
	}
	return img.Err()
}

func (m *mips) PrelinkRel(ctx *Context, r *dso.Rela) (bool, error) {
	img := ctx.Image
	switch r.Type {
	case rMIPSNone, rMIPSIRelative, rMIPSTPRel32:
		return false, nil
	case rMIPSCopy:
		return false, m.copyReloc(img, r)
	case rMIPSDTPMod32:
		if img.Type == elf.ET_EXEC {
			return false, m.malformed(img, r, "module id relocation in executable")
		}
		return false, nil
	case rMIPSRel32, rMIPS32:
		if r.Sym == 0 {
			return false, nil
		}
	}

	sym := ctx.Resolver.Resolve(r.Sym, r.Type)
	if sym.IFunc {
		return false, nil
	}
	switch r.Type {
	case rMIPSRel32, rMIPS32:
		img.PutUint32(r.Offset, img.Uint32(r.Offset)+uint32(sym.Value))
	case rMIPSDTPRel32:
		img.PutUint32(r.Offset, img.Uint32(r.Offset)+uint32(sym.Value-dtpBias))
	case rMIPSJumpSlot:
		img.PutUint32(r.Offset, uint32(sym.Value))
	default:
		return false, m.unsupported(img, r)
	}
	return false, img.Err()
}

// symbolValue recovers the value a prelinked record added to its field:
// the global GOT entry when there is one, else the symbol's own value.
func (m *mips) symbolValue(img *dso.Image, sym uint32) (uint64, bool) {
	if g, ok := readMIPSGOT(img); ok && g.hasGlobal(uint64(sym)) {
		return uint64(img.Uint32(g.global(uint64(sym)))), true
	}
	if int(sym) < len(img.Symbols) && !img.Symbols[sym].IsUndef() {
		return img.Symbols[sym].Value, true
	}
	return 0, false
}

func (m *mips) UndoRel(img *dso.Image, r *dso.Rela) (bool, error) {
	switch r.Type {
	case rMIPSNone, rMIPSIRelative, rMIPSDTPMod32, rMIPSTPRel32:
		return false, nil
	case rMIPSCopy:
		return false, m.copyReloc(img, r)
	case rMIPSRel32, rMIPS32:
		if r.Sym == 0 {
			return false, nil
		}
		v, ok := m.symbolValue(img, r.Sym)
		if !ok {
			img.PutUint32(r.Offset, 0)
			break
		}
		img.PutUint32(r.Offset, img.Uint32(r.Offset)-uint32(v))
	case rMIPSDTPRel32:
		var v uint64
		if r.Sym != 0 {
			if int(r.Sym) >= len(img.Symbols) || img.Symbols[r.Sym].IsUndef() {
				img.PutUint32(r.Offset, 0)
				break
			}
			v = img.Symbols[r.Sym].Value
		}
		img.PutUint32(r.Offset, img.Uint32(r.Offset)-uint32(v-dtpBias))
	case rMIPSJumpSlot:
		plt := img.SectionByName(".plt")
		if plt == nil {
			return false, m.malformed(img, r, "jump slot without .plt")
		}
		img.PutUint32(r.Offset, uint32(plt.Addr))
	default:
		return false, m.unsupported(img, r)
	}
	return false, img.Err()
}

func (m *mips) ConflictRel(ctx *Context, r *dso.Rela) error {
	img := ctx.Image
	switch r.Type {
	case rMIPSNone:
		return nil
	case rMIPSCopy:
		return m.copyReloc(img, r)
	case rMIPSIRelative:
		ctx.addConflict(r.Offset, rMIPSIRelative, int64(img.Uint32(r.Offset)))
		return nil
	case rMIPSRel32, rMIPS32:
		if r.Sym == 0 {
			return nil
		}
	}

	sym, ok := ctx.lookupConflict(r, m.RelocClass(r.Type) == ClassTLS)
	if !ok {
		return nil
	}
	field := int64(img.Uint32(r.Offset))
	switch r.Type {
	case rMIPSRel32, rMIPS32, rMIPSDTPRel32:
		if sym.IFunc {
			ctx.addConflict(r.Offset, rMIPSIRelative, int64(uint32(sym.Value)))
			return nil
		}
		own := int64(ctx.Resolver.Resolve(r.Sym, r.Type).Value)
		ctx.addConflict(r.Offset, rMIPSRel32, int64(uint32(field-own+int64(sym.Value))))
	case rMIPSJumpSlot:
		ctx.addConflict(r.Offset, rMIPSRel32, int64(uint32(sym.Value)))
	case rMIPSDTPMod32:
		mod, err := m.needTLS(ctx, r, sym)
		if err != nil {
			return err
		}
		ctx.addConflict(r.Offset, rMIPSRel32, int64(mod.ModID))
	case rMIPSTPRel32:
		mod, err := m.needTLS(ctx, r, sym)
		if err != nil {
			return err
		}
		ctx.addConflict(r.Offset, rMIPSRel32, int64(uint32(field+int64(sym.Value)+int64(mod.Offset)-tpBias)))
	default:
		return m.unsupported(img, r)
	}
	return nil
}

func (m *mips) ApplyRel(ctx *Context, r *dso.Rela, buf []byte) error {
	img := ctx.Image
	bo := img.ByteOrder
	switch r.Type {
	case rMIPSNone:
		return nil
	case rMIPSCopy:
		return m.malformed(img, r, "copy relocation cannot be applied")
	case rMIPSRel32, rMIPS32:
		if r.Sym == 0 {
			return m.malformed(img, r, "relative relocation in executable")
		}
		sym := ctx.Resolver.Resolve(r.Sym, r.Type)
		writeBuf(bo, buf, 4, readBuf(bo, buf, 4)+sym.Value)
	case rMIPSJumpSlot:
		sym := ctx.Resolver.Resolve(r.Sym, r.Type)
		writeBuf(bo, buf, 4, sym.Value)
	default:
		return m.unsupported(img, r)
	}
	return nil
}

// ArchPrelink fills the global GOT entries with the resolved values.
func (m *mips) ArchPrelink(ctx *Context) error {
	img := ctx.Image
	g, ok := readMIPSGOT(img)
	if !ok {
		return nil
	}
	for i := g.gotsym; i < g.symtabno && i < uint64(len(img.Symbols)); i++ {
		s := &img.Symbols[i]
		typ := rMIPSRel32
		if s.Type() == elf.STT_FUNC {
			typ = rMIPSJumpSlot
		}
		res := ctx.Resolver.Resolve(uint32(i), typ)
		v := res.Value
		if !res.Found {
			v = initialValue(s)
		}
		img.PutUint32(g.global(i), uint32(v))
	}
	return img.Err()
}

// ArchUndo restores the global GOT entries the static linker wrote.
func (m *mips) ArchUndo(img *dso.Image) error {
	g, ok := readMIPSGOT(img)
	if !ok {
		return nil
	}
	for i := g.gotsym; i < g.symtabno && i < uint64(len(img.Symbols)); i++ {
		img.PutUint32(g.global(i), uint32(initialValue(&img.Symbols[i])))
	}
	return img.Err()
}

// ArchAdjust moves local GOT entries and the global entries of symbols the
// object defines. Slot 0 belongs to the lazy resolver.
func (m *mips) ArchAdjust(img *dso.Image, start, delta uint64) error {
	g, ok := readMIPSGOT(img)
	if !ok {
		return nil
	}
	first := uint64(1)
	if img.Uint32(g.addr+4)&mipsGNUModulePointer != 0 {
		first = 2
	}
	for i := first; i < g.local; i++ {
		at := g.addr + 4*i
		if v := uint64(img.Uint32(at)); v >= start {
			img.PutUint32(at, uint32(v+delta))
		}
	}
	for i := g.gotsym; i < g.symtabno && i < uint64(len(img.Symbols)); i++ {
		switch classifyGOT(&img.Symbols[i]) {
		case gotStub, gotFunc, gotData:
		default:
			continue
		}
		at := g.global(i)
		if v := uint64(img.Uint32(at)); v != 0 && v >= start {
			img.PutUint32(at, uint32(v+delta))
		}
	}
	return img.Err()
}

// GOTConflicts reports global GOT entries whose symbol the executable's
// scope binds elsewhere.
func (m *mips) GOTConflicts(ctx *Context) error {
	img := ctx.Image
	g, ok := readMIPSGOT(img)
	if !ok {
		return nil
	}
	for i := g.gotsym; i < g.symtabno && i < uint64(len(img.Symbols)); i++ {
		s, ok := ctx.Oracle.LookupConflict(uint32(i), rMIPSRel32)
		if !ok {
			continue
		}
		ctx.addConflict(g.global(i), rMIPSRel32, int64(uint32(s.Value)))
	}
	return img.Err()
}
