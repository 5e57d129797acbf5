package arch

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/sliverarmory/prelink/dso"
	"github.com/sliverarmory/prelink/layout"
)

const (
	rPPCNone       = uint32(elf.R_PPC_NONE)
	rPPCAddr32     = uint32(elf.R_PPC_ADDR32)
	rPPCAddr24     = uint32(elf.R_PPC_ADDR24)
	rPPCAddr16     = uint32(elf.R_PPC_ADDR16)
	rPPCAddr16Lo   = uint32(elf.R_PPC_ADDR16_LO)
	rPPCAddr16Hi   = uint32(elf.R_PPC_ADDR16_HI)
	rPPCAddr16Ha   = uint32(elf.R_PPC_ADDR16_HA)
	rPPCAddr14     = uint32(elf.R_PPC_ADDR14)
	rPPCAddr14T    = uint32(elf.R_PPC_ADDR14_BRTAKEN)
	rPPCAddr14N    = uint32(elf.R_PPC_ADDR14_BRNTAKEN)
	rPPCRel24      = uint32(elf.R_PPC_REL24)
	rPPCRel14      = uint32(elf.R_PPC_REL14)
	rPPCCopy       = uint32(elf.R_PPC_COPY)
	rPPCGlobDat    = uint32(elf.R_PPC_GLOB_DAT)
	rPPCJmpSlot    = uint32(elf.R_PPC_JMP_SLOT)
	rPPCRelative   = uint32(elf.R_PPC_RELATIVE)
	rPPCUAddr32    = uint32(elf.R_PPC_UADDR32)
	rPPCUAddr16    = uint32(elf.R_PPC_UADDR16)
	rPPCRel32      = uint32(elf.R_PPC_REL32)
	rPPCDTPMod32   = uint32(elf.R_PPC_DTPMOD32)
	rPPCTPRel32    = uint32(elf.R_PPC_TPREL32)
	rPPCDTPRel32   = uint32(elf.R_PPC_DTPREL32)
	rPPCIRelative  = 248
	ppcHighZone    = 0x30000000
	ppcHighZoneEnd = 0x40000000
)

// Variant I thread pointer biases shared by the PowerPC and MIPS ABIs.
const (
	dtpBias = 0x8000
	tpBias  = 0x7000
)

// bss-PLT geometry. The first 18 words hold the lazy resolver, every
// entry takes two words, entries past 8192 four, and the data table of
// long branch targets follows the last entry.
const (
	pltInitialEntryWords = 18
	pltDoubleSize        = 8192
	pltLongHeaderWords   = 4
)

func pltEntryStartWords(n uint64) uint64 {
	w := pltInitialEntryWords + 2*n
	if n > pltDoubleSize {
		w += 2 * (n - pltDoubleSize)
	}
	return w
}

// pltIndex recovers the entry index from a word offset into .plt.
func pltIndex(words uint64) uint64 {
	raw := (words - pltInitialEntryWords) / 2
	if raw >= pltDoubleSize {
		raw -= (raw - pltDoubleSize) / 2
	}
	return raw
}

func pltEntryWords(idx uint64) uint64 {
	if idx < pltDoubleSize {
		return 2
	}
	return 4
}

func ppcADDI(rd, ra uint32, v int32) uint32 {
	return 0x38000000 | rd<<21 | ra<<16 | uint32(v)&0xffff
}

func ppcADDIS(rd, ra uint32, v int32) uint32 {
	return 0x3c000000 | rd<<21 | ra<<16 | uint32(v)&0xffff
}

func ppcLWZ(rd, ra uint32, v int32) uint32 {
	return 0x80000000 | rd<<21 | ra<<16 | uint32(v)&0xffff
}

func ppcB(disp int64) uint32 {
	return 0x48000000 | uint32(disp)&0x03fffffc
}

func ppcBA(addr uint64) uint32 {
	return 0x48000002 | uint32(addr)&0x03fffffc
}

const (
	ppcBCTR  = 0x4e800420
	ppcMTCTR = 0x7c0903a6
)

func ppcLI(rd uint32, v int32) uint32 {
	return ppcADDI(rd, 0, v)
}

// ppcADDISHi adds the high half of v adjusted for the sign of its low half.
func ppcADDISHi(rd, ra uint32, v int32) uint32 {
	return ppcADDIS(rd, ra, (v+0x8000)>>16)
}

func ppcLISHi(rd uint32, v int32) uint32 {
	return ppcADDISHi(rd, 0, v)
}

func fitsBranch(disp int64) bool {
	return disp >= -0x2000000 && disp < 0x2000000
}

// ppcPLT is the geometry of a bss-PLT in one coordinate system.
type ppcPLT struct {
	addr uint64
	data uint64
	n    uint64
}

func (p ppcPLT) moved(start, delta uint64) ppcPLT {
	if p.addr >= start {
		p.addr += delta
		p.data += delta
	}
	return p
}

// index returns the entry index of the PLT slot at site.
func (p ppcPLT) index(site uint64) uint64 {
	return pltIndex((site - p.addr) / 4)
}

// stub encodes a branch from site to target. Long branches go through the
// header and report that target belongs in data slot idx.
func (p ppcPLT) stub(site, target, idx uint64) ([]uint32, bool, error) {
	disp := int64(int32(uint32(target) - uint32(site)))
	switch {
	case fitsBranch(disp):
		return []uint32{ppcB(disp)}, false, nil
	case uint32(target) <= 0x01fffffc || uint32(target) >= 0xfe000000:
		return []uint32{ppcBA(target)}, false, nil
	}
	off := int32(4 * idx)
	if idx < pltDoubleSize {
		back := int64(p.addr) - int64(site+4)
		if !fitsBranch(back) {
			return nil, false, fmt.Errorf("PLT entry %d too far from .plt", idx)
		}
		return []uint32{ppcLI(11, off), ppcB(back)}, true, nil
	}
	back := int64(p.addr) - int64(site+8)
	if !fitsBranch(back) {
		return nil, false, fmt.Errorf("PLT entry %d too far from .plt", idx)
	}
	return []uint32{ppcLISHi(11, off), ppcADDI(11, 11, off), ppcB(back)}, true, nil
}

// header is the long branch trampoline at the start of .plt: load
// data[r11/4] and jump there.
func (p ppcPLT) header() []uint32 {
	d := int32(p.data)
	return []uint32{ppcADDISHi(11, 11, d), ppcLWZ(11, 11, d), ppcMTCTR | 11<<21, ppcBCTR}
}

type ppc struct {
	generic
}

func init() {
	register(&ppc{generic{
		d: &Descriptor{
			Name:          "ppc",
			Class:         elf.ELFCLASS32,
			Machine:       elf.EM_PPC,
			Relative:      rPPCRelative,
			JmpSlot:       rPPCJmpSlot,
			Copy:          rPPCCopy,
			IRelative:     rPPCIRelative,
			GlobDat:       rPPCGlobDat,
			Abs:           rPPCAddr32,
			PageSize:      0x1000,
			MaxPageSize:   0x10000,
			MmapBase:      0x0e800000,
			MmapEnd:       0x0f800000,
			DynamicLinker: "/lib/ld.so.1",
			RelaNative:    true,
			TLS:           TLSVariant1,
		},
		typeName: func(t uint32) string {
			if t == rPPCIRelative {
				return "R_PPC_IRELATIVE"
			}
			return elf.R_PPC(t).String()
		},
		sizes: map[uint32]int{
			rPPCAddr32: 4, rPPCUAddr32: 4, rPPCGlobDat: 4, rPPCJmpSlot: 4, rPPCRelative: 4,
			rPPCIRelative: 4, rPPCRel32: 4, rPPCAddr24: 4, rPPCAddr14: 4, rPPCAddr14T: 4,
			rPPCAddr14N: 4, rPPCRel24: 4, rPPCRel14: 4, rPPCDTPMod32: 4, rPPCTPRel32: 4,
			rPPCDTPRel32: 4, rPPCAddr16: 2, rPPCUAddr16: 2, rPPCAddr16Lo: 2, rPPCAddr16Hi: 2,
			rPPCAddr16Ha: 2,
		},
		classes: map[uint32]RelocClass{
			rPPCNone: ClassOther, rPPCCopy: ClassCopy, rPPCJmpSlot: ClassPLT,
			rPPCDTPMod32: ClassTLS, rPPCTPRel32: ClassTLS, rPPCDTPRel32: ClassTLS,
		},
	}})
}

// plt returns the bss-PLT geometry of img. Secure-PLT objects keep their
// PLT in a plain table and are not handled.
func (p *ppc) plt(img *dso.Image, r *dso.Rela) (ppcPLT, error) {
	if _, ok := img.DynValue(elf.DT_PPC_GOT); ok {
		return ppcPLT{}, p.fail(img, r, fmt.Errorf("%w: secure PLT", ErrUnsupportedReloc))
	}
	s := img.SectionByName(".plt")
	if s == nil {
		return ppcPLT{}, p.malformed(img, r, "no .plt section")
	}
	if s.Type == elf.SHT_NOBITS {
		return ppcPLT{}, p.malformed(img, r, ".plt has no file contents")
	}
	return pltGeometry(img, s), nil
}

func pltGeometry(img *dso.Image, s *dso.Section) ppcPLT {
	sz, _ := img.DynValue(elf.DT_PLTRELSZ)
	n := sz / 12
	return ppcPLT{addr: s.Addr, data: s.Addr + 4*pltEntryStartWords(n), n: n}
}

// writeStub stores the stub branching to target for the entry at site.
// cur locates the bytes, next gives the coordinates the code runs at.
func (p *ppc) writeStub(img *dso.Image, r *dso.Rela, cur, next ppcPLT, site, target uint64) error {
	idx := cur.index(r.Offset)
	if idx >= cur.n {
		return p.malformed(img, r, "PLT entry %d past DT_PLTRELSZ", idx)
	}
	p.clearStub(img, cur, r.Offset)
	words, long, err := next.stub(site, target, idx)
	if err != nil {
		return p.fail(img, r, err)
	}
	for i, w := range words {
		img.PutUint32(r.Offset+4*uint64(i), w)
	}
	if long {
		img.PutUint32(cur.data+4*idx, uint32(target))
	}
	return img.Err()
}

func (p *ppc) clearStub(img *dso.Image, cur ppcPLT, site uint64) {
	for i := uint64(0); i < pltEntryWords(cur.index(site)); i++ {
		img.PutUint32(site+4*i, 0)
	}
}

// stubTarget decodes the branch target of a written stub.
func (p *ppc) stubTarget(img *dso.Image, cur ppcPLT, site uint64) (uint64, bool) {
	w := img.Uint32(site)
	switch {
	case w == 0:
		return 0, false
	case w>>26 == 18:
		disp := int64(int32(w&0x03fffffc<<6) >> 6)
		if w&2 != 0 {
			return uint64(uint32(disp)), true
		}
		return uint64(uint32(int64(site) + disp)), true
	}
	return uint64(img.Uint32(cur.data + 4*cur.index(site))), true
}

func (p *ppc) AdjustDyn(img *dso.Image, i int, start, delta uint64) bool {
	d := img.Dynamic[i]
	if d.Tag != elf.DT_PPC_GOT {
		return false
	}
	if d.Val >= start {
		img.SetDyn(i, d.Val+delta)
	}
	return true
}

func (p *ppc) AdjustRela(img *dso.Image, r *dso.Rela, start, delta uint64) error {
	if r.Type != rPPCJmpSlot {
		return p.generic.AdjustRela(img, r, start, delta)
	}
	cur, err := p.plt(img, r)
	if err != nil {
		return err
	}
	target, ok := p.stubTarget(img, cur, r.Offset)
	if !ok {
		return nil
	}
	if target >= start {
		target += delta
	}
	site := r.Offset
	if site >= start {
		site += delta
	}
	return p.writeStub(img, r, cur, cur.moved(start, delta), site, target)
}

func (p *ppc) PrelinkRela(ctx *Context, r *dso.Rela) (bool, error) {
	img := ctx.Image
	switch r.Type {
	case rPPCNone, rPPCRelative, rPPCIRelative, rPPCTPRel32:
		return false, nil
	case rPPCCopy:
		return false, p.copyReloc(img, r)
	case rPPCDTPMod32:
		if img.Type == elf.ET_EXEC {
			return false, p.malformed(img, r, "module id relocation in executable")
		}
		return false, nil
	case rPPCRel24, rPPCRel14:
		if img.Type != elf.ET_EXEC {
			return false, p.malformed(img, r, "PC relative branch in shared library")
		}
	}

	sym := ctx.Resolver.Resolve(r.Sym, r.Type)
	if sym.IFunc {
		return false, nil
	}
	value := sym.Value + uint64(r.Addend)
	if r.Type == rPPCJmpSlot {
		cur, err := p.plt(img, r)
		if err != nil {
			return false, err
		}
		return false, p.writeStub(img, r, cur, cur, r.Offset, value)
	}
	if r.Type == rPPCDTPRel32 {
		value -= dtpBias
	}
	p.store(img.ByteOrder, r, img.Bytes(r.Offset, p.RelocSize(r.Type)), value)
	return false, img.Err()
}

// store applies the field semantics of r to value and writes it to buf.
func (p *ppc) store(bo binary.ByteOrder, r *dso.Rela, buf []byte, value uint64) {
	if len(buf) < p.RelocSize(r.Type) {
		return
	}
	switch r.Type {
	case rPPCAddr16, rPPCUAddr16, rPPCAddr16Lo:
		bo.PutUint16(buf, uint16(value))
	case rPPCAddr16Hi:
		bo.PutUint16(buf, uint16(value>>16))
	case rPPCAddr16Ha:
		bo.PutUint16(buf, uint16((value+0x8000)>>16))
	case rPPCAddr24:
		bo.PutUint32(buf, bo.Uint32(buf)&^0x03fffffc|uint32(value)&0x03fffffc)
	case rPPCAddr14, rPPCAddr14T, rPPCAddr14N:
		bo.PutUint32(buf, bo.Uint32(buf)&^0xfffc|uint32(value)&0xfffc)
	case rPPCRel24:
		bo.PutUint32(buf, bo.Uint32(buf)&^0x03fffffc|uint32(value-r.Offset)&0x03fffffc)
	case rPPCRel14:
		bo.PutUint32(buf, bo.Uint32(buf)&^0xfffc|uint32(value-r.Offset)&0xfffc)
	case rPPCRel32:
		bo.PutUint32(buf, uint32(value-r.Offset))
	default:
		bo.PutUint32(buf, uint32(value))
	}
}

func (p *ppc) ConflictRela(ctx *Context, r *dso.Rela) error {
	img := ctx.Image
	switch r.Type {
	case rPPCNone, rPPCRelative:
		return nil
	case rPPCCopy:
		return p.copyReloc(img, r)
	case rPPCIRelative:
		ctx.addConflict(r.Offset, rPPCIRelative, r.Addend)
		return nil
	}

	sym, ok := ctx.lookupConflict(r, p.RelocClass(r.Type) == ClassTLS)
	if !ok {
		return nil
	}
	value := int64(sym.Value) + r.Addend
	switch r.Type {
	case rPPCGlobDat, rPPCAddr32, rPPCUAddr32:
		if sym.IFunc {
			ctx.addConflict(r.Offset, rPPCIRelative, int64(uint32(sym.Value)))
			return nil
		}
		ctx.addConflict(r.Offset, rPPCAddr32, int64(uint32(value)))
	case rPPCJmpSlot, rPPCAddr16, rPPCUAddr16, rPPCAddr16Lo, rPPCAddr16Hi, rPPCAddr16Ha,
		rPPCAddr24, rPPCAddr14, rPPCAddr14T, rPPCAddr14N:
		ctx.addConflict(r.Offset, r.Type, int64(uint32(value)))
	case rPPCRel32:
		ctx.addConflict(r.Offset, rPPCAddr32, int64(uint32(value-int64(r.Offset))))
	case rPPCDTPMod32:
		mod, err := p.needTLS(ctx, r, sym)
		if err != nil {
			return err
		}
		ctx.addConflict(r.Offset, rPPCAddr32, int64(mod.ModID))
	case rPPCDTPRel32:
		ctx.addConflict(r.Offset, rPPCAddr32, int64(uint32(value-dtpBias)))
	case rPPCTPRel32:
		mod, err := p.needTLS(ctx, r, sym)
		if err != nil {
			return err
		}
		ctx.addConflict(r.Offset, rPPCAddr32, int64(uint32(value+int64(mod.Offset)-tpBias)))
	default:
		return p.unsupported(img, r)
	}
	return nil
}

func (p *ppc) ApplyRela(ctx *Context, r *dso.Rela, buf []byte) error {
	img := ctx.Image
	switch r.Type {
	case rPPCNone:
		return nil
	case rPPCRelative:
		return p.malformed(img, r, "relative relocation in executable")
	case rPPCCopy:
		return p.malformed(img, r, "copy relocation cannot be applied")
	case rPPCIRelative, rPPCDTPMod32, rPPCTPRel32, rPPCDTPRel32:
		return p.unsupported(img, r)
	}
	if p.RelocSize(r.Type) == 0 {
		return p.unsupported(img, r)
	}
	sym := ctx.Resolver.Resolve(r.Sym, r.Type)
	p.store(img.ByteOrder, r, buf, sym.Value+uint64(r.Addend))
	return nil
}

func (p *ppc) UndoRela(img *dso.Image, r *dso.Rela) (bool, error) {
	switch r.Type {
	case rPPCNone, rPPCRelative, rPPCIRelative, rPPCDTPMod32, rPPCTPRel32:
		return false, nil
	case rPPCCopy:
		return false, p.copyReloc(img, r)
	case rPPCJmpSlot:
		cur, err := p.plt(img, r)
		if err != nil {
			return false, err
		}
		p.clearStub(img, cur, r.Offset)
	case rPPCAddr24, rPPCRel24:
		img.PutUint32(r.Offset, img.Uint32(r.Offset)&^0x03fffffc)
	case rPPCAddr14, rPPCAddr14T, rPPCAddr14N, rPPCRel14:
		img.PutUint32(r.Offset, img.Uint32(r.Offset)&^0xfffc)
	default:
		size := p.RelocSize(r.Type)
		if size == 0 {
			return false, p.unsupported(img, r)
		}
		writeField(img, r.Offset, size, 0)
	}
	return false, img.Err()
}

func (p *ppc) ArchPrelink(ctx *Context) error {
	img := ctx.Image
	cur, ok := p.lazyPLT(img)
	if !ok {
		return nil
	}
	for i, w := range cur.header() {
		img.PutUint32(cur.addr+4*uint64(i), w)
	}
	return img.Err()
}

func (p *ppc) ArchUndo(img *dso.Image) error {
	cur, ok := p.lazyPLT(img)
	if !ok {
		return nil
	}
	for i := uint64(0); i < pltLongHeaderWords; i++ {
		img.PutUint32(cur.addr+4*i, 0)
	}
	for i := uint64(0); i < cur.n; i++ {
		img.PutUint32(cur.data+4*i, 0)
	}
	return img.Err()
}

// ArchAdjust rewrites the long branch header of a prelinked PLT for the
// moved data table.
func (p *ppc) ArchAdjust(img *dso.Image, start, delta uint64) error {
	cur, ok := p.lazyPLT(img)
	if !ok || img.Uint32(cur.addr) == 0 {
		return img.Err()
	}
	for i, w := range cur.moved(start, delta).header() {
		img.PutUint32(cur.addr+4*uint64(i), w)
	}
	return img.Err()
}

func (p *ppc) lazyPLT(img *dso.Image) (ppcPLT, bool) {
	if _, ok := img.DynValue(elf.DT_PPC_GOT); ok {
		return ppcPLT{}, false
	}
	s := img.SectionByName(".plt")
	if s == nil || s.Type == elf.SHT_NOBITS {
		return ppcPLT{}, false
	}
	if g := pltGeometry(img, s); g.n > 0 {
		return g, true
	}
	return ppcPLT{}, false
}

// The 32-bit PowerPC layout also uses the range right below 1 GiB, with
// a sentinel keeping libraries out of the program area in between.
type ppcHigh struct{}

func (p *ppc) LayoutInit(s *layout.Space) error {
	if s.Overridden {
		return nil
	}
	s.MmapEnd = ppcHighZoneEnd
	s.ArchData = ppcHigh{}
	return nil
}

func (p *ppc) PreLayout(s *layout.Space) error {
	if _, ok := s.ArchData.(ppcHigh); ok {
		s.AddSentinel(p.d.MmapEnd, ppcHighZone)
	}
	return nil
}
