// Package elftest assembles small, valid ELF images in memory for tests of
// the relocation and layout passes.
package elftest

import (
	"debug/elf"
	"encoding/binary"

	"github.com/sliverarmory/prelink/dso"
)

const headerReserve = 0x400

type Section struct {
	Index int
	Name  string
	Type  elf.SectionType
	Flags elf.SectionFlag
	Addr  uint64
	Size  uint64
	data  []byte
	link  int
	info  uint32
	ent   uint64
}

type symbol struct {
	name  string
	value uint64
	size  uint64
	info  uint8
	other uint8
	shndx elf.SectionIndex
}

type relocs struct {
	name   string
	rela   bool
	relocs []dso.Rela
}

type Builder struct {
	Class     elf.Class
	ByteOrder binary.ByteOrder
	Machine   elf.Machine
	Type      elf.Type
	Flags     uint32
	Base      uint64
	Entry     uint64
	// Slack ends the first PT_LOAD after the relocation sections and
	// starts .dynamic in a second one at least Slack bytes later.
	Slack uint64

	soname   string
	needed   []string
	sections []*Section
	syms     []symbol
	rels     []relocs
	dyn      []dso.Dyn
	tls      *Section
	cursor   uint64
}

func New(class elf.Class, bo binary.ByteOrder, machine elf.Machine, typ elf.Type) *Builder {
	return &Builder{
		Class:     class,
		ByteOrder: bo,
		Machine:   machine,
		Type:      typ,
		cursor:    headerReserve,
	}
}

func (b *Builder) word() uint64 {
	if b.Class == elf.ELFCLASS64 {
		return 8
	}
	return 4
}

func align(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// Section adds an allocated section of size bytes at the next free address.
func (b *Builder) Section(name string, typ elf.SectionType, flags elf.SectionFlag, size uint64) *Section {
	b.cursor = align(b.cursor, 16)
	s := &Section{
		Index: len(b.sections) + 1,
		Name:  name,
		Type:  typ,
		Flags: flags | elf.SHF_ALLOC,
		Addr:  b.Base + b.cursor,
		Size:  size,
		data:  make([]byte, size),
	}
	b.cursor += size
	b.sections = append(b.sections, s)
	return s
}

// TLS marks s as the PT_TLS template.
func (b *Builder) TLS(s *Section) {
	s.Flags |= elf.SHF_TLS
	b.tls = s
}

func (b *Builder) Soname(name string) {
	b.soname = name
}

func (b *Builder) Needed(names ...string) {
	b.needed = append(b.needed, names...)
}

// Symbol adds a dynamic symbol and returns its index.
func (b *Builder) Symbol(name string, value, size uint64, typ elf.SymType, bind elf.SymBind, shndx elf.SectionIndex) uint32 {
	b.syms = append(b.syms, symbol{
		name:  name,
		value: value,
		size:  size,
		info:  elf.ST_INFO(bind, typ),
		shndx: shndx,
	})
	return uint32(len(b.syms))
}

// SymbolOther sets st_other of symbol idx.
func (b *Builder) SymbolOther(idx uint32, other uint8) {
	b.syms[idx-1].other = other
}

func (b *Builder) Relocs(name string, rela bool, rs ...dso.Rela) {
	b.rels = append(b.rels, relocs{name: name, rela: rela, relocs: rs})
}

func (b *Builder) Dyn(tag elf.DynTag, val uint64) {
	b.dyn = append(b.dyn, dso.Dyn{Tag: tag, Val: val})
}

// Put stores a native word at addr inside one of the builder's sections.
func (b *Builder) Put(addr uint64, v uint64) {
	for _, s := range b.sections {
		if addr >= s.Addr && addr+b.word() <= s.Addr+s.Size {
			off := addr - s.Addr
			if b.word() == 8 {
				b.ByteOrder.PutUint64(s.data[off:], v)
			} else {
				b.ByteOrder.PutUint32(s.data[off:], uint32(v))
			}
			return
		}
	}
	panic("elftest: Put outside of sections")
}

// Image builds the file and parses it with dso.New.
func (b *Builder) Image(name string) (*dso.Image, error) {
	return dso.New(name, b.Bytes())
}

func (b *Builder) Bytes() []byte {
	bo := b.ByteOrder
	w := b.word()
	strtab := []byte{0}
	addStr := func(s string) uint32 {
		off := uint32(len(strtab))
		strtab = append(strtab, s...)
		strtab = append(strtab, 0)
		return off
	}

	userCount, userCursor := len(b.sections), b.cursor
	var dynstr, dynsym, dynamic *Section

	symEnt := uint64(16)
	if w == 8 {
		symEnt = 24
	}
	symNames := make([]uint32, len(b.syms))
	for i, s := range b.syms {
		symNames[i] = addStr(s.name)
	}
	neededOff := make([]uint32, len(b.needed))
	for i, n := range b.needed {
		neededOff[i] = addStr(n)
	}
	var sonameOff uint32
	if b.soname != "" {
		sonameOff = addStr(b.soname)
	}

	dynstr = b.Section(".dynstr", elf.SHT_STRTAB, 0, uint64(len(strtab)))
	copy(dynstr.data, strtab)

	dynsym = b.Section(".dynsym", elf.SHT_DYNSYM, 0, symEnt*uint64(len(b.syms)+1))
	dynsym.link = dynstr.Index
	dynsym.info = 1
	dynsym.ent = symEnt
	for i, s := range b.syms {
		e := dynsym.data[symEnt*uint64(i+1):]
		if w == 8 {
			bo.PutUint32(e, symNames[i])
			e[4] = s.info
			e[5] = s.other
			bo.PutUint16(e[6:], uint16(s.shndx))
			bo.PutUint64(e[8:], s.value)
			bo.PutUint64(e[16:], s.size)
		} else {
			bo.PutUint32(e, symNames[i])
			bo.PutUint32(e[4:], uint32(s.value))
			bo.PutUint32(e[8:], uint32(s.size))
			e[12] = s.info
			e[13] = s.other
			bo.PutUint16(e[14:], uint16(s.shndx))
		}
	}

	for _, r := range b.rels {
		typ := elf.SHT_REL
		ent := 2 * w
		if r.rela {
			typ = elf.SHT_RELA
			ent = 3 * w
		}
		s := b.Section(r.name, typ, 0, ent*uint64(len(r.relocs)))
		s.link = dynsym.Index
		s.ent = ent
		for i, rel := range r.relocs {
			e := s.data[uint64(i)*ent:]
			if w == 8 {
				bo.PutUint64(e, rel.Offset)
				bo.PutUint64(e[8:], elf.R_INFO(rel.Sym, rel.Type))
				if r.rela {
					bo.PutUint64(e[16:], uint64(rel.Addend))
				}
			} else {
				bo.PutUint32(e, uint32(rel.Offset))
				bo.PutUint32(e[4:], elf.R_INFO32(rel.Sym, rel.Type))
				if r.rela {
					bo.PutUint32(e[8:], uint32(int32(rel.Addend)))
				}
			}
		}
	}

	var split, second uint64
	if b.Slack > 0 {
		split = align(b.cursor, 16)
		second = align(split+b.Slack, 0x1000)
		b.cursor = second
	}

	dyn := []dso.Dyn{}
	for _, off := range neededOff {
		dyn = append(dyn, dso.Dyn{Tag: elf.DT_NEEDED, Val: uint64(off)})
	}
	if b.soname != "" {
		dyn = append(dyn, dso.Dyn{Tag: elf.DT_SONAME, Val: uint64(sonameOff)})
	}
	dyn = append(dyn,
		dso.Dyn{Tag: elf.DT_STRTAB, Val: dynstr.Addr},
		dso.Dyn{Tag: elf.DT_SYMTAB, Val: dynsym.Addr},
		dso.Dyn{Tag: elf.DT_STRSZ, Val: dynstr.Size},
		dso.Dyn{Tag: elf.DT_SYMENT, Val: symEnt},
	)
	dyn = append(dyn, b.dyn...)
	dyn = append(dyn, dso.Dyn{Tag: elf.DT_NULL})
	dynamic = b.Section(".dynamic", elf.SHT_DYNAMIC, elf.SHF_WRITE, 2*w*uint64(len(dyn)))
	dynamic.link = dynstr.Index
	dynamic.ent = 2 * w
	for i, d := range dyn {
		e := dynamic.data[2*w*uint64(i):]
		if w == 8 {
			bo.PutUint64(e, uint64(d.Tag))
			bo.PutUint64(e[8:], d.Val)
		} else {
			bo.PutUint32(e, uint32(d.Tag))
			bo.PutUint32(e[4:], uint32(d.Val))
		}
	}

	// Non-allocated trailer: .shstrtab then section headers.
	shstr := []byte{0}
	nameOff := make([]uint32, len(b.sections)+1)
	for i, s := range b.sections {
		nameOff[i] = uint32(len(shstr))
		shstr = append(shstr, s.Name...)
		shstr = append(shstr, 0)
	}
	shstrName := uint32(len(shstr))
	shstr = append(shstr, ".shstrtab"...)
	shstr = append(shstr, 0)
	nameOff[len(b.sections)] = shstrName

	loadEnd := align(b.cursor, 16)
	shstrOff := loadEnd
	shoff := align(shstrOff+uint64(len(shstr)), 8)
	shnum := uint64(len(b.sections) + 2)
	ehsize, phentsize, shentsize := uint64(52), uint64(32), uint64(40)
	if w == 8 {
		ehsize, phentsize, shentsize = 64, 56, 64
	}
	out := make([]byte, shoff+shnum*shentsize)

	type phdr struct {
		typ    elf.ProgType
		flags  elf.ProgFlag
		off    uint64
		vaddr  uint64
		filesz uint64
		memsz  uint64
		align  uint64
	}
	phdrs := []phdr{
		{elf.PT_LOAD, elf.PF_R | elf.PF_W | elf.PF_X, 0, b.Base, loadEnd, loadEnd, 0x1000},
	}
	if second > 0 {
		phdrs = []phdr{
			{elf.PT_LOAD, elf.PF_R | elf.PF_X, 0, b.Base, split, split, 0x1000},
			{elf.PT_LOAD, elf.PF_R | elf.PF_W, second, b.Base + second, loadEnd - second, loadEnd - second, 0x1000},
		}
	}
	phdrs = append(phdrs, phdr{elf.PT_DYNAMIC, elf.PF_R | elf.PF_W, dynamic.Addr - b.Base, dynamic.Addr, dynamic.Size, dynamic.Size, w})
	if b.tls != nil {
		phdrs = append(phdrs, phdr{elf.PT_TLS, elf.PF_R, b.tls.Addr - b.Base, b.tls.Addr, b.tls.Size, b.tls.Size, 16})
	}

	copy(out, []byte{0x7f, 'E', 'L', 'F'})
	out[elf.EI_CLASS] = byte(b.Class)
	if bo == binary.BigEndian {
		out[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	} else {
		out[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	}
	out[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	bo.PutUint16(out[16:], uint16(b.Type))
	bo.PutUint16(out[18:], uint16(b.Machine))
	bo.PutUint32(out[20:], uint32(elf.EV_CURRENT))
	phoff := ehsize
	if w == 8 {
		bo.PutUint64(out[24:], b.Entry)
		bo.PutUint64(out[32:], phoff)
		bo.PutUint64(out[40:], shoff)
		bo.PutUint32(out[48:], b.Flags)
		bo.PutUint16(out[52:], uint16(ehsize))
		bo.PutUint16(out[54:], uint16(phentsize))
		bo.PutUint16(out[56:], uint16(len(phdrs)))
		bo.PutUint16(out[58:], uint16(shentsize))
		bo.PutUint16(out[60:], uint16(shnum))
		bo.PutUint16(out[62:], uint16(shnum-1))
	} else {
		bo.PutUint32(out[24:], uint32(b.Entry))
		bo.PutUint32(out[28:], uint32(phoff))
		bo.PutUint32(out[32:], uint32(shoff))
		bo.PutUint32(out[36:], b.Flags)
		bo.PutUint16(out[40:], uint16(ehsize))
		bo.PutUint16(out[42:], uint16(phentsize))
		bo.PutUint16(out[44:], uint16(len(phdrs)))
		bo.PutUint16(out[46:], uint16(shentsize))
		bo.PutUint16(out[48:], uint16(shnum))
		bo.PutUint16(out[50:], uint16(shnum-1))
	}

	for i, p := range phdrs {
		e := out[phoff+uint64(i)*phentsize:]
		if w == 8 {
			bo.PutUint32(e, uint32(p.typ))
			bo.PutUint32(e[4:], uint32(p.flags))
			bo.PutUint64(e[8:], p.off)
			bo.PutUint64(e[16:], p.vaddr)
			bo.PutUint64(e[24:], p.vaddr)
			bo.PutUint64(e[32:], p.filesz)
			bo.PutUint64(e[40:], p.memsz)
			bo.PutUint64(e[48:], p.align)
		} else {
			bo.PutUint32(e, uint32(p.typ))
			bo.PutUint32(e[4:], uint32(p.off))
			bo.PutUint32(e[8:], uint32(p.vaddr))
			bo.PutUint32(e[12:], uint32(p.vaddr))
			bo.PutUint32(e[16:], uint32(p.filesz))
			bo.PutUint32(e[20:], uint32(p.memsz))
			bo.PutUint32(e[24:], uint32(p.flags))
			bo.PutUint32(e[28:], uint32(p.align))
		}
	}

	for _, s := range b.sections {
		copy(out[s.Addr-b.Base:], s.data)
	}
	copy(out[shstrOff:], shstr)

	putShdr := func(idx int, name uint32, typ elf.SectionType, flags elf.SectionFlag, addr, off, size uint64, link, info uint32, align, ent uint64) {
		e := out[shoff+uint64(idx)*shentsize:]
		if w == 8 {
			bo.PutUint32(e, name)
			bo.PutUint32(e[4:], uint32(typ))
			bo.PutUint64(e[8:], uint64(flags))
			bo.PutUint64(e[16:], addr)
			bo.PutUint64(e[24:], off)
			bo.PutUint64(e[32:], size)
			bo.PutUint32(e[40:], link)
			bo.PutUint32(e[44:], info)
			bo.PutUint64(e[48:], align)
			bo.PutUint64(e[56:], ent)
			return
		}
		bo.PutUint32(e, name)
		bo.PutUint32(e[4:], uint32(typ))
		bo.PutUint32(e[8:], uint32(flags))
		bo.PutUint32(e[12:], uint32(addr))
		bo.PutUint32(e[16:], uint32(off))
		bo.PutUint32(e[20:], uint32(size))
		bo.PutUint32(e[24:], link)
		bo.PutUint32(e[28:], info)
		bo.PutUint32(e[32:], uint32(align))
		bo.PutUint32(e[36:], uint32(ent))
	}
	for i, s := range b.sections {
		putShdr(s.Index, nameOff[i], s.Type, s.Flags, s.Addr, s.Addr-b.Base, s.Size, uint32(s.link), s.info, 8, s.ent)
	}
	putShdr(int(shnum-1), shstrName, elf.SHT_STRTAB, 0, 0, shstrOff, uint64(len(shstr)), 0, 0, 1, 0)

	// Drop the synthetic sections so the builder can be reused.
	b.sections = b.sections[:userCount]
	b.cursor = userCursor
	return out
}
