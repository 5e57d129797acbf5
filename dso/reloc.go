package dso

import (
	"debug/elf"
	"fmt"
	"sort"
)

// Rela is the in-memory form of both REL and RELA records. Addend is only
// meaningful when the owning section is RELA.
type Rela struct {
	Offset uint64
	Type   uint32
	Sym    uint32
	Addend int64
}

// ConflictSection holds the RELA records an executable's loader applies
// on top of its prelinked libraries.
const ConflictSection = ".gnu.conflict"

// RelocSection is a decoded dynamic relocation section.
type RelocSection struct {
	*Section
	Relocs []Rela
	// Rela reports the current record format.
	Rela bool
	// Converted is set once a REL section was upgraded to RELA.
	Converted bool

	origSize uint64
	dirty    bool
}

func (rs *RelocSection) MarkDirty() {
	rs.dirty = true
}

func (rs *RelocSection) entSize(class elf.Class) uint64 {
	switch {
	case class == elf.ELFCLASS64 && rs.Rela:
		return 24
	case class == elf.ELFCLASS64:
		return 16
	case rs.Rela:
		return 12
	default:
		return 8
	}
}

// RelocSections decodes every allocated SHT_REL/SHT_RELA section once.
func (img *Image) RelocSections() ([]*RelocSection, error) {
	if img.relocsLoaded {
		return img.relocs, nil
	}
	for _, s := range img.Sections {
		if !s.IsAlloc() || (s.Type != elf.SHT_REL && s.Type != elf.SHT_RELA) {
			continue
		}
		// Conflict records are applied by the loader, not relocated.
		if s.Name == ConflictSection {
			continue
		}
		rs := &RelocSection{Section: s, Rela: s.Type == elf.SHT_RELA, origSize: s.Size}
		relocs, err := img.decodeRelocs(rs)
		if err != nil {
			return nil, err
		}
		rs.Relocs = relocs
		img.relocs = append(img.relocs, rs)
	}
	img.relocsLoaded = true
	return img.relocs, nil
}

func (img *Image) decodeRelocs(rs *RelocSection) ([]Rela, error) {
	ent := rs.entSize(img.Class)
	if rs.Offset+rs.Size > uint64(len(img.data)) {
		return nil, fmt.Errorf("%s: section %s outside of file", img.Filename, rs.Name)
	}
	if rs.Size%ent != 0 {
		return nil, fmt.Errorf("%s: section %s size %#x is not a multiple of %d", img.Filename, rs.Name, rs.Size, ent)
	}
	bo := img.ByteOrder
	data := img.data[rs.Offset : rs.Offset+rs.Size]
	relocs := make([]Rela, 0, rs.Size/ent)
	for len(data) >= int(ent) {
		var r Rela
		if img.Class == elf.ELFCLASS64 {
			info := bo.Uint64(data[8:])
			r.Offset = bo.Uint64(data)
			r.Sym = elf.R_SYM64(info)
			r.Type = elf.R_TYPE64(info)
			if rs.Rela {
				r.Addend = int64(bo.Uint64(data[16:]))
			}
		} else {
			info := bo.Uint32(data[4:])
			r.Offset = uint64(bo.Uint32(data))
			r.Sym = elf.R_SYM32(info)
			r.Type = elf.R_TYPE32(info)
			if rs.Rela {
				r.Addend = int64(int32(bo.Uint32(data[8:])))
			}
		}
		relocs = append(relocs, r)
		data = data[ent:]
	}
	return relocs, nil
}

func (img *Image) encodeRelocs(rs *RelocSection) []byte {
	ent := rs.entSize(img.Class)
	bo := img.ByteOrder
	buf := make([]byte, uint64(len(rs.Relocs))*ent)
	for i, r := range rs.Relocs {
		b := buf[uint64(i)*ent:]
		if img.Class == elf.ELFCLASS64 {
			bo.PutUint64(b, r.Offset)
			bo.PutUint64(b[8:], elf.R_INFO(r.Sym, r.Type))
			if rs.Rela {
				bo.PutUint64(b[16:], uint64(r.Addend))
			}
			continue
		}
		bo.PutUint32(b, uint32(r.Offset))
		bo.PutUint32(b[4:], elf.R_INFO32(r.Sym, r.Type))
		if rs.Rela {
			bo.PutUint32(b[8:], uint32(int32(r.Addend)))
		}
	}
	return buf
}

// RelaSize is the size rs takes once every record carries an addend.
func (rs *RelocSection) RelaSize(class elf.Class) uint64 {
	if class == elf.ELFCLASS64 {
		return uint64(len(rs.Relocs)) * 24
	}
	return uint64(len(rs.Relocs)) * 12
}

// CanHold reports whether rs can be flushed with size bytes of records,
// either in its own extent or moved into the file slack after the end of
// its loadable segment.
func (img *Image) CanHold(rs *RelocSection, size uint64) bool {
	if size <= rs.origSize {
		return true
	}
	_, _, _, ok := img.growSlot(rs, size)
	return ok
}

// growSlot finds room for size bytes of rs between the end of the
// segment holding it and the next loadable segment. The segment is
// extended over the new range, so it must not have a bss part.
func (img *Image) growSlot(rs *RelocSection, size uint64) (seg int, addr, off uint64, ok bool) {
	seg = -1
	for i, p := range img.Progs {
		if p.Type == elf.PT_LOAD && rs.Addr >= p.Vaddr && rs.Addr < p.Vaddr+p.Memsz {
			seg = i
			break
		}
	}
	if seg < 0 {
		return 0, 0, 0, false
	}
	p := img.Progs[seg]
	if p.Filesz != p.Memsz {
		return 0, 0, 0, false
	}
	var next *elf.ProgHeader
	for i := range img.Progs {
		q := &img.Progs[i]
		if q.Type == elf.PT_LOAD && q.Vaddr > p.Vaddr && (next == nil || q.Vaddr < next.Vaddr) {
			next = q
		}
	}
	if next == nil {
		return 0, 0, 0, false
	}

	end := p.Vaddr + p.Filesz
	addr = rs.Addr
	if rs.Addr+rs.origSize != end {
		addr = alignUp(end, max(rs.Addralign, uint64(img.WordSize())))
	}
	off = p.Off + (addr - p.Vaddr)
	page := max(p.Align, 1)
	if addr+size > next.Vaddr&^(page-1) || off+size > next.Off || off+size > uint64(len(img.data)) {
		return 0, 0, 0, false
	}
	for _, s := range img.Sections {
		if s == rs.Section || s.Type == elf.SHT_NOBITS || s.Size == 0 {
			continue
		}
		if s.Offset < off+size && off < s.Offset+s.Size {
			return 0, 0, 0, false
		}
	}
	shdrs := uint64(len(img.Sections)) * img.shentsize
	if img.shoff < off+size && off < img.shoff+shdrs {
		return 0, 0, 0, false
	}
	return seg, addr, off, true
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) / a * a
}

// FlushRelocs encodes modified relocation sections back into the image.
// A section that outgrew its extent is moved into the slack after its
// segment; without room it is reported as ErrSectionGrown.
func (img *Image) FlushRelocs() error {
	for _, rs := range img.relocs {
		if !rs.dirty {
			continue
		}
		buf := img.encodeRelocs(rs)
		prevAddr, prevSize := rs.Addr, rs.Size
		if uint64(len(buf)) > rs.origSize {
			seg, addr, off, ok := img.growSlot(rs, uint64(len(buf)))
			if !ok {
				return fmt.Errorf("%w: %s: %s needs %#x bytes, has %#x", ErrSectionGrown, img.Filename, rs.Name, len(buf), rs.origSize)
			}
			rs.Addr, rs.Offset, rs.origSize = addr, off, uint64(len(buf))
			if end := addr + uint64(len(buf)); end > img.Progs[seg].Vaddr+img.Progs[seg].Filesz {
				img.setSegmentSize(seg, end-img.Progs[seg].Vaddr)
			}
			sort.SliceStable(img.byAddr, func(i, j int) bool {
				return img.byAddr[i].Addr < img.byAddr[j].Addr
			})
		}
		copy(img.data[rs.Offset:], buf)
		rs.Size = uint64(len(buf))
		if rs.Rela {
			rs.Type = elf.SHT_RELA
		} else {
			rs.Type = elf.SHT_REL
		}
		rs.Entsize = rs.entSize(img.Class)
		img.writeShdr(rs.Section)
		img.retagDynamic(rs, prevAddr, prevSize)
		rs.dirty = false
	}
	return nil
}

// setSegmentSize stores the file and memory size of program header i.
func (img *Image) setSegmentSize(i int, size uint64) {
	p := &img.Progs[i]
	p.Filesz, p.Memsz = size, size
	off := img.phoff + uint64(i)*img.phentsize
	if img.Class == elf.ELFCLASS64 {
		img.ByteOrder.PutUint64(img.data[off+32:], size)
		img.ByteOrder.PutUint64(img.data[off+40:], size)
		return
	}
	img.ByteOrder.PutUint32(img.data[off+16:], uint32(size))
	img.ByteOrder.PutUint32(img.data[off+20:], uint32(size))
}

// writeShdr stores the type, address, offset, size and entry size of s
// in its header.
func (img *Image) writeShdr(s *Section) {
	off := img.shoff + uint64(s.Index)*img.shentsize
	if off+img.shentsize > uint64(len(img.data)) {
		return
	}
	bo := img.ByteOrder
	bo.PutUint32(img.data[off+4:], uint32(s.Type))
	if img.Class == elf.ELFCLASS64 {
		bo.PutUint64(img.data[off+16:], s.Addr)
		bo.PutUint64(img.data[off+24:], s.Offset)
		bo.PutUint64(img.data[off+32:], s.Size)
		bo.PutUint64(img.data[off+56:], s.Entsize)
		return
	}
	bo.PutUint32(img.data[off+12:], uint32(s.Addr))
	bo.PutUint32(img.data[off+16:], uint32(s.Offset))
	bo.PutUint32(img.data[off+20:], uint32(s.Size))
	bo.PutUint32(img.data[off+36:], uint32(s.Entsize))
}

// retagDynamic points the dynamic entries describing rs at its current
// address and record format. prevAddr and prevSize are what the entries
// were computed for.
func (img *Image) retagDynamic(rs *RelocSection, prevAddr, prevSize uint64) {
	table, size, ent := elf.DT_REL, elf.DT_RELSZ, elf.DT_RELENT
	if rs.Rela {
		table, size, ent = elf.DT_RELA, elf.DT_RELASZ, elf.DT_RELAENT
	}
	var dyn, plt bool
	for _, d := range img.Dynamic {
		switch d.Tag {
		case elf.DT_REL, elf.DT_RELA:
			dyn = dyn || d.Val == prevAddr
		case elf.DT_JMPREL:
			plt = plt || d.Val == prevAddr
		}
	}
	for i, d := range img.Dynamic {
		switch {
		case dyn && (d.Tag == elf.DT_REL || d.Tag == elf.DT_RELA) && d.Val == prevAddr:
			img.setDynEntry(i, table, rs.Addr)
		case dyn && (d.Tag == elf.DT_RELSZ || d.Tag == elf.DT_RELASZ):
			img.setDynEntry(i, size, d.Val+rs.Size-prevSize)
		case dyn && (d.Tag == elf.DT_RELENT || d.Tag == elf.DT_RELAENT):
			img.setDynEntry(i, ent, rs.Entsize)
		case plt && d.Tag == elf.DT_JMPREL:
			img.setDynEntry(i, elf.DT_JMPREL, rs.Addr)
		case plt && d.Tag == elf.DT_PLTREL:
			img.setDynEntry(i, elf.DT_PLTREL, uint64(table))
		case plt && d.Tag == elf.DT_PLTRELSZ:
			img.setDynEntry(i, elf.DT_PLTRELSZ, rs.Size)
		}
	}
}

// WriteRela encodes relocs as RELA records into s and clears the rest of
// the section.
func (img *Image) WriteRela(s *Section, relocs []Rela) error {
	buf := img.encodeRelocs(&RelocSection{Section: s, Relocs: relocs, Rela: true})
	if uint64(len(buf)) > s.Size {
		return fmt.Errorf("%w: %s: %s needs %#x bytes, has %#x", ErrSectionGrown, img.Filename, s.Name, len(buf), s.Size)
	}
	if s.Type == elf.SHT_NOBITS || s.Offset+s.Size > uint64(len(img.data)) {
		return fmt.Errorf("%s: section %s outside of file", img.Filename, s.Name)
	}
	dst := img.data[s.Offset : s.Offset+s.Size]
	clear(dst[copy(dst, buf):])
	return nil
}
