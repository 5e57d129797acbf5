package dso

import (
	"debug/elf"
	"fmt"
	"sort"
)

// FuncDesc is a PowerPC64 ELFv1 function descriptor.
type FuncDesc struct {
	Addr  uint64
	Entry uint64
	TOC   uint64
	Env   uint64
}

// OPDTable holds the function descriptors of one object's .opd section,
// sorted by descriptor address.
type OPDTable struct {
	Descs []FuncDesc
}

// ReadOPD decodes the .opd section of a 64-bit image. Images without one
// yield a nil table.
func ReadOPD(img *Image) (*OPDTable, error) {
	s := img.SectionByName(".opd")
	if s == nil || s.Type == elf.SHT_NOBITS {
		return nil, nil
	}
	if img.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("%s: .opd in a 32-bit object", img.Filename)
	}
	t := &OPDTable{}
	for addr := s.Addr; addr+24 <= s.Addr+s.Size; addr += 24 {
		t.Descs = append(t.Descs, FuncDesc{
			Addr:  addr,
			Entry: img.Uint64(addr),
			TOC:   img.Uint64(addr + 8),
			Env:   img.Uint64(addr + 16),
		})
	}
	if err := img.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *OPDTable) Lookup(addr uint64) (FuncDesc, bool) {
	if t == nil {
		return FuncDesc{}, false
	}
	i := sort.Search(len(t.Descs), func(i int) bool {
		return t.Descs[i].Addr >= addr
	})
	if i < len(t.Descs) && t.Descs[i].Addr == addr {
		return t.Descs[i], true
	}
	return FuncDesc{}, false
}

// Adjust shifts every address >= start held in the table by delta.
func (t *OPDTable) Adjust(start, delta uint64) {
	if t == nil || delta == 0 {
		return
	}
	for i := range t.Descs {
		d := &t.Descs[i]
		if d.Addr >= start {
			d.Addr += delta
		}
		if d.Entry >= start {
			d.Entry += delta
		}
		if d.TOC >= start {
			d.TOC += delta
		}
	}
}
