package dso

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrOutOfBounds  = errors.New("dso: access outside mapped sections")
	ErrSectionGrown = errors.New("dso: relocation section no longer fits")
	ErrImageClosed  = errors.New("dso: image is closed")
	ErrNoDynSlot    = errors.New("dso: no spare dynamic entry")
)

// Section mirrors one ELF section header.
type Section struct {
	Index     int
	Name      string
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

func (s *Section) Contains(addr uint64) bool {
	return addr >= s.Addr && addr < s.Addr+s.Size
}

func (s *Section) IsAlloc() bool {
	return s.Flags&elf.SHF_ALLOC != 0
}

type Dyn struct {
	Tag elf.DynTag
	Val uint64
}

type Sym struct {
	Name  string
	Info  uint8
	Other uint8
	Shndx elf.SectionIndex
	Value uint64
	Size  uint64
}

func (s *Sym) Type() elf.SymType {
	return elf.ST_TYPE(s.Info)
}

func (s *Sym) Bind() elf.SymBind {
	return elf.ST_BIND(s.Info)
}

func (s *Sym) IsUndef() bool {
	return s.Shndx == elf.SHN_UNDEF
}

func (s *Sym) IsCommon() bool {
	return s.Shndx == elf.SHN_COMMON
}

// Image is a mapped ELF object. All address based accessors translate
// through the allocated section headers and record the first out of bounds
// access; callers check Err after a batch of accesses.
type Image struct {
	Filename  string
	Soname    string
	Class     elf.Class
	Machine   elf.Machine
	Type      elf.Type
	Flags     uint32
	ByteOrder binary.ByteOrder
	Entry     uint64
	Needed    []string
	Interp    string
	// Runpath is DT_RUNPATH, or DT_RPATH when there is no DT_RUNPATH.
	Runpath []string

	Sections []*Section
	Progs    []elf.ProgHeader
	Dynamic  []Dyn
	Symbols  []Sym

	data    []byte
	release func() error
	closed  bool
	err     error

	phoff, shoff uint64
	phentsize    uint64
	shentsize    uint64
	dynSec       *Section
	byAddr       []*Section
	relocs       []*RelocSection
	relocsLoaded bool
	symtabs      []*Section
}

// Open maps the ELF file at path.
func Open(path string) (*Image, error) {
	data, release, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	img, err := New(path, data)
	if err != nil {
		_ = release()
		return nil, err
	}
	img.release = release
	return img, nil
}

// New parses an in-memory ELF image. data is used in place.
func New(name string, data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, errors.New("empty ELF image")
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid ELF image %s: %w", name, err)
	}
	defer f.Close()

	if f.Type != elf.ET_DYN && f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("%s: unsupported ELF file type: %s", name, f.Type)
	}
	if f.Class != elf.ELFCLASS32 && f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("%s: unsupported ELF class: %s", name, f.Class)
	}

	img := &Image{
		Filename:  name,
		Class:     f.Class,
		Machine:   f.Machine,
		Type:      f.Type,
		ByteOrder: f.ByteOrder,
		Entry:     f.Entry,
		data:      data,
	}
	img.readHeader()

	for i, s := range f.Sections {
		sec := &Section{
			Index:     i,
			Name:      s.Name,
			Type:      s.Type,
			Flags:     s.Flags,
			Addr:      s.Addr,
			Offset:    s.Offset,
			Size:      s.Size,
			Link:      s.Link,
			Info:      s.Info,
			Addralign: s.Addralign,
			Entsize:   s.Entsize,
		}
		img.Sections = append(img.Sections, sec)
		if sec.IsAlloc() && sec.Size > 0 {
			img.byAddr = append(img.byAddr, sec)
		}
		switch sec.Type {
		case elf.SHT_DYNAMIC:
			img.dynSec = sec
		case elf.SHT_SYMTAB, elf.SHT_DYNSYM:
			img.symtabs = append(img.symtabs, sec)
		}
	}
	sort.SliceStable(img.byAddr, func(i, j int) bool {
		return img.byAddr[i].Addr < img.byAddr[j].Addr
	})

	for _, p := range f.Progs {
		img.Progs = append(img.Progs, p.ProgHeader)
		if p.Type == elf.PT_INTERP {
			buf := make([]byte, p.Filesz)
			if _, err := p.ReadAt(buf, 0); err == nil {
				img.Interp = string(bytes.TrimRight(buf, "\x00"))
			}
		}
	}

	if err := img.readDynamic(); err != nil {
		return nil, err
	}
	if sonames, err := f.DynString(elf.DT_SONAME); err == nil && len(sonames) > 0 {
		img.Soname = sonames[0]
	}
	if needed, err := f.ImportedLibraries(); err == nil {
		img.Needed = needed
	}
	for _, tag := range []elf.DynTag{elf.DT_RUNPATH, elf.DT_RPATH} {
		paths, err := f.DynString(tag)
		if err != nil || len(paths) == 0 {
			continue
		}
		for _, p := range paths {
			img.Runpath = append(img.Runpath, strings.Split(p, ":")...)
		}
		break
	}

	img.Symbols = []Sym{{}}
	syms, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("%s: read dynamic symbols: %w", name, err)
	}
	for _, s := range syms {
		img.Symbols = append(img.Symbols, Sym{
			Name:  s.Name,
			Info:  s.Info,
			Other: s.Other,
			Shndx: s.Section,
			Value: s.Value,
			Size:  s.Size,
		})
	}
	return img, nil
}

func (img *Image) readHeader() {
	bo := img.ByteOrder
	d := img.data
	if img.Class == elf.ELFCLASS32 {
		img.Flags = bo.Uint32(d[36:])
		img.phoff = uint64(bo.Uint32(d[28:]))
		img.shoff = uint64(bo.Uint32(d[32:]))
		img.phentsize = uint64(bo.Uint16(d[42:]))
		img.shentsize = uint64(bo.Uint16(d[46:]))
		return
	}
	img.Flags = bo.Uint32(d[48:])
	img.phoff = bo.Uint64(d[32:])
	img.shoff = bo.Uint64(d[40:])
	img.phentsize = uint64(bo.Uint16(d[54:]))
	img.shentsize = uint64(bo.Uint16(d[58:]))
}

func (img *Image) readDynamic() error {
	if img.dynSec == nil {
		return nil
	}
	s := img.dynSec
	if s.Offset+s.Size > uint64(len(img.data)) {
		return fmt.Errorf("%s: .dynamic outside of file", img.Filename)
	}
	ent := uint64(img.WordSize() * 2)
	for off := s.Offset; off+ent <= s.Offset+s.Size; off += ent {
		tag := elf.DynTag(img.wordAt(off))
		val := img.wordAt(off + ent/2)
		if tag == elf.DT_NULL {
			break
		}
		img.Dynamic = append(img.Dynamic, Dyn{Tag: tag, Val: val})
	}
	return nil
}

func (img *Image) WordSize() int {
	if img.Class == elf.ELFCLASS64 {
		return 8
	}
	return 4
}

func (img *Image) wordAt(off uint64) uint64 {
	if img.Class == elf.ELFCLASS64 {
		return img.ByteOrder.Uint64(img.data[off:])
	}
	return uint64(img.ByteOrder.Uint32(img.data[off:]))
}

func (img *Image) putWordAt(off uint64, v uint64) {
	if img.Class == elf.ELFCLASS64 {
		img.ByteOrder.PutUint64(img.data[off:], v)
		return
	}
	img.ByteOrder.PutUint32(img.data[off:], uint32(v))
}

// Data exposes the raw file contents.
func (img *Image) Data() []byte {
	return img.data
}

func (img *Image) Err() error {
	return img.err
}

func (img *Image) ClearErr() {
	img.err = nil
}

func (img *Image) SectionByName(name string) *Section {
	for _, s := range img.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// SectionByAddr returns the allocated section containing addr.
func (img *Image) SectionByAddr(addr uint64) *Section {
	i := sort.Search(len(img.byAddr), func(i int) bool {
		return img.byAddr[i].Addr > addr
	})
	for i--; i >= 0; i-- {
		s := img.byAddr[i]
		tbss := s.Type == elf.SHT_NOBITS && s.Flags&elf.SHF_TLS != 0
		if s.Contains(addr) && !tbss {
			return s
		}
		if !tbss && s.Addr+s.Size <= addr {
			break
		}
	}
	return nil
}

// Bounds returns the lowest and highest allocated address of the image,
// as derived from its loadable segments.
func (img *Image) Bounds() (uint64, uint64) {
	var base, end uint64
	first := true
	for _, p := range img.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if first || p.Vaddr < base {
			base = p.Vaddr
		}
		if first || p.Vaddr+p.Memsz > end {
			end = p.Vaddr + p.Memsz
		}
		first = false
	}
	return base, end
}

// TLS returns the PT_TLS segment, if any.
func (img *Image) TLS() (elf.ProgHeader, bool) {
	for _, p := range img.Progs {
		if p.Type == elf.PT_TLS {
			return p, true
		}
	}
	return elf.ProgHeader{}, false
}

func (img *Image) DynValue(tag elf.DynTag) (uint64, bool) {
	for _, d := range img.Dynamic {
		if d.Tag == tag {
			return d.Val, true
		}
	}
	return 0, false
}

// SetDyn rewrites dynamic entry i in place.
func (img *Image) SetDyn(i int, val uint64) {
	img.Dynamic[i].Val = val
	ent := uint64(img.WordSize() * 2)
	img.putWordAt(img.dynSec.Offset+uint64(i)*ent+ent/2, val)
}

func (img *Image) setDynEntry(i int, tag elf.DynTag, val uint64) {
	img.Dynamic[i] = Dyn{Tag: tag, Val: val}
	ent := uint64(img.WordSize() * 2)
	off := img.dynSec.Offset + uint64(i)*ent
	img.putWordAt(off, uint64(tag))
	img.putWordAt(off+ent/2, val)
}

// AddDyn stores tag in the first spare DT_NULL slot of .dynamic. One
// DT_NULL must remain after it.
func (img *Image) AddDyn(tag elf.DynTag, val uint64) error {
	if img.dynSec == nil {
		return fmt.Errorf("%s: no dynamic section", img.Filename)
	}
	ent := uint64(img.WordSize() * 2)
	n := uint64(len(img.Dynamic))
	if (n+2)*ent > img.dynSec.Size {
		return fmt.Errorf("%w: %s", ErrNoDynSlot, img.Filename)
	}
	img.Dynamic = append(img.Dynamic, Dyn{})
	img.setDynEntry(int(n), tag, val)
	img.putWordAt(img.dynSec.Offset+(n+1)*ent, uint64(elf.DT_NULL))
	img.putWordAt(img.dynSec.Offset+(n+1)*ent+ent/2, 0)
	return nil
}

// RemoveDyn drops the first entry tagged tag and closes the hole.
func (img *Image) RemoveDyn(tag elf.DynTag) bool {
	at := -1
	for i, d := range img.Dynamic {
		if d.Tag == tag {
			at = i
			break
		}
	}
	if at < 0 {
		return false
	}
	rest := append([]Dyn(nil), img.Dynamic[at+1:]...)
	img.Dynamic = img.Dynamic[:len(img.Dynamic)-1]
	for i, d := range rest {
		img.setDynEntry(at+i, d.Tag, d.Val)
	}
	ent := uint64(img.WordSize() * 2)
	off := img.dynSec.Offset + uint64(len(img.Dynamic))*ent
	img.putWordAt(off, uint64(elf.DT_NULL))
	img.putWordAt(off+ent/2, 0)
	return true
}

func (img *Image) fail(addr uint64, n int) {
	if img.err == nil {
		img.err = fmt.Errorf("%w: %s: %#x+%d", ErrOutOfBounds, img.Filename, addr, n)
	}
}

func (img *Image) slice(addr uint64, n int) []byte {
	s := img.SectionByAddr(addr)
	if s == nil || s.Type == elf.SHT_NOBITS || addr+uint64(n) > s.Addr+s.Size {
		img.fail(addr, n)
		return nil
	}
	off := s.Offset + addr - s.Addr
	if off+uint64(n) > uint64(len(img.data)) {
		img.fail(addr, n)
		return nil
	}
	return img.data[off : off+uint64(n)]
}

// Bytes returns a writable view of n bytes at addr.
func (img *Image) Bytes(addr uint64, n int) []byte {
	return img.slice(addr, n)
}

func (img *Image) Uint8(addr uint64) uint8 {
	if b := img.slice(addr, 1); b != nil {
		return b[0]
	}
	return 0
}

func (img *Image) Uint16(addr uint64) uint16 {
	if b := img.slice(addr, 2); b != nil {
		return img.ByteOrder.Uint16(b)
	}
	return 0
}

func (img *Image) Uint32(addr uint64) uint32 {
	if b := img.slice(addr, 4); b != nil {
		return img.ByteOrder.Uint32(b)
	}
	return 0
}

func (img *Image) Uint64(addr uint64) uint64 {
	if b := img.slice(addr, 8); b != nil {
		return img.ByteOrder.Uint64(b)
	}
	return 0
}

func (img *Image) PutUint8(addr uint64, v uint8) {
	if b := img.slice(addr, 1); b != nil {
		b[0] = v
	}
}

func (img *Image) PutUint16(addr uint64, v uint16) {
	if b := img.slice(addr, 2); b != nil {
		img.ByteOrder.PutUint16(b, v)
	}
}

func (img *Image) PutUint32(addr uint64, v uint32) {
	if b := img.slice(addr, 4); b != nil {
		img.ByteOrder.PutUint32(b, v)
	}
}

func (img *Image) PutUint64(addr uint64, v uint64) {
	if b := img.slice(addr, 8); b != nil {
		img.ByteOrder.PutUint64(b, v)
	}
}

// Addr reads a native word at addr.
func (img *Image) Addr(addr uint64) uint64 {
	if img.Class == elf.ELFCLASS64 {
		return img.Uint64(addr)
	}
	return uint64(img.Uint32(addr))
}

func (img *Image) PutAddr(addr uint64, v uint64) {
	if img.Class == elf.ELFCLASS64 {
		img.PutUint64(addr, v)
		return
	}
	img.PutUint32(addr, uint32(v))
}

// Shift moves every allocated address >= start by delta: section and
// program headers, the entry point and defined symbol values. Relocation
// records and section contents are the relocation engine's business.
func (img *Image) Shift(start, delta uint64) {
	if delta == 0 {
		return
	}
	if img.Entry != 0 && img.Entry >= start {
		img.Entry += delta
		if img.Class == elf.ELFCLASS64 {
			img.ByteOrder.PutUint64(img.data[24:], img.Entry)
		} else {
			img.ByteOrder.PutUint32(img.data[24:], uint32(img.Entry))
		}
	}

	for i := range img.Progs {
		p := &img.Progs[i]
		if p.Type == elf.PT_NULL || p.Vaddr < start || (p.Vaddr == 0 && p.Memsz == 0) {
			continue
		}
		p.Vaddr += delta
		p.Paddr += delta
		off := img.phoff + uint64(i)*img.phentsize
		if img.Class == elf.ELFCLASS64 {
			img.ByteOrder.PutUint64(img.data[off+16:], p.Vaddr)
			img.ByteOrder.PutUint64(img.data[off+24:], p.Paddr)
		} else {
			img.ByteOrder.PutUint32(img.data[off+8:], uint32(p.Vaddr))
			img.ByteOrder.PutUint32(img.data[off+12:], uint32(p.Paddr))
		}
	}

	for _, s := range img.Sections {
		if !s.IsAlloc() || s.Addr < start {
			continue
		}
		s.Addr += delta
		off := img.shoff + uint64(s.Index)*img.shentsize
		if img.Class == elf.ELFCLASS64 {
			img.ByteOrder.PutUint64(img.data[off+16:], s.Addr)
		} else {
			img.ByteOrder.PutUint32(img.data[off+12:], uint32(s.Addr))
		}
	}

	for i := range img.Symbols {
		s := &img.Symbols[i]
		if shiftable(s.Shndx, s.Type(), s.Value) && s.Value >= start {
			s.Value += delta
		}
	}
	img.shiftSymbolTables(start, delta)
}

// shiftable reports whether a symbol's value is an address inside its
// object. Undefined functions with a value name their PLT stub.
func shiftable(shndx elf.SectionIndex, typ elf.SymType, value uint64) bool {
	switch shndx {
	case elf.SHN_UNDEF:
		return typ == elf.STT_FUNC && value != 0
	case elf.SHN_ABS, elf.SHN_COMMON:
		return false
	}
	return typ != elf.STT_TLS
}

func (img *Image) shiftSymbolTables(start, delta uint64) {
	for _, s := range img.symtabs {
		ent := s.Entsize
		if ent == 0 {
			continue
		}
		for off := s.Offset + ent; off+ent <= s.Offset+s.Size && off+ent <= uint64(len(img.data)); off += ent {
			var (
				info  uint8
				shndx uint16
				voff  uint64
			)
			if img.Class == elf.ELFCLASS64 {
				info = img.data[off+4]
				shndx = img.ByteOrder.Uint16(img.data[off+6:])
				voff = off + 8
			} else {
				info = img.data[off+12]
				shndx = img.ByteOrder.Uint16(img.data[off+14:])
				voff = off + 4
			}
			if v := img.wordAt(voff); shiftable(elf.SectionIndex(shndx), elf.ST_TYPE(info), v) && v >= start {
				img.putWordAt(voff, v+delta)
			}
		}
	}
}

// Save flushes pending relocation sections and writes the image to path
// through a temporary file in the same directory.
func (img *Image) Save(path string) error {
	st, err := img.Stage(path)
	if err != nil {
		return err
	}
	return st.Commit()
}

// Staged is an image written next to its destination, waiting to replace
// it.
type Staged struct {
	tmp  string
	path string
}

// Stage flushes pending relocation sections and writes the image to a
// temporary file beside path. Nothing at path changes until Commit.
func (img *Image) Stage(path string) (*Staged, error) {
	if img.closed {
		return nil, ErrImageClosed
	}
	if err := img.FlushRelocs(); err != nil {
		return nil, err
	}
	mode := os.FileMode(0o755)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".prelink-*")
	if err != nil {
		return nil, fmt.Errorf("create temp for %s: %w", path, err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(img.data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return nil, fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return nil, fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return nil, fmt.Errorf("close %s: %w", name, err)
	}
	return &Staged{tmp: name, path: path}, nil
}

// Commit moves the staged file over its destination.
func (s *Staged) Commit() error {
	if err := os.Rename(s.tmp, s.path); err != nil {
		_ = os.Remove(s.tmp)
		return fmt.Errorf("rename %s: %w", s.tmp, err)
	}
	return nil
}

// Discard removes the staged file and leaves the destination alone.
func (s *Staged) Discard() error {
	return os.Remove(s.tmp)
}

// Close releases the mapping.
func (img *Image) Close() error {
	if img.closed {
		return nil
	}
	img.closed = true
	if img.release != nil {
		return img.release()
	}
	return nil
}
