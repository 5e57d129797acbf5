package prelink

import (
	"debug/elf"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sliverarmory/prelink/arch"
	"github.com/sliverarmory/prelink/dso"
	"github.com/sliverarmory/prelink/layout"
)

var (
	ErrLibraryClosed     = errors.New("prelink: library is closed")
	ErrMissingDependency = errors.New("prelink: missing dependency")
	ErrUnresolved        = errors.New("prelink: unresolved symbols")
	ErrUnsupportedObject = errors.New("prelink: unsupported object")
)

const (
	stGNUIFunc elf.SymType = 10

	dtRELR  elf.DynTag      = 36
	shtRELR elf.SectionType = 19
)

// Library is one ELF object taking part in a run: a shared library or a
// dynamically linked executable.
type Library struct {
	mu     sync.RWMutex
	img    *dso.Image
	arch   arch.Arch
	path   string
	closed bool

	exec      bool
	prelinked bool
	origBase  uint64

	entry *layout.Entry
	deps  []*Library
	// scope is the breadth first search order starting at the object.
	scope []*Library
	opd   *dso.OPDTable
	tls   map[*Library]*arch.TLSModule

	// syms indexes exported definitions by unversioned name. plts holds
	// the undefined functions of an executable whose value is a
	// canonical PLT address.
	syms map[string]int
	plts map[string]int

	err error
}

// OpenLibrary maps the ELF object at path.
func OpenLibrary(path string) (*Library, error) {
	img, err := dso.Open(path)
	if err != nil {
		return nil, fmt.Errorf("prelink: open %s: %w", path, err)
	}
	a, err := arch.ForImage(img)
	if err != nil {
		_ = img.Close()
		return nil, fmt.Errorf("prelink: %w", err)
	}
	return newLibrary(path, img, a), nil
}

func newLibrary(path string, img *dso.Image, a arch.Arch) *Library {
	l := &Library{
		img:  img,
		arch: a,
		path: path,
		exec: img.Type == elf.ET_EXEC || (img.Interp != "" && img.Soname == ""),
		syms: make(map[string]int),
		plts: make(map[string]int),
	}
	_, l.prelinked = img.DynValue(elf.DT_GNU_PRELINKED)
	l.origBase, _ = img.Bounds()
	l.indexSymbols()
	return l
}

func (l *Library) indexSymbols() {
	syms := l.img.Symbols
	for i := 1; i < len(syms); i++ {
		s := &syms[i]
		name := unversioned(s.Name)
		if name == "" || s.Bind() == elf.STB_LOCAL {
			continue
		}
		switch s.Type() {
		case elf.STT_SECTION, elf.STT_FILE:
			continue
		}
		if s.IsUndef() {
			if l.exec && s.Type() == elf.STT_FUNC && s.Value != 0 {
				if _, ok := l.plts[name]; !ok {
					l.plts[name] = i
				}
			}
			continue
		}
		if prev, ok := l.syms[name]; ok && !(syms[prev].Bind() == elf.STB_WEAK && s.Bind() == elf.STB_GLOBAL) {
			continue
		}
		l.syms[name] = i
	}
}

func unversioned(name string) string {
	if i := strings.IndexByte(name, '@'); i >= 0 {
		return name[:i]
	}
	return name
}

func (l *Library) Soname() string {
	return l.img.Soname
}

// Name is the soname of a library, the path of an executable.
func (l *Library) Name() string {
	if l.img.Soname != "" {
		return l.img.Soname
	}
	return l.path
}

// supported reports objects the relocation passes cannot rewrite safely.
func (l *Library) supported() error {
	if _, ok := l.img.DynValue(dtRELR); ok {
		return fmt.Errorf("%w: %s: packed relative relocations", ErrUnsupportedObject, l.path)
	}
	for _, s := range l.img.Sections {
		if s.Type == shtRELR {
			return fmt.Errorf("%w: %s: packed relative relocations", ErrUnsupportedObject, l.path)
		}
	}
	if l.img.Type == elf.ET_DYN && l.exec {
		return fmt.Errorf("%w: %s: position independent executable", ErrUnsupportedObject, l.path)
	}
	return nil
}

// save writes the object back to its path.
func (l *Library) save() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed || l.img == nil {
		return ErrLibraryClosed
	}
	if err := l.img.Save(l.path); err != nil {
		return fmt.Errorf("prelink: save %s: %w", l.path, err)
	}
	return nil
}

// stage writes the object next to its path; the caller commits or
// discards the result.
func (l *Library) stage() (*dso.Staged, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed || l.img == nil {
		return nil, ErrLibraryClosed
	}
	st, err := l.img.Stage(l.path)
	if err != nil {
		return nil, fmt.Errorf("prelink: save %s: %w", l.path, err)
	}
	return st, nil
}

// Close releases the mapping.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var err error
	if l.img != nil {
		err = l.img.Close()
		l.img = nil
	}
	return err
}
