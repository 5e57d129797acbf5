// Package arch holds the per-architecture relocation knowledge of the
// prelinker and the generic passes that drive it.
package arch

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/sliverarmory/prelink/dso"
	"github.com/sliverarmory/prelink/layout"
)

var (
	ErrUnsupportedArch  = errors.New("arch: unsupported architecture")
	ErrUnsupportedReloc = errors.New("arch: unsupported relocation type")
	ErrMalformed        = errors.New("arch: malformed relocation")
)

// RelocError attaches file and relocation context to a failure.
type RelocError struct {
	File   string
	Type   string
	Offset uint64
	Err    error
}

func (e *RelocError) Error() string {
	return fmt.Sprintf("%s: %s at %#x: %v", e.File, e.Type, e.Offset, e.Err)
}

func (e *RelocError) Unwrap() error {
	return e.Err
}

// RelocClass is the category of a relocation type.
type RelocClass int

const (
	ClassOther RelocClass = iota
	ClassAbsolute
	ClassPLT
	ClassCopy
	ClassTLS
)

// TLSVariant selects the thread pointer layout of an architecture.
type TLSVariant int

const (
	// TLSVariant1 puts the blocks above the thread pointer.
	TLSVariant1 TLSVariant = 1
	// TLSVariant2 puts the blocks below the thread pointer.
	TLSVariant2 TLSVariant = 2
)

// Descriptor is the immutable description of one architecture.
type Descriptor struct {
	Name    string
	Class   elf.Class
	Machine elf.Machine

	Relative  uint32
	JmpSlot   uint32
	Copy      uint32
	IRelative uint32
	GlobDat   uint32
	// Abs is the word sized absolute type GLOB_DAT downgrades come from.
	Abs uint32

	PageSize    uint64
	MaxPageSize uint64
	MmapBase    uint64
	MmapEnd     uint64

	DynamicLinker string
	// RelaNative is set when the loader's minimal record carries an addend.
	RelaNative bool
	TLS        TLSVariant
}

// TLSModule identifies one thread local storage block.
type TLSModule struct {
	ModID  uint64
	Offset uint64
}

// Symbol is what a lookup resolved to.
type Symbol struct {
	Value uint64
	TLS   *TLSModule
	IFunc bool
	// Desc is the target's function descriptor on PowerPC64 ELFv1.
	Desc  *dso.FuncDesc
	Found bool
}

// Resolver returns the prelink time value of a symbol reference.
type Resolver interface {
	Resolve(sym uint32, typ uint32) Symbol
}

// ConflictOracle reports references an executable's scope resolves
// differently from the library's own scope.
type ConflictOracle interface {
	LookupConflict(sym uint32, typ uint32) (Symbol, bool)
	CurrentTLS() (TLSModule, bool)
}

// Conflict is a relocation the loader applies unconditionally.
type Conflict struct {
	Offset uint64
	Type   uint32
	Addend int64
}

// Context is the state of relocating one object.
type Context struct {
	Image    *dso.Image
	Resolver Resolver
	// Oracle is only set when computing conflicts for an executable.
	Oracle ConflictOracle
	// TLS is the module of the object being processed within the
	// executable's scope.
	TLS       *TLSModule
	Conflicts []Conflict
}

func (ctx *Context) addConflict(off uint64, typ uint32, addend int64) {
	ctx.Conflicts = append(ctx.Conflicts, Conflict{Offset: off, Type: typ, Addend: addend})
}

// Arch is the hook set of one architecture. The generic passes in this
// package call it per record and per object.
type Arch interface {
	layout.Hooks

	Desc() *Descriptor
	TypeName(t uint32) string
	RelocSize(t uint32) int
	RelocClass(t uint32) RelocClass

	// AdjustDyn shifts arch specific dynamic entry i. It reports whether
	// the tag was handled.
	AdjustDyn(img *dso.Image, i int, start, delta uint64) bool
	AdjustRel(img *dso.Image, r *dso.Rela, start, delta uint64) error
	AdjustRela(img *dso.Image, r *dso.Rela, start, delta uint64) error

	// Prelink hooks report whether the record itself changed.
	PrelinkRel(ctx *Context, r *dso.Rela) (bool, error)
	PrelinkRela(ctx *Context, r *dso.Rela) (bool, error)

	ConflictRel(ctx *Context, r *dso.Rela) error
	ConflictRela(ctx *Context, r *dso.Rela) error

	ApplyRel(ctx *Context, r *dso.Rela, buf []byte) error
	ApplyRela(ctx *Context, r *dso.Rela, buf []byte) error

	NeedRelToRela(img *dso.Image, relocs []dso.Rela) bool
	RelToRela(img *dso.Image, r *dso.Rela) error
	RelaToRel(img *dso.Image, r *dso.Rela) error

	// Undo hooks report whether the record itself changed.
	UndoRel(img *dso.Image, r *dso.Rela) (bool, error)
	UndoRela(img *dso.Image, r *dso.Rela) (bool, error)

	ArchAdjust(img *dso.Image, start, delta uint64) error
	ArchPrelink(ctx *Context) error
	ArchUndo(img *dso.Image) error
}

// GOTConflicter is implemented by architectures whose GOT entries are not
// covered by relocation records.
type GOTConflicter interface {
	GOTConflicts(ctx *Context) error
}

type key struct {
	class   elf.Class
	machine elf.Machine
}

var registry = map[key]Arch{}

func register(a Arch) {
	d := a.Desc()
	registry[key{d.Class, d.Machine}] = a
}

// Lookup returns the architecture for a (class, machine) pair.
func Lookup(class elf.Class, machine elf.Machine) (Arch, error) {
	a, ok := registry[key{class, machine}]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrUnsupportedArch, class, machine)
	}
	return a, nil
}

// ForImage looks up the architecture of img.
func ForImage(img *dso.Image) (Arch, error) {
	a, err := Lookup(img.Class, img.Machine)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", img.Filename, err)
	}
	return a, nil
}

// All returns every registered architecture.
func All() []Arch {
	out := make([]Arch, 0, len(registry))
	for _, name := range []string{"i386", "x86_64", "ppc", "ppc64", "mips"} {
		for _, a := range registry {
			if a.Desc().Name == name {
				out = append(out, a)
			}
		}
	}
	return out
}
