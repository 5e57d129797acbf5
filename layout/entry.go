package layout

import (
	"debug/elf"
)

// Kind tells how an entry entered the library set.
type Kind int

const (
	KindExec Kind = iota
	KindDyn
	// Cache kinds are objects known only from the cache; their addresses
	// are not up for negotiation.
	KindCacheExec
	KindCacheDyn
)

func (k Kind) String() string {
	switch k {
	case KindExec:
		return "exec"
	case KindDyn:
		return "dyn"
	case KindCacheExec:
		return "cache-exec"
	case KindCacheDyn:
		return "cache-dyn"
	}
	return "unknown"
}

// State is the placement state of an entry.
type State int

const (
	Unplaced State = iota
	Placed
	Fixed
)

func (s State) String() string {
	switch s {
	case Unplaced:
		return "unplaced"
	case Placed:
		return "placed"
	case Fixed:
		return "fixed"
	}
	return "unknown"
}

// Entry is one object taking part in a layout run.
type Entry struct {
	Filename string
	Soname   string
	Class    elf.Class
	Machine  elf.Machine
	Kind     Kind

	// [Base, End) is the mapped range; Layend is End plus the inter-library
	// gap, page aligned.
	Base   uint64
	End    uint64
	Layend uint64

	Refs    int
	Depends []*Entry
	State   State

	// NeedsRelink is set when a dependency moved and the relocations baked
	// into this object are stale.
	NeedsRelink bool

	// Sentinel entries only exist inside a Space while a layout runs.
	Sentinel bool

	wrapped bool
	tmp     uint64
	slot    int
	next    int
	prev    int
}

// Name is the soname when known, the file name otherwise.
func (e *Entry) Name() string {
	if e.Soname != "" {
		return e.Soname
	}
	return e.Filename
}

// IsDyn reports whether e is a shared object.
func (e *Entry) IsDyn() bool {
	return e.Kind == KindDyn || e.Kind == KindCacheDyn
}

// Movable reports whether the engine may assign e a new address.
func (e *Entry) Movable() bool {
	return e.Kind == KindDyn && e.State != Fixed
}

func (e *Entry) size() uint64 {
	return e.Layend - e.Base
}

// shift moves the whole range of e by delta.
func (e *Entry) shift(delta uint64) {
	e.Base += delta
	e.End += delta
	e.Layend += delta
}

// Bucket is the (class, machine) pair entries are partitioned by.
type Bucket struct {
	Class   elf.Class
	Machine elf.Machine
}

func (e *Entry) Bucket() Bucket {
	return Bucket{Class: e.Class, Machine: e.Machine}
}
