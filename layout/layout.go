// Package layout assigns non-overlapping address ranges to shared
// libraries, one (class, machine) bucket at a time.
package layout

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
)

var ErrNoSpace = errors.New("layout: not enough address space")

const DefaultGap = 0x1000

// Config holds the knobs of a layout run.
type Config struct {
	// MmapBase and MmapEnd override the architecture window when nonzero.
	MmapBase uint64
	MmapEnd  uint64

	// Random picks a random start inside the window and fuzzes the
	// placement order. Seed makes the choice reproducible.
	Random bool
	Seed   *uint64

	// ConserveMemory lets libraries that are never loaded together share
	// addresses.
	ConserveMemory bool

	// Gap separates neighbouring libraries; zero means DefaultGap.
	Gap uint64

	ExecShield bool

	// Logger receives the layout report when Verbose is set.
	Logger  *slog.Logger
	Verbose bool
}

// Hooks lets an architecture reshape the window around placement.
type Hooks interface {
	Window() Window
	// LayoutInit runs before the placed list is built. It may move the
	// window and translate placed entries into zones.
	LayoutInit(s *Space) error
	// PreLayout runs right before placement and may add sentinels.
	PreLayout(s *Space) error
	// PostLayout removes what PreLayout added and maps zones back.
	PostLayout(s *Space) error
}

// Plain is a Hooks implementation with no reserved zones.
type Plain struct {
	W Window
}

func (p Plain) Window() Window            { return p.W }
func (p Plain) LayoutInit(s *Space) error { return nil }
func (p Plain) PreLayout(s *Space) error  { return nil }
func (p Plain) PostLayout(s *Space) error { return nil }

// Result describes one finished bucket.
type Result struct {
	Bucket    Bucket
	MmapBase  uint64
	MmapEnd   uint64
	MmapStart uint64
	// Seed is the seed the start and ordering were derived from, zero for
	// a non-random run.
	Seed  uint64
	Moved []*Entry
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

type snapshot struct {
	base, end, layend uint64
	state             State
	relink            bool
}

// Layout places every unplaced shared object among entries, which must all
// belong to one bucket. On failure the entries are left as they were.
func Layout(entries []*Entry, hooks Hooks, cfg Config) (Result, error) {
	saved := make([]snapshot, len(entries))
	for i, e := range entries {
		saved[i] = snapshot{e.Base, e.End, e.Layend, e.State, e.NeedsRelink}
	}
	res, err := layout(entries, hooks, cfg)
	if err != nil {
		for i, e := range entries {
			sv := saved[i]
			e.Base, e.End, e.Layend, e.State, e.NeedsRelink = sv.base, sv.end, sv.layend, sv.state, sv.relink
			e.wrapped = false
		}
		return Result{}, err
	}
	return res, nil
}

func layout(entries []*Entry, hooks Hooks, cfg Config) (Result, error) {
	gap := cfg.Gap
	if gap == 0 {
		gap = DefaultGap
	}
	s := newSpace(cfg, hooks.Window())
	res := Result{}
	if len(entries) > 0 {
		res.Bucket = entries[0].Bucket()
	}

	for _, e := range entries {
		if e.IsDyn() {
			s.Libs = append(s.Libs, e)
		}
		if len(e.Depends) > 0 {
			s.Consumers = append(s.Consumers, e)
		}
	}

	page := s.PageSize
	for _, e := range s.Libs {
		if e.Movable() && e.State == Placed && e.Base&(page-1) != 0 {
			e.State = Unplaced
			e.NeedsRelink = true
		}
		if e.Movable() && e.State == Unplaced {
			e.End -= e.Base
			e.Base = 0
		}
		e.Layend = alignUp(e.End+gap, page)
	}

	if err := hooks.LayoutInit(s); err != nil {
		return res, err
	}
	s.Invalidate(s.MmapBase, s.MmapEnd)
	if s.MmapBase >= s.MmapEnd {
		return res, fmt.Errorf("%w: empty window [%#x, %#x)", ErrNoSpace, s.MmapBase, s.MmapEnd)
	}

	resolveOverlaps(s)
	propagate(s)
	for _, e := range s.Libs {
		if e.Movable() && e.State == Unplaced && e.Base != 0 {
			e.End -= e.Base
			e.Layend -= e.Base
			e.Base = 0
		}
	}

	for _, e := range s.Libs {
		if e.State != Unplaced {
			s.insertSorted(e)
		}
	}

	var rng *rand.Rand
	if cfg.Random {
		seed := uint64(0)
		if cfg.Seed != nil {
			seed = *cfg.Seed
		} else {
			seed = RandomSeed()
		}
		res.Seed = seed
		rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
		s.MmapStart = alignUp(s.MmapBase+rng.Uint64N(s.MmapEnd-s.MmapBase), page)
		if s.MmapStart >= s.MmapEnd {
			s.MmapStart = s.MmapBase
		}
	} else {
		s.MmapStart = alignUp(s.MmapBase, page)
	}

	var todo []*Entry
	for _, e := range s.Libs {
		if e.Movable() && e.State == Unplaced {
			todo = append(todo, e)
		}
	}
	if rng != nil {
		for _, e := range todo {
			e.tmp = rng.Uint64()
		}
		sort.SliceStable(todo, func(i, j int) bool { return refsRandomLess(todo[i], todo[j]) })
	} else {
		sort.SliceStable(todo, func(i, j int) bool { return refsLess(todo[i], todo[j]) })
	}

	if err := hooks.PreLayout(s); err != nil {
		return res, err
	}

	var co map[*Entry]map[*Entry]bool
	if cfg.ConserveMemory {
		co = coOccurrence(s)
	}

	fin := s.MmapEnd
	var parked []*Entry
	wrap := s.MmapStart > s.MmapBase
	if wrap {
		span := s.MmapEnd - s.MmapBase
		for _, e := range s.List() {
			switch {
			case e.Base >= s.MmapEnd:
				s.unlink(e)
				parked = append(parked, e)
			case e.Base >= s.MmapBase && e.Base < s.MmapStart:
				e.shift(span)
				e.wrapped = true
			}
		}
		s.resort()
		s.AddSentinel(s.MmapEnd, s.MmapEnd)
		fin = s.MmapStart + span
	}

	for _, e := range todo {
		var allow map[*Entry]bool
		if co != nil {
			allow = co[e]
		}
		if err := s.place(e, s.MmapStart, fin, allow); err != nil {
			return res, err
		}
		e.State = Placed
		e.NeedsRelink = true
		res.Moved = append(res.Moved, e)
	}

	if wrap {
		span := s.MmapEnd - s.MmapBase
		for _, e := range s.List() {
			if e.Sentinel && e.Base == s.MmapEnd && e.End == s.MmapEnd {
				s.unlink(e)
				continue
			}
			if e.wrapped || (!e.Sentinel && e.Base >= s.MmapEnd) {
				e.shift(-span)
				e.wrapped = false
			}
		}
		for _, e := range parked {
			s.insertSorted(e)
		}
		s.resort()
	}

	if err := hooks.PostLayout(s); err != nil {
		return res, err
	}
	s.RemoveSentinels()
	s.resort()

	res.MmapBase, res.MmapEnd, res.MmapStart = s.MmapBase, s.MmapEnd, s.MmapStart
	if cfg.Verbose && cfg.Logger != nil {
		for _, e := range s.List() {
			cfg.Logger.Info("layout", "lib", e.Name(), "base", fmt.Sprintf("%#x", e.Base), "end", fmt.Sprintf("%#x", e.End))
		}
	}
	return res, nil
}

// place finds the lowest address in [lo, hi) where e fits between list
// neighbours and links e there. allow, when non-nil, restricts the
// neighbours that count to those e is loaded together with.
func (s *Space) place(e *Entry, lo, hi uint64, allow map[*Entry]bool) error {
	size := e.size()
	addr := alignUp(lo, s.PageSize)
	for _, n := range s.List() {
		if !n.Sentinel && allow != nil && !allow[n] {
			continue
		}
		if n.Layend <= addr {
			continue
		}
		if addr+size <= n.Base {
			break
		}
		if n.Layend > addr {
			addr = alignUp(n.Layend, s.PageSize)
		}
	}
	if addr+size > hi || addr+size < addr {
		return fmt.Errorf("%w: %s needs %#x bytes in [%#x, %#x)", ErrNoSpace, e.Name(), size, lo, hi)
	}
	e.End = addr + (e.End - e.Base)
	e.Layend = addr + size
	e.Base = addr
	s.insertSorted(e)
	return nil
}

// resolveOverlaps unplaces, for every pair of overlapping placed
// dependencies of one consumer, the less referenced library.
func resolveOverlaps(s *Space) {
	for _, c := range s.Consumers {
		var deps []*Entry
		for _, d := range c.Depends {
			if d.IsDyn() && d.State != Unplaced {
				deps = append(deps, d)
			}
		}
		sort.SliceStable(deps, func(i, j int) bool { return deps[i].Base < deps[j].Base })
		for j := 1; j < len(deps); j++ {
			a, b := deps[j-1], deps[j]
			if a.State == Unplaced || b.State == Unplaced || b.Base >= a.End {
				continue
			}
			victim := a
			if a.Refs >= b.Refs {
				victim = b
			}
			if !victim.Movable() {
				if victim == a {
					victim = b
				} else {
					victim = a
				}
			}
			if victim.Movable() {
				victim.State = Unplaced
				victim.NeedsRelink = true
			}
		}
	}
}

// propagate marks every consumer of an unplaced library for relinking
// until nothing changes. Shared objects among them are relaid out too.
func propagate(s *Space) {
	for changed := true; changed; {
		changed = false
		for _, c := range s.Consumers {
			if c.NeedsRelink && (c.State == Unplaced || !c.Movable()) {
				continue
			}
			for _, d := range c.Depends {
				if d.State != Unplaced {
					continue
				}
				c.NeedsRelink = true
				if c.Movable() && c.State == Placed {
					c.State = Unplaced
				}
				changed = true
				break
			}
		}
	}
}

// coOccurrence maps every library to the set of libraries some consumer
// loads together with it.
func coOccurrence(s *Space) map[*Entry]map[*Entry]bool {
	co := make(map[*Entry]map[*Entry]bool)
	for _, c := range s.Consumers {
		for _, d := range c.Depends {
			set := co[d]
			if set == nil {
				set = make(map[*Entry]bool)
				co[d] = set
			}
			for _, o := range c.Depends {
				if o != d {
					set[o] = true
				}
			}
			if c.IsDyn() {
				set[c] = true
			}
		}
		if c.IsDyn() {
			set := co[c]
			if set == nil {
				set = make(map[*Entry]bool)
				co[c] = set
			}
			for _, d := range c.Depends {
				set[d] = true
			}
		}
	}
	return co
}

func refsLess(a, b *Entry) bool {
	if (len(a.Depends) == 0) != (len(b.Depends) == 0) {
		return len(a.Depends) == 0
	}
	if a.Refs != b.Refs {
		return a.Refs > b.Refs
	}
	return sizeNameLess(a, b)
}

// refsRandomLess orders by reference count quantized into bands that
// widen with popularity; counts in the same band are ordered by the
// per-run random key.
func refsRandomLess(a, b *Entry) bool {
	if (len(a.Depends) == 0) != (len(b.Depends) == 0) {
		return len(a.Depends) == 0
	}
	if qa, qb := refsBand(a.Refs), refsBand(b.Refs); qa != qb {
		return qa > qb
	}
	if a.tmp != b.tmp {
		return a.tmp < b.tmp
	}
	return sizeNameLess(a, b)
}

// refsBand maps a reference count to its band: counts below 8 each get
// their own, then bands are 2, 4 and 8 counts wide from 8, 32 and 128.
func refsBand(refs int) int {
	switch {
	case refs < 8:
		return refs
	case refs < 32:
		return 8 + (refs-8)/2
	case refs < 128:
		return 20 + (refs-32)/4
	}
	return 44 + (refs-128)/8
}

func sizeNameLess(a, b *Entry) bool {
	if sa, sb := a.size(), b.size(); sa != sb {
		return sa > sb
	}
	if a.Soname != b.Soname {
		return a.Soname < b.Soname
	}
	return a.Filename < b.Filename
}

// LayoutAll partitions entries by bucket and lays each out in turn. It
// stops at the first bucket that cannot be placed; buckets finished before
// it keep their new addresses.
func LayoutAll(entries []*Entry, hooksFor func(Bucket) (Hooks, error), cfg Config) ([]Result, error) {
	var order []Bucket
	groups := make(map[Bucket][]*Entry)
	for _, e := range entries {
		b := e.Bucket()
		if _, ok := groups[b]; !ok {
			order = append(order, b)
		}
		groups[b] = append(groups[b], e)
	}
	var results []Result
	for _, b := range order {
		hooks, err := hooksFor(b)
		if err != nil {
			return results, err
		}
		res, err := Layout(groups[b], hooks, cfg)
		if err != nil {
			return results, fmt.Errorf("%s/%s: %w", b.Class, b.Machine, err)
		}
		res.Bucket = b
		results = append(results, res)
	}
	return results, nil
}
