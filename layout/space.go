package layout

import "sort"

// Window is the default mapping window of an architecture.
type Window struct {
	Base uint64
	End  uint64
	// PageSize is the alignment of library bases, the maximum page size
	// the architecture supports.
	PageSize uint64
}

// Zone translates a virtual range used during placement back to the real
// addresses it stands for.
type Zone struct {
	VirtBase uint64
	VirtEnd  uint64
	RealBase uint64
}

func (z Zone) containsVirt(addr uint64) bool {
	return addr >= z.VirtBase && addr < z.VirtEnd
}

func (z Zone) containsReal(addr uint64) bool {
	return addr >= z.RealBase && addr < z.RealBase+(z.VirtEnd-z.VirtBase)
}

// Space is the state of one bucket's layout run. Placed entries form a list
// sorted by base; links are indices into an arena whose slot 0 is the list
// head.
type Space struct {
	Config Config

	MmapBase  uint64
	MmapEnd   uint64
	MmapStart uint64
	PageSize  uint64
	// Overridden is set when the window comes from the configuration
	// rather than the architecture.
	Overridden bool

	// Libs are the shared objects of the bucket, Consumers every entry
	// with dependencies.
	Libs      []*Entry
	Consumers []*Entry

	Zones    []Zone
	ArchData any

	arena []*Entry
}

func newSpace(cfg Config, w Window) *Space {
	s := &Space{
		Config:   cfg,
		MmapBase: w.Base,
		MmapEnd:  w.End,
		PageSize: w.PageSize,
	}
	if s.PageSize == 0 {
		s.PageSize = 0x1000
	}
	if cfg.MmapBase != 0 || cfg.MmapEnd != 0 {
		s.Overridden = true
		if cfg.MmapBase != 0 {
			s.MmapBase = cfg.MmapBase
		}
		if cfg.MmapEnd != 0 {
			s.MmapEnd = cfg.MmapEnd
		}
	}
	head := &Entry{Sentinel: true, Filename: "<head>"}
	s.arena = []*Entry{head}
	return s
}

func (s *Space) head() *Entry {
	return s.arena[0]
}

func (s *Space) adopt(e *Entry) {
	if e.slot > 0 && e.slot < len(s.arena) && s.arena[e.slot] == e {
		return
	}
	e.slot = len(s.arena)
	e.next, e.prev = -1, -1
	s.arena = append(s.arena, e)
}

func (s *Space) linked(e *Entry) bool {
	return e.slot > 0 && e.slot < len(s.arena) && s.arena[e.slot] == e && e.next >= 0
}

// insertAfter links e right after the entry in slot at.
func (s *Space) insertAfter(at int, e *Entry) {
	s.adopt(e)
	p := s.arena[at]
	n := s.arena[p.next]
	e.prev = at
	e.next = p.next
	n.prev = e.slot
	p.next = e.slot
}

func (s *Space) unlink(e *Entry) {
	if !s.linked(e) {
		return
	}
	s.arena[e.prev].next = e.next
	s.arena[e.next].prev = e.prev
	e.next, e.prev = -1, -1
}

// insertSorted links e after every listed entry whose base is not above
// e's base.
func (s *Space) insertSorted(e *Entry) {
	at := 0
	for i := s.head().next; i != 0; i = s.arena[i].next {
		if s.arena[i].Base > e.Base {
			break
		}
		at = i
	}
	s.insertAfter(at, e)
}

// List returns the linked entries in address order, sentinels included.
func (s *Space) List() []*Entry {
	var out []*Entry
	for i := s.head().next; i != 0; i = s.arena[i].next {
		out = append(out, s.arena[i])
	}
	return out
}

// AddSentinel reserves [base, end) for the rest of the run. A zero-length
// sentinel forbids placements that straddle base.
func (s *Space) AddSentinel(base, end uint64) *Entry {
	e := &Entry{
		Filename: "<sentinel>",
		Sentinel: true,
		State:    Fixed,
		Base:     base,
		End:      end,
		Layend:   end,
	}
	s.insertSorted(e)
	return e
}

// RemoveSentinels unlinks every sentinel.
func (s *Space) RemoveSentinels() {
	for _, e := range s.List() {
		if e.Sentinel {
			s.unlink(e)
		}
	}
}

// resort relinks the listed entries after their addresses changed.
func (s *Space) resort() {
	list := s.List()
	for _, e := range list {
		s.unlink(e)
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Base < list[j].Base
	})
	for _, e := range list {
		s.insertAfter(s.head().prev, e)
	}
}

// AddZone records that [virtBase, virtBase+size) stands for
// [realBase, realBase+size).
func (s *Space) AddZone(virtBase, realBase, size uint64) {
	s.Zones = append(s.Zones, Zone{VirtBase: virtBase, VirtEnd: virtBase + size, RealBase: realBase})
}

// ToVirtual moves e into the zone whose real range holds its base.
func (s *Space) ToVirtual(e *Entry) {
	for _, z := range s.Zones {
		if z.containsReal(e.Base) {
			e.shift(z.VirtBase - z.RealBase)
			return
		}
	}
}

// ToReal undoes ToVirtual.
func (s *Space) ToReal(e *Entry) {
	for _, z := range s.Zones {
		if z.containsVirt(e.Base) {
			e.shift(z.RealBase - z.VirtBase)
			return
		}
	}
}

// Invalidate unplaces every movable placed entry not fully inside
// [lo, hi).
func (s *Space) Invalidate(lo, hi uint64) {
	for _, e := range s.Libs {
		if !e.Movable() || e.State != Placed {
			continue
		}
		if e.Base < lo || e.End > hi {
			e.State = Unplaced
			e.NeedsRelink = true
		}
	}
}
