// Package prelink assigns fixed load addresses to shared libraries and
// bakes the relocations of libraries and executables for those addresses,
// so the dynamic loader has nothing left to do when the assumed layout
// holds.
package prelink

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/sliverarmory/prelink/arch"
	"github.com/sliverarmory/prelink/cache"
	"github.com/sliverarmory/prelink/dso"
	"github.com/sliverarmory/prelink/layout"
)

// Prelinker runs prelink and undo passes over sets of objects.
type Prelinker struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// ObjectReport is the outcome for one object.
type ObjectReport struct {
	Path    string
	Soname  string
	Exec    bool
	OldBase uint64
	NewBase uint64
	// Conflicts counts the records an executable's loader still applies.
	Conflicts int
	Err       error
}

// Report summarizes a run.
type Report struct {
	Layouts []layout.Result
	Objects []ObjectReport
	DryRun  bool
}

// Failed counts the objects that were left untouched because of an error.
func (r *Report) Failed() int {
	n := 0
	for _, o := range r.Objects {
		if o.Err != nil {
			n++
		}
	}
	return n
}

func New(cfg Config, logger *slog.Logger) (*Prelinker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.CachePath == "" {
		cfg.CachePath = DefaultCachePath
	}
	return &Prelinker{cfg: cfg, logger: logger, now: time.Now}, nil
}

// Run prelinks paths and every library they depend on. Objects that fail
// are logged, reported and left as they were; the error return is kept
// for failures that stop the whole run.
func (p *Prelinker) Run(ctx context.Context, paths []string) (*Report, error) {
	db, err := cache.Open(p.cfg.CachePath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	set := newLoadSet()
	defer set.close()

	report := &Report{DryRun: p.cfg.DryRun}
	p.load(set, paths, report)
	if err := ctx.Err(); err != nil {
		return report, err
	}

	entries := p.entries(set, db)
	lcfg := p.layoutConfig(db)
	results, err := layout.LayoutAll(entries, func(b layout.Bucket) (layout.Hooks, error) {
		a, err := arch.Lookup(b.Class, b.Machine)
		if err != nil {
			return nil, err
		}
		return a, nil
	}, lcfg)
	report.Layouts = results
	if err != nil {
		return report, err
	}
	if lcfg.Seed != nil {
		db.SetSeed(*lcfg.Seed)
	}

	libs := set.libraries()
	for _, l := range libs {
		if l.err == nil {
			l.err = p.relocate(l)
		}
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	for _, l := range libs {
		if l.err == nil {
			l.opd, l.err = dso.ReadOPD(l.img)
		}
	}
	for _, l := range libs {
		if err := scopeErr(l); err != nil {
			l.err = err
			continue
		}
		l.err = p.prelinkLibrary(l)
	}

	conflicts := make(map[*Library]int)
	for _, e := range set.executables() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := scopeErr(e); err != nil {
			e.err = err
			continue
		}
		conflicts[e], e.err = p.prelinkExecutable(e)
	}

	// A library that failed late invalidates everything that was bound
	// to its new address, and so does one that cannot be written.
	propagate(set)
	staged := p.stage(set)
	propagate(set)
	p.commit(set, staged)

	for _, l := range set.order {
		o := ObjectReport{
			Path:      l.path,
			Soname:    l.Soname(),
			Exec:      l.exec,
			OldBase:   l.origBase,
			NewBase:   l.origBase,
			Conflicts: conflicts[l],
			Err:       l.err,
		}
		if l.entry != nil && l.err == nil {
			o.NewBase = l.entry.Base
		}
		if o.Err != nil {
			p.logger.Warn("object skipped", "path", l.path, "error", o.Err)
		} else if p.cfg.Verbose {
			p.logger.Info("prelinked", "path", l.path, "base", fmt.Sprintf("%#x", o.NewBase),
				"conflicts", o.Conflicts, "relink", l.entry != nil && l.entry.NeedsRelink)
		}
		report.Objects = append(report.Objects, o)
		if o.Err == nil {
			db.Put(p.cacheEntry(db, l))
		}
	}

	if p.cfg.DryRun {
		return report, nil
	}
	return report, db.Save()
}

// propagate fails every object whose scope holds a failed one.
func propagate(set *loadSet) {
	for _, l := range set.order {
		if l.err == nil {
			l.err = scopeErr(l)
		}
	}
}

// stage encodes every object still in the run and writes it beside its
// path. Nothing is replaced until every object got this far; a dry run
// only encodes.
func (p *Prelinker) stage(set *loadSet) map[*Library]*dso.Staged {
	staged := make(map[*Library]*dso.Staged)
	for _, l := range set.order {
		if l.err != nil {
			continue
		}
		if p.cfg.DryRun {
			l.err = l.img.FlushRelocs()
			continue
		}
		st, err := l.stage()
		if err != nil {
			l.err = err
			continue
		}
		staged[l] = st
	}
	return staged
}

// commit replaces the objects that are still good with their staged
// files and drops the rest.
func (p *Prelinker) commit(set *loadSet, staged map[*Library]*dso.Staged) {
	for _, l := range set.order {
		st := staged[l]
		if st == nil {
			continue
		}
		if l.err == nil {
			l.err = st.Commit()
		} else if err := st.Discard(); err != nil {
			p.logger.Warn("cannot remove staged file", "path", l.path, "error", err)
		}
	}
}

// load opens paths and, breadth first, everything they need.
func (p *Prelinker) load(set *loadSet, paths []string, report *Report) {
	for _, path := range paths {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		if _, ok := set.byPath[path]; ok {
			continue
		}
		l, err := OpenLibrary(path)
		if err != nil {
			p.logger.Warn("cannot open", "path", path, "error", err)
			report.Objects = append(report.Objects, ObjectReport{Path: path, Err: err})
			continue
		}
		set.add(l)
	}
	for i := 0; i < len(set.order); i++ {
		l := set.order[i]
		if err := l.supported(); err != nil {
			l.err = err
			continue
		}
		if err := set.resolveNeeded(l, p.cfg.LibraryPaths); err != nil {
			l.err = err
			continue
		}
		if !l.prelinked {
			l.err = arch.Convertible(l.img, l.arch)
		}
	}
	for _, l := range set.order {
		buildScope(l)
	}
}

// entries builds the layout input: every loaded object plus the cached
// libraries of earlier runs, which keep their addresses.
func (p *Prelinker) entries(set *loadSet, db *cache.Cache) []*layout.Entry {
	var out []*layout.Entry
	buckets := make(map[layout.Bucket]bool)
	for _, l := range set.order {
		base, end := l.img.Bounds()
		e := &layout.Entry{
			Filename: l.path,
			Soname:   l.Soname(),
			Class:    l.img.Class,
			Machine:  l.img.Machine,
			Kind:     layout.KindDyn,
			Base:     base,
			End:      end,
		}
		switch {
		case l.exec:
			e.Kind = layout.KindExec
			e.State = layout.Fixed
		case l.err != nil:
			e.State = layout.Fixed
		case l.prelinked:
			e.State = layout.Placed
		}
		l.entry = e
		buckets[e.Bucket()] = true
		out = append(out, e)
	}
	for _, l := range set.order {
		for _, d := range l.scope[1:] {
			l.entry.Depends = append(l.entry.Depends, d.entry)
			d.entry.Refs++
		}
	}
	for _, c := range db.Entries() {
		if c.Exec {
			continue
		}
		if _, ok := set.byPath[c.Filename]; ok {
			continue
		}
		if !buckets[layout.Bucket{Class: c.Class, Machine: c.Machine}] {
			continue
		}
		out = append(out, &layout.Entry{
			Filename: c.Filename,
			Soname:   c.Soname,
			Class:    c.Class,
			Machine:  c.Machine,
			Kind:     layout.KindCacheDyn,
			Base:     c.Base,
			End:      c.End,
			Refs:     c.Refs,
			State:    layout.Fixed,
		})
	}
	return out
}

// layoutConfig fixes one seed for every bucket of a randomized run: the
// configured one, else the one the cache recorded, else a fresh draw.
func (p *Prelinker) layoutConfig(db *cache.Cache) layout.Config {
	seed := p.cfg.Seed
	if p.cfg.Random && seed == nil {
		s, ok := db.Seed()
		if !ok {
			s = layout.RandomSeed()
		}
		seed = &s
	}
	return layout.Config{
		MmapBase:       p.cfg.MmapBase,
		MmapEnd:        p.cfg.MmapEnd,
		Random:         p.cfg.Random,
		Seed:           seed,
		ConserveMemory: p.cfg.ConserveMemory,
		ExecShield:     p.cfg.ExecShield,
		Logger:         p.logger,
		Verbose:        p.cfg.Verbose,
	}
}

// relocate restores l to its unprelinked state and moves it to the base
// the layout assigned.
func (p *Prelinker) relocate(l *Library) error {
	if l.prelinked {
		if err := arch.Undo(l.img, l.arch); err != nil {
			return fmt.Errorf("undo %s: %w", l.path, err)
		}
	}
	old, _ := l.img.Bounds()
	if delta := l.entry.Base - old; delta != 0 {
		if err := arch.Adjust(l.img, l.arch, old, delta); err != nil {
			return fmt.Errorf("adjust %s: %w", l.path, err)
		}
	}
	return nil
}

func (p *Prelinker) prelinkLibrary(l *Library) error {
	l.tls = assignTLS(l.scope, l.arch.Desc().TLS)
	res := newResolver(l, l.scope, l.tls)
	if err := arch.Prelink(&arch.Context{Image: l.img, Resolver: res}, l.arch); err != nil {
		return fmt.Errorf("prelink %s: %w", l.path, err)
	}
	if err := res.unresolved(); err != nil {
		return err
	}
	return p.mark(l)
}

// prelinkExecutable bakes e's relocations and collects, for e and every
// library it loads, the references e's scope binds differently along with
// the thread local ones only the loaded process can know.
func (p *Prelinker) prelinkExecutable(e *Library) (int, error) {
	if e.prelinked {
		if err := arch.Undo(e.img, e.arch); err != nil {
			return 0, fmt.Errorf("undo %s: %w", e.path, err)
		}
	}
	tls := assignTLS(e.scope, e.arch.Desc().TLS)
	res := newResolver(e, e.scope, tls)
	if err := arch.Prelink(&arch.Context{Image: e.img, Resolver: res}, e.arch); err != nil {
		return 0, fmt.Errorf("prelink %s: %w", e.path, err)
	}
	if err := res.unresolved(); err != nil {
		return 0, err
	}

	var recs []dso.Rela
	for _, l := range e.scope {
		global := newResolver(l, e.scope, tls)
		local := newResolver(l, l.scope, l.tls)
		if l == e {
			local = newResolver(e, e.scope, tls)
		}
		ctx := &arch.Context{
			Image:    l.img,
			Resolver: global,
			Oracle:   &oracle{lib: l, local: local, global: global},
		}
		if err := arch.Conflicts(ctx, l.arch); err != nil {
			return 0, fmt.Errorf("conflicts of %s in %s: %w", l.Name(), e.path, err)
		}
		for _, c := range ctx.Conflicts {
			recs = append(recs, dso.Rela{Offset: c.Offset, Type: c.Type, Addend: c.Addend})
		}
		if p.cfg.Verbose && len(ctx.Conflicts) > 0 {
			p.logger.Info("conflicts", "exec", e.path, "lib", l.Name(), "count", len(ctx.Conflicts))
		}
	}
	if err := p.writeConflicts(e, recs); err != nil {
		return len(recs), err
	}
	return len(recs), p.mark(e)
}

func (p *Prelinker) writeConflicts(e *Library, recs []dso.Rela) error {
	s := e.img.SectionByName(dso.ConflictSection)
	if s == nil {
		if len(recs) > 0 {
			p.logger.Warn("no conflict section, conflicts not recorded", "path", e.path, "count", len(recs))
		}
		return nil
	}
	if err := e.img.WriteRela(s, recs); err != nil {
		return err
	}
	size := uint64(len(recs)) * uint64(3*e.img.WordSize())
	for i, d := range e.img.Dynamic {
		if d.Tag == elf.DT_GNU_CONFLICTSZ {
			e.img.SetDyn(i, size)
		}
	}
	return nil
}

// mark stamps the prelink time into DT_GNU_PRELINKED. Objects without a
// spare dynamic slot stay unmarked; the cache still records them.
func (p *Prelinker) mark(l *Library) error {
	stamp := uint64(p.now().Unix())
	for i, d := range l.img.Dynamic {
		if d.Tag == elf.DT_GNU_PRELINKED {
			l.img.SetDyn(i, stamp)
			return nil
		}
	}
	err := l.img.AddDyn(elf.DT_GNU_PRELINKED, stamp)
	if errors.Is(err, dso.ErrNoDynSlot) {
		p.logger.Debug("no room for the prelink marker", "path", l.path)
		return nil
	}
	return err
}

func (p *Prelinker) cacheEntry(db *cache.Cache, l *Library) cache.Entry {
	e := cache.Entry{
		Filename: l.path,
		Soname:   l.Soname(),
		Class:    l.img.Class,
		Machine:  l.img.Machine,
		Exec:     l.exec,
		Base:     l.entry.Base,
		End:      l.entry.End,
		OrigBase: l.origBase,
		Refs:     l.entry.Refs,
	}
	if prev, ok := db.Lookup(l.path); ok && l.prelinked {
		e.OrigBase = prev.OrigBase
	}
	for _, d := range l.scope[1:] {
		e.Depends = append(e.Depends, d.path)
	}
	return e
}

// Undo returns paths to their state before prelinking: relocation fields,
// PLT and GOT contents, the original base when the cache knows it, and no
// marker or conflicts.
func (p *Prelinker) Undo(ctx context.Context, paths []string) (*Report, error) {
	db, err := cache.Open(p.cfg.CachePath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	report := &Report{DryRun: p.cfg.DryRun}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		o := p.undoOne(db, path)
		if o.Err != nil {
			p.logger.Warn("undo failed", "path", path, "error", o.Err)
		} else if p.cfg.Verbose {
			p.logger.Info("undone", "path", path, "base", fmt.Sprintf("%#x", o.NewBase))
		}
		report.Objects = append(report.Objects, o)
	}
	if p.cfg.DryRun {
		return report, nil
	}
	return report, db.Save()
}

func (p *Prelinker) undoOne(db *cache.Cache, path string) ObjectReport {
	o := ObjectReport{Path: path}
	l, err := OpenLibrary(path)
	if err != nil {
		o.Err = err
		return o
	}
	defer l.Close()

	o.Soname, o.Exec = l.Soname(), l.exec
	o.OldBase, o.NewBase = l.origBase, l.origBase
	prev, cached := db.Lookup(path)
	if !l.prelinked && !cached {
		p.logger.Debug("not prelinked", "path", path)
		return o
	}
	if err := arch.Undo(l.img, l.arch); err != nil {
		o.Err = fmt.Errorf("undo %s: %w", path, err)
		return o
	}
	if cached && !l.exec && prev.OrigBase != l.origBase {
		if err := arch.Adjust(l.img, l.arch, l.origBase, prev.OrigBase-l.origBase); err != nil {
			o.Err = fmt.Errorf("adjust %s: %w", path, err)
			return o
		}
		o.NewBase = prev.OrigBase
	}
	l.img.RemoveDyn(elf.DT_GNU_PRELINKED)
	if s := l.img.SectionByName(dso.ConflictSection); s != nil && l.exec {
		if err := p.writeConflicts(l, nil); err != nil {
			o.Err = err
			return o
		}
	}
	if p.cfg.DryRun {
		return o
	}
	if err := l.save(); err != nil {
		o.Err = err
		return o
	}
	db.Remove(path)
	return o
}
