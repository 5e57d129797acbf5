package prelink

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sliverarmory/prelink/arch"
	"github.com/sliverarmory/prelink/dso"
)

// loadSet is every object opened during one run.
type loadSet struct {
	byPath   map[string]*Library
	bySoname map[string]*Library
	order    []*Library
}

func newLoadSet() *loadSet {
	return &loadSet{
		byPath:   make(map[string]*Library),
		bySoname: make(map[string]*Library),
	}
}

func (s *loadSet) add(l *Library) {
	s.byPath[l.path] = l
	if so := l.Soname(); so != "" {
		if _, ok := s.bySoname[so]; !ok {
			s.bySoname[so] = l
		}
	}
	s.order = append(s.order, l)
}

func (s *loadSet) close() {
	for _, l := range s.order {
		_ = l.Close()
	}
}

func (s *loadSet) libraries() []*Library {
	var out []*Library
	for _, l := range s.order {
		if !l.exec {
			out = append(out, l)
		}
	}
	return out
}

func (s *loadSet) executables() []*Library {
	var out []*Library
	for _, l := range s.order {
		if l.exec {
			out = append(out, l)
		}
	}
	return out
}

// searchDirs lists where a DT_NEEDED name of req is looked for, in order:
// its run path with $ORIGIN expanded, its own directory, then the
// configured library paths.
func searchDirs(req *Library, paths []string) []string {
	origin := filepath.Dir(req.path)
	var dirs []string
	for _, p := range req.img.Runpath {
		p = strings.ReplaceAll(p, "${ORIGIN}", origin)
		p = strings.ReplaceAll(p, "$ORIGIN", origin)
		if p != "" {
			dirs = append(dirs, p)
		}
	}
	dirs = append(dirs, origin)
	return append(dirs, paths...)
}

// resolveNeeded finds and opens the DT_NEEDED entries of req.
func (s *loadSet) resolveNeeded(req *Library, paths []string) error {
	for _, name := range req.img.Needed {
		dep, err := s.findNeeded(req, name, paths)
		if err != nil {
			return err
		}
		req.deps = append(req.deps, dep)
	}
	return nil
}

func (s *loadSet) findNeeded(req *Library, name string, paths []string) (*Library, error) {
	if l, ok := s.bySoname[name]; ok && compatible(req, l) {
		return l, nil
	}
	var candidates []string
	if strings.ContainsRune(name, '/') {
		candidates = []string{name}
	} else {
		for _, dir := range searchDirs(req, paths) {
			candidates = append(candidates, filepath.Join(dir, name))
		}
	}
	for _, path := range candidates {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		if l, ok := s.byPath[path]; ok {
			if compatible(req, l) {
				return l, nil
			}
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		l, err := OpenLibrary(path)
		if err != nil {
			continue
		}
		if !compatible(req, l) {
			_ = l.Close()
			continue
		}
		s.add(l)
		return l, nil
	}
	return nil, fmt.Errorf("%w: %s needs %s", ErrMissingDependency, req.path, name)
}

// compatible rejects libraries of another class or machine, which a
// multilib search path may turn up first.
func compatible(req, l *Library) bool {
	return !l.exec && l.img.Class == req.img.Class && l.img.Machine == req.img.Machine
}

// buildScope computes the breadth first load order of l and its
// dependencies.
func buildScope(l *Library) {
	seen := map[*Library]bool{l: true}
	l.scope = []*Library{l}
	for i := 0; i < len(l.scope); i++ {
		for _, d := range l.scope[i].deps {
			if !seen[d] {
				seen[d] = true
				l.scope = append(l.scope, d)
			}
		}
	}
}

// scopeErr returns the first failure among the objects of l's scope.
func scopeErr(l *Library) error {
	for _, d := range l.scope {
		if d.err != nil {
			if d == l {
				return d.err
			}
			return fmt.Errorf("%s: dependency %s failed: %w", l.path, d.Name(), d.err)
		}
	}
	return nil
}

// assignTLS numbers the TLS blocks of scope in load order and computes
// their static offsets for the architecture's thread pointer layout.
func assignTLS(scope []*Library, variant arch.TLSVariant) map[*Library]*arch.TLSModule {
	mods := make(map[*Library]*arch.TLSModule)
	var id, off uint64
	for _, l := range scope {
		p, ok := l.img.TLS()
		if !ok {
			continue
		}
		id++
		align := max(p.Align, 1)
		if variant == arch.TLSVariant2 {
			off = alignUp(off+p.Memsz, align)
			mods[l] = &arch.TLSModule{ModID: id, Offset: off}
			continue
		}
		off = alignUp(off, align)
		mods[l] = &arch.TLSModule{ModID: id, Offset: off}
		off += p.Memsz
	}
	return mods
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) / a * a
}

// definition is where a symbol lookup ended.
type definition struct {
	lib *Library
	sym *dso.Sym
}

// lookup searches scope for name. References of the PLT class do not
// bind to the canonical PLT address of an executable, copy relocations
// skip the object that asks.
func lookup(scope []*Library, name string, class arch.RelocClass, skip *Library) (definition, bool) {
	for _, l := range scope {
		if l == skip {
			continue
		}
		if i, ok := l.syms[name]; ok {
			return definition{lib: l, sym: &l.img.Symbols[i]}, true
		}
		if class == arch.ClassPLT {
			continue
		}
		if i, ok := l.plts[name]; ok {
			return definition{lib: l, sym: &l.img.Symbols[i]}, true
		}
	}
	return definition{}, false
}

// resolver binds the symbol references of lib through scope.
type resolver struct {
	lib     *Library
	scope   []*Library
	tls     map[*Library]*arch.TLSModule
	missing map[string]bool
}

func newResolver(lib *Library, scope []*Library, tls map[*Library]*arch.TLSModule) *resolver {
	return &resolver{lib: lib, scope: scope, tls: tls, missing: make(map[string]bool)}
}

func (r *resolver) Resolve(sym uint32, typ uint32) arch.Symbol {
	d, ok := r.find(sym, typ)
	if !ok {
		return arch.Symbol{}
	}
	return r.symbol(d)
}

func (r *resolver) find(sym uint32, typ uint32) (definition, bool) {
	syms := r.lib.img.Symbols
	if int(sym) >= len(syms) {
		return definition{}, false
	}
	s := &syms[sym]
	if sym == 0 {
		return definition{lib: r.lib, sym: s}, true
	}
	if !s.IsUndef() && (s.Bind() == elf.STB_LOCAL || elf.ST_VISIBILITY(s.Other) != elf.STV_DEFAULT) {
		return definition{lib: r.lib, sym: s}, true
	}
	a := r.lib.arch
	var skip *Library
	if typ == a.Desc().Copy {
		skip = r.lib
	}
	if d, ok := lookup(r.scope, unversioned(s.Name), a.RelocClass(typ), skip); ok {
		return d, true
	}
	if s.Bind() != elf.STB_WEAK {
		r.missing[s.Name] = true
	}
	return definition{}, false
}

func (r *resolver) symbol(d definition) arch.Symbol {
	out := arch.Symbol{Value: d.sym.Value, Found: true}
	switch {
	case d.sym.Type() == elf.STT_TLS:
		out.TLS = r.tls[d.lib]
	case d.sym.Type() == stGNUIFunc && !d.sym.IsUndef():
		out.IFunc = true
	}
	if desc, ok := d.lib.opd.Lookup(d.sym.Value); ok {
		out.Desc = &desc
	}
	return out
}

// unresolved reports the strong references lookups could not bind.
func (r *resolver) unresolved() error {
	if len(r.missing) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.missing))
	for n := range r.missing {
		names = append(names, n)
	}
	sort.Strings(names)
	return fmt.Errorf("%w: %s: %s", ErrUnresolved, r.lib.path, strings.Join(names, ", "))
}

// oracle reports the references of lib that bind differently in the
// scope of an executable than in lib's own scope.
type oracle struct {
	lib    *Library
	local  *resolver
	global *resolver
}

func (o *oracle) LookupConflict(sym uint32, typ uint32) (arch.Symbol, bool) {
	if sym == 0 {
		return arch.Symbol{}, false
	}
	want, ok := o.global.find(sym, typ)
	if !ok {
		return arch.Symbol{}, false
	}
	have, ok := o.local.find(sym, typ)
	if ok && have.lib == want.lib && have.sym.Value == want.sym.Value && sameTLS(o.local.symbol(have), o.global.symbol(want)) {
		return arch.Symbol{}, false
	}
	return o.global.symbol(want), true
}

// sameTLS reports whether a and b agree on module id and offset; a TLS
// symbol bound to the same definition still moves when the module list
// differs.
func sameTLS(a, b arch.Symbol) bool {
	if a.TLS == nil || b.TLS == nil {
		return a.TLS == b.TLS
	}
	return *a.TLS == *b.TLS
}

func (o *oracle) CurrentTLS() (arch.TLSModule, bool) {
	m := o.global.tls[o.lib]
	if m == nil {
		return arch.TLSModule{}, false
	}
	return *m, true
}
