// Package cache persists what a prelink run decided: where every object
// was placed, what it depends on and the seed of the last randomized
// layout.
package cache

import (
	"debug/elf"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const formatVersion = 1

var ErrCacheClosed = errors.New("cache: cache is closed")

// Entry is one prelinked object.
type Entry struct {
	Filename string      `json:"filename"`
	Soname   string      `json:"soname,omitempty"`
	Class    elf.Class   `json:"class"`
	Machine  elf.Machine `json:"machine"`
	Exec     bool        `json:"exec,omitempty"`
	Base     uint64      `json:"base"`
	End      uint64      `json:"end"`
	// OrigBase is the base the object had before it was first prelinked.
	OrigBase uint64   `json:"orig_base"`
	Refs     int      `json:"refs,omitempty"`
	Depends  []string `json:"depends,omitempty"`
}

type document struct {
	Version int      `json:"version"`
	Seed    *uint64  `json:"seed,omitempty"`
	Entries []*Entry `json:"entries"`
}

// Cache is an open, locked cache file. Changes are kept in memory until
// Save.
type Cache struct {
	mu      sync.Mutex
	path    string
	lock    *os.File
	entries map[string]*Entry
	seed    *uint64
	closed  bool
}

// Open locks the cache at path and loads it. A missing file yields an
// empty cache.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("cache: create directory: %w", err)
	}
	lock, err := os.OpenFile(path+".lock", os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cache: open lock: %w", err)
	}
	if err := lockFile(lock); err != nil {
		_ = lock.Close()
		return nil, fmt.Errorf("cache: lock %s: %w", path, err)
	}

	c := &Cache{path: path, lock: lock, entries: make(map[string]*Entry)}
	if err := c.load(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) load() error {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cache: read %s: %w", c.path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("cache: parse %s: %w", c.path, err)
	}
	if doc.Version != formatVersion {
		return fmt.Errorf("cache: %s: unsupported version %d", c.path, doc.Version)
	}
	for _, e := range doc.Entries {
		if e == nil || e.Filename == "" {
			continue
		}
		c.entries[e.Filename] = e
	}
	c.seed = doc.Seed
	return nil
}

func (c *Cache) Lookup(filename string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[filename]
	if !ok {
		return Entry{}, false
	}
	return clone(e), true
}

// Put adds or replaces the entry for e.Filename.
func (c *Cache) Put(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := clone(&e)
	c.entries[e.Filename] = &cp
}

func (c *Cache) Remove(filename string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, filename)
}

// Entries returns every entry sorted by file name.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, clone(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

// Seed returns the seed of the last randomized layout.
func (c *Cache) Seed() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seed == nil {
		return 0, false
	}
	return *c.seed, true
}

func (c *Cache) SetSeed(seed uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seed = &seed
}

// Save writes the cache through a temporary file in the same directory.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrCacheClosed
	}
	doc := document{Version: formatVersion, Seed: c.seed}
	for _, e := range c.entries {
		doc.Entries = append(doc.Entries, e)
	}
	sort.Slice(doc.Entries, func(i, j int) bool { return doc.Entries[i].Filename < doc.Entries[j].Filename })
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".prelink-cache-*")
	if err != nil {
		return fmt.Errorf("cache: create temp: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("cache: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("cache: close %s: %w", name, err)
	}
	if err := os.Rename(name, c.path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("cache: rename %s: %w", name, err)
	}
	return nil
}

// Close releases the lock. Unsaved changes are dropped.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	err := unlockFile(c.lock)
	if cerr := c.lock.Close(); err == nil {
		err = cerr
	}
	return err
}

func clone(e *Entry) Entry {
	cp := *e
	cp.Depends = append([]string(nil), e.Depends...)
	return cp
}
