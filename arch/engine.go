package arch

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/sliverarmory/prelink/dso"
)

// Adjust moves every address >= start inside img by delta: relocation
// records and the values they already wrote, dynamic entries, arch private
// tables, then the headers and symbols. Hooks run before the headers move
// and see the old addresses.
func Adjust(img *dso.Image, a Arch, start, delta uint64) error {
	if delta == 0 {
		return nil
	}
	secs, err := img.RelocSections()
	if err != nil {
		return err
	}
	for _, rs := range secs {
		for i := range rs.Relocs {
			r := &rs.Relocs[i]
			if rs.Rela {
				err = a.AdjustRela(img, r, start, delta)
			} else {
				err = a.AdjustRel(img, r, start, delta)
			}
			if err != nil {
				return err
			}
			if r.Offset >= start {
				r.Offset += delta
			}
		}
		rs.MarkDirty()
	}
	if err := a.ArchAdjust(img, start, delta); err != nil {
		return err
	}
	for i, d := range img.Dynamic {
		if a.AdjustDyn(img, i, start, delta) {
			continue
		}
		if isAddrTag(d.Tag) && d.Val >= start {
			img.SetDyn(i, d.Val+delta)
		}
	}
	if err := img.Err(); err != nil {
		return err
	}
	img.Shift(start, delta)
	return nil
}

// Prelink bakes resolved values into every relocation of ctx.Image.
// Sections whose implicit addends would be lost are converted to RELA
// first when the larger records fit; otherwise the architecture rejects
// the addends.
func Prelink(ctx *Context, a Arch) error {
	img := ctx.Image
	secs, err := img.RelocSections()
	if err != nil {
		return err
	}
	d := a.Desc()
	for _, rs := range secs {
		if !rs.Rela && a.NeedRelToRela(img, rs.Relocs) && img.CanHold(rs, rs.RelaSize(img.Class)) {
			if err := ConvertRelToRela(img, a, rs); err != nil {
				return err
			}
		}
		for i := range rs.Relocs {
			r := &rs.Relocs[i]
			if r.Type == d.Copy && img.Type == elf.ET_EXEC {
				continue
			}
			var changed bool
			if rs.Rela {
				changed, err = a.PrelinkRela(ctx, r)
			} else {
				changed, err = a.PrelinkRel(ctx, r)
			}
			if err != nil {
				return err
			}
			if changed {
				rs.MarkDirty()
			}
		}
	}
	if err := a.ArchPrelink(ctx); err != nil {
		return err
	}
	return img.Err()
}

// Conflicts collects into ctx.Conflicts the records the loader must still
// apply to ctx.Image when it is loaded by the executable ctx.Oracle
// describes.
func Conflicts(ctx *Context, a Arch) error {
	if ctx.Oracle == nil {
		return nil
	}
	if ctx.TLS == nil {
		if m, ok := ctx.Oracle.CurrentTLS(); ok {
			ctx.TLS = &m
		}
	}
	img := ctx.Image
	secs, err := img.RelocSections()
	if err != nil {
		return err
	}
	for _, rs := range secs {
		for i := range rs.Relocs {
			r := &rs.Relocs[i]
			if rs.Rela {
				err = a.ConflictRela(ctx, r)
			} else {
				err = a.ConflictRel(ctx, r)
			}
			if err != nil {
				return err
			}
		}
	}
	if gc, ok := a.(GOTConflicter); ok {
		if err := gc.GOTConflicts(ctx); err != nil {
			return err
		}
	}
	return img.Err()
}

// Apply computes r into a detached buffer seeded with the field's current
// contents.
func Apply(ctx *Context, a Arch, r dso.Rela, rela bool) ([]byte, error) {
	img := ctx.Image
	size := a.RelocSize(r.Type)
	if size == 0 {
		return nil, &RelocError{File: img.Filename, Type: a.TypeName(r.Type), Offset: r.Offset, Err: ErrUnsupportedReloc}
	}
	buf := make([]byte, size)
	copy(buf, img.Bytes(r.Offset, size))
	if err := img.Err(); err != nil {
		return nil, err
	}
	var err error
	if rela {
		err = a.ApplyRela(ctx, &r, buf)
	} else {
		err = a.ApplyRel(ctx, &r, buf)
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Undo restores the relocation state of a never prelinked object.
// Sections upgraded from REL are converted back.
func Undo(img *dso.Image, a Arch) error {
	secs, err := img.RelocSections()
	if err != nil {
		return err
	}
	d := a.Desc()
	for _, rs := range secs {
		for i := range rs.Relocs {
			r := &rs.Relocs[i]
			if r.Type == d.Copy && img.Type == elf.ET_EXEC {
				continue
			}
			var changed bool
			if rs.Rela {
				changed, err = a.UndoRela(img, r)
			} else {
				changed, err = a.UndoRel(img, r)
			}
			if err != nil {
				return err
			}
			if changed {
				rs.MarkDirty()
			}
		}
		if rs.Rela && wasRel(rs) {
			if err := ConvertRelaToRel(img, a, rs); err != nil {
				return err
			}
		}
	}
	if err := a.ArchUndo(img); err != nil {
		return err
	}
	return img.Err()
}

// wasRel reports whether rs was upgraded from REL, either in this run or
// by an earlier one that kept the REL section name.
func wasRel(rs *dso.RelocSection) bool {
	return rs.Converted || (strings.HasPrefix(rs.Name, ".rel.") && !strings.HasPrefix(rs.Name, ".rela"))
}

// Convertible fails when a REL section of a never prelinked img carries
// implicit addends but the RELA records it would need fit nowhere.
func Convertible(img *dso.Image, a Arch) error {
	if a.Desc().RelaNative {
		return nil
	}
	secs, err := img.RelocSections()
	if err != nil {
		return err
	}
	for _, rs := range secs {
		if rs.Rela || !a.NeedRelToRela(img, rs.Relocs) {
			continue
		}
		if size := rs.RelaSize(img.Class); !img.CanHold(rs, size) {
			return fmt.Errorf("%w: %s: %s needs %#x bytes of RELA records", dso.ErrSectionGrown, img.Filename, rs.Name, size)
		}
	}
	return img.Err()
}

// ConvertRelToRela upgrades a whole REL section so that no addend is lost
// when values are baked into the fields.
func ConvertRelToRela(img *dso.Image, a Arch, rs *dso.RelocSection) error {
	if rs.Rela {
		return nil
	}
	if a.Desc().RelaNative {
		return fmt.Errorf("%s: %s: REL section on a RELA architecture", img.Filename, rs.Name)
	}
	for i := range rs.Relocs {
		if err := a.RelToRela(img, &rs.Relocs[i]); err != nil {
			return err
		}
	}
	rs.Rela = true
	rs.Converted = true
	rs.MarkDirty()
	return img.Err()
}

// ConvertRelaToRel writes the addends back into the fields and downgrades
// rs to REL.
func ConvertRelaToRel(img *dso.Image, a Arch, rs *dso.RelocSection) error {
	if !rs.Rela {
		return nil
	}
	for i := range rs.Relocs {
		if err := a.RelaToRel(img, &rs.Relocs[i]); err != nil {
			return err
		}
		rs.Relocs[i].Addend = 0
	}
	rs.Rela = false
	rs.Converted = false
	rs.MarkDirty()
	return img.Err()
}
