// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package amd64

import (
	"encoding/binary"
	"fmt"

	"vmi.dev/vmi/pkg/arch"
	"vmi.dev/vmi/pkg/bits"
	"vmi.dev/vmi/pkg/errors/vmierr"
	"vmi.dev/vmi/pkg/guestarch"
)

// TranslationEntry is one entry visited by a page-table walk.
type TranslationEntry struct {
	Level        PageTableLevel
	Entry        PageTableEntry
	EntryAddress guestarch.Pa
}

// IsLeaf returns true iff the walk stops at this entry with a translation.
func (t TranslationEntry) IsLeaf() bool {
	if !t.Entry.Present() {
		return false
	}
	switch t.Level {
	case Pt:
		return true
	case Pd, Pdpt:
		return t.Entry.LargePage()
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (t TranslationEntry) String() string {
	return fmt.Sprintf("%-4v @%v %v", t.Level, t.EntryAddress, t.Entry)
}

// VaTranslation records every entry visited by a walk, highest level first,
// and the resulting physical address if the walk completed.
type VaTranslation struct {
	Entries []TranslationEntry
	Pa      guestarch.Pa
	HasPa   bool
}

// Present returns true iff every visited level is present. A walk that
// visited nothing is not present.
func (t VaTranslation) Present() bool {
	if len(t.Entries) == 0 {
		return false
	}
	for _, e := range t.Entries {
		if !e.Entry.Present() {
			return false
		}
	}
	return true
}

// Writable returns true iff every visited level allows writes.
func (t VaTranslation) Writable() bool {
	if !t.Present() {
		return false
	}
	for _, e := range t.Entries {
		if !e.Entry.Write() {
			return false
		}
	}
	return true
}

// User returns true iff every visited level allows user-mode access.
func (t VaTranslation) User() bool {
	if !t.Present() {
		return false
	}
	for _, e := range t.Entries {
		if !e.Entry.User() {
			return false
		}
	}
	return true
}

// Supervisor returns true iff some level restricts the page to supervisor
// mode.
func (t VaTranslation) Supervisor() bool {
	return t.Present() && !t.User()
}

// Leaf returns the entry that produced the translation.
func (t VaTranslation) Leaf() (TranslationEntry, bool) {
	if !t.HasPa || len(t.Entries) == 0 {
		return TranslationEntry{}, false
	}
	return t.Entries[len(t.Entries)-1], true
}

// indexField returns the position of the level's index within a linear
// address under mode.
func indexField(mode PagingMode, level PageTableLevel) (shift, width int) {
	switch mode {
	case PagingLegacy:
		return 12 + 10*int(level), 10
	case PagingPAE:
		if level == Pdpt {
			return 30, 2
		}
		return 12 + 9*int(level), 9
	default:
		return 12 + 9*int(level), 9
	}
}

// largePageShift returns log2 of the page a large entry at level maps, or
// false if the mode has no large pages at level. Legacy paging has 4 MiB
// pages only with CR4.PSE set; otherwise the PS bit is ignored.
func largePageShift(mode PagingMode, pse bool, level PageTableLevel) (uint, bool) {
	switch {
	case mode == PagingLegacy && pse && level == Pd:
		return 22, true
	case mode == PagingPAE && level == Pd:
		return 21, true
	case mode == PagingIa32e && (level == Pd || level == Pdpt):
		return level.Shift(), true
	}
	return 0, false
}

// frameBase returns the physical base the entry points at.
func frameBase(mode PagingMode, e PageTableEntry) uint64 {
	if mode == PagingLegacy {
		return uint64(e) & 0xffff_f000
	}
	return uint64(e.Pfn()) << ptePfnShift
}

// largeFrameBase returns the physical base of the large page e maps.
func largeFrameBase(mode PagingMode, e PageTableEntry, shift uint) uint64 {
	if mode == PagingLegacy {
		// PSE-36: bits 20:13 of the entry hold physical bits 39:32.
		return bits.AlignDown(uint64(e)&0xffff_ffff, uint64(1)<<shift) | bits.Field(uint64(e), 13, 8)<<32
	}
	return bits.AlignDown(frameBase(mode, e), uint64(1)<<shift)
}

// readEntry reads the entry at pa.
func readEntry(mem arch.Memory, mode PagingMode, pa guestarch.Pa) (PageTableEntry, error) {
	var buf [8]byte
	size := mode.EntrySize()
	if err := mem.ReadPhysical(pa, buf[:size]); err != nil {
		return 0, err
	}
	if size == 4 {
		return PageTableEntry(binary.LittleEndian.Uint32(buf[:])), nil
	}
	return PageTableEntry(binary.LittleEndian.Uint64(buf[:])), nil
}

// Translation walks the four-level tables rooted at root and records every
// entry visited.
func Translation(mem arch.Memory, va guestarch.Va, root guestarch.Pa) (VaTranslation, error) {
	return translate(mem, PagingIa32e, false, va, root)
}

// translate walks the tables under mode. On a non-present entry it returns
// the partial translation and a page fault for (va, root); the entries
// below the faulting level are never read.
func translate(mem arch.Memory, mode PagingMode, pse bool, va guestarch.Va, root guestarch.Pa) (VaTranslation, error) {
	var t VaTranslation
	switch mode {
	case PagingNone:
		t.Pa, t.HasPa = guestarch.Pa(va), true
		return t, nil
	case PagingLegacy, PagingPAE, PagingIa32e:
	default:
		return t, fmt.Errorf("%v paging: %w", mode, vmierr.ErrNotSupported)
	}

	table := uint64(root)
	level := mode.TopLevel()
	for {
		shift, width := indexField(mode, level)
		index := bits.Field(uint64(va), shift, width)
		entryAddress := guestarch.Pa(table + index*uint64(mode.EntrySize()))
		entry, err := readEntry(mem, mode, entryAddress)
		if err != nil {
			return t, err
		}
		t.Entries = append(t.Entries, TranslationEntry{
			Level:        level,
			Entry:        entry,
			EntryAddress: entryAddress,
		})

		if !entry.Present() {
			return t, vmierr.NewPageFault(va, root)
		}

		if level == Pt {
			t.Pa = guestarch.Pa(frameBase(mode, entry) | bits.Field(uint64(va), 0, 12))
			t.HasPa = true
			return t, nil
		}
		if size, ok := largePageShift(mode, pse, level); ok && entry.LargePage() {
			t.Pa = guestarch.Pa(largeFrameBase(mode, entry, size) | bits.Field(uint64(va), 0, int(size)))
			t.HasPa = true
			return t, nil
		}

		table = frameBase(mode, entry)
		level, _ = level.Next()
	}
}

// TranslateAddress translates va through the four-level tables rooted at
// root.
func TranslateAddress(mem arch.Memory, va guestarch.Va, root guestarch.Pa) (guestarch.Pa, error) {
	t, err := Translation(mem, va, root)
	if err != nil {
		return 0, err
	}
	return t.Pa, nil
}
