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
	"fmt"

	"vmi.dev/vmi/pkg/bits"
	"vmi.dev/vmi/pkg/guestarch"
)

// PageTableEntry is a page-table entry at any level. Legacy 32-bit entries
// are zero-extended.
type PageTableEntry uint64

// Page-table entry bits.
const (
	ptePresent        = 0
	pteWrite          = 1
	pteUser           = 2
	pteWriteThrough   = 3
	pteCacheDisable   = 4
	pteAccessed       = 5
	pteDirty          = 6
	pteLargePage      = 7
	pteGlobal         = 8
	ptePfnShift       = 12
	ptePfnWidth       = 40
	pteProtectionKey  = 59
	pteExecuteDisable = 63
)

// Present returns P.
func (e PageTableEntry) Present() bool { return bits.Test(e, ptePresent) }

// Write returns R/W.
func (e PageTableEntry) Write() bool { return bits.Test(e, pteWrite) }

// User returns U/S, set when user mode may access the region.
func (e PageTableEntry) User() bool { return bits.Test(e, pteUser) }

// WriteThrough returns PWT.
func (e PageTableEntry) WriteThrough() bool { return bits.Test(e, pteWriteThrough) }

// CacheDisable returns PCD.
func (e PageTableEntry) CacheDisable() bool { return bits.Test(e, pteCacheDisable) }

// Accessed returns A.
func (e PageTableEntry) Accessed() bool { return bits.Test(e, pteAccessed) }

// Dirty returns D.
func (e PageTableEntry) Dirty() bool { return bits.Test(e, pteDirty) }

// LargePage returns PS. It is only meaningful in PDPT and PD entries.
func (e PageTableEntry) LargePage() bool { return bits.Test(e, pteLargePage) }

// Global returns G.
func (e PageTableEntry) Global() bool { return bits.Test(e, pteGlobal) }

// Pfn returns the 40-bit frame number at bit 12.
func (e PageTableEntry) Pfn() guestarch.Gfn {
	return guestarch.Gfn(bits.Field(e, ptePfnShift, ptePfnWidth))
}

// ProtectionKey returns the protection key in bits 62:59.
func (e PageTableEntry) ProtectionKey() uint8 { return uint8(bits.Field(e, pteProtectionKey, 4)) }

// ExecuteDisable returns XD.
func (e PageTableEntry) ExecuteDisable() bool { return bits.Test(e, pteExecuteDisable) }

// String implements fmt.Stringer.
func (e PageTableEntry) String() string {
	flags := []byte("------")
	for i, f := range []struct {
		set bool
		c   byte
	}{
		{e.Present(), 'p'},
		{e.Write(), 'w'},
		{e.User(), 'u'},
		{e.LargePage(), 'L'},
		{e.Global(), 'g'},
		{e.ExecuteDisable(), 'X'},
	} {
		if f.set {
			flags[i] = f.c
		}
	}
	return fmt.Sprintf("%#016x[%s pfn=%v]", uint64(e), flags, e.Pfn())
}

// PageTableLevel names a level of the paging hierarchy, lowest first.
type PageTableLevel uint8

// Paging levels.
const (
	Pt PageTableLevel = iota
	Pd
	Pdpt
	Pml4
)

// Next returns the next lower level. ok is false at Pt.
func (l PageTableLevel) Next() (next PageTableLevel, ok bool) {
	if l == Pt || l > Pml4 {
		return 0, false
	}
	return l - 1, true
}

// Previous returns the next higher level. ok is false at Pml4.
func (l PageTableLevel) Previous() (prev PageTableLevel, ok bool) {
	if l >= Pml4 {
		return 0, false
	}
	return l + 1, true
}

// Shift returns the bit position of the level's index in a 4-level
// virtual address, which is also log2 of the size it maps.
func (l PageTableLevel) Shift() uint {
	return 12 + 9*uint(l)
}

// String implements fmt.Stringer.
func (l PageTableLevel) String() string {
	switch l {
	case Pt:
		return "PT"
	case Pd:
		return "PD"
	case Pdpt:
		return "PDPT"
	case Pml4:
		return "PML4"
	default:
		return fmt.Sprintf("PageTableLevel(%d)", uint8(l))
	}
}

// PagingMode is the translation regime selected by CR0, CR4 and EFER.
type PagingMode uint8

// Paging modes.
const (
	// PagingNone means paging is disabled: linear addresses are physical.
	PagingNone PagingMode = iota

	// PagingLegacy is 32-bit two-level paging with 4-byte entries.
	PagingLegacy

	// PagingPAE is three-level paging with 8-byte entries.
	PagingPAE

	// PagingIa32e is four-level long-mode paging.
	PagingIa32e

	// PagingIa32e5 is five-level long-mode paging.
	PagingIa32e5
)

// PagingModeOf derives the paging mode from the control registers.
func PagingModeOf(cr0 Cr0, cr4 Cr4, efer MsrEfer) PagingMode {
	switch {
	case !cr0.Paging():
		return PagingNone
	case !cr4.PhysicalAddressExtension():
		return PagingLegacy
	case !efer.LongModeActive():
		return PagingPAE
	case cr4.La57():
		return PagingIa32e5
	default:
		return PagingIa32e
	}
}

type pagingModeInfo struct {
	name         string
	levels       int
	entrySize    int
	linearWidth  int
	physicalBits int
}

var pagingModes = [...]pagingModeInfo{
	PagingNone:   {name: "none", levels: 0, entrySize: 0, linearWidth: 32, physicalBits: 32},
	PagingLegacy: {name: "legacy", levels: 2, entrySize: 4, linearWidth: 32, physicalBits: 40},
	PagingPAE:    {name: "pae", levels: 3, entrySize: 8, linearWidth: 32, physicalBits: 52},
	PagingIa32e:  {name: "ia32e", levels: 4, entrySize: 8, linearWidth: 48, physicalBits: 52},
	PagingIa32e5: {name: "ia32e5", levels: 5, entrySize: 8, linearWidth: 57, physicalBits: 52},
}

func (m PagingMode) info() pagingModeInfo {
	if int(m) < len(pagingModes) {
		return pagingModes[m]
	}
	return pagingModeInfo{name: fmt.Sprintf("PagingMode(%d)", uint8(m))}
}

// String implements fmt.Stringer.
func (m PagingMode) String() string { return m.info().name }

// Levels returns the depth of the paging hierarchy.
func (m PagingMode) Levels() int { return m.info().levels }

// EntrySize returns the size of one page-table entry in bytes.
func (m PagingMode) EntrySize() int { return m.info().entrySize }

// LinearAddressWidth returns the number of significant linear address bits.
func (m PagingMode) LinearAddressWidth() int { return m.info().linearWidth }

// PhysicalAddressWidth returns the maximum number of physical address bits
// the mode can produce.
func (m PagingMode) PhysicalAddressWidth() int { return m.info().physicalBits }

// TopLevel returns the level the walk starts at. It is meaningless for
// PagingNone and PagingIa32e5.
func (m PagingMode) TopLevel() PageTableLevel {
	switch m {
	case PagingLegacy:
		return Pd
	case PagingPAE:
		return Pdpt
	default:
		return Pml4
	}
}

// ParsePagingMode parses the String form of a mode.
func ParsePagingMode(s string) (PagingMode, error) {
	for m := range pagingModes {
		if pagingModes[m].name == s {
			return PagingMode(m), nil
		}
	}
	return 0, fmt.Errorf("unknown paging mode %q", s)
}
