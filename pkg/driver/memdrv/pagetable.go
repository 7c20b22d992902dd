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

package memdrv

import (
	"encoding/binary"

	"vmi.dev/vmi/pkg/arch/amd64"
	"vmi.dev/vmi/pkg/guestarch"
)

// Page-table entry flags.
const (
	Present   uint64 = 1 << 0
	Writable  uint64 = 1 << 1
	User      uint64 = 1 << 2
	LargePage uint64 = 1 << 7
)

// PageTables builds four-level page tables in guest memory. Tables are
// taken from consecutive frames starting at the one passed to
// NewPageTables; the root is the first of them.
type PageTables struct {
	d    *Driver
	root guestarch.Pa
	next guestarch.Gfn
}

// NewPageTables allocates an empty root table at first.
func NewPageTables(d *Driver, first guestarch.Gfn) *PageTables {
	pt := &PageTables{d: d, next: first}
	pt.root = pt.alloc()
	return pt
}

// Root returns the address of the top-level table, the CR3 value.
func (pt *PageTables) Root() guestarch.Pa { return pt.root }

func (pt *PageTables) alloc() guestarch.Pa {
	pa := guestarch.PaFromGfn(pt.next, amd64.PageShift)
	pt.next++
	pt.d.LoadImage(pa, make([]byte, amd64.PageSize))
	return pa
}

func (pt *PageTables) read(pa guestarch.Pa) uint64 {
	return binary.LittleEndian.Uint64(pt.d.Physical(pa, 8))
}

// Write stores a raw entry value at pa without raising events.
func (pt *PageTables) Write(pa guestarch.Pa, entry uint64) {
	pt.d.LoadImage(pa, binary.LittleEndian.AppendUint64(nil, entry))
}

// EntryAddress returns the address of the entry translating va at level,
// creating missing intermediate tables.
func (pt *PageTables) EntryAddress(va guestarch.Va, level amd64.PageTableLevel) guestarch.Pa {
	a := amd64.New()
	table := pt.root
	for l := amd64.Pml4; ; l-- {
		entry := table + guestarch.Pa(a.VaIndexForLevel(va, l)*8)
		if l == level {
			return entry
		}
		e := amd64.PageTableEntry(pt.read(entry))
		if !e.Present() {
			pt.Write(entry, uint64(pt.alloc())|Present|Writable|User)
			e = amd64.PageTableEntry(pt.read(entry))
		}
		table = guestarch.PaFromGfn(e.Pfn(), amd64.PageShift)
	}
}

// Map maps the 4 KiB page at va to pa and returns the address of the leaf
// entry.
func (pt *PageTables) Map(va guestarch.Va, pa guestarch.Pa, flags uint64) guestarch.Pa {
	entry := pt.EntryAddress(va, amd64.Pt)
	pt.Write(entry, uint64(pa)|flags|Present)
	return entry
}

// MapLarge maps a 2 MiB (Pd) or 1 GiB (Pdpt) page.
func (pt *PageTables) MapLarge(va guestarch.Va, pa guestarch.Pa, level amd64.PageTableLevel, flags uint64) guestarch.Pa {
	entry := pt.EntryAddress(va, level)
	pt.Write(entry, uint64(pa)|flags|Present|LargePage)
	return entry
}

// Unmap clears the leaf entry of va and returns its address.
func (pt *PageTables) Unmap(va guestarch.Va) guestarch.Pa {
	entry := pt.EntryAddress(va, amd64.Pt)
	pt.Write(entry, 0)
	return entry
}

// LongModeRegisters returns registers of a 64-bit kernel running on the
// tables.
func (pt *PageTables) LongModeRegisters() *amd64.Registers {
	return &amd64.Registers{
		Cr0:     amd64.Cr0(1<<31 | 1<<0),
		Cr3:     amd64.Cr3(pt.root),
		Cr4:     amd64.Cr4(1 << 5),
		MsrEfer: amd64.MsrEfer(1<<8 | 1<<10),
		Cs:      amd64.Segment{Selector: 0x10, Access: 0xa09b},
	}
}
