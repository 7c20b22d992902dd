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

	"vmi.dev/vmi/pkg/guestarch"
)

// Entry flags used to build tables in tests.
const (
	fP  = 1 << ptePresent
	fW  = 1 << pteWrite
	fU  = 1 << pteUser
	fPS = 1 << pteLargePage
)

// fakeMemory is a sparse guest physical memory with per-view access
// permissions. Unbacked frames read as zeros.
type fakeMemory struct {
	pages  map[guestarch.Gfn][]byte
	access map[pageKey]guestarch.MemoryAccess
	next   guestarch.Gfn
	reads  []guestarch.Pa

	// readErrs and accessErrs fail reads of, or access changes to, the
	// frames they name.
	readErrs   map[guestarch.Gfn]error
	accessErrs map[guestarch.Gfn]error
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{
		pages:  make(map[guestarch.Gfn][]byte),
		access: make(map[pageKey]guestarch.MemoryAccess),
		next:   0x100,
	}
}

func (f *fakeMemory) page(gfn guestarch.Gfn) []byte {
	p, ok := f.pages[gfn]
	if !ok {
		p = make([]byte, PageSize)
		f.pages[gfn] = p
	}
	return p
}

func (f *fakeMemory) ReadPhysical(pa guestarch.Pa, buf []byte) error {
	f.reads = append(f.reads, pa)
	if err := f.readErrs[pa.Gfn(PageShift)]; err != nil {
		return err
	}
	off := pa.PageOffset(PageSize)
	copy(buf, f.page(pa.Gfn(PageShift))[off:])
	return nil
}

func (f *fakeMemory) MemoryAccess(gfn guestarch.Gfn, view guestarch.View) (guestarch.MemoryAccess, error) {
	if a, ok := f.access[pageKey{view: view, gfn: gfn}]; ok {
		return a, nil
	}
	return guestarch.ReadWriteExecute, nil
}

func (f *fakeMemory) SetMemoryAccess(gfn guestarch.Gfn, view guestarch.View, access guestarch.MemoryAccess) error {
	if err := f.accessErrs[gfn]; err != nil {
		return err
	}
	f.access[pageKey{view: view, gfn: gfn}] = access
	return nil
}

// alloc returns the address of a fresh zeroed frame.
func (f *fakeMemory) alloc() guestarch.Pa {
	gfn := f.next
	f.next++
	f.page(gfn)
	return guestarch.PaFromGfn(gfn, PageShift)
}

func (f *fakeMemory) write64(pa guestarch.Pa, v uint64) {
	binary.LittleEndian.PutUint64(f.page(pa.Gfn(PageShift))[pa.PageOffset(PageSize):], v)
}

func (f *fakeMemory) read64(pa guestarch.Pa) uint64 {
	return binary.LittleEndian.Uint64(f.page(pa.Gfn(PageShift))[pa.PageOffset(PageSize):])
}

func (f *fakeMemory) write32(pa guestarch.Pa, v uint32) {
	binary.LittleEndian.PutUint32(f.page(pa.Gfn(PageShift))[pa.PageOffset(PageSize):], v)
}

// entryAddr returns the address of va's entry at level in the four-level
// tables rooted at root, allocating missing intermediate tables.
func (f *fakeMemory) entryAddr(root guestarch.Pa, va guestarch.Va, level PageTableLevel) guestarch.Pa {
	table := root
	for l := Pml4; ; l-- {
		idx := New().VaIndexForLevel(va, l)
		entry := table + guestarch.Pa(idx*8)
		if l == level {
			return entry
		}
		e := PageTableEntry(f.read64(entry))
		if !e.Present() {
			next := f.alloc()
			f.write64(entry, uint64(next)|fP|fW|fU)
			e = PageTableEntry(f.read64(entry))
		}
		table = guestarch.Pa(uint64(e.Pfn()) << PageShift)
	}
}

// map4 maps the 4 KiB page at va to pa.
func (f *fakeMemory) map4(root guestarch.Pa, va guestarch.Va, pa guestarch.Pa, flags uint64) {
	f.write64(f.entryAddr(root, va, Pt), uint64(pa)|flags)
}
