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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vmi.dev/vmi/pkg/arch"
	"vmi.dev/vmi/pkg/guestarch"
)

const testView = guestarch.View(1)

func protected(mem *fakeMemory, pa guestarch.Pa) bool {
	a, _ := mem.MemoryAccess(pa.Gfn(PageShift), testView)
	return !a.CanWrite()
}

func TestPageTableMonitorPageOutAndIn(t *testing.T) {
	mem := newFakeMemory()
	root := mem.alloc()
	va := guestarch.Va(0x40_0000)
	mem.map4(root, va, 0x7000, fP|fW)
	ctx := guestarch.AddressContext{Va: va, Root: root}

	m := NewPageTableMonitor[string](New())
	if err := m.Monitor(mem, ctx, testView, "a"); err != nil {
		t.Fatalf("Monitor failed: %v", err)
	}
	for _, l := range []PageTableLevel{Pml4, Pdpt, Pd, Pt} {
		if pa := mem.entryAddr(root, va, l); !protected(mem, pa) || !m.IsWatchedPage(pa.Gfn(PageShift), testView) {
			t.Errorf("%v table at %v is not write-protected", l, pa)
		}
	}
	if tag, ok := m.MonitoredTag(ctx, testView); !ok || tag != "a" {
		t.Errorf("MonitoredTag = %q, %t", tag, ok)
	}

	pte := mem.entryAddr(root, va, Pt)
	if m.MarkDirtyEntry(pte+0x800, testView, 0) {
		t.Errorf("write to an unwatched entry was accepted")
	}
	if m.MarkDirtyEntry(pte, guestarch.DefaultView, 0) {
		t.Errorf("write in another view was accepted")
	}

	// Page out.
	mem.write64(pte, 0x7000|fW)
	if !m.MarkDirtyEntry(pte+4, testView, 0) {
		t.Fatalf("MarkDirtyEntry of the upper half of the PTE = false")
	}
	if events, err := m.ProcessDirtyEntries(mem, 1); err != nil || len(events) != 0 {
		t.Errorf("other vcpu: events %v, err %v", events, err)
	}
	events, err := m.ProcessDirtyEntries(mem, 0)
	if err != nil {
		t.Fatalf("ProcessDirtyEntries failed: %v", err)
	}
	want := []arch.PageTableEvent[string]{{Kind: arch.PageOut, Ctx: ctx, View: testView, Tag: "a"}}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if m.HasDirtyEntries(0) {
		t.Errorf("dirty entries left after processing")
	}

	// Page in at a new frame.
	mem.write64(pte, 0x9000|fP|fW)
	m.MarkDirtyEntry(pte, testView, 0)
	events, err = m.ProcessDirtyEntries(mem, 0)
	if err != nil {
		t.Fatalf("ProcessDirtyEntries failed: %v", err)
	}
	want = []arch.PageTableEvent[string]{{Kind: arch.PageIn, Ctx: ctx, View: testView, Pa: 0x9000, Tag: "a"}}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	// Remap while resident.
	mem.write64(pte, 0xa000|fP|fW)
	m.MarkDirtyEntry(pte, testView, 0)
	events, _ = m.ProcessDirtyEntries(mem, 0)
	want = []arch.PageTableEvent[string]{
		{Kind: arch.PageOut, Ctx: ctx, View: testView, Tag: "a"},
		{Kind: arch.PageIn, Ctx: ctx, View: testView, Pa: 0xa000, Tag: "a"},
	}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	// A write that changes nothing relevant yields no events.
	mem.write64(pte, 0xa000|fP|fW|fU)
	m.MarkDirtyEntry(pte, testView, 0)
	if events, _ := m.ProcessDirtyEntries(mem, 0); len(events) != 0 {
		t.Errorf("events = %v", events)
	}

	if ok, err := m.Unmonitor(mem, ctx, testView); !ok || err != nil {
		t.Fatalf("Unmonitor = %t, %v", ok, err)
	}
	if protected(mem, pte) || protected(mem, root) {
		t.Errorf("access not restored after Unmonitor")
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d", m.Len())
	}
}

func TestPageTableMonitorFollowsNewTables(t *testing.T) {
	mem := newFakeMemory()
	root := mem.alloc()
	va := guestarch.Va(0x7f00_0000_0000)
	// Create the PD but leave its entry for va empty.
	pde := mem.entryAddr(root, va, Pd)
	ctx := guestarch.AddressContext{Va: va, Root: root}

	m := NewPageTableMonitor[int](New())
	if err := m.Monitor(mem, ctx, testView, 7); err != nil {
		t.Fatalf("Monitor failed: %v", err)
	}
	if _, resident, ok := m.IsResident(ctx, testView); !ok || resident {
		t.Fatalf("IsResident = %t, %t", resident, ok)
	}
	if !protected(mem, pde) {
		t.Errorf("the PD holding the missing entry is not protected")
	}

	// The guest fills a new page table, then links it.
	pt := mem.alloc()
	mem.write64(pt, 0x3000|fP|fW)
	mem.write64(pde, uint64(pt)|fP|fW)
	if !m.MarkDirtyEntry(pde, testView, 2) {
		t.Fatalf("MarkDirtyEntry(pde) = false")
	}
	events, err := m.ProcessDirtyEntries(mem, 2)
	if err != nil {
		t.Fatalf("ProcessDirtyEntries failed: %v", err)
	}
	want := []arch.PageTableEvent[int]{{Kind: arch.PageIn, Ctx: ctx, View: testView, Pa: 0x3000, Tag: 7}}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if !protected(mem, pt) {
		t.Errorf("new page table is not protected")
	}
	if !m.MarkDirtyEntry(pt, testView, 2) {
		t.Errorf("new PTE is not watched")
	}
}

func TestPageTableMonitorSharedPages(t *testing.T) {
	mem := newFakeMemory()
	root := mem.alloc()
	a := guestarch.AddressContext{Va: 0x1000, Root: root}
	b := guestarch.AddressContext{Va: 0x2000, Root: root}
	mem.map4(root, a.Va, 0x5000, fP)
	mem.map4(root, b.Va, 0x6000, fP)

	m := NewPageTableMonitor[string](New())
	for _, ctx := range []guestarch.AddressContext{a, b} {
		if err := m.Monitor(mem, ctx, testView, ctx.String()); err != nil {
			t.Fatalf("Monitor(%v) failed: %v", ctx, err)
		}
	}
	// Monitoring again only replaces the tag.
	if err := m.Monitor(mem, a, testView, "again"); err != nil {
		t.Fatalf("Monitor failed: %v", err)
	}
	if tag, _ := m.MonitoredTag(a, testView); tag != "again" {
		t.Errorf("tag = %q", tag)
	}

	pt := mem.entryAddr(root, a.Va, Pt)
	if _, err := m.Unmonitor(mem, a, testView); err != nil {
		t.Fatalf("Unmonitor failed: %v", err)
	}
	if !protected(mem, pt) {
		t.Errorf("shared page table lost protection while still watched")
	}
	if m.MarkDirtyEntry(pt, testView, 0) {
		t.Errorf("entry of an unmonitored address is still watched")
	}

	if err := m.UnmonitorAll(mem); err != nil {
		t.Fatalf("UnmonitorAll failed: %v", err)
	}
	if protected(mem, pt) || m.Len() != 0 {
		t.Errorf("UnmonitorAll left state behind")
	}
}

func TestPageTableMonitorUnmonitorView(t *testing.T) {
	mem := newFakeMemory()
	root := mem.alloc()
	ctx := guestarch.AddressContext{Va: 0x1000, Root: root}
	mem.map4(root, ctx.Va, 0x5000, fP)

	m := NewPageTableMonitor[int](New())
	m.Monitor(mem, ctx, testView, 1)
	m.Monitor(mem, ctx, guestarch.DefaultView, 2)
	if err := m.UnmonitorView(mem, testView); err != nil {
		t.Fatalf("UnmonitorView failed: %v", err)
	}
	if _, ok := m.MonitoredTag(ctx, testView); ok {
		t.Errorf("address still monitored in cleared view")
	}
	if tag, ok := m.MonitoredTag(ctx, guestarch.DefaultView); !ok || tag != 2 {
		t.Errorf("other view affected: %d, %t", tag, ok)
	}
}

func TestPageTableMonitorRetriesAfterReadError(t *testing.T) {
	mem := newFakeMemory()
	root := mem.alloc()
	vaA, vaB := guestarch.Va(0x40_0000), guestarch.Va(0x8000_0000)
	mem.map4(root, vaA, 0x7000, fP|fW)
	mem.map4(root, vaB, 0x8000, fP|fW)
	ctxA := guestarch.AddressContext{Va: vaA, Root: root}
	ctxB := guestarch.AddressContext{Va: vaB, Root: root}

	m := NewPageTableMonitor[string](New())
	for _, c := range []struct {
		ctx guestarch.AddressContext
		tag string
	}{{ctxA, "a"}, {ctxB, "b"}} {
		if err := m.Monitor(mem, c.ctx, testView, c.tag); err != nil {
			t.Fatalf("Monitor(%v) failed: %v", c.ctx, err)
		}
	}

	pteA, pteB := mem.entryAddr(root, vaA, Pt), mem.entryAddr(root, vaB, Pt)
	mem.write64(pteA, 0x7000|fW)
	mem.write64(pteB, 0x8000|fW)
	m.MarkDirtyEntry(pteA, testView, 0)
	m.MarkDirtyEntry(pteB, testView, 0)

	// The table of b cannot be read: a is still reported, b is kept.
	errRead := errors.New("read failed")
	mem.readErrs = map[guestarch.Gfn]error{pteB.Gfn(PageShift): errRead}
	events, err := m.ProcessDirtyEntries(mem, 0)
	if !errors.Is(err, errRead) {
		t.Fatalf("ProcessDirtyEntries error = %v, want %v", err, errRead)
	}
	want := []arch.PageTableEvent[string]{{Kind: arch.PageOut, Ctx: ctxA, View: testView, Tag: "a"}}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if !m.HasDirtyEntries(0) {
		t.Errorf("HasDirtyEntries = false after a failed walk")
	}
	if _, resident, _ := m.IsResident(ctxB, testView); !resident {
		t.Errorf("b changed residency before it was walked")
	}

	mem.readErrs = nil
	events, err = m.ProcessDirtyEntries(mem, 0)
	if err != nil {
		t.Fatalf("ProcessDirtyEntries failed: %v", err)
	}
	want = []arch.PageTableEvent[string]{{Kind: arch.PageOut, Ctx: ctxB, View: testView, Tag: "b"}}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("retry events mismatch (-want +got):\n%s", diff)
	}
	if m.HasDirtyEntries(0) {
		t.Errorf("dirty entries left after a successful retry")
	}
}

func TestPageTableMonitorRetriesFailedRestore(t *testing.T) {
	mem := newFakeMemory()
	root := mem.alloc()
	va := guestarch.Va(0x40_0000)
	mem.map4(root, va, 0x7000, fP|fW)
	ctx := guestarch.AddressContext{Va: va, Root: root}

	m := NewPageTableMonitor[int](New())
	if err := m.Monitor(mem, ctx, testView, 1); err != nil {
		t.Fatalf("Monitor failed: %v", err)
	}
	pde := mem.entryAddr(root, va, Pd)
	oldPte := mem.entryAddr(root, va, Pt)

	// Relink the PD entry to a new table mapping va elsewhere.
	pt := mem.alloc()
	mem.write64(pt+guestarch.Pa(New().VaIndexForLevel(va, Pt)*8), 0x9000|fP|fW)
	mem.write64(pde, uint64(pt)|fP|fW)
	m.MarkDirtyEntry(pde, testView, 0)

	errAccess := errors.New("access change failed")
	mem.accessErrs = map[guestarch.Gfn]error{oldPte.Gfn(PageShift): errAccess}
	events, err := m.ProcessDirtyEntries(mem, 0)
	if !errors.Is(err, errAccess) {
		t.Fatalf("ProcessDirtyEntries error = %v, want %v", err, errAccess)
	}
	if len(events) != 0 {
		t.Errorf("events = %v, want none before the address is settled", events)
	}
	if !protected(mem, oldPte) || !protected(mem, pt) {
		t.Errorf("old or new page table left unprotected")
	}

	mem.accessErrs = nil
	events, err = m.ProcessDirtyEntries(mem, 0)
	if err != nil {
		t.Fatalf("ProcessDirtyEntries failed: %v", err)
	}
	want := []arch.PageTableEvent[int]{
		{Kind: arch.PageOut, Ctx: ctx, View: testView, Tag: 1},
		{Kind: arch.PageIn, Ctx: ctx, View: testView, Pa: 0x9000, Tag: 1},
	}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if protected(mem, oldPte) {
		t.Errorf("old page table still protected after the retry")
	}
	if m.MarkDirtyEntry(oldPte, testView, 0) {
		t.Errorf("old PTE is still watched")
	}
}
