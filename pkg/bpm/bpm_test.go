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

package bpm_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"vmi.dev/vmi/pkg/arch/amd64"
	"vmi.dev/vmi/pkg/bpm"
	"vmi.dev/vmi/pkg/driver/memdrv"
	"vmi.dev/vmi/pkg/guestarch"
	"vmi.dev/vmi/pkg/interceptor"
	"vmi.dev/vmi/pkg/vmi"
)

const (
	codeVa   guestarch.Va = 0x7ff6_1234_5040
	codePage guestarch.Pa = 0x20000
	view                  = guestarch.DefaultView
)

type fixture struct {
	d    *memdrv.Driver
	pt   *memdrv.PageTables
	core *vmi.Core
	ic   *interceptor.Interceptor
	m    *bpm.Manager[string]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d := memdrv.New(memdrv.Config{MemorySize: 256 * amd64.PageSize})
	pt := memdrv.NewPageTables(d, 0x80)
	// A neighbour keeps the leaf table of the code page allocated.
	pt.Map(codeVa+amd64.PageSize, 0x30000, memdrv.Writable|memdrv.User)
	d.LoadImage(codePage+0x40, []byte{0x4c, 0x8b, 0xd1})
	d.LoadImage(codePage+0x1040, []byte{0x4c, 0x8b, 0xd1})

	core, err := vmi.NewCore(d, amd64.New())
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	ic := interceptor.New()
	m, err := bpm.New[string](core.Architecture(), ic)
	if err != nil {
		t.Fatalf("bpm.New: %v", err)
	}
	return &fixture{d: d, pt: pt, core: core, ic: ic, m: m}
}

func (f *fixture) ctx() guestarch.AddressContext {
	return guestarch.AddressContext{Va: codeVa, Root: f.pt.Root()}
}

// guestWritePte has the guest store pte in the leaf entry of codeVa and
// feeds the resulting events to the manager.
func (f *fixture) guestWritePte(t *testing.T, pte uint64) {
	t.Helper()
	entry := f.pt.EntryAddress(codeVa, amd64.Pt)
	if err := f.d.GuestWrite(0, entry, binary.LittleEndian.AppendUint64(nil, pte)); err != nil {
		t.Fatalf("GuestWrite: %v", err)
	}
	for f.d.EventsPending() > 0 {
		err := f.core.WaitForEvent(0, func(e *vmi.Event) vmi.EventResponse {
			if ma, ok := e.Reason.(amd64.EventMemoryAccess); ok {
				f.m.MarkDirtyEntry(ma.Pa, e.View, e.Vcpu)
			}
			return vmi.EventResponse{}
		})
		if err != nil {
			t.Fatalf("WaitForEvent: %v", err)
		}
	}
	if err := f.m.ProcessDirtyEntries(f.core, 0); err != nil {
		t.Fatalf("ProcessDirtyEntries: %v", err)
	}
}

// execute runs the guest at pa and returns the tags of the breakpoints it
// hit.
func (f *fixture) execute(t *testing.T, pa guestarch.Pa) []string {
	t.Helper()
	hit, err := f.d.GuestExecute(0, pa)
	if err != nil {
		t.Fatalf("GuestExecute: %v", err)
	}
	if !hit {
		return nil
	}
	var tags []string
	err = f.core.WaitForEvent(time.Second, func(e *vmi.Event) vmi.EventResponse {
		tags = f.m.Lookup(e)
		return vmi.EventResponse{}
	})
	if err != nil {
		t.Fatalf("WaitForEvent: %v", err)
	}
	return tags
}

func TestPendingArmedPending(t *testing.T) {
	f := newFixture(t)
	if err := f.m.Insert(f.core, f.ctx(), view, "NtCreateFile"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !f.m.IsPending(f.ctx(), view) {
		t.Fatalf("breakpoint on non-resident address is not pending")
	}
	leaf := f.pt.EntryAddress(codeVa, amd64.Pt).Gfn(amd64.PageShift)
	if !f.m.IsWatchedPage(leaf, view) {
		t.Errorf("leaf table %v not watched", leaf)
	}

	f.guestWritePte(t, uint64(codePage)|memdrv.Present|memdrv.User)
	if f.m.IsPending(f.ctx(), view) {
		t.Fatalf("breakpoint still pending after page-in")
	}
	if diff := cmp.Diff([]string{"NtCreateFile"}, f.execute(t, codePage+0x40)); diff != "" {
		t.Errorf("Lookup mismatch (-want +got):\n%s", diff)
	}

	f.guestWritePte(t, 0)
	if !f.m.IsPending(f.ctx(), view) {
		t.Errorf("breakpoint not pending after page-out")
	}
	if got := f.d.ViewGfn(view, codePage.Gfn(amd64.PageShift)); got != codePage.Gfn(amd64.PageShift) {
		t.Errorf("code page still shadowed by %v", got)
	}
}

func TestArmedImmediately(t *testing.T) {
	f := newFixture(t)
	f.pt.Map(codeVa, codePage, memdrv.User)
	if err := f.m.Insert(f.core, f.ctx(), view, "NtClose"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if f.m.IsPending(f.ctx(), view) {
		t.Errorf("breakpoint on resident address is pending")
	}
	if diff := cmp.Diff([]guestarch.Pa{codePage + 0x40}, f.ic.Breakpoints(view)); diff != "" {
		t.Errorf("planted breakpoints mismatch (-want +got):\n%s", diff)
	}
	if got := f.execute(t, codePage+0x41); got != nil {
		t.Errorf("executing past the breakpoint hit %v", got)
	}
}

func TestRemap(t *testing.T) {
	f := newFixture(t)
	f.pt.Map(codeVa, codePage, memdrv.User)
	if err := f.m.Insert(f.core, f.ctx(), view, "NtReadFile"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	f.guestWritePte(t, uint64(codePage+0x1000)|memdrv.Present|memdrv.User)
	if diff := cmp.Diff([]guestarch.Pa{codePage + 0x1040}, f.ic.Breakpoints(view)); diff != "" {
		t.Errorf("planted breakpoints mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"NtReadFile"}, f.execute(t, codePage+0x1040)); diff != "" {
		t.Errorf("Lookup mismatch (-want +got):\n%s", diff)
	}
}

func TestSharedAddress(t *testing.T) {
	f := newFixture(t)
	f.pt.Map(codeVa, codePage, memdrv.User)
	other := memdrv.NewPageTables(f.d, 0xa0)
	other.Map(codeVa, codePage, memdrv.User)

	if err := f.m.Insert(f.core, guestarch.AddressContext{Va: codeVa, Root: other.Root()}, view, "b"); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Insert(f.core, f.ctx(), view, "a"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, f.execute(t, codePage+0x40)); diff != "" {
		t.Errorf("Lookup mismatch (-want +got):\n%s", diff)
	}

	// The breakpoint stays planted while the other context holds it.
	if ok, err := f.m.Remove(f.core, f.ctx(), view); !ok || err != nil {
		t.Fatalf("Remove = %t, %v", ok, err)
	}
	if diff := cmp.Diff([]string{"b"}, f.execute(t, codePage+0x40)); diff != "" {
		t.Errorf("Lookup after removal mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveAndClear(t *testing.T) {
	f := newFixture(t)
	f.pt.Map(codeVa, codePage, memdrv.User)
	if err := f.m.Insert(f.core, f.ctx(), view, "x"); err != nil {
		t.Fatal(err)
	}
	if ok, err := f.m.Remove(f.core, f.ctx(), view); !ok || err != nil {
		t.Fatalf("Remove = %t, %v", ok, err)
	}
	if ok, _ := f.m.Remove(f.core, f.ctx(), view); ok {
		t.Errorf("second Remove found the breakpoint")
	}
	if f.ic.Len() != 0 {
		t.Errorf("%d frames still shadowed", f.ic.Len())
	}

	if err := f.m.Insert(f.core, f.ctx(), view, "y"); err != nil {
		t.Fatal(err)
	}
	if err := f.m.ClearView(f.core, view); err != nil {
		t.Fatalf("ClearView: %v", err)
	}
	if f.m.Len() != 0 || f.ic.Len() != 0 {
		t.Errorf("ClearView left %d breakpoints, %d shadowed frames", f.m.Len(), f.ic.Len())
	}
	leaf := f.pt.EntryAddress(codeVa, amd64.Pt).Gfn(amd64.PageShift)
	if f.m.IsWatchedPage(leaf, view) {
		t.Errorf("leaf table still watched after ClearView")
	}
}

func TestNewWithoutArchitecture(t *testing.T) {
	if _, err := bpm.New[int](nil, interceptor.New()); err == nil {
		t.Errorf("New(nil) succeeded")
	}
}
