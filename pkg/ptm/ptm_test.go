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

package ptm_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vmi.dev/vmi/pkg/arch"
	"vmi.dev/vmi/pkg/arch/amd64"
	"vmi.dev/vmi/pkg/driver/memdrv"
	"vmi.dev/vmi/pkg/errors/vmierr"
	"vmi.dev/vmi/pkg/guestarch"
	"vmi.dev/vmi/pkg/ptm"
	"vmi.dev/vmi/pkg/vmi"
)

// otherArch is an architecture the monitor has no walker for.
type otherArch struct {
	amd64.Amd64
}

func TestNewUnsupported(t *testing.T) {
	for _, tc := range []struct {
		name string
		a    arch.Architecture
	}{
		{name: "nil", a: nil},
		{name: "unknown", a: otherArch{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, err := ptm.New[int](tc.a)
			if !errors.Is(err, vmierr.ErrNotSupported) {
				t.Errorf("New error = %v, want %v", err, vmierr.ErrNotSupported)
			}
			if m != nil {
				t.Errorf("New returned a monitor %v", m)
			}
		})
	}
}

func TestMonitorThroughCore(t *testing.T) {
	d := memdrv.New(memdrv.Config{MemorySize: 64 * amd64.PageSize, Vcpus: 1})
	pt := memdrv.NewPageTables(d, 0x20)
	core, err := vmi.NewCore(d, amd64.New())
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}

	m, err := ptm.New[string](core.Architecture())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	va := guestarch.Va(0xffff_8000_0000_0000)
	ctx := guestarch.AddressContext{Va: va, Root: pt.Root()}
	pte := pt.Map(va, 0x3000, memdrv.Writable)
	if err := m.Monitor(core, ctx, guestarch.DefaultView, "stack"); err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	if m.Len() != 1 || !m.IsWatchedPage(pte.Gfn(amd64.PageShift), guestarch.DefaultView) {
		t.Fatalf("page table of %v is not watched", va)
	}
	access, err := core.MemoryAccess(pte.Gfn(amd64.PageShift), guestarch.DefaultView)
	if err != nil || access.CanWrite() {
		t.Errorf("page table access = %v, %v; want write-protected", access, err)
	}

	pt.Write(pte, 0)
	if !m.MarkDirtyEntry(pte, guestarch.DefaultView, 0) {
		t.Fatalf("MarkDirtyEntry = false")
	}
	events, err := m.ProcessDirtyEntries(core, 0)
	if err != nil {
		t.Fatalf("ProcessDirtyEntries: %v", err)
	}
	want := []ptm.Event[string]{{Kind: arch.PageOut, Ctx: ctx, View: guestarch.DefaultView, Tag: "stack"}}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	if err := m.UnmonitorAll(core); err != nil {
		t.Fatalf("UnmonitorAll: %v", err)
	}
	if access, err := core.MemoryAccess(pte.Gfn(amd64.PageShift), guestarch.DefaultView); err != nil || !access.CanWrite() {
		t.Errorf("page table access after UnmonitorAll = %v, %v; want writable", access, err)
	}
}
