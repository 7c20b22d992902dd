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

package rawdump

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vmi.dev/vmi/pkg/arch/amd64"
	"vmi.dev/vmi/pkg/errors/vmierr"
	"vmi.dev/vmi/pkg/guestarch"
	"vmi.dev/vmi/pkg/vmi"
)

func writeDump(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mem.raw")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadWrite(t *testing.T) {
	data := make([]byte, 2*amd64.PageSize+0x100)
	copy(data[amd64.PageSize+0x20:], "dump")
	path := writeDump(t, data)

	d, err := Open(path, nil, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	p, err := d.ReadPage(1)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if got := string(p.Bytes()[0x20:0x24]); got != "dump" {
		t.Errorf("page contents = %q, want %q", got, "dump")
	}

	// The last frame is short and reads zero padded.
	p, err = d.ReadPage(2)
	if err != nil {
		t.Fatalf("ReadPage(last): %v", err)
	}
	if p.Len() != amd64.PageSize {
		t.Errorf("last page length = %d, want %d", p.Len(), amd64.PageSize)
	}
	if _, err := d.WritePage(2, 0xff, []byte{1, 2}); !errors.Is(err, vmierr.ErrOutOfBounds) {
		t.Errorf("WritePage(past end) = %v, want %v", err, vmierr.ErrOutOfBounds)
	}
	if _, err := d.ReadPage(3); !errors.Is(err, vmierr.ErrOutOfBounds) {
		t.Errorf("ReadPage(beyond dump) = %v, want %v", err, vmierr.ErrOutOfBounds)
	}

	if _, err := d.WritePage(1, 0x20, []byte("DUMP")); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	p, err = d.ReadPage(1)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if got := string(p.Bytes()[0x20:0x24]); got != "DUMP" {
		t.Errorf("page contents after write = %q, want %q", got, "DUMP")
	}

	// Writes are private to the mapping.
	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(onDisk[amd64.PageSize+0x20 : amd64.PageSize+0x24]); got != "dump" {
		t.Errorf("file contents = %q, want unchanged %q", got, "dump")
	}
}

func TestInfo(t *testing.T) {
	d, err := Open(writeDump(t, make([]byte, 4*amd64.PageSize)), nil, 3)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()
	info, err := d.Info()
	if err != nil {
		t.Fatal(err)
	}
	want := vmi.Info{PageSize: amd64.PageSize, PageShift: amd64.PageShift, MaxGfn: 3, VcpuCount: 3}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("Info mismatch (-want +got):\n%s", diff)
	}
}

func TestUnsupported(t *testing.T) {
	d, err := Open(writeDump(t, make([]byte, amd64.PageSize)), nil, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	for name, err := range map[string]error{
		"AllocateGfn":     d.AllocateGfn(0),
		"FreeGfn":         d.FreeGfn(0),
		"DestroyView":     d.DestroyView(1),
		"MonitorEnable":   d.MonitorEnable(amd64.MonitorInterrupt{Vector: amd64.Breakpoint}),
		"InjectInterrupt": d.InjectInterrupt(0, amd64.BreakpointInterrupt()),
		"WaitForEvent":    d.WaitForEvent(0, nil),
	} {
		if !errors.Is(err, vmierr.ErrNotSupported) {
			t.Errorf("%s = %v, want %v", name, err, vmierr.ErrNotSupported)
		}
	}
	if err := d.SwitchToView(1); !errors.Is(err, vmierr.ErrViewNotFound) {
		t.Errorf("SwitchToView(1) = %v, want %v", err, vmierr.ErrViewNotFound)
	}
	if err := d.ResetState(); err != nil {
		t.Errorf("ResetState = %v, want nil", err)
	}
}

func TestEmpty(t *testing.T) {
	if _, err := Open(writeDump(t, nil), nil, 1); err == nil {
		t.Errorf("Open(empty dump) succeeded")
	}
}

// TestTranslate builds a 4-level mapping inside the dump and reads through
// it with the core.
func TestTranslate(t *testing.T) {
	const (
		pml4 = 0x1000
		pdpt = 0x2000
		pd   = 0x3000
		pt   = 0x4000
		data = 0x5000
		va   = guestarch.Va(0x7fff_0000_1010)
		flag = 0x3 // present | writable
	)
	mem := make([]byte, 6*amd64.PageSize)
	put := func(table uint64, index uint64, entry uint64) {
		binary.LittleEndian.PutUint64(mem[table+8*index:], entry)
	}
	a := amd64.New()
	put(pml4, a.VaIndexForLevel(va, amd64.Pml4), pdpt|flag)
	put(pdpt, a.VaIndexForLevel(va, amd64.Pdpt), pd|flag)
	put(pd, a.VaIndexForLevel(va, amd64.Pd), pt|flag)
	put(pt, a.VaIndexForLevel(va, amd64.Pt), data|flag)
	binary.LittleEndian.PutUint64(mem[data+0x10:], 0xdeadbeef)

	regs := &amd64.Registers{
		Cr0:     1<<31 | 1,
		Cr3:     pml4,
		Cr4:     1 << 5,
		MsrEfer: 1<<8 | 1<<10,
		Cs:      amd64.Segment{Selector: 0x10, Access: 0xa09b},
	}
	d, err := Open(writeDump(t, mem), regs, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	core, err := vmi.NewCore(d, a)
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	session := vmi.NewSession(core, nil)
	state, err := session.VcpuState(0)
	if err != nil {
		t.Fatalf("VcpuState: %v", err)
	}
	got, err := state.ReadU64(va)
	if err != nil {
		t.Fatalf("ReadU64: %v", err)
	}
	if got != 0xdeadbeef {
		t.Errorf("ReadU64(%v) = %#x, want 0xdeadbeef", va, got)
	}
}
