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

package vmi_test

import (
	"encoding/binary"
	"testing"
	"time"

	"vmi.dev/vmi/pkg/arch/amd64"
	"vmi.dev/vmi/pkg/driver/memdrv"
	"vmi.dev/vmi/pkg/guestarch"
	"vmi.dev/vmi/pkg/vmi"
)

func TestStateResolvesRoot(t *testing.T) {
	f, s := newSession(t)
	f.pt.Map(base, 0x10000, memdrv.Writable)
	f.d.LoadImage(0x10000, []byte("\x00\x10\x00\x40\x00\x80\xff\xff"))

	st, err := s.VcpuState(0)
	if err != nil {
		t.Fatalf("VcpuState: %v", err)
	}
	if got := st.Resolve(guestarch.Virtual(base)); !got.HasRoot || got.Root != f.pt.Root() {
		t.Errorf("Resolve = %v, want root %v", got, f.pt.Root())
	}
	pa, err := st.Translate(base + 0x10)
	if err != nil || pa != 0x10010 {
		t.Errorf("Translate = %v, %v; want 0x10010", pa, err)
	}
	va, err := st.ReadVa(base)
	if err != nil {
		t.Fatalf("ReadVa: %v", err)
	}
	if va != 0xffff_8000_4000_1000 {
		t.Errorf("ReadVa = %v, want 0xffff800040001000", va)
	}
	if err := st.WriteU64(base+8, 7); err != nil {
		t.Fatalf("WriteU64: %v", err)
	}
	if v, err := st.ReadU64(base + 8); err != nil || v != 7 {
		t.Errorf("ReadU64 = %d, %v; want 7", v, err)
	}
}

func TestStateInCompatibilityMode(t *testing.T) {
	f, s := newSession(t)
	f.pt.Map(base, 0x10000, memdrv.Writable)
	f.d.LoadImage(0x10000, []byte("\x78\x56\x34\x12\xff\xff\xff\xff"))
	regs := f.pt.LongModeRegisters()
	regs.Cs.Access = 0xc0fb // 32-bit user code segment
	st := s.State(regs)

	if v, err := st.ReadVaEffective(base); err != nil || v != 0x12345678 {
		t.Errorf("ReadVaEffective = %v, %v; want 0x12345678", v, err)
	}
	if v, err := st.ReadVa(base); err != nil || v != 0xffffffff12345678 {
		t.Errorf("ReadVa = %v, %v; want 0xffffffff12345678", v, err)
	}
}

func TestStateDuringEvent(t *testing.T) {
	f, s := newSession(t)
	f.pt.Map(base, 0x10000, memdrv.Writable)
	f.d.LoadImage(0x10000, []byte("explorer.exe\x00"))
	f.d.Enqueue(0, amd64.EventSinglestep{Gfn: 0x10})

	var name string
	h := &countingHandler{
		limit: 1,
		respond: func(st *vmi.State) vmi.EventResponse {
			var err error
			if name, err = st.ReadString(base, 32); err != nil {
				t.Errorf("ReadString: %v", err)
			}
			if st.Session() != s || st.Event() == nil {
				t.Errorf("state not bound to session and event")
			}
			return vmi.EventResponse{}
		},
	}
	if err := s.Handle(h, time.Second); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if name != "explorer.exe" {
		t.Errorf("ReadString = %q, want %q", name, "explorer.exe")
	}
}

// legacyRegisters returns registers of a vCPU with two-level 32-bit paging
// rooted at root.
func legacyRegisters(root guestarch.Pa) *amd64.Registers {
	return &amd64.Registers{
		Cr0: 1<<31 | 1,
		Cr3: amd64.Cr3(root),
	}
}

func TestStateWalksInVcpuPagingMode(t *testing.T) {
	f := newFixture(t, vmi.WithV2PCacheSize(8))
	s := vmi.NewSession(f.core, nil)

	// Page directory at 0x20000, page table at 0x21000, va 0x1000 maps
	// to 0x5000.
	const root, table guestarch.Pa = 0x20000, 0x21000
	f.d.LoadImage(root, binary.LittleEndian.AppendUint32(nil, uint32(table)|0x3))
	f.d.LoadImage(table+4, binary.LittleEndian.AppendUint32(nil, 0x5000|0x3))
	f.d.LoadImage(0x5008, []byte("\x2a\x00\x00\x00"))
	f.d.SetVcpuRegisters(0, legacyRegisters(root))

	st, err := s.VcpuState(0)
	if err != nil {
		t.Fatalf("VcpuState: %v", err)
	}
	if pa, err := st.Translate(0x1008); err != nil || pa != 0x5008 {
		t.Errorf("Translate = %v, %v; want 0x5008", pa, err)
	}
	if v, err := st.ReadU32(0x1008); err != nil || v != 42 {
		t.Errorf("ReadU32 = %d, %v; want 42", v, err)
	}
	if st.Core().Architecture() != (amd64.Amd64{Mode: amd64.PagingLegacy}) {
		t.Errorf("state architecture = %+v", st.Core().Architecture())
	}

	// The four-level core must not reuse the cached legacy translation.
	if _, err := f.core.TranslateAddress(guestarch.AddressContext{Va: 0x1008, Root: root}); err == nil {
		t.Errorf("four-level walk of legacy tables succeeded")
	}

	// A state built from event registers walks the same way.
	if v, err := s.State(legacyRegisters(root)).ReadU32(0x1008); err != nil || v != 42 {
		t.Errorf("State.ReadU32 = %d, %v; want 42", v, err)
	}
}
