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

	"vmi.dev/vmi/pkg/bits"
)

// SegmentAccess holds segment access rights in the VMX guest-state layout
// (SDM 24.4.1).
type SegmentAccess uint32

// Type returns the segment type, bits 3:0.
func (a SegmentAccess) Type() uint8 { return uint8(bits.Field(a, 0, 4)) }

// DescriptorType returns S: set for code or data segments, clear for system
// segments.
func (a SegmentAccess) DescriptorType() bool { return bits.Test(a, 4) }

// Dpl returns the descriptor privilege level.
func (a SegmentAccess) Dpl() uint8 { return uint8(bits.Field(a, 5, 2)) }

// Present returns P.
func (a SegmentAccess) Present() bool { return bits.Test(a, 7) }

// Available returns AVL.
func (a SegmentAccess) Available() bool { return bits.Test(a, 12) }

// LongMode returns L, set for 64-bit code segments.
func (a SegmentAccess) LongMode() bool { return bits.Test(a, 13) }

// DefaultBig returns D/B.
func (a SegmentAccess) DefaultBig() bool { return bits.Test(a, 14) }

// Granularity returns G, set when the limit is in 4 KiB units.
func (a SegmentAccess) Granularity() bool { return bits.Test(a, 15) }

// Unusable returns the VMX segment-unusable bit.
func (a SegmentAccess) Unusable() bool { return bits.Test(a, 16) }

// Selector is a segment selector.
type Selector uint16

// RequestedPrivilegeLevel returns RPL.
func (s Selector) RequestedPrivilegeLevel() uint8 { return uint8(bits.Field(s, 0, 2)) }

// TableIndicator returns TI: false for the GDT, true for the LDT.
func (s Selector) TableIndicator() bool { return bits.Test(s, 2) }

// Index returns the descriptor index.
func (s Selector) Index() uint16 { return uint16(bits.Field(s, 3, 13)) }

// String implements fmt.Stringer.
func (s Selector) String() string {
	table := "gdt"
	if s.TableIndicator() {
		table = "ldt"
	}
	return fmt.Sprintf("%s[%d]:rpl%d", table, s.Index(), s.RequestedPrivilegeLevel())
}

// SegmentDescriptor is an 8-byte GDT or LDT descriptor.
type SegmentDescriptor uint64

// SegmentDescriptorSize is the size of a code or data descriptor in bytes.
const SegmentDescriptorSize = 8

// Base returns the segment base, scattered over bits 16:39 and 56:63.
func (d SegmentDescriptor) Base() uint32 {
	return uint32(bits.Field(d, 16, 24) | bits.Field(d, 56, 8)<<24)
}

// RawLimit returns the 20-bit limit as stored.
func (d SegmentDescriptor) RawLimit() uint32 {
	return uint32(bits.Field(d, 0, 16) | bits.Field(d, 48, 4)<<16)
}

// Limit returns the limit in bytes, scaled by the granularity bit.
func (d SegmentDescriptor) Limit() uint32 {
	l := d.RawLimit()
	if d.Access().Granularity() {
		l = l<<12 | 0xfff
	}
	return l
}

// Access returns the access rights in the VMX layout. Bits 47:40 map to
// 7:0 and bits 55:52 map to 15:12.
func (d SegmentDescriptor) Access() SegmentAccess {
	return SegmentAccess(bits.Field(d, 40, 8) | bits.Field(d, 52, 4)<<12)
}

// Segment is the cached state of one segment register.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector Selector
	Access   SegmentAccess
}

// DescriptorTable is the GDTR or IDTR.
type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

// Entries returns the number of entries of size bytes that fit the table.
func (t DescriptorTable) Entries(size int) int {
	return (int(t.Limit) + 1) / size
}

// IdtAccess is the type and attribute word of an IDT gate.
type IdtAccess uint16

// InterruptStackTable returns the IST index, 0 when unused.
func (a IdtAccess) InterruptStackTable() uint8 { return uint8(bits.Field(a, 0, 3)) }

// Type returns the gate type: 0xe interrupt gate, 0xf trap gate.
func (a IdtAccess) Type() uint8 { return uint8(bits.Field(a, 8, 4)) }

// Dpl returns the gate's descriptor privilege level.
func (a IdtAccess) Dpl() uint8 { return uint8(bits.Field(a, 13, 2)) }

// Present returns P.
func (a IdtAccess) Present() bool { return bits.Test(a, 15) }

// IdtEntrySize is the size of a 64-bit IDT gate in bytes.
const IdtEntrySize = 16

// IdtEntry is a 64-bit mode IDT gate. The layout matches guest memory, so
// the entry may be read directly with encoding/binary.
type IdtEntry struct {
	OffsetLow  uint16
	Selector   Selector
	Access     IdtAccess
	OffsetMid  uint16
	OffsetHigh uint32
	Reserved   uint32
}

// ParseIdtEntry decodes a gate from its in-memory representation.
func ParseIdtEntry(b [IdtEntrySize]byte) IdtEntry {
	return IdtEntry{
		OffsetLow:  binary.LittleEndian.Uint16(b[0:]),
		Selector:   Selector(binary.LittleEndian.Uint16(b[2:])),
		Access:     IdtAccess(binary.LittleEndian.Uint16(b[4:])),
		OffsetMid:  binary.LittleEndian.Uint16(b[6:]),
		OffsetHigh: binary.LittleEndian.Uint32(b[8:]),
		Reserved:   binary.LittleEndian.Uint32(b[12:]),
	}
}

// Offset returns the handler address.
func (e IdtEntry) Offset() uint64 {
	return uint64(e.OffsetLow) | uint64(e.OffsetMid)<<16 | uint64(e.OffsetHigh)<<32
}
