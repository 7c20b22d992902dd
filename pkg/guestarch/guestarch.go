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

// Package guestarch provides the address and access types shared by every
// layer that looks at guest memory: frame numbers, physical and virtual
// addresses, views, access permissions and page faults.
//
// Physical and virtual addresses are distinct types. Converting between them
// always goes through an explicit translation, and converting between a
// physical address and a frame number always takes the page shift.
package guestarch

import (
	"fmt"
	"math"
)

// Gfn is a guest frame number: the index of a physical page in the guest's
// address space.
type Gfn uint64

// Pa is a guest physical address.
type Pa uint64

// Va is a guest virtual address.
type Va uint64

// String implements fmt.Stringer.
func (g Gfn) String() string { return fmt.Sprintf("%#x", uint64(g)) }

// String implements fmt.Stringer.
func (p Pa) String() string { return fmt.Sprintf("%#x", uint64(p)) }

// String implements fmt.Stringer.
func (v Va) String() string { return fmt.Sprintf("%#x", uint64(v)) }

// AddChecked returns g+n. ok is false iff the addition wrapped around.
func (g Gfn) AddChecked(n uint64) (Gfn, bool) {
	end := g + Gfn(n)
	return end, end >= g
}

// SubChecked returns g-n. ok is false iff the subtraction wrapped around.
func (g Gfn) SubChecked(n uint64) (Gfn, bool) {
	return g - Gfn(n), uint64(g) >= n
}

// AddChecked returns p+n. ok is false iff the addition wrapped around.
func (p Pa) AddChecked(n uint64) (Pa, bool) {
	end := p + Pa(n)
	return end, end >= p
}

// SubChecked returns p-n. ok is false iff the subtraction wrapped around.
func (p Pa) SubChecked(n uint64) (Pa, bool) {
	return p - Pa(n), uint64(p) >= n
}

// AddChecked returns v+n. ok is false iff the addition wrapped around.
func (v Va) AddChecked(n uint64) (Va, bool) {
	end := v + Va(n)
	return end, end >= v
}

// SubChecked returns v-n. ok is false iff the subtraction wrapped around.
func (v Va) SubChecked(n uint64) (Va, bool) {
	return v - Va(n), uint64(v) >= n
}

// IsNull returns true iff v is the null address.
func (v Va) IsNull() bool { return v == 0 }

// Gfn returns the frame containing p.
func (p Pa) Gfn(shift uint) Gfn { return Gfn(uint64(p) >> shift) }

// PaFromGfn returns the physical address of the first byte of frame g.
func PaFromGfn(g Gfn, shift uint) Pa { return Pa(uint64(g) << shift) }

// PageOffset returns the offset of p within its page. pageSize must be a
// power of two.
func (p Pa) PageOffset(pageSize uint64) uint64 { return uint64(p) & (pageSize - 1) }

// RoundDown returns v rounded down to the nearest page boundary. pageSize
// must be a power of two.
func (v Va) RoundDown(pageSize uint64) Va { return v &^ Va(pageSize-1) }

// RoundUp returns v rounded up to the nearest page boundary. ok is true iff
// rounding up did not wrap around.
func (v Va) RoundUp(pageSize uint64) (addr Va, ok bool) {
	addr = Va(uint64(v) + pageSize - 1).RoundDown(pageSize)
	ok = addr >= v
	return
}

// PageOffset returns the offset of v within its page. pageSize must be a
// power of two.
func (v Va) PageOffset(pageSize uint64) uint64 { return uint64(v) & (pageSize - 1) }

// View identifies one of the alternate guest-physical mappings maintained by
// the hypervisor.
type View uint16

// DefaultView is the view the guest runs in unless switched.
const DefaultView View = 0

// String implements fmt.Stringer.
func (v View) String() string { return fmt.Sprintf("view%d", uint16(v)) }

// VcpuID identifies a virtual CPU.
type VcpuID uint16

// MaxVcpuID is the largest representable vCPU identifier.
const MaxVcpuID VcpuID = math.MaxUint16
