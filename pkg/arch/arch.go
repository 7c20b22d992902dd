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

// Package arch provides abstractions around architecture-dependent details of
// an introspected guest: page geometry, address translation, register state
// and the vocabulary of hypervisor events.
package arch

import (
	"fmt"

	"vmi.dev/vmi/pkg/guestarch"
)

// Arch describes an architecture.
type Arch int

const (
	// AMD64 is the x86-64 architecture.
	AMD64 Arch = iota
)

// String implements fmt.Stringer.
func (a Arch) String() string {
	switch a {
	case AMD64:
		return "amd64"
	default:
		return fmt.Sprintf("Arch(%d)", a)
	}
}

// Memory reads guest physical memory. It is the only capability the
// page-table walker needs.
type Memory interface {
	// ReadPhysical fills buf from guest physical memory starting at pa. The
	// range may not cross a page boundary.
	ReadPhysical(pa guestarch.Pa, buf []byte) error
}

// PageTableCore is what the page-table monitor needs: physical reads and
// control over per-view access permissions.
type PageTableCore interface {
	Memory

	// MemoryAccess returns the permissions of gfn in view.
	MemoryAccess(gfn guestarch.Gfn, view guestarch.View) (guestarch.MemoryAccess, error)

	// SetMemoryAccess sets the permissions of gfn in view.
	SetMemoryAccess(gfn guestarch.Gfn, view guestarch.View, access guestarch.MemoryAccess) error
}

// Architecture is the capability set of a CPU architecture.
//
// Implementations are stateless values; all methods are pure functions of
// their arguments, except TranslateAddress which reads page tables through
// mem.
//
// Implementations must be comparable; they are used as cache keys.
type Architecture interface {
	// Arch returns the architecture identifier.
	Arch() Arch

	// PageSize returns the size of the smallest page.
	PageSize() uint64

	// PageShift returns log2(PageSize()).
	PageShift() uint

	// PageMask returns the mask selecting the page-aligned part of an
	// address.
	PageMask() uint64

	// BreakpointOpcode returns the software breakpoint instruction. The
	// returned slice must not be modified.
	BreakpointOpcode() []byte

	// GfnFromPa returns the frame containing pa.
	GfnFromPa(pa guestarch.Pa) guestarch.Gfn

	// PaFromGfn returns the first address of gfn.
	PaFromGfn(gfn guestarch.Gfn) guestarch.Pa

	// PaOffset returns the offset of pa within its page.
	PaOffset(pa guestarch.Pa) uint64

	// VaAlignDown rounds va down to a page boundary.
	VaAlignDown(va guestarch.Va) guestarch.Va

	// VaOffset returns the offset of va within its smallest page.
	VaOffset(va guestarch.Va) uint64

	// VaIndex returns the index of va in the lowest-level page table.
	VaIndex(va guestarch.Va) uint64

	// TranslateAddress walks the page tables rooted at root. A non-present
	// entry at any level yields a *vmierr.PageFaultError naming exactly
	// (va, root).
	TranslateAddress(mem Memory, va guestarch.Va, root guestarch.Pa) (guestarch.Pa, error)
}

// GPRegisters is the general-purpose register file of an architecture, the
// subset a handler may overwrite in an event response.
type GPRegisters interface {
	// Arch returns the architecture the registers belong to.
	Arch() Arch
}

// Registers is a full register snapshot of one vCPU.
type Registers interface {
	// Arch returns the architecture the registers belong to.
	Arch() Architecture

	// InstructionPointer returns the current instruction pointer.
	InstructionPointer() uint64

	// SetInstructionPointer sets the current instruction pointer.
	SetInstructionPointer(ip uint64)

	// StackPointer returns the current stack pointer.
	StackPointer() uint64

	// SetStackPointer sets the current stack pointer.
	SetStackPointer(sp uint64)

	// Result returns the register holding function return values.
	Result() uint64

	// SetResult sets the register holding function return values.
	SetResult(value uint64)

	// GPRegisters returns a copy of the general-purpose registers.
	GPRegisters() GPRegisters

	// SetGPRegisters replaces the general-purpose registers. It fails if gp
	// belongs to another architecture.
	SetGPRegisters(gp GPRegisters) error

	// AddressWidth returns the native pointer width in bytes.
	AddressWidth() int

	// EffectiveAddressWidth returns the pointer width of the code currently
	// running, which is narrower in compatibility sub-modes.
	EffectiveAddressWidth() int

	// TranslationRoot returns the page-table root used to translate va.
	TranslationRoot(va guestarch.Va) guestarch.Pa

	// AddressContext pairs va with its translation root.
	AddressContext(va guestarch.Va) guestarch.AddressContext

	// AccessContext returns a paging access of va through its translation
	// root.
	AccessContext(va guestarch.Va) guestarch.AccessContext

	// Clone returns a deep copy.
	Clone() Registers
}

// Interrupt describes an interrupt that can be injected into a vCPU.
type Interrupt interface {
	fmt.Stringer

	// InterruptVector returns the interrupt vector.
	InterruptVector() uint8
}
