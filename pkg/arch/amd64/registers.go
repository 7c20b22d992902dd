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
	"fmt"

	"vmi.dev/vmi/pkg/arch"
	"vmi.dev/vmi/pkg/errors/vmierr"
	"vmi.dev/vmi/pkg/guestarch"
)

// GPRegisters is the general-purpose register file.
type GPRegisters struct {
	Rax    uint64
	Rbx    uint64
	Rcx    uint64
	Rdx    uint64
	Rbp    uint64
	Rsi    uint64
	Rdi    uint64
	Rsp    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	Rip    uint64
	Rflags Rflags
}

// Arch implements arch.GPRegisters.Arch.
func (*GPRegisters) Arch() arch.Arch { return arch.AMD64 }

// Registers is the full state of one vCPU.
type Registers struct {
	Rax    uint64
	Rbx    uint64
	Rcx    uint64
	Rdx    uint64
	Rbp    uint64
	Rsi    uint64
	Rdi    uint64
	Rsp    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	Rip    uint64
	Rflags Rflags

	Cr0 Cr0
	Cr2 Cr2
	Cr3 Cr3
	Cr4 Cr4

	Dr0 uint64
	Dr1 uint64
	Dr2 uint64
	Dr3 uint64
	Dr6 Dr6
	Dr7 Dr7

	Cs   Segment
	Ds   Segment
	Es   Segment
	Fs   Segment
	Gs   Segment
	Ss   Segment
	Tr   Segment
	Ldtr Segment

	Gdtr DescriptorTable
	Idtr DescriptorTable

	SysenterCs  uint64
	SysenterEsp uint64
	SysenterEip uint64

	MsrEfer         MsrEfer
	MsrStar         uint64
	MsrLstar        uint64
	MsrCstar        uint64
	MsrSfmask       uint64
	MsrKernelGsBase uint64
}

var _ arch.Registers = (*Registers)(nil)

// PagingMode returns the paging mode the vCPU is in.
func (r *Registers) PagingMode() PagingMode {
	return PagingModeOf(r.Cr0, r.Cr4, r.MsrEfer)
}

// Cpl returns the current privilege level.
func (r *Registers) Cpl() uint8 { return r.Ss.Access.Dpl() }

// Arch implements arch.Registers.Arch.
func (r *Registers) Arch() arch.Architecture {
	mode := r.PagingMode()
	return Amd64{Mode: mode, PSE: mode == PagingLegacy && r.Cr4.PageSizeExtensions()}
}

// InstructionPointer implements arch.Registers.InstructionPointer.
func (r *Registers) InstructionPointer() uint64 { return r.Rip }

// SetInstructionPointer implements arch.Registers.SetInstructionPointer.
func (r *Registers) SetInstructionPointer(ip uint64) { r.Rip = ip }

// StackPointer implements arch.Registers.StackPointer.
func (r *Registers) StackPointer() uint64 { return r.Rsp }

// SetStackPointer implements arch.Registers.SetStackPointer.
func (r *Registers) SetStackPointer(sp uint64) { r.Rsp = sp }

// Result implements arch.Registers.Result.
func (r *Registers) Result() uint64 { return r.Rax }

// SetResult implements arch.Registers.SetResult.
func (r *Registers) SetResult(value uint64) { r.Rax = value }

// GPRegisters implements arch.Registers.GPRegisters.
func (r *Registers) GPRegisters() arch.GPRegisters {
	return &GPRegisters{
		Rax: r.Rax, Rbx: r.Rbx, Rcx: r.Rcx, Rdx: r.Rdx,
		Rbp: r.Rbp, Rsi: r.Rsi, Rdi: r.Rdi, Rsp: r.Rsp,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
		Rip: r.Rip, Rflags: r.Rflags,
	}
}

// SetGPRegisters implements arch.Registers.SetGPRegisters.
func (r *Registers) SetGPRegisters(gp arch.GPRegisters) error {
	g, ok := gp.(*GPRegisters)
	if !ok || g == nil {
		return fmt.Errorf("general-purpose registers %T: %w", gp, vmierr.ErrNotSupported)
	}
	r.Rax, r.Rbx, r.Rcx, r.Rdx = g.Rax, g.Rbx, g.Rcx, g.Rdx
	r.Rbp, r.Rsi, r.Rdi, r.Rsp = g.Rbp, g.Rsi, g.Rdi, g.Rsp
	r.R8, r.R9, r.R10, r.R11 = g.R8, g.R9, g.R10, g.R11
	r.R12, r.R13, r.R14, r.R15 = g.R12, g.R13, g.R14, g.R15
	r.Rip, r.Rflags = g.Rip, g.Rflags
	return nil
}

// AddressWidth implements arch.Registers.AddressWidth.
func (r *Registers) AddressWidth() int {
	if r.MsrEfer.LongModeActive() {
		return 8
	}
	return 4
}

// EffectiveAddressWidth implements arch.Registers.EffectiveAddressWidth.
// Compatibility-mode code in a long-mode guest uses 4-byte pointers.
func (r *Registers) EffectiveAddressWidth() int {
	if r.MsrEfer.LongModeActive() && r.Cs.Access.LongMode() {
		return 8
	}
	return 4
}

// TranslationRoot implements arch.Registers.TranslationRoot.
func (r *Registers) TranslationRoot(guestarch.Va) guestarch.Pa {
	switch r.PagingMode() {
	case PagingNone:
		return 0
	case PagingLegacy:
		return guestarch.Pa(r.Cr3 & 0xffff_f000)
	case PagingPAE:
		return guestarch.Pa(r.Cr3 & 0xffff_ffe0)
	default:
		return r.Cr3.Root()
	}
}

// AddressContext implements arch.Registers.AddressContext.
func (r *Registers) AddressContext(va guestarch.Va) guestarch.AddressContext {
	return guestarch.AddressContext{Va: va, Root: r.TranslationRoot(va)}
}

// AccessContext implements arch.Registers.AccessContext.
func (r *Registers) AccessContext(va guestarch.Va) guestarch.AccessContext {
	return guestarch.Paging(va, r.TranslationRoot(va))
}

// Clone implements arch.Registers.Clone.
func (r *Registers) Clone() arch.Registers {
	c := *r
	return &c
}
