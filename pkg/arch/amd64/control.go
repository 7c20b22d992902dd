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

// Package amd64 implements the introspection architecture for x86-64 guests:
// register and descriptor decoders, the page-table walker under every
// paging mode, event reasons and monitors, and the page-table monitor.
//
// All decoders are transparent wrappers around the raw register value. Bit
// positions follow the Intel SDM, volume 3.
package amd64

import (
	"vmi.dev/vmi/pkg/bits"
	"vmi.dev/vmi/pkg/guestarch"
)

// Cr0 is control register 0.
type Cr0 uint64

// CR0 bits.
const (
	cr0PE = 0
	cr0MP = 1
	cr0EM = 2
	cr0TS = 3
	cr0ET = 4
	cr0NE = 5
	cr0WP = 16
	cr0AM = 18
	cr0NW = 29
	cr0CD = 30
	cr0PG = 31
)

// ProtectionEnable returns CR0.PE.
func (c Cr0) ProtectionEnable() bool { return bits.Test(c, cr0PE) }

// MonitorCoprocessor returns CR0.MP.
func (c Cr0) MonitorCoprocessor() bool { return bits.Test(c, cr0MP) }

// Emulation returns CR0.EM.
func (c Cr0) Emulation() bool { return bits.Test(c, cr0EM) }

// TaskSwitched returns CR0.TS.
func (c Cr0) TaskSwitched() bool { return bits.Test(c, cr0TS) }

// ExtensionType returns CR0.ET.
func (c Cr0) ExtensionType() bool { return bits.Test(c, cr0ET) }

// NumericError returns CR0.NE.
func (c Cr0) NumericError() bool { return bits.Test(c, cr0NE) }

// WriteProtect returns CR0.WP.
func (c Cr0) WriteProtect() bool { return bits.Test(c, cr0WP) }

// AlignmentMask returns CR0.AM.
func (c Cr0) AlignmentMask() bool { return bits.Test(c, cr0AM) }

// NotWriteThrough returns CR0.NW.
func (c Cr0) NotWriteThrough() bool { return bits.Test(c, cr0NW) }

// CacheDisable returns CR0.CD.
func (c Cr0) CacheDisable() bool { return bits.Test(c, cr0CD) }

// Paging returns CR0.PG.
func (c Cr0) Paging() bool { return bits.Test(c, cr0PG) }

// Cr2 is control register 2, the faulting linear address.
type Cr2 uint64

// Address returns the page-fault linear address.
func (c Cr2) Address() guestarch.Va { return guestarch.Va(c) }

// Cr3 is control register 3, the page-table root.
type Cr3 uint64

// cr3RootMask selects bits 51:12 of CR3.
const cr3RootMask = 0x000f_ffff_ffff_f000

// PageLevelWriteThrough returns CR3.PWT.
func (c Cr3) PageLevelWriteThrough() bool { return bits.Test(c, 3) }

// PageLevelCacheDisable returns CR3.PCD.
func (c Cr3) PageLevelCacheDisable() bool { return bits.Test(c, 4) }

// Pcid returns the process-context identifier in bits 11:0. It is only
// meaningful when CR4.PCIDE is set.
func (c Cr3) Pcid() uint16 { return uint16(bits.Field(c, 0, 12)) }

// PageFrameNumber returns the frame of the top-level page table.
func (c Cr3) PageFrameNumber() guestarch.Gfn { return guestarch.Gfn(bits.Field(c, 12, 40)) }

// Root returns the physical address of the top-level page table under
// 4- and 5-level paging.
func (c Cr3) Root() guestarch.Pa { return guestarch.Pa(c & cr3RootMask) }

// Cr4 is control register 4.
type Cr4 uint64

// CR4 bits.
const (
	cr4VME        = 0
	cr4PVI        = 1
	cr4TSD        = 2
	cr4DE         = 3
	cr4PSE        = 4
	cr4PAE        = 5
	cr4MCE        = 6
	cr4PGE        = 7
	cr4PCE        = 8
	cr4OSFXSR     = 9
	cr4OSXMMEXCPT = 10
	cr4UMIP       = 11
	cr4LA57       = 12
	cr4VMXE       = 13
	cr4SMXE       = 14
	cr4FSGSBASE   = 16
	cr4PCIDE      = 17
	cr4OSXSAVE    = 18
	cr4KL         = 19
	cr4SMEP       = 20
	cr4SMAP       = 21
	cr4PKE        = 22
	cr4CET        = 23
	cr4PKS        = 24
)

// VirtualMode returns CR4.VME.
func (c Cr4) VirtualMode() bool { return bits.Test(c, cr4VME) }

// ProtectedModeVirtualInterrupts returns CR4.PVI.
func (c Cr4) ProtectedModeVirtualInterrupts() bool { return bits.Test(c, cr4PVI) }

// TimeStampDisable returns CR4.TSD.
func (c Cr4) TimeStampDisable() bool { return bits.Test(c, cr4TSD) }

// DebuggingExtensions returns CR4.DE.
func (c Cr4) DebuggingExtensions() bool { return bits.Test(c, cr4DE) }

// PageSizeExtensions returns CR4.PSE.
func (c Cr4) PageSizeExtensions() bool { return bits.Test(c, cr4PSE) }

// PhysicalAddressExtension returns CR4.PAE.
func (c Cr4) PhysicalAddressExtension() bool { return bits.Test(c, cr4PAE) }

// MachineCheckEnable returns CR4.MCE.
func (c Cr4) MachineCheckEnable() bool { return bits.Test(c, cr4MCE) }

// PageGlobalEnable returns CR4.PGE.
func (c Cr4) PageGlobalEnable() bool { return bits.Test(c, cr4PGE) }

// PerformanceCounterEnable returns CR4.PCE.
func (c Cr4) PerformanceCounterEnable() bool { return bits.Test(c, cr4PCE) }

// OsFxsr returns CR4.OSFXSR.
func (c Cr4) OsFxsr() bool { return bits.Test(c, cr4OSFXSR) }

// OsXmmExcpt returns CR4.OSXMMEXCPT.
func (c Cr4) OsXmmExcpt() bool { return bits.Test(c, cr4OSXMMEXCPT) }

// UserModeInstructionPrevention returns CR4.UMIP.
func (c Cr4) UserModeInstructionPrevention() bool { return bits.Test(c, cr4UMIP) }

// La57 returns CR4.LA57, 5-level paging.
func (c Cr4) La57() bool { return bits.Test(c, cr4LA57) }

// VmxEnable returns CR4.VMXE.
func (c Cr4) VmxEnable() bool { return bits.Test(c, cr4VMXE) }

// SmxEnable returns CR4.SMXE.
func (c Cr4) SmxEnable() bool { return bits.Test(c, cr4SMXE) }

// FsGsBase returns CR4.FSGSBASE.
func (c Cr4) FsGsBase() bool { return bits.Test(c, cr4FSGSBASE) }

// PcidEnable returns CR4.PCIDE.
func (c Cr4) PcidEnable() bool { return bits.Test(c, cr4PCIDE) }

// OsXsave returns CR4.OSXSAVE.
func (c Cr4) OsXsave() bool { return bits.Test(c, cr4OSXSAVE) }

// KeyLocker returns CR4.KL.
func (c Cr4) KeyLocker() bool { return bits.Test(c, cr4KL) }

// SupervisorModeExecutionPrevention returns CR4.SMEP.
func (c Cr4) SupervisorModeExecutionPrevention() bool { return bits.Test(c, cr4SMEP) }

// SupervisorModeAccessPrevention returns CR4.SMAP.
func (c Cr4) SupervisorModeAccessPrevention() bool { return bits.Test(c, cr4SMAP) }

// ProtectionKeyUser returns CR4.PKE.
func (c Cr4) ProtectionKeyUser() bool { return bits.Test(c, cr4PKE) }

// ControlFlowEnforcement returns CR4.CET.
func (c Cr4) ControlFlowEnforcement() bool { return bits.Test(c, cr4CET) }

// ProtectionKeySupervisor returns CR4.PKS.
func (c Cr4) ProtectionKeySupervisor() bool { return bits.Test(c, cr4PKS) }

// Dr6 is the debug status register.
type Dr6 uint64

// BreakpointHit returns DR6.Bn for n in [0, 3]. Other indices report false.
func (d Dr6) BreakpointHit(n int) bool {
	if n < 0 || n > 3 {
		return false
	}
	return bits.Test(d, n)
}

// BusLockDetected returns DR6.BLD. The bit is active low.
func (d Dr6) BusLockDetected() bool { return !bits.Test(d, 11) }

// DebugRegisterAccess returns DR6.BD.
func (d Dr6) DebugRegisterAccess() bool { return bits.Test(d, 13) }

// SingleStep returns DR6.BS.
func (d Dr6) SingleStep() bool { return bits.Test(d, 14) }

// TaskSwitch returns DR6.BT.
func (d Dr6) TaskSwitch() bool { return bits.Test(d, 15) }

// RestrictedTransactionalMemory returns DR6.RTM. The bit is active low.
func (d Dr6) RestrictedTransactionalMemory() bool { return !bits.Test(d, 16) }

// Dr7 is the debug control register.
type Dr7 uint64

// LocalEnable returns DR7.Ln for n in [0, 3].
func (d Dr7) LocalEnable(n int) bool {
	if n < 0 || n > 3 {
		return false
	}
	return bits.Test(d, 2*n)
}

// GlobalEnable returns DR7.Gn for n in [0, 3].
func (d Dr7) GlobalEnable(n int) bool {
	if n < 0 || n > 3 {
		return false
	}
	return bits.Test(d, 2*n+1)
}

// LocalExact returns DR7.LE.
func (d Dr7) LocalExact() bool { return bits.Test(d, 8) }

// GlobalExact returns DR7.GE.
func (d Dr7) GlobalExact() bool { return bits.Test(d, 9) }

// RestrictedTransactionalMemory returns DR7.RTM.
func (d Dr7) RestrictedTransactionalMemory() bool { return bits.Test(d, 11) }

// GeneralDetect returns DR7.GD.
func (d Dr7) GeneralDetect() bool { return bits.Test(d, 13) }

// Condition returns the R/Wn field for n in [0, 3]: 0 execute, 1 write,
// 2 I/O, 3 read/write.
func (d Dr7) Condition(n int) uint8 {
	if n < 0 || n > 3 {
		return 0
	}
	return uint8(bits.Field(d, 16+4*n, 2))
}

// Length returns the LENn field for n in [0, 3]: 0 one byte, 1 two bytes,
// 2 eight bytes, 3 four bytes.
func (d Dr7) Length(n int) uint8 {
	if n < 0 || n > 3 {
		return 0
	}
	return uint8(bits.Field(d, 18+4*n, 2))
}

// MsrEfer is the extended feature enable register.
type MsrEfer uint64

// SystemCallExtensions returns EFER.SCE.
func (e MsrEfer) SystemCallExtensions() bool { return bits.Test(e, 0) }

// LongModeEnable returns EFER.LME.
func (e MsrEfer) LongModeEnable() bool { return bits.Test(e, 8) }

// LongModeActive returns EFER.LMA.
func (e MsrEfer) LongModeActive() bool { return bits.Test(e, 10) }

// ExecuteDisable returns EFER.NXE.
func (e MsrEfer) ExecuteDisable() bool { return bits.Test(e, 11) }

// SecureVirtualMachine returns EFER.SVME.
func (e MsrEfer) SecureVirtualMachine() bool { return bits.Test(e, 12) }

// LongModeSegmentLimit returns EFER.LMSLE.
func (e MsrEfer) LongModeSegmentLimit() bool { return bits.Test(e, 13) }

// FastFxsave returns EFER.FFXSR.
func (e MsrEfer) FastFxsave() bool { return bits.Test(e, 14) }

// TranslationCacheExtension returns EFER.TCE.
func (e MsrEfer) TranslationCacheExtension() bool { return bits.Test(e, 15) }

// Rflags is the flags register.
type Rflags uint64

// RFLAGS bits.
const (
	flagCF   = 0
	flagPF   = 2
	flagAF   = 4
	flagZF   = 6
	flagSF   = 7
	flagTF   = 8
	flagIF   = 9
	flagDF   = 10
	flagOF   = 11
	flagIOPL = 12
	flagNT   = 14
	flagRF   = 16
	flagVM   = 17
	flagAC   = 18
	flagVIF  = 19
	flagVIP  = 20
	flagID   = 21
)

// Carry returns CF.
func (f Rflags) Carry() bool { return bits.Test(f, flagCF) }

// Parity returns PF.
func (f Rflags) Parity() bool { return bits.Test(f, flagPF) }

// AuxiliaryCarry returns AF.
func (f Rflags) AuxiliaryCarry() bool { return bits.Test(f, flagAF) }

// Zero returns ZF.
func (f Rflags) Zero() bool { return bits.Test(f, flagZF) }

// Sign returns SF.
func (f Rflags) Sign() bool { return bits.Test(f, flagSF) }

// Trap returns TF.
func (f Rflags) Trap() bool { return bits.Test(f, flagTF) }

// InterruptEnable returns IF.
func (f Rflags) InterruptEnable() bool { return bits.Test(f, flagIF) }

// Direction returns DF.
func (f Rflags) Direction() bool { return bits.Test(f, flagDF) }

// Overflow returns OF.
func (f Rflags) Overflow() bool { return bits.Test(f, flagOF) }

// IoPrivilegeLevel returns IOPL.
func (f Rflags) IoPrivilegeLevel() uint8 { return uint8(bits.Field(f, flagIOPL, 2)) }

// NestedTask returns NT.
func (f Rflags) NestedTask() bool { return bits.Test(f, flagNT) }

// Resume returns RF.
func (f Rflags) Resume() bool { return bits.Test(f, flagRF) }

// Virtual8086 returns VM.
func (f Rflags) Virtual8086() bool { return bits.Test(f, flagVM) }

// AlignmentCheck returns AC.
func (f Rflags) AlignmentCheck() bool { return bits.Test(f, flagAC) }

// VirtualInterrupt returns VIF.
func (f Rflags) VirtualInterrupt() bool { return bits.Test(f, flagVIF) }

// VirtualInterruptPending returns VIP.
func (f Rflags) VirtualInterruptPending() bool { return bits.Test(f, flagVIP) }

// Identification returns ID.
func (f Rflags) Identification() bool { return bits.Test(f, flagID) }
