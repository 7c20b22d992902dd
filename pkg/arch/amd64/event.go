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
	"vmi.dev/vmi/pkg/guestarch"
)

// MemoryAccessFlags qualify a memory access event.
type MemoryAccessFlags uint8

// Memory access flags.
const (
	// MemoryAccessGLAValid means Va holds the guest linear address.
	MemoryAccessGLAValid MemoryAccessFlags = 1 << iota

	// MemoryAccessFaultWithGLA means the fault happened on the final
	// translated access rather than during the walk.
	MemoryAccessFaultWithGLA

	// MemoryAccessFaultInGPT means the fault happened while the processor
	// was accessing a guest page table.
	MemoryAccessFaultInGPT
)

// EventMemoryAccess is raised when the guest touches a frame in a way its
// view does not permit.
type EventMemoryAccess struct {
	Pa     guestarch.Pa
	Va     guestarch.Va
	Access guestarch.MemoryAccess
	Flags  MemoryAccessFlags
}

// Kind implements arch.EventReason.Kind.
func (EventMemoryAccess) Kind() arch.EventKind { return arch.KindMemoryAccess }

// PhysicalAddress implements arch.MemoryAccessEvent.PhysicalAddress.
func (e EventMemoryAccess) PhysicalAddress() guestarch.Pa { return e.Pa }

// Accessed implements arch.MemoryAccessEvent.Accessed.
func (e EventMemoryAccess) Accessed() guestarch.MemoryAccess { return e.Access }

// ControlRegister names a monitored control register.
type ControlRegister uint8

// Control registers.
const (
	ControlRegisterCr0 ControlRegister = iota
	ControlRegisterCr3
	ControlRegisterCr4
	ControlRegisterXcr0
)

// String implements fmt.Stringer.
func (c ControlRegister) String() string {
	switch c {
	case ControlRegisterCr0:
		return "cr0"
	case ControlRegisterCr3:
		return "cr3"
	case ControlRegisterCr4:
		return "cr4"
	case ControlRegisterXcr0:
		return "xcr0"
	default:
		return fmt.Sprintf("ControlRegister(%d)", uint8(c))
	}
}

// EventWriteControlRegister is raised on a write to a monitored control
// register.
type EventWriteControlRegister struct {
	Register ControlRegister
	NewValue uint64
	OldValue uint64
}

// Kind implements arch.EventReason.Kind.
func (EventWriteControlRegister) Kind() arch.EventKind { return arch.KindWriteControlRegister }

// EventInterrupt is raised when a monitored vector is delivered. Gfn is the
// frame of the trapping instruction.
type EventInterrupt struct {
	Gfn       guestarch.Gfn
	Interrupt Interrupt
}

// Kind implements arch.EventReason.Kind.
func (EventInterrupt) Kind() arch.EventKind { return arch.KindInterrupt }

// Frame implements arch.InterruptEvent.Frame.
func (e EventInterrupt) Frame() guestarch.Gfn { return e.Gfn }

// Injectable implements arch.InterruptEvent.Injectable.
func (e EventInterrupt) Injectable() arch.Interrupt { return e.Interrupt }

// EventSinglestep is raised after each instruction while single-stepping.
type EventSinglestep struct {
	Gfn guestarch.Gfn
}

// Kind implements arch.EventReason.Kind.
func (EventSinglestep) Kind() arch.EventKind { return arch.KindSinglestep }

// EventGuestRequest is raised by a VMCALL issued by the guest.
type EventGuestRequest struct{}

// Kind implements arch.EventReason.Kind.
func (EventGuestRequest) Kind() arch.EventKind { return arch.KindGuestRequest }

// EventCpuID is raised on CPUID.
type EventCpuID struct {
	Leaf              uint32
	Subleaf           uint32
	InstructionLength uint8
}

// Kind implements arch.EventReason.Kind.
func (EventCpuID) Kind() arch.EventKind { return arch.KindCpuID }

// IoDirection is the direction of a port access.
type IoDirection uint8

// Port access directions.
const (
	IoIn IoDirection = iota
	IoOut
)

// String implements fmt.Stringer.
func (d IoDirection) String() string {
	if d == IoOut {
		return "out"
	}
	return "in"
}

// EventIo is raised on a port access.
type EventIo struct {
	Port      uint16
	Length    uint32
	Direction IoDirection
	String    bool
}

// Kind implements arch.EventReason.Kind.
func (EventIo) Kind() arch.EventKind { return arch.KindIo }

// MonitorRegister watches writes to one control register.
type MonitorRegister struct {
	Register ControlRegister
}

// Produces implements arch.EventMonitor.Produces.
func (MonitorRegister) Produces() arch.EventKind { return arch.KindWriteControlRegister }

func (m MonitorRegister) String() string { return "register:" + m.Register.String() }

// MonitorInterrupt watches delivery of one vector.
type MonitorInterrupt struct {
	Vector ExceptionVector
}

// Produces implements arch.EventMonitor.Produces.
func (MonitorInterrupt) Produces() arch.EventKind { return arch.KindInterrupt }

func (m MonitorInterrupt) String() string { return "interrupt:" + m.Vector.String() }

// MonitorSinglestep enables single-step events.
type MonitorSinglestep struct{}

// Produces implements arch.EventMonitor.Produces.
func (MonitorSinglestep) Produces() arch.EventKind { return arch.KindSinglestep }

func (MonitorSinglestep) String() string { return "singlestep" }

// MonitorGuestRequest enables guest-request events. With AllowUserspace,
// requests issued at CPL 3 are reported as well.
type MonitorGuestRequest struct {
	AllowUserspace bool
}

// Produces implements arch.EventMonitor.Produces.
func (MonitorGuestRequest) Produces() arch.EventKind { return arch.KindGuestRequest }

func (m MonitorGuestRequest) String() string {
	if m.AllowUserspace {
		return "guest-request(user)"
	}
	return "guest-request"
}

// MonitorCpuID enables CPUID events.
type MonitorCpuID struct{}

// Produces implements arch.EventMonitor.Produces.
func (MonitorCpuID) Produces() arch.EventKind { return arch.KindCpuID }

func (MonitorCpuID) String() string { return "cpuid" }

// MonitorIo enables port I/O events.
type MonitorIo struct{}

// Produces implements arch.EventMonitor.Produces.
func (MonitorIo) Produces() arch.EventKind { return arch.KindIo }

func (MonitorIo) String() string { return "io" }

var (
	_ arch.MemoryAccessEvent = EventMemoryAccess{}
	_ arch.InterruptEvent    = EventInterrupt{}
	_ arch.EventReason       = EventWriteControlRegister{}
	_ arch.EventReason       = EventSinglestep{}
	_ arch.EventReason       = EventGuestRequest{}
	_ arch.EventReason       = EventCpuID{}
	_ arch.EventReason       = EventIo{}
	_ arch.EventMonitor      = MonitorRegister{}
	_ arch.EventMonitor      = MonitorInterrupt{}
	_ arch.EventMonitor      = MonitorSinglestep{}
	_ arch.EventMonitor      = MonitorGuestRequest{}
	_ arch.EventMonitor      = MonitorCpuID{}
	_ arch.EventMonitor      = MonitorIo{}
)
