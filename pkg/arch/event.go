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

package arch

import (
	"fmt"

	"vmi.dev/vmi/pkg/guestarch"
)

// EventKind selects the variant of an EventReason.
type EventKind uint8

// Event kinds.
const (
	KindMemoryAccess EventKind = iota
	KindWriteControlRegister
	KindInterrupt
	KindSinglestep
	KindGuestRequest
	KindCpuID
	KindIo
)

var kindNames = [...]string{
	KindMemoryAccess:         "memory-access",
	KindWriteControlRegister: "write-control-register",
	KindInterrupt:            "interrupt",
	KindSinglestep:           "singlestep",
	KindGuestRequest:         "guest-request",
	KindCpuID:                "cpuid",
	KindIo:                   "io",
}

// String implements fmt.Stringer.
func (k EventKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// EventReason explains why the hypervisor stopped a vCPU. Kind selects the
// concrete variant, which is defined by the architecture.
type EventReason interface {
	Kind() EventKind
}

// InterruptEvent is implemented by interrupt reasons.
type InterruptEvent interface {
	EventReason

	// Frame returns the frame holding the instruction that trapped.
	Frame() guestarch.Gfn

	// Injectable returns the interrupt as it would be re-injected.
	Injectable() Interrupt
}

// MemoryAccessEvent is implemented by memory access reasons.
type MemoryAccessEvent interface {
	EventReason

	// PhysicalAddress returns the guest physical address accessed.
	PhysicalAddress() guestarch.Pa

	// Accessed returns the kind of access that trapped.
	Accessed() guestarch.MemoryAccess
}

// EventMonitor is a request to enable or disable one class of events.
type EventMonitor interface {
	fmt.Stringer

	// Produces returns the kind of event the monitor generates.
	Produces() EventKind
}
