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

import "fmt"

// ExceptionVector is one of the architectural exception vectors 0 through
// 21.
type ExceptionVector uint8

// Exception vectors.
const (
	DivideError ExceptionVector = iota
	DebugException
	NMI
	Breakpoint
	Overflow
	BoundRangeExceeded
	InvalidOpcode
	DeviceNotAvailable
	DoubleFault
	CoprocessorSegmentOverrun
	InvalidTSS
	SegmentNotPresent
	StackSegmentFault
	GeneralProtection
	PageFault
	reservedVector15
	X87FloatingPointError
	AlignmentCheck
	MachineCheck
	SIMDFloatingPointException
	VirtualizationException
	ControlProtectionException
)

// MaxExceptionVector is the highest architectural exception vector.
const MaxExceptionVector = ControlProtectionException

var exceptionNames = [...]string{
	DivideError:                "#DE",
	DebugException:             "#DB",
	NMI:                        "NMI",
	Breakpoint:                 "#BP",
	Overflow:                   "#OF",
	BoundRangeExceeded:         "#BR",
	InvalidOpcode:              "#UD",
	DeviceNotAvailable:         "#NM",
	DoubleFault:                "#DF",
	CoprocessorSegmentOverrun:  "#MF(legacy)",
	InvalidTSS:                 "#TS",
	SegmentNotPresent:          "#NP",
	StackSegmentFault:          "#SS",
	GeneralProtection:          "#GP",
	PageFault:                  "#PF",
	reservedVector15:           "reserved",
	X87FloatingPointError:      "#MF",
	AlignmentCheck:             "#AC",
	MachineCheck:               "#MC",
	SIMDFloatingPointException: "#XM",
	VirtualizationException:    "#VE",
	ControlProtectionException: "#CP",
}

// IsException returns true iff v is an architectural exception vector.
func (v ExceptionVector) IsException() bool { return v <= MaxExceptionVector }

// RequiresErrorCode returns true iff the processor pushes an error code when
// delivering v.
func (v ExceptionVector) RequiresErrorCode() bool {
	switch v {
	case DoubleFault, InvalidTSS, SegmentNotPresent, StackSegmentFault,
		GeneralProtection, PageFault, AlignmentCheck:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (v ExceptionVector) String() string {
	if v.IsException() {
		return exceptionNames[v]
	}
	return fmt.Sprintf("vector(%d)", uint8(v))
}

// InterruptType is the VMX interruption type (SDM 24.8.3).
type InterruptType uint8

// Interruption types.
const (
	ExternalInterrupt InterruptType = iota
	reservedInterruptType
	NonMaskableInterrupt
	HardwareException
	SoftwareInterrupt
	PrivilegedSoftwareException
	SoftwareException
	OtherEvent
)

// String implements fmt.Stringer.
func (t InterruptType) String() string {
	switch t {
	case ExternalInterrupt:
		return "external"
	case NonMaskableInterrupt:
		return "nmi"
	case HardwareException:
		return "hardware-exception"
	case SoftwareInterrupt:
		return "software-interrupt"
	case PrivilegedSoftwareException:
		return "privileged-software-exception"
	case SoftwareException:
		return "software-exception"
	case OtherEvent:
		return "other"
	default:
		return fmt.Sprintf("InterruptType(%d)", uint8(t))
	}
}

// Interrupt is an interrupt delivered to, or injected into, a vCPU.
type Interrupt struct {
	Vector            ExceptionVector
	Type              InterruptType
	ErrorCode         uint32
	InstructionLength uint8
	Extra             uint64
}

// BreakpointInterrupt returns the #BP a one-byte int3 raises.
func BreakpointInterrupt() Interrupt {
	return Interrupt{
		Vector:            Breakpoint,
		Type:              SoftwareException,
		InstructionLength: 1,
	}
}

// PageFaultInterrupt returns a #PF for va with the given error code.
func PageFaultInterrupt(va uint64, errorCode uint32) Interrupt {
	return Interrupt{
		Vector:    PageFault,
		Type:      HardwareException,
		ErrorCode: errorCode,
		Extra:     va,
	}
}

// String implements fmt.Stringer.
func (i Interrupt) String() string {
	if i.Vector.RequiresErrorCode() {
		return fmt.Sprintf("%v/%v err=%#x", i.Vector, i.Type, i.ErrorCode)
	}
	return fmt.Sprintf("%v/%v", i.Vector, i.Type)
}

// InterruptVector implements arch.Interrupt.InterruptVector.
func (i Interrupt) InterruptVector() uint8 { return uint8(i.Vector) }
