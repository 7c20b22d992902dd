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

package vmi

import (
	"fmt"

	"vmi.dev/vmi/pkg/arch"
	"vmi.dev/vmi/pkg/guestarch"
)

// EventFlags qualify an event.
type EventFlags uint8

const (
	// EventFlagVcpuPaused means the vCPU stays paused until answered.
	EventFlagVcpuPaused EventFlags = 1 << iota
)

// Event is one hypervisor notification. It is only valid for the duration
// of the callback that receives it.
type Event struct {
	Vcpu  guestarch.VcpuID
	Flags EventFlags

	// View is the view the vCPU was running in, if HasView is set.
	View    guestarch.View
	HasView bool

	Registers arch.Registers
	Reason    arch.EventReason
}

// String implements fmt.Stringer.
func (e *Event) String() string {
	view := "-"
	if e.HasView {
		view = e.View.String()
	}
	return fmt.Sprintf("vcpu %d %v %s %+v", e.Vcpu, e.Reason.Kind(), view, e.Reason)
}

// ResponseFlags tell the driver how to resume the vCPU.
type ResponseFlags uint8

const (
	// ReinjectInterrupt re-delivers the interrupt that caused the event.
	ReinjectInterrupt ResponseFlags = 1 << iota

	// ToggleSinglestep toggles single-stepping.
	ToggleSinglestep

	// ToggleFastSinglestep toggles single-stepping in the view being
	// switched to, switching back after one instruction.
	ToggleFastSinglestep

	// Emulate emulates the trapping instruction instead of running it.
	Emulate
)

// EventResponse answers an event. The zero value resumes the vCPU
// unchanged.
type EventResponse struct {
	Flags ResponseFlags

	// View is switched to if SwitchView is set.
	View       guestarch.View
	SwitchView bool

	// Registers, if not nil, replace the general-purpose registers.
	Registers arch.GPRegisters
}

// Reinject returns r with ReinjectInterrupt set.
func (r EventResponse) Reinject() EventResponse {
	r.Flags |= ReinjectInterrupt
	return r
}

// Singlestep returns r with ToggleSinglestep set.
func (r EventResponse) Singlestep() EventResponse {
	r.Flags |= ToggleSinglestep
	return r
}

// FastSinglestep returns r with ToggleFastSinglestep set.
func (r EventResponse) FastSinglestep() EventResponse {
	r.Flags |= ToggleFastSinglestep
	return r
}

// Emulate returns r with Emulate set.
func (r EventResponse) Emulate() EventResponse {
	r.Flags |= Emulate
	return r
}

// WithView returns r switching to view.
func (r EventResponse) WithView(view guestarch.View) EventResponse {
	r.View, r.SwitchView = view, true
	return r
}

// WithRegisters returns r overwriting the general-purpose registers.
func (r EventResponse) WithRegisters(gp arch.GPRegisters) EventResponse {
	r.Registers = gp
	return r
}

// IsDefault returns true iff r resumes the vCPU unchanged.
func (r EventResponse) IsDefault() bool {
	return r.Flags == 0 && !r.SwitchView && r.Registers == nil
}
