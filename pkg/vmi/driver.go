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

// Package vmi is the driver-agnostic introspection core. It exposes typed
// access to guest memory on top of the page-table walker, the event loop
// that dispatches hypervisor events to a handler, and the prober that turns
// expected page faults into "value unavailable".
package vmi

import (
	"fmt"
	"sort"
	"time"

	"vmi.dev/vmi/pkg/arch"
	"vmi.dev/vmi/pkg/guestarch"
)

// Info describes the introspected guest.
type Info struct {
	PageSize  uint64
	PageShift uint
	MaxGfn    guestarch.Gfn
	VcpuCount uint16
}

// MappedPage is an immutable view of one guest frame. Readers of the same
// frame share one MappedPage; its memory is reclaimed once nothing refers to
// it.
type MappedPage struct {
	data []byte
}

// NewMappedPage wraps data. The caller must not modify data afterwards.
func NewMappedPage(data []byte) *MappedPage {
	return &MappedPage{data: data}
}

// Bytes returns the page contents. The returned slice must not be modified.
func (p *MappedPage) Bytes() []byte { return p.data }

// Len returns the size of the page.
func (p *MappedPage) Len() int { return len(p.data) }

// EventCallback answers one event.
type EventCallback func(event *Event) EventResponse

// Driver is the capability surface of a hypervisor or dump backend.
//
// Every fallible operation returns one of the vmierr sentinels, a
// *vmierr.PageFaultError, or an opaque backend error.
type Driver interface {
	// Info returns the guest geometry.
	Info() (Info, error)

	// Pause stops all vCPUs.
	Pause() error

	// Resume restarts all vCPUs.
	Resume() error

	// Registers returns the register state of vcpu.
	Registers(vcpu guestarch.VcpuID) (arch.Registers, error)

	// SetRegisters replaces the register state of vcpu.
	SetRegisters(vcpu guestarch.VcpuID, regs arch.Registers) error

	// MemoryAccess returns the permissions of gfn in view.
	MemoryAccess(gfn guestarch.Gfn, view guestarch.View) (guestarch.MemoryAccess, error)

	// SetMemoryAccess sets the permissions of gfn in view.
	SetMemoryAccess(gfn guestarch.Gfn, view guestarch.View, access guestarch.MemoryAccess) error

	// ReadPage maps gfn.
	ReadPage(gfn guestarch.Gfn) (*MappedPage, error)

	// WritePage writes content at offset within gfn and returns the page
	// as it is after the write.
	WritePage(gfn guestarch.Gfn, offset uint64, content []byte) (*MappedPage, error)

	// AllocateGfn backs gfn with memory.
	AllocateGfn(gfn guestarch.Gfn) error

	// AllocateNextAvailableGfn backs the next unused frame and returns it.
	AllocateNextAvailableGfn() (guestarch.Gfn, error)

	// FreeGfn releases a frame obtained from an allocation call.
	FreeGfn(gfn guestarch.Gfn) error

	// DefaultView returns the view vCPUs run in unless switched.
	DefaultView() guestarch.View

	// CreateView creates a view granting defaultAccess on every frame.
	CreateView(defaultAccess guestarch.MemoryAccess) (guestarch.View, error)

	// DestroyView destroys view.
	DestroyView(view guestarch.View) error

	// SwitchToView switches every vCPU to view.
	SwitchToView(view guestarch.View) error

	// ChangeViewGfn makes oldGfn in view show the contents of newGfn.
	ChangeViewGfn(view guestarch.View, oldGfn, newGfn guestarch.Gfn) error

	// ResetViewGfn undoes ChangeViewGfn for gfn.
	ResetViewGfn(view guestarch.View, gfn guestarch.Gfn) error

	// MonitorEnable starts delivering the events of option.
	MonitorEnable(option arch.EventMonitor) error

	// MonitorDisable stops delivering the events of option.
	MonitorDisable(option arch.EventMonitor) error

	// InjectInterrupt queues interrupt for delivery to vcpu.
	InjectInterrupt(vcpu guestarch.VcpuID, interrupt arch.Interrupt) error

	// EventsPending returns the number of queued events.
	EventsPending() int

	// EventProcessingOverhead returns the time the backend spends per
	// event outside the callback.
	EventProcessingOverhead() time.Duration

	// WaitForEvent waits up to timeout for one event and answers it with
	// callback. It returns vmierr.ErrTimeout if nothing arrived and
	// vmierr.ErrInterrupted if the wait was interrupted. A zero timeout
	// polls.
	WaitForEvent(timeout time.Duration, callback EventCallback) error

	// ResetState disables every monitor and restores every view.
	ResetState() error
}

// DriverOpts are the options of a driver constructor.
type DriverOpts struct {
	// Path is the backend-specific location of the guest: a dump file, a
	// domain name, and so on.
	Path string

	// RegistersPath optionally names a register snapshot file.
	RegistersPath string

	// Vcpus is the number of vCPUs to expose, for backends that cannot
	// discover it.
	Vcpus int
}

// Constructor creates a Driver.
type Constructor interface {
	// New creates a new driver instance.
	New(opts DriverOpts) (Driver, error)
}

// ConstructorFunc adapts a function to Constructor.
type ConstructorFunc func(opts DriverOpts) (Driver, error)

// New implements Constructor.New.
func (f ConstructorFunc) New(opts DriverOpts) (Driver, error) { return f(opts) }

var drivers = map[string]Constructor{}

// RegisterDriver registers a new driver backend.
//
// This should be called by driver packages in their init functions.
// Registering a name twice panics.
func RegisterDriver(name string, c Constructor) {
	if _, ok := drivers[name]; ok {
		panic(fmt.Sprintf("duplicate driver registration for %q", name))
	}
	drivers[name] = c
}

// LookupDriver returns the driver registered as name.
func LookupDriver(name string) (Constructor, error) {
	c, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown driver %q, available drivers: %v", name, Drivers())
	}
	return c, nil
}

// Drivers returns the names of all registered drivers, sorted.
func Drivers() []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
