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
	"vmi.dev/vmi/pkg/arch"
	"vmi.dev/vmi/pkg/guestarch"
	"vmi.dev/vmi/pkg/log"
)

// Session pairs a core with an optional OS walker.
type Session struct {
	core *Core
	os   OS
}

// NewSession returns a session over core. os may be nil.
func NewSession(core *Core, os OS) *Session {
	return &Session{core: core, os: os}
}

// Core returns the core of the session.
func (s *Session) Core() *Core { return s.core }

// OS returns the OS walker of the session, or nil.
func (s *Session) OS() OS { return s.os }

// State returns the state of s as seen through regs. Virtual accesses walk
// the page tables in the paging mode of regs.
func (s *Session) State(regs arch.Registers) *State {
	return s.stateFor(regs, nil)
}

// stateFor is State for event handling. Registers of a foreign architecture
// fall back to the core's own.
func (s *Session) stateFor(regs arch.Registers, event *Event) *State {
	st, err := s.newState(regs, event)
	if err != nil {
		log.Warningf("state: %v; translating with the core architecture", err)
		st = &State{session: s, core: s.core, regs: regs, event: event}
	}
	return st
}

// VcpuState returns the state of s as seen by vcpu.
func (s *Session) VcpuState(vcpu guestarch.VcpuID) (*State, error) {
	regs, err := s.core.Registers(vcpu)
	if err != nil {
		return nil, err
	}
	return s.newState(regs, nil)
}

func (s *Session) newState(regs arch.Registers, event *Event) (*State, error) {
	core, err := s.core.WithArchitecture(regs.Arch())
	if err != nil {
		return nil, err
	}
	return &State{session: s, core: core, regs: regs, event: event}, nil
}

// State is a session viewed through one register snapshot. Reads taking a
// bare virtual address are translated through the snapshot's root.
type State struct {
	session *Session
	core    *Core
	regs    arch.Registers
	event   *Event
}

// Session returns the session of s.
func (s *State) Session() *Session { return s.session }

// Core returns the core of s. It shares the driver and caches of the
// session core and walks page tables in the paging mode of the registers.
func (s *State) Core() *Core { return s.core }

// Registers returns the register snapshot of s.
func (s *State) Registers() arch.Registers { return s.regs }

// Event returns the event being handled, or nil outside the event loop.
func (s *State) Event() *Event { return s.event }

// AccessContext returns a paging access of va through the current root.
func (s *State) AccessContext(va guestarch.Va) guestarch.AccessContext {
	return s.regs.AccessContext(va)
}

// Resolve fills in the current root of a paging context that has none.
func (s *State) Resolve(ctx guestarch.AccessContext) guestarch.AccessContext {
	if ctx.Mechanism == guestarch.MechanismPaging && !ctx.HasRoot {
		return ctx.WithRoot(s.regs.TranslationRoot(guestarch.Va(ctx.Address)))
	}
	return ctx
}

// Translate translates va through the current root.
func (s *State) Translate(va guestarch.Va) (guestarch.Pa, error) {
	return s.Core().TranslateAddress(s.regs.AddressContext(va))
}

// Read fills buf from va.
func (s *State) Read(va guestarch.Va, buf []byte) error {
	return s.Core().Read(s.AccessContext(va), buf)
}

// ReadU8 reads a byte at va.
func (s *State) ReadU8(va guestarch.Va) (uint8, error) {
	return s.Core().ReadU8(s.AccessContext(va))
}

// ReadU16 reads a 16-bit value at va.
func (s *State) ReadU16(va guestarch.Va) (uint16, error) {
	return s.Core().ReadU16(s.AccessContext(va))
}

// ReadU32 reads a 32-bit value at va.
func (s *State) ReadU32(va guestarch.Va) (uint32, error) {
	return s.Core().ReadU32(s.AccessContext(va))
}

// ReadU64 reads a 64-bit value at va.
func (s *State) ReadU64(va guestarch.Va) (uint64, error) {
	return s.Core().ReadU64(s.AccessContext(va))
}

// ReadVa reads a pointer of the native width at va.
func (s *State) ReadVa(va guestarch.Va) (guestarch.Va, error) {
	return s.Core().ReadVa(s.AccessContext(va), s.regs.AddressWidth())
}

// ReadVaEffective reads a pointer of the width of the running code at va.
func (s *State) ReadVaEffective(va guestarch.Va) (guestarch.Va, error) {
	return s.Core().ReadVa(s.AccessContext(va), s.regs.EffectiveAddressWidth())
}

// ReadString reads a NUL-terminated string of at most limit bytes at va.
func (s *State) ReadString(va guestarch.Va, limit int) (string, error) {
	return s.Core().ReadString(s.AccessContext(va), limit)
}

// ReadWString reads a NUL-terminated UTF-16LE string of at most limit bytes
// at va.
func (s *State) ReadWString(va guestarch.Va, limit int) (string, error) {
	return s.Core().ReadWString(s.AccessContext(va), limit)
}

// ReadStruct fills v from va.
func (s *State) ReadStruct(va guestarch.Va, v any) error {
	return s.Core().ReadStruct(s.AccessContext(va), v)
}

// Write writes data at va.
func (s *State) Write(va guestarch.Va, data []byte) error {
	return s.Core().Write(s.AccessContext(va), data)
}

// WriteU64 writes a 64-bit value at va.
func (s *State) WriteU64(va guestarch.Va, v uint64) error {
	return s.Core().WriteU64(s.AccessContext(va), v)
}

// WriteVa writes a pointer of the native width at va.
func (s *State) WriteVa(va guestarch.Va, v guestarch.Va) error {
	return s.Core().WriteAddress(s.AccessContext(va), s.regs.AddressWidth(), uint64(v))
}
