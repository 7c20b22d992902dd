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

package guestarch

import "fmt"

// AddressContext is a virtual address together with the root of the page
// table hierarchy that translates it.
type AddressContext struct {
	Va   Va
	Root Pa
}

// String implements fmt.Stringer.
func (c AddressContext) String() string {
	return fmt.Sprintf("%v@%v", c.Va, c.Root)
}

// Mechanism selects how an AccessContext resolves to physical memory.
type Mechanism uint8

const (
	// MechanismDirect addresses guest physical memory.
	MechanismDirect Mechanism = iota

	// MechanismPaging translates the address through the guest page tables.
	MechanismPaging
)

// String implements fmt.Stringer.
func (m Mechanism) String() string {
	switch m {
	case MechanismDirect:
		return "direct"
	case MechanismPaging:
		return "paging"
	default:
		return fmt.Sprintf("Mechanism(%d)", uint8(m))
	}
}

// AccessContext describes one memory access at the driver boundary.
//
// For Paging accesses without a root, the current translation root of the
// vCPU whose state is at hand is used.
type AccessContext struct {
	Mechanism Mechanism
	Address   uint64
	Root      Pa
	HasRoot   bool
}

// Physical returns a context that reads pa directly.
func Physical(pa Pa) AccessContext {
	return AccessContext{Mechanism: MechanismDirect, Address: uint64(pa)}
}

// Paging returns a context that translates va through root.
func Paging(va Va, root Pa) AccessContext {
	return AccessContext{Mechanism: MechanismPaging, Address: uint64(va), Root: root, HasRoot: true}
}

// Virtual returns a context that translates va through the current root.
func Virtual(va Va) AccessContext {
	return AccessContext{Mechanism: MechanismPaging, Address: uint64(va)}
}

// FromAddressContext converts an AddressContext into a paging access.
func FromAddressContext(ctx AddressContext) AccessContext {
	return Paging(ctx.Va, ctx.Root)
}

// WithRoot returns c with the root set to root if it had none.
func (c AccessContext) WithRoot(root Pa) AccessContext {
	if c.Mechanism == MechanismPaging && !c.HasRoot {
		c.Root = root
		c.HasRoot = true
	}
	return c
}

// Add returns c advanced by n bytes.
func (c AccessContext) Add(n uint64) AccessContext {
	c.Address += n
	return c
}

// String implements fmt.Stringer.
func (c AccessContext) String() string {
	switch {
	case c.Mechanism == MechanismDirect:
		return fmt.Sprintf("pa:%#x", c.Address)
	case c.HasRoot:
		return fmt.Sprintf("va:%#x@%v", c.Address, c.Root)
	default:
		return fmt.Sprintf("va:%#x", c.Address)
	}
}
