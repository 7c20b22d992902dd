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

// MemoryAccess is the set of permissions a view grants on a guest frame.
type MemoryAccess uint8

// Permission bits.
const (
	NoAccess MemoryAccess = 0
	Read     MemoryAccess = 1 << 0
	Write    MemoryAccess = 1 << 1
	Execute  MemoryAccess = 1 << 2

	ReadWrite        = Read | Write
	ReadExecute      = Read | Execute
	WriteExecute     = Write | Execute
	ReadWriteExecute = Read | Write | Execute
)

// CanRead returns true iff the read bit is set.
func (a MemoryAccess) CanRead() bool { return a&Read != 0 }

// CanWrite returns true iff the write bit is set.
func (a MemoryAccess) CanWrite() bool { return a&Write != 0 }

// CanExecute returns true iff the execute bit is set.
func (a MemoryAccess) CanExecute() bool { return a&Execute != 0 }

// Any returns true if any permission is set.
func (a MemoryAccess) Any() bool { return a&ReadWriteExecute != 0 }

// Intersect returns the permissions present in both a and other.
func (a MemoryAccess) Intersect(other MemoryAccess) MemoryAccess { return a & other }

// Union returns the permissions present in either a or other.
func (a MemoryAccess) Union(other MemoryAccess) MemoryAccess { return a | other }

// Without returns a with the permissions in other cleared.
func (a MemoryAccess) Without(other MemoryAccess) MemoryAccess { return a &^ other }

// String returns a pretty representation of access. This looks like the
// familiar r-x, rw-, etc. and can be relied on as such.
func (a MemoryAccess) String() string {
	bits := [3]byte{'-', '-', '-'}
	if a.CanRead() {
		bits[0] = 'r'
	}
	if a.CanWrite() {
		bits[1] = 'w'
	}
	if a.CanExecute() {
		bits[2] = 'x'
	}
	return string(bits[:])
}
