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

import (
	"fmt"
	"strings"
)

// PageFault identifies an address whose translation failed, together with
// the translation root used.
type PageFault struct {
	Va   Va
	Root Pa
}

// String implements fmt.Stringer.
func (f PageFault) String() string {
	return fmt.Sprintf("%v@%v", f.Va, f.Root)
}

// AddressContext returns the context that faulted.
func (f PageFault) AddressContext() AddressContext {
	return AddressContext{Va: f.Va, Root: f.Root}
}

// PageFaults is a small insertion-ordered set of page faults. The zero value
// is an empty set.
//
// Reads that span several pages can fault on more than one of them, but
// rarely on more than a handful, so membership is a linear scan.
type PageFaults struct {
	faults []PageFault
}

// NewPageFaults returns a set holding fs, without duplicates.
func NewPageFaults(fs ...PageFault) PageFaults {
	var p PageFaults
	for _, f := range fs {
		p.Add(f)
	}
	return p
}

// Add inserts f. It returns false if f was already present.
func (p *PageFaults) Add(f PageFault) bool {
	if p.Contains(f) {
		return false
	}
	p.faults = append(p.faults, f)
	return true
}

// Merge adds every fault in other.
func (p *PageFaults) Merge(other PageFaults) {
	for _, f := range other.faults {
		p.Add(f)
	}
}

// Contains returns true iff f is in the set.
func (p PageFaults) Contains(f PageFault) bool {
	for _, g := range p.faults {
		if g == f {
			return true
		}
	}
	return false
}

// Len returns the number of faults.
func (p PageFaults) Len() int { return len(p.faults) }

// IsEmpty returns true iff the set is empty.
func (p PageFaults) IsEmpty() bool { return len(p.faults) == 0 }

// Slice returns a copy of the faults in insertion order.
func (p PageFaults) Slice() []PageFault {
	return append([]PageFault(nil), p.faults...)
}

// Difference returns the faults in p that are not in other, preserving
// order.
func (p PageFaults) Difference(other PageFaults) PageFaults {
	var out PageFaults
	for _, f := range p.faults {
		if !other.Contains(f) {
			out.faults = append(out.faults, f)
		}
	}
	return out
}

// String implements fmt.Stringer.
func (p PageFaults) String() string {
	parts := make([]string, len(p.faults))
	for i, f := range p.faults {
		parts[i] = f.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}
