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

// PageTableEventKind tells whether a monitored address became resident or
// stopped being resident.
type PageTableEventKind uint8

const (
	// PageIn means the address now translates.
	PageIn PageTableEventKind = iota

	// PageOut means the address no longer translates.
	PageOut
)

// String implements fmt.Stringer.
func (k PageTableEventKind) String() string {
	switch k {
	case PageIn:
		return "page-in"
	case PageOut:
		return "page-out"
	default:
		return fmt.Sprintf("PageTableEventKind(%d)", uint8(k))
	}
}

// PageTableEvent reports a residency change of a monitored address. Pa is
// only valid for PageIn.
type PageTableEvent[T comparable] struct {
	Kind PageTableEventKind
	Ctx  guestarch.AddressContext
	View guestarch.View
	Pa   guestarch.Pa
	Tag  T
}

// String implements fmt.Stringer.
func (e PageTableEvent[T]) String() string {
	if e.Kind == PageIn {
		return fmt.Sprintf("%v %v -> %v (%v, tag %v)", e.Kind, e.Ctx, e.Pa, e.View, e.Tag)
	}
	return fmt.Sprintf("%v %v (%v, tag %v)", e.Kind, e.Ctx, e.View, e.Tag)
}
