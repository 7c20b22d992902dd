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

// Package ptm provides the architecture-neutral page-table monitor: it
// reports when watched virtual addresses page in or out by watching writes
// to the page-table entries along their translation path.
package ptm

import (
	"fmt"

	"vmi.dev/vmi/pkg/arch"
	"vmi.dev/vmi/pkg/arch/amd64"
	"vmi.dev/vmi/pkg/errors/vmierr"
	"vmi.dev/vmi/pkg/guestarch"
)

// Event reports a residency change of a monitored address.
type Event[T comparable] = arch.PageTableEvent[T]

// Monitor watches the translation of a set of addresses. Tags are opaque
// values handed back in events.
type Monitor[T comparable] interface {
	// Monitor starts watching ctx in view.
	Monitor(core arch.PageTableCore, ctx guestarch.AddressContext, view guestarch.View, tag T) error

	// Unmonitor stops watching ctx in view.
	Unmonitor(core arch.PageTableCore, ctx guestarch.AddressContext, view guestarch.View) (bool, error)

	// UnmonitorView stops watching every address in view.
	UnmonitorView(core arch.PageTableCore, view guestarch.View) error

	// UnmonitorAll stops watching everything.
	UnmonitorAll(core arch.PageTableCore) error

	// MarkDirtyEntry records a write by vcpu to pa in view and reports
	// whether it hit a watched entry.
	MarkDirtyEntry(pa guestarch.Pa, view guestarch.View, vcpu guestarch.VcpuID) bool

	// HasDirtyEntries reports whether vcpu has unprocessed writes.
	HasDirtyEntries(vcpu guestarch.VcpuID) bool

	// ProcessDirtyEntries re-walks the addresses affected by the writes of
	// vcpu and returns the resulting events.
	ProcessDirtyEntries(core arch.PageTableCore, vcpu guestarch.VcpuID) ([]Event[T], error)

	// MonitoredTag returns the tag of ctx in view.
	MonitoredTag(ctx guestarch.AddressContext, view guestarch.View) (T, bool)

	// IsResident returns the last known translation of ctx in view.
	IsResident(ctx guestarch.AddressContext, view guestarch.View) (pa guestarch.Pa, resident, ok bool)

	// IsWatchedPage reports whether gfn holds a watched entry in view.
	IsWatchedPage(gfn guestarch.Gfn, view guestarch.View) bool

	// Len returns the number of monitored addresses.
	Len() int
}

var _ Monitor[int] = (*amd64.PageTableMonitor[int])(nil)

// New returns a monitor for tables of architecture a.
func New[T comparable](a arch.Architecture) (Monitor[T], error) {
	if a == nil {
		return nil, fmt.Errorf("page-table monitor without architecture: %w", vmierr.ErrNotSupported)
	}
	switch a := a.(type) {
	case amd64.Amd64:
		return amd64.NewPageTableMonitor[T](a), nil
	default:
		return nil, fmt.Errorf("page-table monitor for %v: %w", a.Arch(), vmierr.ErrNotSupported)
	}
}
