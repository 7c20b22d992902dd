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

// Package bpm keeps breakpoints on virtual addresses armed across paging.
//
// A breakpoint on an address that is not resident is kept pending while
// the page-table monitor watches its translation. It is planted when the
// address pages in, and goes back to pending when it pages out.
package bpm

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"vmi.dev/vmi/pkg/arch"
	"vmi.dev/vmi/pkg/guestarch"
	"vmi.dev/vmi/pkg/interceptor"
	"vmi.dev/vmi/pkg/log"
	"vmi.dev/vmi/pkg/ptm"
	"vmi.dev/vmi/pkg/vmi"
)

// Core is what the manager needs from vmi.Core.
type Core interface {
	interceptor.Core
	arch.PageTableCore
}

var _ Core = (*vmi.Core)(nil)

// Key identifies a breakpoint. It is the tag of the page-table events the
// manager consumes.
type Key struct {
	Ctx  guestarch.AddressContext
	View guestarch.View
}

// location is a planted breakpoint.
type location struct {
	view guestarch.View
	pa   guestarch.Pa
}

type breakpoint[T comparable] struct {
	tag   T
	armed bool
	pa    guestarch.Pa
}

// Manager arms breakpoints on virtual addresses. Tags are opaque values
// returned by Lookup. It is safe for concurrent use.
type Manager[T comparable] struct {
	ic  *interceptor.Interceptor
	ptm ptm.Monitor[Key]

	mu          sync.Mutex
	breakpoints map[Key]*breakpoint[T]
	locations   map[location]map[Key]struct{}
}

// New returns a manager planting breakpoints through ic in guests of
// architecture a.
func New[T comparable](a arch.Architecture, ic *interceptor.Interceptor) (*Manager[T], error) {
	m, err := ptm.New[Key](a)
	if err != nil {
		return nil, err
	}
	return &Manager[T]{
		ic:          ic,
		ptm:         m,
		breakpoints: make(map[Key]*breakpoint[T]),
		locations:   make(map[location]map[Key]struct{}),
	}, nil
}

// Insert sets a breakpoint on ctx in view. It is planted right away if the
// address is resident and kept pending otherwise. Inserting again replaces
// the tag.
func (m *Manager[T]) Insert(core Core, ctx guestarch.AddressContext, view guestarch.View, tag T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := Key{Ctx: ctx, View: view}
	if bp, ok := m.breakpoints[k]; ok {
		bp.tag = tag
		return nil
	}
	if err := m.ptm.Monitor(core, ctx, view, k); err != nil {
		return fmt.Errorf("monitoring %v: %w", ctx, err)
	}
	bp := &breakpoint[T]{tag: tag}
	m.breakpoints[k] = bp
	if pa, resident, _ := m.ptm.IsResident(ctx, view); resident {
		if err := m.arm(core, k, bp, pa); err != nil {
			delete(m.breakpoints, k)
			if _, uerr := m.ptm.Unmonitor(core, ctx, view); uerr != nil {
				log.Warningf("bpm: unmonitoring %v after failed insertion: %v", ctx, uerr)
			}
			return err
		}
	}
	log.Debugf("bpm: breakpoint on %v in %v, armed %t", ctx, view, bp.armed)
	return nil
}

// arm plants bp at pa. Precondition: m.mu is held.
func (m *Manager[T]) arm(core Core, k Key, bp *breakpoint[T], pa guestarch.Pa) error {
	if _, err := m.ic.InsertBreakpoint(core, pa, k.View); err != nil {
		return fmt.Errorf("planting breakpoint for %v at %v: %w", k.Ctx, pa, err)
	}
	bp.armed, bp.pa = true, pa
	loc := location{view: k.View, pa: pa}
	if m.locations[loc] == nil {
		m.locations[loc] = make(map[Key]struct{})
	}
	m.locations[loc][k] = struct{}{}
	return nil
}

// disarm removes bp from guest memory, leaving it pending. Precondition:
// m.mu is held.
func (m *Manager[T]) disarm(core Core, k Key, bp *breakpoint[T]) error {
	if !bp.armed {
		return nil
	}
	loc := location{view: k.View, pa: bp.pa}
	delete(m.locations[loc], k)
	if len(m.locations[loc]) == 0 {
		delete(m.locations, loc)
	}
	bp.armed = false
	if _, err := m.ic.RemoveBreakpoint(core, bp.pa, k.View); err != nil {
		return fmt.Errorf("removing breakpoint for %v at %v: %w", k.Ctx, bp.pa, err)
	}
	return nil
}

// Remove deletes the breakpoint on ctx in view. It returns false if there
// was none.
func (m *Manager[T]) Remove(core Core, ctx guestarch.AddressContext, view guestarch.View) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := Key{Ctx: ctx, View: view}
	bp, ok := m.breakpoints[k]
	if !ok {
		return false, nil
	}
	delete(m.breakpoints, k)
	if err := m.disarm(core, k, bp); err != nil {
		return true, err
	}
	if _, err := m.ptm.Unmonitor(core, ctx, view); err != nil {
		return true, fmt.Errorf("unmonitoring %v: %w", ctx, err)
	}
	return true, nil
}

// ClearView deletes every breakpoint of view.
func (m *Manager[T]) ClearView(core Core, view guestarch.View) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, bp := range m.breakpoints {
		if k.View != view {
			continue
		}
		if err := m.disarm(core, k, bp); err != nil {
			return err
		}
		delete(m.breakpoints, k)
	}
	return m.ptm.UnmonitorView(core, view)
}

// MarkDirtyEntry records a write by vcpu to pa in view, as reported by a
// memory access event. It returns false if pa holds no watched entry.
func (m *Manager[T]) MarkDirtyEntry(pa guestarch.Pa, view guestarch.View, vcpu guestarch.VcpuID) bool {
	return m.ptm.MarkDirtyEntry(pa, view, vcpu)
}

// IsWatchedPage returns true iff gfn holds entries watched in view.
func (m *Manager[T]) IsWatchedPage(gfn guestarch.Gfn, view guestarch.View) bool {
	return m.ptm.IsWatchedPage(gfn, view)
}

// ProcessDirtyEntries applies the page-table writes of vcpu: breakpoints
// whose address paged in are planted, those that paged out go back to
// pending. Events reported before a monitor error are still applied.
func (m *Manager[T]) ProcessDirtyEntries(core Core, vcpu guestarch.VcpuID) error {
	events, err := m.ptm.ProcessDirtyEntries(core, vcpu)
	return errors.Join(err, m.HandlePageTableEvents(core, events))
}

// HandlePageTableEvents applies residency changes to the breakpoints they
// concern.
func (m *Manager[T]) HandlePageTableEvents(core Core, events []ptm.Event[Key]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range events {
		bp, ok := m.breakpoints[e.Tag]
		if !ok {
			continue
		}
		switch e.Kind {
		case arch.PageIn:
			if bp.armed && bp.pa == e.Pa {
				continue
			}
			if err := m.disarm(core, e.Tag, bp); err != nil {
				return err
			}
			if err := m.arm(core, e.Tag, bp, e.Pa); err != nil {
				return err
			}
			log.Debugf("bpm: %v paged in at %v, breakpoint armed", e.Ctx, e.Pa)
		case arch.PageOut:
			if err := m.disarm(core, e.Tag, bp); err != nil {
				return err
			}
			log.Debugf("bpm: %v paged out, breakpoint pending", e.Ctx)
		}
	}
	return nil
}

// IsPending returns true iff the breakpoint on ctx in view exists and is
// not planted.
func (m *Manager[T]) IsPending(ctx guestarch.AddressContext, view guestarch.View) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	bp, ok := m.breakpoints[Key{Ctx: ctx, View: view}]
	return ok && !bp.armed
}

// Lookup returns the tags of the breakpoints hit by event, ordered by
// address context. It returns nil if event is not one of our
// breakpoints.
func (m *Manager[T]) Lookup(event *vmi.Event) []T {
	ie, ok := event.Reason.(arch.InterruptEvent)
	if !ok {
		return nil
	}
	view := guestarch.DefaultView
	if event.HasView {
		view = event.View
	}
	a := event.Registers.Arch()
	pa := a.PaFromGfn(ie.Frame()) + guestarch.Pa(a.VaOffset(guestarch.Va(event.Registers.InstructionPointer())))

	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]Key, 0, len(m.locations[location{view: view, pa: pa}]))
	for k := range m.locations[location{view: view, pa: pa}] {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Ctx.Root != keys[j].Ctx.Root {
			return keys[i].Ctx.Root < keys[j].Ctx.Root
		}
		return keys[i].Ctx.Va < keys[j].Ctx.Va
	})
	var tags []T
	for _, k := range keys {
		tags = append(tags, m.breakpoints[k].tag)
	}
	return tags
}

// Len returns the number of breakpoints, armed or pending.
func (m *Manager[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.breakpoints)
}
