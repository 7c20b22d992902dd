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

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"vmi.dev/vmi/pkg/arch"
	"vmi.dev/vmi/pkg/cleanup"
	"vmi.dev/vmi/pkg/errors/vmierr"
	"vmi.dev/vmi/pkg/guestarch"
	"vmi.dev/vmi/pkg/log"
)

// monitorKey identifies one monitored address.
type monitorKey struct {
	ctx  guestarch.AddressContext
	view guestarch.View
}

// entryKey identifies one watched page-table entry.
type entryKey struct {
	view guestarch.View
	pa   guestarch.Pa
}

// pageKey identifies one write-protected page-table page.
type pageKey struct {
	view guestarch.View
	gfn  guestarch.Gfn
}

type monitoredAddress[T comparable] struct {
	// seq orders addresses by registration, so that events come out in a
	// stable order.
	seq      uint64
	tag      T
	resident bool
	pa       guestarch.Pa

	// entries are the entry addresses along the current walk.
	entries []guestarch.Pa
}

type watchedPage struct {
	refs     int
	original guestarch.MemoryAccess
}

// PageTableMonitor watches the page-table entries along the translation
// path of a set of addresses and reports when an address pages in or out.
//
// Every page holding a watched entry is write-protected in the monitored
// view. The caller feeds the resulting memory-access events to
// MarkDirtyEntry and, once the write has retired (typically on the next
// single-step event of that vCPU), calls ProcessDirtyEntries.
//
// Large pages are only watched down to their leaf entry.
type PageTableMonitor[T comparable] struct {
	arch Amd64

	mu        sync.Mutex
	nextSeq   uint64
	monitored map[monitorKey]*monitoredAddress[T]
	entries   map[entryKey]map[monitorKey]struct{}
	pages     map[pageKey]*watchedPage
	dirty     map[guestarch.VcpuID]map[entryKey]struct{}

	// stale holds addresses whose tables vcpu wrote but that have not been
	// re-walked yet.
	stale map[guestarch.VcpuID]map[monitorKey]struct{}
}

// NewPageTableMonitor returns an empty monitor for tables of a's paging
// mode.
func NewPageTableMonitor[T comparable](a Amd64) *PageTableMonitor[T] {
	return &PageTableMonitor[T]{
		arch:      a,
		monitored: make(map[monitorKey]*monitoredAddress[T]),
		entries:   make(map[entryKey]map[monitorKey]struct{}),
		pages:     make(map[pageKey]*watchedPage),
		dirty:     make(map[guestarch.VcpuID]map[entryKey]struct{}),
		stale:     make(map[guestarch.VcpuID]map[monitorKey]struct{}),
	}
}

// Monitor starts watching ctx in view. Monitoring an address twice
// replaces its tag.
func (m *PageTableMonitor[T]) Monitor(core arch.PageTableCore, ctx guestarch.AddressContext, view guestarch.View, tag T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := monitorKey{ctx: ctx, view: view}
	if ma, ok := m.monitored[key]; ok {
		ma.tag = tag
		return nil
	}

	t, err := m.walk(core, ctx)
	if err != nil {
		return err
	}

	ma := &monitoredAddress[T]{seq: m.nextSeq, tag: tag, resident: t.HasPa, pa: t.Pa}
	cu := cleanup.Cleanup{}
	defer cu.Clean()
	for _, e := range t.Entries {
		if err := m.watch(core, view, e.EntryAddress, key); err != nil {
			return err
		}
		pa := e.EntryAddress
		cu.AddErr(func() error { return m.unwatch(core, view, pa, key) })
		ma.entries = append(ma.entries, pa)
	}
	cu.Release()

	m.nextSeq++
	m.monitored[key] = ma
	log.Debugf("ptm: monitoring %v in %v (%d entries, resident %t)", ctx, view, len(ma.entries), ma.resident)
	return nil
}

// Unmonitor stops watching ctx in view. It returns false if the address
// was not monitored.
func (m *PageTableMonitor[T]) Unmonitor(core arch.PageTableCore, ctx guestarch.AddressContext, view guestarch.View) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unmonitorLocked(core, monitorKey{ctx: ctx, view: view})
}

// UnmonitorView stops watching every address in view.
func (m *PageTableMonitor[T]) UnmonitorView(core arch.PageTableCore, view guestarch.View) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, key := range m.sortedKeysLocked() {
		if key.view != view {
			continue
		}
		if _, err := m.unmonitorLocked(core, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UnmonitorAll stops watching everything.
func (m *PageTableMonitor[T]) UnmonitorAll(core arch.PageTableCore) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, key := range m.sortedKeysLocked() {
		if _, err := m.unmonitorLocked(core, key); err != nil {
			errs = append(errs, err)
		}
	}
	clear(m.dirty)
	clear(m.stale)
	return errors.Join(errs...)
}

// MonitoredTag returns the tag ctx is monitored with in view.
func (m *PageTableMonitor[T]) MonitoredTag(ctx guestarch.AddressContext, view guestarch.View) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ma, ok := m.monitored[monitorKey{ctx: ctx, view: view}]
	if !ok {
		var zero T
		return zero, false
	}
	return ma.tag, true
}

// IsResident returns whether ctx translated the last time its tables were
// walked. ok is false if ctx is not monitored in view.
func (m *PageTableMonitor[T]) IsResident(ctx guestarch.AddressContext, view guestarch.View) (pa guestarch.Pa, resident, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ma, ok := m.monitored[monitorKey{ctx: ctx, view: view}]
	if !ok {
		return 0, false, false
	}
	return ma.pa, ma.resident, true
}

// Len returns the number of monitored addresses.
func (m *PageTableMonitor[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.monitored)
}

// IsWatchedPage returns true iff gfn holds a watched entry in view.
func (m *PageTableMonitor[T]) IsWatchedPage(gfn guestarch.Gfn, view guestarch.View) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pages[pageKey{view: view, gfn: gfn}]
	return ok
}

// MarkDirtyEntry records that vcpu wrote pa in view. It returns true iff
// pa falls within a watched entry; writes elsewhere on a protected page are
// ignored.
func (m *PageTableMonitor[T]) MarkDirtyEntry(pa guestarch.Pa, view guestarch.View, vcpu guestarch.VcpuID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	size := uint64(m.entrySize())
	key := entryKey{view: view, pa: guestarch.Pa(uint64(pa) &^ (size - 1))}
	if _, ok := m.entries[key]; !ok {
		return false
	}
	d, ok := m.dirty[vcpu]
	if !ok {
		d = make(map[entryKey]struct{})
		m.dirty[vcpu] = d
	}
	d[key] = struct{}{}
	return true
}

// HasDirtyEntries returns true iff vcpu has unprocessed writes.
func (m *PageTableMonitor[T]) HasDirtyEntries(vcpu guestarch.VcpuID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dirty[vcpu]) > 0 || len(m.stale[vcpu]) > 0
}

// ProcessDirtyEntries re-walks every address depending on an entry vcpu
// wrote and reports residency changes. A remapped address, resident before
// and after at different frames, yields a PageOut followed by a PageIn.
//
// On error the events of the addresses processed so far are returned with
// it; the remaining addresses stay queued for the next call.
func (m *PageTableMonitor[T]) ProcessDirtyEntries(core arch.PageTableCore, vcpu guestarch.VcpuID) ([]arch.PageTableEvent[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stale := m.stale[vcpu]
	for e := range m.dirty[vcpu] {
		for key := range m.entries[e] {
			if _, ok := m.monitored[key]; !ok {
				continue
			}
			if stale == nil {
				stale = make(map[monitorKey]struct{})
				m.stale[vcpu] = stale
			}
			stale[key] = struct{}{}
		}
	}
	delete(m.dirty, vcpu)
	if len(stale) == 0 {
		delete(m.stale, vcpu)
		return nil, nil
	}

	keys := make([]monitorKey, 0, len(stale))
	for key := range stale {
		keys = append(keys, key)
	}
	m.sortKeysLocked(keys)

	var events []arch.PageTableEvent[T]
	for _, key := range keys {
		ma := m.monitored[key]
		t, err := m.walk(core, key.ctx)
		if err != nil {
			return events, fmt.Errorf("re-walking %v: %w", key.ctx, err)
		}
		if err := m.rewatch(core, key, ma, t); err != nil {
			return events, err
		}

		base := arch.PageTableEvent[T]{Ctx: key.ctx, View: key.view, Tag: ma.tag}
		switch {
		case ma.resident && (!t.HasPa || t.Pa != ma.pa):
			out := base
			out.Kind = arch.PageOut
			events = append(events, out)
			if t.HasPa {
				in := base
				in.Kind, in.Pa = arch.PageIn, t.Pa
				events = append(events, in)
			}
		case !ma.resident && t.HasPa:
			in := base
			in.Kind, in.Pa = arch.PageIn, t.Pa
			events = append(events, in)
		}
		ma.resident, ma.pa = t.HasPa, t.Pa
		delete(stale, key)
	}
	delete(m.stale, vcpu)
	for _, e := range events {
		log.Debugf("ptm: vcpu %d: %v", vcpu, e)
	}
	return events, nil
}

// walk translates ctx. Page faults are not errors here: the partial walk
// says which entries to watch.
func (m *PageTableMonitor[T]) walk(core arch.PageTableCore, ctx guestarch.AddressContext) (VaTranslation, error) {
	t, err := m.arch.Translation(core, ctx.Va, ctx.Root)
	if err != nil && !vmierr.IsNotResident(err) {
		return t, err
	}
	return t, nil
}

// rewatch moves the watches of ma to the entries of t. New entries are
// watched before old ones are dropped, so a page shared by both paths
// stays protected throughout.
func (m *PageTableMonitor[T]) rewatch(core arch.PageTableCore, key monitorKey, ma *monitoredAddress[T], t VaTranslation) error {
	next := make([]guestarch.Pa, 0, len(t.Entries))
	for _, e := range t.Entries {
		next = append(next, e.EntryAddress)
	}
	for _, pa := range next {
		if !containsPa(ma.entries, pa) {
			if err := m.watch(core, key.view, pa, key); err != nil {
				return err
			}
		}
	}
	var errs []error
	for _, pa := range ma.entries {
		if containsPa(next, pa) {
			continue
		}
		if err := m.unwatch(core, key.view, pa, key); err != nil {
			// Still watched; the next rewatch or unmonitor retries it.
			next = append(next, pa)
			errs = append(errs, err)
		}
	}
	ma.entries = next
	return errors.Join(errs...)
}

func (m *PageTableMonitor[T]) unmonitorLocked(core arch.PageTableCore, key monitorKey) (bool, error) {
	ma, ok := m.monitored[key]
	if !ok {
		return false, nil
	}
	delete(m.monitored, key)
	for _, stale := range m.stale {
		delete(stale, key)
	}
	var errs []error
	for _, pa := range ma.entries {
		if err := m.unwatch(core, key.view, pa, key); err != nil {
			errs = append(errs, err)
		}
	}
	log.Debugf("ptm: stopped monitoring %v in %v", key.ctx, key.view)
	return true, errors.Join(errs...)
}

// watch records that key depends on the entry at pa, write-protecting its
// page on first use.
func (m *PageTableMonitor[T]) watch(core arch.PageTableCore, view guestarch.View, pa guestarch.Pa, key monitorKey) error {
	ek := entryKey{view: view, pa: pa}
	if deps, ok := m.entries[ek]; ok {
		deps[key] = struct{}{}
		return nil
	}

	pk := pageKey{view: view, gfn: pa.Gfn(PageShift)}
	page, ok := m.pages[pk]
	if !ok {
		original, err := core.MemoryAccess(pk.gfn, view)
		if err != nil {
			return fmt.Errorf("reading access of page table %v in %v: %w", pk.gfn, view, err)
		}
		if err := core.SetMemoryAccess(pk.gfn, view, original.Without(guestarch.Write)); err != nil {
			return fmt.Errorf("write-protecting page table %v in %v: %w", pk.gfn, view, err)
		}
		page = &watchedPage{original: original}
		m.pages[pk] = page
	}
	page.refs++
	m.entries[ek] = map[monitorKey]struct{}{key: {}}
	return nil
}

// unwatch drops the dependency of key on the entry at pa, restoring the
// page's original access once nothing on it is watched. On error nothing
// changes.
func (m *PageTableMonitor[T]) unwatch(core arch.PageTableCore, view guestarch.View, pa guestarch.Pa, key monitorKey) error {
	ek := entryKey{view: view, pa: pa}
	deps, ok := m.entries[ek]
	if !ok {
		return nil
	}
	if _, ok := deps[key]; !ok || len(deps) > 1 {
		delete(deps, key)
		return nil
	}

	pk := pageKey{view: view, gfn: pa.Gfn(PageShift)}
	if page, ok := m.pages[pk]; ok {
		if page.refs == 1 {
			if err := core.SetMemoryAccess(pk.gfn, view, page.original); err != nil {
				return fmt.Errorf("restoring access of page table %v in %v: %w", pk.gfn, view, err)
			}
			delete(m.pages, pk)
		} else {
			page.refs--
		}
	}
	delete(m.entries, ek)
	for _, d := range m.dirty {
		delete(d, ek)
	}
	return nil
}

func (m *PageTableMonitor[T]) entrySize() int {
	if s := m.arch.Mode.EntrySize(); s != 0 {
		return s
	}
	return 8
}

func (m *PageTableMonitor[T]) sortedKeysLocked() []monitorKey {
	keys := make([]monitorKey, 0, len(m.monitored))
	for key := range m.monitored {
		keys = append(keys, key)
	}
	m.sortKeysLocked(keys)
	return keys
}

func (m *PageTableMonitor[T]) sortKeysLocked(keys []monitorKey) {
	sort.Slice(keys, func(i, j int) bool {
		return m.monitored[keys[i]].seq < m.monitored[keys[j]].seq
	})
}

func containsPa(s []guestarch.Pa, pa guestarch.Pa) bool {
	for _, p := range s {
		if p == pa {
			return true
		}
	}
	return false
}
