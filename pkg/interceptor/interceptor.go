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

// Package interceptor places software breakpoints in guest code without
// modifying the frames the guest sees in other views.
//
// A breakpoint is planted in a shadow copy of its frame. The shadow is
// mapped over the original in one view only, so code running in any other
// view, and readers of guest memory, see the original bytes.
package interceptor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"
	"vmi.dev/vmi/pkg/arch"
	"vmi.dev/vmi/pkg/cleanup"
	"vmi.dev/vmi/pkg/errors/vmierr"
	"vmi.dev/vmi/pkg/guestarch"
	"vmi.dev/vmi/pkg/log"
	"vmi.dev/vmi/pkg/vmi"
)

// Core is the part of vmi.Core the interceptor uses.
type Core interface {
	Architecture() arch.Architecture
	ReadPage(gfn guestarch.Gfn) (*vmi.MappedPage, error)
	WritePage(gfn guestarch.Gfn, offset uint64, content []byte) (*vmi.MappedPage, error)
	AllocateNextAvailableGfn() (guestarch.Gfn, error)
	FreeGfn(gfn guestarch.Gfn) error
	ChangeViewGfn(view guestarch.View, oldGfn, newGfn guestarch.Gfn) error
	ResetViewGfn(view guestarch.View, gfn guestarch.Gfn) error
}

var _ Core = (*vmi.Core)(nil)

// RemoveStatus is the outcome of a removal.
type RemoveStatus int

const (
	// NotFound means there was no breakpoint at the address.
	NotFound RemoveStatus = iota

	// StillInUse means the breakpoint is still planted: other insertions
	// hold it, or restoring the original bytes failed.
	StillInUse

	// Removed means the original bytes were restored.
	Removed
)

// String implements fmt.Stringer.
func (s RemoveStatus) String() string {
	switch s {
	case NotFound:
		return "not found"
	case StillInUse:
		return "still in use"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("RemoveStatus(%d)", int(s))
	}
}

// breakpoint is one patched location.
type breakpoint struct {
	pa       guestarch.Pa
	original []byte
	refs     int
}

// page is a frame shadowed in one view.
type page struct {
	view   guestarch.View
	gfn    guestarch.Gfn
	shadow guestarch.Gfn

	// breakpoints is keyed by offset within the page.
	breakpoints map[uint64]*breakpoint
}

func pageLess(a, b *page) bool {
	if a.view != b.view {
		return a.view < b.view
	}
	return a.gfn < b.gfn
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithShadowReclaim frees a shadow frame once its last breakpoint is
// removed. Without it shadow frames are kept allocated, which is safe
// with backends that cannot reuse a frame still referenced by a stale
// mapping.
func WithShadowReclaim() Option {
	return func(i *Interceptor) { i.reclaim = true }
}

// Interceptor tracks the breakpoints of every view. It is safe for
// concurrent use.
type Interceptor struct {
	reclaim bool

	// mu protects pages and is held across the whole mutation of a
	// frame, from allocation to remapping.
	mu    sync.Mutex
	pages *btree.BTreeG[*page]
}

// New returns an empty interceptor.
func New(opts ...Option) *Interceptor {
	i := &Interceptor{pages: btree.NewG(8, pageLess)}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Interceptor) lookup(view guestarch.View, gfn guestarch.Gfn) (*page, bool) {
	return i.pages.Get(&page{view: view, gfn: gfn})
}

// InsertBreakpoint plants a breakpoint at pa in view and returns the
// shadow frame holding it. Inserting at an address that already has a
// breakpoint takes another reference on it.
func (i *Interceptor) InsertBreakpoint(core Core, pa guestarch.Pa, view guestarch.View) (guestarch.Gfn, error) {
	a := core.Architecture()
	opcode := a.BreakpointOpcode()
	off := a.PaOffset(pa)
	if off+uint64(len(opcode)) > a.PageSize() {
		return 0, fmt.Errorf("breakpoint at %v crosses a page boundary: %w", pa, vmierr.ErrOutOfBounds)
	}
	gfn := a.GfnFromPa(pa)

	i.mu.Lock()
	defer i.mu.Unlock()

	if p, ok := i.lookup(view, gfn); ok {
		if bp, ok := p.breakpoints[off]; ok {
			bp.refs++
			return p.shadow, nil
		}
		if err := i.patch(core, p, pa, off, opcode); err != nil {
			return 0, err
		}
		return p.shadow, nil
	}

	shadow, err := core.AllocateNextAvailableGfn()
	if err != nil {
		return 0, fmt.Errorf("allocating shadow of %v: %w", gfn, err)
	}
	cu := cleanup.MakeErr(func() error { return core.FreeGfn(shadow) })
	defer cu.Clean()

	content, err := core.ReadPage(gfn)
	if err != nil {
		return 0, fmt.Errorf("reading %v: %w", gfn, err)
	}
	if _, err := core.WritePage(shadow, 0, content.Bytes()); err != nil {
		return 0, fmt.Errorf("copying %v to %v: %w", gfn, shadow, err)
	}
	p := &page{view: view, gfn: gfn, shadow: shadow, breakpoints: make(map[uint64]*breakpoint)}
	if err := i.patch(core, p, pa, off, opcode); err != nil {
		return 0, err
	}
	if err := core.ChangeViewGfn(view, gfn, shadow); err != nil {
		return 0, fmt.Errorf("remapping %v to %v in %v: %w", gfn, shadow, view, err)
	}
	cu.Release()

	i.pages.ReplaceOrInsert(p)
	log.Debugf("interceptor: %v shadowed by %v in %v", gfn, shadow, view)
	return shadow, nil
}

// patch writes opcode at off of the shadow of p, remembering the bytes of
// the original frame it covers.
func (i *Interceptor) patch(core Core, p *page, pa guestarch.Pa, off uint64, opcode []byte) error {
	content, err := core.ReadPage(p.gfn)
	if err != nil {
		return fmt.Errorf("reading %v: %w", p.gfn, err)
	}
	original := append([]byte(nil), content.Bytes()[off:off+uint64(len(opcode))]...)
	if _, err := core.WritePage(p.shadow, off, opcode); err != nil {
		return fmt.Errorf("patching %v at %#x: %w", p.shadow, off, err)
	}
	p.breakpoints[off] = &breakpoint{pa: pa, original: original, refs: 1}
	return nil
}

// RemoveBreakpoint drops one reference on the breakpoint at pa in view,
// restoring the original bytes when it was the last.
func (i *Interceptor) RemoveBreakpoint(core Core, pa guestarch.Pa, view guestarch.View) (RemoveStatus, error) {
	return i.remove(core, pa, view, false)
}

// RemoveBreakpointByForce removes the breakpoint at pa in view regardless
// of how many insertions hold it.
func (i *Interceptor) RemoveBreakpointByForce(core Core, pa guestarch.Pa, view guestarch.View) (RemoveStatus, error) {
	return i.remove(core, pa, view, true)
}

func (i *Interceptor) remove(core Core, pa guestarch.Pa, view guestarch.View, force bool) (RemoveStatus, error) {
	a := core.Architecture()
	gfn, off := a.GfnFromPa(pa), a.PaOffset(pa)

	i.mu.Lock()
	defer i.mu.Unlock()

	p, ok := i.lookup(view, gfn)
	if !ok {
		return NotFound, nil
	}
	bp, ok := p.breakpoints[off]
	if !ok {
		return NotFound, nil
	}
	if !force && bp.refs > 1 {
		bp.refs--
		return StillInUse, nil
	}
	if _, err := core.WritePage(p.shadow, off, bp.original); err != nil {
		return StillInUse, fmt.Errorf("restoring %v at %#x: %w", p.shadow, off, err)
	}
	delete(p.breakpoints, off)
	if len(p.breakpoints) > 0 {
		return Removed, nil
	}
	if err := i.unshadow(core, p); err != nil {
		return Removed, err
	}
	i.pages.Delete(p)
	return Removed, nil
}

// unshadow maps the original frame of p back.
func (i *Interceptor) unshadow(core Core, p *page) error {
	if err := core.ResetViewGfn(p.view, p.gfn); err != nil {
		return fmt.Errorf("restoring %v in %v: %w", p.gfn, p.view, err)
	}
	log.Debugf("interceptor: %v no longer shadowed in %v", p.gfn, p.view)
	if i.reclaim {
		if err := core.FreeGfn(p.shadow); err != nil {
			return fmt.Errorf("freeing shadow %v: %w", p.shadow, err)
		}
	}
	return nil
}

// ContainsBreakpoint returns true iff event is a breakpoint interrupt raised
// by one of ours.
func (i *Interceptor) ContainsBreakpoint(event *vmi.Event) bool {
	ie, ok := event.Reason.(arch.InterruptEvent)
	if !ok {
		return false
	}
	view := guestarch.DefaultView
	if event.HasView {
		view = event.View
	}
	off := event.Registers.Arch().VaOffset(guestarch.Va(event.Registers.InstructionPointer()))

	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.lookup(view, ie.Frame())
	if !ok {
		return false
	}
	_, ok = p.breakpoints[off]
	return ok
}

// Breakpoints returns the addresses of the breakpoints of view, sorted.
func (i *Interceptor) Breakpoints(view guestarch.View) []guestarch.Pa {
	var out []guestarch.Pa

	i.mu.Lock()
	defer i.mu.Unlock()
	i.ascendView(view, func(p *page) bool {
		for _, bp := range p.breakpoints {
			out = append(out, bp.pa)
		}
		return true
	})
	sort.Slice(out, func(x, y int) bool { return out[x] < out[y] })
	return out
}

// ascendView calls fn for every shadowed page of view in frame order.
// Precondition: i.mu is held.
func (i *Interceptor) ascendView(view guestarch.View, fn func(p *page) bool) {
	i.pages.AscendGreaterOrEqual(&page{view: view}, func(p *page) bool {
		if p.view != view {
			return false
		}
		return fn(p)
	})
}

// ClearView removes every breakpoint of view.
func (i *Interceptor) ClearView(core Core, view guestarch.View) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	var pages []*page
	i.ascendView(view, func(p *page) bool {
		pages = append(pages, p)
		return true
	})
	for _, p := range pages {
		if err := i.unshadow(core, p); err != nil {
			return err
		}
		i.pages.Delete(p)
	}
	return nil
}

// Len returns the number of shadowed frames.
func (i *Interceptor) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.pages.Len()
}
