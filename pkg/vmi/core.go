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
	"fmt"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"vmi.dev/vmi/pkg/arch"
	"vmi.dev/vmi/pkg/errors/vmierr"
	"vmi.dev/vmi/pkg/guestarch"
	"vmi.dev/vmi/pkg/log"
)

// v2pKey is the key of the translation cache. The same root walks
// differently under different paging modes, so the architecture is part of
// the key.
type v2pKey struct {
	arch arch.Architecture
	page guestarch.Va
	root guestarch.Pa
}

// caches is shared by every Core derived from the same NewCore call.
type caches struct {
	// mu protects the caches.
	mu       sync.Mutex
	gfnCache *lru.Cache
	v2pCache *lru.Cache
}

type coreOptions struct {
	gfnCacheSize int
	v2pCacheSize int
}

// CoreOption configures a Core.
type CoreOption func(*coreOptions)

// WithGfnCacheSize caches up to n mapped frames. Zero disables the cache.
func WithGfnCacheSize(n int) CoreOption {
	return func(o *coreOptions) { o.gfnCacheSize = n }
}

// WithV2PCacheSize caches up to n page translations. Zero disables the
// cache.
func WithV2PCacheSize(n int) CoreOption {
	return func(o *coreOptions) { o.v2pCacheSize = n }
}

// Core pairs a driver with the architecture of its guest.
//
// The caches are flushed at the start of every dispatched event; callers
// reading outside the event loop while the guest runs should flush them
// themselves.
type Core struct {
	driver Driver
	arch   arch.Architecture
	info   Info

	*caches
}

var _ arch.PageTableCore = (*Core)(nil)

// NewCore creates a core for driver.
func NewCore(driver Driver, a arch.Architecture, opts ...CoreOption) (*Core, error) {
	var o coreOptions
	for _, opt := range opts {
		opt(&o)
	}
	info, err := driver.Info()
	if err != nil {
		return nil, fmt.Errorf("querying driver: %w", vmierr.Driver(err))
	}
	if info.PageSize != a.PageSize() {
		return nil, fmt.Errorf("driver page size %d does not match %v page size %d: %w", info.PageSize, a.Arch(), a.PageSize(), vmierr.ErrNotSupported)
	}
	c := &Core{driver: driver, arch: a, info: info, caches: new(caches)}
	if o.gfnCacheSize > 0 {
		c.gfnCache = lru.New(o.gfnCacheSize)
	}
	if o.v2pCacheSize > 0 {
		c.v2pCache = lru.New(o.v2pCacheSize)
	}
	log.Debugf("core: %v guest, %d vcpus, max gfn %v, caches %d/%d", a.Arch(), info.VcpuCount, info.MaxGfn, o.gfnCacheSize, o.v2pCacheSize)
	return c, nil
}

// WithArchitecture returns a core that shares the driver and caches of c
// but walks page tables under a. a must be the same architecture as c's,
// possibly in a different paging mode.
func (c *Core) WithArchitecture(a arch.Architecture) (*Core, error) {
	if a == c.arch {
		return c, nil
	}
	if a.Arch() != c.arch.Arch() || a.PageSize() != c.arch.PageSize() {
		return nil, fmt.Errorf("%v core cannot walk %v page tables: %w", c.arch.Arch(), a.Arch(), vmierr.ErrNotSupported)
	}
	d := *c
	d.arch = a
	return &d, nil
}

// Driver returns the underlying driver.
func (c *Core) Driver() Driver { return c.driver }

// Architecture returns the architecture of the guest.
func (c *Core) Architecture() arch.Architecture { return c.arch }

// Info returns the guest geometry captured at creation.
func (c *Core) Info() Info { return c.info }

// FlushGfnCache drops every cached frame.
func (c *Core) FlushGfnCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gfnCache != nil {
		c.gfnCache.Clear()
	}
}

// FlushV2PCache drops every cached translation.
func (c *Core) FlushV2PCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.v2pCache != nil {
		c.v2pCache.Clear()
	}
}

// flushCaches drops everything cached about guest state.
func (c *Core) flushCaches() {
	c.FlushGfnCache()
	c.FlushV2PCache()
}

// Pause stops all vCPUs.
func (c *Core) Pause() error { return vmierr.Driver(c.driver.Pause()) }

// Resume restarts all vCPUs.
func (c *Core) Resume() error { return vmierr.Driver(c.driver.Resume()) }

// PauseGuard pauses the guest and returns the function that resumes it.
func (c *Core) PauseGuard() (func() error, error) {
	if err := c.Pause(); err != nil {
		return nil, err
	}
	c.flushCaches()
	return c.Resume, nil
}

// Registers returns the register state of vcpu.
func (c *Core) Registers(vcpu guestarch.VcpuID) (arch.Registers, error) {
	regs, err := c.driver.Registers(vcpu)
	return regs, vmierr.Driver(err)
}

// SetRegisters replaces the register state of vcpu.
func (c *Core) SetRegisters(vcpu guestarch.VcpuID, regs arch.Registers) error {
	return vmierr.Driver(c.driver.SetRegisters(vcpu, regs))
}

// MemoryAccess returns the permissions of gfn in view.
func (c *Core) MemoryAccess(gfn guestarch.Gfn, view guestarch.View) (guestarch.MemoryAccess, error) {
	a, err := c.driver.MemoryAccess(gfn, view)
	return a, vmierr.Driver(err)
}

// SetMemoryAccess sets the permissions of gfn in view.
func (c *Core) SetMemoryAccess(gfn guestarch.Gfn, view guestarch.View, access guestarch.MemoryAccess) error {
	return vmierr.Driver(c.driver.SetMemoryAccess(gfn, view, access))
}

// ReadPage maps gfn, going through the frame cache.
func (c *Core) ReadPage(gfn guestarch.Gfn) (*MappedPage, error) {
	c.mu.Lock()
	if c.gfnCache != nil {
		if p, ok := c.gfnCache.Get(gfn); ok {
			c.mu.Unlock()
			return p.(*MappedPage), nil
		}
	}
	c.mu.Unlock()

	p, err := c.driver.ReadPage(gfn)
	if err != nil {
		return nil, vmierr.Driver(err)
	}
	c.mu.Lock()
	if c.gfnCache != nil {
		c.gfnCache.Add(gfn, p)
	}
	c.mu.Unlock()
	return p, nil
}

// WritePage writes content at offset within gfn. The frame cache is updated
// with the written page.
func (c *Core) WritePage(gfn guestarch.Gfn, offset uint64, content []byte) (*MappedPage, error) {
	if offset+uint64(len(content)) > c.info.PageSize {
		return nil, fmt.Errorf("write of %d bytes at offset %#x of %v: %w", len(content), offset, gfn, vmierr.ErrOutOfBounds)
	}
	p, err := c.driver.WritePage(gfn, offset, content)
	if err != nil {
		c.mu.Lock()
		if c.gfnCache != nil {
			c.gfnCache.Remove(gfn)
		}
		c.mu.Unlock()
		return nil, vmierr.Driver(err)
	}
	c.mu.Lock()
	if c.gfnCache != nil {
		c.gfnCache.Add(gfn, p)
	}
	c.mu.Unlock()
	return p, nil
}

// AllocateGfn backs gfn with memory.
func (c *Core) AllocateGfn(gfn guestarch.Gfn) error {
	return vmierr.Driver(c.driver.AllocateGfn(gfn))
}

// AllocateNextAvailableGfn backs the next unused frame and returns it.
func (c *Core) AllocateNextAvailableGfn() (guestarch.Gfn, error) {
	gfn, err := c.driver.AllocateNextAvailableGfn()
	return gfn, vmierr.Driver(err)
}

// FreeGfn releases an allocated frame.
func (c *Core) FreeGfn(gfn guestarch.Gfn) error {
	c.mu.Lock()
	if c.gfnCache != nil {
		c.gfnCache.Remove(gfn)
	}
	c.mu.Unlock()
	return vmierr.Driver(c.driver.FreeGfn(gfn))
}

// DefaultView returns the default view.
func (c *Core) DefaultView() guestarch.View { return c.driver.DefaultView() }

// CreateView creates a view granting defaultAccess on every frame.
func (c *Core) CreateView(defaultAccess guestarch.MemoryAccess) (guestarch.View, error) {
	v, err := c.driver.CreateView(defaultAccess)
	return v, vmierr.Driver(err)
}

// DestroyView destroys view.
func (c *Core) DestroyView(view guestarch.View) error {
	return vmierr.Driver(c.driver.DestroyView(view))
}

// SwitchToView switches every vCPU to view.
func (c *Core) SwitchToView(view guestarch.View) error {
	return vmierr.Driver(c.driver.SwitchToView(view))
}

// ChangeViewGfn makes oldGfn in view show newGfn.
func (c *Core) ChangeViewGfn(view guestarch.View, oldGfn, newGfn guestarch.Gfn) error {
	return vmierr.Driver(c.driver.ChangeViewGfn(view, oldGfn, newGfn))
}

// ResetViewGfn undoes ChangeViewGfn for gfn.
func (c *Core) ResetViewGfn(view guestarch.View, gfn guestarch.Gfn) error {
	return vmierr.Driver(c.driver.ResetViewGfn(view, gfn))
}

// MonitorEnable starts delivering the events of option.
func (c *Core) MonitorEnable(option arch.EventMonitor) error {
	log.Debugf("core: enabling monitor %v", option)
	return vmierr.Driver(c.driver.MonitorEnable(option))
}

// MonitorDisable stops delivering the events of option.
func (c *Core) MonitorDisable(option arch.EventMonitor) error {
	log.Debugf("core: disabling monitor %v", option)
	return vmierr.Driver(c.driver.MonitorDisable(option))
}

// InjectInterrupt queues interrupt for vcpu.
func (c *Core) InjectInterrupt(vcpu guestarch.VcpuID, interrupt arch.Interrupt) error {
	return vmierr.Driver(c.driver.InjectInterrupt(vcpu, interrupt))
}

// EventsPending returns the number of queued events.
func (c *Core) EventsPending() int { return c.driver.EventsPending() }

// EventProcessingOverhead returns the backend time spent per event.
func (c *Core) EventProcessingOverhead() time.Duration {
	return c.driver.EventProcessingOverhead()
}

// WaitForEvent waits up to timeout for one event and answers it with
// callback.
func (c *Core) WaitForEvent(timeout time.Duration, callback EventCallback) error {
	if timeout < 0 {
		return fmt.Errorf("timeout %v: %w", timeout, vmierr.ErrInvalidTimeout)
	}
	return vmierr.Driver(c.driver.WaitForEvent(timeout, callback))
}

// ResetState disables every monitor and restores every view.
func (c *Core) ResetState() error {
	c.flushCaches()
	return vmierr.Driver(c.driver.ResetState())
}

// TranslateAddress translates ctx.
func (c *Core) TranslateAddress(ctx guestarch.AddressContext) (guestarch.Pa, error) {
	mask := c.arch.PageSize() - 1
	key := v2pKey{arch: c.arch, page: ctx.Va &^ guestarch.Va(mask), root: ctx.Root}

	c.mu.Lock()
	if c.v2pCache != nil {
		if pa, ok := c.v2pCache.Get(key); ok {
			c.mu.Unlock()
			return pa.(guestarch.Pa) | guestarch.Pa(uint64(ctx.Va)&mask), nil
		}
	}
	c.mu.Unlock()

	pa, err := c.arch.TranslateAddress(c, ctx.Va, ctx.Root)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	if c.v2pCache != nil {
		c.v2pCache.Add(key, pa&^guestarch.Pa(mask))
	}
	c.mu.Unlock()
	return pa, nil
}

// TranslateAccessContext resolves ctx to a physical address. Paging
// accesses need a root; see State for resolution against the current one.
func (c *Core) TranslateAccessContext(ctx guestarch.AccessContext) (guestarch.Pa, error) {
	switch ctx.Mechanism {
	case guestarch.MechanismDirect:
		return guestarch.Pa(ctx.Address), nil
	case guestarch.MechanismPaging:
		if !ctx.HasRoot {
			return 0, fmt.Errorf("translating %v: %w", ctx, vmierr.ErrRootNotPresent)
		}
		return c.TranslateAddress(guestarch.AddressContext{Va: guestarch.Va(ctx.Address), Root: ctx.Root})
	default:
		return 0, fmt.Errorf("access mechanism %v: %w", ctx.Mechanism, vmierr.ErrNotSupported)
	}
}

// ReadPhysical fills buf from guest physical memory at pa.
func (c *Core) ReadPhysical(pa guestarch.Pa, buf []byte) error {
	size := c.arch.PageSize()
	for len(buf) > 0 {
		off := c.arch.PaOffset(pa)
		n := min(uint64(len(buf)), size-off)
		page, err := c.ReadPage(c.arch.GfnFromPa(pa))
		if err != nil {
			return err
		}
		data := page.Bytes()
		if uint64(len(data)) < off+n {
			return fmt.Errorf("frame %v is %d bytes: %w", c.arch.GfnFromPa(pa), len(data), vmierr.ErrOutOfBounds)
		}
		copy(buf, data[off:off+n])
		buf = buf[n:]
		pa += guestarch.Pa(n)
	}
	return nil
}

// WritePhysical writes data to guest physical memory at pa.
func (c *Core) WritePhysical(pa guestarch.Pa, data []byte) error {
	size := c.arch.PageSize()
	for len(data) > 0 {
		off := c.arch.PaOffset(pa)
		n := min(uint64(len(data)), size-off)
		if _, err := c.WritePage(c.arch.GfnFromPa(pa), off, data[:n]); err != nil {
			return err
		}
		data = data[n:]
		pa += guestarch.Pa(n)
	}
	return nil
}
