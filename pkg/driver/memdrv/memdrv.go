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

// Package memdrv is a driver backed by process memory. It models a paused
// guest whose memory, registers, views and event queue are controlled by
// the caller, and is used to exercise the core without a hypervisor.
package memdrv

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"vmi.dev/vmi/pkg/arch"
	"vmi.dev/vmi/pkg/arch/amd64"
	"vmi.dev/vmi/pkg/driver/snapshot"
	"vmi.dev/vmi/pkg/errors/vmierr"
	"vmi.dev/vmi/pkg/guestarch"
	"vmi.dev/vmi/pkg/log"
	"vmi.dev/vmi/pkg/vmi"
)

// Name is the name the driver is registered as.
const Name = "memory"

func init() {
	vmi.RegisterDriver(Name, vmi.ConstructorFunc(open))
}

// Op names a driver operation for failure injection.
type Op string

// Operations that can be made to fail.
const (
	OpReadPage          Op = "ReadPage"
	OpWritePage         Op = "WritePage"
	OpSetMemoryAccess   Op = "SetMemoryAccess"
	OpAllocateGfn       Op = "AllocateGfn"
	OpFreeGfn           Op = "FreeGfn"
	OpChangeViewGfn     Op = "ChangeViewGfn"
	OpResetViewGfn      Op = "ResetViewGfn"
	OpInjectInterrupt   Op = "InjectInterrupt"
	OpResetState        Op = "ResetState"
	OpMonitorEnable     Op = "MonitorEnable"
	OpSetRegisters      Op = "SetRegisters"
	OpWaitForEvent      Op = "WaitForEvent"
	OpCreateView        Op = "CreateView"
	OpRegisters         Op = "Registers"
	OpSwitchToView      Op = "SwitchToView"
	OpDestroyView       Op = "DestroyView"
	OpMemoryAccess      Op = "MemoryAccess"
	OpMonitorDisable    Op = "MonitorDisable"
	OpAllocateNextAvail Op = "AllocateNextAvailableGfn"
)

// Config configures a Driver.
type Config struct {
	// MemorySize is the size of guest physical memory, rounded up to a page.
	MemorySize uint64

	// Vcpus is the number of vCPUs. At least one is created.
	Vcpus int

	// Overhead is reported by EventProcessingOverhead.
	Overhead time.Duration
}

// view is an alternate perspective of guest memory.
type view struct {
	defaultAccess guestarch.MemoryAccess
	access        map[guestarch.Gfn]guestarch.MemoryAccess
	remap         map[guestarch.Gfn]guestarch.Gfn
}

func newView(defaultAccess guestarch.MemoryAccess) *view {
	return &view{
		defaultAccess: defaultAccess,
		access:        make(map[guestarch.Gfn]guestarch.MemoryAccess),
		remap:         make(map[guestarch.Gfn]guestarch.Gfn),
	}
}

// Injection is an interrupt queued by InjectInterrupt.
type Injection struct {
	Vcpu      guestarch.VcpuID
	Interrupt arch.Interrupt
}

// Driver is an in-memory vmi.Driver.
type Driver struct {
	mu sync.Mutex

	// frames holds backed frames. Frames at or below maxGfn that are not
	// present read as zeros.
	frames    map[guestarch.Gfn][]byte
	maxGfn    guestarch.Gfn
	allocated map[guestarch.Gfn]struct{}
	nextGfn   guestarch.Gfn

	regs     []*amd64.Registers
	paused   bool
	views    map[guestarch.View]*view
	nextView guestarch.View
	current  guestarch.View
	monitors map[string]arch.EventMonitor

	queue       []*vmi.Event
	notify      chan struct{}
	interrupted bool

	injected  []Injection
	responses []vmi.EventResponse
	failures  map[Op]error
	overhead  time.Duration
}

var _ vmi.Driver = (*Driver)(nil)

// New creates a driver.
func New(c Config) *Driver {
	frames := (c.MemorySize + amd64.PageSize - 1) / amd64.PageSize
	if frames == 0 {
		frames = 1
	}
	vcpus := max(c.Vcpus, 1)
	d := &Driver{
		frames:    make(map[guestarch.Gfn][]byte),
		maxGfn:    guestarch.Gfn(frames - 1),
		allocated: make(map[guestarch.Gfn]struct{}),
		nextGfn:   guestarch.Gfn(frames),
		views:     map[guestarch.View]*view{guestarch.DefaultView: newView(guestarch.ReadWriteExecute)},
		nextView:  guestarch.DefaultView + 1,
		current:   guestarch.DefaultView,
		monitors:  make(map[string]arch.EventMonitor),
		notify:    make(chan struct{}, 1),
		failures:  make(map[Op]error),
		overhead:  c.Overhead,
	}
	for range vcpus {
		d.regs = append(d.regs, &amd64.Registers{})
	}
	return d
}

// open is the registered constructor. Path names a raw memory image and
// RegistersPath a register snapshot for vCPU 0.
func open(opts vmi.DriverOpts) (vmi.Driver, error) {
	var image []byte
	if opts.Path != "" {
		var err error
		if image, err = os.ReadFile(opts.Path); err != nil {
			return nil, fmt.Errorf("reading memory image: %w", err)
		}
	}
	d := New(Config{MemorySize: uint64(len(image)), Vcpus: opts.Vcpus})
	d.LoadImage(0, image)
	if opts.RegistersPath != "" {
		regs, err := snapshot.Load(opts.RegistersPath)
		if err != nil {
			return nil, err
		}
		d.SetVcpuRegisters(0, regs)
	}
	log.Infof("memdrv: %d bytes of guest memory, %d vcpus", len(image), len(d.regs))
	return d, nil
}

// Fail makes the next call of op return err. A nil err clears it.
func (d *Driver) Fail(op Op, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failures, op)
		return
	}
	d.failures[op] = err
}

// failure consumes the failure set for op. Precondition: d.mu is held.
func (d *Driver) failure(op Op) error {
	err, ok := d.failures[op]
	if !ok {
		return nil
	}
	delete(d.failures, op)
	return err
}

// frame returns the backing of gfn. Precondition: d.mu is held.
func (d *Driver) frame(gfn guestarch.Gfn, create bool) ([]byte, error) {
	if p, ok := d.frames[gfn]; ok {
		return p, nil
	}
	if _, ok := d.allocated[gfn]; !ok && gfn > d.maxGfn {
		return nil, fmt.Errorf("frame %v beyond guest memory: %w", gfn, vmierr.ErrOutOfBounds)
	}
	p := make([]byte, amd64.PageSize)
	if create {
		d.frames[gfn] = p
	}
	return p, nil
}

// LoadImage copies image into guest physical memory starting at pa.
func (d *Driver) LoadImage(pa guestarch.Pa, image []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(image) > 0 {
		off := pa.PageOffset(amd64.PageSize)
		p, err := d.frame(pa.Gfn(amd64.PageShift), true)
		if err != nil {
			panic(err)
		}
		n := copy(p[off:], image)
		image = image[n:]
		pa += guestarch.Pa(n)
	}
}

// Physical returns a copy of n bytes of guest memory at pa, ignoring views.
func (d *Driver) Physical(pa guestarch.Pa, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, 0, n)
	for len(out) < n {
		off := pa.PageOffset(amd64.PageSize)
		p, err := d.frame(pa.Gfn(amd64.PageShift), false)
		if err != nil {
			panic(err)
		}
		c := min(n-len(out), len(p)-int(off))
		out = append(out, p[off:int(off)+c]...)
		pa += guestarch.Pa(c)
	}
	return out
}

// SetVcpuRegisters replaces the registers of vcpu.
func (d *Driver) SetVcpuRegisters(vcpu guestarch.VcpuID, regs *amd64.Registers) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs[vcpu] = regs.Clone().(*amd64.Registers)
}

// Info implements vmi.Driver.Info.
func (d *Driver) Info() (vmi.Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return vmi.Info{
		PageSize:  amd64.PageSize,
		PageShift: amd64.PageShift,
		MaxGfn:    d.maxGfn,
		VcpuCount: uint16(len(d.regs)),
	}, nil
}

// Pause implements vmi.Driver.Pause.
func (d *Driver) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = true
	return nil
}

// Resume implements vmi.Driver.Resume.
func (d *Driver) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = false
	return nil
}

// Paused returns true iff the guest is paused.
func (d *Driver) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

func (d *Driver) vcpu(vcpu guestarch.VcpuID) (*amd64.Registers, error) {
	if int(vcpu) >= len(d.regs) {
		return nil, fmt.Errorf("vcpu %d of %d: %w", vcpu, len(d.regs), vmierr.ErrOutOfBounds)
	}
	return d.regs[vcpu], nil
}

// Registers implements vmi.Driver.Registers.
func (d *Driver) Registers(vcpu guestarch.VcpuID) (arch.Registers, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failure(OpRegisters); err != nil {
		return nil, err
	}
	r, err := d.vcpu(vcpu)
	if err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// SetRegisters implements vmi.Driver.SetRegisters.
func (d *Driver) SetRegisters(vcpu guestarch.VcpuID, regs arch.Registers) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failure(OpSetRegisters); err != nil {
		return err
	}
	if _, err := d.vcpu(vcpu); err != nil {
		return err
	}
	r, ok := regs.(*amd64.Registers)
	if !ok {
		return fmt.Errorf("registers of type %T: %w", regs, vmierr.ErrNotSupported)
	}
	d.regs[vcpu] = r.Clone().(*amd64.Registers)
	return nil
}

func (d *Driver) view(v guestarch.View) (*view, error) {
	vw, ok := d.views[v]
	if !ok {
		return nil, fmt.Errorf("%v: %w", v, vmierr.ErrViewNotFound)
	}
	return vw, nil
}

// MemoryAccess implements vmi.Driver.MemoryAccess.
func (d *Driver) MemoryAccess(gfn guestarch.Gfn, v guestarch.View) (guestarch.MemoryAccess, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failure(OpMemoryAccess); err != nil {
		return 0, err
	}
	return d.memoryAccess(gfn, v)
}

func (d *Driver) memoryAccess(gfn guestarch.Gfn, v guestarch.View) (guestarch.MemoryAccess, error) {
	vw, err := d.view(v)
	if err != nil {
		return 0, err
	}
	if a, ok := vw.access[gfn]; ok {
		return a, nil
	}
	return vw.defaultAccess, nil
}

// SetMemoryAccess implements vmi.Driver.SetMemoryAccess.
func (d *Driver) SetMemoryAccess(gfn guestarch.Gfn, v guestarch.View, access guestarch.MemoryAccess) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failure(OpSetMemoryAccess); err != nil {
		return err
	}
	vw, err := d.view(v)
	if err != nil {
		return err
	}
	vw.access[gfn] = access
	return nil
}

// ReadPage implements vmi.Driver.ReadPage.
func (d *Driver) ReadPage(gfn guestarch.Gfn) (*vmi.MappedPage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failure(OpReadPage); err != nil {
		return nil, err
	}
	p, err := d.frame(gfn, false)
	if err != nil {
		return nil, err
	}
	return vmi.NewMappedPage(append([]byte(nil), p...)), nil
}

// WritePage implements vmi.Driver.WritePage.
func (d *Driver) WritePage(gfn guestarch.Gfn, offset uint64, content []byte) (*vmi.MappedPage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failure(OpWritePage); err != nil {
		return nil, err
	}
	if offset+uint64(len(content)) > amd64.PageSize {
		return nil, fmt.Errorf("write of %d bytes at %#x: %w", len(content), offset, vmierr.ErrOutOfBounds)
	}
	p, err := d.frame(gfn, true)
	if err != nil {
		return nil, err
	}
	copy(p[offset:], content)
	return vmi.NewMappedPage(append([]byte(nil), p...)), nil
}

// AllocateGfn implements vmi.Driver.AllocateGfn.
func (d *Driver) AllocateGfn(gfn guestarch.Gfn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failure(OpAllocateGfn); err != nil {
		return err
	}
	d.allocated[gfn] = struct{}{}
	d.frames[gfn] = make([]byte, amd64.PageSize)
	return nil
}

// AllocateNextAvailableGfn implements vmi.Driver.AllocateNextAvailableGfn.
func (d *Driver) AllocateNextAvailableGfn() (guestarch.Gfn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failure(OpAllocateNextAvail); err != nil {
		return 0, err
	}
	for {
		gfn := d.nextGfn
		d.nextGfn++
		if _, ok := d.allocated[gfn]; ok {
			continue
		}
		d.allocated[gfn] = struct{}{}
		d.frames[gfn] = make([]byte, amd64.PageSize)
		return gfn, nil
	}
}

// FreeGfn implements vmi.Driver.FreeGfn.
func (d *Driver) FreeGfn(gfn guestarch.Gfn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failure(OpFreeGfn); err != nil {
		return err
	}
	if _, ok := d.allocated[gfn]; !ok {
		return fmt.Errorf("freeing %v, which was never allocated: %w", gfn, vmierr.ErrOutOfBounds)
	}
	delete(d.allocated, gfn)
	delete(d.frames, gfn)
	return nil
}

// Allocated returns the frames allocated and not yet freed, sorted.
func (d *Driver) Allocated() []guestarch.Gfn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]guestarch.Gfn, 0, len(d.allocated))
	for gfn := range d.allocated {
		out = append(out, gfn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultView implements vmi.Driver.DefaultView.
func (d *Driver) DefaultView() guestarch.View { return guestarch.DefaultView }

// CreateView implements vmi.Driver.CreateView.
func (d *Driver) CreateView(defaultAccess guestarch.MemoryAccess) (guestarch.View, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failure(OpCreateView); err != nil {
		return 0, err
	}
	v := d.nextView
	d.nextView++
	d.views[v] = newView(defaultAccess)
	return v, nil
}

// DestroyView implements vmi.Driver.DestroyView.
func (d *Driver) DestroyView(v guestarch.View) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failure(OpDestroyView); err != nil {
		return err
	}
	if v == guestarch.DefaultView {
		return fmt.Errorf("destroying the default view: %w", vmierr.ErrNotSupported)
	}
	if _, err := d.view(v); err != nil {
		return err
	}
	delete(d.views, v)
	if d.current == v {
		d.current = guestarch.DefaultView
	}
	return nil
}

// SwitchToView implements vmi.Driver.SwitchToView.
func (d *Driver) SwitchToView(v guestarch.View) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failure(OpSwitchToView); err != nil {
		return err
	}
	if _, err := d.view(v); err != nil {
		return err
	}
	d.current = v
	return nil
}

// CurrentView returns the view the vCPUs run in.
func (d *Driver) CurrentView() guestarch.View {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// ChangeViewGfn implements vmi.Driver.ChangeViewGfn.
func (d *Driver) ChangeViewGfn(v guestarch.View, oldGfn, newGfn guestarch.Gfn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failure(OpChangeViewGfn); err != nil {
		return err
	}
	vw, err := d.view(v)
	if err != nil {
		return err
	}
	if _, err := d.frame(newGfn, false); err != nil {
		return err
	}
	vw.remap[oldGfn] = newGfn
	return nil
}

// ResetViewGfn implements vmi.Driver.ResetViewGfn.
func (d *Driver) ResetViewGfn(v guestarch.View, gfn guestarch.Gfn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failure(OpResetViewGfn); err != nil {
		return err
	}
	vw, err := d.view(v)
	if err != nil {
		return err
	}
	delete(vw.remap, gfn)
	return nil
}

// ViewGfn returns the frame the guest sees at gfn in view v.
func (d *Driver) ViewGfn(v guestarch.View, gfn guestarch.Gfn) guestarch.Gfn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.viewGfn(v, gfn)
}

func (d *Driver) viewGfn(v guestarch.View, gfn guestarch.Gfn) guestarch.Gfn {
	if vw, ok := d.views[v]; ok {
		if to, ok := vw.remap[gfn]; ok {
			return to
		}
	}
	return gfn
}

// MonitorEnable implements vmi.Driver.MonitorEnable.
func (d *Driver) MonitorEnable(option arch.EventMonitor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failure(OpMonitorEnable); err != nil {
		return err
	}
	d.monitors[option.String()] = option
	return nil
}

// MonitorDisable implements vmi.Driver.MonitorDisable.
func (d *Driver) MonitorDisable(option arch.EventMonitor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failure(OpMonitorDisable); err != nil {
		return err
	}
	delete(d.monitors, option.String())
	return nil
}

// MonitorEnabled returns true iff option is enabled.
func (d *Driver) MonitorEnabled(option arch.EventMonitor) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.monitors[option.String()]
	return ok
}

// InjectInterrupt implements vmi.Driver.InjectInterrupt.
func (d *Driver) InjectInterrupt(vcpu guestarch.VcpuID, interrupt arch.Interrupt) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failure(OpInjectInterrupt); err != nil {
		return err
	}
	if _, err := d.vcpu(vcpu); err != nil {
		return err
	}
	d.injected = append(d.injected, Injection{Vcpu: vcpu, Interrupt: interrupt})
	return nil
}

// Injected returns the interrupts injected so far.
func (d *Driver) Injected() []Injection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Injection(nil), d.injected...)
}

// ResetState implements vmi.Driver.ResetState. Every monitor is disabled,
// every created view destroyed and the default view restored.
func (d *Driver) ResetState() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failure(OpResetState); err != nil {
		return err
	}
	clear(d.monitors)
	for v := range d.views {
		if v != guestarch.DefaultView {
			delete(d.views, v)
		}
	}
	d.views[guestarch.DefaultView] = newView(guestarch.ReadWriteExecute)
	d.current = guestarch.DefaultView
	return nil
}
