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

// Package rawdump is a driver over a raw physical memory dump. The dump is
// mapped privately, so writes are visible to the session but never reach
// the file. Event delivery, views and frame allocation are not available
// on a dump.
package rawdump

import (
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"vmi.dev/vmi/pkg/arch"
	"vmi.dev/vmi/pkg/arch/amd64"
	"vmi.dev/vmi/pkg/cleanup"
	"vmi.dev/vmi/pkg/driver/snapshot"
	"vmi.dev/vmi/pkg/errors/vmierr"
	"vmi.dev/vmi/pkg/guestarch"
	"vmi.dev/vmi/pkg/log"
	"vmi.dev/vmi/pkg/vmi"
)

// Name is the name the driver is registered as.
const Name = "rawdump"

func init() {
	vmi.RegisterDriver(Name, vmi.ConstructorFunc(open))
}

// Driver is a vmi.Driver over a mapped dump file.
type Driver struct {
	mu   sync.Mutex
	src  *os.File
	mem  []byte
	regs []*amd64.Registers
}

var _ vmi.Driver = (*Driver)(nil)

func open(opts vmi.DriverOpts) (vmi.Driver, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%s driver requires a dump path", Name)
	}
	var regs *amd64.Registers
	if opts.RegistersPath != "" {
		var err error
		if regs, err = snapshot.Load(opts.RegistersPath); err != nil {
			return nil, err
		}
	}
	return Open(opts.Path, regs, opts.Vcpus)
}

// Open maps the dump at path. Every vCPU starts with a copy of regs, or
// zeroed registers if regs is nil.
func Open(path string, regs *amd64.Registers, vcpus int) (*Driver, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { src.Close() })
	defer cu.Clean()

	stat, err := src.Stat()
	if err != nil {
		return nil, err
	}
	if stat.Size() == 0 {
		return nil, fmt.Errorf("dump %q is empty", path)
	}
	mem, err := unix.Mmap(int(src.Fd()), 0, int(stat.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mapping dump %q: %w", path, err)
	}
	cu.Add(func() { unix.Munmap(mem) })

	if regs == nil {
		regs = &amd64.Registers{}
	}
	d := &Driver{src: src, mem: mem}
	for range max(vcpus, 1) {
		d.regs = append(d.regs, regs.Clone().(*amd64.Registers))
	}
	cu.Release()
	log.Infof("rawdump: mapped %q, %d bytes", path, len(mem))
	return d, nil
}

// Close unmaps the dump.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mem == nil {
		return nil
	}
	err := unix.Munmap(d.mem)
	d.mem = nil
	if cerr := d.src.Close(); err == nil {
		err = cerr
	}
	return err
}

// frame returns the part of the mapping that backs gfn, which is shorter
// than a page for the last frame of an unaligned dump. Precondition: d.mu
// is held.
func (d *Driver) frame(gfn guestarch.Gfn) ([]byte, error) {
	if d.mem == nil || uint64(gfn) > (uint64(len(d.mem))-1)>>amd64.PageShift {
		return nil, fmt.Errorf("frame %v beyond dump: %w", gfn, vmierr.ErrOutOfBounds)
	}
	start := uint64(gfn) << amd64.PageShift
	return d.mem[start:min(start+amd64.PageSize, uint64(len(d.mem)))], nil
}

// Info implements vmi.Driver.Info.
func (d *Driver) Info() (vmi.Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return vmi.Info{
		PageSize:  amd64.PageSize,
		PageShift: amd64.PageShift,
		MaxGfn:    guestarch.Gfn((uint64(len(d.mem)) - 1) >> amd64.PageShift),
		VcpuCount: uint16(len(d.regs)),
	}, nil
}

// Pause implements vmi.Driver.Pause. A dump never runs.
func (d *Driver) Pause() error { return nil }

// Resume implements vmi.Driver.Resume.
func (d *Driver) Resume() error { return nil }

func (d *Driver) vcpu(vcpu guestarch.VcpuID) (*amd64.Registers, error) {
	if int(vcpu) >= len(d.regs) {
		return nil, fmt.Errorf("vcpu %d: %w", vcpu, vmierr.ErrOutOfBounds)
	}
	return d.regs[vcpu], nil
}

// Registers implements vmi.Driver.Registers.
func (d *Driver) Registers(vcpu guestarch.VcpuID) (arch.Registers, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.vcpu(vcpu)
	if err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// SetRegisters implements vmi.Driver.SetRegisters.
func (d *Driver) SetRegisters(vcpu guestarch.VcpuID, regs arch.Registers) error {
	r, ok := regs.(*amd64.Registers)
	if !ok {
		return fmt.Errorf("%T registers: %w", regs, vmierr.ErrNotSupported)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.vcpu(vcpu); err != nil {
		return err
	}
	d.regs[vcpu] = r.Clone().(*amd64.Registers)
	return nil
}

// MemoryAccess implements vmi.Driver.MemoryAccess. Every frame of the dump
// is fully accessible in the default view.
func (d *Driver) MemoryAccess(gfn guestarch.Gfn, view guestarch.View) (guestarch.MemoryAccess, error) {
	if view != guestarch.DefaultView {
		return 0, vmierr.ErrViewNotFound
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.frame(gfn); err != nil {
		return 0, err
	}
	return guestarch.ReadWriteExecute, nil
}

// SetMemoryAccess implements vmi.Driver.SetMemoryAccess.
func (d *Driver) SetMemoryAccess(guestarch.Gfn, guestarch.View, guestarch.MemoryAccess) error {
	return vmierr.ErrNotSupported
}

// ReadPage implements vmi.Driver.ReadPage.
func (d *Driver) ReadPage(gfn guestarch.Gfn) (*vmi.MappedPage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.frame(gfn)
	if err != nil {
		return nil, err
	}
	page := make([]byte, amd64.PageSize)
	copy(page, p)
	return vmi.NewMappedPage(page), nil
}

// WritePage implements vmi.Driver.WritePage.
func (d *Driver) WritePage(gfn guestarch.Gfn, offset uint64, content []byte) (*vmi.MappedPage, error) {
	if offset+uint64(len(content)) > amd64.PageSize {
		return nil, fmt.Errorf("write of %d bytes at %#x: %w", len(content), offset, vmierr.ErrOutOfBounds)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.frame(gfn)
	if err != nil {
		return nil, err
	}
	if offset+uint64(len(content)) > uint64(len(p)) {
		return nil, fmt.Errorf("write past the end of the dump: %w", vmierr.ErrOutOfBounds)
	}
	copy(p[offset:], content)
	page := make([]byte, amd64.PageSize)
	copy(page, p)
	return vmi.NewMappedPage(page), nil
}

// AllocateGfn implements vmi.Driver.AllocateGfn.
func (d *Driver) AllocateGfn(guestarch.Gfn) error { return vmierr.ErrNotSupported }

// AllocateNextAvailableGfn implements vmi.Driver.AllocateNextAvailableGfn.
func (d *Driver) AllocateNextAvailableGfn() (guestarch.Gfn, error) {
	return 0, vmierr.ErrNotSupported
}

// FreeGfn implements vmi.Driver.FreeGfn.
func (d *Driver) FreeGfn(guestarch.Gfn) error { return vmierr.ErrNotSupported }

// DefaultView implements vmi.Driver.DefaultView.
func (d *Driver) DefaultView() guestarch.View { return guestarch.DefaultView }

// CreateView implements vmi.Driver.CreateView.
func (d *Driver) CreateView(guestarch.MemoryAccess) (guestarch.View, error) {
	return 0, vmierr.ErrNotSupported
}

// DestroyView implements vmi.Driver.DestroyView.
func (d *Driver) DestroyView(guestarch.View) error { return vmierr.ErrNotSupported }

// SwitchToView implements vmi.Driver.SwitchToView.
func (d *Driver) SwitchToView(view guestarch.View) error {
	if view != guestarch.DefaultView {
		return vmierr.ErrViewNotFound
	}
	return nil
}

// ChangeViewGfn implements vmi.Driver.ChangeViewGfn.
func (d *Driver) ChangeViewGfn(guestarch.View, guestarch.Gfn, guestarch.Gfn) error {
	return vmierr.ErrNotSupported
}

// ResetViewGfn implements vmi.Driver.ResetViewGfn.
func (d *Driver) ResetViewGfn(guestarch.View, guestarch.Gfn) error {
	return vmierr.ErrNotSupported
}

// MonitorEnable implements vmi.Driver.MonitorEnable.
func (d *Driver) MonitorEnable(arch.EventMonitor) error { return vmierr.ErrNotSupported }

// MonitorDisable implements vmi.Driver.MonitorDisable.
func (d *Driver) MonitorDisable(arch.EventMonitor) error { return vmierr.ErrNotSupported }

// InjectInterrupt implements vmi.Driver.InjectInterrupt.
func (d *Driver) InjectInterrupt(guestarch.VcpuID, arch.Interrupt) error {
	return vmierr.ErrNotSupported
}

// EventsPending implements vmi.Driver.EventsPending.
func (d *Driver) EventsPending() int { return 0 }

// EventProcessingOverhead implements vmi.Driver.EventProcessingOverhead.
func (d *Driver) EventProcessingOverhead() time.Duration { return 0 }

// WaitForEvent implements vmi.Driver.WaitForEvent.
func (d *Driver) WaitForEvent(time.Duration, vmi.EventCallback) error {
	return vmierr.ErrNotSupported
}

// ResetState implements vmi.Driver.ResetState. There is no monitor or
// view state to reset.
func (d *Driver) ResetState() error { return nil }
