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

package memdrv

import (
	"bytes"
	"time"

	"vmi.dev/vmi/pkg/arch"
	"vmi.dev/vmi/pkg/arch/amd64"
	"vmi.dev/vmi/pkg/errors/vmierr"
	"vmi.dev/vmi/pkg/guestarch"
	"vmi.dev/vmi/pkg/vmi"
)

// Handled is an event together with the response it got.
type Handled struct {
	Event    *vmi.Event
	Response vmi.EventResponse
}

// Enqueue queues an event with the given reason on vcpu, carrying a
// snapshot of its registers.
func (d *Driver) Enqueue(vcpu guestarch.VcpuID, reason arch.EventReason) {
	d.mu.Lock()
	d.enqueueLocked(vcpu, reason)
	d.mu.Unlock()
}

// enqueueLocked queues an event. Precondition: d.mu is held.
func (d *Driver) enqueueLocked(vcpu guestarch.VcpuID, reason arch.EventReason) {
	d.queue = append(d.queue, &vmi.Event{
		Vcpu:      vcpu,
		Flags:     vmi.EventFlagVcpuPaused,
		View:      d.current,
		HasView:   true,
		Registers: d.regs[vcpu].Clone(),
		Reason:    reason,
	})
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Interrupt makes the current or next wait return vmierr.ErrInterrupted.
func (d *Driver) Interrupt() {
	d.mu.Lock()
	d.interrupted = true
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// EventsPending implements vmi.Driver.EventsPending.
func (d *Driver) EventsPending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// EventProcessingOverhead implements vmi.Driver.EventProcessingOverhead.
func (d *Driver) EventProcessingOverhead() time.Duration { return d.overhead }

// WaitForEvent implements vmi.Driver.WaitForEvent. Queued events are
// dispatched before an interruption is reported.
func (d *Driver) WaitForEvent(timeout time.Duration, callback vmi.EventCallback) error {
	deadline := time.Now().Add(timeout)
	for {
		d.mu.Lock()
		if err := d.failure(OpWaitForEvent); err != nil {
			d.mu.Unlock()
			return err
		}
		if len(d.queue) > 0 {
			event := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()

			resp := callback(event)

			d.mu.Lock()
			d.apply(event, resp)
			d.mu.Unlock()
			return nil
		}
		if d.interrupted {
			d.interrupted = false
			d.mu.Unlock()
			return vmierr.ErrInterrupted
		}
		d.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return vmierr.ErrTimeout
		}
		t := time.NewTimer(remaining)
		select {
		case <-d.notify:
			t.Stop()
		case <-t.C:
		}
	}
}

// apply carries out resp. Precondition: d.mu is held.
func (d *Driver) apply(event *vmi.Event, resp vmi.EventResponse) {
	d.responses = append(d.responses, resp)
	if resp.SwitchView {
		if _, ok := d.views[resp.View]; ok {
			d.current = resp.View
		}
	}
	if resp.Registers != nil {
		// Mismatched register sets are ignored, as a hypervisor would
		// refuse them.
		_ = d.regs[event.Vcpu].SetGPRegisters(resp.Registers)
	}
}

// Responses returns the responses given so far, in order.
func (d *Driver) Responses() []vmi.EventResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]vmi.EventResponse(nil), d.responses...)
}

// GuestWrite performs a guest write of data at pa through the current
// view. If the view denies writing to the frame, a memory access event is
// queued on vcpu after the write.
func (d *Driver) GuestWrite(vcpu guestarch.VcpuID, pa guestarch.Pa, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	gfn := pa.Gfn(amd64.PageShift)
	off := pa.PageOffset(amd64.PageSize)
	p, err := d.frame(d.viewGfn(d.current, gfn), true)
	if err != nil {
		return err
	}
	copy(p[off:], data)
	access, err := d.memoryAccess(gfn, d.current)
	if err != nil {
		return err
	}
	if !access.CanWrite() {
		d.enqueueLocked(vcpu, amd64.EventMemoryAccess{Pa: pa, Access: guestarch.Write})
	}
	return nil
}

// GuestExecute executes the instruction at pa through the current view.
// A breakpoint instruction queues an interrupt event on vcpu and returns
// true.
func (d *Driver) GuestExecute(vcpu guestarch.VcpuID, pa guestarch.Pa) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	gfn := pa.Gfn(amd64.PageShift)
	off := pa.PageOffset(amd64.PageSize)
	p, err := d.frame(d.viewGfn(d.current, gfn), false)
	if err != nil {
		return false, err
	}
	bp := amd64.New().BreakpointOpcode()
	if !bytes.HasPrefix(p[off:], bp) {
		return false, nil
	}
	d.regs[vcpu].Rip = uint64(pa)
	d.enqueueLocked(vcpu, amd64.EventInterrupt{Gfn: gfn, Interrupt: amd64.BreakpointInterrupt()})
	return true, nil
}
