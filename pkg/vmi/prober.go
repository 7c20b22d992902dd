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
	"sync"

	"vmi.dev/vmi/pkg/errors/vmierr"
	"vmi.dev/vmi/pkg/guestarch"
)

// Prober turns page faults raised by opportunistic reads into missing
// values, remembering the faults that were not expected.
//
// A typical user probes several reads while walking guest structures and
// calls ErrorForPageFaults once done:
//
//	p := vmi.NewProber(expected)
//	v, ok, err := vmi.Probe(p, func() (uint64, error) { return core.ReadU64(ctx) })
//	if err != nil {
//		return err
//	}
//	...
//	return p.ErrorForPageFaults()
type Prober struct {
	restricted guestarch.PageFaults

	mu     sync.Mutex
	faults guestarch.PageFaults
}

// NewProber returns a prober that tolerates the restricted faults.
func NewProber(restricted guestarch.PageFaults) *Prober {
	return &Prober{restricted: restricted}
}

// Check classifies the result of an operation. It returns true if err is
// nil. If err carries page faults it returns false and a nil error,
// recording the faults outside the restricted set. Any other error is
// returned as is.
func (p *Prober) Check(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	faults, ok := vmierr.AsPageFaults(err)
	if !ok {
		return false, err
	}
	unexpected := faults.Difference(p.restricted)
	if !unexpected.IsEmpty() {
		p.mu.Lock()
		p.faults.Merge(unexpected)
		p.mu.Unlock()
	}
	return false, nil
}

// Probe runs fn. If fn fails with page faults, Probe returns the zero value,
// false and a nil error; see Prober.Check.
func Probe[T any](p *Prober, fn func() (T, error)) (T, bool, error) {
	v, err := fn()
	ok, err := p.Check(err)
	if !ok {
		var zero T
		return zero, false, err
	}
	return v, true, nil
}

// Faults returns the unexpected faults recorded so far.
func (p *Prober) Faults() guestarch.PageFaults {
	p.mu.Lock()
	defer p.mu.Unlock()
	return guestarch.NewPageFaults(p.faults.Slice()...)
}

// ErrorForPageFaults returns a *vmierr.PageFaultError listing every
// unexpected fault, or nil if there was none.
func (p *Prober) ErrorForPageFaults() error {
	faults := p.Faults()
	if faults.IsEmpty() {
		return nil
	}
	return vmierr.NewPageFaults(faults)
}
