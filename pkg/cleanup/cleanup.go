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

// Package cleanup provides utilities to roll back partially applied work on
// defers.
package cleanup

import "errors"

// Cleanup allows defers to be aborted when cleanup needs to happen
// conditionally. Usage:
//
//	gfn, err := core.AllocateNextAvailableGfn()
//	if err != nil {
//		return err
//	}
//	cu := cleanup.MakeErr(func() error { return core.FreeGfn(gfn) })
//	defer cu.Clean() // failure before release frees the frame again.
//	...
//	cu.Add(func() { delete(pages, key) }) // Adds another cleanup function.
//	...
//	cu.Release() // on success, keeps the frame.
type Cleanup struct {
	cleaners []func() error
}

// Make creates a new Cleanup object.
func Make(f func()) Cleanup {
	return Cleanup{cleaners: []func() error{wrap(f)}}
}

// MakeErr creates a new Cleanup object whose first cleaner may fail.
func MakeErr(f func() error) Cleanup {
	return Cleanup{cleaners: []func() error{f}}
}

// Add adds a new function to be called on Clean().
func (c *Cleanup) Add(f func()) {
	c.cleaners = append(c.cleaners, wrap(f))
}

// AddErr adds a new fallible function to be called on Clean().
func (c *Cleanup) AddErr(f func() error) {
	c.cleaners = append(c.cleaners, f)
}

// Clean calls all cleanup functions in reverse order. Errors are dropped;
// use CleanErr to observe them.
func (c *Cleanup) Clean() {
	_ = c.CleanErr()
}

// CleanErr calls all cleanup functions in reverse order and returns the
// joined errors of those that failed. Every function runs regardless of
// earlier failures.
func (c *Cleanup) CleanErr() error {
	err := clean(c.cleaners)
	c.cleaners = nil
	return err
}

// Release releases the cleanup from its duties, i.e. cleanup functions are
// not called after this point. Returns a function that calls all registered
// functions in case the caller has use for them.
func (c *Cleanup) Release() func() {
	old := c.cleaners
	c.cleaners = nil
	return func() { _ = clean(old) }
}

func wrap(f func()) func() error {
	return func() error {
		f()
		return nil
	}
}

func clean(cleaners []func() error) error {
	var errs []error
	for i := len(cleaners) - 1; i >= 0; i-- {
		if err := cleaners[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
