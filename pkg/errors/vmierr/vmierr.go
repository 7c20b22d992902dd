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

// Package vmierr contains the errors returned by the introspection core
// exported as error interface pointers. Sentinels compare with ==, wrapped
// errors with errors.Is.
package vmierr

import (
	goerrors "errors"
	"fmt"

	"vmi.dev/vmi/pkg/errors"
	"vmi.dev/vmi/pkg/guestarch"
)

// The following are the terminal, non-page-fault errors. They end the
// operation that raised them but never the session.
var (
	ErrNotSupported        = errors.New(errors.CodeNotSupported, "operation not supported")
	ErrOutOfBounds         = errors.New(errors.CodeOutOfBounds, "out of bounds")
	ErrViewNotFound        = errors.New(errors.CodeViewNotFound, "view not found")
	ErrTimeout             = errors.New(errors.CodeTimeout, "timed out waiting for event")
	ErrInvalidTimeout      = errors.New(errors.CodeInvalidTimeout, "invalid timeout")
	ErrRootNotPresent      = errors.New(errors.CodeRootNotPresent, "translation root not present")
	ErrInvalidAddressWidth = errors.New(errors.CodeInvalidAddressWidth, "invalid address width")

	// ErrInterrupted is the I/O condition that asks the event loop to shut
	// down cleanly.
	ErrInterrupted = errors.New(errors.CodeInterrupted, "interrupted")
)

// wrapped carries an opaque failure from a collaborator.
type wrapped struct {
	code errors.Code
	err  error
}

func (w *wrapped) Error() string { return fmt.Sprintf("%v: %v", w.code, w.err) }

func (w *wrapped) Unwrap() error { return w.err }

// Code returns the classification of w.
func (w *wrapped) Code() errors.Code { return w.code }

func wrap(code errors.Code, err error) error {
	if err == nil {
		return nil
	}
	// Already classified errors pass through untouched, so that sentinels
	// and page faults surface unchanged through the driver boundary.
	var c interface{ Code() errors.Code }
	if goerrors.As(err, &c) {
		return err
	}
	if goerrors.As(err, new(*PageFaultError)) {
		return err
	}
	return &wrapped{code: code, err: err}
}

// Driver classifies err as a backend failure.
func Driver(err error) error { return wrap(errors.CodeDriver, err) }

// OS classifies err as a failure of an OS walker.
func OS(err error) error { return wrap(errors.CodeOS, err) }

// IO classifies err as a system I/O failure.
func IO(err error) error { return wrap(errors.CodeIO, err) }

// CodeOf returns the classification of err, or CodeUnknown.
func CodeOf(err error) errors.Code {
	if err == nil {
		return errors.CodeUnknown
	}
	if goerrors.As(err, new(*PageFaultError)) {
		return errors.CodeTranslation
	}
	var c interface{ Code() errors.Code }
	if goerrors.As(err, &c) {
		return c.Code()
	}
	return errors.CodeUnknown
}

// PageFaultError is returned when one or more addresses could not be
// translated. Faults holds every distinct faulting address of the failed
// operation.
type PageFaultError struct {
	Faults guestarch.PageFaults
}

// Error implements error.Error.
func (e *PageFaultError) Error() string {
	if e.Faults.Len() == 1 {
		return fmt.Sprintf("page fault at %v", e.Faults.Slice()[0])
	}
	return fmt.Sprintf("page faults at %v", e.Faults)
}

// NewPageFault returns an error for a single faulting address.
func NewPageFault(va guestarch.Va, root guestarch.Pa) *PageFaultError {
	return &PageFaultError{Faults: guestarch.NewPageFaults(guestarch.PageFault{Va: va, Root: root})}
}

// NewPageFaults returns an error for the given faults.
func NewPageFaults(faults guestarch.PageFaults) *PageFaultError {
	return &PageFaultError{Faults: faults}
}

// AsPageFaults returns the faults carried by err, if it is a page fault
// error.
func AsPageFaults(err error) (guestarch.PageFaults, bool) {
	var pf *PageFaultError
	if goerrors.As(err, &pf) {
		return pf.Faults, true
	}
	return guestarch.PageFaults{}, false
}

// IsNotResident returns true iff err means the target memory is currently
// paged out.
func IsNotResident(err error) bool {
	_, ok := AsPageFaults(err)
	return ok
}

// Describe renders err for users. Page faults are common and often benign
// when looking at live memory, so they are not reported as failures.
func Describe(err error) string {
	if faults, ok := AsPageFaults(err); ok {
		return fmt.Sprintf("target address not currently resident %v", faults)
	}
	return err.Error()
}
