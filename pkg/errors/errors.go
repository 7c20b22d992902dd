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

// Package errors holds the standardized error definition for the
// introspection stack.
package errors

import "fmt"

// Code classifies an error.
type Code uint32

// Error codes.
const (
	CodeUnknown Code = iota
	CodeNotSupported
	CodeOutOfBounds
	CodeViewNotFound
	CodeTimeout
	CodeInvalidTimeout
	CodeRootNotPresent
	CodeInvalidAddressWidth
	CodeInterrupted
	CodeDriver
	CodeOS
	CodeIO
	CodeTranslation
)

var codeNames = map[Code]string{
	CodeUnknown:             "unknown",
	CodeNotSupported:        "not supported",
	CodeOutOfBounds:         "out of bounds",
	CodeViewNotFound:        "view not found",
	CodeTimeout:             "timeout",
	CodeInvalidTimeout:      "invalid timeout",
	CodeRootNotPresent:      "root not present",
	CodeInvalidAddressWidth: "invalid address width",
	CodeInterrupted:         "interrupted",
	CodeDriver:              "driver",
	CodeOS:                  "os",
	CodeIO:                  "io",
	CodeTranslation:         "translation",
}

// String implements fmt.Stringer.
func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", uint32(c))
}

// Error represents a classified error with a descriptive message.
type Error struct {
	code    Code
	message string
}

// New creates a new *Error.
func New(code Code, message string) *Error {
	return &Error{
		code:    code,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Code returns the classification of e.
func (e *Error) Code() Code { return e.code }
