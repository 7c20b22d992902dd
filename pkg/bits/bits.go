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

// Package bits includes all bit related types and operations.
package bits

// Integer is the set of unsigned integral types the helpers operate on.
type Integer interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// IsOn returns true if *all* bits set in 'bits' are set in 'mask'.
func IsOn[T Integer](mask, bits T) bool {
	return mask&bits == bits
}

// IsAnyOn returns true if *any* bit set in 'bits' is set in 'mask'.
func IsAnyOn[T Integer](mask, bits T) bool {
	return mask&bits != 0
}

// Mask returns a T with all of the given bits set.
func Mask[T Integer](is ...int) T {
	ret := T(0)
	for _, i := range is {
		ret |= MaskOf[T](i)
	}
	return ret
}

// MaskOf is like Mask, but sets only a single bit (more efficiently).
func MaskOf[T Integer](i int) T {
	return T(1) << T(i)
}

// Test returns whether bit i of v is set.
func Test[T Integer](v T, i int) bool {
	return v&MaskOf[T](i) != 0
}

// Field extracts the width-bit field of v starting at bit shift.
//
// Widths of 64 or more return v >> shift unmasked.
func Field[T Integer](v T, shift, width int) T {
	v >>= T(shift)
	if width >= 64 {
		return v
	}
	return v & T((uint64(1)<<uint(width))-1)
}

// SetField returns v with the width-bit field at bit shift replaced by
// field. Bits of field above width are discarded.
func SetField[T Integer](v T, shift, width int, field T) T {
	var m T
	if width >= 64 {
		m = ^T(0)
	} else {
		m = T((uint64(1) << uint(width)) - 1)
	}
	return (v &^ (m << T(shift))) | ((field & m) << T(shift))
}

// AlignDown returns v rounded down to a multiple of align.
//
// Preconditions: align is a power of two.
func AlignDown[T Integer](v, align T) T {
	return v &^ (align - 1)
}

// AlignUp returns v rounded up to a multiple of align. ok is false if the
// result overflowed.
//
// Preconditions: align is a power of two.
func AlignUp[T Integer](v, align T) (T, bool) {
	r := AlignDown(v+align-1, align)
	return r, r >= v
}
