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

package bits

import "testing"

func TestMaskOf(t *testing.T) {
	for i := 0; i < 64; i++ {
		if got, want := MaskOf[uint64](i), uint64(1)<<uint(i); got != want {
			t.Errorf("MaskOf(%d): got %#x, wanted %#x", i, got, want)
		}
	}
}

func TestMask(t *testing.T) {
	if got, want := Mask[uint32](0, 3, 31), uint32(0x80000009); got != want {
		t.Errorf("Mask(0, 3, 31): got %#x, wanted %#x", got, want)
	}
	if got := Mask[uint16](); got != 0 {
		t.Errorf("Mask(): got %#x, wanted 0", got)
	}
}

func TestIsOn(t *testing.T) {
	for _, tc := range []struct {
		mask, bits uint64
		on, anyOn  bool
	}{
		{0xff, 0x0f, true, true},
		{0xf0, 0x0f, false, false},
		{0x18, 0x0f, false, true},
		{0x00, 0x00, true, false},
	} {
		if got := IsOn(tc.mask, tc.bits); got != tc.on {
			t.Errorf("IsOn(%#x, %#x): got %v, wanted %v", tc.mask, tc.bits, got, tc.on)
		}
		if got := IsAnyOn(tc.mask, tc.bits); got != tc.anyOn {
			t.Errorf("IsAnyOn(%#x, %#x): got %v, wanted %v", tc.mask, tc.bits, got, tc.anyOn)
		}
	}
}

func TestField(t *testing.T) {
	for _, tc := range []struct {
		v            uint64
		shift, width int
		want         uint64
	}{
		{0x000ffffffffff000, 12, 40, 0xffffffffff},
		{0x8000000000000000, 63, 1, 1},
		{0x3000, 12, 2, 3},
		{0xdeadbeef, 0, 64, 0xdeadbeef},
		{0xdeadbeef, 16, 64, 0xdead},
	} {
		if got := Field(tc.v, tc.shift, tc.width); got != tc.want {
			t.Errorf("Field(%#x, %d, %d): got %#x, wanted %#x", tc.v, tc.shift, tc.width, got, tc.want)
		}
	}
}

func TestSetField(t *testing.T) {
	v := SetField(uint64(0xffff), 4, 4, 0)
	if v != 0xff0f {
		t.Errorf("SetField clear: got %#x, wanted 0xff0f", v)
	}
	v = SetField(uint64(0), 12, 40, 0x1ffffffffff)
	if want := uint64(0xffffffffff) << 12; v != want {
		t.Errorf("SetField truncate: got %#x, wanted %#x", v, want)
	}
	if got := Field(SetField(uint16(0), 13, 2, 3), 13, 2); got != 3 {
		t.Errorf("SetField round trip: got %d, wanted 3", got)
	}
}

func TestAlign(t *testing.T) {
	if got := AlignDown(uint64(0x1fff), 0x1000); got != 0x1000 {
		t.Errorf("AlignDown: got %#x", got)
	}
	if got, ok := AlignUp(uint64(0x1001), 0x1000); !ok || got != 0x2000 {
		t.Errorf("AlignUp: got %#x, %v", got, ok)
	}
	if _, ok := AlignUp(^uint64(0), 0x1000); ok {
		t.Errorf("AlignUp overflow: got ok")
	}
}
