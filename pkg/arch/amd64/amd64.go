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

package amd64

import (
	"vmi.dev/vmi/pkg/arch"
	"vmi.dev/vmi/pkg/bits"
	"vmi.dev/vmi/pkg/guestarch"
)

// Page geometry.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = ^uint64(PageSize - 1)
)

// breakpointOpcode is int3.
var breakpointOpcode = [...]byte{0xcc}

// Amd64 is the x86-64 architecture under one paging mode.
//
// The zero value has paging disabled. Use New for the common long mode, or
// Registers.Arch for the mode a vCPU is actually in.
type Amd64 struct {
	Mode PagingMode

	// PSE enables 4 MiB pages under legacy paging (CR4.PSE). Other modes
	// always have large pages.
	PSE bool
}

// New returns the architecture with four-level paging.
func New() Amd64 {
	return Amd64{Mode: PagingIa32e}
}

var _ arch.Architecture = Amd64{}

// Arch implements arch.Architecture.Arch.
func (Amd64) Arch() arch.Arch { return arch.AMD64 }

// PageSize implements arch.Architecture.PageSize.
func (Amd64) PageSize() uint64 { return PageSize }

// PageShift implements arch.Architecture.PageShift.
func (Amd64) PageShift() uint { return PageShift }

// PageMask implements arch.Architecture.PageMask.
func (Amd64) PageMask() uint64 { return PageMask }

// BreakpointOpcode implements arch.Architecture.BreakpointOpcode.
func (Amd64) BreakpointOpcode() []byte { return breakpointOpcode[:] }

// GfnFromPa implements arch.Architecture.GfnFromPa.
func (Amd64) GfnFromPa(pa guestarch.Pa) guestarch.Gfn { return pa.Gfn(PageShift) }

// PaFromGfn implements arch.Architecture.PaFromGfn.
func (Amd64) PaFromGfn(gfn guestarch.Gfn) guestarch.Pa { return guestarch.PaFromGfn(gfn, PageShift) }

// PaOffset implements arch.Architecture.PaOffset.
func (Amd64) PaOffset(pa guestarch.Pa) uint64 { return pa.PageOffset(PageSize) }

// VaAlignDown implements arch.Architecture.VaAlignDown.
func (Amd64) VaAlignDown(va guestarch.Va) guestarch.Va { return va.RoundDown(PageSize) }

// VaOffset implements arch.Architecture.VaOffset.
func (Amd64) VaOffset(va guestarch.Va) uint64 { return va.PageOffset(PageSize) }

// VaIndex implements arch.Architecture.VaIndex.
func (a Amd64) VaIndex(va guestarch.Va) uint64 { return a.VaIndexForLevel(va, Pt) }

// VaOffsetForLevel returns the offset of va within the region an entry at
// level maps.
func (a Amd64) VaOffsetForLevel(va guestarch.Va, level PageTableLevel) uint64 {
	shift, _ := indexField(a.mode(), level)
	return bits.Field(uint64(va), 0, shift)
}

// VaIndexForLevel returns the index of va in the table at level.
func (a Amd64) VaIndexForLevel(va guestarch.Va, level PageTableLevel) uint64 {
	shift, width := indexField(a.mode(), level)
	return bits.Field(uint64(va), shift, width)
}

// mode returns the mode used for index arithmetic; without paging the
// four-level layout is reported.
func (a Amd64) mode() PagingMode {
	if a.Mode == PagingNone {
		return PagingIa32e
	}
	return a.Mode
}

// Translation walks the tables rooted at root under a's paging mode.
func (a Amd64) Translation(mem arch.Memory, va guestarch.Va, root guestarch.Pa) (VaTranslation, error) {
	return translate(mem, a.Mode, a.PSE, va, root)
}

// TranslateAddress implements arch.Architecture.TranslateAddress.
func (a Amd64) TranslateAddress(mem arch.Memory, va guestarch.Va, root guestarch.Pa) (guestarch.Pa, error) {
	t, err := a.Translation(mem, va, root)
	if err != nil {
		return 0, err
	}
	return t.Pa, nil
}
