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
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"vmi.dev/vmi/pkg/errors/vmierr"
	"vmi.dev/vmi/pkg/guestarch"
)

// chunks splits an access of n bytes at ctx into page-bounded pieces.
func (c *Core) chunks(ctx guestarch.AccessContext, n int, fn func(ctx guestarch.AccessContext, off, n int) error) error {
	size := c.arch.PageSize()
	for off := 0; off < n; {
		cur := ctx.Add(uint64(off))
		l := int(min(uint64(n-off), size-cur.Address%size))
		if err := fn(cur, off, l); err != nil {
			return err
		}
		off += l
	}
	return nil
}

// Read fills buf from ctx. Ranges spanning several pages are read page by
// page; if some pages are not resident, the others are still read and the
// returned *vmierr.PageFaultError lists every faulting page.
func (c *Core) Read(ctx guestarch.AccessContext, buf []byte) error {
	var faults guestarch.PageFaults
	err := c.chunks(ctx, len(buf), func(cur guestarch.AccessContext, off, n int) error {
		pa, err := c.TranslateAccessContext(cur)
		if err != nil {
			if f, ok := vmierr.AsPageFaults(err); ok {
				faults.Merge(f)
				return nil
			}
			return err
		}
		return c.ReadPhysical(pa, buf[off:off+n])
	})
	if err != nil {
		return err
	}
	if !faults.IsEmpty() {
		return vmierr.NewPageFaults(faults)
	}
	return nil
}

// Write writes data at ctx. Nothing is written unless every page
// translates.
func (c *Core) Write(ctx guestarch.AccessContext, data []byte) error {
	var (
		faults guestarch.PageFaults
		pas    []guestarch.Pa
	)
	err := c.chunks(ctx, len(data), func(cur guestarch.AccessContext, _, _ int) error {
		pa, err := c.TranslateAccessContext(cur)
		if err != nil {
			if f, ok := vmierr.AsPageFaults(err); ok {
				faults.Merge(f)
				return nil
			}
			return err
		}
		pas = append(pas, pa)
		return nil
	})
	if err != nil {
		return err
	}
	if !faults.IsEmpty() {
		return vmierr.NewPageFaults(faults)
	}
	i := 0
	return c.chunks(ctx, len(data), func(_ guestarch.AccessContext, off, n int) error {
		pa := pas[i]
		i++
		return c.WritePhysical(pa, data[off:off+n])
	})
}

// ReadU8 reads a byte.
func (c *Core) ReadU8(ctx guestarch.AccessContext) (uint8, error) {
	var b [1]byte
	err := c.Read(ctx, b[:])
	return b[0], err
}

// ReadU16 reads a little-endian 16-bit value.
func (c *Core) ReadU16(ctx guestarch.AccessContext) (uint16, error) {
	var b [2]byte
	if err := c.Read(ctx, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

// ReadU32 reads a little-endian 32-bit value.
func (c *Core) ReadU32(ctx guestarch.AccessContext) (uint32, error) {
	var b [4]byte
	if err := c.Read(ctx, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// ReadU64 reads a little-endian 64-bit value.
func (c *Core) ReadU64(ctx guestarch.AccessContext) (uint64, error) {
	var b [8]byte
	if err := c.Read(ctx, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// ReadAddress reads a pointer of width bytes, which must be 4 or 8.
func (c *Core) ReadAddress(ctx guestarch.AccessContext, width int) (uint64, error) {
	switch width {
	case 4:
		v, err := c.ReadU32(ctx)
		return uint64(v), err
	case 8:
		return c.ReadU64(ctx)
	default:
		return 0, fmt.Errorf("reading %d-byte address: %w", width, vmierr.ErrInvalidAddressWidth)
	}
}

// ReadVa reads a virtual address of width bytes.
func (c *Core) ReadVa(ctx guestarch.AccessContext, width int) (guestarch.Va, error) {
	v, err := c.ReadAddress(ctx, width)
	return guestarch.Va(v), err
}

// readUntil reads units of unit bytes from ctx until a zero unit or limit
// bytes, whichever comes first, without touching pages past the
// terminator. A trailing partial unit of limit is not read.
func (c *Core) readUntil(ctx guestarch.AccessContext, limit, unit int) ([]byte, error) {
	limit -= limit % unit
	var out []byte
	size := c.arch.PageSize()
	for len(out) < limit {
		cur := ctx.Add(uint64(len(out)))
		n := int(min(uint64(limit-len(out)), size-cur.Address%size))
		// Keep whole units together; a unit split across pages is read
		// on its own.
		if n < unit {
			n = unit
		} else {
			n -= n % unit
		}
		buf := make([]byte, n)
		if err := c.Read(cur, buf); err != nil {
			return nil, err
		}
		for i := 0; i+unit <= len(buf); i += unit {
			if isZero(buf[i : i+unit]) {
				return append(out, buf[:i]...), nil
			}
		}
		out = append(out, buf...)
	}
	return out, nil
}

func isZero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}

// ReadString reads a NUL-terminated string of at most limit bytes.
func (c *Core) ReadString(ctx guestarch.AccessContext, limit int) (string, error) {
	b, err := c.readUntil(ctx, limit, 1)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadWString reads a NUL-terminated UTF-16LE string of at most limit
// bytes.
func (c *Core) ReadWString(ctx guestarch.AccessContext, limit int) (string, error) {
	b, err := c.readUntil(ctx, limit, 2)
	if err != nil {
		return "", err
	}
	return decodeUTF16(b), nil
}

func decodeUTF16(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(units))
}

// ReadStruct fills v, a pointer to a fixed-size value, from its
// little-endian representation at ctx.
func (c *Core) ReadStruct(ctx guestarch.AccessContext, v any) error {
	size := binary.Size(v)
	if size < 0 {
		return fmt.Errorf("reading %T: not a fixed-size value", v)
	}
	buf := make([]byte, size)
	if err := c.Read(ctx, buf); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

// WriteU8 writes a byte.
func (c *Core) WriteU8(ctx guestarch.AccessContext, v uint8) error {
	return c.Write(ctx, []byte{v})
}

// WriteU16 writes a little-endian 16-bit value.
func (c *Core) WriteU16(ctx guestarch.AccessContext, v uint16) error {
	return c.Write(ctx, binary.LittleEndian.AppendUint16(nil, v))
}

// WriteU32 writes a little-endian 32-bit value.
func (c *Core) WriteU32(ctx guestarch.AccessContext, v uint32) error {
	return c.Write(ctx, binary.LittleEndian.AppendUint32(nil, v))
}

// WriteU64 writes a little-endian 64-bit value.
func (c *Core) WriteU64(ctx guestarch.AccessContext, v uint64) error {
	return c.Write(ctx, binary.LittleEndian.AppendUint64(nil, v))
}

// WriteAddress writes a pointer of width bytes, which must be 4 or 8.
func (c *Core) WriteAddress(ctx guestarch.AccessContext, width int, v uint64) error {
	switch width {
	case 4:
		return c.WriteU32(ctx, uint32(v))
	case 8:
		return c.WriteU64(ctx, v)
	default:
		return fmt.Errorf("writing %d-byte address: %w", width, vmierr.ErrInvalidAddressWidth)
	}
}

// WriteStruct writes the little-endian representation of v at ctx.
func (c *Core) WriteStruct(ctx guestarch.AccessContext, v any) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return err
	}
	return c.Write(ctx, buf.Bytes())
}
