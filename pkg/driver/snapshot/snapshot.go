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

// Package snapshot reads amd64 register snapshots from TOML or YAML files.
//
// A snapshot is a table of register names to values, for example:
//
//	rip = "0xfffff80000001000"
//	cr3 = 0x1aa000
//	efer = 0xd01
//
//	[cs]
//	selector = 0x10
//	access = 0xa09b
//
// Registers not named are zero. Unknown keys are rejected. TOML integers
// are signed, so values above 1<<63 are written as strings.
package snapshot

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"vmi.dev/vmi/pkg/arch/amd64"
)

// Value is a 64-bit register value. It decodes from integers and from
// strings in any base strconv accepts, and encodes as a hex string.
type Value uint64

// MarshalText implements encoding.TextMarshaler.
func (v Value) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%#x", uint64(v))), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Value) UnmarshalText(text []byte) error {
	n, err := strconv.ParseUint(strings.ReplaceAll(string(text), "_", ""), 0, 64)
	if err != nil {
		return fmt.Errorf("register value %q: %w", text, err)
	}
	*v = Value(n)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: register value must be a scalar", node.Line)
	}
	return v.UnmarshalText([]byte(node.Value))
}

// Segment is a segment register.
type Segment struct {
	Base     Value  `toml:"base" yaml:"base"`
	Limit    uint32 `toml:"limit" yaml:"limit"`
	Selector uint16 `toml:"selector" yaml:"selector"`
	Access   uint32 `toml:"access" yaml:"access"`
}

func (s Segment) segment() amd64.Segment {
	return amd64.Segment{
		Base:     uint64(s.Base),
		Limit:    s.Limit,
		Selector: amd64.Selector(s.Selector),
		Access:   amd64.SegmentAccess(s.Access),
	}
}

func fromSegment(s amd64.Segment) Segment {
	return Segment{Base: Value(s.Base), Limit: s.Limit, Selector: uint16(s.Selector), Access: uint32(s.Access)}
}

// Table is the GDTR or IDTR.
type Table struct {
	Base  Value  `toml:"base" yaml:"base"`
	Limit uint16 `toml:"limit" yaml:"limit"`
}

// File is the on-disk form of a snapshot.
type File struct {
	Rax    Value `toml:"rax" yaml:"rax"`
	Rbx    Value `toml:"rbx" yaml:"rbx"`
	Rcx    Value `toml:"rcx" yaml:"rcx"`
	Rdx    Value `toml:"rdx" yaml:"rdx"`
	Rbp    Value `toml:"rbp" yaml:"rbp"`
	Rsi    Value `toml:"rsi" yaml:"rsi"`
	Rdi    Value `toml:"rdi" yaml:"rdi"`
	Rsp    Value `toml:"rsp" yaml:"rsp"`
	R8     Value `toml:"r8" yaml:"r8"`
	R9     Value `toml:"r9" yaml:"r9"`
	R10    Value `toml:"r10" yaml:"r10"`
	R11    Value `toml:"r11" yaml:"r11"`
	R12    Value `toml:"r12" yaml:"r12"`
	R13    Value `toml:"r13" yaml:"r13"`
	R14    Value `toml:"r14" yaml:"r14"`
	R15    Value `toml:"r15" yaml:"r15"`
	Rip    Value `toml:"rip" yaml:"rip"`
	Rflags Value `toml:"rflags" yaml:"rflags"`

	Cr0 Value `toml:"cr0" yaml:"cr0"`
	Cr2 Value `toml:"cr2" yaml:"cr2"`
	Cr3 Value `toml:"cr3" yaml:"cr3"`
	Cr4 Value `toml:"cr4" yaml:"cr4"`

	Dr0 Value `toml:"dr0" yaml:"dr0"`
	Dr1 Value `toml:"dr1" yaml:"dr1"`
	Dr2 Value `toml:"dr2" yaml:"dr2"`
	Dr3 Value `toml:"dr3" yaml:"dr3"`
	Dr6 Value `toml:"dr6" yaml:"dr6"`
	Dr7 Value `toml:"dr7" yaml:"dr7"`

	Cs   Segment `toml:"cs" yaml:"cs"`
	Ds   Segment `toml:"ds" yaml:"ds"`
	Es   Segment `toml:"es" yaml:"es"`
	Fs   Segment `toml:"fs" yaml:"fs"`
	Gs   Segment `toml:"gs" yaml:"gs"`
	Ss   Segment `toml:"ss" yaml:"ss"`
	Tr   Segment `toml:"tr" yaml:"tr"`
	Ldtr Segment `toml:"ldtr" yaml:"ldtr"`

	Gdtr Table `toml:"gdtr" yaml:"gdtr"`
	Idtr Table `toml:"idtr" yaml:"idtr"`

	SysenterCs  Value `toml:"sysenter_cs" yaml:"sysenter_cs"`
	SysenterEsp Value `toml:"sysenter_esp" yaml:"sysenter_esp"`
	SysenterEip Value `toml:"sysenter_eip" yaml:"sysenter_eip"`

	Efer         Value `toml:"efer" yaml:"efer"`
	Star         Value `toml:"star" yaml:"star"`
	Lstar        Value `toml:"lstar" yaml:"lstar"`
	Cstar        Value `toml:"cstar" yaml:"cstar"`
	Sfmask       Value `toml:"sfmask" yaml:"sfmask"`
	KernelGsBase Value `toml:"kernel_gs_base" yaml:"kernel_gs_base"`
}

// Registers converts f to a register state.
func (f *File) Registers() *amd64.Registers {
	return &amd64.Registers{
		Rax: uint64(f.Rax), Rbx: uint64(f.Rbx), Rcx: uint64(f.Rcx), Rdx: uint64(f.Rdx),
		Rbp: uint64(f.Rbp), Rsi: uint64(f.Rsi), Rdi: uint64(f.Rdi), Rsp: uint64(f.Rsp),
		R8: uint64(f.R8), R9: uint64(f.R9), R10: uint64(f.R10), R11: uint64(f.R11),
		R12: uint64(f.R12), R13: uint64(f.R13), R14: uint64(f.R14), R15: uint64(f.R15),
		Rip:    uint64(f.Rip),
		Rflags: amd64.Rflags(f.Rflags),

		Cr0: amd64.Cr0(f.Cr0),
		Cr2: amd64.Cr2(f.Cr2),
		Cr3: amd64.Cr3(f.Cr3),
		Cr4: amd64.Cr4(f.Cr4),

		Dr0: uint64(f.Dr0), Dr1: uint64(f.Dr1), Dr2: uint64(f.Dr2), Dr3: uint64(f.Dr3),
		Dr6: amd64.Dr6(f.Dr6),
		Dr7: amd64.Dr7(f.Dr7),

		Cs: f.Cs.segment(), Ds: f.Ds.segment(), Es: f.Es.segment(), Fs: f.Fs.segment(),
		Gs: f.Gs.segment(), Ss: f.Ss.segment(), Tr: f.Tr.segment(), Ldtr: f.Ldtr.segment(),

		Gdtr: amd64.DescriptorTable{Base: uint64(f.Gdtr.Base), Limit: f.Gdtr.Limit},
		Idtr: amd64.DescriptorTable{Base: uint64(f.Idtr.Base), Limit: f.Idtr.Limit},

		SysenterCs:  uint64(f.SysenterCs),
		SysenterEsp: uint64(f.SysenterEsp),
		SysenterEip: uint64(f.SysenterEip),

		MsrEfer:         amd64.MsrEfer(f.Efer),
		MsrStar:         uint64(f.Star),
		MsrLstar:        uint64(f.Lstar),
		MsrCstar:        uint64(f.Cstar),
		MsrSfmask:       uint64(f.Sfmask),
		MsrKernelGsBase: uint64(f.KernelGsBase),
	}
}

// FromRegisters returns the snapshot of r.
func FromRegisters(r *amd64.Registers) *File {
	return &File{
		Rax: Value(r.Rax), Rbx: Value(r.Rbx), Rcx: Value(r.Rcx), Rdx: Value(r.Rdx),
		Rbp: Value(r.Rbp), Rsi: Value(r.Rsi), Rdi: Value(r.Rdi), Rsp: Value(r.Rsp),
		R8: Value(r.R8), R9: Value(r.R9), R10: Value(r.R10), R11: Value(r.R11),
		R12: Value(r.R12), R13: Value(r.R13), R14: Value(r.R14), R15: Value(r.R15),
		Rip:    Value(r.Rip),
		Rflags: Value(r.Rflags),

		Cr0: Value(r.Cr0), Cr2: Value(r.Cr2), Cr3: Value(r.Cr3), Cr4: Value(r.Cr4),

		Dr0: Value(r.Dr0), Dr1: Value(r.Dr1), Dr2: Value(r.Dr2), Dr3: Value(r.Dr3),
		Dr6: Value(r.Dr6), Dr7: Value(r.Dr7),

		Cs: fromSegment(r.Cs), Ds: fromSegment(r.Ds), Es: fromSegment(r.Es), Fs: fromSegment(r.Fs),
		Gs: fromSegment(r.Gs), Ss: fromSegment(r.Ss), Tr: fromSegment(r.Tr), Ldtr: fromSegment(r.Ldtr),

		Gdtr: Table{Base: Value(r.Gdtr.Base), Limit: r.Gdtr.Limit},
		Idtr: Table{Base: Value(r.Idtr.Base), Limit: r.Idtr.Limit},

		SysenterCs:  Value(r.SysenterCs),
		SysenterEsp: Value(r.SysenterEsp),
		SysenterEip: Value(r.SysenterEip),

		Efer:         Value(r.MsrEfer),
		Star:         Value(r.MsrStar),
		Lstar:        Value(r.MsrLstar),
		Cstar:        Value(r.MsrCstar),
		Sfmask:       Value(r.MsrSfmask),
		KernelGsBase: Value(r.MsrKernelGsBase),
	}
}

// Format is a snapshot encoding.
type Format int

const (
	// TOML is the default format.
	TOML Format = iota
	YAML
)

// FormatOf picks the format from the extension of path.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML
	default:
		return TOML
	}
}

// Decode parses a snapshot.
func Decode(data []byte, format Format) (*amd64.Registers, error) {
	var f File
	switch format {
	case YAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, err
		}
	default:
		md, err := toml.Decode(string(data), &f)
		if err != nil {
			return nil, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown registers %v", undecoded)
		}
	}
	return f.Registers(), nil
}

// Encode renders r in format.
func Encode(r *amd64.Registers, format Format) ([]byte, error) {
	f := FromRegisters(r)
	var buf bytes.Buffer
	switch format {
	case YAML:
		enc := yaml.NewEncoder(&buf)
		if err := enc.Encode(f); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
	default:
		if err := toml.NewEncoder(&buf).Encode(f); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Load reads the snapshot at path.
func Load(path string) (*amd64.Registers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading register snapshot: %w", err)
	}
	r, err := Decode(data, FormatOf(path))
	if err != nil {
		return nil, fmt.Errorf("decoding register snapshot %q: %w", path, err)
	}
	return r, nil
}
