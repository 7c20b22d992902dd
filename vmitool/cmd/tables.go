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

package cmd

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"

	"github.com/google/subcommands"
	"vmi.dev/vmi/pkg/arch/amd64"
	"vmi.dev/vmi/pkg/guestarch"
	"vmi.dev/vmi/pkg/vmi"
	"vmi.dev/vmi/vmitool/config"
)

// maxIdtEntries is the number of vectors.
const maxIdtEntries = 256

// Idt implements subcommands.Command for the "idt" command.
type Idt struct {
	vcpu uint
}

// Name implements subcommands.Command.Name.
func (*Idt) Name() string {
	return "idt"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Idt) Synopsis() string {
	return "print the interrupt descriptor table of a vCPU"
}

// Usage implements subcommands.Command.Usage.
func (*Idt) Usage() string {
	return `idt [flags] - print the 64-bit interrupt gates of a vCPU
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Idt) SetFlags(f *flag.FlagSet) {
	vcpuFlag(f, &i.vcpu)
}

// Execute implements subcommands.Command.Execute.
func (i *Idt) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	return executeTable(f, args, func(w io.Writer, t *target) error { return i.run(w, t) })
}

func (i *Idt) run(w io.Writer, t *target) error {
	state, done, err := t.state(i.vcpu)
	if err != nil {
		return err
	}
	defer done()
	regs, err := longMode(state)
	if err != nil {
		return err
	}

	n := min(regs.Idtr.Entries(amd64.IdtEntrySize), maxIdtEntries)
	fmt.Fprintf(w, "idt at %#x, %d entries\n", regs.Idtr.Base, n)
	prober := vmi.NewProber(guestarch.PageFaults{})
	for v := range n {
		va := guestarch.Va(regs.Idtr.Base + uint64(v*amd64.IdtEntrySize))
		var raw [amd64.IdtEntrySize]byte
		ok, err := prober.Check(state.Read(va, raw[:]))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(w, "%3d  not resident\n", v)
			continue
		}
		e := amd64.ParseIdtEntry(raw)
		if !e.Access.Present() {
			continue
		}
		name := ""
		if vec := amd64.ExceptionVector(v); vec.IsException() {
			name = vec.String()
		}
		fmt.Fprintf(w, "%3d  %v  0x%016x  type %#x  dpl %d  ist %d  %s\n",
			v, e.Selector, e.Offset(), e.Access.Type(), e.Access.Dpl(), e.Access.InterruptStackTable(), name)
	}
	return nil
}

// Gdt implements subcommands.Command for the "gdt" command.
type Gdt struct {
	vcpu uint
}

// Name implements subcommands.Command.Name.
func (*Gdt) Name() string {
	return "gdt"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Gdt) Synopsis() string {
	return "print the global descriptor table of a vCPU"
}

// Usage implements subcommands.Command.Usage.
func (*Gdt) Usage() string {
	return `gdt [flags] - print the segment descriptors of the GDT of a vCPU
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (g *Gdt) SetFlags(f *flag.FlagSet) {
	vcpuFlag(f, &g.vcpu)
}

// Execute implements subcommands.Command.Execute.
func (g *Gdt) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	return executeTable(f, args, func(w io.Writer, t *target) error { return g.run(w, t) })
}

func (g *Gdt) run(w io.Writer, t *target) error {
	state, done, err := t.state(g.vcpu)
	if err != nil {
		return err
	}
	defer done()
	regs, err := longMode(state)
	if err != nil {
		return err
	}

	n := regs.Gdtr.Entries(amd64.SegmentDescriptorSize)
	fmt.Fprintf(w, "gdt at %#x, %d entries\n", regs.Gdtr.Base, n)
	raw := make([]byte, n*amd64.SegmentDescriptorSize)
	if err := state.Read(guestarch.Va(regs.Gdtr.Base), raw); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		d := amd64.SegmentDescriptor(binary.LittleEndian.Uint64(raw[i*amd64.SegmentDescriptorSize:]))
		sel := amd64.Selector(i * amd64.SegmentDescriptorSize)
		a := d.Access()
		if d == 0 {
			fmt.Fprintf(w, "%v  null\n", sel)
			continue
		}
		base := uint64(d.Base())
		kind := "code/data"
		if !a.DescriptorType() {
			// System descriptors take two slots in long mode; the second
			// holds bits 63:32 of the base.
			kind = "system"
			if i+1 < n {
				i++
				base |= uint64(binary.LittleEndian.Uint32(raw[i*amd64.SegmentDescriptorSize:])) << 32
			}
		}
		fmt.Fprintf(w, "%v  %-9s base 0x%016x  limit 0x%08x  type %#x  dpl %d  present %t  long %t\n",
			sel, kind, base, d.Limit(), a.Type(), a.Dpl(), a.Present(), a.LongMode())
	}
	return nil
}

// executeTable runs a table command against the attached guest.
func executeTable(f *flag.FlagSet, args []any, run func(io.Writer, *target) error) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	t, err := attach(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer t.Close()
	if err := run(Writer, t); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// longMode returns the amd64 registers of state if the vCPU runs in long
// mode, where descriptor tables have the layouts decoded here.
func longMode(state *vmi.State) (*amd64.Registers, error) {
	regs, ok := state.Registers().(*amd64.Registers)
	if !ok {
		return nil, fmt.Errorf("descriptor tables of %T registers are not supported", state.Registers())
	}
	if mode := regs.PagingMode(); mode != amd64.PagingIa32e && mode != amd64.PagingIa32e5 {
		return nil, fmt.Errorf("descriptor tables are only decoded in long mode, vcpu is in %v paging", mode)
	}
	return regs, nil
}
