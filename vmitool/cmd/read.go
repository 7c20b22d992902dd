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
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/google/subcommands"
	"golang.org/x/arch/x86/x86asm"
	"vmi.dev/vmi/pkg/guestarch"
	"vmi.dev/vmi/pkg/log"
	"vmi.dev/vmi/pkg/vmi"
	"vmi.dev/vmi/vmitool/config"
)

// Read implements subcommands.Command for the "read" command.
type Read struct {
	vcpu     uint
	size     uint
	physical bool
	disasm   bool
	syntax   string
}

// Name implements subcommands.Command.Name.
func (*Read) Name() string {
	return "read"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Read) Synopsis() string {
	return "dump or disassemble guest memory"
}

// Usage implements subcommands.Command.Usage.
func (*Read) Usage() string {
	return `read [flags] <address> - dump or disassemble guest memory at address

Pages that are not resident are shown as "??" and listed at the end.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Read) SetFlags(f *flag.FlagSet) {
	vcpuFlag(f, &r.vcpu)
	f.UintVar(&r.size, "size", 64, "number of bytes to read.")
	f.BoolVar(&r.physical, "physical", false, "address is a guest physical address.")
	f.BoolVar(&r.disasm, "disasm", false, "disassemble instead of dumping.")
	f.StringVar(&r.syntax, "syntax", "gnu", "disassembly syntax: gnu or intel.")
}

// Execute implements subcommands.Command.Execute.
func (r *Read) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	addr, err := parseAddress(f.Arg(0))
	if err != nil {
		Fatalf("%v", err)
	}
	conf := args[0].(*config.Config)
	t, err := attach(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer t.Close()
	if err := r.run(Writer, t, addr); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (r *Read) run(w io.Writer, t *target, addr uint64) error {
	if r.syntax != "gnu" && r.syntax != "intel" {
		return fmt.Errorf("invalid syntax %q, must be gnu or intel", r.syntax)
	}
	state, done, err := t.state(r.vcpu)
	if err != nil {
		return err
	}
	defer done()

	ctx := state.AccessContext(guestarch.Va(addr))
	if r.physical {
		ctx = guestarch.Physical(guestarch.Pa(addr))
	}
	data, valid, prober, err := r.read(t.core, ctx)
	if err != nil {
		return err
	}

	if r.disasm {
		bits := state.Registers().EffectiveAddressWidth() * 8
		r.disassemble(w, addr, data, valid, bits)
	} else {
		dump(w, addr, data, valid)
	}
	if faults := prober.Faults(); !faults.IsEmpty() {
		fmt.Fprintf(w, "target address not currently resident %v\n", faults)
	}
	return nil
}

// read reads r.size bytes page by page. Bytes of non-resident pages are
// marked invalid.
func (r *Read) read(core *vmi.Core, ctx guestarch.AccessContext) ([]byte, []bool, *vmi.Prober, error) {
	pageSize := core.Architecture().PageSize()
	data := make([]byte, r.size)
	valid := make([]bool, r.size)
	prober := vmi.NewProber(guestarch.PageFaults{})
	for off := uint64(0); off < uint64(r.size); {
		c := ctx.Add(off)
		n := min(pageSize-c.Address&(pageSize-1), uint64(r.size)-off)
		ok, err := prober.Check(core.Read(c, data[off:off+n]))
		if err != nil {
			return nil, nil, nil, err
		}
		for i := off; i < off+n; i++ {
			valid[i] = ok
		}
		off += n
	}
	log.Debugf("Read %d bytes at %v, %d faults", r.size, ctx, prober.Faults().Len())
	return data, valid, prober, nil
}

// dump writes data 16 bytes per line, prefixed with the address and
// followed by the printable characters.
func dump(w io.Writer, addr uint64, data []byte, valid []bool) {
	const width = 16
	for line := 0; line < len(data); line += width {
		end := min(line+width, len(data))
		var hex, text strings.Builder
		for i := line; i < line+width; i++ {
			switch {
			case i >= end:
				hex.WriteString("   ")
			case !valid[i]:
				hex.WriteString("?? ")
				text.WriteByte('?')
			default:
				fmt.Fprintf(&hex, "%02x ", data[i])
				if c := data[i]; c >= 0x20 && c < 0x7f {
					text.WriteByte(c)
				} else {
					text.WriteByte('.')
				}
			}
			if i == line+width/2-1 {
				hex.WriteByte(' ')
			}
		}
		fmt.Fprintf(w, "%016x  %s |%s|\n", addr+uint64(line), hex.String(), text.String())
	}
}

// disassemble decodes instructions until data or the resident prefix of
// it runs out.
func (r *Read) disassemble(w io.Writer, addr uint64, data []byte, valid []bool, bits int) {
	n := 0
	for n < len(valid) && valid[n] {
		n++
	}
	data = data[:n]
	for pc := 0; pc < len(data); {
		ip := addr + uint64(pc)
		inst, err := x86asm.Decode(data[pc:], bits)
		if err != nil {
			fmt.Fprintf(w, "%016x  %-30x (bad)\n", ip, data[pc:pc+1])
			pc++
			continue
		}
		var text string
		if r.syntax == "intel" {
			text = x86asm.IntelSyntax(inst, ip, nil)
		} else {
			text = x86asm.GNUSyntax(inst, ip, nil)
		}
		fmt.Fprintf(w, "%016x  %-30x %s\n", ip, data[pc:pc+inst.Len], text)
		pc += inst.Len
	}
}
