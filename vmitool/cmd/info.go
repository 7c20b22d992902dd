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

	"github.com/google/subcommands"
	"vmi.dev/vmi/pkg/arch/amd64"
	"vmi.dev/vmi/pkg/guestarch"
	"vmi.dev/vmi/vmitool/config"
)

// Info implements subcommands.Command for the "info" command.
type Info struct{}

// Name implements subcommands.Command.Name.
func (*Info) Name() string {
	return "info"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Info) Synopsis() string {
	return "print guest geometry and the state of each vCPU"
}

// Usage implements subcommands.Command.Usage.
func (*Info) Usage() string {
	return `info - print guest geometry and the state of each vCPU
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Info) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (i *Info) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
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
	if err := i.run(Writer, conf.Driver, t); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (*Info) run(w io.Writer, driver string, t *target) error {
	info := t.core.Info()
	fmt.Fprintf(w, "driver:     %s\n", driver)
	fmt.Fprintf(w, "page size:  %#x\n", info.PageSize)
	fmt.Fprintf(w, "max gfn:    %v\n", info.MaxGfn)
	fmt.Fprintf(w, "memory:     %d MiB\n", (uint64(info.MaxGfn)+1)*info.PageSize>>20)
	fmt.Fprintf(w, "vcpus:      %d\n", info.VcpuCount)
	for vcpu := range info.VcpuCount {
		regs, err := t.core.Registers(guestarch.VcpuID(vcpu))
		if err != nil {
			return err
		}
		r, ok := regs.(*amd64.Registers)
		if !ok {
			fmt.Fprintf(w, "vcpu %d: ip %#x\n", vcpu, regs.InstructionPointer())
			continue
		}
		fmt.Fprintf(w, "vcpu %d: %v paging, cpl %d, rip %#x, cr3 %#x\n", vcpu, r.PagingMode(), r.Cpl(), r.Rip, uint64(r.Cr3))
	}
	return nil
}
