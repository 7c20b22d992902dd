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
	"vmi.dev/vmi/pkg/driver/snapshot"
	"vmi.dev/vmi/pkg/guestarch"
	"vmi.dev/vmi/vmitool/config"
)

// Regs implements subcommands.Command for the "regs" command. Its output is
// a register snapshot that the memory and rawdump drivers accept back.
type Regs struct {
	vcpu   uint
	format string
}

// Name implements subcommands.Command.Name.
func (*Regs) Name() string {
	return "regs"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Regs) Synopsis() string {
	return "dump the registers of a vCPU as a snapshot file"
}

// Usage implements subcommands.Command.Usage.
func (*Regs) Usage() string {
	return `regs [flags] - dump the registers of a vCPU as a TOML or YAML snapshot
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Regs) SetFlags(f *flag.FlagSet) {
	vcpuFlag(f, &r.vcpu)
	f.StringVar(&r.format, "format", "toml", "snapshot format: toml or yaml.")
}

// Execute implements subcommands.Command.Execute.
func (r *Regs) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
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
	if err := r.run(Writer, t); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (r *Regs) run(w io.Writer, t *target) error {
	var format snapshot.Format
	switch r.format {
	case "toml":
		format = snapshot.TOML
	case "yaml":
		format = snapshot.YAML
	default:
		return fmt.Errorf("invalid format %q, must be toml or yaml", r.format)
	}
	regs, err := t.core.Registers(guestarch.VcpuID(r.vcpu))
	if err != nil {
		return err
	}
	ar, ok := regs.(*amd64.Registers)
	if !ok {
		return fmt.Errorf("cannot snapshot %T registers", regs)
	}
	out, err := snapshot.Encode(ar, format)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
