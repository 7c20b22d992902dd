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
	"vmi.dev/vmi/pkg/errors/vmierr"
	"vmi.dev/vmi/pkg/guestarch"
	"vmi.dev/vmi/vmitool/config"
)

// Translate implements subcommands.Command for the "translate" command.
type Translate struct {
	vcpu uint
	root string
}

// Name implements subcommands.Command.Name.
func (*Translate) Name() string {
	return "translate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Translate) Synopsis() string {
	return "walk the page tables for a virtual address"
}

// Usage implements subcommands.Command.Usage.
func (*Translate) Usage() string {
	return `translate [flags] <address> - print every entry of the page-table walk for address
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (tr *Translate) SetFlags(f *flag.FlagSet) {
	vcpuFlag(f, &tr.vcpu)
	f.StringVar(&tr.root, "root", "", "physical address of the top-level table. Defaults to the root the vCPU uses for the address.")
}

// Execute implements subcommands.Command.Execute.
func (tr *Translate) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	va, err := parseAddress(f.Arg(0))
	if err != nil {
		Fatalf("%v", err)
	}
	conf := args[0].(*config.Config)
	t, err := attach(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer t.Close()
	if err := tr.run(Writer, t, guestarch.Va(va)); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (tr *Translate) run(w io.Writer, t *target, va guestarch.Va) error {
	state, done, err := t.state(tr.vcpu)
	if err != nil {
		return err
	}
	defer done()

	a, ok := state.Registers().Arch().(amd64.Amd64)
	if !ok {
		return fmt.Errorf("cannot walk %v page tables", state.Registers().Arch().Arch())
	}
	root := state.Registers().TranslationRoot(va)
	if tr.root != "" {
		r, err := parseAddress(tr.root)
		if err != nil {
			return err
		}
		root = guestarch.Pa(r)
	}

	fmt.Fprintf(w, "%v paging, root %v\n", a.Mode, root)
	tn, err := a.Translation(t.core, va, root)
	for _, e := range tn.Entries {
		fmt.Fprintf(w, "  %v\n", e)
	}
	switch {
	case err == nil:
		fmt.Fprintf(w, "%v -> %v\n", va, tn.Pa)
	case vmierr.IsNotResident(err):
		fmt.Fprintf(w, "%v -> %s\n", va, vmierr.Describe(err))
	default:
		return err
	}
	return nil
}
