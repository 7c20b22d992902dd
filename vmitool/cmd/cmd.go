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

// Package cmd holds implementations of the vmitool commands.
package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"vmi.dev/vmi/pkg/arch/amd64"
	"vmi.dev/vmi/pkg/errors/vmierr"
	"vmi.dev/vmi/pkg/guestarch"
	"vmi.dev/vmi/pkg/log"
	"vmi.dev/vmi/pkg/vmi"
	"vmi.dev/vmi/vmitool/config"

	// Register the drivers.
	_ "vmi.dev/vmi/pkg/driver/memdrv"
	_ "vmi.dev/vmi/pkg/driver/rawdump"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the caller in addition to stderr.
var ErrorLogger io.Writer

// Writer writes command output. Tests replace it.
var Writer io.Writer = os.Stdout

// Fatalf logs the same message to the log and to stderr, and exits.
// Page faults are described as a non-resident target rather than as a
// failure of the tool.
func Fatalf(format string, args ...any) {
	for i, a := range args {
		if err, ok := a.(error); ok {
			args[i] = vmierr.Describe(err)
		}
	}
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintln(os.Stderr, msg)
	if ErrorLogger != nil {
		fmt.Fprintln(ErrorLogger, msg)
	}
	os.Exit(128)
}

// target is an attached guest.
type target struct {
	driver  vmi.Driver
	core    *vmi.Core
	session *vmi.Session
}

// attach opens the guest named by conf. A failing driver constructor is
// retried with exponential backoff until conf.AttachTimeout elapses, since
// hypervisor backends commonly refuse connections while a domain starts.
func attach(conf *config.Config) (*target, error) {
	c, err := vmi.LookupDriver(conf.Driver)
	if err != nil {
		return nil, err
	}
	opts := vmi.DriverOpts{
		Path:          conf.Path,
		RegistersPath: conf.RegistersPath,
		Vcpus:         conf.Vcpus,
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if conf.AttachTimeout > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 10 * time.Millisecond
		eb.MaxInterval = time.Second
		eb.MaxElapsedTime = conf.AttachTimeout
		b = eb
	}

	var drv vmi.Driver
	op := func() error {
		d, err := c.New(opts)
		if err != nil {
			if errors.Is(err, vmierr.ErrNotSupported) || errors.Is(err, os.ErrNotExist) {
				return backoff.Permanent(err)
			}
			return err
		}
		drv = d
		return nil
	}
	notify := func(err error, next time.Duration) {
		log.Infof("Attaching with driver %q failed, retrying in %v: %v", conf.Driver, next, err)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, fmt.Errorf("attaching with driver %q: %w", conf.Driver, err)
	}

	core, err := vmi.NewCore(drv, amd64.New(),
		vmi.WithGfnCacheSize(conf.GfnCacheSize),
		vmi.WithV2PCacheSize(conf.V2PCacheSize))
	if err != nil {
		closeDriver(drv)
		return nil, err
	}
	log.Debugf("Attached with driver %q to %q", conf.Driver, conf.Path)
	return &target{driver: drv, core: core, session: vmi.NewSession(core, nil)}, nil
}

// Close releases the driver.
func (t *target) Close() {
	closeDriver(t.driver)
}

func closeDriver(d vmi.Driver) {
	if c, ok := d.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warningf("Closing driver: %v", err)
		}
	}
}

// parseAddress parses a guest address in Go integer syntax, so "0x" and
// "0o" prefixes select the base.
func parseAddress(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return v, nil
}

// vcpuFlag registers the --vcpu flag shared by commands that need a
// register snapshot.
func vcpuFlag(f *flag.FlagSet, vcpu *uint) {
	f.UintVar(vcpu, "vcpu", 0, "vCPU whose registers are used.")
}

// state returns the state of vcpu, pausing the guest for the duration of
// the command. The returned function resumes the guest.
func (t *target) state(vcpu uint) (*vmi.State, func(), error) {
	if vcpu >= uint(t.core.Info().VcpuCount) {
		return nil, nil, fmt.Errorf("vcpu %d out of range, guest has %d", vcpu, t.core.Info().VcpuCount)
	}
	resume, err := t.core.PauseGuard()
	if err != nil {
		return nil, nil, err
	}
	done := func() {
		if err := resume(); err != nil {
			log.Warningf("Resuming guest: %v", err)
		}
	}
	s, err := t.session.VcpuState(guestarch.VcpuID(vcpu))
	if err != nil {
		done()
		return nil, nil, err
	}
	return s, done, nil
}
