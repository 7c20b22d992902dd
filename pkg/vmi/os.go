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
	"vmi.dev/vmi/pkg/guestarch"
)

// OSModule is a loaded kernel module.
type OSModule struct {
	Name        string
	BaseAddress guestarch.Va
	Size        uint64
}

// OSProcess is a guest process.
type OSProcess struct {
	// Object is the address of the kernel object describing the process.
	Object guestarch.Va
	ID     uint32
	Name   string

	// Root is the translation root of the process address space.
	Root guestarch.Pa

	// UserRoot is the user-mode root when the kernel isolates page
	// tables, and zero otherwise.
	UserRoot guestarch.Pa
}

// OSThread is a guest thread.
type OSThread struct {
	Object guestarch.Va
	ID     uint32
}

// OSRegion is a mapped range of a process address space.
type OSRegion struct {
	Start  guestarch.Va
	End    guestarch.Va
	Access guestarch.MemoryAccess

	// Path names the mapped file, if any.
	Path string
}

// OS walks operating system structures of the guest. All methods are
// read-only queries over guest memory; failures of the walker itself are
// classified with vmierr.OS, page faults are returned as
// *vmierr.PageFaultError.
type OS interface {
	// KernelImageBase returns the address the kernel image is loaded at.
	KernelImageBase(s *State) (guestarch.Va, error)

	// KPTIEnabled returns true iff the kernel isolates its page tables
	// from user mode.
	KPTIEnabled(s *State) (bool, error)

	// Modules lists the loaded kernel modules.
	Modules(s *State) ([]OSModule, error)

	// Processes lists the running processes.
	Processes(s *State) ([]OSProcess, error)

	// CurrentProcess returns the process running on the vCPU of s.
	CurrentProcess(s *State) (OSProcess, error)

	// Threads lists the threads of process.
	Threads(s *State, process OSProcess) ([]OSThread, error)

	// CurrentThread returns the thread running on the vCPU of s.
	CurrentThread(s *State) (OSThread, error)

	// ProcessTranslationRoot returns the root translating the address
	// space of process.
	ProcessTranslationRoot(s *State, process OSProcess) (guestarch.Pa, error)

	// Regions lists the mapped ranges of process.
	Regions(s *State, process OSProcess) ([]OSRegion, error)

	// SyscallArgument returns argument index of the system call being
	// entered.
	SyscallArgument(s *State, index int) (uint64, error)

	// FunctionArgument returns argument index of the function being
	// entered, following the platform calling convention.
	FunctionArgument(s *State, index int) (uint64, error)

	// LastError returns the per-thread last error value, if the OS has
	// one.
	LastError(s *State) (uint32, bool, error)
}
