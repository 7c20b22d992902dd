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

package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vmi.dev/vmi/pkg/arch/amd64"
)

const tomlSnapshot = `
rip = "0xfffff80000001000"
rsp = "0xfffff80000200000"
cr0 = 0x80050033
cr3 = 0x1aa000
cr4 = 0x370678
efer = 0xd01

[cs]
selector = 0x10
access = 0xa09b

[idtr]
base = "0xfffff80000300000"
limit = 0xfff
`

const yamlSnapshot = `
rip: 0xfffff80000001000
rsp: 0xfffff80000200000
cr0: 0x80050033
cr3: 0x1aa000
cr4: 0x370678
efer: 0xd01
cs:
  selector: 0x10
  access: 0xa09b
idtr:
  base: 0xfffff80000300000
  limit: 0xfff
`

func want() *amd64.Registers {
	return &amd64.Registers{
		Rip:     0xfffff80000001000,
		Rsp:     0xfffff80000200000,
		Cr0:     0x80050033,
		Cr3:     0x1aa000,
		Cr4:     0x370678,
		MsrEfer: 0xd01,
		Cs:      amd64.Segment{Selector: 0x10, Access: 0xa09b},
		Idtr:    amd64.DescriptorTable{Base: 0xfffff80000300000, Limit: 0xfff},
	}
}

func TestDecode(t *testing.T) {
	for _, tc := range []struct {
		name   string
		data   string
		format Format
	}{
		{name: "toml", data: tomlSnapshot, format: TOML},
		{name: "yaml", data: yamlSnapshot, format: YAML},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.data), tc.format)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if diff := cmp.Diff(want(), got); diff != "" {
				t.Errorf("Decode mismatch (-want +got):\n%s", diff)
			}
			if got.PagingMode() != amd64.PagingIa32e {
				t.Errorf("PagingMode = %v, want %v", got.PagingMode(), amd64.PagingIa32e)
			}
		})
	}
}

func TestDecodeUnknownRegister(t *testing.T) {
	if _, err := Decode([]byte("xmm0 = 1\n"), TOML); err == nil {
		t.Errorf("Decode(toml) succeeded with unknown register")
	}
	if _, err := Decode([]byte("xmm0: 1\n"), YAML); err == nil {
		t.Errorf("Decode(yaml) succeeded with unknown register")
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	for _, format := range []Format{TOML, YAML} {
		data, err := Encode(want(), format)
		if err != nil {
			t.Fatalf("Encode(%d): %v", format, err)
		}
		got, err := Decode(data, format)
		if err != nil {
			t.Fatalf("Decode(%d): %v\n%s", format, err, data)
		}
		if diff := cmp.Diff(want(), got); diff != "" {
			t.Errorf("format %d mismatch (-want +got):\n%s", format, diff)
		}
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	for name, data := range map[string]string{
		"regs.toml": tomlSnapshot,
		"regs.yml":  yamlSnapshot,
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(data), 0644); err != nil {
			t.Fatal(err)
		}
		got, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%q): %v", name, err)
		}
		if got.Cr3.Root() != 0x1aa000 {
			t.Errorf("Load(%q): cr3 root = %#x, want 0x1aa000", name, got.Cr3.Root())
		}
	}
}
