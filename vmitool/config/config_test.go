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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newFlagSet() *flag.FlagSet {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlagSet())
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newFlagSet()
	for name, value := range map[string]string{
		"driver":         "rawdump",
		"path":           "/tmp/mem.raw",
		"debug":          "true",
		"vcpus":          "4",
		"attach-timeout": "1m",
	} {
		if err := testFlags.Lookup(name).Value.Set(value); err != nil {
			t.Errorf("Flag set: %v", err)
		}
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		Driver:        "rawdump",
		Path:          "/tmp/mem.raw",
		Vcpus:         4,
		AttachTimeout: time.Minute,
		Debug:         true,
		LogFormat:     "text",
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("Config mismatch (-want +got):\n%s", diff)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	testFlags := newFlagSet()
	testFlags.Set("driver", "rawdump")
	testFlags.Set("debug", "true")
	testFlags.Set("vcpus", "1") // Matches default value.
	testFlags.Set("gfn-cache", "64")
	testFlags.Set("attach-timeout", "10s")
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}

	flags := c.ToFlags()
	t.Logf("Flags: %s", flags)
	fm := map[string]string{}
	for _, f := range flags {
		kv := strings.SplitN(f, "=", 2)
		fm[kv[0]] = kv[1]
	}
	want := map[string]string{
		"--driver":         "rawdump",
		"--debug":          "true",
		"--gfn-cache":      "64",
		"--attach-timeout": "10s",
	}
	if diff := cmp.Diff(want, fm); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}

	// The flags rebuild the same config.
	again := newFlagSet()
	if err := again.Parse(flags); err != nil {
		t.Fatalf("Parse(%v): %v", flags, err)
	}
	c2, err := NewFromFlags(again)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c, c2); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestOverride(t *testing.T) {
	testFlags := newFlagSet()
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Override(testFlags, "v2p-cache", "128"); err != nil {
		t.Fatalf("Override: %v", err)
	}
	if want := 128; c.V2PCacheSize != want {
		t.Errorf("V2PCacheSize=%v, want: %v", c.V2PCacheSize, want)
	}
	if err := c.Override(testFlags, "vcpus", "abc"); err == nil {
		t.Errorf("Override(vcpus=abc) succeeded")
	}
	if err := c.Override(testFlags, "vcpus", "0"); err == nil {
		t.Errorf("Override(vcpus=0) succeeded")
	}
	if err := c.Override(testFlags, "no-such-flag", "1"); err == nil {
		t.Errorf("Override(no-such-flag) succeeded")
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags []string
	}{
		{name: "no driver", flags: []string{"--driver="}},
		{name: "no vcpus", flags: []string{"--vcpus=0"}},
		{name: "negative timeout", flags: []string{"--attach-timeout=-1s"}},
		{name: "negative cache", flags: []string{"--gfn-cache=-1"}},
		{name: "log format", flags: []string{"--log-format=xml"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newFlagSet()
			if err := testFlags.Parse(tc.flags); err != nil {
				t.Fatal(err)
			}
			if _, err := NewFromFlags(testFlags); err == nil {
				t.Errorf("NewFromFlags(%v) succeeded", tc.flags)
			}
		})
	}
}

func TestApplyFile(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
	}{
		{
			name: "config.toml",
			contents: `
driver = "rawdump"
path = "/var/lib/dumps/guest.raw"
vcpus = 2
attach-timeout = "30s"
debug = true
`,
		},
		{
			name: "config.yaml",
			contents: `
driver: rawdump
path: /var/lib/dumps/guest.raw
vcpus: 2
attach-timeout: 30s
debug: true
`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tc.name)
			if err := os.WriteFile(path, []byte(tc.contents), 0644); err != nil {
				t.Fatal(err)
			}
			testFlags := newFlagSet()
			// The command line wins over the file.
			if err := testFlags.Parse([]string{"--config=" + path, "--vcpus=8"}); err != nil {
				t.Fatal(err)
			}
			if err := ApplyFile(testFlags); err != nil {
				t.Fatalf("ApplyFile: %v", err)
			}
			c, err := NewFromFlags(testFlags)
			if err != nil {
				t.Fatal(err)
			}
			want := &Config{
				Driver:        "rawdump",
				Path:          "/var/lib/dumps/guest.raw",
				Vcpus:         8,
				AttachTimeout: 30 * time.Second,
				Debug:         true,
				LogFormat:     "text",
			}
			if diff := cmp.Diff(want, c); diff != "" {
				t.Errorf("Config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApplyFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
	}{
		{name: "unknown.toml", contents: `bogus = 1`},
		{name: "nested.toml", contents: "[driver]\nname = \"x\"\n"},
		{name: "recursive.yaml", contents: `config: other.yaml`},
		{name: "bad-value.yaml", contents: `vcpus: many`},
		{name: "config.json", contents: `{}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tc.name)
			if err := os.WriteFile(path, []byte(tc.contents), 0644); err != nil {
				t.Fatal(err)
			}
			testFlags := newFlagSet()
			if err := testFlags.Parse([]string{"--config=" + path}); err != nil {
				t.Fatal(err)
			}
			if err := ApplyFile(testFlags); err == nil {
				t.Errorf("ApplyFile(%s) succeeded", tc.name)
			}
		})
	}
}
