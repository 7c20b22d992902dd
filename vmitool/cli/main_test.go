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

package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/subcommands"
	"vmi.dev/vmi/pkg/log"
)

func TestNewEmitter(t *testing.T) {
	for _, tc := range []struct {
		format string
		want   string
	}{
		{format: "text", want: "main_test.go"},
		{format: "json", want: `"msg":"`},
		{format: "json-k8s", want: `"log":"`},
		{format: "logrus", want: "level=info"},
	} {
		t.Run(tc.format, func(t *testing.T) {
			var buf bytes.Buffer
			e := newEmitter(tc.format, &buf, log.Debug)
			e.Emit(0, log.Info, time.Now(), "attached to %s", "guest")
			for _, want := range []string{tc.want, "attached to guest"} {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("%s output %q does not contain %q", tc.format, buf.String(), want)
				}
			}
		})
	}
}

func TestCommands(t *testing.T) {
	var names []string
	forEachCmd(func(cmd subcommands.Command, _ string) {
		names = append(names, cmd.Name())
	})
	for _, want := range []string{"help", "flags", "info", "regs", "translate", "read", "idt", "gdt"} {
		found := false
		for _, n := range names {
			if n == want {
				found = true
			}
		}
		if !found {
			t.Errorf("command %q not registered, got %v", want, names)
		}
	}
}
