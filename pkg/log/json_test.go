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

package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLevelJSON(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
	}{
		{in: `"warning"`, want: Warning},
		{in: `"info"`, want: Info},
		{in: `"debug"`, want: Debug},
		{in: `0`, want: Warning},
		{in: `1`, want: Info},
		{in: `2`, want: Debug},
	} {
		var lv Level
		if err := lv.UnmarshalJSON([]byte(tc.in)); err != nil {
			t.Errorf("UnmarshalJSON(%s): %v", tc.in, err)
			continue
		}
		if lv != tc.want {
			t.Errorf("UnmarshalJSON(%s) = %v, want %v", tc.in, lv, tc.want)
		}
		b, err := lv.MarshalJSON()
		if err != nil {
			t.Errorf("MarshalJSON(%v): %v", lv, err)
			continue
		}
		var again Level
		if err := again.UnmarshalJSON(b); err != nil || again != lv {
			t.Errorf("round trip of %v = %v, %v", lv, again, err)
		}
	}
	var lv Level
	if err := lv.UnmarshalJSON([]byte(`"verbose"`)); err == nil {
		t.Errorf("UnmarshalJSON(verbose) succeeded")
	}
}

func TestJSONEmitters(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	var buf bytes.Buffer
	JSONEmitter{&Writer{Next: &buf}}.Emit(0, Info, ts, "walked %d levels", 4)
	var got jsonLog
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("json output %q: %v", buf.String(), err)
	}
	if !strings.HasSuffix(got.Msg, "] walked 4 levels") || !strings.HasPrefix(got.Msg, "json_test.go:") {
		t.Errorf("msg = %q, want json_test.go:N] walked 4 levels", got.Msg)
	}
	if diff := cmp.Diff(jsonLog{Msg: got.Msg, Level: Info, Time: ts}, got); diff != "" {
		t.Errorf("json log mismatch (-want +got):\n%s", diff)
	}

	buf.Reset()
	K8sJSONEmitter{&Writer{Next: &buf}}.Emit(0, Warning, ts, "page %s", "out")
	var k8s k8sJSONLog
	if err := json.Unmarshal(buf.Bytes(), &k8s); err != nil {
		t.Fatalf("k8s output %q: %v", buf.String(), err)
	}
	if !strings.HasSuffix(k8s.Log, "] page out") {
		t.Errorf("log = %q, want suffix %q", k8s.Log, "] page out")
	}
	if k8s.Level != Warning || !k8s.Time.Equal(ts) {
		t.Errorf("k8s log = %+v, want level %v time %v", k8s, Warning, ts)
	}
}
