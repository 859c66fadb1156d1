package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeRules(t *testing.T, dir, name, data string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunValidate(t *testing.T) {
	dir := t.TempDir()
	good := writeRules(t, dir, "good.json", `[{"name":"a","if":{"vector":"scan"},"actions":["slack:#ot-soc"]}]`)
	warn := writeRules(t, dir, "warn.yaml", "- name: b\n  actions: []\n")
	bad := writeRules(t, dir, "bad.yml", "- name: c\n  if:\n    severity: extreme\n")
	writeRules(t, dir, "README.md", "not a rule file")

	tests := []struct {
		name     string
		paths    []string
		strict   bool
		wantCode int
		contains string
	}{
		{"single valid file", []string{good}, false, 0, "1 valid, 0 invalid"},
		{"warning passes", []string{warn}, false, 0, "warning:"},
		{"warning fails strict", []string{warn}, true, 1, "FAIL"},
		{"invalid severity", []string{bad}, false, 1, "unknown minimum severity"},
		{"directory", []string{dir}, false, 1, "3 files checked, 2 valid, 1 invalid"},
		{"missing path", []string{filepath.Join(dir, "nope")}, false, 1, "FAIL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			code := runValidate(&out, tt.paths, true, tt.strict)
			if code != tt.wantCode {
				t.Errorf("runValidate() = %d, want %d\n%s", code, tt.wantCode, out.String())
			}
			if !strings.Contains(out.String(), tt.contains) {
				t.Errorf("output does not contain %q:\n%s", tt.contains, out.String())
			}
		})
	}
}

func TestRunList(t *testing.T) {
	dir := t.TempDir()
	writeRules(t, dir, "r.json", `[{"name":"tamper","if":{"vector":"setpoint_tamper","severity":"high"},"actions":["slack:#ot-soc","log"]}]`)

	var out bytes.Buffer
	if code := runList(&out, []string{dir}); code != 0 {
		t.Fatalf("runList() = %d", code)
	}
	line := out.String()
	for _, want := range []string{"tamper", "setpoint_tamper", "high", "slack:#ot-soc,log"} {
		if !strings.Contains(line, want) {
			t.Errorf("output %q missing %q", line, want)
		}
	}
}
