package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("TEST_EXPAND_VAR", "expanded")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain variable", "value: ${TEST_EXPAND_VAR}", "value: expanded"},
		{"unset without default", "value: ${TEST_EXPAND_UNSET}", "value: "},
		{"unset with default", "value: ${TEST_EXPAND_UNSET:-fallback}", "value: fallback"},
		{"set with default", "value: ${TEST_EXPAND_VAR:-fallback}", "value: expanded"},
		{"no references", "plain text", "plain text"},
		{"multiple", "${TEST_EXPAND_VAR}/${TEST_EXPAND_UNSET:-x}", "expanded/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpandEnv(tt.input); got != tt.want {
				t.Errorf("ExpandEnv(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestApplyDefaultsFile(t *testing.T) {
	t.Setenv("DNS_DOMAIN", "env.example")
	t.Setenv("TEST_SUBST_SOURCE", "from-env")

	path := filepath.Join(t.TempDir(), "defaults.yaml")
	content := "DNS_DOMAIN: file.example\nEXTRA_KEY: ${TEST_SUBST_SOURCE:-none}\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m := New("dns", testLogger())
	if err := m.ApplyDefaultsFile(path); err != nil {
		t.Fatalf("ApplyDefaultsFile: %v", err)
	}

	// Environment wins over the file.
	if got := m.Get("DNS_DOMAIN"); got != "env.example" {
		t.Errorf("DNS_DOMAIN = %q, want env.example", got)
	}
	// New keys are applied, with expansion.
	if got := m.Get("EXTRA_KEY"); got != "from-env" {
		t.Errorf("EXTRA_KEY = %q, want from-env", got)
	}
}

func TestApplyDefaultsFile_Missing(t *testing.T) {
	m := New("dns", testLogger())
	if err := m.ApplyDefaultsFile(filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Errorf("missing defaults file should be a no-op, got %v", err)
	}
}

func TestApplyDefaultsFile_UnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defaults.toml")
	if err := os.WriteFile(path, []byte("a = 1"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := New("dns", testLogger())
	if err := m.ApplyDefaultsFile(path); err == nil {
		t.Error("expected error for unsupported format")
	}
}
