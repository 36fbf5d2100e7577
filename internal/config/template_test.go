package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRenderTemplate(t *testing.T) {
	t.Setenv("DNS_DOMAIN", "lab.example.org")

	m := New("dns", testLogger())
	out := filepath.Join(t.TempDir(), "nested", "named.conf")

	source := "zone \"{{.DNS_DOMAIN}}\" { forwarders { {{formatForwarders .DNS_FORWARDERS}} }; };\n"
	if err := m.RenderTemplate("named.conf", source, out, nil); err != nil {
		t.Fatalf("RenderTemplate: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading rendered file: %v", err)
	}
	got := string(data)

	if !strings.Contains(got, `zone "lab.example.org"`) {
		t.Errorf("rendered output missing domain: %s", got)
	}
	if !strings.Contains(got, "8.8.8.8; 1.1.1.1;") {
		t.Errorf("rendered output missing formatted forwarders: %s", got)
	}
}

func TestRenderString_ExtraVarsAndFuncs(t *testing.T) {
	m := New("dns", testLogger())

	got, err := m.RenderString("zone", "{{escapeDollar ._TTL}} {{.Serial}}", map[string]any{
		"_TTL":   "_DOLLAR_TTL 86400",
		"Serial": "2024010101",
	})
	if err != nil {
		t.Fatalf("RenderString: %v", err)
	}
	if got != "$TTL 86400 2024010101" {
		t.Errorf("RenderString = %q", got)
	}
}

func TestRenderString_ParseError(t *testing.T) {
	m := New("dns", testLogger())
	if _, err := m.RenderString("bad", "{{.Unclosed", nil); err == nil {
		t.Error("expected parse error")
	}
}

func TestTemplateData_ComputedFields(t *testing.T) {
	t.Setenv("SSL_ENABLED", "false")

	m := New("web", testLogger())
	data := m.TemplateData(map[string]any{"Custom": 1})

	if v, ok := data["SSLEnabled"].(bool); !ok || v {
		t.Errorf("SSLEnabled = %v, want false", data["SSLEnabled"])
	}
	if data["Custom"] != 1 {
		t.Errorf("extra var not merged: %v", data["Custom"])
	}
	if data["WEB_SERVER_NAME"] != "localhost" {
		t.Errorf("WEB_SERVER_NAME = %v", data["WEB_SERVER_NAME"])
	}
}
