package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// templateFuncs are helpers available to every rendered template.
func (m *Manager) templateFuncs() template.FuncMap {
	return template.FuncMap{
		// formatForwarders turns "8.8.8.8;1.1.1.1" into "8.8.8.8; 1.1.1.1;"
		// as expected inside a BIND forwarders block.
		"formatForwarders": func(raw string) string {
			var fwds []string
			for _, f := range strings.Split(raw, ";") {
				if f = strings.TrimSpace(f); f != "" {
					fwds = append(fwds, f+";")
				}
			}
			return strings.Join(fwds, " ")
		},
		// escapeDollar replaces the _DOLLAR_ placeholder with a literal $
		// so zone files can carry $TTL-style directives through templating.
		"escapeDollar": func(v string) string {
			return strings.ReplaceAll(v, "_DOLLAR_", "$")
		},
	}
}

// TemplateData returns the variable map passed to template rendering:
// every configuration value plus computed TLS state and any extras.
func (m *Manager) TemplateData(extra map[string]any) map[string]any {
	data := make(map[string]any, len(m.values)+len(extra)+2)

	m.mu.RLock()
	for key, value := range m.values {
		data[key] = value
	}
	m.mu.RUnlock()

	data["SSLEnabled"] = m.SSLEnabled()
	data["SSLCertExists"] = m.SSLCertExists()

	for key, value := range extra {
		data[key] = value
	}
	return data
}

// RenderTemplate renders the template source with the current configuration
// and writes it to outPath, creating parent directories as needed.
func (m *Manager) RenderTemplate(name, source, outPath string, extra map[string]any) error {
	tmpl, err := template.New(name).Funcs(m.templateFuncs()).Parse(source)
	if err != nil {
		return fmt.Errorf("failed to parse template %s: %w", name, err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", outPath, err)
	}

	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", outPath, err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, m.TemplateData(extra)); err != nil {
		return fmt.Errorf("failed to render template %s: %w", name, err)
	}

	m.logger.Info("Rendered template",
		"template", name,
		"path", outPath,
	)
	return nil
}

// RenderString renders the template source to a string.
func (m *Manager) RenderString(name, source string, extra map[string]any) (string, error) {
	tmpl, err := template.New(name).Funcs(m.templateFuncs()).Parse(source)
	if err != nil {
		return "", fmt.Errorf("failed to parse template %s: %w", name, err)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, m.TemplateData(extra)); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return sb.String(), nil
}
