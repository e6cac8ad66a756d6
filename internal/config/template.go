package config

import (
	"net/url"
	"os"
	"regexp"
	"slices"
	"strings"
)

// Environment variables feeding the URL template.
const (
	EnvTenant      = "TENANT"
	EnvFlow        = "FLOW"
	EnvTap         = "TAP"
	EnvConnectorID = "CONNECTOR_ID"
)

var placeholder = regexp.MustCompile(`\{([^{}]*)\}`)

// templateVars lists the recognised variables and where their values come from.
var templateVars = map[string]string{
	"stream":       "",
	"tenant":       EnvTenant,
	"tenant_id":    EnvTenant,
	"flow":         EnvFlow,
	"flow_id":      EnvFlow,
	"tap":          EnvTap,
	"connector_id": EnvConnectorID,
}

func unknownPlaceholders(tmpl string) []string {
	var out []string
	for _, m := range placeholder.FindAllStringSubmatch(tmpl, -1) {
		if _, ok := templateVars[m[1]]; !ok && !slices.Contains(out, m[1]) {
			out = append(out, m[1])
		}
	}
	return out
}

// RenderURL fills the URL template for stream, reading the other variables
// through lookup (os.Getenv when nil). With api_key_url the key is appended
// as a query parameter named after api_key_header.
func (c *Config) RenderURL(stream string, lookup func(string) string) string {
	if lookup == nil {
		lookup = os.Getenv
	}
	out := placeholder.ReplaceAllStringFunc(c.URL, func(m string) string {
		name := m[1 : len(m)-1]
		envName, ok := templateVars[name]
		switch {
		case !ok:
			return m
		case name == "stream":
			return stream
		default:
			return lookup(envName)
		}
	})
	if c.APIKeyURL && c.APIKey != "" {
		sep := "?"
		if strings.Contains(out, "?") {
			sep = "&"
		}
		out += sep + url.QueryEscape(c.APIKeyHeader) + "=" + url.QueryEscape(c.APIKey)
	}
	return out
}
