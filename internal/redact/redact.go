// Package redact removes secret values from anything that may end up in a
// log line, an error payload or the persisted state.
package redact

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// Mask replaces every secret occurrence.
const Mask = "__MASKED__"

// MaxBodyChars bounds request and response bodies quoted in diagnostics.
const MaxBodyChars = 5000

// Masker knows the configured secret values and secret-bearing header or
// query parameter names. It is safe for concurrent use.
type Masker struct {
	mu      sync.RWMutex
	secrets []string
	names   map[string]bool
}

// New builds a Masker. Empty secrets are ignored; names are matched
// case-insensitively against header and query parameter names.
func New(secrets []string, names ...string) *Masker {
	m := &Masker{names: make(map[string]bool, len(names))}
	for _, s := range secrets {
		if s != "" {
			m.secrets = append(m.secrets, s)
		}
	}
	// longest first so a secret containing another is masked whole
	sort.Slice(m.secrets, func(i, j int) bool { return len(m.secrets[i]) > len(m.secrets[j]) })
	for _, n := range names {
		if n != "" {
			m.names[strings.ToLower(n)] = true
		}
	}
	return m
}

// AddSecret registers a value learned at runtime, such as a refreshed token.
func (m *Masker) AddSecret(s string) {
	if m == nil || s == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.secrets {
		if existing == s {
			return
		}
	}
	m.secrets = append(m.secrets, s)
	sort.Slice(m.secrets, func(i, j int) bool { return len(m.secrets[i]) > len(m.secrets[j]) })
}

// String replaces every secret value in s.
func (m *Masker) String(s string) string {
	if m == nil {
		return s
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, secret := range m.secrets {
		s = strings.ReplaceAll(s, secret, Mask)
		if escaped := url.QueryEscape(secret); escaped != secret {
			s = strings.ReplaceAll(s, escaped, Mask)
		}
	}
	return s
}

// URL masks secret values and the values of secret-bearing query parameters.
func (m *Masker) URL(raw string) string {
	if m == nil {
		return raw
	}
	u, err := url.Parse(raw)
	if err == nil && u.RawQuery != "" && len(m.names) > 0 {
		q := u.Query()
		changed := false
		for name := range q {
			if m.names[strings.ToLower(name)] {
				q[name] = []string{Mask}
				changed = true
			}
		}
		if changed {
			u.RawQuery = q.Encode()
			raw = u.String()
		}
	}
	return m.String(raw)
}

// Header returns the value to print for a header.
func (m *Masker) Header(name, value string) string {
	if m == nil {
		return value
	}
	if m.names[strings.ToLower(name)] {
		return Mask
	}
	return m.String(value)
}

// Error renders err with secrets removed.
func (m *Masker) Error(err error) string {
	if err == nil {
		return ""
	}
	return m.String(err.Error())
}

// Curl renders a masked shell reproduction of a request. Headers are sorted
// by name and the masked body is cut at MaxBodyChars.
func (m *Masker) Curl(method, rawURL string, header http.Header, body []byte) string {
	names := make([]string, 0, len(header))
	for name := range header {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "curl -X %s", method)
	for _, name := range names {
		for _, v := range header[name] {
			fmt.Fprintf(&b, " -H \"%s: %s\"", name, m.Header(name, v))
		}
	}
	if len(body) > 0 {
		fmt.Fprintf(&b, " -d '%s'", Truncate(m.String(string(body)), MaxBodyChars))
	}
	fmt.Fprintf(&b, " '%s'", m.URL(rawURL))
	return b.String()
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 0 {
		return ""
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
