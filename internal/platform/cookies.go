// Package platform implements the marketplace connection layer: cookie
// and signing utilities, the credential/token lifecycle, the realtime
// connection state machine, and the multi-account connection manager.
//
// This file contains stateless cookie helpers. The platform rotates
// individual cookie fields via Set-Cookie on ordinary API responses, so
// merges are always field-by-field; the full set is never replaced
// wholesale.
package platform

import (
	"sort"
	"strings"
)

// ParseCookies splits a Cookie-header style string ("k=v; k2=v2") into a
// map. Malformed fragments without '=' are skipped.
func ParseCookies(s string) map[string]string {
	out := map[string]string{}
	if s == "" {
		return out
	}
	for _, part := range strings.Split(strings.ReplaceAll(s, "; ", ";"), ";") {
		part = strings.TrimSpace(part)
		idx := strings.Index(part, "=")
		if idx <= 0 {
			continue
		}
		out[strings.TrimSpace(part[:idx])] = strings.TrimSpace(part[idx+1:])
	}
	return out
}

// FormatCookies renders a cookie map back into Cookie-header form with
// stable (sorted) key order so equal sets serialize identically.
func FormatCookies(cookies map[string]string) string {
	keys := make([]string, 0, len(cookies))
	for k := range cookies {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+cookies[k])
	}
	return strings.Join(parts, "; ")
}

// MergeCookies overlays updates onto the existing cookie string,
// field-by-field. Empty update values are ignored so a rotation cannot
// erase signing material. Returns the merged string and the names of the
// fields whose values actually changed.
func MergeCookies(existing string, updates map[string]string) (string, []string) {
	merged := ParseCookies(existing)
	var changed []string
	for k, v := range updates {
		if v == "" {
			continue
		}
		if merged[k] != v {
			merged[k] = v
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return FormatCookies(merged), changed
}

// ParseSetCookies extracts name=value pairs from Set-Cookie header
// values, discarding attributes (Path, Domain, Expires, …).
func ParseSetCookies(headers []string) map[string]string {
	out := map[string]string{}
	for _, h := range headers {
		first := strings.SplitN(h, ";", 2)[0]
		idx := strings.Index(first, "=")
		if idx <= 0 {
			continue
		}
		name := strings.TrimSpace(first[:idx])
		value := strings.TrimSpace(first[idx+1:])
		if name != "" {
			out[name] = value
		}
	}
	return out
}
