// Marketwatch is a Steam Community Market monitoring service.
// Copyright (C) 2026 Marketwatch Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package proxypool

import (
	"fmt"
	"net/url"
	"strings"
)

// Canonical normalizes a proxy URL to scheme://[user:pass@]host:port so
// duplicates compare equal regardless of how the provider formatted the
// line. Schemeless input defaults to http; anything after the port
// (provider per-line extras, paths) is dropped.
func Canonical(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("proxy url is empty")
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}

	scheme, rest, _ := strings.Cut(s, "://")
	scheme = strings.ToLower(scheme)
	switch scheme {
	case "http", "https", "socks5", "socks4":
	default:
		return "", fmt.Errorf("unsupported proxy scheme %q", scheme)
	}

	var userinfo string
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		userinfo, rest = rest[:i], rest[i+1:]
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	// Provider exports often append extras after the port
	// (host:port:country). IPv6 literals keep their brackets and are
	// left alone.
	if !strings.Contains(rest, "[") {
		if parts := strings.Split(rest, ":"); len(parts) > 2 {
			rest = parts[0] + ":" + parts[1]
		}
	}
	rest = strings.ToLower(rest)
	if rest == "" {
		return "", fmt.Errorf("proxy url %q has no host", raw)
	}

	out := scheme + "://"
	if userinfo != "" {
		out += userinfo + "@"
	}
	out += rest
	if _, err := url.Parse(out); err != nil {
		return "", fmt.Errorf("invalid proxy url %q: %w", raw, err)
	}
	return out, nil
}
