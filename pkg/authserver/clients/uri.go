// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package clients

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

// URI validation errors returned by NormalizeURI.
var (
	ErrURIEmpty       = errors.New("URI must not be empty")
	ErrURIWildcard    = errors.New("wildcards (*) are not allowed")
	ErrURINotAbsolute = errors.New("URI must be absolute (http:// or https://)")
	ErrURIScheme      = errors.New("URI scheme must be http or https")
	ErrURIHost        = errors.New("URI must contain a host")
	ErrURIFragment    = errors.New("URI must not contain a fragment")
	ErrURIMalformed   = errors.New("malformed URI")
)

// NormalizeURI validates a redirect URI or CORS origin and returns its
// canonical form: 127.0.0.1 becomes localhost and a trailing slash is
// dropped when the path is empty. NormalizeURI(NormalizeURI(u)) == NormalizeURI(u).
func NormalizeURI(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrURIEmpty
	}
	if strings.Contains(trimmed, "*") {
		return "", ErrURIWildcard
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", ErrURIMalformed
	}
	if !u.IsAbs() || u.Opaque != "" {
		return "", ErrURINotAbsolute
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", ErrURIScheme
	}
	if u.Hostname() == "" {
		return "", ErrURIHost
	}
	if u.Fragment != "" || strings.HasSuffix(trimmed, "#") {
		return "", ErrURIFragment
	}

	host := strings.ToLower(u.Hostname())
	if host == "127.0.0.1" {
		host = "localhost"
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}

	if u.Path == "/" && u.RawQuery == "" && !u.ForceQuery {
		u.Path = ""
		u.RawPath = ""
	}

	return u.String(), nil
}

// normalizeAll normalizes uris, dropping duplicates while keeping order. It
// records an error for every invalid entry under field.
func normalizeAll(field string, uris []string, verr *ValidationError) []string {
	out := make([]string, 0, len(uris))
	seen := make(map[string]struct{}, len(uris))
	for i, raw := range uris {
		n, err := NormalizeURI(raw)
		if err != nil {
			verr.addIndexed(field, i, raw, err.Error())
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
