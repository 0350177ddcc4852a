// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package requestmeta extracts the client address, device and location of
// an HTTP request for the authorization ledger.
package requestmeta

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/mssola/user_agent"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/grantkeeper/pkg/authserver/storage"
	"github.com/stacklok/grantkeeper/pkg/logger"
)

// Unknown fills metadata fields that could not be determined.
const Unknown = "Unknown"

// Device types.
const (
	DeviceComputer = "Computer"
	DeviceMobile   = "Mobile"
	DeviceTablet   = "Tablet"
	DeviceBot      = "Bot"
)

// DefaultLookupTimeout bounds a single geolocation lookup.
const DefaultLookupTimeout = 500 * time.Millisecond

// forwardingHeaders are consulted in order for the originating client address.
var forwardingHeaders = []string{
	"X-Forwarded-For",
	"X-Real-IP",
	"Proxy-Client-IP",
	"WL-Proxy-Client-IP",
	"HTTP_X_FORWARDED_FOR",
	"HTTP_X_FORWARDED",
	"HTTP_X_CLUSTER_CLIENT_IP",
	"HTTP_CLIENT_IP",
	"HTTP_FORWARDED_FOR",
	"HTTP_FORWARDED",
	"HTTP_VIA",
}

// Metadata is the ledger's request metadata.
type Metadata = storage.RequestMetadata

// Extractor builds Metadata from requests.
type Extractor struct {
	geo           GeoResolver
	trustHeaders  bool
	lookupTimeout time.Duration
	lookups       singleflight.Group
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithGeoResolver enables location lookups.
func WithGeoResolver(r GeoResolver) Option {
	return func(e *Extractor) {
		e.geo = r
	}
}

// WithTrustedHeaders controls whether forwarding headers are honored. When
// false only the connection's remote address is used.
func WithTrustedHeaders(trust bool) Option {
	return func(e *Extractor) {
		e.trustHeaders = trust
	}
}

// WithLookupTimeout overrides DefaultLookupTimeout.
func WithLookupTimeout(d time.Duration) Option {
	return func(e *Extractor) {
		e.lookupTimeout = d
	}
}

// NewExtractor creates an Extractor. Forwarding headers are trusted by default.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{
		trustHeaders:  true,
		lookupTimeout: DefaultLookupTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract returns the metadata of r. It never fails; unknown parts are set to Unknown.
func (e *Extractor) Extract(r *http.Request) Metadata {
	ip := e.ClientIP(r)
	ua := strings.TrimSpace(r.UserAgent())
	if ua == "" {
		ua = Unknown
	}
	browser, os, device := ParseUserAgent(ua)
	loc := e.locate(r.Context(), ip)

	md := Metadata{
		IPAddress:  ip,
		UserAgent:  ua,
		Browser:    browser,
		OS:         os,
		DeviceType: device,
		City:       orUnknown(loc.City),
		Country:    orUnknown(loc.Country),
	}
	logger.Debugw("extracted request metadata",
		"ip", md.IPAddress,
		"browser", md.Browser,
		"os", md.OS,
		"device", md.DeviceType,
		"country", md.Country,
	)
	return md
}

// ClientIP returns the originating client address of r.
func (e *Extractor) ClientIP(r *http.Request) string {
	if e.trustHeaders {
		for _, h := range forwardingHeaders {
			v := strings.TrimSpace(r.Header.Get(h))
			if v == "" || strings.EqualFold(v, "unknown") {
				continue
			}
			// Forwarded-For lists client, proxy1, proxy2; the first is the client.
			if first, _, ok := strings.Cut(v, ","); ok {
				v = strings.TrimSpace(first)
			}
			return v
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (e *Extractor) locate(ctx context.Context, ip string) Location {
	if e.geo == nil {
		return Location{}
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil || !IsPublic(addr) {
		return Location{}
	}
	addr = addr.Unmap()

	v, err, _ := e.lookups.Do(addr.String(), func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.lookupTimeout)
		defer cancel()
		return e.geo.Lookup(lctx, addr)
	})
	if err != nil {
		logger.Debugw("geolocation lookup failed", "ip", ip, "error", err)
		return Location{}
	}
	loc, ok := v.(*Location)
	if !ok || loc == nil {
		return Location{}
	}
	return *loc
}

// IsPublic reports whether addr is worth a geolocation lookup.
func IsPublic(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsValid() &&
		!addr.IsLoopback() &&
		!addr.IsPrivate() &&
		!addr.IsLinkLocalUnicast() &&
		!addr.IsLinkLocalMulticast() &&
		!addr.IsUnspecified()
}

// ParseUserAgent returns the browser, operating system and device type of a
// User-Agent header value.
func ParseUserAgent(header string) (browser, os, device string) {
	if header == "" || header == Unknown {
		return Unknown, Unknown, Unknown
	}
	ua := user_agent.New(header)

	name, _ := ua.Browser()
	info := ua.OSInfo()
	osName := info.Name
	if osName != "" && info.Version != "" {
		osName += " " + info.Version
	}

	switch {
	case ua.Bot():
		device = DeviceBot
	case isTablet(header):
		device = DeviceTablet
	case ua.Mobile():
		device = DeviceMobile
	default:
		device = DeviceComputer
	}
	return orUnknown(name), orUnknown(osName), device
}

func isTablet(header string) bool {
	h := strings.ToLower(header)
	return strings.Contains(h, "ipad") || strings.Contains(h, "tablet") ||
		(strings.Contains(h, "android") && !strings.Contains(h, "mobile"))
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return Unknown
	}
	return s
}
