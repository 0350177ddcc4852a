// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package requestmeta

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/oschwald/geoip2-golang"
)

//go:generate mockgen -destination=mocks/mock_geo.go -package=mocks -source=geo.go GeoResolver

// Location is the result of a geolocation lookup. Empty fields are unknown.
type Location struct {
	City    string
	Country string
}

// GeoResolver resolves a public IP address to a location.
type GeoResolver interface {
	Lookup(ctx context.Context, ip netip.Addr) (*Location, error)
}

// MaxMindResolver reads a MaxMind GeoLite2/GeoIP2 City database.
type MaxMindResolver struct {
	reader *geoip2.Reader
}

// NewMaxMindResolver opens the database at path.
func NewMaxMindResolver(path string) (*MaxMindResolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database %s: %w", path, err)
	}
	return &MaxMindResolver{reader: reader}, nil
}

// Lookup returns the English city and country names of ip.
func (m *MaxMindResolver) Lookup(_ context.Context, ip netip.Addr) (*Location, error) {
	record, err := m.reader.City(net.IP(ip.AsSlice()))
	if err != nil {
		return nil, err
	}
	return &Location{
		City:    record.City.Names["en"],
		Country: record.Country.Names["en"],
	}, nil
}

// Close releases the database.
func (m *MaxMindResolver) Close() error {
	return m.reader.Close()
}

var _ GeoResolver = (*MaxMindResolver)(nil)
