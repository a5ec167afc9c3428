/*
Outpost MTA - queue-first outbound mail relay.
Copyright © 2024 The Outpost MTA Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package zones holds the static sending zone table and the routing rules
// derived from it.
//
// A sending zone is a named egress lane: its own source address pools,
// worker process count, per-worker connection count, throttling and
// routing rules. The zone table is built once at startup (and on reload)
// and is read-only afterwards; in-flight deliveries keep whatever zone
// they were assigned.
package zones

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/outpost-mta/outpost/framework/dns"
	"github.com/outpost-mta/outpost/internal/pool"
)

// DefaultZoneName is used when no routing rule matches and no explicit
// default zone is configured.
const DefaultZoneName = "default"

// Throttling limits how many deliveries a zone may start within a window.
type Throttling struct {
	Messages int           `mapstructure:"messages"`
	Window   time.Duration `mapstructure:"window"`
}

// Zone is one configured sending zone.
type Zone struct {
	Name string

	// Worker process count and per-worker parallel SMTP session count.
	Processes   int `mapstructure:"processes"`
	Connections int `mapstructure:"connections"`

	PoolV4 []pool.Entry `mapstructure:"pool"`
	PoolV6 []pool.Entry `mapstructure:"pool_v6"`

	Throttling Throttling `mapstructure:"throttling"`

	SenderDomains    []string `mapstructure:"sender_domains"`
	RecipientDomains []string `mapstructure:"recipient_domains"`
	OriginAddresses  []string `mapstructure:"origin_addresses"`

	// Header name -> value. A message carrying the header with the value
	// routes into this zone.
	RoutingHeaders map[string]string `mapstructure:"routing_headers"`

	IgnoreIPv6 bool `mapstructure:"ignore_ipv6"`
	PreferIPv6 bool `mapstructure:"prefer_ipv6"`

	// Remote domain -> source addresses never used for it.
	DisabledAddresses map[string][]string `mapstructure:"disabled_addresses"`

	expandedV4 []pool.Entry
	expandedV6 []pool.Entry
}

// SourcePool returns the expanded selection pool for the address family,
// with the per-domain disabled addresses already filtered out.
func (z *Zone) SourcePool(ipv6 bool, domain string, extraDisabled []string) []pool.Entry {
	entries := z.expandedV4
	if ipv6 {
		entries = z.expandedV6
	}
	entries = pool.Filter(entries, z.DisabledAddresses[domain])
	return pool.Filter(entries, extraDisabled)
}

// DomainConfig is the per remote-domain policy, merged over the default.
type DomainConfig struct {
	MaxConnections    int      `mapstructure:"max_connections"`
	DisabledAddresses []string `mapstructure:"disabled_addresses"`
}

// HeaderField is a single parsed message header used for header routing.
type HeaderField struct {
	Key   string
	Value string
}

// Set is the flattened zone and routing table.
type Set struct {
	zones       map[string]*Zone
	defaultZone string

	bySender    map[string]string
	byRecipient map[string]string
	byOrigin    map[string]string
	byHeader    map[string]map[string]string // header key -> value -> zone

	domainDefault   DomainConfig
	domainOverrides map[string]DomainConfig
}

// NewSet flattens the zone definitions into lookup maps. All domain keys
// are converted with dns.ForLookup so lookups only ever see the canonical
// A-label form.
func NewSet(zoneList []*Zone, defaultZone string, domainDefault DomainConfig, overrides map[string]DomainConfig) (*Set, error) {
	if domainDefault.MaxConnections == 0 {
		domainDefault.MaxConnections = 5
	}

	s := &Set{
		zones:           map[string]*Zone{},
		defaultZone:     defaultZone,
		bySender:        map[string]string{},
		byRecipient:     map[string]string{},
		byOrigin:        map[string]string{},
		byHeader:        map[string]map[string]string{},
		domainDefault:   domainDefault,
		domainOverrides: map[string]DomainConfig{},
	}
	if s.defaultZone == "" {
		s.defaultZone = DefaultZoneName
	}

	for _, zone := range zoneList {
		if zone.Name == "" {
			return nil, fmt.Errorf("zones: zone without a name")
		}
		if _, ok := s.zones[zone.Name]; ok {
			return nil, fmt.Errorf("zones: duplicate zone %q", zone.Name)
		}
		if zone.Connections == 0 {
			zone.Connections = 5
		}
		if zone.Processes == 0 {
			zone.Processes = 1
		}
		zone.expandedV4 = pool.Expand(zone.PoolV4)
		zone.expandedV6 = pool.Expand(zone.PoolV6)
		s.zones[zone.Name] = zone

		for _, domain := range zone.SenderDomains {
			key, err := dns.ForLookup(domain)
			if err != nil {
				return nil, fmt.Errorf("zones: zone %s: bad sender domain %q: %w", zone.Name, domain, err)
			}
			s.bySender[key] = zone.Name
		}
		for _, domain := range zone.RecipientDomains {
			key, err := dns.ForLookup(domain)
			if err != nil {
				return nil, fmt.Errorf("zones: zone %s: bad recipient domain %q: %w", zone.Name, domain, err)
			}
			s.byRecipient[key] = zone.Name
		}
		for _, origin := range zone.OriginAddresses {
			if net.ParseIP(origin) == nil {
				return nil, fmt.Errorf("zones: zone %s: bad origin address %q", zone.Name, origin)
			}
			s.byOrigin[origin] = zone.Name
		}
		for header, value := range zone.RoutingHeaders {
			header = strings.ToLower(strings.TrimSpace(header))
			values := s.byHeader[header]
			if values == nil {
				values = map[string]string{}
				s.byHeader[header] = values
			}
			values[strings.ToLower(strings.TrimSpace(value))] = zone.Name
		}
	}

	for domain, cfg := range overrides {
		key, err := dns.ForLookup(domain)
		if err != nil {
			return nil, fmt.Errorf("zones: bad domain override %q: %w", domain, err)
		}
		s.domainOverrides[key] = cfg
	}

	return s, nil
}

// Zone returns the named zone.
func (s *Set) Zone(name string) (*Zone, bool) {
	z, ok := s.zones[name]
	return z, ok
}

// Names returns all configured zone names.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.zones))
	for name := range s.zones {
		names = append(names, name)
	}
	return names
}

// Default returns the fallback zone name.
func (s *Set) Default() string {
	return s.defaultZone
}

// BySender returns the zone routed by the sender domain, "" if none.
func (s *Set) BySender(domain string) string {
	return s.bySender[domain]
}

// ByRecipient returns the zone routed by the recipient domain, "" if none.
func (s *Set) ByRecipient(domain string) string {
	return s.byRecipient[domain]
}

// ByOrigin returns the zone routed by the submitter address, "" if none.
func (s *Set) ByOrigin(origin string) string {
	return s.byOrigin[origin]
}

// ByHeaders walks headers from the last occurrence backwards and returns
// the first routing match. Later-added routing hints override earlier
// ones, which is why the walk is reversed.
func (s *Set) ByHeaders(headers []HeaderField) string {
	for i := len(headers) - 1; i >= 0; i-- {
		values, ok := s.byHeader[strings.ToLower(headers[i].Key)]
		if !ok {
			continue
		}
		if zone, ok := values[strings.ToLower(strings.TrimSpace(headers[i].Value))]; ok {
			return zone
		}
	}
	return ""
}

// DomainConfig returns the per remote-domain policy merged over the
// defaults. The domain is expected to be in canonical form already.
func (s *Set) DomainConfig(domain string) DomainConfig {
	merged := s.domainDefault
	override, ok := s.domainOverrides[domain]
	if !ok {
		return merged
	}
	if override.MaxConnections != 0 {
		merged.MaxConnections = override.MaxConnections
	}
	if len(override.DisabledAddresses) != 0 {
		merged.DisabledAddresses = override.DisabledAddresses
	}
	return merged
}
