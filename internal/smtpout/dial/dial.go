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

// Package dial walks a candidate list and opens the outbound TCP
// connection, binding to the zone's selected source address.
package dial

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/outpost-mta/outpost/framework/exterrors"
	"github.com/outpost-mta/outpost/framework/log"
	"github.com/outpost-mta/outpost/internal/hooks"
	"github.com/outpost-mta/outpost/internal/pool"
	"github.com/outpost-mta/outpost/internal/smtpout/resolve"
	"github.com/outpost-mta/outpost/internal/ttlcache"
	"github.com/outpost-mta/outpost/internal/zones"
)

const (
	// Hard cap on one connection attempt.
	connectTimeout = 5 * time.Minute

	// How many candidates one delivery attempt may try.
	maxCandidates = 20

	// How long a failed destination address stays blacklisted for the
	// domain.
	blacklistTTL = 6 * time.Hour
)

// Result is an established outbound connection.
type Result struct {
	Conn      net.Conn
	Candidate resolve.Candidate

	// LocalName is the EHLO name of the chosen pool entry.
	LocalName string
	LocalAddr net.Addr
}

type Dialer struct {
	hooks *hooks.Registry
	cache *ttlcache.Cache
	log   log.Logger

	Port int

	// Domains supplies the merged per remote-domain policy. When set,
	// its disabled source addresses are excluded from pool selection on
	// top of the zone's own disabled list.
	Domains *zones.Set

	// Overridable for tests.
	dialContext func(ctx context.Context, localIP net.IP, addr string) (net.Conn, error)
}

// New builds a dialer. cache is the shared TTL cache used for the
// per-domain destination blacklist; resolve consults the same keys.
func New(reg *hooks.Registry, cache *ttlcache.Cache) *Dialer {
	d := &Dialer{
		hooks: reg,
		cache: cache,
		log:   log.Logger{Name: "smtpout/dial"},
		Port:  25,
	}
	d.dialContext = d.netDial
	return d
}

func (d *Dialer) netDial(ctx context.Context, localIP net.IP, addr string) (net.Conn, error) {
	nd := net.Dialer{Timeout: connectTimeout}
	if localIP != nil && !localIP.IsUnspecified() {
		nd.LocalAddr = &net.TCPAddr{IP: localIP}
	}
	return nd.DialContext(ctx, "tcp", addr)
}

// BlacklistKey is the TTL cache key marking a destination address bad
// for a domain.
func BlacklistKey(domain string, ip net.IP) string {
	return "blacklist:" + domain + ":" + ip.String()
}

// Blacklisted returns the resolver filter callback for the domain.
func (d *Dialer) Blacklisted(domain string) func(net.IP) bool {
	return func(ip net.IP) bool {
		return d.cache.Has(BlacklistKey(domain, ip))
	}
}

// Mark blacklists addr for the domain without a dial attempt. Used to
// seed the local cache with marks the master collected from other
// workers.
func (d *Dialer) Mark(domain string, ip net.IP, reason string) {
	d.cache.Set(BlacklistKey(domain, ip), reason, blacklistTTL)
}

// Marks returns the addresses currently blacklisted for the domain.
func (d *Dialer) Marks(domain string) []string {
	return d.cache.KeysPrefix("blacklist:" + domain + ":")
}

// order sorts candidates for dialing: MX priority ascending and, when
// the zone prefers IPv6, v6 addresses before v4 within each priority.
// The sort is stable so DNS return order breaks remaining ties.
func order(candidates []resolve.Candidate, preferV6 bool) []resolve.Candidate {
	out := make([]resolve.Candidate, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if !preferV6 {
			return false
		}
		return out[i].IP.To4() == nil && out[j].IP.To4() != nil
	})
	if len(out) > maxCandidates {
		out = out[:maxCandidates]
	}
	return out
}

// Dial tries the candidates in order and returns the first established
// connection. selectionKey keeps retries of the same recipient on the
// same source address (relevant for greylisting).
//
// When every candidate fails, the first error is returned: temporary
// for MX destinations, permanent for literal addresses.
func (d *Dialer) Dial(ctx context.Context, zone *zones.Zone, domain, selectionKey string, candidates []resolve.Candidate) (*Result, error) {
	ordered := order(candidates, zone.PreferIPv6)

	var extraDisabled []string
	if d.Domains != nil {
		extraDisabled = d.Domains.DomainConfig(domain).DisabledAddresses
	}

	var firstErr error
	for _, candidate := range ordered {
		ipv6 := candidate.IP.To4() == nil
		if ipv6 && zone.IgnoreIPv6 {
			continue
		}

		entry := pool.Pick(zone.SourcePool(ipv6, domain, extraDisabled), selectionKey, ipv6)
		localIP := net.ParseIP(entry.Address)

		info := hooks.ConnectInfo{
			Zone:    zone.Name,
			Domain:  domain,
			MX:      candidate.Hostname,
			LocalIP: localIP,
		}
		if err := d.hooks.Connect(ctx, &info); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		addr := net.JoinHostPort(candidate.IP.String(), strconv.Itoa(d.Port))
		conn, err := d.dialContext(ctx, info.LocalIP, addr)
		if err != nil {
			d.log.DebugMsg("connection failed",
				"remote", addr, "mx", candidate.Hostname,
				"domain", domain, "reason", err)
			d.cache.Set(BlacklistKey(domain, candidate.IP), err.Error(), blacklistTTL)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		d.log.DebugMsg("connected",
			"remote", conn.RemoteAddr(), "local", conn.LocalAddr(),
			"mx", candidate.Hostname, "domain", domain)
		return &Result{
			Conn:      conn,
			Candidate: candidate,
			LocalName: entry.Name,
			LocalAddr: conn.LocalAddr(),
		}, nil
	}

	if firstErr == nil {
		firstErr = fmt.Errorf("no connection candidates for %s", domain)
	}

	code := 550
	enchCode := exterrors.EnhancedCode{5, 4, 1}
	if len(ordered) != 0 && ordered[0].IsMX {
		code = 450
		enchCode = exterrors.EnhancedCode{4, 4, 1}
	}
	return nil, &exterrors.SMTPError{
		Code:         code,
		EnhancedCode: enchCode,
		Message:      "Cannot connect to the destination",
		TargetName:   "smtpout",
		Err:          firstErr,
		Reason:       firstErr.Error(),
		Misc: map[string]interface{}{
			"domain": domain,
		},
	}
}
