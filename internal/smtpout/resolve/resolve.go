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

// Package resolve turns a destination domain into a list of connection
// candidates: MX hostnames expanded to their usable addresses, in
// non-decreasing priority order.
package resolve

import (
	"context"
	"fmt"
	"net"
	"sort"

	"github.com/outpost-mta/outpost/framework/dns"
	"github.com/outpost-mta/outpost/framework/exterrors"
	"github.com/outpost-mta/outpost/framework/log"
)

// Candidate is one (MX, address) pair a dial attempt may use.
type Candidate struct {
	// Hostname is the MX name (or the destination domain itself when
	// there were no MX records). Used for logging and TLS verification.
	Hostname string

	// Priority is the MX preference; candidates of a literal-IP or
	// implicit-MX destination carry 0.
	Priority int

	IP net.IP

	// IsMX is false when the destination was a literal address. It
	// decides whether exhaustion is reported as temporary or permanent.
	IsMX bool
}

// Options is the per-zone resolution policy.
type Options struct {
	IgnoreIPv6 bool

	// Deny are networks never connected to, on top of the built-in
	// loopback/multicast/unspecified filter.
	Deny []*net.IPNet

	// Blacklisted reports a destination address recently marked bad for
	// this domain. Checked last, after the static filters.
	Blacklisted func(ip net.IP) bool
}

type Resolver struct {
	dns dns.Resolver
	log log.Logger
}

func New(resolver dns.Resolver) *Resolver {
	return &Resolver{
		dns: resolver,
		log: log.Logger{Name: "smtpout/resolve"},
	}
}

// invalidIP explains why an address must not be used, nil if it is fine.
func invalidIP(ip net.IP, opts *Options) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback address %v", ip)
	case ip.IsMulticast():
		return fmt.Errorf("multicast address %v", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified address %v", ip)
	}
	for _, network := range opts.Deny {
		if network.Contains(ip) {
			return fmt.Errorf("address %v denied by policy (%v)", ip, network)
		}
	}
	if opts.Blacklisted != nil && opts.Blacklisted(ip) {
		return fmt.Errorf("address %v is temporarily blacklisted for this domain", ip)
	}
	return nil
}

// Resolve expands the destination domain (canonical form or a literal
// address, brackets already stripped) into dialing candidates.
//
// MX lookup failures other than NXDOMAIN/NODATA are temporary (450).
// Per-host address lookup failures only exclude that host. If every
// resolved address was rejected by the validity filter, the first
// rejection is returned as permanent (550).
func (r *Resolver) Resolve(ctx context.Context, domain string, opts Options) ([]Candidate, error) {
	if ip := net.ParseIP(domain); ip != nil {
		if err := invalidIP(ip, &opts); err != nil {
			return nil, permanentErr(err, "Destination address unusable")
		}
		if ip.To4() == nil && opts.IgnoreIPv6 {
			return nil, permanentErr(fmt.Errorf("IPv6 destination %v with IPv6 disabled", ip), "Destination address unusable")
		}
		return []Candidate{{Hostname: domain, Priority: 0, IP: ip, IsMX: false}}, nil
	}

	records, err := r.dns.LookupMX(ctx, domain)
	if err != nil && !exterrors.IsNotFoundDNS(err) {
		reason, misc := exterrors.UnwrapDNSErr(err)
		return nil, &exterrors.SMTPError{
			Code:         450,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 4},
			Message:      "MX lookup error",
			TargetName:   "smtpout",
			Reason:       reason,
			Err:          err,
			Misc:         misc,
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	// RFC 5321 section 5.1: no MX means the domain itself is the
	// implicit MX.
	if len(records) == 0 {
		records = []*net.MX{{Host: domain, Pref: 0}}
	}

	var (
		candidates  []Candidate
		firstLookup error
		firstFilter error
	)
	for _, record := range records {
		if record.Host == "." {
			return nil, &exterrors.SMTPError{
				Code:         556,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 10},
				Message:      "Domain does not accept email (null MX)",
				TargetName:   "smtpout",
			}
		}

		addrs, err := r.dns.LookupIPAddr(ctx, record.Host)
		if err != nil {
			r.log.DebugMsg("cannot resolve MX host", "mx", record.Host, "domain", domain, "reason", err)
			if firstLookup == nil {
				firstLookup = err
			}
			continue
		}

		for _, addr := range addrs {
			if addr.IP.To4() == nil && opts.IgnoreIPv6 {
				continue
			}
			if err := invalidIP(addr.IP, &opts); err != nil {
				if firstFilter == nil {
					firstFilter = err
				}
				continue
			}
			candidates = append(candidates, Candidate{
				Hostname: record.Host,
				Priority: int(record.Pref),
				IP:       addr.IP,
				IsMX:     true,
			})
		}
	}

	if len(candidates) != 0 {
		return candidates, nil
	}
	if firstFilter != nil {
		return nil, permanentErr(firstFilter, "All destination addresses rejected by policy")
	}
	if firstLookup != nil {
		reason, misc := exterrors.UnwrapDNSErr(firstLookup)
		return nil, &exterrors.SMTPError{
			Code:         exterrors.SMTPCode(firstLookup, 450, 550),
			EnhancedCode: exterrors.SMTPEnchCode(firstLookup, exterrors.EnhancedCode{0, 4, 4}),
			Message:      "No usable addresses for any MX",
			TargetName:   "smtpout",
			Reason:       reason,
			Err:          firstLookup,
			Misc:         misc,
		}
	}
	return nil, &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 4, 4},
		Message:      "No addresses resolved for the destination",
		TargetName:   "smtpout",
	}
}

func permanentErr(err error, message string) error {
	return &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 4, 4},
		Message:      message,
		TargetName:   "smtpout",
		Reason:       err.Error(),
		Err:          err,
	}
}
