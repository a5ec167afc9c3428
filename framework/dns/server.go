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

package dns

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
)

// ServerResolver is a Resolver implementation that sends queries directly
// to the configured nameservers using the miekg/dns client instead of the
// OS stub resolver. It is used when the 'dns.nameservers' option is set.
type ServerResolver struct {
	cl      *dns.Client
	servers []string
}

// NewServerResolver returns a resolver querying the passed servers (in
// "IP:port" form) in order, moving to the next one on network errors.
func NewServerResolver(servers []string) *ServerResolver {
	for i, srv := range servers {
		if _, _, err := net.SplitHostPort(srv); err != nil {
			servers[i] = net.JoinHostPort(srv, "53")
		}
	}
	return &ServerResolver{
		cl: &dns.Client{
			Timeout: 5 * time.Second,
		},
		servers: servers,
	}
}

func (r *ServerResolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.SetEdns0(4096, false)
	msg.RecursionDesired = true

	var lastErr error
	for _, srv := range r.servers {
		reply, _, err := r.cl.ExchangeContext(ctx, msg, srv)
		if err != nil {
			lastErr = &net.DNSError{
				Err:         err.Error(),
				Name:        name,
				Server:      srv,
				IsTemporary: true,
			}
			continue
		}

		switch reply.Rcode {
		case dns.RcodeSuccess:
			return reply, nil
		case dns.RcodeNameError:
			return nil, &net.DNSError{
				Err:        "no such host",
				Name:       name,
				Server:     srv,
				IsNotFound: true,
			}
		case dns.RcodeServerFailure:
			lastErr = &net.DNSError{
				Err:         "server failure",
				Name:        name,
				Server:      srv,
				IsTemporary: true,
			}
		default:
			lastErr = &net.DNSError{
				Err:    "rcode " + dns.RcodeToString[reply.Rcode],
				Name:   name,
				Server: srv,
			}
		}
	}
	return nil, lastErr
}

func (r *ServerResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	reply, err := r.exchange(ctx, name, dns.TypeMX)
	if err != nil {
		return nil, err
	}

	records := make([]*net.MX, 0, len(reply.Answer))
	for _, rr := range reply.Answer {
		mx, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		records = append(records, &net.MX{Host: mx.Mx, Pref: mx.Preference})
	}
	if len(records) == 0 {
		return nil, &net.DNSError{
			Err:        "no answer",
			Name:       name,
			IsNotFound: true,
		}
	}
	return records, nil
}

func (r *ServerResolver) lookupIP(ctx context.Context, host string) ([]net.IP, error) {
	qtypes := []uint16{dns.TypeA, dns.TypeAAAA}

	var (
		ips     []net.IP
		lastErr error
	)
	for _, qtype := range qtypes {
		reply, err := r.exchange(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rr := range reply.Answer {
			switch a := rr.(type) {
			case *dns.A:
				ips = append(ips, a.A)
			case *dns.AAAA:
				ips = append(ips, a.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, &net.DNSError{
			Err:        "no answer",
			Name:       host,
			IsNotFound: true,
		}
	}
	return ips, nil
}

func (r *ServerResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	ips, err := r.lookupIP(ctx, host)
	if err != nil {
		return nil, err
	}
	addrs := make([]net.IPAddr, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, net.IPAddr{IP: ip})
	}
	return addrs, nil
}

func (r *ServerResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	ips, err := r.lookupIP(ctx, host)
	if err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, ip.String())
	}
	return addrs, nil
}
