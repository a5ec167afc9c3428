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

package address

import (
	"fmt"
	"net"
	"strings"
	"unicode/utf8"

	"github.com/outpost-mta/outpost/framework/dns"
	"golang.org/x/text/unicode/norm"
)

// ForLookup transforms the address into a canonical form usable for map
// lookups or direct comparisons: brackets and whitespace are stripped, the
// local-part is case-folded and NFC-normalized and the domain part is
// converted to the A-label (Punycode) form.
//
// On error, the case-folded addr is also returned.
func ForLookup(addr string) (string, error) {
	addr = StripBrackets(strings.TrimSpace(addr))

	mbox, domain, err := Split(addr)
	if err != nil {
		return strings.ToLower(addr), err
	}

	mbox = strings.ToLower(norm.NFC.String(mbox))

	if domain == "" {
		return mbox, nil
	}

	// RFC 5321 address literals: the canonical domain is the bare
	// address, so downstream code sees something net.ParseIP accepts.
	if strings.HasPrefix(domain, "[") && strings.HasSuffix(domain, "]") {
		lit := domain[1 : len(domain)-1]
		if tag := "IPv6:"; len(lit) > len(tag) && strings.EqualFold(lit[:len(tag)], tag) {
			lit = lit[len(tag):]
		}
		ip := net.ParseIP(lit)
		if ip == nil {
			return strings.ToLower(addr), fmt.Errorf("address: malformed domain literal %q", domain)
		}
		return mbox + "@" + ip.String(), nil
	}

	domain, err = dns.ForLookup(domain)
	if err != nil {
		return strings.ToLower(addr), err
	}

	return mbox + "@" + domain, nil
}

// Equal reports whether addr1 and addr2 are considered to be
// case-insensitively equivalent.
//
// Equivalence for malformed addresses is defined using regular byte-string
// comparison with case-folding applied.
func Equal(addr1, addr2 string) bool {
	if addr1 == addr2 {
		return true
	}

	uAddr1, _ := ForLookup(addr1)
	uAddr2, _ := ForLookup(addr2)
	return uAddr1 == uAddr2
}

func IsASCII(s string) bool {
	for _, ch := range s {
		if ch > utf8.RuneSelf {
			return false
		}
	}
	return true
}
