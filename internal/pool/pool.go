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

// Package pool implements source address selection for outbound
// connections.
//
// Selection is deterministic: the same selection key (usually
// "domain|recipient") always maps to the same pool entry, so a remote
// server that greylisted us sees the retry coming from the same IP.
//
// Warm-up ratios reduce the share of traffic a new address receives by
// expanding the pool so that relative entry frequencies match the
// configured ratios.
package pool

import (
	"hash/crc32"
	"math"
	"net"
)

// Entry is one source address in a zone pool. Name is the hostname the
// worker will use in EHLO when sending from this address.
type Entry struct {
	Address string  `mapstructure:"address"`
	Name    string  `mapstructure:"name"`
	Ratio   float64 `mapstructure:"ratio"`
}

// Expand turns the configured entry list into a selection list where each
// entry appears with a frequency proportional to its ratio. Entries
// without a ratio split the leftover share equally. An entry with
// ratio=1 takes the pool over completely.
func Expand(entries []Entry) []Entry {
	if len(entries) == 0 {
		return nil
	}

	var (
		ratioSum  float64
		unratioed int
	)
	for _, ent := range entries {
		if ent.Ratio >= 1 {
			return []Entry{ent}
		}
		if ent.Ratio > 0 {
			ratioSum += ent.Ratio
		} else {
			unratioed++
		}
	}
	if ratioSum == 0 {
		// Nothing to weigh, use the list as is.
		return entries
	}

	leftover := 1 - ratioSum
	if leftover < 0 {
		leftover = 0
	}
	share := 0.0
	if unratioed != 0 {
		share = leftover / float64(unratioed)
	}

	// Scale everything to integer repeat counts. The granularity of 1/100
	// is enough for warm-up purposes.
	const scale = 100
	expanded := make([]Entry, 0, scale)
	for _, ent := range entries {
		ratio := ent.Ratio
		if ratio == 0 {
			ratio = share
		}
		repeats := int(math.Round(ratio * scale))
		if repeats < 1 {
			repeats = 1
		}
		for i := 0; i < repeats; i++ {
			expanded = append(expanded, ent)
		}
	}
	return expanded
}

// Pick returns the pool entry for the passed selection key. For an empty
// pool the wildcard address is returned so the OS picks the source.
func Pick(expanded []Entry, selectionKey string, ipv6 bool) Entry {
	if len(expanded) == 0 {
		if ipv6 {
			return Entry{Address: "::"}
		}
		return Entry{Address: "0.0.0.0"}
	}
	sum := crc32.ChecksumIEEE([]byte(selectionKey))
	return expanded[int(sum%uint32(len(expanded)))]
}

// Filter removes entries whose address is in the disabled list. Used to
// apply per-domain disabledAddresses before picking.
func Filter(entries []Entry, disabled []string) []Entry {
	if len(disabled) == 0 {
		return entries
	}
	out := make([]Entry, 0, len(entries))
	for _, ent := range entries {
		skip := false
		for _, addr := range disabled {
			if ent.Address == addr {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, ent)
		}
	}
	return out
}

// IsV6 reports whether the entry address is an IPv6 address.
func (e Entry) IsV6() bool {
	ip := net.ParseIP(e.Address)
	return ip != nil && ip.To4() == nil
}
