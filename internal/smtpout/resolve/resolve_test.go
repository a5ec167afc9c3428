package resolve

import (
	"context"
	"net"
	"testing"

	"github.com/foxcpp/go-mockdns"

	"github.com/outpost-mta/outpost/framework/exterrors"
)

func testResolver(zones map[string]mockdns.Zone) *Resolver {
	return New(&mockdns.Resolver{Zones: zones})
}

func TestResolve_MXOrdering(t *testing.T) {
	r := testResolver(map[string]mockdns.Zone{
		"example.org.": {
			MX: []net.MX{
				{Host: "mx2.example.org.", Pref: 20},
				{Host: "mx1.example.org.", Pref: 10},
				{Host: "mx3.example.org.", Pref: 20},
			},
		},
		"mx1.example.org.": {A: []string{"192.0.2.1"}},
		"mx2.example.org.": {A: []string{"192.0.2.2"}},
		"mx3.example.org.": {A: []string{"192.0.2.3"}},
	})

	candidates, err := r.Resolve(context.Background(), "example.org", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 3 {
		t.Fatalf("want 3 candidates, got %d", len(candidates))
	}
	// Ascending priority; ties keep DNS return order.
	wantHosts := []string{"mx1.example.org.", "mx2.example.org.", "mx3.example.org."}
	for i, c := range candidates {
		if c.Hostname != wantHosts[i] {
			t.Errorf("candidate %d = %s, want %s", i, c.Hostname, wantHosts[i])
		}
		if !c.IsMX {
			t.Errorf("candidate %d not marked MX", i)
		}
	}
}

func TestResolve_FallbackToA(t *testing.T) {
	r := testResolver(map[string]mockdns.Zone{
		"example.org.": {A: []string{"192.0.2.1"}},
	})

	candidates, err := r.Resolve(context.Background(), "example.org", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 || !candidates[0].IP.Equal(net.ParseIP("192.0.2.1")) {
		t.Fatalf("unexpected candidates: %v", candidates)
	}
	if candidates[0].Priority != 0 {
		t.Errorf("implicit MX priority = %d", candidates[0].Priority)
	}
}

func TestResolve_LiteralIP(t *testing.T) {
	r := testResolver(nil)

	candidates, err := r.Resolve(context.Background(), "192.0.2.9", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 || candidates[0].IsMX {
		t.Fatalf("unexpected candidates: %v", candidates)
	}
}

func TestResolve_MXLookupErrorIsTemporary(t *testing.T) {
	r := testResolver(map[string]mockdns.Zone{
		"example.org.": {
			Err: &net.DNSError{Err: "SERVFAIL", Name: "example.org", IsTemporary: true},
		},
	})

	_, err := r.Resolve(context.Background(), "example.org", Options{})
	if err == nil {
		t.Fatal("want error")
	}
	if !exterrors.IsTemporary(err) {
		t.Errorf("SERVFAIL not temporary: %v", err)
	}
}

func TestResolve_BrokenMXHostSkipped(t *testing.T) {
	r := testResolver(map[string]mockdns.Zone{
		"example.org.": {
			MX: []net.MX{
				{Host: "dead.example.org.", Pref: 10},
				{Host: "mx.example.org.", Pref: 20},
			},
		},
		"mx.example.org.": {A: []string{"192.0.2.1"}},
	})

	candidates, err := r.Resolve(context.Background(), "example.org", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 || candidates[0].Hostname != "mx.example.org." {
		t.Fatalf("unexpected candidates: %v", candidates)
	}
}

func TestResolve_AllFilteredIsPermanent(t *testing.T) {
	r := testResolver(map[string]mockdns.Zone{
		"example.org.": {A: []string{"127.0.0.1"}},
	})

	_, err := r.Resolve(context.Background(), "example.org", Options{})
	if err == nil {
		t.Fatal("want error")
	}
	if exterrors.IsTemporary(err) {
		t.Errorf("filter rejection reported as temporary: %v", err)
	}
}

func TestResolve_IgnoreIPv6(t *testing.T) {
	r := testResolver(map[string]mockdns.Zone{
		"example.org.": {
			A:    []string{"192.0.2.1"},
			AAAA: []string{"2001:db8::1"},
		},
	})

	candidates, err := r.Resolve(context.Background(), "example.org", Options{IgnoreIPv6: true})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range candidates {
		if c.IP.To4() == nil {
			t.Errorf("IPv6 candidate with IgnoreIPv6: %v", c.IP)
		}
	}
}

func TestResolve_Blacklisted(t *testing.T) {
	r := testResolver(map[string]mockdns.Zone{
		"example.org.": {A: []string{"192.0.2.1", "192.0.2.2"}},
	})

	candidates, err := r.Resolve(context.Background(), "example.org", Options{
		Blacklisted: func(ip net.IP) bool { return ip.Equal(net.ParseIP("192.0.2.1")) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 || !candidates[0].IP.Equal(net.ParseIP("192.0.2.2")) {
		t.Fatalf("blacklist not applied: %v", candidates)
	}
}

func TestResolve_NullMX(t *testing.T) {
	r := testResolver(map[string]mockdns.Zone{
		"example.org.": {MX: []net.MX{{Host: ".", Pref: 0}}},
	})

	_, err := r.Resolve(context.Background(), "example.org", Options{})
	if err == nil {
		t.Fatal("null MX accepted")
	}
	if exterrors.IsTemporary(err) {
		t.Errorf("null MX reported as temporary: %v", err)
	}
}

func TestResolve_DenyNetwork(t *testing.T) {
	_, private, _ := net.ParseCIDR("10.0.0.0/8")
	r := testResolver(map[string]mockdns.Zone{
		"example.org.": {A: []string{"10.1.2.3"}},
	})

	_, err := r.Resolve(context.Background(), "example.org", Options{Deny: []*net.IPNet{private}})
	if err == nil {
		t.Fatal("denied network accepted")
	}
}
