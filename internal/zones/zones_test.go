package zones

import (
	"testing"
)

func testSet(t *testing.T) *Set {
	t.Helper()
	s, err := NewSet([]*Zone{
		{
			Name:          "transactional",
			SenderDomains: []string{"X.com"},
			RoutingHeaders: map[string]string{
				"X-Sending-Zone": "transactional",
			},
		},
		{
			Name:             "bulk",
			RecipientDomains: []string{"freemail.test"},
			OriginAddresses:  []string{"192.0.2.77"},
		},
		{Name: "default"},
	}, "", DomainConfig{}, map[string]DomainConfig{
		"slow.test": {MaxConnections: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestBySender_Punycoded(t *testing.T) {
	s := testSet(t)

	// Config used upper case, lookup uses the canonical form.
	if zone := s.BySender("x.com"); zone != "transactional" {
		t.Fatalf("want transactional, got %q", zone)
	}
	if zone := s.BySender("other.com"); zone != "" {
		t.Fatalf("want no match, got %q", zone)
	}
}

func TestByRecipientAndOrigin(t *testing.T) {
	s := testSet(t)

	if zone := s.ByRecipient("freemail.test"); zone != "bulk" {
		t.Fatalf("want bulk, got %q", zone)
	}
	if zone := s.ByOrigin("192.0.2.77"); zone != "bulk" {
		t.Fatalf("want bulk, got %q", zone)
	}
}

func TestByHeaders_LastWins(t *testing.T) {
	s := testSet(t)

	zone := s.ByHeaders([]HeaderField{
		{Key: "Subject", Value: "hello"},
		{Key: "X-Sending-Zone", Value: "nonexistent"},
		{Key: "x-sending-zone", Value: "Transactional"},
	})
	if zone != "transactional" {
		t.Fatalf("want transactional, got %q", zone)
	}
}

func TestDomainConfig_Merge(t *testing.T) {
	s := testSet(t)

	if cfg := s.DomainConfig("anything.test"); cfg.MaxConnections != 5 {
		t.Fatalf("want default max connections 5, got %d", cfg.MaxConnections)
	}
	if cfg := s.DomainConfig("slow.test"); cfg.MaxConnections != 2 {
		t.Fatalf("want override 2, got %d", cfg.MaxConnections)
	}
}

func TestNewSet_DuplicateZone(t *testing.T) {
	_, err := NewSet([]*Zone{{Name: "a"}, {Name: "a"}}, "", DomainConfig{}, nil)
	if err == nil {
		t.Fatal("duplicate zone accepted")
	}
}
