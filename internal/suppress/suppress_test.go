package suppress

import "testing"

func TestStatic_Match(t *testing.T) {
	s := NewStatic([]Entry{
		{ID: "1", Address: "User@EXAMPLE.org"},
		{ID: "2", Domain: "Spamtrap.Test"},
	})

	if e, ok := s.Match("user@example.org", "example.org"); !ok || e.ID != "1" {
		t.Fatalf("address match failed: %v %v", e, ok)
	}
	if e, ok := s.Match("anyone@spamtrap.test", "spamtrap.test"); !ok || e.ID != "2" {
		t.Fatalf("domain match failed: %v %v", e, ok)
	}
	if _, ok := s.Match("other@example.com", "example.com"); ok {
		t.Fatal("unexpected match")
	}
}

func TestStatic_SkipsMalformed(t *testing.T) {
	s := NewStatic([]Entry{
		{ID: "1", Address: "not-an-address"},
		{ID: "2", Address: "ok@example.org"},
	})
	if s.Len() != 1 {
		t.Fatalf("want 1 usable entry, got %d", s.Len())
	}
}
