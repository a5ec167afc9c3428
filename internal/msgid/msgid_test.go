package msgid

import (
	"sort"
	"testing"
	"time"
)

func TestGet_Sortable(t *testing.T) {
	gen := New()

	ids := make([]string, 0, 1000)
	for i := 0; i < 1000; i++ {
		ids = append(ids, gen.Get())
	}

	if !sort.StringsAreSorted(ids) {
		t.Fatal("generated IDs are not in lexicographic order")
	}

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			t.Fatal("duplicate ID:", id)
		}
		seen[id] = struct{}{}
	}
}

func TestGet_Length(t *testing.T) {
	gen := New()
	id := gen.Get()
	if len(id) != 24 {
		t.Fatalf("want 24 characters, got %d (%s)", len(id), id)
	}
}

func TestByTime_Boundary(t *testing.T) {
	gen := New()

	boundary := time.Now()
	time.Sleep(2 * time.Millisecond)
	after := gen.Get()

	if !(ByTime(boundary) < after) {
		t.Fatalf("ByTime(%v) = %s is not less than later ID %s", boundary, ByTime(boundary), after)
	}

	future := time.Now().Add(time.Hour)
	if !(after < ByTime(future)) {
		t.Fatalf("ID %s is not less than future boundary %s", after, ByTime(future))
	}
}
