package pool

import (
	"fmt"
	"math"
	"testing"
)

func TestPick_Deterministic(t *testing.T) {
	entries := Expand([]Entry{
		{Address: "192.0.2.1", Name: "a.example.org"},
		{Address: "192.0.2.2", Name: "b.example.org"},
		{Address: "192.0.2.3", Name: "c.example.org"},
	})

	first := Pick(entries, "example.net|user@example.net", false)
	for i := 0; i < 100; i++ {
		if got := Pick(entries, "example.net|user@example.net", false); got.Address != first.Address {
			t.Fatalf("selection changed between calls: %s != %s", got.Address, first.Address)
		}
	}
}

func TestPick_EmptyPool(t *testing.T) {
	if got := Pick(nil, "key", false); got.Address != "0.0.0.0" {
		t.Fatalf("want wildcard v4, got %s", got.Address)
	}
	if got := Pick(nil, "key", true); got.Address != "::" {
		t.Fatalf("want wildcard v6, got %s", got.Address)
	}
}

func TestExpand_ExclusiveRatio(t *testing.T) {
	expanded := Expand([]Entry{
		{Address: "192.0.2.1"},
		{Address: "192.0.2.2", Ratio: 1},
	})
	if len(expanded) != 1 || expanded[0].Address != "192.0.2.2" {
		t.Fatalf("ratio=1 entry is not exclusive: %v", expanded)
	}
}

func TestExpand_Distribution(t *testing.T) {
	// One warming-up address at 10%, two established ones splitting the
	// rest.
	expanded := Expand([]Entry{
		{Address: "192.0.2.1", Ratio: 0.1},
		{Address: "192.0.2.2"},
		{Address: "192.0.2.3"},
	})

	const n = 20000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		ent := Pick(expanded, fmt.Sprintf("domain%d.test|user%d", i, i), false)
		counts[ent.Address]++
	}

	check := func(addr string, want float64) {
		t.Helper()
		got := float64(counts[addr]) / n
		if math.Abs(got-want) > 1/math.Sqrt(n)+0.01 {
			t.Errorf("%s: want share %.2f, got %.3f", addr, want, got)
		}
	}
	check("192.0.2.1", 0.1)
	check("192.0.2.2", 0.45)
	check("192.0.2.3", 0.45)
}

func TestFilter(t *testing.T) {
	entries := []Entry{
		{Address: "192.0.2.1"},
		{Address: "192.0.2.2"},
	}
	left := Filter(entries, []string{"192.0.2.1"})
	if len(left) != 1 || left[0].Address != "192.0.2.2" {
		t.Fatalf("unexpected filter result: %v", left)
	}
}
