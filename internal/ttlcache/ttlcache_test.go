package ttlcache

import (
	"sort"
	"testing"
	"time"
)

func TestGet_Expiry(t *testing.T) {
	c := New()

	c.Set("empty:default", true, 50*time.Millisecond)
	if !c.Has("empty:default") {
		t.Fatal("fresh entry missing")
	}

	time.Sleep(60 * time.Millisecond)
	if c.Has("empty:default") {
		t.Fatal("expired entry still visible")
	}
}

func TestCountPrefix(t *testing.T) {
	c := New()

	c.Set("blacklist:example.org:10.0.0.1", true, time.Hour)
	c.Set("blacklist:example.com:10.0.0.2", true, time.Hour)
	c.Set("blacklist:dead.test:10.0.0.3", true, -time.Second)
	c.Set("empty:default", true, time.Hour)

	if n := c.CountPrefix("blacklist:"); n != 2 {
		t.Fatalf("want 2 live blacklist entries, got %d", n)
	}
}

func TestSweep(t *testing.T) {
	c := New()

	c.Set("a", 1, -time.Second)
	c.Set("b", 2, time.Hour)

	c.Sweep(time.Now())

	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	if n != 1 {
		t.Fatalf("want 1 entry after sweep, got %d", n)
	}
}

func TestKeysPrefix(t *testing.T) {
	c := New()
	c.Set("blacklist:y.test:192.0.2.1", true, time.Hour)
	c.Set("blacklist:y.test:192.0.2.2", true, time.Hour)
	c.Set("blacklist:other.test:192.0.2.3", true, time.Hour)
	c.Set("blacklist:y.test:192.0.2.4", true, -time.Second)

	keys := c.KeysPrefix("blacklist:y.test:")
	sort.Strings(keys)
	want := []string{"192.0.2.1", "192.0.2.2"}
	if len(keys) != len(want) || keys[0] != want[0] || keys[1] != want[1] {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
}
