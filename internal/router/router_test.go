package router

import (
	"context"
	"testing"
	"time"

	"github.com/outpost-mta/outpost/internal/hooks"
	"github.com/outpost-mta/outpost/internal/queue"
	"github.com/outpost-mta/outpost/internal/testutils"
	"github.com/outpost-mta/outpost/internal/zones"
)

func testZones(t *testing.T) *zones.Set {
	t.Helper()
	s, err := zones.NewSet([]*zones.Zone{
		{Name: "default"},
		{Name: "zoneA", SenderDomains: []string{"x.com"}},
		{Name: "zoneB", RecipientDomains: []string{"bulk.test"}},
		{Name: "zoneC", OriginAddresses: []string{"192.0.2.1"}},
		{Name: "zoneD", RoutingHeaders: map[string]string{"X-Sending-Zone": "zoneD"}},
	}, "", zones.DomainConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func testRouter(t *testing.T) (*Router, *testutils.Store) {
	t.Helper()
	store := testutils.NewStore()
	r := New(store, testZones(t), &hooks.Registry{})
	r.log = testutils.Logger(t, "router")
	return r, store
}

func TestPush_SingleRecipient(t *testing.T) {
	r, store := testRouter(t)

	rows, err := r.Push(context.Background(), Envelope{
		MessageID: "0000000000010001aaaaaaaa",
		From:      "a@x.test",
		To:        []string{"b@y.test"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("want 1 row, got %d", len(rows))
	}

	row := rows[0]
	if row.Seq != "001" {
		t.Errorf("seq = %q, want 001", row.Seq)
	}
	if row.SendingZone != "default" {
		t.Errorf("zone = %q, want default", row.SendingZone)
	}
	if row.Domain != "y.test" {
		t.Errorf("domain = %q", row.Domain)
	}
	if row.Locked || row.Assigned != queue.Unassigned {
		t.Errorf("fresh row locked=%v assigned=%q", row.Locked, row.Assigned)
	}
	if time.Since(row.Queued) > time.Minute {
		t.Errorf("queued not ≈ now: %v", row.Queued)
	}

	if got := store.Rows(); len(got) != 1 {
		t.Fatalf("store has %d rows", len(got))
	}
}

func TestPush_ZonePriority(t *testing.T) {
	r, _ := testRouter(t)
	ctx := context.Background()

	cases := []struct {
		name string
		env  Envelope
		zone string
	}{
		{"explicit", Envelope{SendingZone: "zoneB", From: "a@x.com", To: []string{"b@y.test"}}, "zoneB"},
		{"explicit unknown falls through", Envelope{SendingZone: "nope", From: "a@x.com", To: []string{"b@y.test"}}, "zoneA"},
		{"header", Envelope{
			Headers: []zones.HeaderField{{Key: "X-Sending-Zone", Value: "zoneD"}},
			From:    "a@x.com", To: []string{"b@y.test"},
		}, "zoneD"},
		{"sender upper case", Envelope{From: "a@X.COM", To: []string{"b@y.test"}}, "zoneA"},
		{"header from wins over envelope", Envelope{
			Headers: []zones.HeaderField{{Key: "From", Value: "Someone <a@x.com>"}},
			From:    "a@other.test", To: []string{"b@y.test"},
		}, "zoneA"},
		{"recipient", Envelope{From: "a@other.test", To: []string{"b@bulk.test"}}, "zoneB"},
		{"origin", Envelope{From: "a@other.test", Origin: "192.0.2.1", To: []string{"b@y.test"}}, "zoneC"},
		{"default", Envelope{From: "a@other.test", To: []string{"b@y.test"}}, "default"},
	}

	for i, tc := range cases {
		tc.env.MessageID = queue.FormatSeq(i+1) + "000000000000000000000"
		rows, err := r.Push(ctx, tc.env)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if rows[0].SendingZone != tc.zone {
			t.Errorf("%s: zone = %q, want %q", tc.name, rows[0].SendingZone, tc.zone)
		}
	}
}

func TestPush_DeferDelivery(t *testing.T) {
	r, _ := testRouter(t)

	future := time.Now().Add(time.Hour)
	rows, err := r.Push(context.Background(), Envelope{
		MessageID:     "0000000000020001aaaaaaaa",
		From:          "a@x.test",
		To:            []string{"b@y.test"},
		DeferDelivery: future,
	})
	if err != nil {
		t.Fatal(err)
	}

	row := rows[0]
	if !row.Queued.Equal(future) {
		t.Errorf("queued = %v, want %v", row.Queued, future)
	}
	if row.Deferred == nil || row.Deferred.Count != 0 || row.Deferred.Response != "Deferred by router" {
		t.Errorf("unexpected _deferred: %+v", row.Deferred)
	}
}

func TestPush_MultiRecipientSeq(t *testing.T) {
	r, _ := testRouter(t)

	rows, err := r.Push(context.Background(), Envelope{
		MessageID: "0000000000030001aaaaaaaa",
		From:      "a@x.test",
		To:        []string{"b@y.test", "c@y.test", "d@z.test"},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"001", "002", "003"}
	for i, row := range rows {
		if row.Seq != want[i] {
			t.Errorf("row %d seq = %q, want %q", i, row.Seq, want[i])
		}
	}
}

func TestPush_HookMutatesAndWins(t *testing.T) {
	store := testutils.NewStore()
	reg := &hooks.Registry{}
	reg.OnRoute(func(_ context.Context, _ map[string]interface{}, deliveries []*queue.Delivery) error {
		for _, d := range deliveries {
			d.SendingZone = "zoneB"
		}
		return nil
	})
	r := New(store, testZones(t), reg)
	r.log = testutils.Logger(t, "router")

	rows, err := r.Push(context.Background(), Envelope{
		MessageID: "0000000000040001aaaaaaaa",
		From:      "a@x.com", // would route to zoneA
		To:        []string{"b@y.test"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].SendingZone != "zoneB" {
		t.Errorf("hook mutation lost: zone = %q", rows[0].SendingZone)
	}
}

func TestPush_HookDrop(t *testing.T) {
	store := testutils.NewStore()
	reg := &hooks.Registry{}
	reg.OnRoute(func(_ context.Context, _ map[string]interface{}, _ []*queue.Delivery) error {
		return hooks.ErrDrop
	})
	r := New(store, testZones(t), reg)
	r.log = testutils.Logger(t, "router")

	rows, err := r.Push(context.Background(), Envelope{
		MessageID: "0000000000050001aaaaaaaa",
		From:      "a@x.test",
		To:        []string{"b@y.test"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if rows != nil {
		t.Fatal("dropped message produced rows")
	}
	if got := store.Rows(); len(got) != 0 {
		t.Fatalf("store has %d rows after drop", len(got))
	}
}

func TestPush_LoopedMessageDropped(t *testing.T) {
	r, store := testRouter(t)

	headers := make([]zones.HeaderField, 0, 30)
	for i := 0; i < 26; i++ {
		headers = append(headers, zones.HeaderField{Key: "Received", Value: "by mx.example"})
	}
	rows, err := r.Push(context.Background(), Envelope{
		MessageID: "0000000000060001aaaaaaaa",
		From:      "a@x.test",
		To:        []string{"b@y.test"},
		Headers:   headers,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rows != nil || len(store.Rows()) != 0 {
		t.Fatal("looped message was queued")
	}
}

func TestPush_InvalidRecipient(t *testing.T) {
	r, _ := testRouter(t)

	_, err := r.Push(context.Background(), Envelope{
		MessageID: "0000000000070001aaaaaaaa",
		From:      "a@x.test",
		To:        []string{"no-at-sign"},
	})
	if err == nil {
		t.Fatal("invalid recipient accepted")
	}
}

func TestPush_AddressLiteralRecipient(t *testing.T) {
	r, _ := testRouter(t)

	rows, err := r.Push(context.Background(), Envelope{
		MessageID: "0000000000010001cccccccc",
		From:      "a@x.test",
		To:        []string{"b@[192.0.2.5]"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("want 1 row, got %d", len(rows))
	}
	if rows[0].Recipient != "b@192.0.2.5" {
		t.Errorf("recipient = %q", rows[0].Recipient)
	}
	if rows[0].Domain != "192.0.2.5" {
		t.Errorf("domain = %q, literal brackets survived normalization", rows[0].Domain)
	}
}
