package dsn

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/outpost-mta/outpost/framework/exterrors"
	"github.com/outpost-mta/outpost/internal/blob"
	"github.com/outpost-mta/outpost/internal/hooks"
	"github.com/outpost-mta/outpost/internal/msgid"
	"github.com/outpost-mta/outpost/internal/queue"
	"github.com/outpost-mta/outpost/internal/router"
	"github.com/outpost-mta/outpost/internal/testutils"
	"github.com/outpost-mta/outpost/internal/zones"
)

func TestGenerate(t *testing.T) {
	var body bytes.Buffer
	header, err := Generate(
		Envelope{
			MsgID: "<dsn1@mx.example.org>",
			From:  "MAILER-DAEMON@mx.example.org",
			To:    "sender@example.org",
		},
		ReportingMTAInfo{
			ReportingMTA:    "mx.example.org",
			XSender:         "sender@example.org",
			XMessageID:      "000000000001000100000001",
			ArrivalDate:     time.Now().Add(-time.Hour),
			LastAttemptDate: time.Now(),
		},
		[]RecipientInfo{{
			FinalRecipient: "rcpt@remote.test",
			Action:         ActionFailed,
			Status:         exterrors.EnhancedCode{5, 1, 1},
			DiagnosticCode: "550 5.1.1 No such user",
		}},
		textproto.Header{},
		&body,
	)
	if err != nil {
		t.Fatal(err)
	}

	if got := header.Get("Auto-Submitted"); got != "auto-replied" {
		t.Errorf("Auto-Submitted = %q", got)
	}
	if !strings.Contains(header.Get("Content-Type"), "multipart/report") {
		t.Errorf("Content-Type = %q", header.Get("Content-Type"))
	}

	text := body.String()
	for _, want := range []string{
		"Reporting-MTA: dns; mx.example.org",
		"Final-Recipient: rfc822; rcpt@remote.test",
		"Action: failed",
		"Status: 5.1.1",
		"Diagnostic-Code: smtp; 550 5.1.1 No such user",
		"message/delivery-status",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("body misses %q", want)
		}
	}
}

func TestStatusFromResponse(t *testing.T) {
	cases := []struct {
		response string
		want     exterrors.EnhancedCode
	}{
		{"550 5.1.1 No such user", exterrors.EnhancedCode{5, 1, 1}},
		{"554 Rejected", exterrors.EnhancedCode{5, 0, 0}},
		{"450 4.2.0 greylisted", exterrors.EnhancedCode{4, 2, 0}},
		{"garbage", exterrors.EnhancedCode{5, 0, 0}},
	}
	for _, tc := range cases {
		if got := statusFromResponse(tc.response); got != tc.want {
			t.Errorf("%q: got %v, want %v", tc.response, got, tc.want)
		}
	}
}

type bounceTest struct {
	bouncer *Bouncer
	store   *testutils.Store
	bodies  *testutils.Blobs
}

func newBounceTest(t *testing.T) *bounceTest {
	t.Helper()
	zoneSet, err := zones.NewSet([]*zones.Zone{{Name: "default"}}, "", zones.DomainConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	store := testutils.NewStore()
	bodies := testutils.NewBlobs()
	rtr := router.New(store, zoneSet, &hooks.Registry{})
	b := NewBouncer(rtr, bodies, msgid.New(), "mx.example.org")
	b.log = testutils.Logger(t, "dsn")
	return &bounceTest{bouncer: b, store: store, bodies: bodies}
}

func (bt *bounceTest) storeBody(t *testing.T, id string, meta map[string]interface{}) {
	t.Helper()
	body, err := bt.bodies.Create(context.Background(), id, blob.UnknownSize, meta)
	if err != nil {
		t.Fatal(err)
	}
	if err := body.Sync(); err != nil {
		t.Fatal(err)
	}
}

func TestBouncer_QueuesDSN(t *testing.T) {
	bt := newBounceTest(t)
	ctx := context.Background()
	const failedID = "000000000001000100000001"
	bt.storeBody(t, failedID, map[string]interface{}{"from": "sender@example.org"})

	bt.bouncer.OnBounce(ctx, queue.Delivery{
		ID: failedID, Seq: "001",
		Recipient: "rcpt@remote.test", Domain: "remote.test",
		SendingZone: "default", Created: time.Now().Add(-time.Hour),
	}, "550 5.1.1 No such user")

	rows := bt.store.Rows()
	if len(rows) != 1 {
		t.Fatalf("want 1 DSN row, got %d", len(rows))
	}
	if rows[0].Recipient != "sender@example.org" {
		t.Errorf("DSN recipient = %q", rows[0].Recipient)
	}

	meta, err := bt.bodies.Meta(ctx, rows[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if isDSN, _ := meta["dsn"].(bool); !isDSN {
		t.Error("DSN body not marked")
	}
	if meta["from"] != "" {
		t.Errorf("DSN sender = %v, want null reverse-path", meta["from"])
	}
}

func TestBouncer_NoBounceOfBounce(t *testing.T) {
	bt := newBounceTest(t)
	const id = "000000000002000100000001"
	bt.storeBody(t, id, map[string]interface{}{"from": "sender@example.org", "dsn": true})

	bt.bouncer.OnBounce(context.Background(), queue.Delivery{
		ID: id, Seq: "001", Recipient: "rcpt@remote.test", Domain: "remote.test",
	}, "550 rejected")

	if rows := bt.store.Rows(); len(rows) != 0 {
		t.Fatalf("bounce of a bounce queued %d rows", len(rows))
	}
}

func TestBouncer_NullSender(t *testing.T) {
	bt := newBounceTest(t)
	const id = "000000000003000100000001"
	bt.storeBody(t, id, map[string]interface{}{"from": ""})

	bt.bouncer.OnBounce(context.Background(), queue.Delivery{
		ID: id, Seq: "001", Recipient: "rcpt@remote.test", Domain: "remote.test",
	}, "550 rejected")

	if rows := bt.store.Rows(); len(rows) != 0 {
		t.Fatalf("null-sender bounce queued %d rows", len(rows))
	}
}
