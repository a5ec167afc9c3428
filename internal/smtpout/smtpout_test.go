package smtpout

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/go-mockdns"

	"github.com/outpost-mta/outpost/framework/exterrors"
	"github.com/outpost-mta/outpost/internal/blob"
	"github.com/outpost-mta/outpost/internal/hooks"
	"github.com/outpost-mta/outpost/internal/rpc"
	"github.com/outpost-mta/outpost/internal/smtpout/dial"
	"github.com/outpost-mta/outpost/internal/smtpout/resolve"
	"github.com/outpost-mta/outpost/internal/testutils"
	"github.com/outpost-mta/outpost/internal/ttlcache"
	"github.com/outpost-mta/outpost/internal/zones"
)

type fakeSender struct {
	env  Envelope
	body string
	err  error
}

func (f *fakeSender) Send(_ context.Context, _ *dial.Result, env Envelope, body io.Reader) error {
	f.env = env
	data, _ := io.ReadAll(body)
	f.body = string(data)
	return f.err
}

func newCourierTest(t *testing.T, sender Sender) (*Courier, *testutils.Blobs) {
	t.Helper()

	resolver := resolve.New(&mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"y.test.":     {MX: []net.MX{{Host: "mx1.y.test.", Pref: 10}}},
		"mx1.y.test.": {A: []string{"192.0.2.10"}},
	}})
	bodies := testutils.NewBlobs()

	courier := &Courier{
		Resolver: resolver,
		Dialer:   dial.New(&hooks.Registry{}, ttlcache.New()),
		Sender:   sender,
		Bodies:   bodies,
		Zone:     &zones.Zone{Name: "default"},
		Log:      testutils.Logger(t, "smtpout"),

		dialFn: func(_ context.Context, _ *zones.Zone, _, _ string, candidates []resolve.Candidate) (*dial.Result, error) {
			if len(candidates) == 0 {
				t.Fatal("dial without candidates")
			}
			client, server := net.Pipe()
			server.Close()
			return &dial.Result{Conn: client, Candidate: candidates[0], LocalName: "out.example.org"}, nil
		},
	}
	return courier, bodies
}

func storeBody(t *testing.T, bodies *testutils.Blobs, id, content string) {
	t.Helper()
	body, err := bodies.Create(context.Background(), id, blob.UnknownSize, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(body, content); err != nil {
		t.Fatal(err)
	}
	if err := body.Sync(); err != nil {
		t.Fatal(err)
	}
}

func TestCourier_Deliver(t *testing.T) {
	sender := &fakeSender{}
	courier, bodies := newCourierTest(t, sender)

	const id = "000000000001000100000001"
	storeBody(t, bodies, id, "Subject: Hi\r\n\r\nHello.\r\n")

	err := courier.Deliver(context.Background(), &rpc.Delivery{
		ID: id, Seq: "001",
		Recipient: "b@y.test", Domain: "y.test",
		Meta: map[string]interface{}{"from": "a@example.org"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if sender.env.From != "a@example.org" || sender.env.Recipient != "b@y.test" {
		t.Errorf("envelope: %+v", sender.env)
	}
	if !strings.Contains(sender.body, "Hello.") {
		t.Errorf("body: %q", sender.body)
	}
}

func TestCourier_MissingBodyIsPermanent(t *testing.T) {
	courier, _ := newCourierTest(t, &fakeSender{})

	err := courier.Deliver(context.Background(), &rpc.Delivery{
		ID: "ffffffffffff000100000001", Seq: "001",
		Recipient: "b@y.test", Domain: "y.test",
	})
	if err == nil {
		t.Fatal("missing body accepted")
	}
	if response, temporary := Classify(err); temporary || !strings.HasPrefix(response, "554 ") {
		t.Errorf("classified as (%q, %v)", response, temporary)
	}
}

func TestCourier_SenderErrorPropagates(t *testing.T) {
	sendErr := &smtp.SMTPError{Code: 450, EnhancedCode: smtp.EnhancedCode{4, 2, 0}, Message: "greylisted"}
	courier, bodies := newCourierTest(t, &fakeSender{err: sendErr})

	const id = "000000000002000100000001"
	storeBody(t, bodies, id, "Subject: Hi\r\n\r\nHello.\r\n")

	err := courier.Deliver(context.Background(), &rpc.Delivery{
		ID: id, Seq: "001", Recipient: "b@y.test", Domain: "y.test",
	})
	if !errors.Is(err, sendErr) && err != sendErr {
		t.Fatalf("err = %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err       error
		response  string
		temporary bool
	}{
		{
			err:       &smtp.SMTPError{Code: 450, EnhancedCode: smtp.EnhancedCode{4, 2, 0}, Message: "greylisted"},
			response:  "450 4.2.0 greylisted",
			temporary: true,
		},
		{
			err:       &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "No such user"},
			response:  "550 5.1.1 No such user",
			temporary: false,
		},
		{
			err: &exterrors.SMTPError{
				Code: 450, EnhancedCode: exterrors.EnhancedCode{4, 4, 4},
				Message: "DNS error", TargetName: "smtpout/resolve",
			},
			response:  "450 4.4.4 DNS error",
			temporary: true,
		},
		{
			err:       errors.New("connection reset by peer"),
			response:  "450 4.4.2 connection reset by peer",
			temporary: true,
		},
		{
			err:       exterrors.WithTemporary(errors.New("policy says no"), false),
			response:  "550 5.0.0 policy says no",
			temporary: false,
		},
	}
	for _, tc := range cases {
		response, temporary := Classify(tc.err)
		if response != tc.response || temporary != tc.temporary {
			t.Errorf("Classify(%v) = (%q, %v), want (%q, %v)",
				tc.err, response, temporary, tc.response, tc.temporary)
		}
	}
}

func TestRetryDelay(t *testing.T) {
	cases := []struct {
		count int
		want  time.Duration
	}{
		{0, 15 * time.Minute},
		{1, 15 * time.Minute},
		{2, 30 * time.Minute},
		{3, time.Hour},
		{8, 32 * time.Hour},
		{100, 32 * time.Hour},
	}
	for _, tc := range cases {
		if got := RetryDelay(tc.count); got != tc.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tc.count, got, tc.want)
		}
	}
}

func TestCourier_MasterBlacklistSeeded(t *testing.T) {
	courier, bodies := newCourierTest(t, &fakeSender{})

	const id = "000000000003000100000001"
	storeBody(t, bodies, id, "Subject: Hi\r\n\r\nHello.\r\n")

	// The only address of the only MX is marked bad by the master, so
	// resolution must come up empty instead of dialing it.
	err := courier.Deliver(context.Background(), &rpc.Delivery{
		ID: id, Seq: "001",
		Recipient: "b@y.test", Domain: "y.test",
		Blacklisted: []string{"192.0.2.10"},
	})
	if err == nil {
		t.Fatal("blacklisted destination dialed")
	}
	if !courier.Dialer.Blacklisted("y.test")(net.ParseIP("192.0.2.10")) {
		t.Error("mark not seeded into the local cache")
	}
}

func TestCourier_NewMarks(t *testing.T) {
	courier, _ := newCourierTest(t, &fakeSender{})

	d := &rpc.Delivery{
		ID: "000000000004000100000001", Seq: "001",
		Recipient: "b@y.test", Domain: "y.test",
		Blacklisted: []string{"192.0.2.10"},
	}
	courier.Dialer.Mark("y.test", net.ParseIP("192.0.2.10"), "reported by master")
	courier.Dialer.Mark("y.test", net.ParseIP("192.0.2.99"), "connection refused")
	courier.Dialer.Mark("other.test", net.ParseIP("192.0.2.50"), "connection refused")

	marks := courier.NewMarks(d)
	if len(marks) != 1 || marks[0] != "192.0.2.99" {
		t.Fatalf("marks = %v, want only the locally discovered address", marks)
	}
}
