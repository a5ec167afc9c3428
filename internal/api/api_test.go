package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/outpost-mta/outpost/internal/hooks"
	"github.com/outpost-mta/outpost/internal/msgid"
	"github.com/outpost-mta/outpost/internal/router"
	_ "github.com/outpost-mta/outpost/internal/scheduler"
	"github.com/outpost-mta/outpost/internal/suppress"
	"github.com/outpost-mta/outpost/internal/testutils"
	"github.com/outpost-mta/outpost/internal/zones"
)

type fakeSuppression struct {
	entries []suppress.Entry
	nextID  int
}

func (f *fakeSuppression) Add(_ context.Context, e suppress.Entry) (suppress.Entry, error) {
	f.nextID++
	e.ID = fmt.Sprintf("entry-%d", f.nextID)
	f.entries = append(f.entries, e)
	return e, nil
}

func (f *fakeSuppression) Remove(_ context.Context, id string) (bool, error) {
	for i, e := range f.entries {
		if e.ID == id {
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSuppression) Entries(_ context.Context, filter string, limit int) ([]suppress.Entry, error) {
	var out []suppress.Entry
	for _, e := range f.entries {
		if filter == "" || strings.Contains(e.Address, filter) || strings.Contains(e.Domain, filter) {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type apiTest struct {
	store       *testutils.Store
	bodies      *testutils.Blobs
	suppression *fakeSuppression
	handler     http.Handler
}

func newAPITest(t *testing.T) *apiTest {
	t.Helper()
	zoneSet, err := zones.NewSet([]*zones.Zone{{Name: "default"}, {Name: "bulk"}}, "", zones.DomainConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	store := testutils.NewStore()
	bodies := testutils.NewBlobs()
	srv := New(store, bodies, router.New(store, zoneSet, &hooks.Registry{}), msgid.New(), zoneSet)
	srv.log = testutils.Logger(t, "api")
	srv.Suppression = &fakeSuppression{}
	srv.Updater = store
	return &apiTest{
		store:       store,
		bodies:      bodies,
		suppression: srv.Suppression.(*fakeSuppression),
		handler:     srv.Handler(),
	}
}

func (at *apiTest) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	at.handler.ServeHTTP(rec, req)

	decoded := map[string]interface{}{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: bad JSON: %v", method, target, err)
		}
	}
	return rec, decoded
}

const rawMessage = "Subject: Hi\r\nFrom: Sender <a@example.org>\r\nTo: b@remote.test\r\n\r\nHello.\r\n"

func TestAPI_SendRawAndStatus(t *testing.T) {
	at := newAPITest(t)

	rec, resp := at.do(t, "POST", "/send-raw?from=a@example.org&to=b@remote.test", rawMessage)
	if rec.Code != http.StatusOK {
		t.Fatalf("send-raw: %d %s", rec.Code, rec.Body.String())
	}
	id, _ := resp["id"].(string)
	if id == "" || resp["queued"].(float64) != 1 {
		t.Fatalf("send-raw response: %v", resp)
	}

	rec, resp = at.do(t, "GET", "/message/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("message: %d", rec.Code)
	}
	recipients := resp["recipients"].([]interface{})
	if len(recipients) != 1 {
		t.Fatalf("recipients: %v", recipients)
	}
	first := recipients[0].(map[string]interface{})
	if first["recipient"] != "b@remote.test" || first["status"] != "queued" {
		t.Errorf("recipient row: %v", first)
	}
	meta := resp["meta"].(map[string]interface{})
	if meta["transtype"] != "HTTP" {
		t.Errorf("meta: %v", meta)
	}

	rec, _ = at.do(t, "GET", "/fetch/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("fetch: %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "message/rfc822" {
		t.Errorf("fetch content type: %q", got)
	}
	if !strings.Contains(rec.Body.String(), "Subject: Hi") || !strings.Contains(rec.Body.String(), "Hello.") {
		t.Errorf("fetched body: %q", rec.Body.String())
	}

	rec, resp = at.do(t, "GET", "/queue/default", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("queue: %d", rec.Code)
	}
	if resp["queued"].(float64) != 1 || resp["deferred"].(float64) != 0 {
		t.Errorf("queue counts: %v", resp)
	}
	if domains := resp["domains"].(map[string]interface{}); domains["remote.test"].(float64) != 1 {
		t.Errorf("domain counts: %v", domains)
	}

	rec, resp = at.do(t, "GET", "/queued/active/default", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("queued list: %d", rec.Code)
	}
	if list := resp["list"].([]interface{}); len(list) != 1 {
		t.Errorf("active list: %v", list)
	}
	_, resp = at.do(t, "GET", "/queued/deferred/default", "")
	if list := resp["list"].([]interface{}); len(list) != 0 {
		t.Errorf("deferred list: %v", list)
	}
}

func TestAPI_SendRawExplicitZone(t *testing.T) {
	at := newAPITest(t)

	rec, _ := at.do(t, "POST", "/send-raw?from=a@example.org&to=b@remote.test&zone=bulk", rawMessage)
	if rec.Code != http.StatusOK {
		t.Fatalf("send-raw: %d", rec.Code)
	}
	rows := at.store.Rows()
	if len(rows) != 1 || rows[0].SendingZone != "bulk" {
		t.Fatalf("rows: %+v", rows)
	}
}

func TestAPI_SendRawRejections(t *testing.T) {
	at := newAPITest(t)

	rec, _ := at.do(t, "POST", "/send-raw?from=a@example.org", rawMessage)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("no recipients: %d", rec.Code)
	}

	rec, _ = at.do(t, "POST", "/send-raw?from=a@example.org&to=not-an-address", rawMessage)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid recipient: %d", rec.Code)
	}
	// The rejected message must not leave a body behind.
	if len(at.bodies.IDs()) != 0 {
		t.Errorf("orphan bodies: %v", at.bodies.IDs())
	}
}

func TestAPI_Send(t *testing.T) {
	at := newAPITest(t)

	rec, resp := at.do(t, "POST", "/send",
		`{"from": "a@example.org", "to": ["b@remote.test"], "subject": "Hi there", "text": "Hello.\n", "headers": {"X-Campaign": "welcome"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("send: %d %s", rec.Code, rec.Body.String())
	}
	id, _ := resp["id"].(string)
	if id == "" || resp["queued"].(float64) != 1 {
		t.Fatalf("send response: %v", resp)
	}

	rows := at.store.Rows()
	if len(rows) != 1 || rows[0].Recipient != "b@remote.test" {
		t.Fatalf("rows: %+v", rows)
	}

	rec, _ = at.do(t, "GET", "/fetch/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("fetch: %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"Subject: Hi there", "From: a@example.org", "To: b@remote.test", "X-Campaign: welcome", "Hello."} {
		if !strings.Contains(body, want) {
			t.Errorf("composed message misses %q:\n%s", want, body)
		}
	}

	rec, _ = at.do(t, "POST", "/send", `{"to": ["b@remote.test"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing from accepted: %d", rec.Code)
	}
	rec, _ = at.do(t, "POST", "/send", `{"from": "a@example.org", "to": []}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing recipients accepted: %d", rec.Code)
	}
}

func TestAPI_UpdateMessage(t *testing.T) {
	at := newAPITest(t)

	rec, resp := at.do(t, "POST", "/send-raw?from=a@example.org&to=b@remote.test", rawMessage)
	if rec.Code != http.StatusOK {
		t.Fatalf("send-raw: %d", rec.Code)
	}
	id := resp["id"].(string)

	rec, resp = at.do(t, "PUT", "/message/"+id, `{"queued": "2031-01-02T15:04:05Z"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body.String())
	}
	if resp["updated"] != true {
		t.Fatalf("update response: %v", resp)
	}
	want := time.Date(2031, time.January, 2, 15, 4, 5, 0, time.UTC)
	if rows := at.store.Rows(); !rows[0].Queued.Equal(want) {
		t.Errorf("queued = %v, want %v", rows[0].Queued, want)
	}

	rec, _ = at.do(t, "PUT", "/message/"+id, `{"locked": true}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("lock state patch accepted: %d", rec.Code)
	}
	rec, _ = at.do(t, "PUT", "/message/"+id, `{"queued": "tomorrow"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed timestamp accepted: %d", rec.Code)
	}
	rec, _ = at.do(t, "PUT", "/message/ffffffffffffffffffffffff", `{"queued": "2031-01-02T15:04:05Z"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing message updated: %d", rec.Code)
	}
}

func TestAPI_NotFound(t *testing.T) {
	at := newAPITest(t)

	if rec, _ := at.do(t, "GET", "/fetch/ffffffffffffffffffffffff", ""); rec.Code != http.StatusNotFound {
		t.Errorf("fetch missing: %d", rec.Code)
	}
	if rec, _ := at.do(t, "GET", "/message/ffffffffffffffffffffffff", ""); rec.Code != http.StatusNotFound {
		t.Errorf("message missing: %d", rec.Code)
	}
	if rec, _ := at.do(t, "GET", "/queue/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown zone: %d", rec.Code)
	}
	if rec, _ := at.do(t, "GET", "/queued/bogus/default", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown state: %d", rec.Code)
	}
}

func TestAPI_SuppressionCRUD(t *testing.T) {
	at := newAPITest(t)

	rec, resp := at.do(t, "POST", "/suppressionlist", `{"address": "Spam@Example.org"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("add: %d %s", rec.Code, rec.Body.String())
	}
	id, _ := resp["id"].(string)
	if id == "" {
		t.Fatalf("add response: %v", resp)
	}

	rec, resp = at.do(t, "GET", "/suppressionlist", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	if entries := resp["suppressed"].([]interface{}); len(entries) != 1 {
		t.Fatalf("entries: %v", entries)
	}

	rec, _ = at.do(t, "POST", "/suppressionlist", `{"comment": "no address"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty entry accepted: %d", rec.Code)
	}

	rec, _ = at.do(t, "DELETE", "/suppressionlist/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("remove: %d", rec.Code)
	}
	rec, _ = at.do(t, "DELETE", "/suppressionlist/"+id, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("double remove: %d", rec.Code)
	}
}

func TestAPI_Metrics(t *testing.T) {
	at := newAPITest(t)
	rec, _ := at.do(t, "GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "outpost_") {
		t.Error("metrics output misses outpost collectors")
	}
}
