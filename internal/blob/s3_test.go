package blob

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

func testS3(t *testing.T) *S3 {
	t.Helper()

	backend := s3mem.New()
	faker := gofakes3.New(backend)
	ts := httptest.NewServer(faker.Server())
	t.Cleanup(ts.Close)

	if err := backend.CreateBucket("outpost-test"); err != nil {
		t.Fatal(err)
	}

	st, err := NewS3(S3Config{
		Endpoint:  ts.Listener.Addr().String(),
		AccessKey: "access-key",
		SecretKey: "secret-key",
		Bucket:    "outpost-test",
	})
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func writeBody(t *testing.T, st Store, id, payload string, meta map[string]interface{}) {
	t.Helper()

	body, err := st.Create(context.Background(), id, int64(len(payload)), meta)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(body, payload); err != nil {
		t.Fatal(err)
	}
	if err := body.Sync(); err != nil {
		t.Fatal(err)
	}
	if err := body.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestS3_RoundTrip(t *testing.T) {
	st := testS3(t)
	ctx := context.Background()

	const payload = "From: <a@example.org>\r\n\r\nhello\r\n"
	writeBody(t, st, "0000000000010001aaaaaaaa", payload, map[string]interface{}{
		"from": "a@example.org",
	})

	r, err := st.Open(ctx, "0000000000010001aaaaaaaa")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != payload {
		t.Fatalf("body mismatch: %q", got)
	}

	meta, err := st.Meta(ctx, "0000000000010001aaaaaaaa")
	if err != nil {
		t.Fatal(err)
	}
	if meta["from"] != "a@example.org" {
		t.Fatalf("meta mismatch: %v", meta)
	}

	ok, err := st.Exists(ctx, "0000000000010001aaaaaaaa")
	if err != nil || !ok {
		t.Fatalf("exists = %v, %v", ok, err)
	}
}

func TestS3_OpenMissing(t *testing.T) {
	st := testS3(t)

	if _, err := st.Open(context.Background(), "ffffffffffff0000bbbbbbbb"); err != ErrNoSuchBody {
		t.Fatalf("want ErrNoSuchBody, got %v", err)
	}
	if _, err := st.Meta(context.Background(), "ffffffffffff0000bbbbbbbb"); err != ErrNoSuchBody {
		t.Fatalf("want ErrNoSuchBody, got %v", err)
	}
}

func TestS3_SetMeta(t *testing.T) {
	st := testS3(t)
	ctx := context.Background()

	writeBody(t, st, "0000000000020001cccccccc", "body", map[string]interface{}{
		"from": "a@example.org",
	})

	if err := st.SetMeta(ctx, "0000000000020001cccccccc", map[string]interface{}{
		"spam_score": 0.5,
	}); err != nil {
		t.Fatal(err)
	}

	meta, err := st.Meta(ctx, "0000000000020001cccccccc")
	if err != nil {
		t.Fatal(err)
	}
	if meta["from"] != "a@example.org" || meta["spam_score"] != 0.5 {
		t.Fatalf("meta not merged: %v", meta)
	}
}

func TestS3_DeleteAndIDsBefore(t *testing.T) {
	st := testS3(t)
	ctx := context.Background()

	// IDs are time-prefixed hex; these three are chronological.
	ids := []string{
		"0000000000010001aaaaaaaa",
		"0000000000020001aaaaaaaa",
		"0000000000030001aaaaaaaa",
	}
	for _, id := range ids {
		writeBody(t, st, id, "x", nil)
	}

	old, err := st.IDsBefore(ctx, "0000000000030000aaaaaaaa", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(old) != 2 || old[0] != ids[0] || old[1] != ids[1] {
		t.Fatalf("unexpected ids: %v", old)
	}

	if err := st.Delete(ctx, old); err != nil {
		t.Fatal(err)
	}
	if ok, _ := st.Exists(ctx, ids[0]); ok {
		t.Fatal("deleted body still present")
	}
	if ok, _ := st.Exists(ctx, ids[2]); !ok {
		t.Fatal("unrelated body deleted")
	}
}
