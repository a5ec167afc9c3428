package address

import "testing"

func TestForLookup(t *testing.T) {
	cases := []struct {
		addr    string
		want    string
		wantErr bool
	}{
		{addr: "FOO@example.org", want: "foo@example.org"},
		{addr: "<foo@example.org>", want: "foo@example.org"},
		{addr: "foo@EXAMPLE.ORG.", want: "foo@example.org"},
		{addr: "foo@тест.example.org", want: "foo@xn--e1aybc.example.org"},
		{addr: "postmaster", want: "postmaster"},

		// RFC 5321 domain literals lose the brackets so the queue row
		// carries a parseable address.
		{addr: "b@[127.0.0.1]", want: "b@127.0.0.1"},
		{addr: "B@[IPv6:2001:DB8::1]", want: "b@2001:db8::1"},
		{addr: "b@[not-an-ip]", want: "b@[not-an-ip]", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ForLookup(tc.addr)
		if (err != nil) != tc.wantErr {
			t.Errorf("ForLookup(%q) err = %v, wantErr %v", tc.addr, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("ForLookup(%q) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}

func TestEqual(t *testing.T) {
	if !Equal("Foo@Example.Org", "foo@example.org") {
		t.Error("case-folded addresses not equal")
	}
	if Equal("foo@example.org", "bar@example.org") {
		t.Error("distinct addresses reported equal")
	}
}
