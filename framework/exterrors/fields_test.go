package exterrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestFields_OuterWrapWins(t *testing.T) {
	inner := WithFields(errors.New("dial tcp: timeout"), map[string]interface{}{
		"domain": "inner.test",
		"mx":     "mx1.inner.test",
	})
	outer := WithFields(fmt.Errorf("attempt: %w", inner), map[string]interface{}{
		"domain": "outer.test",
	})

	fields := Fields(outer)
	if fields["domain"] != "outer.test" {
		t.Errorf("domain = %v, inner value overrode the outer one", fields["domain"])
	}
	if fields["mx"] != "mx1.inner.test" {
		t.Errorf("mx = %v, inner-only field lost", fields["mx"])
	}
	if outer.Error() != "attempt: dial tcp: timeout" {
		t.Errorf("message changed by wrapping: %q", outer.Error())
	}
}

func TestFields_PlainError(t *testing.T) {
	if fields := Fields(errors.New("plain")); len(fields) != 0 {
		t.Fatalf("plain error produced fields: %v", fields)
	}
}
