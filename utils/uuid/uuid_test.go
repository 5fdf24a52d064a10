package uuid

import (
	"testing"
)

func TestUUIDUnique(t *testing.T) {
	u := NewUUID()
	if u.ID() == u.ID() {
		t.Error("UUIDs are not unique")
	}
}

func TestToken(t *testing.T) {
	tok := NewToken()
	a, b := tok.ID(), tok.ID()
	if a == b {
		t.Error("tokens are not unique")
	}
	if have, want := len(a), 64; have != want {
		t.Errorf("token length: have: %v, want: %v", have, want)
	}
}

func TestStaticIDs(t *testing.T) {
	u := NewStaticIDs("A", "B")
	for _, expected := range []string{"A", "B", "A", "B", "A"} {
		if have, want := u.ID(), expected; have != want {
			t.Errorf("unexpected ID: have: %v, want: %v", have, want)
		}
	}
}
