package natskv

import "testing"

func TestEncodeKey(t *testing.T) {
	tests := map[string]string{
		"mesync:parent:activity:12": "mesync.parent.activity.12",
		"plain_key":                 "plain_key",
		"with space":                "with_space",
	}
	for in, want := range tests {
		if got := encodeKey(in); got != want {
			t.Errorf("encodeKey(%q) = %q, want %q", in, got, want)
		}
	}
}
