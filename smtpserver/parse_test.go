package smtpserver

import (
	"testing"
)

func TestXAddress(t *testing.T) {
	cases := []struct {
		in  string
		out string
		ok  bool
	}{
		{"<u@host>", "u@host", true},
		{" <u@host> BODY=8BITMIME", "u@host", true},
		{"<>", "", true},
		{"u@host", "", false},
		{"<unterminated", "", false},
	}
	for _, tc := range cases {
		got, ok := xaddress(tc.in)
		if ok != tc.ok || got != tc.out {
			t.Fatalf("xaddress(%q): got %q/%v, expected %q/%v", tc.in, got, ok, tc.out, tc.ok)
		}
	}
}
