package alog

import (
	"testing"
)

func TestLogfmtValue(t *testing.T) {
	cases := []struct{ in, out string }{
		{"plain", "plain"},
		{"", `""`},
		{"two words", `"two words"`},
		{`has"quote`, `"has\"quote"`},
		{"key=value", `"key=value"`},
	}
	for _, tc := range cases {
		if got := logfmtValue(tc.in); got != tc.out {
			t.Fatalf("logfmtValue(%q): got %q, expected %q", tc.in, got, tc.out)
		}
	}
}

func TestLevels(t *testing.T) {
	for name, level := range Levels {
		if LevelStrings[level] != name {
			t.Fatalf("level %q does not round trip", name)
		}
	}
	if !(LevelTracedata < LevelTraceauth && LevelTraceauth < LevelTrace) {
		t.Fatalf("trace levels not ordered")
	}
}
