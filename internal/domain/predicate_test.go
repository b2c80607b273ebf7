package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ptr[T any](v T) *T { return &v }

func TestExpect_Match(t *testing.T) {
	cases := []struct {
		name   string
		expect Expect
		res    Result
		ok     bool
	}{
		{"default requires exit 0", Expect{}, Result{ExitCode: 0}, true},
		{"default rejects non-zero", Expect{}, Result{ExitCode: 1}, false},
		{"explicit exit code", Expect{ExitCode: ptr(3)}, Result{ExitCode: 3}, true},
		{"contains", Expect{StdoutContains: ":8080"}, Result{Stdout: "LISTEN 0 128 *:8080"}, true},
		{"contains missing", Expect{StdoutContains: ":8080"}, Result{Stdout: "LISTEN *:9090"}, false},
		{"excludes", Expect{StdoutExcludes: "ERROR"}, Result{Stdout: "ERROR: boom"}, false},
		{"matches", Expect{StdoutMatches: `^active\b`}, Result{Stdout: "active (running)"}, true},
		{"bad pattern", Expect{StdoutMatches: `(`}, Result{Stdout: "x"}, false},
		{"below", Expect{Below: ptr(90.0)}, Result{Stdout: " 42.5\n"}, true},
		{"not below", Expect{Below: ptr(90.0)}, Result{Stdout: "93"}, false},
		{"above", Expect{Above: ptr(0.0)}, Result{Stdout: "1"}, true},
		{"not a number", Expect{Below: ptr(1.0)}, Result{Stdout: "n/a"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := tc.expect.Match(tc.res)
			assert.Equal(t, tc.ok, ok, reason)
			if !ok {
				assert.NotEmpty(t, reason)
			}
		})
	}
}
