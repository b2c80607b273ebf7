package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Expect is a probe's success predicate. Every configured clause must hold.
// A nil ExitCode means the command must exit 0.
type Expect struct {
	ExitCode       *int
	StdoutContains string
	StdoutExcludes string
	StdoutMatches  string
	Below          *float64
	Above          *float64
}

// Match reports whether res satisfies e, and if not, why.
func (e Expect) Match(res Result) (bool, string) {
	want := 0
	if e.ExitCode != nil {
		want = *e.ExitCode
	}
	if res.ExitCode != want {
		return false, fmt.Sprintf("exit code %d, want %d", res.ExitCode, want)
	}

	if e.StdoutContains != "" && !strings.Contains(res.Stdout, e.StdoutContains) {
		return false, fmt.Sprintf("stdout does not contain %q", e.StdoutContains)
	}
	if e.StdoutExcludes != "" && strings.Contains(res.Stdout, e.StdoutExcludes) {
		return false, fmt.Sprintf("stdout contains %q", e.StdoutExcludes)
	}
	if e.StdoutMatches != "" {
		re, err := regexp.Compile(e.StdoutMatches)
		if err != nil {
			return false, fmt.Sprintf("bad pattern: %v", err)
		}
		if !re.MatchString(res.Stdout) {
			return false, fmt.Sprintf("stdout does not match %q", e.StdoutMatches)
		}
	}

	if e.Below != nil || e.Above != nil {
		v, err := strconv.ParseFloat(strings.TrimSpace(res.Stdout), 64)
		if err != nil {
			return false, fmt.Sprintf("stdout is not a number: %q", excerpt(res.Stdout, 40))
		}
		if e.Below != nil && v >= *e.Below {
			return false, fmt.Sprintf("value %g not below %g", v, *e.Below)
		}
		if e.Above != nil && v <= *e.Above {
			return false, fmt.Sprintf("value %g not above %g", v, *e.Above)
		}
	}

	return true, ""
}

func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
