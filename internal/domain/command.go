package domain

import (
	"regexp"
	"strings"
	"time"
)

// Command is a structured instruction for an Executor. Arguments are kept
// separate until the executor serializes them for its transport.
type Command struct {
	Program string
	Args    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
}

type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

func (r Result) OK() bool { return r.ExitCode == 0 }

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Expand substitutes ${NAME} placeholders in Dir, Env values and every
// argument when NAME is in vars. Everything else, including $NAME, $1 and $$
// meant for a shell or awk on the target, is left byte for byte.
func (c Command) Expand(vars map[string]string) Command {
	expand := func(s string) string {
		return placeholder.ReplaceAllStringFunc(s, func(m string) string {
			if v, ok := vars[m[2:len(m)-1]]; ok {
				return v
			}
			return m
		})
	}

	out := c
	out.Dir = expand(c.Dir)
	if len(c.Args) > 0 {
		out.Args = make([]string, len(c.Args))
		for i, a := range c.Args {
			out.Args[i] = expand(a)
		}
	}
	if len(c.Env) > 0 {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = expand(v)
		}
	}
	return out
}

// String is a human-readable rendering for logs. It is not shell-safe.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Program
	}
	return c.Program + " " + strings.Join(c.Args, " ")
}

func (c Command) IsZero() bool {
	return c.Program == ""
}
