package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommand_Expand(t *testing.T) {
	c := Command{
		Program: "git",
		Args: []string{
			"checkout", "${REVISION}", "--", "$HOME", "${UNKNOWN}",
			`ps aux | awk '{print $2}' | xargs echo $$`, "${REVISION}-${RUN_ID}", "$${REVISION}",
		},
		Dir:     "${WORKDIR}",
		Env:     map[string]string{"RUN": "${RUN_ID}"},
	}

	got := c.Expand(map[string]string{
		"REVISION": "abc; rm -rf /",
		"WORKDIR":  "/srv/app",
		"RUN_ID":   "run_1",
	})

	assert.Equal(t, []string{
		"checkout", "abc; rm -rf /", "--", "$HOME", "${UNKNOWN}",
		`ps aux | awk '{print $2}' | xargs echo $$`, "abc; rm -rf /-run_1", "$abc; rm -rf /",
	}, got.Args)
	assert.Equal(t, "/srv/app", got.Dir)
	assert.Equal(t, "run_1", got.Env["RUN"])
	assert.Equal(t, "${REVISION}", c.Args[1], "original must not be modified")
}

func TestNewID_SortsByCreation(t *testing.T) {
	a := NewID(PrefixRun)
	b := NewID(PrefixRun)
	assert.True(t, HasPrefix(a, PrefixRun))
	assert.Less(t, a, b)
}
