package config

import "time"

// Starter returns the configuration written by `redeploy init`: one ssh
// target deploying a git checkout behind a systemd unit.
func Starter() Config {
	var c Config
	defaults(&c)

	c.Targets = []Target{{
		Name:      "staging",
		Host:      "staging.example.internal",
		Port:      22,
		User:      "deploy",
		Transport: "ssh",
		Workdir:   "/srv/app",
		Enabled:   true,
	}}
	c.SSH.IdentitySecret = "REDEPLOY_SSH_KEY"

	c.Checkpoint.Revision = Command{Run: []string{"git", "rev-parse", "HEAD"}}
	c.Checkpoint.Label = Command{Run: []string{"git", "tag", "-f", "redeploy/${CHECKPOINT_ID}", "${REVISION}"}}
	c.Checkpoint.Checkout = Command{Run: []string{"git", "checkout", "--force", "${REVISION}"}}

	c.Phases.Sync = []Command{
		{Run: []string{"git", "fetch", "--tags", "origin"}},
		{Run: []string{"git", "checkout", "--force", "${REVISION}"}},
	}
	c.Phases.Install = []Command{{Run: []string{"make", "deps"}}}
	c.Phases.PreVerify = []Command{{Run: []string{"make", "test"}, Timeout: 15 * time.Minute}}
	c.Phases.Build = []Command{{Run: []string{"make", "build"}}}
	c.Phases.Activate = []Command{{Run: []string{"sudo", "systemctl", "restart", "app.service"}, Timeout: time.Minute}}

	c.Health.Probes = []Probe{
		{
			Name: "http", Weight: 3, Critical: true,
			Command: Command{Run: []string{"curl", "-fsS", "-o", "/dev/null", "http://127.0.0.1:8080/healthz"}},
		},
		{
			Name: "unit", Weight: 2,
			Command: Command{Run: []string{"systemctl", "is-active", "app.service"}},
			Expect:  Expect{StdoutContains: "active"},
		},
		{
			Name: "errors", Weight: 1,
			Command: Command{Run: []string{"sh", "-c", "journalctl -u app.service --since -2min -p err | wc -l"}},
			Expect:  Expect{Below: ptr(5.0)},
		},
	}

	c.Notify.Enabled = true
	return c
}

func ptr[T any](v T) *T { return &v }
