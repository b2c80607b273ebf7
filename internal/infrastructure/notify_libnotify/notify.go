package notify_libnotify

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const appName = "redeploy"

// Notifier sends desktop notifications through notify-send. A soft notifier
// swallows failures, e.g. on headless hosts.
type Notifier struct {
	soft bool
	bin  string
	opt  Options
}

func New() *Notifier     { return &Notifier{soft: false, bin: "notify-send"} }
func NewSoft() *Notifier { return &Notifier{soft: true, bin: "notify-send"} }

type Options struct {
	Urgency string
	Expire  time.Duration
}

// With returns a copy that passes opt on every notification.
func (n *Notifier) With(opt Options) *Notifier {
	c := *n
	c.opt = opt
	return &c
}

func (n *Notifier) Notify(ctx context.Context, title, body, url string) error {
	if strings.TrimSpace(url) != "" {
		if body == "" {
			body = url
		} else {
			body = body + "\n" + url
		}
	}

	cmd := exec.CommandContext(ctx, n.bin, args(n.opt, title, body)...)
	if err := cmd.Run(); err != nil {
		if n.soft {
			return nil
		}
		return err
	}
	return nil
}

func args(opt Options, title, body string) []string {
	out := []string{"--app-name=" + appName}
	if opt.Urgency != "" {
		out = append(out, "--urgency="+opt.Urgency)
	}
	if opt.Expire > 0 {
		ms := strconv.Itoa(int(opt.Expire / time.Millisecond))
		out = append(out, "--expire-time="+ms)
	}
	return append(out, title, body)
}
