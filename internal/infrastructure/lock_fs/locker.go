package lock_fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/davarch/redeploy/internal/domain"
)

// Locker serializes runs per target across processes with an flock on
// <dir>/redeploy-<target>.lock. The file holds the owner's PID.
type Locker struct {
	dir string
}

func New(dir string) *Locker { return &Locker{dir: dir} }

func (l *Locker) Path(target string) string {
	return filepath.Join(l.dir, "redeploy-"+sanitize(target)+".lock")
}

func (l *Locker) Acquire(target string) (func(), error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, err
	}

	path := l.Path(target)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if pid := Holder(path); pid > 0 {
				return nil, fmt.Errorf("%s (pid %d): %w", target, pid, domain.ErrTargetBusy)
			}
			return nil, fmt.Errorf("%s: %w", target, domain.ErrTargetBusy)
		}
		return nil, err
	}

	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)

	return func() {
		_ = f.Truncate(0)
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}

// Holder returns the PID recorded in the lock file, or 0.
func Holder(path string) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0
	}
	return pid
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			return r
		}
		return '_'
	}, s)
}
