package application

import (
	"fmt"
	"sync"

	"github.com/davarch/redeploy/internal/domain"
)

// HostLocks serializes runs per target inside one process.
type HostLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewHostLocks() *HostLocks {
	return &HostLocks{held: make(map[string]struct{})}
}

func (h *HostLocks) Acquire(target string) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, busy := h.held[target]; busy {
		return nil, fmt.Errorf("%s: %w", target, domain.ErrTargetBusy)
	}
	h.held[target] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.held, target)
			h.mu.Unlock()
		})
	}, nil
}
