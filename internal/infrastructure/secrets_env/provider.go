package secrets_env

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/davarch/redeploy/internal/domain"
)

// Provider resolves secrets from NAME or from the file named by NAME_FILE.
// Values are sealed in memguard enclaves after first use.
type Provider struct {
	lookup func(string) (string, bool)

	mu     sync.Mutex
	sealed map[string]*memguard.Enclave
}

func New() *Provider {
	return &Provider{lookup: os.LookupEnv, sealed: make(map[string]*memguard.Enclave)}
}

// Secret returns a copy of the plaintext. Callers should not retain it.
func (p *Provider) Secret(_ context.Context, name string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	enc, ok := p.sealed[name]
	if !ok {
		raw, err := p.read(name)
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			return nil, fmt.Errorf("%s is empty: %w", name, domain.ErrSecretNotFound)
		}
		enc = memguard.NewEnclave(raw)
		p.sealed[name] = enc
	}

	lb, err := enc.Open()
	if err != nil {
		return nil, fmt.Errorf("open secret %s: %w", name, err)
	}
	defer lb.Destroy()

	out := make([]byte, lb.Size())
	copy(out, lb.Bytes())
	return out, nil
}

func (p *Provider) read(name string) ([]byte, error) {
	if v, ok := p.lookup(name); ok && v != "" {
		return []byte(v), nil
	}
	if path, ok := p.lookup(name + "_FILE"); ok && path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", name, err)
		}
		return bytes.TrimSuffix(b, []byte("\n")), nil
	}
	return nil, fmt.Errorf("%s: %w", name, domain.ErrSecretNotFound)
}

// Purge wipes every sealed secret and protected buffer in the process.
func (p *Provider) Purge() {
	p.mu.Lock()
	p.sealed = make(map[string]*memguard.Enclave)
	p.mu.Unlock()
	memguard.Purge()
}
