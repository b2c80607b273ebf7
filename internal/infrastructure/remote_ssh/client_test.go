package remote_ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/davarch/redeploy/internal/domain"
	"github.com/kballard/go-shellquote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ssh"
)

func TestCommandLine_RoundTrips(t *testing.T) {
	cmd := domain.Command{
		Program: "git",
		Args:    []string{"checkout", "v1; rm -rf /", "it's", "$(id)", ""},
		Dir:     "/srv/my app",
		Env:     map[string]string{"B": "two words", "A": "1"},
	}

	line := CommandLine(cmd)
	words, err := shellquote.Split(line)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"cd", "/srv/my app", "&&",
		"env", "A=1", "B=two words",
		"git", "checkout", "v1; rm -rf /", "it's", "$(id)", "",
	}, words)
}

func TestCommandLine_Plain(t *testing.T) {
	assert.Equal(t, "systemctl restart app", CommandLine(domain.Command{Program: "systemctl", Args: []string{"restart", "app"}}))
}

func TestRun_DialFailureIsTransportError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	c := New(zaptest.NewLogger(t), Config{
		Host:            "127.0.0.1",
		Port:            addr.Port,
		User:            "deploy",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		DialTimeout:     time.Second,
	})

	_, err = c.Run(context.Background(), domain.Command{Program: "true"}, time.Second)
	var te *domain.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "dial", te.Op)

	_, err = c.Run(context.Background(), domain.Command{Program: "true"}, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidTimeout)
}

func TestAuth(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	secrets := domain.MockSecrets{
		"KEY":  string(pem.EncodeToMemory(block)),
		"PASS": "hunter2",
		"BAD":  "not a key",
	}

	methods, err := Auth(context.Background(), secrets, "KEY", "PASS")
	require.NoError(t, err)
	assert.Len(t, methods, 2)

	_, err = Auth(context.Background(), secrets, "BAD", "")
	assert.Error(t, err)

	_, err = Auth(context.Background(), secrets, "MISSING", "")
	assert.ErrorIs(t, err, domain.ErrSecretNotFound)

	_, err = Auth(context.Background(), secrets, "", "")
	assert.Error(t, err)
}

func TestHostKeys(t *testing.T) {
	cb, err := HostKeys("", true)
	require.NoError(t, err)
	assert.NotNil(t, cb)

	_, err = HostKeys(filepath.Join(t.TempDir(), "missing"), false)
	assert.Error(t, err)

	p := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(p, nil, 0o600))
	cb, err = HostKeys(p, false)
	require.NoError(t, err)
	assert.NotNil(t, cb)
}
