package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Help(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), []string{"-h"}, &out)
	assert.True(t, errors.Is(err, flag.ErrHelp))
	assert.Contains(t, out.String(), "-config")
}

func TestRun_MissingConfigFile(t *testing.T) {
	err := run(context.Background(), []string{"-config", filepath.Join(t.TempDir(), "nope.yaml")}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "failed to load configuration")
}

func TestRun_RejectsMissingSecrets(t *testing.T) {
	t.Setenv("CHATRELAY_AUTH_ACCESS_SECRET", "")
	t.Setenv("CHATRELAY_AUTH_REFRESH_SECRET", "")
	err := run(context.Background(), nil, &bytes.Buffer{})
	assert.ErrorContains(t, err, "auth.access_secret")
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	port := freePort(t)
	cfgFile := filepath.Join(dir, "chatrelay.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte(fmt.Sprintf(`
http:
  host: 127.0.0.1
  port: %d
database:
  dsn: %s
auth:
  access_secret: one
  refresh_secret: two
  bcrypt_cost: 4
uploads:
  dir: %s
log:
  format: text
`, port, filepath.Join(dir, "chatrelay.db"), filepath.Join(dir, "uploads"))), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	var logs bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- run(ctx, []string{"-config", cfgFile}, &logs) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 25*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
