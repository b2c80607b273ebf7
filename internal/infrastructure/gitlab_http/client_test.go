package gitlab_http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davarch/redeploy/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gitlab(t *testing.T, status string, commitHits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/projects/7/repository/commits/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("PRIVATE-TOKEN"))
		if commitHits != nil && commitHits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.URL.EscapedPath() == "/api/v4/projects/7/repository/commits/release%2F1.2" || r.URL.Path == "/api/v4/projects/7/repository/commits/main" {
			_, _ = w.Write([]byte(`{"id":"0123456789abcdef"}`))
			return
		}
		http.NotFound(w, r)
	})
	mux.HandleFunc("/api/v4/projects/7/pipelines", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0123456789abcdef", r.URL.Query().Get("sha"))
		if status == "" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`[{"id":99,"sha":"0123456789abcdef","status":"` + status + `","web_url":"https://gl/p/99"}]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestResolve_Success(t *testing.T) {
	srv := gitlab(t, "success", nil)
	c := New(srv.URL+"/", "secret", 7, time.Second)

	sha, err := c.Resolve(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", sha)

	sha, err = c.Resolve(context.Background(), "release/1.2")
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", sha)
}

func TestResolve_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := gitlab(t, "success", &hits)
	c := New(srv.URL, "secret", 7, time.Second)

	_, err := c.Resolve(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestResolve_Rejections(t *testing.T) {
	for _, status := range []string{"failed", "running", ""} {
		srv := gitlab(t, status, nil)
		c := New(srv.URL, "secret", 7, time.Second)

		_, err := c.Resolve(context.Background(), "main")
		assert.ErrorIs(t, err, domain.ErrRevisionRejected, status)
	}
}

func TestResolve_UnknownRef(t *testing.T) {
	srv := gitlab(t, "success", nil)
	c := New(srv.URL, "secret", 7, time.Second)

	start := time.Now()
	_, err := c.Resolve(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Less(t, time.Since(start), time.Second, "4xx is not retried")
}
