package restapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openSUSE/saline/internal/config"
	"github.com/openSUSE/saline/internal/pipeline"
)

func newTestServer(t *testing.T, timeoutS int) *Server {
	t.Helper()
	snaps := make(chan pipeline.Snapshot)
	return New(config.RestAPI{Host: "127.0.0.1", Port: 0, DisableSSL: true}, timeoutS, snaps, zaptest.NewLogger(t))
}

func TestMetricsHandlerServesSnapshot(t *testing.T) {
	s := newTestServer(t, 120)
	s.state.update(pipeline.Snapshot{
		Body: "salt_events_total{tag_mask=\"salt/job/{jid}/new\"} 3\n",
		TS:   time.Now(),
	})

	for _, path := range []string{"/metrics", "/metrics/anything"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "text/plain;version=0.0.4;charset=utf-8", rec.Header().Get("Content-Type"))
		assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
		assert.Contains(t, rec.Body.String(), "salt_events_total")
	}
}

func TestMetricsHandlerRefusesStaleSnapshot(t *testing.T) {
	s := newTestServer(t, 120)
	s.state.update(pipeline.Snapshot{
		Body: "salt_jobs{state=\"open\"} 1\n",
		TS:   time.Now().Add(-130 * time.Second),
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestMetricsHandlerBeforeFirstSnapshot(t *testing.T) {
	// the staleness clock starts at server creation, so an early scrape
	// gets an empty 200 rather than an error
	s := newTestServer(t, 120)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestServerConsumesSnapshots(t *testing.T) {
	snaps := make(chan pipeline.Snapshot, 1)
	s := New(config.RestAPI{Host: "127.0.0.1", Port: 0, DisableSSL: true}, 120, snaps, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	snaps <- pipeline.Snapshot{Body: "salt_jobs{state=\"open\"} 2\n", TS: time.Now()}

	require.Eventually(t, func() bool {
		body, _ := s.state.get()
		return body != ""
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
