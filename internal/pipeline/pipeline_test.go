package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openSUSE/saline/internal/bus"
	"github.com/openSUSE/saline/internal/event"
	"github.com/openSUSE/saline/internal/merger"
)

// stubSource drives the pipeline without a live event bus.
type stubSource struct {
	mu        sync.Mutex
	handler   bus.Handler
	connected bool
	resets    int
}

func (s *stubSource) Subscribe(h bus.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
	s.connected = true
	return nil
}

func (s *stubSource) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *stubSource) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	s.connected = true
	return nil
}

func (s *stubSource) Close() {}

// deliver hands one event to the subscribed handler.
func (s *stubSource) deliver(tag string, data map[string]any) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	h(tag, data)
}

func (s *stubSource) subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler != nil
}

func newTestPipeline(t *testing.T, src EventSource, m *merger.DataMerger, snaps *Snapshots) *Pipeline {
	t.Helper()
	filter, err := NewFilter("salt/", nil)
	require.NoError(t, err)
	rules, err := event.CompileRules(event.RulesConfig{})
	require.NoError(t, err)
	return New(Options{
		Filter:    filter,
		Parser:    event.NewParser(rules, 0, zaptest.NewLogger(t)),
		Merger:    m,
		Source:    src,
		Snapshots: snaps,
		Logger:    zaptest.NewLogger(t),

		Readers:   2,
		QueueSize: 64,

		JobTimeout:               1200,
		JobTimeoutCheckInterval:  120,
		JobMetricsUpdateInterval: 5,
		JobJidsCleanupInterval:   30,
	})
}

func TestPipelineEndToEnd(t *testing.T) {
	src := &stubSource{}
	m := merger.New(1200, zaptest.NewLogger(t))
	snaps := &Snapshots{}

	p := newTestPipeline(t, src, m, snaps)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()

	require.Eventually(t, src.subscribed, time.Second, 10*time.Millisecond)

	src.deliver("salt/job/20240101000000/new", map[string]any{
		"fun":     "test.ping",
		"jid":     "20240101000000",
		"minions": []any{"minion-a"},
	})
	src.deliver("salt/job/20240101000000/ret/minion-a", map[string]any{
		"fun":     "test.ping",
		"jid":     "20240101000000",
		"success": true,
	})
	// does not match the filter and never reaches the merger
	src.deliver("custom/other/event", map[string]any{"fun": "noop"})

	require.Eventually(t, func() bool { return m.JobCount() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not shut down")
	}
}

func TestFilterMatch(t *testing.T) {
	f, err := NewFilter("salt/job/", []string{"salt/batch/", "minion/refresh/"})
	require.NoError(t, err)

	assert.True(t, f.Match("salt/job/123/new"))
	assert.True(t, f.Match("salt/batch/123/start"))
	assert.True(t, f.Match("minion/refresh/minion-a"))
	assert.False(t, f.Match("salt/auth"))
	// prefix anchored, not substring
	assert.False(t, f.Match("prefixed/salt/job/123/new"))
}

func TestFilterRejectsBadPatterns(t *testing.T) {
	_, err := NewFilter("(", nil)
	assert.Error(t, err)
	_, err = NewFilter("salt/", []string{"("})
	assert.Error(t, err)
}

func TestIngestDropsOnOverflow(t *testing.T) {
	src := &stubSource{}
	m := merger.New(1200, zaptest.NewLogger(t))
	filter, err := NewFilter("salt/", nil)
	require.NoError(t, err)
	rules, err := event.CompileRules(event.RulesConfig{})
	require.NoError(t, err)

	p := New(Options{
		Filter:    filter,
		Parser:    event.NewParser(rules, 0, zaptest.NewLogger(t)),
		Merger:    m,
		Source:    src,
		Snapshots: &Snapshots{},
		Logger:    zaptest.NewLogger(t),
		Readers:   1,
		QueueSize: 1,
	})

	// no readers are running, so the second event overflows the queue
	epoch := m.MetricsEpoch()
	p.ingest("salt/job/1/new", map[string]any{"fun": "test.ping"})
	p.ingest("salt/job/2/new", map[string]any{"fun": "test.ping"})
	assert.Greater(t, m.MetricsEpoch(), epoch)

	body, err := m.Metrics()
	require.NoError(t, err)
	assert.Contains(t, body, `saline_internal_events_dropped_total{queue="ingress"} 1`)
}

func TestSnapshotsKeepLatest(t *testing.T) {
	s := &Snapshots{}
	ch := s.Subscribe()

	s.Publish("first", time.Unix(1, 0))
	s.Publish("second", time.Unix(2, 0))

	snap := <-ch
	assert.Equal(t, "second", snap.Body)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra snapshot: %q", extra.Body)
	default:
	}
}
