package merger

import (
	"bytes"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"

	"github.com/openSUSE/saline/internal/event"
)

// DataMerger folds normalized records into job/minion aggregates and owns
// the Prometheus registry the scrape body is rendered from.
//
// One coarse lock guards the aggregate. Add is called by the pipeline's
// consumer goroutine, the maintenance jobs call the sweep methods, and the
// publisher reads the epoch and renders — all under the same lock, with
// the text encoding done outside it.
type DataMerger struct {
	log *zap.Logger

	mu    sync.Mutex
	jobs  map[string]*JobState
	epoch uint64

	// retention for terminal jobs, seconds
	retention int64

	// last published derived-gauge values, to bump the epoch only on
	// actual change
	lastDerived derived

	registry *prometheus.Registry

	eventsTotal    *prometheus.CounterVec
	parsedTotal    *prometheus.CounterVec
	droppedTotal   *prometheus.CounterVec
	jobsGauge      *prometheus.GaugeVec
	jobsTotal      *prometheus.CounterVec
	stateResults   *prometheus.CounterVec
	stateChanges   prometheus.Counter
	statesDuration prometheus.Counter
	minionsGauge   *prometheus.GaugeVec
	batchDown      prometheus.Gauge
	keyActions     *prometheus.CounterVec
	masterStats    *prometheus.GaugeVec
}

type derived struct {
	open, completing, complete, timedOut float64
	expected, returned, offline          float64
}

// New creates a DataMerger. retentionS bounds how long terminal jobs are
// kept before CleanupJobJIDs drops them.
func New(retentionS int64, log *zap.Logger) *DataMerger {
	reg := prometheus.NewRegistry()
	m := &DataMerger{
		log:       log,
		jobs:      make(map[string]*JobState),
		retention: retentionS,
		registry:  reg,

		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "salt_events_total",
			Help: "Events merged into the aggregate, by canonical tag.",
		}, []string{"tag_mask"}),
		parsedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saline_internal_events_parsed_total",
			Help: "Parsed events, by reader worker index.",
		}, []string{"rix"}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saline_internal_events_dropped_total",
			Help: "Events dropped on queue overflow, by queue.",
		}, []string{"queue"}),
		jobsGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "salt_jobs",
			Help: "Jobs currently tracked, by lifecycle state.",
		}, []string{"state"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "salt_jobs_total",
			Help: "Jobs that reached a terminal state.",
		}, []string{"state"}),
		stateResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "salt_state_results_total",
			Help: "State sub-run results distilled from job returns.",
		}, []string{"result"}),
		stateChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "salt_state_changes_total",
			Help: "State sub-runs that reported changes.",
		}),
		statesDuration: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "salt_states_duration_seconds_total",
			Help: "Aggregate state execution time.",
		}),
		minionsGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "salt_minions",
			Help: "Minions across tracked jobs, by status.",
		}, []string{"status"}),
		batchDown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "salt_batch_down_minions",
			Help: "Unreachable minions reported by the latest batch event.",
		}),
		keyActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "salt_key_actions_total",
			Help: "Key management events, by action.",
		}, []string{"act"}),
		masterStats: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "salt_master_stats",
			Help: "Numeric master statistics passed through from stats events.",
		}, []string{"key"}),
	}

	reg.MustRegister(
		m.eventsTotal, m.parsedTotal, m.droppedTotal,
		m.jobsGauge, m.jobsTotal,
		m.stateResults, m.stateChanges, m.statesDuration,
		m.minionsGauge, m.batchDown, m.keyActions, m.masterStats,
	)

	return m
}

// IncDropped accounts a queue-overflow drop. Called from the pipeline's
// hot path; drops are observable, so the epoch moves.
func (m *DataMerger) IncDropped(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.droppedTotal.WithLabelValues(queue).Inc()
	m.epoch++
}

// Add merges one normalized record. Safe to call concurrently with the
// epoch and metrics readers.
func (m *DataMerger) Add(ev *event.ParsedEvent) {
	if ev == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.epoch++
	m.eventsTotal.WithLabelValues(ev.TagMask).Inc()
	m.parsedTotal.WithLabelValues(strconv.Itoa(ev.Rix)).Inc()

	if c := ev.Counts; c != nil {
		m.stateResults.WithLabelValues("successes").Add(float64(c.Successes))
		m.stateResults.WithLabelValues("failures").Add(float64(c.Failures))
		m.stateResults.WithLabelValues("errors").Add(float64(c.Errors))
		m.stateResults.WithLabelValues("warnings").Add(float64(c.Warnings))
		m.stateChanges.Add(float64(c.Changes))
		m.statesDuration.Add(c.Duration / 1000.0)
	}

	switch ev.TagMain {
	case event.SaltJob:
		m.mergeJob(ev)
	case event.SaltBatch:
		if ev.DownMinions != nil {
			m.batchDown.Set(float64(len(ev.DownMinions)))
		}
	case event.SaltKey:
		if ev.Fun != "" {
			m.keyActions.WithLabelValues(ev.Fun).Inc()
		}
	case event.SaltStats:
		for k, v := range ev.Stats {
			if f, ok := toFloat(v); ok {
				m.masterStats.WithLabelValues(k).Set(f)
			}
		}
	}
}

// mergeJob applies job/new and job/ret records to the job registry.
// Records carrying no jid (or a prog edge) only feed the event counters.
func (m *DataMerger) mergeJob(ev *event.ParsedEvent) {
	if ev.JID.IsZero() {
		return
	}

	switch ev.TagSub {
	case event.SaltJobNew:
		js := m.ensureJob(ev.JID.String(), ev.TS)
		js.Fun = ev.Fun
		js.User = ev.User
		for _, id := range ev.Minions {
			js.Targets[id] = struct{}{}
		}
		js.touch(ev.TS)

	case event.SaltJobRet:
		js := m.ensureJob(ev.JID.String(), ev.TS)
		if js.Fun == "" {
			js.Fun = ev.Fun
		}
		js.touch(ev.TS)
		if ev.ID == "" {
			return
		}
		mr := js.minion(ev.ID)
		mr.Returned = true
		if ev.Offline {
			mr.Offline = true
		}
		if c := ev.Counts; c != nil {
			mr.Changes += c.Changes
			mr.Errors += c.Errors
			mr.Warnings += c.Warnings
			mr.Successes += c.Successes
			mr.Failures += c.Failures
			mr.Duration += c.Duration
		}
		if js.terminal() {
			return
		}
		if js.returnedCount() >= len(js.Targets) {
			m.transition(js, JobComplete, ev.TS)
		} else {
			js.State = JobCompleting
		}
	}
}

func (m *DataMerger) ensureJob(jid string, ts int64) *JobState {
	js, ok := m.jobs[jid]
	if !ok {
		js = newJobState(jid, ts)
		m.jobs[jid] = js
	}
	return js
}

// transition moves a job into a terminal state exactly once.
func (m *DataMerger) transition(js *JobState, state string, ts int64) {
	if js.terminal() {
		return
	}
	js.State = state
	js.CompletedTS = ts
	m.jobsTotal.WithLabelValues(state).Inc()
}

// MetricsEpoch returns the current epoch. The epoch is monotonically
// non-decreasing and moves on every observable mutation.
func (m *DataMerger) MetricsEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Metrics renders the scrape body. The registry gather happens under the
// aggregate lock so the snapshot is consistent; text encoding happens on
// the copied metric families outside it.
func (m *DataMerger) Metrics() (string, error) {
	m.mu.Lock()
	mfs, err := m.registry.Gather()
	m.mu.Unlock()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// CompleteWithTimeout transitions jobs that have been quiet longer than
// timeoutS to timed_out.
func (m *DataMerger) CompleteWithTimeout(timeoutS, nowTS int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, js := range m.jobs {
		if js.terminal() {
			continue
		}
		if nowTS-js.LastSeenTS > timeoutS {
			m.transition(js, JobTimedOut, nowTS)
			m.epoch++
			m.log.Debug("job timed out",
				zap.String("jid", js.JID),
				zap.String("fun", js.Fun),
				zap.Int("targets", len(js.Targets)),
				zap.Int("returned", js.returnedCount()))
		}
	}
}

// JobsMetricsUpdate recomputes the derived gauges from the job registry.
// The epoch moves only when a gauge actually changed.
func (m *DataMerger) JobsMetricsUpdate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var d derived
	for _, js := range m.jobs {
		switch js.State {
		case JobOpen:
			d.open++
		case JobCompleting:
			d.completing++
		case JobComplete:
			d.complete++
		case JobTimedOut:
			d.timedOut++
		}
		d.expected += float64(len(js.Targets))
		for _, mr := range js.Minions {
			if mr.Returned {
				d.returned++
			}
			if mr.Offline {
				d.offline++
			}
		}
	}

	m.jobsGauge.WithLabelValues(JobOpen).Set(d.open)
	m.jobsGauge.WithLabelValues(JobCompleting).Set(d.completing)
	m.jobsGauge.WithLabelValues(JobComplete).Set(d.complete)
	m.jobsGauge.WithLabelValues(JobTimedOut).Set(d.timedOut)
	m.minionsGauge.WithLabelValues("expected").Set(d.expected)
	m.minionsGauge.WithLabelValues("returned").Set(d.returned)
	m.minionsGauge.WithLabelValues("offline").Set(d.offline)

	if d != m.lastDerived {
		m.lastDerived = d
		m.epoch++
	}
}

// CleanupJobJIDs drops terminal jobs whose completion is older than the
// retention window. Counters are unaffected; the gauges catch up on the
// next JobsMetricsUpdate.
func (m *DataMerger) CleanupJobJIDs(nowTS int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for jid, js := range m.jobs {
		if js.terminal() && nowTS-js.CompletedTS > m.retention {
			delete(m.jobs, jid)
		}
	}
}

// JobCount reports how many jobs are tracked; used by tests and logs.
func (m *DataMerger) JobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
