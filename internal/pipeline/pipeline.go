// Package pipeline wires the stages between the event bus and the scrape
// handler: ingress filtering, a pool of parser workers, the merger
// consumer, the maintenance scheduler, and the metrics publisher. Stages
// are connected by bounded queues that drop on overflow — liveness of the
// event source wins over completeness.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openSUSE/saline/internal/event"
	"github.com/openSUSE/saline/internal/merger"
)

const (
	// reconnect policy for the event source
	connCheckInterval = 3 * time.Second
	reconnectBackoff  = 10 * time.Second

	// publisher cycle and the bound after which a republish is forced
	// even without an epoch change
	publishInterval     = 3 * time.Second
	forceRepublishAfter = 110 * time.Second

	// bound on waiting for worker goroutines at shutdown
	shutdownWait = 5 * time.Second
)

type rawEvent struct {
	tag  string
	data map[string]any
}

// Options wires a Pipeline.
type Options struct {
	Filter    *Filter
	Parser    *event.Parser
	Merger    *merger.DataMerger
	Source    EventSource
	Snapshots *Snapshots
	Logger    *zap.Logger

	Readers   int
	QueueSize int

	// seconds
	JobTimeout               int
	JobTimeoutCheckInterval  int
	JobMetricsUpdateInterval int
	JobJidsCleanupInterval   int
}

// Pipeline runs the producer/filter/parser/aggregator/publisher topology.
type Pipeline struct {
	opts   Options
	log    *zap.Logger
	tracer trace.Tracer

	ingressQ chan rawEvent
	parsedQ  chan *event.ParsedEvent
}

// New builds a Pipeline from wired components.
func New(opts Options) *Pipeline {
	if opts.Readers < 1 {
		opts.Readers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 4096
	}
	return &Pipeline{
		opts:     opts,
		log:      opts.Logger,
		tracer:   otel.Tracer("saline-pipeline"),
		ingressQ: make(chan rawEvent, opts.QueueSize),
		parsedQ:  make(chan *event.ParsedEvent, opts.QueueSize),
	}
}

// Run starts every stage and blocks until ctx is cancelled. In-flight
// events are dropped best-effort at shutdown.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.opts.Source.Subscribe(p.ingest); err != nil {
		return fmt.Errorf("subscribe event source: %w", err)
	}
	defer p.opts.Source.Close()

	maint, err := p.startMaintenance()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup

	for i := 0; i < p.opts.Readers; i++ {
		wg.Add(1)
		go func(rix int) {
			defer wg.Done()
			p.runReader(ctx, rix)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runConsumer(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runReconnector(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runPublisher(ctx)
	}()

	<-ctx.Done()
	p.log.Info("pipeline shutting down")

	stopCtx := maint.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(shutdownWait):
		p.log.Warn("maintenance jobs did not stop in time")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownWait):
		p.log.Warn("pipeline workers did not stop in time")
	}
	return nil
}

// ingest is the event-source callback: filter, then a non-blocking
// enqueue. The callback must never stall the source, so a full ingress
// queue drops the event.
func (p *Pipeline) ingest(tag string, data map[string]any) {
	if !p.opts.Filter.Match(tag) {
		p.log.Debug("event tag does not match the event filter", zap.String("tag", tag))
		return
	}
	select {
	case p.ingressQ <- rawEvent{tag: tag, data: data}:
	default:
		p.opts.Merger.IncDropped("ingress")
	}
}

// runReader is one parser worker: ingress_q → parse → parsed_q.
func (p *Pipeline) runReader(ctx context.Context, rix int) {
	p.log.Info("running events reader", zap.Int("rix", rix))
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.ingressQ:
			parsed := p.opts.Parser.Parse(ev.tag, ev.data)
			if parsed == nil {
				continue
			}
			parsed.Rix = rix
			select {
			case p.parsedQ <- parsed:
			default:
				p.opts.Merger.IncDropped("parsed")
			}
		}
	}
}

// runConsumer is the single writer feeding the merger.
func (p *Pipeline) runConsumer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case parsed := <-p.parsedQ:
			_, span := p.tracer.Start(ctx, "saline.merge")
			p.opts.Merger.Add(parsed)
			span.End()
		}
	}
}

// runReconnector checks the source connection every few seconds and
// re-establishes the subscription after an outage, with a lower bound
// between attempts. Events during the gap are lost.
func (p *Pipeline) runReconnector(ctx context.Context) {
	ticker := time.NewTicker(connCheckInterval)
	defer ticker.Stop()

	var lastReconnect time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.opts.Source.Connected() {
				continue
			}
			if time.Since(lastReconnect) < reconnectBackoff {
				continue
			}
			p.log.Warn("event subscriber stream is not connected, reconnecting")
			lastReconnect = time.Now()
			if err := p.opts.Source.Reset(); err != nil {
				p.log.Error("event source reconnect failed", zap.Error(err))
			}
		}
	}
}

// runPublisher materializes the aggregate into a scrape body whenever the
// epoch moved, and periodically regardless so consumers can tell a quiet
// system from a dead one.
func (p *Pipeline) runPublisher(ctx context.Context) {
	ticker := time.NewTicker(publishInterval)
	defer ticker.Stop()

	var (
		published bool
		lastEpoch uint64
		lastTime  time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			epoch := p.opts.Merger.MetricsEpoch()
			if published && epoch == lastEpoch && time.Since(lastTime) <= forceRepublishAfter {
				continue
			}
			body, err := p.opts.Merger.Metrics()
			if err != nil {
				p.log.Error("metrics rendering failed", zap.Error(err))
				continue
			}
			now := time.Now()
			p.opts.Snapshots.Publish(body, now)
			published = true
			lastEpoch = epoch
			lastTime = now
		}
	}
}

// startMaintenance schedules the periodic sweeps: job timeout completion,
// derived-gauge refresh, and terminal-job cleanup.
func (p *Pipeline) startMaintenance() (*cron.Cron, error) {
	c := cron.New()
	jobs := []struct {
		every int
		run   func()
	}{
		{p.opts.JobTimeoutCheckInterval, func() {
			p.opts.Merger.CompleteWithTimeout(int64(p.opts.JobTimeout), time.Now().Unix())
		}},
		{p.opts.JobMetricsUpdateInterval, func() {
			p.opts.Merger.JobsMetricsUpdate()
		}},
		{p.opts.JobJidsCleanupInterval, func() {
			p.opts.Merger.CleanupJobJIDs(time.Now().Unix())
		}},
	}
	for _, j := range jobs {
		if _, err := c.AddFunc(fmt.Sprintf("@every %ds", j.every), j.run); err != nil {
			return nil, fmt.Errorf("schedule maintenance: %w", err)
		}
	}
	c.Start()
	p.log.Info("maintenance scheduler started",
		zap.Int("job_timeout_check_interval", p.opts.JobTimeoutCheckInterval),
		zap.Int("job_metrics_update_interval", p.opts.JobMetricsUpdateInterval),
		zap.Int("job_jids_cleanup_interval", p.opts.JobJidsCleanupInterval))
	return c, nil
}
