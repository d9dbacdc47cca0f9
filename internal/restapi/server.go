// Package restapi serves the scrape endpoint. The handler never touches
// the aggregate: it reports the latest snapshot published by the pipeline,
// or 500 when the snapshot has gone stale.
package restapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/openSUSE/saline/internal/config"
	"github.com/openSUSE/saline/internal/pipeline"
)

const metricsContentType = "text/plain;version=0.0.4;charset=utf-8"

// metricsState is the handler-side snapshot store.
type metricsState struct {
	mu   sync.RWMutex
	body string
	last time.Time
}

func (s *metricsState) update(snap pipeline.Snapshot) {
	s.mu.Lock()
	s.body = snap.Body
	s.last = snap.TS
	s.mu.Unlock()
}

func (s *metricsState) get() (string, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.body, s.last
}

// Server is the scrape-endpoint HTTP server.
type Server struct {
	cfg       config.RestAPI
	timeout   time.Duration
	log       *zap.Logger
	snapshots <-chan pipeline.Snapshot
	state     *metricsState
	echo      *echo.Echo
}

// New builds the server. metricsTimeoutS bounds snapshot staleness before
// scrapes are refused.
func New(cfg config.RestAPI, metricsTimeoutS int, snapshots <-chan pipeline.Snapshot, log *zap.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		timeout:   time.Duration(metricsTimeoutS) * time.Second,
		log:       log,
		snapshots: snapshots,
		state:     &metricsState{last: time.Now()},
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Debug
	e.Use(otelecho.Middleware("salined"))
	e.Use(s.accessLogMiddleware())
	e.Use(middleware.Recover())

	e.GET("/metrics", s.metricsHandler)
	e.GET("/metrics/*", s.metricsHandler)

	s.echo = e
	return s
}

// Run consumes snapshots and serves until ctx is cancelled. A bind or TLS
// failure is returned to the caller, which treats it as fatal.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-s.snapshots:
				s.state.update(snap)
			}
		}
	}()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.DisableSSL {
			s.log.Info("scrape endpoint listening", zap.String("addr", addr))
			err = s.echo.Start(addr)
		} else {
			key := s.cfg.SSLKey
			if key == "" {
				// A single PEM carrying both certificate and key.
				key = s.cfg.SSLCrt
			}
			s.log.Info("scrape endpoint listening with TLS", zap.String("addr", addr))
			err = s.echo.StartTLS(addr, s.cfg.SSLCrt, key)
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("unable to bind to %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		s.log.Error("http server shutdown error", zap.Error(err))
	}
	return nil
}

// metricsHandler serves the latest snapshot, refusing with 500 when no
// update arrived within the staleness bound. Data is never synthesized.
func (s *Server) metricsHandler(c echo.Context) error {
	body, last := s.state.get()
	if time.Since(last) > s.timeout {
		s.log.Error("no metrics update within the timeout",
			zap.Duration("metrics_timeout", s.timeout))
		return c.NoContent(http.StatusInternalServerError)
	}
	c.Response().Header().Set("Cache-Control", "no-cache")
	return c.Blob(http.StatusOK, metricsContentType, []byte(body))
}

// accessLogMiddleware emits one line per request: remote ip, user (no
// authentication middleware is wired, so always "-"), method, uri, status,
// content-length, user-agent, and request time in milliseconds. Severity
// follows the status class.
func (s *Server) accessLogMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogRemoteIP:  true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogUserAgent: true,
		LogLatency:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			contentLength := "-"
			if size := c.Response().Size; size > 0 {
				contentLength = strconv.FormatInt(size, 10)
			}
			userAgent := v.UserAgent
			if userAgent == "" {
				userAgent = "-"
			}
			msg := fmt.Sprintf("%s - %s \"%s %s\" %d %s %q %.2fms",
				v.RemoteIP, "-", v.Method, v.URI, v.Status,
				contentLength, userAgent,
				float64(v.Latency.Microseconds())/1000.0)
			switch {
			case v.Status >= 500:
				s.log.Error(msg)
			case v.Status >= 400:
				s.log.Warn(msg)
			default:
				s.log.Info(msg)
			}
			return nil
		},
	})
}
