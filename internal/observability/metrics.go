package observability

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/scenecast-backend/internal/domain/jobs"
	"github.com/yungbote/scenecast-backend/internal/platform/envutil"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

type Metrics struct {
	apiRequests *CounterVec
	apiLatency  *HistogramVec
	apiInflight *Gauge

	stageLatency *HistogramVec
	scenes       *CounterVec
	jobs         *CounterVec
	retries      *CounterVec
	wsClients    *Gauge

	jobsByStatus *GaugeVec
	dbPool       *GaugeVec
	redisUp      *Gauge
	redisPing    *Gauge
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool { return envutil.Bool("METRICS_ENABLED", false) }

// Current is nil until Init ran with metrics enabled. Every method is nil-safe.
func Current() *Metrics { return instance }

func scrapeInterval() time.Duration {
	return envutil.Seconds("METRICS_SCRAPE_INTERVAL_SECONDS", 10*time.Second)
}

func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = newMetrics()
		if log != nil {
			log.Info("Observability metrics enabled")
		}
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		apiRequests: NewCounterVec("scenecast_api_requests_total", "API requests by method/route/status.", []string{"method", "route", "status"}),
		apiLatency: NewHistogramVec(
			"scenecast_api_request_duration_seconds",
			"API request latency in seconds by method/route.",
			[]string{"method", "route"},
			[]float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		),
		apiInflight: NewGauge("scenecast_api_inflight_requests", "In-flight API requests."),
		stageLatency: NewHistogramVec(
			"scenecast_stage_duration_seconds",
			"Stage executor latency in seconds by stage/status.",
			[]string{"stage", "status"},
			[]float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		),
		scenes:       NewCounterVec("scenecast_scenes_total", "Scene runs by terminal status.", []string{"status"}),
		jobs:         NewCounterVec("scenecast_jobs_total", "Jobs reaching a terminal status by kind/status.", []string{"kind", "status"}),
		retries:      NewCounterVec("scenecast_task_retries_total", "Task redeliveries scheduled after a retryable error.", []string{"task"}),
		wsClients:    NewGauge("scenecast_progress_subscribers", "Open progress subscriptions (websocket and SSE)."),
		jobsByStatus: NewGaugeVec("scenecast_jobs_by_status", "Generation jobs currently in each status.", []string{"status"}),
		dbPool:       NewGaugeVec("scenecast_db_pool", "database/sql pool stats.", []string{"stat"}),
		redisUp:      NewGauge("scenecast_redis_up", "1 when the progress bus answers PING."),
		redisPing:    NewGauge("scenecast_redis_ping_seconds", "Last PING round trip."),
	}
}

func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(m.WriteHTTP),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed && log != nil {
			log.Error("metrics server failed", "error", err, "addr", addr)
		}
	}()
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, _ *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	for _, c := range []interface{ WritePrometheus(io.Writer) error }{
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.stageLatency, m.scenes, m.jobs, m.retries, m.wsClients,
		m.jobsByStatus, m.dbPool, m.redisUp, m.redisPing,
	} {
		if err := c.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.apiRequests.Inc(method, route, status)
	m.apiLatency.Observe(dur.Seconds(), method, route)
}

func (m *Metrics) APIInflightInc() {
	if m != nil {
		m.apiInflight.Inc()
	}
}

func (m *Metrics) APIInflightDec() {
	if m != nil {
		m.apiInflight.Dec()
	}
}

func (m *Metrics) ObserveStage(stage, status string, dur time.Duration) {
	if m != nil {
		m.stageLatency.Observe(dur.Seconds(), stage, status)
	}
}

func (m *Metrics) IncScene(status string) {
	if m != nil {
		m.scenes.Inc(status)
	}
}

func (m *Metrics) IncJob(kind, status string) {
	if m != nil {
		m.jobs.Inc(kind, status)
	}
}

func (m *Metrics) IncRetry(task string) {
	if m != nil {
		m.retries.Inc(task)
	}
}

func (m *Metrics) SubscriberInc() {
	if m != nil {
		m.wsClients.Inc()
	}
}

func (m *Metrics) SubscriberDec() {
	if m != nil {
		m.wsClients.Dec()
	}
}

// StartPostgresCollector samples pool stats and job counts per status.
func (m *Metrics) StartPostgresCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	go tick(ctx, scrapeInterval(), func() {
		if err := m.collectDB(ctx, db); err != nil && log != nil {
			log.Warn("metrics: db collection failed", "error", err)
		}
	})
}

func (m *Metrics) collectDB(ctx context.Context, db *gorm.DB) error {
	if sqlDB, err := db.DB(); err == nil {
		stats := sqlDB.Stats()
		m.dbPool.Set(float64(stats.OpenConnections), "open_connections")
		m.dbPool.Set(float64(stats.InUse), "in_use")
		m.dbPool.Set(float64(stats.Idle), "idle")
		m.dbPool.Set(float64(stats.WaitCount), "wait_count")
		m.dbPool.Set(stats.WaitDuration.Seconds(), "wait_duration_seconds")
	}
	for _, s := range []jobs.Status{jobs.StatusQueued, jobs.StatusProcessing, jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCancelled} {
		m.jobsByStatus.Set(0, string(s))
	}
	var rows []struct {
		Status string
		Count  int64
	}
	if err := db.WithContext(ctx).
		Model(&jobs.GenerationJob{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		m.jobsByStatus.Set(float64(row.Count), row.Status)
	}
	return nil
}

func (m *Metrics) StartRedisCollector(ctx context.Context, log *logger.Logger, rdb redis.UniversalClient) {
	if m == nil || rdb == nil {
		return
	}
	go tick(ctx, scrapeInterval(), func() {
		start := time.Now()
		if err := rdb.Ping(ctx).Err(); err != nil {
			m.redisUp.Set(0)
			if log != nil {
				log.Warn("metrics: redis ping failed", "error", err)
			}
			return
		}
		m.redisUp.Set(1)
		m.redisPing.Set(time.Since(start).Seconds())
	})
}

func tick(ctx context.Context, every time.Duration, fn func()) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}
