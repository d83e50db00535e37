package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const scrapeTimeout = 5 * time.Second

func desc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc("alertflow_"+name, help, labels, nil)
}

var (
	upDesc              = desc("up", "Whether the engine is serving.")
	schedulerRunning    = desc("scheduler_running", "Whether the cron scheduler is started.")
	schedulerActiveJobs = desc("scheduler_active_jobs", "Jobs registered with the scheduler.")
	jobExecutions       = desc("job_executions_total", "Finished job runs by status.", "status")
	jobSkipped          = desc("job_skipped_total", "Ticks skipped because the job was still running.")
	alertPasses         = desc("alert_passes_total", "Alert evaluation passes.")
	alertChecks         = desc("alert_checks_total", "Alerts checked.")
	alertQueued         = desc("alert_notifications_queued_total", "Queue entries created by alerts.")
	deliveries          = desc("delivery_total", "Delivery attempts by result.", "result")
	rateLimited         = desc("delivery_rate_limited_total", "Drain passes stopped by the rate limit.")
	deliveryTokens      = desc("delivery_tokens", "Deliveries left in the hourly budget, -1 when unlimited.")
	hookTriggers        = desc("hook_triggers_total", "Hook passes triggered.")
	hookCompleted       = desc("hook_completed_total", "Hook passes completed.")
	queueEntries        = desc("queue_entries", "Notification queue entries by status.", "status")
)

// engineCollector reads the engine's counters at scrape time.
type engineCollector struct {
	s *Server
}

func (c engineCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		upDesc, schedulerRunning, schedulerActiveJobs, jobExecutions, jobSkipped,
		alertPasses, alertChecks, alertQueued, deliveries, rateLimited, deliveryTokens,
		hookTriggers, hookCompleted, queueEntries,
	} {
		ch <- d
	}
}

func (c engineCollector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	gauge(upDesc, 1)

	ss := c.s.Scheduler.Stats()
	running := 0.0
	if ss.Running {
		running = 1
	}
	gauge(schedulerRunning, running)
	gauge(schedulerActiveJobs, float64(ss.ActiveJobs))
	counter(jobExecutions, float64(ss.Successful), "success")
	counter(jobExecutions, float64(ss.Failed), "failed")
	counter(jobSkipped, float64(ss.Skipped))

	as := c.s.Alerts.Stats()
	counter(alertPasses, float64(as.Passes))
	counter(alertChecks, float64(as.Totals.Checked))
	counter(alertQueued, float64(as.Totals.Queued))

	qs := c.s.Queue.Stats()
	counter(deliveries, float64(qs.Sent), "sent")
	counter(deliveries, float64(qs.Retried), "retried")
	counter(deliveries, float64(qs.Failed), "failed")
	counter(rateLimited, float64(qs.RateLimited))
	gauge(deliveryTokens, float64(c.s.Queue.Tokens()))

	triggered, completed := c.s.Hook.Counts()
	counter(hookTriggers, float64(triggered))
	counter(hookCompleted, float64(completed))

	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()
	counts, err := c.s.Store.QueueCounts(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(queueEntries, fmt.Errorf("queue counts: %w", err))
		return
	}
	for status, n := range counts {
		gauge(queueEntries, float64(n), status)
	}
}

// promLogger routes promhttp errors through zerolog.
type promLogger struct {
	log zerolog.Logger
}

func (l promLogger) Println(v ...any) {
	l.log.Error().Msg(fmt.Sprint(v...))
}

func (s *Server) metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), engineCollector{s: s})
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog:      promLogger{log: s.Log},
		ErrorHandling: promhttp.ContinueOnError,
	})
}
