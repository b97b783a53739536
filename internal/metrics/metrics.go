// Package metrics exposes engine counters in Prometheus format.
//
// All metrics live on the Collector's own registry so several engines (or
// tests) can coexist in one process. Every method is safe on a nil
// *Collector, which lets callers treat metrics as optional.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Send results, used as the "result" label.
const (
	ResultSent        = "sent"
	ResultUnconfirmed = "unconfirmed"
	ResultFailed      = "failed"
	ResultSkipped     = "skipped"
)

type Collector struct {
	reg *prometheus.Registry

	jobsStarted  *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
	sends        *prometheus.CounterVec
	sendLatency  *prometheus.HistogramVec
	probes       *prometheus.CounterVec
	activeJobs   prometheus.Gauge
	sessions     prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sender_jobs_started_total",
			Help: "Broadcast jobs that entered the running state.",
		}, []string{"platform"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sender_jobs_finished_total",
			Help: "Broadcast jobs that reached a terminal state.",
		}, []string{"platform", "status"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sender_sends_total",
			Help: "Per-recipient send attempts by outcome.",
		}, []string{"platform", "result"}),
		sendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sender_send_duration_seconds",
			Help:    "Time from opening a conversation to submit and confirmation.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"platform"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sender_session_probes_total",
			Help: "Authentication probes by result.",
		}, []string{"platform", "authenticated"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sender_active_jobs",
			Help: "Jobs currently in the active set.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sender_browser_sessions",
			Help: "Live browser sessions.",
		}),
	}
	c.reg.MustRegister(
		c.jobsStarted, c.jobsFinished, c.sends, c.sendLatency, c.probes,
		c.activeJobs, c.sessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.reg
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

func (c *Collector) JobStarted(platform string) {
	if c == nil {
		return
	}
	c.jobsStarted.WithLabelValues(platform).Inc()
}

func (c *Collector) JobFinished(platform, status string) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(platform, status).Inc()
}

// SendResult records one recipient outcome. d is ignored for skipped sends.
func (c *Collector) SendResult(platform, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.sends.WithLabelValues(platform, result).Inc()
	if result != ResultSkipped {
		c.sendLatency.WithLabelValues(platform).Observe(d.Seconds())
	}
}

func (c *Collector) SessionProbe(platform string, authenticated bool) {
	if c == nil {
		return
	}
	v := "false"
	if authenticated {
		v = "true"
	}
	c.probes.WithLabelValues(platform, v).Inc()
}

func (c *Collector) SetActiveJobs(n int) {
	if c == nil {
		return
	}
	c.activeJobs.Set(float64(n))
}

func (c *Collector) SetSessions(n int) {
	if c == nil {
		return
	}
	c.sessions.Set(float64(n))
}
