// Package metrics exposes the worker's Prometheus instrumentation.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatwire/chatwire/internal/queue"
)

var (
	// SessionsOnline tracks live device sessions.
	SessionsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatwire_sessions_online",
		Help: "Number of live device sessions.",
	})

	// InboundEvents counts persisted inbound events.
	InboundEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwire_inbound_events_total",
		Help: "Inbound events persisted.",
	})

	// JobResults counts queue handler outcomes per queue.
	JobResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwire_queue_job_results_total",
		Help: "Queue job outcomes by disposition.",
	}, []string{"queue", "result"})

	// QueueDepth mirrors the broker's per-tier list sizes.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatwire_queue_depth",
		Help: "Jobs per queue and tier (ready, delayed, dlq).",
	}, []string{"queue", "tier"})
)

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

// InstrumentHandler counts every job outcome for the named queue.
func InstrumentHandler(queueName string, h queue.Handler) queue.Handler {
	return func(ctx context.Context, job *queue.Job) queue.Result {
		res := h(ctx, job)
		JobResults.WithLabelValues(queueName, dispositionLabel(res.Disposition)).Inc()
		return res
	}
}

func dispositionLabel(d queue.Disposition) string {
	switch d {
	case queue.Done:
		return "done"
	case queue.Retry:
		return "retry"
	case queue.Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// PollQueueDepths refreshes the depth gauges until ctx ends.
func PollQueueDepths(ctx context.Context, interval time.Duration, queues map[string]*queue.Queue) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, q := range queues {
				ready, delayed, dlq, err := q.Depth(ctx)
				if err != nil {
					continue
				}
				QueueDepth.WithLabelValues(name, "ready").Set(float64(ready))
				QueueDepth.WithLabelValues(name, "delayed").Set(float64(delayed))
				QueueDepth.WithLabelValues(name, "dlq").Set(float64(dlq))
			}
		}
	}
}
