package server

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rfratto/hostfs/internal/ipc"
)

// NewMetricsMiddleware returns a middleware which counts and times requests
// by command. Metrics are registered to r when r is non-nil.
func NewMetricsMiddleware(r prometheus.Registerer) (Middleware, error) {
	mm := &metricsMiddleware{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hostfs_server_requests_total",
			Help: "Total requests handled by the backend by command and reply status.",
		}, []string{"command", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hostfs_server_request_duration_seconds",
			Help:    "Time taken to handle a request by command.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
	}
	if r != nil {
		for _, c := range []prometheus.Collector{mm.requests, mm.latency} {
			if err := r.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return mm, nil
}

type metricsMiddleware struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func (mm *metricsMiddleware) HandleRequest(ctx context.Context, hdr *ipc.RequestHeader, p ipc.Params, invoker Invoker) (ipc.Result, error) {
	start := time.Now()
	res, err := invoker(ctx, hdr, p)
	mm.latency.WithLabelValues(hdr.Command.String()).Observe(time.Since(start).Seconds())

	status := "ok"
	if code := errorForReply(err); code != 0 {
		status = code.Error()
	}
	mm.requests.WithLabelValues(hdr.Command.String(), status).Inc()
	return res, err
}
