// Package metrics exposes the small Prometheus registry described in
// SPEC_FULL.md §6: enough observable surface for the resume/request/
// alert subsystems to be monitored, served over a dedicated loopback
// listener rather than any general admin HTTP surface.
package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/tvlog"
)

// Registry holds the small fixed set of metrics this system exposes.
type Registry struct {
	reg *prometheus.Registry

	OutstandingResumeSaves prometheus.Gauge
	ActiveTorrents         prometheus.Gauge
	PieceRequestsTotal     prometheus.Counter
	AlertsDispatchedTotal  *prometheus.CounterVec
}

// New constructs a Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		OutstandingResumeSaves: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tvaf_ftp_outstanding_resume_saves",
			Help: "Number of torrents with an in-flight save_resume_data request.",
		}),
		ActiveTorrents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tvaf_ftp_active_torrents",
			Help: "Number of torrents currently in the request service's Active state.",
		}),
		PieceRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tvaf_ftp_piece_requests_total",
			Help: "Total number of Request calls made to the request service.",
		}),
		AlertsDispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tvaf_ftp_alerts_dispatched_total",
			Help: "Total number of alerts dispatched by the alert driver, by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		r.OutstandingResumeSaves,
		r.ActiveTorrents,
		r.PieceRequestsTotal,
		r.AlertsDispatchedTotal,
	)
	return r
}

// Server serves the Registry's metrics over a dedicated loopback
// listener, independent of the FTP server itself.
type Server struct {
	http *http.Server
}

// NewServer builds a Server bound to addr (typically a loopback
// address; this metrics surface is never meant to be exposed
// publicly).
func NewServer(addr string, reg *Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.reg, promhttp.HandlerOpts{}))
	return &Server{http: &http.Server{Addr: addr, Handler: mux}}
}

// Run serves until ctx is cancelled, then shuts down gracefully. It
// matches internal/task.RunFunc's shape so it can be supervised as a
// Task.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("metrics: listen %s: %w", s.http.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(ln) }()

	select {
	case <-ctx.Done():
		tvlog.Debugf("metrics", "shutting down")
		return s.http.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics: serve: %w", err)
		}
		return nil
	}
}
