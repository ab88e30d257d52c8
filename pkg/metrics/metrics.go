package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/okserver/okserver/internal/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BuildInfo exposes version, build date, and git commit.
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "okserver_build_info",
			Help: "Build information including version, build date, and git commit",
		},
		[]string{"version", "build_date", "git_commit"},
	)

	// ProcessUptimeSeconds tracks the uptime of the process in seconds.
	ProcessUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "okserver_process_uptime_seconds",
			Help: "Process uptime in seconds",
		},
	)

	// ConnectionsAcceptedTotal counts accepted TCP connections.
	ConnectionsAcceptedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "okserver_connections_accepted_total",
			Help: "Total number of accepted connections",
		},
	)

	// ConnectionErrorsTotal counts connection failures by stage and error type.
	ConnectionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "okserver_connection_errors_total",
			Help: "Total number of connection errors",
		},
		[]string{"stage", "error_type"},
	)

	// ResponsesTotal counts responses written, labelled by request method.
	ResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "okserver_responses_total",
			Help: "Total number of responses written",
		},
		[]string{"method"},
	)

	// ConnectionDuration measures the lifetime of a connection in seconds.
	ConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "okserver_connection_duration_seconds",
			Help:    "Connection lifetime from accept to close in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
	)

	// RequestSizeBytes measures the bytes read per connection.
	RequestSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "okserver_request_size_bytes",
			Help:    "Bytes read per connection",
			Buckets: []float64{16, 64, 256, 1024, 4096, 16384},
		},
	)

	// ConnectionsInFlight tracks connections currently being handled.
	ConnectionsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "okserver_connections_in_flight",
			Help: "Number of connections currently being handled",
		},
	)
)

// Init initializes the metrics with build information and starts the uptime tracker.
// The tracker stops when ctx is done.
func Init(ctx context.Context) {
	startTime := time.Now()

	// Set build info as a constant gauge with value 1
	BuildInfo.WithLabelValues(
		version.Version,
		version.BuildDate,
		version.GitCommit,
	).Set(1)

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ProcessUptimeSeconds.Set(time.Since(startTime).Seconds())
			}
		}
	}()
}

// Server exposes the default registry on /metrics.
type Server struct {
	server   *http.Server
	listener net.Listener
}

// NewServer binds addr. Serving starts with Serve.
func NewServer(addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: listener,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve blocks until Shutdown is called.
func (s *Server) Serve() error {
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the metrics listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
