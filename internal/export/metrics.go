package export

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Config configures the Prometheus metrics server.
type Config struct {
	// Addr is the listen address for the metrics server.
	// Defaults to ":9090".
	Addr string `yaml:"addr"`
}

// Metrics exposes Prometheus metrics for the tick monitor.
type Metrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	// Per-task progress.
	Ticks               *prometheus.GaugeVec   // tid
	PageFaults          *prometheus.GaugeVec   // tid
	HwInterrupts        *prometheus.GaugeVec   // tid
	InstructionsRetired *prometheus.GaugeVec   // tid
	InterruptsTotal     *prometheus.CounterVec // tid

	// Counter lifecycle.
	OpsTotal     *prometheus.CounterVec // op
	TasksTracked prometheus.Gauge
	ResetErrors  prometheus.Counter

	running atomic.Bool
}

// NewMetrics creates a new metrics server.
func NewMetrics(log logrus.FieldLogger, cfg Config) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		log:      log.WithField("component", "metrics"),
		addr:     cfg.Addr,
		registry: reg,

		Ticks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "perfticks",
				Name:      "ticks",
				Help:      "Last observed tick count (retired conditional branches) per task.",
			},
			[]string{"tid"},
		),
		PageFaults: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "perfticks",
				Name:      "page_faults",
				Help:      "Last observed page fault count per task.",
			},
			[]string{"tid"},
		),
		HwInterrupts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "perfticks",
				Name:      "hw_interrupts",
				Help:      "Last observed hardware interrupt count per task.",
			},
			[]string{"tid"},
		),
		InstructionsRetired: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "perfticks",
				Name:      "instructions_retired",
				Help:      "Last observed retired instruction count per task.",
			},
			[]string{"tid"},
		),
		InterruptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "perfticks",
				Name:      "tick_interrupts_total",
				Help:      "Total tick period expirations observed per task.",
			},
			[]string{"tid"},
		),
		OpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "perfticks",
				Name:      "counter_ops_total",
				Help:      "Total counter lifecycle operations by kind.",
			},
			[]string{"op"},
		),
		TasksTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "perfticks",
			Name:      "tasks_tracked",
			Help:      "Number of tasks with open counters.",
		}),
		ResetErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perfticks",
			Name:      "reset_errors_total",
			Help:      "Total failed counter reset attempts.",
		}),
	}

	reg.MustRegister(
		m.Ticks,
		m.PageFaults,
		m.HwInterrupts,
		m.InstructionsRetired,
		m.InterruptsTotal,
		m.OpsTotal,
		m.TasksTracked,
		m.ResetErrors,
	)

	return m
}

// Start begins serving metrics on the configured address.
func (m *Metrics) Start(_ context.Context) error {
	if m.addr == "" {
		m.addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	// pprof endpoints for CPU/memory profiling.
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", m.addr, err)
	}

	m.listener = ln

	m.server = &http.Server{
		Handler: mux,
	}

	m.running.Store(true)

	go func() {
		m.log.WithField("addr", ln.Addr().String()).
			Info("Metrics server started")

		if err := m.server.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			m.log.WithError(err).
				Error("Metrics server error")
		}

		m.running.Store(false)
	}()

	return nil
}

// Addr returns the bound listen address, useful when the configured
// port was 0.
func (m *Metrics) Addr() string {
	if m.listener == nil {
		return m.addr
	}

	return m.listener.Addr().String()
}

// Stop shuts down the metrics server.
func (m *Metrics) Stop() error {
	if m.server == nil {
		return nil
	}

	return m.server.Close()
}
