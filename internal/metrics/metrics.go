// Package metrics exposes Prometheus counters/gauges for the tunnel sender
// and a small HTTP surface (/metrics, /ready) for scraping and liveness.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/numimin/tunnel-sender/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus series.
var (
	ClientsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_clients_accepted_total",
		Help: "Total downstream TCP connections accepted.",
	})
	ClientsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_clients_rejected_total",
		Help: "Total downstream connections refused because the registry was full.",
	})
	ClientsRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_clients_removed_total",
		Help: "Total downstream clients fully removed from the registry.",
	})
	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tunnel_clients_connected",
		Help: "Current number of live downstream clients.",
	})
	BytesClientRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_bytes_client_rx_total",
		Help: "Total bytes read from downstream client sockets.",
	})
	BytesTunnelTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_bytes_tunnel_tx_total",
		Help: "Total bytes written to the upstream tunnel socket.",
	})
	BytesTunnelRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_bytes_tunnel_rx_total",
		Help: "Total bytes read from the upstream tunnel socket (reserved for receiver-side use).",
	})
	ControlFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_frames_control_total",
		Help: "Total ADD/REMOVE control frames emitted on the tunnel.",
	})
	RingFullEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_ring_full_total",
		Help: "Total times the framer ring had no room and encapsulation deferred to the next iteration.",
	})
	PollIterations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_poll_iterations_total",
		Help: "Total event loop iterations (one per poll() wake).",
	})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunnel_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrAccept   = "accept"
	ErrListen   = "listen"
	ErrConnect  = "connect"
	ErrPoll     = "poll"
	ErrClientIO = "client_io"
	ErrTunnelIO = "tunnel_io"
	ErrProtocol = "protocol"
)

// StartHTTP serves Prometheus metrics and a readiness probe at addr.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters so the periodic metrics logger doesn't need to
// scrape the Prometheus registry in-process.
var (
	localAccepted  uint64
	localRejected  uint64
	localRemoved   uint64
	localClientRx  uint64
	localTunnelTx  uint64
	localTunnelRx  uint64
	localControl   uint64
	localRingFull  uint64
	localPollIters uint64
	localErrors    uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	Accepted  uint64
	Rejected  uint64
	Removed   uint64
	ClientRx  uint64
	TunnelTx  uint64
	TunnelRx  uint64
	Control   uint64
	RingFull  uint64
	PollIters uint64
	Errors    uint64
}

func Snap() Snapshot {
	return Snapshot{
		Accepted:  atomic.LoadUint64(&localAccepted),
		Rejected:  atomic.LoadUint64(&localRejected),
		Removed:   atomic.LoadUint64(&localRemoved),
		ClientRx:  atomic.LoadUint64(&localClientRx),
		TunnelTx:  atomic.LoadUint64(&localTunnelTx),
		TunnelRx:  atomic.LoadUint64(&localTunnelRx),
		Control:   atomic.LoadUint64(&localControl),
		RingFull:  atomic.LoadUint64(&localRingFull),
		PollIters: atomic.LoadUint64(&localPollIters),
		Errors:    atomic.LoadUint64(&localErrors),
	}
}

func IncAccepted() {
	ClientsAccepted.Inc()
	atomic.AddUint64(&localAccepted, 1)
}

func IncRejected() {
	ClientsRejected.Inc()
	atomic.AddUint64(&localRejected, 1)
}

func IncRemoved() {
	ClientsRemoved.Inc()
	atomic.AddUint64(&localRemoved, 1)
}

func SetConnected(n int) {
	ClientsConnected.Set(float64(n))
}

func AddClientRx(n int) {
	BytesClientRx.Add(float64(n))
	atomic.AddUint64(&localClientRx, uint64(n))
}

func AddTunnelTx(n int) {
	BytesTunnelTx.Add(float64(n))
	atomic.AddUint64(&localTunnelTx, uint64(n))
}

func AddTunnelRx(n int) {
	BytesTunnelRx.Add(float64(n))
	atomic.AddUint64(&localTunnelRx, uint64(n))
}

func IncControlFrame() {
	ControlFrames.Inc()
	atomic.AddUint64(&localControl, 1)
}

func IncRingFull() {
	RingFullEvents.Inc()
	atomic.AddUint64(&localRingFull, 1)
}

func IncPollIteration() {
	PollIterations.Inc()
	atomic.AddUint64(&localPollIters, 1)
}

func IncError(where string) {
	Errors.WithLabelValues(where).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers error label series.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrAccept, ErrListen, ErrConnect, ErrPoll, ErrClientIO, ErrTunnelIO, ErrProtocol} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
