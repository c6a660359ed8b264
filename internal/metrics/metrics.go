package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-canio/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	TxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total CAN frames transmitted to hardware, per interface.",
	}, []string{"iface"})
	RxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN frames received from hardware, per interface.",
	}, []string{"iface"})
	QueuedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_tx_queued_frames_total",
		Help: "Total CAN frames enqueued for deferred transmission, per interface.",
	}, []string{"iface"})
	RejectedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_tx_rejected_frames_total",
		Help: "Total CAN frames rejected by the TX queue (expired on push or pool exhausted).",
	}, []string{"iface"})
	ExpiredFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_tx_expired_frames_total",
		Help: "Total queued CAN frames pruned after their TX deadline passed.",
	}, []string{"iface"})
	EvictedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_tx_evicted_frames_total",
		Help: "Total volatile CAN frames evicted to make room for persistent ones.",
	}, []string{"iface"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrSelect    = "select"
	ErrIfaceSend = "iface_send"
	ErrIfaceRecv = "iface_recv"
	ErrSLCAN     = "slcan"
	ErrSocketCAN = "socketcan"
)

// StartHTTP serves Prometheus metrics at /metrics on the given address.
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

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localTx       uint64
	localRx       uint64
	localQueued   uint64
	localRejected uint64
	localExpired  uint64
	localEvicted  uint64
	localErrors   uint64
)

// Snapshot is a cheap copy of local counters, summed across interfaces.
type Snapshot struct {
	Tx       uint64
	Rx       uint64
	Queued   uint64
	Rejected uint64
	Expired  uint64
	Evicted  uint64
	Errors   uint64
}

func Snap() Snapshot {
	return Snapshot{
		Tx:       atomic.LoadUint64(&localTx),
		Rx:       atomic.LoadUint64(&localRx),
		Queued:   atomic.LoadUint64(&localQueued),
		Rejected: atomic.LoadUint64(&localRejected),
		Expired:  atomic.LoadUint64(&localExpired),
		Evicted:  atomic.LoadUint64(&localEvicted),
		Errors:   atomic.LoadUint64(&localErrors),
	}
}

func ifaceLabel(i int) string { return strconv.Itoa(i) }

// Wrapper helpers to keep call sites simple.
func IncTx(iface int) {
	TxFrames.WithLabelValues(ifaceLabel(iface)).Inc()
	atomic.AddUint64(&localTx, 1)
}

func IncRx(iface int) {
	RxFrames.WithLabelValues(ifaceLabel(iface)).Inc()
	atomic.AddUint64(&localRx, 1)
}

func IncQueued(iface int) {
	QueuedFrames.WithLabelValues(ifaceLabel(iface)).Inc()
	atomic.AddUint64(&localQueued, 1)
}

func IncRejected(iface int) {
	RejectedFrames.WithLabelValues(ifaceLabel(iface)).Inc()
	atomic.AddUint64(&localRejected, 1)
}

func IncExpired(iface int) {
	ExpiredFrames.WithLabelValues(ifaceLabel(iface)).Inc()
	atomic.AddUint64(&localExpired, 1)
}

func IncEvicted(iface int) {
	EvictedFrames.WithLabelValues(ifaceLabel(iface)).Inc()
	atomic.AddUint64(&localEvicted, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common label series so the first event does not pay the
	// registration latency.
	for _, lbl := range []string{ErrSelect, ErrIfaceSend, ErrIfaceRecv, ErrSLCAN, ErrSocketCAN} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for i := 0; i < 3; i++ {
		TxFrames.WithLabelValues(ifaceLabel(i)).Add(0)
		RxFrames.WithLabelValues(ifaceLabel(i)).Add(0)
		RejectedFrames.WithLabelValues(ifaceLabel(i)).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
