package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-foc-firmware/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	SerialRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_frames_total",
		Help: "Total UART protocol frames decoded from the serial link.",
	})
	SerialTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_frames_total",
		Help: "Total UART protocol frames written to the serial link.",
	})
	SocketCANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_rx_frames_total",
		Help: "Total CAN frames read from the SocketCAN interface.",
	})
	SocketCANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_tx_frames_total",
		Help: "Total CAN frames written to the SocketCAN interface.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total CAN frames dropped by the hub because a subscriber was full.",
	})
	HubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_subscribers",
		Help: "Current number of hub subscribers.",
	})
	ControlTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "control_ticks_total",
		Help: "Total control loop iterations executed.",
	})
	TickOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "control_tick_overruns_total",
		Help: "Deferred CAN/UART handling that exceeded the tick slack.",
	})
	MissedTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "control_ticks_missed_total",
		Help: "ADC ticks raised while the previous one was still pending.",
	})
	ControllerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "controller_state",
		Help: "Controller state (0 idle, 1 calibrate, 2 closed loop).",
	})
	EndpointRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "endpoint_requests_total",
		Help: "Endpoint accesses by operation.",
	}, []string{"op"})
	EndpointRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "endpoint_rejected_total",
		Help: "Endpoint writes rejected (invalid value, unknown or read-only endpoint).",
	})
	ISOTPResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotp_protocol_results_total",
		Help: "ISO-TP non-OK protocol results by direction and result.",
	}, []string{"dir", "result"})
	ISOTPTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotp_transfers_total",
		Help: "Completed ISO-TP transfers by direction.",
	}, []string{"dir"})
	Heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heartbeats_total",
		Help: "Heartbeat frames emitted.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (bad STX, length or CRC).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrSerialRead     = "serial_read"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANOver  = "socketcan_tx_overflow"
	ErrSocketCANRead  = "socketcan_read"
	ErrSocketCANBus   = "socketcan_bus_error"
	ErrISOTPSend      = "isotp_send"
	ErrISOTPReceive   = "isotp_receive"
	ErrCANMailbox     = "can_mailbox_overflow"
	ErrController     = "controller_fault"
	ErrHardFault      = "hard_fault"
	ErrNVM            = "nvm"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: handler(),
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

func handler() http.Handler {
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
	return mux
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localSerialRx    uint64
	localSerialTx    uint64
	localSocketCANRx uint64
	localSocketCANTx uint64
	localHubDrop     uint64
	localTicks       uint64
	localOverruns    uint64
	localMissed      uint64
	localRejected    uint64
	localISOTPErrors uint64
	localHeartbeats  uint64
	localErrors      uint64
	localMalformed   uint64
	localState       uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	SerialRx         uint64
	SerialTx         uint64
	SocketCANRx      uint64
	SocketCANTx      uint64
	HubDrops         uint64
	Ticks            uint64
	Overruns         uint64
	MissedTicks      uint64
	EndpointRejected uint64
	ISOTPErrors      uint64
	Heartbeats       uint64
	Errors           uint64 // sum across error labels
	Malformed        uint64
	State            uint64
}

func Snap() Snapshot {
	return Snapshot{
		SerialRx:         atomic.LoadUint64(&localSerialRx),
		SerialTx:         atomic.LoadUint64(&localSerialTx),
		SocketCANRx:      atomic.LoadUint64(&localSocketCANRx),
		SocketCANTx:      atomic.LoadUint64(&localSocketCANTx),
		HubDrops:         atomic.LoadUint64(&localHubDrop),
		Ticks:            atomic.LoadUint64(&localTicks),
		Overruns:         atomic.LoadUint64(&localOverruns),
		MissedTicks:      atomic.LoadUint64(&localMissed),
		EndpointRejected: atomic.LoadUint64(&localRejected),
		ISOTPErrors:      atomic.LoadUint64(&localISOTPErrors),
		Heartbeats:       atomic.LoadUint64(&localHeartbeats),
		Errors:           atomic.LoadUint64(&localErrors),
		Malformed:        atomic.LoadUint64(&localMalformed),
		State:            atomic.LoadUint64(&localState),
	}
}

// Wrapper helpers to keep call sites simple.
func IncSerialRx() {
	SerialRxFrames.Inc()
	atomic.AddUint64(&localSerialRx, 1)
}

func IncSerialTx() {
	SerialTxFrames.Inc()
	atomic.AddUint64(&localSerialTx, 1)
}

// IncSocketCANRx increments SocketCAN receive counters.
func IncSocketCANRx() {
	SocketCANRxFrames.Inc()
	atomic.AddUint64(&localSocketCANRx, 1)
}

// IncSocketCANTx increments SocketCAN transmit counters.
func IncSocketCANTx() {
	SocketCANTxFrames.Inc()
	atomic.AddUint64(&localSocketCANTx, 1)
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func SetHubSubscribers(n int) { HubSubscribers.Set(float64(n)) }

func IncTick() {
	ControlTicks.Inc()
	atomic.AddUint64(&localTicks, 1)
}

func IncOverrun() {
	TickOverruns.Inc()
	atomic.AddUint64(&localOverruns, 1)
}

// IncMissedTick counts an ADC tick that found the previous one unserved.
func IncMissedTick() {
	MissedTicks.Inc()
	atomic.AddUint64(&localMissed, 1)
}

func SetControllerState(s int) {
	ControllerState.Set(float64(s))
	atomic.StoreUint64(&localState, uint64(s))
}

// IncEndpoint counts an endpoint access ("read", "write" or "call").
func IncEndpoint(op string) { EndpointRequests.WithLabelValues(op).Inc() }

func IncEndpointRejected() {
	EndpointRejected.Inc()
	atomic.AddUint64(&localRejected, 1)
}

// IncISOTPResult counts a non-OK protocol result for "tx" or "rx".
func IncISOTPResult(dir, result string) {
	ISOTPResults.WithLabelValues(dir, result).Inc()
	atomic.AddUint64(&localISOTPErrors, 1)
}

func IncISOTPTransfer(dir string) { ISOTPTransfers.WithLabelValues(dir).Inc() }

func IncHeartbeat() {
	Heartbeats.Inc()
	atomic.AddUint64(&localHeartbeats, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrSerialWrite, ErrSerialOverflow, ErrSerialRead,
		ErrSocketCANWrite, ErrSocketCANOver, ErrSocketCANRead, ErrSocketCANBus,
		ErrISOTPSend, ErrISOTPReceive, ErrCANMailbox,
		ErrController, ErrHardFault, ErrNVM,
	} {
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
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
