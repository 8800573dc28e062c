package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var workerLabels = []string{"pool", "worker"}

var shareCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stratum_proxy_accepted_shares",
	Help: "Number of shares accepted upstream",
}, workerLabels)

var shareDiffCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stratum_proxy_accepted_share_difficulty",
	Help: "Total difficulty of shares accepted upstream",
}, workerLabels)

var rejectedShareCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stratum_proxy_rejected_shares",
	Help: "Number of rejected shares by stratum error code",
}, append(workerLabels, "code"))

var blockCandidateCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stratum_proxy_block_candidates",
	Help: "Shares that also met the network target",
}, workerLabels)

var connectionGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "stratum_proxy_worker_connections",
	Help: "Worker connections bound to each pool",
}, []string{"pool"})

var poolStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "stratum_proxy_pool_state",
	Help: "0 = down, 1 = up, 2 = up and stable",
}, []string{"pool"})

var poolSwitchCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stratum_proxy_pool_switches",
	Help: "Connections moved from one pool to another",
}, []string{"from", "to"})

var disconnectCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stratum_proxy_worker_disconnects",
	Help: "Worker connections closed, by pool",
}, []string{"pool"})

func RecordShareAccepted(pool, worker string, diff float64) {
	shareCounter.WithLabelValues(pool, worker).Inc()
	shareDiffCounter.WithLabelValues(pool, worker).Add(diff)
}

func RecordShareRejected(pool, worker string, code int) {
	rejectedShareCounter.WithLabelValues(pool, worker, strconv.Itoa(code)).Inc()
}

func RecordBlockCandidate(pool, worker string) {
	blockCandidateCounter.WithLabelValues(pool, worker).Inc()
}

func RecordConnections(pool string, count int) {
	connectionGauge.WithLabelValues(pool).Set(float64(count))
}

func RecordPoolState(pool string, up, stable bool) {
	state := 0.0
	if up {
		state = 1
		if stable {
			state = 2
		}
	}
	poolStateGauge.WithLabelValues(pool).Set(state)
}

func RecordPoolSwitch(from, to string) {
	poolSwitchCounter.WithLabelValues(from, to).Inc()
}

func RecordDisconnect(pool string) {
	disconnectCounter.WithLabelValues(pool).Inc()
}

// ForgetPool drops the per pool gauges of a removed pool.
func ForgetPool(pool string) {
	connectionGauge.DeleteLabelValues(pool)
	poolStateGauge.DeleteLabelValues(pool)
}

// NewRouter serves /metrics and /readyz; ready decides the readiness answer.
func NewRouter(ready func() bool) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("no pool ready\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	return router
}

// StartPromServer serves the router on addr until ctx ends.
func StartPromServer(ctx context.Context, logger *zap.Logger, addr string, ready func() bool) {
	server := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(ready),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("hosting prom stats", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("prom server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdown)
	}()
}
