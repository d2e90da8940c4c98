package main

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// Metrics is the crawler-wide counter set, exposed in Prometheus text
// format when METRICS_ADDR is set.
type Metrics struct {
	mu sync.Mutex

	offersSeen    uint64
	offersSaved   uint64
	offersSkipped uint64
	requestErrors uint64
	storeErrors   uint64
	backoffs      uint64
	restarts      uint64
	liveWorkers   int

	start time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{start: time.Now()}
}

func (m *Metrics) IncOffersSeen()    { m.mu.Lock(); m.offersSeen++; m.mu.Unlock() }
func (m *Metrics) IncOffersSaved()   { m.mu.Lock(); m.offersSaved++; m.mu.Unlock() }
func (m *Metrics) IncOffersSkipped() { m.mu.Lock(); m.offersSkipped++; m.mu.Unlock() }
func (m *Metrics) IncRequestErrors() { m.mu.Lock(); m.requestErrors++; m.mu.Unlock() }
func (m *Metrics) IncStoreErrors()   { m.mu.Lock(); m.storeErrors++; m.mu.Unlock() }
func (m *Metrics) IncBackoffs()      { m.mu.Lock(); m.backoffs++; m.mu.Unlock() }
func (m *Metrics) IncRestarts()      { m.mu.Lock(); m.restarts++; m.mu.Unlock() }

func (m *Metrics) SetLiveWorkers(n int) { m.mu.Lock(); m.liveWorkers = n; m.mu.Unlock() }

func (m *Metrics) LiveWorkers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveWorkers
}

func (m *Metrics) render(w http.ResponseWriter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP crawl_offers_total Offers by pipeline outcome\n# TYPE crawl_offers_total counter\n")
	fmt.Fprintf(w, "crawl_offers_total{outcome=\"seen\"} %d\n", m.offersSeen)
	fmt.Fprintf(w, "crawl_offers_total{outcome=\"saved\"} %d\n", m.offersSaved)
	fmt.Fprintf(w, "crawl_offers_total{outcome=\"skipped\"} %d\n", m.offersSkipped)
	fmt.Fprintf(w, "# HELP crawl_errors_total Request/store errors\n# TYPE crawl_errors_total counter\n")
	fmt.Fprintf(w, "crawl_errors_total{type=\"request\"} %d\n", m.requestErrors)
	fmt.Fprintf(w, "crawl_errors_total{type=\"store\"} %d\n", m.storeErrors)
	fmt.Fprintf(w, "# HELP crawl_backoffs_total Error-threshold backoff sleeps\n# TYPE crawl_backoffs_total counter\ncrawl_backoffs_total %d\n", m.backoffs)
	fmt.Fprintf(w, "# HELP crawl_worker_restarts_total Worker respawns\n# TYPE crawl_worker_restarts_total counter\ncrawl_worker_restarts_total %d\n", m.restarts)
	fmt.Fprintf(w, "# HELP crawl_workers_live Currently live workers\n# TYPE crawl_workers_live gauge\ncrawl_workers_live %d\n", m.liveWorkers)
	fmt.Fprintf(w, "# HELP crawl_uptime_seconds Supervisor uptime\n# TYPE crawl_uptime_seconds gauge\ncrawl_uptime_seconds %0.f\n", time.Since(m.start).Seconds())
}

// startMetrics serves /metrics and /healthz; no-op when addr is empty.
func startMetrics(addr string, m *Metrics) {
	if addr == "" {
		return
	}
	r := mux.NewRouter()
	r.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		m.render(w)
	}).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)

	go func() {
		_ = http.ListenAndServe(addr, r)
	}()
}
