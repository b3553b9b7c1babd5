package relay

import (
	"container/list"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultDedupWindow     = 100
	defaultDedupTTL        = 5 * time.Minute
	dedupJanitorInterval   = 30 * time.Second
)

type dedupRecord struct {
	key    string
	expiry time.Time
}

// dedupWindow tracks recently-seen JSON-RPC ids so a relay's at-least-once
// delivery never dispatches the same request twice while the id is still
// tracked. One window instance is shared across all topics; entries are
// fingerprinted by topic+id so unrelated topics never collide. maxLen caps
// the number of entries across all topics together, not per topic: once
// it is exceeded the oldest entry is evicted whichever topic it belongs to.
// Entries also expire after ttl.
type dedupWindow struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	maxLen  int
	ttl     time.Duration
	now     func() time.Time
	metrics *dedupMetrics
}

func newDedupWindow(maxLen int, ttl time.Duration) *dedupWindow {
	if maxLen <= 0 {
		maxLen = defaultDedupWindow
	}
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &dedupWindow{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxLen:  maxLen,
		ttl:     ttl,
		now:     time.Now,
		metrics: getDedupMetrics(),
	}
}

// Seen records (topic, id) and reports whether it was already present. A
// true return means the caller should drop the message.
func (w *dedupWindow) Seen(topic string, id uint64) bool {
	key := topic + ":" + strconv.FormatUint(id, 10)
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.sweepLocked(now)

	if _, ok := w.entries[key]; ok {
		return true
	}

	elem := w.order.PushFront(&dedupRecord{key: key, expiry: now.Add(w.ttl)})
	w.entries[key] = elem
	w.metrics.observeSize(len(w.entries))
	w.evictOverflowLocked()
	return false
}

func (w *dedupWindow) sweepLocked(now time.Time) {
	for {
		elem := w.order.Back()
		if elem == nil {
			return
		}
		rec := elem.Value.(*dedupRecord)
		if now.Before(rec.expiry) {
			return
		}
		w.order.Remove(elem)
		delete(w.entries, rec.key)
		w.metrics.observeEvicted(1)
	}
}

func (w *dedupWindow) evictOverflowLocked() {
	for len(w.entries) > w.maxLen {
		elem := w.order.Back()
		if elem == nil {
			return
		}
		rec := elem.Value.(*dedupRecord)
		w.order.Remove(elem)
		delete(w.entries, rec.key)
		w.metrics.observeEvicted(1)
	}
	w.metrics.observeSize(len(w.entries))
}

type dedupMetrics struct {
	size    prometheus.Gauge
	evicted prometheus.Counter
}

var (
	dedupMetricsOnce sync.Once
	dedupMetricsInst *dedupMetrics
)

func getDedupMetrics() *dedupMetrics {
	dedupMetricsOnce.Do(func() {
		dedupMetricsInst = &dedupMetrics{
			size: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "wc2_relay_dedup_window_size",
				Help: "Number of JSON-RPC ids currently tracked for duplicate suppression.",
			}),
			evicted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "wc2_relay_dedup_evicted_total",
				Help: "Number of dedup window entries evicted due to TTL or capacity.",
			}),
		}
		prometheus.MustRegister(dedupMetricsInst.size, dedupMetricsInst.evicted)
	})
	return dedupMetricsInst
}

func (m *dedupMetrics) observeSize(n int) {
	if m == nil {
		return
	}
	m.size.Set(float64(n))
}

func (m *dedupMetrics) observeEvicted(delta int) {
	if m == nil || delta <= 0 {
		return
	}
	m.evicted.Add(float64(delta))
}
