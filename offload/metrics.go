package offload

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/klog/v2"
)

// Transfer directions, used as metric labels.
const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

var (
	TransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omptarget_transfer_bytes_total",
		Help: "Bytes transferred between host and devices.",
	}, []string{"backend", "direction"})

	TransferSeconds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omptarget_transfer_seconds_total",
		Help: "Time spent transferring data between host and devices.",
	}, []string{"backend", "direction"})

	Launches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omptarget_launches_total",
		Help: "Kernel launches, by final status.",
	}, []string{"backend", "status"})

	LaunchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "omptarget_launch_duration_seconds",
		Help:    "Duration of kernel launches, including waiting for the arguments transfers.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 12),
	}, []string{"backend"})

	LiveBuffers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "omptarget_live_buffers",
		Help: "Device buffers allocated and not yet deleted.",
	}, []string{"backend"})
)

// Timing counter names. Backends may add their own (e.g. compression).
const (
	TimingUpload        = "upload"
	TimingDownload      = "download"
	TimingCompression   = "compression"
	TimingDecompression = "decompression"
	TimingExecution     = "execution"
)

// Timings accumulates elapsed times and bytes per named counter, each counter guarded by its own mutex.
// It is safe for concurrent use.
type Timings struct {
	mu       sync.Mutex // Protects the counters map only.
	counters map[string]*timingCounter
}

type timingCounter struct {
	mu      sync.Mutex
	elapsed time.Duration
	bytes   int64
	count   int
}

// NewTimings creates an empty set of counters.
func NewTimings() *Timings {
	return &Timings{counters: make(map[string]*timingCounter)}
}

func (t *Timings) counter(name string) *timingCounter {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, found := t.counters[name]
	if !found {
		c = &timingCounter{}
		t.counters[name] = c
	}
	return c
}

// Add accumulates elapsed and numBytes to the named counter.
func (t *Timings) Add(name string, elapsed time.Duration, numBytes int64) {
	c := t.counter(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.elapsed += elapsed
	c.bytes += numBytes
	c.count++
}

// Since is a shortcut to Add(name, time.Since(start), numBytes), convenient with defer.
func (t *Timings) Since(name string, start time.Time, numBytes int64) {
	t.Add(name, time.Since(start), numBytes)
}

// Get returns the accumulated values of the named counter.
func (t *Timings) Get(name string) (elapsed time.Duration, numBytes int64, count int) {
	c := t.counter(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed, c.bytes, c.count
}

// Log prints a summary of the non-empty counters, with the given prefix.
func (t *Timings) Log(prefix string) {
	for _, name := range []string{TimingUpload, TimingDownload, TimingCompression, TimingDecompression, TimingExecution} {
		elapsed, numBytes, count := t.Get(name)
		if count == 0 {
			continue
		}
		klog.V(1).Infof("%s%s", prefix, formatTiming(name, elapsed, numBytes, count))
	}
}

func formatTiming(name string, elapsed time.Duration, numBytes int64, count int) string {
	if numBytes == 0 {
		return fmt.Sprintf("%s: %s in %d calls", name, elapsed, count)
	}
	return fmt.Sprintf("%s: %s in %s, %d calls", name, humanize.Bytes(uint64(numBytes)), elapsed, count)
}
