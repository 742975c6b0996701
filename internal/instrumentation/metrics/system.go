package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/mackerelio/go-osstat/cpu"
	"github.com/mackerelio/go-osstat/memory"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

// SystemCollector samples host and process resource usage on a fixed interval.
type SystemCollector struct {
	cpuGauge  prometheus.Gauge
	memGauge  prometheus.Gauge
	diskGauge prometheus.Gauge
	heapGauge prometheus.Gauge

	diskPath  string
	lastIdle  uint64
	lastTotal uint64
	mu        sync.RWMutex
}

// NewSystemCollector starts sampling until ctx is done. diskPath is the
// filesystem reported by the disk gauge; an empty value means "/".
func NewSystemCollector(ctx context.Context, interval time.Duration, diskPath string) *SystemCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if diskPath == "" {
		diskPath = "/"
	}
	c := &SystemCollector{
		cpuGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bundleapi_cpu_utilization",
			Help: "Host CPU utilization ratio",
		}),
		memGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bundleapi_memory_utilization",
			Help: "Host memory utilization ratio",
		}),
		diskGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bundleapi_disk_utilization",
			Help: "Data directory filesystem utilization ratio",
		}),
		heapGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bundleapi_heap_inuse_bytes",
			Help: "Bytes in in-use heap spans",
		}),
		diskPath: diskPath,
	}

	go c.run(ctx, interval)
	return c
}

func (c *SystemCollector) MetricsName() string {
	return "system"
}

func (c *SystemCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpuGauge.Desc()
	ch <- c.memGauge.Desc()
	ch <- c.diskGauge.Desc()
	ch <- c.heapGauge.Desc()
}

func (c *SystemCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch <- c.cpuGauge
	ch <- c.memGauge
	ch <- c.diskGauge
	ch <- c.heapGauge
}

func (c *SystemCollector) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

func (c *SystemCollector) sample() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if stats, err := cpu.Get(); err == nil {
		if c.lastTotal != 0 && stats.Total > c.lastTotal {
			deltaIdle := stats.Idle - c.lastIdle
			deltaTotal := stats.Total - c.lastTotal
			c.cpuGauge.Set(1.0 - float64(deltaIdle)/float64(deltaTotal))
		}
		c.lastIdle = stats.Idle
		c.lastTotal = stats.Total
	}

	if stats, err := memory.Get(); err == nil && stats.Total != 0 {
		c.memGauge.Set(float64(stats.Used) / float64(stats.Total))
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(c.diskPath, &stat); err == nil && stat.Blocks != 0 {
		c.diskGauge.Set(1.0 - float64(stat.Bfree)/float64(stat.Blocks))
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	c.heapGauge.Set(float64(ms.HeapInuse))
}
