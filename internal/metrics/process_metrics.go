package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics is a resource snapshot of one process.
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// Sample reads CPU and memory usage of pid.
func Sample(ctx context.Context, pid int) (ProcessMetrics, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcessMetrics{}, err
	}
	m := ProcessMetrics{PID: p.Pid, Timestamp: time.Now()}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		m.CPUPercent = cpu
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return ProcessMetrics{}, err
	}
	m.MemoryRSS = mem.RSS
	m.MemoryVMS = mem.VMS
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		m.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDsWithContext(ctx); err == nil {
			m.NumFDs = n
		}
	}
	return m, nil
}

// ServerCollector exports resource usage of the tracked server on every scrape.
// pid returns the current server pid, or a value <= 0 when none is running.
type ServerCollector struct {
	pid     func() int
	cpu     *prometheus.Desc
	rss     *prometheus.Desc
	threads *prometheus.Desc
}

func NewServerCollector(pid func() int) *ServerCollector {
	return &ServerCollector{
		pid:     pid,
		cpu:     prometheus.NewDesc(namespace+"_server_cpu_percent", "CPU usage of the server process.", nil, nil),
		rss:     prometheus.NewDesc(namespace+"_server_memory_rss_bytes", "Resident memory of the server process.", nil, nil),
		threads: prometheus.NewDesc(namespace+"_server_threads", "Thread count of the server process.", nil, nil),
	}
}

func (c *ServerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpu
	ch <- c.rss
	ch <- c.threads
}

func (c *ServerCollector) Collect(ch chan<- prometheus.Metric) {
	pid := c.pid()
	if pid <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := Sample(ctx, pid)
	if err != nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, m.CPUPercent)
	ch <- prometheus.MustNewConstMetric(c.rss, prometheus.GaugeValue, float64(m.MemoryRSS))
	ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(m.NumThreads))
}
