package server

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const defaultSystemInterval = 15 * time.Second

// SystemCollector periodically samples CPU, memory and the usage of the
// disk holding the journal.
type SystemCollector struct {
	cpuUsagePercent *expvar.Float
	memUsagePercent *expvar.Float
	diskUsage       *expvar.Float
	diskFree        *expvar.Int
	diskPath        string
	interval        time.Duration
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	logger          *slog.Logger
}

// NewSystemCollector creates a new collector.
// diskPath should be the path of the disk to monitor (e.g., the journal directory).
func NewSystemCollector(diskPath string, interval time.Duration, logger *slog.Logger) *SystemCollector {
	if interval <= 0 {
		interval = defaultSystemInterval
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SystemCollector{
		cpuUsagePercent: new(expvar.Float),
		memUsagePercent: new(expvar.Float),
		diskUsage:       new(expvar.Float),
		diskFree:        new(expvar.Int),
		diskPath:        diskPath,
		interval:        interval,
		stopChan:        make(chan struct{}),
		logger:          logger.With("component", "SystemCollector"),
	}
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval)
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.stopOnce.Do(func() {
		sc.logger.Info("Stopping system metrics collector")
		close(sc.stopChan)
	})
	sc.wg.Wait()
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sc.interval)
			sc.Collect(ctx)
			cancel()
		case <-sc.stopChan:
			return
		}
	}
}

// Collect takes one sample. CPU usage is measured over a short window so a
// sample never overlaps the next tick.
func (sc *SystemCollector) Collect(ctx context.Context) {
	window := min(sc.interval/2, time.Second)
	if cpuPercentages, err := cpu.PercentWithContext(ctx, window, false); err == nil && len(cpuPercentages) > 0 {
		sc.cpuUsagePercent.Set(cpuPercentages[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		sc.memUsagePercent.Set(vm.UsedPercent)
	}
	if sc.diskPath == "" {
		return
	}
	if du, err := disk.UsageWithContext(ctx, sc.diskPath); err == nil {
		sc.diskUsage.Set(du.UsedPercent)
		sc.diskFree.Set(int64(du.Free))
	} else {
		sc.logger.Debug("Disk usage sample failed", "path", sc.diskPath, "error", err)
	}
}

// DiskUsagePercent is the last sampled used-space percentage.
func (sc *SystemCollector) DiskUsagePercent() float64 { return sc.diskUsage.Value() }

func (sc *SystemCollector) Vars() *expvar.Map {
	m := new(expvar.Map).Init()
	m.Set("cpu_usage_percent", sc.cpuUsagePercent)
	m.Set("mem_usage_percent", sc.memUsagePercent)
	m.Set("disk_usage_percent", sc.diskUsage)
	m.Set("disk_free_bytes", sc.diskFree)
	return m
}
