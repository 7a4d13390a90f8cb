// Package sysinfo collects host metrics for the periodic metrics report and
// the local control API.
package sysinfo

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/edgehive/fleetd/internal/logging"
)

// topProcessCount bounds the per-report process list.
const topProcessCount = 5

// ProcessInfo describes one of the busiest processes on the host.
type ProcessInfo struct {
	PID        int32   `json:"pid"`
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float32 `json:"mem_percent"`
}

// Snapshot is one host metrics sample.
type Snapshot struct {
	CPUPercent     float64       `json:"cpu_percent"`
	MemoryTotal    uint64        `json:"memory_total"`
	MemoryUsed     uint64        `json:"memory_used"`
	MemoryPercent  float64       `json:"memory_percent"`
	StorageTotal   uint64        `json:"storage_total"`
	StorageUsed    uint64        `json:"storage_used"`
	StoragePercent float64       `json:"storage_percent"`
	TopProcesses   []ProcessInfo `json:"top_processes,omitempty"`
	CollectedAt    time.Time     `json:"collected_at"`
}

// HostInfo is the static device description. Registration sends its hostname
// and OS version; state reports do not carry it.
type HostInfo struct {
	Hostname     string `json:"hostname"`
	OSVersion    string `json:"os_version"`
	Architecture string `json:"architecture"`
}

// DescribeHost returns the static host description.
func DescribeHost() HostInfo {
	info := HostInfo{Architecture: runtime.GOARCH}
	if hi, err := host.Info(); err == nil {
		info.Hostname = hi.Hostname
		info.OSVersion = hi.Platform + " " + hi.PlatformVersion
	}
	return info
}

// Collector samples host metrics on a schedule and serves the latest sample
// without blocking callers on gopsutil.
type Collector struct {
	log  *logging.Logger
	cron *cron.Cron

	mu     sync.RWMutex
	latest Snapshot
}

// NewCollector builds a collector sampling at the given interval.
func NewCollector(interval time.Duration, log *logging.Logger) *Collector {
	c := &Collector{log: log, cron: cron.New()}
	spec := "@every " + interval.String()
	if _, err := c.cron.AddFunc(spec, c.sample); err != nil {
		// "@every <duration>" only fails on a non-positive interval.
		log.WithError(err).Warn("metrics sampling schedule rejected, only the start-up sample is taken")
	}
	return c
}

// Name implements the service lifecycle.
func (c *Collector) Name() string { return "sysinfo" }

// Start takes an initial sample and begins scheduled sampling.
func (c *Collector) Start(ctx context.Context) error {
	c.sample()
	c.cron.Start()
	return nil
}

// Stop halts scheduled sampling.
func (c *Collector) Stop(ctx context.Context) error {
	stopCtx := c.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	return nil
}

// Latest returns the most recent sample.
func (c *Collector) Latest() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

func (c *Collector) sample() {
	snap := Snapshot{CollectedAt: time.Now().UTC()}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryTotal = vm.Total
		snap.MemoryUsed = vm.Used
		snap.MemoryPercent = vm.UsedPercent
	}
	if du, err := disk.Usage("/"); err == nil {
		snap.StorageTotal = du.Total
		snap.StorageUsed = du.Used
		snap.StoragePercent = du.UsedPercent
	}
	snap.TopProcesses = topProcesses()

	c.mu.Lock()
	c.latest = snap
	c.mu.Unlock()
}

func topProcesses() []ProcessInfo {
	procs, err := process.Processes()
	if err != nil {
		return nil
	}
	infos := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		cpuPct, err := p.CPUPercent()
		if err != nil {
			continue
		}
		memPct, _ := p.MemoryPercent()
		name, _ := p.Name()
		infos = append(infos, ProcessInfo{
			PID:        p.Pid,
			Name:       name,
			CPUPercent: cpuPct,
			MemPercent: memPct,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CPUPercent > infos[j].CPUPercent })
	if len(infos) > topProcessCount {
		infos = infos[:topProcessCount]
	}
	return infos
}
