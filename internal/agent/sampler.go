package agent

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"fleetwatch/internal/models"
)

// Sampler reads live gauges from the local host.
type Sampler struct {
	DiskPath string
	TopN     int
}

func NewSampler() *Sampler {
	return &Sampler{DiskPath: rootPath(), TopN: 5}
}

func rootPath() string {
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}

// Sample fails only when cpu or memory cannot be read; the remaining gauges
// are left unset when unavailable.
func (s *Sampler) Sample(ctx context.Context) (models.Metric, error) {
	var m models.Metric
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return m, fmt.Errorf("cpu percent: %w", err)
	}
	if len(pct) > 0 {
		m.CPUUsage = pct[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return m, fmt.Errorf("virtual memory: %w", err)
	}
	m.MemoryTotal = int64(vm.Total)
	m.MemoryUsed = int64(vm.Used)
	m.MemoryPercent = &vm.UsedPercent

	if du, err := disk.UsageWithContext(ctx, s.DiskPath); err == nil {
		total, used := int64(du.Total), int64(du.Used)
		m.DiskTotal, m.DiskUsed = &total, &used
		m.DiskUsage = du.UsedPercent
	}
	if counters, err := psnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		m.NetworkSent = int64(counters[0].BytesSent)
		m.NetworkRecv = int64(counters[0].BytesRecv)
	}
	if pids, err := process.PidsWithContext(ctx); err == nil {
		n := len(pids)
		m.ProcessCount = &n
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		v := int64(up)
		m.UptimeSeconds = &v
	}
	if bt, err := host.BootTimeWithContext(ctx); err == nil {
		v := time.Unix(int64(bt), 0).UTC().Format(time.RFC3339)
		m.BootTime = &v
	}
	if s.TopN > 0 {
		m.TopProcesses = topProcesses(ctx, s.TopN)
	}
	return m, nil
}

func topProcesses(ctx context.Context, n int) []models.ProcessInfo {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil
	}
	out := make([]models.ProcessInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		c, _ := p.CPUPercentWithContext(ctx)
		mp, _ := p.MemoryPercentWithContext(ctx)
		out = append(out, models.ProcessInfo{PID: p.Pid, Name: name, CPUPercent: c, MemoryPercent: mp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CPUPercent > out[j].CPUPercent })
	if len(out) > n {
		out = out[:n]
	}
	return out
}
