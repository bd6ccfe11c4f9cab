package agent

import (
	"context"
	"fmt"
	"math"
	"os/user"
	"slices"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"fleetwatch/internal/discovery"
	"fleetwatch/internal/models"
)

const Version = "1.0.0"

// Identity collects the hardware and OS snapshot sent at registration.
// label is the operator-chosen display name and is omitted when empty.
func Identity(ctx context.Context, label string) (models.SystemInfo, error) {
	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		return models.SystemInfo{}, fmt.Errorf("host info: %w", err)
	}
	info := models.SystemInfo{
		Hostname:     hi.Hostname,
		OSInfo:       str(fmt.Sprintf("%s %s", hi.Platform, hi.PlatformVersion)),
		OSBuild:      str(hi.KernelVersion),
		Architecture: str(hi.KernelArch),
		AgentVersion: str(Version),
		IPAddress:    str(discovery.OutboundIP()),
	}
	if label != "" {
		info.UserLabel = &label
	}

	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		info.CPUName = str(cpus[0].ModelName)
	}
	if n, err := cpu.CountsWithContext(ctx, false); err == nil && n > 0 {
		info.CPUCores = &n
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		info.CPUThreads = &n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		gb := toGB(vm.Total)
		info.TotalMemoryGB = &gb
	}
	if du, err := disk.UsageWithContext(ctx, rootPath()); err == nil {
		gb := toGB(du.Total)
		info.TotalDiskGB = &gb
	}
	if ifaces, err := psnet.InterfacesWithContext(ctx); err == nil {
		for _, it := range ifaces {
			if it.HardwareAddr == "" || slices.Contains(it.Flags, "loopback") || !slices.Contains(it.Flags, "up") {
				continue
			}
			info.MACAddress = str(it.HardwareAddr)
			info.NetworkAdapter = str(it.Name)
			break
		}
	}
	if u, err := user.Current(); err == nil {
		info.Username = str(u.Username)
	}
	if zone, _ := time.Now().Zone(); zone != "" {
		info.Timezone = &zone
	}
	return info, nil
}

func toGB(b uint64) float64 {
	return math.Round(float64(b)/(1<<30)*10) / 10
}

func str(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
