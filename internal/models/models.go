package models

import "time"

// SystemInfo is the identity snapshot an agent sends on registration.
// Optional fields are pointers so a re-registration only overwrites what
// the agent actually reported.
type SystemInfo struct {
	Hostname       string   `json:"hostname"`
	IPAddress      *string  `json:"ip_address,omitempty"`
	MACAddress     *string  `json:"mac_address,omitempty"`
	OSInfo         *string  `json:"os_info,omitempty"`
	OSBuild        *string  `json:"os_build,omitempty"`
	UserLabel      *string  `json:"user_label,omitempty"`
	AgentVersion   *string  `json:"agent_version,omitempty"`
	CPUName        *string  `json:"cpu_name,omitempty"`
	CPUCores       *int     `json:"cpu_cores,omitempty"`
	CPUThreads     *int     `json:"cpu_threads,omitempty"`
	Architecture   *string  `json:"architecture,omitempty"`
	TotalMemoryGB  *float64 `json:"total_memory_gb,omitempty"`
	TotalDiskGB    *float64 `json:"total_disk_gb,omitempty"`
	GPUName        *string  `json:"gpu_name,omitempty"`
	Manufacturer   *string  `json:"manufacturer,omitempty"`
	Model          *string  `json:"model,omitempty"`
	Username       *string  `json:"username,omitempty"`
	Timezone       *string  `json:"timezone,omitempty"`
	NetworkAdapter *string  `json:"network_adapter,omitempty"`
}

type System struct {
	ID int64 `json:"id"`
	SystemInfo
	IsActive  bool       `json:"is_active"`
	LastSeen  *time.Time `json:"last_seen"`
	CreatedAt time.Time  `json:"created_at"`
}

type ProcessInfo struct {
	PID           int32   `json:"pid"`
	Name          string  `json:"name"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float32 `json:"memory_percent"`
}

type Metric struct {
	ID            int64         `json:"id"`
	SystemID      int64         `json:"system_id"`
	TS            time.Time     `json:"timestamp"`
	CPUUsage      float64       `json:"cpu_usage"`
	MemoryTotal   int64         `json:"memory_total"`
	MemoryUsed    int64         `json:"memory_used"`
	MemoryPercent *float64      `json:"memory_percent,omitempty"`
	DiskTotal     *int64        `json:"disk_total,omitempty"`
	DiskUsed      *int64        `json:"disk_used,omitempty"`
	DiskUsage     float64       `json:"disk_usage"`
	NetworkSent   int64         `json:"network_sent"`
	NetworkRecv   int64         `json:"network_recv"`
	ProcessCount  *int          `json:"process_count,omitempty"`
	UptimeSeconds *int64        `json:"uptime_seconds,omitempty"`
	BootTime      *string       `json:"boot_time,omitempty"`
	TopProcesses  []ProcessInfo `json:"top_processes,omitempty"`
}

// MemoryPct derives memory usage from the raw byte counters instead of the
// agent-reported percentage.
func (m Metric) MemoryPct() float64 {
	if m.MemoryTotal <= 0 {
		return 0
	}
	return float64(m.MemoryUsed) / float64(m.MemoryTotal) * 100
}

type Thresholds struct {
	CPU    float64 `json:"cpu_threshold"`
	Memory float64 `json:"memory_threshold"`
	Disk   float64 `json:"disk_threshold"`
}

var DefaultThresholds = Thresholds{CPU: 90, Memory: 90, Disk: 90}

// AlertSettings with a nil SystemID is the global row.
type AlertSettings struct {
	ID       int64  `json:"id"`
	SystemID *int64 `json:"system_id"`
	Thresholds
}

type AlertType string

const (
	AlertCPU    AlertType = "CPU"
	AlertMemory AlertType = "Memory"
	AlertDisk   AlertType = "Disk"
)

type Severity string

const (
	SeverityWarning  Severity = "Warning"
	SeverityCritical Severity = "Critical"
)

type Alert struct {
	ID         int64      `json:"id"`
	SystemID   int64      `json:"system_id"`
	Type       AlertType  `json:"alert_type"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
	IsResolved bool       `json:"is_resolved"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at"`
}
