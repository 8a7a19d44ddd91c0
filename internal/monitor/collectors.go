package monitor

import (
	"context"
	"runtime"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"

	"github.com/sentinelvision/sentinel/internal/statusstore"
)

// Collector names double as HTTP metric routes.
const (
	CollectorSystem  = "system"
	CollectorClients = "clients"
	CollectorStorage = "storage"
)

// Collector samples one concern.
type Collector interface {
	Name() string
	Collect(ctx context.Context) (any, error)
}

// SystemSample is one host-resource reading.
type SystemSample struct {
	CPUPercent     float64 `json:"cpu_percent"`
	CPUCores       int     `json:"cpu_cores"`
	MemTotalMB     float64 `json:"mem_total_mb"`
	MemUsedMB      float64 `json:"mem_used_mb"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	DiskUsedMB     float64 `json:"disk_used_mb"`
	DiskPercent    float64 `json:"disk_percent"`
	NetBytesSent   uint64  `json:"net_bytes_sent"`
	NetBytesRecv   uint64  `json:"net_bytes_recv"`
	Goroutines     int     `json:"goroutines"`
}

// SystemCollector reads host CPU, memory, disk and network counters.
type SystemCollector struct {
	// DiskPath is the mount to sample; defaults to "/".
	DiskPath string
}

func (c *SystemCollector) Name() string { return CollectorSystem }

func (c *SystemCollector) Collect(ctx context.Context) (any, error) {
	diskPath := c.DiskPath
	if diskPath == "" {
		diskPath = "/"
	}
	// Interval 0 compares against the previous call instead of
	// blocking the collect loop for a sampling window.
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	du, err := disk.UsageWithContext(ctx, diskPath)
	if err != nil {
		return nil, err
	}
	nio, err := gopsnet.IOCountersWithContext(ctx, false)
	if err != nil {
		return nil, err
	}

	sample := SystemSample{
		CPUCores:       runtime.NumCPU(),
		MemTotalMB:     float64(vm.Total) / 1024 / 1024,
		MemUsedMB:      float64(vm.Used) / 1024 / 1024,
		MemUsedPercent: vm.UsedPercent,
		DiskUsedMB:     float64(du.Used) / 1024 / 1024,
		DiskPercent:    du.UsedPercent,
		Goroutines:     runtime.NumGoroutine(),
	}
	if len(cpuPercents) > 0 {
		sample.CPUPercent = cpuPercents[0]
	}
	if len(nio) > 0 {
		sample.NetBytesSent = nio[0].BytesSent
		sample.NetBytesRecv = nio[0].BytesRecv
	}
	return sample, nil
}

// ClientsSample summarises the status store.
type ClientsSample struct {
	Counts  map[string]int      `json:"counts"`
	Buckets map[string][]string `json:"buckets"`
}

type clientsSource interface {
	Snapshot(ctx context.Context) (map[string][]string, error)
}

// ClientsCollector samples the per-bucket client lists.
type ClientsCollector struct {
	Status clientsSource
}

func (c *ClientsCollector) Name() string { return CollectorClients }

func (c *ClientsCollector) Collect(ctx context.Context) (any, error) {
	snap, err := c.Status.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(snap))
	for _, field := range statusstore.AllFields() {
		counts[field] = len(snap[field])
	}
	return ClientsSample{Counts: counts, Buckets: snap}, nil
}

// StorageSample summarises the object store.
type StorageSample struct {
	Live     bool     `json:"live"`
	Provider string   `json:"provider"`
	Buckets  []string `json:"buckets"`
}

type storageSource interface {
	Live(ctx context.Context) bool
	Provider() string
	ListBuckets(ctx context.Context) ([]minio.BucketInfo, error)
}

// StorageCollector samples object-store liveness and bucket inventory.
type StorageCollector struct {
	Store storageSource
}

func (c *StorageCollector) Name() string { return CollectorStorage }

func (c *StorageCollector) Collect(ctx context.Context) (any, error) {
	infos, err := c.Store.ListBuckets(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	return StorageSample{
		Live:     c.Store.Live(ctx),
		Provider: c.Store.Provider(),
		Buckets:  names,
	}, nil
}

// runCollectors samples every collector once into the registry.
func runCollectors(ctx context.Context, reg *Registry, collectors []Collector, now func() time.Time) {
	for _, col := range collectors {
		at := now()
		data, err := col.Collect(ctx)
		if err != nil {
			collectionsTotal.WithLabelValues(col.Name(), "error").Inc()
			reg.RecordError(col.Name(), at, err)
			continue
		}
		collectionsTotal.WithLabelValues(col.Name(), "ok").Inc()
		reg.Record(col.Name(), at, data)
	}
}
