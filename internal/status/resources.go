package status

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/metrics"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/logger"
)

type resourceSample struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
	DiskUsed    uint64    `json:"disk_used"`
	DiskTotal   uint64    `json:"disk_total"`
	DiskPct     float64   `json:"disk_percent"`
}

// replaced in tests
var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
)

// sampler records host utilisation every interval. The cpu call itself
// blocks for interval, so the loop needs no ticker.
type sampler struct {
	samples  *ring[resourceSample]
	interval time.Duration
	diskPath string
	log      *logger.Log

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func newSampler(limit int, interval time.Duration, diskPath string, log *logger.Log) *sampler {
	if interval <= 0 {
		interval = time.Second
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &sampler{
		samples:  newRing[resourceSample](limit),
		interval: interval,
		diskPath: diskPath,
		log:      log,
	}
}

func (s *sampler) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ctx.Err() == nil {
			sample, err := s.sample(ctx)
			if err != nil {
				s.log.WithComponent("status").WithError(err).Debug("resource sample failed")
				select {
				case <-ctx.Done():
				case <-time.After(s.interval):
				}
				continue
			}
			s.samples.add(sample)
			metrics.EmitMetric(s.log, "status", "host_cpu_percent", sample.CPUPercent, "gauge", logger.Fields{"unit": "percent"})
		}
	}()
}

func (s *sampler) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *sampler) sample(ctx context.Context) (resourceSample, error) {
	cpuPct, err := cpuPercentFn(ctx, s.interval)
	if err != nil {
		return resourceSample{}, err
	}
	vm, err := memoryStatsFn(ctx)
	if err != nil {
		return resourceSample{}, err
	}
	du, err := diskUsageFn(ctx, s.diskPath)
	if err != nil {
		return resourceSample{}, err
	}
	out := resourceSample{
		Timestamp:   time.Now().UTC(),
		MemoryUsed:  vm.Used,
		MemoryTotal: vm.Total,
		MemoryPct:   vm.UsedPercent,
		DiskUsed:    du.Used,
		DiskTotal:   du.Total,
		DiskPct:     du.UsedPercent,
	}
	if len(cpuPct) > 0 {
		out.CPUPercent = cpuPct[0]
	}
	return out, nil
}
