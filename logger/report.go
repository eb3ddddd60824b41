package logger

import (
	"context"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

// Stages a component can belong to.
const (
	StageReader   = "reader"
	StagePipeline = "pipeline"
	StageWriter   = "writer"
)

type stageCounters struct {
	warns  atomic.Int64
	errors atomic.Int64
}

type channelStat struct {
	messages atomic.Int64
	bytes    atomic.Int64
}

var (
	stages = map[string]*stageCounters{
		StageReader:   {},
		StagePipeline: {},
		StageWriter:   {},
	}
	framesRead      atomic.Int64
	tradesProcessed atomic.Int64
	kafkaWrites     atomic.Int64
	s3Writes        atomic.Int64
	channels        sync.Map // name -> *channelStat
)

// stageOf buckets a component name into reader, pipeline or writer.
func stageOf(component string) string {
	switch {
	case strings.Contains(component, "reader"), strings.Contains(component, "session"):
		return StageReader
	case strings.Contains(component, "pipeline"), strings.Contains(component, "normalizer"), strings.Contains(component, "converter"):
		return StagePipeline
	case strings.Contains(component, "writer"):
		return StageWriter
	default:
		return ""
	}
}

func recordWarn(component string) {
	if s, ok := stages[stageOf(component)]; ok {
		s.warns.Add(1)
	}
}

func recordError(component string) {
	if s, ok := stages[stageOf(component)]; ok {
		s.errors.Add(1)
	}
}

// IncrementFrameRead counts one websocket frame of size bytes from exchange.
func IncrementFrameRead(exchange string, size int) {
	framesRead.Add(1)
	recordChannel(exchange+"_ws", size)
}

func IncrementTradesProcessed(n int) {
	tradesProcessed.Add(int64(n))
}

func IncrementKafkaWrite(n int, size int64) {
	kafkaWrites.Add(int64(n))
	recordChannel("kafka_write", int(size))
}

func IncrementS3Write(size int64) {
	s3Writes.Add(1)
	recordChannel("s3_write", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	cs.messages.Add(1)
	cs.bytes.Add(int64(size))
}

// StageCount is the warning and error tally of one stage.
type StageCount struct {
	Warns  int64
	Errors int64
}

// ChannelCount is the traffic seen on one named hand-off.
type ChannelCount struct {
	Name     string
	Messages int64
	Bytes    int64
}

// Report is one snapshot of the process counters and host utilisation.
type Report struct {
	Timestamp       time.Time
	Stages          map[string]StageCount
	FramesRead      int64
	TradesProcessed int64
	KafkaWrites     int64
	S3Writes        int64
	Goroutines      int
	CPUPercent      float64
	MemoryMB        int64
	DiskMB          int64
	NetBytesSent    uint64
	NetBytesRecv    uint64
	Channels        []ChannelCount
}

// ReportSink receives every report, for example to forward it to CloudWatch.
type ReportSink func(ctx context.Context, r Report)

// StartReport logs a runtime report every interval until ctx is done and
// hands each report to sinks.
func StartReport(ctx context.Context, log *Log, interval time.Duration, sinks ...ReportSink) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r := CollectReport()
				log.WithComponent("report").WithFields(r.fields()).Info("runtime report")
				for _, sink := range sinks {
					sink(ctx, r)
				}
			}
		}
	}()
}

// CollectReport reads the counters and samples the host. Host figures that
// cannot be read are left at zero.
func CollectReport() Report {
	r := Report{
		Timestamp:       time.Now().UTC(),
		Stages:          make(map[string]StageCount, len(stages)),
		FramesRead:      framesRead.Load(),
		TradesProcessed: tradesProcessed.Load(),
		KafkaWrites:     kafkaWrites.Load(),
		S3Writes:        s3Writes.Load(),
		Goroutines:      runtime.NumGoroutine(),
	}
	for name, s := range stages {
		r.Stages[name] = StageCount{Warns: s.warns.Load(), Errors: s.errors.Load()}
	}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		r.Channels = append(r.Channels, ChannelCount{Name: k.(string), Messages: cs.messages.Load(), Bytes: cs.bytes.Load()})
		return true
	})
	sort.Slice(r.Channels, func(i, j int) bool { return r.Channels[i].Name < r.Channels[j].Name })

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		r.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		r.MemoryMB = int64(vm.Used) / 1024 / 1024
	}
	if du, err := disk.Usage("/"); err == nil {
		r.DiskMB = int64(du.Used) / 1024 / 1024
	}
	if nc, err := gnet.IOCounters(false); err == nil && len(nc) > 0 {
		r.NetBytesSent = nc[0].BytesSent
		r.NetBytesRecv = nc[0].BytesRecv
	}
	return r
}

func (r Report) fields() Fields {
	f := Fields{
		"frames_read":      r.FramesRead,
		"trades_processed": r.TradesProcessed,
		"kafka_writes":     r.KafkaWrites,
		"s3_writes":        r.S3Writes,
		"goroutines":       r.Goroutines,
		"cpu_percent":      r.CPUPercent,
		"memory_mb":        r.MemoryMB,
		"disk_mb":          r.DiskMB,
		"net_bytes_sent":   int64(r.NetBytesSent),
		"net_bytes_recv":   int64(r.NetBytesRecv),
	}
	for name, s := range r.Stages {
		f["warns_"+name] = s.Warns
		f["errors_"+name] = s.Errors
	}
	ch := make(map[string]map[string]int64, len(r.Channels))
	for _, c := range r.Channels {
		ch[c.Name] = map[string]int64{"messages": c.Messages, "bytes": c.Bytes}
	}
	f["channels"] = ch
	return f
}
