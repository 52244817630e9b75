// Package metrics implements the System Metrics Sampler (spec.md 4.I): a
// dedicated periodic task that refreshes global CPU/memory/disk figures
// and attributes per-process CPU/memory to each Running entry's PID (and
// its descendants), retaining a rolling history and emitting a
// MetricsSample event per tick. Grounded on github.com/shirou/gopsutil/v3
// — not present in the teacher, but the real ecosystem library named in
// SPEC_FULL.md's domain-stack table, since no pack example ships its own
// OS-sampling layer to imitate.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/kdlbs/sentinel/internal/common/logger"
	"github.com/kdlbs/sentinel/internal/sentinel/events"
)

// DefaultPeriod is the sampler's default tick interval (spec.md 4.I).
const DefaultPeriod = 2 * time.Second

// DefaultHistory is the rolling history's default sample count.
const DefaultHistory = 60

// ProcessSample is one entry's attributed resource usage for a tick.
type ProcessSample struct {
	Name        string  `json:"name"`
	PID         int     `json:"pid"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
}

// SystemSample is one tick's full reading, global figures plus the
// per-entry attribution, per spec.md 6 (get_system_stats).
type SystemSample struct {
	At              time.Time       `json:"at"`
	CPUPercent      float64         `json:"cpu_percent"`
	CPUPerCore      []float64       `json:"cpu_per_core"`
	MemoryUsedBytes uint64          `json:"memory_used_bytes"`
	MemoryTotalBytes uint64         `json:"memory_total_bytes"`
	DiskUsedBytes   uint64          `json:"disk_used_bytes"`
	DiskTotalBytes  uint64          `json:"disk_total_bytes"`
	DiskReadBytesPS  uint64         `json:"disk_read_bytes_ps"`
	DiskWriteBytesPS uint64         `json:"disk_write_bytes_ps"`
	Processes       []ProcessSample `json:"processes"`
}

// Target is the narrow view of a running Entry the Sampler needs:
// its name and the OS PID of its current child, if any.
type Target interface {
	Name() string
	SamplePID() (pid int, running bool)
}

// TargetLister supplies the current set of entries to sample each tick.
// The Supervisor Facade implements this over its live entry map.
type TargetLister interface {
	SampleTargets() []Target
}

// Sampler owns the periodic OS-sampling task and its rolling history.
type Sampler struct {
	period        time.Duration
	historySize   int
	attributeTree bool
	lister        TargetLister
	pub           events.Publisher
	logger        *logger.Logger

	mu      sync.RWMutex
	history []SystemSample

	lastDiskRead, lastDiskWrite uint64
	lastDiskAt                  time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// Options configures a Sampler; zero values fall back to spec defaults.
type Options struct {
	Period        time.Duration
	HistorySize   int
	AttributeTree bool
}

// New builds a Sampler. It does not start sampling until Start is called.
func New(lister TargetLister, pub events.Publisher, log *logger.Logger, opts Options) *Sampler {
	period := opts.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	history := opts.HistorySize
	if history <= 0 {
		history = DefaultHistory
	}
	return &Sampler{
		period:        period,
		historySize:   history,
		attributeTree: opts.AttributeTree,
		lister:        lister,
		pub:           pub,
		logger:        log.WithFields(zap.String("component", "metrics")),
	}
}

// SetPeriod changes the tick interval; it takes effect on the next tick,
// per spec.md 4.I ("changes take effect on the next tick").
func (s *Sampler) SetPeriod(p time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p > 0 {
		s.period = p
	}
}

// Start launches the sampling loop on its own goroutine.
func (s *Sampler) Start(parent context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
}

// Stop halts the sampling loop and waits for it to exit.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sampler) loop(ctx context.Context) {
	defer close(s.done)

	// Prime CPU percent baselines so the first real tick isn't a spurious
	// 0% read (gopsutil/cpu.Percent needs two samples to compute a delta).
	_, _ = cpu.PercentWithContext(ctx, 0, false)

	for {
		s.mu.RLock()
		period := s.period
		s.mu.RUnlock()

		timer := time.NewTimer(period)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

// tick performs one sampling pass. Per spec.md 4.I, any sampling failure
// degrades to zero values with a warning rather than aborting the loop.
func (s *Sampler) tick(ctx context.Context) {
	sample := SystemSample{At: time.Now()}

	if overall, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(overall) > 0 {
		sample.CPUPercent = overall[0]
	} else if err != nil {
		s.logger.Warn("cpu sample failed", zap.Error(err))
	}
	if perCore, err := cpu.PercentWithContext(ctx, 0, true); err == nil {
		sample.CPUPerCore = perCore
	} else {
		s.logger.Warn("per-core cpu sample failed", zap.Error(err))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		sample.MemoryUsedBytes = vm.Used
		sample.MemoryTotalBytes = vm.Total
	} else {
		s.logger.Warn("memory sample failed", zap.Error(err))
	}

	s.sampleDisk(ctx, &sample)
	sample.Processes = s.sampleProcesses(ctx)

	s.mu.Lock()
	s.history = append(s.history, sample)
	if len(s.history) > s.historySize {
		s.history = s.history[len(s.history)-s.historySize:]
	}
	s.mu.Unlock()

	s.pub.Publish(events.MetricsSample, map[string]any{
		"at":          sample.At,
		"cpu_percent": sample.CPUPercent,
		"mem_used":    sample.MemoryUsedBytes,
		"mem_total":   sample.MemoryTotalBytes,
	})
}

func (s *Sampler) sampleDisk(ctx context.Context, sample *SystemSample) {
	usage, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		s.logger.Warn("disk usage sample failed", zap.Error(err))
	} else {
		sample.DiskUsedBytes = usage.Used
		sample.DiskTotalBytes = usage.Total
	}

	counters, err := disk.IOCountersWithContext(ctx)
	if err != nil {
		s.logger.Warn("disk io sample failed", zap.Error(err))
		return
	}
	var readTotal, writeTotal uint64
	for _, c := range counters {
		readTotal += c.ReadBytes
		writeTotal += c.WriteBytes
	}

	now := time.Now()
	if !s.lastDiskAt.IsZero() {
		elapsed := now.Sub(s.lastDiskAt).Seconds()
		if elapsed > 0 {
			if readTotal >= s.lastDiskRead {
				sample.DiskReadBytesPS = uint64(float64(readTotal-s.lastDiskRead) / elapsed)
			}
			if writeTotal >= s.lastDiskWrite {
				sample.DiskWriteBytesPS = uint64(float64(writeTotal-s.lastDiskWrite) / elapsed)
			}
		}
	}
	s.lastDiskRead, s.lastDiskWrite, s.lastDiskAt = readTotal, writeTotal, now
}

// sampleProcesses attributes CPU/memory to every Running entry's PID,
// rolling up descendant processes when attributeTree is set, per
// SPEC_FULL.md's supplemented "MetricsSample per-entry attribution"
// feature.
func (s *Sampler) sampleProcesses(ctx context.Context) []ProcessSample {
	if s.lister == nil {
		return nil
	}
	targets := s.lister.SampleTargets()
	out := make([]ProcessSample, 0, len(targets))

	for _, t := range targets {
		pid, running := t.SamplePID()
		if !running || pid <= 0 {
			continue
		}
		ps := ProcessSample{Name: t.Name(), PID: pid}

		pids := []int32{int32(pid)}
		if s.attributeTree {
			pids = append(pids, descendantPIDs(ctx, int32(pid))...)
		}
		for _, p := range pids {
			proc, err := process.NewProcessWithContext(ctx, p)
			if err != nil {
				continue
			}
			if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
				ps.CPUPercent += pct
			}
			if mi, err := proc.MemoryInfoWithContext(ctx); err == nil && mi != nil {
				ps.MemoryBytes += mi.RSS
			}
		}
		out = append(out, ps)
	}
	return out
}

// descendantPIDs walks the process tree rooted at root one level at a
// time via gopsutil's parent-pointer lookups, matching the teacher's
// cgroup-tree rollup in shape (sum the subtree) without the cgroup.
func descendantPIDs(ctx context.Context, root int32) []int32 {
	all, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil
	}
	children := make(map[int32][]int32, len(all))
	for _, pid := range all {
		p, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			continue
		}
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], pid)
	}

	var out []int32
	queue := []int32{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range children[cur] {
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

// Snapshot returns the most recent sample, or the zero value if none yet.
func (s *Sampler) Snapshot() (SystemSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.history) == 0 {
		return SystemSample{}, false
	}
	return s.history[len(s.history)-1], true
}

// Window returns up to n of the most recent samples, oldest first.
func (s *Sampler) Window(n int) []SystemSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.history) {
		n = len(s.history)
	}
	out := make([]SystemSample, n)
	copy(out, s.history[len(s.history)-n:])
	return out
}
