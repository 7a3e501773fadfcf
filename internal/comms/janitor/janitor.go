// Package janitor runs the periodic and pressure-triggered sweep that
// keeps the registry, pending buffer, and rate limiter bounded. It never
// blocks live dispatch: each sweep step takes only the short per-entry
// locks the swept components already use.
package janitor

import (
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config bounds what the janitor reclaims.
type Config struct {
	// Interval between periodic sweeps.
	Interval time.Duration
	// MaxConnAge evicts connections older than this (0 = disabled).
	MaxConnAge time.Duration
	// IdleCutoff evicts connections idle longer than this (0 = disabled).
	IdleCutoff time.Duration
	// OfflineRetention forgets identities offline longer than this.
	OfflineRetention time.Duration
	// MaxPending caps each identity's pending queue on sweep.
	MaxPending int
	// HeapThresholdBytes triggers an immediate sweep when heap usage
	// crosses it (0 = disabled). Checked every Interval/4.
	HeapThresholdBytes uint64
}

// Sweepable components, in the narrow shapes the janitor needs.
type (
	// ConnectionSweeper is the registry's sweep surface.
	ConnectionSweeper interface {
		EvictStale(maxAge, idleCutoff time.Duration) []string
		PruneOffline(retention time.Duration) int
	}
	// PendingSweeper is the pending buffer's sweep surface.
	PendingSweeper interface {
		SweepExpired() int
		Trim(max int) int
	}
	// BucketSweeper is the rate limiter's sweep surface.
	BucketSweeper interface {
		Sweep() int
	}
)

// Report summarizes one sweep.
type Report struct {
	ConnectionsEvicted int    `json:"connections_evicted"`
	IdentitiesPruned   int    `json:"identities_pruned"`
	PendingExpired     int    `json:"pending_expired"`
	PendingTrimmed     int    `json:"pending_trimmed"`
	BucketsDropped     int    `json:"buckets_dropped"`
	HeapBytes          uint64 `json:"heap_bytes"`
	Trigger            string `json:"trigger"`
}

// Janitor is the memory/connection monitor. It runs as an independent
// background task in the lifecycle Service convention.
type Janitor struct {
	cfg      Config
	conns    ConnectionSweeper
	pending  PendingSweeper
	buckets  BucketSweeper
	logger   *zap.Logger
	readMem  func() uint64
	mu       sync.Mutex
	lastRun  time.Time
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithHeapReader overrides the heap usage probe (test hook).
func WithHeapReader(f func() uint64) Option {
	return func(j *Janitor) { j.readMem = f }
}

// New creates a Janitor.
//
// Precondition: cfg.Interval must be > 0; conns, pending, buckets, and
// logger must be non-nil.
func New(cfg Config, conns ConnectionSweeper, pending PendingSweeper, buckets BucketSweeper, logger *zap.Logger, opts ...Option) *Janitor {
	if cfg.Interval <= 0 {
		panic("janitor.New: interval must be > 0")
	}
	j := &Janitor{
		cfg:     cfg,
		conns:   conns,
		pending: pending,
		buckets: buckets,
		logger:  logger,
		readMem: heapInUse,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

// Start runs the sweep loop until Stop. Blocks, in the lifecycle
// Service convention.
func (j *Janitor) Start() error {
	interval := j.cfg.Interval
	pressureEvery := interval / 4
	if pressureEvery <= 0 {
		pressureEvery = interval
	}

	sweepTicker := time.NewTicker(interval)
	pressureTicker := time.NewTicker(pressureEvery)
	defer sweepTicker.Stop()
	defer pressureTicker.Stop()

	for {
		select {
		case <-j.quit:
			close(j.done)
			return nil
		case <-sweepTicker.C:
			j.sweep("interval")
		case <-pressureTicker.C:
			if j.cfg.HeapThresholdBytes == 0 {
				continue
			}
			if heap := j.readMem(); heap > j.cfg.HeapThresholdBytes {
				j.sweep("memory_pressure")
			}
		}
	}
}

// Stop shuts the sweep loop down.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.quit) })
	<-j.done
}

// ForceSweep runs one sweep immediately (operator trigger).
func (j *Janitor) ForceSweep() Report {
	return j.sweep("forced")
}

func (j *Janitor) sweep(trigger string) Report {
	j.mu.Lock()
	defer j.mu.Unlock()

	start := time.Now()
	report := Report{Trigger: trigger}

	report.ConnectionsEvicted = len(j.conns.EvictStale(j.cfg.MaxConnAge, j.cfg.IdleCutoff))
	if j.cfg.OfflineRetention > 0 {
		report.IdentitiesPruned = j.conns.PruneOffline(j.cfg.OfflineRetention)
	}
	report.PendingExpired = j.pending.SweepExpired()
	if j.cfg.MaxPending > 0 {
		report.PendingTrimmed = j.pending.Trim(j.cfg.MaxPending)
	}
	report.BucketsDropped = j.buckets.Sweep()
	report.HeapBytes = j.readMem()
	j.lastRun = start

	j.logger.Info("janitor sweep",
		zap.String("trigger", trigger),
		zap.Int("connections_evicted", report.ConnectionsEvicted),
		zap.Int("identities_pruned", report.IdentitiesPruned),
		zap.Int("pending_expired", report.PendingExpired),
		zap.Int("pending_trimmed", report.PendingTrimmed),
		zap.Int("buckets_dropped", report.BucketsDropped),
		zap.Uint64("heap_bytes", report.HeapBytes),
		zap.Duration("elapsed", time.Since(start)),
	)
	return report
}

// LastRun returns the start time of the most recent sweep.
func (j *Janitor) LastRun() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastRun
}
