package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/dispatchctl/internal/device"
	"github.com/danmuck/dispatchctl/internal/observability"
	"github.com/danmuck/dispatchctl/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	SourceSessions   = "sessions"
	SourceDevices    = "devices"
	SourceInterfaces = "interfaces"
)

// Source is the read side of the dispatch service the poller rebuilds from.
type Source interface {
	ListSessions(ctx context.Context) ([]device.Session, error)
	ListDevices(ctx context.Context) ([]device.Device, error)
	ListInterfaces(ctx context.Context) ([]device.Interface, error)
}

type PollConfig struct {
	Interval time.Duration
	// CycleTimeout bounds one whole cycle. Zero means Interval.
	CycleTimeout time.Duration
}

func DefaultPollConfig() PollConfig {
	return PollConfig{Interval: 5 * time.Second}
}

// CycleReport describes one finished poll cycle.
type CycleReport struct {
	Seq        uint64
	Started    time.Time
	Duration   time.Duration
	Failed     []string
	Connected  []string
	Interfaces int
	Dropped    int
	Changed    bool
}

// SourceOK reports whether the named source loaded this cycle.
func (r CycleReport) SourceOK(source string) bool {
	for _, f := range r.Failed {
		if f == source {
			return false
		}
	}
	return true
}

// Has reports whether deviceID was connected according to this cycle.
func (r CycleReport) Has(deviceID string) bool {
	for _, id := range r.Connected {
		if id == deviceID {
			return true
		}
	}
	return false
}

// Poller rebuilds the store from the service on a fixed interval. Cycles never overlap: the
// next one is scheduled only after the previous one returns.
type Poller struct {
	cfg    PollConfig
	src    Source
	store  *store.Store
	logger zerolog.Logger

	mu       sync.Mutex
	seq      uint64
	last     CycleReport
	onCycle  []func(CycleReport)
	cycleRun sync.Mutex
}

func NewPoller(cfg PollConfig, src Source, st *store.Store) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollConfig().Interval
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = cfg.Interval
	}
	return &Poller{
		cfg:    cfg,
		src:    src,
		store:  st,
		logger: observability.Component("poll"),
	}
}

// OnCycle registers fn to run after every cycle's store update.
func (p *Poller) OnCycle(fn func(CycleReport)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCycle = append(p.onCycle, fn)
}

// Last returns the most recent cycle report.
func (p *Poller) Last() CycleReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Run polls until ctx is done. The first cycle runs immediately.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info().Dur("interval", p.cfg.Interval).Msg("poll_start")
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("poll_stop")
			return nil
		case <-timer.C:
			p.Cycle(ctx)
			timer.Reset(p.cfg.Interval)
		}
	}
}

// Cycle runs one fetch-join-replace pass. Each source is fetched concurrently; a failed source
// degrades to empty for this cycle and never aborts the others.
func (p *Poller) Cycle(ctx context.Context) CycleReport {
	p.cycleRun.Lock()
	defer p.cycleRun.Unlock()

	started := time.Now()
	cycleCtx, cancel := context.WithTimeout(ctx, p.cfg.CycleTimeout)
	defer cancel()

	var (
		src    Sources
		failMu sync.Mutex
		failed []string
	)
	fail := func(source string, err error) {
		failMu.Lock()
		failed = append(failed, source)
		failMu.Unlock()
		observability.RecordPollSource(source, false)
		p.logger.Warn().Str("source", source).Err(err).Msg("poll_source_failed")
	}

	var g errgroup.Group
	g.Go(func() error {
		sessions, err := p.src.ListSessions(cycleCtx)
		if err != nil {
			fail(SourceSessions, err)
			return nil
		}
		observability.RecordPollSource(SourceSessions, true)
		src.Sessions = sessions
		return nil
	})
	g.Go(func() error {
		devices, err := p.src.ListDevices(cycleCtx)
		if err != nil {
			fail(SourceDevices, err)
			return nil
		}
		observability.RecordPollSource(SourceDevices, true)
		src.Devices = devices
		return nil
	})
	g.Go(func() error {
		interfaces, err := p.src.ListInterfaces(cycleCtx)
		if err != nil {
			fail(SourceInterfaces, err)
			return nil
		}
		observability.RecordPollSource(SourceInterfaces, true)
		src.Interfaces = interfaces
		return nil
	})
	_ = g.Wait()

	devices, interfaces := Join(src)
	out, err := p.store.ReplaceAll(devices, interfaces)
	if err != nil {
		p.logger.Error().Err(err).Msg("poll_replace_failed")
	}

	report := CycleReport{
		Started:    started,
		Duration:   time.Since(started),
		Failed:     failed,
		Interfaces: len(interfaces),
		Dropped:    out.Dropped,
		Changed:    out.Changed,
	}
	for id := range devices {
		report.Connected = append(report.Connected, id)
	}
	sort.Strings(report.Connected)
	observability.RecordPollCycle(report.Duration)

	p.mu.Lock()
	p.seq++
	report.Seq = p.seq
	p.last = report
	hooks := append([]func(CycleReport){}, p.onCycle...)
	p.mu.Unlock()

	p.logger.Debug().
		Uint64("seq", report.Seq).
		Int("devices", len(report.Connected)).
		Int("interfaces", report.Interfaces).
		Strs("failed", report.Failed).
		Bool("changed", report.Changed).
		Dur("elapsed", report.Duration).
		Msg("poll_cycle")
	for _, fn := range hooks {
		fn(report)
	}
	return report
}
