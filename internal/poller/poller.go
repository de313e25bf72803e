// internal/poller/poller.go
package poller

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FairForge/replimon/internal/alerting"
	"github.com/FairForge/replimon/internal/discovery"
	"github.com/FairForge/replimon/internal/metrics"
	"github.com/FairForge/replimon/internal/rpo"
	"github.com/FairForge/replimon/internal/session"
	"github.com/FairForge/replimon/internal/store"
	"github.com/FairForge/replimon/internal/vendorapi"
	"go.uber.org/zap"
)

const (
	stateIdle int32 = iota
	stateCollecting
)

const (
	pairPageSize = 500
	trendWindow  = 12
)

// Store is the persistence contract the poller writes through.
type Store interface {
	ListEndpoints(ctx context.Context, endpointType string, monitoredOnly bool) ([]store.Endpoint, error)
	ListConsistencyGroups(ctx context.Context, endpointID string) ([]store.ConsistencyGroup, error)
	AppendSample(ctx context.Context, s *store.RpoSample) error
	BackfillLatestSample(ctx context.Context, groupID int, endpointID string, blockDeltaBytes int64, pairStatus string) error
	RecentQCounts(ctx context.Context, groupID int, endpointID string, limit int) ([]float64, error)
}

// Sessions is the slice of the session manager the poller needs.
type Sessions interface {
	GetSession(ctx context.Context, endpointID string) (session.Session, error)
}

// EndpointError is one endpoint's failure in the most recent cycle.
type EndpointError struct {
	EndpointID string    `json:"endpointId"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// Status is the aggregate poll state the surrounding application
// reads. LastPoll always reflects the most recent completed cycle,
// even a partially failed one: stale data beats no data.
type Status struct {
	State      string          `json:"state"`
	LastPoll   time.Time       `json:"lastPoll"`
	LastErrors []EndpointError `json:"lastErrors"`
	Interval   time.Duration   `json:"interval"`
}

// Config tunes the poller.
type Config struct {
	// IntervalMinutes between cycle attempts; the floor is one minute.
	IntervalMinutes int
	// ReplicationType filters the pair listing, default "UR".
	ReplicationType string
}

// Poller runs the scheduled collection cycle. Endpoints are processed
// sequentially to bound concurrent load against any one array; a
// cycle already in flight makes the next tick a no-op.
type Poller struct {
	client    *vendorapi.Client
	sessions  Sessions
	store     Store
	calc      *rpo.Calculator
	evaluator *alerting.Evaluator
	metrics   *metrics.Metrics
	logger    *zap.Logger

	interval        time.Duration
	replicationType string

	state      int32
	mu         sync.Mutex
	lastPoll   time.Time
	lastErrors []EndpointError

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a poller. metrics may be nil.
func New(client *vendorapi.Client, sessions Sessions, st Store, calc *rpo.Calculator, evaluator *alerting.Evaluator, m *metrics.Metrics, cfg Config, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IntervalMinutes < 1 {
		cfg.IntervalMinutes = 1
	}
	if cfg.ReplicationType == "" {
		cfg.ReplicationType = "UR"
	}
	return &Poller{
		client:          client,
		sessions:        sessions,
		store:           st,
		calc:            calc,
		evaluator:       evaluator,
		metrics:         m,
		logger:          logger,
		interval:        time.Duration(cfg.IntervalMinutes) * time.Minute,
		replicationType: cfg.ReplicationType,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Start runs the fixed-interval collection loop until Stop is called
// or ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.RunCycle(ctx)
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the collection loop and waits for it to exit. A cycle in
// flight finishes on its own.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

// PollNow attempts an on-demand cycle. It reports false when a cycle
// is already collecting; ticks and manual polls share one guard.
func (p *Poller) PollNow(ctx context.Context) bool {
	return p.RunCycle(ctx)
}

// Status returns the aggregate poll status.
func (p *Poller) Status() Status {
	state := "idle"
	if atomic.LoadInt32(&p.state) == stateCollecting {
		state = "collecting"
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	errs := make([]EndpointError, len(p.lastErrors))
	copy(errs, p.lastErrors)
	return Status{
		State:      state,
		LastPoll:   p.lastPoll,
		LastErrors: errs,
		Interval:   p.interval,
	}
}

// RunCycle executes one collection cycle unless one is already in
// flight. The cycle always completes and records a last-poll time no
// matter how many endpoints fail.
func (p *Poller) RunCycle(ctx context.Context) bool {
	if !atomic.CompareAndSwapInt32(&p.state, stateIdle, stateCollecting) {
		p.logger.Debug("poll tick skipped, cycle already collecting")
		return false
	}
	defer atomic.StoreInt32(&p.state, stateIdle)

	start := time.Now()
	var cycleErrors []EndpointError

	endpoints, err := p.store.ListEndpoints(ctx, "array", true)
	if err != nil {
		p.logger.Error("poll cycle: listing endpoints failed", zap.Error(err))
		cycleErrors = append(cycleErrors, EndpointError{Message: err.Error(), At: time.Now()})
		endpoints = nil
	}

	for _, endpoint := range endpoints {
		if err := p.collectEndpoint(ctx, endpoint); err != nil {
			p.logger.Warn("endpoint collection failed",
				zap.String("endpoint", endpoint.ID),
				zap.Error(err))
			cycleErrors = append(cycleErrors, EndpointError{
				EndpointID: endpoint.ID,
				Message:    err.Error(),
				At:         time.Now(),
			})
			if p.metrics != nil {
				p.metrics.EndpointErrors.WithLabelValues(endpoint.ID).Inc()
			}
		}
	}

	p.mu.Lock()
	p.lastPoll = time.Now()
	p.lastErrors = cycleErrors
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.PollCycles.Inc()
		p.metrics.PollCycleSeconds.Observe(time.Since(start).Seconds())
	}

	p.logger.Info("poll cycle complete",
		zap.Int("endpoints", len(endpoints)),
		zap.Int("failures", len(cycleErrors)),
		zap.Duration("took", time.Since(start)))
	return true
}

// collectEndpoint runs the per-endpoint cycle: cache refresh, journal
// reads, Method-1 samples + alerts, pair listing, Method-2 backfill.
func (p *Poller) collectEndpoint(ctx context.Context, endpoint store.Endpoint) error {
	sess, err := p.sessions.GetSession(ctx, endpoint.ID)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	// Step 1: the view refresh is slow and best-effort; a stale view
	// still yields usable journal counters.
	if err := p.client.RefreshCache(ctx, sess.BaseURL, sess.Token); err != nil {
		p.logger.Debug("cache refresh failed, continuing with stale view",
			zap.String("endpoint", endpoint.ID), zap.Error(err))
	}

	// Step 2: journal basic and detail concurrently. Basics are the
	// RPO source and their failure ends this endpoint's cycle; detail
	// only supplies copy speed and may degrade to zero.
	var (
		wg                  sync.WaitGroup
		basics, details     []vendorapi.JournalRecord
		basicErr, detailErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		basics, basicErr = p.client.GetJournals(ctx, sess.BaseURL, sess.Token, vendorapi.JournalInfoBasic)
	}()
	go func() {
		defer wg.Done()
		details, detailErr = p.client.GetJournals(ctx, sess.BaseURL, sess.Token, vendorapi.JournalInfoDetail)
	}()
	wg.Wait()

	if basicErr != nil {
		return fmt.Errorf("journal basic info: %w", basicErr)
	}
	if detailErr != nil {
		p.logger.Warn("journal detail info failed, copy speeds unknown",
			zap.String("endpoint", endpoint.ID), zap.Error(detailErr))
	}

	copySpeeds := make(map[string]int, len(details))
	for _, d := range details {
		copySpeeds[d.JournalID] = d.CopySpeed
	}

	// Step 3: Method-1 samples per journal, then threshold and trend
	// evaluation over each group's aggregate.
	now := time.Now()
	volumesByGroup := make(map[int][]rpo.VolumeMetric)
	for _, j := range basics {
		if j.JournalStatus == vendorapi.MirrorStatusUnused {
			continue
		}
		vm, ok := p.recordJournal(ctx, endpoint, j, copySpeeds[j.JournalID], now)
		if ok {
			volumesByGroup[j.ConsistencyGroupID] = append(volumesByGroup[j.ConsistencyGroupID], vm)
		}
	}
	for groupID, volumes := range volumesByGroup {
		p.evaluateGroup(ctx, endpoint, groupID, volumes)
	}

	// Step 4: pair listing with cursor pagination.
	pairs, err := p.client.ListAllRemoteCopyPairs(ctx, sess.BaseURL, sess.Token, p.replicationType, pairPageSize)
	if err != nil {
		p.logger.Warn("pair listing failed, skipping block-delta pass",
			zap.String("endpoint", endpoint.ID), zap.Error(err))
		return nil
	}

	// Step 5: Method-2 block deltas, supplementary only.
	p.backfillBlockDeltas(ctx, endpoint, sess, pairs)

	return nil
}

// recordJournal computes and stores one journal's Method-1 sample and
// raises any journal-status alert. The returned metric feeds the
// group aggregate; ok is false when the sample could not be stored.
func (p *Poller) recordJournal(ctx context.Context, endpoint store.Endpoint, j vendorapi.JournalRecord, copySpeed int, now time.Time) (rpo.VolumeMetric, bool) {
	m1 := p.calc.Method1(rpo.Journal{
		JournalID:          j.JournalID,
		MuNumber:           j.MuNumber,
		ConsistencyGroupID: j.ConsistencyGroupID,
		Status:             j.JournalStatus,
		UsageRate:          j.UsageRate,
		QMarker:            j.QMarker,
		QCount:             j.QCount,
		ByteFormatCapacity: j.ByteFormatCapacity,
	}, copySpeed, "")

	sample := &store.RpoSample{
		RecordedAt:       now,
		GroupID:          j.ConsistencyGroupID,
		SourceEndpointID: endpoint.ID,
		JournalID:        j.JournalID,
		MuNumber:         j.MuNumber,
		UsageRate:        j.UsageRate,
		QCount:           j.QCount,
		QMarker:          j.QMarker,
		PendingBytes:     m1.PendingBytes,
		EtaSeconds:       m1.EtaSeconds,
		CopySpeedMbps:    copySpeed,
		JournalStatus:    j.JournalStatus,
	}
	vm := rpo.VolumeMetric{
		UsageRate:    m1.UsageRate,
		EtaSeconds:   m1.EtaSeconds,
		PendingBytes: m1.PendingBytes,
		QCount:       m1.QCount,
	}

	if err := p.store.AppendSample(ctx, sample); err != nil {
		p.logger.Warn("sample append failed",
			zap.String("endpoint", endpoint.ID),
			zap.String("journal", j.JournalID),
			zap.Error(err))
		return vm, false
	}

	if p.evaluator != nil {
		statusSeverity := discovery.JournalStatusSeverity(j.JournalStatus)
		raised, err := p.evaluator.EvaluateJournalStatus(ctx, j.ConsistencyGroupID, j.JournalID, j.JournalStatus, statusSeverity)
		if err != nil {
			p.logger.Warn("journal status alert evaluation failed", zap.Error(err))
		} else if raised && p.metrics != nil {
			p.metrics.AlertsRaised.WithLabelValues(alerting.TypeJournalStatus, string(statusSeverity)).Inc()
		}
	}

	return vm, true
}

// evaluateGroup folds a group's journal metrics into one aggregate,
// exports the group gauges, and runs the usage and trend checks once
// per group. A multi-journal group alerts on its worst journal and
// its combined backlog, not once per journal.
func (p *Poller) evaluateGroup(ctx context.Context, endpoint store.Endpoint, groupID int, volumes []rpo.VolumeMetric) {
	metric := rpo.AggregateGroup(volumes)
	severity := p.calc.ClassifyUsage(metric.UsageRate)

	if p.metrics != nil {
		group := strconv.Itoa(groupID)
		p.metrics.JournalUsage.WithLabelValues(endpoint.ID, group).Set(float64(metric.UsageRate))
		p.metrics.PendingBytes.WithLabelValues(endpoint.ID, group).Set(float64(metric.PendingBytes))
	}

	if p.evaluator == nil {
		return
	}

	raised, err := p.evaluator.EvaluateUsage(ctx, groupID, metric, severity)
	if err != nil {
		p.logger.Warn("usage alert evaluation failed", zap.Error(err))
	} else if raised && p.metrics != nil {
		p.metrics.AlertsRaised.WithLabelValues(alerting.TypeJournalUsage, string(severity)).Inc()
	}

	counts, err := p.store.RecentQCounts(ctx, groupID, endpoint.ID, trendWindow)
	if err != nil {
		p.logger.Warn("trend history read failed", zap.Error(err))
		return
	}
	trend := p.calc.DetermineTrend(counts)
	raised, err = p.evaluator.EvaluateTrend(ctx, groupID, trend)
	if err != nil {
		p.logger.Warn("trend alert evaluation failed", zap.Error(err))
	} else if raised && p.metrics != nil {
		p.metrics.AlertsRaised.WithLabelValues(alerting.TypeBacklogTrend, string(rpo.SeverityWarning)).Inc()
	}
}

// backfillBlockDeltas fetches per-volume used-block counts on both
// sides of each pair and backfills the group's newest sample with the
// summed delta. Every step here is best-effort: Method-2 supplements
// Method-1 data already stored, it never invalidates it.
func (p *Poller) backfillBlockDeltas(ctx context.Context, endpoint store.Endpoint, sess session.Session, pairs []vendorapi.CopyPairRecord) {
	groups, err := p.store.ListConsistencyGroups(ctx, endpoint.ID)
	if err != nil {
		p.logger.Warn("group listing failed, skipping block-delta pass",
			zap.String("endpoint", endpoint.ID), zap.Error(err))
		return
	}
	targetByGroup := make(map[int]string, len(groups))
	for _, g := range groups {
		targetByGroup[g.GroupID] = g.TargetEndpointID
	}

	deltaByGroup := make(map[int]int64)
	statusByGroup := make(map[int]string)

	for _, pair := range pairs {
		if pair.ReplicationType != p.replicationType {
			continue
		}
		statusByGroup[pair.ConsistencyGroupID] = pair.PvolStatus

		pvol, err := p.client.GetLdev(ctx, sess.BaseURL, sess.Token, pair.PvolLdevID)
		if err != nil {
			p.logger.Debug("pvol ldev read failed",
				zap.Int("ldev", pair.PvolLdevID), zap.Error(err))
			continue
		}

		targetID := targetByGroup[pair.ConsistencyGroupID]
		if targetID == "" {
			continue
		}
		remoteSess, err := p.sessions.GetSession(ctx, targetID)
		if err != nil {
			p.logger.Debug("remote session unavailable for block delta",
				zap.String("target", targetID), zap.Error(err))
			continue
		}
		svol, err := p.client.GetLdev(ctx, remoteSess.BaseURL, remoteSess.Token, pair.SvolLdevID)
		if err != nil {
			p.logger.Debug("svol ldev read failed",
				zap.Int("ldev", pair.SvolLdevID), zap.Error(err))
			continue
		}

		m2 := rpo.Method2(pvol.NumOfUsedBlock, svol.NumOfUsedBlock)
		deltaByGroup[pair.ConsistencyGroupID] += m2.BlockDeltaBytes
	}

	for groupID, delta := range deltaByGroup {
		err := p.store.BackfillLatestSample(ctx, groupID, endpoint.ID, delta, statusByGroup[groupID])
		if err != nil {
			p.logger.Debug("sample backfill failed",
				zap.Int("group", groupID), zap.Error(err))
		}
	}
}
