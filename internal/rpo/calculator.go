// internal/rpo/calculator.go
package rpo

import (
	"math"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Severity classifies how far a journal is from its RPO target.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Trend classifies the direction of the replication backlog.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// Thresholds holds the tunable classification thresholds.
type Thresholds struct {
	UsageWarning  int     // journal usage percent
	UsageCritical int     // journal usage percent
	TrendRate     float64 // fractional change rate per sample
}

// DefaultThresholds returns the vendor-recommended defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		UsageWarning:  5,
		UsageCritical: 20,
		TrendRate:     0.05,
	}
}

// Journal is one journal mirror-unit entry as reported by the array.
// Fields the vendor sometimes omits are optional; the calculation
// methods only require the fields they use.
type Journal struct {
	JournalID          string
	MuNumber           int
	ConsistencyGroupID int
	Status             string
	UsageRate          int    // integer percent, the dominant precision limit
	QMarker            string // hex sequence marker, "" when unknown
	QCount             int
	ByteFormatCapacity string // e.g. "3.87 T"
	DataOverflowWatch  int
	MirrorStatus       string
}

// Method1Result is the journal-derived (usage rate) lag estimate.
type Method1Result struct {
	PendingBytes  int64
	EtaSeconds    float64
	QMarkerDelta  int64
	HasQDelta     bool
	UsageRate     int
	QCount        int
	CopySpeedMbps int
	Severity      Severity
}

// Method2Result is the block-count-derived supplementary estimate.
// It sees only newly allocated blocks, not in-place overwrites.
type Method2Result struct {
	BlockDeltaBytes int64
}

// VolumeMetric is one volume's contribution to a group aggregate.
type VolumeMetric struct {
	UsageRate    int
	EtaSeconds   float64
	PendingBytes int64
	QCount       int
}

// GroupMetric is the worst-case aggregate across a consistency group.
type GroupMetric struct {
	UsageRate    int
	EtaSeconds   float64
	PendingBytes int64
	QCount       int
}

// TrendResult carries the trend classification plus the raw rate.
type TrendResult struct {
	Trend Trend
	Rate  float64
}

// Calculator derives RPO metrics from raw vendor counters. The methods
// are deterministic; the logger is only used to flag unparsable input.
type Calculator struct {
	mu         sync.RWMutex
	thresholds Thresholds
	logger     *zap.Logger
}

// NewCalculator creates a calculator with the given thresholds.
func NewCalculator(thresholds Thresholds, logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{thresholds: normalizeThresholds(thresholds), logger: logger}
}

func normalizeThresholds(t Thresholds) Thresholds {
	if t.UsageWarning <= 0 {
		t.UsageWarning = DefaultThresholds().UsageWarning
	}
	if t.UsageCritical <= 0 {
		t.UsageCritical = DefaultThresholds().UsageCritical
	}
	if t.TrendRate <= 0 {
		t.TrendRate = DefaultThresholds().TrendRate
	}
	return t
}

// SetThresholds swaps the classification thresholds at runtime. Used
// for config hot reload; in-flight classifications see either the old
// or the new set.
func (c *Calculator) SetThresholds(t Thresholds) {
	c.mu.Lock()
	c.thresholds = normalizeThresholds(t)
	c.mu.Unlock()
}

func (c *Calculator) currentThresholds() Thresholds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.thresholds
}

var unitMultipliers = map[string]float64{
	"B": 1,
	"K": 1 << 10,
	"M": 1 << 20,
	"G": 1 << 30,
	"T": 1 << 40,
	"P": 1 << 50,
}

// ParseCapacity parses a vendor-formatted size such as "3.87 T" into
// bytes using binary (1024-based) multipliers. Unparsable input yields
// 0 with a warning, never an error: a missing capacity must not stop a
// collection cycle.
func (c *Calculator) ParseCapacity(text string) int64 {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return 0
	}

	value, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		c.logger.Warn("unparsable capacity string", zap.String("capacity", text))
		return 0
	}

	unit := "B"
	if len(fields) > 1 {
		unit = strings.ToUpper(fields[1])
	}
	mult, ok := unitMultipliers[unit]
	if !ok {
		c.logger.Warn("unknown capacity unit",
			zap.String("capacity", text),
			zap.String("unit", unit))
		return 0
	}

	return int64(math.Round(value * mult))
}

// Method1 derives the journal-usage-based lag estimate. copySpeedMbps
// of zero means the copy speed is unknown and no ETA is computed.
// masterMarker/drMarker are hex sequence markers; the delta is only
// reported when both sides are known.
func (c *Calculator) Method1(j Journal, copySpeedMbps int, drMarker string) Method1Result {
	capacityBytes := c.ParseCapacity(j.ByteFormatCapacity)
	pendingBytes := capacityBytes * int64(j.UsageRate) / 100

	var eta float64
	if copySpeedMbps > 0 {
		bytesPerSecond := float64(copySpeedMbps) * 1024 * 1024 / 8
		eta = float64(pendingBytes) / bytesPerSecond
	}

	result := Method1Result{
		PendingBytes:  pendingBytes,
		EtaSeconds:    eta,
		UsageRate:     j.UsageRate,
		QCount:        j.QCount,
		CopySpeedMbps: copySpeedMbps,
		Severity:      c.ClassifyUsage(j.UsageRate),
	}

	if j.QMarker != "" && drMarker != "" {
		master, err1 := strconv.ParseInt(j.QMarker, 16, 64)
		dr, err2 := strconv.ParseInt(drMarker, 16, 64)
		if err1 == nil && err2 == nil {
			result.QMarkerDelta = master - dr
			result.HasQDelta = true
		} else {
			c.logger.Warn("unparsable q-marker pair",
				zap.String("master", j.QMarker),
				zap.String("dr", drMarker))
		}
	}

	return result
}

// ClassifyUsage maps a journal usage percentage to a severity.
func (c *Calculator) ClassifyUsage(usageRate int) Severity {
	th := c.currentThresholds()
	switch {
	case usageRate >= th.UsageCritical:
		return SeverityCritical
	case usageRate >= th.UsageWarning:
		return SeverityWarning
	default:
		return SeverityNormal
	}
}

// Method2 derives the block-allocation delta between the primary and
// secondary volume in 512-byte blocks.
func Method2(pvolUsedBlocks, svolUsedBlocks int64) Method2Result {
	delta := pvolUsedBlocks - svolUsedBlocks
	if delta < 0 {
		delta = -delta
	}
	return Method2Result{BlockDeltaBytes: delta * 512}
}

// AggregateGroup folds per-volume metrics into a group-level view:
// usage rate and ETA take the worst case, pending bytes and queue
// counts accumulate.
func AggregateGroup(volumes []VolumeMetric) GroupMetric {
	var g GroupMetric
	for _, v := range volumes {
		if v.UsageRate > g.UsageRate {
			g.UsageRate = v.UsageRate
		}
		if v.EtaSeconds > g.EtaSeconds {
			g.EtaSeconds = v.EtaSeconds
		}
		g.PendingBytes += v.PendingBytes
		g.QCount += v.QCount
	}
	return g
}

// DetermineTrend fits an ordinary least-squares slope to the queue
// counts over sample index, normalizes by the mean to get a fractional
// change rate per sample, and classifies against the trend threshold.
// Fewer than two points is always stable.
func (c *Calculator) DetermineTrend(qCounts []float64) TrendResult {
	if len(qCounts) < 2 {
		return TrendResult{Trend: TrendStable}
	}

	n := float64(len(qCounts))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range qCounts {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return TrendResult{Trend: TrendStable}
	}
	slope := (n*sumXY - sumX*sumY) / denom

	mean := sumY / n
	var rate float64
	if mean != 0 {
		rate = slope / mean
	}

	th := c.currentThresholds()
	switch {
	case rate > th.TrendRate:
		return TrendResult{Trend: TrendIncreasing, Rate: rate}
	case rate < -th.TrendRate:
		return TrendResult{Trend: TrendDecreasing, Rate: rate}
	default:
		return TrendResult{Trend: TrendStable, Rate: rate}
	}
}
