// internal/alerting/evaluator.go
package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/FairForge/replimon/internal/rpo"
	"github.com/FairForge/replimon/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Alert types raised by threshold evaluation.
const (
	TypeJournalUsage  = "journal_usage"
	TypeBacklogTrend  = "backlog_trend"
	TypeJournalStatus = "journal_status"
)

// AlertStore is the dedup-aware persistence contract: insertion is a
// no-op while an unacknowledged alert of the same (group, type,
// severity) exists.
type AlertStore interface {
	InsertAlertIfNew(ctx context.Context, a *store.Alert) (bool, error)
}

// Evaluator turns group metrics into deduplicated alert rows.
type Evaluator struct {
	alerts AlertStore
	logger *zap.Logger
	now    func() time.Time
}

// NewEvaluator creates an evaluator writing through the given store.
func NewEvaluator(alerts AlertStore, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{alerts: alerts, logger: logger, now: time.Now}
}

// EvaluateUsage raises a journal-usage alert when the severity is
// above normal. Returns true when a new alert row was created.
func (e *Evaluator) EvaluateUsage(ctx context.Context, groupID int, metric rpo.GroupMetric, severity rpo.Severity) (bool, error) {
	if severity == rpo.SeverityNormal {
		return false, nil
	}

	message := fmt.Sprintf("journal usage %d%% (pending %d bytes)",
		metric.UsageRate, metric.PendingBytes)
	if metric.EtaSeconds > 0 {
		message = fmt.Sprintf("%s, estimated catch-up %.0fs", message, metric.EtaSeconds)
	}

	return e.raise(ctx, groupID, TypeJournalUsage, string(severity), message)
}

// EvaluateTrend raises a warning when the backlog trend is increasing.
func (e *Evaluator) EvaluateTrend(ctx context.Context, groupID int, trend rpo.TrendResult) (bool, error) {
	if trend.Trend != rpo.TrendIncreasing {
		return false, nil
	}
	message := fmt.Sprintf("replication backlog increasing, rate %.3f per sample", trend.Rate)
	return e.raise(ctx, groupID, TypeBacklogTrend, string(rpo.SeverityWarning), message)
}

// EvaluateJournalStatus raises an alert for abnormal journal states.
func (e *Evaluator) EvaluateJournalStatus(ctx context.Context, groupID int, journalID, status string, severity rpo.Severity) (bool, error) {
	if severity == rpo.SeverityNormal {
		return false, nil
	}
	message := fmt.Sprintf("journal %s status %s", journalID, status)
	return e.raise(ctx, groupID, TypeJournalStatus, string(severity), message)
}

func (e *Evaluator) raise(ctx context.Context, groupID int, alertType, severity, message string) (bool, error) {
	alert := &store.Alert{
		ID:        uuid.New().String(),
		GroupID:   groupID,
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		CreatedAt: e.now(),
	}

	inserted, err := e.alerts.InsertAlertIfNew(ctx, alert)
	if err != nil {
		return false, fmt.Errorf("alerting: raise %s for group %d: %w", alertType, groupID, err)
	}
	if inserted {
		e.logger.Info("alert raised",
			zap.Int("group", groupID),
			zap.String("type", alertType),
			zap.String("severity", severity),
			zap.String("message", message))
	}
	return inserted, nil
}
