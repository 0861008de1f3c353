package monitoring

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/recon-engine/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertEscalationRate AlertType = "escalation_rate"
	AlertFailures       AlertType = "processing_failures"
	AlertUntiered       AlertType = "untiered_matches"
)

// minMatchesForRate keeps tiny sessions from tripping the rate alert.
const minMatchesForRate = 5

// Alert represents a single threshold breach.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a SessionSummary against configured thresholds. Alerts
// are emitted as structured log events; delivery belongs to whatever ships
// the logs.
type Alerter struct {
	cfg config.MonitoringConfig
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{cfg: cfg}
}

// Evaluate checks the summary against thresholds and returns any alerts.
func (a *Alerter) Evaluate(s *SessionSummary) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if a.cfg.EscalationRateThreshold > 0 && s.Total >= minMatchesForRate && s.EscalationRate > a.cfg.EscalationRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertEscalationRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Session %s escalation rate %.1f%% exceeds threshold %.1f%% (%d of %d matches)",
				s.SessionID, s.EscalationRate*100, a.cfg.EscalationRateThreshold*100, s.Escalated, s.Total,
			),
			Details: map[string]any{
				"escalation_rate": s.EscalationRate,
				"threshold":       a.cfg.EscalationRateThreshold,
				"escalated":       s.Escalated,
				"total":           s.Total,
			},
			Timestamp: now,
		})
	}

	if a.cfg.MaxFailures > 0 && s.Failures > a.cfg.MaxFailures {
		alerts = append(alerts, Alert{
			Type:     AlertFailures,
			Severity: "high",
			Message: fmt.Sprintf(
				"Session %s recorded %d failures (limit %d)",
				s.SessionID, s.Failures, a.cfg.MaxFailures,
			),
			Details: map[string]any{
				"failures": s.Failures,
				"limit":    a.cfg.MaxFailures,
			},
			Timestamp: now,
		})
	}

	if s.Untiered > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertUntiered,
			Severity: "medium",
			Message:  fmt.Sprintf("Session %s has %d matches without a tier", s.SessionID, s.Untiered),
			Details: map[string]any{
				"untiered": s.Untiered,
				"total":    s.Total,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// Emit logs each alert at warn level and returns how many were logged.
func (a *Alerter) Emit(alerts []Alert) int {
	log := zap.L().With(zap.String("component", "monitoring.alerter"))
	for _, alert := range alerts {
		log.Warn(alert.Message,
			zap.String("event", "alert"),
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
			zap.Any("details", alert.Details),
		)
	}
	return len(alerts)
}
