package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sells-group/recon-engine/internal/config"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{EscalationRateThreshold: 0.25, MaxFailures: 10})

	alerts := a.Evaluate(&SessionSummary{
		SessionID:      "s-1",
		Total:          20,
		Escalated:      2,
		EscalationRate: 0.10,
		Failures:       3,
	})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_EscalationRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{EscalationRateThreshold: 0.25})

	alerts := a.Evaluate(&SessionSummary{
		SessionID:      "s-1",
		Total:          10,
		Escalated:      4,
		EscalationRate: 0.4,
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertEscalationRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_SmallSessionIgnoresRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{EscalationRateThreshold: 0.25})

	alerts := a.Evaluate(&SessionSummary{Total: 2, Escalated: 2, EscalationRate: 1})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_Failures(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{MaxFailures: 2})

	alerts := a.Evaluate(&SessionSummary{SessionID: "s-1", Failures: 3})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFailures, alerts[0].Type)
	assert.Equal(t, 3, alerts[0].Details["failures"])
}

func TestAlerter_Evaluate_Untiered(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	alerts := a.Evaluate(&SessionSummary{SessionID: "s-1", Total: 3, Untiered: 1})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertUntiered, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
}

func TestAlerter_Emit(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	a := NewAlerter(config.MonitoringConfig{})
	n := a.Emit([]Alert{{Type: AlertUntiered, Severity: "medium", Message: "untiered"}})

	assert.Equal(t, 1, n)
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "untiered", entry.Message)
	assert.Equal(t, "alert", entry.ContextMap()["event"])
	assert.Equal(t, "untiered_matches", entry.ContextMap()["type"])
}

func TestAlerter_EmitNone(t *testing.T) {
	assert.Zero(t, NewAlerter(config.MonitoringConfig{}).Emit(nil))
}
