package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/medic/internal/validation"
)

func validReport() *KillReport {
	return &KillReport{
		KillID:           "kill-001",
		Timestamp:        time.Now().UTC(),
		TargetModule:     "auth-service",
		TargetInstanceID: "auth-service-7f9d",
		KillReason:       ReasonThreatDetected,
		Severity:         SeverityHigh,
		ConfidenceScore:  0.92,
		Evidence:         []string{"outbound connection to known C2"},
		Dependencies:     []string{"session-cache"},
		SourceAgent:      "smith-7",
	}
}

func TestParseKillReport(t *testing.T) {
	payload, err := validReport().Encode()
	require.NoError(t, err)

	kr, err := ParseKillReport(payload)
	require.NoError(t, err)
	assert.Equal(t, "kill-001", kr.KillID)
	assert.Equal(t, ReasonThreatDetected, kr.KillReason)
	assert.NotNil(t, kr.Metadata)
}

func TestParseKillReportMalformed(t *testing.T) {
	_, err := ParseKillReport([]byte("{not json"))
	require.Error(t, err)
	var verr *validation.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "payload", verr.Field)
}

func TestKillReportValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*KillReport)
		field  string
	}{
		{"missing kill_id", func(kr *KillReport) { kr.KillID = "" }, "kill_id"},
		{"zero timestamp", func(kr *KillReport) { kr.Timestamp = time.Time{} }, "timestamp"},
		{"missing source agent", func(kr *KillReport) { kr.SourceAgent = "" }, "source_agent"},
		{"unknown reason", func(kr *KillReport) { kr.KillReason = "cosmic_rays" }, "kill_reason"},
		{"unknown severity", func(kr *KillReport) { kr.Severity = "apocalyptic" }, "severity"},
		{"bad module name", func(kr *KillReport) { kr.TargetModule = "../../etc" }, "target_module"},
		{"bad instance id", func(kr *KillReport) { kr.TargetInstanceID = "a b" }, "target_instance_id"},
		{"confidence above one", func(kr *KillReport) { kr.ConfidenceScore = 1.5 }, "confidence_score"},
		{"bad dependency", func(kr *KillReport) { kr.Dependencies = []string{"ok", "/root"} }, "dependencies[1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kr := validReport()
			tt.mutate(kr)
			err := kr.Validate()
			require.Error(t, err)
			var verr *validation.Error
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestKillReportValidateNormalizes(t *testing.T) {
	kr := validReport()
	kr.Evidence = nil
	kr.Dependencies = nil
	kr.Metadata = nil
	require.NoError(t, kr.Validate())
	assert.NotNil(t, kr.Evidence)
	assert.NotNil(t, kr.Dependencies)
	assert.NotNil(t, kr.Metadata)
}

func TestKillReportEncodeRoundTrip(t *testing.T) {
	kr := validReport()
	require.NoError(t, kr.Validate())
	b, err := kr.Encode()
	require.NoError(t, err)

	var decoded KillReport
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, kr.KillID, decoded.KillID)
	assert.Equal(t, kr.Severity, decoded.Severity)
}
