// Package model defines the core entities of the resurrection pipeline:
// kill reports, enrichment results, decisions, and outcome records.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashita-ai/medic/internal/validation"
)

// KillReason categorizes why the upstream agent terminated a container.
type KillReason string

const (
	ReasonThreatDetected     KillReason = "threat_detected"
	ReasonAnomalyBehavior    KillReason = "anomaly_behavior"
	ReasonPolicyViolation    KillReason = "policy_violation"
	ReasonResourceExhaustion KillReason = "resource_exhaustion"
	ReasonDependencyCascade  KillReason = "dependency_cascade"
	ReasonManualOverride     KillReason = "manual_override"
)

// Valid reports whether the reason is a known value.
func (r KillReason) Valid() bool {
	switch r {
	case ReasonThreatDetected, ReasonAnomalyBehavior, ReasonPolicyViolation,
		ReasonResourceExhaustion, ReasonDependencyCascade, ReasonManualOverride:
		return true
	}
	return false
}

// Severity is the threat severity attached to a kill event.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Valid reports whether the severity is a known value.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// KillReport is a single kill event from the upstream agent's notification
// stream. Immutable after intake.
type KillReport struct {
	KillID           string         `json:"kill_id"`
	Timestamp        time.Time      `json:"timestamp"`
	TargetModule     string         `json:"target_module"`
	TargetInstanceID string         `json:"target_instance_id"`
	KillReason       KillReason     `json:"kill_reason"`
	Severity         Severity       `json:"severity"`
	ConfidenceScore  float64        `json:"confidence_score"`
	Evidence         []string       `json:"evidence"`
	Dependencies     []string       `json:"dependencies"`
	SourceAgent      string         `json:"source_agent"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// ParseKillReport decodes a stream payload and validates every field.
// The returned report is normalized; any violation yields a
// validation.Error naming the offending field.
func ParseKillReport(payload []byte) (*KillReport, error) {
	var kr KillReport
	if err := json.Unmarshal(payload, &kr); err != nil {
		return nil, &validation.Error{Field: "payload", Reason: "malformed JSON"}
	}
	if err := kr.Validate(); err != nil {
		return nil, err
	}
	return &kr, nil
}

// Validate normalizes the report in place and checks every invariant.
func (kr *KillReport) Validate() error {
	if kr.KillID == "" {
		return &validation.Error{Field: "kill_id", Reason: "required"}
	}
	if kr.Timestamp.IsZero() {
		return &validation.Error{Field: "timestamp", Reason: "required"}
	}
	if kr.SourceAgent == "" {
		return &validation.Error{Field: "source_agent", Reason: "required"}
	}
	if !kr.KillReason.Valid() {
		return &validation.Error{Field: "kill_reason", Reason: fmt.Sprintf("unknown value %q", string(kr.KillReason))}
	}
	if !kr.Severity.Valid() {
		return &validation.Error{Field: "severity", Reason: fmt.Sprintf("unknown value %q", string(kr.Severity))}
	}

	var err error
	if kr.TargetModule, err = validation.ModuleName(kr.TargetModule, "target_module"); err != nil {
		return err
	}
	if kr.TargetInstanceID, err = validation.InstanceID(kr.TargetInstanceID, "target_instance_id"); err != nil {
		return err
	}
	if kr.ConfidenceScore, err = validation.Score(kr.ConfidenceScore, "confidence_score"); err != nil {
		return err
	}
	if kr.Evidence, err = validation.Evidence(kr.Evidence, "evidence"); err != nil {
		return err
	}
	if kr.Dependencies, err = validation.Dependencies(kr.Dependencies, "dependencies"); err != nil {
		return err
	}
	if kr.Metadata, err = validation.Metadata(kr.Metadata, "metadata"); err != nil {
		return err
	}
	return nil
}

// Encode serializes the report to the canonical stream payload form.
func (kr *KillReport) Encode() ([]byte, error) {
	b, err := json.Marshal(kr)
	if err != nil {
		return nil, fmt.Errorf("model: encode kill report: %w", err)
	}
	return b, nil
}
