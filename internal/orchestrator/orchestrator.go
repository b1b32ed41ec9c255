// Package orchestrator runs the single-writer pipeline: receive, enrich,
// decide, act, record, acknowledge. One event at a time; an error on any
// step leaves the message un-acked so the stream redelivers it.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/medic/internal/config"
	"github.com/ashita-ai/medic/internal/model"
	"github.com/ashita-ai/medic/internal/resurrect"
	"github.com/ashita-ai/medic/internal/siem"
	"github.com/ashita-ai/medic/internal/stream"
	"github.com/ashita-ai/medic/internal/validation"
)

const (
	// actTimeout bounds one resurrection attempt end to end.
	actTimeout = 90 * time.Second
	// dedupeWindow is how long a kill_id in the store suppresses
	// redelivered copies.
	dedupeWindow = 24 * time.Hour
	// expiryTick drives the pending-review deadline sweep.
	expiryTick = time.Second
)

// OutcomeWriter is the slice of the store the orchestrator writes and
// dedupes through.
type OutcomeWriter interface {
	Put(ctx context.Context, rec *model.OutcomeRecord) error
	SeenRecently(ctx context.Context, killID string, window time.Duration) (bool, error)
}

// Decider classifies kill reports. Satisfied by the engine.
type Decider interface {
	Decide(ctx context.Context, kr *model.KillReport, res *model.SIEMResult) *model.Decision
}

// Orchestrator coordinates one kill at a time through the pipeline.
type Orchestrator struct {
	listener    stream.Listener
	enricher    siem.Enricher
	decider     Decider
	resurrector resurrect.Resurrector
	outcomes    OutcomeWriter
	mode        config.Mode
	logger      *slog.Logger
	pending     *pendingQueue
}

// New wires the pipeline components together.
func New(
	listener stream.Listener,
	enricher siem.Enricher,
	decider Decider,
	resurrector resurrect.Resurrector,
	outcomes OutcomeWriter,
	mode config.Mode,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		listener:    listener,
		enricher:    enricher,
		decider:     decider,
		resurrector: resurrector,
		outcomes:    outcomes,
		mode:        mode,
		logger:      logger.With("component", "orchestrator"),
		pending:     newPendingQueue(DefaultPendingCap),
	}
}

// PendingCount reports the size of the review queue.
func (o *Orchestrator) PendingCount() int {
	return o.pending.len()
}

// Run consumes the stream until ctx is cancelled. The current message
// finishes before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	for msg := range o.listener.Listen(ctx) {
		if ctx.Err() != nil {
			// Deliveries still buffered at shutdown stay un-acked and
			// redeliver.
			continue
		}
		// Cancellation does not cut the message in hand short; its
		// restart is still bounded by actTimeout.
		o.processOne(context.WithoutCancel(ctx), msg)
	}
	return ctx.Err()
}

// RunExpiry sweeps the pending queue for expired reviews at 1 Hz.
func (o *Orchestrator) RunExpiry(ctx context.Context) error {
	ticker := time.NewTicker(expiryTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.expirePending(ctx)
		}
	}
}

func (o *Orchestrator) processOne(ctx context.Context, msg stream.Message) {
	if msg.Err != nil {
		o.recordInvalid(ctx, msg)
		return
	}
	kr := msg.Report

	seen, err := o.outcomes.SeenRecently(ctx, kr.KillID, dedupeWindow)
	if err != nil {
		o.logger.Error("dedupe lookup failed, leaving message un-acked",
			"kill_id", validation.SanitizeForLog(kr.KillID), "error", err)
		return
	}
	if seen {
		o.logger.Info("duplicate kill within dedupe window, acknowledging",
			"kill_id", validation.SanitizeForLog(kr.KillID))
		o.ack(ctx, msg.ID, kr.KillID)
		return
	}

	enrichment := o.enricher.Enrich(ctx, kr)
	decision := o.decider.Decide(ctx, kr, enrichment)

	rec := o.act(ctx, kr, decision)
	if err := o.outcomes.Put(ctx, rec); err != nil {
		o.logger.Error("outcome write failed, leaving message un-acked",
			"kill_id", validation.SanitizeForLog(kr.KillID), "error", err)
		return
	}
	o.ack(ctx, msg.ID, kr.KillID)
}

// act executes the decision and builds the outcome record to persist.
func (o *Orchestrator) act(ctx context.Context, kr *model.KillReport, d *model.Decision) *model.OutcomeRecord {
	log := o.logger.With(
		"kill_id", validation.SanitizeForLog(kr.KillID),
		"target_module", validation.SanitizeForLog(kr.TargetModule),
		"decision_id", d.DecisionID,
		"outcome", string(d.Outcome),
		"risk_score", d.RiskScore,
		"confidence", d.Confidence,
	)

	switch {
	case d.Outcome == model.OutcomeApproveAuto && o.mode == config.ModeLive:
		actCtx, cancel := context.WithTimeout(ctx, actTimeout)
		defer cancel()
		res := o.resurrector.Restart(actCtx, kr.TargetModule)
		rec := model.NewOutcomeRecord(d, kr.TargetModule, mapResultStatus(res.Status), "")
		if res.Status == resurrect.StatusSuccess {
			tth, hs := res.TimeToHealthy, res.HealthScore
			rec.TimeToHealthy = &tth
			rec.HealthScoreAfter = &hs
		}
		log.Info("auto-approved resurrection executed", "result", string(res.Status))
		return rec

	case d.Outcome == model.OutcomeApproveAuto:
		log.Info("auto-approve classified in observer mode, not acting")
		return model.NewOutcomeRecord(d, kr.TargetModule, model.OutcomeTypeUndetermined, "observer")

	case d.Outcome == model.OutcomePendingReview && o.mode != config.ModeLive:
		log.Info("review classified in observer mode, not queued")
		return model.NewOutcomeRecord(d, kr.TargetModule, model.OutcomeTypeUndetermined, "observer")

	case d.Outcome == model.OutcomePendingReview:
		if err := o.pending.put(kr, d); err != nil {
			log.Warn("pending queue at capacity, denying review request")
			rec := model.NewOutcomeRecord(d, kr.TargetModule, model.OutcomeTypeUndetermined, "backpressure")
			rec.OriginalOutcome = model.OutcomeDeny
			return rec
		}
		log.Info("decision queued for manual review", "timeout_minutes", d.TimeoutMinutes)
		return model.NewOutcomeRecord(d, kr.TargetModule, model.OutcomeTypeUndetermined, "pending_review")

	default: // Deny, Defer
		log.Info("resurrection declined")
		return model.NewOutcomeRecord(d, kr.TargetModule, model.OutcomeTypeUndetermined, "")
	}
}

// Approve executes a manually approved pending review. Returns
// ErrNotPending when no entry exists and ErrInFlight when another approval
// is already executing.
func (o *Orchestrator) Approve(ctx context.Context, killID string) (*resurrect.Result, error) {
	entry, err := o.pending.claim(killID)
	if err != nil {
		return nil, err
	}

	actCtx, cancel := context.WithTimeout(ctx, actTimeout)
	defer cancel()
	res := o.resurrector.Restart(actCtx, entry.report.TargetModule)

	rec := model.NewOutcomeRecord(entry.decision, entry.report.TargetModule, mapResultStatus(res.Status), "manual_approval")
	rec.OriginalOutcome = model.OutcomeApproveManual
	if res.Status == resurrect.StatusSuccess {
		tth, hs := res.TimeToHealthy, res.HealthScore
		rec.TimeToHealthy = &tth
		rec.HealthScoreAfter = &hs
	}
	if err := o.outcomes.Put(ctx, rec); err != nil {
		o.pending.release(killID)
		return nil, fmt.Errorf("orchestrator: record approval outcome: %w", err)
	}
	o.pending.remove(killID)

	o.logger.Info("manual approval executed",
		"kill_id", validation.SanitizeForLog(killID),
		"target_module", validation.SanitizeForLog(entry.report.TargetModule),
		"result", string(res.Status))
	return res, nil
}

func (o *Orchestrator) expirePending(ctx context.Context) {
	for _, e := range o.pending.popExpired(time.Now()) {
		rec := model.NewOutcomeRecord(e.decision, e.report.TargetModule, model.OutcomeTypeUndetermined, "expired")
		if err := o.outcomes.Put(ctx, rec); err != nil {
			o.logger.Error("expiry outcome write failed",
				"kill_id", validation.SanitizeForLog(e.report.KillID), "error", err)
			continue
		}
		o.logger.Info("pending review expired",
			"kill_id", validation.SanitizeForLog(e.report.KillID))
	}
}

// recordInvalid acknowledges a payload that failed validation after
// writing an undetermined outcome, so the poisoned message never blocks
// the stream.
func (o *Orchestrator) recordInvalid(ctx context.Context, msg stream.Message) {
	rec := &model.OutcomeRecord{
		OutcomeID:       uuid.New().String(),
		KillID:          "",
		RecordedAt:      time.Now().UTC(),
		OutcomeType:     model.OutcomeTypeUndetermined,
		OriginalOutcome: model.OutcomeDefer,
		Reason:          "invalid_input",
	}
	if err := o.outcomes.Put(ctx, rec); err != nil {
		o.logger.Error("invalid-input outcome write failed, leaving message un-acked",
			"message_id", msg.ID, "error", err)
		return
	}
	o.logger.Warn("invalid kill report acknowledged without processing",
		"message_id", msg.ID, "error", msg.Err)
	if err := o.listener.Ack(ctx, msg.ID); err != nil {
		o.logger.Error("ack failed", "message_id", msg.ID, "error", err)
	}
}

func (o *Orchestrator) ack(ctx context.Context, msgID, killID string) {
	if err := o.listener.Ack(ctx, msgID); err != nil {
		o.logger.Error("ack failed, message will redeliver",
			"message_id", msgID,
			"kill_id", validation.SanitizeForLog(killID),
			"error", err)
	}
}

func mapResultStatus(s resurrect.Status) model.OutcomeType {
	switch s {
	case resurrect.StatusSuccess:
		return model.OutcomeTypeSuccess
	case resurrect.StatusNotFound:
		return model.OutcomeTypeFailure
	default: // unhealthy, timeout: the restart failed, or the restarted container was stopped again
		return model.OutcomeTypeRollback
	}
}
