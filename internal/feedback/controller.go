// Package feedback closes the loop between declared intent goals and
// observed telemetry: it periodically compares each applied intent's goal
// against recent metric samples and, on a violation, emits a
// corrective intent. Grounded on the original feedback engine's
// check_intent_satisfaction/recommend_adjustments, restructured around an
// explicit tolerance band and an oscillation counter to damp flapping.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edge-ibn/ibnd/internal/metrics"
	"github.com/edge-ibn/ibnd/internal/model"
)

// Store is the subset of store.Store the feedback controller needs.
type Store interface {
	ListIntents() ([]model.Intent, error)
	UpdateIntent(id string, fn func(*model.Intent) error) error
	AppendAudit(e model.AuditEntry) error
}

// Submitter accepts a corrective intent on behalf of the feedback
// controller. Implemented by internal/core.Core, kept as an interface here
// so this package never imports core.
type Submitter interface {
	SubmitCorrection(ctx context.Context, rawText, correctionOf string) (model.Intent, error)
}

// Config tunes the tolerance band and oscillation damping.
type Config struct {
	TickInterval      time.Duration
	LookbackWindow    time.Duration
	ToleranceFraction float64 // e.g. 0.1 allows 10% over/under goal before violating

	// OscillationWindow ticks: a status flip within this many ticks of the
	// previous flip counts toward the oscillation counter.
	OscillationWindow int
	// OscillationLimit flips within the window before emission is paused.
	OscillationLimit int
	// CooldownTicks is how long emission stays paused once the limit trips.
	CooldownTicks int
}

// DefaultConfig returns reasonable defaults for an edge deployment.
func DefaultConfig() Config {
	return Config{
		TickInterval:      30 * time.Second,
		LookbackWindow:     2 * time.Minute,
		ToleranceFraction: 0.1,
		OscillationWindow: 3,
		OscillationLimit:  3,
		CooldownTicks:     10,
	}
}

type oscillationState struct {
	lastStatus   model.IntentStatus
	flipsInWindow int
	ticksSinceFlip int
	cooldown     int
}

// Controller runs the periodic goal-vs-telemetry comparison.
type Controller struct {
	store     Store
	source    metrics.Source
	submitter Submitter
	metrics   *metrics.Metrics
	log       *slog.Logger
	cfg       Config

	mu    sync.Mutex
	state map[string]*oscillationState
}

// New builds a Controller. metricsReg may be nil.
func New(store Store, source metrics.Source, submitter Submitter, metricsReg *metrics.Metrics, log *slog.Logger, cfg Config) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		store:     store,
		source:    source,
		submitter: submitter,
		metrics:   metricsReg,
		log:       log,
		cfg:       cfg,
		state:     make(map[string]*oscillationState),
	}
}

// Run ticks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one comparison pass over every monitored intent. Exported so
// tests can drive it deterministically without waiting on a ticker.
func (c *Controller) Tick(ctx context.Context) {
	intents, err := c.store.ListIntents()
	if err != nil {
		c.log.Error("feedback: list intents", "error", err)
		return
	}
	for _, intent := range intents {
		if intent.Goal == nil {
			continue
		}
		if !monitorable(intent.Status) {
			continue
		}
		c.evaluate(ctx, intent)
	}
}

func monitorable(s model.IntentStatus) bool {
	switch s {
	case model.StatusApplied, model.StatusSatisfied, model.StatusViolated:
		return true
	default:
		return false
	}
}

func (c *Controller) evaluate(ctx context.Context, intent model.Intent) {
	deviceID, err := primaryTarget(intent)
	if err != nil {
		c.log.Warn("feedback: intent has no resolvable target", "intent_id", intent.ID)
		return
	}

	since := time.Now().Add(-c.cfg.LookbackWindow)
	samples, err := c.source.Query(ctx, intent.Goal.Metric, deviceID, since)
	if err != nil {
		c.log.Error("feedback: query metric source", "intent_id", intent.ID, "metric", intent.Goal.Metric, "error", err)
		return
	}
	if len(samples) == 0 {
		return
	}
	observed := average(samples)
	violated := c.isViolated(*intent.Goal, observed)

	newStatus := model.StatusSatisfied
	if violated {
		newStatus = model.StatusViolated
	}

	flipped, coolingDown := c.trackOscillation(intent.ID, newStatus)
	if newStatus != intent.Status {
		if err := c.store.UpdateIntent(intent.ID, func(i *model.Intent) error {
			i.Status = newStatus
			i.UpdatedAt = time.Now()
			return nil
		}); err != nil {
			c.log.Error("feedback: update intent status", "intent_id", intent.ID, "error", err)
			return
		}
		c.store.AppendAudit(model.AuditEntry{
			IntentID: intent.ID, FromStatus: intent.Status, ToStatus: newStatus,
			At: time.Now(), Actor: "feedback-controller",
			Detail: fmt.Sprintf("observed %s=%.3f against goal %.3f", intent.Goal.Metric, observed, intent.Goal.Target),
		})
	}

	if !violated || !flipped && intent.Status == model.StatusViolated {
		// Either satisfied, or still violated from a prior tick with no new
		// flip: a correction was already emitted for this violation episode.
		return
	}
	if coolingDown {
		c.log.Info("feedback: correction suppressed by hysteresis", "intent_id", intent.ID)
		return
	}

	c.emitCorrection(ctx, intent, deviceID, observed)
}

// trackOscillation records a status transition and reports whether this
// call represents a fresh flip, and whether emission is currently paused
// by a tripped oscillation counter.
func (c *Controller) trackOscillation(intentID string, newStatus model.IntentStatus) (flipped, coolingDown bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.state[intentID]
	if !ok {
		st = &oscillationState{lastStatus: newStatus}
		c.state[intentID] = st
		return true, false
	}

	if st.cooldown > 0 {
		st.cooldown--
		return false, true
	}

	st.ticksSinceFlip++
	if newStatus == st.lastStatus {
		return false, false
	}

	flipped = true
	if st.ticksSinceFlip <= c.cfg.OscillationWindow {
		st.flipsInWindow++
	} else {
		st.flipsInWindow = 1
	}
	st.ticksSinceFlip = 0
	st.lastStatus = newStatus

	if st.flipsInWindow >= c.cfg.OscillationLimit {
		st.cooldown = c.cfg.CooldownTicks
		st.flipsInWindow = 0
		coolingDown = true
	}
	return flipped, coolingDown
}

func (c *Controller) isViolated(goal model.Goal, observed float64) bool {
	band := goal.Target * c.cfg.ToleranceFraction
	switch goal.Kind {
	case model.GoalLatencyMax, model.GoalBandwidthMax:
		return observed > goal.Target+band
	case model.GoalThroughputMin:
		return observed < goal.Target-band
	default:
		return false
	}
}

func (c *Controller) emitCorrection(ctx context.Context, intent model.Intent, deviceID string, observed float64) {
	rawText := recommendation(intent.Goal.Kind, deviceID, intent.Goal.Target, observed)
	if rawText == "" {
		return
	}
	if _, err := c.submitter.SubmitCorrection(ctx, rawText, intent.ID); err != nil {
		c.log.Error("feedback: submit correction", "intent_id", intent.ID, "error", err)
		return
	}
	c.metrics.ObserveFeedbackCorrection()
	c.log.Info("feedback: emitted correction", "intent_id", intent.ID, "raw_text", rawText)
}

// recommendation mirrors the original engine's violation-to-action map:
// a missed goal is corrected with an intent of the same type, tightened by
// one bounded step; latency/bandwidth overruns tighten the ceiling,
// throughput shortfalls raise it.
func recommendation(kind model.GoalKind, deviceID string, target, observed float64) string {
	switch kind {
	case model.GoalLatencyMax:
		tightened := target * 0.8
		return fmt.Sprintf("reduce latency to %.0fms for %s", tightened, deviceID)
	case model.GoalThroughputMin:
		increased := observed + (target-observed)*1.5
		if increased <= 0 {
			increased = target * 1.5
		}
		return fmt.Sprintf("limit %s to %.0fKB/s", deviceID, increased/8192)
	case model.GoalBandwidthMax:
		reduced := target * 0.8
		return fmt.Sprintf("limit %s to %.0fKB/s", deviceID, reduced/8192)
	default:
		return ""
	}
}

func primaryTarget(intent model.Intent) (string, error) {
	for _, pi := range intent.Parsed {
		if len(pi.Targets) > 0 {
			return pi.Targets[0], nil
		}
	}
	return "", ErrNoTarget
}

func average(samples []model.MetricSample) float64 {
	var sum float64
	for _, s := range samples {
		sum += s.Value
	}
	return sum / float64(len(samples))
}
