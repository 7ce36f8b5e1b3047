package core

import (
	"context"
	"time"

	"github.com/edge-ibn/ibnd/internal/model"
)

// processSubmission runs one intent through parse -> compile -> supersede
// -> enforce, persisting and auditing at each stage. It is only ever
// called from the single submission writer goroutine, so it never races
// another submission for the same device or policy key.
func (c *Core) processSubmission(ctx context.Context, job submitJob) (model.Intent, error) {
	now := time.Now()
	intent := model.Intent{
		ID:           newID(),
		RawText:      job.rawText,
		Status:       model.StatusPending,
		SubmittedAt:  now,
		UpdatedAt:    now,
		Submitter:    job.submitter,
		CorrectionOf: job.correctionOf,
	}

	parsed, err := c.parser.Parse(job.rawText)
	if err != nil {
		return c.rejectIntent(intent, err)
	}
	intent.Parsed = parsed
	intent.Goal = extractGoal(parsed)

	policies, err := c.compiler.CompileIntent(intent.ID, parsed)
	if err != nil {
		return c.rejectIntent(intent, err)
	}
	for i := range policies {
		policies[i].ID = newID()
	}
	intent.Policies = policies
	intent.Status = model.StatusCompiled

	// Capture each policy's prior owner (if any) before the write below
	// overwrites the key index with the new owner, since supersession
	// needs to know who held the key a moment ago.
	displaced := c.priorOwners(intent.ID, policies)

	if err := c.store.PutIntentWithPolicies(intent, policies); err != nil {
		return c.rejectIntent(intent, err)
	}
	c.audit(intent.ID, model.StatusPending, model.StatusCompiled, "compiled")
	c.events.Emit(eventOf("intent.compiled", intent))

	c.supersedeConflicting(intent.ID, displaced)

	applied := c.enforceAll(ctx, policies)
	intent.Policies = applied
	intent.Status = overallStatus(applied)
	intent.UpdatedAt = time.Now()

	if err := c.store.UpdateIntent(intent.ID, func(i *model.Intent) error {
		i.Status = intent.Status
		i.Policies = applied
		i.UpdatedAt = intent.UpdatedAt
		return nil
	}); err != nil {
		c.log.Error("core: persist applied intent", "intent_id", intent.ID, "error", err)
	}
	c.audit(intent.ID, model.StatusCompiled, intent.Status, "enforced")
	c.events.Emit(eventOf("intent.applied", intent))
	c.metrics.ObserveIntentSubmitted(string(intent.Status))

	return intent, nil
}

// rejectIntent reports a synchronous parse or compile rejection. Nothing is
// persisted: an intent that never successfully parsed or compiled never
// existed as far as the store and its audit trail are concerned, so there
// is nothing to roll back and nothing for a later GetIntent to find.
func (c *Core) rejectIntent(intent model.Intent, err error) (model.Intent, error) {
	intent.Status = model.StatusFailed
	intent.Warning = err.Error()
	intent.UpdatedAt = time.Now()
	c.events.Emit(eventOf("intent.failed", intent))
	c.metrics.ObserveIntentSubmitted(string(model.StatusFailed))
	return intent, err
}

// priorOwners looks up, for each policy about to be written, the intent id
// (if any) that currently owns its (target, kind) key. Must run before
// PutIntentWithPolicies, which overwrites that index with the new owner.
func (c *Core) priorOwners(newIntentID string, policies []model.Policy) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range policies {
		prior, found, err := c.store.FindPolicyByKey(p.Key())
		if err != nil || !found || prior.IntentID == newIntentID || prior.IntentID == "" {
			continue
		}
		if !seen[prior.IntentID] {
			seen[prior.IntentID] = true
			out = append(out, prior.IntentID)
		}
	}
	return out
}

// supersedeConflicting marks every intent in displaced as superseded, in
// one transaction, since each lost ownership of a (target, kind) key to
// newIntentID's policies at the same instant.
func (c *Core) supersedeConflicting(newIntentID string, displaced []string) {
	if len(displaced) == 0 {
		return
	}
	if err := c.store.SupersedeIntents(newIntentID, displaced); err != nil {
		c.log.Error("core: supersede prior intents", "new_intent_id", newIntentID, "displaced", displaced, "error", err)
		return
	}
	for _, priorIntentID := range displaced {
		superseded, err := c.store.GetIntent(priorIntentID)
		if err != nil {
			continue
		}
		c.events.Emit(eventOf("intent.superseded", superseded))
	}
}

func (c *Core) enforceAll(ctx context.Context, policies []model.Policy) []model.Policy {
	out := make([]model.Policy, len(policies))
	for i, p := range policies {
		var result model.Policy
		var err error
		if p.Plane == model.PlaneData {
			result, err = c.dataplane.Apply(ctx, p)
		} else {
			result, err = c.deviceplane.Apply(ctx, p)
		}
		if err != nil {
			c.log.Error("core: enforce policy", "policy_id", p.ID, "plane", p.Plane, "error", err)
		}
		if updErr := c.store.UpdatePolicy(result.ID, func(existing *model.Policy) error {
			*existing = result
			return nil
		}); updErr != nil {
			c.log.Error("core: persist policy result", "policy_id", result.ID, "error", updErr)
		}
		out[i] = result
	}
	return out
}

// RevokeIntent stops enforcing every policy of intentID: data-plane
// policies are actively torn down via the enforcer's Clear; device-plane
// policies are marked rolled back without an explicit uninstall command,
// since the wire contract declares no generic inverse for an arbitrary
// device_control command.
func (c *Core) RevokeIntent(ctx context.Context, intentID string) error {
	intent, err := c.store.GetIntent(intentID)
	if err != nil {
		return ErrIntentNotFound
	}
	for _, p := range intent.Policies {
		if p.Plane == model.PlaneData {
			if err := c.dataplane.Clear(ctx, p); err != nil {
				c.log.Warn("core: clear data-plane policy on revoke", "policy_id", p.ID, "error", err)
			}
		}
		if err := c.store.UpdatePolicy(p.ID, func(existing *model.Policy) error {
			existing.Status = model.PolicyRolledBack
			return nil
		}); err != nil {
			c.log.Error("core: mark policy rolled back", "policy_id", p.ID, "error", err)
		}
	}
	from := intent.Status
	if err := c.store.UpdateIntent(intentID, func(i *model.Intent) error {
		i.Status = model.StatusSuperseded
		i.UpdatedAt = time.Now()
		return nil
	}); err != nil {
		return err
	}
	c.audit(intentID, from, model.StatusSuperseded, "revoked")
	return nil
}

// overallStatus never returns StatusFailed: that status is reserved for a
// submission that was synchronously rejected before anything enforced.
// A policy that failed to apply after compiling successfully means the
// intent is live but not honored, which is exactly what StatusViolated
// means to the feedback controller — and unlike StatusFailed, violated
// intents stay inside monitorable's watch set.
func overallStatus(policies []model.Policy) model.IntentStatus {
	if len(policies) == 0 {
		return model.StatusApplied
	}
	for _, p := range policies {
		if p.Status == model.PolicyFailed {
			return model.StatusViolated
		}
	}
	return model.StatusApplied
}

// extractGoal derives a feedback goal from the first clause that
// expresses one: a latency ceiling or a bandwidth ceiling. Compound
// intents with more than one goal-bearing clause are monitored against
// only the first; the rest still enforce, they just aren't watched by the
// feedback controller.
func extractGoal(parsed []model.ParsedIntent) *model.Goal {
	for _, pi := range parsed {
		switch pi.Type {
		case model.TypeLatency:
			if ms, ok := pi.Parameters["max_latency_ms"].(float64); ok {
				return &model.Goal{Kind: model.GoalLatencyMax, Target: ms, Metric: "latency_ms"}
			}
		case model.TypeBandwidth:
			if bps, ok := pi.Parameters["rate_bps"].(float64); ok {
				return &model.Goal{Kind: model.GoalBandwidthMax, Target: bps, Metric: "bandwidth_bps"}
			}
		}
	}
	return nil
}

func (c *Core) audit(intentID string, from, to model.IntentStatus, detail string) {
	if err := c.store.AppendAudit(model.AuditEntry{
		IntentID: intentID, FromStatus: from, ToStatus: to,
		At: time.Now(), Actor: "core", Detail: detail,
	}); err != nil {
		c.log.Error("core: append audit", "intent_id", intentID, "error", err)
	}
}
