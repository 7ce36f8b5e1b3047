// Package core is the orchestrator: it wires the catalog, parser,
// compiler, store, both enforcers, and the feedback controller, and
// exposes the controller's entry points. Grounded on the teacher's
// coordinator: a single struct holding every collaborator, started and
// stopped in a fixed sequence, with accessor methods rather than package
// globals.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edge-ibn/ibnd/internal/catalog"
	"github.com/edge-ibn/ibnd/internal/compiler"
	"github.com/edge-ibn/ibnd/internal/events"
	"github.com/edge-ibn/ibnd/internal/feedback"
	"github.com/edge-ibn/ibnd/internal/metrics"
	"github.com/edge-ibn/ibnd/internal/model"
	"github.com/edge-ibn/ibnd/internal/parser"
	"github.com/edge-ibn/ibnd/internal/store"
)

// DataplaneApplier is the subset of the data-plane enforcer Core needs.
type DataplaneApplier interface {
	Apply(ctx context.Context, p model.Policy) (model.Policy, error)
	Clear(ctx context.Context, p model.Policy) error
	Reconcile(ctx context.Context, iface string, policies []model.Policy) ([]model.Policy, error)
}

// DeviceplaneApplier is the subset of the device-plane enforcer Core needs.
type DeviceplaneApplier interface {
	Apply(ctx context.Context, p model.Policy) (model.Policy, error)
}

// Core is the controller's orchestrator.
type Core struct {
	catalog     *catalog.Catalog
	store       store.Store
	parser      *parser.Parser
	compiler    *compiler.Compiler
	dataplane   DataplaneApplier
	deviceplane DeviceplaneApplier
	feedback    *feedback.Controller
	events      *events.Bus
	metrics     *metrics.Metrics
	log         *slog.Logger
	iface       string

	startedAt time.Time

	submitCh chan submitJob
	wg       sync.WaitGroup
	cancel   context.CancelFunc

	mu       sync.Mutex
	shutdown bool
}

type submitJob struct {
	rawText      string
	submitter    string
	correctionOf string
	result       chan submitResult
}

type submitResult struct {
	intent model.Intent
	err    error
}

// Deps bundles Core's collaborators, built by cmd/ibnd before calling New.
type Deps struct {
	Catalog     *catalog.Catalog
	Store       store.Store
	Parser      *parser.Parser
	Compiler    *compiler.Compiler
	Dataplane   DataplaneApplier
	Deviceplane DeviceplaneApplier
	Events      *events.Bus
	Metrics     *metrics.Metrics
	Log         *slog.Logger
	Feedback    feedback.Config
	Iface       string
}

// New wires a Core from deps. The feedback controller is constructed here
// since it needs a Submitter, which only Core can satisfy.
func New(deps Deps) *Core {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	bus := deps.Events
	if bus == nil {
		bus = events.New(log)
	}

	c := &Core{
		catalog:     deps.Catalog,
		store:       deps.Store,
		parser:      deps.Parser,
		compiler:    deps.Compiler,
		dataplane:   deps.Dataplane,
		deviceplane: deps.Deviceplane,
		events:      bus,
		metrics:     deps.Metrics,
		log:         log,
		iface:       deps.Iface,
		submitCh:    make(chan submitJob, 64),
	}

	source := metrics.NewStoreSource(deps.Store)
	c.feedback = feedback.New(deps.Store, source, c, deps.Metrics, log, deps.Feedback)
	return c
}

// Start reconciles data-plane state against the kernel, then launches the
// single submission writer and the feedback loop. Call once.
func (c *Core) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.startedAt = time.Now()

	if err := c.reconcileDataplane(ctx); err != nil {
		c.log.Error("core: startup reconciliation failed", "error", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runSubmissionWriter(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.feedback.Run(ctx)
	}()

	return nil
}

// Stop cancels background work and waits for it to finish.
func (c *Core) Stop() {
	c.mu.Lock()
	c.shutdown = true
	c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	close(c.submitCh)
	c.wg.Wait()
}

// Submit enqueues raw intent text for parsing, compilation, and
// enforcement, processed strictly in arrival order by the single
// submission writer.
func (c *Core) Submit(ctx context.Context, rawText, submitter string) (model.Intent, error) {
	return c.enqueue(ctx, rawText, submitter, "")
}

// SubmitCorrection implements feedback.Submitter: corrective intents are
// submitted through the same single-writer queue as user intents.
func (c *Core) SubmitCorrection(ctx context.Context, rawText, correctionOf string) (model.Intent, error) {
	return c.enqueue(ctx, rawText, "feedback-controller", correctionOf)
}

func (c *Core) enqueue(ctx context.Context, rawText, submitter, correctionOf string) (model.Intent, error) {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return model.Intent{}, ErrShuttingDown
	}
	c.mu.Unlock()

	job := submitJob{rawText: rawText, submitter: submitter, correctionOf: correctionOf, result: make(chan submitResult, 1)}
	select {
	case c.submitCh <- job:
	case <-ctx.Done():
		return model.Intent{}, ctx.Err()
	}

	select {
	case res := <-job.result:
		return res.intent, res.err
	case <-ctx.Done():
		return model.Intent{}, ctx.Err()
	}
}

func (c *Core) runSubmissionWriter(ctx context.Context) {
	for job := range c.submitCh {
		intent, err := c.processSubmission(ctx, job)
		job.result <- submitResult{intent: intent, err: err}
	}
}

// GetIntent returns one intent by id, with its status-transition history.
func (c *Core) GetIntent(id string) (model.Intent, error) {
	i, err := c.store.GetIntent(id)
	if err != nil {
		return model.Intent{}, fmt.Errorf("%w: %s", ErrIntentNotFound, id)
	}
	if history, err := c.store.ListAudit(id); err == nil {
		i.History = history
	}
	return i, nil
}

// ListIntents returns every known intent.
func (c *Core) ListIntents() ([]model.Intent, error) {
	return c.store.ListIntents()
}

// ListPolicies returns every known policy.
func (c *Core) ListPolicies() ([]model.Policy, error) {
	return c.store.ListPolicies()
}

// Events exposes the core's event bus for the API's WebSocket stream.
func (c *Core) Events() *events.Bus {
	return c.events
}

// Catalog exposes the device catalog for the API's device listing.
func (c *Core) Catalog() *catalog.Catalog {
	return c.catalog
}

// Health summarizes controller state for the API's health endpoint.
type Health struct {
	Uptime         float64        `json:"uptime_seconds"`
	CatalogDevices int            `json:"catalog_devices"`
	IntentsByState map[string]int `json:"intents_by_state"`
}

func (c *Core) Health() (Health, error) {
	intents, err := c.store.ListIntents()
	if err != nil {
		return Health{}, err
	}
	byState := map[string]int{}
	for _, i := range intents {
		byState[string(i.Status)]++
	}
	return Health{
		Uptime:         time.Since(c.startedAt).Seconds(),
		CatalogDevices: len(c.catalog.Devices()),
		IntentsByState: byState,
	}, nil
}

// reconcileDataplane diffs every applied data-plane policy against live tc
// and iptables state and re-applies whatever the kernel lost, so a
// controller restart doesn't trust in-memory or store state that the
// running host has since drifted from.
func (c *Core) reconcileDataplane(ctx context.Context) error {
	if c.dataplane == nil || c.iface == "" {
		return nil
	}
	policies, err := c.store.ListPoliciesByPlane(model.PlaneData)
	if err != nil {
		return fmt.Errorf("list data-plane policies: %w", err)
	}
	reconciled, err := c.dataplane.Reconcile(ctx, c.iface, policies)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", c.iface, err)
	}
	for _, p := range reconciled {
		if err := c.store.UpdatePolicy(p.ID, func(existing *model.Policy) error {
			*existing = p
			return nil
		}); err != nil {
			c.log.Error("core: persist reconciled policy", "policy_id", p.ID, "error", err)
		}
	}
	return nil
}

// ReverifyDevicePolicies re-applies every currently applied device-plane
// policy. Called on MQTT reconnect: acks published before the connection
// dropped can't be trusted to have reached the device, so every policy is
// resent rather than assumed still in effect.
func (c *Core) ReverifyDevicePolicies(ctx context.Context) {
	policies, err := c.store.ListPoliciesByPlane(model.PlaneDevice)
	if err != nil {
		c.log.Error("core: list device policies for reverification", "error", err)
		return
	}
	for _, p := range policies {
		if p.Status != model.PolicyApplied {
			continue
		}
		result, applyErr := c.deviceplane.Apply(ctx, p)
		if applyErr != nil {
			c.log.Warn("core: reverify device policy", "policy_id", p.ID, "error", applyErr)
		}
		if err := c.store.UpdatePolicy(result.ID, func(existing *model.Policy) error {
			*existing = result
			return nil
		}); err != nil {
			c.log.Error("core: persist reverified device policy", "policy_id", result.ID, "error", err)
		}
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
