// Package deviceplane enforces device_control/mqtt_qos policies against
// remote IoT endpoints over MQTT. Grounded on the teacher's MQTT bridge:
// connect options with a last-will status topic, a per-device state
// accumulator, and JSON control/telemetry messages.
package deviceplane

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/edge-ibn/ibnd/internal/catalog"
	"github.com/edge-ibn/ibnd/internal/metrics"
	"github.com/edge-ibn/ibnd/internal/model"
)

// TelemetryHandler receives every metric-bearing telemetry message, for
// ingestion into the store and emission onto the event bus.
type TelemetryHandler func(model.MetricSample)

// Option configures an Enforcer at construction time, in the style of the
// teacher's web server's functional options.
type Option func(*Enforcer)

// WithAckWindow overrides how long Apply waits for a telemetry ack before
// retrying.
func WithAckWindow(d time.Duration) Option {
	return func(e *Enforcer) { e.ackWindow = d }
}

// WithMaxRetries overrides the retry ceiling before a policy is marked failed.
func WithMaxRetries(n int) Option {
	return func(e *Enforcer) { e.maxRetries = n }
}

// WithTelemetryHandler registers a callback for telemetry messages carrying
// device metrics (as opposed to plain command acks).
func WithTelemetryHandler(h TelemetryHandler) Option {
	return func(e *Enforcer) { e.telemetry = h }
}

// Enforcer is the device-plane policy executor.
type Enforcer struct {
	client  mqtt.Client
	catalog *catalog.Catalog
	metrics *metrics.Metrics
	log     *slog.Logger

	ackWindow  time.Duration
	maxRetries int
	retryBase  time.Duration
	retryMax   time.Duration
	telemetry  TelemetryHandler

	mu        sync.Mutex
	online    map[string]bool
	pending   map[string][]model.Policy
	waiters   map[string]chan ackPayload
	buckets   map[string]*TokenBucket
	deviceMus map[string]*sync.Mutex
}

// New builds an Enforcer around an already-configured paho client (created
// with New/SetWill/SetAutoReconnect by the caller, following the teacher's
// bridge setup) and starts it once Start is called.
func New(client mqtt.Client, cat *catalog.Catalog, metricsReg *metrics.Metrics, log *slog.Logger, opts ...Option) *Enforcer {
	if log == nil {
		log = slog.Default()
	}
	e := &Enforcer{
		client:     client,
		catalog:    cat,
		metrics:    metricsReg,
		log:        log,
		ackWindow:  5 * time.Second,
		maxRetries: 4,
		retryBase:  500 * time.Millisecond,
		retryMax:   8 * time.Second,
		online:     make(map[string]bool),
		pending:    make(map[string][]model.Policy),
		waiters:    make(map[string]chan ackPayload),
		buckets:    make(map[string]*TokenBucket),
		deviceMus:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start subscribes to every device's status and telemetry topics. Must be
// called once the underlying client is connected.
func (e *Enforcer) Start(ctx context.Context) error {
	if token := e.client.Subscribe("devices/+/status", 1, e.onStatus); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe status: %w", token.Error())
	}
	if token := e.client.Subscribe("devices/+/telemetry", 1, e.onTelemetry); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe telemetry: %w", token.Error())
	}
	return nil
}

func (e *Enforcer) onStatus(_ mqtt.Client, msg mqtt.Message) {
	deviceID := deviceIDFromTopic(msg.Topic())
	var p statusPayload
	if err := json.Unmarshal(msg.Payload(), &p); err != nil {
		e.log.Warn("deviceplane: malformed status payload", "device_id", deviceID, "error", err)
		return
	}
	wasOffline := e.setOnline(deviceID, p.Status == "online")
	e.metrics.SetDeviceOnline(deviceID, p.Status == "online")
	if p.Status == "online" && wasOffline {
		e.flushPending(context.Background(), deviceID)
	}
}

func (e *Enforcer) onTelemetry(_ mqtt.Client, msg mqtt.Message) {
	deviceID := deviceIDFromTopic(msg.Topic())
	var ack ackPayload
	if err := json.Unmarshal(msg.Payload(), &ack); err == nil && ack.AckOf != "" {
		e.mu.Lock()
		if ch, ok := e.waiters[ack.AckOf]; ok {
			ch <- ack
		}
		e.mu.Unlock()
	}
	if e.telemetry == nil {
		return
	}
	var raw map[string]float64
	if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
		return
	}
	now := time.Now()
	for metricName, value := range raw {
		e.telemetry(model.MetricSample{MetricName: metricName, DeviceID: deviceID, Value: value, Timestamp: now})
	}
}

// setOnline records the device's latest status and returns whether it was
// previously offline or not yet seen (i.e. this call represents a reconnect).
func (e *Enforcer) setOnline(deviceID string, online bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	wasOffline := !e.online[deviceID]
	e.online[deviceID] = online
	return wasOffline
}

func (e *Enforcer) isOnline(deviceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	online, known := e.online[deviceID]
	return known && online
}

// Apply publishes policy's control message to its target device and waits
// for a telemetry ack, retrying with exponential backoff on timeout. If
// the device is offline or has not yet reported a status, the policy is
// queued for automatic retry on reconnect rather than failed.
func (e *Enforcer) Apply(ctx context.Context, policy model.Policy) (model.Policy, error) {
	dev, err := e.catalog.Lookup(policy.Target)
	if err != nil {
		return e.fail(policy, err), err
	}
	templateKey, _ := policy.Parameters["template"].(string)
	tpl, err := e.catalog.Template(templateKey)
	if err != nil {
		return e.fail(policy, err), err
	}

	if !e.isOnline(dev.ID) {
		policy.Status = model.PolicyPendingDeliver
		e.mu.Lock()
		e.pending[dev.ID] = append(e.pending[dev.ID], policy)
		e.mu.Unlock()
		e.log.Info("deviceplane: device offline, queued", "policy_id", policy.ID, "device_id", dev.ID)
		return policy, nil
	}

	return e.publishWithRetry(ctx, dev, tpl, policy)
}

func (e *Enforcer) publishWithRetry(ctx context.Context, dev model.Device, tpl *catalog.Template, policy model.Policy) (model.Policy, error) {
	lock := e.deviceLock(dev.ID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		if !e.bucket(dev.ID).Allow() {
			select {
			case <-ctx.Done():
				return e.fail(policy, ctx.Err()), ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}

		requestID := fmt.Sprintf("%s-%d", policy.ID, attempt)
		payload, err := buildControlPayload(tpl, policy, requestID)
		if err != nil {
			return e.fail(policy, err), err
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return e.fail(policy, err), err
		}

		ackCh := e.registerWaiter(requestID)
		token := e.client.Publish(dev.ControlTopic, byte(dev.DefaultQoS), false, data)
		token.Wait()
		if token.Error() != nil {
			e.unregisterWaiter(requestID)
			lastErr = token.Error()
			continue
		}

		select {
		case <-ackCh:
			e.unregisterWaiter(requestID)
			policy.Status = model.PolicyApplied
			policy.AppliedAt = time.Now()
			policy.Attempts = attempt
			policy.LastError = ""
			e.metrics.ObservePolicyApplied(string(policy.Plane), string(policy.Kind), time.Since(start))
			return policy, nil
		case <-time.After(e.ackWindow):
			e.unregisterWaiter(requestID)
			lastErr = ErrAckTimeout
		case <-ctx.Done():
			e.unregisterWaiter(requestID)
			return e.fail(policy, ctx.Err()), ctx.Err()
		}

		delay := ExponentialBackoff(e.retryBase, e.retryMax, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return e.fail(policy, ctx.Err()), ctx.Err()
		}
	}

	policy.Attempts = e.maxRetries
	if lastErr == nil {
		lastErr = ErrAckTimeout
	}
	return e.fail(policy, lastErr), lastErr
}

func (e *Enforcer) flushPending(ctx context.Context, deviceID string) {
	e.mu.Lock()
	queued := e.pending[deviceID]
	delete(e.pending, deviceID)
	e.mu.Unlock()

	for _, p := range queued {
		if _, err := e.Apply(ctx, p); err != nil {
			e.log.Error("deviceplane: flush pending apply failed", "policy_id", p.ID, "error", err)
		}
	}
}

func (e *Enforcer) fail(policy model.Policy, err error) model.Policy {
	policy.Status = model.PolicyFailed
	policy.LastError = err.Error()
	e.metrics.ObservePolicyFailed(string(policy.Plane), string(policy.Kind))
	e.log.Error("deviceplane: apply failed", "policy_id", policy.ID, "error", err)
	return policy
}

func (e *Enforcer) registerWaiter(requestID string) chan ackPayload {
	ch := make(chan ackPayload, 1)
	e.mu.Lock()
	e.waiters[requestID] = ch
	e.mu.Unlock()
	return ch
}

func (e *Enforcer) unregisterWaiter(requestID string) {
	e.mu.Lock()
	delete(e.waiters, requestID)
	e.mu.Unlock()
}

func (e *Enforcer) bucket(deviceID string) *TokenBucket {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.buckets[deviceID]
	if !ok {
		b = NewTokenBucket(5, 2)
		e.buckets[deviceID] = b
	}
	return b
}

func (e *Enforcer) deviceLock(deviceID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.deviceMus[deviceID]
	if !ok {
		l = &sync.Mutex{}
		e.deviceMus[deviceID] = l
	}
	return l
}

func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return topic
}
