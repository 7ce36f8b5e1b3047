// Package model defines the shared data types persisted and exchanged
// across the controller: devices, intents, policies, and metric samples.
package model

import "time"

// DeviceKind is the closed set of endpoint kinds known to the catalog.
type DeviceKind string

const (
	KindSensor  DeviceKind = "sensor"
	KindCamera  DeviceKind = "camera"
	KindAudio   DeviceKind = "audio"
	KindGateway DeviceKind = "gateway"
	KindOther   DeviceKind = "other"
)

// Priority is the closed set of priority levels a device or policy may carry.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Device is the identity of an endpoint the controller may act upon.
// Loaded from the Catalog at startup; never created by a submission.
type Device struct {
	ID              string     `json:"id" yaml:"id"`
	Kind            DeviceKind `json:"kind" yaml:"kind"`
	Address         string     `json:"address,omitempty" yaml:"address,omitempty"`
	DefaultPriority Priority   `json:"default_priority" yaml:"default_priority"`
	DefaultQoS      int        `json:"default_qos" yaml:"default_qos"`
	BandwidthCap    string     `json:"bandwidth_cap,omitempty" yaml:"bandwidth_cap,omitempty"`
	Capabilities    []string   `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	ControlTopic    string     `json:"control_topic" yaml:"control_topic"`
	TelemetryTopic  string     `json:"telemetry_topic" yaml:"telemetry_topic"`
	StatusTopic     string     `json:"status_topic,omitempty" yaml:"status_topic,omitempty"`
	InterfaceClass  string     `json:"interface_class,omitempty" yaml:"interface_class,omitempty"`
}

// HasCapability reports whether the device advertises the given capability token.
func (d Device) HasCapability(tok string) bool {
	for _, c := range d.Capabilities {
		if c == tok {
			return true
		}
	}
	return false
}

// IntentStatus is the closed set of lifecycle states an Intent passes through.
type IntentStatus string

const (
	StatusPending    IntentStatus = "pending"
	StatusCompiled   IntentStatus = "compiled"
	StatusApplied    IntentStatus = "applied"
	StatusSatisfied  IntentStatus = "satisfied"
	StatusViolated   IntentStatus = "violated"
	StatusSuperseded IntentStatus = "superseded"
	StatusFailed     IntentStatus = "failed"
)

// GoalKind names which aggregate a Goal constrains.
type GoalKind string

const (
	GoalLatencyMax    GoalKind = "latency_max"
	GoalThroughputMin GoalKind = "throughput_min"
	GoalBandwidthMax  GoalKind = "bandwidth_max"
)

// Goal is an optional measurable target extracted from an intent's text,
// consumed by the Feedback Controller.
type Goal struct {
	Kind   GoalKind `json:"kind"`
	Target float64  `json:"target"`
	Metric string   `json:"metric"` // underlying metric name, e.g. "latency_ms"
}

// Intent is a user's declared desire, in both raw and structured form.
type Intent struct {
	ID           string        `json:"id"`
	RawText      string        `json:"raw_text"`
	Parsed       []ParsedIntent `json:"parsed"`
	Goal         *Goal         `json:"goal,omitempty"`
	Status       IntentStatus  `json:"status"`
	SubmittedAt  time.Time     `json:"submitted_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Submitter    string        `json:"submitter"`
	CorrectionOf string        `json:"correction_of,omitempty"`
	Warning      string        `json:"warning,omitempty"`

	History  []AuditEntry `json:"history,omitempty"`
	Policies []Policy     `json:"policies,omitempty"`
}

// AuditEntry is a single status-transition record, append-only.
type AuditEntry struct {
	IntentID   string       `json:"intent_id"`
	FromStatus IntentStatus `json:"from_status"`
	ToStatus   IntentStatus `json:"to_status"`
	At         time.Time    `json:"at"`
	Actor      string       `json:"actor"`
	Detail     string       `json:"detail,omitempty"`
}

// IntentType is the closed set of intent kinds the grammar may produce.
type IntentType string

const (
	TypePriority      IntentType = "priority"
	TypeBandwidth     IntentType = "bandwidth"
	TypeLatency       IntentType = "latency"
	TypeQoS           IntentType = "qos"
	TypeSampling      IntentType = "sampling"
	TypeAudioGain     IntentType = "audio_gain"
	TypeCameraConfig  IntentType = "camera_config"
	TypeEnable        IntentType = "enable"
	TypeReset         IntentType = "reset"
	TypePowerSaving   IntentType = "power_saving"
	TypeSecurity      IntentType = "security"
)

// TargetSelector names the devices a ParsedIntent applies to.
type TargetSelector struct {
	IDs    []string   `json:"ids,omitempty"`
	Glob   string     `json:"glob,omitempty"`
	Kind   DeviceKind `json:"kind,omitempty"`
	Raw    string     `json:"raw"`
}

// ParsedIntent is the structured form of one clause of submitted text.
type ParsedIntent struct {
	Type           IntentType     `json:"type"`
	TargetSelector TargetSelector `json:"target_selector"`
	Parameters     map[string]any `json:"parameters"`
	Targets        []string       `json:"targets"` // resolved device ids, populated at parse time
}

// Plane is an enforcement surface: the local network stack or a remote device.
type Plane string

const (
	PlaneData   Plane = "data_plane"
	PlaneDevice Plane = "device"
)

// PolicyKind is the closed set of concrete directive shapes a Policy may take.
type PolicyKind string

const (
	KindHTBClass      PolicyKind = "htb_class"
	KindNetemDelay    PolicyKind = "netem_delay"
	KindPriorityMark  PolicyKind = "priority_mark"
	KindIPTablesRule  PolicyKind = "iptables_rule"
	KindDeviceControl PolicyKind = "device_control"
	KindMQTTQoS       PolicyKind = "mqtt_qos"
)

// PolicyStatus is the closed set of lifecycle states a Policy passes through.
type PolicyStatus string

const (
	PolicyPending        PolicyStatus = "pending"
	PolicyApplied        PolicyStatus = "applied"
	PolicyPendingDeliver PolicyStatus = "pending_delivery"
	PolicyFailed         PolicyStatus = "failed"
	PolicyRolledBack     PolicyStatus = "rolled_back"
)

// Policy is a single concrete enforceable directive, owned by exactly one Intent.
type Policy struct {
	ID         string         `json:"id"`
	IntentID   string         `json:"intent_id"`
	Plane      Plane          `json:"plane"`
	Kind       PolicyKind     `json:"kind"`
	Target     string         `json:"target"` // "<iface>:<classid>" for data plane, device id for device plane
	Parameters map[string]any `json:"parameters"`
	Priority   int            `json:"priority"`
	Status     PolicyStatus   `json:"status"`
	AppliedAt  time.Time      `json:"applied_at,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	Attempts   int            `json:"attempts"`
}

// Key identifies the collision domain used for supersession: (target, kind)
// for most policy kinds, but device_control additionally keys on the
// device-plane template, since the compiler emits KindDeviceControl for
// every device-plane control (audio gain, camera config, enable, reset,
// power saving, security) regardless of intent type. Without the template
// in the key, unrelated controls on the same device would collide and
// incorrectly supersede one another.
func (p Policy) Key() string {
	if p.Kind == KindDeviceControl {
		template, _ := p.Parameters["template"].(string)
		return string(p.Kind) + "\x00" + p.Target + "\x00" + template
	}
	return string(p.Kind) + "\x00" + p.Target
}

// MetricSample is a single observation used by the feedback loop.
// Append-only; the store's PruneMetrics deletes samples older than a
// cutoff, and nothing in the controller calls it automatically.
type MetricSample struct {
	MetricName string    `json:"metric_name"`
	DeviceID   string    `json:"device_id,omitempty"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}
