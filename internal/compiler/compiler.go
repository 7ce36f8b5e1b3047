// Package compiler lowers parsed intents into concrete enforceable
// policies. Grounded on the original policy engine's per-intent-type
// generation rules, reading defaults from catalog templates instead of a
// hardcoded table.
package compiler

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/edge-ibn/ibnd/internal/catalog"
	"github.com/edge-ibn/ibnd/internal/model"
)

// Priority bands mirror the original engine's fixed priority-by-intent-type
// table: traffic shaping highest, device toggles lowest.
const (
	priorityTrafficShaping = 9
	priorityRoutingMark    = 8
	priorityBandwidth      = 7
	priorityDeviceControl  = 6
	priorityDeviceToggle   = 5
)

// Compiler lowers ParsedIntent values into Policy values, using the
// catalog for device lookup and policy templates.
type Compiler struct {
	catalog *catalog.Catalog
	iface   string
}

// New returns a Compiler that addresses data-plane policies on iface
// (e.g. "eth0").
func New(cat *catalog.Catalog, iface string) *Compiler {
	return &Compiler{catalog: cat, iface: iface}
}

// CompileIntent lowers every clause of one intent submission into policies,
// then rejects the submission outright if two clauses collide on the same
// (target, kind) key with different parameters — a conflict within a
// single submission, never silently resolved by last-write-wins.
func (c *Compiler) CompileIntent(intentID string, parsed []model.ParsedIntent) ([]model.Policy, error) {
	var all []model.Policy
	for _, pi := range parsed {
		policies, err := c.compileClause(intentID, pi)
		if err != nil {
			return nil, err
		}
		all = append(all, policies...)
	}

	byKey := map[string]model.Policy{}
	out := make([]model.Policy, 0, len(all))
	for _, p := range all {
		key := p.Key()
		if prior, ok := byKey[key]; ok {
			if !reflect.DeepEqual(prior.Parameters, p.Parameters) {
				return nil, fmt.Errorf("%w: target %q kind %q: %v vs %v",
					ErrCompileConflict, p.Target, p.Kind, prior.Parameters, p.Parameters)
			}
			continue
		}
		byKey[key] = p
		out = append(out, p)
	}
	return out, nil
}

func (c *Compiler) compileClause(intentID string, pi model.ParsedIntent) ([]model.Policy, error) {
	switch pi.Type {
	case model.TypePriority:
		return c.compilePriority(intentID, pi)
	case model.TypeBandwidth:
		return c.compileBandwidth(intentID, pi)
	case model.TypeLatency:
		return c.compileLatency(intentID, pi)
	case model.TypeQoS:
		return c.compileQoS(intentID, pi)
	case model.TypeSampling:
		return c.compileSampling(intentID, pi)
	case model.TypeAudioGain:
		return c.compileSimpleDeviceControl(intentID, pi, "device_control.audio_gain", priorityDeviceControl)
	case model.TypeCameraConfig:
		return c.compileSimpleDeviceControl(intentID, pi, "device_control.camera_config", priorityDeviceControl)
	case model.TypeEnable:
		return c.compileSimpleDeviceControl(intentID, pi, "device_control.enable", priorityDeviceToggle)
	case model.TypeReset:
		return c.compileSimpleDeviceControl(intentID, pi, "device_control.reset", priorityDeviceToggle)
	case model.TypePowerSaving:
		return c.compileSimpleDeviceControl(intentID, pi, "device_control.power_saving", priorityDeviceToggle)
	case model.TypeSecurity:
		return c.compileSimpleDeviceControl(intentID, pi, "device_control.security", priorityDeviceToggle)
	default:
		return nil, fmt.Errorf("%w: unhandled intent type %q", ErrMissingParameter, pi.Type)
	}
}

// compilePriority mirrors the original engine's two-part lowering: a
// traffic-shaping class per resolved device, plus a single routing-priority
// mark shared by the whole clause.
func (c *Compiler) compilePriority(intentID string, pi model.ParsedIntent) ([]model.Policy, error) {
	var out []model.Policy
	var addresses []string
	for _, deviceID := range pi.Targets {
		dev, err := c.catalog.Lookup(deviceID)
		if err != nil {
			return nil, err
		}
		addresses = append(addresses, dev.Address)
		out = append(out, model.Policy{
			IntentID: intentID,
			Plane:    model.PlaneData,
			Kind:     model.KindHTBClass,
			Target:   c.dataplaneTarget(dev),
			Priority: priorityTrafficShaping,
			Status:   model.PolicyPending,
			Parameters: map[string]any{
				"template": "htb_class.priority",
				"iface":    c.iface,
				"classid":  dev.InterfaceClass,
			},
		})
	}

	out = append(out, model.Policy{
		IntentID: intentID,
		Plane:    model.PlaneData,
		Kind:     model.KindPriorityMark,
		Target:   strings.Join(pi.Targets, ","),
		Priority: priorityRoutingMark,
		Status:   model.PolicyPending,
		Parameters: map[string]any{
			"template":  "priority_mark.priority",
			"targets":   pi.Targets,
			"addresses": addresses,
		},
	})
	return out, nil
}

func (c *Compiler) compileBandwidth(intentID string, pi model.ParsedIntent) ([]model.Policy, error) {
	rateBPS, ok := pi.Parameters["rate_bps"]
	if !ok {
		return nil, fmt.Errorf("%w: bandwidth intent missing rate_bps", ErrMissingParameter)
	}

	var out []model.Policy
	for _, deviceID := range pi.Targets {
		dev, err := c.catalog.Lookup(deviceID)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Policy{
			IntentID: intentID,
			Plane:    model.PlaneData,
			Kind:     model.KindHTBClass,
			Target:   c.dataplaneTarget(dev),
			Priority: priorityBandwidth,
			Status:   model.PolicyPending,
			Parameters: map[string]any{
				"template": "htb_class.bandwidth",
				"iface":    c.iface,
				"classid":  dev.InterfaceClass,
				"rate":     rateBPS,
			},
		})
	}
	return out, nil
}

func (c *Compiler) compileLatency(intentID string, pi model.ParsedIntent) ([]model.Policy, error) {
	maxLatency, ok := pi.Parameters["max_latency_ms"]
	if !ok {
		return nil, fmt.Errorf("%w: latency intent missing max_latency_ms", ErrMissingParameter)
	}

	var out []model.Policy
	for _, deviceID := range pi.Targets {
		dev, err := c.catalog.Lookup(deviceID)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Policy{
			IntentID: intentID,
			Plane:    model.PlaneData,
			Kind:     model.KindNetemDelay,
			Target:   c.dataplaneTarget(dev),
			Priority: priorityTrafficShaping,
			Status:   model.PolicyPending,
			Parameters: map[string]any{
				"template": "netem_delay.latency",
				"iface":    c.iface,
				"classid":  dev.InterfaceClass,
				"delay_ms": maxLatency,
				"queue":    "fq_codel",
			},
		})
	}
	return out, nil
}

func (c *Compiler) compileQoS(intentID string, pi model.ParsedIntent) ([]model.Policy, error) {
	qos, ok := pi.Parameters["qos"]
	if !ok {
		return nil, fmt.Errorf("%w: qos intent missing qos", ErrMissingParameter)
	}

	var out []model.Policy
	for _, deviceID := range pi.Targets {
		if _, err := c.catalog.Lookup(deviceID); err != nil {
			return nil, err
		}
		out = append(out, model.Policy{
			IntentID: intentID,
			Plane:    model.PlaneDevice,
			Kind:     model.KindMQTTQoS,
			Target:   deviceID,
			Priority: priorityDeviceControl,
			Status:   model.PolicyPending,
			Parameters: map[string]any{
				"template":          "device_control.qos",
				"qos":               qos,
				"reliable_delivery": qos != 0,
			},
		})
	}
	return out, nil
}

func (c *Compiler) compileSampling(intentID string, pi model.ParsedIntent) ([]model.Policy, error) {
	seconds, ok := pi.Parameters["interval_seconds"]
	if !ok {
		return nil, fmt.Errorf("%w: sampling intent missing interval_seconds", ErrMissingParameter)
	}

	var out []model.Policy
	for _, deviceID := range pi.Targets {
		dev, err := c.catalog.Lookup(deviceID)
		if err != nil {
			return nil, err
		}
		if dev.HasCapability("co2") {
			secFloat, _ := seconds.(float64)
			out = append(out, model.Policy{
				IntentID: intentID,
				Plane:    model.PlaneDevice,
				Kind:     model.KindDeviceControl,
				Target:   deviceID,
				Priority: priorityDeviceControl,
				Status:   model.PolicyPending,
				Parameters: map[string]any{
					"template":    "device_control.sampling_publish",
					"interval_ms": secFloat * 1000,
				},
			})
			continue
		}
		out = append(out, model.Policy{
			IntentID: intentID,
			Plane:    model.PlaneDevice,
			Kind:     model.KindDeviceControl,
			Target:   deviceID,
			Priority: priorityDeviceControl,
			Status:   model.PolicyPending,
			Parameters: map[string]any{
				"template":         "device_control.sampling",
				"interval_seconds": seconds,
			},
		})
	}
	return out, nil
}

func (c *Compiler) compileSimpleDeviceControl(intentID string, pi model.ParsedIntent, templateKey string, priority int) ([]model.Policy, error) {
	var out []model.Policy
	for _, deviceID := range pi.Targets {
		if _, err := c.catalog.Lookup(deviceID); err != nil {
			return nil, err
		}
		params := map[string]any{"template": templateKey}
		for k, v := range pi.Parameters {
			params[k] = v
		}
		out = append(out, model.Policy{
			IntentID:   intentID,
			Plane:      model.PlaneDevice,
			Kind:       model.KindDeviceControl,
			Target:     deviceID,
			Priority:   priority,
			Status:     model.PolicyPending,
			Parameters: params,
		})
	}
	return out, nil
}

func (c *Compiler) dataplaneTarget(dev model.Device) string {
	return c.iface + ":" + dev.InterfaceClass
}
