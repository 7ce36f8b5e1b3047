// Package store persists intents, policies, metric samples, and audit
// history. Grounded on the teacher's bolt-backed device store: one bucket
// per entity, JSON-encoded values, secondary-index buckets maintained in
// the same transaction as the record they index.
package store

import (
	"time"

	"github.com/edge-ibn/ibnd/internal/model"
)

// Store is the durable backing for the controller's state. Implementations
// must be safe for concurrent use; callers that need cross-record
// invariants (e.g. the single-writer submission order) serialize at a
// higher layer and rely on Store only for atomicity of each call.
type Store interface {
	PutIntent(i model.Intent) error
	GetIntent(id string) (model.Intent, error)
	ListIntents() ([]model.Intent, error)
	UpdateIntent(id string, fn func(*model.Intent) error) error

	PutPolicies(policies []model.Policy) error
	PutIntentWithPolicies(i model.Intent, policies []model.Policy) error
	GetPolicy(id string) (model.Policy, error)
	ListPolicies() ([]model.Policy, error)
	ListPoliciesByIntent(intentID string) ([]model.Policy, error)
	ListPoliciesByPlane(plane model.Plane) ([]model.Policy, error)
	FindPolicyByKey(key string) (model.Policy, bool, error)
	UpdatePolicy(id string, fn func(*model.Policy) error) error

	SupersedeIntents(newIntentID string, intentIDs []string) error

	AppendAudit(e model.AuditEntry) error
	ListAudit(intentID string) ([]model.AuditEntry, error)

	AppendMetric(m model.MetricSample) error
	ListMetrics(deviceID, metricName string, since time.Time) ([]model.MetricSample, error)
	PruneMetrics(before time.Time) error

	Close() error
}
