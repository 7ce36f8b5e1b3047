package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/edge-ibn/ibnd/internal/model"
)

var (
	bucketIntents        = []byte("intents")
	bucketPolicies       = []byte("policies")
	bucketPolicyByIntent = []byte("policy_by_intent")
	bucketPolicyByKey    = []byte("policy_by_key")
	bucketAudit          = []byte("audit_log")
	bucketMetrics        = []byte("metrics_history")
)

var allBuckets = [][]byte{
	bucketIntents, bucketPolicies, bucketPolicyByIntent,
	bucketPolicyByKey, bucketAudit, bucketMetrics,
}

// BoltStore is a Store backed by an embedded bbolt database file.
type BoltStore struct {
	db *bbolt.DB
}

// Open opens (creating if needed) the bbolt database at path and ensures
// every bucket this package uses exists.
func Open(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) PutIntent(i model.Intent) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketIntents), []byte(i.ID), i)
	})
}

func (s *BoltStore) GetIntent(id string) (model.Intent, error) {
	var out model.Intent
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketIntents), []byte(id), &out)
	})
	return out, err
}

func (s *BoltStore) ListIntents() ([]model.Intent, error) {
	var out []model.Intent
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIntents).ForEach(func(_, v []byte) error {
			var i model.Intent
			if err := json.Unmarshal(v, &i); err != nil {
				return err
			}
			out = append(out, i)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateIntent(id string, fn func(*model.Intent) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketIntents)
		var i model.Intent
		if err := getJSON(b, []byte(id), &i); err != nil {
			return err
		}
		if err := fn(&i); err != nil {
			return err
		}
		return putJSON(b, []byte(id), i)
	})
}

func (s *BoltStore) PutPolicies(policies []model.Policy) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putPolicies(tx, policies)
	})
}

// PutIntentWithPolicies persists an intent and its policies (plus the
// policy_by_intent/policy_by_key indexes) in one transaction, so a crash or
// error partway through never leaves an intent with no policies, or a
// policy-by-key pointer aimed at a policy that was never written.
func (s *BoltStore) PutIntentWithPolicies(i model.Intent, policies []model.Policy) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx.Bucket(bucketIntents), []byte(i.ID), i); err != nil {
			return err
		}
		return putPolicies(tx, policies)
	})
}

func putPolicies(tx *bbolt.Tx, policies []model.Policy) error {
	pb := tx.Bucket(bucketPolicies)
	byIntent := tx.Bucket(bucketPolicyByIntent)
	byKey := tx.Bucket(bucketPolicyByKey)
	for _, p := range policies {
		if err := putJSON(pb, []byte(p.ID), p); err != nil {
			return err
		}
		if err := addToIndex(byIntent, []byte(p.IntentID), p.ID); err != nil {
			return err
		}
		if err := byKey.Put([]byte(p.Key()), []byte(p.ID)); err != nil {
			return err
		}
	}
	return nil
}

// SupersedeIntents marks every intent in intentIDs superseded by
// newIntentID and appends its audit entry, all in one transaction, so the
// status set and the audit trail never diverge on a partial failure.
// Intents already superseded, or no longer present, are skipped.
func (s *BoltStore) SupersedeIntents(newIntentID string, intentIDs []string) error {
	if len(intentIDs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		intents := tx.Bucket(bucketIntents)
		audit := tx.Bucket(bucketAudit)
		for _, id := range intentIDs {
			var i model.Intent
			if err := getJSON(intents, []byte(id), &i); err != nil {
				if err == ErrNotFound {
					continue
				}
				return err
			}
			if i.Status == model.StatusSuperseded {
				continue
			}
			from := i.Status
			now := time.Now()
			i.Status = model.StatusSuperseded
			i.UpdatedAt = now
			if err := putJSON(intents, []byte(id), i); err != nil {
				return err
			}
			seq, err := audit.NextSequence()
			if err != nil {
				return err
			}
			entry := model.AuditEntry{
				IntentID: id, FromStatus: from, ToStatus: model.StatusSuperseded,
				At: now, Actor: "core", Detail: "superseded by " + newIntentID,
			}
			if err := putJSON(audit, auditKey(id, now, seq), entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetPolicy(id string) (model.Policy, error) {
	var out model.Policy
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketPolicies), []byte(id), &out)
	})
	return out, err
}

func (s *BoltStore) ListPolicies() ([]model.Policy, error) {
	var out []model.Policy
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPolicies).ForEach(func(_, v []byte) error {
			var p model.Policy
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListPoliciesByIntent(intentID string) ([]model.Policy, error) {
	var out []model.Policy
	err := s.db.View(func(tx *bbolt.Tx) error {
		ids, err := readIndex(tx.Bucket(bucketPolicyByIntent), []byte(intentID))
		if err != nil {
			return err
		}
		pb := tx.Bucket(bucketPolicies)
		for _, id := range ids {
			var p model.Policy
			if err := getJSON(pb, []byte(id), &p); err != nil {
				if err == ErrNotFound {
					continue
				}
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ListPoliciesByPlane(plane model.Plane) ([]model.Policy, error) {
	all, err := s.ListPolicies()
	if err != nil {
		return nil, err
	}
	out := make([]model.Policy, 0, len(all))
	for _, p := range all {
		if p.Plane == plane {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *BoltStore) FindPolicyByKey(key string) (model.Policy, bool, error) {
	var out model.Policy
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketPolicyByKey).Get([]byte(key))
		if id == nil {
			return nil
		}
		if err := getJSON(tx.Bucket(bucketPolicies), id, &out); err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		found = true
		return nil
	})
	return out, found, err
}

func (s *BoltStore) UpdatePolicy(id string, fn func(*model.Policy) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPolicies)
		var p model.Policy
		if err := getJSON(b, []byte(id), &p); err != nil {
			return err
		}
		if err := fn(&p); err != nil {
			return err
		}
		return putJSON(b, []byte(id), p)
	})
}

func (s *BoltStore) AppendAudit(e model.AuditEntry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := auditKey(e.IntentID, e.At, seq)
		return putJSON(b, key, e)
	})
}

func (s *BoltStore) ListAudit(intentID string) ([]model.AuditEntry, error) {
	var out []model.AuditEntry
	prefix := []byte(intentID + "\x00")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var e model.AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) AppendMetric(m model.MetricSample) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMetrics)
		key := metricKey(m.DeviceID, m.MetricName, m.Timestamp)
		return putJSON(b, key, m)
	})
}

func (s *BoltStore) ListMetrics(deviceID, metricName string, since time.Time) ([]model.MetricSample, error) {
	var out []model.MetricSample
	prefix := []byte(deviceID + "\x00" + metricName + "\x00")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketMetrics).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var m model.MetricSample
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.Timestamp.Before(since) {
				continue
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) PruneMetrics(before time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMetrics)
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m model.MetricSample
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.Timestamp.Before(before) {
				stale = append(stale, append([]byte{}, k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(b *bbolt.Bucket, key []byte, out any) error {
	data := b.Get(key)
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, out)
}

// addToIndex appends id to the JSON-array index value stored under key,
// if not already present.
func addToIndex(b *bbolt.Bucket, key []byte, id string) error {
	var ids []string
	if existing := b.Get(key); existing != nil {
		if err := json.Unmarshal(existing, &ids); err != nil {
			return err
		}
	}
	for _, have := range ids {
		if have == id {
			return nil
		}
	}
	ids = append(ids, id)
	return putJSON(b, key, ids)
}

func readIndex(b *bbolt.Bucket, key []byte) ([]string, error) {
	var ids []string
	if existing := b.Get(key); existing != nil {
		if err := json.Unmarshal(existing, &ids); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func auditKey(intentID string, at time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s\x00%019d\x00%020d", intentID, at.UnixNano(), seq))
}

func metricKey(deviceID, metricName string, at time.Time) []byte {
	return []byte(fmt.Sprintf("%s\x00%s\x00%019d", deviceID, metricName, at.UnixNano()))
}
