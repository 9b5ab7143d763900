package errormgr

import (
	"sync"
	"time"
)

// Classifier turns a raw failure value into a Record. It returns ok=false
// when it does not recognize raw, letting the next registered classifier
// try.
type Classifier func(raw interface{}) (Record, bool)

// Manager classifies raw failures via pluggable Classifiers (tried in
// registration order, first match wins) and appends every classified Record
// to a bounded Store.
type Manager struct {
	mu          sync.RWMutex
	classifiers []Classifier
	store       *Store
}

// NewManager builds a Manager with a bounded Store of the given capacity and
// the built-in default classifier (see defaultClassify) as the classifier of
// last resort.
func NewManager(storeCapacity int) *Manager {
	return &Manager{store: NewStore(storeCapacity)}
}

// RegisterClassifier appends fn to the classifier chain. Classifiers
// registered earlier take priority.
func (m *Manager) RegisterClassifier(fn Classifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classifiers = append(m.classifiers, fn)
}

// Classify runs raw through every registered classifier in order, falling
// back to defaultClassify, records the result, and returns it.
func (m *Manager) Classify(raw interface{}, subsystem string) Record {
	m.mu.RLock()
	chain := append([]Classifier(nil), m.classifiers...)
	m.mu.RUnlock()

	for _, c := range chain {
		if rec, ok := c(raw); ok {
			rec.ID = newRecordID()
			rec.Timestamp = time.Now()
			if rec.Subsystem == "" {
				rec.Subsystem = subsystem
			}
			m.store.Append(rec)
			return rec
		}
	}
	rec := defaultClassify(raw)
	rec.ID = newRecordID()
	rec.Timestamp = time.Now()
	rec.Subsystem = subsystem
	m.store.Append(rec)
	return rec
}

// Record appends a pre-built record directly, bypassing classification, for
// callers (MessageRouter, Kernel) that already know the exact Type/Severity
// a structural failure (unroutable, auth_failed, queueFull, ...) requires.
func (m *Manager) Record(rec Record) Record {
	if rec.ID == "" {
		rec.ID = newRecordID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	m.store.Append(rec)
	return rec
}

// QueryRecent delegates to the underlying Store.
func (m *Manager) QueryRecent(filter Filter) []Record { return m.store.QueryRecent(filter) }

// Summarize delegates to the underlying Store.
func (m *Manager) Summarize(limit int) Summary { return m.store.Summarize(limit) }

// defaultClassify is the classifier of last resort: a Go error becomes
// `internal`/error severity, anything else `simple`/info.
func defaultClassify(raw interface{}) Record {
	if err, ok := raw.(error); ok {
		return Record{Type: TypeInternal, Severity: SeverityError, Metadata: map[string]interface{}{"error": err.Error()}}
	}
	return Record{Type: TypeSimple, Severity: SeverityInfo, Metadata: map[string]interface{}{"value": raw}}
}
