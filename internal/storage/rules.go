package storage

import (
	"context"
	"sync"
	"time"

	"github.com/dharsanguruparan/ScribeDrop/internal/corrections"
)

// MemoryRules holds correction rules per doctor in insertion order.
type MemoryRules struct {
	mu    sync.RWMutex
	rules map[string][]corrections.Rule
	err   error
}

// NewMemoryRules constructs an empty rule source.
func NewMemoryRules() *MemoryRules {
	return &MemoryRules{rules: make(map[string][]corrections.Rule)}
}

// Add appends a rule for doctorID.
func (m *MemoryRules) Add(doctorID string, rule corrections.Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[doctorID] = append(m.rules[doctorID], rule)
}

// AddRule is Add with the repository signature.
func (m *MemoryRules) AddRule(_ context.Context, doctorID string, rule corrections.Rule) error {
	m.Add(doctorID, rule)
	return nil
}

// FailWith makes every ListRules call return err; nil restores normal reads.
func (m *MemoryRules) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// ListRules returns a copy of the doctor's rules. An empty doctor id has no
// rules.
func (m *MemoryRules) ListRules(_ context.Context, doctorID string) ([]corrections.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	if doctorID == "" {
		return nil, nil
	}
	out := make([]corrections.Rule, len(m.rules[doctorID]))
	copy(out, m.rules[doctorID])
	return out, nil
}

// Export is one audited result read.
type Export struct {
	JobID     string
	CreatedAt time.Time
}

// MemoryExports records result reads.
type MemoryExports struct {
	mu      sync.Mutex
	exports []Export
	err     error
}

// NewMemoryExports constructs an empty audit log.
func NewMemoryExports() *MemoryExports {
	return &MemoryExports{}
}

// FailWith makes RecordExport return err.
func (m *MemoryExports) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// RecordExport appends an audit entry.
func (m *MemoryExports) RecordExport(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.exports = append(m.exports, Export{JobID: jobID, CreatedAt: time.Now().UTC()})
	return nil
}

// Exports returns a copy of the audit log.
func (m *MemoryExports) Exports() []Export {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Export, len(m.exports))
	copy(out, m.exports)
	return out
}
