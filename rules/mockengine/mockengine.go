// Package mockengine is an in-memory rules.Engine used by tests to pin
// exact rule-base shapes without touching disk, grounded on the teacher's
// MockChatModel test-double pattern (graph/model/mock.go): a struct
// pre-loaded with canned rows plus call history for assertions.
package mockengine

import (
	"context"
	"sync"

	"github.com/auroraworks/servicethread/rules"
)

// key identifies one (version, relation) bucket of pre-loaded rows.
type key struct {
	version  string
	relation rules.Relation
}

// Engine is a test double for rules.Engine. Rows are registered with Add
// and returned (in insertion order) for a Query against the matching
// (version, relation), narrowed only by the loose Bindings check
// described on Query, mirroring the teacher's "respond with what was
// configured" mock philosophy rather than re-implementing full pattern
// matching in the test double.
type Engine struct {
	mu   sync.Mutex
	rows map[key][]rules.Row

	// Calls records every Query invocation for assertions.
	Calls []rules.Query

	// Err, if set, is returned by every Query call instead of rows.
	Err error
}

// New returns an empty mock Engine.
func New() *Engine {
	return &Engine{rows: make(map[key][]rules.Row)}
}

// Add registers rows for a (version, relation) pair, in the order a test
// wants them returned (row order matters for XOR tie-break and FORK
// branch-number assignment per §4.5).
func (e *Engine) Add(version string, relation rules.Relation, rows ...rules.Row) {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := key{version: version, relation: relation}
	e.rows[k] = append(e.rows[k], rows...)
}

// Query implements rules.Engine. It filters the registered rows for
// (version, relation) by q.Bindings (exact match on every bound column
// the row actually declares; a binding naming a column the row never
// set is not constraining — tests register only the columns a scenario
// cares about, the same way fileengine's per-operation document scoping
// already narrows most bindings before the per-row check runs) and
// returns each matching row whole, preserving registration order; q.Vars
// is not used to project the rows.
func (e *Engine) Query(ctx context.Context, version string, q rules.Query) ([]rules.Row, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.Calls = append(e.Calls, q)

	if e.Err != nil {
		return nil, e.Err
	}

	k := key{version: version, relation: q.Relation}
	var out []rules.Row
	for _, row := range e.rows[k] {
		if !matches(row, q.Bindings) {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func matches(row rules.Row, bindings map[string]string) bool {
	for col, val := range bindings {
		if got, declared := row[col]; declared && got != val {
			return false
		}
	}
	return true
}
