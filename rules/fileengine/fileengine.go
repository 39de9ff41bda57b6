// Package fileengine is a disk-backed rules.Engine: it loads
// RuleFolder.<version>/<operation>/Service.ruleml documents (JSON-encoded
// fact tables, §6.4) and answers conjunctive-pattern queries against them
// using github.com/tidwall/gjson. The rule-base cache is append-only,
// keyed by version, and populated with put-if-absent semantics (§3, §5),
// matching the teacher's rule-base-cache-as-concurrent-map discipline.
package fileengine

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/auroraworks/servicethread/rules"
)

// Engine loads and caches per-version rule bases from a root directory
// laid out as RuleFolder.<version>/<operation>/Service.ruleml (§6.4).
type Engine struct {
	root string

	mu    sync.RWMutex
	cache map[string]*ruleBase // version -> parsed facts, put-if-absent
}

// ruleBase is the parsed content of one version's rule tree: one gjson
// result per operation, keyed by operation name. The .ruleml content is
// opaque beyond the query contract of §4.4; here it is a JSON document
// whose top-level keys are relation names, each holding an array of
// fact rows.
type ruleBase struct {
	perOperation map[string]gjson.Result
}

// New returns a fileengine rooted at root (the directory containing the
// RuleFolder.<version> subdirectories).
func New(root string) *Engine {
	return &Engine{root: root, cache: make(map[string]*ruleBase)}
}

// Query implements rules.Engine. version selects the rule base (loaded
// and cached on first use); q.Relation selects which fact table within
// every operation's document is scanned, since relations such as
// serviceName/canonicalBinding/publishes are keyed by (service,
// operation) at the query layer, not the file layer — the orchestrator
// always supplies q.Bindings["operation"] (and, for cross-service
// relations, q.Bindings["service"]) to disambiguate which operation's
// document to read.
func (e *Engine) Query(ctx context.Context, version string, q rules.Query) ([]rules.Row, error) {
	base, err := e.load(version)
	if err != nil {
		return nil, err
	}

	op := q.Bindings["operation"]
	doc, ok := base.perOperation[op]
	if !ok {
		return nil, nil
	}

	result := doc.Get(string(q.Relation))
	if !result.Exists() {
		return nil, nil
	}

	var rows []rules.Row
	result.ForEach(func(_, value gjson.Result) bool {
		row := make(rules.Row, len(q.Vars))
		for _, v := range q.Vars {
			row[v] = value.Get(v).String()
		}
		for col, want := range q.Bindings {
			if col == "operation" {
				continue
			}
			if value.Get(col).String() != want {
				return true // skip this row, keep iterating
			}
		}
		rows = append(rows, row)
		return true
	})

	return rows, nil
}

// load returns the cached ruleBase for version, parsing it from disk on
// first use. Writes use put-if-absent (a second concurrent loader for
// the same version discards its own parse and reuses whichever finished
// first), matching §3's "cache is append-only" rule.
func (e *Engine) load(version string) (*ruleBase, error) {
	e.mu.RLock()
	if b, ok := e.cache[version]; ok {
		e.mu.RUnlock()
		return b, nil
	}
	e.mu.RUnlock()

	dir := filepath.Join(e.root, "RuleFolder."+version)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &rules.ErrLoadFailure{Version: version, Cause: err}
	}

	base := &ruleBase{perOperation: make(map[string]gjson.Result)}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), "Service.ruleml")
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &rules.ErrLoadFailure{Version: version, Cause: err}
		}
		if !gjson.ValidBytes(data) {
			return nil, &rules.ErrLoadFailure{Version: version, Cause: os.ErrInvalid}
		}
		base.perOperation[entry.Name()] = gjson.ParseBytes(data)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.cache[version]; ok {
		// Another goroutine won the race; keep its parse (put-if-absent).
		return existing, nil
	}
	e.cache[version] = base
	return base, nil
}

// Operations implements rules.OperationLister: it returns every
// operation name discovered under RuleFolder.<version>, loading the
// rule base on first use the same way Query does. Order is whatever
// os.ReadDir returned at load time (directory order), which is fine
// here since operation set membership, not order, is what validation
// needs.
func (e *Engine) Operations(ctx context.Context, version string) ([]string, error) {
	base, err := e.load(version)
	if err != nil {
		return nil, err
	}
	ops := make([]string, 0, len(base.perOperation))
	for op := range base.perOperation {
		ops = append(ops, op)
	}
	return ops, nil
}

// IsRegistered reports whether version has already been loaded into the
// cache. The orchestrator's version filter (§4.2 step 4) does not call
// it; that filter checks only the orchestrator's configured allow-list.
func (e *Engine) IsRegistered(version string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.cache[version]
	return ok
}
