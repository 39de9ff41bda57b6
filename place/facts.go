package place

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/auroraworks/servicethread/invoker"
	"github.com/auroraworks/servicethread/router"
	"github.com/auroraworks/servicethread/rules"
)

// ruleFacts is the per-(version, service, operation) classification
// derived from the rule base in §4.2 step 5: nodeType, the ordered
// canonical input-slot names, and the attribute this operation
// produces.
type ruleFacts struct {
	NodeType            router.NodeType `json:"nodeType"`
	InputCollection     []string        `json:"inputCollection"`
	ReturnAttributeName string          `json:"returnAttributeName"`
}

type factsKey struct {
	version, service, operation string
}

// cacheKey flattens a factsKey into the opaque string key a
// measurements.RuleCache persists under. It is version-scoped but not
// version-only: this orchestrator's facts cache is keyed per
// (version, service, operation), so the persisted key carries the same
// granularity rather than trying to serialize one whole rule base as a
// single blob.
func (k factsKey) cacheKey() string {
	return k.version + "/" + k.service + "/" + k.operation
}

// factsCache is the rule-base-derived classification cache (§3
// "Rule-base contents are cached per ruleBaseVersion"), grounded on
// graph/store.Store[S]'s checkpoint-cache put-if-absent discipline.
type factsCache struct {
	mu    sync.RWMutex
	table map[factsKey]ruleFacts
}

func newFactsCache() *factsCache {
	return &factsCache{table: make(map[factsKey]ruleFacts)}
}

func (c *factsCache) get(k factsKey) (ruleFacts, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.table[k]
	return f, ok
}

func (c *factsCache) putIfAbsent(k factsKey, f ruleFacts) ruleFacts {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.table[k]; ok {
		return existing
	}
	c.table[k] = f
	return f
}

// loadFacts returns the cached classification for (version, service,
// operation), querying the rule engine and caching the result on first
// use. A version whose rule base fails to load surfaces as
// ErrRuleLoadFailure (§7): the caller skips the message and warns
// without poisoning the cache.
func (o *Orchestrator) loadFacts(ctx context.Context, version, service, operation string) (ruleFacts, error) {
	key := factsKey{version: version, service: service, operation: operation}
	if f, ok := o.facts.get(key); ok {
		return f, nil
	}

	if f, ok := o.warmFromRuleCache(ctx, key); ok {
		return f, nil
	}

	nodeTypeRows, err := o.rulesEngine.Query(ctx, version, rules.Query{
		Relation: rules.NodeType,
		Bindings: map[string]string{"service": service, "operation": operation},
		Vars:     []string{"nodeType"},
	})
	if err != nil {
		return ruleFacts{}, &ErrRuleLoadFailure{Cause: err}
	}
	if len(nodeTypeRows) == 0 {
		return ruleFacts{}, &ErrRuleLoadFailure{Cause: errUnknownNodeType(service, operation)}
	}

	bindingRows, err := o.rulesEngine.Query(ctx, version, rules.Query{
		Relation: rules.CanonicalBind,
		Bindings: map[string]string{"operation": operation},
		Vars:     []string{"returnAttr", "input"},
	})
	if err != nil {
		return ruleFacts{}, &ErrRuleLoadFailure{Cause: err}
	}

	var inputCollection []string
	var returnAttr string
	for _, row := range bindingRows {
		inputCollection = append(inputCollection, row["input"])
		if row["returnAttr"] != "" {
			returnAttr = row["returnAttr"]
		}
	}

	facts := ruleFacts{
		NodeType:            router.NodeType(nodeTypeRows[0]["nodeType"]),
		InputCollection:     inputCollection,
		ReturnAttributeName: returnAttr,
	}
	cached := o.facts.putIfAbsent(key, facts)
	o.saveToRuleCache(ctx, key, cached)
	return cached, nil
}

// warmFromRuleCache consults the configured measurements.RuleCache (if
// any) for a previously-persisted classification of key, so a restarted
// Place does not need to re-parse the rule base's .ruleml documents for
// facts it has already derived once (§3, §4.7 "a restarted Place does
// not need to re-parse .ruleml files it has already seen").
func (o *Orchestrator) warmFromRuleCache(ctx context.Context, key factsKey) (ruleFacts, bool) {
	if o.ruleCache == nil {
		return ruleFacts{}, false
	}
	data, found, err := o.ruleCache.LoadParsedRuleBase(ctx, key.cacheKey())
	if err != nil || !found {
		return ruleFacts{}, false
	}
	var warm ruleFacts
	if err := json.Unmarshal(data, &warm); err != nil {
		return ruleFacts{}, false
	}
	return o.facts.putIfAbsent(key, warm), true
}

// saveToRuleCache persists a freshly-derived classification so a future
// restart can warm from it via warmFromRuleCache. Failures are not fatal
// to the calling token: the cache is a performance optimization, not a
// source of truth.
func (o *Orchestrator) saveToRuleCache(ctx context.Context, key factsKey, facts ruleFacts) {
	if o.ruleCache == nil {
		return
	}
	data, err := json.Marshal(facts)
	if err != nil {
		return
	}
	if err := o.ruleCache.SaveParsedRuleBase(ctx, key.cacheKey(), data); err != nil {
		o.logger.Warn("rule cache save failed", "error", err, "version", key.version, "service", key.service, "operation", key.operation)
	}
}

// ensureRuleBaseValidated implements the §4.6 grounding note's eager
// validation: the first time a token names a rule-base version, every
// (service, operation) the rule base names is resolved against the
// invoker registry before any token for that version is dispatched, so
// an unbound operation surfaces as a WorkflowDefinitionError at
// rule-load time rather than as a generic invocation failure the first
// time a token happens to reach it. Requires the configured rules.Engine
// to implement rules.OperationLister (fileengine does; mockengine does
// not, since its rows are not scoped per-operation) — engines that
// cannot list their own operations skip this check entirely rather than
// failing closed.
func (o *Orchestrator) ensureRuleBaseValidated(ctx context.Context, version string) error {
	lister, ok := o.rulesEngine.(rules.OperationLister)
	if !ok {
		return nil
	}

	if err, done := o.validatedVersions.get(version); done {
		return err
	}

	err := o.validateRuleBase(ctx, lister, version)
	o.validatedVersions.put(version, err)
	return err
}

func (o *Orchestrator) validateRuleBase(ctx context.Context, lister rules.OperationLister, version string) error {
	operations, err := lister.Operations(ctx, version)
	if err != nil {
		// Load failure is handled by the ordinary loadFacts path per
		// token; do not duplicate that policy here.
		return nil
	}

	required := make([]invoker.Key, 0, len(operations))
	for _, op := range operations {
		rows, err := o.rulesEngine.Query(ctx, version, rules.Query{
			Relation: rules.ServiceName,
			Bindings: map[string]string{"operation": op},
			Vars:     []string{"service"},
		})
		if err != nil || len(rows) == 0 || rows[0]["service"] == "" {
			continue
		}
		required = append(required, invoker.Key{Service: rows[0]["service"], Operation: op})
	}

	if err := o.invokerRegistry.ValidateAll(required); err != nil {
		return &WorkflowDefinitionError{
			Kind:   "UnboundOperation",
			Detail: fmt.Sprintf("rule base version %s: %v", version, err),
		}
	}
	return nil
}

// validatedVersionSet records, per rule-base version, the outcome of
// ensureRuleBaseValidated's one-time check.
type validatedVersionSet struct {
	mu      sync.Mutex
	checked map[string]error
}

func newValidatedVersionSet() *validatedVersionSet {
	return &validatedVersionSet{checked: make(map[string]error)}
}

func (v *validatedVersionSet) get(version string) (error, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	err, done := v.checked[version]
	return err, done
}

func (v *validatedVersionSet) put(version string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.checked[version] = err
}

// dispatchCase names the §4.2 step-7 classification table rows.
type dispatchCase int

const (
	caseInvalid dispatchCase = iota
	caseZeroInput
	caseAnyof
	caseSingleInput
	caseSynchronized
)

// classify implements the §4.2 step-7 dispatch table exactly.
func classify(f ruleFacts) dispatchCase {
	ic := f.InputCollection
	switch {
	case len(ic) == 1 && ic[0] == "null":
		return caseZeroInput
	case len(ic) == 1 && ic[0] == "anyof":
		return caseAnyof
	case len(ic) == 1 && isSingleInputNode(f.NodeType):
		return caseSingleInput
	case len(ic) >= 2:
		return caseSynchronized
	default:
		return caseInvalid
	}
}

func isSingleInputNode(nt router.NodeType) bool {
	switch nt {
	case router.EdgeNode, router.TerminateNode, router.GatewayNode:
		return true
	default:
		return false
	}
}

type unknownNodeTypeError struct {
	service, operation string
}

func (e *unknownNodeTypeError) Error() string {
	return "place: no NodeType fact for " + e.service + "." + e.operation
}

func errUnknownNodeType(service, operation string) error {
	return &unknownNodeTypeError{service: service, operation: operation}
}
