// Package rules defines the RuleEngine consumed contract (§4.4 of
// SPEC_FULL.md): conjunctive-pattern queries over a versioned rule base,
// returning (variable, value) row sets. The orchestrator is the only
// consumer of this package; it never inspects rule-base contents beyond
// this query surface.
package rules

import "context"

// Relation names the rule-base relations the orchestrator queries, per
// §4.4.
type Relation string

const (
	NodeType       Relation = "NodeType"
	ServiceName    Relation = "serviceName"
	CanonicalBind  Relation = "canonicalBinding"
	Publishes      Relation = "publishes"
	MeetsCondition Relation = "meetsCondition"
	ActiveService  Relation = "activeService"
	BoundChannel   Relation = "boundChannel"
	DecisionValue  Relation = "DecisionValue"
	Version        Relation = "Version"
)

// Query describes a conjunctive-pattern lookup: find every row of
// Relation whose bound columns (Bindings) match, and return the free
// variables (Vars) for each matching row.
type Query struct {
	Relation Relation
	// Bindings pins specific column values (e.g. "service" -> "svcA").
	Bindings map[string]string
	// Vars lists the free variable names to project out of each matching
	// row, in the order the caller expects them.
	Vars []string
}

// Row is one solution to a Query: a mapping from variable name to its
// bound value for this row.
type Row map[string]string

// Engine is the consumed RuleEngine contract. Implementations must
// support iterating all solutions to a query; rows are returned in
// rule-base declaration order (routing and fork semantics in §4.5 depend
// on row order for XOR tie-breaks and FORK branch-number assignment).
type Engine interface {
	// Query evaluates pattern against the rule base identified by
	// version, returning every matching row.
	Query(ctx context.Context, version string, q Query) ([]Row, error)
}

// OperationLister is an optional capability an Engine may implement:
// enumerate every operation named by a loaded rule base for version.
// `rules/fileengine` implements this directly from its on-disk
// directory layout; it lets a caller validate the whole named
// (service, operation) surface of a rule base eagerly, at load time,
// rather than discovering an unbound operation only when a token
// reaches it.
type OperationLister interface {
	Operations(ctx context.Context, version string) ([]string, error)
}

// ErrVersionNotRegistered reports that version names a rule base that has
// not been loaded/registered. Neither engine in this module returns it.
// The orchestrator's §7 UnknownVersion check uses its configured
// allow-list instead, and it treats any error from a rule-fact Query as
// a RuleLoadFailure.
type ErrVersionNotRegistered struct {
	Version string
}

func (e *ErrVersionNotRegistered) Error() string {
	return "rules: version not registered: " + e.Version
}

// ErrLoadFailure wraps a failure to load/parse a rule base for a version.
// The orchestrator treats this as the §7 RuleLoadFailure error kind: skip
// the message, warn, and do not poison the cache.
type ErrLoadFailure struct {
	Version string
	Cause   error
}

func (e *ErrLoadFailure) Error() string {
	return "rules: failed to load rule base " + e.Version + ": " + e.Cause.Error()
}

func (e *ErrLoadFailure) Unwrap() error { return e.Cause }
