// Package invoker defines the ServiceInvoker consumed contract (§4.6 of
// SPEC_FULL.md) and the registry-based dispatch that replaces the
// reflection-based invocation the original called out for
// re-architecture (§9): a map from (service, operation) to a function
// value, built once at startup, with no dynamic class lookup.
package invoker

import (
	"context"
	"fmt"
)

// Result is what invoke(...) returns to the orchestrator (§4.6).
type Result struct {
	// ReturnAttributeValue is the value the orchestrator routes on
	// (XOR guards, Gateway directives read this).
	ReturnAttributeValue string
}

// Func is one bound service operation's business logic. args are
// supplied in canonical order (per canonicalBinding's inputCollection);
// returnAttrName is the attribute this operation is expected to
// produce, passed through for invokers that need it (e.g. to tag their
// output).
type Func func(ctx context.Context, tokenIDStr string, args []string, returnAttrName string, ruleBaseVersion string) (Result, error)

// Key identifies one bound operation in the Registry.
type Key struct {
	Service   string
	Operation string
}

// Registry is the ServiceInvoker: a (service, operation) -> Func map
// built at startup. It implements the consumed-contract Invoke method
// the orchestrator calls; there is no reflection or dynamic lookup by
// name anywhere in this path (§9).
type Registry struct {
	funcs map[Key]Func
}

// NewRegistry returns an empty Registry; use Bind to populate it.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[Key]Func)}
}

// Bind registers fn as the business logic for (service, operation).
// Binding happens at startup/rule-load time, not at invocation time —
// see §4.6 grounding note: an operation named anywhere in a loaded rule
// base is resolved against the registry before any token reaches it, so
// an unbound operation fails fast rather than at the moment of
// invocation.
func (r *Registry) Bind(service, operation string, fn Func) {
	r.funcs[Key{Service: service, Operation: operation}] = fn
}

// ErrUnbound is returned when a (service, operation) pair has no
// registered Func. The orchestrator treats this as a
// WorkflowDefinitionError at rule-load time (§9, §4.6).
type ErrUnbound struct {
	Service   string
	Operation string
}

func (e *ErrUnbound) Error() string {
	return fmt.Sprintf("invoker: no service bound for %s.%s", e.Service, e.Operation)
}

// Lookup returns the Func bound to (service, operation), or ErrUnbound.
// ValidateAll calls it once per operation of a loaded rule base (eager
// validation, §4.6 grounding note), and Invoke calls it again on every
// invocation.
func (r *Registry) Lookup(service, operation string) (Func, error) {
	fn, ok := r.funcs[Key{Service: service, Operation: operation}]
	if !ok {
		return Func(nil), &ErrUnbound{Service: service, Operation: operation}
	}
	return fn, nil
}

// Invoke implements the ServiceInvoker consumed contract (§4.6):
// invoke(tokenIdStr, fullyQualifiedServiceName, operation,
// argsInCanonicalOrder, returnAttrName, ruleBaseVersion) -> ServiceResult.
// It is synchronous from the orchestrator's view; the orchestrator
// records wall-clock timestamps around this call.
func (r *Registry) Invoke(ctx context.Context, tokenIDStr, service, operation string, args []string, returnAttrName, ruleBaseVersion string) (Result, error) {
	fn, err := r.Lookup(service, operation)
	if err != nil {
		return Result{}, err
	}
	return fn(ctx, tokenIDStr, args, returnAttrName, ruleBaseVersion)
}

// ValidateAll checks that every (service, operation) pair named in
// required is bound, returning the first ErrUnbound encountered. Called
// once per rule-base load per the two-phase parse-then-validate pattern
// (§4.6 grounding note): the whole operation graph named by a rule base
// is checked before any token for that version is processed.
func (r *Registry) ValidateAll(required []Key) error {
	for _, k := range required {
		if _, err := r.Lookup(k.Service, k.Operation); err != nil {
			return err
		}
	}
	return nil
}
