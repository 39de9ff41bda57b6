// Package router implements the Router (§4.5 of SPEC_FULL.md): it
// queries the rule base for publishes/activeService/boundChannel/
// canonicalBinding facts and emits tokens to downstream places,
// supporting EDGE, XOR, FORK, GATEWAY, and TERMINATE semantics.
//
// Publish calls are grounded on the teacher's graph/emit.Emitter
// non-blocking emit contract, generalized here to EventPublisher.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/auroraworks/servicethread/rules"
	"github.com/auroraworks/servicethread/token"
)

// NodeType mirrors the classification the orchestrator derives from the
// rule base in §4.2 step 5.
type NodeType string

const (
	EdgeNode      NodeType = "EdgeNode"
	MergeNode     NodeType = "MergeNode"
	XorNode       NodeType = "XorNode"
	JoinNode      NodeType = "JoinNode"
	XorMergeNode  NodeType = "XorMergeNode"
	ForkNode      NodeType = "ForkNode"
	GatewayNode   NodeType = "GatewayNode"
	TerminateNode NodeType = "TerminateNode"
	FeedFwdNode   NodeType = "FeedFwdNode"
	MonitorNode   NodeType = "MonitorNode"
	Expired       NodeType = "Expired"
)

// EventPublisher is the consumed transport contract the Router emits
// outgoing tokens through (out of scope per §1; only its contract is
// specified here).
type EventPublisher interface {
	Publish(ctx context.Context, channel, port string, tok token.Token) error
}

// ErrRoutingConfig signals a fatal per-token routing error (§7
// RoutingConfigError): a required canonical attribute or destination
// channel could not be resolved. The orchestrator aborts processing of
// this token only, not the orchestrator itself.
type ErrRoutingConfig struct {
	Reason string
}

func (e *ErrRoutingConfig) Error() string { return "router: " + e.Reason }

// Exit describes one outgoing arc firing, used by the caller to record
// EXIT instrumentation (§4.8) with the arc value.
type Exit struct {
	ToService   string
	ToOperation string
	// ArcValue is the decisionValue of the publishes row the exit was
	// routed by (Edge/XOR). Gateway and Fork exits have no publishes row,
	// so their ArcValue is always empty.
	ArcValue string
}

// Fork describes one child token spawned by a ForkNode/GatewayNode FORK
// directive, used to record FORK instrumentation (§4.8).
type Fork struct {
	ChildTokenID int32
	ToService    string
	ToOperation  string
}

// Result is everything the orchestrator needs to record instrumentation
// and measurements after a routing pass.
type Result struct {
	Exits []Exit
	Forks []Fork
	// Terminated is true for TerminateNode (§4.8: "TERMINATE at terminal
	// nodes"); no outgoing publish occurs.
	Terminated bool
}

// Router resolves and publishes outgoing tokens per §4.5.
type Router struct {
	rules     rules.Engine
	publisher EventPublisher

	limiters limiterSet
}

// New creates a Router over the given RuleEngine and EventPublisher.
func New(re rules.Engine, publisher EventPublisher) *Router {
	return &Router{rules: re, publisher: publisher, limiters: newLimiterSet()}
}

// publishRow is one row of the `publishes` relation (§4.4).
type publishRow struct {
	nextService   string
	nextOperation string
	condition     string
	channel       string
	link          string
	port          string
	decisionValue string
}

func (r *Router) publishRows(ctx context.Context, version, service, operation string) ([]publishRow, error) {
	rows, err := r.rules.Query(ctx, version, rules.Query{
		Relation: rules.Publishes,
		Bindings: map[string]string{"service": service, "operation": operation},
		Vars:     []string{"nextService", "nextOperation", "condition", "channel", "link", "port", "decisionValue"},
	})
	if err != nil {
		return nil, err
	}
	out := make([]publishRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, publishRow{
			nextService:   row["nextService"],
			nextOperation: row["nextOperation"],
			condition:     row["condition"],
			channel:       row["channel"],
			link:          row["link"],
			port:          row["port"],
			decisionValue: row["decisionValue"],
		})
	}
	return out, nil
}

// ResolveAttributeName implements §4.5.1: self-feedback uses the
// current operation's canonical input attribute; an external
// destination uses the current operation's canonical return attribute.
func (r *Router) ResolveAttributeName(ctx context.Context, version, currentService, currentOperation, destService, destOperation string) (string, error) {
	selfFeedback := destService == currentService

	var op string
	var wantVar string
	if selfFeedback {
		op, wantVar = currentOperation, "input"
	} else {
		op, wantVar = currentOperation, "returnAttr"
	}

	rows, err := r.rules.Query(ctx, version, rules.Query{
		Relation: rules.CanonicalBind,
		Bindings: map[string]string{"operation": op},
		Vars:     []string{"returnAttr", "input"},
	})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", &ErrRoutingConfig{Reason: fmt.Sprintf("missing canonicalBinding for operation %q", op)}
	}

	val := rows[0][wantVar]
	if val == "" {
		return "", &ErrRoutingConfig{Reason: fmt.Sprintf("canonicalBinding for %q missing %q", op, wantVar)}
	}
	return val, nil
}

// ResolveChannel implements §4.5.2: activeService override takes
// priority over the publishes-provided channel; "ip"-prefixed channel
// names resolve via boundChannel to an address, otherwise the name is
// used as-is. Port is always taken from the same row as the resolved
// channel.
func (r *Router) ResolveChannel(ctx context.Context, version, destService, destOperation, fallbackChannel, fallbackPort string) (address, port string, err error) {
	active, err := r.rules.Query(ctx, version, rules.Query{
		Relation: rules.ActiveService,
		Bindings: map[string]string{"service": destService, "operation": destOperation},
		Vars:     []string{"channelId", "port"},
	})
	if err != nil {
		return "", "", err
	}

	channel, port := fallbackChannel, fallbackPort
	if len(active) > 0 {
		channel, port = active[0]["channelId"], active[0]["port"]
	}

	if strings.HasPrefix(channel, "ip") {
		bound, err := r.rules.Query(ctx, version, rules.Query{
			Relation: rules.BoundChannel,
			Bindings: map[string]string{"channelId": channel},
			Vars:     []string{"address"},
		})
		if err != nil {
			return "", "", err
		}
		if len(bound) == 0 {
			return "", "", &ErrRoutingConfig{Reason: fmt.Sprintf("no boundChannel address for %q", channel)}
		}
		return bound[0]["address"], port, nil
	}

	return channel, port, nil
}

// limiter returns (creating if needed) the rate limiter for a channel,
// used to throttle FORK bursts per destination channel (§4.5 ForkNode
// grounding note).
func (r *Router) limiter(channel string) *rate.Limiter {
	return r.limiters.get(channel)
}

// SetChannelRateLimit configures the outbound rate limit applied to every
// destination channel's publishes (§4.5 ForkNode grounding note: FORK can
// burst many children's EXIT publishes at once).
func (r *Router) SetChannelRateLimit(limit rate.Limit, burst int) {
	r.limiters.SetChannelLimit(limit, burst)
}

func (r *Router) publishOne(ctx context.Context, version string, out token.Token, row publishRow) (Exit, error) {
	address, port, err := r.ResolveChannel(ctx, version, row.nextService, row.nextOperation, row.channel, row.port)
	if err != nil {
		return Exit{}, err
	}

	attrName, err := r.ResolveAttributeName(ctx, version, out.Service.ServiceName, out.Service.Operation, row.nextService, row.nextOperation)
	if err != nil {
		return Exit{}, err
	}

	out.Service.ServiceName = row.nextService
	out.Service.Operation = row.nextOperation
	out.JoinAttribute.AttributeName = attrName

	if lim := r.limiter(address); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return Exit{}, err
		}
	}

	if err := r.publisher.Publish(ctx, address, port, out); err != nil {
		return Exit{}, err
	}

	return Exit{ToService: row.nextService, ToOperation: row.nextOperation, ArcValue: row.decisionValue}, nil
}

// RouteEdge implements EdgeNode/MergeNode: one outgoing arc, the first
// publishes row whose condition holds (§4.5).
func (r *Router) RouteEdge(ctx context.Context, version string, out token.Token, returnAttrValue string) (Result, error) {
	rows, err := r.publishRows(ctx, version, out.Service.ServiceName, out.Service.Operation)
	if err != nil {
		return Result{}, err
	}
	for _, row := range rows {
		if row.condition != "" && row.condition != returnAttrValue {
			continue
		}
		exit, err := r.publishOne(ctx, version, out, row)
		if err != nil {
			return Result{}, err
		}
		return Result{Exits: []Exit{exit}}, nil
	}
	return Result{}, &ErrRoutingConfig{Reason: "EdgeNode: no matching publishes row"}
}

// RouteXor implements XorNode: evaluate guards against the service
// result and publish to exactly one matching branch; ties are broken by
// rule-row order (first match wins, §4.5).
func (r *Router) RouteXor(ctx context.Context, version string, out token.Token, returnAttrValue string) (Result, error) {
	return r.RouteEdge(ctx, version, out, returnAttrValue)
}

// RouteFork implements ForkNode: publish to every service configured in
// meetsCondition; child token id = parentId + branchNumber, branchNumber
// assigned in arc-row order (§4.5).
func (r *Router) RouteFork(ctx context.Context, version string, out token.Token) (Result, error) {
	rows, err := r.rules.Query(ctx, version, rules.Query{
		Relation: rules.MeetsCondition,
		Bindings: map[string]string{"service": out.Service.ServiceName, "operation": out.Service.Operation},
		Vars:     []string{"guardType", "guardValue", "nextService", "nextOperation"},
	})
	if err != nil {
		return Result{}, err
	}

	parent := out.ID()
	var result Result
	for i, row := range rows {
		branch := int32(i + 1)
		childID := token.NewChildID(parent, branch)

		child := out
		child.Header.SequenceID = childID

		pr := publishRow{nextService: row["nextService"], nextOperation: row["nextOperation"]}
		exit, err := r.publishOne(ctx, version, child, pr)
		if err != nil {
			return Result{}, err
		}
		result.Forks = append(result.Forks, Fork{ChildTokenID: childID, ToService: pr.nextService, ToOperation: pr.nextOperation})
		result.Exits = append(result.Exits, exit)
	}
	return result, nil
}

// RouteGateway implements GatewayNode: the service returns a dynamic
// directive "FORK:a,b,..." or "EDGE:a" naming service.operation targets
// directly; the router executes that directive verbatim (§4.5).
func (r *Router) RouteGateway(ctx context.Context, version string, out token.Token, directive string) (Result, error) {
	parts := strings.SplitN(directive, ":", 2)
	if len(parts) != 2 {
		return Result{}, &ErrRoutingConfig{Reason: "GatewayNode: malformed directive " + directive}
	}
	kind, targets := parts[0], strings.Split(parts[1], ",")

	switch kind {
	case "EDGE":
		if len(targets) != 1 {
			return Result{}, &ErrRoutingConfig{Reason: "GatewayNode: EDGE directive must name exactly one target"}
		}
		svc, op, err := splitTarget(targets[0])
		if err != nil {
			return Result{}, err
		}
		pr := publishRow{nextService: svc, nextOperation: op}
		exit, err := r.publishOne(ctx, version, out, pr)
		if err != nil {
			return Result{}, err
		}
		return Result{Exits: []Exit{exit}}, nil

	case "FORK":
		parent := out.ID()
		var result Result
		for i, target := range targets {
			svc, op, err := splitTarget(target)
			if err != nil {
				return Result{}, err
			}
			branch := int32(i + 1)
			childID := token.NewChildID(parent, branch)
			child := out
			child.Header.SequenceID = childID

			pr := publishRow{nextService: svc, nextOperation: op}
			exit, err := r.publishOne(ctx, version, child, pr)
			if err != nil {
				return Result{}, err
			}
			result.Forks = append(result.Forks, Fork{ChildTokenID: childID, ToService: svc, ToOperation: op})
			result.Exits = append(result.Exits, exit)
		}
		return result, nil

	default:
		return Result{}, &ErrRoutingConfig{Reason: "GatewayNode: unknown directive kind " + kind}
	}
}

func splitTarget(target string) (service, operation string, err error) {
	parts := strings.SplitN(target, ".", 2)
	if len(parts) != 2 {
		return "", "", &ErrRoutingConfig{Reason: "malformed gateway target " + target}
	}
	return parts[0], parts[1], nil
}

// RouteTerminate implements TerminateNode: emit TERMINATE instrumentation
// only, no outgoing publish (§4.5, §4.8).
func (r *Router) RouteTerminate() Result {
	return Result{Terminated: true}
}

// limiterSet lazily creates one rate.Limiter per destination channel,
// used to throttle FORK/bulk-EXIT bursts (router grounding note in
// SPEC_FULL.md §4.5). Channels are unthrottled (nil limiter) until
// SetChannelLimit configures a rate for them.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newLimiterSet() limiterSet {
	return limiterSet{limiters: make(map[string]*rate.Limiter)}
}

// SetChannelLimit configures a shared default rate/burst applied to every
// channel's limiter created after this call; it does not affect limiters
// already handed out.
func (l *limiterSet) SetChannelLimit(limit rate.Limit, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit, l.burst = limit, burst
}

func (l *limiterSet) get(channel string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit == 0 {
		return nil
	}
	lim, ok := l.limiters[channel]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[channel] = lim
	}
	return lim
}
