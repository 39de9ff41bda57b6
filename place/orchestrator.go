// Package place implements the Orchestrator (§4.2 of SPEC_FULL.md): the
// per-place event loop that ties the Reactor, JoinCoordinator,
// RuleEngine, Router, ServiceInvoker, Instrumenter, and
// MeasurementsWriter together. Grounded on the teacher's
// graph.Engine[S].Run consumer-loop structure (engine.go), generalized
// from generic Node[S] dispatch to the fixed classification table of
// §4.2 step 7.
package place

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/auroraworks/servicethread/instrument"
	"github.com/auroraworks/servicethread/invoker"
	"github.com/auroraworks/servicethread/join"
	"github.com/auroraworks/servicethread/measurements"
	"github.com/auroraworks/servicethread/reactor"
	"github.com/auroraworks/servicethread/router"
	"github.com/auroraworks/servicethread/rules"
	"github.com/auroraworks/servicethread/token"
)

// Components are the collaborators an Orchestrator is built from,
// mirroring the teacher's graph.New(reducer, store, emitter, opts)
// dependency-injection shape: every out-of-scope contract (§1) is
// supplied by the caller, not constructed internally.
type Components struct {
	Reactor *reactor.Reactor
	Joins   *join.Coordinator
	Rules   rules.Engine
	Invoker *invoker.Registry
	Router  *router.Router
}

// Orchestrator is one Place's event loop (§2, §4.2).
type Orchestrator struct {
	cfg       Config
	myService string

	reactor         *reactor.Reactor
	joins           *join.Coordinator
	rulesEngine     rules.Engine
	invokerRegistry *invoker.Registry
	router          *router.Router

	measurementsStore measurements.Store
	ruleCache         measurements.RuleCache
	instrumenter      instrument.Emitter
	logger            *slog.Logger
	clock             func() time.Time

	facts              *factsCache
	registeredVersions map[string]struct{}
	validatedVersions  *validatedVersionSet

	shuttingDown atomic.Bool
	statsStop    chan struct{}
}

// New builds an Orchestrator from cfg and c, applying opts in order.
func New(cfg Config, c Components, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()

	o := &Orchestrator{
		cfg:                cfg,
		myService:          cfg.ServiceName,
		reactor:            c.Reactor,
		joins:              c.Joins,
		rulesEngine:        c.Rules,
		invokerRegistry:    c.Invoker,
		router:             c.Router,
		logger:             slog.New(slog.NewTextHandler(os.Stderr, nil)),
		clock:              time.Now,
		instrumenter:       nullEmitter{},
		facts:              newFactsCache(),
		registeredVersions: toVersionSet(cfg.RegisteredVersions),
		validatedVersions:  newValidatedVersionSet(),
		statsStop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func toVersionSet(versions []string) map[string]struct{} {
	set := make(map[string]struct{}, len(versions))
	for _, v := range versions {
		set[v] = struct{}{}
	}
	return set
}

// versionRegistered implements the §4.2 step-4 version filter. An empty
// allow-list means no restriction was configured, so every version is
// accepted; a non-empty list is a closed set.
func (o *Orchestrator) versionRegistered(version string) bool {
	if len(o.registeredVersions) == 0 {
		return true
	}
	_, ok := o.registeredVersions[version]
	return ok
}

// Run drives the orchestrator's single consumer loop (§5 "Each Place
// runs one orchestrator event loop") until ctx is cancelled or Shutdown
// is called. It blocks only at Reactor.DequeueToken (§5 suspension
// points).
func (o *Orchestrator) Run(ctx context.Context) error {
	go o.runStats(ctx)

	for {
		if o.shuttingDown.Load() {
			return nil
		}

		tok, bufferSizeAfterDequeue, capacity, err := o.reactor.DequeueToken(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			o.logger.Error("reactor dequeue error", "error", err)
			continue
		}

		o.handleToken(ctx, tok, bufferSizeAfterDequeue, capacity)
	}
}

// Shutdown is idempotent (§5): it stops the periodic stats task and
// clears join-related maps. In-flight service invocations, which run
// synchronously inside handleToken, are allowed to complete because
// Shutdown only sets a flag checked at the next loop head.
func (o *Orchestrator) Shutdown() {
	if !o.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	close(o.statsStop)
	o.joins.Clear()
}

// runStats drives the §5 periodic statistics/reaping task: a sweep over
// every tracked join key to expire ones past deadline, plus a summary
// log line. Grounded on the teacher's Options-driven periodic-check
// pattern, run as a plain ticker goroutine rather than an external cron
// library (see DESIGN.md).
func (o *Orchestrator) runStats(ctx context.Context) {
	interval := time.Duration(o.cfg.StatsIntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.statsStop:
			return
		case <-ticker.C:
			o.sweepExpiredJoins()
		}
	}
}

func (o *Orchestrator) sweepExpiredJoins() {
	now := o.clock()
	var expired int
	for _, key := range o.joins.ReadyKeys() {
		if o.joins.IsExpired(key, now) {
			o.joins.Expire(key)
			o.logger.Warn("join deadline expired", "error", &ErrJoinDeadlineExpired{JoinKey: key})
			expired++
		}
	}
	o.logger.Info("periodic sweep", "expiredJoins", expired, "cachedRuleFacts", o.facts.len())
}

// handleToken implements the §4.2 per-iteration algorithm, steps 1-11.
func (o *Orchestrator) handleToken(ctx context.Context, tok token.Token, bufferSizeAfterDequeue, capacity int) {
	now := o.clock()
	taskArrivalTime := now.UnixMilli()

	// Step 3: address filter (§7 AddressMismatch: drop silently, debug
	// log; property 3: no BUFFERED/ENTER/EXIT emitted for this token).
	if tok.Service.ServiceName != o.myService {
		o.logger.Debug("address mismatch", "want", o.myService, "got", tok.Service.ServiceName, "token", tok.ID())
		return
	}

	// Step 4: version filter (§7 UnknownVersion: drop, warn).
	if !o.versionRegistered(tok.Header.RuleBaseVersion) {
		o.logger.Warn("unknown rule-base version", "error", &ErrUnknownVersion{Version: tok.Header.RuleBaseVersion}, "token", tok.ID())
		return
	}

	// §4.6: the first token naming a given rule-base version triggers an
	// eager validation of every (service, operation) that rule base
	// names against the invoker registry, so an unbound operation fails
	// fast as a WorkflowDefinitionError rather than at the moment some
	// token happens to need it.
	if err := o.ensureRuleBaseValidated(ctx, tok.Header.RuleBaseVersion); err != nil {
		o.logger.Error("workflow definition error", "error", err, "token", tok.ID())
		return
	}

	// Step 5: load/cache rule facts (§7 RuleLoadFailure: skip, warn, do
	// not poison the cache).
	facts, err := o.loadFacts(ctx, tok.Header.RuleBaseVersion, tok.Service.ServiceName, tok.Service.Operation)
	if err != nil {
		o.logger.Warn("rule load failure", "error", err, "token", tok.ID())
		return
	}

	joinKey := token.JoinKey(tok.ID())
	disp := classify(facts)

	// Step 6: BUFFERED always on arrival.
	o.recordEvent(instrument.Event{
		Timestamp:               now.UnixMilli(),
		TokenID:                 tok.ID(),
		PlaceOrTransition:       o.myService,
		EventType:               instrument.Buffered,
		Marking:                 bufferSizeAfterDequeue + 1,
		Buffer:                  bufferSizeAfterDequeue,
		WorkflowStartTime:       tok.MonitorData.ProcessStartTime,
		SourceEventGenerator:    tok.MonitorData.SourceEventGenerator,
		EventGeneratorTimestamp: tok.MonitorData.EventGeneratorTimestamp,
	})

	// Defer ENTER for a join entry's child token until the join fires
	// (§4.2 step 6); every other token gets ENTER immediately.
	deferEnter := token.IsChild(tok.ID()) && disp == caseSynchronized
	if !deferEnter {
		o.recordEnter(tok, now, bufferSizeAfterDequeue)
	}

	switch disp {
	case caseZeroInput, caseAnyof:
		o.invokeAndRoute(ctx, tok, facts, []string{tok.JoinAttribute.AttributeValue}, taskArrivalTime, bufferSizeAfterDequeue, capacity, 0)

	case caseSingleInput:
		want := facts.InputCollection[0]
		if tok.JoinAttribute.AttributeName != want {
			wfErr := &WorkflowDefinitionError{
				Kind:    "WrongAttribute",
				TokenID: tok.ID(),
				JoinKey: joinKey,
				Detail:  fmt.Sprintf("want attribute %q got %q", want, tok.JoinAttribute.AttributeName),
			}
			o.logger.Error("workflow definition error", "error", wfErr)
			o.joins.Expire(joinKey)
			return
		}
		o.invokeAndRoute(ctx, tok, facts, []string{tok.JoinAttribute.AttributeValue}, taskArrivalTime, bufferSizeAfterDequeue, capacity, 0)

	case caseSynchronized:
		o.handleSynchronized(ctx, tok, facts, joinKey, taskArrivalTime, bufferSizeAfterDequeue, capacity, now)

	default: // Invalid
		wfErr := &WorkflowDefinitionError{
			Kind:    "InvalidClassification",
			TokenID: tok.ID(),
			JoinKey: joinKey,
			Detail:  fmt.Sprintf("nodeType=%s inputCollection=%v", facts.NodeType, facts.InputCollection),
		}
		o.logger.Error("workflow definition error", "error", wfErr)
		o.joins.Expire(joinKey)
	}
}

// handleSynchronized implements the Synchronized dispatch case (§4.2
// step 7) plus the §4.3 JoinCoordinator firing procedure.
func (o *Orchestrator) handleSynchronized(ctx context.Context, tok token.Token, facts ruleFacts, joinKey int32, taskArrivalTime int64, bufferSizeAfterDequeue, capacity int, now time.Time) {
	err := o.joins.Contribute(joinKey, tok.ID(), tok.JoinAttribute.AttributeName, tok.JoinAttribute.AttributeValue,
		len(facts.InputCollection), tok.JoinAttribute.NotAfterTime(), tok.MonitorData.ProcessStartTime)
	if err != nil {
		var mismatch *join.ErrArityMismatch
		if errors.As(err, &mismatch) {
			o.logger.Error("workflow definition error", "error", &WorkflowDefinitionError{
				Kind: "ArityMismatch", TokenID: tok.ID(), JoinKey: joinKey, Detail: err.Error(),
			})
			o.joins.Expire(joinKey)
			return
		}
		o.logger.Error("join contribute error", "error", err, "token", tok.ID())
		return
	}

	key, ready, err := o.joins.Scan(now)
	if err != nil {
		if errors.Is(err, join.ErrNoProgress) {
			o.logger.Debug("sequential join blocked on lower key", "token", tok.ID())
			return
		}
		o.logger.Error("join scan error", "error", err)
		return
	}
	if !ready {
		return // waiting for more contributions, or nothing eligible yet
	}

	result, fired, err := o.joins.TryFire(key, facts.InputCollection, now)
	if err != nil {
		o.logger.Error("workflow definition error", "error", &WorkflowDefinitionError{
			Kind: "MissingSlot", TokenID: tok.ID(), JoinKey: key, Detail: err.Error(),
		})
		o.joins.Expire(key)
		return
	}
	if !fired {
		return
	}

	for _, consumedID := range result.ConsumedBranchIDs {
		o.recordEvent(instrument.Event{
			TokenID:           consumedID,
			PlaceOrTransition: o.myService,
			EventType:         instrument.JoinConsumed,
			WorkflowStartTime: result.WorkflowStartTime,
		})
	}

	args := make([]string, len(facts.InputCollection))
	for i, slot := range facts.InputCollection {
		args[i] = result.Args[slot]
	}

	continuing := tok
	continuing.Header.SequenceID = result.SurvivingTokenID
	continuing.MonitorData.ProcessStartTime = result.WorkflowStartTime

	o.recordEnter(continuing, now, bufferSizeAfterDequeue)

	o.invokeAndRoute(ctx, continuing, facts, args, taskArrivalTime, bufferSizeAfterDequeue, capacity, result.WorkflowStartTime)
}

// invokeAndRoute implements §4.2 steps 9-11: invoke the bound service,
// route its output, record EXIT/FORK/TERMINATE, and write a measurement
// row. orchestratorWorkflowStartTime is the join-derived start time when
// known (0 otherwise, letting MeasurementsWriter fall back to monitor
// data per §4.7).
func (o *Orchestrator) invokeAndRoute(ctx context.Context, tok token.Token, facts ruleFacts, args []string, taskArrivalTime int64, bufferSizeAfterDequeue, capacity int, orchestratorWorkflowStartTime int64) {
	invocationTime := o.clock().UnixMilli()

	result, err := o.invokerRegistry.Invoke(ctx, strconv.Itoa(int(tok.ID())), tok.Service.ServiceName, tok.Service.Operation,
		args, facts.ReturnAttributeName, tok.Header.RuleBaseVersion)
	if err != nil {
		// §7 InvocationFailure: log; do not publish; do not retry at
		// this layer.
		o.logger.Error("invocation failure", "error", &ErrInvocationFailure{Cause: err}, "token", tok.ID())
		return
	}

	out := tok
	out.JoinAttribute.AttributeValue = result.ReturnAttributeValue

	routed, err := o.route(ctx, facts.NodeType, out, result.ReturnAttributeValue)
	if err != nil {
		// §7 RoutingConfigError: fatal per-token, abort this token only.
		o.logger.Error("routing config error", "error", &RoutingConfigError{Cause: err}, "token", tok.ID())
		return
	}
	publishTime := o.clock().UnixMilli()

	for _, fork := range routed.Forks {
		o.recordEvent(instrument.Event{
			TokenID:           tok.ID(),
			PlaceOrTransition: o.myService,
			EventType:         instrument.Fork,
			ToPlace:           fork.ToService + "." + fork.ToOperation,
			TransitionID:      strconv.Itoa(int(fork.ChildTokenID)),
		})
	}
	for _, exit := range routed.Exits {
		o.recordEvent(instrument.Event{
			TokenID:           tok.ID(),
			PlaceOrTransition: o.myService,
			EventType:         instrument.Exit,
			ToPlace:           exit.ToService + "." + exit.ToOperation,
			ArcValue:          exit.ArcValue,
		})
	}
	if routed.Terminated {
		o.recordEvent(instrument.Event{
			TokenID:           tok.ID(),
			PlaceOrTransition: o.myService,
			EventType:         instrument.Terminate,
		})
	}

	if o.measurementsStore != nil && o.cfg.MonitorIncomingEvents && tok.Header.MonitorIncomingEvents {
		row := measurements.NewRow(tok.ID(), tok.Service.ServiceName, tok.Service.Operation,
			tok.MonitorData.EventArrivalTime, taskArrivalTime, invocationTime, publishTime,
			orchestratorWorkflowStartTime, tok.MonitorData.ProcessStartTime,
			bufferSizeAfterDequeue, capacity)
		if err := o.measurementsStore.WriteRow(ctx, row); err != nil {
			o.logger.Error("measurement write failure", "error", err, "token", tok.ID())
		}
	}
}

// route dispatches to the Router method matching nodeType (§4.5).
// JoinNode/MergeNode/FeedFwdNode behave as single-arc pass-through once
// a token reaches this point (JoinNode has already synchronized its
// inputs by the time routing runs); XorMergeNode behaves as XorNode;
// MonitorNode is an observation sink with no outgoing publish, distinct
// from TerminateNode's TERMINATE instrumentation; Expired and any
// unrecognized nodeType route to nothing (the token is left to age out).
// Classification rejects an unrecognized nodeType only on the
// single-input path; zero-input, anyof and synchronized tokens of such a
// node are still invoked before they reach this point.
func (o *Orchestrator) route(ctx context.Context, nt router.NodeType, out token.Token, returnAttrValue string) (router.Result, error) {
	version := out.Header.RuleBaseVersion
	switch nt {
	case router.EdgeNode, router.MergeNode, router.JoinNode, router.FeedFwdNode:
		return o.router.RouteEdge(ctx, version, out, returnAttrValue)
	case router.XorNode, router.XorMergeNode:
		return o.router.RouteXor(ctx, version, out, returnAttrValue)
	case router.ForkNode:
		return o.router.RouteFork(ctx, version, out)
	case router.GatewayNode:
		return o.router.RouteGateway(ctx, version, out, returnAttrValue)
	case router.TerminateNode:
		return o.router.RouteTerminate(), nil
	case router.MonitorNode:
		return router.Result{}, nil
	default:
		return router.Result{}, nil
	}
}

func (o *Orchestrator) recordEnter(tok token.Token, now time.Time, bufferSizeAfterDequeue int) {
	o.recordEvent(instrument.Event{
		Timestamp:               now.UnixMilli(),
		TokenID:                 tok.ID(),
		PlaceOrTransition:       o.myService,
		EventType:               instrument.Enter,
		Marking:                 bufferSizeAfterDequeue + 1,
		Buffer:                  bufferSizeAfterDequeue,
		WorkflowStartTime:       tok.MonitorData.ProcessStartTime,
		SourceEventGenerator:    tok.MonitorData.SourceEventGenerator,
		EventGeneratorTimestamp: tok.MonitorData.EventGeneratorTimestamp,
	})
}

func (o *Orchestrator) recordEvent(e instrument.Event) {
	if e.Timestamp == 0 {
		e.Timestamp = o.clock().UnixMilli()
	}
	o.instrumenter.Emit(e)
}

func (c *factsCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.table)
}
