package place

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/auroraworks/servicethread/instrument/bufferedemitter"
	"github.com/auroraworks/servicethread/invoker"
	"github.com/auroraworks/servicethread/join"
	"github.com/auroraworks/servicethread/reactor"
	"github.com/auroraworks/servicethread/router"
	"github.com/auroraworks/servicethread/rules"
	"github.com/auroraworks/servicethread/rules/mockengine"
	"github.com/auroraworks/servicethread/token"
)

type capturingPublisher struct {
	mu        sync.Mutex
	published []token.Token
}

func (p *capturingPublisher) Publish(ctx context.Context, channel, port string, tok token.Token) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, tok)
	return nil
}

func (p *capturingPublisher) snapshot() []token.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]token.Token(nil), p.published...)
}

// newTestOrchestrator wires a minimal Orchestrator for "X"/"opX" over re
// and pub, with mode m and a fixed deterministic clock.
func newTestOrchestrator(re *mockengine.Engine, pub *capturingPublisher, reg *invoker.Registry, m join.Mode, now time.Time) (*Orchestrator, *reactor.Reactor, *bufferedemitter.Emitter) {
	rct := reactor.New(16)
	jc := join.New(m)
	rtr := router.New(re, pub)
	buf := bufferedemitter.New()

	o := New(
		Config{ServiceName: "X"},
		Components{Reactor: rct, Joins: jc, Rules: re, Invoker: reg, Router: rtr},
		WithClock(func() time.Time { return now }),
		WithInstrumenter(buf),
	)
	return o, rct, buf
}

func tok(id int32, service, op, attrName, attrValue string) token.Token {
	return token.Token{
		Header:        token.Header{SequenceID: id, RuleBaseVersion: "v1"},
		Service:       token.Service{ServiceName: service, Operation: op},
		JoinAttribute: token.JoinAttribute{AttributeName: attrName, AttributeValue: attrValue},
	}
}

// S1: Edge pass-through — single-input EdgeNode invokes and publishes once.
func TestOrchestratorEdgePassThrough(t *testing.T) {
	re := mockengine.New()
	re.Add("v1", rules.NodeType, rules.Row{"nodeType": string(router.EdgeNode)})
	re.Add("v1", rules.CanonicalBind, rules.Row{"returnAttr": "out", "input": "in"})
	re.Add("v1", rules.Publishes, rules.Row{
		"nextService": "Y", "nextOperation": "opY", "condition": "", "channel": "chanY", "port": "9000", "decisionValue": "",
	})

	pub := &capturingPublisher{}
	reg := invoker.NewRegistry()
	var gotArgs []string
	reg.Bind("X", "opX", func(ctx context.Context, tokenIDStr string, args []string, returnAttrName, version string) (invoker.Result, error) {
		gotArgs = args
		return invoker.Result{ReturnAttributeValue: "ok"}, nil
	})

	now := time.UnixMilli(1_000_000)
	o, rct, buf := newTestOrchestrator(re, pub, reg, join.Optimized, now)

	tk := tok(100, "X", "opX", "in", "hello")
	if err := rct.Enqueue(context.Background(), tk); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dequeued, bufSize, capacity, err := rct.DequeueToken(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	o.handleToken(context.Background(), dequeued, bufSize, capacity)

	if len(gotArgs) != 1 || gotArgs[0] != "hello" {
		t.Fatalf("invoker args = %v, want [hello]", gotArgs)
	}
	published := pub.snapshot()
	if len(published) != 1 {
		t.Fatalf("published = %d, want 1", len(published))
	}
	if published[0].Service.ServiceName != "Y" || published[0].Service.Operation != "opY" {
		t.Errorf("routed to %+v, want Y/opY", published[0].Service)
	}

	hist := buf.History(100)
	var sawBuffered, sawEnter, sawExit bool
	for _, e := range hist {
		switch e.EventType {
		case "BUFFERED":
			sawBuffered = true
		case "ENTER":
			sawEnter = true
		case "EXIT":
			sawExit = true
		}
	}
	if !sawBuffered || !sawEnter || !sawExit {
		t.Errorf("history = %+v, want BUFFERED+ENTER+EXIT", hist)
	}
}

// S2: Two-way join, OPTIMIZED mode — both branches arrive, lowest token id
// survives, the join fires exactly once.
func TestOrchestratorTwoWayJoinOptimized(t *testing.T) {
	re := mockengine.New()
	re.Add("v1", rules.NodeType, rules.Row{"nodeType": string(router.JoinNode)})
	re.Add("v1", rules.CanonicalBind,
		rules.Row{"returnAttr": "out", "input": "left"},
		rules.Row{"returnAttr": "out", "input": "right"},
	)
	re.Add("v1", rules.Publishes, rules.Row{
		"nextService": "Y", "nextOperation": "opY", "condition": "", "channel": "chanY", "port": "9000", "decisionValue": "",
	})

	pub := &capturingPublisher{}
	reg := invoker.NewRegistry()
	var invocations int
	reg.Bind("X", "opX", func(ctx context.Context, tokenIDStr string, args []string, returnAttrName, version string) (invoker.Result, error) {
		invocations++
		return invoker.Result{ReturnAttributeValue: "joined"}, nil
	})

	now := time.UnixMilli(1_000_000)
	o, rct, buf := newTestOrchestrator(re, pub, reg, join.Optimized, now)

	future := now.Add(time.Minute)
	left := tok(201, "X", "opX", "left", "L")
	left.JoinAttribute.NotAfter = future.UnixMilli()
	right := tok(202, "X", "opX", "right", "R")
	right.JoinAttribute.NotAfter = future.UnixMilli()

	for _, in := range []token.Token{left, right} {
		if err := rct.Enqueue(context.Background(), in); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		dequeued, bufSize, capacity, err := rct.DequeueToken(context.Background())
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		o.handleToken(context.Background(), dequeued, bufSize, capacity)
	}

	if invocations != 1 {
		t.Fatalf("invocations = %d, want 1 (join should fire once)", invocations)
	}
	published := pub.snapshot()
	if len(published) != 1 {
		t.Fatalf("published = %d, want 1", len(published))
	}

	consumedHist := buf.History(202)
	var sawJoinConsumed bool
	for _, e := range consumedHist {
		if e.EventType == "JOIN_CONSUMED" {
			sawJoinConsumed = true
		}
	}
	if !sawJoinConsumed {
		t.Errorf("expected JOIN_CONSUMED for the non-surviving branch 202")
	}
}

// S3: Sequential mode blocks a higher-keyed, complete join until the
// lower-keyed one also completes.
func TestOrchestratorSequentialBlocking(t *testing.T) {
	re := mockengine.New()
	re.Add("v1", rules.NodeType, rules.Row{"nodeType": string(router.JoinNode)})
	re.Add("v1", rules.CanonicalBind,
		rules.Row{"returnAttr": "out", "input": "left"},
		rules.Row{"returnAttr": "out", "input": "right"},
	)
	re.Add("v1", rules.Publishes, rules.Row{
		"nextService": "Y", "nextOperation": "opY", "condition": "", "channel": "chanY", "port": "9000", "decisionValue": "",
	})

	pub := &capturingPublisher{}
	reg := invoker.NewRegistry()
	var invocations int
	reg.Bind("X", "opX", func(ctx context.Context, tokenIDStr string, args []string, returnAttrName, version string) (invoker.Result, error) {
		invocations++
		return invoker.Result{ReturnAttributeValue: "joined"}, nil
	})

	now := time.UnixMilli(1_000_000)
	o, rct, _ := newTestOrchestrator(re, pub, reg, join.Sequential, now)

	future := now.Add(time.Minute)

	// Higher-keyed join (400) completes fully first.
	hi1 := tok(401, "X", "opX", "left", "L")
	hi1.JoinAttribute.NotAfter = future.UnixMilli()
	hi2 := tok(402, "X", "opX", "right", "R")
	hi2.JoinAttribute.NotAfter = future.UnixMilli()

	// Lower-keyed join (300) gets only one of its two inputs.
	lo1 := tok(301, "X", "opX", "left", "L")
	lo1.JoinAttribute.NotAfter = future.UnixMilli()

	for _, in := range []token.Token{hi1, hi2, lo1} {
		if err := rct.Enqueue(context.Background(), in); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		dequeued, bufSize, capacity, err := rct.DequeueToken(context.Background())
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		o.handleToken(context.Background(), dequeued, bufSize, capacity)
	}

	if invocations != 0 {
		t.Fatalf("invocations = %d, want 0 (higher-keyed join must block on incomplete lower-keyed join)", invocations)
	}

	// Completing the lower-keyed join lets it fire; the higher-keyed one
	// is not fired by this arrival.
	lo2 := tok(302, "X", "opX", "right", "R")
	lo2.JoinAttribute.NotAfter = future.UnixMilli()
	if err := rct.Enqueue(context.Background(), lo2); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dequeued, bufSize, capacity, err := rct.DequeueToken(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	o.handleToken(context.Background(), dequeued, bufSize, capacity)

	if invocations != 1 {
		t.Fatalf("invocations = %d, want 1 (only the now-complete lower-keyed join fires)", invocations)
	}

	// The higher-keyed join was already complete but stayed blocked behind
	// the lower one; a fresh arrival (even a duplicate, idempotent
	// contribution) re-triggers Scan and lets it fire.
	if err := rct.Enqueue(context.Background(), hi1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dequeued, bufSize, capacity, err = rct.DequeueToken(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	o.handleToken(context.Background(), dequeued, bufSize, capacity)

	if invocations != 2 {
		t.Fatalf("invocations = %d, want 2 (higher-keyed join fires once unblocked)", invocations)
	}
}

// S4: Expired join — a contribution arriving after the deadline never
// fires and is swept away.
func TestOrchestratorExpiredJoin(t *testing.T) {
	re := mockengine.New()
	re.Add("v1", rules.NodeType, rules.Row{"nodeType": string(router.JoinNode)})
	re.Add("v1", rules.CanonicalBind,
		rules.Row{"returnAttr": "out", "input": "left"},
		rules.Row{"returnAttr": "out", "input": "right"},
	)

	pub := &capturingPublisher{}
	reg := invoker.NewRegistry()
	var invocations int
	reg.Bind("X", "opX", func(ctx context.Context, tokenIDStr string, args []string, returnAttrName, version string) (invoker.Result, error) {
		invocations++
		return invoker.Result{}, nil
	})

	now := time.UnixMilli(1_000_000)
	o, rct, _ := newTestOrchestrator(re, pub, reg, join.Optimized, now)

	past := now.Add(-time.Minute)
	left := tok(501, "X", "opX", "left", "L")
	left.JoinAttribute.NotAfter = past.UnixMilli()

	if err := rct.Enqueue(context.Background(), left); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dequeued, bufSize, capacity, err := rct.DequeueToken(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	o.handleToken(context.Background(), dequeued, bufSize, capacity)

	o.sweepExpiredJoins()

	right := tok(502, "X", "opX", "right", "R")
	right.JoinAttribute.NotAfter = now.Add(time.Minute).UnixMilli()
	if err := rct.Enqueue(context.Background(), right); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dequeued, bufSize, capacity, err = rct.DequeueToken(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	o.handleToken(context.Background(), dequeued, bufSize, capacity)

	if invocations != 0 {
		t.Fatalf("invocations = %d, want 0 (join expired before completion)", invocations)
	}
}

// S5: Fork of three — ForkNode publishes to three branches in rule order,
// child token ids assigned by branch number.
func TestOrchestratorForkOfThree(t *testing.T) {
	re := mockengine.New()
	re.Add("v1", rules.NodeType, rules.Row{"nodeType": string(router.ForkNode)})
	re.Add("v1", rules.CanonicalBind, rules.Row{"returnAttr": "out", "input": "null"})
	re.Add("v1", rules.MeetsCondition,
		rules.Row{"nextService": "A", "nextOperation": "opA"},
		rules.Row{"nextService": "B", "nextOperation": "opB"},
		rules.Row{"nextService": "C", "nextOperation": "opC"},
	)

	pub := &capturingPublisher{}
	reg := invoker.NewRegistry()
	reg.Bind("X", "opX", func(ctx context.Context, tokenIDStr string, args []string, returnAttrName, version string) (invoker.Result, error) {
		return invoker.Result{ReturnAttributeValue: "ok"}, nil
	})

	now := time.UnixMilli(1_000_000)
	o, rct, buf := newTestOrchestrator(re, pub, reg, join.Optimized, now)

	tk := tok(600, "X", "opX", "", "")
	if err := rct.Enqueue(context.Background(), tk); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dequeued, bufSize, capacity, err := rct.DequeueToken(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	o.handleToken(context.Background(), dequeued, bufSize, capacity)

	published := pub.snapshot()
	if len(published) != 3 {
		t.Fatalf("published = %d, want 3", len(published))
	}
	want := []int32{601, 602, 603}
	for i, p := range published {
		if p.Header.SequenceID != want[i] {
			t.Errorf("published[%d].SequenceID = %d, want %d", i, p.Header.SequenceID, want[i])
		}
	}

	hist := buf.History(600)
	var forkEvents int
	for _, e := range hist {
		if e.EventType == "FORK" {
			forkEvents++
		}
	}
	if forkEvents != 3 {
		t.Errorf("FORK events = %d, want 3", forkEvents)
	}
}

// S6: Gateway dynamic directive — the service decides routing at runtime.
func TestOrchestratorGatewayDynamicDirective(t *testing.T) {
	re := mockengine.New()
	re.Add("v1", rules.NodeType, rules.Row{"nodeType": string(router.GatewayNode)})
	re.Add("v1", rules.CanonicalBind, rules.Row{"returnAttr": "out", "input": "in"})

	pub := &capturingPublisher{}
	reg := invoker.NewRegistry()
	reg.Bind("X", "opX", func(ctx context.Context, tokenIDStr string, args []string, returnAttrName, version string) (invoker.Result, error) {
		return invoker.Result{ReturnAttributeValue: "EDGE:Z.opZ"}, nil
	})

	now := time.UnixMilli(1_000_000)
	o, rct, _ := newTestOrchestrator(re, pub, reg, join.Optimized, now)

	tk := tok(700, "X", "opX", "in", "v")
	if err := rct.Enqueue(context.Background(), tk); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dequeued, bufSize, capacity, err := rct.DequeueToken(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	o.handleToken(context.Background(), dequeued, bufSize, capacity)

	published := pub.snapshot()
	if len(published) != 1 {
		t.Fatalf("published = %d, want 1", len(published))
	}
	if published[0].Service.ServiceName != "Z" || published[0].Service.Operation != "opZ" {
		t.Errorf("routed to %+v, want Z/opZ", published[0].Service)
	}
}

// Address mismatch is dropped silently: no invocation, no publish.
func TestOrchestratorAddressMismatchDropped(t *testing.T) {
	re := mockengine.New()
	pub := &capturingPublisher{}
	reg := invoker.NewRegistry()
	var invocations int
	reg.Bind("X", "opX", func(ctx context.Context, tokenIDStr string, args []string, returnAttrName, version string) (invoker.Result, error) {
		invocations++
		return invoker.Result{}, nil
	})

	now := time.UnixMilli(1_000_000)
	o, rct, _ := newTestOrchestrator(re, pub, reg, join.Optimized, now)

	tk := tok(800, "NotX", "opX", "in", "v")
	if err := rct.Enqueue(context.Background(), tk); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dequeued, bufSize, capacity, err := rct.DequeueToken(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	o.handleToken(context.Background(), dequeued, bufSize, capacity)

	if invocations != 0 {
		t.Fatalf("invocations = %d, want 0 for mismatched address", invocations)
	}
}

// EdgeNode with a wrong input attribute name is a WorkflowDefinitionError:
// dropped, no invocation.
func TestOrchestratorEdgeWrongAttributeDropped(t *testing.T) {
	re := mockengine.New()
	re.Add("v1", rules.NodeType, rules.Row{"nodeType": string(router.EdgeNode)})
	re.Add("v1", rules.CanonicalBind, rules.Row{"returnAttr": "out", "input": "in"})

	pub := &capturingPublisher{}
	reg := invoker.NewRegistry()
	var invocations int
	reg.Bind("X", "opX", func(ctx context.Context, tokenIDStr string, args []string, returnAttrName, version string) (invoker.Result, error) {
		invocations++
		return invoker.Result{}, nil
	})

	now := time.UnixMilli(1_000_000)
	o, rct, _ := newTestOrchestrator(re, pub, reg, join.Optimized, now)

	tk := tok(900, "X", "opX", "wrongAttr", "v")
	if err := rct.Enqueue(context.Background(), tk); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dequeued, bufSize, capacity, err := rct.DequeueToken(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	o.handleToken(context.Background(), dequeued, bufSize, capacity)

	if invocations != 0 {
		t.Fatalf("invocations = %d, want 0 for wrong attribute name", invocations)
	}
}
