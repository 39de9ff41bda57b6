package router

import (
	"context"
	"errors"
	"testing"

	"github.com/auroraworks/servicethread/rules"
	"github.com/auroraworks/servicethread/rules/mockengine"
	"github.com/auroraworks/servicethread/token"
)

type capturingPublisher struct {
	published []token.Token
}

func (p *capturingPublisher) Publish(ctx context.Context, channel, port string, tok token.Token) error {
	p.published = append(p.published, tok)
	return nil
}

func baseToken(id int32, service, op string) token.Token {
	return token.Token{
		Header:  token.Header{SequenceID: id, RuleBaseVersion: "v1"},
		Service: token.Service{ServiceName: service, Operation: op},
	}
}

// S1: Edge pass-through.
func TestRouteEdgePassThrough(t *testing.T) {
	re := mockengine.New()
	re.Add("v1", rules.Publishes, rules.Row{
		"nextService": "Y", "nextOperation": "opY", "condition": "", "channel": "chanY", "port": "9000", "decisionValue": "",
	})
	re.Add("v1", rules.CanonicalBind, rules.Row{"returnAttr": "out", "input": "in"})

	pub := &capturingPublisher{}
	r := New(re, pub)

	out := baseToken(1000000, "X", "opX")
	result, err := r.RouteEdge(context.Background(), "v1", out, "42")
	if err != nil {
		t.Fatalf("RouteEdge: %v", err)
	}
	if len(result.Exits) != 1 {
		t.Fatalf("exits = %d, want 1", len(result.Exits))
	}
	if result.Exits[0].ToService != "Y" || result.Exits[0].ToOperation != "opY" {
		t.Errorf("exit destination = %+v, want Y/opY", result.Exits[0])
	}
	if len(pub.published) != 1 {
		t.Fatalf("published = %d, want 1", len(pub.published))
	}
	if pub.published[0].JoinAttribute.AttributeName != "out" {
		t.Errorf("attributeName = %q, want %q", pub.published[0].JoinAttribute.AttributeName, "out")
	}
}

// S5: Fork of three.
func TestRouteForkOfThree(t *testing.T) {
	re := mockengine.New()
	re.Add("v1", rules.MeetsCondition,
		rules.Row{"nextService": "A", "nextOperation": "opA"},
		rules.Row{"nextService": "B", "nextOperation": "opB"},
		rules.Row{"nextService": "C", "nextOperation": "opC"},
	)
	re.Add("v1", rules.CanonicalBind, rules.Row{"returnAttr": "out", "input": "in"})

	pub := &capturingPublisher{}
	r := New(re, pub)

	out := baseToken(2000000, "P", "opP")
	result, err := r.RouteFork(context.Background(), "v1", out)
	if err != nil {
		t.Fatalf("RouteFork: %v", err)
	}
	if len(result.Forks) != 3 {
		t.Fatalf("forks = %d, want 3", len(result.Forks))
	}
	want := []int32{2000001, 2000002, 2000003}
	for i, f := range result.Forks {
		if f.ChildTokenID != want[i] {
			t.Errorf("fork[%d].ChildTokenID = %d, want %d", i, f.ChildTokenID, want[i])
		}
	}
}

// S6: Gateway dynamic FORK directive.
func TestRouteGatewayForkDirective(t *testing.T) {
	re := mockengine.New()
	re.Add("v1", rules.CanonicalBind, rules.Row{"returnAttr": "out", "input": "in"})

	pub := &capturingPublisher{}
	r := New(re, pub)

	out := baseToken(3000000, "P", "opP")
	result, err := r.RouteGateway(context.Background(), "v1", out, "FORK:A.opA,B.opB")
	if err != nil {
		t.Fatalf("RouteGateway: %v", err)
	}
	want := []int32{3000001, 3000002}
	if len(result.Forks) != 2 {
		t.Fatalf("forks = %d, want 2", len(result.Forks))
	}
	for i, f := range result.Forks {
		if f.ChildTokenID != want[i] {
			t.Errorf("fork[%d].ChildTokenID = %d, want %d", i, f.ChildTokenID, want[i])
		}
	}
}

// §4.5.2: activeService override takes priority over publishes channel.
func TestResolveChannelActiveServiceOverride(t *testing.T) {
	re := mockengine.New()
	re.Add("v1", rules.ActiveService, rules.Row{"channelId": "ipOverride", "port": "7000"})
	re.Add("v1", rules.BoundChannel, rules.Row{"channelId": "ipOverride", "address": "10.0.0.5:7000"})

	r := New(re, &capturingPublisher{})
	addr, port, err := r.ResolveChannel(context.Background(), "v1", "Y", "opY", "fallbackChan", "9000")
	if err != nil {
		t.Fatalf("ResolveChannel: %v", err)
	}
	if addr != "10.0.0.5:7000" || port != "7000" {
		t.Errorf("addr/port = %s/%s, want 10.0.0.5:7000/7000", addr, port)
	}
}

func TestResolveChannelFallsBackToPublishesChannel(t *testing.T) {
	re := mockengine.New()
	r := New(re, &capturingPublisher{})
	addr, port, err := r.ResolveChannel(context.Background(), "v1", "Y", "opY", "plainChannel", "9000")
	if err != nil {
		t.Fatalf("ResolveChannel: %v", err)
	}
	if addr != "plainChannel" || port != "9000" {
		t.Errorf("addr/port = %s/%s, want plainChannel/9000", addr, port)
	}
}

// §4.5.1: self-feedback uses this operation's canonical input attribute.
func TestResolveAttributeNameSelfFeedback(t *testing.T) {
	re := mockengine.New()
	re.Add("v1", rules.CanonicalBind, rules.Row{"returnAttr": "out", "input": "in"})
	r := New(re, &capturingPublisher{})

	name, err := r.ResolveAttributeName(context.Background(), "v1", "X", "opX", "X", "opX")
	if err != nil {
		t.Fatalf("ResolveAttributeName: %v", err)
	}
	if name != "in" {
		t.Errorf("name = %q, want %q (self-feedback uses input attr)", name, "in")
	}
}

func TestResolveAttributeNameExternalMissingIsFatal(t *testing.T) {
	re := mockengine.New()
	r := New(re, &capturingPublisher{})
	_, err := r.ResolveAttributeName(context.Background(), "v1", "X", "opX", "Y", "opY")
	var routingErr *ErrRoutingConfig
	if err == nil {
		t.Fatal("expected ErrRoutingConfig, got nil")
	}
	if !errors.As(err, &routingErr) {
		t.Fatalf("err = %v, want *ErrRoutingConfig", err)
	}
}
