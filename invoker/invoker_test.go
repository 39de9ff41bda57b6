package invoker

import (
	"context"
	"errors"
	"testing"
)

func TestRegistryInvokeBound(t *testing.T) {
	r := NewRegistry()
	r.Bind("X", "opX", func(ctx context.Context, tokenIDStr string, args []string, returnAttrName, version string) (Result, error) {
		return Result{ReturnAttributeValue: "ok:" + args[0]}, nil
	})

	result, err := r.Invoke(context.Background(), "1000000", "X", "opX", []string{"42"}, "out", "v1")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.ReturnAttributeValue != "ok:42" {
		t.Errorf("ReturnAttributeValue = %q, want %q", result.ReturnAttributeValue, "ok:42")
	}
}

func TestRegistryInvokeUnbound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Invoke(context.Background(), "1", "X", "opX", nil, "out", "v1")

	var unbound *ErrUnbound
	if !errors.As(err, &unbound) {
		t.Fatalf("err = %v, want *ErrUnbound", err)
	}
}

func TestValidateAllFailsFastOnMissingBinding(t *testing.T) {
	r := NewRegistry()
	r.Bind("X", "opX", func(ctx context.Context, tokenIDStr string, args []string, returnAttrName, version string) (Result, error) {
		return Result{}, nil
	})

	err := r.ValidateAll([]Key{{Service: "X", Operation: "opX"}, {Service: "Y", Operation: "opY"}})
	var unbound *ErrUnbound
	if !errors.As(err, &unbound) {
		t.Fatalf("err = %v, want *ErrUnbound", err)
	}
	if unbound.Service != "Y" {
		t.Errorf("unbound.Service = %q, want Y", unbound.Service)
	}
}
