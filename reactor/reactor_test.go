package reactor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/auroraworks/servicethread/token"
)

func tok(id int32) token.Token {
	return token.Token{Header: token.Header{SequenceID: id}}
}

func TestDequeueOrdersByTokenID(t *testing.T) {
	ctx := context.Background()
	r := New(10)

	for _, id := range []int32{1000003, 1000001, 1000002} {
		if err := r.Enqueue(ctx, tok(id)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var got []int32
	for i := 0; i < 3; i++ {
		tk, _, _, err := r.DequeueToken(ctx)
		if err != nil {
			t.Fatalf("DequeueToken: %v", err)
		}
		got = append(got, tk.ID())
	}

	want := []int32{1000001, 1000002, 1000003}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dequeue order[%d] = %d, want %d (got %v)", i, got[i], want[i], got)
		}
	}
}

func TestDequeueReportsResidualBufferSize(t *testing.T) {
	ctx := context.Background()
	r := New(10)
	_ = r.Enqueue(ctx, tok(1))
	_ = r.Enqueue(ctx, tok(2))

	_, residual, capacity, err := r.DequeueToken(ctx)
	if err != nil {
		t.Fatalf("DequeueToken: %v", err)
	}
	if residual != 1 {
		t.Errorf("residual = %d, want 1", residual)
	}
	if capacity != 10 {
		t.Errorf("capacity = %d, want 10", capacity)
	}
}

func TestStartRetriesWithBackoffThenFails(t *testing.T) {
	attempts := 0
	err := Start(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("transport down")
	}, 3, time.Millisecond)

	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	var startupErr *ErrStartupFailed
	if !errors.As(err, &startupErr) {
		t.Fatalf("err = %v, want *ErrStartupFailed", err)
	}
}

func TestStartSucceedsWithoutExhaustingAttempts(t *testing.T) {
	attempts := 0
	err := Start(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("not yet")
		}
		return nil
	}, 3, time.Millisecond)

	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}
