package pkgmessage

import (
	"context"
	"errors"
	"testing"
)

func newSubTestQueue(t *testing.T, driverName string, opts ...Option) (*Queue, *fakeBrokerClient) {
	t.Helper()
	client := &fakeBrokerClient{}
	Register(driverName, client)

	q, err := NewQueue(context.Background(), driverName, "localhost", "orders", opts...)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	return q, client
}

func TestOpenSub_IteratesInOrderAndAcksEachMessage(t *testing.T) {
	q, client := newSubTestQueue(t, "sub-test-driver-order")
	consumer, err := q.newConsumer()
	if err != nil {
		t.Fatalf("newConsumer: %v", err)
	}
	fc := consumer.(*fakeConsumer)
	m1 := newTestMessage(t, 1, "a")
	m2 := newTestMessage(t, 2, "b")
	fc.push(m1)
	fc.push(m2)

	var seen []MsgID
	err = OpenSub(context.Background(), q, func(ctx context.Context, it *SubIterator) error {
		for {
			msg, ok, err := it.Next(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			seen = append(seen, msg.ID())
		}
	})
	if err != nil {
		t.Fatalf("OpenSub: %v", err)
	}
	if len(seen) != 2 || seen[0] != m1.ID() || seen[1] != m2.ID() {
		t.Errorf("seen = %v, want [%v %v]", seen, m1.ID(), m2.ID())
	}
	if len(fc.acked) != 2 {
		t.Errorf("acked = %v, want 2 messages acked", fc.acked)
	}
	if !client.consumer.closed {
		t.Error("consumer should be closed after OpenSub returns")
	}
}

func TestOpenSub_BreakEarlyAcksCurrentMessage(t *testing.T) {
	q, _ := newSubTestQueue(t, "sub-test-driver-break")
	consumer, err := q.newConsumer()
	if err != nil {
		t.Fatalf("newConsumer: %v", err)
	}
	fc := consumer.(*fakeConsumer)
	m1 := newTestMessage(t, 1, "a")
	m2 := newTestMessage(t, 2, "b")
	fc.push(m1)
	fc.push(m2)

	err = OpenSub(context.Background(), q, func(ctx context.Context, it *SubIterator) error {
		msg, ok, err := it.Next(ctx)
		if err != nil || !ok {
			return err
		}
		_ = msg
		return nil // break out after the first message
	})
	if err != nil {
		t.Fatalf("OpenSub: %v", err)
	}
	if len(fc.acked) != 1 || fc.acked[0] != m1.ID() {
		t.Errorf("acked = %v, want [%v]", fc.acked, m1.ID())
	}
}

func TestOpenSub_ErrorMidIterationNacksAndAborts(t *testing.T) {
	q, _ := newSubTestQueue(t, "sub-test-driver-error")
	consumer, err := q.newConsumer()
	if err != nil {
		t.Fatalf("newConsumer: %v", err)
	}
	fc := consumer.(*fakeConsumer)
	m1 := newTestMessage(t, 1, "a")
	fc.push(m1)

	boom := errors.New("handler failed")
	err = OpenSub(context.Background(), q, func(ctx context.Context, it *SubIterator) error {
		msg, ok, err := it.Next(ctx)
		if err != nil || !ok {
			return err
		}
		_ = msg
		return boom
	})
	if err != nil {
		t.Fatalf("exceptErrors defaults true, expected suppressed error, got: %v", err)
	}
	if len(fc.nacked) != 1 || fc.nacked[0] != m1.ID() {
		t.Errorf("nacked = %v, want [%v]", fc.nacked, m1.ID())
	}
	if len(fc.acked) != 0 {
		t.Errorf("acked = %v, want none", fc.acked)
	}
}

func TestOpenSub_ErrorReraisedWhenExceptErrorsDisabled(t *testing.T) {
	q, _ := newSubTestQueue(t, "sub-test-driver-error-raise", WithExceptErrors(false))
	consumer, err := q.newConsumer()
	if err != nil {
		t.Fatalf("newConsumer: %v", err)
	}
	fc := consumer.(*fakeConsumer)
	fc.push(newTestMessage(t, 1, "a"))

	boom := errors.New("handler failed")
	err = OpenSub(context.Background(), q, func(ctx context.Context, it *SubIterator) error {
		_, ok, err := it.Next(ctx)
		if err != nil || !ok {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestSubIterator_ContextCarriesCorrelationIDFromCurrentMessage(t *testing.T) {
	q, _ := newSubTestQueue(t, "sub-test-driver-cid")
	consumer, err := q.newConsumer()
	if err != nil {
		t.Fatalf("newConsumer: %v", err)
	}
	fc := consumer.(*fakeConsumer)

	payload, err := Serialize("a", map[string]any{CorrelationIDHeader: "req-456"})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	msg, err := NewMessage(NewIntMsgID(1), payload)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	fc.push(msg)

	var seen string
	err = OpenSub(context.Background(), q, func(ctx context.Context, it *SubIterator) error {
		_, ok, err := it.Next(ctx)
		if err != nil || !ok {
			return err
		}
		seen = GetCorrelationID(it.Context(ctx))
		return nil
	})
	if err != nil {
		t.Fatalf("OpenSub: %v", err)
	}
	if seen != "req-456" {
		t.Errorf("GetCorrelationID(it.Context(ctx)) = %q, want req-456", seen)
	}
}

func TestSubIterator_ContextUnchangedBeforeFirstNext(t *testing.T) {
	q, _ := newSubTestQueue(t, "sub-test-driver-cid-unset")
	consumer, err := q.newConsumer()
	if err != nil {
		t.Fatalf("newConsumer: %v", err)
	}
	fc := consumer.(*fakeConsumer)
	fc.push(newTestMessage(t, 1, "a"))

	err = OpenSub(context.Background(), q, func(ctx context.Context, it *SubIterator) error {
		if got := GetCorrelationID(it.Context(ctx)); got != "" {
			t.Errorf("GetCorrelationID before Next = %q, want empty", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("OpenSub: %v", err)
	}
}

func TestSubIterator_NextAfterExhaustedRefuses(t *testing.T) {
	q, _ := newSubTestQueue(t, "sub-test-driver-reentry")
	consumer, err := q.newConsumer()
	if err != nil {
		t.Fatalf("newConsumer: %v", err)
	}
	fc := consumer.(*fakeConsumer)
	fc.push(newTestMessage(t, 1, "a"))

	err = OpenSub(context.Background(), q, func(ctx context.Context, it *SubIterator) error {
		_, _, _ = it.Next(ctx) // consumes the only message
		_, _, _ = it.Next(ctx) // exhausts the generator (state -> subStateExhausted)

		_, _, err := it.Next(ctx)
		if !errors.Is(err, ErrAlreadyEntered) {
			t.Errorf("Next after exhaustion: err = %v, want ErrAlreadyEntered", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("OpenSub: %v", err)
	}
}
