package pkgmessage

import (
	"context"
	"errors"
	"testing"
)

func newPubTestQueue(t *testing.T, driverName string) (*Queue, *fakeBrokerClient) {
	t.Helper()
	client := &fakeBrokerClient{}
	Register(driverName, client)

	q, err := NewQueue(context.Background(), driverName, "localhost", "orders")
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	return q, client
}

func TestOpenPub_SendsAndCloses(t *testing.T) {
	q, client := newPubTestQueue(t, "pub-test-driver")

	err := OpenPub(context.Background(), q, func(ctx context.Context, pub *Publisher) error {
		return pub.Send(ctx, map[string]string{"id": "1"}, nil)
	})
	if err != nil {
		t.Fatalf("OpenPub: %v", err)
	}

	if len(client.producers) != 1 {
		t.Fatalf("expected 1 producer created, got %d", len(client.producers))
	}
	p := client.producers[0]
	if !p.connected || !p.closed {
		t.Errorf("producer connected=%v closed=%v, want both true", p.connected, p.closed)
	}
	if len(p.sent) != 1 {
		t.Errorf("expected 1 message sent, got %d", len(p.sent))
	}
}

func TestOpenPub_SendPropagatesCorrelationIDFromContext(t *testing.T) {
	q, client := newPubTestQueue(t, "pub-test-driver-cid")

	ctx := SetCorrelationID(context.Background(), "req-123")
	err := OpenPub(ctx, q, func(ctx context.Context, pub *Publisher) error {
		return pub.Send(ctx, map[string]string{"id": "1"}, nil)
	})
	if err != nil {
		t.Fatalf("OpenPub: %v", err)
	}

	msg, err := NewMessage(NewIntMsgID(1), client.producers[0].sent[0])
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	headers, err := msg.Headers()
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if got := correlationIDFromHeaders(headers); got != "req-123" {
		t.Errorf("correlation id in sent headers = %q, want req-123", got)
	}
}

func TestOpenPub_SendDoesNotOverrideExplicitCorrelationHeader(t *testing.T) {
	q, client := newPubTestQueue(t, "pub-test-driver-cid-2")

	ctx := SetCorrelationID(context.Background(), "from-context")
	err := OpenPub(ctx, q, func(ctx context.Context, pub *Publisher) error {
		return pub.Send(ctx, map[string]string{"id": "1"}, map[string]any{CorrelationIDHeader: "explicit"})
	})
	if err != nil {
		t.Fatalf("OpenPub: %v", err)
	}

	msg, err := NewMessage(NewIntMsgID(1), client.producers[0].sent[0])
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	headers, err := msg.Headers()
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if got := correlationIDFromHeaders(headers); got != "explicit" {
		t.Errorf("correlation id in sent headers = %q, want explicit (caller-set header wins)", got)
	}
}

func TestOpenPub_ClosesProducerOnUserError(t *testing.T) {
	q, client := newPubTestQueue(t, "pub-test-driver-2")

	boom := errors.New("user handler failed")
	err := OpenPub(context.Background(), q, func(ctx context.Context, pub *Publisher) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
	if !client.producers[0].closed {
		t.Error("producer should be closed even when fn returns an error")
	}
}

func TestOpenPub_ClosesProducerOnPanic(t *testing.T) {
	q, client := newPubTestQueue(t, "pub-test-driver-3")

	err := OpenPub(context.Background(), q, func(ctx context.Context, pub *Publisher) error {
		panic("boom")
	})
	if err == nil {
		t.Fatal("expected a recovered panic to surface as an error")
	}
	if !client.producers[0].closed {
		t.Error("producer should be closed even when fn panics")
	}
}
