package pkgmessage

import (
	"context"
	"errors"
	"testing"
)

type ackOnlyBackend struct {
	ackErr  error
	nackErr error
}

func (b ackOnlyBackend) ackMessage(ctx context.Context, m *Message) error    { return b.ackErr }
func (b ackOnlyBackend) rejectMessage(ctx context.Context, m *Message) error { return b.nackErr }

func TestAck_NoneToAcked(t *testing.T) {
	msg := newTestMessage(t, 1, "x")
	msg.bind(ackOnlyBackend{})

	if err := msg.Ack(context.Background()); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if msg.Status() != AckStatusAcked {
		t.Errorf("Status() = %v, want ACKED", msg.Status())
	}
}

func TestAck_AckedIsNoOp(t *testing.T) {
	msg := newTestMessage(t, 1, "x")
	msg.bind(ackOnlyBackend{})

	if err := msg.Ack(context.Background()); err != nil {
		t.Fatalf("first Ack: %v", err)
	}
	if err := msg.Ack(context.Background()); err != nil {
		t.Fatalf("second Ack should be a no-op, got: %v", err)
	}
}

func TestAck_IllegalAfterNack(t *testing.T) {
	msg := newTestMessage(t, 1, "x")
	msg.bind(ackOnlyBackend{})

	if err := msg.Nack(context.Background()); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	err := msg.Ack(context.Background())
	if err == nil {
		t.Fatal("expected Ack after Nack to be illegal")
	}
	if !errors.Is(err, ErrIllegalAckTransition) {
		t.Errorf("error = %v, want wrapping ErrIllegalAckTransition", err)
	}

	var ackErr *AckError
	if !errors.As(err, &ackErr) {
		t.Errorf("expected *AckError, got %T", err)
	}
}

func TestNack_IllegalAfterAck(t *testing.T) {
	msg := newTestMessage(t, 1, "x")
	msg.bind(ackOnlyBackend{})

	if err := msg.Ack(context.Background()); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	err := msg.Nack(context.Background())
	if !errors.Is(err, ErrIllegalNackTransition) {
		t.Errorf("error = %v, want wrapping ErrIllegalNackTransition", err)
	}
}

func TestAck_BackendFailureLeavesStateUnchanged(t *testing.T) {
	msg := newTestMessage(t, 1, "x")
	boom := errors.New("broker unavailable")
	msg.bind(ackOnlyBackend{ackErr: boom})

	err := msg.Ack(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapping %v", err, boom)
	}
	if msg.Status() != AckStatusNone {
		t.Errorf("Status() = %v, want NONE after failed ack", msg.Status())
	}

	// state is still NONE, so a retry is legal
	msg.bind(ackOnlyBackend{})
	if err := msg.Ack(context.Background()); err != nil {
		t.Fatalf("retry Ack: %v", err)
	}
}

func TestAckStatus_String(t *testing.T) {
	cases := map[AckStatus]string{
		AckStatusNone:   "ACK_STATUS_NONE",
		AckStatusAcked:  "ACK_STATUS_ACKED",
		AckStatusNacked: "ACK_STATUS_NACKED",
		AckStatus(99):   "ACK_STATUS_UNKNOWN",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", status, got, want)
		}
	}
}
