package pkgmessage

import (
	"context"
	"errors"
	"testing"
)

func TestRunWithRecover_PassesThroughSuccess(t *testing.T) {
	err := runWithRecover(context.Background(), "open_sub", func() error {
		return nil
	})
	if err != nil {
		t.Fatalf("runWithRecover: %v", err)
	}
}

func TestRunWithRecover_PassesThroughError(t *testing.T) {
	boom := errors.New("handler failed")
	err := runWithRecover(context.Background(), "open_sub", func() error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestRunWithRecover_ConvertsPanicToError(t *testing.T) {
	err := runWithRecover(context.Background(), "open_sub_one", func() error {
		panic("unexpected nil pointer")
	})
	if err == nil {
		t.Fatal("expected a panic to surface as an error")
	}
}

func TestRunWithRecover_DoesNotCrashGoroutine(t *testing.T) {
	done := make(chan error, 1)
	go func() {
		done <- runWithRecover(context.Background(), "open_sub_manual_acking", func() error {
			panic("boom")
		})
	}()

	if err := <-done; err == nil {
		t.Fatal("expected a recovered error")
	}
}
