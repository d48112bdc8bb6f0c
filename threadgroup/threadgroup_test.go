package threadgroup_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ArkEcosystem/mainsail-sub003/threadgroup"
)

func TestThreadGroupStop(t *testing.T) {
	tg := threadgroup.New()

	done, err := tg.Add()
	if err != nil {
		t.Fatal(err)
	}

	stopped := make(chan struct{})
	go func() {
		tg.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before thread finished")
	case <-time.After(50 * time.Millisecond):
	}

	done()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}

	if _, err := tg.Add(); !errors.Is(err, threadgroup.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	tg.Stop() // idempotent
}

func TestThreadGroupAddContext(t *testing.T) {
	tg := threadgroup.New()

	ctx, done, err := tg.AddContext(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		<-ctx.Done()
		done()
	}()

	tg.Stop()
	if ctx.Err() == nil {
		t.Fatal("expected context to be cancelled")
	}
}
