package chansync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	"github.com/hatchwave/chansync"
)

func TestFuture_Ready(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := context.Background()

	ch := chansync.New[int](1)
	f := ch.AsyncSend(ctx, 99)

	select {
	case <-f.Ready():
	case <-time.After(time.Second):
		t.Fatal("Future.Ready did not deliver")
	}
}

func TestFuture_AsyncRecv_Timeout(t *testing.T) {
	defer leaktest.Check(t)()

	ch := chansync.New[int](0) // nobody will ever send
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	f := ch.AsyncRecv(ctx)
	r, err := f.Wait()
	if err != nil {
		t.Fatalf("AsyncRecv: unexpected error %v", err)
	}
	if r.OK {
		t.Fatal("AsyncRecv: want OK=false when ctx ends before a value arrives")
	}
}

func TestFuture_AsyncSend_PropagatesClosed(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := context.Background()

	ch := chansync.New[string](1)
	ch.Close()

	f := ch.AsyncSend(ctx, "hello")
	if _, err := f.Wait(); !errors.Is(err, chansync.ErrClosed) {
		t.Fatalf("AsyncSend on closed channel: got %v, want ErrClosed", err)
	}
}
