package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyed(t *testing.T) {
	t.Run("SerializesSameKey", func(t *testing.T) {
		var k Keyed
		var wg sync.WaitGroup
		counter := 0

		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = k.Do(context.Background(), "alert-1", func() error {
					v := counter
					time.Sleep(time.Microsecond)
					counter = v + 1
					return nil
				})
			}()
		}
		wg.Wait()

		if counter != 50 {
			t.Errorf("expected 50 serialized increments, got %d", counter)
		}
		if k.Len() != 0 {
			t.Errorf("expected all keys released, got %d", k.Len())
		}
	})

	t.Run("IndependentKeys", func(t *testing.T) {
		var k Keyed
		unlockA, err := k.Lock(context.Background(), "a")
		if err != nil {
			t.Fatalf("Lock(a) failed: %v", err)
		}
		defer unlockA()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		unlockB, err := k.Lock(ctx, "b")
		if err != nil {
			t.Fatalf("Lock(b) must not wait on a: %v", err)
		}
		unlockB()
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		var k Keyed
		unlock, _ := k.Lock(context.Background(), "a")

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := k.Lock(ctx, "a")
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected DeadlineExceeded, got %v", err)
		}

		unlock()
		if k.Len() != 0 {
			t.Errorf("expected key released after cancel and unlock, got %d", k.Len())
		}
	})

	t.Run("DoPropagatesError", func(t *testing.T) {
		var k Keyed
		want := errors.New("boom")
		if err := k.Do(context.Background(), "a", func() error { return want }); err != want {
			t.Errorf("expected %v, got %v", want, err)
		}
	})
}
