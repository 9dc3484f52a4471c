package eventing

import (
	"context"
	"errors"
	"testing"
)

type deviceWentOnline struct {
	DeviceID int64
}

func TestPublishReachesSubscribers(t *testing.T) {
	bus := NewInMemoryBus()
	var seen []int64
	bus.Subscribe(EventTypeOf[deviceWentOnline](), func(_ context.Context, event any) error {
		seen = append(seen, event.(deviceWentOnline).DeviceID)
		return nil
	})
	bus.Subscribe(EventTypeOf[deviceWentOnline](), func(context.Context, any) error {
		return nil
	})

	if err := bus.Publish(context.Background(), deviceWentOnline{DeviceID: 7}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(seen) != 1 || seen[0] != 7 {
		t.Fatalf("expected delivery, got %v", seen)
	}
}

func TestPublishPointerMatchesValueSubscription(t *testing.T) {
	bus := NewInMemoryBus()
	delivered := false
	bus.Subscribe(EventTypeOf[deviceWentOnline](), func(context.Context, any) error {
		delivered = true
		return nil
	})
	if err := bus.Publish(context.Background(), &deviceWentOnline{DeviceID: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !delivered {
		t.Fatalf("pointer publish must reach value-typed subscription")
	}
}

func TestPublishReturnsFirstHandlerError(t *testing.T) {
	bus := NewInMemoryBus()
	wantErr := errors.New("handler failed")
	bus.Subscribe(EventTypeOf[deviceWentOnline](), func(context.Context, any) error {
		return wantErr
	})
	calls := 0
	bus.Subscribe(EventTypeOf[deviceWentOnline](), func(context.Context, any) error {
		calls++
		return errors.New("second failure")
	})

	err := bus.Publish(context.Background(), deviceWentOnline{})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected first handler error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("later handlers must still run, calls %d", calls)
	}
}

func TestPublishNilEvent(t *testing.T) {
	bus := NewInMemoryBus()
	if err := bus.Publish(context.Background(), nil); !errors.Is(err, ErrNilEvent) {
		t.Fatalf("expected ErrNilEvent, got %v", err)
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	bus := NewInMemoryBus()
	if err := bus.Publish(context.Background(), deviceWentOnline{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}
