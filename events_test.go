package milou

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/channel"
	"github.com/redis/go-redis/v9"
)

func TestEventsPerService(t *testing.T) {
	ctx := context.Background()

	svc1 := setupTestService(t)
	defer svc1.Close(ctx)
	svc2 := setupTestService(t)
	defer svc2.Close(ctx)

	// Each service owns distinct event instances on its own bus.
	if svc1.Events() == svc2.Events() {
		t.Error("expected per-service event instances")
	}
	if svc1.Events() == nil || svc2.Events() == nil {
		t.Fatal("expected events to be initialized after Connect")
	}
}

func TestMailSentEventDelivery(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t, WithEventTransport(channel.New()))
	defer svc.Close(ctx)

	var got atomic.Value
	svc.Events().MailSent.Subscribe(ctx, func(_ context.Context, _ event.Event[MailSentEvent], data MailSentEvent) error {
		got.Store(data)
		return nil
	})

	mail := mustSend(t, svc.Client(alice), []User{bob}, "Notify", "body")

	deadline := time.Now().Add(2 * time.Second)
	for got.Load() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	data, ok := got.Load().(MailSentEvent)
	if !ok {
		t.Fatal("expected a MailSent event")
	}
	if data.MailID != mail.ID() || data.Code != mail.Code() {
		t.Errorf("unexpected event payload: %+v", data)
	}
	if data.SenderID != alice.ID || len(data.RecipientIDs) != 1 || data.RecipientIDs[0] != bob.ID {
		t.Errorf("unexpected participants: %+v", data)
	}
}

func TestRedisEventTransport(t *testing.T) {
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	svc := setupTestService(t, WithRedisClient(client))
	defer svc.Close(ctx)

	var count atomic.Int64
	svc.Events().MailSent.Subscribe(ctx, func(_ context.Context, _ event.Event[MailSentEvent], data MailSentEvent) error {
		count.Add(1)
		return nil
	})

	mustSend(t, svc.Client(alice), []User{bob}, "Via redis", "body")

	deadline := time.Now().Add(3 * time.Second)
	for count.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if count.Load() == 0 {
		t.Error("expected the MailSent event to round-trip through redis")
	}
}

func TestTrashedEventScopes(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t, WithEventTransport(channel.New()))
	defer svc.Close(ctx)

	var got atomic.Value
	svc.Events().MailTrashed.Subscribe(ctx, func(_ context.Context, _ event.Event[MailTrashedEvent], data MailTrashedEvent) error {
		got.Store(data)
		return nil
	})

	mail := mustSend(t, svc.Client(alice), []User{bob}, "Scoped", "body")
	if err := svc.Client(bob).MoveToTrash(ctx, mail.ID()); err != nil {
		t.Fatalf("trash failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for got.Load() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	data, ok := got.Load().(MailTrashedEvent)
	if !ok {
		t.Fatal("expected a MailTrashed event")
	}
	if data.ActorID != bob.ID || data.SenderSide || !data.RecipientSide {
		t.Errorf("unexpected scopes: %+v", data)
	}
}
