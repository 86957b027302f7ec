package bus

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"mediaforge/internal/testsupport/redisstub"
)

func startRedisBus(t *testing.T, opts redisstub.Options) (*redisstub.Server, Bus) {
	t.Helper()
	stub, err := redisstub.Start(opts)
	if err != nil {
		t.Fatalf("redisstub.Start: %v", err)
	}
	t.Cleanup(func() { stub.Close() })

	b, err := NewRedisBus(RedisConfig{
		Addr:         stub.Addr(),
		Password:     opts.Password,
		BlockTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRedisBus: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return stub, b
}

func TestRedisBusRoundTrip(t *testing.T) {
	stub, b := startRedisBus(t, redisstub.Options{})

	received := make(chan Message, 1)
	sub, err := b.Subscribe(SubscriptionConfig{
		Topic: "transcode.results",
		Group: "aggregator",
		Handler: func(ctx context.Context, msg Message) error {
			received <- msg
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	payload := map[string]string{"task_id": "task-1"}
	if err := b.Publish(context.Background(), "transcode.results", payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-received:
		var decoded map[string]string
		if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if decoded["task_id"] != "task-1" {
			t.Fatalf("payload = %s", msg.Payload)
		}
		if msg.Deliveries != 1 {
			t.Fatalf("deliveries = %d, want 1", msg.Deliveries)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("message not delivered")
	}
	if stub.StreamLen("transcode.results") != 1 {
		t.Fatalf("stream length = %d, want 1", stub.StreamLen("transcode.results"))
	}
}

func TestRedisBusGroupCreationIsIdempotent(t *testing.T) {
	_, b := startRedisBus(t, redisstub.Options{})
	for i := 0; i < 2; i++ {
		sub, err := b.Subscribe(SubscriptionConfig{
			Topic:   "transcode.results",
			Group:   "aggregator",
			Handler: func(ctx context.Context, msg Message) error { return nil },
		})
		if err != nil {
			t.Fatalf("Subscribe %d: %v", i, err)
		}
		sub.Close()
	}
}

func TestRedisBusRedeliveryChargesBudget(t *testing.T) {
	_, b := startRedisBus(t, redisstub.Options{})

	var observed []int
	done := make(chan struct{})
	sub, err := b.Subscribe(SubscriptionConfig{
		Topic:         "transcode.results",
		Group:         "aggregator",
		MaxDeliveries: 5,
		Handler: func(ctx context.Context, msg Message) error {
			observed = append(observed, msg.Deliveries)
			if len(observed) < 3 {
				return context.DeadlineExceeded
			}
			close(done)
			return nil
		},
		MaxInFlight: 1,
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := b.Publish(context.Background(), "transcode.results", "flaky"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("message not redelivered, observed %v", observed)
	}
	for i, deliveries := range observed {
		if deliveries != i+1 {
			t.Fatalf("delivery counts = %v, want 1,2,3", observed)
		}
	}
}

func TestRedisBusDeadLettersPoisonMessages(t *testing.T) {
	stub, b := startRedisBus(t, redisstub.Options{})

	var hooked atomic.Int64
	sub, err := b.Subscribe(SubscriptionConfig{
		Topic:         "face.results",
		Group:         "aggregator",
		MaxDeliveries: 2,
		MaxInFlight:   1,
		Handler: func(ctx context.Context, msg Message) error {
			return context.DeadlineExceeded
		},
		DeadLetter: func(ctx context.Context, msg Message) {
			if msg.Deliveries != 2 {
				t.Errorf("dead letter deliveries = %d, want 2", msg.Deliveries)
			}
			hooked.Add(1)
		},
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := b.Publish(context.Background(), "face.results", "poison"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, 10*time.Second, func() bool {
		return hooked.Load() == 1 && stub.StreamLen("face.results"+DeadLetterSuffix) == 1
	})
}

func TestRedisBusAuthenticatedConnection(t *testing.T) {
	_, b := startRedisBus(t, redisstub.Options{Password: "sekrit"})

	received := make(chan struct{}, 1)
	sub, err := b.Subscribe(SubscriptionConfig{
		Topic: "transcode.tasks",
		Group: "transcoders",
		Handler: func(ctx context.Context, msg Message) error {
			received <- struct{}{}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := b.Publish(context.Background(), "transcode.tasks", "work"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatalf("message not delivered over authenticated connection")
	}
}
