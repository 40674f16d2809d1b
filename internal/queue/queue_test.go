package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestMessageValidate(t *testing.T) {
	id := uuid.New()

	t.Run("stage messages", func(t *testing.T) {
		for _, kind := range []Kind{KindValidate, KindImportMeta, KindSplitFile, KindCancel} {
			if err := (Message{Kind: kind, ImportID: id}).Validate(); err != nil {
				t.Errorf("%s: unexpected error: %v", kind, err)
			}
		}
	})

	t.Run("missing import id", func(t *testing.T) {
		if err := (Message{Kind: KindValidate}).Validate(); err == nil {
			t.Error("expected error for nil import id")
		}
	})

	t.Run("batch message", func(t *testing.T) {
		m := Message{Kind: KindImportBatch, ImportID: id, BatchNumber: 3, BatchFilePath: "imports/x/batches/y_000003"}
		if err := m.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}

		m.BatchNumber = 0
		if err := m.Validate(); err == nil {
			t.Error("expected error for batch number 0")
		}

		m.BatchNumber = 3
		m.BatchFilePath = ""
		if err := m.Validate(); err == nil {
			t.Error("expected error for missing batch file path")
		}
	})

	t.Run("unknown kind", func(t *testing.T) {
		if err := (Message{Kind: "bogus", ImportID: id}).Validate(); err == nil {
			t.Error("expected error for unknown kind")
		}
	})
}

func TestMessageRoundTrip(t *testing.T) {
	m := Message{
		Kind:          KindImportBatch,
		ImportID:      uuid.New(),
		BatchNumber:   12,
		BatchFilePath: "imports/abc/batches/def_000012",
	}

	body, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got != m {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, m)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Error("expected error for malformed body")
	}
	if _, err := Decode([]byte(`{"kind":"bogus"}`)); err == nil {
		t.Error("expected error for invalid message")
	}
}

func TestMemoryQueuePublishConsume(t *testing.T) {
	q := NewMemoryQueue(16, zerolog.Nop())
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := Message{Kind: KindValidate, ImportID: uuid.New()}
	if err := q.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deliveries, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	d := receiveDelivery(t, deliveries)
	if d.Message != msg {
		t.Errorf("got message %+v, want %+v", d.Message, msg)
	}
	if d.RetryCount != 0 {
		t.Errorf("fresh delivery has retry count %d", d.RetryCount)
	}
	if err := d.Ack(); err != nil {
		t.Errorf("Ack failed: %v", err)
	}
}

func TestMemoryQueueRetryIncrementsCount(t *testing.T) {
	q := NewMemoryQueue(16, zerolog.Nop())
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Publish(ctx, Message{Kind: KindSplitFile, ImportID: uuid.New()}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deliveries, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	d := receiveDelivery(t, deliveries)
	if err := d.Retry(ctx); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}

	redelivered := receiveDelivery(t, deliveries)
	if redelivered.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", redelivered.RetryCount)
	}
	if redelivered.Message != d.Message {
		t.Error("redelivered message differs from original")
	}
}

func TestMemoryQueuePublishRejectsInvalid(t *testing.T) {
	q := NewMemoryQueue(16, zerolog.Nop())
	defer q.Close()

	if err := q.Publish(context.Background(), Message{Kind: KindValidate}); err == nil {
		t.Error("expected error publishing invalid message")
	}
}

func receiveDelivery(t *testing.T, deliveries <-chan Delivery) Delivery {
	t.Helper()
	select {
	case d, ok := <-deliveries:
		if !ok {
			t.Fatal("delivery channel closed")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return Delivery{}
	}
}
