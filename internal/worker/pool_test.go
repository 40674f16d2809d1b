package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/factfeed/factfeed/internal/queue"
)

type stubHandler struct {
	mu     sync.Mutex
	seen   []queue.Message
	err    error
	notify chan struct{}
}

func (h *stubHandler) Handle(ctx context.Context, msg queue.Message) error {
	h.mu.Lock()
	h.seen = append(h.seen, msg)
	h.mu.Unlock()
	select {
	case h.notify <- struct{}{}:
	default:
	}
	return h.err
}

func (h *stubHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

type stubFailer struct {
	mu     sync.Mutex
	id     uuid.UUID
	detail string
	called chan struct{}
}

func (f *stubFailer) Fail(ctx context.Context, id uuid.UUID, detail string) error {
	f.mu.Lock()
	f.id = id
	f.detail = detail
	f.mu.Unlock()
	close(f.called)
	return nil
}

func startPool(t *testing.T, q queue.Queue, h Handler, f failer, maxRetries int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	p := New(q, h, f, 2, maxRetries, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("pool exited with %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestPoolDeliversToHandler(t *testing.T) {
	q := queue.NewMemoryQueue(16, zerolog.Nop())
	defer q.Close()

	h := &stubHandler{notify: make(chan struct{}, 16)}
	f := &stubFailer{called: make(chan struct{})}
	startPool(t, q, h, f, 3)

	msg := queue.Message{Kind: queue.KindValidate, ImportID: uuid.New()}
	if err := q.Publish(context.Background(), msg); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	select {
	case <-h.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never saw the message")
	}

	h.mu.Lock()
	got := h.seen[0]
	h.mu.Unlock()
	if got.ImportID != msg.ImportID || got.Kind != msg.Kind {
		t.Fatalf("handler got %+v, want %+v", got, msg)
	}

	select {
	case <-f.called:
		t.Fatal("failer called for a successful message")
	default:
	}
}

func TestPoolRetriesThenFails(t *testing.T) {
	q := queue.NewMemoryQueue(16, zerolog.Nop())
	defer q.Close()

	const maxRetries = 2
	h := &stubHandler{notify: make(chan struct{}, 16), err: errors.New("database is down")}
	f := &stubFailer{called: make(chan struct{})}
	startPool(t, q, h, f, maxRetries)

	importID := uuid.New()
	msg := queue.Message{Kind: queue.KindImportMeta, ImportID: importID}
	if err := q.Publish(context.Background(), msg); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	select {
	case <-f.called:
	case <-time.After(2 * time.Second):
		t.Fatal("message never exhausted its retries")
	}

	// First attempt plus maxRetries redeliveries.
	if got := h.count(); got != maxRetries+1 {
		t.Fatalf("handler ran %d times, want %d", got, maxRetries+1)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.id != importID {
		t.Fatalf("failed import %s, want %s", f.id, importID)
	}
	for _, want := range []string{"stage2_import_meta", "3 attempts", "database is down"} {
		if !strings.Contains(f.detail, want) {
			t.Fatalf("failure detail %q missing %q", f.detail, want)
		}
	}
}

func TestPoolClampsWorkerCount(t *testing.T) {
	p := New(nil, nil, nil, 0, 3, zerolog.Nop())
	if p.workers != 1 {
		t.Fatalf("workers = %d, want 1", p.workers)
	}
}
