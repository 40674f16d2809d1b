// Package queue carries the work messages that drive the import state
// machine. Each stage of an import runs as an independent unit of work
// triggered by one message; delivery is at-least-once, so every handler
// must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Kind discriminates the message union. The worker switches over it
// exhaustively.
type Kind string

const (
	KindValidate    Kind = "stage1_validate"
	KindImportMeta  Kind = "stage2_import_meta"
	KindSplitFile   Kind = "stage3_split_file"
	KindImportBatch Kind = "stage4_import_batch"
	KindCancel      Kind = "cancel_import"
)

// Message is one unit of import work. BatchNumber and BatchFilePath are
// only meaningful for KindImportBatch.
type Message struct {
	Kind          Kind      `json:"kind"`
	ImportID      uuid.UUID `json:"import_id"`
	BatchNumber   int       `json:"batch_number,omitempty"`
	BatchFilePath string    `json:"batch_file_path,omitempty"`
}

// Validate checks the message is structurally sound for its kind.
func (m Message) Validate() error {
	if m.ImportID == uuid.Nil {
		return fmt.Errorf("message missing import id")
	}
	switch m.Kind {
	case KindValidate, KindImportMeta, KindSplitFile, KindCancel:
		return nil
	case KindImportBatch:
		if m.BatchNumber < 1 {
			return fmt.Errorf("batch message with batch number %d", m.BatchNumber)
		}
		if m.BatchFilePath == "" {
			return fmt.Errorf("batch message missing batch file path")
		}
		return nil
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
}

// Encode serializes the message for the wire.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode deserializes a wire message.
func Decode(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Delivery is one received message plus its acknowledgement handle.
type Delivery struct {
	Message    Message
	RetryCount int

	acker Acker
}

// Acker settles a delivery exactly once.
type Acker interface {
	// Ack marks the work done; the message will not be redelivered.
	Ack() error
	// Retry requeues the message with an incremented retry count.
	Retry(ctx context.Context) error
	// Reject drops the message without requeueing.
	Reject() error
}

// Ack marks the delivery processed.
func (d *Delivery) Ack() error { return d.acker.Ack() }

// Retry requeues the delivery for another attempt.
func (d *Delivery) Retry(ctx context.Context) error { return d.acker.Retry(ctx) }

// Reject drops the delivery.
func (d *Delivery) Reject() error { return d.acker.Reject() }

// Queue is the message transport the pipeline runs on. Publish enqueues a
// message; Consume returns a channel of deliveries that closes when the
// context is cancelled or the connection drops.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Delivery, error)
	Close() error
}
