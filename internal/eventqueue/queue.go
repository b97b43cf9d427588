// Package eventqueue hands committed events and card registrations to
// consumers outside the process: search indexing, audit and integrations.
package eventqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// Record is one keyed payload. Records with the same key keep their order.
type Record struct {
	Key   string    `json:"key"`
	Value []byte    `json:"value"`
	Time  time.Time `json:"time"`
}

type Queue interface {
	Publish(ctx context.Context, records ...Record) error
	Close() error
}

// Consumer is implemented by the local backends.
type Consumer interface {
	Dequeue(ctx context.Context) (Record, bool)
	Depth() int
}

type eventEnvelope struct {
	Workspace string              `json:"workspace"`
	Event     relaychat.WireEvent `json:"event"`
}

// EventRecords encodes events keyed by card so one card's events stay
// ordered on partitioned backends.
func EventRecords(workspace string, events []relaychat.Event) ([]Record, error) {
	records := make([]Record, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(eventEnvelope{Workspace: workspace, Event: relaychat.WireEvent{Event: ev}})
		if err != nil {
			return nil, err
		}
		records = append(records, Record{Key: relaychat.CardOf(ev), Value: value, Time: ev.Header().Date})
	}
	return records, nil
}

// DecodeEventRecord is the inverse of EventRecords.
func DecodeEventRecord(record Record) (string, relaychat.Event, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(record.Value, &envelope); err != nil {
		return "", nil, err
	}
	return envelope.Workspace, envelope.Event.Event, nil
}

type cardRegistration struct {
	Workspace string `json:"workspace"`
	CardID    string `json:"cardId"`
}

func CardRecord(workspace, cardID string) Record {
	value, _ := json.Marshal(cardRegistration{Workspace: workspace, CardID: cardID})
	return Record{Key: cardID, Value: value, Time: time.Now().UTC()}
}

// Enqueuer adapts a queue to the pipeline's enqueue callback.
func Enqueuer(queue Queue, workspace string) func(ctx context.Context, events []relaychat.Event) error {
	return func(ctx context.Context, events []relaychat.Event) error {
		if len(events) == 0 {
			return nil
		}
		records, err := EventRecords(workspace, events)
		if err != nil {
			return err
		}
		return queue.Publish(ctx, records...)
	}
}
