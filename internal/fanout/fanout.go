// Package fanout carries committed events between server instances that
// serve the same workspace, so sessions connected to any instance see them.
package fanout

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

var ErrClosed = errors.New("fanout closed")

// Bus publishes event batches to the other instances and delivers theirs.
type Bus interface {
	Publish(ctx context.Context, events []relaychat.Event) error
	// Run blocks delivering remote batches until ctx is done or the bus is
	// closed. Batches published by this instance are never delivered back.
	Run(ctx context.Context, deliver func(ctx context.Context, events []relaychat.Event)) error
	Close() error
}

type envelope struct {
	Origin    string                `json:"origin"`
	Workspace string                `json:"workspace"`
	Events    []relaychat.WireEvent `json:"events"`
}

func encode(origin, workspace string, events []relaychat.Event) ([]byte, error) {
	wire := make([]relaychat.WireEvent, 0, len(events))
	for _, ev := range events {
		wire = append(wire, relaychat.WireEvent{Event: ev})
	}
	return json.Marshal(envelope{Origin: origin, Workspace: workspace, Events: wire})
}

func decode(payload []byte) (envelope, []relaychat.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return envelope{}, nil, err
	}
	events := make([]relaychat.Event, 0, len(env.Events))
	for _, w := range env.Events {
		if w.Event != nil {
			events = append(events, w.Event)
		}
	}
	return env, events, nil
}
