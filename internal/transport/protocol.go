package transport

import (
	"bytes"
	"encoding/json"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

// Methods accepted in a request frame.
const (
	MethodEvent                    = "event"
	MethodFindMessages             = "findMessages"
	MethodFindMessagesGroups       = "findMessagesGroups"
	MethodFindNotificationContexts = "findNotificationContexts"
	MethodFindNotifications        = "findNotifications"
	MethodFindLabels               = "findLabels"
	MethodFindCollaborators        = "findCollaborators"
	MethodFindPeers                = "findPeers"
	MethodFindThreads              = "findThreads"
	MethodSubscribeCard            = "subscribeCard"
	MethodUnsubscribeCard          = "unsubscribeCard"
	MethodUnsubscribeQuery         = "unsubscribeQuery"
	MethodPing                     = "ping"
)

// Request is one client call. QueryID turns a find into a live query whose
// matching events are pushed until it is unsubscribed.
type Request struct {
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	QueryID string          `json:"queryId,omitempty"`
}

// Frame is everything the server sends. Responses carry the request id;
// pushed broadcasts carry only events.
type Frame struct {
	ID     string                `json:"id,omitempty"`
	Result json.RawMessage       `json:"result,omitempty"`
	Error  *relaychat.APIError   `json:"error,omitempty"`
	Events []relaychat.WireEvent `json:"events,omitempty"`
}

type CardSubscription struct {
	CardID         string `json:"cardId"`
	SubscriptionID string `json:"subscriptionId"`
}

type QueryRef struct {
	QueryID string `json:"queryId"`
}

func eventsFrame(events []relaychat.Event) ([]byte, error) {
	wire := make([]relaychat.WireEvent, 0, len(events))
	for _, ev := range events {
		wire = append(wire, relaychat.WireEvent{Event: ev})
	}
	return json.Marshal(Frame{Events: wire})
}

// decodeParams rejects unknown fields so typos in filters are reported
// instead of silently widening a query.
func decodeParams(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return relaychat.BadRequest("invalid params: %v", err)
	}
	return nil
}
