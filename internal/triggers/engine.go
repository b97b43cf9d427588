// Package triggers turns one committed event into the follow-on events it
// implies: thread counters, collaborator subscriptions, notifications and
// card cascades.
package triggers

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaychat/internal/client"
	"github.com/agentworkforce/relaychat/internal/metrics"
	"github.com/agentworkforce/relaychat/internal/notification"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

// Context is what a handler sees for one committed event.
type Context struct {
	Client        *client.Client
	Notifications *notification.Engine
	Indexer       Indexer
	Logger        *zap.Logger
	Workspace     string
	Session       *relaychat.Session
	// Execute runs a derived event through the pipeline right away. Handlers
	// use it only when they need the result, such as a new context id.
	Execute notification.Executor
}

type Handler func(ctx context.Context, tc *Context, ev relaychat.Event) ([]relaychat.Event, error)

type Trigger struct {
	Name    string
	Type    relaychat.EventType
	Handler Handler
}

type Options struct {
	Client        *client.Client
	Notifications *notification.Engine
	Indexer       Indexer
	Logger        *zap.Logger
	Metrics       *metrics.Pipeline
	Workspace     string
	// Triggers replaces the default table.
	Triggers []Trigger
}

type Engine struct {
	client        *client.Client
	notifications *notification.Engine
	indexer       Indexer
	logger        *zap.Logger
	metrics       *metrics.Pipeline
	workspace     string
	byType        map[relaychat.EventType][]Trigger
}

func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Triggers == nil {
		opts.Triggers = Default()
	}
	if opts.Notifications == nil && opts.Client != nil {
		opts.Notifications = notification.New(opts.Client, notification.Options{Logger: opts.Logger})
	}
	e := &Engine{
		client:        opts.Client,
		notifications: opts.Notifications,
		indexer:       opts.Indexer,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		workspace:     opts.Workspace,
		byType:        map[relaychat.EventType][]Trigger{},
	}
	for _, trigger := range opts.Triggers {
		e.byType[trigger.Type] = append(e.byType[trigger.Type], trigger)
	}
	return e
}

// Process runs every trigger registered for the event type concurrently and
// returns their output in table order. A failing trigger is logged and
// contributes nothing; it never cancels its siblings.
func (e *Engine) Process(ctx context.Context, session *relaychat.Session, execute notification.Executor, ev relaychat.Event) []relaychat.Event {
	triggers := e.byType[ev.Type()]
	if len(triggers) == 0 {
		return nil
	}
	tc := &Context{
		Client:        e.client,
		Notifications: e.notifications,
		Indexer:       e.indexer,
		Logger:        e.logger,
		Workspace:     e.workspace,
		Session:       session,
		Execute:       execute,
	}

	outputs := make([][]relaychat.Event, len(triggers))
	var group errgroup.Group
	for i, trigger := range triggers {
		i, trigger := i, trigger
		group.Go(func() error {
			events, err := trigger.Handler(ctx, tc, ev)
			e.metrics.ObserveTrigger(trigger.Name, err)
			if err != nil {
				e.logger.Error("trigger failed",
					zap.String("trigger", trigger.Name),
					zap.String("type", string(ev.Type())),
					zap.String("cardId", relaychat.CardOf(ev)),
					zap.Error(err),
				)
				return nil
			}
			outputs[i] = events
			return nil
		})
	}
	_ = group.Wait()

	var result []relaychat.Event
	for _, events := range outputs {
		result = append(result, events...)
	}
	return result
}

// Default is the trigger table the server runs with.
func Default() []Trigger {
	return []Trigger{
		{Name: "register_card", Type: relaychat.EventCreateMessage, Handler: registerCard},
		{Name: "add_message_collaborators", Type: relaychat.EventCreateMessage, Handler: addMessageCollaborators},
		{Name: "add_thread_reply", Type: relaychat.EventCreateMessage, Handler: addThreadReply},
		{Name: "notify_message", Type: relaychat.EventCreateMessage, Handler: notifyMessage},
		{Name: "remove_thread_reply", Type: relaychat.EventRemovePatch, Handler: removeThreadReply},
		{Name: "backfill_thread", Type: relaychat.EventThreadPatch, Handler: backfillThread},
		{Name: "notify_reaction", Type: relaychat.EventReactionPatch, Handler: notifyReaction},
		{Name: "forget_card", Type: relaychat.EventCreateMessagesGroup, Handler: forgetCard},
		{Name: "update_card_type", Type: relaychat.EventUpdateCardType, Handler: updateCardType},
		{Name: "remove_card", Type: relaychat.EventRemoveCard, Handler: removeCard},
		{Name: "subscribe_collaborators", Type: relaychat.EventAddCollaborators, Handler: subscribeCollaborators},
		{Name: "unsubscribe_collaborators", Type: relaychat.EventRemoveCollaborators, Handler: unsubscribeCollaborators},
		{Name: "clear_read_context", Type: relaychat.EventUpdateNotificationContext, Handler: clearReadContext},
		{Name: "clear_removed_context", Type: relaychat.EventRemoveNotificationContext, Handler: clearRemovedContext},
	}
}

var errUnexpectedEvent = errors.New("unexpected event type")
