package middleware

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

//go:embed schemas/events.json
var eventsSchema []byte

const schemaURL = "https://schemas.relaychat.dev/events.json"

var findSchemas = []string{
	"findMessages", "findMessagesGroups", "findNotificationContexts", "findNotifications",
	"findLabels", "findCollaborators", "findPeers", "findThreads",
}

// Schemas holds one compiled schema per event type and find operation.
type Schemas struct {
	byName map[string]*jsonschema.Schema
}

func CompileSchemas() (*Schemas, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(eventsSchema))
	if err != nil {
		return nil, fmt.Errorf("parse event schemas: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add event schemas: %w", err)
	}
	names := append([]string(nil), findSchemas...)
	for _, t := range relaychat.EventTypes() {
		names = append(names, string(t))
	}
	s := &Schemas{byName: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		schema, err := compiler.Compile(schemaURL + "#/$defs/" + name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		s.byName[name] = schema
	}
	return s, nil
}

// Validate checks a JSON document against the named schema.
func (s *Schemas) Validate(name string, data []byte) error {
	schema, ok := s.byName[name]
	if !ok {
		return relaychat.BadRequest("no schema for %s", name)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return relaychat.BadRequest("malformed %s: %v", name, err)
	}
	if err := schema.Validate(inst); err != nil {
		return relaychat.BadRequest("%s", err.Error())
	}
	return nil
}

// ValidateMiddleware rejects request events and find parameters that do
// not match their schema exactly. Derived events are produced internally
// and skip it.
type ValidateMiddleware struct {
	Base
	pctx    *Context
	schemas *Schemas
}

func NewValidate() Factory {
	return func(pctx *Context, next Middleware) (Middleware, error) {
		schemas, err := CompileSchemas()
		if err != nil {
			return nil, err
		}
		return &ValidateMiddleware{Base: NewBase(next), pctx: pctx, schemas: schemas}, nil
	}
}

func (m *ValidateMiddleware) check(name string, data []byte) error {
	err := m.schemas.Validate(name, data)
	if err != nil {
		m.pctx.Logger.Error("invalid request",
			zap.String("schema", name),
			zap.ByteString("payload", data),
			zap.Error(err),
		)
	}
	return err
}

func (m *ValidateMiddleware) checkParams(name string, params any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return relaychat.BadRequest("malformed %s: %v", name, err)
	}
	return m.check(name, data)
}

func (m *ValidateMiddleware) Event(ctx context.Context, session *relaychat.Session, ev relaychat.Event, derived bool) (relaychat.EventResult, error) {
	if derived {
		return m.Base.Event(ctx, session, ev, derived)
	}
	payload := ev.Header().Raw()
	if len(payload) == 0 {
		encoded, err := relaychat.Marshal(ev)
		if err != nil {
			return relaychat.EventResult{}, relaychat.BadRequest("malformed %s: %v", ev.Type(), err)
		}
		payload = encoded
	}
	if err := m.check(string(ev.Type()), payload); err != nil {
		return relaychat.EventResult{}, err
	}
	return m.Base.Event(ctx, session, ev, derived)
}

func (m *ValidateMiddleware) FindMessages(ctx context.Context, session *relaychat.Session, params relaychat.FindMessagesParams, queryID string) ([]relaychat.Message, error) {
	if err := m.checkParams("findMessages", params); err != nil {
		return nil, err
	}
	return m.Base.FindMessages(ctx, session, params, queryID)
}

func (m *ValidateMiddleware) FindMessagesGroups(ctx context.Context, session *relaychat.Session, params relaychat.FindMessagesGroupsParams, queryID string) ([]relaychat.MessagesGroup, error) {
	if err := m.checkParams("findMessagesGroups", params); err != nil {
		return nil, err
	}
	return m.Base.FindMessagesGroups(ctx, session, params, queryID)
}

func (m *ValidateMiddleware) FindNotificationContexts(ctx context.Context, session *relaychat.Session, params relaychat.FindNotificationContextParams, queryID string) ([]relaychat.NotificationContext, error) {
	if err := m.checkParams("findNotificationContexts", params); err != nil {
		return nil, err
	}
	return m.Base.FindNotificationContexts(ctx, session, params, queryID)
}

func (m *ValidateMiddleware) FindNotifications(ctx context.Context, session *relaychat.Session, params relaychat.FindNotificationsParams, queryID string) ([]relaychat.Notification, error) {
	if err := m.checkParams("findNotifications", params); err != nil {
		return nil, err
	}
	return m.Base.FindNotifications(ctx, session, params, queryID)
}

func (m *ValidateMiddleware) FindLabels(ctx context.Context, session *relaychat.Session, params relaychat.FindLabelsParams, queryID string) ([]relaychat.Label, error) {
	if err := m.checkParams("findLabels", params); err != nil {
		return nil, err
	}
	return m.Base.FindLabels(ctx, session, params, queryID)
}

func (m *ValidateMiddleware) FindCollaborators(ctx context.Context, session *relaychat.Session, params relaychat.FindCollaboratorsParams, queryID string) ([]relaychat.Collaborator, error) {
	if err := m.checkParams("findCollaborators", params); err != nil {
		return nil, err
	}
	return m.Base.FindCollaborators(ctx, session, params, queryID)
}

func (m *ValidateMiddleware) FindPeers(ctx context.Context, session *relaychat.Session, params relaychat.FindPeersParams, queryID string) ([]relaychat.Peer, error) {
	if err := m.checkParams("findPeers", params); err != nil {
		return nil, err
	}
	return m.Base.FindPeers(ctx, session, params, queryID)
}

func (m *ValidateMiddleware) FindThreads(ctx context.Context, session *relaychat.Session, params relaychat.FindThreadsParams, queryID string) ([]relaychat.ThreadMeta, error) {
	if err := m.checkParams("findThreads", params); err != nil {
		return nil, err
	}
	return m.Base.FindThreads(ctx, session, params, queryID)
}
