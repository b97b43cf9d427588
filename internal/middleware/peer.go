package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

// PeerMiddleware attaches the peers of a card to message events so the
// sync side can mirror them, and keeps the cards-with-peers set current.
type PeerMiddleware struct {
	Base
	pctx *Context
}

// NewPeer seeds the cards-with-peers set from the peers already stored for
// the workspace.
func NewPeer() Factory {
	return func(pctx *Context, next Middleware) (Middleware, error) {
		if pctx.Client != nil {
			peers, err := pctx.Client.DB.FindPeers(context.Background(), relaychat.FindPeersParams{WorkspaceID: pctx.Workspace})
			if err != nil {
				return nil, fmt.Errorf("load peers: %w", err)
			}
			for _, peer := range peers {
				pctx.CardsWithPeers.Add(peer.CardID)
			}
		}
		return &PeerMiddleware{Base: NewBase(next), pctx: pctx}, nil
	}
}

func (m *PeerMiddleware) Event(ctx context.Context, session *relaychat.Session, ev relaychat.Event, derived bool) (relaychat.EventResult, error) {
	switch e := ev.(type) {
	case *relaychat.CreatePeer:
		m.pctx.CardsWithPeers.Add(e.CardID)
	case *relaychat.RemovePeer:
		m.forgetIfLast(ctx, e.CardID)
	case *relaychat.CreateMessage, *relaychat.UpdatePatch, *relaychat.RemovePatch,
		*relaychat.ReactionPatch, *relaychat.AttachmentPatch, *relaychat.BlobPatch,
		*relaychat.ThreadPatch:
		m.attachPeers(ctx, ev)
	}
	return m.Base.Event(ctx, session, ev, derived)
}

func (m *PeerMiddleware) attachPeers(ctx context.Context, ev relaychat.Event) {
	cardID := relaychat.CardOf(ev)
	if !m.pctx.CardsWithPeers.Has(cardID) {
		return
	}
	peers, err := m.pctx.Client.DB.FindPeers(ctx, relaychat.FindPeersParams{WorkspaceID: m.pctx.Workspace, CardID: cardID})
	if err != nil {
		m.pctx.Logger.Warn("failed to load peers", zap.String("cardId", cardID), zap.Error(err))
		return
	}
	ev.Header().EventExtra.Peers = peers
}

func (m *PeerMiddleware) forgetIfLast(ctx context.Context, cardID string) {
	left, err := m.pctx.Client.DB.FindPeers(ctx, relaychat.FindPeersParams{
		FindParams:  relaychat.FindParams{Limit: 1},
		WorkspaceID: m.pctx.Workspace,
		CardID:      cardID,
	})
	if err != nil {
		m.pctx.Logger.Warn("failed to load peers", zap.String("cardId", cardID), zap.Error(err))
		return
	}
	if len(left) == 0 {
		m.pctx.CardsWithPeers.Remove(cardID)
	}
}
