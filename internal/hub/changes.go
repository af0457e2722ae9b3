package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"docsync/internal/models"
	"docsync/internal/permission"
)

// handleSendChanges relays a delta to the rest of the room. Deltas are not
// merged or transformed; clients apply them as received.
func (h *Hub) handleSendChanges(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	s, err := h.requireSession(c)
	if err != nil {
		return nil, err
	}
	if err := h.allow(c, s, models.EventSendChanges); err != nil {
		return nil, err
	}

	var delta models.Delta
	if err := h.decode(data, &delta); err != nil {
		return nil, h.dropInvalid(c, models.EventSendChanges, err)
	}
	if len(delta.Ops) > h.cfg.MaxDeltaOps {
		return nil, h.dropInvalid(c, models.EventSendChanges, fmt.Errorf("delta has %d ops, limit %d", len(delta.Ops), h.cfg.MaxDeltaOps))
	}

	documentID, err := h.requireRoom(c, s)
	if err != nil {
		return nil, err
	}
	if delta.DocumentID != "" && delta.DocumentID != documentID {
		return nil, errIdentity
	}
	if _, ok := h.oracle.Check(ctx, documentID, c.UserID, permission.Write); !ok {
		return nil, errReadOnly
	}
	// membership may have changed while the permission lookup was in flight
	if !h.sessions.InRoom(documentID, c.ID) {
		return nil, errSessionExpired
	}

	delta.DocumentID = documentID
	h.broadcast(ctx, documentID, c.ID, models.EventReceiveChanges, models.ReceiveChanges{
		DocumentID: documentID,
		Delta:      delta,
		UserID:     c.UserID,
		User:       h.userInfo(c),
		Timestamp:  h.now().UTC(),
	})
	return nil, nil
}

func (h *Hub) handleCursorUpdate(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	s, err := h.requireSession(c)
	if err != nil {
		return nil, err
	}
	if err := h.allow(c, s, models.EventCursorUpdate); err != nil {
		return nil, err
	}

	var req models.CursorUpdate
	if err := h.decode(data, &req); err != nil {
		return nil, h.dropInvalid(c, models.EventCursorUpdate, err)
	}
	if !s.Matches(req.UserID, req.DocumentID) {
		return nil, errIdentity
	}
	if !h.sessions.InRoom(req.DocumentID, c.ID) {
		return nil, errSessionExpired
	}

	s.SetCursor(*req.Cursor)
	h.broadcast(ctx, req.DocumentID, c.ID, models.EventCursorUpdate, models.CursorBroadcast{
		DocumentID:   req.DocumentID,
		UserID:       c.UserID,
		ConnectionID: c.ID,
		User:         h.userInfo(c),
		Cursor:       *req.Cursor,
		Timestamp:    h.now().UTC(),
	})
	return nil, nil
}

func (h *Hub) handleContentChange(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	s, err := h.requireSession(c)
	if err != nil {
		return nil, err
	}
	if err := h.allow(c, s, models.EventContentChange); err != nil {
		return nil, err
	}

	var req models.ContentChange
	if err := h.decode(data, &req); err != nil {
		return nil, h.dropInvalid(c, models.EventContentChange, err)
	}
	if len(req.Content) > h.cfg.MaxContentBytes {
		return nil, h.dropInvalid(c, models.EventContentChange, fmt.Errorf("content of %d bytes over limit", len(req.Content)))
	}
	if !s.Matches(req.UserID, req.DocumentID) {
		return nil, errIdentity
	}
	if _, ok := h.oracle.Check(ctx, req.DocumentID, c.UserID, permission.Write); !ok {
		return nil, errReadOnly
	}
	if !h.sessions.InRoom(req.DocumentID, c.ID) {
		return nil, errSessionExpired
	}

	s.SetStatus(models.StatusTyping)
	h.broadcast(ctx, req.DocumentID, c.ID, models.EventContentChange, models.ContentChangeBroadcast{
		ContentChange: req,
		ConnectionID:  c.ID,
		User:          h.userInfo(c),
		Timestamp:     h.now().UTC(),
	})
	return nil, nil
}

func (h *Hub) handleUserStatus(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	s, err := h.requireSession(c)
	if err != nil {
		return nil, err
	}
	if err := h.allow(c, s, models.EventUserStatus); err != nil {
		return nil, err
	}

	var req models.UserStatusUpdate
	if err := h.decode(data, &req); err != nil {
		return nil, h.dropInvalid(c, models.EventUserStatus, err)
	}
	if !s.Matches(req.UserID, req.DocumentID) {
		return nil, errIdentity
	}
	if !h.sessions.InRoom(req.DocumentID, c.ID) {
		return nil, errSessionExpired
	}

	s.SetStatus(req.Status)
	h.broadcast(ctx, req.DocumentID, c.ID, models.EventUserStatus, models.StatusBroadcast{
		DocumentID:   req.DocumentID,
		UserID:       c.UserID,
		ConnectionID: c.ID,
		Status:       req.Status,
		Timestamp:    h.now().UTC(),
	})
	return nil, nil
}
