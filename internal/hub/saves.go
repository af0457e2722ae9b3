package hub

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"docsync/internal/models"
	"docsync/internal/permission"
	"docsync/internal/session"
	"docsync/internal/store"
)

var errSaveFailed = models.NewError(models.CodeServerError, "failed to save document")

// saveTarget decodes a save payload and resolves the document it addresses,
// defaulting to the session's document.
func (h *Hub) saveTarget(s *session.Session, data json.RawMessage) (models.SaveRequest, error) {
	var req models.SaveRequest
	if err := h.decode(data, &req); err != nil {
		return req, err
	}
	if req.DocumentID == "" {
		req.DocumentID = s.DocumentID()
	}
	if req.DocumentID == "" {
		return req, models.NewError(models.CodeValidation, "payload failed validation").WithDetails(map[string]any{
			"documentId": "required",
		})
	}
	if err := h.checkSizes(req.Content, req.Title); err != nil {
		return req, err
	}
	return req, nil
}

func (h *Hub) handleSaveDocument(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	s, err := h.requireSession(c)
	if err != nil {
		return nil, err
	}
	if err := h.allow(c, s, models.EventSaveDocument); err != nil {
		return nil, err
	}

	req, err := h.saveTarget(s, data)
	if err != nil {
		return nil, err
	}
	if _, ok := h.oracle.Check(ctx, req.DocumentID, c.UserID, permission.Write); !ok {
		return nil, errReadOnly
	}

	at, err := h.autosave.SaveNow(ctx, req.DocumentID, req.Content, req.Title)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errDocumentGone
		}
		h.log.WithError(err).WithFields(logrus.Fields{
			"document_id": req.DocumentID,
			"user_id":     c.UserID,
		}).Error("explicit save failed")
		return nil, errSaveFailed
	}

	h.broadcast(ctx, req.DocumentID, c.ID, models.EventDocumentSaved, models.DocumentSaved{
		DocumentID: req.DocumentID,
		SavedBy:    h.userInfo(c),
		Timestamp:  at,
	})
	return models.SaveResponse{Success: true, Timestamp: at}, nil
}

// handleDocumentChanged only schedules a debounced save; nothing is
// broadcast and nothing is answered on success.
func (h *Hub) handleDocumentChanged(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	s, err := h.requireSession(c)
	if err != nil {
		return nil, err
	}
	if err := h.allow(c, s, models.EventDocumentChanged); err != nil {
		return nil, err
	}

	req, err := h.saveTarget(s, data)
	if err != nil {
		return nil, err
	}
	if _, ok := h.oracle.Check(ctx, req.DocumentID, c.UserID, permission.Write); !ok {
		return nil, errReadOnly
	}

	h.autosave.Schedule(req.DocumentID, req.Content, req.Title, c.UserID)
	return nil, nil
}
