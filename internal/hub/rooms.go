package hub

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"docsync/internal/models"
	"docsync/internal/permission"
	"docsync/internal/store"
)

const defaultTitle = "Untitled Document"

var (
	errForbidden    = models.NewError(models.CodeForbidden, "you do not have access to this document")
	errReadOnly     = models.NewError(models.CodeForbidden, "you do not have write access to this document")
	errIdentity     = models.NewError(models.CodeForbidden, "user or document does not match this session")
	errLoadFailed   = models.NewError(models.CodeServerError, "failed to load document")
	errDocumentGone = models.NewError(models.CodeNotFound, "document not found")
	errUserMismatch = models.NewError(models.CodeForbidden, "userId does not match the authenticated user")
)

func (h *Hub) handleGetDocument(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req models.DocumentRequest
	if err := h.decode(data, &req); err != nil {
		return nil, err
	}
	if req.UserID != "" && req.UserID != c.UserID {
		return nil, errUserMismatch
	}

	if err := h.allow(c, h.currentSession(c), models.EventGetDocument); err != nil {
		return nil, err
	}

	doc, level, err := h.loadOrCreate(ctx, c, req.DocumentID)
	if err != nil {
		return nil, err
	}

	users := h.joinRoom(ctx, c, doc.ID)

	owner := models.UserInfo{ID: doc.OwnerID}
	if doc.OwnerID == c.UserID {
		owner = h.userInfo(c)
	} else if doc.OwnerID != "" {
		p := h.profiles.Resolve(ctx, doc.OwnerID)
		owner = models.UserInfo{ID: p.ID, Email: p.Email, Role: p.Role}
	}

	return models.DocumentResponse{
		DocumentID:     doc.ID,
		Content:        doc.Content,
		Title:          doc.Title,
		Permission:     level,
		Owner:          owner,
		ConnectedUsers: users,
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
	}, nil
}

// loadOrCreate reads the document, creating it for callers allowed to write
// when it does not exist yet.
func (h *Hub) loadOrCreate(ctx context.Context, c *Client, documentID string) (*models.Document, models.Permission, error) {
	fields := logrus.Fields{"document_id": documentID, "user_id": c.UserID}

	doc, err := h.docs.GetDocument(ctx, documentID)
	switch {
	case err == nil:
		level, ok := h.oracle.Check(ctx, documentID, c.UserID, permission.Read)
		if !ok {
			return nil, "", errForbidden
		}
		return doc, level, nil
	case errors.Is(err, store.ErrNotFound):
	default:
		h.log.WithError(err).WithFields(fields).Error("document lookup failed")
		return nil, "", errLoadFailed
	}

	if _, ok := h.oracle.Check(ctx, documentID, c.UserID, permission.Write); !ok {
		if _, ok := h.oracle.Check(ctx, documentID, c.UserID, permission.Read); ok {
			return nil, "", errDocumentGone
		}
		return nil, "", errForbidden
	}

	now := h.now().UTC()
	doc = &models.Document{
		ID:        documentID,
		Title:     defaultTitle,
		OwnerID:   c.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.docs.CreateDocument(ctx, doc); err != nil {
		// someone else may have created it first
		existing, gerr := h.docs.GetDocument(ctx, documentID)
		if gerr != nil {
			h.log.WithError(err).WithFields(fields).Error("document create failed")
			return nil, "", errLoadFailed
		}
		level, ok := h.oracle.Check(ctx, documentID, c.UserID, permission.Read)
		if !ok {
			return nil, "", errForbidden
		}
		return existing, level, nil
	}

	h.log.WithFields(fields).Info("document created")
	return doc, models.PermissionOwner, nil
}

func (h *Hub) handleJoinDocument(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req models.DocumentRequest
	if err := h.decode(data, &req); err != nil {
		return nil, err
	}
	if req.UserID != "" && req.UserID != c.UserID {
		return nil, errUserMismatch
	}

	if err := h.allow(c, h.currentSession(c), models.EventJoinDocument); err != nil {
		return nil, err
	}

	level, ok := h.oracle.Check(ctx, req.DocumentID, c.UserID, permission.Read)
	if !ok {
		return nil, errForbidden
	}
	if _, err := h.docs.GetDocument(ctx, req.DocumentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errDocumentGone
		}
		h.log.WithError(err).WithFields(logrus.Fields{
			"document_id": req.DocumentID,
			"user_id":     c.UserID,
		}).Error("document lookup failed")
		return nil, errLoadFailed
	}

	users := h.joinRoom(ctx, c, req.DocumentID)
	return models.JoinResponse{
		DocumentID:     req.DocumentID,
		Permission:     level,
		ConnectedUsers: users,
	}, nil
}

// joinRoom moves c into the room of documentID, announcing the move to both
// rooms, and returns the room's participants.
func (h *Hub) joinRoom(ctx context.Context, c *Client, documentID string) []models.ConnectedUser {
	res := h.sessions.Join(c.ID, c.UserID, documentID)
	now := h.now().UTC()

	if res.LeftPrevious {
		h.broadcast(ctx, res.Previous, c.ID, models.EventUserLeft, models.UserLeft{
			DocumentID:   res.Previous,
			ConnectionID: c.ID,
			UserID:       c.UserID,
			Reason:       "switch",
			Timestamp:    now,
		})
	}

	users := h.ConnectedUsers(ctx, documentID)
	if res.Added {
		h.broadcast(ctx, documentID, c.ID, models.EventUserJoined, models.UserJoined{
			DocumentID:     documentID,
			ConnectionID:   c.ID,
			User:           h.userInfo(c),
			ConnectedUsers: users,
			Timestamp:      now,
		})
		h.log.WithFields(logrus.Fields{
			"conn_id":     c.ID,
			"user_id":     c.UserID,
			"document_id": documentID,
			"room_size":   len(users),
		}).Info("joined document")
	}
	return users
}

func (h *Hub) handleLeaveDocument(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req models.DocumentRequest
	if err := h.decode(data, &req); err != nil {
		return nil, err
	}

	if h.sessions.Leave(c.ID, req.DocumentID) {
		h.broadcast(ctx, req.DocumentID, c.ID, models.EventUserLeft, models.UserLeft{
			DocumentID:   req.DocumentID,
			ConnectionID: c.ID,
			UserID:       c.UserID,
			Reason:       "leave",
			Timestamp:    h.now().UTC(),
		})
	}
	return models.LeaveResponse{DocumentID: req.DocumentID, Success: true}, nil
}

func (h *Hub) handleGetConnectedUsers(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req models.DocumentRequest
	if err := h.decode(data, &req); err != nil {
		return nil, err
	}

	if err := h.allow(c, h.currentSession(c), models.EventGetConnectedUsers); err != nil {
		return nil, err
	}
	if !h.sessions.InRoom(req.DocumentID, c.ID) {
		if _, ok := h.oracle.Check(ctx, req.DocumentID, c.UserID, permission.Read); !ok {
			return nil, errForbidden
		}
	}

	users := h.ConnectedUsers(ctx, req.DocumentID)
	return models.ConnectedUsersResponse{Users: users, Count: len(users)}, nil
}

// ConnectedUsers lists the participants of a document, earliest join first.
func (h *Hub) ConnectedUsers(ctx context.Context, documentID string) []models.ConnectedUser {
	members := h.sessions.Members(documentID)
	users := make([]models.ConnectedUser, 0, len(members))
	for _, m := range members {
		s, ok := h.sessions.Get(m.ConnectionID)
		if !ok {
			continue
		}
		v := s.View()
		u := models.ConnectedUser{
			ConnectionID: m.ConnectionID,
			UserID:       v.UserID,
			Status:       v.Status,
			Cursor:       v.Cursor,
			JoinedAt:     m.JoinedAt,
			LastActivity: v.LastActivity,
		}
		if cl, ok := h.client(m.ConnectionID); ok {
			u.Email, u.Role = cl.Email, cl.Role
		}
		if u.Email == "" || u.Role == "" {
			p := h.profiles.Resolve(ctx, v.UserID)
			if u.Email == "" {
				u.Email = p.Email
			}
			if u.Role == "" {
				u.Role = p.Role
			}
		}
		users = append(users, u)
	}
	return users
}
