package permission

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"docsync/internal/models"
	"docsync/internal/store"
)

// Requirement is the access a caller needs.
type Requirement int

const (
	Read Requirement = iota
	Write
)

func (r Requirement) String() string {
	if r == Write {
		return "write"
	}
	return "read"
}

// Oracle answers read/write questions against the persisted access model.
// It never caches a decision.
type Oracle struct {
	docs store.DocumentStore
	log  logrus.FieldLogger
}

// NewOracle creates an oracle backed by docs.
func NewOracle(docs store.DocumentStore, log logrus.FieldLogger) *Oracle {
	return &Oracle{docs: docs, log: log}
}

// Check returns the caller's level and true when it satisfies req. The owner
// always gets PermissionOwner. Store failures are logged and answer false;
// the oracle fails closed.
func (o *Oracle) Check(ctx context.Context, documentID, userID string, req Requirement) (models.Permission, bool) {
	if documentID == "" || userID == "" {
		return "", false
	}

	fields := logrus.Fields{"document_id": documentID, "user_id": userID, "required": req.String()}

	doc, err := o.docs.GetDocument(ctx, documentID)
	switch {
	case err == nil:
		if doc.OwnerID == userID {
			return models.PermissionOwner, true
		}
	case errors.Is(err, store.ErrNotFound):
		// no owner to match; a grant may still exist for a document not yet created
	default:
		o.log.WithError(err).WithFields(fields).Error("permission check: document lookup failed")
		return "", false
	}

	grant, err := o.docs.FindActiveGrant(ctx, documentID, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.log.WithError(err).WithFields(fields).Error("permission check: grant lookup failed")
		}
		return "", false
	}
	if !grant.IsActive {
		return "", false
	}

	switch req {
	case Write:
		if grant.Permission.CanWrite() {
			return grant.Permission, true
		}
	default:
		if grant.Permission.CanRead() {
			return grant.Permission, true
		}
	}
	return "", false
}
