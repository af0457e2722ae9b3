package models

import "time"

// Document is the persisted collaborative document.
type Document struct {
	ID        string    `json:"id" bson:"_id"`
	Title     string    `json:"title" bson:"title"`
	Content   string    `json:"content" bson:"content"`
	OwnerID   string    `json:"ownerId" bson:"owner_id"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updated_at"`
}

// Permission is a grant level on a document. PermissionOwner is never stored;
// it is returned by the permission oracle for the document owner.
type Permission string

const (
	PermissionView    Permission = "VIEW"
	PermissionComment Permission = "COMMENT"
	PermissionEdit    Permission = "EDIT"
	PermissionOwner   Permission = "owner"
)

// CanRead reports whether the level allows reading the document.
func (p Permission) CanRead() bool {
	switch p {
	case PermissionView, PermissionComment, PermissionEdit, PermissionOwner:
		return true
	}
	return false
}

// CanWrite reports whether the level allows modifying the document.
func (p Permission) CanWrite() bool {
	return p == PermissionEdit || p == PermissionOwner
}

// AccessGrant authorizes a user on a document.
type AccessGrant struct {
	DocumentID string     `json:"documentId" bson:"document_id"`
	UserID     string     `json:"userId" bson:"user_id"`
	Permission Permission `json:"permission" bson:"permission"`
	IsActive   bool       `json:"isActive" bson:"is_active"`
	CreatedAt  time.Time  `json:"createdAt" bson:"created_at"`
}

// User is the profile subset used for presence display and role checks.
type User struct {
	ID    string `json:"id" bson:"_id"`
	Email string `json:"email" bson:"email"`
	Role  string `json:"role" bson:"role"`
}
