package models

import "time"

// Attachment is a user-uploaded or tool-generated binary tied to a session.
// The blob lives in the object store under BlobKey; clients read it through
// the signed URL, which the gateway refreshes before it goes stale.
type Attachment struct {
	ID                 string    `json:"id"`
	SessionID          string    `json:"session_id"`
	BlobKey            string    `json:"blob_key"`
	MimeType           string    `json:"mime_type"`
	SizeBytes          int64     `json:"size_bytes"`
	SignedURL          string    `json:"signed_url"`
	SignedURLExpiresAt time.Time `json:"signed_url_expires_at"`
	CreatedAt          time.Time `json:"created_at"`
	Detached           bool      `json:"-"`
}
