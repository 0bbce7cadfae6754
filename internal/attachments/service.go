// Package attachments handles uploaded and tool-generated files: blob
// storage with presigned URLs, validation, staleness refresh, and the
// retention reaper.
package attachments

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parley-chat/parley/pkg/models"
)

// Repository is the attachment metadata store.
type Repository interface {
	CreateAttachment(ctx context.Context, att *models.Attachment) error
	GetAttachment(ctx context.Context, id string) (*models.Attachment, error)
	UpdateAttachmentURL(ctx context.Context, id, signedURL string, expiresAt time.Time) error
	DeleteAttachment(ctx context.Context, id string) error
	ListReapableAttachments(ctx context.Context, expiredBefore time.Time, limit int) ([]*models.Attachment, error)
}

// Config tunes the attachment service.
type Config struct {
	// AllowedMimeTypes defaults to png, jpeg, webp, gif, pdf.
	AllowedMimeTypes []string
	// MaxSizeBytes caps uploads; default 20 MiB.
	MaxSizeBytes int64
	// Retention is both the blob lifetime and the signed URL TTL.
	Retention time.Duration
	// RefreshFraction triggers a URL refresh once the remaining validity
	// drops below this fraction of Retention.
	RefreshFraction float64
}

func (c Config) withDefaults() Config {
	if len(c.AllowedMimeTypes) == 0 {
		c.AllowedMimeTypes = []string{
			"image/png", "image/jpeg", "image/webp", "image/gif", "application/pdf",
		}
	}
	if c.MaxSizeBytes <= 0 {
		c.MaxSizeBytes = 20 << 20
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.RefreshFraction <= 0 {
		c.RefreshFraction = 0.10
	}
	return c
}

// Service coordinates blob storage and attachment metadata.
type Service struct {
	repo   Repository
	blobs  BlobStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	allowed map[string]struct{}
}

// NewService builds the service.
func NewService(repo Repository, blobs BlobStore, cfg Config, logger *slog.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedMimeTypes))
	for _, m := range cfg.AllowedMimeTypes {
		allowed[strings.ToLower(m)] = struct{}{}
	}
	return &Service{
		repo:    repo,
		blobs:   blobs,
		cfg:     cfg,
		logger:  logger.With("component", "attachments"),
		now:     time.Now,
		allowed: allowed,
	}
}

// Retention returns the configured blob lifetime.
func (s *Service) Retention() time.Duration { return s.cfg.Retention }

// SaveUpload validates and stores a client upload, returning the
// attachment with a fresh signed URL.
func (s *Service) SaveUpload(ctx context.Context, sessionID, filename, mimeType string, size int64, data io.Reader) (*models.Attachment, error) {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if _, ok := s.allowed[mimeType]; !ok {
		return nil, fmt.Errorf("attachments: unsupported mime type %q", mimeType)
	}
	if size > s.cfg.MaxSizeBytes {
		return nil, fmt.Errorf("attachments: %d bytes exceeds limit of %d", size, s.cfg.MaxSizeBytes)
	}

	id := uuid.NewString()
	key := blobKey(sessionID, id, filename)

	// Enforce the size cap even when the declared size lies.
	limited := io.LimitReader(data, s.cfg.MaxSizeBytes+1)
	buf, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("attachments: read upload: %w", err)
	}
	if int64(len(buf)) > s.cfg.MaxSizeBytes {
		return nil, fmt.Errorf("attachments: upload exceeds limit of %d bytes", s.cfg.MaxSizeBytes)
	}

	return s.store(ctx, sessionID, id, key, mimeType, buf)
}

// SaveToolImage stores an image produced by a tool call.
func (s *Service) SaveToolImage(ctx context.Context, sessionID string, data []byte, mimeType string) (*models.Attachment, error) {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if mimeType == "" {
		mimeType = "image/png"
	}
	id := uuid.NewString()
	key := blobKey(sessionID, id, "tool-image"+extensionFor(mimeType))
	return s.store(ctx, sessionID, id, key, mimeType, data)
}

func (s *Service) store(ctx context.Context, sessionID, id, key, mimeType string, data []byte) (*models.Attachment, error) {
	if err := s.blobs.Put(ctx, key, bytes.NewReader(data), mimeType); err != nil {
		return nil, fmt.Errorf("attachments: store blob: %w", err)
	}

	url, expiresAt, err := s.blobs.Presign(ctx, key, s.cfg.Retention)
	if err != nil {
		return nil, fmt.Errorf("attachments: presign: %w", err)
	}

	att := &models.Attachment{
		ID:                 id,
		SessionID:          sessionID,
		BlobKey:            key,
		MimeType:           mimeType,
		SizeBytes:          int64(len(data)),
		SignedURL:          url,
		SignedURLExpiresAt: expiresAt,
		CreatedAt:          s.now().UTC(),
	}
	if err := s.repo.CreateAttachment(ctx, att); err != nil {
		return nil, fmt.Errorf("attachments: persist metadata: %w", err)
	}

	s.logger.Info("stored attachment",
		"attachment_id", id, "session_id", sessionID,
		"mime_type", mimeType, "size_bytes", att.SizeBytes)
	return att, nil
}

// RefreshIfStale re-signs the URL when its remaining validity is below
// the refresh fraction of the retention window, persisting the new URL.
// It returns the possibly updated attachment and whether it changed.
func (s *Service) RefreshIfStale(ctx context.Context, att *models.Attachment) (*models.Attachment, bool, error) {
	remaining := att.SignedURLExpiresAt.Sub(s.now())
	threshold := time.Duration(float64(s.cfg.Retention) * s.cfg.RefreshFraction)
	if att.SignedURL != "" && remaining > threshold {
		return att, false, nil
	}

	url, expiresAt, err := s.blobs.Presign(ctx, att.BlobKey, s.cfg.Retention)
	if err != nil {
		return nil, false, fmt.Errorf("attachments: refresh presign: %w", err)
	}
	if err := s.repo.UpdateAttachmentURL(ctx, att.ID, url, expiresAt); err != nil {
		return nil, false, fmt.Errorf("attachments: persist refreshed url: %w", err)
	}

	updated := *att
	updated.SignedURL = url
	updated.SignedURLExpiresAt = expiresAt
	return &updated, true, nil
}

// RefreshMessageURLs walks image content parts and refreshes any stale
// signed URLs in place.
func (s *Service) RefreshMessageURLs(ctx context.Context, msgs []*models.Message) error {
	for _, msg := range msgs {
		if !msg.Content.IsRich() {
			continue
		}
		for i, part := range msg.Content.Parts {
			if part.Type != models.PartImageURL || part.ImageURL == nil || part.ImageURL.AttachmentID == "" {
				continue
			}
			att, err := s.repo.GetAttachment(ctx, part.ImageURL.AttachmentID)
			if err != nil {
				s.logger.Warn("attachment missing for content part",
					"attachment_id", part.ImageURL.AttachmentID, "error", err)
				continue
			}
			refreshed, changed, err := s.RefreshIfStale(ctx, att)
			if err != nil {
				return err
			}
			if changed || part.ImageURL.URL != refreshed.SignedURL {
				img := *part.ImageURL
				img.URL = refreshed.SignedURL
				msg.Content.Parts[i].ImageURL = &img
			}
		}
	}
	return nil
}

// Delete removes the blob and the metadata row.
func (s *Service) Delete(ctx context.Context, id string) error {
	att, err := s.repo.GetAttachment(ctx, id)
	if err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, att.BlobKey); err != nil {
		return fmt.Errorf("attachments: delete blob: %w", err)
	}
	return s.repo.DeleteAttachment(ctx, id)
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// sanitizeFilename keeps a conservative character set and bounds length.
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, "._")
	if name == "" {
		name = "file"
	}
	if len(name) > 128 {
		name = name[len(name)-128:]
	}
	return name
}

// blobKey scopes blobs by session so a session delete maps to a prefix.
func blobKey(sessionID, attachmentID, filename string) string {
	return fmt.Sprintf("%s/%s__%s", sessionID, attachmentID, sanitizeFilename(filename))
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "application/pdf":
		return ".pdf"
	default:
		return ""
	}
}
