package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/parley-chat/parley/pkg/models"
)

type fakeBlobStore struct {
	objects  map[string][]byte
	presigns int
	deleted  []string
	failPut  bool
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: map[string][]byte{}}
}

func (f *fakeBlobStore) Put(ctx context.Context, key string, data io.Reader, mimeType string) error {
	if f.failPut {
		return errors.New("put failed")
	}
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.objects[key] = buf
	return nil
}

func (f *fakeBlobStore) Presign(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	f.presigns++
	return fmt.Sprintf("https://blobs/%s?sig=%d", key, f.presigns), time.Now().Add(ttl), nil
}

func (f *fakeBlobStore) Delete(ctx context.Context, key string) error {
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

type fakeRepo struct {
	atts map[string]*models.Attachment
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{atts: map[string]*models.Attachment{}}
}

func (r *fakeRepo) CreateAttachment(ctx context.Context, att *models.Attachment) error {
	clone := *att
	r.atts[att.ID] = &clone
	return nil
}

func (r *fakeRepo) GetAttachment(ctx context.Context, id string) (*models.Attachment, error) {
	att, ok := r.atts[id]
	if !ok {
		return nil, errors.New("not found")
	}
	clone := *att
	return &clone, nil
}

func (r *fakeRepo) UpdateAttachmentURL(ctx context.Context, id, signedURL string, expiresAt time.Time) error {
	att, ok := r.atts[id]
	if !ok {
		return errors.New("not found")
	}
	att.SignedURL = signedURL
	att.SignedURLExpiresAt = expiresAt
	return nil
}

func (r *fakeRepo) DeleteAttachment(ctx context.Context, id string) error {
	delete(r.atts, id)
	return nil
}

func (r *fakeRepo) ListReapableAttachments(ctx context.Context, expiredBefore time.Time, limit int) ([]*models.Attachment, error) {
	var out []*models.Attachment
	for _, att := range r.atts {
		expired := !att.SignedURLExpiresAt.IsZero() && att.SignedURLExpiresAt.Before(expiredBefore)
		if att.Detached || expired {
			clone := *att
			out = append(out, &clone)
		}
	}
	return out, nil
}

func newTestService(blobs *fakeBlobStore, repo *fakeRepo) *Service {
	return NewService(repo, blobs, Config{Retention: 7 * 24 * time.Hour}, nil)
}

func TestSaveUploadHappyPath(t *testing.T) {
	blobs := newFakeBlobStore()
	repo := newFakeRepo()
	svc := newTestService(blobs, repo)

	att, err := svc.SaveUpload(context.Background(), "sess-1", "photo.png", "image/png",
		9, strings.NewReader("png-bytes"))
	if err != nil {
		t.Fatalf("SaveUpload() error = %v", err)
	}

	if att.SessionID != "sess-1" || att.MimeType != "image/png" || att.SizeBytes != 9 {
		t.Errorf("attachment = %+v", att)
	}
	wantKey := fmt.Sprintf("sess-1/%s__photo.png", att.ID)
	if att.BlobKey != wantKey {
		t.Errorf("BlobKey = %q, want %q", att.BlobKey, wantKey)
	}
	if _, ok := blobs.objects[att.BlobKey]; !ok {
		t.Error("blob not stored")
	}
	if att.SignedURL == "" || !att.SignedURLExpiresAt.After(time.Now()) {
		t.Errorf("signed url = %q exp %v", att.SignedURL, att.SignedURLExpiresAt)
	}
	if _, err := repo.GetAttachment(context.Background(), att.ID); err != nil {
		t.Error("metadata row missing")
	}
}

func TestSaveUploadRejectsMimeAndSize(t *testing.T) {
	svc := newTestService(newFakeBlobStore(), newFakeRepo())

	if _, err := svc.SaveUpload(context.Background(), "s", "run.exe",
		"application/x-msdownload", 4, strings.NewReader("data")); err == nil {
		t.Error("expected mime rejection")
	}

	small := NewService(newFakeRepo(), newFakeBlobStore(), Config{MaxSizeBytes: 4}, nil)
	if _, err := small.SaveUpload(context.Background(), "s", "big.png",
		"image/png", 10, strings.NewReader("0123456789")); err == nil {
		t.Error("expected declared-size rejection")
	}
	// Declared size fits but the body is larger.
	if _, err := small.SaveUpload(context.Background(), "s", "liar.png",
		"image/png", 3, strings.NewReader("0123456789")); err == nil {
		t.Error("expected actual-size rejection")
	}
}

func TestSaveUploadSanitizesFilename(t *testing.T) {
	blobs := newFakeBlobStore()
	svc := newTestService(blobs, newFakeRepo())

	att, err := svc.SaveUpload(context.Background(), "sess", "../../etc/pass wd.png",
		"image/png", 1, strings.NewReader("x"))
	if err != nil {
		t.Fatalf("SaveUpload() error = %v", err)
	}
	if strings.Contains(att.BlobKey, "..") {
		t.Errorf("blob key carries traversal: %q", att.BlobKey)
	}
	if !strings.HasSuffix(att.BlobKey, "__etc_pass_wd.png") {
		t.Errorf("blob key = %q", att.BlobKey)
	}
}

func TestRefreshIfStale(t *testing.T) {
	blobs := newFakeBlobStore()
	repo := newFakeRepo()
	svc := newTestService(blobs, repo)

	retention := svc.Retention()
	fresh := &models.Attachment{
		ID: "a1", BlobKey: "s/a1__x.png", SignedURL: "https://old",
		SignedURLExpiresAt: time.Now().Add(retention / 2),
	}
	repo.CreateAttachment(context.Background(), fresh)

	got, changed, err := svc.RefreshIfStale(context.Background(), fresh)
	if err != nil {
		t.Fatalf("RefreshIfStale(fresh) error = %v", err)
	}
	if changed || got.SignedURL != "https://old" {
		t.Error("fresh URL must not be refreshed")
	}

	// 10% of 7 days is 16.8h; one hour left is stale.
	stale := &models.Attachment{
		ID: "a2", BlobKey: "s/a2__y.png", SignedURL: "https://old2",
		SignedURLExpiresAt: time.Now().Add(time.Hour),
	}
	repo.CreateAttachment(context.Background(), stale)

	got, changed, err = svc.RefreshIfStale(context.Background(), stale)
	if err != nil {
		t.Fatalf("RefreshIfStale(stale) error = %v", err)
	}
	if !changed || got.SignedURL == "https://old2" {
		t.Error("stale URL not refreshed")
	}
	persisted, _ := repo.GetAttachment(context.Background(), "a2")
	if persisted.SignedURL != got.SignedURL {
		t.Error("refreshed URL not persisted")
	}
	if remaining := time.Until(got.SignedURLExpiresAt); remaining < retention-time.Minute {
		t.Errorf("refreshed expiry too short: %v", remaining)
	}
}

func TestRefreshMessageURLs(t *testing.T) {
	blobs := newFakeBlobStore()
	repo := newFakeRepo()
	svc := newTestService(blobs, repo)

	repo.CreateAttachment(context.Background(), &models.Attachment{
		ID: "att-1", BlobKey: "s/att-1__x.png", SignedURL: "https://stale",
		SignedURLExpiresAt: time.Now().Add(time.Minute),
	})

	msgs := []*models.Message{
		{Content: models.PlainContent("no images here")},
		{Content: models.RichContent(
			models.TextPart("see attached"),
			models.ImagePart(models.ImageURL{URL: "https://stale", AttachmentID: "att-1"}),
		)},
	}

	if err := svc.RefreshMessageURLs(context.Background(), msgs); err != nil {
		t.Fatalf("RefreshMessageURLs() error = %v", err)
	}

	img := msgs[1].Content.Parts[1].ImageURL
	if img.URL == "https://stale" {
		t.Error("stale image URL not rewritten")
	}
}

func TestReaperDeletesDetachedAndExpired(t *testing.T) {
	blobs := newFakeBlobStore()
	repo := newFakeRepo()
	svc := newTestService(blobs, repo)

	now := time.Now()
	repo.CreateAttachment(context.Background(), &models.Attachment{
		ID: "detached", BlobKey: "s/detached", Detached: true, CreatedAt: now,
	})
	repo.CreateAttachment(context.Background(), &models.Attachment{
		ID: "expired", BlobKey: "s/expired", CreatedAt: now.Add(-8 * 24 * time.Hour),
		SignedURLExpiresAt: now.Add(-25 * time.Hour),
	})
	repo.CreateAttachment(context.Background(), &models.Attachment{
		ID: "live", BlobKey: "s/live", CreatedAt: now,
		SignedURLExpiresAt: now.Add(24 * time.Hour),
	})
	// Created long ago, but a URL refresh extended its expiry; it must
	// survive the reap.
	repo.CreateAttachment(context.Background(), &models.Attachment{
		ID: "refreshed", BlobKey: "s/refreshed", CreatedAt: now.Add(-30 * 24 * time.Hour),
		SignedURLExpiresAt: now.Add(6 * 24 * time.Hour),
	})
	blobs.objects["s/detached"] = []byte("a")
	blobs.objects["s/expired"] = []byte("b")
	blobs.objects["s/live"] = []byte("c")
	blobs.objects["s/refreshed"] = []byte("d")

	reaper, err := NewReaper(svc, "@hourly", nil)
	if err != nil {
		t.Fatalf("NewReaper() error = %v", err)
	}
	if err := reaper.ReapOnce(context.Background()); err != nil {
		t.Fatalf("ReapOnce() error = %v", err)
	}

	if _, err := repo.GetAttachment(context.Background(), "detached"); err == nil {
		t.Error("detached row survived")
	}
	if _, err := repo.GetAttachment(context.Background(), "expired"); err == nil {
		t.Error("expired row survived")
	}
	if _, err := repo.GetAttachment(context.Background(), "live"); err != nil {
		t.Error("live row reaped")
	}
	if _, err := repo.GetAttachment(context.Background(), "refreshed"); err != nil {
		t.Error("row with refreshed URL reaped")
	}
	if _, ok := blobs.objects["s/live"]; !ok {
		t.Error("live blob deleted")
	}
	if _, ok := blobs.objects["s/refreshed"]; !ok {
		t.Error("refreshed blob deleted")
	}
	if _, ok := blobs.objects["s/detached"]; ok {
		t.Error("detached blob survived")
	}
}

func TestDeleteRemovesBlobAndRow(t *testing.T) {
	blobs := newFakeBlobStore()
	repo := newFakeRepo()
	svc := newTestService(blobs, repo)

	att, err := svc.SaveUpload(context.Background(), "s", "x.png", "image/png",
		1, strings.NewReader("x"))
	if err != nil {
		t.Fatalf("SaveUpload() error = %v", err)
	}

	if err := svc.Delete(context.Background(), att.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := blobs.objects[att.BlobKey]; ok {
		t.Error("blob survived delete")
	}
	if _, err := repo.GetAttachment(context.Background(), att.ID); err == nil {
		t.Error("row survived delete")
	}
}
