package attachments

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// reapGrace keeps blobs a little past their URL expiry so in-flight
// reads of a just-expired URL still resolve.
const reapGrace = time.Hour

// Reaper deletes detached and expired attachments on a cron schedule.
type Reaper struct {
	service *Service
	logger  *slog.Logger
	cron    *cron.Cron
	batch   int
}

// NewReaper builds a reaper; schedule is a cron spec such as "@hourly".
func NewReaper(service *Service, schedule string, logger *slog.Logger) (*Reaper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if schedule == "" {
		schedule = "@hourly"
	}
	r := &Reaper{
		service: service,
		logger:  logger.With("component", "attachment_reaper"),
		cron:    cron.New(),
		batch:   200,
	}
	if _, err := r.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := r.ReapOnce(ctx); err != nil {
			r.logger.Error("reap run failed", "error", err)
		}
	}); err != nil {
		return nil, err
	}
	return r, nil
}

// Start begins the schedule.
func (r *Reaper) Start() { r.cron.Start() }

// Stop halts the schedule and waits for a running job to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

// ReapOnce deletes one batch of reapable attachments: rows detached by a
// session delete plus rows whose signed URL has been expired for longer
// than the grace period. Rows with a refreshed URL are never candidates.
func (r *Reaper) ReapOnce(ctx context.Context) error {
	cutoff := r.service.now().Add(-reapGrace)

	atts, err := r.service.repo.ListReapableAttachments(ctx, cutoff, r.batch)
	if err != nil {
		return err
	}
	if len(atts) == 0 {
		return nil
	}

	deleted := 0
	for _, att := range atts {
		if err := r.service.blobs.Delete(ctx, att.BlobKey); err != nil {
			r.logger.Warn("blob delete failed, leaving row for retry",
				"attachment_id", att.ID, "error", err)
			continue
		}
		if err := r.service.repo.DeleteAttachment(ctx, att.ID); err != nil {
			r.logger.Warn("row delete failed", "attachment_id", att.ID, "error", err)
			continue
		}
		deleted++
	}

	r.logger.Info("reaped attachments", "candidates", len(atts), "deleted", deleted)
	return nil
}
