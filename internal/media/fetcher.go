package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ddf_sync/internal/domain"
	"ddf_sync/internal/rets"
)

const (
	DefaultBatchSize   = 100
	DefaultMaxRetries = 3
)

type Config struct {
	Resource       string
	ObjectType     string
	BatchSize      int
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Stats holds counters for one Fetch call.
type Stats struct {
	Listings  int
	Batches   int
	Abandoned int
	Stored    int
	Empty     int
	Errors    int
}

// Fetcher downloads listing photos in batches and hands them to a storage backend.
type Fetcher struct {
	backend Backend
	photos  PhotoStore
	cfg     Config
	logger  *slog.Logger
}

func NewFetcher(backend Backend, photos PhotoStore, cfg Config, logger *slog.Logger) *Fetcher {
	if cfg.Resource == "" {
		cfg.Resource = "Property"
	}
	if cfg.ObjectType == "" {
		cfg.ObjectType = "LargePhoto"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Fetcher{
		backend: backend,
		photos:  photos,
		cfg:     cfg,
		logger:  logger.With("component", "media"),
	}
}

// Fetch retrieves the photos of ddfIDs from source and stores them. A batch that
// keeps failing is logged and abandoned; only context cancellation stops the call.
func (f *Fetcher) Fetch(ctx context.Context, source ObjectSource, ddfIDs []string) (*Stats, error) {
	stats := &Stats{Listings: len(ddfIDs)}

	for start := 0; start < len(ddfIDs); start += f.cfg.BatchSize {
		end := min(start+f.cfg.BatchSize, len(ddfIDs))
		batch := ddfIDs[start:end]
		stats.Batches++

		records, err := f.fetchBatch(ctx, source, batch)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Abandoned++
			f.logger.Error("abandoning photo batch",
				"first_id", batch[0],
				"size", len(batch),
				"error", err,
			)
			continue
		}

		for i := range records {
			if err := f.store(ctx, batch, &records[i], stats); err != nil {
				stats.Errors++
				f.logger.Warn("failed to store photo",
					"content_id", records[i].ContentID,
					"object_id", records[i].ObjectID,
					"error", err,
				)
			}
		}
	}

	f.logger.Info("photo fetch completed",
		"listings", stats.Listings,
		"batches", stats.Batches,
		"stored", stats.Stored,
		"empty", stats.Empty,
		"abandoned", stats.Abandoned,
		"errors", stats.Errors,
	)

	return stats, nil
}

func (f *Fetcher) fetchBatch(ctx context.Context, source ObjectSource, batch []string) ([]rets.ObjectRecord, error) {
	var records []rets.ObjectRecord
	var err error

	// One initial request plus up to MaxRetries re-issues of the same batch.
	maxAttempts := 1 + f.cfg.MaxRetries
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		records, err = source.GetObjects(ctx, f.cfg.Resource, f.cfg.ObjectType, batch)
		if err == nil {
			return records, nil
		}

		// The feed answered; asking again gets the same answer.
		var replyErr *rets.ReplyError
		if errors.As(err, &replyErr) {
			return nil, err
		}

		if attempt == maxAttempts {
			break
		}

		backoff := f.calculateBackoff(attempt)
		f.logger.Warn("photo batch failed, retrying",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, fmt.Errorf("after %d attempts: %w", maxAttempts, err)
}

func (f *Fetcher) calculateBackoff(attempt int) time.Duration {
	backoff := f.cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if backoff > f.cfg.MaxBackoff {
		backoff = f.cfg.MaxBackoff
	}
	return backoff
}

func (f *Fetcher) store(ctx context.Context, batch []string, rec *rets.ObjectRecord, stats *Stats) error {
	if !rec.HasContent() {
		stats.Empty++
		return nil
	}

	ddfID := rec.ContentID
	if ddfID == "" && len(batch) == 1 {
		ddfID = batch[0]
	}
	if ddfID == "" {
		return errors.New("object has no content id")
	}
	objectID := rec.ObjectID
	if objectID == "" {
		objectID = "1"
	}

	url, err := f.backend.Write(ctx, ObjectKey(ddfID, objectID, rec.ContentType), rec.Content, rec.ContentType)
	if err != nil {
		return fmt.Errorf("write object: %w", err)
	}

	photo := &domain.Photo{
		DDFID:       ddfID,
		ObjectID:    objectID,
		URL:         url,
		ContentType: rec.ContentType,
		Preferred:   rec.Preferred,
		Description: rec.Description,
	}
	if err := f.photos.UpsertPhoto(ctx, photo); err != nil {
		return fmt.Errorf("upsert photo: %w", err)
	}

	stats.Stored++
	return nil
}

var extensions = map[string]string{
	"image/jpeg": "jpg",
	"image/jpg":  "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
}

// ObjectKey is the storage key of one photo: "<ddf_id>/<object_id>.<ext>".
func ObjectKey(ddfID, objectID, contentType string) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	ext, ok := extensions[strings.ToLower(strings.TrimSpace(mediaType))]
	if !ok {
		ext = "bin"
	}
	return ddfID + "/" + objectID + "." + ext
}
