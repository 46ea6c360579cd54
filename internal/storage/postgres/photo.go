package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"

	"ddf_sync/internal/domain"
)

type PhotoStore struct {
	db *sqlx.DB
}

func NewPhotoStore(db *sqlx.DB) *PhotoStore {
	return &PhotoStore{db: db}
}

func (s *PhotoStore) UpsertPhoto(ctx context.Context, photo *domain.Photo) error {
	query := `
		INSERT INTO listing_photos (ddf_id, object_id, url, content_type, preferred, description)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (ddf_id, object_id) DO UPDATE SET
			url = EXCLUDED.url,
			content_type = EXCLUDED.content_type,
			preferred = EXCLUDED.preferred,
			description = EXCLUDED.description,
			updated_at = NOW()`

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		photo.DDFID,
		photo.ObjectID,
		photo.URL,
		photo.ContentType,
		photo.Preferred,
		photo.Description,
	)
	return err
}

func (s *PhotoStore) GetByDDFID(ctx context.Context, ddfID string) ([]domain.Photo, error) {
	query := `
		SELECT ddf_id, object_id, url, content_type, preferred, description
		FROM listing_photos
		WHERE ddf_id = $1
		ORDER BY object_id`

	var photos []domain.Photo
	err := s.db.SelectContext(ctx, &photos, query, ddfID)
	return photos, err
}
