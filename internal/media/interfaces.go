package media

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"ddf_sync/internal/domain"
	"ddf_sync/internal/rets"
)

type ObjectSource interface {
	GetObjects(ctx context.Context, resource, objectType string, ids []string) ([]rets.ObjectRecord, error)
}

type Backend interface {
	Write(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

type PhotoStore interface {
	UpsertPhoto(ctx context.Context, photo *domain.Photo) error
}
