package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/tendant/simple-content/pkg/simplecontent/presets"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/storage"
)

// OpenStore opens the blob store artifacts are written to. The returned
// func releases its client.
func (c Config) OpenStore(ctx context.Context) (storage.BlobStore, func(), error) {
	switch c.StorageBackend {
	case StorageGCS:
		s, err := storage.NewGCSStorage(ctx, c.GCSBucket, c.GCSCredentialsJSON)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		s, err := storage.NewFilesystemStorage(c.StorageDir, storage.WithSigning(c.PublicBaseURL, c.URLSigningSecret))
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
}

// OpenSource returns the reader source workbooks are downloaded from:
// the blob store itself, the simple-content HTTP API, or an embedded
// simple-content service.
func (c Config) OpenSource(store storage.Reader) (storage.Reader, func(), error) {
	switch c.SourceBackend {
	case SourceContentAPI:
		return storage.NewHTTPContentReader(c.ContentAPIURL), func() {}, nil
	case SourceSimpleContent:
		svc, cleanup, err := presets.NewDevelopment(
			presets.WithDevStorage(filepath.Join(c.StorageDir, "content")),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize simple-content service: %w", err)
		}
		return storage.NewContentReader(svc), cleanup, nil
	default:
		return store, func() {}, nil
	}
}
