// Package storage selects the blob store that archives raw crawl batches.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/socialwatch/sentinel/internal/monitor"
	"github.com/socialwatch/sentinel/internal/storage/gcs"
	"github.com/socialwatch/sentinel/internal/storage/local"
	"github.com/socialwatch/sentinel/internal/storage/memory"
	"github.com/socialwatch/sentinel/internal/storage/minio"
)

// Backends.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMinIO  = "minio"
)

// Config picks and configures one backend.
type Config struct {
	Backend string       `mapstructure:"backend"`
	Local   local.Config `mapstructure:"local"`
	GCS     gcs.Config   `mapstructure:"gcs"`
	MinIO   minio.Config `mapstructure:"minio"`
}

// CloseFunc releases backend resources.
type CloseFunc func() error

// Open builds the configured blob store. BackendNone yields a nil store,
// which disables archiving.
func Open(ctx context.Context, cfg Config) (monitor.BlobStore, CloseFunc, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendNone:
		return nil, noop, nil
	case BackendMemory:
		return memory.NewBlobStore(), noop, nil
	case BackendLocal:
		s, err := local.New(cfg.Local)
		if err != nil {
			return nil, noop, fmt.Errorf("open local archive: %w", err)
		}
		return s, noop, nil
	case BackendGCS:
		s, err := gcs.Open(ctx, cfg.GCS)
		if err != nil {
			return nil, noop, fmt.Errorf("open gcs archive: %w", err)
		}
		return s, s.Close, nil
	case BackendMinIO:
		s, err := minio.New(ctx, cfg.MinIO)
		if err != nil {
			return nil, noop, fmt.Errorf("open minio archive: %w", err)
		}
		return s, noop, nil
	}
	return nil, noop, fmt.Errorf("unknown archive backend %q", cfg.Backend)
}
