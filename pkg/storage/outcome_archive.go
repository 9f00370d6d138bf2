package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// OutcomeArchive writes one JSON blob per persisted batch outcome, keyed by
// operation kind and idempotency key. It implements batch.Archiver.
type OutcomeArchive struct {
	blobs  BlobClient
	prefix string
	logger *zap.Logger
}

// NewOutcomeArchive creates an archiver writing under prefix (default
// "outcomes").
func NewOutcomeArchive(blobs BlobClient, prefix string, logger *zap.Logger) (*OutcomeArchive, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob client is required")
	}
	if prefix == "" {
		prefix = "outcomes"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutcomeArchive{
		blobs:  blobs,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}, nil
}

// Archive uploads one outcome document
func (a *OutcomeArchive) Archive(ctx context.Context, kind, key string, outcome []byte) error {
	if kind == "" || key == "" {
		return fmt.Errorf("kind and key are required")
	}

	path := fmt.Sprintf("%s/%s/%s.json", a.prefix, kind, sanitizePathSegment(key))
	url, err := a.blobs.Upload(ctx, path, outcome, map[string]string{
		"kind":        kind,
		"key":         key,
		"archived_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	a.logger.Debug("Outcome archived",
		zap.String("kind", kind),
		zap.String("key", key),
		zap.String("url", url))
	return nil
}

// sanitizePathSegment keeps caller-supplied keys from traversing or
// terminating the blob path.
func sanitizePathSegment(s string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", "#", "_", "?", "_")
	return replacer.Replace(s)
}
