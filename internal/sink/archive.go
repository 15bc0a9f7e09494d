// Package sink holds Sink decorators layered over the item repository.
package sink

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"

	"marketsync/internal/types"
)

// S3Putter abstracts the S3 PutObject operation for testability.
type S3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveSink writes every page it receives to S3 as zstd-compressed NDJSON,
// then hands the page to the wrapped Sink. Object keys are derived from the
// page content, so a re-delivered page overwrites its own object.
//
// Key layout: {prefix}/{account_id}/{api_category}/{sha256}.ndjson.zst
type ArchiveSink struct {
	next   types.Sink
	s3     S3Putter
	bucket string
	prefix string
	logger *slog.Logger

	encoderPool sync.Pool
}

// NewArchiveSink wraps next. An empty prefix defaults to "raw".
func NewArchiveSink(next types.Sink, s3Client S3Putter, bucket, prefix string, logger *slog.Logger) *ArchiveSink {
	if prefix == "" {
		prefix = "raw"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveSink{
		next:   next,
		s3:     s3Client,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
		encoderPool: sync.Pool{
			New: func() any {
				e, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
				if err != nil {
					// Cannot fail with nil output and default options.
					panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
				}
				return e
			},
		},
	}
}

// Store archives items and then stores them through the wrapped sink. An
// archive failure fails the page before the wrapped sink sees it.
func (s *ArchiveSink) Store(ctx context.Context, key types.SyncKey, items []types.RemoteItem) (int, error) {
	if len(items) == 0 {
		return s.next.Store(ctx, key, items)
	}

	raw, err := encodeNDJSON(items)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalSinkFailed, "failed to encode page for archive", err)
	}

	objectKey := s.ObjectKey(key, raw)
	body := s.compress(raw)

	if _, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(objectKey),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("zstd"),
		Metadata: map[string]string{
			"account-id":   key.AccountID,
			"api-category": string(key.Category),
			"item-count":   fmt.Sprintf("%d", len(items)),
		},
	}); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalSinkFailed,
			fmt.Sprintf("failed to archive page to s3://%s/%s", s.bucket, objectKey), err)
	}

	s.logger.DebugContext(ctx, "page archived",
		"account_id", key.AccountID,
		"api_category", key.Category,
		"object_key", objectKey,
		"items", len(items),
		"raw_bytes", len(raw),
		"compressed_bytes", len(body),
	)

	return s.next.Store(ctx, key, items)
}

// ObjectKey returns the archive key for an encoded page.
func (s *ArchiveSink) ObjectKey(key types.SyncKey, raw []byte) string {
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%s/%s/%s/%s.ndjson.zst", s.prefix, key.AccountID, key.Category, hex.EncodeToString(sum[:]))
}

func (s *ArchiveSink) compress(raw []byte) []byte {
	encoder := s.encoderPool.Get().(*zstd.Encoder)
	defer s.encoderPool.Put(encoder)
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2))
}

func encodeNDJSON(items []types.RemoteItem) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return nil, fmt.Errorf("item %s: %w", item.ExternalID, err)
		}
	}
	return buf.Bytes(), nil
}

var _ types.Sink = (*ArchiveSink)(nil)
