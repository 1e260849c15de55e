package beatmap

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets
	_ "gocloud.dev/blob/memblob"  // mem:// buckets
	_ "gocloud.dev/blob/s3blob"   // s3:// buckets
	"gocloud.dev/gcerrors"
)

// BlobStore keeps zstd-compressed beatmap files in a gocloud bucket.
type BlobStore struct {
	bucket *blob.Bucket
	prefix string
	enc    *zstd.Encoder
	dec    *zstd.Decoder
}

// OpenBlobStore opens a bucket URL such as file:///var/lib/rika/beatmaps, mem:// or
// s3://bucket?region=eu-west-1.
func OpenBlobStore(ctx context.Context, bucketURL string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open beatmap bucket %s: %w", bucketURL, err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		_ = bucket.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		_ = bucket.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &BlobStore{bucket: bucket, prefix: "beatmaps/", enc: enc, dec: dec}, nil
}

func (s *BlobStore) key(id int64) string {
	return fmt.Sprintf("%s%d.osu.zst", s.prefix, id)
}

func (s *BlobStore) Get(ctx context.Context, id int64) ([]byte, bool, error) {
	compressed, err := s.bucket.ReadAll(ctx, s.key(id))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", s.key(id), err)
	}
	data, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false, fmt.Errorf("zstd decompress %s: %w", s.key(id), err)
	}
	return data, true, nil
}

func (s *BlobStore) Put(ctx context.Context, id int64, data []byte) error {
	compressed := s.enc.EncodeAll(data, nil)
	w, err := s.bucket.NewWriter(ctx, s.key(id), &blob.WriterOptions{ContentType: "application/zstd"})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", s.key(id), err)
	}
	if _, err := w.Write(compressed); err != nil {
		_ = w.Close()
		return fmt.Errorf("write %s: %w", s.key(id), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", s.key(id), err)
	}
	return nil
}

// Close releases the bucket and codec resources.
func (s *BlobStore) Close() error {
	s.dec.Close()
	if err := s.enc.Close(); err != nil {
		return err
	}
	return s.bucket.Close()
}
