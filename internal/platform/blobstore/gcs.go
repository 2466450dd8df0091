package blobstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSStore keeps objects in a Google Cloud Storage bucket. File name, author
// and content hash travel as object metadata.
type GCSStore struct {
	client  *storage.Client
	bucket  string
	baseURL string
	maxSize int64
}

// GCSConfig configures NewGCSStore. CredentialsFile may be empty to use
// application default credentials. BaseURL defaults to the public
// storage.googleapis.com location of the bucket.
type GCSConfig struct {
	Bucket          string
	CredentialsFile string
	BaseURL         string
	MaxSize         int64
}

func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}

	base := cfg.BaseURL
	if base == "" {
		base = "https://storage.googleapis.com/" + cfg.Bucket
	}
	max := cfg.MaxSize
	if max <= 0 {
		max = DefaultMaxSize
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, baseURL: strings.TrimRight(base, "/"), maxSize: max}, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(key)
}

func (s *GCSStore) Put(ctx context.Context, meta ObjectMeta, content io.Reader) (*ObjectMeta, error) {
	if meta.FileName == "" {
		return nil, ErrMissingFileName
	}
	if err := ValidKey(meta.Key); err != nil {
		return nil, err
	}
	if meta.ContentType == "" {
		meta.ContentType = ContentTypeFor(meta.FileName)
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.object(meta.Key).NewWriter(wctx)
	w.ContentType = meta.ContentType
	w.Metadata = map[string]string{
		"file-name":  meta.FileName,
		"created-by": meta.CreatedBy,
	}

	h := sha256.New()
	n, err := io.Copy(w, io.TeeReader(io.LimitReader(content, s.maxSize+1), h))
	if err == nil && n > s.maxSize {
		err = ErrFileTooLarge
	}
	if err != nil {
		cancel()
		w.Close()
		if errors.Is(err, ErrFileTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("write gcs object: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("commit gcs object: %w", err)
	}

	hash := fmt.Sprintf("%x", h.Sum(nil))
	attrs := w.Attrs()
	if _, err := s.object(meta.Key).Update(ctx, storage.ObjectAttrsToUpdate{
		Metadata: map[string]string{"file-name": meta.FileName, "created-by": meta.CreatedBy, "sha256": hash},
	}); err != nil {
		return nil, fmt.Errorf("tag gcs object: %w", err)
	}

	meta.Size = n
	meta.Hash = hash
	meta.CreatedAt = attrs.Created.UTC()
	return &meta, nil
}

func (s *GCSStore) Get(ctx context.Context, key string) (io.ReadCloser, *ObjectMeta, error) {
	meta, err := s.Stat(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	r, err := s.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, nil, ErrObjectNotFound
		}
		return nil, nil, fmt.Errorf("open gcs object: %w", err)
	}
	return r, meta, nil
}

func (s *GCSStore) Stat(ctx context.Context, key string) (*ObjectMeta, error) {
	attrs, err := s.object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("stat gcs object: %w", err)
	}
	return &ObjectMeta{
		Key:         key,
		FileName:    attrs.Metadata["file-name"],
		ContentType: attrs.ContentType,
		Size:        attrs.Size,
		Hash:        attrs.Metadata["sha256"],
		CreatedAt:   attrs.Created.UTC(),
		CreatedBy:   attrs.Metadata["created-by"],
	}, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	if err := s.object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("delete gcs object: %w", err)
	}
	return nil
}

func (s *GCSStore) URL(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return s.baseURL + "/" + strings.Join(parts, "/")
}
