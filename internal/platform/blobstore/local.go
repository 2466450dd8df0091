package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalStore keeps objects as files under a root directory. Each object has
// a "<name>.meta.json" sidecar holding its ObjectMeta.
type LocalStore struct {
	root    string
	baseURL string
	maxSize int64
}

func NewLocalStore(root, baseURL string, maxSize int64) (*LocalStore, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object root %s: %w", root, err)
	}
	return &LocalStore{root: root, baseURL: strings.TrimRight(baseURL, "/"), maxSize: maxSize}, nil
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *LocalStore) Put(_ context.Context, meta ObjectMeta, content io.Reader) (*ObjectMeta, error) {
	if meta.FileName == "" {
		return nil, ErrMissingFileName
	}
	if err := ValidKey(meta.Key); err != nil {
		return nil, err
	}

	p := s.path(meta.Key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(content, s.maxSize+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("write object: %w", err)
	}
	if n > s.maxSize {
		return nil, ErrFileTooLarge
	}

	meta.Size = n
	meta.Hash = fmt.Sprintf("%x", h.Sum(nil))
	meta.CreatedAt = time.Now().UTC()
	if meta.ContentType == "" {
		meta.ContentType = ContentTypeFor(meta.FileName)
	}

	sidecar, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.WriteFile(p+".meta.json", sidecar, 0o644); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(p + ".meta.json")
		return nil, fmt.Errorf("commit object: %w", err)
	}

	return &meta, nil
}

func (s *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, *ObjectMeta, error) {
	meta, err := s.Stat(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrObjectNotFound
		}
		return nil, nil, fmt.Errorf("open object: %w", err)
	}
	return f, meta, nil
}

func (s *LocalStore) Stat(_ context.Context, key string) (*ObjectMeta, error) {
	if err := ValidKey(key); err != nil {
		return nil, ErrObjectNotFound
	}
	data, err := os.ReadFile(s.path(key) + ".meta.json")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta ObjectMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &meta, nil
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	if err := ValidKey(key); err != nil {
		return ErrObjectNotFound
	}
	p := s.path(key)
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("delete object: %w", err)
	}
	if err := os.Remove(p + ".meta.json"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete metadata: %w", err)
	}
	return nil
}

func (s *LocalStore) URL(key string) string {
	return s.baseURL + "/" + key
}
