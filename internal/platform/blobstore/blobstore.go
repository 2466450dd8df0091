// Package blobstore stores uploaded scan images and 3D models. It defines the
// Store interface with in-memory, local-filesystem and Google Cloud Storage
// backends, thumbnail generation for images, a ledger of orphan candidates,
// reconciliation, and the Echo handlers behind /api/storage.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odsaligners-portal/crm-sub003/internal/casefields"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrObjectNotFound      = errors.New("object not found")
	ErrFileTooLarge        = errors.New("file exceeds maximum allowed size")
	ErrExtensionNotAllowed = errors.New("file type is not allowed")
	ErrMissingFileName     = errors.New("file name is required")
	ErrInvalidKey          = errors.New("invalid object key")
	ErrNotOwner            = errors.New("only the uploader can remove this file")
)

// DefaultMaxSize bounds a single object (200 MB). Intraoral scans are large.
const DefaultMaxSize = 200 << 20

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// ObjectMeta describes a stored object.
type ObjectMeta struct {
	Key         string    `json:"key"`
	FileName    string    `json:"fileName"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"createdAt"`
	CreatedBy   string    `json:"createdBy"`
}

// Store is the contract for object storage backends. Keys are slash
// separated and never start with a slash.
type Store interface {
	Put(ctx context.Context, meta ObjectMeta, content io.Reader) (*ObjectMeta, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *ObjectMeta, error)
	Stat(ctx context.Context, key string) (*ObjectMeta, error)
	Delete(ctx context.Context, key string) error
	// URL is the public download location of key.
	URL(key string) string
}

var folderPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*(/[a-z0-9][a-z0-9_-]*)*$`)

// NewKey builds a unique key for fileName under folder:
// folder/YYYY/MM/DD/<uuid>.<ext>. An empty folder means "scans".
func NewKey(folder, fileName string, now time.Time) (string, error) {
	folder = strings.Trim(strings.ToLower(folder), "/")
	if folder == "" {
		folder = "scans"
	}
	if !folderPattern.MatchString(folder) {
		return "", fmt.Errorf("%w: folder %q", ErrInvalidKey, folder)
	}
	ext := casefields.Extension(fileName)
	if ext == "" {
		return "", ErrExtensionNotAllowed
	}
	return fmt.Sprintf("%s/%s/%s.%s", folder, now.UTC().Format("2006/01/02"), uuid.NewString(), ext), nil
}

// ValidKey rejects empty keys, absolute keys and path traversal.
func ValidKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return ErrInvalidKey
	}
	if path.Clean(key) != key {
		return ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." || part == "" {
			return ErrInvalidKey
		}
	}
	return nil
}

// ContentTypeFor guesses a MIME type from the file extension.
func ContentTypeFor(fileName string) string {
	switch casefields.Extension(fileName) {
	case "ply":
		return "application/ply"
	case "stl":
		return "model/stl"
	case "tls":
		return "application/octet-stream"
	}
	if ct := mime.TypeByExtension(path.Ext(fileName)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// readLimited reads at most max bytes and fails with ErrFileTooLarge beyond.
func readLimited(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > max {
		return nil, ErrFileTooLarge
	}
	return data, nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedObject struct {
	meta    ObjectMeta
	content []byte
}

// MemoryStore is a thread-safe, in-memory Store for tests and development.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*storedObject
	baseURL string
	maxSize int64
}

// NewMemoryStore returns a MemoryStore whose URLs are rooted at baseURL.
func NewMemoryStore(baseURL string, maxSize int64) *MemoryStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &MemoryStore{
		objects: make(map[string]*storedObject),
		baseURL: strings.TrimRight(baseURL, "/"),
		maxSize: maxSize,
	}
}

func (s *MemoryStore) Put(_ context.Context, meta ObjectMeta, content io.Reader) (*ObjectMeta, error) {
	if meta.FileName == "" {
		return nil, ErrMissingFileName
	}
	if err := ValidKey(meta.Key); err != nil {
		return nil, err
	}

	data, err := readLimited(content, s.maxSize)
	if err != nil {
		return nil, err
	}

	h := sha256.Sum256(data)
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", h)
	meta.CreatedAt = time.Now().UTC()
	if meta.ContentType == "" {
		meta.ContentType = ContentTypeFor(meta.FileName)
	}

	s.mu.Lock()
	s.objects[meta.Key] = &storedObject{meta: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, *ObjectMeta, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrObjectNotFound
	}
	meta := obj.meta
	return io.NopCloser(bytes.NewReader(obj.content)), &meta, nil
}

func (s *MemoryStore) Stat(_ context.Context, key string) (*ObjectMeta, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrObjectNotFound
	}
	meta := obj.meta
	return &meta, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[key]; !ok {
		return ErrObjectNotFound
	}
	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) URL(key string) string {
	return s.baseURL + "/" + key
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
